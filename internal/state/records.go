// internal/state/records.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/user/convpipe/internal/types"
)

const maxRecordLine = 8 << 20

// RecordLog is a JSONL-backed append-only record store.
// Records are stored per conversation in conversations/<id>/records.jsonl.
type RecordLog struct {
	root  string
	now   func() time.Time
	mu    sync.Mutex
	locks map[types.ConversationID]*sync.Mutex
}

// NewRecordLog creates a new file-backed RecordLog rooted at the given directory.
func NewRecordLog(root string) *RecordLog {
	return &RecordLog{
		root:  root,
		now:   time.Now,
		locks: make(map[types.ConversationID]*sync.Mutex),
	}
}

// SetClock replaces the clock used to assign sequences.
func (l *RecordLog) SetClock(now func() time.Time) {
	l.now = now
}

// getLock returns the per-conversation mutex, creating one if it doesn't exist.
func (l *RecordLog) getLock(id types.ConversationID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[id] = lock
	return lock
}

func (l *RecordLog) conversationsDir() string {
	return filepath.Join(l.root, "conversations")
}

func (l *RecordLog) recordsPath(id types.ConversationID) string {
	return filepath.Join(l.conversationsDir(), string(id), "records.jsonl")
}

// checkID rejects ids that would escape the conversations directory.
func checkID(id types.ConversationID) error {
	s := string(id)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%w: invalid conversation id %q", types.ErrValidation, s)
	}
	return nil
}

// read loads all records for a conversation and returns the byte length of
// the well-formed prefix. A final line without its newline is a write that
// never finished; it is left out and the caller may truncate it away.
// Caller must hold the conversation lock.
func (l *RecordLog) read(id types.ConversationID) ([]*types.Record, int64, error) {
	f, err := os.Open(l.recordsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("%w: open records file: %w", types.ErrStorageUnavailable, err)
	}
	defer f.Close()

	var (
		records []*types.Record
		valid   int64
	)
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// Torn tail, or clean end of file when line is empty.
			return records, valid, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read records file: %w", types.ErrStorageUnavailable, err)
		}
		if len(line) > maxRecordLine {
			return nil, 0, fmt.Errorf("%w: record on line %d exceeds %d bytes", types.ErrStorageUnavailable, lineNo, maxRecordLine)
		}
		var rec types.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, 0, fmt.Errorf("%w: decode record on line %d: %w", types.ErrStorageUnavailable, lineNo, err)
		}
		records = append(records, &rec)
		valid += int64(len(line))
	}
}

// Append adds a record to the conversation's log with the next sequence number.
// The records file is held under an exclusive flock for the whole
// read-decide-write cycle so separate processes sharing a data dir
// cannot interleave appends.
func (l *RecordLog) Append(ctx context.Context, rec *types.Record) error {
	if err := checkID(rec.ConversationID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := l.getLock(rec.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	path := l.recordsPath(rec.ConversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create conversation dir: %w", types.ErrStorageUnavailable, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open records file: %w", types.ErrStorageUnavailable, err)
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("%w: lock records file: %w", types.ErrStorageUnavailable, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	existing, valid, err := l.read(rec.ConversationID)
	if err != nil {
		return err
	}

	if rec.Key != "" {
		for _, prev := range existing {
			if prev.Key == rec.Key {
				*rec = *prev
				return nil
			}
		}
	}

	var last int64
	if n := len(existing); n > 0 {
		last = existing[n-1].Sequence
	}
	now := l.now()
	rec.ID = types.NewRecordID()
	rec.At = now
	rec.Sequence = types.NextSequence(last, now)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	// Nothing has been written yet; a cancelled caller leaves no record behind.
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat records file: %w", types.ErrStorageUnavailable, err)
	}
	if info.Size() > valid {
		if err := f.Truncate(valid); err != nil {
			return fmt.Errorf("%w: drop torn record: %w", types.ErrStorageUnavailable, err)
		}
	}

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: write record: %w", types.ErrStorageUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync records file: %w", types.ErrStorageUnavailable, err)
	}
	return nil
}

// ReadOrdered returns every record of the conversation in ascending sequence.
func (l *RecordLog) ReadOrdered(_ context.Context, id types.ConversationID) ([]*types.Record, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	lock := l.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	records, _, err := l.read(id)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*types.Record{}
	}
	return records, nil
}

// ReadLatest returns the last record of the conversation, or nil.
func (l *RecordLog) ReadLatest(ctx context.Context, id types.ConversationID) (*types.Record, error) {
	records, err := l.ReadOrdered(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[len(records)-1], nil
}

// Conversations lists every conversation that has at least one record.
func (l *RecordLog) Conversations(_ context.Context) ([]types.ConversationID, error) {
	entries, err := os.ReadDir(l.conversationsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read conversations dir: %w", types.ErrStorageUnavailable, err)
	}

	var ids []types.ConversationID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := types.ConversationID(entry.Name())
		if info, err := os.Stat(l.recordsPath(id)); err == nil && info.Size() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
