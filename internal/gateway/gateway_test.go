package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/convpipe/internal/bank"
	ctxengine "github.com/user/convpipe/internal/context"
	"github.com/user/convpipe/internal/stage"
	"github.com/user/convpipe/internal/state"
	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/pkg/llm"
)

// scriptedProvider fails the first failures calls, then echoes the last user
// message.
type scriptedProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *scriptedProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("connection refused")
	}
	last := req.Messages[len(req.Messages)-1]
	return &llm.Response{Content: "re: " + last.Content}, nil
}

type failingBank struct {
	failures atomic.Int32
}

func (b *failingBank) Query(ctx context.Context, id types.ConversationID, content string) (*bank.Result, error) {
	if b.failures.Add(-1) >= 0 {
		return nil, errors.New("bank timeout")
	}
	return bank.Static{}.Query(ctx, id, content)
}

type fixture struct {
	events   *state.RecordLog
	provider *scriptedProvider
	coord    *Coordinator
}

func newFixture(t *testing.T, provider *scriptedProvider, client bank.Client) *fixture {
	t.Helper()
	events := state.NewRecordLog(t.TempDir())
	infer, err := stage.NewInfer(events, provider, ctxengine.NewEstimating(8000, 1000), stage.InferConfig{MaxTokens: 1000, Temperature: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	coord := New(events, Stages{
		Ingest:    stage.NewIngest(events),
		Infer:     infer,
		Integrate: stage.NewIntegrate(events, client, time.Second),
		Format:    stage.NewFormat(events),
	}, 4)
	coord.SetRetryPolicy(fastPolicy(3))
	coord.Start(context.Background())
	t.Cleanup(coord.Stop)
	return &fixture{events: events, provider: provider, coord: coord}
}

func roles(t *testing.T, events types.EventLog, id types.ConversationID) []types.Role {
	t.Helper()
	records, err := events.ReadOrdered(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	var out []types.Role
	for i, rec := range records {
		if i > 0 && rec.Sequence <= records[i-1].Sequence {
			t.Errorf("sequence not strictly increasing at %d", i)
		}
		out = append(out, rec.Role)
	}
	return out
}

func TestSubmitBalanceScenario(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})
	ctx := context.Background()

	res, err := f.coord.Submit(ctx, &types.InboundMessage{Source: "test", Text: "What's my balance?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ConversationID == "" {
		t.Fatal("expected minted conversation id")
	}
	if res.Reply != "re: What's my balance?" {
		t.Errorf("unexpected reply %q", res.Reply)
	}
	if res.View.State != "complete" {
		t.Errorf("expected complete state, got %s", res.View.State)
	}

	got := roles(t, f.events, res.ConversationID)
	want := []types.Role{types.RoleUser, types.RoleAssistant, types.RoleIntegration}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected roles %v, got %v", want, got)
	}

	var result bank.Result
	if err := json.Unmarshal([]byte(res.View.Entries[2].Payload), &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "success" || result.Data["accountBalance"] != 1000.0 {
		t.Errorf("unexpected integration payload: %+v", result)
	}
}

func TestSubmitFollowUpTurns(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})
	ctx := context.Background()

	first, err := f.coord.Submit(ctx, &types.InboundMessage{Text: "again"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.coord.Submit(ctx, &types.InboundMessage{ConversationID: first.ConversationID, Text: "again"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatal("expected same conversation")
	}
	if len(second.View.Entries) != 6 {
		t.Fatalf("expected two full turns (6 records), got %d", len(second.View.Entries))
	}
	if second.View.Entries[0].Sequence == second.View.Entries[3].Sequence {
		t.Error("identical messages must be distinct records")
	}
}

func TestSubmitIdempotencyKey(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})
	ctx := context.Background()

	msg := &types.InboundMessage{ConversationID: "c", Text: "hello", Key: "req-1"}
	if _, err := f.coord.Submit(ctx, msg); err != nil {
		t.Fatal(err)
	}
	res, err := f.coord.Submit(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.View.Entries) != 3 {
		t.Errorf("expected replayed submit to add nothing, got %d records", len(res.View.Entries))
	}
	if f.provider.calls != 1 {
		t.Errorf("expected one model call, got %d", f.provider.calls)
	}
}

func TestSubmitRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})

	_, err := f.coord.Submit(context.Background(), &types.InboundMessage{ConversationID: "c", Text: ""})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var stageErr *types.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != string(stage.Ingest) {
		t.Errorf("expected ingest stage error, got %v", err)
	}
	if got := roles(t, f.events, "c"); len(got) != 0 {
		t.Errorf("expected empty log, got %v", got)
	}
}

func TestSubmitRetriesCollaborator(t *testing.T) {
	f := newFixture(t, &scriptedProvider{failures: 2}, bank.Static{})

	res, err := f.coord.Submit(context.Background(), &types.InboundMessage{Text: "hi"})
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if f.provider.calls != 3 {
		t.Errorf("expected 3 model calls, got %d", f.provider.calls)
	}
	if res.View.State != "complete" {
		t.Errorf("expected complete, got %s", res.View.State)
	}
}

func TestSubmitSurfacesExhaustedRetriesThenResumes(t *testing.T) {
	client := &failingBank{}
	client.failures.Store(3)
	f := newFixture(t, &scriptedProvider{}, client)
	ctx := context.Background()

	_, err := f.coord.Submit(ctx, &types.InboundMessage{ConversationID: "c", Text: "balance?"})
	if !errors.Is(err, types.ErrCollaboratorUnavailable) {
		t.Fatalf("expected collaborator unavailable, got %v", err)
	}
	got := roles(t, f.events, "c")
	if len(got) != 2 || got[1] != types.RoleAssistant {
		t.Fatalf("expected turn stuck awaiting integration, got %v", got)
	}

	res, err := f.coord.Resume(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if res.View.State != "complete" {
		t.Errorf("expected resume to complete the turn, got %s", res.View.State)
	}
	if got := roles(t, f.events, "c"); len(got) != 3 {
		t.Errorf("expected 3 records after resume, got %v", got)
	}
	if f.provider.calls != 1 {
		t.Errorf("resume must not re-run inference, got %d calls", f.provider.calls)
	}
}

func TestSubmitFinishesPendingTurnFirst(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})
	ctx := context.Background()

	// A user record left without inference, as after a crash.
	if err := f.events.Append(ctx, &types.Record{ConversationID: "c", Role: types.RoleUser, Payload: "stuck"}); err != nil {
		t.Fatal(err)
	}

	res, err := f.coord.Submit(ctx, &types.InboundMessage{ConversationID: "c", Text: "next"})
	if err != nil {
		t.Fatal(err)
	}
	want := []types.Role{
		types.RoleUser, types.RoleAssistant, types.RoleIntegration,
		types.RoleUser, types.RoleAssistant, types.RoleIntegration,
	}
	if got := roles(t, f.events, "c"); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if res.Reply != "re: next" {
		t.Errorf("expected reply to the new message, got %q", res.Reply)
	}
}

func TestResumeCompleteIsNoop(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})
	ctx := context.Background()

	first, err := f.coord.Submit(ctx, &types.InboundMessage{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.coord.Resume(ctx, first.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.View.Entries) != 3 {
		t.Errorf("expected no new records, got %d", len(res.View.Entries))
	}
}

func TestResumeRequiresID(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})
	if _, err := f.coord.Resume(context.Background(), ""); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCloseStuckTurn(t *testing.T) {
	client := &failingBank{}
	client.failures.Store(100)
	f := newFixture(t, &scriptedProvider{}, client)
	ctx := context.Background()

	if _, err := f.coord.Submit(ctx, &types.InboundMessage{ConversationID: "c", Text: "hi"}); err == nil {
		t.Fatal("expected failure")
	}

	res, err := f.coord.Close(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if res.View.State != "complete" || res.View.Latest().Role != types.RoleSystem {
		t.Errorf("expected closed turn, got %+v", res.View)
	}

	if _, err := f.coord.Close(ctx, "c"); !errors.Is(err, types.ErrStateViolation) {
		t.Errorf("expected state violation closing a complete turn, got %v", err)
	}
}

func TestViewUnknownConversation(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})

	res, err := f.coord.View(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.View.Entries) != 0 || res.View.State != "empty" {
		t.Errorf("expected empty view, got %+v", res.View)
	}
}

func TestSubmitAsync(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})

	replies := make(chan string, 1)
	id, err := f.coord.SubmitAsync(&types.InboundMessage{Source: "telegram", Text: "ping"},
		WithOnComplete(func(resp string) { replies <- resp }))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected conversation id")
	}

	select {
	case got := <-replies:
		if got != "re: ping" {
			t.Errorf("unexpected reply %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestConcurrentSubmitsSameConversation(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.coord.Submit(ctx, &types.InboundMessage{ConversationID: "shared", Text: fmt.Sprint(i)}); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got := roles(t, f.events, "shared")
	if len(got) != 15 {
		t.Fatalf("expected 5 full turns, got %d records", len(got))
	}
	for i, role := range got {
		want := []types.Role{types.RoleUser, types.RoleAssistant, types.RoleIntegration}[i%3]
		if role != want {
			t.Errorf("record %d: expected %s, got %s", i, want, role)
		}
	}
}

func TestConcurrentSubmitsNewConversations(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, bank.Static{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]types.ConversationID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.coord.Submit(ctx, &types.InboundMessage{Text: "hello"})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids[i] = res.ConversationID
		}(i)
	}
	wg.Wait()

	seen := make(map[types.ConversationID]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate conversation id %s", id)
		}
		seen[id] = true
	}
	listed, err := f.coord.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != len(ids) {
		t.Errorf("expected %d conversations, got %d", len(ids), len(listed))
	}
}

// lostAckLog commits the first append of role and then reports a storage
// failure, as when the write lands but its acknowledgement does not.
type lostAckLog struct {
	*state.RecordLog
	role types.Role
	lost atomic.Bool
}

func (l *lostAckLog) Append(ctx context.Context, rec *types.Record) error {
	if err := l.RecordLog.Append(ctx, rec); err != nil {
		return err
	}
	if rec.Role == l.role && l.lost.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: fsync: input/output error", types.ErrStorageUnavailable)
	}
	return nil
}

func TestSubmitRecoversFromLostAppendAck(t *testing.T) {
	for _, role := range []types.Role{types.RoleAssistant, types.RoleIntegration} {
		t.Run(string(role), func(t *testing.T) {
			events := &lostAckLog{RecordLog: state.NewRecordLog(t.TempDir()), role: role}
			provider := &scriptedProvider{}
			infer, err := stage.NewInfer(events, provider, ctxengine.NewEstimating(8000, 1000), stage.InferConfig{MaxTokens: 1000})
			if err != nil {
				t.Fatal(err)
			}
			coord := New(events, Stages{
				Ingest:    stage.NewIngest(events),
				Infer:     infer,
				Integrate: stage.NewIntegrate(events, bank.Static{}, time.Second),
				Format:    stage.NewFormat(events),
			})
			coord.SetRetryPolicy(fastPolicy(3))
			coord.Start(context.Background())
			t.Cleanup(coord.Stop)

			res, err := coord.Submit(context.Background(), &types.InboundMessage{Source: "test", Text: "What's my balance?"})
			if err != nil {
				t.Fatalf("expected the retried stage to find its record, got %v", err)
			}
			if !events.lost.Load() {
				t.Fatal("expected one lost acknowledgement")
			}
			got := roles(t, events, res.ConversationID)
			want := []types.Role{types.RoleUser, types.RoleAssistant, types.RoleIntegration}
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("expected roles %v, got %v", want, got)
			}
			if provider.calls != 1 {
				t.Errorf("expected one model call, got %d", provider.calls)
			}
		})
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

func TestPendingTurnLoggedOnlyWhenLeftOver(t *testing.T) {
	logs := captureLogs(t)
	f := newFixture(t, &scriptedProvider{}, bank.Static{})
	ctx := context.Background()

	if _, err := f.coord.Submit(ctx, &types.InboundMessage{ConversationID: "fresh", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(logs.String(), "finishing pending turn") {
		t.Fatalf("a normal turn must not report a pending turn:\n%s", logs)
	}

	if err := f.events.Append(ctx, &types.Record{ConversationID: "stuck", Role: types.RoleUser, Payload: "left over"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Submit(ctx, &types.InboundMessage{ConversationID: "stuck", Text: "next"}); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(logs.String(), "finishing pending turn"); n != 1 {
		t.Errorf("expected one pending-turn log line, got %d", n)
	}
}
