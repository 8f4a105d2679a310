package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/internal/view"
)

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestSplitMessageMultiByte(t *testing.T) {
	// Three-byte runes, so byte 4096 falls inside a rune.
	text := strings.Repeat("世", 3000)
	parts := splitMessage(text)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	for i, p := range parts {
		if len(p) > maxTelegramMessage {
			t.Errorf("part %d is %d bytes", i, len(p))
		}
		if !utf8.ValidString(p) {
			t.Errorf("part %d is not valid UTF-8", i)
		}
	}
	if strings.Join(parts, "") != text {
		t.Error("parts do not rejoin to the original text")
	}
}

func TestBuildChannelKey(t *testing.T) {
	key := buildChannelKey(12345, 67890)
	if string(key) != "telegram:12345:67890" {
		t.Errorf("expected 'telegram:12345:67890', got %q", key)
	}
}

func TestChatIDFromKey(t *testing.T) {
	tests := []struct {
		key     types.ChannelKey
		want    int64
		wantErr bool
	}{
		{"telegram:12345:67890", 67890, false},
		{"telegram:-100200", -100200, false},
		{"http:abc", 0, true},
		{"telegram:1:notanumber", 0, true},
		{"telegram", 0, true},
	}
	for _, tt := range tests {
		got, err := chatIDFromKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("chatIDFromKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("chatIDFromKey(%q) = %d, want %d", tt.key, got, tt.want)
		}
	}
}

func TestFormatStatus(t *testing.T) {
	got := formatStatus(&view.Conversation{
		ConversationID: "conv-1",
		State:          "complete",
		Entries:        make([]view.Entry, 3),
	})
	want := "Conversation: conv-1\nState: complete\nRecords: 3"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
