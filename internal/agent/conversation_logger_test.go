package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConversationLoggerWritesPerInterviewNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(ConversationLogEvent{
		CandidateID: "cand-1",
		InterviewID: "iv-1",
		Channel:     "ws",
		Direction:   "inbound",
		EventType:   "user_message",
		MessageID:   3,
		ContentRaw:  "I   used a\tcache",
	})

	path := filepath.Join(dir, "cand-1", "iv-1.ndjson")
	line := waitForLogLine(t, path)
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "I   used a\tcache" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content != "I used a cache" {
		t.Fatalf("expected cleaned content, got %q", got.Content)
	}
	if got.MessageID != 3 {
		t.Fatalf("MessageID = %d, want 3", got.MessageID)
	}
}

func TestConversationLoggerSanitizesPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	logger.Log(ConversationLogEvent{InterviewID: "../../etc/passwd", EventType: "system_message", ContentRaw: "x"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "anonymous", "*.ndjson"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one log file inside %s, got %v", dir, matches)
	}
	// Logging after Close is a no-op.
	logger.Log(ConversationLogEvent{InterviewID: "late"})
}

func TestDisabledConversationLoggerIsNop(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	if _, ok := logger.(NopConversationLogger); !ok {
		t.Fatalf("expected NopConversationLogger, got %T", logger)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
