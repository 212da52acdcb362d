package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one line of a conversation log.
type ConversationLogEvent struct {
	Timestamp   string         `json:"ts"`
	CandidateID string         `json:"candidate_id,omitempty"`
	InterviewID string         `json:"interview_id"`
	Channel     string         `json:"channel"`
	Direction   string         `json:"direction"`
	EventType   string         `json:"event_type"`
	MessageID   int64          `json:"message_id,omitempty"`
	PersonaID   string         `json:"persona_id,omitempty"`
	ContentRaw  string         `json:"content_raw,omitempty"`
	Content     string         `json:"content,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records conversation events.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// NopConversationLogger discards every event.
type NopConversationLogger struct{}

func (NopConversationLogger) Log(ConversationLogEvent) {}
func (NopConversationLogger) Close() error             { return nil }

// fileConversationLogger writes one NDJSON file per interview from a single
// goroutine fed by a bounded queue. Events are dropped when the queue is full.
type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	files  map[string]*os.File
	global *os.File
}

// NewConversationLogger starts a conversation logger. A disabled config
// returns NopConversationLogger.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return NopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"interview_id", event.InterviewID,
			"event_type", event.EventType,
		)
	}
}

func (l *fileConversationLogger) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("failed to marshal conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		f, err := l.fileFor(event)
		if err != nil {
			l.logger.Warn("failed to open conversation log", "interview_id", event.InterviewID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.logger.Warn("failed to write conversation log", "interview_id", event.InterviewID, "error", err)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("failed to write global conversation log", "error", err)
			}
		}
	}

	for path, f := range l.files {
		if err := f.Close(); err != nil {
			l.logger.Warn("failed to close conversation log", "path", path, "error", err)
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil {
			l.logger.Warn("failed to close global conversation log", "error", err)
		}
	}
}

func (l *fileConversationLogger) fileFor(event ConversationLogEvent) (*os.File, error) {
	candidate := safePathPart(event.CandidateID, "anonymous")
	interview := safePathPart(event.InterviewID, "unknown")
	path := filepath.Join(l.cfg.Dir, candidate, interview+".ndjson")
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	l.files[path] = f
	return f, nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func safePathPart(s, fallback string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return fallback
	}
	return s
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*(\x07|\x1b\\)`)

// cleanForReadability strips ANSI escapes and control characters and
// collapses runs of whitespace.
func cleanForReadability(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
