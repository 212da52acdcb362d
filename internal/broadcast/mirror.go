// Package broadcast mirrors interview session events to out-of-process
// consumers such as live dashboards.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Envelope is the payload published for every mirrored event.
type Envelope struct {
	InterviewID string          `json:"interview_id"`
	Seq         int64           `json:"seq"`
	Event       json.RawMessage `json:"event"`
	PublishedAt time.Time       `json:"published_at"`
}

// Mirror publishes session events.
type Mirror interface {
	Publish(ctx context.Context, interviewID string, seq int64, event any) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, int64, any) error { return nil }
func (Nop) Close() error                                      { return nil }

var errNotInitialized = errors.New("redis mirror not initialized")

// RedisConfig configures RedisMirror.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// RedisMirror publishes envelopes on "<prefix>:<interview id>" channels.
type RedisMirror struct {
	rdb    *goredis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(cfg RedisConfig, logger *slog.Logger) (*RedisMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = "interview"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisMirror{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With("component", "redis_mirror"),
	}, nil
}

// Channel returns the pub/sub channel for interviewID.
func (m *RedisMirror) Channel(interviewID string) string {
	return ChannelName(m.prefix, interviewID)
}

// ChannelName joins prefix and interviewID.
func ChannelName(prefix, interviewID string) string {
	return prefix + ":" + interviewID
}

// Publish marshals event into an Envelope and publishes it.
func (m *RedisMirror) Publish(ctx context.Context, interviewID string, seq int64, event any) error {
	if m == nil || m.rdb == nil {
		return errNotInitialized
	}
	raw, err := Encode(interviewID, seq, event, time.Now().UTC())
	if err != nil {
		return err
	}
	return m.rdb.Publish(ctx, m.Channel(interviewID), raw).Err()
}

// Subscribe forwards envelopes published for interviewID to onEnvelope
// until ctx is done.
func (m *RedisMirror) Subscribe(ctx context.Context, interviewID string, onEnvelope func(Envelope)) error {
	if m == nil || m.rdb == nil {
		return errNotInitialized
	}
	if onEnvelope == nil {
		return fmt.Errorf("onEnvelope callback required")
	}

	sub := m.rdb.Subscribe(ctx, m.Channel(interviewID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					_ = sub.Close()
					return
				}
				env, err := Decode([]byte(msg.Payload))
				if err != nil {
					m.logger.Warn("bad mirrored payload", "error", err)
					continue
				}
				onEnvelope(env)
			}
		}
	}()
	return nil
}

// Close closes the Redis client.
func (m *RedisMirror) Close() error {
	if m == nil || m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}

// Encode builds the wire form of an envelope.
func Encode(interviewID string, seq int64, event any, at time.Time) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal mirrored event: %w", err)
	}
	out, err := json.Marshal(Envelope{
		InterviewID: interviewID,
		Seq:         seq,
		Event:       raw,
		PublishedAt: at,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.InterviewID == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing interview_id")
	}
	return env, nil
}
