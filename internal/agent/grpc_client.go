package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ResponderService is the gRPC service name the remote agent registers.
const ResponderService = "interview.v1.AgentResponder"

const respondMethod = "/" + ResponderService + "/Respond"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errRemoteResponder          = errors.New("remote responder returned error")
	errNotServing               = errors.New("remote responder not serving")
)

// GrpcClientConfig holds configuration for the gRPC responder.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcResponder calls a remote agent service. Requests and replies are
// google.protobuf.Struct messages so the remote side needs no shared stubs.
type GrpcResponder struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// NewGrpcResponder dials the agent service and waits until the connection
// is ready.
func NewGrpcResponder(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcResponder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent responder at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad agent endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent responder at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent responder", "address", cfg.Address)

	return &GrpcResponder{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcResponder) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

// Health checks that the remote responder reports SERVING.
func (c *GrpcResponder) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ResponderService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Respond performs one unary call.
func (c *GrpcResponder) Respond(ctx context.Context, req Request) (string, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return "", err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, respondMethod, in, out); err != nil {
		return "", fmt.Errorf("respond request failed: %w", err)
	}
	return decodeReply(out)
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	transcript := make([]any, 0, len(req.Transcript))
	for _, t := range req.Transcript {
		transcript = append(transcript, map[string]any{
			"role":    string(t.Role),
			"speaker": t.Speaker,
			"content": t.Content,
		})
	}
	s, err := structpb.NewStruct(map[string]any{
		"interview_id":    req.InterviewID,
		"persona_id":      string(req.Persona.ID),
		"persona_name":    req.Persona.DisplayName,
		"stage":           string(req.Stage),
		"system_prompt":   req.Persona.SystemPrompt,
		"initial_context": req.InitialContext,
		"transcript":      transcript,
	})
	if err != nil {
		return nil, fmt.Errorf("encode respond request: %w", err)
	}
	return s, nil
}

func decodeReply(out *structpb.Struct) (string, error) {
	fields := out.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return "", fmt.Errorf("%w: %s", errRemoteResponder, msg)
	}
	return fields["content"].GetStringValue(), nil
}
