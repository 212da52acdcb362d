package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/persona"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// startFakeAgent serves Respond through an unknown-service handler so the
// test needs no generated stubs, matching what the client sends.
func startFakeAgent(t *testing.T, reply func(in *structpb.Struct) *structpb.Struct) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != respondMethod {
			t.Errorf("method = %q, want %q", method, respondMethod)
		}
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return stream.SendMsg(reply(in))
	}))
	hs := health.NewServer()
	hs.SetServingStatus(ResponderService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGrpcResponderRoundTrip(t *testing.T) {
	var seen *structpb.Struct
	addr := startFakeAgent(t, func(in *structpb.Struct) *structpb.Struct {
		seen = in
		out, _ := structpb.NewStruct(map[string]any{"content": "Tell me about caching."})
		return out
	})

	r, err := NewGrpcResponder(GrpcClientConfig{Address: addr, ConnectTimeout: 2 * time.Second}, quietLogger())
	if err != nil {
		t.Fatalf("NewGrpcResponder: %v", err)
	}
	defer func() { _ = r.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	d, _ := persona.Default().Get(persona.Technical)
	text, err := r.Respond(ctx, Request{
		InterviewID: "iv-9",
		Persona:     d,
		Stage:       domain.StageTechnical,
		Transcript:  []Turn{{Role: RoleCandidate, Speaker: "Candidate", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if text != "Tell me about caching." {
		t.Fatalf("text = %q", text)
	}
	fields := seen.GetFields()
	if fields["interview_id"].GetStringValue() != "iv-9" || fields["persona_id"].GetStringValue() != "technical" {
		t.Fatalf("request fields = %v", fields)
	}
	if n := len(fields["transcript"].GetListValue().GetValues()); n != 1 {
		t.Fatalf("transcript len = %d, want 1", n)
	}
}

func TestGrpcResponderRemoteError(t *testing.T) {
	addr := startFakeAgent(t, func(*structpb.Struct) *structpb.Struct {
		out, _ := structpb.NewStruct(map[string]any{"error": "model overloaded"})
		return out
	})
	r, err := NewGrpcResponder(GrpcClientConfig{Address: addr, ConnectTimeout: 2 * time.Second}, quietLogger())
	if err != nil {
		t.Fatalf("NewGrpcResponder: %v", err)
	}
	defer func() { _ = r.Close() }()

	_, err = r.Respond(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected remote error")
	}
}

func TestGrpcResponderFailsFastWhenUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()

	_, err = NewGrpcResponder(GrpcClientConfig{Address: addr, ConnectTimeout: 200 * time.Millisecond}, quietLogger())
	if err == nil {
		t.Fatal("expected readiness failure")
	}
}
