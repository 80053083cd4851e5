package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startGeneratorServer(t *testing.T, gen Generator) *GrpcGenerator {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterGeneratorServer(srv, gen)
	hs := health.NewServer()
	hs.SetServingStatus(GeneratorServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcConfig("passthrough:///bufnet")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := NewGrpcGenerator(cfg, nil)
	if err != nil {
		t.Fatalf("NewGrpcGenerator: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGrpcGeneratorStreamsFragments(t *testing.T) {
	backend := &scriptedGenerator{fragments: []string{"Hello <<SCO", "RE: 45>>world"}}
	client := startGeneratorServer(t, backend)

	req := Request{
		Text:     "Alice",
		Language: domain.LanguageThai,
		History:  []Turn{{Role: domain.RoleAssistant, Text: "Welcome"}},
	}
	var got []string
	for frag, err := range client.Stream(context.Background(), req) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		got = append(got, frag.Text)
	}
	if len(got) != 2 || got[0] != "Hello <<SCO" || got[1] != "RE: 45>>world" {
		t.Fatalf("unexpected fragments %q", got)
	}

	if len(backend.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(backend.requests))
	}
	seen := backend.requests[0]
	if seen.Text != "Alice" || seen.Language != domain.LanguageThai {
		t.Errorf("request not forwarded intact: %+v", seen)
	}
	if len(seen.History) != 1 || seen.History[0].Text != "Welcome" || seen.History[0].Role != domain.RoleAssistant {
		t.Errorf("history not forwarded intact: %+v", seen.History)
	}
}

func TestGrpcGeneratorThroughConsumer(t *testing.T) {
	client := startGeneratorServer(t, &scriptedGenerator{fragments: []string{"Hello <<SCO", "RE: 45>>world"}})

	updates, err := collect(t, NewConsumer(client, 5*time.Second, nil).Exchange(context.Background(), Request{Text: "Alice"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := updates[len(updates)-1]
	if last.Text != "Helloworld" || last.Score == nil || *last.Score != 45 {
		t.Fatalf("unexpected final update %+v", last)
	}
}

func TestGrpcGeneratorBackendError(t *testing.T) {
	client := startGeneratorServer(t, &scriptedGenerator{failAfter: errors.New("quota exceeded")})

	var gotErr error
	for _, err := range client.Stream(context.Background(), Request{Text: "hi"}) {
		if err != nil {
			gotErr = err
			break
		}
	}
	if !errors.Is(gotErr, errGeneratorResponse) {
		t.Fatalf("expected generator error, got %v", gotErr)
	}
}

func TestGrpcGeneratorHealth(t *testing.T) {
	client := startGeneratorServer(t, &scriptedGenerator{})
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
