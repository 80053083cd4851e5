package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Generator service wire names.
const (
	GeneratorServiceName = "evalstream.generator.v1.Generator"
	streamChatMethod     = "/" + GeneratorServiceName + "/StreamChat"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errGeneratorResponse        = errors.New("generator returned error")
)

var streamChatDesc = &grpc.StreamDesc{StreamName: "StreamChat", ServerStreams: true}

// GrpcGenerator streams replies from a generator sidecar over gRPC.
type GrpcGenerator struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// GrpcConfig holds configuration for the gRPC generator client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcGenerator connects to a generator sidecar and fails fast when it is unreachable.
func NewGrpcGenerator(cfg GrpcConfig, logger *slog.Logger) (*GrpcGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to generator service", "address", cfg.Address)

	return &GrpcGenerator{
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

// Close closes the connection.
func (g *GrpcGenerator) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// Health reports whether the generator service is serving.
func (g *GrpcGenerator) Health(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: GeneratorServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("generator not serving: %s", resp.GetStatus())
	}
	return nil
}

// Stream opens a server-streaming StreamChat call.
func (g *GrpcGenerator) Stream(ctx context.Context, req Request) iter.Seq2[*Fragment, error] {
	return func(yield func(*Fragment, error) bool) {
		msg, err := encodeRequest(req)
		if err != nil {
			yield(nil, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := g.conn.NewStream(ctx, streamChatDesc, streamChatMethod)
		if err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("chat stream error: %w", err))
				return
			}

			fields := resp.GetFields()
			if e := fields["error"].GetStringValue(); e != "" {
				yield(nil, fmt.Errorf("%w: %s", errGeneratorResponse, e))
				return
			}
			if !yield(&Fragment{Text: fields["text"].GetStringValue()}, nil) {
				return
			}
		}
	}
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, t := range req.History {
		history = append(history, map[string]any{"role": string(t.Role), "text": t.Text})
	}
	msg, err := structpb.NewStruct(map[string]any{
		"text":               req.Text,
		"language":           string(req.Language),
		"system_instruction": req.SystemInstruction,
		"history":            history,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	return msg, nil
}

func decodeRequest(msg *structpb.Struct) Request {
	fields := msg.GetFields()
	req := Request{
		Text:              fields["text"].GetStringValue(),
		Language:          domain.ParseLanguage(fields["language"].GetStringValue()),
		SystemInstruction: fields["system_instruction"].GetStringValue(),
	}
	for _, v := range fields["history"].GetListValue().GetValues() {
		tf := v.GetStructValue().GetFields()
		req.History = append(req.History, Turn{
			Role: domain.Role(tf["role"].GetStringValue()),
			Text: tf["text"].GetStringValue(),
		})
	}
	return req
}

// RegisterGeneratorServer exposes gen as the StreamChat service on s.
func RegisterGeneratorServer(s *grpc.Server, gen Generator) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: GeneratorServiceName,
		HandlerType: (*Generator)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamChat",
			Handler:       streamChatHandler,
			ServerStreams: true,
		}},
	}, gen)
}

func streamChatHandler(srv any, stream grpc.ServerStream) error {
	gen := srv.(Generator)
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	for frag, err := range gen.Stream(stream.Context(), decodeRequest(in)) {
		if err != nil {
			out, _ := structpb.NewStruct(map[string]any{"error": err.Error()})
			return stream.SendMsg(out)
		}
		if frag == nil {
			continue
		}
		out, _ := structpb.NewStruct(map[string]any{"text": frag.Text})
		if err := stream.SendMsg(out); err != nil {
			return err
		}
	}
	return nil
}
