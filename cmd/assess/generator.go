package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/evalstream/internal/agent"
	"github.com/ashureev/evalstream/internal/app"
	"github.com/ashureev/evalstream/internal/config"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var generatorListen string

var generatorCmd = &cobra.Command{
	Use:   "generator",
	Short: "Serve the Gemini backend over gRPC",
	Long: `Runs the generator sidecar: the configured Gemini backend exposed as the
StreamChat gRPC service, for servers started with GENERATOR_BACKEND=grpc.`,
	RunE: runGenerator,
}

func init() {
	generatorCmd.Flags().StringVar(&generatorListen, "listen", ":50051", "gRPC listen address")
}

func runGenerator(cmd *cobra.Command, _ []string) error {
	if cfg.Generator.Backend == config.BackendGRPC {
		return errors.New("generator sidecar needs a model backend, not GENERATOR_BACKEND=grpc")
	}
	if err := cfg.ValidateGenerator(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := app.OpenRemote(ctx, cfg.RemoteDSN, logger)
	if err != nil {
		return err
	}
	defer records.Close()

	gen, err := app.NewGenerator(ctx, cfg.Generator, records, logger)
	if err != nil {
		return err
	}
	defer gen.Close()

	lis, err := net.Listen("tcp", generatorListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", generatorListen, err)
	}

	srv := grpc.NewServer()
	agent.RegisterGeneratorServer(srv, gen)
	hs := health.NewServer()
	hs.SetServingStatus(agent.GeneratorServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
	}()

	logger.Info("Generator service listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
