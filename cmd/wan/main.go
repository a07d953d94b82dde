// cmd/wan/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"insitu/pkg/catalog"
	"insitu/pkg/config"
	"insitu/pkg/logger"
	"insitu/pkg/wan"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML configuration file with a wan section")
	elements := pflag.Int("elements", 1<<16, "float64 values per message")
	pflag.Parse()

	if *configPath == "" {
		log.Fatalf("--config is required")
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	lg, err := logger.New(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.WAN) == 0 {
		lg.Fatal("wan transfer failed", zap.Error(status.Error(codes.InvalidArgument, "config has no wan transports")))
	}
	switch cfg.Stream.Role {
	case "writer":
		err = send(ctx, cfg, *elements, lg)
	case "reader":
		err = receive(ctx, cfg, lg)
	default:
		lg.Fatal("unknown stream role", zap.String("role", cfg.Stream.Role))
	}
	if err != nil {
		lg.Fatal("wan transfer failed", zap.Error(err))
	}
}

// send writes one message per step, rotating over the configured
// transports.
func send(ctx context.Context, cfg *config.Config, elements int, lg *zap.Logger) error {
	m := wan.NewManager(lg)
	defer m.Close()
	if err := m.Open(ctx, cfg.Stream.Name, wan.ModeWrite, cfg.WAN); err != nil {
		return err
	}

	values := make([]float64, elements)
	for n := 0; n < cfg.Stream.Steps; n++ {
		for i := range values {
			values[i] = float64(n*elements + i)
		}
		if err := m.SetCurrentTransport(n % len(cfg.WAN)); err != nil {
			return err
		}
		env := wan.Envelope{
			DOID:  cfg.Stream.Name,
			Var:   "field",
			DType: "double",
			Shape: []uint64{uint64(elements)},
		}
		if err := m.Send(catalog.EncodeValues(values), env); err != nil {
			return err
		}
		lg.Info("message sent", zap.Int("step", n), zap.Int("elements", elements))
	}
	return nil
}

// receive logs every delivered message until Steps messages arrived or
// the process is interrupted.
func receive(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	got := make(chan struct{}, 1)
	quit := make(chan struct{})
	m := wan.NewManager(lg, wan.WithCallback(onDelivery(lg, got, quit)))
	defer m.Close()
	// runs before Close so no receive loop is left blocked in the callback
	defer close(quit)
	if err := m.Open(ctx, cfg.Stream.Name, wan.ModeRead, cfg.WAN); err != nil {
		return err
	}

	for n := 0; n < cfg.Stream.Steps; n++ {
		select {
		case <-got:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// onDelivery logs a message and signals got, giving up once quit is closed.
func onDelivery(lg *zap.Logger, got chan<- struct{}, quit <-chan struct{}) wan.Callback {
	return func(payload []byte, doid, variable, dtype string, shape []uint64) {
		lg.Info("message received",
			zap.String("doid", doid),
			zap.String("var", variable),
			zap.String("dtype", dtype),
			zap.Uint64s("shape", shape),
			zap.Int("bytes", len(payload)))
		select {
		case got <- struct{}{}:
		case <-quit:
		}
	}
}
