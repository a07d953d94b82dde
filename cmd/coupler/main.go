// cmd/coupler/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"insitu/pkg/cluster"
	"insitu/pkg/comm"
	"insitu/pkg/config"
	"insitu/pkg/insitu"
	"insitu/pkg/logger"
	"insitu/pkg/peer"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML configuration file")
	local := pflag.Int("local", 0, "run this many ranks in-process instead of joining the configured cluster")
	writers := pflag.Int("writers", 1, "ranks that write in --local mode, the rest read")
	rows := pflag.Int("rows", 64, "rows of the exchanged array")
	cols := pflag.Int("cols", 64, "columns of the exchanged array")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
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

	wl := workload{rows: *rows, cols: *cols, steps: cfg.Stream.Steps}
	if *local > 0 {
		err = runLocal(ctx, cfg, *local, *writers, wl, lg)
	} else {
		err = runNode(ctx, cfg, wl, lg)
	}
	if err != nil {
		lg.Fatal("coupler failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.LoadConfig(path)
}

func peerOptions(cfg *config.Config) []peer.Option {
	if cfg.Cluster.MaxMessageBytes > 0 {
		return []peer.Option{peer.WithMaxMessageBytes(cfg.Cluster.MaxMessageBytes)}
	}
	return nil
}

// runLocal runs a whole stream inside this process over loopback gRPC.
func runLocal(ctx context.Context, cfg *config.Config, ranks, writers int, wl workload, lg *zap.Logger) error {
	if writers < 1 || writers >= ranks {
		return status.Errorf(codes.InvalidArgument, "need at least one writer and one reader among %d ranks, got %d writers", ranks, writers)
	}
	c, err := cluster.Launch(ranks, lg, peerOptions(cfg)...)
	if err != nil {
		return err
	}
	defer c.Close()

	var mu sync.Mutex
	var errs error
	var wg sync.WaitGroup
	for rank, t := range c.Transports() {
		role := "reader"
		if rank < writers {
			role = "writer"
		}
		wg.Add(1)
		go func(t comm.Transport, role string) {
			defer wg.Done()
			if err := runRole(ctx, t, role, cfg, wl, lg); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(t, role)
	}
	wg.Wait()
	return errs
}

// runNode joins the configured cluster as one rank.
func runNode(ctx context.Context, cfg *config.Config, wl workload, lg *zap.Logger) error {
	node, err := cluster.Join(cfg.Node.Rank, cfg.Cluster.Addresses, lg, peerOptions(cfg)...)
	if err != nil {
		return err
	}
	defer node.Close()
	return runRole(ctx, node, cfg.Stream.Role, cfg, wl, lg)
}

func runRole(ctx context.Context, t comm.Transport, role string, cfg *config.Config, wl workload, lg *zap.Logger) error {
	switch role {
	case "writer":
		w, err := insitu.OpenWriter(ctx, t, cfg.Stream.Name, cfg.Engine, lg)
		if err != nil {
			return err
		}
		return wl.write(ctx, w)
	case "reader":
		r, err := insitu.OpenReader(ctx, t, cfg.Stream.Name, cfg.Engine, lg)
		if err != nil {
			return err
		}
		return wl.read(ctx, r, lg.Named("reader").With(zap.Int("rank", t.Rank())))
	}
	return status.Errorf(codes.InvalidArgument, "unknown stream role %q", role)
}
