// Package commands holds the blackboard-server CLI's cobra subcommands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/finrocmirror/go-blackboard/internal/config"
	"github.com/finrocmirror/go-blackboard/internal/metrics"
	"github.com/finrocmirror/go-blackboard/internal/portbus"
	"github.com/finrocmirror/go-blackboard/internal/transport/grpcremote"
	"github.com/finrocmirror/go-blackboard/pkg/blackboard"
)

// DefaultSnapshotInterval is how often the operator snapshot file is
// rewritten when --snapshot-file is set.
const DefaultSnapshotInterval = 5 * time.Second

type serve struct {
	cfg           config.Config
	snapshotFile  string
	snapshotEvery time.Duration
	boards        []*blackboard.Server[float64]
	srv           *grpcremote.Server[float64]
	snapshotStop  chan struct{}
}

// Serve returns the "serve" subcommand: it loads configuration, constructs
// every configured blackboard, exposes the first of them over gRPC, and
// blocks until signaled.
func Serve() *cobra.Command {
	var s serve

	cmd := cobra.Command{
		Use:   "serve",
		Short: "Host the configured blackboards over gRPC and listen for connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.serve(cmd.Context())
		},
	}

	s.cfg.Flags(&cmd)
	cmd.Flags().StringVar(&s.snapshotFile, "snapshot-file", "", "path to periodically write a JSON diagnostic snapshot of every blackboard; disabled if empty")
	cmd.Flags().DurationVar(&s.snapshotEvery, "snapshot-interval", DefaultSnapshotInterval, "how often to rewrite --snapshot-file")

	return &cmd
}

func (s *serve) serve(ctx context.Context) error {
	if err := s.cfg.Load(); err != nil {
		return err
	}
	if len(s.cfg.Blackboards) == 0 {
		return fmt.Errorf("commands: no blackboards configured; pass --config with at least one entry")
	}

	// The core blackboard.Server[T] is generic over its element type, but a
	// single server binary hosts one concrete instantiation (float64) at a
	// time: the gRPC wire codec and CLI config need one concrete type to
	// agree on.
	sources := make([]metrics.Source, 0, len(s.cfg.Blackboards))
	for _, bspec := range s.cfg.Blackboards {
		port := portbus.NewLocal[float64]()
		bcfg, err := bspec.BuildServerConfig(port)
		if err != nil {
			return err
		}

		bb, err := blackboard.New[float64](nil, bcfg)
		if err != nil {
			return fmt.Errorf("commands: constructing blackboard %q: %w", bspec.Name, err)
		}
		s.boards = append(s.boards, bb)
		sources = append(sources, bb)
	}

	// Remote access is exposed for the first configured blackboard only;
	// hosting several boards over one gRPC endpoint would need the wire
	// protocol to carry a target name, which it does not.
	var err error
	if s.srv, err = grpcremote.NewServer[float64](s.boards[0], s.cfg.GRPC); err != nil {
		return err
	}

	if s.snapshotFile != "" {
		writer := metrics.NewWriter(s.snapshotFile, sources)
		s.snapshotStop = make(chan struct{})
		go writer.Run(s.snapshotEvery, s.snapshotStop, nil)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		err = s.srv.Serve()
	}()

	select {
	case <-done:
		return err
	case sig := <-sigCh:
		slog.Warn("caught signal", "sig", sig)
		return s.gracefulStop()
	case <-ctx.Done():
		slog.Warn("application context done", "err", ctx.Err())
		return s.gracefulStop()
	}
}

func (s *serve) gracefulStop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GRPC.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.srv.GracefulStop()
		if s.snapshotStop != nil {
			close(s.snapshotStop)
		}
		for _, bb := range s.boards {
			bb.ManagedDelete()
		}
	}()

	select {
	case <-done:
		slog.Info("shutdown gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("timed out waiting to shutdown")
		return ctx.Err()
	}
}
