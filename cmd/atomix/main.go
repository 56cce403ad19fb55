package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	httpserver "github.com/egorzamaraev/atomix/internal/http"
	"github.com/egorzamaraev/atomix/pkg/cluster"
	"github.com/egorzamaraev/atomix/pkg/metrics"
	"github.com/egorzamaraev/atomix/pkg/primitive"
	"github.com/egorzamaraev/atomix/pkg/raftnode"
	"github.com/egorzamaraev/atomix/pkg/rsm"
	"github.com/egorzamaraev/atomix/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewInMemory()

	exec := rsm.NewExecutor(
		rsm.WithSessionTimeouts(
			types.LogicalTime(cfg.Session.MinTimeout.Milliseconds()),
			types.LogicalTime(cfg.Session.MaxTimeout.Milliseconds()),
		),
		rsm.WithCollector(collector),
	)
	exec.RegisterService(primitive.NewMapService())
	exec.RegisterService(primitive.NewLockService())
	exec.RegisterService(primitive.NewSetService())

	node, err := raftnode.NewNode(&cfg.Raft, cfg.Session.TickInterval, exec)
	if err != nil {
		slog.Error("failed to create raft node", "error", err)
		os.Exit(1)
	}

	server := httpserver.NewServer(node, strconv.Itoa(cfg.Server.Port), collector)
	if err := server.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	if len(cfg.Cluster.Zookeeper) > 0 {
		membership, err := cluster.NewMembership(cfg.Cluster.Zookeeper, cfg.Cluster.RootPath, cfg.Cluster.AdvertiseAddr)
		if err != nil {
			slog.Error("failed to connect to zookeeper", "error", err)
			os.Exit(1)
		}
		defer membership.Close()

		if err := membership.RegisterSelf(); err != nil {
			slog.Error("failed to register in zookeeper", "error", err)
			os.Exit(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Stop()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("node terminated", "error", err)
		os.Exit(1)
	}

	slog.Info("node stopped")
}
