package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/logship/agent"
	"github.com/obsidianstack/logship/agent/internal/admin"
	"github.com/obsidianstack/logship/agent/internal/config"
)

// maxLine caps a single input line. Longer lines are an input error.
const maxLine = 1 << 20

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath   string
		inputPath    string
		adminAddr    string
		flushTimeout time.Duration
	)
	flagSet := pflag.NewFlagSet("logship-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	flagSet.StringVarP(&inputPath, "input", "i", "-", "file to read events from, one per line (- for stdin)")
	flagSet.StringVar(&adminAddr, "admin-addr", "", "admin listen address (overrides agent.admin_addr)")
	flagSet.DurationVar(&flushTimeout, "flush-timeout", 30*time.Second, "how long to keep delivering after input ends")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return err
	}
	level.Set(cfg.Level())
	if adminAddr != "" {
		cfg.AdminAddr = adminAddr
	}
	logger.Info("logship-agent starting",
		"config", configPath,
		"destination", cfg.Destination(),
		"transport", cfg.Transport)

	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	shipper, err := agent.New(cfg, agent.WithLogger(logger))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.AdminAddr != "" {
		srv := admin.New(shipper, admin.Options{
			Addr:         cfg.AdminAddr,
			APIKey:       cfg.AdminKey(),
			FlushTimeout: flushTimeout,
			Logger:       logger,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	// Reloads only adjust the log level; transport and cache settings need
	// a restart.
	g.Go(func() error {
		return config.Watch(gctx, configPath, logger, func(updated *config.Config) {
			level.Set(updated.Agent.Level())
			logger.Info("log level updated", "level", level.Level().String())
		})
	})

	// The reader stays outside the group: a blocked read on stdin cannot be
	// interrupted, so shutdown does not wait for it.
	readDone := make(chan error, 1)
	go func() { readDone <- pump(in, shipper) }()

	var runErr error
	select {
	case err := <-readDone:
		if err != nil {
			logger.Error("reading input failed", "err", err)
			runErr = err
		} else {
			logger.Info("input exhausted, flushing")
		}
	case <-gctx.Done():
		logger.Info("logship-agent shutting down")
	}

	if sigCtx.Err() == nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := shipper.Flush(flushCtx); err != nil {
			logger.Warn("final flush incomplete", "err", err)
		}
		flushCancel()
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), flushTimeout)
	defer shutCancel()
	if err := shipper.Shutdown(shutCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	cancel()
	if err := g.Wait(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

// enqueuer is the part of a shipper pump needs.
type enqueuer interface {
	Enqueue(payload []byte)
}

// pump enqueues every non-empty line of r until EOF.
func pump(r io.Reader, s enqueuer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		s.Enqueue(line)
	}
	return sc.Err()
}
