// Command framesim serves a synthetic camera stream over tcp, ws and shared memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/framegrab/internal/config"
	"github.com/danmuck/framegrab/internal/observability"
	"github.com/danmuck/framegrab/internal/producer"
	"github.com/danmuck/framegrab/internal/shm"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "", "framesim config path (defaults apply when empty)")
	initPath := flag.String("init", "", "write a config template to this path and exit")
	check := flag.Bool("check", false, "validate the config and exit")
	flag.Parse()

	if err := run(*path, *initPath, *check); err != nil {
		fmt.Fprintf(os.Stderr, "framesim: %v\n", err)
		os.Exit(1)
	}
}

func run(path, initPath string, check bool) error {
	if initPath != "" {
		return config.WriteTemplate(initPath, "framesim", false)
	}
	cfg := defaultSimConfig()
	if path != "" {
		loaded, err := loadSimConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if check {
		return nil
	}

	logger := observability.InitLogger("framesim")
	p, err := producer.New(cfg.Producer, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			return err
		}
		logger.Info().Str("addr", ln.Addr().String()).Msg("tcp listening")
		g.Go(func() error { return p.ServeTCP(gctx, ln) })
	}

	if cfg.WSAddr != "" {
		srv := &http.Server{
			Addr:              cfg.WSAddr,
			Handler:           p.WSHandler(gctx),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.WSAddr).Msg("ws listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.SHM {
		opts := shm.DefaultWriterOptions()
		opts.SlotCount = cfg.SHMOpts.Slots
		opts.SlotSize = cfg.SHMOpts.SlotSize
		g.Go(func() error { return p.ServeSHM(gctx, cfg.SHMDir, opts) })
	}

	err = g.Wait()
	logger.Info().Uint64("frames", p.FramesSent()).Msg("framesim stopped")
	return err
}
