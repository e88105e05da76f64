// Command framegrab connects to a camera stream and reports on the frames it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/framegrab/internal/client"
	"github.com/danmuck/framegrab/internal/config"
	"github.com/danmuck/framegrab/internal/observability"
	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/danmuck/framegrab/internal/server"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "framegrab.toml", "client profile path")
	url := flag.String("url", "", "stream url, overrides the profile")
	initPath := flag.String("init", "", "write a profile template to this path and exit")
	flag.Parse()

	if *initPath != "" {
		if err := config.WriteTemplate(*initPath, "framegrab", false); err != nil {
			fmt.Fprintf(os.Stderr, "framegrab: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := run(*path, *url); err != nil {
		fmt.Fprintf(os.Stderr, "framegrab: %v\n", err)
		os.Exit(1)
	}
}

func loadProfile(path, url string) (config.ClientProfile, error) {
	profile := config.DefaultClientProfile()
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.LoadClientProfile(path)
		if err != nil {
			return config.ClientProfile{}, err
		}
		profile = loaded
	} else if url == "" {
		return config.ClientProfile{}, fmt.Errorf("no profile at %s and no -url given", path)
	}
	if url != "" {
		profile.URL = url
	}
	if err := config.ValidateClientProfile(profile); err != nil {
		return config.ClientProfile{}, err
	}
	return profile, nil
}

func run(path, url string) error {
	profile, err := loadProfile(path, url)
	if err != nil {
		return err
	}
	logger := observability.InitLogger("framegrab")
	observability.RegisterMetrics()

	cfg := profile.ClientConfig(logger)
	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if profile.Status.Enabled {
		status := server.New(server.Config{
			Name:        "framegrab",
			Addr:        profile.Status.Addr,
			CorsOrigins: profile.Status.CorsOrigins,
		}, logger)
		status.Track(c)
		g.Go(func() error { return status.Run(gctx) })
	}

	k := newConsumer(logger, profile.Retain)
	g.Go(func() error {
		return stream(gctx, c, profile, cfg.Session.Backoff, k, logger)
	})

	err = g.Wait()
	frames, held := k.snapshot()
	logger.Info().Uint64("frames", frames).Int("held", held).Msg("framegrab stopped")
	return err
}

// stream keeps one session open until ctx ends, reconnecting after the producer goes away.
func stream(ctx context.Context, c *client.Client, profile config.ClientProfile, backoff session.BackoffConfig, k *consumer, log zerolog.Logger) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		lost := make(chan struct{}, 1)
		onDisconnect := func(_ *client.Client, reason client.DisconnectReason, msg string) {
			k.forget()
			log.Warn().Str("reason", reason.String()).Str("detail", msg).Msg("stream lost")
			select {
			case lost <- struct{}{}:
			default:
			}
		}

		err := c.Connect(ctx, profile.URL, profile.Timeout(), onDisconnect)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, client.ErrStreamRejected) || errors.Is(err, client.ErrInvalidURL) {
				return err
			}
			delay := session.NextBackoffDelay(backoff, attempt, rng)
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")
			if session.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		attempt = 0

		info, _ := c.Stream()
		log.Info().Str("endpoint", c.Endpoint().String()).Str("device", info.Device).
			Str("pixel", info.PixelType.String()).Msg("stream open")
		if err := c.Start(profile.ProcessingConfig(), k.onFrame); err != nil {
			_ = c.Disconnect()
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-lost:
		}
	}
}
