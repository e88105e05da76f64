package main

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/framegrab/internal/client"
	"github.com/danmuck/framegrab/internal/config"
	"github.com/danmuck/framegrab/internal/producer"
	"github.com/danmuck/framegrab/internal/testutil/testlog"
)

func TestLoadProfileURLOverride(t *testing.T) {
	testlog.Start(t)
	missing := filepath.Join(t.TempDir(), "missing.toml")
	if _, err := loadProfile(missing, ""); err == nil {
		t.Fatalf("expected error without profile or url")
	}
	p, err := loadProfile(missing, "ws://127.0.0.1:9301/cam3")
	if err != nil {
		t.Fatalf("load with url: %v", err)
	}
	if p.URL != "ws://127.0.0.1:9301/cam3" || p.QueueSize != 100 {
		t.Fatalf("unexpected profile %+v", p)
	}

	path := filepath.Join(t.TempDir(), "framegrab.toml")
	if err := config.WriteTemplate(path, "framegrab", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	p, err = loadProfile(path, "shdm://cam9")
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if p.URL != "shdm://cam9" {
		t.Fatalf("url override lost: %q", p.URL)
	}
	if _, err := loadProfile(path, "udp://x:1/cam0"); err == nil {
		t.Fatalf("expected bad url to fail validation")
	}
}

// startProducer serves frames on a fixed address so the stream can be restarted there.
func startProducer(t *testing.T, addr string, maxFrames int) (string, func()) {
	t.Helper()
	cfg := producer.DefaultConfig()
	cfg.FPS = 200
	cfg.MaxFrames = maxFrames
	p, err := producer.New(cfg, testlog.Logger(t))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.ServeTCP(ctx, ln)
	}()
	stop := func() {
		cancel()
		<-done
	}
	return fmt.Sprintf("tcp://%s/%s", ln.Addr().String(), cfg.Device), stop
}

func TestStreamRetainsAndReconnects(t *testing.T) {
	testlog.Start(t)
	url, stopProducer := startProducer(t, "127.0.0.1:0", 10)
	t.Cleanup(stopProducer)

	profile := config.DefaultClientProfile()
	profile.URL = url
	profile.Retain = 3
	cfg := profile.ClientConfig(testlog.Logger(t))
	cfg.Session.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Session.Backoff.MaxDelay = 50 * time.Millisecond
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	k := newConsumer(testlog.Logger(t), profile.Retain)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream(ctx, c, profile, cfg.Session.Backoff, k, testlog.Logger(t)) }()

	// Each producer stream ends after 10 frames, so passing 10 means a reconnect happened.
	deadline := time.Now().Add(5 * time.Second)
	for {
		frames, held := k.snapshot()
		if held > 3 {
			t.Fatalf("consumer holds %d frames, retain is 3", held)
		}
		if frames > 15 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected frames across a reconnect, saw %d", frames)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := c.Stats(); st.Disconnects == 0 {
		t.Fatalf("expected at least one disconnect, stats %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not stop")
	}
}

func TestStreamStopsOnRejection(t *testing.T) {
	testlog.Start(t)
	url, stopProducer := startProducer(t, "127.0.0.1:0", 0)
	t.Cleanup(stopProducer)

	profile := config.DefaultClientProfile()
	profile.URL = url + "-unknown"
	cfg := profile.ClientConfig(testlog.Logger(t))
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	k := newConsumer(testlog.Logger(t), 0)
	err = stream(context.Background(), c, profile, cfg.Session.Backoff, k, testlog.Logger(t))
	if err == nil {
		t.Fatalf("expected rejection error")
	}
}
