package main

import (
	"sync"
	"time"

	"github.com/danmuck/framegrab/internal/client"
	"github.com/danmuck/framegrab/internal/pool"
	"github.com/rs/zerolog"
)

// consumer logs delivered frames and keeps the most recent ones with the caller.
type consumer struct {
	log    zerolog.Logger
	retain int
	every  time.Duration

	mu      sync.Mutex
	held    []pool.Handle
	frames  uint64
	lastLog time.Time
}

func newConsumer(logger zerolog.Logger, retain int) *consumer {
	return &consumer{log: logger, retain: retain, every: time.Second}
}

func (k *consumer) onFrame(c *client.Client, f client.Frame) pool.Disposition {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.frames++
	if now := time.Now(); now.Sub(k.lastLog) >= k.every {
		k.lastLog = now
		ev := k.log.Info().
			Uint64("frame", f.Header.FrameNum).
			Int32("width", f.Header.Device.Width).
			Int32("height", f.Header.Device.Height).
			Str("pixel", f.Header.Device.PixelType.String()).
			Int("bytes", len(f.Data)).
			Uint64("seen", k.frames)
		if f.Side.KeyFrame != nil {
			ev = ev.Bool("keyframe", true)
		}
		ev.Msg("frame")
	}
	if k.retain <= 0 {
		return pool.ReleaseNow
	}
	k.held = append(k.held, f.Handle)
	for len(k.held) > k.retain {
		oldest := k.held[0]
		k.held = k.held[1:]
		if err := c.ReleaseFrame(oldest); err != nil {
			k.log.Warn().Err(err).Msg("release retained frame")
		}
	}
	return pool.Retain
}

// forget drops handles that the client released on its own, e.g. on disconnect.
func (k *consumer) forget() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.held = k.held[:0]
}

func (k *consumer) snapshot() (uint64, int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.frames, len(k.held)
}
