package session

import (
	"time"

	"github.com/danmuck/framegrab/internal/protocol/stream"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport and session defaults.
type Config struct {
	// ConnectTimeout bounds the whole dial+handshake retry loop when the caller gives none.
	ConnectTimeout   time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout is the idle limit between records. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Backoff      BackoffConfig
	Limits       stream.Limits
	// SHMDir holds shared-memory ring files.
	SHMDir string
	// SHMPollInterval is how often an idle shared-memory reader checks for new slots.
	SHMPollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   3 * time.Second,
		DialTimeout:      time.Second,
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Second,
			Jitter:       true,
		},
		Limits:          stream.DefaultLimits(),
		SHMDir:          "/dev/shm",
		SHMPollInterval: 2 * time.Millisecond,
	}
}
