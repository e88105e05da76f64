package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/framegrab/internal/processor"
	"github.com/danmuck/framegrab/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// ClientProfile is the on-disk profile for the framegrab consumer.
type ClientProfile struct {
	URL            string `toml:"url"`
	ConnectTimeout string `toml:"connect_timeout"`
	QueueSize      int    `toml:"queue_size"`
	MaxOutstanding int    `toml:"max_outstanding"`
	// Retain keeps this many recent frames with the consumer before releasing them.
	Retain int `toml:"retain"`

	Processing ProcessingSection `toml:"processing"`
	Session    SessionSection    `toml:"session"`
	Status     StatusSection     `toml:"status"`
}

type ProcessingSection struct {
	GPUIndex     int     `toml:"gpu_index"`
	TargetFormat string  `toml:"target_format"`
	TargetFPS    float64 `toml:"target_fps"`
}

type SessionSection struct {
	DialTimeout      string `toml:"dial_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	ReadTimeout      string `toml:"read_timeout"`
	MaxPayloadBytes  int    `toml:"max_payload_bytes"`
	MaxMetadataBytes int    `toml:"max_metadata_bytes"`
	SHMDir           string `toml:"shm_dir"`
	SHMPoll          string `toml:"shm_poll"`
}

type StatusSection struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

func DefaultClientProfile() ClientProfile {
	return ClientProfile{
		ConnectTimeout: "3s",
		QueueSize:      100,
		Processing:     ProcessingSection{TargetFormat: "none"},
		Status: StatusSection{
			Enabled:     true,
			Addr:        "127.0.0.1:9400",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

// LoadClientProfile reads path over the defaults and validates the result.
func LoadClientProfile(path string) (ClientProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientProfile{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := ParseClientProfile(data)
	if err != nil {
		return ClientProfile{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

func ParseClientProfile(data []byte) (ClientProfile, error) {
	cfg := DefaultClientProfile()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ClientProfile{}, err
	}
	if err := ValidateClientProfile(cfg); err != nil {
		return ClientProfile{}, err
	}
	return cfg, nil
}

func ValidateClientProfile(cfg ClientProfile) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	if _, err := transport.ParseURL(cfg.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if cfg.QueueSize < 1 {
		return fmt.Errorf("%w: queue_size must be at least 1", ErrInvalid)
	}
	if cfg.MaxOutstanding < 0 || cfg.Retain < 0 {
		return fmt.Errorf("%w: max_outstanding and retain must not be negative", ErrInvalid)
	}
	if _, err := processor.ParsePixelFormat(cfg.Processing.TargetFormat); err != nil {
		return fmt.Errorf("%w: processing.target_format: %w", ErrInvalid, err)
	}
	if cfg.Processing.TargetFPS < 0 {
		return fmt.Errorf("%w: processing.target_fps must not be negative", ErrInvalid)
	}
	durations := map[string]string{
		"connect_timeout":           cfg.ConnectTimeout,
		"session.dial_timeout":      cfg.Session.DialTimeout,
		"session.handshake_timeout": cfg.Session.HandshakeTimeout,
		"session.read_timeout":      cfg.Session.ReadTimeout,
		"session.shm_poll":          cfg.Session.SHMPoll,
	}
	for key, raw := range durations {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
	}
	if cfg.Status.Enabled && strings.TrimSpace(cfg.Status.Addr) == "" {
		return fmt.Errorf("%w: status.addr is required when status is enabled", ErrInvalid)
	}
	return nil
}

// parseDuration treats an empty value as unset.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
