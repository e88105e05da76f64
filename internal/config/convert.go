package config

import (
	"time"

	"github.com/danmuck/framegrab/internal/client"
	"github.com/danmuck/framegrab/internal/processor"
	"github.com/rs/zerolog"
)

// ClientConfig builds the client session settings from a validated profile.
func (p ClientProfile) ClientConfig(logger zerolog.Logger) client.Config {
	cfg := client.DefaultConfig()
	cfg.Logger = logger
	cfg.QueueSize = p.QueueSize
	cfg.Pool.MaxOutstanding = p.MaxOutstanding

	s := &cfg.Session
	setDuration(&s.DialTimeout, p.Session.DialTimeout)
	setDuration(&s.HandshakeTimeout, p.Session.HandshakeTimeout)
	setDuration(&s.ReadTimeout, p.Session.ReadTimeout)
	setDuration(&s.SHMPollInterval, p.Session.SHMPoll)
	if p.Session.MaxPayloadBytes > 0 {
		s.Limits.MaxPayloadBytes = p.Session.MaxPayloadBytes
	}
	if p.Session.MaxMetadataBytes > 0 {
		s.Limits.MaxMetadataBytes = p.Session.MaxMetadataBytes
	}
	if p.Session.SHMDir != "" {
		s.SHMDir = p.Session.SHMDir
	}
	return cfg
}

// ProcessingConfig returns the processor settings for Start.
func (p ClientProfile) ProcessingConfig() processor.Config {
	format, _ := processor.ParsePixelFormat(p.Processing.TargetFormat)
	return processor.Config{
		GPUIndex:     p.Processing.GPUIndex,
		TargetFormat: format,
		TargetFPS:    p.Processing.TargetFPS,
	}
}

// Timeout returns the connect timeout, or zero for the client default.
func (p ClientProfile) Timeout() time.Duration {
	d, _ := parseDuration(p.ConnectTimeout)
	return d
}

func setDuration(dst *time.Duration, raw string) {
	if d, err := parseDuration(raw); err == nil && d > 0 {
		*dst = d
	}
}
