package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/framegrab/internal/producer"
	"github.com/danmuck/framegrab/internal/protocol/header"
)

type fileConfig struct {
	Device           string  `toml:"device"`
	Vendor           string  `toml:"vendor"`
	Width            int32   `toml:"width"`
	Height           int32   `toml:"height"`
	PixelType        string  `toml:"pixel_type"`
	FPS              float64 `toml:"fps"`
	KeyFrameInterval int     `toml:"keyframe_interval"`
	FrameMetadata    bool    `toml:"frame_metadata"`
	MaxFrames        int     `toml:"max_frames"`
	CorruptEvery     int     `toml:"corrupt_every"`
	RejectCode       uint32  `toml:"reject_code"`
	WriteTimeout     string  `toml:"write_timeout"`

	TCPAddr     string `toml:"tcp_addr"`
	WSAddr      string `toml:"ws_addr"`
	SHM         bool   `toml:"shm"`
	SHMDir      string `toml:"shm_dir"`
	SHMSlots    uint32 `toml:"shm_slots"`
	SHMSlotSize uint32 `toml:"shm_slot_size"`
}

// simConfig is the producer plus where to serve it.
type simConfig struct {
	Producer producer.Config
	TCPAddr  string
	WSAddr   string
	SHM      bool
	SHMDir   string
	SHMOpts  shmOptions
}

type shmOptions struct {
	Slots    uint32
	SlotSize uint32
}

func defaultSimConfig() simConfig {
	return simConfig{
		Producer: producer.DefaultConfig(),
		TCPAddr:  "127.0.0.1:9300",
		WSAddr:   "127.0.0.1:9301",
		SHMDir:   "/dev/shm",
		SHMOpts:  shmOptions{Slots: 8, SlotSize: 4 * 1024 * 1024},
	}
}

func loadSimConfig(path string) (simConfig, error) {
	cfg := defaultSimConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return simConfig{}, fmt.Errorf("load framesim config: %w", err)
	}

	p := &cfg.Producer
	if meta.IsDefined("device") {
		if v := strings.TrimSpace(raw.Device); v != "" {
			p.Device = v
		}
	}
	if meta.IsDefined("vendor") {
		p.Vendor = strings.TrimSpace(raw.Vendor)
	}
	if meta.IsDefined("width") {
		p.Width = raw.Width
	}
	if meta.IsDefined("height") {
		p.Height = raw.Height
	}
	if meta.IsDefined("pixel_type") {
		pt, err := header.ParsePixelType(raw.PixelType)
		if err != nil {
			return simConfig{}, fmt.Errorf("parse pixel_type: %w", err)
		}
		p.PixelType = pt
	}
	if meta.IsDefined("fps") {
		p.FPS = raw.FPS
	}
	if meta.IsDefined("keyframe_interval") {
		p.KeyFrameInterval = raw.KeyFrameInterval
	}
	if meta.IsDefined("frame_metadata") {
		p.FrameMetadata = raw.FrameMetadata
	}
	if meta.IsDefined("max_frames") {
		p.MaxFrames = raw.MaxFrames
	}
	if meta.IsDefined("corrupt_every") {
		p.CorruptEvery = raw.CorruptEvery
	}
	if meta.IsDefined("reject_code") {
		p.RejectCode = raw.RejectCode
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return simConfig{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		p.WriteTimeout = d
	}

	if meta.IsDefined("tcp_addr") {
		cfg.TCPAddr = strings.TrimSpace(raw.TCPAddr)
	}
	if meta.IsDefined("ws_addr") {
		cfg.WSAddr = strings.TrimSpace(raw.WSAddr)
	}
	if meta.IsDefined("shm") {
		cfg.SHM = raw.SHM
	}
	if meta.IsDefined("shm_dir") {
		cfg.SHMDir = strings.TrimSpace(raw.SHMDir)
	}
	if meta.IsDefined("shm_slots") {
		cfg.SHMOpts.Slots = raw.SHMSlots
	}
	if meta.IsDefined("shm_slot_size") {
		cfg.SHMOpts.SlotSize = raw.SHMSlotSize
	}

	if err := p.Validate(); err != nil {
		return simConfig{}, err
	}
	if cfg.TCPAddr == "" && cfg.WSAddr == "" && !cfg.SHM {
		return simConfig{}, fmt.Errorf("framesim: nothing to serve, set tcp_addr, ws_addr or shm")
	}
	return cfg, nil
}
