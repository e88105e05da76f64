package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/framegrab/internal/config"
	"github.com/danmuck/framegrab/internal/producer"
	"github.com/danmuck/framegrab/internal/protocol/header"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framesim.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSimConfigTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framesim.toml")
	if err := config.WriteTemplate(path, "framesim", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := loadSimConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Producer.Width != 640 || cfg.Producer.Height != 480 {
		t.Fatalf("unexpected geometry %dx%d", cfg.Producer.Width, cfg.Producer.Height)
	}
	if cfg.Producer.PixelType != header.PixelMono8 {
		t.Fatalf("unexpected pixel type %s", cfg.Producer.PixelType)
	}
	if cfg.TCPAddr != "127.0.0.1:9300" || cfg.WSAddr != "127.0.0.1:9301" || cfg.SHM {
		t.Fatalf("unexpected listeners %+v", cfg)
	}
}

func TestLoadSimConfigKeepsDefaultsForUnsetKeys(t *testing.T) {
	path := writeConfig(t, `
device = "cam7"
pixel_type = "jpeg"
write_timeout = "500ms"
ws_addr = ""
shm = true
shm_slots = 4
`)
	cfg, err := loadSimConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := producer.DefaultConfig()
	if cfg.Producer.Device != "cam7" || cfg.Producer.PixelType != header.PixelJPEG {
		t.Fatalf("overrides lost: %+v", cfg.Producer)
	}
	if cfg.Producer.FPS != def.FPS || cfg.Producer.Width != def.Width {
		t.Fatalf("defaults lost: %+v", cfg.Producer)
	}
	if cfg.Producer.WriteTimeout != 500*time.Millisecond {
		t.Fatalf("unexpected write timeout %v", cfg.Producer.WriteTimeout)
	}
	if cfg.WSAddr != "" || !cfg.SHM || cfg.SHMOpts.Slots != 4 || cfg.SHMOpts.SlotSize != 4*1024*1024 {
		t.Fatalf("unexpected serve config %+v", cfg)
	}
}

func TestLoadSimConfigRejectsBadValues(t *testing.T) {
	cases := []string{
		`pixel_type = "yuv420"`,
		`write_timeout = "later"`,
		`fps = 0.0`,
		"tcp_addr = \"\"\nws_addr = \"\"",
	}
	for _, body := range cases {
		if _, err := loadSimConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%q: expected error", body)
		}
	}
	if _, err := loadSimConfig(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
