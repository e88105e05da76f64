package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/framegrab/internal/processor"
	"github.com/danmuck/framegrab/internal/testutil/testlog"
)

func TestClientTemplateParses(t *testing.T) {
	testlog.Start(t)
	tpl, err := Template("client")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	cfg, err := ParseClientProfile([]byte(tpl))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	if cfg.URL != "tcp://127.0.0.1:9300/cam0" || cfg.QueueSize != 100 || !cfg.Status.Enabled {
		t.Fatalf("unexpected profile %+v", cfg)
	}
	if cfg.Timeout() != 3*time.Second {
		t.Fatalf("expected 3s connect timeout, got %v", cfg.Timeout())
	}
}

func TestProfileOverridesDefaults(t *testing.T) {
	testlog.Start(t)
	data := []byte(`
url = "shdm://cam1"
queue_size = 8
[processing]
target_format = "bgr24"
target_fps = 12.5
[session]
read_timeout = "250ms"
shm_dir = "/tmp/rings"
max_payload_bytes = 1024
`)
	p, err := ParseClientProfile(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cc := p.ClientConfig(testlog.Logger(t))
	if cc.QueueSize != 8 || cc.Session.ReadTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected client config %+v", cc)
	}
	if cc.Session.SHMDir != "/tmp/rings" || cc.Session.Limits.MaxPayloadBytes != 1024 {
		t.Fatalf("session overrides lost: %+v", cc.Session)
	}
	if cc.Session.HandshakeTimeout != 2*time.Second {
		t.Fatalf("unset handshake timeout should keep its default, got %v", cc.Session.HandshakeTimeout)
	}
	pc := p.ProcessingConfig()
	if pc.TargetFormat != processor.FormatBGR24 || pc.TargetFPS != 12.5 {
		t.Fatalf("unexpected processing config %+v", pc)
	}
	if p.Status.Addr != "127.0.0.1:9400" {
		t.Fatalf("status default lost: %+v", p.Status)
	}
}

func TestValidateClientProfile(t *testing.T) {
	testlog.Start(t)
	bad := []string{
		`queue_size = 1`,
		`url = "udp://x:1/cam0"`,
		"url = \"tcp://h:1/c\"\nqueue_size = 0",
		"url = \"tcp://h:1/c\"\n[processing]\ntarget_format = \"yuv\"",
		"url = \"tcp://h:1/c\"\nconnect_timeout = \"soon\"",
		"url = \"tcp://h:1/c\"\n[status]\naddr = \"\"",
	}
	for _, data := range bad {
		if _, err := ParseClientProfile([]byte(data)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%q: expected ErrInvalid, got %v", data, err)
		}
	}
}

func TestLoadAndWriteTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "framegrab.toml")
	if err := WriteTemplate(path, "framegrab", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "framegrab", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if _, err := LoadClientProfile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := LoadClientProfile(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if _, err := Template("nope"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
