package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client", "framegrab":
		return clientTemplate, nil
	case "producer", "framesim":
		return producerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `url = "tcp://127.0.0.1:9300/cam0"
connect_timeout = "3s"
queue_size = 100
max_outstanding = 0
retain = 0

[processing]
gpu_index = 0
target_format = "none"
target_fps = 0

[session]
dial_timeout = "1s"
handshake_timeout = "2s"
read_timeout = "10s"
shm_dir = "/dev/shm"
shm_poll = "2ms"

[status]
enabled = true
addr = "127.0.0.1:9400"
cors_origins = ["http://localhost:3000"]
`

const producerTemplate = `device = "cam0"
vendor = "framesim"
width = 640
height = 480
pixel_type = "Mono8"
fps = 30
keyframe_interval = 30
frame_metadata = true
tcp_addr = "127.0.0.1:9300"
ws_addr = "127.0.0.1:9301"
shm = false
shm_dir = "/dev/shm"
`
