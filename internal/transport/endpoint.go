package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

type Scheme string

const (
	SchemeTCP  Scheme = "tcp"
	SchemeSHDM Scheme = "shdm"
	SchemeWS   Scheme = "ws"
)

// Endpoint is a parsed stream URL.
type Endpoint struct {
	Scheme Scheme
	Host   string
	Port   int
	Device string
}

// Address returns host:port for network schemes.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.Scheme == SchemeSHDM {
		return fmt.Sprintf("shdm://%s", e.Device)
	}
	return fmt.Sprintf("%s://%s/%s", e.Scheme, e.Address(), e.Device)
}

// ParseURL accepts tcp://<host>:<port>/<device>, ws://<host>:<port>/<device> and
// shdm://<device>.
func ParseURL(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return Endpoint{}, fmt.Errorf("%w: %q has unsupported components", ErrInvalidURL, raw)
	}

	switch Scheme(strings.ToLower(u.Scheme)) {
	case SchemeSHDM:
		device := u.Host
		if u.Path != "" && u.Path != "/" {
			return Endpoint{}, fmt.Errorf("%w: shdm url takes a device name only", ErrInvalidURL)
		}
		if err := validDevice(device); err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Scheme: SchemeSHDM, Device: device}, nil
	case SchemeTCP, SchemeWS:
		host, portText, err := net.SplitHostPort(u.Host)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		if host == "" {
			return Endpoint{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
		}
		port, err := strconv.Atoi(portText)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalidURL, portText)
		}
		device := strings.TrimPrefix(u.Path, "/")
		if err := validDevice(device); err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Scheme: Scheme(strings.ToLower(u.Scheme)), Host: host, Port: port, Device: device}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
}

func validDevice(device string) error {
	if device == "" {
		return fmt.Errorf("%w: missing device", ErrInvalidURL)
	}
	if strings.ContainsAny(device, `/\`) || device == "." || device == ".." {
		return fmt.Errorf("%w: bad device %q", ErrInvalidURL, device)
	}
	return nil
}
