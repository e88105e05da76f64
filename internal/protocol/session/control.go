package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/framegrab/internal/protocol/header"
)

const (
	controlTypeOpen    = "stream.open"
	controlTypeOpenAck = "stream.open.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	// ProtocolVersion is the handshake version sent by this client.
	ProtocolVersion = 1

	maxControlBytes = 128 * 1024
)

// Rejection codes carried in OpenAck.Code.
const (
	CodeOK              uint32 = 0
	CodeUnknownDevice   uint32 = 404
	CodeVersionMismatch uint32 = 426
	CodeBusy            uint32 = 503
)

var (
	ErrInvalidOpen            = errors.New("session: invalid stream open")
	ErrInvalidOpenAck         = errors.New("session: invalid stream open ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// OpenRequest is the client->producer stream-open payload.
type OpenRequest struct {
	Device   string `json:"device"`
	ClientID string `json:"client_id"`
	Version  int    `json:"version"`
}

func (r OpenRequest) Validate() error {
	if strings.TrimSpace(r.Device) == "" {
		return fmt.Errorf("%w: missing device", ErrInvalidOpen)
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidOpen)
	}
	if r.Version <= 0 {
		return fmt.Errorf("%w: missing version", ErrInvalidOpen)
	}
	return nil
}

// StreamInfo describes the stream a producer agreed to send.
type StreamInfo struct {
	Device    string           `json:"device"`
	Vendor    string           `json:"vendor"`
	Width     int32            `json:"width"`
	Height    int32            `json:"height"`
	PixelType header.PixelType `json:"pixel_type"`
	FPS       float64          `json:"fps"`
}

// OpenAck is the producer->client stream-open response.
type OpenAck struct {
	Status      string      `json:"status"`
	Code        uint32      `json:"code"`
	Message     string      `json:"message"`
	Stream      *StreamInfo `json:"stream,omitempty"`
	TimestampMS uint64      `json:"timestamp_ms"`
}

func (a OpenAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidOpenAck)
	}
	if status == AckStatusAccepted && a.Stream == nil {
		return fmt.Errorf("%w: accepted ack missing stream", ErrInvalidOpenAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidOpenAck)
	}
	return nil
}

func (a OpenAck) Accepted() bool { return a.Status == AckStatusAccepted }

type controlEnvelope struct {
	Type string       `json:"type"`
	Open *OpenRequest `json:"open,omitempty"`
	Ack  *OpenAck     `json:"open_ack,omitempty"`
}

// MarshalOpen encodes req as one control message without the line terminator, for
// message transports.
func MarshalOpen(req OpenRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(controlEnvelope{Type: controlTypeOpen, Open: &req})
}

func UnmarshalOpen(b []byte) (OpenRequest, error) {
	env, err := decodeControlEnvelope(b)
	if err != nil {
		return OpenRequest{}, err
	}
	if env.Type != controlTypeOpen || env.Open == nil {
		return OpenRequest{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidOpen, env.Type)
	}
	if err := env.Open.Validate(); err != nil {
		return OpenRequest{}, err
	}
	return *env.Open, nil
}

func MarshalOpenAck(ack OpenAck) ([]byte, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(controlEnvelope{Type: controlTypeOpenAck, Ack: &ack})
}

func UnmarshalOpenAck(b []byte) (OpenAck, error) {
	env, err := decodeControlEnvelope(b)
	if err != nil {
		return OpenAck{}, err
	}
	if env.Type != controlTypeOpenAck || env.Ack == nil {
		return OpenAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidOpenAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return OpenAck{}, err
	}
	return *env.Ack, nil
}

func WriteOpen(w io.Writer, req OpenRequest) error {
	payload, err := MarshalOpen(req)
	if err != nil {
		return err
	}
	return writeLine(w, payload)
}

func ReadOpen(r *bufio.Reader) (OpenRequest, error) {
	line, err := readLine(r)
	if err != nil {
		return OpenRequest{}, err
	}
	return UnmarshalOpen(line)
}

func WriteOpenAck(w io.Writer, ack OpenAck) error {
	payload, err := MarshalOpenAck(ack)
	if err != nil {
		return err
	}
	return writeLine(w, payload)
}

func ReadOpenAck(r *bufio.Reader) (OpenAck, error) {
	line, err := readLine(r)
	if err != nil {
		return OpenAck{}, err
	}
	return UnmarshalOpenAck(line)
}

func writeLine(w io.Writer, payload []byte) error {
	payload = append(payload, '\n')
	_, err := w.Write(payload)
	return err
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlBytes {
			return nil, ErrControlMessageTooLarge
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func decodeControlEnvelope(b []byte) (controlEnvelope, error) {
	if len(b) > maxControlBytes {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
