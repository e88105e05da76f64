// Package metadata parses the JSON side-channel documents that travel next to frames.
//
// Ownership boundary:
// - key-frame, frame and frame-ex document shapes
// - well-formedness and required-key validation
// - base64 calibration blobs to and from header.CameraParameter
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind selects the shape of a metadata document.
type Kind uint32

const (
	KindKeyFrame Kind = 1
	KindFrame    Kind = 2
	KindFrameEx  Kind = 3
)

// DocumentVersion is the version producers stamp into new documents.
const DocumentVersion = 2

func (k Kind) String() string {
	switch k {
	case KindKeyFrame:
		return "key_frame"
	case KindFrame:
		return "frame"
	case KindFrameEx:
		return "frame_ex"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

var (
	ErrMalformed         = errors.New("metadata: malformed document")
	ErrMissingVersion    = errors.New("metadata: missing version")
	ErrUnrecognizedShape = errors.New("metadata: unrecognized shape")
	ErrCalibEncoding     = errors.New("metadata: bad calibration encoding")
)

// Document is one parsed side-channel document.
type Document interface {
	Kind() Kind
}

// KeyFrame is inserted at every key frame, or periodically when the source has none.
type KeyFrame struct {
	Version    int    `json:"version"`
	DeviceName string `json:"dev-name"`
	Vendor     string `json:"vendor"`
	Calib      *Calib `json:"calib,omitempty"`
}

func (KeyFrame) Kind() Kind { return KindKeyFrame }

// Frame is the light per-frame document.
type Frame struct {
	Version   int    `json:"version"`
	HostUTCUS uint64 `json:"host_utc_us"`
	Channel   string `json:"channel"`
}

func (Frame) Kind() Kind { return KindFrame }

// FrameEx carries enough state to restore the source device for one frame.
type FrameEx struct {
	Version     int      `json:"version"`
	HostUTCUS   uint64   `json:"host_utc_us"`
	DevTSUS     uint64   `json:"dev_ts_us"`
	DevUTCUS    uint64   `json:"dev_utc_us"`
	FrameNumber uint64   `json:"frame_number"`
	Offset      [2]int32 `json:"offset"`
	Calib       *Calib   `json:"calib,omitempty"`
}

func (FrameEx) Kind() Kind { return KindFrameEx }

var requiredKeys = map[Kind][]string{
	KindKeyFrame: {"dev-name", "vendor"},
	KindFrame:    {"host_utc_us", "channel"},
	KindFrameEx:  {"host_utc_us", "dev_ts_us", "dev_utc_us", "frame_number", "offset"},
}

// Parse validates data as a document of kind and decodes it. Only well-formedness, the
// top-level object shape and required keys are checked: a value of the wrong JSON type
// leaves its field zero instead of failing the document. Calibration blobs stay
// encoded until Calib.CameraParameter is called.
func Parse(kind Kind, data []byte) (Document, error) {
	required, ok := requiredKeys[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedShape, kind)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := keys["version"]; !ok {
		return nil, ErrMissingVersion
	}
	for _, k := range required {
		if _, ok := keys[k]; !ok {
			return nil, fmt.Errorf("%w: %s document missing %q", ErrUnrecognizedShape, kind, k)
		}
	}

	var (
		doc Document
		err error
	)
	switch kind {
	case KindKeyFrame:
		var v KeyFrame
		err = json.Unmarshal(data, &v)
		doc = v
	case KindFrame:
		var v Frame
		err = json.Unmarshal(data, &v)
		doc = v
	case KindFrameEx:
		var v FrameEx
		err = json.Unmarshal(data, &v)
		doc = v
	}
	var typeErr *json.UnmarshalTypeError
	if err != nil && !errors.As(err, &typeErr) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return doc, nil
}

// Marshal encodes doc for the wire.
func Marshal(doc Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrUnrecognizedShape)
	}
	return json.Marshal(doc)
}
