package stream

import (
	"fmt"

	"github.com/danmuck/framegrab/internal/protocol/metadata"
)

// Side is the metadata attached to one delivered frame.
type Side struct {
	// KeyFrame is the most recent key-frame document. It stays attached to every frame
	// until the next one arrives.
	KeyFrame *metadata.KeyFrame
	Frame    *metadata.Frame
	FrameEx  *metadata.FrameEx
}

// Assembler pairs metadata records with the frame record that follows them.
// It is not safe for concurrent use.
type Assembler struct {
	keyFrame *metadata.KeyFrame
	frame    *metadata.Frame
	frameEx  *metadata.FrameEx
}

// Observe parses a metadata record and stages it for the next frame.
func (a *Assembler) Observe(rec Record) error {
	if rec.Type != RecordMetadata {
		return fmt.Errorf("%w: not a metadata record", metadata.ErrUnrecognizedShape)
	}
	doc, err := metadata.Parse(rec.MetaKind, rec.Meta)
	if err != nil {
		return err
	}
	switch v := doc.(type) {
	case metadata.KeyFrame:
		a.keyFrame = &v
	case metadata.Frame:
		a.frame = &v
	case metadata.FrameEx:
		a.frameEx = &v
	}
	return nil
}

// Attach returns the side metadata for the frame being delivered and clears the
// per-frame documents.
func (a *Assembler) Attach() Side {
	s := Side{KeyFrame: a.keyFrame, Frame: a.frame, FrameEx: a.frameEx}
	a.frame = nil
	a.frameEx = nil
	return s
}

// Reset forgets all staged metadata, including the key frame.
func (a *Assembler) Reset() {
	*a = Assembler{}
}
