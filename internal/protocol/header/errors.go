package header

import "errors"

var (
	ErrBadMagic           = errors.New("header: bad start code")
	ErrSizeMismatch       = errors.New("header: declared header_size does not match layout")
	ErrTruncated          = errors.New("header: truncated header")
	ErrUnsupportedVersion = errors.New("header: unsupported version")
	ErrInvalidCameraModel = errors.New("header: invalid camera model")
	ErrNameTooLong        = errors.New("header: name exceeds fixed capacity")
)
