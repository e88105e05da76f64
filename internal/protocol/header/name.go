package header

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// NameCap is the wire capacity of channel name and vendor fields.
const NameCap = 16

// NameMaxLen is the longest name that fits with its NUL terminator.
const NameMaxLen = NameCap - 1

// Name is a fixed-capacity NUL-terminated string as carried on the wire.
type Name [NameCap]byte

// NewName returns name as a Name, or ErrNameTooLong when it does not fit.
func NewName(name string) (Name, error) {
	if len(name) > NameMaxLen {
		return Name{}, fmt.Errorf("%w: %d bytes, max %d", ErrNameTooLong, len(name), NameMaxLen)
	}
	return TruncateName(name), nil
}

// TruncateName copies at most NameMaxLen bytes of name and always NUL-terminates.
func TruncateName(name string) Name {
	var n Name
	copy(n[:NameMaxLen], name)
	return n
}

// String returns the bytes before the first NUL.
func (n Name) String() string {
	if i := bytes.IndexByte(n[:], 0); i >= 0 {
		return string(n[:i])
	}
	return string(n[:])
}

// HashName returns the 64-bit lookup key producers place in DeviceInfo.NameHash.
func HashName(name string) uint64 {
	return xxhash.Sum64String(name)
}
