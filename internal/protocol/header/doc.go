// Package header owns the fixed binary frame header.
//
// Ownership boundary:
// - MV frame header layout (start code, timing, offsets, lost packets)
// - nested device info and camera parameter layouts
// - fixed-capacity name fields and pixel type codes
//
// All integers are little-endian. The outer header is packed; the nested device info
// and camera parameter records keep their natural alignment, which puts a 4 byte pad
// after the pixel type. Version 1 serializes to exactly Size bytes.
package header
