// Package encoder builds command lines for the external transcoder
// processes, classifies their log output, and manages their lifecycles.
//
// Every encoder consumes raw MPEG-2 TS on stdin, produces encoded MPEG-TS
// on stdout, and reports progress on stderr as line-based output. Exit codes
// carry no useful information; classification relies on stderr content.
package encoder

import "fmt"

// Type identifies an encoder backend.
type Type string

// Supported encoder backends. FFmpeg encodes in software; QSVEncC, NVEncC
// and VCEEncC target Intel/NVIDIA/AMD hardware; rkmppenc targets Rockchip
// ARM hardware.
const (
	TypeFFmpeg   Type = "FFmpeg"
	TypeQSVEncC  Type = "QSVEncC"
	TypeNVEncC   Type = "NVEncC"
	TypeVCEEncC  Type = "VCEEncC"
	TypeRkmppenc Type = "rkmppenc"
)

// ParseType validates an encoder name.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFFmpeg, TypeQSVEncC, TypeNVEncC, TypeVCEEncC, TypeRkmppenc:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown encoder %q", s)
}

// IsHWEncC reports whether the encoder belongs to the HWEncC family
// (QSVEncC / NVEncC / VCEEncC / rkmppenc), which share a command-line
// dialect distinct from FFmpeg's.
func (t Type) IsHWEncC() bool {
	return t != TypeFFmpeg
}

// String implements fmt.Stringer.
func (t Type) String() string {
	return string(t)
}

// BinaryName returns the default binary name looked up on $PATH.
func (t Type) BinaryName() string {
	if t == TypeFFmpeg {
		return "ffmpeg"
	}
	return string(t)
}
