// Picture and status types used across the decoder.
package hwdec

import (
	"image"
	"math"
	"strings"
)

// NoPTS marks a picture without a presentation timestamp.
const NoPTS int64 = math.MinInt64

// PictureFlags describe a decoded picture.
type PictureFlags uint32

const (
	FlagInterlaced     PictureFlags = 1 << iota // Content is interlaced
	FlagTopFieldFirst                           // Top field is displayed first
	FlagRepeatTopField                          // Soft telecine repeat
	FlagDropDeint                               // Player asks to skip the second field
	FlagDrain                                   // End of stream, drain the pipeline
	FlagNoPostProc                              // Do not post-process
)

// Has returns true if all specified flags are set.
func (f PictureFlags) Has(flag PictureFlags) bool { return f&flag == flag }

func (f PictureFlags) String() string {
	names := []string{"interlaced", "tff", "repeat", "drop-deint", "drain", "no-postproc"}
	var parts []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Field selects what part of an interlaced picture is processed.
// Negative values mean the whole frame.
type Field int

const (
	FieldFrame  Field = -1 // Progressive, no field selection
	FieldAuto   Field = 0  // Alternate top/bottom on each call
	FieldTop    Field = 1
	FieldBottom Field = 2
)

func (f Field) String() string {
	switch {
	case f < 0:
		return "frame"
	case f == FieldAuto:
		return "auto"
	case f == FieldTop:
		return "top"
	case f == FieldBottom:
		return "bottom"
	default:
		return "unknown"
	}
}

// opposite returns the other field of an interlaced frame.
func (f Field) opposite() Field {
	if f == FieldTop {
		return FieldBottom
	}
	return FieldTop
}

// PictureInfo is the presentation metadata of a picture.
type PictureInfo struct {
	PTS           int64 // Presentation timestamp in nanoseconds, NoPTS if unknown
	DTS           int64 // Decode timestamp in nanoseconds, NoPTS if unknown
	Flags         PictureFlags
	RepeatPicture float64 // Extra display duration in frames
	Width         int     // Display width
	Height        int     // Display height
}

// DecodedPicture is a hardware-decoded frame awaiting post-processing.
type DecodedPicture struct {
	Surface *DecodeSurface
	Info    PictureInfo
}

// RenderInfo is the read-only metadata of a render picture.
type RenderInfo struct {
	Picture     PictureInfo
	TexWidth    int             // Allocated surface width
	TexHeight   int             // Allocated surface height
	Crop        image.Rectangle // Visible area, zero means the whole texture
	SourceIndex int             // Index into the output surface array
	Output      OutputHandle    // Renderer-shared surface holding the image
	Field       Field           // Field transferred, FieldFrame if progressive
	Valid       bool            // False once the backing surface was released
}

// displayCrop returns the visible area of a picture inside its aligned
// surface. An unknown display size yields the zero rectangle.
func displayCrop(info PictureInfo) image.Rectangle {
	if info.Width <= 0 || info.Height <= 0 {
		return image.Rectangle{}
	}
	return image.Rect(0, 0, info.Width, info.Height)
}

// DecodeStatus is a set of outcome flags returned by Decoder.Decode.
type DecodeStatus uint8

const (
	StatusBuffer  DecodeStatus = 1 << iota // More input needed
	StatusPicture                          // A picture is ready for GetPicture
	StatusFlushed                          // Pipeline was flushed, restart from a keyframe
	StatusError                            // Latched error, call Check
)

// Has returns true if all specified flags are set.
func (s DecodeStatus) Has(flag DecodeStatus) bool { return s&flag == flag }

func (s DecodeStatus) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	if s.Has(StatusBuffer) {
		parts = append(parts, "buffer")
	}
	if s.Has(StatusPicture) {
		parts = append(parts, "picture")
	}
	if s.Has(StatusFlushed) {
		parts = append(parts, "flushed")
	}
	if s.Has(StatusError) {
		parts = append(parts, "error")
	}
	return strings.Join(parts, "|")
}

// DeviceState is the result of Decoder.Check.
type DeviceState int

const (
	DeviceOK      DeviceState = iota // Nothing to do
	DeviceFlushed                    // Session was recreated, restart from a keyframe
	DeviceFatal                      // Recovery failed
)

func (s DeviceState) String() string {
	switch s {
	case DeviceOK:
		return "ok"
	case DeviceFlushed:
		return "flushed"
	case DeviceFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// DisplayState is the decoder's view of the device.
type DisplayState int

const (
	DisplayOpen  DisplayState = iota // Session usable
	DisplayReset                     // Device was reset, session must be recreated
	DisplayLost                      // Device lost, waiting for reset
	DisplayError                     // Hardware failure latched
)

func (s DisplayState) String() string {
	switch s {
	case DisplayOpen:
		return "open"
	case DisplayReset:
		return "reset"
	case DisplayLost:
		return "lost"
	case DisplayError:
		return "error"
	default:
		return "unknown"
	}
}
