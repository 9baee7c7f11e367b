// Package runtimedata implements the RuntimeData envelope of spec §3.1/§4.1:
// the tagged-union frame carried on every pipeline edge, plus its two forms
// — a cheap in-process handle, and a framed binary layout for crossing a
// process boundary (§4.1, §6.3).
package runtimedata

import "fmt"

// VariantTag enumerates the closed set of RuntimeData variants and their
// wire-format type_tag values (spec §6.3).
type VariantTag uint16

const (
	TagAudio   VariantTag = 0x01
	TagText    VariantTag = 0x02
	TagVideo   VariantTag = 0x03
	TagTensor  VariantTag = 0x04
	TagControl VariantTag = 0x05
	TagNumpy   VariantTag = 0x06
)

func (t VariantTag) String() string {
	switch t {
	case TagAudio:
		return "Audio"
	case TagText:
		return "Text"
	case TagVideo:
		return "Video"
	case TagTensor:
		return "Tensor"
	case TagControl:
		return "Control"
	case TagNumpy:
		return "Numpy"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
}

// AudioFormat enumerates the accepted sample encodings (spec §3.1).
type AudioFormat string

const (
	FormatF32LE AudioFormat = "F32LE"
	FormatI16LE AudioFormat = "I16LE"
)

// PixelFormat enumerates the accepted raw video pixel layouts (spec §3.1).
type PixelFormat string

const (
	PixelYUV420P PixelFormat = "YUV420P"
	PixelI420    PixelFormat = "I420"
	PixelNV12    PixelFormat = "NV12"
	PixelRGB24   PixelFormat = "RGB24"
	PixelRGBA32  PixelFormat = "RGBA32"
	PixelGray8   PixelFormat = "Gray8"
	PixelEncoded PixelFormat = "Encoded"
)

// BufferSize returns the expected raw buffer size for one frame of the given
// dimensions, or -1 for formats whose size isn't fixed (Encoded).
func (p PixelFormat) BufferSize(width, height uint32) int64 {
	w, h := int64(width), int64(height)
	switch p {
	case PixelYUV420P, PixelI420, PixelNV12:
		return w*h + 2*((w+1)/2)*((h+1)/2)
	case PixelRGB24:
		return w * h * 3
	case PixelRGBA32:
		return w * h * 4
	case PixelGray8:
		return w * h
	case PixelEncoded:
		return -1
	default:
		return -1
	}
}

// VideoCodec enumerates the codec tag carried on a Video variant (spec §3.1).
// Concrete codec implementations are out of scope (spec §1); this is only the
// closed set of tags the envelope can carry.
type VideoCodec string

const (
	CodecRaw  VideoCodec = "Raw"
	CodecVP8  VideoCodec = "VP8"
	CodecVP9  VideoCodec = "VP9"
	CodecH264 VideoCodec = "H264"
	CodecAV1  VideoCodec = "AV1"
)

// DType enumerates tensor/numpy element types (spec §3.1).
type DType string

const (
	DTypeF32 DType = "F32"
	DTypeF16 DType = "F16"
	DTypeI32 DType = "I32"
	DTypeI8  DType = "I8"
	DTypeU8  DType = "U8"
)

// Sizeof returns the element width in bytes for dt.
func (dt DType) Sizeof() int {
	switch dt {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16:
		return 2
	case DTypeI8, DTypeU8:
		return 1
	default:
		return 0
	}
}

// Audio is the Audio variant payload (spec §3.1).
type Audio struct {
	SampleRate uint32
	Channels   uint16
	NumSamples uint64
	Format     AudioFormat
	Samples    []byte // raw f32/i16 samples, planar or interleaved per Format
}

// Video is the Video variant payload (spec §3.1).
type Video struct {
	Width        uint32
	Height       uint32
	PixelFormat  PixelFormat
	Codec        VideoCodec
	FrameNumber  uint64
	TimestampUs  int64
	IsKeyframe   bool
	Buffer       []byte
}

// Text is the Text variant payload (spec §3.1).
type Text struct {
	Value    string
	Language string // optional BCP-47-like opaque tag
}

// Tensor is the Tensor variant payload (spec §3.1).
type Tensor struct {
	Shape []uint64
	DType DType
	Bytes []byte
}

// Control is the Control variant payload (spec §3.1).
type Control struct {
	Type         string
	Payload      map[string]any
	CancelRange  *CancelRange // optional selective-cancellation range
}

// CancelRange selects a [Start, End) sub-range of a stream for cancellation.
type CancelRange struct {
	Start uint64
	End   uint64
}

// Numpy is the Numpy/Opaque variant payload (spec §3.1): same invariants as
// Tensor, plus a contiguity flag for cross-language numerical arrays.
type Numpy struct {
	Shape        []uint64
	DType        DType
	Bytes        []byte
	IsContiguous bool
}

// Envelope is the RuntimeData frame (spec §3.1). Exactly one of the variant
// fields is non-nil; Tag identifies which.
type Envelope struct {
	Tag VariantTag

	Audio   *Audio
	Video   *Video
	Text    *Text
	Tensor  *Tensor
	Control *Control
	Numpy   *Numpy

	SessionID   string
	TimestampNs int64
	Sequence    *uint64 // optional
}

// Validate checks the invariants of spec §3.1 for whichever variant is set.
func (e *Envelope) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("runtimedata: session_id is required")
	}
	switch e.Tag {
	case TagAudio:
		return e.validateAudio()
	case TagVideo:
		return e.validateVideo()
	case TagText:
		if e.Text == nil {
			return fmt.Errorf("runtimedata: tag Text but Text payload is nil")
		}
		return nil
	case TagTensor:
		return e.validateTensor()
	case TagControl:
		if e.Control == nil {
			return fmt.Errorf("runtimedata: tag Control but Control payload is nil")
		}
		return nil
	case TagNumpy:
		return e.validateNumpy()
	default:
		return fmt.Errorf("runtimedata: unknown variant tag %d", e.Tag)
	}
}

func (e *Envelope) validateAudio() error {
	a := e.Audio
	if a == nil {
		return fmt.Errorf("runtimedata: tag Audio but Audio payload is nil")
	}
	if a.SampleRate == 0 {
		return fmt.Errorf("runtimedata: audio sample_rate must be > 0")
	}
	if a.Channels < 1 || a.Channels > 8 {
		return fmt.Errorf("runtimedata: audio channels must be in 1..=8, got %d", a.Channels)
	}
	switch a.Format {
	case FormatF32LE, FormatI16LE:
	default:
		return fmt.Errorf("runtimedata: unsupported audio format %q", a.Format)
	}
	want := a.NumSamples * uint64(a.Channels)
	bytesPerSample := uint64(4)
	if a.Format == FormatI16LE {
		bytesPerSample = 2
	}
	if uint64(len(a.Samples)) != want*bytesPerSample {
		return fmt.Errorf("runtimedata: audio buffer length %d does not match num_samples*channels*bytes_per_sample (%d)",
			len(a.Samples), want*bytesPerSample)
	}
	return nil
}

func (e *Envelope) validateVideo() error {
	v := e.Video
	if v == nil {
		return fmt.Errorf("runtimedata: tag Video but Video payload is nil")
	}
	switch v.PixelFormat {
	case PixelYUV420P, PixelI420, PixelNV12, PixelRGB24, PixelRGBA32, PixelGray8, PixelEncoded:
	default:
		return fmt.Errorf("runtimedata: unsupported pixel_format %q", v.PixelFormat)
	}
	switch v.Codec {
	case CodecRaw, CodecVP8, CodecVP9, CodecH264, CodecAV1:
	default:
		return fmt.Errorf("runtimedata: unsupported codec %q", v.Codec)
	}
	if v.PixelFormat != PixelEncoded {
		if want := v.PixelFormat.BufferSize(v.Width, v.Height); want >= 0 && int64(len(v.Buffer)) != want {
			return fmt.Errorf("runtimedata: video buffer length %d does not match %s buffer_size(%d,%d)=%d",
				len(v.Buffer), v.PixelFormat, v.Width, v.Height, want)
		}
	}
	return nil
}

func (e *Envelope) validateTensor() error {
	t := e.Tensor
	if t == nil {
		return fmt.Errorf("runtimedata: tag Tensor but Tensor payload is nil")
	}
	return validateShape(t.Shape, t.DType, t.Bytes)
}

func (e *Envelope) validateNumpy() error {
	n := e.Numpy
	if n == nil {
		return fmt.Errorf("runtimedata: tag Numpy but Numpy payload is nil")
	}
	return validateShape(n.Shape, n.DType, n.Bytes)
}

func validateShape(shape []uint64, dt DType, bytes []byte) error {
	if len(shape) == 0 {
		return fmt.Errorf("runtimedata: shape must be non-empty")
	}
	prod := uint64(1)
	for _, d := range shape {
		if d < 1 {
			return fmt.Errorf("runtimedata: shape dimensions must be >= 1, got %d", d)
		}
		prod *= d
	}
	sz := dt.Sizeof()
	if sz == 0 {
		return fmt.Errorf("runtimedata: unsupported dtype %q", dt)
	}
	if uint64(len(bytes)) != prod*uint64(sz) {
		return fmt.Errorf("runtimedata: buffer length %d does not match prod(shape)*sizeof(dtype) (%d)",
			len(bytes), prod*uint64(sz))
	}
	return nil
}
