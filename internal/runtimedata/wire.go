package runtimedata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Wire format constants (spec §6.3). Header layout (64 bytes, all
// little-endian):
//
//	[0:4]   magic
//	[4:6]   wire_version
//	[6:8]   type_tag
//	[8:16]  payload_len
//	[16:24] primary_meta   (variant-specific)
//	[24:32] secondary_meta (variant-specific)
//	[32:40] timestamp_ns
//	[40:48] session_id_hash
//	[48:56] frame_number   (Video only; full u64, zero for other variants)
//	[56:64] reserved, left zero
const (
	Magic       uint32 = 0x524d4401 // "RMD\x01"
	WireVersion uint16 = 1

	HeaderSize = 64
)

// sessionIDHash is a stable, compact hash of a session_id string for
// inclusion in the wire header (session_id itself is not length-bounded
// enough to fit fixed-width, so the header carries a hash for fast
// demultiplexing/validation; the in-process Envelope still carries the full
// string).
func sessionIDHash(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// Serialize encodes e into the cross-boundary wire form (spec §4.1, §6.3).
// For Audio/Video/Tensor/Numpy the payload is the raw buffer verbatim; for
// Text/Control it is JSON. deserialize(serialize(e)) reproduces e exactly
// (spec §8.1 "Envelope roundtrip").
func Serialize(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("runtimedata: cannot serialize invalid envelope: %w", err)
	}

	var primary, secondary uint64
	var payload []byte

	switch e.Tag {
	case TagAudio:
		a := e.Audio
		primary = uint64(a.SampleRate) | uint64(a.Channels)<<32
		secondary = a.NumSamples&0x00FFFFFFFFFFFFFF | uint64(audioFormatCode(a.Format))<<56
		payload = a.Samples

	case TagVideo:
		v := e.Video
		primary = uint64(v.Width) | uint64(v.Height)<<32
		kf := uint64(0)
		if v.IsKeyframe {
			kf = 1
		}
		// frame_number is a full u64 (spec §3.1) and does not fit alongside
		// keyframe/pixel-format/codec bits in secondary_meta, so it rides in
		// the header's frame_number field (buf[48:56]) instead.
		secondary = kf |
			uint64(pixelFormatCode(v.PixelFormat))<<1 |
			uint64(videoCodecCode(v.Codec))<<8
		// timestamp_us doesn't fit alongside the rest of secondary_meta, so it
		// rides as a small JSON sidecar prefix, keeping the raw frame buffer
		// verbatim after it.
		sidecar, err := json.Marshal(v.TimestampUs)
		if err != nil {
			return nil, err
		}
		payload = append(encodeSidecar(sidecar), v.Buffer...)

	case TagText:
		t := e.Text
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		payload = b

	case TagTensor:
		tn := e.Tensor
		p, s, sidecar, err := encodeShape(tn.Shape, tn.DType, false)
		if err != nil {
			return nil, err
		}
		primary, secondary = p, s
		payload = append(sidecar, tn.Bytes...)

	case TagControl:
		c := e.Control
		b, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		payload = b

	case TagNumpy:
		n := e.Numpy
		p, s, sidecar, err := encodeShape(n.Shape, n.DType, n.IsContiguous)
		if err != nil {
			return nil, err
		}
		primary, secondary = p, s
		payload = append(sidecar, n.Bytes...)

	default:
		return nil, fmt.Errorf("runtimedata: unknown variant tag %d", e.Tag)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], WireVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(e.Tag))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(payload)))
	binary.LittleEndian.PutUint64(buf[16:24], primary)
	binary.LittleEndian.PutUint64(buf[24:32], secondary)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(e.TimestampNs))
	binary.LittleEndian.PutUint64(buf[40:48], sessionIDHash(e.SessionID))
	if e.Tag == TagVideo {
		binary.LittleEndian.PutUint64(buf[48:56], e.Video.FrameNumber)
	}
	// buf[56:64] reserved, left zero.
	copy(buf[HeaderSize:], payload)

	// The session_id string itself must survive the roundtrip too (the hash
	// alone is lossy). It rides as a length-prefixed suffix appended after
	// the declared payload; readers that only need the header+payload (a
	// genuine cross-language peer) can ignore it, but our own Deserialize
	// always restores it so deserialize(serialize(e)) == e holds exactly.
	sidBytes := []byte(e.SessionID)
	suffix := make([]byte, 2+len(sidBytes))
	binary.LittleEndian.PutUint16(suffix[0:2], uint16(len(sidBytes)))
	copy(suffix[2:], sidBytes)

	out := make([]byte, 0, len(buf)+len(suffix)+9)
	out = append(out, buf...)
	out = append(out, suffix...)
	if e.Sequence != nil {
		out = append(out, 1)
		seqBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(seqBytes, *e.Sequence)
		out = append(out, seqBytes...)
	} else {
		out = append(out, 0)
	}
	return out, nil
}

// Deserialize decodes the wire form produced by Serialize back into an
// Envelope, restoring every field byte-for-byte / field-for-field.
func Deserialize(buf []byte) (*Envelope, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("runtimedata: buffer too short for header: %d bytes", len(buf))
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("runtimedata: bad magic %#x", magic)
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != WireVersion {
		return nil, fmt.Errorf("runtimedata: unsupported wire version %d (negotiation required)", version)
	}
	tag := VariantTag(binary.LittleEndian.Uint16(buf[6:8]))
	payloadLen := binary.LittleEndian.Uint64(buf[8:16])
	primary := binary.LittleEndian.Uint64(buf[16:24])
	secondary := binary.LittleEndian.Uint64(buf[24:32])
	timestampNs := int64(binary.LittleEndian.Uint64(buf[32:40]))
	frameNumber := binary.LittleEndian.Uint64(buf[48:56])

	if uint64(len(buf)) < HeaderSize+payloadLen {
		return nil, fmt.Errorf("runtimedata: buffer too short for declared payload_len=%d", payloadLen)
	}
	payload := buf[HeaderSize : HeaderSize+payloadLen]
	rest := buf[HeaderSize+payloadLen:]

	if len(rest) < 2 {
		return nil, fmt.Errorf("runtimedata: missing session_id suffix")
	}
	sidLen := binary.LittleEndian.Uint16(rest[0:2])
	rest = rest[2:]
	if uint64(len(rest)) < uint64(sidLen) {
		return nil, fmt.Errorf("runtimedata: truncated session_id suffix")
	}
	sessionID := string(rest[:sidLen])
	rest = rest[sidLen:]

	var seq *uint64
	if len(rest) >= 1 && rest[0] == 1 {
		if len(rest) < 9 {
			return nil, fmt.Errorf("runtimedata: truncated sequence suffix")
		}
		v := binary.LittleEndian.Uint64(rest[1:9])
		seq = &v
	}

	e := &Envelope{Tag: tag, SessionID: sessionID, TimestampNs: timestampNs, Sequence: seq}

	switch tag {
	case TagAudio:
		e.Audio = &Audio{
			SampleRate: uint32(primary & 0xFFFFFFFF),
			Channels:   uint16((primary >> 32) & 0xFFFF),
			NumSamples: secondary & 0x00FFFFFFFFFFFFFF,
			Format:     audioFormatFromCode(uint8(secondary >> 56)),
			Samples:    append([]byte(nil), payload...),
		}

	case TagVideo:
		sidecar, rawPayload, err := decodeSidecar(payload)
		if err != nil {
			return nil, err
		}
		var ts int64
		if err := json.Unmarshal(sidecar, &ts); err != nil {
			return nil, err
		}
		e.Video = &Video{
			Width:       uint32(primary & 0xFFFFFFFF),
			Height:      uint32((primary >> 32) & 0xFFFFFFFF),
			FrameNumber: frameNumber,
			IsKeyframe:  secondary&1 == 1,
			PixelFormat: pixelFormatFromCode(uint8((secondary >> 1) & 0x7F)),
			Codec:       videoCodecFromCode(uint8((secondary >> 8) & 0x7F)),
			TimestampUs: ts,
			Buffer:      append([]byte(nil), rawPayload...),
		}

	case TagText:
		var t Text
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		e.Text = &t

	case TagTensor:
		shape, dtype, _, rawPayload, err := decodeShape(primary, secondary, payload)
		if err != nil {
			return nil, err
		}
		e.Tensor = &Tensor{Shape: shape, DType: dtype, Bytes: append([]byte(nil), rawPayload...)}

	case TagControl:
		var c Control
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, err
		}
		e.Control = &c

	case TagNumpy:
		shape, dtype, contiguous, rawPayload, err := decodeShape(primary, secondary, payload)
		if err != nil {
			return nil, err
		}
		e.Numpy = &Numpy{Shape: shape, DType: dtype, IsContiguous: contiguous, Bytes: append([]byte(nil), rawPayload...)}

	default:
		return nil, fmt.Errorf("runtimedata: unknown variant tag %d", tag)
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("runtimedata: deserialized envelope failed validation: %w", err)
	}
	return e, nil
}

// --- variant-specific meta coding helpers -----------------------------------

func audioFormatCode(f AudioFormat) uint8 {
	if f == FormatI16LE {
		return 1
	}
	return 0
}

func audioFormatFromCode(c uint8) AudioFormat {
	if c == 1 {
		return FormatI16LE
	}
	return FormatF32LE
}

var pixelFormats = []PixelFormat{PixelYUV420P, PixelI420, PixelNV12, PixelRGB24, PixelRGBA32, PixelGray8, PixelEncoded}

func pixelFormatCode(p PixelFormat) uint8 {
	for i, f := range pixelFormats {
		if f == p {
			return uint8(i)
		}
	}
	return 0
}

func pixelFormatFromCode(c uint8) PixelFormat {
	if int(c) < len(pixelFormats) {
		return pixelFormats[c]
	}
	return PixelEncoded
}

var videoCodecs = []VideoCodec{CodecRaw, CodecVP8, CodecVP9, CodecH264, CodecAV1}

func videoCodecCode(c VideoCodec) uint8 {
	for i, v := range videoCodecs {
		if v == c {
			return uint8(i)
		}
	}
	return 0
}

func videoCodecFromCode(c uint8) VideoCodec {
	if int(c) < len(videoCodecs) {
		return videoCodecs[c]
	}
	return CodecRaw
}

var dtypes = []DType{DTypeF32, DTypeF16, DTypeI32, DTypeI8, DTypeU8}

func dtypeCode(d DType) (uint8, error) {
	for i, t := range dtypes {
		if t == d {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("runtimedata: unknown dtype %q", d)
}

func dtypeFromCode(c uint8) DType {
	if int(c) < len(dtypes) {
		return dtypes[c]
	}
	return DTypeU8
}

// encodeShape packs a tensor/numpy shape into primary/secondary meta when it
// has rank <= 4 and every dimension fits in 16 bits; otherwise it falls back
// to a small JSON sidecar prefix so the rest of the payload stays a raw,
// verbatim buffer.
func encodeShape(shape []uint64, dt DType, contiguous bool) (primary, secondary uint64, sidecar []byte, err error) {
	code, err := dtypeCode(dt)
	if err != nil {
		return 0, 0, nil, err
	}
	contig := uint64(0)
	if contiguous {
		contig = 1
	}
	fitsInline := len(shape) <= 4
	for _, d := range shape {
		if d > 0xFFFF {
			fitsInline = false
		}
	}
	if fitsInline {
		for i, d := range shape {
			primary |= d << (16 * i)
		}
		secondary = uint64(len(shape)) | uint64(code)<<8 | contig<<16
		return primary, secondary, nil, nil
	}

	// Out-of-line: rank/code/contig signalled via secondary with the
	// out-of-line flag (bit 17) set; shape itself goes in a JSON sidecar.
	secondary = uint64(code)<<8 | contig<<16 | 1<<17
	raw, err := json.Marshal(shape)
	if err != nil {
		return 0, 0, nil, err
	}
	return 0, secondary, encodeSidecar(raw), nil
}

func decodeShape(primary, secondary uint64, payload []byte) (shape []uint64, dt DType, contiguous bool, rest []byte, err error) {
	code := uint8((secondary >> 8) & 0xFF)
	dt = dtypeFromCode(code)
	contiguous = (secondary>>16)&1 == 1
	outOfLine := (secondary>>17)&1 == 1

	if outOfLine {
		sidecar, rawPayload, err2 := decodeSidecar(payload)
		if err2 != nil {
			return nil, dt, contiguous, nil, err2
		}
		if err2 := json.Unmarshal(sidecar, &shape); err2 != nil {
			return nil, dt, contiguous, nil, err2
		}
		return shape, dt, contiguous, rawPayload, nil
	}

	rank := secondary & 0xFF
	shape = make([]uint64, rank)
	for i := range shape {
		shape[i] = (primary >> (16 * i)) & 0xFFFF
	}
	return shape, dt, contiguous, payload, nil
}

// encodeSidecar/decodeSidecar prefix an arbitrary-length JSON blob to a
// payload with a 4-byte little-endian length, so the remainder of the buffer
// stays the verbatim raw sample data.
func encodeSidecar(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(b)))
	copy(out[4:], b)
	return out
}

func decodeSidecar(buf []byte) (sidecar, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("runtimedata: payload too short for sidecar length")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(len(buf)) < 4+uint64(n) {
		return nil, nil, fmt.Errorf("runtimedata: payload too short for declared sidecar length %d", n)
	}
	return buf[4 : 4+n], buf[4+n:], nil
}
