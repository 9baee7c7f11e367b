// Package codec declares the external-collaborator contracts of spec §1's
// scope boundary: concrete audio/video codecs are explicitly out of scope for
// this runtime, but node implementations need a stable interface to depend
// on so the graph/registry layers can wire real codecs in without change.
// This package also ships a raw passthrough implementation used by tests and
// by manifests that declare no transcoding.
package codec

import (
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

// Encoder turns a decoded sample into an encoded byte payload (e.g. PCM into
// Opus). Implementations are expected to be stateful per stream (codecs like
// Opus carry encoder state across frames).
type Encoder interface {
	Encode(sample *runtimedata.Envelope) ([]byte, error)
	Close() error
}

// Decoder turns an encoded byte payload back into a decoded sample.
type Decoder interface {
	Decode(payload []byte) (*runtimedata.Envelope, error)
	Close() error
}

// Resampler converts between sample rates/pixel formats without changing the
// underlying encoding (e.g. 48kHz to 16kHz PCM, or YUV420P to RGBA32).
type Resampler interface {
	Resample(sample *runtimedata.Envelope) (*runtimedata.Envelope, error)
}

// Passthrough is a no-op Encoder/Decoder/Resampler: it returns its input
// unchanged (for audio/video) or re-marshals it through runtimedata's own
// wire codec (so Encode/Decode round-trip through the same bytes a worker
// boundary would see). Useful for manifests that declare raw media with no
// transcoding, and for tests that need a codec.Encoder/Decoder without
// pulling in a real media library.
type Passthrough struct{}

// NewPassthrough constructs a Passthrough codec. It holds no per-stream
// state, so one instance may be shared across many nodes/streams.
func NewPassthrough() *Passthrough { return &Passthrough{} }

func (Passthrough) Encode(sample *runtimedata.Envelope) ([]byte, error) {
	return runtimedata.Serialize(sample)
}

func (Passthrough) Decode(payload []byte) (*runtimedata.Envelope, error) {
	return runtimedata.Deserialize(payload)
}

func (Passthrough) Resample(sample *runtimedata.Envelope) (*runtimedata.Envelope, error) {
	return sample, nil
}

func (Passthrough) Close() error { return nil }
