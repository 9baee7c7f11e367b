package codec

import (
	"testing"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

func TestPassthroughRoundTrip(t *testing.T) {
	p := NewPassthrough()
	env := &runtimedata.Envelope{SessionID: "codec-test-session", Tag: runtimedata.TagText, Text: &runtimedata.Text{Value: "hello"}}

	wire, err := p.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := p.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Text.Value != "hello" {
		t.Fatalf("round-tripped value = %q, want %q", got.Text.Value, "hello")
	}
}

func TestPassthroughResampleIsIdentity(t *testing.T) {
	p := NewPassthrough()
	env := &runtimedata.Envelope{Tag: runtimedata.TagText, Text: &runtimedata.Text{Value: "unchanged"}}

	out, err := p.Resample(env)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if out != env {
		t.Fatal("Resample should return the same envelope unchanged")
	}
}
