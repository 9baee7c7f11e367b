package worker

import (
	"bytes"
	"testing"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := frameWriter{w: &buf}
	want := message{Kind: msgProcess, Inputs: map[string][]byte{"in": []byte("hello")}}
	if err := fw.writeMessage(want); err != nil {
		t.Fatal(err)
	}
	fr := newFrameReader(&buf)
	got, err := fr.readMessage()
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != want.Kind || string(got.Inputs["in"]) != "hello" {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFrameRoundTripMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	fw := frameWriter{w: &buf}
	if err := fw.writeMessage(message{Kind: msgReady}); err != nil {
		t.Fatal(err)
	}
	if err := fw.writeMessage(message{Kind: msgShutdown}); err != nil {
		t.Fatal(err)
	}
	fr := newFrameReader(&buf)
	m1, err := fr.readMessage()
	if err != nil || m1.Kind != msgReady {
		t.Fatalf("first frame: got %+v, err %v", m1, err)
	}
	m2, err := fr.readMessage()
	if err != nil || m2.Kind != msgShutdown {
		t.Fatalf("second frame: got %+v, err %v", m2, err)
	}
}

func TestEncodeDecodeEnvelopesRoundTrip(t *testing.T) {
	env := &runtimedata.Envelope{
		SessionID: "worker-test-session",
		Tag:       runtimedata.TagText,
		Text:      &runtimedata.Text{Value: "hi"},
	}
	wire, err := encodeEnvelopes(map[string]*runtimedata.Envelope{"in": env})
	if err != nil {
		t.Fatal(err)
	}
	back, err := decodeEnvelopes(wire)
	if err != nil {
		t.Fatal(err)
	}
	if back["in"].Text.Value != "hi" {
		t.Fatalf("got %q, want %q", back["in"].Text.Value, "hi")
	}
}
