// Package worker implements the out-of-process node bridge of spec §4.4:
// spawning a worker binary, handshaking it from Starting to Ready within
// init_timeout_secs, bridging steady-state Process calls across the
// boundary via the shared-memory-style channel abstraction's wire form, and
// tearing it down (EOF, cleanup_deadline, SIGTERM, SIGKILL) on session end or
// crash.
package worker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

// messageKind enumerates the small control vocabulary of the worker wire
// protocol layered on top of runtimedata's envelope wire form (spec §6.3).
type messageKind string

const (
	msgReady    messageKind = "ready"
	msgInit     messageKind = "init"
	msgProcess  messageKind = "process"
	msgOutput   messageKind = "output"
	msgError    messageKind = "error"
	msgShutdown messageKind = "shutdown"
	msgEOF      messageKind = "eof"
)

// message is one frame of the worker protocol. Envelope payloads travel as
// runtimedata's binary wire form so the worker side only ever needs
// Serialize/Deserialize plus this thin JSON envelope to route them.
type message struct {
	Kind         messageKind       `json:"kind"`
	Params       json.RawMessage   `json:"params,omitempty"`
	Inputs       map[string][]byte `json:"inputs,omitempty"`
	Outputs      map[string][]byte `json:"outputs,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

func encodeEnvelopes(m map[string]*runtimedata.Envelope) (map[string][]byte, error) {
	out := make(map[string][]byte, len(m))
	for k, env := range m {
		b, err := runtimedata.Serialize(env)
		if err != nil {
			return nil, fmt.Errorf("worker: encode %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func decodeEnvelopes(m map[string][]byte) (map[string]*runtimedata.Envelope, error) {
	out := make(map[string]*runtimedata.Envelope, len(m))
	for k, b := range m {
		env, err := runtimedata.Deserialize(b)
		if err != nil {
			return nil, fmt.Errorf("worker: decode %q: %w", k, err)
		}
		out[k] = env
	}
	return out, nil
}

// frameWriter/frameReader length-prefix each JSON message so frames can be
// told apart on the raw byte stream of a pipe (stdin/stdout are not
// message-oriented).
type frameWriter struct {
	w io.Writer
}

func (f frameWriter) writeMessage(m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(b)))
	if _, err := f.w.Write(length[:]); err != nil {
		return err
	}
	_, err = f.w.Write(b)
	return err
}

type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) frameReader {
	return frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (f frameReader) readMessage() (message, error) {
	var length [4]byte
	if _, err := io.ReadFull(f.r, length[:]); err != nil {
		return message{}, err
	}
	n := binary.LittleEndian.Uint32(length[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return message{}, err
	}
	var m message
	if err := json.Unmarshal(buf, &m); err != nil {
		return message{}, err
	}
	return m, nil
}
