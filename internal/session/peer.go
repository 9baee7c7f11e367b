package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/logging"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// pliInterval is how often a keyframe is requested from a remote video track
// via RTCP Picture Loss Indication — matches the teacher's 5s stat-logging
// cadence in spirit, shortened since a stale GOP matters more than a log line.
const pliInterval = 2 * time.Second

// PeerState is a peer's position in the signaling lifecycle of spec §3.6,
// §4.5 ("Announce → {Offer, Answer, ICE-Candidate}* → Connected →
// Disconnected").
type PeerState string

const (
	PeerAnnouncing  PeerState = "announcing"
	PeerOffering    PeerState = "offering"
	PeerAnswering   PeerState = "answering"
	PeerConnected   PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
)

// Capabilities declares what media/data kinds a peer offers (spec §3.6).
type Capabilities struct {
	Audio bool
	Video bool
	Data  bool
}

// Signaler is the only surface Peer needs from the transport layer to
// exchange SDP/ICE messages with the remote side — grounded on
// petervdpas-goop2/internal/call's Signaler interface, narrowed to this
// module's session-scoped groups model (no RegisterChannel/PublishLocal,
// since routing here is entirely session+group scoped, not multi-protocol).
type Signaler interface {
	Send(peerID string, payload map[string]any) error
}

// Peer is one real-time duplex connection bound to exactly one session
// (spec §3.6). It wraps a pion/webrtc PeerConnection the way
// petervdpas-goop2/internal/call.Session does, but exposes an explicit state
// enum instead of inferring liveness from PeerConnectionState alone, and logs
// through internal/logging/internal/taxonomy instead of log.Printf/ad-hoc
// errors.
type Peer struct {
	ID           string
	SessionID    string
	Capabilities Capabilities
	sig          Signaler
	isCaller     bool

	logger *slog.Logger

	mu    sync.Mutex
	state PeerState

	pc            *webrtc.PeerConnection
	localStream   mediadevices.MediaStream
	remoteDescSet bool
	pendingICE    []webrtc.ICECandidateInit

	mediaReady chan struct{}
	disconnect chan struct{}
	hung       bool

	// remoteVideo, if set before NewPeer's background setup starts racing
	// with it, receives a runtimedata.Envelope for every remote video RTP
	// packet (spec §4.3 "peer-bound source nodes" — a Peer can feed a
	// session's graph as a source once media starts arriving).
	remoteVideo func(*runtimedata.Envelope)
}

// SetRemoteVideoSink registers the callback a peer-bound source node uses to
// receive decoded-on-the-wire video RTP payloads as they arrive. Must be
// called before Offer/HandleOffer to avoid racing the first remote track.
func (p *Peer) SetRemoteVideoSink(fn func(*runtimedata.Envelope)) {
	p.mu.Lock()
	p.remoteVideo = fn
	p.mu.Unlock()
}

// NewPeer constructs a Peer bound to sessionID and begins media/PC setup in
// the background; Connect blocks on that setup before doing SDP work (mirrors
// petervdpas-goop2/internal/call.newSession's mediaReady gate).
func NewPeer(sessionID, peerID string, caps Capabilities, sig Signaler, isCaller bool) *Peer {
	p := &Peer{
		ID:           peerID,
		SessionID:    sessionID,
		Capabilities: caps,
		sig:          sig,
		isCaller:     isCaller,
		logger:       logging.WithPeer(logging.WithSession(logging.Logger(), sessionID), peerID),
		state:        PeerAnnouncing,
		mediaReady:   make(chan struct{}),
		disconnect:   make(chan struct{}),
	}
	go p.initPeerConnection()
	return p
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Disconnected returns a channel closed once the peer disconnects (spec §4.5
// "The peer disconnecting drains those nodes").
func (p *Peer) Disconnected() <-chan struct{} { return p.disconnect }

// initPeerConnection builds the pion PeerConnection with VP8+Opus codecs and
// captures local camera/mic via pion/mediadevices, matching
// petervdpas-goop2/internal/call.Session.initExternalPC's codec-selector and
// fallback-to-recvonly-transceivers shape, generalized to this session's
// Capabilities instead of a hardcoded audio+video call.
func (p *Peer) initPeerConnection() {
	defer close(p.mediaReady)

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		p.logger.Error("vp8 params", "error", err)
		return
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		p.logger.Error("opus params", "error", err)
		return
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		p.logger.Error("interceptor register", "error", err)
		return
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		p.logger.Error("peer connection create", "error", err)
		return
	}

	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		sdpMid := ""
		if init.SDPMid != nil {
			sdpMid = *init.SDPMid
		}
		var idx uint16
		if init.SDPMLineIndex != nil {
			idx = *init.SDPMLineIndex
		}
		_ = p.sig.Send(p.ID, map[string]any{
			"type": "ice-candidate",
			"candidate": map[string]any{
				"candidate":     init.Candidate,
				"sdpMid":        sdpMid,
				"sdpMLineIndex": idx,
			},
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.setState(PeerConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			p.Disconnect()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go p.sendPLI(pc, track.SSRC())
		}
		go p.drainRemoteTrack(track)
	})

	var constraints mediadevices.MediaStreamConstraints
	if p.Capabilities.Video {
		constraints.Video = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	if p.Capabilities.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	constraints.Codec = codecSelector

	if !p.Capabilities.Audio && !p.Capabilities.Video {
		return
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		p.logger.Warn("GetUserMedia failed, proceeding recvonly", "error", err)
		if p.Capabilities.Video {
			_, _ = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		}
		if p.Capabilities.Audio {
			_, _ = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		}
		return
	}

	p.mu.Lock()
	p.localStream = stream
	p.mu.Unlock()

	for _, track := range stream.GetTracks() {
		if _, err := pc.AddTrack(track); err != nil {
			p.logger.Error("add track", "error", err)
		}
	}
}

// Offer waits for media setup and creates+sends an SDP offer (caller side).
func (p *Peer) Offer(ctx context.Context) error {
	select {
	case <-p.mediaReady:
	case <-ctx.Done():
		return taxonomy.Wrap(taxonomy.KindCancelled, ctx.Err(), "peer: offer cancelled waiting for media")
	}
	p.setState(PeerOffering)

	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return taxonomy.New(taxonomy.KindInternal, "peer: no peer connection available")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindNodeExecution, err, "peer: create offer failed")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return taxonomy.Wrap(taxonomy.KindNodeExecution, err, "peer: set local description (offer) failed")
	}
	return p.sig.Send(p.ID, map[string]any{"type": "call-offer", "sdp": offer.SDP})
}

// HandleOffer sets the remote offer and sends back an answer (callee side).
func (p *Peer) HandleOffer(ctx context.Context, sdp string) error {
	select {
	case <-p.mediaReady:
	case <-ctx.Done():
		return taxonomy.Wrap(taxonomy.KindCancelled, ctx.Err(), "peer: handle-offer cancelled waiting for media")
	}
	p.setState(PeerAnswering)

	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return taxonomy.New(taxonomy.KindInternal, "peer: no peer connection available")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return taxonomy.Wrap(taxonomy.KindNodeExecution, err, "peer: set remote description (offer) failed")
	}
	p.flushPendingICE(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindNodeExecution, err, "peer: create answer failed")
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return taxonomy.Wrap(taxonomy.KindNodeExecution, err, "peer: set local description (answer) failed")
	}
	return p.sig.Send(p.ID, map[string]any{"type": "call-answer", "sdp": answer.SDP})
}

// HandleAnswer sets the remote answer (caller side).
func (p *Peer) HandleAnswer(sdp string) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return taxonomy.New(taxonomy.KindInternal, "peer: no peer connection available")
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return taxonomy.Wrap(taxonomy.KindNodeExecution, err, "peer: set remote description (answer) failed")
	}
	p.flushPendingICE(pc)
	return nil
}

func (p *Peer) flushPendingICE(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	p.remoteDescSet = true
	pending := p.pendingICE
	p.pendingICE = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			p.logger.Warn("add buffered ice candidate", "error", err)
		}
	}
}

// AddICECandidate adds a remote ICE candidate, buffering it if the remote
// description has not been set yet (spec §4.5 "ordering ... preserved by the
// signaling transport").
func (p *Peer) AddICECandidate(init webrtc.ICECandidateInit) {
	p.mu.Lock()
	pc := p.pc
	if !p.remoteDescSet {
		p.pendingICE = append(p.pendingICE, init)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		p.logger.Warn("add ice candidate", "error", err)
	}
}

// drainRemoteTrack reads RTP packets off a remote track and, for video, wraps
// each payload into a runtimedata.Envelope delivered to the registered
// remoteVideo sink — this is how a Peer acts as a graph source node (spec
// §4.3). Audio packets are drained (to keep RTCP feedback flowing) but not
// forwarded: Opus-encoded RTP payloads don't fit the raw-PCM Audio variant
// (spec §3.1), and encoded-audio passthrough is out of this module's scope.
func (p *Peer) drainRemoteTrack(track *webrtc.TrackRemote) {
	isVideo := track.Kind() == webrtc.RTPCodecTypeVideo
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if !isVideo {
			continue
		}
		p.mu.Lock()
		sink := p.remoteVideo
		p.mu.Unlock()
		if sink == nil {
			continue
		}
		sink(&runtimedata.Envelope{
			Tag: runtimedata.TagVideo,
			Video: &runtimedata.Video{
				PixelFormat: runtimedata.PixelEncoded,
				Codec:       runtimedata.CodecVP8,
				FrameNumber: uint64(pkt.SequenceNumber),
				TimestampUs: int64(pkt.Timestamp),
				IsKeyframe:  pkt.Marker,
				Buffer:      append([]byte(nil), pkt.Payload...),
			},
			SessionID: p.SessionID,
		})
	}
}

// sendPLI periodically requests a keyframe from a remote video track via
// RTCP Picture Loss Indication, so a late-joining consumer of this peer's
// video source node doesn't wait an entire GOP to get a decodable frame.
func (p *Peer) sendPLI(pc *webrtc.PeerConnection, ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.disconnect:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
			if err != nil {
				return
			}
		}
	}
}

// Disconnect tears down the peer connection and local media. Idempotent
// (spec §3.6 state enum's terminal Disconnected state).
func (p *Peer) Disconnect() {
	p.mu.Lock()
	if p.hung {
		p.mu.Unlock()
		return
	}
	p.hung = true
	p.state = PeerDisconnected
	pc := p.pc
	stream := p.localStream
	p.pc = nil
	p.localStream = nil
	p.mu.Unlock()

	close(p.disconnect)

	if stream != nil {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
	}
	if pc != nil {
		_ = pc.Close()
	}
}
