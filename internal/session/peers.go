package session

import (
	"sync"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// PeerEvent is delivered to PeerTable listeners when a peer joins or leaves
// (peer state changes are not published as events) — grounded on internal/state/peers.go's Subscribe/notifyListeners event bus,
// adapted to this module's peer/group domain (no SeenPeer/AvatarHash/Favorite
// presence fields; a peer here is a real-time transport endpoint, not a
// social-presence record).
type PeerEvent struct {
	Type   string // "joined" or "left"
	PeerID string
	Group  string
	State  PeerState
}

// PeerTable is the per-session peer registry of spec §3.6/§4.5: it enforces
// max_peers at Announce, supports group ("room") tagging, and exposes
// broadcast/send-to-peer APIs scoped to a group.
type PeerTable struct {
	maxPeers int

	mu        sync.Mutex
	peers     map[string]*Peer
	groups    map[string]map[string]bool // group id -> set of peer ids
	peerGroup map[string]string          // peer id -> group id ("" = ungrouped)
	listeners []chan PeerEvent
}

// NewPeerTable creates an empty peer table. maxPeers <= 0 means unbounded
// (callers should normally supply spec's 1-10 typical range via config).
func NewPeerTable(maxPeers int) *PeerTable {
	return &PeerTable{
		maxPeers:  maxPeers,
		peers:     make(map[string]*Peer),
		groups:    make(map[string]map[string]bool),
		peerGroup: make(map[string]string),
	}
}

// Announce registers a new peer, enforcing max_peers (spec §4.5 "Capacity:
// max_peers enforced at Announce; excess is rejected with MaxPeersReached").
func (t *PeerTable) Announce(p *Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxPeers > 0 && len(t.peers) >= t.maxPeers {
		return taxonomy.Newf(taxonomy.KindResourceLimit, "session: max_peers (%d) reached", t.maxPeers).
			WithContext("kind", "max_peers_reached")
	}
	if _, dup := t.peers[p.ID]; dup {
		return taxonomy.Newf(taxonomy.KindValidation, "session: peer %q already announced", p.ID)
	}
	t.peers[p.ID] = p
	t.peerGroup[p.ID] = ""
	t.notify(PeerEvent{Type: "joined", PeerID: p.ID, State: p.State()})
	return nil
}

// Get returns the peer for id, if announced.
func (t *PeerTable) Get(id string) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// Disconnect removes id from the table and disconnects its transport.
func (t *PeerTable) Disconnect(id string) {
	t.mu.Lock()
	p, ok := t.peers[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.peers, id)
	if g := t.peerGroup[id]; g != "" {
		delete(t.groups[g], id)
	}
	delete(t.peerGroup, id)
	t.mu.Unlock()

	p.Disconnect()
	t.notifyLocked(PeerEvent{Type: "left", PeerID: id})
}

func (t *PeerTable) notifyLocked(evt PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify(evt)
}

// notify assumes t.mu is held.
func (t *PeerTable) notify(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// IDs returns every currently-announced peer id.
func (t *PeerTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

// Count returns the number of announced peers.
func (t *PeerTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// CreateGroup creates a named group ("room"); a no-op if it already exists
// (spec §4.5 "Session grouping (\"rooms\")").
func (t *PeerTable) CreateGroup(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.groups[id]; !ok {
		t.groups[id] = make(map[string]bool)
	}
}

// DeleteGroup removes a group; member peers become ungrouped.
func (t *PeerTable) DeleteGroup(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peerID := range t.groups[id] {
		t.peerGroup[peerID] = ""
	}
	delete(t.groups, id)
}

// JoinGroup tags a peer with a group id, creating the group if needed.
func (t *PeerTable) JoinGroup(peerID, groupID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peerID]; !ok {
		return taxonomy.Newf(taxonomy.KindValidation, "session: unknown peer %q", peerID)
	}
	if prev := t.peerGroup[peerID]; prev != "" {
		delete(t.groups[prev], peerID)
	}
	if _, ok := t.groups[groupID]; !ok {
		t.groups[groupID] = make(map[string]bool)
	}
	t.groups[groupID][peerID] = true
	t.peerGroup[peerID] = groupID
	return nil
}

// GroupMembers returns every peer id tagged with groupID.
func (t *PeerTable) GroupMembers(groupID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	members := t.groups[groupID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// SendToPeer delivers payload to exactly one peer via its Signaler.
func (t *PeerTable) SendToPeer(id string, sig Signaler, payload map[string]any) error {
	t.mu.Lock()
	_, ok := t.peers[id]
	t.mu.Unlock()
	if !ok {
		return taxonomy.Newf(taxonomy.KindValidation, "session: unknown peer %q", id)
	}
	return sig.Send(id, payload)
}

// Broadcast delivers payload to every member of groupID (or every announced
// peer if groupID is empty), best-effort — the first send error is returned
// but delivery continues to remaining peers.
func (t *PeerTable) Broadcast(groupID string, sig Signaler, payload map[string]any) error {
	var targets []string
	if groupID == "" {
		targets = t.IDs()
	} else {
		targets = t.GroupMembers(groupID)
	}
	var firstErr error
	for _, id := range targets {
		if err := sig.Send(id, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe registers a listener for peer lifecycle events.
func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}
