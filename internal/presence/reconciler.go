package presence

import (
	"hash/fnv"
	"sort"
	"sync"
)

// Role distinguishes the room owner from invited partners.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Participant is the room membership record, independent of voice-channel
// membership.
type Participant struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	IsOnline bool   `json:"is_online"`
}

// DeriveUID maps a participant id to the numeric identity used on the audio
// channel. The mapping is deterministic so both the joining client and the
// reconciler agree on it, and never zero because the gateway reserves 0.
func DeriveUID(participantID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(participantID))
	uid := h.Sum32() & 0x7fffffff
	if uid == 0 {
		uid = 1
	}
	return uid
}

// Reconciler maps transport member identifiers back to participant records
// and maintains the advisory set of voice-connected participants. It has no
// authority over session timing or termination.
type Reconciler struct {
	mu           sync.RWMutex
	participants map[string]Participant
	byUID        map[uint32]string
	connected    map[string]bool
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		participants: make(map[string]Participant),
		byUID:        make(map[uint32]string),
		connected:    make(map[string]bool),
	}
}

// Register makes a room participant resolvable from transport events.
func (r *Reconciler) Register(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.ID] = p
	r.byUID[DeriveUID(p.ID)] = p.ID
}

// HandleJoined resolves a member-joined event to a participant id and marks
// it voice-connected. Unknown UIDs are ignored.
func (r *Reconciler) HandleJoined(uid uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUID[uid]
	if !ok {
		return "", false
	}
	r.connected[id] = true
	return id, true
}

// HandleLeft resolves a member-left event and clears the connected mark.
func (r *Reconciler) HandleLeft(uid uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUID[uid]
	if !ok {
		return "", false
	}
	delete(r.connected, id)
	return id, true
}

// VoiceConnected returns the participant ids currently audible, sorted for
// stable display.
func (r *Reconciler) VoiceConnected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connected))
	for id := range r.connected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset clears the connected set, e.g. after leaving the channel.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = make(map[string]bool)
}
