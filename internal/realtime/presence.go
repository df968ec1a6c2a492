package realtime

import (
	"errors"

	"corkboard/api/internal/relay"
)

// ErrPresenceUnavailable distinguishes "presence is not enabled for this
// session" from an empty roster.
var ErrPresenceUnavailable = errors.New("presence unavailable")

type cursorPruner interface {
	Prune(participantID string)
}

// PresenceTracker keeps the roster of non-self participants for one session.
// It is a cache of the relay's own membership state: initialized from the
// subscription's member list and updated by join/leave events.
type PresenceTracker struct {
	selfID    string
	pruner    cursorPruner
	available bool
	members   map[string]relay.Member
}

func NewPresenceTracker(selfID string, pruner cursorPruner) *PresenceTracker {
	return &PresenceTracker{
		selfID:  selfID,
		pruner:  pruner,
		members: make(map[string]relay.Member),
	}
}

// Init builds the roster from the relay's full membership, excluding self.
func (t *PresenceTracker) Init(members []relay.Member) {
	t.available = true
	t.members = make(map[string]relay.Member, len(members))
	for _, m := range members {
		if m.ID == t.selfID {
			continue
		}
		t.members[m.ID] = m
	}
}

// ApplyJoin adds a member if absent. Duplicate joins are no-ops.
func (t *PresenceTracker) ApplyJoin(m relay.Member) bool {
	if m.ID == "" || m.ID == t.selfID {
		return false
	}
	if _, exists := t.members[m.ID]; exists {
		return false
	}
	t.members[m.ID] = m
	return true
}

// ApplyLeave removes a member and prunes its cursor; a departed
// participant's cursor must never linger.
func (t *PresenceTracker) ApplyLeave(participantID string) bool {
	if _, exists := t.members[participantID]; !exists {
		return false
	}
	delete(t.members, participantID)
	if t.pruner != nil {
		t.pruner.Prune(participantID)
	}
	return true
}

// Roster returns the current members in no particular order.
func (t *PresenceTracker) Roster() ([]relay.Member, error) {
	if !t.available {
		return nil, ErrPresenceUnavailable
	}
	roster := make([]relay.Member, 0, len(t.members))
	for _, m := range t.members {
		roster = append(roster, m)
	}
	return roster, nil
}

func (t *PresenceTracker) Count() int {
	return len(t.members)
}

// Name resolves a participant's display name from the roster.
func (t *PresenceTracker) Name(participantID string) (string, bool) {
	m, ok := t.members[participantID]
	if !ok || m.Name == "" {
		return "", false
	}
	return m.Name, true
}
