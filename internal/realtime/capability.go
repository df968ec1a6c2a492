// Package realtime keeps one shared board consistent across concurrently
// connected participants: channel authorization, presence, debounced content
// sync with echo suppression, and throttled cursor broadcast.
package realtime

// Capability is a participant's access level on a board. Owner is implicit
// from board ownership; editor and viewer come from share rows.
type Capability string

const (
	CapabilityOwner  Capability = "owner"
	CapabilityEditor Capability = "editor"
	CapabilityViewer Capability = "viewer"
)

func (c Capability) CanEdit() bool {
	return c == CapabilityOwner || c == CapabilityEditor
}

func (c Capability) CanShare() bool {
	return c == CapabilityOwner
}

func (c Capability) Valid() bool {
	switch c {
	case CapabilityOwner, CapabilityEditor, CapabilityViewer:
		return true
	}
	return false
}
