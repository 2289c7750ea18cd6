package domain

import "time"

// Role is a participant's role in a live broadcast channel.
type Role string

const (
	RoleHost     Role = "host"
	RoleCoHost   Role = "co-host"
	RoleListener Role = "listener"
)

// PresenceEntry is one participant in a live channel roster. Rosters
// are reconstructed locally from join/leave events plus snapshots;
// viewer counts are derived from the entry set, never authoritative.
type PresenceEntry struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	AudioOn    bool      `json:"audioOn"`
	VideoOn    bool      `json:"videoOn"`
	HandRaised bool      `json:"handRaised"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// SnapshotPayload carries a full roster in answer to a snapshot-request.
type SnapshotPayload struct {
	Entries []PresenceEntry `json:"entries"`
}
