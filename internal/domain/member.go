package domain

type (
	MemberID string
	// ConnID identifies the live transport handle a member currently
	// speaks through. It changes on every reconnect and is empty while
	// the member is pending-disconnect.
	ConnID string
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	MaxMemberNameLen = 50
	MaxAvatarLen     = 10
)

// Member is a participant identity within a room, distinct from any
// single connection.
type Member struct {
	ID             MemberID `json:"id"`
	ConnID         ConnID   `json:"connId,omitempty"`
	Name           string   `json:"name"`
	Avatar         string   `json:"avatar"`
	Role           Role     `json:"role"`
	JoinedAt       int64    `json:"joinedAt"`
	DisconnectedAt int64    `json:"disconnectedAt,omitempty"`
}

func (m *Member) IsAdmin() bool { return m.Role == RoleAdmin }

// Connected reports whether the member has a live connection bound.
// A member without one is pending-disconnect until the grace window
// expires or a rejoin rebinds it.
func (m *Member) Connected() bool { return m.ConnID != "" }

// TypingEntry is one member's typing indicator, timestamped so stale
// entries can be scrubbed.
type TypingEntry struct {
	MemberID MemberID `json:"memberId"`
	Name     string   `json:"name"`
	TS       int64    `json:"ts"`
}
