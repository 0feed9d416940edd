package domain

import "time"

type UserID string

// PresenceEntry is one registered user. The connection handle itself is owned by the relay.
type PresenceEntry struct {
	UserID      UserID
	ConnectedAt time.Time
	RemoteAddr  string
}
