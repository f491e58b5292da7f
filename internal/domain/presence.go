package domain

// PresenceState is the tagged discriminator for a presence record
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// Presence is the record stored at presence/{uid}. LastSeen is set only
// for offline records.
type Presence struct {
	State    PresenceState `json:"state"`
	LastSeen int64         `json:"lastSeen,omitempty"` // unix millis
}
