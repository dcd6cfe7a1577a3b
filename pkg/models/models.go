package models

import "time"

// RegistryRecord is the value stored under a username in the global
// name registry. Sequence is strictly increasing per username.
type RegistryRecord struct {
	Username     string    `json:"username"`
	DiscoveryKey string    `json:"discovery_key"`
	PublicKey    []byte    `json:"public_key"`
	Sequence     uint64    `json:"sequence"`
	Signature    []byte    `json:"signature"`
	Timestamp    time.Time `json:"timestamp"`
}

// IdentitySnapshot is the owner's published identity mirrored into the
// local document under !identities!default.
type IdentitySnapshot struct {
	User         string    `json:"user"`
	DiscoveryKey string    `json:"discovery_key"`
	PublicKey    []byte    `json:"public_key"`
	Timestamp    time.Time `json:"timestamp"`
}

// Profile is the owner's user data stored under !user.
type Profile struct {
	User        string `json:"user"`
	Avatar      string `json:"avatar"`
	Bio         string `json:"bio"`
	Location    string `json:"location"`
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
}

// RemoteUser is a linked remote identity stored under !user!<username>.
type RemoteUser struct {
	Username     string `json:"username"`
	PublicKey    []byte `json:"public_key"`
	DiscoveryKey string `json:"discovery_key"`
}

// SubIdentity binds this identity to an account on another platform,
// stored under !identities!<label>.
type SubIdentity struct {
	Label     string    `json:"label"`
	Platform  string    `json:"platform"`
	Address   string    `json:"address"`
	Username  string    `json:"username"`
	PublicKey []byte    `json:"public_key"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceRecord describes one device of an identity. The master device
// uses the fixed id "master"; all others carry a random 256-bit id.
type DeviceRecord struct {
	DeviceID  string    `json:"device_id"`
	Label     string    `json:"label"`
	User      string    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func (r RegistryRecord) Clone() RegistryRecord {
	r.PublicKey = append([]byte(nil), r.PublicKey...)
	r.Signature = append([]byte(nil), r.Signature...)
	return r
}

func (s IdentitySnapshot) Clone() IdentitySnapshot {
	s.PublicKey = append([]byte(nil), s.PublicKey...)
	return s
}

func (u RemoteUser) Clone() RemoteUser {
	u.PublicKey = append([]byte(nil), u.PublicKey...)
	return u
}

func (s SubIdentity) Clone() SubIdentity {
	s.PublicKey = append([]byte(nil), s.PublicKey...)
	return s
}
