package authority

import (
	"maps"
	"sync"

	"phantomid/internal/zero"
)

// Purposes derived for every enrolled device.
const (
	PurposeAuthentication = "authentication"
	PurposeNetworkJoining = "network-joining"
)

// Deriver computes purpose-scoped identities.
type Deriver interface {
	Derive(parent zero.ZeroID, purpose string) (zero.ZeroID, error)
}

// DeviceIdentitySet is one device's base identity, its verification key, and
// the identities derived from the base so far, keyed by purpose. Derived
// identities are recomputable and never persisted.
type DeviceIdentitySet struct {
	Name string
	Base zero.ZeroID
	Key  *zero.ZeroKey

	deriver Deriver

	mu      sync.Mutex
	derived map[string]zero.ZeroID
}

// NewDeviceIdentitySet wraps a base pair. Derivations go through d.
func NewDeviceIdentitySet(name string, base zero.ZeroID, key *zero.ZeroKey, d Deriver) *DeviceIdentitySet {
	return &DeviceIdentitySet{
		Name:    name,
		Base:    base,
		Key:     key,
		deriver: d,
		derived: make(map[string]zero.ZeroID),
	}
}

// Derive returns the identity for purpose, deriving and caching it on first use.
func (s *DeviceIdentitySet) Derive(purpose string) (zero.ZeroID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.derived[purpose]; ok {
		return id, nil
	}
	id, err := s.deriver.Derive(s.Base, purpose)
	if err != nil {
		return zero.ZeroID{}, err
	}
	s.derived[purpose] = id
	return id, nil
}

// Derived returns a copy of the cached derived identities.
func (s *DeviceIdentitySet) Derived() map[string]zero.ZeroID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.derived)
}

// AuthID is the identity the device proves possession of when authenticating.
func (s *DeviceIdentitySet) AuthID() (zero.ZeroID, error) {
	return s.Derive(PurposeAuthentication)
}

// NetworkID is the parent of every per-network identity.
func (s *DeviceIdentitySet) NetworkID() (zero.ZeroID, error) {
	return s.Derive(PurposeNetworkJoining)
}

// Destroy wipes the verification key and forgets derived identities.
func (s *DeviceIdentitySet) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Key != nil {
		s.Key.Destroy()
	}
	clear(s.derived)
}
