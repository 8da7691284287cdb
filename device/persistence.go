package device

import "github.com/embedlora/lorawan-device/mac"

// Persistence is the optional port a firmware application implements
// to survive resets without rejoining: Device.RestoreSession calls
// Load, and the Device calls Save after a successful OTAA join, an ABP
// activation and each SendData. Changes made while receiving (downlink
// frame counter, MAC-command-driven updates) are saved only with the
// next SendData. A Device with no Persistence configured simply
// rejoins on every reset.
type Persistence interface {
	Load() (mac.SessionState, bool, error)
	Save(mac.SessionState) error
}

// MemPersistence is an in-memory reference Persistence, useful for
// tests and for firmware that intentionally rejoins on every reset but
// still wants the Device/Persistence wiring exercised.
type MemPersistence struct {
	state mac.SessionState
	has   bool
}

// Load returns the last saved session, if any.
func (m *MemPersistence) Load() (mac.SessionState, bool, error) {
	return m.state, m.has, nil
}

// Save stores s as the last known session.
func (m *MemPersistence) Save(s mac.SessionState) error {
	m.state = s
	m.has = true
	return nil
}
