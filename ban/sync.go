package ban

import (
	"time"

	"banwarden/trust"
)

// Overlay is the cross-device view: hardware-level bans and violation data
// shared between a user's devices. It is locally authoritative: the overlay
// is only as fresh as its last persisted write, and whole-blob last-writer-
// wins is the only conflict handling. A real sync protocol would layer on
// top of LastSyncTime.
//
// Overlay carries no lock of its own; the owning Registry's mutex covers all
// access.
type Overlay struct {
	Version          int                          `json:"v"`
	HardwareBans     map[string]bool              `json:"hardwareBans"`
	TrustedDevices   map[string]bool              `json:"trustedDevices"`
	SharedViolations map[string][]trust.Violation `json:"sharedViolations"`
	LastSyncTime     time.Time                    `json:"lastSyncTime"`
}

func newOverlay() *Overlay {
	return &Overlay{
		Version:          SchemaVersion,
		HardwareBans:     make(map[string]bool),
		TrustedDevices:   make(map[string]bool),
		SharedViolations: make(map[string][]trust.Violation),
	}
}

// normalize repairs nil maps after a JSON reload of a partial blob.
func (o *Overlay) normalize() {
	if o.HardwareBans == nil {
		o.HardwareBans = make(map[string]bool)
	}
	if o.TrustedDevices == nil {
		o.TrustedDevices = make(map[string]bool)
	}
	if o.SharedViolations == nil {
		o.SharedViolations = make(map[string][]trust.Violation)
	}
}

// AddHardwareBan unions both identifiers into the hardware-ban set. Either
// may be empty.
func (o *Overlay) AddHardwareBan(fingerprint, persistentID string, now time.Time) {
	if fingerprint != "" {
		o.HardwareBans[fingerprint] = true
	}
	if persistentID != "" {
		o.HardwareBans[persistentID] = true
	}
	o.LastSyncTime = now
}

// HasHardwareBan reports whether either identifier is hardware banned.
func (o *Overlay) HasHardwareBan(fingerprint, persistentID string) bool {
	if fingerprint != "" && o.HardwareBans[fingerprint] {
		return true
	}
	return persistentID != "" && o.HardwareBans[persistentID]
}

// MarkTrusted records a device the user explicitly vouched for.
func (o *Overlay) MarkTrusted(persistentID string, now time.Time) {
	if persistentID == "" {
		return
	}
	o.TrustedDevices[persistentID] = true
	o.LastSyncTime = now
}

// AddSharedViolation mirrors a cross-device-relevant violation into the
// overlay so sibling devices can factor it into their own checks.
func (o *Overlay) AddSharedViolation(persistentID string, v trust.Violation, now time.Time) {
	if persistentID == "" {
		return
	}
	history := o.SharedViolations[persistentID]
	next := make([]trust.Violation, len(history), len(history)+1)
	copy(next, history)
	o.SharedViolations[persistentID] = append(next, v)
	o.LastSyncTime = now
}

// SharedViolationCount returns how many shared violations are recorded for a
// persistent id.
func (o *Overlay) SharedViolationCount(persistentID string) int {
	return len(o.SharedViolations[persistentID])
}
