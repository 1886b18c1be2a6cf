// Package ban decides whether a peer identity is currently banned. Checks
// layer from most specific to least: the exact peer, the device fingerprint,
// the reinstall-surviving persistent id, and finally the shared hardware ban
// set. Every public entry point degrades to a safe default instead of
// returning an error, so a broken store can never block the messaging path.
package ban

import (
	"time"

	"banwarden/trust"
)

// SchemaVersion tags every persisted record so a future algorithm or shape
// change can detect and skip older records instead of misreading them.
const SchemaVersion = 2

// Type identifies which tier produced a check result.
type Type string

const (
	TypeNone       Type = "NONE"
	TypeDirect     Type = "DIRECT"
	TypeDevice     Type = "DEVICE"
	TypePersistent Type = "PERSISTENT"
	TypeHardware   Type = "HARDWARE"

	// TypeError marks a check that failed internally and fell back to the
	// not-banned default.
	TypeError Type = "ERROR"
)

// Record is the active ban for one peer id. Re-applying a ban replaces the
// record wholesale; at most one exists per peer.
type Record struct {
	Version        int       `json:"v"`
	PeerID         string    `json:"peerID"`
	Fingerprint    string    `json:"fingerprint"`
	PersistentID   string    `json:"persistentID"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	ViolationCount int       `json:"violationCount"`
	Severity       int       `json:"severity"`
	HardwareBanned bool      `json:"hardwareBanned"`
	CrossDeviceBan bool      `json:"crossDeviceBan"`
}

// Expired reports whether the ban is inert at the given time. Expired records
// stay on disk until CleanupExpired removes them.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// DeviceRecord tracks one physical device across peer identities, keyed by
// persistent id. Created lazily on first violation or bypass detection.
type DeviceRecord struct {
	Version      int    `json:"v"`
	Fingerprint  string `json:"fingerprint"`
	PersistentID string `json:"persistentID"`
	// HardwareSig is the narrow hardware signature captured when the
	// fingerprint was recorded; it lets checks recognise the device after
	// fingerprint drift.
	HardwareSig    string            `json:"hardwareSig,omitempty"`
	FirstSeen      time.Time         `json:"firstSeen"`
	LastSeen       time.Time         `json:"lastSeen"`
	Violations     []trust.Violation `json:"violations"`
	TrustScore     float64           `json:"trustScore"`
	RiskLevel      trust.Severity    `json:"riskLevel"`
	KnownBad       bool              `json:"knownBad"`
	BypassAttempts int               `json:"bypassAttempts"`
}

// addViolation appends to a fresh slice so existing readers of the old
// history never observe in-place growth, and rescores the device.
func (d *DeviceRecord) addViolation(v trust.Violation, now time.Time) {
	history := make([]trust.Violation, len(d.Violations), len(d.Violations)+1)
	copy(history, d.Violations)
	d.Violations = append(history, v)
	d.TrustScore = trust.Score(d.Violations, now)
	d.RiskLevel = trust.Risk(d.Violations, now)
	d.LastSeen = now
}

// CheckResult is what the messaging layer acts on.
type CheckResult struct {
	Banned bool   `json:"banned"`
	Reason string `json:"reason,omitempty"`
	// ExpiresAt is zero for unbounded (hardware) bans and for non-bans; the
	// zero time is serialized as-is.
	ExpiresAt      time.Time `json:"expiresAt"`
	BypassDetected bool      `json:"bypassDetected"`
	Type           Type      `json:"type"`
}

func notBanned() CheckResult {
	return CheckResult{Type: TypeNone}
}

func checkFailed() CheckResult {
	return CheckResult{Type: TypeError}
}
