package ban

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"banwarden/fingerprint"
	"banwarden/storage"
	"banwarden/trust"
)

const (
	banKeyPrefix    = "ban:"
	deviceKeyPrefix = "device:"
	overlayKey      = "sync:overlay"

	// deviceIdleWindow is how long a device record with no activity survives
	// cleanup, unless it is known bad.
	deviceIdleWindow = 90 * 24 * time.Hour

	// hardwareBypassThreshold is the bypass-attempt count at which a
	// known-bad device is treated as hardware banned without an explicit
	// overlay entry.
	hardwareBypassThreshold = 3
)

// Registry owns the ban, device, and sync-overlay state. One instance is
// constructed at startup and handed to every caller; the in-memory caches
// are authoritative for the process and the store is write-behind.
//
// A single mutex covers all three aggregates, making Check, ApplyBan, and
// CleanupExpired atomic with respect to each other. Operations are bounded
// CPU plus local storage access and safe to run inline on the messaging path.
type Registry struct {
	db      storage.Database
	engine  *fingerprint.Engine
	logger  *slog.Logger
	clock   func() time.Time
	metrics *registryMetrics

	mu      sync.Mutex
	bans    map[string]*Record       // by peer id
	devices map[string]*DeviceRecord // by persistent id
	overlay *Overlay
}

// NewRegistry loads persisted state and returns a ready registry. Records
// with an unknown schema version are skipped with a warning; a corrupt
// overlay blob degrades to an empty overlay. logger may be nil.
func NewRegistry(db storage.Database, engine *fingerprint.Engine, logger *slog.Logger) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("ban: store required")
	}
	if engine == nil {
		return nil, fmt.Errorf("ban: fingerprint engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		db:      db,
		engine:  engine,
		logger:  logger,
		clock:   time.Now,
		metrics: newRegistryMetrics(),
		bans:    make(map[string]*Record),
		devices: make(map[string]*DeviceRecord),
		overlay: newOverlay(),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeRecord(value []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, err
	}
	if rec.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: ban record v%d", ErrUnknownSchema, rec.Version)
	}
	return &rec, nil
}

func decodeDevice(value []byte) (*DeviceRecord, error) {
	var rec DeviceRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, err
	}
	if rec.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: device record v%d", ErrUnknownSchema, rec.Version)
	}
	return &rec, nil
}

func (r *Registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Iterate([]byte(banKeyPrefix), func(key, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			// Unknown schemas and corrupt blobs are treated as absent rather
			// than misread.
			r.logger.Warn("skipping ban record", slog.String("key", string(key)), slog.Any("error", err))
			return nil
		}
		r.bans[rec.PeerID] = rec
		return nil
	})
	if err != nil {
		return fmt.Errorf("load ban records: %w", err)
	}

	err = r.db.Iterate([]byte(deviceKeyPrefix), func(key, value []byte) error {
		rec, err := decodeDevice(value)
		if err != nil {
			r.logger.Warn("skipping device record", slog.String("key", string(key)), slog.Any("error", err))
			return nil
		}
		r.devices[rec.PersistentID] = rec
		return nil
	})
	if err != nil {
		return fmt.Errorf("load device records: %w", err)
	}

	blob, err := r.db.Get([]byte(overlayKey))
	switch {
	case err == nil:
		var overlay Overlay
		if jsonErr := json.Unmarshal(blob, &overlay); jsonErr != nil {
			r.logger.Warn("sync overlay undecodable, starting empty", slog.Any("error", jsonErr))
		} else {
			overlay.normalize()
			r.overlay = &overlay
		}
	case storage.IsNotFound(err):
		// First run.
	default:
		return fmt.Errorf("load sync overlay: %w", err)
	}

	r.metrics.observeCounts(r.activeBanCountLocked(r.clock()), r.knownBadCountLocked())
	return nil
}

// Check evaluates the ban tiers for a peer id, most specific first, and
// short-circuits on the first match. It never returns an error: internal
// failures map to a TypeError result that callers treat as not banned.
func (r *Registry) Check(peerID string) (result CheckResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("ban check failed, failing open", slog.Any("panic", rec))
			result = checkFailed()
		}
		r.metrics.recordCheck(result.Type, result.BypassDetected)
	}()

	if strings.TrimSpace(peerID) == "" {
		return notBanned()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	fp := r.engine.Fingerprint()
	pid := r.engine.PersistentID()
	if fp == "" || pid == "" {
		r.logger.Error("device signals unavailable, failing open")
		return checkFailed()
	}

	// Tier 1: exact peer ban.
	if rec := r.bans[peerID]; rec != nil && !rec.Expired(now) {
		return CheckResult{
			Banned:    true,
			Reason:    rec.Reason,
			ExpiresAt: rec.ExpiresAt,
			Type:      TypeDirect,
		}
	}

	// Tier 2: any active ban tied to this device's fingerprint. A different
	// peer id on a banned device is a fresh-identity bypass.
	for _, rec := range r.bans {
		if rec.Expired(now) || rec.Fingerprint != fp {
			continue
		}
		return CheckResult{
			Banned:         true,
			Reason:         rec.Reason,
			ExpiresAt:      rec.ExpiresAt,
			BypassDetected: rec.PeerID != peerID,
			Type:           TypeDevice,
		}
	}

	// Tier 3: any active ban tied to this persistent id. A changed
	// fingerprint under the same persistent id means the app was
	// reinstalled or its data cleared while a ban was active.
	for _, rec := range r.bans {
		if rec.Expired(now) || rec.PersistentID != pid {
			continue
		}
		bypass := rec.Fingerprint != fp
		if bypass {
			r.recordBypassLocked(pid, fp, peerID, now)
		}
		return CheckResult{
			Banned:         true,
			Reason:         rec.Reason,
			ExpiresAt:      rec.ExpiresAt,
			BypassDetected: bypass,
			Type:           TypePersistent,
		}
	}

	// Tier 4: hardware-level bans, the last line of defense. Unbounded.
	if r.overlay.HasHardwareBan(fp, pid) || r.knownBadHardwareLocked(fp, pid) {
		return CheckResult{
			Banned:         true,
			Reason:         "hardware banned",
			BypassDetected: true,
			Type:           TypeHardware,
		}
	}

	return notBanned()
}

// ApplyBan records a ban for the peer and updates the device ledger. It
// reports false on any failure; the messaging path never sees an error.
func (r *Registry) ApplyBan(peerID, reason string, duration time.Duration, severity int, hardwareBan bool) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("apply ban failed", slog.Any("panic", rec))
			ok = false
		}
	}()

	peerID = strings.TrimSpace(peerID)
	if peerID == "" || duration <= 0 {
		return false
	}
	if severity < 1 {
		severity = 1
	} else if severity > 4 {
		severity = 4
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	fp := r.engine.Fingerprint()
	pid := r.engine.PersistentID()
	if fp == "" || pid == "" {
		r.logger.Error("device signals unavailable, ban not applied")
		return false
	}

	violationCount := 1
	if prior := r.bans[peerID]; prior != nil {
		violationCount = prior.ViolationCount + 1
	}

	rec := &Record{
		Version:        SchemaVersion,
		PeerID:         peerID,
		Fingerprint:    fp,
		PersistentID:   pid,
		Reason:         reason,
		CreatedAt:      now,
		ExpiresAt:      now.Add(duration),
		ViolationCount: violationCount,
		Severity:       severity,
		HardwareBanned: hardwareBan,
		CrossDeviceBan: severity >= 3,
	}

	device := r.ensureDeviceLocked(pid, fp, now)
	violation := trust.Violation{
		Timestamp: now,
		Type:      trust.ViolationBanApplied,
		Severity:  trust.SeverityFromLevel(severity),
		Details:   reason,
		PeerID:    peerID,
	}
	device.addViolation(violation, now)
	if hardwareBan || severity >= 4 {
		device.KnownBad = true
	}
	if hardwareBan {
		r.overlay.AddHardwareBan(fp, pid, now)
	}
	if rec.CrossDeviceBan {
		r.overlay.AddSharedViolation(pid, violation, now)
	}
	r.bans[peerID] = rec

	// All three aggregates commit or none do; the in-memory caches stay
	// authoritative either way.
	if err := r.persistAllLocked(rec, device); err != nil {
		r.logger.Error("persist ban", slog.String("peer", peerID), slog.Any("error", err))
		return false
	}

	r.metrics.recordApplied(string(trust.SeverityFromLevel(severity)))
	r.metrics.observeCounts(r.activeBanCountLocked(now), r.knownBadCountLocked())
	r.logger.Info("ban applied",
		slog.String("peer", peerID),
		slog.String("reason", reason),
		slog.Int("severity", severity),
		slog.Bool("hardware", hardwareBan),
		slog.Time("expires", rec.ExpiresAt))
	return true
}

// MarkTrusted vouches for the current device in the sync overlay.
func (r *Registry) MarkTrusted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid := r.engine.PersistentID()
	if pid == "" {
		return
	}
	r.overlay.MarkTrusted(pid, r.clock())
	if err := r.persistOverlayLocked(); err != nil {
		r.logger.Error("persist overlay", slog.Any("error", err))
	}
}

// IsHardwareBanned reports whether the current device is hardware banned,
// independent of any peer-specific ban state.
func (r *Registry) IsHardwareBanned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp := r.engine.Fingerprint()
	pid := r.engine.PersistentID()
	if fp == "" || pid == "" {
		return false
	}
	return r.overlay.HasHardwareBan(fp, pid) || r.knownBadHardwareLocked(fp, pid)
}

// CleanupExpired removes expired ban records and device records idle beyond
// the retention window. Active bans and known-bad devices are never touched.
// Safe to run repeatedly; a second consecutive run is a no-op scan.
func (r *Registry) CleanupExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	batch := r.db.NewBatch()
	removedBans, removedDevices := 0, 0

	for peerID, rec := range r.bans {
		if !rec.Expired(now) {
			continue
		}
		delete(r.bans, peerID)
		batch.Delete([]byte(banKeyPrefix + peerID))
		removedBans++
	}
	for pid, device := range r.devices {
		if device.KnownBad || now.Sub(device.LastSeen) <= deviceIdleWindow {
			continue
		}
		delete(r.devices, pid)
		batch.Delete([]byte(deviceKeyPrefix + pid))
		removedDevices++
	}

	if batch.Len() > 0 {
		if err := batch.Write(); err != nil {
			r.logger.Error("cleanup persist", slog.Any("error", err))
		}
		r.logger.Info("cleanup removed records",
			slog.Int("bans", removedBans),
			slog.Int("devices", removedDevices))
	}
	r.metrics.observeCounts(r.activeBanCountLocked(now), r.knownBadCountLocked())
}

// Stats returns operational counters for the admin surface.
func (r *Registry) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()

	bypassAttempts := 0
	for _, device := range r.devices {
		bypassAttempts += device.BypassAttempts
	}

	return map[string]any{
		"total_bans":        len(r.bans),
		"active_bans":       r.activeBanCountLocked(now),
		"devices":           len(r.devices),
		"known_bad_devices": r.knownBadCountLocked(),
		"bypass_attempts":   bypassAttempts,
		"hardware_bans":     len(r.overlay.HardwareBans),
		"trusted_devices":   len(r.overlay.TrustedDevices),
		"last_sync_time":    r.overlay.LastSyncTime,
		"schema_version":    SchemaVersion,
	}
}

// --- internals, all called with r.mu held ---

func (r *Registry) ensureDeviceLocked(pid, fp string, now time.Time) *DeviceRecord {
	device := r.devices[pid]
	if device == nil {
		device = &DeviceRecord{
			Version:      SchemaVersion,
			Fingerprint:  fp,
			PersistentID: pid,
			HardwareSig:  r.engine.HardwareSignature(),
			FirstSeen:    now,
			LastSeen:     now,
			TrustScore:   1.0,
			RiskLevel:    trust.SeverityLow,
		}
		r.devices[pid] = device
		return device
	}
	if device.Fingerprint != fp {
		device.Fingerprint = fp
		device.HardwareSig = r.engine.HardwareSignature()
	}
	device.LastSeen = now
	return device
}

func (r *Registry) recordBypassLocked(pid, fp, peerID string, now time.Time) {
	device := r.ensureDeviceLocked(pid, fp, now)
	device.BypassAttempts++
	device.KnownBad = true
	device.addViolation(trust.Violation{
		Timestamp: now,
		Type:      trust.ViolationBypassAttempt,
		Severity:  trust.SeverityHigh,
		Details:   "fingerprint changed under an active ban",
		PeerID:    peerID,
	}, now)
	if err := r.persistDeviceLocked(device); err != nil {
		r.logger.Error("persist bypass attempt", slog.String("device", pid), slog.Any("error", err))
	}
	r.logger.Warn("ban bypass attempt detected",
		slog.String("peer", peerID),
		slog.String("device", pid),
		slog.Int("attempts", device.BypassAttempts))
}

func (r *Registry) knownBadHardwareLocked(fp, pid string) bool {
	if device := r.devices[pid]; device != nil &&
		device.KnownBad && device.BypassAttempts >= hardwareBypassThreshold {
		return true
	}
	for _, device := range r.devices {
		if !device.KnownBad || device.BypassAttempts < hardwareBypassThreshold {
			continue
		}
		if device.Fingerprint == fp || r.engine.Validate(device.Fingerprint, device.HardwareSig) {
			return true
		}
	}
	// Violations mirrored by sibling devices count toward the same threshold,
	// unless the user explicitly vouched for this device.
	return r.overlay.SharedViolationCount(pid) >= hardwareBypassThreshold &&
		!r.overlay.TrustedDevices[pid]
}

func (r *Registry) activeBanCountLocked(now time.Time) int {
	active := 0
	for _, rec := range r.bans {
		if !rec.Expired(now) {
			active++
		}
	}
	return active
}

func (r *Registry) knownBadCountLocked() int {
	count := 0
	for _, device := range r.devices {
		if device.KnownBad {
			count++
		}
	}
	return count
}

func (r *Registry) persistAllLocked(rec *Record, device *DeviceRecord) error {
	banBlob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ban record: %w", err)
	}
	deviceBlob, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encode device record: %w", err)
	}
	overlayBlob, err := json.Marshal(r.overlay)
	if err != nil {
		return fmt.Errorf("encode sync overlay: %w", err)
	}
	batch := r.db.NewBatch()
	batch.Put([]byte(banKeyPrefix+rec.PeerID), banBlob)
	batch.Put([]byte(deviceKeyPrefix+device.PersistentID), deviceBlob)
	batch.Put([]byte(overlayKey), overlayBlob)
	return batch.Write()
}

func (r *Registry) persistDeviceLocked(device *DeviceRecord) error {
	blob, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encode device record: %w", err)
	}
	return r.db.Put([]byte(deviceKeyPrefix+device.PersistentID), blob)
}

func (r *Registry) persistOverlayLocked() error {
	blob, err := json.Marshal(r.overlay)
	if err != nil {
		return fmt.Errorf("encode sync overlay: %w", err)
	}
	return r.db.Put([]byte(overlayKey), blob)
}
