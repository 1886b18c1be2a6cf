package ban

import (
	"sync"
	"testing"
	"time"

	"banwarden/fingerprint"
	"banwarden/storage"
	"banwarden/trust"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func deviceSignals() fingerprint.MapSignals {
	return fingerprint.MapSignals{
		fingerprint.SignalHardwareID:   "hw-0001",
		fingerprint.SignalBrand:        "acme",
		fingerprint.SignalModel:        "pixelfone-7",
		fingerprint.SignalManufacturer: "acme-corp",
		fingerprint.SignalDevice:       "pf7",
		fingerprint.SignalProduct:      "pf7-global",
		fingerprint.SignalBuild:        "build-2026.02",
		fingerprint.SignalDisplay:      "1080x2400@60",
		fingerprint.SignalABIs:         "arm64-v8a",
		fingerprint.SignalCPUCount:     "8",
		fingerprint.SignalMemoryLimit:  "512m",
		fingerprint.SignalLocale:       "en_US",
		fingerprint.SignalTimezone:     "UTC",
		fingerprint.SignalOperator:     "310260",
		fingerprint.SignalPersistentID: "f3c9a1b7e5d24068",
	}
}

func newTestRegistry(t *testing.T, db storage.Database, signals fingerprint.SignalSource, clock *fakeClock) *Registry {
	t.Helper()
	engine := fingerprint.NewEngine(signals, storage.NewMemDB(), nil)
	r, err := NewRegistry(db, engine, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	r.clock = clock.Now
	return r
}

func TestCheckUnknownPeerNotBanned(t *testing.T) {
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), &fakeClock{now: testBase})
	result := r.Check("peer-nobody")
	if result.Banned || result.Type != TypeNone || result.BypassDetected {
		t.Fatalf("expected clean NONE result, got %+v", result)
	}
}

func TestApplyBanThenDirectCheck(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	if !r.ApplyBan("peerA", "spam", 24*time.Hour, 1, false) {
		t.Fatal("apply ban should succeed")
	}
	result := r.Check("peerA")
	if !result.Banned || result.Type != TypeDirect {
		t.Fatalf("expected DIRECT ban, got %+v", result)
	}
	if result.BypassDetected {
		t.Fatal("direct ban is not a bypass")
	}
	if result.Reason != "spam" {
		t.Fatalf("expected reason carried through, got %q", result.Reason)
	}
	if want := testBase.Add(24 * time.Hour); !result.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, result.ExpiresAt)
	}
}

func TestExpiredBanInertUntilCleanup(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	r.ApplyBan("peerA", "spam", 24*time.Hour, 1, false)
	clock.Advance(25 * time.Hour)

	result := r.Check("peerA")
	if result.Banned {
		t.Fatalf("expired ban must be inert, got %+v", result)
	}
	// The record still physically exists until cleanup runs.
	r.mu.Lock()
	_, present := r.bans["peerA"]
	r.mu.Unlock()
	if !present {
		t.Fatal("expired record should persist until CleanupExpired")
	}

	r.CleanupExpired()
	r.mu.Lock()
	_, present = r.bans["peerA"]
	r.mu.Unlock()
	if present {
		t.Fatal("cleanup should remove the expired record")
	}
}

func TestSecondIdentitySameDeviceDetected(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	r.ApplyBan("peerA", "harassment", 24*time.Hour, 2, false)

	result := r.Check("peerB")
	if !result.Banned || result.Type != TypeDevice {
		t.Fatalf("expected DEVICE ban for fresh identity on banned device, got %+v", result)
	}
	if !result.BypassDetected {
		t.Fatal("fresh identity on a banned device is a bypass")
	}
}

func TestReinstallDetectedAsPersistentBypass(t *testing.T) {
	clock := &fakeClock{now: testBase}
	db := storage.NewMemDB()
	r := newTestRegistry(t, db, deviceSignals(), clock)
	r.ApplyBan("peerA", "spam", 48*time.Hour, 2, false)

	// Reinstall: engine cache wiped, composite drifted, OS identifier kept.
	drifted := deviceSignals()
	drifted[fingerprint.SignalBuild] = "build-2026.05"
	drifted[fingerprint.SignalLocale] = "de_DE"
	reinstalled := newTestRegistry(t, db, drifted, clock)

	result := reinstalled.Check("peerC")
	if !result.Banned || result.Type != TypePersistent {
		t.Fatalf("expected PERSISTENT ban after reinstall, got %+v", result)
	}
	if !result.BypassDetected {
		t.Fatal("changed fingerprint under an active ban is a bypass")
	}

	// The bypass attempt is recorded against the device as a side effect.
	reinstalled.mu.Lock()
	pid := reinstalled.engine.PersistentID()
	device := reinstalled.devices[pid]
	reinstalled.mu.Unlock()
	if device == nil {
		t.Fatal("expected a device record for the bypassing device")
	}
	if device.BypassAttempts != 1 {
		t.Fatalf("expected 1 bypass attempt, got %d", device.BypassAttempts)
	}
	last := device.Violations[len(device.Violations)-1]
	if last.Type != trust.ViolationBypassAttempt {
		t.Fatalf("expected BYPASS_ATTEMPT violation, got %s", last.Type)
	}
	if !device.KnownBad {
		t.Fatal("bypassing device should be flagged known bad")
	}
}

func TestApplyBanReplacesRecordAndCountsViolations(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	r.ApplyBan("peerA", "spam", time.Hour, 1, false)
	r.ApplyBan("peerA", "spam again", 2*time.Hour, 3, false)

	r.mu.Lock()
	rec := r.bans["peerA"]
	r.mu.Unlock()
	if rec.ViolationCount != 2 {
		t.Fatalf("expected violation count 2, got %d", rec.ViolationCount)
	}
	if rec.Reason != "spam again" {
		t.Fatal("re-applying a ban must replace the record wholesale")
	}
	if !rec.CrossDeviceBan {
		t.Fatal("severity 3 bans are cross-device")
	}
}

func TestApplyBanUpdatesDeviceLedger(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	r.ApplyBan("peerA", "spam", time.Hour, 4, false)

	r.mu.Lock()
	pid := r.engine.PersistentID()
	device := r.devices[pid]
	r.mu.Unlock()
	if device == nil {
		t.Fatal("expected device record after ban")
	}
	if len(device.Violations) != 1 || device.Violations[0].Severity != trust.SeverityCritical {
		t.Fatalf("expected one CRITICAL violation, got %+v", device.Violations)
	}
	if device.TrustScore >= 1.0 {
		t.Fatalf("trust score should drop below 1.0, got %v", device.TrustScore)
	}
	if device.RiskLevel != trust.SeverityCritical {
		t.Fatalf("expected CRITICAL risk, got %s", device.RiskLevel)
	}
	if !device.KnownBad {
		t.Fatal("severity 4 should flag the device known bad")
	}
}

func TestCleanupSparesActiveAndKnownBad(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	r.ApplyBan("peer-active", "spam", 100*time.Hour, 1, false)
	r.ApplyBan("peer-expired", "spam", time.Hour, 1, false)

	// An idle clean device and an idle known-bad device, both long unseen.
	r.mu.Lock()
	r.devices["idle-clean"] = &DeviceRecord{
		Version: SchemaVersion, PersistentID: "idle-clean",
		LastSeen: testBase.Add(-120 * 24 * time.Hour),
	}
	r.devices["idle-bad"] = &DeviceRecord{
		Version: SchemaVersion, PersistentID: "idle-bad", KnownBad: true,
		LastSeen: testBase.Add(-120 * 24 * time.Hour),
	}
	r.mu.Unlock()

	clock.Advance(2 * time.Hour)
	r.CleanupExpired()

	r.mu.Lock()
	_, activeKept := r.bans["peer-active"]
	_, expiredKept := r.bans["peer-expired"]
	_, idleCleanKept := r.devices["idle-clean"]
	_, idleBadKept := r.devices["idle-bad"]
	banCount := len(r.bans)
	deviceCount := len(r.devices)
	r.mu.Unlock()

	if !activeKept {
		t.Fatal("active ban must never be cleaned up")
	}
	if expiredKept {
		t.Fatal("expired ban should be removed")
	}
	if idleCleanKept {
		t.Fatal("idle clean device should be removed")
	}
	if !idleBadKept {
		t.Fatal("known-bad device must never be cleaned up")
	}

	// Second run is a no-op.
	r.CleanupExpired()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.bans) != banCount || len(r.devices) != deviceCount {
		t.Fatal("second cleanup run should change nothing")
	}
}

func TestHardwareBanOutlivesPeerBans(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	r.ApplyBan("peerA", "ban evasion ring", time.Hour, 4, true)
	clock.Advance(2 * time.Hour)
	r.CleanupExpired()

	if !r.IsHardwareBanned() {
		t.Fatal("hardware ban should survive peer ban expiry")
	}
	result := r.Check("peer-anything")
	if !result.Banned || result.Type != TypeHardware {
		t.Fatalf("expected HARDWARE ban for any peer on this device, got %+v", result)
	}
	if !result.BypassDetected {
		t.Fatal("reaching the hardware tier implies a bypass")
	}
	if !result.ExpiresAt.IsZero() {
		t.Fatalf("hardware bans are unbounded, got expiry %v", result.ExpiresAt)
	}
}

func TestRepeatedBypassesEscalateToHardwareBan(t *testing.T) {
	clock := &fakeClock{now: testBase}
	db := storage.NewMemDB()
	r := newTestRegistry(t, db, deviceSignals(), clock)
	r.ApplyBan("peerA", "spam", 48*time.Hour, 2, false)

	// Reinstall with a drifted composite; every check under the active ban
	// lands on the persistent tier and records another bypass attempt.
	drifted := deviceSignals()
	drifted[fingerprint.SignalBuild] = "build-2026.05"
	reinstalled := newTestRegistry(t, db, drifted, clock)
	for i, peer := range []string{"peerB", "peerC", "peerD"} {
		result := reinstalled.Check(peer)
		if result.Type != TypePersistent || !result.BypassDetected {
			t.Fatalf("check %d: expected PERSISTENT bypass, got %+v", i, result)
		}
	}

	reinstalled.mu.Lock()
	pid := reinstalled.engine.PersistentID()
	attempts := reinstalled.devices[pid].BypassAttempts
	reinstalled.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 recorded bypass attempts, got %d", attempts)
	}

	// Once the peer ban expires and is cleaned up, the device itself stays
	// banned: three bypass attempts crossed the hardware threshold.
	clock.Advance(49 * time.Hour)
	reinstalled.CleanupExpired()

	if !reinstalled.IsHardwareBanned() {
		t.Fatal("repeat bypasser should be hardware banned")
	}
	result := reinstalled.Check("peerE")
	if !result.Banned || result.Type != TypeHardware {
		t.Fatalf("expected HARDWARE ban after threshold, got %+v", result)
	}
	if !result.BypassDetected || !result.ExpiresAt.IsZero() {
		t.Fatalf("hardware verdict should be an unbounded bypass, got %+v", result)
	}
}

func TestSharedViolationsEscalateUnlessTrusted(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	// Three cross-device bans mirror three violations into the overlay.
	r.ApplyBan("peer1", "spam", time.Hour, 3, false)
	r.ApplyBan("peer2", "spam", time.Hour, 3, false)
	r.ApplyBan("peer3", "spam", time.Hour, 3, false)

	clock.Advance(2 * time.Hour)
	r.CleanupExpired()

	// The peer bans are gone, but the mirrored violations alone cross the
	// hardware threshold.
	if !r.IsHardwareBanned() {
		t.Fatal("three shared violations should hardware-ban the device")
	}
	result := r.Check("peer-new")
	if !result.Banned || result.Type != TypeHardware {
		t.Fatalf("expected HARDWARE ban from shared violations, got %+v", result)
	}

	// Vouching for the device lifts the shared-violation escalation.
	r.MarkTrusted()
	if r.IsHardwareBanned() {
		t.Fatal("trusted device must not be banned on shared violations alone")
	}
	if result := r.Check("peer-new"); result.Banned {
		t.Fatalf("expected clean result after vouching, got %+v", result)
	}
	if trusted := r.Stats()["trusted_devices"]; trusted != 1 {
		t.Fatalf("expected 1 trusted device, got %v", trusted)
	}
}

func TestCheckFailsOpenWithoutSignals(t *testing.T) {
	clock := &fakeClock{now: testBase}
	engine := fingerprint.NewEngine(nil, storage.NewMemDB(), nil)
	r, err := NewRegistry(storage.NewMemDB(), engine, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	r.clock = clock.Now

	result := r.Check("peerA")
	if result.Banned {
		t.Fatal("signal failure must fail open, not block the peer")
	}
	if result.Type != TypeError {
		t.Fatalf("expected ERROR marker, got %s", result.Type)
	}
	if r.ApplyBan("peerA", "spam", time.Hour, 1, false) {
		t.Fatal("apply ban should report failure without signals")
	}
}

func TestRegistryReloadsStateFromStore(t *testing.T) {
	clock := &fakeClock{now: testBase}
	db := storage.NewMemDB()
	r := newTestRegistry(t, db, deviceSignals(), clock)
	r.ApplyBan("peerA", "spam", 24*time.Hour, 3, true)

	reloaded := newTestRegistry(t, db, deviceSignals(), clock)
	result := reloaded.Check("peerA")
	if !result.Banned || result.Type != TypeDirect {
		t.Fatalf("expected reloaded DIRECT ban, got %+v", result)
	}
	if !reloaded.IsHardwareBanned() {
		t.Fatal("hardware ban should survive reload")
	}
}

func TestStatsCounters(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	r.ApplyBan("peerA", "spam", time.Hour, 1, false)
	r.ApplyBan("peerB", "worse spam", 48*time.Hour, 4, true)
	clock.Advance(2 * time.Hour)

	stats := r.Stats()
	if stats["total_bans"] != 2 {
		t.Fatalf("expected 2 total bans, got %v", stats["total_bans"])
	}
	if stats["active_bans"] != 1 {
		t.Fatalf("expected 1 active ban, got %v", stats["active_bans"])
	}
	if stats["known_bad_devices"] != 1 {
		t.Fatalf("expected 1 known-bad device, got %v", stats["known_bad_devices"])
	}
	if stats["hardware_bans"] != 2 {
		t.Fatalf("expected fingerprint and persistent id in hardware set, got %v", stats["hardware_bans"])
	}
	if stats["schema_version"] != SchemaVersion {
		t.Fatalf("expected schema version %d, got %v", SchemaVersion, stats["schema_version"])
	}
}

func TestUnknownSchemaRecordsAreSkipped(t *testing.T) {
	clock := &fakeClock{now: testBase}
	db := storage.NewMemDB()
	if err := db.Put([]byte("ban:peer-old"), []byte(`{"v":1,"peerID":"peer-old","expiresAt":"2030-01-01T00:00:00Z"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := db.Put([]byte("ban:peer-garbage"), []byte(`{{{`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newTestRegistry(t, db, deviceSignals(), clock)
	if result := r.Check("peer-old"); result.Banned {
		t.Fatalf("record from another schema must be ignored, got %+v", result)
	}

	_, err := decodeRecord([]byte(`{"v":1,"peerID":"peer-old"}`))
	if !IsUnknownSchema(err) {
		t.Fatalf("expected unknown-schema error, got %v", err)
	}
	if _, err := decodeRecord([]byte(`{{{`)); IsUnknownSchema(err) {
		t.Fatal("corrupt JSON is not a schema mismatch")
	}
}

func TestCheckConcurrentWithApplyAndCleanup(t *testing.T) {
	clock := &fakeClock{now: testBase}
	r := newTestRegistry(t, storage.NewMemDB(), deviceSignals(), clock)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Check("peerA")
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			r.ApplyBan("peerA", "spam", time.Hour, 2, false)
		}
	}()
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			r.CleanupExpired()
		}
	}()
	wg.Wait()

	if result := r.Check("peerA"); !result.Banned || result.Type != TypeDirect {
		t.Fatalf("expected the ban to win, got %+v", result)
	}
}
