// Package fingerprint derives stable device identities from noisy platform
// signals. It produces two values with deliberately different durability: the
// Fingerprint, a versioned hash of the full signal composite that may change
// on an OS-level reset, and the PersistentID, which prefers an OS-assigned
// identifier expected to survive an app reinstall.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"banwarden/storage"
)

const (
	// fingerprintVersion tags the hash algorithm and signal ordering. Bump it
	// whenever either changes so old persisted values are recognised as stale.
	fingerprintVersion = "fp2"

	// unknownSignal substitutes for any attribute the source cannot answer.
	unknownSignal = "unknown"

	// brokenPersistentID is a widely duplicated identifier emitted by broken
	// firmwares; treating it as valid would collapse thousands of devices
	// into one.
	brokenPersistentID = "9774d56d682e549c"

	// minCompositeSignals is the floor below which the composite is considered
	// too weak and the time-salted fallback path is taken instead.
	minCompositeSignals = 3

	keyFingerprint  = "fp:value"
	keyHardwareSig  = "fp:hwsig"
	keyPersistentID = "fp:persistent"
)

// Engine memoizes the derived identities. Derivation happens at most once per
// process for each value; all later calls are reads of the memoized result, so
// a fingerprint can never silently change while cached.
type Engine struct {
	source SignalSource
	db     storage.Database
	logger *slog.Logger
	clock  func() time.Time

	mu           sync.Mutex
	fingerprint  string
	hardwareSig  string
	persistentID string
}

// NewEngine wires a signal source and backing store. logger may be nil.
func NewEngine(source SignalSource, db storage.Database, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source: source,
		db:     db,
		logger: logger,
		clock:  time.Now,
	}
}

// Fingerprint returns the device fingerprint, deriving and persisting it on
// first use. The empty string is returned only when no signal source is
// configured at all.
func (e *Engine) Fingerprint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fingerprintLocked()
}

func (e *Engine) fingerprintLocked() string {
	if e.fingerprint != "" {
		return e.fingerprint
	}
	if e.source == nil {
		return ""
	}

	live, degraded := e.deriveLocked()
	liveSig := e.hardwareSignatureLocked()

	stored := e.loadStored(keyFingerprint)
	if strings.HasPrefix(stored, fingerprintVersion+":") {
		storedSig := e.loadStored(keyHardwareSig)
		switch {
		case stored == live:
			e.fingerprint = stored
			e.hardwareSig = liveSig
			return e.fingerprint
		case degraded:
			// The live derivation is the weak time-salted one; the stored
			// value from a healthier run is strictly better. Keep it.
			e.fingerprint = stored
			e.hardwareSig = storedSig
			return e.fingerprint
		case storedSig != "" && storedSig == liveSig:
			// Same hardware, drifted composite (an OS update shifting build
			// strings, typically). Rotate to the value this device now
			// produces.
			e.logger.Info("fingerprint rotated after soft drift")
		default:
			e.logger.Warn("stored fingerprint does not match this hardware, rederiving")
		}
	}

	e.fingerprint = live
	e.hardwareSig = liveSig
	e.storeDerived()
	return e.fingerprint
}

func (e *Engine) deriveLocked() (string, bool) {
	values, collected := e.collect(compositeSignals)
	if collected < minCompositeSignals {
		// Weak path: too few signals survived collection. The time salt keeps
		// distinct broken devices from colliding, at the cost of losing
		// reinstall linkage. Spoofing resistance is degraded here.
		salt := strconv.FormatInt(e.clock().UnixNano(), 10)
		e.logger.Warn("fingerprint derived from degraded signal set",
			slog.Int("signals", collected),
			slog.Int("expected", len(compositeSignals)))
		return hashTagged(fingerprintVersion, append(values, salt)), true
	}
	return hashTagged(fingerprintVersion, values), false
}

// PersistentID returns the reinstall-surviving device id, deriving it on
// first use. It prefers the OS-assigned identifier combined with the
// manufacturer/model pair; when that identifier is missing or known-broken it
// falls back to the hardware composite plus a random component.
func (e *Engine) PersistentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.persistentID != "" {
		return e.persistentID
	}
	if e.source == nil {
		return ""
	}
	if stored := e.loadStored(keyPersistentID); stored != "" {
		e.persistentID = stored
		return stored
	}

	osID, err := e.source.Signal(SignalPersistentID)
	osID = strings.TrimSpace(osID)
	if err == nil && osID != "" && osID != brokenPersistentID {
		manufacturer := e.signalOrSentinel(SignalManufacturer)
		model := e.signalOrSentinel(SignalModel)
		e.persistentID = hashTagged("pid", []string{osID, manufacturer, model})
	} else {
		// No usable OS identifier: a hardware composite alone is not unique
		// enough, so mix in a random component. This id will not survive a
		// reinstall, which is the best available on such devices.
		values, _ := e.collect(hardwareSignals)
		e.persistentID = hashTagged("pid", append(values, uuid.NewString()))
		e.logger.Warn("persistent id derived without OS identifier")
	}

	if e.db != nil {
		if err := e.db.Put([]byte(keyPersistentID), []byte(e.persistentID)); err != nil {
			e.logger.Error("persist device id", slog.Any("error", err))
		}
	}
	return e.persistentID
}

// Validate reports whether a claimed fingerprint, recorded earlier together
// with its hardware signature, still identifies this device. An exact match
// against the current fingerprint succeeds outright; otherwise the narrow
// hardware signature recorded alongside the claim decides, which recognises
// the device across fingerprint drift and across reinstalls.
func (e *Engine) Validate(claimed, recordedSig string) bool {
	if strings.TrimSpace(claimed) == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.fingerprintLocked()
	if current == "" {
		return false
	}
	if claimed == current {
		return true
	}
	if recordedSig == "" {
		return false
	}
	return e.hardwareSignatureLocked() == recordedSig
}

// HardwareSignature exposes the narrow signature for persistence alongside
// ban records.
func (e *Engine) HardwareSignature() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hardwareSig == "" {
		e.hardwareSig = e.hardwareSignatureLocked()
	}
	return e.hardwareSig
}

func (e *Engine) hardwareSignatureLocked() string {
	if e.source == nil {
		return ""
	}
	values, _ := e.collect(hardwareSignals)
	sum := blake3.Sum256([]byte(strings.Join(values, "|")))
	return hex.EncodeToString(sum[:8])
}

func (e *Engine) collect(names []string) ([]string, int) {
	values := make([]string, 0, len(names))
	collected := 0
	for _, name := range names {
		value, err := e.source.Signal(name)
		value = strings.TrimSpace(value)
		if err != nil || value == "" {
			values = append(values, unknownSignal)
			continue
		}
		values = append(values, value)
		collected++
	}
	return values, collected
}

func (e *Engine) signalOrSentinel(name string) string {
	value, err := e.source.Signal(name)
	value = strings.TrimSpace(value)
	if err != nil || value == "" {
		return unknownSignal
	}
	return value
}

func (e *Engine) loadStored(key string) string {
	if e.db == nil {
		return ""
	}
	value, err := e.db.Get([]byte(key))
	if err != nil {
		if !storage.IsNotFound(err) {
			e.logger.Error("read fingerprint state", slog.String("key", key), slog.Any("error", err))
		}
		return ""
	}
	return string(value)
}

func (e *Engine) storeDerived() {
	if e.db == nil {
		return
	}
	batch := e.db.NewBatch()
	batch.Put([]byte(keyFingerprint), []byte(e.fingerprint))
	batch.Put([]byte(keyHardwareSig), []byte(e.hardwareSig))
	if err := batch.Write(); err != nil {
		e.logger.Error("persist fingerprint state", slog.Any("error", err))
	}
}

func hashTagged(tag string, values []string) string {
	sum := blake3.Sum256([]byte(tag + "|" + strings.Join(values, "|")))
	return fmt.Sprintf("%s:%s", tag, hex.EncodeToString(sum[:]))
}
