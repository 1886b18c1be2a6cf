package fingerprint

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Canonical signal names. Sources expose whichever subset the platform can
// answer; the engine substitutes a sentinel for the rest.
const (
	SignalHardwareID   = "hardware_id"
	SignalBrand        = "brand"
	SignalModel        = "model"
	SignalManufacturer = "manufacturer"
	SignalDevice       = "device"
	SignalProduct      = "product"
	SignalBuild        = "build"
	SignalDisplay      = "display"
	SignalABIs         = "abis"
	SignalCPUCount     = "cpu_count"
	SignalMemoryLimit  = "memory_limit"
	SignalLocale       = "locale"
	SignalTimezone     = "timezone"
	SignalOperator     = "operator"

	// SignalPersistentID is the OS-assigned identifier expected to survive an
	// app reinstall. It feeds the persistent device id, never the fingerprint.
	SignalPersistentID = "os_persistent_id"
)

// compositeSignals is the ordered set hashed into the fingerprint. Order is
// part of the algorithm: changing it requires bumping the version tag.
var compositeSignals = []string{
	SignalHardwareID,
	SignalBrand,
	SignalModel,
	SignalManufacturer,
	SignalDevice,
	SignalProduct,
	SignalBuild,
	SignalDisplay,
	SignalABIs,
	SignalCPUCount,
	SignalMemoryLimit,
	SignalLocale,
	SignalTimezone,
	SignalOperator,
}

// hardwareSignals is the narrow subset backing the soft-match hardware
// signature. These survive OS updates that shift the wider composite.
var hardwareSignals = []string{
	SignalBrand,
	SignalModel,
	SignalManufacturer,
	SignalDevice,
	SignalProduct,
}

// SignalSource supplies best-effort device attributes by name. Values should
// be as stable as the platform allows across process restarts; a source may
// return an error for any signal it cannot answer.
type SignalSource interface {
	Signal(name string) (string, error)
}

// MapSignals is a synthetic SignalSource for tests and embedding callers that
// collect platform attributes elsewhere.
type MapSignals map[string]string

func (m MapSignals) Signal(name string) (string, error) {
	value, ok := m[name]
	if !ok {
		return "", fmt.Errorf("signal %s unavailable", name)
	}
	return value, nil
}

// HostSignals answers from the local host: the reference source for the
// daemon. Mobile embeddings supply their own platform-backed source instead.
type HostSignals struct {
	// MachineIDPath overrides the persistent-id file, mainly for tests.
	MachineIDPath string
}

func (h HostSignals) Signal(name string) (string, error) {
	switch name {
	case SignalHardwareID:
		hostname, err := os.Hostname()
		if err != nil {
			return "", err
		}
		return hostname, nil
	case SignalBrand, SignalManufacturer:
		return runtime.GOOS, nil
	case SignalModel, SignalDevice, SignalProduct:
		return runtime.GOARCH, nil
	case SignalBuild:
		return runtime.Version(), nil
	case SignalABIs:
		return runtime.GOOS + "/" + runtime.GOARCH, nil
	case SignalCPUCount:
		return strconv.Itoa(runtime.NumCPU()), nil
	case SignalLocale:
		return firstEnv("LC_ALL", "LANG"), nil
	case SignalTimezone:
		return firstEnv("TZ"), nil
	case SignalPersistentID:
		path := h.MachineIDPath
		if path == "" {
			path = "/etc/machine-id"
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", fmt.Errorf("signal %s unavailable", name)
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return ""
}
