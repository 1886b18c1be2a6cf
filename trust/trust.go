// Package trust computes a device's trust score and risk level from its raw
// violation history. Both values are pure functions of the history and a
// reference time; no incremental decay state is kept anywhere, which keeps
// recomputation deterministic after a reload from disk.
package trust

import (
	"fmt"
	"strings"
	"time"
)

// Severity buckets a violation. The same scale doubles as the risk level of a
// whole device.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityWeights = map[Severity]float64{
	SeverityLow:      0.1,
	SeverityMedium:   0.25,
	SeverityHigh:     0.5,
	SeverityCritical: 1.0,
}

// ParseSeverity normalises a stored severity string, rejecting unknown values.
func ParseSeverity(value string) (Severity, error) {
	upper := Severity(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := severityWeights[upper]; !ok {
		return "", fmt.Errorf("unknown severity %q", value)
	}
	return upper, nil
}

// Valid reports whether the severity is one of the four known buckets.
func (s Severity) Valid() bool {
	_, ok := severityWeights[s]
	return ok
}

// Weight returns the trust-score penalty weight for the severity. Unknown
// severities weigh as CRITICAL so a corrupted record never discounts itself.
func (s Severity) Weight() float64 {
	w, ok := severityWeights[s]
	if !ok {
		return severityWeights[SeverityCritical]
	}
	return w
}

// SeverityFromLevel maps the integer ban severity (1..4) onto a bucket. This
// is the single place that mapping lives; ban application and scoring both go
// through it.
func SeverityFromLevel(level int) Severity {
	switch level {
	case 1:
		return SeverityLow
	case 2:
		return SeverityMedium
	case 3:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// ViolationType tags what kind of event was recorded against a device.
type ViolationType string

const (
	ViolationBanApplied    ViolationType = "BAN_APPLIED"
	ViolationBypassAttempt ViolationType = "BYPASS_ATTEMPT"
	ViolationSpam          ViolationType = "SPAM"
	ViolationHarassment    ViolationType = "HARASSMENT"
)

// Violation is one immutable entry in a device's append-only ledger.
type Violation struct {
	Timestamp time.Time     `json:"timestamp"`
	Type      ViolationType `json:"type"`
	Severity  Severity      `json:"severity"`
	Details   string        `json:"details,omitempty"`
	PeerID    string        `json:"peerID,omitempty"`
}

const (
	// ScoreWindow bounds how far back violations count toward the trust score.
	ScoreWindow = 30 * 24 * time.Hour
	// RiskWindow bounds how far back violations count toward the risk level.
	RiskWindow = 7 * 24 * time.Hour

	// scoreBudget is the summed weight at which trust bottoms out at zero.
	scoreBudget = 5.0
)

// Score returns the trust score in [0,1] for the history as seen at now.
// An empty (or fully aged-out) history scores 1.0.
func Score(violations []Violation, now time.Time) float64 {
	cutoff := now.Add(-ScoreWindow)
	var sum float64
	for _, v := range violations {
		if v.Timestamp.Before(cutoff) || v.Timestamp.After(now) {
			continue
		}
		sum += v.Severity.Weight()
	}
	score := 1.0 - sum/scoreBudget
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Risk discretises the trailing seven days of history into a risk level.
func Risk(violations []Violation, now time.Time) Severity {
	cutoff := now.Add(-RiskWindow)
	var total, high, critical int
	for _, v := range violations {
		if v.Timestamp.Before(cutoff) || v.Timestamp.After(now) {
			continue
		}
		total++
		switch v.Severity {
		case SeverityHigh:
			high++
		case SeverityCritical:
			critical++
		}
	}
	switch {
	case critical > 0 || high >= 3:
		return SeverityCritical
	case high > 0 || total >= 5:
		return SeverityHigh
	case total >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
