package triage

import (
	"fmt"
	"time"
)

// SLAPolicy is the response window per severity.
type SLAPolicy map[Severity]time.Duration

// DefaultSLA returns the stock response windows.
func DefaultSLA() SLAPolicy {
	return SLAPolicy{
		SeverityCritical: 5 * time.Minute,
		SeverityHigh:     15 * time.Minute,
		SeverityMedium:   time.Hour,
		SeverityLow:      4 * time.Hour,
	}
}

// For returns the window for sev, falling back to the default policy.
func (p SLAPolicy) For(sev Severity) time.Duration {
	if d, ok := p[sev]; ok && d > 0 {
		return d
	}
	return DefaultSLA()[sev]
}

// Validate requires a positive window for every level, non-increasing with severity.
func (p SLAPolicy) Validate() error {
	levels := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	var prev time.Duration
	for i, sev := range levels {
		d, ok := p[sev]
		if !ok || d <= 0 {
			return fmt.Errorf("sla for %s must be positive", sev)
		}
		if i > 0 && d > prev {
			return fmt.Errorf("sla for %s (%s) exceeds sla for %s (%s)", sev, d, levels[i-1], prev)
		}
		prev = d
	}
	return nil
}
