package triage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// hashEntry computes the chained digest of an entry. Hash itself is excluded.
func hashEntry(e *AuditEntry) string {
	fields := []string{
		e.AlertID,
		strconv.FormatInt(e.Seq, 10),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.Trigger),
		e.Severity.String(),
		e.Actor,
		e.Reason,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.PrevHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// appendAudit builds the next entry for a (already mutated) alert and advances
// the alert's audit head. The caller persists both in one Store call.
func appendAudit(a *Alert, from Status, trigger Trigger, actor, reason string, at time.Time) *AuditEntry {
	e := &AuditEntry{
		AlertID:    a.ID,
		Seq:        a.AuditSeq + 1,
		FromStatus: from,
		ToStatus:   a.Status,
		Trigger:    trigger,
		Severity:   a.Severity,
		Actor:      actor,
		Reason:     reason,
		Timestamp:  at,
		PrevHash:   a.AuditHash,
	}
	e.Hash = hashEntry(e)
	a.AuditSeq = e.Seq
	a.AuditHash = e.Hash
	return e
}

// VerifyChain checks that entries form a gap-free, untampered chain starting at seq 1.
func VerifyChain(entries []AuditEntry) error {
	prev := ""
	for i := range entries {
		e := &entries[i]
		if e.Seq != int64(i+1) {
			return fmt.Errorf("audit seq %d at position %d: sequence gap or reorder", e.Seq, i)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("audit seq %d: prev hash mismatch", e.Seq)
		}
		if got := hashEntry(e); got != e.Hash {
			return fmt.Errorf("audit seq %d: hash mismatch", e.Seq)
		}
		prev = e.Hash
	}
	return nil
}
