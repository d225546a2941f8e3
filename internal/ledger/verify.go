package ledger

import "fmt"

// Report summarises a full chain walk.
type Report struct {
	TenantID      int64  `json:"tenant_id"`
	Entries       int    `json:"entries"`
	Valid         bool   `json:"valid"`
	BrokenEntryID int64  `json:"broken_entry_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	LastHash      string `json:"last_hash,omitempty"`
}

// Err converts an invalid report into an integrity error.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: entry %d: %s", ErrChainBroken, r.BrokenEntryID, r.Reason)
}

// Verify walks entries in registration order, recomputing every digest and
// checking every link. Verification is read-only; nothing is repaired.
func Verify(tenantID int64, entries []Entry) Report {
	report := Report{TenantID: tenantID, Entries: len(entries), Valid: true}
	prev := ""
	for i, e := range entries {
		switch {
		case e.TenantID != tenantID:
			return report.broken(e.ID, "entry belongs to another tenant")
		case e.PreviousHash != prev:
			if i == 0 {
				return report.broken(e.ID, "first entry must have an empty previous hash")
			}
			return report.broken(e.ID, "previous hash does not match prior entry")
		case e.Recompute() != e.CurrentHash:
			return report.broken(e.ID, "hash does not recompute from stored fields")
		}
		prev = e.CurrentHash
	}
	report.LastHash = prev
	return report
}

// VerifyHead checks the walk's tip against the stored head row.
func VerifyHead(report Report, head Head, lastEntryID int64) Report {
	if !report.Valid {
		return report
	}
	if report.LastHash != head.LastHash || lastEntryID != head.LastEntryID {
		return report.broken(head.LastEntryID, "head does not point at the latest entry")
	}
	return report
}

func (r Report) broken(entryID int64, reason string) Report {
	r.Valid = false
	r.BrokenEntryID = entryID
	r.Reason = reason
	return r
}
