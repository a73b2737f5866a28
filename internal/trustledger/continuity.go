package trustledger

import (
	"fmt"

	"github.com/jmerrifield20/icn-node/internal/model"
)

// Break reasons reported by VerifyContinuity.
const (
	ReasonPrevMismatch     = "prev_hash does not match previous row_hash"
	ReasonRowMismatch      = "row_hash does not match prev_hash and payload_hash"
	ReasonSeqNotIncreasing = "sequence id not increasing"
	ReasonTimeWentBack     = "timestamp earlier than previous entry"
)

// Break describes the first point at which the chain fails to verify.
type Break struct {
	Index    int    `json:"index"`
	Seq      int64  `json:"seq"`
	Expected string `json:"expected"`
	Found    string `json:"found"`
	Reason   string `json:"reason"`
}

// ContinuityReport is the result of a continuity scan. A broken chain is
// reported here, never as an error.
type ContinuityReport struct {
	OK     bool   `json:"ok"`
	Length int    `json:"length"`
	Head   string `json:"head"`
	Break  *Break `json:"break,omitempty"`
}

// Summary renders the report as a single line for logs and the audit view.
func (r ContinuityReport) Summary() string {
	if r.OK {
		return fmt.Sprintf("ok: %d entries, head %s", r.Length, shortHash(r.Head))
	}
	return fmt.Sprintf("broken at index %d (seq %d): %s; expected %s, found %s",
		r.Break.Index, r.Break.Seq, r.Break.Reason, shortHash(r.Break.Expected), shortHash(r.Break.Found))
}

// VerifyContinuity walks entries in order and checks that each prev_hash
// equals its predecessor's row_hash (the sentinel for the first entry), that
// each row_hash commits to its own prev_hash and payload_hash, and that Seq
// and Timestamp never go backwards. It stops at the first break. O(n).
func VerifyContinuity(entries []*model.AuditEntry) ContinuityReport {
	report := ContinuityReport{OK: true, Length: len(entries)}
	if len(entries) > 0 {
		report.Head = entries[len(entries)-1].RowHash
	}

	expectedPrev := EmptyChainHash
	var prev *model.AuditEntry
	for i, e := range entries {
		var brk *Break
		switch {
		case e.PrevHash != expectedPrev:
			brk = &Break{Expected: expectedPrev, Found: e.PrevHash, Reason: ReasonPrevMismatch}
		case e.RowHash != RowHash(e.PrevHash, e.PayloadHash):
			brk = &Break{Expected: RowHash(e.PrevHash, e.PayloadHash), Found: e.RowHash, Reason: ReasonRowMismatch}
		case prev != nil && e.Seq <= prev.Seq:
			brk = &Break{Expected: fmt.Sprintf("> %d", prev.Seq), Found: fmt.Sprint(e.Seq), Reason: ReasonSeqNotIncreasing}
		case prev != nil && e.Timestamp.Before(prev.Timestamp):
			brk = &Break{
				Expected: ">= " + prev.Timestamp.UTC().Format(TimestampLayout),
				Found:    e.Timestamp.UTC().Format(TimestampLayout),
				Reason:   ReasonTimeWentBack,
			}
		}
		if brk != nil {
			brk.Index = i
			brk.Seq = e.Seq
			report.OK = false
			report.Break = brk
			return report
		}
		expectedPrev = e.RowHash
		prev = e
	}
	return report
}

// TimestampLayout is the fixed ISO-8601 rendering of entry timestamps:
// microsecond precision and an explicit UTC offset.
const TimestampLayout = "2006-01-02T15:04:05.000000+00:00"

func shortHash(h string) string {
	if h == "" {
		return `""`
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
