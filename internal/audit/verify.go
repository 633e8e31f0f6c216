package audit

import (
	"crypto/ed25519"
	"fmt"
)

// Chain issue classes.
const (
	IssuePreviousHashMismatch = "previous_record_hash_mismatch"
	IssueRecordHashMismatch   = "record_hash_mismatch"
	IssueSignatureInvalid     = "signature_invalid"
	IssueUnverifiable         = "unverifiable"
)

// ChainIssue is one specific verification failure, attributed to a record.
type ChainIssue struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id"`
	Class    string `json:"class"`
	Detail   string `json:"detail,omitempty"`
}

func (i ChainIssue) String() string {
	return fmt.Sprintf("record %s (index %d): %s %s", i.RecordID, i.Index, i.Class, i.Detail)
}

// VerifyChain checks an ordered slice of records for one (tenant,
// manifest_id): link integrity, hash reproducibility, and gateway signature
// validity. It never stops at the first failure; every record is checked and
// every issue reported. An empty slice is a valid chain.
//
// Link checks compare against the recomputed hash of the predecessor, not
// the stored one, so an in-place mutation of record i surfaces both as a
// hash mismatch at i and as a link mismatch at i+1.
func VerifyChain(records []*Record, pub ed25519.PublicKey) []ChainIssue {
	var issues []ChainIssue
	recomputed := make([]string, len(records))

	for i, r := range records {
		hash, err := r.ComputeHash()
		if err != nil {
			issues = append(issues, ChainIssue{
				Index: i, RecordID: r.RecordID, Class: IssueUnverifiable, Detail: err.Error(),
			})
			recomputed[i] = r.RecordHash
			continue
		}
		recomputed[i] = hash
		if hash != r.RecordHash {
			issues = append(issues, ChainIssue{
				Index: i, RecordID: r.RecordID, Class: IssueRecordHashMismatch,
				Detail: fmt.Sprintf("stored %s recomputed %s", r.RecordHash, hash),
			})
		}
		if !VerifySignature(pub, r.RecordHash, r.GatewaySignature) {
			issues = append(issues, ChainIssue{
				Index: i, RecordID: r.RecordID, Class: IssueSignatureInvalid,
			})
		}

		if i == 0 {
			// A first record carrying a previous hash means the export does
			// not start at its chain genesis; the predecessor needed to check
			// the link is outside the slice, so the link is unverifiable
			// rather than known-broken.
			if r.PreviousRecordHash != nil {
				issues = append(issues, ChainIssue{
					Index: i, RecordID: r.RecordID, Class: IssueUnverifiable,
					Detail: "export does not start at its chain genesis",
				})
			}
			continue
		}
		if r.PreviousRecordHash == nil || *r.PreviousRecordHash != recomputed[i-1] {
			issues = append(issues, ChainIssue{
				Index: i, RecordID: r.RecordID, Class: IssuePreviousHashMismatch,
			})
		}
	}
	return issues
}
