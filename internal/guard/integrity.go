package guard

import "citation-linker/internal/models"

// Issue names one record-state inconsistency found by IntegrityIssues.
type Issue string

const (
	// IssueLinkedNotStored: an item key is present while the status is
	// neither a stored state nor an in-flight one about to commit a link.
	IssueLinkedNotStored Issue = "linked_but_not_stored"
	// IssueStoredWithoutItem: a stored status with no item key.
	IssueStoredWithoutItem Issue = "stored_without_item"
	// IssueArchivedWithLink: the record was archived while still linked.
	IssueArchivedWithLink Issue = "archived_with_link"
	// IssueAttemptCountMismatch: attempt_count disagrees with history length.
	IssueAttemptCountMismatch Issue = "attempt_count_mismatch"
)

// IntegrityIssues scans a record snapshot for combinations the transition
// graph cannot prevent and returns their issue codes.
func IntegrityIssues(r models.ProcessingRecord) []Issue {
	var issues []Issue

	if r.LinkedItemKey != "" && !r.Status.IsStored() && !r.Status.IsProcessing() &&
		r.Status != models.StatusArchived {
		issues = append(issues, IssueLinkedNotStored)
	}
	if r.LinkedItemKey == "" && (r.Status == models.StatusStored || r.Status == models.StatusStoredIncomplete) {
		issues = append(issues, IssueStoredWithoutItem)
	}
	if r.LinkedItemKey != "" && r.Status == models.StatusArchived {
		issues = append(issues, IssueArchivedWithLink)
	}
	if r.AttemptCount != len(r.History) {
		issues = append(issues, IssueAttemptCountMismatch)
	}

	return issues
}

// RepairAction is a single best-effort fix for one integrity issue.
type RepairAction struct {
	To        models.Status
	ClearLink bool
	Reason    string
}

// SuggestRepair maps an issue to a conservative repair. When no rule
// matches, it returns false and suggests nothing rather than guessing.
func SuggestRepair(issue Issue, r models.ProcessingRecord) (RepairAction, bool) {
	switch issue {
	case IssueLinkedNotStored:
		return RepairAction{
			To:     models.StatusStoredCustom,
			Reason: "item link exists; adopt it as a custom-stored citation",
		}, true
	case IssueStoredWithoutItem:
		return RepairAction{
			To:        models.StatusNotStarted,
			ClearLink: true,
			Reason:    "stored status without an item; restart processing",
		}, true
	default:
		return RepairAction{}, false
	}
}
