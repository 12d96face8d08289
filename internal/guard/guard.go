// Package guard holds the precondition predicates gating user- and
// system-initiated actions on a record, plus the integrity scan that detects
// state combinations the transition graph alone cannot prevent.
package guard

import (
	"sort"

	"citation-linker/internal/models"
)

// CanProcess reports whether automatic processing may run on the record:
// the user has not opted it out, it is not already in-flight, and it is not
// resting in a terminal-success state.
func CanProcess(r models.ProcessingRecord) bool {
	if r.UserIntent == models.IntentIgnore || r.UserIntent == models.IntentArchive {
		return false
	}
	if r.Status.IsProcessing() {
		return false
	}
	switch r.Status {
	case models.StatusStored, models.StatusStoredCustom, models.StatusIgnored, models.StatusArchived:
		return false
	}
	return true
}

// CanUnlink reports whether the record's item link may be removed.
func CanUnlink(r models.ProcessingRecord) bool {
	return r.LinkedItemKey != "" && r.Status.IsStored()
}

// CanEditCitation reports whether manual citation editing applies.
func CanEditCitation(r models.ProcessingRecord) bool {
	switch r.Status {
	case models.StatusStored, models.StatusStoredIncomplete, models.StatusStoredCustom,
		models.StatusAwaitingMetadata, models.StatusAwaitingSelection:
		return true
	}
	return false
}

// CanReset reports whether the record may be returned to not_started. Resets
// are refused mid-stage; everything else is fair game.
func CanReset(r models.ProcessingRecord) bool {
	return !r.Status.IsProcessing()
}

// CanIgnore reports whether the record may be marked ignored.
func CanIgnore(r models.ProcessingRecord) bool {
	return !r.Status.IsProcessing() && r.Status != models.StatusIgnored && r.Status != models.StatusArchived
}

// CanArchive reports whether the record may be archived.
func CanArchive(r models.ProcessingRecord) bool {
	return !r.Status.IsProcessing() && r.Status != models.StatusArchived && r.LinkedItemKey == ""
}

// CanDeleteLinkedItem reports whether the linked external item is safe to
// delete: we created it, nobody modified it externally, and no other record
// shares it.
func CanDeleteLinkedItem(r models.ProcessingRecord) bool {
	if r.LinkedItemKey == "" {
		return false
	}
	return r.CreatedByThisSystem && !r.ExternallyModified && r.LinkedRecordCount <= 1
}

// Action names returned by AvailableActions.
const (
	ActionProcess          = "process"
	ActionUnlink           = "unlink"
	ActionEditCitation     = "edit_citation"
	ActionReset            = "reset"
	ActionIgnore           = "ignore"
	ActionArchive          = "archive"
	ActionDeleteLinkedItem = "delete_linked_item"
)

// AvailableActions returns the sorted set of action names whose guard
// currently passes for the record.
func AvailableActions(r models.ProcessingRecord) []string {
	checks := map[string]func(models.ProcessingRecord) bool{
		ActionProcess:          CanProcess,
		ActionUnlink:           CanUnlink,
		ActionEditCitation:     CanEditCitation,
		ActionReset:            CanReset,
		ActionIgnore:           CanIgnore,
		ActionArchive:          CanArchive,
		ActionDeleteLinkedItem: CanDeleteLinkedItem,
	}

	var actions []string
	for name, check := range checks {
		if check(r) {
			actions = append(actions, name)
		}
	}
	sort.Strings(actions)
	return actions
}
