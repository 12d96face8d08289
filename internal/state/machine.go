// Package state holds the record status transition graph and the machine
// that validates and persists transitions against it.
package state

import (
	"context"
	"fmt"
	"log"

	"citation-linker/internal/models"
)

// transitions is the fixed adjacency table of legal (from, to) pairs.
// Anything not listed here is an illegal transition.
var transitions = map[models.Status][]models.Status{
	models.StatusNotStarted: {
		models.StatusProcessingPaperLookup,
		models.StatusProcessingIdentifierLookup,
		models.StatusProcessingContentExtract,
		models.StatusProcessingLLMExtract,
		models.StatusStoredCustom,
		models.StatusIgnored,
		models.StatusArchived,
	},
	models.StatusProcessingPaperLookup: {
		models.StatusStored,
		models.StatusStoredIncomplete,
		models.StatusExhausted,
		models.StatusProcessingIdentifierLookup,
		models.StatusProcessingContentExtract,
		models.StatusProcessingLLMExtract,
	},
	models.StatusProcessingIdentifierLookup: {
		models.StatusStored,
		models.StatusStoredIncomplete,
		models.StatusAwaitingSelection,
		models.StatusExhausted,
		models.StatusProcessingContentExtract,
		models.StatusProcessingLLMExtract,
	},
	models.StatusProcessingContentExtract: {
		models.StatusStored,
		models.StatusStoredIncomplete,
		models.StatusExhausted,
		models.StatusProcessingLLMExtract,
	},
	models.StatusProcessingLLMExtract: {
		models.StatusStored,
		models.StatusStoredIncomplete,
		models.StatusStoredCustom,
		models.StatusAwaitingMetadata,
		models.StatusExhausted,
	},
	models.StatusAwaitingSelection: {
		models.StatusStored,
		models.StatusStoredCustom,
		models.StatusNotStarted,
		models.StatusIgnored,
	},
	models.StatusAwaitingMetadata: {
		models.StatusStoredCustom,
		models.StatusStoredIncomplete,
		models.StatusNotStarted,
		models.StatusIgnored,
	},
	models.StatusStored: {
		models.StatusNotStarted,
		models.StatusArchived,
	},
	models.StatusStoredIncomplete: {
		models.StatusStored,
		models.StatusStoredCustom,
		models.StatusNotStarted,
		models.StatusArchived,
		models.StatusProcessingPaperLookup,
		models.StatusProcessingIdentifierLookup,
		models.StatusProcessingContentExtract,
		models.StatusProcessingLLMExtract,
	},
	models.StatusStoredCustom: {
		models.StatusNotStarted,
		models.StatusArchived,
	},
	models.StatusExhausted: {
		models.StatusStoredCustom,
		models.StatusNotStarted,
		models.StatusIgnored,
		models.StatusArchived,
		models.StatusProcessingPaperLookup,
		models.StatusProcessingIdentifierLookup,
		models.StatusProcessingContentExtract,
		models.StatusProcessingLLMExtract,
	},
	models.StatusIgnored: {
		models.StatusNotStarted,
	},
	models.StatusArchived: {
		models.StatusNotStarted,
	},
}

// Allowed reports whether (from, to) is in the adjacency table. The reason
// is human-readable and only set when the transition is denied.
func Allowed(from, to models.Status) (bool, string) {
	targets, ok := transitions[from]
	if !ok {
		return false, fmt.Sprintf("unknown status %q", from)
	}
	for _, t := range targets {
		if t == to {
			return true, ""
		}
	}
	return false, fmt.Sprintf("transition %s -> %s is not allowed", from, to)
}

// statusStore is the slice of the record store the machine needs.
type statusStore interface {
	Get(ctx context.Context, id string) (models.ProcessingRecord, bool, error)
	SetStatus(ctx context.Context, id string, status models.Status) error
}

// Result is the outcome of a transition request.
type Result struct {
	Allowed bool
	Reason  string
}

// Machine validates transitions against the adjacency table and persists the
// ones that pass. It performs no external side effects itself; callers must
// sequence their own side effects around it (commit the item first, then
// transition to stored; entering a processing status is the one exception,
// since it marks in-flight work).
type Machine struct {
	store statusStore
}

// New builds a Machine over the given record store.
func New(store statusStore) *Machine {
	return &Machine{store: store}
}

// Transition moves a record from one status to another. An illegal pair, or
// a from status that no longer matches the persisted record, denies the
// transition and performs no mutation. A legal pair persists the new status
// and logs the move; metadata is included in the log line for auditing.
func (m *Machine) Transition(ctx context.Context, id string, from, to models.Status, metadata map[string]string) (Result, error) {
	if ok, reason := Allowed(from, to); !ok {
		return Result{Allowed: false, Reason: reason}, nil
	}

	rec, found, err := m.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Allowed: false, Reason: fmt.Sprintf("record %s not found", id)}, nil
	}
	if rec.Status != from {
		return Result{
			Allowed: false,
			Reason:  fmt.Sprintf("record %s is %s, not %s (stale snapshot)", id, rec.Status, from),
		}, nil
	}

	if err := m.store.SetStatus(ctx, id, to); err != nil {
		return Result{}, err
	}
	log.Printf("transition record=%s from=%s to=%s meta=%v", id, from, to, metadata)
	return Result{Allowed: true}, nil
}

// ValidateGraph walks the adjacency table and reports states unreachable
// from not_started plus non-terminal states with no outgoing edge. Run at
// startup and in tests, never during normal operation.
func ValidateGraph() []string {
	var issues []string

	reachable := map[models.Status]bool{models.StatusNotStarted: true}
	queue := []models.Status{models.StatusNotStarted}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, s := range models.AllStatuses {
		if !reachable[s] {
			issues = append(issues, fmt.Sprintf("status %s is unreachable from %s", s, models.StatusNotStarted))
		}
		if len(transitions[s]) == 0 && !s.IsTerminal() {
			issues = append(issues, fmt.Sprintf("non-terminal status %s has no outgoing transitions", s))
		}
	}

	for from, targets := range transitions {
		if !knownStatus(from) {
			issues = append(issues, fmt.Sprintf("table references unknown status %s", from))
		}
		for _, to := range targets {
			if !knownStatus(to) {
				issues = append(issues, fmt.Sprintf("table references unknown status %s", to))
			}
		}
	}

	return issues
}

func knownStatus(s models.Status) bool {
	for _, known := range models.AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}
