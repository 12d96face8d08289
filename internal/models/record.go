package models

import "time"

// Status is the processing state of a record. The legal transitions between
// statuses live in internal/state; everything else treats Status as opaque.
type Status string

const (
	StatusNotStarted                 Status = "not_started"
	StatusProcessingPaperLookup      Status = "processing_paper_lookup"
	StatusProcessingIdentifierLookup Status = "processing_identifier_lookup"
	StatusProcessingContentExtract   Status = "processing_content_extract"
	StatusProcessingLLMExtract       Status = "processing_llm_extract"
	StatusAwaitingSelection          Status = "awaiting_selection"
	StatusAwaitingMetadata           Status = "awaiting_metadata"
	StatusStored                     Status = "stored"
	StatusStoredIncomplete           Status = "stored_incomplete"
	StatusStoredCustom               Status = "stored_custom"
	StatusExhausted                  Status = "exhausted"
	StatusIgnored                    Status = "ignored"
	StatusArchived                   Status = "archived"
)

// AllStatuses lists every status, used by the transition-graph validator.
var AllStatuses = []Status{
	StatusNotStarted,
	StatusProcessingPaperLookup,
	StatusProcessingIdentifierLookup,
	StatusProcessingContentExtract,
	StatusProcessingLLMExtract,
	StatusAwaitingSelection,
	StatusAwaitingMetadata,
	StatusStored,
	StatusStoredIncomplete,
	StatusStoredCustom,
	StatusExhausted,
	StatusIgnored,
	StatusArchived,
}

// IsProcessing reports whether the status marks an in-flight stage.
func (s Status) IsProcessing() bool {
	switch s {
	case StatusProcessingPaperLookup, StatusProcessingIdentifierLookup,
		StatusProcessingContentExtract, StatusProcessingLLMExtract:
		return true
	}
	return false
}

// IsStored reports whether the status means a linked item exists.
func (s Status) IsStored() bool {
	switch s {
	case StatusStored, StatusStoredIncomplete, StatusStoredCustom:
		return true
	}
	return false
}

// IsTerminal reports whether automatic processing stops at this status.
// stored_incomplete and exhausted still admit manual retry actions, but
// exhausted is terminal for the cascade itself.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusStored, StatusStoredCustom, StatusExhausted, StatusIgnored, StatusArchived:
		return true
	}
	return false
}

// IsAwaiting reports whether the record is parked for human input.
func (s Status) IsAwaiting() bool {
	return s == StatusAwaitingSelection || s == StatusAwaitingMetadata
}

// UserIntent is the user's standing instruction for a record.
type UserIntent string

const (
	IntentAuto       UserIntent = "auto"
	IntentIgnore     UserIntent = "ignore"
	IntentPriority   UserIntent = "priority"
	IntentManualOnly UserIntent = "manual_only"
	IntentArchive    UserIntent = "archive"
)

// Citation validation statuses persisted on the record.
const (
	ValidationValid      = "valid"
	ValidationIncomplete = "incomplete"
)

// ProcessingRecord is the snapshot of one enrichable source URL. The
// persistence layer owns it; the processing core reads a snapshot and writes
// back only through explicit RecordStore calls.
type ProcessingRecord struct {
	ID                  string              `json:"id"`
	URL                 string              `json:"url"`
	Status              Status              `json:"status"`
	UserIntent          UserIntent          `json:"user_intent"`
	AttemptCount        int                 `json:"attempt_count"`
	History             []ProcessingAttempt `json:"history"`
	LinkedItemKey       string              `json:"linked_item_key,omitempty"`
	CreatedByThisSystem bool                `json:"created_by_this_system"`
	ExternallyModified  bool                `json:"externally_modified"`
	LinkedRecordCount   int                 `json:"linked_record_count"`

	// Identifiers extracted at registration or by the content stage.
	DOI     string `json:"doi,omitempty"`
	ArxivID string `json:"arxiv_id,omitempty"`
	ISBN    string `json:"isbn,omitempty"`

	// RawContent caches fetched page content for the LLM fallback stage.
	RawContent string `json:"raw_content,omitempty"`

	CitationValidationStatus  string   `json:"citation_validation_status,omitempty"`
	CitationValidationDetails []string `json:"citation_validation_details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasIdentifier reports whether any lookup identifier is present.
func (r ProcessingRecord) HasIdentifier() bool {
	return r.DOI != "" || r.ArxivID != "" || r.ISBN != ""
}
