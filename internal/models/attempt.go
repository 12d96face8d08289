package models

import "time"

// Stage identifies one external lookup/extraction procedure in the cascade.
type Stage string

const (
	StagePaperLookup      Stage = "paper_lookup"
	StageIdentifierLookup Stage = "identifier_lookup"
	StageContentExtract   Stage = "content_extract"
	StageLLMExtract       Stage = "llm_extract"
)

// StageOrder is the fixed cascade priority: scholarly-paper API first, then
// the reference-manager translator, then raw content extraction, then the
// LLM fallback.
var StageOrder = []Stage{
	StagePaperLookup,
	StageIdentifierLookup,
	StageContentExtract,
	StageLLMExtract,
}

// ProcessingStatus maps a stage to its in-flight record status.
func (s Stage) ProcessingStatus() Status {
	switch s {
	case StagePaperLookup:
		return StatusProcessingPaperLookup
	case StageIdentifierLookup:
		return StatusProcessingIdentifierLookup
	case StageContentExtract:
		return StatusProcessingContentExtract
	case StageLLMExtract:
		return StatusProcessingLLMExtract
	default:
		return ""
	}
}

// ProcessingAttempt is an immutable log entry describing one stage execution.
// Entries are appended to a record's history and never edited; only an
// explicit reset clears them.
type ProcessingAttempt struct {
	Timestamp  time.Time         `json:"timestamp"`
	Stage      Stage             `json:"stage"`
	Method     string            `json:"method"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
