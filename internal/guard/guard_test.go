package guard

import (
	"reflect"
	"testing"

	"citation-linker/internal/models"
)

func TestCanProcess(t *testing.T) {
	tests := []struct {
		name string
		rec  models.ProcessingRecord
		want bool
	}{
		{"fresh record", models.ProcessingRecord{Status: models.StatusNotStarted, UserIntent: models.IntentAuto}, true},
		{"ignore intent", models.ProcessingRecord{Status: models.StatusNotStarted, UserIntent: models.IntentIgnore}, false},
		{"archive intent", models.ProcessingRecord{Status: models.StatusNotStarted, UserIntent: models.IntentArchive}, false},
		{"already in flight", models.ProcessingRecord{Status: models.StatusProcessingContentExtract, UserIntent: models.IntentAuto}, false},
		{"stored", models.ProcessingRecord{Status: models.StatusStored, UserIntent: models.IntentAuto}, false},
		{"stored custom", models.ProcessingRecord{Status: models.StatusStoredCustom, UserIntent: models.IntentAuto}, false},
		{"stored incomplete retryable", models.ProcessingRecord{Status: models.StatusStoredIncomplete, UserIntent: models.IntentAuto}, true},
		{"exhausted retryable", models.ProcessingRecord{Status: models.StatusExhausted, UserIntent: models.IntentAuto}, true},
		{"manual_only still processable directly", models.ProcessingRecord{Status: models.StatusNotStarted, UserIntent: models.IntentManualOnly}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanProcess(tt.rec); got != tt.want {
				t.Fatalf("CanProcess = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestCanDeleteLinkedItem(t *testing.T) {
	base := models.ProcessingRecord{
		Status:              models.StatusStored,
		LinkedItemKey:       "ABCD1234",
		CreatedByThisSystem: true,
		LinkedRecordCount:   1,
	}

	if !CanDeleteLinkedItem(base) {
		t.Fatal("own, unmodified, singly-linked item should be deletable")
	}

	shared := base
	shared.LinkedRecordCount = 2
	if CanDeleteLinkedItem(shared) {
		t.Fatal("item shared by another record must not be deletable")
	}

	foreign := base
	foreign.CreatedByThisSystem = false
	if CanDeleteLinkedItem(foreign) {
		t.Fatal("item we did not create must not be deletable")
	}

	modified := base
	modified.ExternallyModified = true
	if CanDeleteLinkedItem(modified) {
		t.Fatal("externally modified item must not be deletable")
	}

	unlinked := base
	unlinked.LinkedItemKey = ""
	if CanDeleteLinkedItem(unlinked) {
		t.Fatal("no item, nothing to delete")
	}
}

func TestCanArchiveRequiresNoLink(t *testing.T) {
	rec := models.ProcessingRecord{Status: models.StatusStored, LinkedItemKey: "K1"}
	if CanArchive(rec) {
		t.Fatal("linked record must be unlinked before archiving")
	}
	rec.LinkedItemKey = ""
	rec.Status = models.StatusExhausted
	if !CanArchive(rec) {
		t.Fatal("unlinked exhausted record should be archivable")
	}
}

func TestCanResetRefusedMidStage(t *testing.T) {
	rec := models.ProcessingRecord{Status: models.StatusProcessingLLMExtract}
	if CanReset(rec) {
		t.Fatal("reset must be refused while a stage is in flight")
	}
	rec.Status = models.StatusExhausted
	if !CanReset(rec) {
		t.Fatal("exhausted record should be resettable")
	}
}

func TestAvailableActionsSorted(t *testing.T) {
	rec := models.ProcessingRecord{
		Status:     models.StatusNotStarted,
		UserIntent: models.IntentAuto,
	}
	got := AvailableActions(rec)
	want := []string{ActionArchive, ActionIgnore, ActionProcess, ActionReset}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
}
