package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/domain/artifact"
	"github.com/dispatchd/dispatchd/internal/service"
)

const goodBody = "A body with enough substance to pass the content-validation gate easily."

func TestUpsertInsertsThenUpdatesInPlace(t *testing.T) {
	store := newMockArtifactStore()
	tr := &mockTracker{key: "PROJ-7"}
	svc := service.NewArtifactService(store, tr, 0, testLogger())

	res := svc.Upsert(context.Background(), "t1", artifact.CategoryImplementation, "Implementation Plan", goodBody)
	if !res.OK {
		t.Fatalf("first upsert failed: %+v", res)
	}
	firstID := res.ID

	res = svc.Upsert(context.Background(), "t1", artifact.CategoryImplementation, "Plan for PROJ-7", goodBody+" Revised.")
	if !res.OK {
		t.Fatalf("second upsert failed: %+v", res)
	}
	if res.ID != firstID {
		t.Fatalf("expected update in place of %d, got new id %d", firstID, res.ID)
	}

	rows, _ := store.FindByCanonicalIdentity(context.Background(), "t1", artifact.CategoryImplementation, artifact.TypePlan)
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0].Title != "Plan: PROJ-7" {
		t.Errorf("title = %q, want canonical %q", rows[0].Title, "Plan: PROJ-7")
	}
	if !strings.HasSuffix(rows[0].Body, "Revised.") {
		t.Errorf("body not updated: %q", rows[0].Body)
	}
}

func TestUpsertRejectsWithoutStoreAccess(t *testing.T) {
	store := newMockArtifactStore()
	svc := service.NewArtifactService(store, &mockTracker{}, 0, testLogger())

	for _, body := range []string{"", "(none)", "n/a", "too short"} {
		res := svc.Upsert(context.Background(), "t1", artifact.CategoryQA, "Review", body)
		if !res.Rejected {
			t.Errorf("body %q: expected rejection, got %+v", body, res)
		}
		if !errors.Is(res.Err, domain.ErrValidation) {
			t.Errorf("body %q: err = %v, want ErrValidation", body, res.Err)
		}
	}
	if len(store.calls) != 0 {
		t.Errorf("store touched on rejected upsert: %v", store.calls)
	}
}

func TestUpsertUnrecognizedTitleMatchesExactly(t *testing.T) {
	store := newMockArtifactStore()
	svc := service.NewArtifactService(store, &mockTracker{key: "PROJ-7"}, 0, testLogger())

	res := svc.Upsert(context.Background(), "t1", artifact.CategoryOther, "Meeting Notes", goodBody)
	if !res.OK {
		t.Fatalf("upsert failed: %+v", res)
	}
	res2 := svc.Upsert(context.Background(), "t1", artifact.CategoryOther, "Meeting Notes", goodBody)
	if !res2.OK || res2.ID != res.ID {
		t.Fatalf("exact-title re-upsert: got %+v, want update of %d", res2, res.ID)
	}
	// A different raw title is a different document when no type is
	// recognizable.
	res3 := svc.Upsert(context.Background(), "t1", artifact.CategoryOther, "Other Notes", goodBody)
	if !res3.OK || res3.ID == res.ID {
		t.Fatalf("distinct title should insert: got %+v", res3)
	}
}

func TestUpsertGarbageCollectsPlaceholders(t *testing.T) {
	store := newMockArtifactStore()
	staleID := store.seed(artifact.Artifact{
		TicketID:      "t1",
		Category:      artifact.CategoryImplementation,
		Title:         "Worklog: PROJ-7",
		CanonicalType: artifact.TypeWorklog,
		Body:          "(none)",
	})
	svc := service.NewArtifactService(store, &mockTracker{key: "PROJ-7"}, 0, testLogger())

	res := svc.Upsert(context.Background(), "t1", artifact.CategoryImplementation, "Worklog", goodBody)
	if !res.OK {
		t.Fatalf("upsert failed: %+v", res)
	}
	if res.ID == staleID {
		t.Fatalf("placeholder row should have been collected, not updated")
	}
	store.mu.Lock()
	_, exists := store.rows[staleID]
	store.mu.Unlock()
	if exists {
		t.Errorf("stale placeholder row %d survived", staleID)
	}
}

func TestUpsertConflictFallsBackToUpdate(t *testing.T) {
	store := newMockArtifactStore()
	store.conflicts = 1
	// The row the concurrent writer inserts while our insert is in flight,
	// discoverable by exact title on the re-query.
	store.conflictSeed = &artifact.Artifact{
		TicketID: "t1",
		Category: artifact.CategoryOther,
		Title:    "Meeting Notes",
		Body:     goodBody + " From the racing writer.",
	}
	svc := service.NewArtifactService(store, &mockTracker{}, 0, testLogger())

	res := svc.Upsert(context.Background(), "t1", artifact.CategoryOther, "Meeting Notes", goodBody)
	if !res.OK {
		t.Fatalf("conflict fallback failed: %+v", res)
	}
	if res.ID != store.lastConflictID {
		t.Errorf("updated id = %d, want the racing writer's row %d", res.ID, store.lastConflictID)
	}
	store.mu.Lock()
	body := store.rows[store.lastConflictID].Body
	store.mu.Unlock()
	if body != goodBody {
		t.Errorf("winner row body not overwritten: %q", body)
	}
}

func TestUpsertConflictWithEmptyRequeryReturnsConflict(t *testing.T) {
	store := newMockArtifactStore()
	store.conflicts = 1
	svc := service.NewArtifactService(store, &mockTracker{}, 0, testLogger())

	res := svc.Upsert(context.Background(), "t1", artifact.CategoryOther, "Meeting Notes", goodBody)
	if res.OK {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !errors.Is(res.Err, domain.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", res.Err)
	}
}

func TestUpsertFallbackKeyWhenTrackerFails(t *testing.T) {
	store := newMockArtifactStore()
	tr := &mockTracker{getErr: errors.New("tracker down")}
	svc := service.NewArtifactService(store, tr, 0, testLogger())

	res := svc.Upsert(context.Background(), "t1", artifact.CategoryImplementation, "Plan for #4711", goodBody)
	if !res.OK {
		t.Fatalf("upsert failed: %+v", res)
	}
	store.mu.Lock()
	title := store.rows[res.ID].Title
	store.mu.Unlock()
	if title != "Plan: #4711" {
		t.Errorf("title = %q, want fallback key from the raw title", title)
	}
}
