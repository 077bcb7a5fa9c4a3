// Package service implements the orchestration use cases: launching and
// cancelling runs, dispatching advancement slices to providers, streaming
// events to observers, and reconciling generated artifacts.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/domain/artifact"
	"github.com/dispatchd/dispatchd/internal/port/artifactstore"
	"github.com/dispatchd/dispatchd/internal/port/tracker"
)

// UpsertResult is the structured outcome of an artifact write. Expected
// failures are reported here rather than raised, so provider adapters can
// log-and-continue instead of aborting a whole advancement slice over one
// artifact.
type UpsertResult struct {
	OK       bool
	Rejected bool // failed the content-validation gate; no store access happened
	ID       int64
	Err      error
}

// ArtifactService is the upsert/dedup engine. Repeated writes of the same
// logical artifact update in place; the store offers no application-level
// locking, so every multi-step path is safe under interleaving via
// re-checks rather than locks.
type ArtifactService struct {
	store      artifactstore.Store
	tracker    tracker.Tracker
	minBodyLen int
	log        *slog.Logger
}

// NewArtifactService creates the upsert engine. minBodyLen <= 0 uses the
// domain default.
func NewArtifactService(store artifactstore.Store, tr tracker.Tracker, minBodyLen int, log *slog.Logger) *ArtifactService {
	if minBodyLen <= 0 {
		minBodyLen = artifact.DefaultMinBodyLen
	}
	return &ArtifactService{store: store, tracker: tr, minBodyLen: minBodyLen, log: log}
}

// Upsert writes a generated document idempotently:
//
//  1. Reject placeholder/empty bodies before any store access.
//  2. Derive canonical identity from the title; when a type is recognized,
//     look up by (ticket, category, type) so historical title drift still
//     merges. Otherwise fall back to exact-title lookup.
//  3. Garbage-collect matches whose current content fails the same gate.
//  4. Update the most recently created surviving row, or insert; a lost
//     insert race resolves by re-querying and updating instead.
func (s *ArtifactService) Upsert(ctx context.Context, ticketID string, cat artifact.Category, title, body string) UpsertResult {
	if !artifact.ValidBody(body, s.minBodyLen) {
		return UpsertResult{Rejected: true, Err: domain.ErrValidation}
	}

	typ := artifact.TypeFromTitle(title)
	writeTitle := title

	var matches []artifact.Artifact
	var err error
	if typ != "" {
		writeTitle = artifact.CanonicalTitle(typ, s.ticketKey(ctx, ticketID, title))
		matches, err = s.store.FindByCanonicalIdentity(ctx, ticketID, cat, typ)
	} else {
		matches, err = s.store.FindByExactTitle(ctx, ticketID, cat, title)
	}
	if err != nil {
		return UpsertResult{Err: err}
	}

	live, stale := partition(matches, s.minBodyLen)
	if len(stale) > 0 {
		if err := s.store.DeleteMany(ctx, stale); err != nil {
			// GC is opportunistic; a failed delete does not block the write.
			s.log.Warn("artifact gc failed", "ticket_id", ticketID, "error", err)
		}
	}

	if len(live) > 0 {
		// Newest first; update the most recently created row in place.
		target := live[0]
		if err := s.store.Update(ctx, target.ID, writeTitle, typ, body); err != nil {
			return UpsertResult{Err: err}
		}
		return UpsertResult{OK: true, ID: target.ID}
	}

	a := &artifact.Artifact{
		TicketID:      ticketID,
		Category:      cat,
		Title:         writeTitle,
		CanonicalType: typ,
		Body:          body,
	}
	err = s.store.Insert(ctx, a)
	if err == nil {
		return UpsertResult{OK: true, ID: a.ID}
	}
	if !errors.Is(err, domain.ErrConflict) {
		return UpsertResult{Err: err}
	}

	// A concurrent writer won the insert race. Re-query by exact title and
	// update the now-existing row; the overall operation stays idempotent
	// without a transaction spanning the lookup and the write.
	existing, qerr := s.store.FindByExactTitle(ctx, ticketID, cat, writeTitle)
	if qerr != nil {
		return UpsertResult{Err: qerr}
	}
	if len(existing) == 0 {
		// Raced with a delete as well; give up with the original conflict.
		return UpsertResult{Err: err}
	}
	if uerr := s.store.Update(ctx, existing[0].ID, writeTitle, typ, body); uerr != nil {
		return UpsertResult{Err: uerr}
	}
	return UpsertResult{OK: true, ID: existing[0].ID}
}

// ticketKey resolves the ticket's display key for canonical titles,
// falling back to a numeric identifier scraped from the raw title when the
// tracker is unavailable.
func (s *ArtifactService) ticketKey(ctx context.Context, ticketID, rawTitle string) string {
	if s.tracker != nil {
		if t, err := s.tracker.Get(ctx, ticketID); err == nil && t.Key != "" {
			return t.Key
		}
	}
	if key := artifact.FallbackKey(rawTitle); key != "" {
		return key
	}
	return ticketID
}

// partition splits matches into surviving ids (valid content, newest
// first) and stale ids to garbage-collect.
func partition(matches []artifact.Artifact, minBodyLen int) (live []artifact.Artifact, stale []int64) {
	for _, m := range matches {
		if artifact.ValidBody(m.Body, minBodyLen) {
			live = append(live, m)
		} else {
			stale = append(stale, m.ID)
		}
	}
	return live, stale
}
