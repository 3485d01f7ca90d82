package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/engine/guard"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ensureRequestTransition is the single legality table for request status
// changes. Everything not listed is illegal.
func ensureRequestTransition(from, to string) error {
	switch from {
	case "submitted":
		if to == "queued" || to == "rejected" {
			return nil
		}
	case "queued":
		if to == "generating" || to == "rejected" {
			return nil
		}
	case "generating":
		if to == "safety_review" || to == "queued" || to == "failed" || to == "submitted" {
			return nil
		}
	case "safety_review":
		if to == "wild_west" || to == "rejected" {
			return nil
		}
	case "wild_west":
		if to == "promotion_pending" || to == "retired" {
			return nil
		}
	case "promotion_pending":
		if to == "promoted" || to == "retired" {
			return nil
		}
	}
	return InvalidStateError{Kind: "request", Status: from, Op: "transition", Reason: fmt.Sprintf("%s -> %s is not a pipeline transition", from, to)}
}

func terminalRequestStatus(status string) bool {
	switch status {
	case "rejected", "failed", "promoted", "retired":
		return true
	}
	return false
}

// fetchRequestExpecting re-reads the request inside the transaction and
// checks it still holds one of the expected states. A mismatch is a
// conflict, never silently applied.
func (e Engine) fetchRequestExpecting(ctx context.Context, tx *sql.Tx, id string, expect ...string) (domain.AppRequest, error) {
	a, err := e.Repo.GetAppRequestTx(ctx, tx, id)
	if err != nil {
		return a, err
	}
	for _, s := range expect {
		if a.Status == s {
			return a, nil
		}
	}
	return a, ConflictError{RequestID: id, Reason: fmt.Sprintf("expected status %s, found %s", strings.Join(expect, " or "), a.Status)}
}

// SubmitOptions are parameters for submitting an app request.
type SubmitOptions struct {
	ActorID     string
	Tier        string
	Title       string
	Description string
	Category    string
}

func (e Engine) SubmitRequest(ctx context.Context, opts SubmitOptions) (domain.AppRequest, error) {
	if e.Config == nil {
		return domain.AppRequest{}, errors.New("config not loaded")
	}
	if err := guard.Allow(opts.Tier, "submit"); err != nil {
		return domain.AppRequest{}, err
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.AppRequest{}, errors.New("title is required")
	}
	if len(opts.Title) > 200 {
		return domain.AppRequest{}, errors.New("title exceeds 200 characters")
	}
	if len(opts.Description) > 10000 {
		return domain.AppRequest{}, errors.New("description exceeds 10000 characters")
	}
	if opts.ActorID == "" {
		return domain.AppRequest{}, errors.New("actor required")
	}
	if !e.Config.ValidCategory(opts.Category) {
		return domain.AppRequest{}, fmt.Errorf("unknown category %s", opts.Category)
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.AppRequest{
		ID:          uuid.New().String(),
		Title:       opts.Title,
		Description: opts.Description,
		Category:    opts.Category,
		RequesterID: opts.ActorID,
		Status:      "submitted",
		Attempts:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAppRequest(ctx, tx, a); err != nil {
		return domain.AppRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request_submitted", "request", a.ID, opts.ActorID, events.EventPayload{
		"title":    a.Title,
		"category": a.Category,
	}); err != nil {
		return domain.AppRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AppRequest{}, err
	}
	return a, nil
}

// EnqueueRequest moves submitted -> queued. The requester may enqueue their
// own submission; anyone else needs approve capability.
func (e Engine) EnqueueRequest(ctx context.Context, actorID, tier, requestID string) (domain.AppRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppRequest{}, err
	}
	defer tx.Rollback()

	a, err := e.fetchRequestExpecting(ctx, tx, requestID, "submitted")
	if err != nil {
		return a, err
	}
	if actorID == a.RequesterID {
		if err := guard.Allow(tier, "submit"); err != nil {
			return a, err
		}
	} else if err := guard.Allow(tier, "approve"); err != nil {
		return a, err
	}
	if err := ensureRequestTransition(a.Status, "queued"); err != nil {
		return a, err
	}
	a.Status = "queued"
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "request_enqueued", "request", a.ID, actorID, events.EventPayload{}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// ApproveRequest is the moderator fast track for submitted -> queued.
func (e Engine) ApproveRequest(ctx context.Context, actorID, tier, requestID string) (domain.AppRequest, error) {
	if err := guard.Allow(tier, "approve"); err != nil {
		return domain.AppRequest{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppRequest{}, err
	}
	defer tx.Rollback()

	a, err := e.fetchRequestExpecting(ctx, tx, requestID, "submitted")
	if err != nil {
		return a, err
	}
	if err := ensureRequestTransition(a.Status, "queued"); err != nil {
		return a, err
	}
	a.Status = "queued"
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "request_approved", "request", a.ID, actorID, events.EventPayload{}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// RejectRequest terminates a submitted or queued request with a moderator
// reason. Repeating a reject on an already rejected request returns the
// terminal status unchanged. A generating request must be cancelled first.
func (e Engine) RejectRequest(ctx context.Context, actorID, tier, requestID, reason string) (domain.AppRequest, error) {
	if err := guard.Allow(tier, "reject"); err != nil {
		return domain.AppRequest{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppRequest{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAppRequestTx(ctx, tx, requestID)
	if err != nil {
		return a, err
	}
	if a.Status == "rejected" {
		return a, nil
	}
	if a.Status == "generating" {
		return a, ConflictError{RequestID: a.ID, Reason: "generation in flight; cancel the job first"}
	}
	if terminalRequestStatus(a.Status) {
		return a, InvalidStateError{Kind: "request", ID: a.ID, Status: a.Status, Op: "reject"}
	}
	if err := ensureRequestTransition(a.Status, "rejected"); err != nil {
		return a, err
	}
	a.Status = "rejected"
	a.RejectionReason = optionalString(reason)
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "request_rejected", "request", a.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
