// Package engine implements the application-review operations: stage
// transitions, permission resolution, notes, and documents. All
// authorization goes through the stage resolver so the API, CLI, and
// tests share one source of truth for who may do what.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

var (
	// ErrVersionConflict means the application changed since the caller
	// read it. Callers retry with a fresh read.
	ErrVersionConflict = errors.New("application was modified concurrently")

	// ErrHireFlowRequired means the transition out of the offer stage
	// needs the hire flow, which carries contract data this service
	// does not manage.
	ErrHireFlowRequired = errors.New("hiring from offer requires the hire flow")

	// ErrReasonRequired means a denial was attempted without a reason.
	ErrReasonRequired = errors.New("a rejection reason is required")
)

// ValidationError carries a field-level input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// Logf receives best-effort failures that are reported but not
	// returned. Defaults to the standard logger.
	Logf func(format string, args ...any)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (e *Engine) orgID() string {
	if e.Config != nil {
		return e.Config.Org.ID
	}
	return ""
}

func (e *Engine) noteVisibility() string {
	if e.Config != nil && e.Config.Notes.Visibility != "" {
		return e.Config.Notes.Visibility
	}
	return "shared"
}

// actorContext resolves the actor's roles and viewer flags for one
// application. With no roles configured the server runs open and every
// actor gets admin flags.
func (e *Engine) actorContext(ctx context.Context, actorID string, app domain.Application) (stage.Viewer, []string, error) {
	defined, err := e.Repo.RolesDefined(ctx)
	if err != nil {
		return stage.Viewer{}, nil, err
	}
	if !defined {
		return stage.Viewer{IsAdmin: true}, []string{auth.RolePlatformAdmin}, nil
	}
	roles, err := e.Repo.ActorRoles(ctx, app.OrgID, actorID)
	if err != nil {
		return stage.Viewer{}, nil, err
	}
	return auth.ViewerFor(actorID, roles, app.CandidateRecruiterID), roles, nil
}

type SubmitInput struct {
	CandidateID          string
	JobID                string
	CandidateRecruiterID *string
	AIReviewScore        *int
}

// Submit registers a new application at the submitted stage.
func (e *Engine) Submit(ctx context.Context, actorID string, in SubmitInput) (domain.Application, error) {
	if strings.TrimSpace(in.CandidateID) == "" {
		return domain.Application{}, &ValidationError{Field: "candidate_id", Message: "is required"}
	}
	if strings.TrimSpace(in.JobID) == "" {
		return domain.Application{}, &ValidationError{Field: "job_id", Message: "is required"}
	}
	if in.AIReviewScore != nil && (*in.AIReviewScore < 0 || *in.AIReviewScore > 100) {
		return domain.Application{}, &ValidationError{Field: "ai_review_score", Message: "must be between 0 and 100"}
	}
	now := e.nowRFC3339()
	app := domain.Application{
		ID:                   uuid.NewString(),
		OrgID:                e.orgID(),
		CandidateID:          in.CandidateID,
		JobID:                in.JobID,
		Stage:                string(stage.Submitted),
		Version:              1,
		CandidateRecruiterID: in.CandidateRecruiterID,
		AIReviewScore:        in.AIReviewScore,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApplication(ctx, tx, app); err != nil {
		return domain.Application{}, err
	}
	payload := events.EventPayload{"candidate_id": app.CandidateID, "job_id": app.JobID}
	if app.CandidateRecruiterID != nil {
		payload["candidate_recruiter_id"] = *app.CandidateRecruiterID
	}
	if err := e.Events.Append(ctx, tx, "application.submitted", app.OrgID, "application", app.ID, actorID, payload); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	return app, nil
}

// PermissionsFor resolves what the actor may do to the application in
// its current stage.
func (e *Engine) PermissionsFor(ctx context.Context, actorID, applicationID string) (stage.Permissions, domain.Application, error) {
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return stage.Permissions{}, domain.Application{}, err
	}
	viewer, _, err := e.actorContext(ctx, actorID, app)
	if err != nil {
		return stage.Permissions{}, domain.Application{}, err
	}
	return stage.Resolve(stage.Parse(app.Stage), viewer), app, nil
}

// ApproveOptions tune a stage approval.
type ApproveOptions struct {
	// Note is attached after the transition commits. Its failure does
	// not undo the transition.
	Note string

	// MoveToOffer fast-tracks company review straight to offer.
	MoveToOffer bool

	// ExpectedVersion, when non-nil, must match the stored version or
	// the call fails with ErrVersionConflict.
	ExpectedVersion *int64

	// Documents are attached after the transition commits, same policy
	// as Note.
	Documents []DocumentInput
}

type DocumentInput struct {
	Name        string
	ContentType string
	SizeBytes   int64
}

// Approve advances the application along the gate graph.
func (e *Engine) Approve(ctx context.Context, actorID, applicationID string, opts ApproveOptions) (domain.Application, error) {
	app, viewer, roles, err := e.loadForAction(ctx, actorID, applicationID, opts.ExpectedVersion)
	if err != nil {
		return domain.Application{}, err
	}
	cur := stage.Parse(app.Stage)
	perms := stage.Resolve(cur, viewer)
	if !perms.CanApprove {
		return domain.Application{}, &auth.ForbiddenError{ActorID: actorID, Action: "approve", Stage: cur}
	}
	next, ok := stage.NextOnApprove(cur, opts.MoveToOffer)
	if !ok {
		if cur == stage.Offer {
			return domain.Application{}, ErrHireFlowRequired
		}
		return domain.Application{}, &auth.ForbiddenError{ActorID: actorID, Action: "approve", Stage: cur}
	}

	now := e.nowRFC3339()
	prev := app.Version
	app.Stage = string(next)
	app.Version++
	app.UpdatedAt = now
	if cur == stage.Submitted && (viewer.IsCompanyUser || viewer.IsAdmin) && !app.AcceptedByCompany {
		app.AcceptedByCompany = true
		acceptedAt := now
		app.AcceptedAt = &acceptedAt
	}

	payload := events.EventPayload{"from": string(cur), "to": string(next)}
	if opts.MoveToOffer && cur == stage.CompanyReview {
		payload["fast_track"] = true
	}
	if err := e.commitTransition(ctx, app, prev, actorID, "stage.approved", payload); err != nil {
		return domain.Application{}, err
	}

	e.attachNote(ctx, app, actorID, roles, opts.Note, nil)
	for _, doc := range opts.Documents {
		e.attachDocumentBestEffort(ctx, app, actorID, doc)
	}
	return app, nil
}

// DenyOptions tune a denial.
type DenyOptions struct {
	ExpectedVersion *int64
}

// Deny moves the application to rejected. The reason is mandatory and
// is preserved both on the application row and as a note.
func (e *Engine) Deny(ctx context.Context, actorID, applicationID, reason string, opts DenyOptions) (domain.Application, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Application{}, ErrReasonRequired
	}
	app, viewer, roles, err := e.loadForAction(ctx, actorID, applicationID, opts.ExpectedVersion)
	if err != nil {
		return domain.Application{}, err
	}
	cur := stage.Parse(app.Stage)
	perms := stage.Resolve(cur, viewer)
	if !perms.CanReject {
		return domain.Application{}, &auth.ForbiddenError{ActorID: actorID, Action: "deny", Stage: cur}
	}

	prev := app.Version
	app.Stage = string(stage.Rejected)
	app.Version++
	app.DeclineReason = &reason
	app.UpdatedAt = e.nowRFC3339()

	payload := events.EventPayload{"from": string(cur), "reason": reason}
	if err := e.commitTransition(ctx, app, prev, actorID, "stage.denied", payload); err != nil {
		return domain.Application{}, err
	}

	e.attachNote(ctx, app, actorID, roles, "Rejection reason: "+reason, nil)
	return app, nil
}

// ChangeOptions tune a request-changes call.
type ChangeOptions struct {
	Note            string
	ExpectedVersion *int64
}

// RequestChanges sends the application back to the recruiter for rework.
// The note explaining what to change is mandatory.
func (e *Engine) RequestChanges(ctx context.Context, actorID, applicationID string, opts ChangeOptions) (domain.Application, error) {
	if strings.TrimSpace(opts.Note) == "" {
		return domain.Application{}, ErrReasonRequired
	}
	app, viewer, roles, err := e.loadForAction(ctx, actorID, applicationID, opts.ExpectedVersion)
	if err != nil {
		return domain.Application{}, err
	}
	cur := stage.Parse(app.Stage)
	perms := stage.Resolve(cur, viewer)
	if !perms.CanRequestChanges {
		return domain.Application{}, &auth.ForbiddenError{ActorID: actorID, Action: "request changes", Stage: cur}
	}

	prev := app.Version
	app.Stage = string(stage.RecruiterRequest)
	app.Version++
	app.UpdatedAt = e.nowRFC3339()

	payload := events.EventPayload{"from": string(cur), "to": string(stage.RecruiterRequest)}
	if err := e.commitTransition(ctx, app, prev, actorID, "stage.changes_requested", payload); err != nil {
		return domain.Application{}, err
	}

	e.attachNote(ctx, app, actorID, roles, opts.Note, nil)
	return app, nil
}

// RequestPrescreen routes a freshly submitted application into the
// recruiter's screening track instead of the company accept path.
func (e *Engine) RequestPrescreen(ctx context.Context, actorID, applicationID string, opts ChangeOptions) (domain.Application, error) {
	app, viewer, roles, err := e.loadForAction(ctx, actorID, applicationID, opts.ExpectedVersion)
	if err != nil {
		return domain.Application{}, err
	}
	cur := stage.Parse(app.Stage)
	perms := stage.Resolve(cur, viewer)
	if !perms.CanRequestPrescreen {
		return domain.Application{}, &auth.ForbiddenError{ActorID: actorID, Action: "request prescreen", Stage: cur}
	}

	prev := app.Version
	app.Stage = string(stage.Screen)
	app.Version++
	app.UpdatedAt = e.nowRFC3339()

	payload := events.EventPayload{"from": string(cur), "to": string(stage.Screen)}
	if err := e.commitTransition(ctx, app, prev, actorID, "stage.prescreen_requested", payload); err != nil {
		return domain.Application{}, err
	}

	e.attachNote(ctx, app, actorID, roles, opts.Note, nil)
	return app, nil
}

// AddNote creates a general note on an application. Unlike transition
// notes this is a primary operation: failures are returned.
func (e *Engine) AddNote(ctx context.Context, actorID, applicationID, text string, inResponseTo *string) (domain.Note, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Note{}, &ValidationError{Field: "message_text", Message: "is required"}
	}
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.Note{}, err
	}
	viewer, roles, err := e.actorContext(ctx, actorID, app)
	if err != nil {
		return domain.Note{}, err
	}
	perms := stage.Resolve(stage.Parse(app.Stage), viewer)
	if !perms.CanAddNote {
		return domain.Note{}, &auth.ForbiddenError{ActorID: actorID, Action: "add a note", Stage: stage.Parse(app.Stage)}
	}
	if inResponseTo != nil {
		parent, err := e.Repo.GetNote(ctx, *inResponseTo)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Note{}, &ValidationError{Field: "in_response_to_id", Message: "no such note"}
			}
			return domain.Note{}, err
		}
		if parent.ApplicationID != applicationID {
			return domain.Note{}, &ValidationError{Field: "in_response_to_id", Message: "note belongs to a different application"}
		}
	}
	n := domain.Note{
		ID:             uuid.NewString(),
		ApplicationID:  applicationID,
		CreatedByID:    actorID,
		CreatedByType:  auth.NoteAuthorType(roles),
		NoteType:       "general",
		Visibility:     e.noteVisibility(),
		MessageText:    text,
		InResponseToID: inResponseTo,
		CreatedAt:      e.nowRFC3339(),
	}
	if err := e.Repo.InsertNote(ctx, n); err != nil {
		return domain.Note{}, err
	}
	e.appendStandaloneEvent(ctx, "note.created", app, actorID, events.EventPayload{"note_id": n.ID})
	return n, nil
}

// AttachDocument records a document on an application as a primary
// operation.
func (e *Engine) AttachDocument(ctx context.Context, actorID, applicationID string, in DocumentInput) (domain.Document, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.Document{}, &ValidationError{Field: "name", Message: "is required"}
	}
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.Document{}, err
	}
	viewer, _, err := e.actorContext(ctx, actorID, app)
	if err != nil {
		return domain.Document{}, err
	}
	perms := stage.Resolve(stage.Parse(app.Stage), viewer)
	if !perms.CanAddNote {
		return domain.Document{}, &auth.ForbiddenError{ActorID: actorID, Action: "attach a document", Stage: stage.Parse(app.Stage)}
	}
	d := domain.Document{
		ID:            uuid.NewString(),
		ApplicationID: applicationID,
		Name:          in.Name,
		ContentType:   in.ContentType,
		SizeBytes:     in.SizeBytes,
		UploadedBy:    actorID,
		CreatedAt:     e.nowRFC3339(),
	}
	if err := e.Repo.InsertDocument(ctx, d); err != nil {
		return domain.Document{}, err
	}
	e.appendStandaloneEvent(ctx, "document.attached", app, actorID, events.EventPayload{"document_id": d.ID, "name": d.Name})
	return d, nil
}

// loadForAction fetches the application and resolves the actor, failing
// early on a stale expected version.
func (e *Engine) loadForAction(ctx context.Context, actorID, applicationID string, expected *int64) (domain.Application, stage.Viewer, []string, error) {
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.Application{}, stage.Viewer{}, nil, err
	}
	if expected != nil && *expected != app.Version {
		return domain.Application{}, stage.Viewer{}, nil, ErrVersionConflict
	}
	viewer, roles, err := e.actorContext(ctx, actorID, app)
	if err != nil {
		return domain.Application{}, stage.Viewer{}, nil, err
	}
	return app, viewer, roles, nil
}

// commitTransition writes the mutated application and its event in one
// transaction, guarding on the version the action was resolved against.
func (e *Engine) commitTransition(ctx context.Context, app domain.Application, prevVersion int64, actorID, evtType string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateApplication(ctx, tx, app, prevVersion); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return ErrVersionConflict
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, app.OrgID, "application", app.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// attachNote records a transition note after the stage mutation has
// committed. A failure here is logged and swallowed: the transition
// already happened and must stand.
func (e *Engine) attachNote(ctx context.Context, app domain.Application, actorID string, roles []string, text string, inResponseTo *string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	n := domain.Note{
		ID:             uuid.NewString(),
		ApplicationID:  app.ID,
		CreatedByID:    actorID,
		CreatedByType:  auth.NoteAuthorType(roles),
		NoteType:       "stage_transition",
		Visibility:     e.noteVisibility(),
		MessageText:    text,
		InResponseToID: inResponseTo,
		CreatedAt:      e.nowRFC3339(),
	}
	if err := e.Repo.InsertNote(ctx, n); err != nil {
		e.logf("stageline: note for application %s not recorded: %v", app.ID, err)
		return
	}
	e.appendStandaloneEvent(ctx, "note.created", app, actorID, events.EventPayload{"note_id": n.ID, "stage": app.Stage})
}

func (e *Engine) attachDocumentBestEffort(ctx context.Context, app domain.Application, actorID string, in DocumentInput) {
	if strings.TrimSpace(in.Name) == "" {
		return
	}
	d := domain.Document{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		Name:          in.Name,
		ContentType:   in.ContentType,
		SizeBytes:     in.SizeBytes,
		UploadedBy:    actorID,
		CreatedAt:     e.nowRFC3339(),
	}
	if err := e.Repo.InsertDocument(ctx, d); err != nil {
		e.logf("stageline: document %q for application %s not recorded: %v", in.Name, app.ID, err)
		return
	}
	e.appendStandaloneEvent(ctx, "document.attached", app, actorID, events.EventPayload{"document_id": d.ID, "name": d.Name})
}

// appendStandaloneEvent writes an event in its own transaction for
// operations that do not already hold one. Failures are logged only:
// the audit trail never vetoes a committed operation.
func (e *Engine) appendStandaloneEvent(ctx context.Context, evtType string, app domain.Application, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.logf("stageline: event %s for application %s not recorded: %v", evtType, app.ID, err)
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, app.OrgID, "application", app.ID, actorID, payload); err != nil {
		e.logf("stageline: event %s for application %s not recorded: %v", evtType, app.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logf("stageline: event %s for application %s not recorded: %v", evtType, app.ID, err)
	}
}
