package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Logf = func(format string, args ...any) {}
	ctx := context.Background()
	if _, _, err := app.ResolveOrgAndConfig(ctx, "org-1", eng.Repo); err != nil {
		t.Fatalf("resolve org: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// seedRoles turns RBAC on and assigns the standard cast.
func seedRoles(t *testing.T, env testEnv) {
	t.Helper()
	if err := env.Engine.Repo.SyncRoles(env.Ctx, env.Engine.Config.RBAC.Roles); err != nil {
		t.Fatalf("sync roles: %v", err)
	}
	assign := map[string]string{
		"admin":     auth.RolePlatformAdmin,
		"hm":        auth.RoleHiringManager,
		"recruiter": auth.RoleCandidateRecruiter,
		"recruit2":  auth.RoleCandidateRecruiter,
		"cand":      auth.RoleCandidate,
	}
	for actor, role := range assign {
		if err := env.Engine.Repo.AssignRole(env.Ctx, "org-1", actor, role); err != nil {
			t.Fatalf("assign %s to %s: %v", role, actor, err)
		}
	}
}

func submit(t *testing.T, env testEnv, recruiterID string) domain.Application {
	t.Helper()
	var rec *string
	if recruiterID != "" {
		rec = &recruiterID
	}
	a, err := env.Engine.Submit(env.Ctx, "submitter", engine.SubmitInput{
		CandidateID:          "cand-1",
		JobID:                "job-1",
		CandidateRecruiterID: rec,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return a
}

func TestSubmitStartsAtSubmittedVersionOne(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "recruiter")
	if a.Stage != "submitted" || a.Version != 1 {
		t.Fatalf("got stage=%s version=%d", a.Stage, a.Version)
	}
	if a.AcceptedByCompany {
		t.Fatal("fresh application must not be accepted")
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "org-1", "application.submitted", "application", a.ID)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one submitted event, got %d (%v)", len(events), err)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, "x", engine.SubmitInput{JobID: "job-1"})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "candidate_id" {
		t.Fatalf("expected candidate_id validation error, got %v", err)
	}
	bad := 150
	_, err = env.Engine.Submit(env.Ctx, "x", engine.SubmitInput{CandidateID: "c", JobID: "j", AIReviewScore: &bad})
	if !errors.As(err, &ve) || ve.Field != "ai_review_score" {
		t.Fatalf("expected ai_review_score validation error, got %v", err)
	}
}

func TestApproveWalksThePipeline(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	// open mode: everyone is an admin
	want := []string{"screen", "recruiter_review", "recruiter_proposed", "company_review", "interview", "offer"}
	for i, next := range want {
		res, err := env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{})
		if err != nil {
			t.Fatalf("approve step %d: %v", i, err)
		}
		if res.Stage != next {
			t.Fatalf("step %d: got stage %s, want %s", i, res.Stage, next)
		}
		if res.Version != int64(i+2) {
			t.Fatalf("step %d: got version %d, want %d", i, res.Version, i+2)
		}
	}
	// offer needs the hire flow
	_, err := env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{})
	if !errors.Is(err, engine.ErrHireFlowRequired) {
		t.Fatalf("expected ErrHireFlowRequired, got %v", err)
	}
}

func TestApproveMoveToOfferFastTrack(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	for i := 0; i < 4; i++ {
		var err error
		a, err = env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{})
		if err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
	}
	if a.Stage != "company_review" {
		t.Fatalf("setup: got %s", a.Stage)
	}
	res, err := env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{MoveToOffer: true})
	if err != nil {
		t.Fatalf("fast track: %v", err)
	}
	if res.Stage != "offer" {
		t.Fatalf("fast track landed on %s", res.Stage)
	}
}

func TestApproveAttachesNoteAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	seedRoles(t, env)
	a := submit(t, env, "recruiter")
	res, err := env.Engine.Approve(env.Ctx, "hm", a.ID, engine.ApproveOptions{Note: "Looks promising"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Stage != "screen" {
		t.Fatalf("got %s", res.Stage)
	}
	notes, err := env.Engine.Repo.ListNotes(env.Ctx, a.ID)
	if err != nil || len(notes) != 1 {
		t.Fatalf("expected one note, got %d (%v)", len(notes), err)
	}
	n := notes[0]
	if n.MessageText != "Looks promising" || n.NoteType != "stage_transition" {
		t.Fatalf("unexpected note %+v", n)
	}
	if n.CreatedByType != auth.RoleHiringManager {
		t.Fatalf("author type %s", n.CreatedByType)
	}
}

func TestCompanyAcceptStampsApplication(t *testing.T) {
	env := newTestEnv(t)
	seedRoles(t, env)
	a := submit(t, env, "recruiter")
	res, err := env.Engine.Approve(env.Ctx, "hm", a.ID, engine.ApproveOptions{})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !res.AcceptedByCompany || res.AcceptedAt == nil {
		t.Fatalf("company accept not stamped: %+v", res)
	}
	// recruiter path via prescreen does not stamp
	b := submit(t, env, "recruiter")
	res2, err := env.Engine.RequestPrescreen(env.Ctx, "recruiter", b.ID, engine.ChangeOptions{})
	if err != nil {
		t.Fatalf("prescreen: %v", err)
	}
	if res2.AcceptedByCompany {
		t.Fatal("prescreen must not stamp company acceptance")
	}
}

func TestBestEffortNoteDoesNotUndoTransition(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE notes`); err != nil {
		t.Fatalf("drop notes: %v", err)
	}
	res, err := env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{Note: "this will fail to persist"})
	if err != nil {
		t.Fatalf("approve should succeed despite note failure: %v", err)
	}
	if res.Stage != "screen" {
		t.Fatalf("stage not advanced: %s", res.Stage)
	}
	got, err := env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if err != nil || got.Stage != "screen" {
		t.Fatalf("transition not persisted: %s (%v)", got.Stage, err)
	}
}

func TestDenyRequiresReasonAndRecordsNote(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	_, err := env.Engine.Deny(env.Ctx, "tester", a.ID, "   ", engine.DenyOptions{})
	if !errors.Is(err, engine.ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	res, err := env.Engine.Deny(env.Ctx, "tester", a.ID, "Not a fit for this role", engine.DenyOptions{})
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if res.Stage != "rejected" || res.DeclineReason == nil || *res.DeclineReason != "Not a fit for this role" {
		t.Fatalf("deny result %+v", res)
	}
	notes, err := env.Engine.Repo.ListNotes(env.Ctx, a.ID)
	if err != nil || len(notes) != 1 {
		t.Fatalf("expected one note, got %d (%v)", len(notes), err)
	}
	if !strings.HasPrefix(notes[0].MessageText, "Rejection reason: ") {
		t.Fatalf("note text %q", notes[0].MessageText)
	}
	// terminal: no further transitions
	_, err = env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{})
	var fe *auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden on rejected, got %v", err)
	}
	// but notes are still allowed
	if _, err := env.Engine.AddNote(env.Ctx, "tester", a.ID, "post-mortem", nil); err != nil {
		t.Fatalf("note on rejected: %v", err)
	}
}

func TestRequestChangesLoopsBackToRecruiter(t *testing.T) {
	env := newTestEnv(t)
	seedRoles(t, env)
	a := submit(t, env, "recruiter")
	res, err := env.Engine.Approve(env.Ctx, "hm", a.ID, engine.ApproveOptions{})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	res, err = env.Engine.Approve(env.Ctx, "recruiter", res.ID, engine.ApproveOptions{})
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	res, err = env.Engine.Approve(env.Ctx, "recruiter", res.ID, engine.ApproveOptions{})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if res.Stage != "recruiter_proposed" {
		t.Fatalf("setup: %s", res.Stage)
	}
	if _, err := env.Engine.RequestChanges(env.Ctx, "hm", res.ID, engine.ChangeOptions{Note: "  "}); !errors.Is(err, engine.ErrReasonRequired) {
		t.Fatalf("blank note: %v", err)
	}
	res, err = env.Engine.RequestChanges(env.Ctx, "hm", res.ID, engine.ChangeOptions{Note: "Need more detail on experience"})
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if res.Stage != "recruiter_request" {
		t.Fatalf("got %s", res.Stage)
	}
	// recruiter resubmits
	res, err = env.Engine.Approve(env.Ctx, "recruiter", res.ID, engine.ApproveOptions{})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Stage != "recruiter_review" {
		t.Fatalf("resubmit landed on %s", res.Stage)
	}
}

func TestRecruiterOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	seedRoles(t, env)
	a := submit(t, env, "recruiter")
	if _, err := env.Engine.Approve(env.Ctx, "hm", a.ID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// a different recruiter does not own this application
	_, err := env.Engine.Approve(env.Ctx, "recruit2", a.ID, engine.ApproveOptions{})
	var fe *auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "recruiter", a.ID, engine.ApproveOptions{}); err != nil {
		t.Fatalf("owner approve: %v", err)
	}
	// candidates may not act at all
	_, err = env.Engine.Approve(env.Ctx, "cand", a.ID, engine.ApproveOptions{})
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for candidate, got %v", err)
	}
}

func TestExpectedVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	stale := int64(5)
	_, err := env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{ExpectedVersion: &stale})
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	current := a.Version
	res, err := env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{ExpectedVersion: &current})
	if err != nil {
		t.Fatalf("approve with matching version: %v", err)
	}
	// replaying the same expected version now loses
	_, err = env.Engine.Deny(env.Ctx, "tester", res.ID, "late decision", engine.DenyOptions{ExpectedVersion: &current})
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected conflict on replay, got %v", err)
	}
}

func TestUnknownStageBlocksEverything(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE applications SET stage='archived' WHERE id=?`, a.ID); err != nil {
		t.Fatalf("update: %v", err)
	}
	var fe *auth.ForbiddenError
	if _, err := env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{}); !errors.As(err, &fe) {
		t.Fatalf("approve on unknown stage: %v", err)
	}
	if _, err := env.Engine.Deny(env.Ctx, "tester", a.ID, "reason", engine.DenyOptions{}); !errors.As(err, &fe) {
		t.Fatalf("deny on unknown stage: %v", err)
	}
	if _, err := env.Engine.AddNote(env.Ctx, "tester", a.ID, "hello", nil); !errors.As(err, &fe) {
		t.Fatalf("note on unknown stage: %v", err)
	}
	perms, _, err := env.Engine.PermissionsFor(env.Ctx, "tester", a.ID)
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if perms.CanApprove || perms.CanAddNote {
		t.Fatalf("unknown stage resolved to %+v", perms)
	}
}

func TestAddNoteThreading(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	parent, err := env.Engine.AddNote(env.Ctx, "tester", a.ID, "first", nil)
	if err != nil {
		t.Fatalf("note: %v", err)
	}
	child, err := env.Engine.AddNote(env.Ctx, "tester", a.ID, "reply", &parent.ID)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if child.InResponseToID == nil || *child.InResponseToID != parent.ID {
		t.Fatalf("threading lost: %+v", child)
	}
	bogus := "nope"
	_, err = env.Engine.AddNote(env.Ctx, "tester", a.ID, "reply", &bogus)
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// a reply cannot cross applications
	b := submit(t, env, "")
	_, err = env.Engine.AddNote(env.Ctx, "tester", b.ID, "reply", &parent.ID)
	if !errors.As(err, &ve) {
		t.Fatalf("expected cross-application validation error, got %v", err)
	}
}

func TestNoteVisibilityDefaultsToShared(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	n, err := env.Engine.AddNote(env.Ctx, "tester", a.ID, "checking in", nil)
	if err != nil {
		t.Fatalf("note: %v", err)
	}
	if n.Visibility != "shared" {
		t.Fatalf("configured visibility: %q", n.Visibility)
	}

	// an org config without a visibility falls back to the same default
	env.Engine.Config.Notes.Visibility = ""
	n, err = env.Engine.AddNote(env.Ctx, "tester", a.ID, "still visible", nil)
	if err != nil {
		t.Fatalf("note: %v", err)
	}
	if n.Visibility != "shared" {
		t.Fatalf("fallback visibility: %q", n.Visibility)
	}
}

func TestAttachDocument(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	d, err := env.Engine.AttachDocument(env.Ctx, "tester", a.ID, engine.DocumentInput{Name: "resume.pdf", ContentType: "application/pdf", SizeBytes: 1024})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if d.Name != "resume.pdf" || d.UploadedBy != "tester" {
		t.Fatalf("document %+v", d)
	}
	docs, err := env.Engine.Repo.ListDocuments(env.Ctx, a.ID)
	if err != nil || len(docs) != 1 {
		t.Fatalf("list documents: %d (%v)", len(docs), err)
	}
}

func TestApproveWithDocumentsBestEffort(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "")
	res, err := env.Engine.Approve(env.Ctx, "tester", a.ID, engine.ApproveOptions{
		Documents: []engine.DocumentInput{{Name: "cover-letter.pdf"}},
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	docs, err := env.Engine.Repo.ListDocuments(env.Ctx, res.ID)
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected attached document, got %d (%v)", len(docs), err)
	}
}

func TestNoteAuthorTypePrecedence(t *testing.T) {
	got := auth.NoteAuthorType([]string{auth.RoleCandidateRecruiter, auth.RoleCompanyAdmin})
	if got != auth.RoleCompanyAdmin {
		t.Fatalf("precedence: got %s", got)
	}
	if auth.NoteAuthorType(nil) != auth.RoleCandidate {
		t.Fatal("empty roles should default to candidate")
	}
}
