package stage_test

import (
	"testing"

	"stageline/internal/stage"
)

func TestParseDegradesToUnknown(t *testing.T) {
	if got := stage.Parse("company_review"); got != stage.CompanyReview {
		t.Fatalf("parse company_review: got %s", got)
	}
	for _, raw := range []string{"", "archived", "COMPANY_REVIEW", "hired"} {
		if got := stage.Parse(raw); got != stage.Unknown {
			t.Fatalf("parse %q: expected unknown, got %s", raw, got)
		}
	}
}

func TestResolveTotalOverAllStagesAndViewers(t *testing.T) {
	viewers := []stage.Viewer{
		{},
		{IsRecruiter: true},
		{IsRecruiter: true, OwnsApplication: true},
		{IsCompanyUser: true},
		{IsAdmin: true},
		{IsRecruiter: true, IsCompanyUser: true, OwnsApplication: true},
	}
	stages := append([]stage.Stage{}, stage.All...)
	stages = append(stages, stage.Unknown, stage.Stage("whatever"))
	for _, s := range stages {
		for _, v := range viewers {
			p := stage.Resolve(s, v)
			if p.StageLabel == "" {
				t.Fatalf("stage %s: empty label", s)
			}
			if p.CanApprove && p.ApproveButtonText == "" {
				t.Fatalf("stage %s: approve allowed but no button text", s)
			}
			if p.CanReject && p.RejectButtonText == "" {
				t.Fatalf("stage %s: reject allowed but no button text", s)
			}
		}
	}
}

func TestResolveUnknownStageGrantsNothing(t *testing.T) {
	p := stage.Resolve(stage.Parse("mystery"), stage.Viewer{IsAdmin: true})
	if p.CanApprove || p.CanReject || p.CanAddNote || p.CanRequestChanges || p.CanRequestPrescreen {
		t.Fatalf("unknown stage should grant nothing, got %+v", p)
	}
}

func TestRecruiterOwnershipGate(t *testing.T) {
	owner := stage.Viewer{IsRecruiter: true, OwnsApplication: true}
	stranger := stage.Viewer{IsRecruiter: true}
	if !stage.Resolve(stage.Screen, owner).CanApprove {
		t.Fatal("owning recruiter should approve at screen")
	}
	if stage.Resolve(stage.Screen, stranger).CanApprove {
		t.Fatal("non-owning recruiter must not approve at screen")
	}
	// A non-owning recruiter may still comment.
	if !stage.Resolve(stage.Screen, stranger).CanAddNote {
		t.Fatal("recruiter should be able to add notes without ownership")
	}
}

func TestCompanyStagesGateOnCompanyRole(t *testing.T) {
	company := stage.Viewer{IsCompanyUser: true}
	recruiter := stage.Viewer{IsRecruiter: true, OwnsApplication: true}
	for _, s := range []stage.Stage{stage.RecruiterProposed, stage.CompanyReview, stage.CompanyFeedback, stage.Interview, stage.Offer} {
		if !stage.Resolve(s, company).CanApprove {
			t.Fatalf("company user should approve at %s", s)
		}
		if stage.Resolve(s, recruiter).CanApprove {
			t.Fatalf("recruiter must not approve at %s", s)
		}
	}
}

func TestAdminActsEverywhereExceptTerminal(t *testing.T) {
	admin := stage.Viewer{IsAdmin: true}
	for _, s := range stage.All {
		p := stage.Resolve(s, admin)
		if s == stage.Rejected {
			if p.CanApprove || p.CanReject {
				t.Fatal("rejected is terminal even for admins")
			}
			if !p.CanAddNote {
				t.Fatal("admins should still be able to annotate rejected applications")
			}
			continue
		}
		if !p.CanApprove {
			t.Fatalf("admin should approve at %s", s)
		}
	}
}

func TestPrescreenOnlyAtSubmitted(t *testing.T) {
	owner := stage.Viewer{IsRecruiter: true, OwnsApplication: true}
	for _, s := range stage.All {
		got := stage.Resolve(s, owner).CanRequestPrescreen
		want := s == stage.Submitted
		if got != want {
			t.Fatalf("stage %s: CanRequestPrescreen=%v, want %v", s, got, want)
		}
	}
}

func TestNextOnApproveDeterministic(t *testing.T) {
	cases := []struct {
		from        stage.Stage
		moveToOffer bool
		want        stage.Stage
		ok          bool
	}{
		{stage.Submitted, false, stage.Screen, true},
		{stage.Screen, false, stage.RecruiterReview, true},
		{stage.RecruiterReview, false, stage.RecruiterProposed, true},
		{stage.RecruiterProposed, false, stage.CompanyReview, true},
		{stage.CompanyReview, false, stage.Interview, true},
		{stage.CompanyReview, true, stage.Offer, true},
		{stage.CompanyFeedback, false, stage.CompanyReview, true},
		{stage.Interview, false, stage.Offer, true},
		{stage.RecruiterRequest, false, stage.RecruiterReview, true},
		{stage.Offer, false, stage.Offer, false},
		{stage.Rejected, false, stage.Rejected, false},
		{stage.Unknown, false, stage.Unknown, false},
	}
	for _, tc := range cases {
		got, ok := stage.NextOnApprove(tc.from, tc.moveToOffer)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NextOnApprove(%s, %v) = (%s, %v), want (%s, %v)", tc.from, tc.moveToOffer, got, ok, tc.want, tc.ok)
		}
	}
	// moveToOffer only matters at company review
	for _, s := range stage.All {
		if s == stage.CompanyReview {
			continue
		}
		plain, okPlain := stage.NextOnApprove(s, false)
		fast, okFast := stage.NextOnApprove(s, true)
		if plain != fast || okPlain != okFast {
			t.Fatalf("stage %s: moveToOffer changed outcome", s)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range stage.All {
		if s.Terminal() != (s == stage.Rejected) {
			t.Fatalf("terminal mismatch for %s", s)
		}
	}
}
