// Package stage models the hiring-pipeline gate graph and the role-gated
// permission set for each stage. Everything here is pure: the resolver
// takes the current stage and the viewer's role flags and returns what
// that viewer may do, with no I/O and no side effects.
package stage

// Stage is the closed set of pipeline stages. Stage values originate from
// an external submission system that may evolve, so Parse maps anything
// unrecognized to Unknown instead of failing.
type Stage string

const (
	Submitted         Stage = "submitted"
	Screen            Stage = "screen"
	RecruiterReview   Stage = "recruiter_review"
	RecruiterProposed Stage = "recruiter_proposed"
	CompanyReview     Stage = "company_review"
	CompanyFeedback   Stage = "company_feedback"
	Interview         Stage = "interview"
	Offer             Stage = "offer"
	Rejected          Stage = "rejected"
	RecruiterRequest  Stage = "recruiter_request"
	Unknown           Stage = "unknown"
)

// All lists every known stage in pipeline order.
var All = []Stage{
	Submitted,
	Screen,
	RecruiterReview,
	RecruiterProposed,
	CompanyReview,
	CompanyFeedback,
	Interview,
	Offer,
	Rejected,
	RecruiterRequest,
}

// Parse maps a raw stage string to a Stage, degrading to Unknown for
// values this version does not recognize.
func Parse(raw string) Stage {
	switch Stage(raw) {
	case Submitted, Screen, RecruiterReview, RecruiterProposed,
		CompanyReview, CompanyFeedback, Interview, Offer,
		Rejected, RecruiterRequest:
		return Stage(raw)
	default:
		return Unknown
	}
}

func (s Stage) Known() bool { return s != Unknown }

// Terminal reports whether the stage admits no further transitions.
func (s Stage) Terminal() bool { return s == Rejected }

// Label returns the human-readable stage name shown in listings.
func (s Stage) Label() string {
	switch s {
	case Submitted:
		return "Submitted"
	case Screen:
		return "Pre-screen"
	case RecruiterReview:
		return "Recruiter review"
	case RecruiterProposed:
		return "Proposed to company"
	case CompanyReview:
		return "Company review"
	case CompanyFeedback:
		return "Awaiting company feedback"
	case Interview:
		return "Interview"
	case Offer:
		return "Offer"
	case Rejected:
		return "Rejected"
	case RecruiterRequest:
		return "Changes requested"
	default:
		return "Unknown"
	}
}

// NextOnApprove returns the stage an approval moves the application to.
// For CompanyReview the moveToOffer flag selects the fast-track jump
// straight to Offer instead of the normal next stage. The second return
// is false where approve is not a defined transition (Offer is handed to
// the hire flow, Rejected is terminal, Unknown is never movable).
func NextOnApprove(s Stage, moveToOffer bool) (Stage, bool) {
	switch s {
	case Submitted:
		return Screen, true
	case Screen:
		return RecruiterReview, true
	case RecruiterReview:
		return RecruiterProposed, true
	case RecruiterProposed:
		return CompanyReview, true
	case CompanyReview:
		if moveToOffer {
			return Offer, true
		}
		return Interview, true
	case CompanyFeedback:
		return CompanyReview, true
	case Interview:
		return Offer, true
	case RecruiterRequest:
		return RecruiterReview, true
	case Offer, Rejected, Unknown:
		return s, false
	default:
		return Unknown, false
	}
}

// Viewer carries the resolved role flags of the acting user. Ownership is
// compared upstream: OwnsApplication is true when the viewer is the
// recruiter recorded on the application.
type Viewer struct {
	IsRecruiter     bool
	IsCompanyUser   bool
	IsAdmin         bool
	OwnsApplication bool
}

// Permissions is the resolved action set for one viewer on one stage.
type Permissions struct {
	CanApprove          bool   `json:"can_approve"`
	CanReject           bool   `json:"can_reject"`
	CanAddNote          bool   `json:"can_add_note"`
	CanRequestPrescreen bool   `json:"can_request_prescreen"`
	CanRequestChanges   bool   `json:"can_request_changes"`
	StageLabel          string `json:"stage_label"`
	ApproveButtonText   string `json:"approve_button_text,omitempty"`
	RejectButtonText    string `json:"reject_button_text,omitempty"`
}

// Resolve computes the legal actions for a viewer at a stage. It is total
// over Stage: unrecognized stages resolve to no permitted actions.
func Resolve(s Stage, v Viewer) Permissions {
	p := Permissions{StageLabel: s.Label()}
	if !s.Known() {
		return p
	}

	// A recruiter acts only on applications they own; admins act anywhere.
	recruiterActs := v.IsAdmin || (v.IsRecruiter && v.OwnsApplication)
	companyActs := v.IsAdmin || v.IsCompanyUser
	anyRole := v.IsRecruiter || v.IsCompanyUser || v.IsAdmin

	p.CanAddNote = anyRole

	switch s {
	case Submitted:
		p.CanApprove = companyActs
		p.CanReject = companyActs
		p.CanRequestPrescreen = recruiterActs
		p.ApproveButtonText = "Accept"
	case Screen:
		p.CanApprove = recruiterActs
		p.CanReject = recruiterActs
		p.ApproveButtonText = "Advance"
	case RecruiterReview:
		p.CanApprove = recruiterActs
		p.CanReject = recruiterActs
		p.ApproveButtonText = "Propose to company"
	case RecruiterProposed:
		p.CanApprove = companyActs
		p.CanReject = companyActs
		p.CanRequestChanges = companyActs
		p.ApproveButtonText = "Start review"
	case CompanyReview:
		p.CanApprove = companyActs
		p.CanReject = companyActs
		p.CanRequestChanges = companyActs
		p.ApproveButtonText = "Advance to interview"
	case CompanyFeedback:
		p.CanApprove = companyActs
		p.CanReject = companyActs
		p.CanRequestChanges = companyActs
		p.ApproveButtonText = "Return to review"
	case Interview:
		p.CanApprove = companyActs
		p.CanReject = companyActs
		p.CanRequestChanges = companyActs
		p.ApproveButtonText = "Extend offer"
	case Offer:
		// Approving an offer routes to the hire flow, which carries a
		// contract payload this service does not own.
		p.CanApprove = companyActs
		p.CanReject = companyActs
		p.ApproveButtonText = "Hire"
	case RecruiterRequest:
		p.CanApprove = recruiterActs
		p.CanReject = recruiterActs
		p.ApproveButtonText = "Resubmit"
	case Rejected:
		// Terminal: audit notes only.
	}
	if p.CanReject {
		p.RejectButtonText = "Reject"
	}
	return p
}
