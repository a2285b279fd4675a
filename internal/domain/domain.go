package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Application struct {
	ID                   string  `json:"id"`
	OrgID                string  `json:"org_id"`
	CandidateID          string  `json:"candidate_id"`
	JobID                string  `json:"job_id"`
	Stage                string  `json:"stage"`
	Version              int64   `json:"version"`
	CandidateRecruiterID *string `json:"candidate_recruiter_id,omitempty"`
	DeclineReason        *string `json:"decline_reason,omitempty"`
	AIReviewScore        *int    `json:"ai_review_score,omitempty"`
	AcceptedByCompany    bool    `json:"accepted_by_company"`
	AcceptedAt           *string `json:"accepted_at,omitempty" format:"date-time"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

type Note struct {
	ID             string  `json:"id"`
	ApplicationID  string  `json:"application_id"`
	CreatedByID    string  `json:"created_by_id"`
	CreatedByType  string  `json:"created_by_type" enum:"platform_admin,candidate_recruiter,hiring_manager,company_admin,candidate"`
	NoteType       string  `json:"note_type" enum:"stage_transition,general"`
	Visibility     string  `json:"visibility"`
	MessageText    string  `json:"message_text"`
	InResponseToID *string `json:"in_response_to_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Document struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	Name          string `json:"name"`
	ContentType   string `json:"content_type,omitempty"`
	SizeBytes     int64  `json:"size_bytes"`
	UploadedBy    string `json:"uploaded_by"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
