package server

import (
	"stageline/internal/domain"
	"stageline/internal/stage"
)

type SubmitApplicationRequest struct {
	CandidateID          string  `json:"candidate_id" example:"cand-9f2"`
	JobID                string  `json:"job_id" example:"job-platform-eng"`
	CandidateRecruiterID *string `json:"candidate_recruiter_id,omitempty"`
	AIReviewScore        *int    `json:"ai_review_score,omitempty" minimum:"0" maximum:"100"`
}

type ApproveRequest struct {
	Note            string          `json:"note,omitempty"`
	MoveToOffer     bool            `json:"move_to_offer,omitempty"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
	Documents       []DocumentEntry `json:"documents,omitempty"`
}

type DocumentEntry struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

type DenyRequest struct {
	Reason          string `json:"reason"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type RequestChangesRequest struct {
	Note            string `json:"note,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type AddNoteRequest struct {
	MessageText    string  `json:"message_text"`
	InResponseToID *string `json:"in_response_to_id,omitempty"`
}

type AttachDocumentRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ApplicationResponse struct {
	ID                   string `json:"id"`
	OrgID                string `json:"org_id"`
	CandidateID          string `json:"candidate_id"`
	JobID                string `json:"job_id"`
	Stage                string `json:"stage"`
	StageLabel           string `json:"stage_label"`
	Version              int64  `json:"version"`
	CandidateRecruiterID string `json:"candidate_recruiter_id,omitempty"`
	DeclineReason        string `json:"decline_reason,omitempty"`
	AIReviewScore        *int   `json:"ai_review_score,omitempty"`
	AcceptedByCompany    bool   `json:"accepted_by_company"`
	AcceptedAt           string `json:"accepted_at,omitempty"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

type ApplicationListResponse struct {
	Items      []ApplicationResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type NoteResponse struct {
	ID             string `json:"id"`
	ApplicationID  string `json:"application_id"`
	CreatedByID    string `json:"created_by_id"`
	CreatedByType  string `json:"created_by_type"`
	NoteType       string `json:"note_type"`
	Visibility     string `json:"visibility"`
	MessageText    string `json:"message_text"`
	InResponseToID string `json:"in_response_to_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type DocumentResponse struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	Name          string `json:"name"`
	ContentType   string `json:"content_type,omitempty"`
	SizeBytes     int64  `json:"size_bytes"`
	UploadedBy    string `json:"uploaded_by"`
	CreatedAt     string `json:"created_at"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type PermissionsResponse struct {
	ApplicationID string            `json:"application_id"`
	Stage         string            `json:"stage"`
	Version       int64             `json:"version"`
	Permissions   stage.Permissions `json:"permissions"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func applicationResponse(a domain.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:                   a.ID,
		OrgID:                a.OrgID,
		CandidateID:          a.CandidateID,
		JobID:                a.JobID,
		Stage:                a.Stage,
		StageLabel:           stage.Parse(a.Stage).Label(),
		Version:              a.Version,
		CandidateRecruiterID: stringOrEmpty(a.CandidateRecruiterID),
		DeclineReason:        stringOrEmpty(a.DeclineReason),
		AIReviewScore:        a.AIReviewScore,
		AcceptedByCompany:    a.AcceptedByCompany,
		AcceptedAt:           stringOrEmpty(a.AcceptedAt),
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

func mapApplications(items []domain.Application) []ApplicationResponse {
	res := make([]ApplicationResponse, 0, len(items))
	for _, a := range items {
		res = append(res, applicationResponse(a))
	}
	return res
}

func noteResponse(n domain.Note) NoteResponse {
	return NoteResponse{
		ID:             n.ID,
		ApplicationID:  n.ApplicationID,
		CreatedByID:    n.CreatedByID,
		CreatedByType:  n.CreatedByType,
		NoteType:       n.NoteType,
		Visibility:     n.Visibility,
		MessageText:    n.MessageText,
		InResponseToID: stringOrEmpty(n.InResponseToID),
		CreatedAt:      n.CreatedAt,
	}
}

func mapNotes(items []domain.Note) []NoteResponse {
	res := make([]NoteResponse, 0, len(items))
	for _, n := range items {
		res = append(res, noteResponse(n))
	}
	return res
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse{
		ID:            d.ID,
		ApplicationID: d.ApplicationID,
		Name:          d.Name,
		ContentType:   d.ContentType,
		SizeBytes:     d.SizeBytes,
		UploadedBy:    d.UploadedBy,
		CreatedAt:     d.CreatedAt,
	}
}

func mapDocuments(items []domain.Document) []DocumentResponse {
	res := make([]DocumentResponse, 0, len(items))
	for _, d := range items {
		res = append(res, documentResponse(d))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
