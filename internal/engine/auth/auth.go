// Package auth maps role assignments onto the viewer flags the stage
// resolver consumes, and carries the engine's authorization errors.
package auth

import (
	"fmt"

	"stageline/internal/stage"
)

const (
	RolePlatformAdmin      = "platform_admin"
	RoleCompanyAdmin       = "company_admin"
	RoleHiringManager      = "hiring_manager"
	RoleCandidateRecruiter = "candidate_recruiter"
	RoleCandidate          = "candidate"
)

// ForbiddenError means the actor's roles do not permit the action at the
// application's current stage.
type ForbiddenError struct {
	ActorID string
	Action  string
	Stage   stage.Stage
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not %s at stage %s", e.ActorID, e.Action, e.Stage)
}

// ViewerFor folds a role list into viewer flags. ownerRecruiterID is the
// recruiter recorded on the application, or nil when none is assigned.
func ViewerFor(actorID string, roles []string, ownerRecruiterID *string) stage.Viewer {
	var v stage.Viewer
	for _, role := range roles {
		switch role {
		case RolePlatformAdmin:
			v.IsAdmin = true
		case RoleCompanyAdmin, RoleHiringManager:
			v.IsCompanyUser = true
		case RoleCandidateRecruiter:
			v.IsRecruiter = true
		}
	}
	if v.IsRecruiter && ownerRecruiterID != nil && *ownerRecruiterID == actorID {
		v.OwnsApplication = true
	}
	return v
}

// noteAuthorPrecedence orders role names from most to least specific for
// attributing a note to an author type.
var noteAuthorPrecedence = []string{
	RolePlatformAdmin,
	RoleCompanyAdmin,
	RoleHiringManager,
	RoleCandidateRecruiter,
	RoleCandidate,
}

// NoteAuthorType picks the created_by_type recorded on notes. An actor
// holding several roles is attributed to the most privileged one.
func NoteAuthorType(roles []string) string {
	held := map[string]bool{}
	for _, role := range roles {
		held[role] = true
	}
	for _, role := range noteAuthorPrecedence {
		if held[role] {
			return role
		}
	}
	return RoleCandidate
}
