package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

// InsertNote writes a note outside any caller transaction. Stage
// transitions attach their notes after the stage commit, so a note
// failure never rolls the transition back.
func (r Repo) InsertNote(ctx context.Context, n domain.Note) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notes(id,application_id,created_by_id,created_by_type,note_type,visibility,message_text,in_response_to_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		n.ID, n.ApplicationID, n.CreatedByID, n.CreatedByType, n.NoteType, n.Visibility,
		n.MessageText, nullableStringPtr(n.InResponseToID), n.CreatedAt)
	return err
}

func (r Repo) ListNotes(ctx context.Context, applicationID string) ([]domain.Note, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,created_by_id,created_by_type,note_type,visibility,message_text,in_response_to_id,created_at
FROM notes WHERE application_id=? ORDER BY created_at ASC, id ASC`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Note
	for rows.Next() {
		var n domain.Note
		var inResponseTo sql.NullString
		if err := rows.Scan(&n.ID, &n.ApplicationID, &n.CreatedByID, &n.CreatedByType, &n.NoteType,
			&n.Visibility, &n.MessageText, &inResponseTo, &n.CreatedAt); err != nil {
			return nil, err
		}
		if inResponseTo.Valid {
			n.InResponseToID = &inResponseTo.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) GetNote(ctx context.Context, id string) (domain.Note, error) {
	var n domain.Note
	var inResponseTo sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,application_id,created_by_id,created_by_type,note_type,visibility,message_text,in_response_to_id,created_at
FROM notes WHERE id=?`, id).Scan(&n.ID, &n.ApplicationID, &n.CreatedByID, &n.CreatedByType, &n.NoteType,
		&n.Visibility, &n.MessageText, &inResponseTo, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if inResponseTo.Valid {
		n.InResponseToID = &inResponseTo.String
	}
	return n, err
}

// InsertDocument follows the same post-commit policy as InsertNote.
func (r Repo) InsertDocument(ctx context.Context, d domain.Document) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents(id,application_id,name,content_type,size_bytes,uploaded_by,created_at)
VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ApplicationID, d.Name, nullable(d.ContentType), d.SizeBytes, d.UploadedBy, d.CreatedAt)
	return err
}

func (r Repo) ListDocuments(ctx context.Context, applicationID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,name,COALESCE(content_type,''),size_bytes,uploaded_by,created_at
FROM documents WHERE application_id=? ORDER BY created_at ASC, id ASC`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.ApplicationID, &d.Name, &d.ContentType, &d.SizeBytes, &d.UploadedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
