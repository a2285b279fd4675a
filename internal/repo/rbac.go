package repo

import (
	"context"
	"database/sql"
	"time"

	"stageline/internal/config"
)

func (r Repo) EnsureActor(ctx context.Context, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`,
		actorID, time.Now().UTC().Format(time.RFC3339))
	return err
}

// RolesDefined reports whether RBAC has been configured at all. With no
// roles in the table the server runs open and every actor may act.
func (r Repo) RolesDefined(ctx context.Context) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM roles`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SyncRoles replaces the role and permission tables with the roles from
// an org config. Actor assignments are preserved.
func (r Repo) SyncRoles(ctx context.Context, roles map[string]config.RBACRole) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM roles`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM permissions`); err != nil {
		return err
	}
	for roleID, role := range roles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO roles(id,description) VALUES (?,?)`, roleID, nullable(role.Description)); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if _, err := tx.ExecContext(ctx, `INSERT INTO permissions(id,description) VALUES (?,NULL) ON CONFLICT(id) DO NOTHING`, perm); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO role_permissions(role_id,permission_id) VALUES (?,?) ON CONFLICT DO NOTHING`, roleID, perm); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (r Repo) AssignRole(ctx context.Context, orgID, actorID, roleID string) error {
	if err := r.EnsureActor(ctx, actorID); err != nil {
		return err
	}
	var exists int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM roles WHERE id=?`, roleID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO actor_roles(org_id,actor_id,role_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		orgID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, orgID, actorID, roleID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM actor_roles WHERE org_id=? AND actor_id=? AND role_id=?`,
		orgID, actorID, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ActorRoles(ctx context.Context, orgID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE org_id=? AND actor_id=? ORDER BY role_id`,
		orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return nil, err
		}
		res = append(res, roleID)
	}
	return res, rows.Err()
}

func (r Repo) ActorHasPermission(ctx context.Context, orgID, actorID, permission string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id = ar.role_id
WHERE ar.org_id=? AND ar.actor_id=? AND rp.permission_id=?`, orgID, actorID, permission).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT permission_id FROM role_permissions WHERE role_id=? ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return nil, err
		}
		res = append(res, perm)
	}
	return res, rows.Err()
}

func (r Repo) ListRoles(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT r.id, rp.permission_id FROM roles r
LEFT JOIN role_permissions rp ON rp.role_id = r.id ORDER BY r.id, rp.permission_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]string{}
	for rows.Next() {
		var roleID string
		var perm sql.NullString
		if err := rows.Scan(&roleID, &perm); err != nil {
			return nil, err
		}
		if _, ok := res[roleID]; !ok {
			res[roleID] = nil
		}
		if perm.Valid {
			res[roleID] = append(res[roleID], perm.String)
		}
	}
	return res, rows.Err()
}
