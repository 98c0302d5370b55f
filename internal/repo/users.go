package repo

import (
	"context"
	"database/sql"
	"strings"

	"gigflow/internal/domain"
)

func scanUser(row scanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// InsertUser stores a user. A taken email is ErrConflict.
func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,password_hash,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Name, NormalizeEmail(u.Email), u.PasswordHash, u.CreatedAt)
	return translate(ctx, err)
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,email,password_hash,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,email,password_hash,created_at FROM users WHERE email=?`, NormalizeEmail(email)))
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
