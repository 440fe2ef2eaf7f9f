package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tempo-accounts/internal/domain"
)

// PostgresUsersRepository 用户身份存储的 Postgres 实现
type PostgresUsersRepository struct {
	db *sql.DB
}

var _ UsersRepository = (*PostgresUsersRepository)(nil)

func NewPostgresUsersRepository(db *sql.DB) *PostgresUsersRepository {
	return &PostgresUsersRepository{db: db}
}

const userColumns = `
	user_id::text,
	email,
	display_name,
	role,
	status,
	created_at,
	updated_at`

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.UserID,
		&u.Email,
		&u.DisplayName,
		&u.Role,
		&u.Status,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresUsersRepository) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (r *PostgresUsersRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	if email == "" {
		return nil, ErrUserNotFound
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (r *PostgresUsersRepository) UpdateUserEmail(ctx context.Context, userID, email string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET email = $2, updated_at = $3 WHERE user_id = $1`,
		userID, email, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update user email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
