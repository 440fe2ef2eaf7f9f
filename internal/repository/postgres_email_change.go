package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"tempo-accounts/internal/domain"
	"tempo-accounts/internal/token"
)

// PostgresEmailChangeRepository 邮箱变更请求仓储的 Postgres 实现。
// 聚合更新与审计追加在同一事务内提交；
// "每用户至多一个活跃请求" 由 partial unique index（uniq_email_change_active）兜底。
type PostgresEmailChangeRepository struct {
	db *sql.DB
}

var _ EmailChangeRepository = (*PostgresEmailChangeRepository)(nil)

func NewPostgresEmailChangeRepository(db *sql.DB) *PostgresEmailChangeRepository {
	return &PostgresEmailChangeRepository{db: db}
}

const requestColumns = `
	request_id::text,
	user_id::text,
	current_email,
	new_email,
	status,
	reason,
	custom_reason,
	current_email_verified,
	new_email_verified,
	current_token_hash,
	new_token_hash,
	tokens_expire_at,
	approved_by,
	approved_at,
	approval_notes,
	rejected_by,
	rejected_at,
	rejection_reason,
	cancelled_by,
	cancelled_at,
	completed_at,
	estimated_completion_at,
	requested_at,
	verified_at,
	ip_address,
	user_agent,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.EmailChangeRequest, error) {
	var req domain.EmailChangeRequest
	err := row.Scan(
		&req.RequestID,
		&req.UserID,
		&req.CurrentEmail,
		&req.NewEmail,
		&req.Status,
		&req.Reason,
		&req.CustomReason,
		&req.CurrentEmailVerified,
		&req.NewEmailVerified,
		&req.CurrentTokenHash,
		&req.NewTokenHash,
		&req.TokensExpireAt,
		&req.ApprovedBy,
		&req.ApprovedAt,
		&req.ApprovalNotes,
		&req.RejectedBy,
		&req.RejectedAt,
		&req.RejectionReason,
		&req.CancelledBy,
		&req.CancelledAt,
		&req.CompletedAt,
		&req.EstimatedCompletionAt,
		&req.RequestedAt,
		&req.VerifiedAt,
		&req.IPAddress,
		&req.UserAgent,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// compileConds 把条件列表编译为 Postgres WHERE 片段（REDESIGN：不做字符串拼接表达式）
func compileConds(conds []Cond, args *[]any) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		switch c.Op {
		case "IN":
			*args = append(*args, pq.Array(c.Value))
			parts = append(parts, fmt.Sprintf("%s = ANY($%d)", c.Field, len(*args)))
		case "=", "!=", "<", ">":
			*args = append(*args, c.Value)
			parts = append(parts, fmt.Sprintf("%s %s $%d", c.Field, c.Op, len(*args)))
		}
	}
	return strings.Join(parts, " AND ")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (r *PostgresEmailChangeRepository) insertAudit(ctx context.Context, tx *sql.Tx, requestID, action, performedBy string, at time.Time, details map[string]any, ip, ua string) error {
	detailsJSON := auditDetails(details)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO email_change_audit_logs
			(log_id, request_id, action, performed_by, performed_at, details, ip_address, user_agent)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, '')::jsonb, NULLIF($7, ''), NULLIF($8, ''))`,
		uuid.NewString(), requestID, action, performedBy, at, detailsJSON, ip, ua,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

func (r *PostgresEmailChangeRepository) CreateRequest(ctx context.Context, p CreateParams) (*domain.EmailChangeRequest, *TokenPair, error) {
	curTok, err := token.Generate()
	if err != nil {
		return nil, nil, err
	}
	newTok, err := token.Generate()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	estimate := now.Add(24 * time.Hour)
	if domain.RequiresApproval(p.Reason, p.CurrentEmail, p.NewEmail) {
		estimate = now.Add(48 * time.Hour)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	requestID := uuid.NewString()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO email_change_requests (
			request_id, user_id, current_email, new_email, status, reason, custom_reason,
			current_email_verified, new_email_verified,
			current_token_hash, new_token_hash, tokens_expire_at,
			estimated_completion_at, requested_at, ip_address, user_agent, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, NULLIF($7, ''),
			FALSE, FALSE,
			$8, $9, $10,
			$11, $12, NULLIF($13, ''), NULLIF($14, ''), $12
		)
		RETURNING `+requestColumns,
		requestID, p.UserID, p.CurrentEmail, p.NewEmail,
		domain.StatusPendingVerification, p.Reason, p.CustomReason,
		token.Hash(curTok), token.Hash(newTok), now.Add(domain.VerificationTokenTTL),
		estimate, now, p.IPAddress, p.UserAgent,
	)
	req, err := scanRequest(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicateActive
		}
		return nil, nil, fmt.Errorf("failed to create email change request: %w", err)
	}

	if err := r.insertAudit(ctx, tx, requestID, domain.AuditActionCreated, p.UserID, now, map[string]any{
		"new_email": p.NewEmail,
		"reason":    p.Reason,
	}, p.IPAddress, p.UserAgent); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return req, &TokenPair{CurrentToken: curTok, NewToken: newTok}, nil
}

func (r *PostgresEmailChangeRepository) GetByID(ctx context.Context, requestID string) (*domain.EmailChangeRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM email_change_requests WHERE request_id = $1`, requestID)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return req, err
}

func (r *PostgresEmailChangeRepository) GetByToken(ctx context.Context, rawToken, emailType string) (*domain.EmailChangeRequest, error) {
	column := "current_token_hash"
	if emailType == domain.EmailTypeNew {
		column = "new_token_hash"
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM email_change_requests WHERE `+column+` = $1`,
		token.Hash(rawToken))
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		// 令牌不存在或已被轮换
		return nil, ErrNotFound
	}
	return req, err
}

func (r *PostgresEmailChangeRepository) HasActiveRequest(ctx context.Context, userID string) (bool, error) {
	args := []any{}
	where := compileConds([]Cond{
		{Field: "user_id", Op: "=", Value: userID},
		{Field: "status", Op: "IN", Value: domain.ActiveStatuses()},
	}, &args)

	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM email_change_requests WHERE `+where+`)`, args...,
	).Scan(&exists)
	return exists, err
}

func (r *PostgresEmailChangeRepository) LastRequestedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(requested_at) FROM email_change_requests WHERE user_id = $1`, userID,
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, err
	}
	return last.Time, last.Valid, nil
}

func (r *PostgresEmailChangeRepository) UpdateVerificationStatus(ctx context.Context, requestID, emailType, ip, ua string) (*domain.EmailChangeRequest, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM email_change_requests WHERE request_id = $1 FOR UPDATE`, requestID)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.Status != domain.StatusPendingVerification {
		return nil, ErrStaleStatus
	}

	now := time.Now()
	action := domain.AuditActionCurrentEmailVerified
	if emailType == domain.EmailTypeNew {
		req.NewEmailVerified = true
		action = domain.AuditActionNewEmailVerified
	} else {
		req.CurrentEmailVerified = true
	}

	autoApproved := false
	if req.BothVerified() {
		req.VerifiedAt = sql.NullTime{Time: now, Valid: true}
		if domain.RequiresApproval(req.Reason, req.CurrentEmail, req.NewEmail) {
			req.Status = domain.StatusPendingApproval
		} else {
			req.Status = domain.StatusApproved
			req.ApprovedBy = sql.NullString{String: domain.SystemActor, Valid: true}
			req.ApprovedAt = sql.NullTime{Time: now, Valid: true}
			autoApproved = true
		}
	}
	req.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE email_change_requests SET
			current_email_verified = $2,
			new_email_verified = $3,
			status = $4,
			verified_at = $5,
			approved_by = $6,
			approved_at = $7,
			updated_at = $8
		WHERE request_id = $1`,
		requestID, req.CurrentEmailVerified, req.NewEmailVerified, req.Status,
		req.VerifiedAt, req.ApprovedBy, req.ApprovedAt, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update verification status: %w", err)
	}

	if err := r.insertAudit(ctx, tx, requestID, action, req.UserID, now,
		map[string]any{"email_type": emailType}, ip, ua); err != nil {
		return nil, err
	}
	if autoApproved {
		if err := r.insertAudit(ctx, tx, requestID, domain.AuditActionAutoApproved, domain.SystemActor, now,
			map[string]any{
				"reason":        req.Reason,
				"domain_change": domain.EmailDomain(req.CurrentEmail) != domain.EmailDomain(req.NewEmail),
			}, ip, ua); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return req, nil
}

// transition 带状态前置条件的单行更新 + 审计追加（同一事务）
func (r *PostgresEmailChangeRepository) transition(
	ctx context.Context,
	requestID string,
	fromStatuses []string,
	set string, setArgs []any,
	action, performedBy string,
	at time.Time,
	details map[string]any,
	ip, ua string,
) (*domain.EmailChangeRequest, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	args := append([]any{}, setArgs...)
	where := compileConds([]Cond{
		{Field: "request_id", Op: "=", Value: requestID},
		{Field: "status", Op: "IN", Value: fromStatuses},
	}, &args)

	row := tx.QueryRowContext(ctx,
		`UPDATE email_change_requests SET `+set+` WHERE `+where+` RETURNING `+requestColumns,
		args...)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		// 区分不存在与状态不满足
		var exists bool
		if err2 := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM email_change_requests WHERE request_id = $1)`, requestID,
		).Scan(&exists); err2 != nil {
			return nil, err2
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrStaleStatus
	}
	if err != nil {
		return nil, err
	}

	if err := r.insertAudit(ctx, tx, requestID, action, performedBy, at, details, ip, ua); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *PostgresEmailChangeRepository) Approve(ctx context.Context, requestID, approvedBy, notes, ip, ua string) (*domain.EmailChangeRequest, error) {
	now := time.Now()
	return r.transition(ctx, requestID,
		[]string{domain.StatusPendingApproval},
		`status = $1, approved_by = $2, approved_at = $3, approval_notes = NULLIF($4, ''),
		 estimated_completion_at = $5, updated_at = $3`,
		[]any{domain.StatusApproved, approvedBy, now, notes, now.Add(24 * time.Hour)},
		domain.AuditActionApproved, approvedBy, now,
		map[string]any{"notes": notes}, ip, ua)
}

func (r *PostgresEmailChangeRepository) Reject(ctx context.Context, requestID, rejectedBy, reason, ip, ua string) (*domain.EmailChangeRequest, error) {
	now := time.Now()
	return r.transition(ctx, requestID,
		[]string{domain.StatusPendingVerification, domain.StatusPendingApproval},
		`status = $1, rejected_by = $2, rejected_at = $3, rejection_reason = $4, updated_at = $3`,
		[]any{domain.StatusRejected, rejectedBy, now, reason},
		domain.AuditActionRejected, rejectedBy, now,
		map[string]any{"reason": reason}, ip, ua)
}

func (r *PostgresEmailChangeRepository) Cancel(ctx context.Context, requestID, cancelledBy, ip, ua string) (*domain.EmailChangeRequest, error) {
	now := time.Now()
	return r.transition(ctx, requestID,
		[]string{domain.StatusPendingVerification, domain.StatusPendingApproval},
		`status = $1, cancelled_by = $2, cancelled_at = $3, updated_at = $3`,
		[]any{domain.StatusCancelled, cancelledBy, now},
		domain.AuditActionCancelled, cancelledBy, now, nil, ip, ua)
}

func (r *PostgresEmailChangeRepository) Complete(ctx context.Context, requestID, performedBy, ip, ua string) (*domain.EmailChangeRequest, error) {
	now := time.Now()
	req, err := r.transition(ctx, requestID,
		[]string{domain.StatusApproved},
		`status = $1, completed_at = $2, updated_at = $2`,
		[]any{domain.StatusCompleted, now},
		domain.AuditActionCompleted, performedBy, now, nil, ip, ua)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *PostgresEmailChangeRepository) RegenerateTokens(ctx context.Context, requestID, emailType, ip, ua string) (*domain.EmailChangeRequest, string, error) {
	newTok, err := token.Generate()
	if err != nil {
		return nil, "", err
	}

	column := "current_token_hash"
	if emailType == domain.EmailTypeNew {
		column = "new_token_hash"
	}

	now := time.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	args := []any{token.Hash(newTok), now.Add(domain.VerificationTokenTTL), now}
	where := compileConds([]Cond{
		{Field: "request_id", Op: "=", Value: requestID},
		{Field: "status", Op: "=", Value: domain.StatusPendingVerification},
	}, &args)

	row := tx.QueryRowContext(ctx,
		`UPDATE email_change_requests
		 SET `+column+` = $1, tokens_expire_at = $2, updated_at = $3
		 WHERE `+where+`
		 RETURNING `+requestColumns,
		args...)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		var exists bool
		if err2 := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM email_change_requests WHERE request_id = $1)`, requestID,
		).Scan(&exists); err2 != nil {
			return nil, "", err2
		}
		if !exists {
			return nil, "", ErrNotFound
		}
		return nil, "", ErrStaleStatus
	}
	if err != nil {
		return nil, "", err
	}

	if err := r.insertAudit(ctx, tx, requestID, domain.AuditActionVerificationResent, req.UserID, now,
		map[string]any{"email_type": emailType}, ip, ua); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", err
	}
	return req, newTok, nil
}

func (r *PostgresEmailChangeRepository) ListRequests(ctx context.Context, q ListQuery) (*ListPage, error) {
	q = normalizeListQuery(q)

	conds := []Cond{}
	if q.UserID != "" {
		conds = append(conds, Cond{Field: "user_id", Op: "=", Value: q.UserID})
	}
	if q.Status != "" {
		conds = append(conds, Cond{Field: "status", Op: "=", Value: q.Status})
	} else if !q.IncludeCompleted {
		conds = append(conds, Cond{Field: "status", Op: "!=", Value: domain.StatusCompleted})
	}

	args := []any{}
	where := compileConds(conds, &args)
	query := `SELECT ` + requestColumns + ` FROM email_change_requests`
	if where != "" {
		query += ` WHERE ` + where
	}

	// 排序字段白名单在 normalizeListQuery 固定，无注入面
	order := "DESC"
	if q.SortOrder == "asc" {
		order = "ASC"
	}
	if q.SortBy == "status" {
		query += ` ORDER BY status ` + order + `, requested_at ` + order + `, request_id ` + order
	} else {
		query += ` ORDER BY requested_at ` + order + `, request_id ` + order
	}

	offset := DecodeCursor(q.Cursor)
	args = append(args, q.Limit+1)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	args = append(args, offset)
	query += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list email change requests: %w", err)
	}
	defer rows.Close()

	items := make([]domain.EmailChangeRequest, 0, q.Limit)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	next := ""
	if len(items) > q.Limit {
		items = items[:q.Limit]
		next = EncodeCursor(offset + q.Limit)
	}
	return &ListPage{Items: items, NextCursor: next}, nil
}

func (r *PostgresEmailChangeRepository) ListAuditLogs(ctx context.Context, requestID string) ([]domain.EmailChangeAuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT log_id::text, request_id::text, action, performed_by, performed_at,
		       details::text, ip_address, user_agent
		FROM email_change_audit_logs
		WHERE request_id = $1
		ORDER BY performed_at ASC, log_id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.EmailChangeAuditLog
	for rows.Next() {
		var l domain.EmailChangeAuditLog
		if err := rows.Scan(&l.LogID, &l.RequestID, &l.Action, &l.PerformedBy,
			&l.PerformedAt, &l.Details, &l.IPAddress, &l.UserAgent); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
