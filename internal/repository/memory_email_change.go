package repository

import (
	"bytes"
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tempo-accounts/internal/domain"
	"tempo-accounts/internal/token"
)

// MemoryEmailChangeRepository 内存实现：DB 未就绪时的开发回退 + 单元测试。
// 与 Postgres 实现保持相同语义（含状态前置条件和活跃请求唯一性）。
type MemoryEmailChangeRepository struct {
	mu       sync.RWMutex
	requests map[string]*domain.EmailChangeRequest          // requestID -> aggregate
	audits   map[string][]domain.EmailChangeAuditLog        // requestID -> logs (append order)
	now      func() time.Time
}

var _ EmailChangeRepository = (*MemoryEmailChangeRepository)(nil)

func NewMemoryEmailChangeRepository() *MemoryEmailChangeRepository {
	return &MemoryEmailChangeRepository{
		requests: map[string]*domain.EmailChangeRequest{},
		audits:   map[string][]domain.EmailChangeAuditLog{},
		now:      time.Now,
	}
}

// SetClock 测试用：替换时间源（令牌过期等场景）
func (r *MemoryEmailChangeRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func cloneRequest(in *domain.EmailChangeRequest) *domain.EmailChangeRequest {
	out := *in
	out.CurrentTokenHash = append([]byte(nil), in.CurrentTokenHash...)
	out.NewTokenHash = append([]byte(nil), in.NewTokenHash...)
	return &out
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func (r *MemoryEmailChangeRepository) appendAudit(requestID, action, performedBy string, at time.Time, details map[string]any, ip, ua string) {
	r.audits[requestID] = append(r.audits[requestID], domain.EmailChangeAuditLog{
		LogID:       uuid.NewString(),
		RequestID:   requestID,
		Action:      action,
		PerformedBy: nullStr(performedBy),
		PerformedAt: at,
		Details:     nullStr(auditDetails(details)),
		IPAddress:   nullStr(ip),
		UserAgent:   nullStr(ua),
	})
}

func (r *MemoryEmailChangeRepository) CreateRequest(_ context.Context, p CreateParams) (*domain.EmailChangeRequest, *TokenPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 与 Postgres 的 partial unique index 等价的写时检查
	for _, req := range r.requests {
		if req.UserID == p.UserID && !domain.IsTerminalStatus(req.Status) {
			return nil, nil, ErrDuplicateActive
		}
	}

	curTok, err := token.Generate()
	if err != nil {
		return nil, nil, err
	}
	newTok, err := token.Generate()
	if err != nil {
		return nil, nil, err
	}

	now := r.now()
	estimate := now.Add(24 * time.Hour)
	if domain.RequiresApproval(p.Reason, p.CurrentEmail, p.NewEmail) {
		estimate = now.Add(48 * time.Hour)
	}

	req := &domain.EmailChangeRequest{
		RequestID:             uuid.NewString(),
		UserID:                p.UserID,
		CurrentEmail:          p.CurrentEmail,
		NewEmail:              p.NewEmail,
		Status:                domain.StatusPendingVerification,
		Reason:                p.Reason,
		CustomReason:          nullStr(p.CustomReason),
		CurrentTokenHash:      token.Hash(curTok),
		NewTokenHash:          token.Hash(newTok),
		TokensExpireAt:        now.Add(domain.VerificationTokenTTL),
		EstimatedCompletionAt: sql.NullTime{Time: estimate, Valid: true},
		RequestedAt:           now,
		IPAddress:             nullStr(p.IPAddress),
		UserAgent:             nullStr(p.UserAgent),
		UpdatedAt:             now,
	}
	r.requests[req.RequestID] = req

	r.appendAudit(req.RequestID, domain.AuditActionCreated, p.UserID, now, map[string]any{
		"new_email": p.NewEmail,
		"reason":    p.Reason,
	}, p.IPAddress, p.UserAgent)

	return cloneRequest(req), &TokenPair{CurrentToken: curTok, NewToken: newTok}, nil
}

func (r *MemoryEmailChangeRepository) GetByID(_ context.Context, requestID string) (*domain.EmailChangeRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (r *MemoryEmailChangeRepository) GetByToken(_ context.Context, rawToken, emailType string) (*domain.EmailChangeRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hash := token.Hash(rawToken)
	for _, req := range r.requests {
		stored := req.CurrentTokenHash
		if emailType == domain.EmailTypeNew {
			stored = req.NewTokenHash
		}
		if bytes.Equal(stored, hash) {
			return cloneRequest(req), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryEmailChangeRepository) HasActiveRequest(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, req := range r.requests {
		if req.UserID == userID && !domain.IsTerminalStatus(req.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryEmailChangeRepository) LastRequestedAt(_ context.Context, userID string) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last time.Time
	found := false
	for _, req := range r.requests {
		if req.UserID == userID && req.RequestedAt.After(last) {
			last = req.RequestedAt
			found = true
		}
	}
	return last, found, nil
}

func (r *MemoryEmailChangeRepository) UpdateVerificationStatus(_ context.Context, requestID, emailType, ip, ua string) (*domain.EmailChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != domain.StatusPendingVerification {
		return nil, ErrStaleStatus
	}

	now := r.now()
	action := domain.AuditActionCurrentEmailVerified
	if emailType == domain.EmailTypeNew {
		req.NewEmailVerified = true
		action = domain.AuditActionNewEmailVerified
	} else {
		req.CurrentEmailVerified = true
	}
	req.UpdatedAt = now
	r.appendAudit(requestID, action, req.UserID, now, map[string]any{"email_type": emailType}, ip, ua)

	if req.BothVerified() {
		req.VerifiedAt = sql.NullTime{Time: now, Valid: true}
		if domain.RequiresApproval(req.Reason, req.CurrentEmail, req.NewEmail) {
			req.Status = domain.StatusPendingApproval
		} else {
			req.Status = domain.StatusApproved
			req.ApprovedBy = nullStr(domain.SystemActor)
			req.ApprovedAt = sql.NullTime{Time: now, Valid: true}
			r.appendAudit(requestID, domain.AuditActionAutoApproved, domain.SystemActor, now, map[string]any{
				"reason":        req.Reason,
				"domain_change": domain.EmailDomain(req.CurrentEmail) != domain.EmailDomain(req.NewEmail),
			}, ip, ua)
		}
	}

	return cloneRequest(req), nil
}

func (r *MemoryEmailChangeRepository) Approve(_ context.Context, requestID, approvedBy, notes, ip, ua string) (*domain.EmailChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != domain.StatusPendingApproval {
		return nil, ErrStaleStatus
	}

	now := r.now()
	req.Status = domain.StatusApproved
	req.ApprovedBy = nullStr(approvedBy)
	req.ApprovedAt = sql.NullTime{Time: now, Valid: true}
	req.ApprovalNotes = nullStr(notes)
	req.EstimatedCompletionAt = sql.NullTime{Time: now.Add(24 * time.Hour), Valid: true}
	req.UpdatedAt = now
	r.appendAudit(requestID, domain.AuditActionApproved, approvedBy, now, map[string]any{"notes": notes}, ip, ua)

	return cloneRequest(req), nil
}

func (r *MemoryEmailChangeRepository) Reject(_ context.Context, requestID, rejectedBy, reason, ip, ua string) (*domain.EmailChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != domain.StatusPendingVerification && req.Status != domain.StatusPendingApproval {
		return nil, ErrStaleStatus
	}

	now := r.now()
	req.Status = domain.StatusRejected
	req.RejectedBy = nullStr(rejectedBy)
	req.RejectedAt = sql.NullTime{Time: now, Valid: true}
	req.RejectionReason = nullStr(reason)
	req.UpdatedAt = now
	r.appendAudit(requestID, domain.AuditActionRejected, rejectedBy, now, map[string]any{"reason": reason}, ip, ua)

	return cloneRequest(req), nil
}

func (r *MemoryEmailChangeRepository) Cancel(_ context.Context, requestID, cancelledBy, ip, ua string) (*domain.EmailChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != domain.StatusPendingVerification && req.Status != domain.StatusPendingApproval {
		return nil, ErrStaleStatus
	}

	now := r.now()
	req.Status = domain.StatusCancelled
	req.CancelledBy = nullStr(cancelledBy)
	req.CancelledAt = sql.NullTime{Time: now, Valid: true}
	req.UpdatedAt = now
	r.appendAudit(requestID, domain.AuditActionCancelled, cancelledBy, now, nil, ip, ua)

	return cloneRequest(req), nil
}

func (r *MemoryEmailChangeRepository) Complete(_ context.Context, requestID, performedBy, ip, ua string) (*domain.EmailChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != domain.StatusApproved {
		return nil, ErrStaleStatus
	}

	now := r.now()
	req.Status = domain.StatusCompleted
	req.CompletedAt = sql.NullTime{Time: now, Valid: true}
	req.UpdatedAt = now
	r.appendAudit(requestID, domain.AuditActionCompleted, performedBy, now, map[string]any{"new_email": req.NewEmail}, ip, ua)

	return cloneRequest(req), nil
}

func (r *MemoryEmailChangeRepository) RegenerateTokens(_ context.Context, requestID, emailType, ip, ua string) (*domain.EmailChangeRequest, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, "", ErrNotFound
	}
	if req.Status != domain.StatusPendingVerification {
		return nil, "", ErrStaleStatus
	}

	newTok, err := token.Generate()
	if err != nil {
		return nil, "", err
	}

	now := r.now()
	if emailType == domain.EmailTypeNew {
		req.NewTokenHash = token.Hash(newTok)
	} else {
		req.CurrentTokenHash = token.Hash(newTok)
	}
	req.TokensExpireAt = now.Add(domain.VerificationTokenTTL)
	req.UpdatedAt = now
	r.appendAudit(requestID, domain.AuditActionVerificationResent, req.UserID, now, map[string]any{"email_type": emailType}, ip, ua)

	return cloneRequest(req), newTok, nil
}

func (r *MemoryEmailChangeRepository) ListRequests(_ context.Context, q ListQuery) (*ListPage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q = normalizeListQuery(q)

	all := make([]domain.EmailChangeRequest, 0, len(r.requests))
	for _, req := range r.requests {
		if q.UserID != "" && req.UserID != q.UserID {
			continue
		}
		if q.Status != "" && req.Status != q.Status {
			continue
		}
		if !q.IncludeCompleted && q.Status == "" && req.Status == domain.StatusCompleted {
			continue
		}
		all = append(all, *cloneRequest(req))
	}

	sort.Slice(all, func(i, j int) bool {
		var less bool
		switch {
		case q.SortBy == "status" && all[i].Status != all[j].Status:
			less = all[i].Status < all[j].Status
		case !all[i].RequestedAt.Equal(all[j].RequestedAt):
			less = all[i].RequestedAt.Before(all[j].RequestedAt)
		default:
			// 同刻请求按 id 定序，保证分页稳定
			less = all[i].RequestID < all[j].RequestID
		}
		if q.SortOrder == "desc" {
			return !less
		}
		return less
	})

	offset := DecodeCursor(q.Cursor)
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + q.Limit
	next := ""
	if end < len(all) {
		next = EncodeCursor(end)
	} else {
		end = len(all)
	}

	return &ListPage{Items: all[offset:end], NextCursor: next}, nil
}

func (r *MemoryEmailChangeRepository) ListAuditLogs(_ context.Context, requestID string) ([]domain.EmailChangeAuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	logs := append([]domain.EmailChangeAuditLog(nil), r.audits[requestID]...)
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].PerformedAt.Before(logs[j].PerformedAt)
	})
	return logs, nil
}
