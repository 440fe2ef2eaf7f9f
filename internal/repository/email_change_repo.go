package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"tempo-accounts/internal/domain"
)

// Repository 层错误（服务层据此映射为对外错误码，不做字符串匹配）
var (
	// ErrNotFound 请求不存在，或令牌已被轮换（旧令牌查不到任何请求）
	ErrNotFound = errors.New("email change request not found")
	// ErrDuplicateActive 唯一性约束命中：该用户已有活跃请求
	ErrDuplicateActive = errors.New("user already has an active email change request")
	// ErrStaleStatus 带状态前置条件的更新未命中任何行（并发下状态已被他人推进）
	ErrStaleStatus = errors.New("request status changed concurrently")
)

// TokenPair CreateRequest 返回的明文令牌对（仅在此处出现，存储层只保存哈希）
type TokenPair struct {
	CurrentToken string
	NewToken     string
}

// CreateParams 创建请求参数（形状/业务校验由调用方完成）
type CreateParams struct {
	UserID       string
	CurrentEmail string
	NewEmail     string
	Reason       string
	CustomReason string
	IPAddress    string
	UserAgent    string
}

// Cond 条件更新/查询的原子条件（由各存储适配器编译为其原生形式）
// Op 取值："=", "!=", "IN"
type Cond struct {
	Field string
	Op    string
	Value any
}

// ListQuery 列表查询参数
type ListQuery struct {
	UserID           string // 空 = 不过滤
	Status           string // 空 = 不过滤
	IncludeCompleted bool   // 默认不含 completed
	SortBy           string // requested_at | status（默认 requested_at）
	SortOrder        string // asc | desc（默认 desc）
	Limit            int    // 默认 20，上限 100
	Cursor           string // 上一页返回的不透明游标
}

// ListPage 列表查询结果；NextCursor 为空表示无更多数据
type ListPage struct {
	Items      []domain.EmailChangeRequest
	NextCursor string
}

// EmailChangeRepository 邮箱变更请求仓储。
// 除 RegenerateTokens（自身即审计事件）外，每个写操作在返回前追加恰好一条审计日志。
type EmailChangeRepository interface {
	// CreateRequest 生成 id + 两个 24h 令牌，状态 pending_verification，审计 created。
	// 返回明文令牌供验证邮件使用。
	CreateRequest(ctx context.Context, p CreateParams) (*domain.EmailChangeRequest, *TokenPair, error)

	// GetByID 按 id 读取；不存在返回 ErrNotFound
	GetByID(ctx context.Context, requestID string) (*domain.EmailChangeRequest, error)

	// GetByToken 按令牌哈希索引反查（current/new 侧）；令牌已轮换则 ErrNotFound
	GetByToken(ctx context.Context, rawToken, emailType string) (*domain.EmailChangeRequest, error)

	// HasActiveRequest 该用户是否存在活跃请求
	HasActiveRequest(ctx context.Context, userID string) (bool, error)

	// LastRequestedAt 该用户最近一次提交时间（冷却窗口判断用）；从未提交返回零值+false
	LastRequestedAt(ctx context.Context, userID string) (time.Time, bool, error)

	// UpdateVerificationStatus 置位指定侧验证标志；两侧齐备时推进状态：
	// 需审批 -> pending_approval，免审批 -> approved（额外追加 system 审计）。
	UpdateVerificationStatus(ctx context.Context, requestID, emailType, ip, ua string) (*domain.EmailChangeRequest, error)

	// Approve 状态前置 pending_approval -> approved，记录审批人/时间/备注
	Approve(ctx context.Context, requestID, approvedBy, notes, ip, ua string) (*domain.EmailChangeRequest, error)

	// Reject 状态前置 {pending_verification, pending_approval} -> rejected
	Reject(ctx context.Context, requestID, rejectedBy, reason, ip, ua string) (*domain.EmailChangeRequest, error)

	// Cancel 状态前置 {pending_verification, pending_approval} -> cancelled
	Cancel(ctx context.Context, requestID, cancelledBy, ip, ua string) (*domain.EmailChangeRequest, error)

	// Complete 状态前置 approved -> completed
	Complete(ctx context.Context, requestID, performedBy, ip, ua string) (*domain.EmailChangeRequest, error)

	// RegenerateTokens 为指定侧签发新令牌 + 新 24h 有效期，旧令牌即刻失效；
	// 审计 verification_resent。返回明文新令牌。
	RegenerateTokens(ctx context.Context, requestID, emailType, ip, ua string) (*domain.EmailChangeRequest, string, error)

	// ListRequests 分页列表
	ListRequests(ctx context.Context, q ListQuery) (*ListPage, error)

	// ListAuditLogs 按时间正序返回请求的全部审计日志
	ListAuditLogs(ctx context.Context, requestID string) ([]domain.EmailChangeAuditLog, error)
}

// listCursor 游标载荷（对外 base64 不透明）
type listCursor struct {
	Offset int `json:"o"`
}

// EncodeCursor 偏移量 -> 不透明游标
func EncodeCursor(offset int) string {
	b, _ := json.Marshal(listCursor{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor 不透明游标 -> 偏移量；非法游标按 0 处理（当作第一页）
func DecodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	var c listCursor
	if err := json.Unmarshal(b, &c); err != nil || c.Offset < 0 {
		return 0
	}
	return c.Offset
}

// normalizeListQuery 填充排序/分页默认值
func normalizeListQuery(q ListQuery) ListQuery {
	if q.SortBy != "status" {
		q.SortBy = "requested_at"
	}
	if q.SortOrder != "asc" {
		q.SortOrder = "desc"
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	return q
}

// auditDetails 序列化审计详情；失败时退化为空详情（审计是 advisory 的）
func auditDetails(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
