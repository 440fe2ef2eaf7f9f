package repository

import (
	"context"
	"errors"

	"tempo-accounts/internal/domain"
)

// ErrUserNotFound 用户不存在
var ErrUserNotFound = errors.New("user not found")

// UsersRepository 用户身份存储（本服务只需要邮箱唯一性检查、
// 通知收件人解析和 Process 阶段的档案邮箱落盘）。
type UsersRepository interface {
	GetUserByID(ctx context.Context, userID string) (*domain.User, error)
	// GetUserByEmail 大小写不敏感匹配；不存在返回 ErrUserNotFound
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateUserEmail(ctx context.Context, userID, email string) error
}
