package domain

import (
	"database/sql"
	"time"
)

// 角色枚举（网关解析后的 principal 角色）
const (
	RoleEmployee = "employee"
	RoleManager  = "manager"
	RoleAdmin    = "admin"
)

// User 用户身份模型（对应 users 表的账号子集）
// 本服务只读写邮箱相关字段；完整档案由 profile 服务维护。
type User struct {
	UserID      string         `db:"user_id"`
	Email       string         `db:"email"`
	DisplayName sql.NullString `db:"display_name"`
	Role        string         `db:"role"`
	Status      string         `db:"status"` // default 'active'
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Name 展示名；为空时退回邮箱
func (u *User) Name() string {
	if u.DisplayName.Valid && u.DisplayName.String != "" {
		return u.DisplayName.String
	}
	return u.Email
}
