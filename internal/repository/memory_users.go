package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"tempo-accounts/internal/domain"
)

// MemoryUsersRepository 内存用户存储（开发回退 + 测试）
type MemoryUsersRepository struct {
	mu    sync.RWMutex
	users map[string]domain.User // userID -> User
}

var _ UsersRepository = (*MemoryUsersRepository)(nil)

func NewMemoryUsersRepository() *MemoryUsersRepository {
	return &MemoryUsersRepository{users: map[string]domain.User{}}
}

// SeedUser 写入/覆盖一个用户（开发引导和测试夹具用）
func (r *MemoryUsersRepository) SeedUser(u domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.Status == "" {
		u.Status = "active"
	}
	r.users[u.UserID] = u
}

func (r *MemoryUsersRepository) GetUserByID(_ context.Context, userID string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *MemoryUsersRepository) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			out := u
			return &out, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *MemoryUsersRepository) UpdateUserEmail(_ context.Context, userID, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Email = email
	u.UpdatedAt = time.Now()
	r.users[userID] = u
	return nil
}
