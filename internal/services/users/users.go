// Package users 是演示用的用户账户服务。
//
// 它同时实现 registry.UserDirectory：授权关卡通过 UserIDBySubject
// 将认证主体（用户名）映射到用户 ID，用于"本人资源"规则。
package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/courier/internal/datastore"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/registry"
)

// ServiceName 服务名
const ServiceName = "users"

const (
	usersCollection     = "users"
	userNamesCollection = "userNames"
)

// User 用户账户
type User struct {
	ID          string    `json:"_id" validate:"required"`
	Version     int64     `json:"version"`
	UserName    string    `json:"userName" validate:"required,email"`
	DisplayName string    `json:"displayName" validate:"max=64"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateUserArg 注册参数
type CreateUserArg struct {
	UserName    string `json:"userName" validate:"required,email"`
	DisplayName string `json:"displayName" validate:"max=64"`
	Password    string `json:"password" validate:"required,min=8"`
}

// UserIDArg 按 ID 操作用户
type UserIDArg struct {
	ID string `json:"_id" validate:"required"`
}

// UpdateUserArg 修改显示名
type UpdateUserArg struct {
	ID          string `json:"_id" validate:"required"`
	Version     int64  `json:"version"`
	DisplayName string `json:"displayName" validate:"max=64"`
}

type userNameIndex struct {
	UserID string `json:"userId"`
}

// Service 用户账户服务
type Service struct {
	store datastore.Store
}

// New 创建用户服务
func New(store datastore.Store) *Service {
	return &Service{store: store}
}

// Register 构建注册表中的 users 服务，并标记为用户账户服务
func (s *Service) Register() (*registry.Service, error) {
	self := func(arg *UserIDArg) string { return arg.ID }
	return registry.NewService(ServiceName, []registry.Definition{
		registry.Func("createUser", s.CreateUser).
			AllowForUserRoles("admin").
			ResponseStatus(201),
		registry.Func("getUser", s.GetUser).
			AllowForSelf(self).
			AllowForUserRoles("admin"),
		registry.Func("updateUser", s.UpdateUser).
			AllowForSelf(func(arg *UpdateUserArg) string { return arg.ID }),
		registry.Func("deleteUser", s.DeleteUser).
			AllowForSelf(self).
			AllowForUserRoles("admin"),
	}, registry.WithDataStore(s.store), registry.AsUsersService(s))
}

// UserIDBySubject 实现 registry.UserDirectory
func (s *Service) UserIDBySubject(ctx context.Context, subject string) (string, error) {
	rec, err := s.store.Get(ctx, userNamesCollection, subject)
	if err != nil {
		return "", err
	}
	var idx userNameIndex
	if err := rec.Decode(&idx); err != nil {
		return "", fmt.Errorf("failed to decode user name index: %w", err)
	}
	return idx.UserID, nil
}

// CreateUser 在事务中写入用户和用户名索引
func (s *Service) CreateUser(ctx context.Context, arg *CreateUserArg) (*User, error) {
	user := &User{
		ID:          uuid.New().String(),
		UserName:    arg.UserName,
		DisplayName: arg.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}
	err := s.store.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.store.Create(ctx, userNamesCollection, arg.UserName, userNameIndex{UserID: user.ID}); err != nil {
			return err
		}
		rec, err := s.store.Create(ctx, usersCollection, user.ID, user)
		if err != nil {
			return err
		}
		user.Version = rec.Version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser 读取用户
func (s *Service) GetUser(ctx context.Context, arg *UserIDArg) (*User, error) {
	rec, err := s.store.Get(ctx, usersCollection, arg.ID)
	if err != nil {
		return nil, err
	}
	return decode(rec)
}

// UpdateUser 修改显示名，Version 为 0 时不检查版本
func (s *Service) UpdateUser(ctx context.Context, arg *UpdateUserArg) (*User, error) {
	var out *User
	err := s.store.InTransaction(ctx, func(ctx context.Context) error {
		rec, err := s.store.Get(ctx, usersCollection, arg.ID)
		if err != nil {
			return err
		}
		user, err := decode(rec)
		if err != nil {
			return err
		}
		user.DisplayName = arg.DisplayName
		updated, err := s.store.Update(ctx, usersCollection, arg.ID, arg.Version, user)
		if err != nil {
			return err
		}
		user.Version = updated.Version
		out = user
		return nil
	})
	return out, err
}

// DeleteUser 删除用户及其用户名索引
func (s *Service) DeleteUser(ctx context.Context, arg *UserIDArg) (*struct{}, error) {
	err := s.store.InTransaction(ctx, func(ctx context.Context) error {
		rec, err := s.store.Get(ctx, usersCollection, arg.ID)
		if err != nil {
			return err
		}
		user, err := decode(rec)
		if err != nil {
			return err
		}
		if err := s.store.Delete(ctx, usersCollection, arg.ID); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, userNamesCollection, user.UserName); err != nil && !errors.Is(err, domain.ErrEntityNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

func decode(rec *datastore.Record) (*User, error) {
	var user User
	if err := rec.Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user %s: %w", rec.ID, err)
	}
	user.Version = rec.Version
	return &user, nil
}
