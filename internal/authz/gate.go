// Package authz 负责服务函数调用的授权顺序编排。
//
// 身份验证和角色判断委托给 AuthorizationService，本包只决定检查的先后：
// 仅内部调用的函数 → 验证身份 → 本人资源规则 → 角色规则。
package authz

import (
	"context"

	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/registry"
	"github.com/sirupsen/logrus"
)

// Identity 已验证的调用方身份
type Identity struct {
	// Subject 认证主体（用户名）
	Subject string
	// Roles 角色列表
	Roles []string
}

// HasRoleIn 判断身份是否拥有 roles 中的任一角色
func (i *Identity) HasRoleIn(roles []string) bool {
	for _, want := range roles {
		for _, have := range i.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// AuthorizationService 验证调用方凭据并判断角色
type AuthorizationService interface {
	// VerifyIdentity 验证授权头，失败返回错误
	VerifyIdentity(ctx context.Context, authHeader string) (*Identity, error)
	// IsAuthorized 判断身份是否拥有任一允许的角色
	IsAuthorized(ctx context.Context, identity *Identity, roles []string) bool
}

// UsersService 用户账户服务，用于"本人资源"规则
type UsersService interface {
	UserIDBySubject(ctx context.Context, subject string) (string, error)
}

// Request 一次授权请求
type Request struct {
	// Call 调用请求
	Call *domain.ServiceFunctionCall
	// Function 目标函数
	Function *registry.Function
	// Argument 已转换的参数（可为 nil）
	Argument any
}

// Gate 授权关卡
type Gate struct {
	auth   AuthorizationService
	users  UsersService
	logger *logrus.Logger
}

// NewGate 创建授权关卡。auth 为 nil 时关闭认证，所有外部调用视为已授权。
func NewGate(auth AuthorizationService, users UsersService, logger *logrus.Logger) *Gate {
	return &Gate{auth: auth, users: users, logger: logger}
}

// Authorize 按顺序执行授权检查。
// 返回的身份在认证关闭或内部调用时为 nil。
func (g *Gate) Authorize(ctx context.Context, req Request) (*Identity, *domain.ExecutionError) {
	rules := req.Function.Access

	// 仅内部使用的函数不对外暴露
	if rules.InternalOnly {
		if req.Call.Internal {
			return nil, nil
		}
		return nil, domain.NewExecutionError(domain.CodeServiceFunctionNotAuthorized, "")
	}
	if req.Call.Internal {
		return nil, nil
	}
	if g.auth == nil {
		return nil, nil
	}

	identity, err := g.auth.VerifyIdentity(ctx, req.Call.Header("Authorization"))
	if err != nil || identity == nil {
		return nil, domain.NewExecutionError(domain.CodeUserNotAuthenticated, "").WithCause(err)
	}

	if rules.EveryUser {
		return identity, nil
	}

	if rules.Self && g.isSelf(ctx, identity, req) {
		return identity, nil
	}

	if len(rules.Roles) > 0 && g.auth.IsAuthorized(ctx, identity, rules.Roles) {
		return identity, nil
	}

	return identity, domain.NewExecutionError(domain.CodeServiceFunctionNotAuthorized, "")
}

func (g *Gate) isSelf(ctx context.Context, identity *Identity, req Request) bool {
	subjectID := req.Function.SelfSubject(req.Argument)
	if subjectID == "" || g.users == nil {
		return false
	}
	userID, err := g.users.UserIDBySubject(ctx, identity.Subject)
	if err != nil {
		g.logger.WithError(err).WithField("subject", identity.Subject).Debug("User lookup for self authorization failed")
		return false
	}
	return userID == subjectID
}
