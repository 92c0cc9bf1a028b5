package authz

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oriys/courier/internal/config"
)

// 定义 JWT 相关的错误类型
var (
	// ErrMissingToken 表示授权头中没有令牌
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken 表示提供的令牌无效或格式错误
	ErrInvalidToken = errors.New("invalid token")
)

// JWTService 是基于 JWT 的 AuthorizationService 实现。
//
// 主体和角色从可配置的声明路径读取（如 "realm_access.roles"）。
// 配置了授权服务器公钥地址时使用 RS256，公钥在首次验证时拉取并缓存；
// 否则使用 HS256 共享密钥。
type JWTService struct {
	secret        []byte
	subjectPath   string
	rolesPath     string
	publicKeyURL  string
	publicKeyPath string
	expiration    time.Duration
	httpClient    *http.Client

	mu        sync.Mutex
	publicKey *rsa.PublicKey
}

// NewJWTService 根据认证配置创建 JWTService
func NewJWTService(cfg config.AuthConfig) *JWTService {
	return &JWTService{
		secret:        []byte(cfg.JWTSecret),
		subjectPath:   cfg.SubjectClaimPath,
		rolesPath:     cfg.RolesClaimPath,
		publicKeyURL:  cfg.PublicKeyURL,
		publicKeyPath: cfg.PublicKeyPath,
		expiration:    cfg.JWTExpiration,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Generate 为指定主体签发 HS256 令牌，主要供 CLI 和测试使用
func (s *JWTService) Generate(subject string, roles []string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(s.expiration)),
	}
	setClaim(claims, s.subjectPath, subject)
	setClaim(claims, s.rolesPath, roles)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyIdentity 验证 "Bearer <token>" 授权头。
// 令牌可以是原始 JWT，也可以是整体 base64 编码后的 JWT。
func (s *JWTService) VerifyIdentity(ctx context.Context, authHeader string) (*Identity, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(authHeader), "Bearer ")
	if !ok || raw == "" {
		return nil, ErrMissingToken
	}

	tokenStr := unwrapToken(strings.TrimSpace(raw))
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.verificationKey(ctx, t)
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, _ := lookupClaim(claims, s.subjectPath).(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject claim %q", ErrInvalidToken, s.subjectPath)
	}

	identity := &Identity{Subject: subject}
	switch roles := lookupClaim(claims, s.rolesPath).(type) {
	case []interface{}:
		for _, r := range roles {
			if role, ok := r.(string); ok {
				identity.Roles = append(identity.Roles, role)
			}
		}
	case string:
		identity.Roles = strings.Fields(roles)
	}
	return identity, nil
}

// IsAuthorized 判断身份是否拥有任一允许的角色
func (s *JWTService) IsAuthorized(_ context.Context, identity *Identity, roles []string) bool {
	return identity != nil && identity.HasRoleIn(roles)
}

func (s *JWTService) verificationKey(ctx context.Context, t *jwt.Token) (interface{}, error) {
	if s.publicKeyURL == "" {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}

	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return s.fetchPublicKey(ctx)
}

// fetchPublicKey 从授权服务器拉取 PEM 公钥，成功后缓存
func (s *JWTService) fetchPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.publicKey != nil {
		return s.publicKey, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.publicKeyURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch public key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch public key: http %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode public key response: %w", err)
	}
	pem, _ := lookupClaim(body, s.publicKeyPath).(string)
	if pem == "" {
		return nil, fmt.Errorf("public key not found at %q", s.publicKeyPath)
	}

	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	s.publicKey = key
	return key, nil
}

// unwrapToken 处理整体 base64 编码的令牌
func unwrapToken(raw string) string {
	if strings.Count(raw, ".") == 2 {
		return raw
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(raw); err == nil {
			return string(decoded)
		}
	}
	return raw
}

// lookupClaim 按点分路径读取嵌套声明
func lookupClaim(claims map[string]interface{}, path string) interface{} {
	var cur interface{} = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// setClaim 按点分路径写入嵌套声明
func setClaim(claims map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := claims
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
