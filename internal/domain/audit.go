package domain

import "time"

// AuditOutcome 审计结果
type AuditOutcome string

const (
	// AuditSuccess 调用成功
	AuditSuccess AuditOutcome = "success"
	// AuditFailure 调用失败
	AuditFailure AuditOutcome = "failure"
)

// AuditLogEntry 表示一条审计日志记录。
// 每次调用在收尾阶段最多生成一条，无论成功或失败。
type AuditLogEntry struct {
	// ID 记录唯一标识
	ID string `json:"id"`
	// Actor 调用方身份（用户名或主体标识）
	Actor string `json:"actor"`
	// SourceAddress 调用方地址（X-Forwarded-For）
	SourceAddress string `json:"sourceAddress"`
	// AuthHeader 授权头的 SHA-256 指纹，原始凭据不会写入审计日志
	AuthHeader string `json:"authHeader"`
	// OperationName 操作名称
	OperationName string `json:"operationName"`
	// Outcome 调用结果
	Outcome AuditOutcome `json:"outcome"`
	// StatusCode 失败时的状态码
	StatusCode int `json:"statusCode,omitempty"`
	// ErrorMessage 失败时的错误消息
	ErrorMessage string `json:"errorMessage,omitempty"`
	// Subject 被操作的对象（用户服务为参数，其余为结果的 _id）
	Subject map[string]any `json:"subject,omitempty"`
	// CreatedAt 记录创建时间
	CreatedAt time.Time `json:"createdAt"`
}
