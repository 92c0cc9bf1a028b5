// Package txsafety 根据单次调用的实际操作轨迹判断事务安全性。
//
// 监视器是纯函数：输入执行上下文计数器快照和处理器声明的注解，输出违规或 nil。
// 它只检测不安全的组合并拒绝，从不尝试补救（没有分布式事务、没有补偿）。
package txsafety

import (
	"fmt"

	"github.com/oriys/courier/internal/execctx"
)

// Annotations 是处理器在注册时声明的静态元数据，运行期不变
type Annotations struct {
	// NonTransactional 声明处理器有意在事务外执行多次数据库操作，
	// 或在一次远程调用之外混合数据库操作，不要求原子性
	NonTransactional bool
	// NonDistributedTransactional 声明处理器有意执行多次远程调用，
	// 或在远程调用之后执行数据库操作，接受无法回滚
	NonDistributedTransactional bool
}

// Rule 违规规则标识
type Rule string

const (
	// RuleMultipleDataStoreOperations 多次本地数据库操作未包在事务中
	RuleMultipleDataStoreOperations Rule = "multiple_datastore_operations"
	// RuleDataStoreOperationWithRemoteCall 数据库操作与一次远程调用混合
	RuleDataStoreOperationWithRemoteCall Rule = "datastore_operation_with_remote_call"
	// RuleMultipleRemoteCalls 多次远程调用
	RuleMultipleRemoteCalls Rule = "multiple_remote_calls"
	// RuleDataStoreOperationAfterRemoteCall 远程调用之后的数据库操作
	RuleDataStoreOperationAfterRemoteCall Rule = "datastore_operation_after_remote_call"
)

// Violation 描述一次事务安全违规
type Violation struct {
	Rule            Rule
	ServiceFunction string
	Message         string
}

// Error 实现 error 接口
func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.ServiceFunction, v.Message)
}

// Evaluate 按 a→d 的顺序检查规则，只报告第一条命中的规则。
func Evaluate(serviceFunction string, c execctx.Counters, a Annotations) *Violation {
	violation := func(rule Rule, message string) *Violation {
		return &Violation{Rule: rule, ServiceFunction: serviceFunction, Message: message}
	}

	switch {
	case c.DBLocalTransactionCount > 1 && c.RemoteServiceCallCount == 0 && !a.NonTransactional:
		return violation(RuleMultipleDataStoreOperations,
			"multiple database operations must be executed inside a transaction (use InTransaction) or the service function must be declared non-transactional")

	case c.DBLocalTransactionCount >= 1 && c.RemoteServiceCallCount == 1 && !a.NonTransactional:
		return violation(RuleDataStoreOperationWithRemoteCall,
			"a database operation and a remote service call must be executed inside a transaction or the service function must be declared non-transactional")

	case (c.RemoteServiceCallCount > 1 || c.PostHookRemoteServiceCallCount > 1) && !a.NonDistributedTransactional:
		return violation(RuleMultipleRemoteCalls,
			"multiple remote service calls cannot be executed because distributed transactions are not supported; declare the service function non-distributed-transactional if atomicity is not required")

	case c.DataStoreOperationAfterRemoteServiceCall && !a.NonDistributedTransactional:
		return violation(RuleDataStoreOperationAfterRemoteCall,
			"a database operation after a remote service call cannot be rolled back; declare the service function non-distributed-transactional if atomicity is not required")
	}

	return nil
}
