// Package main 是 courier 命令行工具的入口点。
// courier 用于调用网关上的服务函数、签发测试令牌、提交定时任务和跟踪审计事件。
package main

import (
	"os"

	"github.com/oriys/courier/cmd/courier/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
