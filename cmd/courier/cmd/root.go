// Package cmd 包含 courier CLI 的所有命令实现，使用 cobra 构建命令行接口
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志
var (
	cfgFile   string
	apiURL    string
	outputFmt string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - service function gateway CLI",
	Long: `courier 是服务函数网关的命令行工具。

使用示例:
  # 调用服务函数
  courier call orders.create --data '{"customerId":"c1","items":[{"sku":"a","quantity":1,"priceCents":100}]}'

  # 以 GET 方式调用（参数自动 URL 编码）
  courier call orders.get --get --data '{"id":"42"}'

  # 签发测试令牌
  courier token alice@example.com --role admin

  # 跟踪审计事件
  courier audit tail --outcome failure`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.courier.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "http://localhost:8080", "网关地址")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", "", "Bearer 令牌")

	_ = viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// initConfig 按优先级加载配置：命令行标志 > 环境变量 > 配置文件
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".courier")
	}

	// 环境变量格式：COURIER_<KEY>，如 COURIER_API_URL
	viper.SetEnvPrefix("COURIER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			fmt.Fprintln(os.Stderr, "failed to read config:", err)
		}
	}
}
