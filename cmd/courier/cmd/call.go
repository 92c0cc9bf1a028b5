package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	callData    string
	callFile    string
	callGet     bool
	callHeaders []string
	callVerbose bool
)

var callCmd = &cobra.Command{
	Use:   "call <service.function>",
	Short: "调用服务函数",
	Long: `调用网关上的服务函数。

参数可以通过 --data、--file 或标准输入提供，必须是 JSON。`,
	Example: `  courier call orders.getCount
  courier call orders.get --get --data '{"id":"42"}'
  echo '{"customerId":"c1"}' | courier call orders.create
  courier call users.get --data '{"id":"u1"}' -H 'If-None-Match: "3"'`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVarP(&callData, "data", "d", "", "JSON 参数")
	callCmd.Flags().StringVarP(&callFile, "file", "f", "", "从文件读取 JSON 参数")
	callCmd.Flags().BoolVar(&callGet, "get", false, "使用 GET 调用")
	callCmd.Flags().StringArrayVarP(&callHeaders, "header", "H", nil, "附加请求头，格式为 'Name: value'")
	callCmd.Flags().BoolVarP(&callVerbose, "verbose", "v", false, "打印状态码、耗时和响应头")
}

func runCall(cmd *cobra.Command, args []string) error {
	arg, err := readArgument(cmd)
	if err != nil {
		return err
	}

	headers := make(map[string]string, len(callHeaders))
	for _, h := range callHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	res, err := NewClient().Call(args[0], arg, callGet, headers)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if callVerbose {
		fmt.Fprintf(out, "HTTP %d (%s)\n", res.StatusCode, res.Duration.Round(time.Millisecond))
		for _, name := range []string{"Etag", "Cache-Control", "Location"} {
			if v := res.Headers.Get(name); v != "" {
				fmt.Fprintf(out, "%s: %s\n", name, v)
			}
		}
	}
	if res.Failed() {
		return decodeCallError(res)
	}
	return NewPrinter(out).PrintJSONBody(res.Body)
}

// readArgument 按 --data、--file、标准输入的顺序读取参数
func readArgument(cmd *cobra.Command) (json.RawMessage, error) {
	var data []byte
	switch {
	case callData != "":
		data = []byte(callData)
	case callFile != "":
		b, err := os.ReadFile(callFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		data = b
	default:
		if f, ok := cmd.InOrStdin().(*os.File); ok {
			stat, err := f.Stat()
			if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
				return nil, nil
			}
		}
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		data = b
	}

	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("argument is not valid JSON")
	}
	return data, nil
}
