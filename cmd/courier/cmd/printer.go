package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/oriys/courier/internal/registry"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Printer 按配置的输出格式（table/json/yaml）格式化输出
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 创建打印器，输出到 w
func NewPrinter(w io.Writer) *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: w}
}

// PrintJSONBody 打印 JSON 响应体；yaml 格式时转换为 YAML
func (p *Printer) PrintJSONBody(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var obj any
	if err := json.Unmarshal(body, &obj); err != nil {
		_, err := fmt.Fprintln(p.writer, string(body))
		return err
	}
	if p.format == "yaml" {
		return p.printYAML(obj)
	}
	return p.printJSON(obj)
}

// PrintServices 打印服务元数据
func (p *Printer) PrintServices(services []registry.ServiceMetadata) error {
	switch p.format {
	case "json":
		return p.printJSON(services)
	case "yaml":
		return p.printYAML(services)
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FUNCTION\tARGUMENT\tRETURNS\tACCESS\tFLAGS")
	for _, s := range services {
		for _, fn := range s.Functions {
			fmt.Fprintf(w, "%s.%s\t%s\t%s\t%s\t%s\n",
				s.ServiceName, fn.FunctionName, dash(fn.ArgType), fn.ReturnValueType, accessString(fn.Access), functionFlags(fn))
		}
	}
	return w.Flush()
}

func (p *Printer) printJSON(v any) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) printYAML(v any) error {
	enc := yaml.NewEncoder(p.writer)
	defer enc.Close()
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func accessString(a registry.AccessRules) string {
	var parts []string
	if a.EveryUser {
		parts = append(parts, "everyUser")
	}
	if a.Self {
		parts = append(parts, "self")
	}
	if a.InternalOnly {
		parts = append(parts, "internal")
	}
	if len(a.Roles) > 0 {
		parts = append(parts, "roles="+strings.Join(a.Roles, "|"))
	}
	return dash(strings.Join(parts, ","))
}

func functionFlags(f registry.FunctionMetadata) string {
	var flags []string
	if f.NonTransactional {
		flags = append(flags, "non-tx")
	}
	if f.NonDistributedTransactional {
		flags = append(flags, "non-dist-tx")
	}
	if f.Cached {
		flags = append(flags, "cached")
	}
	if f.CronExpression != "" {
		flags = append(flags, "cron="+f.CronExpression)
	}
	return dash(strings.Join(flags, ","))
}
