package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/events"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	auditOutcome string
	auditDurable string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "审计日志相关命令",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "实时跟踪事件总线上的审计记录",
	Long: `订阅 NATS JetStream 上的 audit.> 事件并逐条打印，Ctrl+C 退出。

NATS 地址通过 --nats-url、COURIER_NATS_URL 或配置文件中的 nats_url 提供。`,
	Example: `  courier audit tail
  courier audit tail --outcome failure -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		natsURL := viper.GetString("nats_url")
		if natsURL == "" {
			return fmt.Errorf("nats url is required (--nats-url or COURIER_NATS_URL)")
		}

		logger := logrus.New()
		logger.SetOutput(cmd.ErrOrStderr())
		logger.SetLevel(logrus.WarnLevel)

		bus, err := events.NewEventBus(natsURL, logger)
		if err != nil {
			return err
		}
		defer bus.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		subject := events.SubjectAudit + ".>"
		if auditOutcome != "" {
			subject = events.SubjectAudit + "." + auditOutcome
		}
		durable := auditDurable
		if durable == "" {
			durable = "courier-cli-" + uuid.NewString()[:8]
		}

		printer := &auditPrinter{w: cmd.OutOrStdout(), format: NewPrinter(cmd.OutOrStdout()).format}
		if err := bus.Subscribe(ctx, subject, durable, printer.handle); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Tailing %s (durable %s)...\n", subject, durable)

		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().String("nats-url", "", "NATS 地址")
	auditTailCmd.Flags().StringVar(&auditOutcome, "outcome", "", "只显示指定结果（success 或 failure）")
	auditTailCmd.Flags().StringVar(&auditDurable, "durable", "", "持久消费者名称，默认随机生成")
	_ = viper.BindPFlag("nats_url", auditTailCmd.Flags().Lookup("nats-url"))
}

// auditPrinter 逐条打印审计事件，订阅回调可能并发执行
type auditPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func (p *auditPrinter) handle(ev *events.Event) error {
	var entry domain.AuditLogEntry
	if err := json.Unmarshal(ev.Data, &entry); err != nil {
		return fmt.Errorf("failed to decode audit entry: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format == "json" {
		return json.NewEncoder(p.w).Encode(entry)
	}
	line := fmt.Sprintf("%s  %-7s  %-30s  actor=%s  source=%s",
		entry.CreatedAt.Format("2006-01-02 15:04:05"), entry.Outcome, entry.OperationName,
		dash(entry.Actor), dash(entry.SourceAddress))
	if entry.ErrorMessage != "" {
		line += fmt.Sprintf("  status=%d  error=%q", entry.StatusCode, entry.ErrorMessage)
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}
