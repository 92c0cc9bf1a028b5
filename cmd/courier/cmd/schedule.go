package cmd

import (
	"fmt"
	"time"

	"github.com/oriys/courier/internal/dispatch"
	"github.com/oriys/courier/internal/scheduler"
	"github.com/spf13/cobra"
)

var (
	scheduleCron  string
	scheduleAt    string
	scheduleRetry []int
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <service.function>",
	Short: "提交一次性或周期性任务",
	Long: `通过 jobScheduler.scheduleJobExecution 提交任务。

--cron 使用带秒字段的 cron 表达式；--at 使用 RFC3339 时间，二者都未指定时立即执行。`,
	Example: `  courier schedule orders.purgeExpired --cron '0 */5 * * * *'
  courier schedule orders.cancel --data '{"id":"42"}' --at 2026-11-01T08:00:00Z --retry 10,60`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arg, err := readArgument(cmd)
		if err != nil {
			return err
		}
		req := scheduler.JobRequest{
			ServiceFunctionName:  args[0],
			Argument:             arg,
			CronExpression:       scheduleCron,
			RetryIntervalsInSecs: scheduleRetry,
		}
		if scheduleAt != "" {
			at, err := time.Parse(time.RFC3339, scheduleAt)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			req.ScheduledExecutionTimestamp = at
		}

		var out struct {
			JobID string `json:"jobId"`
		}
		if err := NewClient().CallInto(dispatch.RouteScheduleJob, req, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job scheduled: %s\n", out.JobID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.Flags().StringVarP(&callData, "data", "d", "", "JSON 参数")
	scheduleCmd.Flags().StringVarP(&callFile, "file", "f", "", "从文件读取 JSON 参数")
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "cron 表达式（含秒）")
	scheduleCmd.Flags().StringVar(&scheduleAt, "at", "", "执行时间（RFC3339）")
	scheduleCmd.Flags().IntSliceVar(&scheduleRetry, "retry", nil, "失败重试间隔（秒）")
}
