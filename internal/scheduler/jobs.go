// Package scheduler 管理服务函数的定时执行。
//
// 任务有两种来源：注册时通过 Cron 声明的周期任务，以及运行时经保留路由
// jobScheduler.scheduleJobExecution 提交的任务（一次性或 cron）。任务以
// Internal 调用的形式交给分发器执行，失败时按声明的重试间隔重新执行。
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/events"
	"github.com/oriys/courier/internal/metrics"
	"github.com/oriys/courier/internal/registry"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrInvalidJob 任务请求不合法
var ErrInvalidJob = errors.New("invalid job request")

// JobStatus 任务执行状态
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusFailed    JobStatus = "failed"
)

// JobRequest 是提交任务的参数
type JobRequest struct {
	// ServiceFunctionName 要执行的服务函数，如 "orders.purge"
	ServiceFunctionName string `json:"serviceFunctionName" validate:"required"`
	// Argument 调用参数
	Argument json.RawMessage `json:"serviceFunctionArgument,omitempty"`
	// CronExpression 周期执行表达式（含秒），与 ScheduledExecutionTimestamp 二选一
	CronExpression string `json:"cronExpression,omitempty"`
	// ScheduledExecutionTimestamp 一次性执行时间，早于当前时间时立即执行
	ScheduledExecutionTimestamp time.Time `json:"scheduledExecutionTimestamp,omitempty"`
	// RetryIntervalsInSecs 失败后的重试间隔（秒），按顺序使用
	RetryIntervalsInSecs []int `json:"retryIntervalsInSecs,omitempty" validate:"omitempty,dive,gte=0"`
}

// Executor 执行一次内部调用，由分发器实现
type Executor interface {
	Execute(ctx context.Context, call *domain.ServiceFunctionCall) *domain.Response
}

// JobEvent 任务状态变化时发布的事件内容
type JobEvent struct {
	JobID               string    `json:"jobId"`
	ServiceFunctionName string    `json:"serviceFunctionName"`
	Status              JobStatus `json:"status"`
	Attempt             int       `json:"attempt"`
	ErrorCode           string    `json:"errorCode,omitempty"`
}

// JobScheduler 基于 robfig/cron 的任务调度器
type JobScheduler struct {
	cron      *cron.Cron
	executor  Executor
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]cron.EntryID // jobID -> cronEntryID
	timers  map[string]*time.Timer
	pending []pendingJob
	started bool
}

type pendingJob struct {
	id  string
	req JobRequest
}

// Option 配置 JobScheduler
type Option func(*JobScheduler)

// WithPublisher 任务状态事件发布到 NATS
func WithPublisher(p events.Publisher) Option {
	return func(s *JobScheduler) { s.publisher = p }
}

// WithMetrics 记录任务执行指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *JobScheduler) { s.metrics = m }
}

// NewJobScheduler 创建调度器。Start 之前提交的任务会在启动后生效。
func NewJobScheduler(logger *logrus.Logger, opts ...Option) *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &JobScheduler{
		cron:    cron.New(cron.WithSeconds()), // 支持秒级
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 绑定执行器并启动调度
func (s *JobScheduler) Start(executor Executor) {
	s.mu.Lock()
	s.executor = executor
	s.started = true
	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		if err := s.addLocked(p.id, p.req); err != nil {
			s.logger.WithError(err).WithField("job_id", p.id).Error("Failed to schedule pending job")
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	s.logger.WithField("jobs", len(pending)).Info("Job scheduler started")
}

// LoadRecurring 注册所有声明了 cron 表达式的服务函数
func (s *JobScheduler) LoadRecurring(reg *registry.Registry) error {
	count := 0
	for _, svc := range reg.Services() {
		for _, fn := range svc.Functions() {
			if fn.CronExpression == "" {
				continue
			}
			if _, err := s.ScheduleJob(context.Background(), JobRequest{
				ServiceFunctionName: svc.Name + "." + fn.Name,
				CronExpression:      fn.CronExpression,
			}); err != nil {
				return fmt.Errorf("failed to schedule %s.%s: %w", svc.Name, fn.Name, err)
			}
			count++
		}
	}
	s.logger.WithField("count", count).Info("Loaded recurring jobs from registry")
	return nil
}

// ScheduleJob 提交任务并返回任务 ID
func (s *JobScheduler) ScheduleJob(ctx context.Context, req JobRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.ServiceFunctionName == "" {
		return "", fmt.Errorf("%w: serviceFunctionName is required", ErrInvalidJob)
	}
	if req.CronExpression != "" && !req.ScheduledExecutionTimestamp.IsZero() {
		return "", fmt.Errorf("%w: cronExpression and scheduledExecutionTimestamp are mutually exclusive", ErrInvalidJob)
	}
	if req.CronExpression != "" {
		if _, err := cron.NewParser(cronParseOptions).Parse(req.CronExpression); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
	}

	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.pending = append(s.pending, pendingJob{id: id, req: req})
		return id, nil
	}
	if err := s.addLocked(id, req); err != nil {
		return "", err
	}
	return id, nil
}

// Cancel 取消尚未执行的一次性任务或周期任务
func (s *JobScheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
		return true
	}
	if timer, ok := s.timers[jobID]; ok {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, jobID)
		return true
	}
	return false
}

// Stop 停止调度并等待正在执行的任务结束
func (s *JobScheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()

	s.mu.Lock()
	for id, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Job scheduler stopped")
}

const cronParseOptions = cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// addLocked 调用前必须持有 s.mu
func (s *JobScheduler) addLocked(id string, req JobRequest) error {
	if req.CronExpression != "" {
		entryID, err := s.cron.AddFunc(req.CronExpression, func() {
			s.run(id, req)
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		s.entries[id] = entryID
		s.publish(JobEvent{JobID: id, ServiceFunctionName: req.ServiceFunctionName, Status: JobStatusScheduled})
		return nil
	}

	delay := time.Until(req.ScheduledExecutionTimestamp)
	if delay < 0 {
		delay = 0
	}
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			s.run(id, req)
		}
	})
	s.publish(JobEvent{JobID: id, ServiceFunctionName: req.ServiceFunctionName, Status: JobStatusScheduled})
	return nil
}

// run 执行任务，失败后按重试间隔重新执行
func (s *JobScheduler) run(id string, req JobRequest) {
	logger := s.logger.WithFields(logrus.Fields{
		"job_id":           id,
		"service_function": req.ServiceFunctionName,
	})

	for attempt := 0; ; attempt++ {
		if s.ctx.Err() != nil {
			return
		}

		resp := s.executor.Execute(s.ctx, &domain.ServiceFunctionCall{
			ServiceFunction: req.ServiceFunctionName,
			Argument:        req.Argument,
			HTTPMethod:      "POST",
			SourceAddress:   "scheduler",
			Internal:        true,
		})
		if !resp.Result.Failed() {
			logger.WithField("attempt", attempt+1).Info("Job executed")
			s.record(req.ServiceFunctionName, JobStatusSucceeded)
			s.publish(JobEvent{JobID: id, ServiceFunctionName: req.ServiceFunctionName, Status: JobStatusSucceeded, Attempt: attempt + 1})
			return
		}

		errCode := string(resp.Result.Err.ErrorCode)
		if attempt >= len(req.RetryIntervalsInSecs) {
			logger.WithField("error_code", errCode).WithField("attempt", attempt+1).Error("Job failed")
			s.record(req.ServiceFunctionName, JobStatusFailed)
			s.publish(JobEvent{JobID: id, ServiceFunctionName: req.ServiceFunctionName, Status: JobStatusFailed, Attempt: attempt + 1, ErrorCode: errCode})
			return
		}

		wait := time.Duration(req.RetryIntervalsInSecs[attempt]) * time.Second
		logger.WithFields(logrus.Fields{
			"error_code": errCode,
			"attempt":    attempt + 1,
			"retry_in":   wait.String(),
		}).Warn("Job failed, retrying")
		s.record(req.ServiceFunctionName, JobStatusRetrying)
		s.publish(JobEvent{JobID: id, ServiceFunctionName: req.ServiceFunctionName, Status: JobStatusRetrying, Attempt: attempt + 1, ErrorCode: errCode})

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *JobScheduler) record(serviceFunction string, status JobStatus) {
	if s.metrics != nil {
		s.metrics.RecordJob(serviceFunction, string(status))
	}
}

func (s *JobScheduler) publish(ev JobEvent) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent("job."+string(ev.Status), "courier-scheduler", ev.JobID, ev)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to build job event")
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", events.SubjectJob, ev.JobID, ev.Status)
	if err := s.publisher.Publish(s.ctx, subject, event); err != nil {
		s.logger.WithError(err).WithField("job_id", ev.JobID).Warn("Failed to publish job event")
	}
}
