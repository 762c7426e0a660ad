package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/internal/services"
)

// Sweeper is the part of services.Sweeper the job runs.
type Sweeper interface {
	Sweep(ctx context.Context) (*services.SweepReport, error)
}

// SweepJob 按 cron 表达式定期执行端点清理；同一时刻最多一次运行
type SweepJob struct {
	sweeper  Sweeper
	schedule string
	c        *cron.Cron
	running  atomic.Bool
	log      *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSweepJob parses schedule ("@every 30m", "0 */2 * * *", ...) and returns an
// unstarted job.
func NewSweepJob(schedule string, sweeper Sweeper, log *zap.Logger) (*SweepJob, error) {
	if log == nil {
		log = zap.NewNop()
	}
	j := &SweepJob{
		sweeper:  sweeper,
		schedule: schedule,
		c:        cron.New(cron.WithParser(parser)),
		log:      log.Named("sweep_job"),
	}
	if _, err := j.c.AddFunc(schedule, func() { j.RunOnce() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start schedules the job. Runs are cancelled when ctx ends or Stop is called.
func (j *SweepJob) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.c.Start()
	j.log.Info("sweep job started", zap.String("schedule", j.schedule))
}

// Stop cancels a run in progress and waits for it to return.
func (j *SweepJob) Stop() {
	j.mu.Lock()
	if j.cancel != nil {
		j.cancel()
	}
	j.mu.Unlock()
	<-j.c.Stop().Done()
}

// RunOnce sweeps now. It returns false without sweeping when a run is already
// in progress.
func (j *SweepJob) RunOnce() bool {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Warn("previous sweep still running, skipping")
		return false
	}
	defer j.running.Store(false)

	j.mu.Lock()
	ctx := j.ctx
	j.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	report, err := j.sweeper.Sweep(ctx)
	if err != nil {
		j.log.Error("sweep failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return true
	}
	j.log.Debug("sweep done",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed))
	return true
}
