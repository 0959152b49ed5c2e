package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/metrics"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// Runner advances tasks of one family. Step performs exactly one
// re-entrant step and reports whether the task reached a terminal
// state. Runners must tolerate a task concurrently canceled between
// steps; they always operate on the freshest copy.
type Runner interface {
	Family() types.TaskFunction
	Step(ctx context.Context, task *types.JobTask) (done bool, err error)
}

// RunnerSet polls the task table and drives each registered family on
// its own ticker, mirroring the one-process-per-family deployment:
// families advance independently and coordinate only through the
// store.
type RunnerSet struct {
	store    storage.Store
	interval time.Duration
	runners  []Runner
	logger   zerolog.Logger
}

// NewRunnerSet creates a runner set polling at the given interval.
func NewRunnerSet(store storage.Store, interval time.Duration, runners ...Runner) *RunnerSet {
	return &RunnerSet{
		store:    store,
		interval: interval,
		runners:  runners,
		logger:   log.WithComponent("task-runner"),
	}
}

// Start launches one polling goroutine per family and blocks until
// the context is canceled.
func (rs *RunnerSet) Start(ctx context.Context) {
	for _, r := range rs.runners {
		go rs.runFamily(ctx, r)
	}
	<-ctx.Done()
}

func (rs *RunnerSet) runFamily(ctx context.Context, r Runner) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.RunFamilyOnce(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

// RunFamilyOnce performs one polling pass for one family: a single
// step for every pending task of that family, each task isolated so
// one failing peer cannot stall the rest.
func (rs *RunnerSet) RunFamilyOnce(ctx context.Context, r Runner) {
	clusters, err := rs.store.ListClusters()
	if err != nil {
		rs.logger.Error().Err(err).Msg("failed to list clusters")
		return
	}
	for _, cl := range clusters {
		tasks, err := rs.store.ListTasksByCluster(cl.ID)
		if err != nil {
			rs.logger.Error().Err(err).Str("cluster_id", cl.ID).Msg("failed to list tasks")
			continue
		}
		for _, task := range tasks {
			if task.Function != r.Family() || task.Status == types.TaskStatusDone {
				continue
			}
			if !rs.due(task) {
				continue
			}
			// Re-read: the task may have been canceled since listing.
			task, err := rs.store.GetTask(task.ID)
			if err != nil {
				rs.logger.Error().Err(err).Msg("failed to re-read task")
				continue
			}
			done, err := r.Step(ctx, task)
			if err != nil {
				rs.logger.Error().Err(err).
					Str("task_id", task.ID).
					Str("function", string(task.Function)).
					Msg("task step failed")
				continue
			}
			if done {
				metrics.TasksCompleted.WithLabelValues(string(task.Function)).Inc()
			}
		}
	}
}

// due applies per-task backoff: node restarts wait exponentially
// longer after each failed reachability attempt, other families are
// re-stepped every pass.
func (rs *RunnerSet) due(task *types.JobTask) bool {
	if task.Function != types.TaskNodeRestart || task.Retry == 0 {
		return true
	}
	shift := task.Retry
	if shift > 6 {
		shift = 6
	}
	backoff := rs.interval * time.Duration(1<<shift)
	return time.Since(task.UpdatedAt) >= backoff
}

// baseRunner carries the helpers shared by every task family.
type baseRunner struct {
	store  storage.Store
	events *events.Logger
	logger zerolog.Logger
}

// finish drives a task to Done with a result string.
func (b *baseRunner) finish(task *types.JobTask, result string) error {
	task.Status = types.TaskStatusDone
	task.Result = result
	task.UpdatedAt = time.Now()
	if err := b.store.PutTask(task); err != nil {
		return fmt.Errorf("failed to persist task completion: %w", err)
	}
	tlog := log.WithTaskID(task.ID)
	tlog.Info().
		Str("function", string(task.Function)).
		Str("result", result).
		Msg("task done")
	b.events.Emit(task.ClusterID, events.DomainTask, events.KindTaskUpdated, task.ID, "runner", result)
	return nil
}

// suspend parks a task in the Suspended holding state after a
// structural precondition failed. No retry is burned.
func (b *baseRunner) suspend(task *types.JobTask, result string) error {
	task.Status = types.TaskStatusSuspended
	task.Result = result
	task.UpdatedAt = time.Now()
	if err := b.store.PutTask(task); err != nil {
		return fmt.Errorf("failed to persist task suspension: %w", err)
	}
	tlog := log.WithTaskID(task.ID)
	tlog.Warn().
		Str("result", result).
		Msg("task suspended")
	return nil
}

// retryLater records the outcome of a failed step and increments the
// retry counter.
func (b *baseRunner) retryLater(task *types.JobTask, result string) error {
	task.Result = result
	task.Retry++
	task.UpdatedAt = time.Now()
	return b.store.PutTask(task)
}

// markRunning flips a task out of New/Suspended and emits the update.
func (b *baseRunner) markRunning(task *types.JobTask) error {
	if task.Status == types.TaskStatusRunning {
		return nil
	}
	task.Status = types.TaskStatusRunning
	task.UpdatedAt = time.Now()
	if err := b.store.PutTask(task); err != nil {
		return err
	}
	b.events.Emit(task.ClusterID, events.DomainTask, events.KindTaskUpdated, task.ID, "runner", "task running")
	return nil
}

// progress records a human-readable progress string without touching
// the task status, so callers can observe liveness.
func (b *baseRunner) progress(task *types.JobTask, result string) error {
	task.Result = result
	task.UpdatedAt = time.Now()
	return b.store.PutTask(task)
}
