package restart

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"ArbCore/internal/domain/models"
	domsvc "ArbCore/internal/domain/service"
	"ArbCore/internal/middleware"
	applogger "ArbCore/pkg/logger"
	"ArbCore/pkg/queue"
)

// JobType is the queue message type carrying a RestartCommand.
const JobType = "restart_container"

// Dispatcher hands restart commands to the container agent through the
// Redis queue. It returns once the command is enqueued, not when the
// container is back.
type Dispatcher struct {
	q queue.QueueService
	l *applogger.Logger
}

func NewDispatcher(q queue.QueueService, l *applogger.Logger) *Dispatcher {
	return &Dispatcher{q: q, l: l}
}

func (d *Dispatcher) Restart(ctx context.Context, cmd models.RestartCommand) error {
	if err := d.q.PublishMessage(ctx, JobType, cmd); err != nil {
		return fmt.Errorf("enqueue restart %s: %w", cmd.ContainerName, err)
	}
	d.l.Info("restart dispatched",
		applogger.String("container", cmd.ContainerName),
		applogger.Int("attempt", cmd.Attempt),
		applogger.String("reason", cmd.Reason))
	return nil
}

// LogOnly records restart decisions without acting on them.
type LogOnly struct {
	l *applogger.Logger
}

func NewLogOnly(l *applogger.Logger) *LogOnly { return &LogOnly{l: l} }

func (r *LogOnly) Restart(_ context.Context, cmd models.RestartCommand) error {
	r.l.Warn("restart requested (dry run)",
		applogger.String("container", cmd.ContainerName),
		applogger.Int("attempt", cmd.Attempt),
		applogger.String("reason", cmd.Reason))
	return nil
}

// Job runs on the container agent: it executes the configured command with
// every "{container}" argument replaced by the target container name.
type Job struct {
	command []string
	timeout time.Duration
	l       *applogger.Logger
}

func NewJob(command []string, timeout time.Duration, l *applogger.Logger) *Job {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Job{command: command, timeout: timeout, l: l}
}

func (j *Job) Name() string { return "restart-container" }
func (j *Job) Type() string { return JobType }

func (j *Job) Handle(ctx context.Context, payload interface{}) error {
	cmd, err := queue.ParsePayload[models.RestartCommand](payload)
	if err != nil {
		return fmt.Errorf("restart payload: %w", err)
	}
	if err := middleware.ValidateStruct(cmd); err != nil {
		// retrying a malformed command cannot help
		j.l.Error("restart command dropped", applogger.Error(err))
		return nil
	}
	if len(j.command) == 0 {
		return fmt.Errorf("restart %s: no command configured", cmd.ContainerName)
	}

	args := make([]string, len(j.command))
	for i, a := range j.command {
		args[i] = strings.ReplaceAll(a, "{container}", cmd.ContainerName)
	}

	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	out, err := exec.CommandContext(runCtx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("restart %s: %w: %s", cmd.ContainerName, err, strings.TrimSpace(string(out)))
	}
	j.l.Info("container restarted",
		applogger.String("container", cmd.ContainerName),
		applogger.Int("attempt", cmd.Attempt),
		applogger.Duration("elapsed_ms", time.Since(start)))
	return nil
}

var (
	_ domsvc.Restarter = (*Dispatcher)(nil)
	_ domsvc.Restarter = (*LogOnly)(nil)
	_ queue.Job        = (*Job)(nil)
)
