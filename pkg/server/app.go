package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	applogger "ArbCore/pkg/logger"
)

// Service is started before the runners and stopped after they return.
type Service interface {
	Start() error
	Stop(ctx context.Context) error
}

// RunFunc blocks until ctx is done.
type RunFunc func(ctx context.Context) error

type runner struct {
	name string
	run  RunFunc
}

type service struct {
	name string
	svc  Service
}

type closer struct {
	name  string
	close func() error
}

// Option registers a component with the App.
type Option func(*App)

// WithRunner adds a long-running loop. A runner that fails takes the process
// down so the supervisor can restart it.
func WithRunner(name string, fn RunFunc) Option {
	return func(a *App) {
		if fn != nil {
			a.runners = append(a.runners, runner{name: name, run: fn})
		}
	}
}

// WithService adds a component with its own Start/Stop lifecycle.
func WithService(name string, svc Service) Option {
	return func(a *App) {
		if svc != nil {
			a.services = append(a.services, service{name: name, svc: svc})
		}
	}
}

// WithCloser adds an infrastructure client closed last, in reverse order.
func WithCloser(name string, fn func() error) Option {
	return func(a *App) {
		if fn != nil {
			a.closers = append(a.closers, closer{name: name, close: fn})
		}
	}
}

// App encapsulates the process lifecycle for every role it hosts.
type App struct {
	l               *applogger.Logger
	shutdownTimeout time.Duration
	runners         []runner
	services        []service
	closers         []closer
}

func New(l *applogger.Logger, shutdownTimeout time.Duration, opts ...Option) *App {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	a := &App{l: l, shutdownTimeout: shutdownTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply registers more components before Run.
func (a *App) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(a)
	}
}

// Run blocks until SIGINT/SIGTERM or a runner failure.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext is Run with the caller owning cancellation.
func (a *App) RunContext(ctx context.Context) error {
	started := 0
	for _, s := range a.services {
		if err := s.svc.Start(); err != nil {
			a.l.Error("service start failed", applogger.String("service", s.name), applogger.Error(err))
			a.stopServices(a.services[:started])
			a.closeAll()
			return fmt.Errorf("start %s: %w", s.name, err)
		}
		a.l.Info("service started", applogger.String("service", s.name))
		started++
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(a.runners))
	var wg sync.WaitGroup
	for _, r := range a.runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			err := r.run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.l.Error("runner failed", applogger.String("runner", r.name), applogger.Error(err))
				errCh <- fmt.Errorf("%s: %w", r.name, err)
				return
			}
			a.l.Debug("runner stopped", applogger.String("runner", r.name))
		}(r)
	}
	a.l.Info("app started", applogger.Int("runners", len(a.runners)), applogger.Int("services", len(a.services)))

	var runErr error
	select {
	case <-ctx.Done():
		a.l.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.shutdownTimeout):
		a.l.Warn("runners did not stop in time", applogger.Duration("timeout_ms", a.shutdownTimeout))
	}

	a.stopServices(a.services)
	a.closeAll()
	a.l.Info("shutdown complete")
	return runErr
}

func (a *App) stopServices(svcs []service) {
	for i := len(svcs) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		if err := svcs[i].svc.Stop(ctx); err != nil {
			a.l.Warn("service stop error", applogger.String("service", svcs[i].name), applogger.Error(err))
		}
		cancel()
	}
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].close(); err != nil {
			a.l.Warn("close error", applogger.String("client", a.closers[i].name), applogger.Error(err))
		}
	}
}
