package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	applogger "ArbCore/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(e string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

type fakeService struct {
	name     string
	tr       *trace
	startErr error
}

func (s *fakeService) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.tr.add("start " + s.name)
	return nil
}

func (s *fakeService) Stop(context.Context) error {
	s.tr.add("stop " + s.name)
	return nil
}

func TestAppLifecycleOrder(t *testing.T) {
	tr := &trace{}
	ready := make(chan struct{})
	app := New(applogger.Nop(), time.Second,
		WithService("a", &fakeService{name: "a", tr: tr}),
		WithService("b", &fakeService{name: "b", tr: tr}),
		WithRunner("loop", func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			tr.add("runner done")
			return ctx.Err()
		}),
		WithCloser("redis", func() error { tr.add("close redis"); return nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.RunContext(ctx) }()
	<-ready
	cancel()

	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"start a", "start b", "runner done", "stop b", "stop a", "close redis"}, tr.list())
}

func TestAppRunnerFailureStopsApp(t *testing.T) {
	tr := &trace{}
	app := New(applogger.Nop(), time.Second,
		WithRunner("bad", func(context.Context) error { return errors.New("boom") }),
		WithRunner("good", func(ctx context.Context) error {
			<-ctx.Done()
			tr.add("good done")
			return nil
		}),
	)
	err := app.RunContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"good done"}, tr.list())
}

func TestAppServiceStartFailureRollsBack(t *testing.T) {
	tr := &trace{}
	app := New(applogger.Nop(), time.Second,
		WithService("a", &fakeService{name: "a", tr: tr}),
		WithService("b", &fakeService{name: "b", tr: tr, startErr: errors.New("no broker")}),
		WithCloser("ch", func() error { tr.add("close ch"); return nil }),
	)
	app.Apply(WithRunner("never", func(context.Context) error { tr.add("ran"); return nil }))

	err := app.RunContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"start a", "stop a", "close ch"}, tr.list())
}
