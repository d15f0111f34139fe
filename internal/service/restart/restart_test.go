package restart

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ArbCore/internal/domain/models"
	applogger "ArbCore/pkg/logger"
	"ArbCore/pkg/queue"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	msgType string
	payload interface{}
	err     error
}

func (f *fakeQueue) PublishMessage(_ context.Context, msgType string, payload interface{}) error {
	f.msgType, f.payload = msgType, payload
	return f.err
}

func TestDispatcherEnqueues(t *testing.T) {
	q := &fakeQueue{}
	d := NewDispatcher(q, applogger.Nop())

	cmd := models.RestartCommand{ContainerName: "shard-1", Attempt: 2, Reason: "missing", IssuedAt: time.Now()}
	require.NoError(t, d.Restart(context.Background(), cmd))
	assert.Equal(t, JobType, q.msgType)
	assert.Equal(t, cmd, q.payload)

	q.err = errors.New("redis down")
	assert.Error(t, d.Restart(context.Background(), cmd))
}

func TestDispatcherOverRedisQueue(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	cmd := models.RestartCommand{ContainerName: "shard-1", Attempt: 1, Reason: "missing", IssuedAt: time.Now()}

	// the publisher survives an unreachable redis and fails per push
	pub := queue.NewRedisPublisher(applogger.Nop(), client, queue.WithKeyPrefix("test:queue:"))
	err := NewDispatcher(pub, applogger.Nop()).Restart(context.Background(), cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue restart shard-1")
	assert.Contains(t, err.Error(), "lpush")

	agent := queue.NewRedisConsumer(applogger.Nop(), &queue.QueueConfig{Workers: 1}, client,
		[]queue.Job{NewJob([]string{"true"}, time.Second, applogger.Nop())})
	err = NewDispatcher(agent, applogger.Nop()).Restart(context.Background(), cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue not running")
}

func TestJobRunsCommand(t *testing.T) {
	j := NewJob([]string{"echo", "restart", "{container}"}, time.Second, applogger.Nop())
	raw, _ := json.Marshal(models.RestartCommand{ContainerName: "shard-1", Attempt: 1})

	assert.NoError(t, j.Handle(context.Background(), json.RawMessage(raw)))
}

func TestJobCommandFailure(t *testing.T) {
	j := NewJob([]string{"false"}, time.Second, applogger.Nop())
	err := j.Handle(context.Background(), map[string]interface{}{"container_name": "shard-1"})
	assert.Error(t, err)
}

func TestJobDropsInvalidCommand(t *testing.T) {
	j := NewJob([]string{"false"}, time.Second, applogger.Nop())
	assert.NoError(t, j.Handle(context.Background(), map[string]interface{}{"attempt": 1}))
}
