package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/agent"
)

func newTestPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisPublisherFromClient(rdb, zap.NewNop()), mr
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	pub, mr := newTestPublisher(t)
	h := newHarness(t, agent.RunnerOptions{}, nil, pub)

	updates := collect(t, h.orch.Run(context.Background(), "Acme Corp", nil))
	require.NotEmpty(t, updates)
	runID := updates[0].Run()

	assert.True(t, mr.Exists(StreamKey(runID)))
	assert.Greater(t, mr.TTL(StreamKey(runID)), time.Duration(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var replayed []Update
	for u := range pub.Subscribe(ctx, runID) {
		replayed = append(replayed, u)
	}

	require.Len(t, replayed, len(updates))
	for i := range updates {
		assert.Equal(t, updates[i].Kind(), replayed[i].Kind())
	}
	done := replayed[len(replayed)-1].(WorkflowComplete)
	assert.Equal(t, "Acme Corp", done.Summary.Company)
	assert.Equal(t, 14, done.Summary.AgentsSucceeded)
}

func TestNewRedisPublisherBadURL(t *testing.T) {
	_, err := NewRedisPublisher("not-a-url", zap.NewNop())
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode("phase-paused", []byte(`{}`))
	assert.Error(t, err)

	u, err := Decode(KindPhaseStart, []byte(`{"run_id":"r","phase":"synthesis","agents":["writing"]}`))
	require.NoError(t, err)
	ps := u.(PhaseStart)
	assert.Equal(t, PhaseSynthesis, ps.Phase)
	assert.Equal(t, []string{"writing"}, ps.Agents)
}
