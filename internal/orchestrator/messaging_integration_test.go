package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/agent"
)

// TestRedisPublisherAgainstServer replays a run from a real Redis server.
// It skips under -short or when no container runtime is available.
func TestRedisPublisherAgainstServer(t *testing.T) {
	if testing.Short() || os.Getenv("AGENTFLOW_SKIP_CONTAINERS") != "" {
		t.Skip("container tests disabled")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Skipf("start redis: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	pub, err := NewRedisPublisher("redis://"+endpoint, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	h := newHarness(t, agent.RunnerOptions{}, nil, pub)
	live := collect(t, h.orch.Run(ctx, "Acme Corp", []string{"pricing"}))
	require.NotEmpty(t, live)

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var replayed []Update
	for u := range pub.Subscribe(subCtx, live[0].Run()) {
		replayed = append(replayed, u)
	}
	require.Len(t, replayed, len(live))
	for i := range live {
		assert.Equal(t, live[i].Kind(), replayed[i].Kind())
	}
	assert.True(t, IsTerminal(replayed[len(replayed)-1]))
}
