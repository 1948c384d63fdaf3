package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isDone(e Envelope) bool { return e.Type == TypeDone }

func TestPipeClosesAfterTerminal(t *testing.T) {
	p := NewPipe(4, isDone)
	ctx := context.Background()

	require.NoError(t, p.Send(ctx, Envelope{Type: TypeContent, Data: "a"}))
	require.NoError(t, p.Send(ctx, Envelope{Type: TypeDone}))
	assert.True(t, p.Closed())
	assert.ErrorIs(t, p.Send(ctx, Envelope{Type: TypeContent, Data: "late"}), ErrClosed)

	var got []Type
	for e := range p.C() {
		got = append(got, e.Type)
	}
	assert.Equal(t, []Type{TypeContent, TypeDone}, got)

	p.Close()
}

func TestPipeSendStopsOnCancel(t *testing.T) {
	p := NewPipe(1, isDone)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Send(ctx, Envelope{Type: TypeLog}))
	errc := make(chan error, 1)
	go func() { errc <- p.Send(ctx, Envelope{Type: TypeLog}) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("blocked send did not observe cancellation")
	}
}

func TestPipeCloseWithoutTerminal(t *testing.T) {
	p := NewPipe[int](0, nil)
	require.NoError(t, p.Send(context.Background(), 1))
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Send(context.Background(), 2), ErrClosed)

	n := 0
	for range p.C() {
		n++
	}
	assert.Equal(t, 1, n)
}
