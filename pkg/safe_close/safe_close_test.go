package safe_close

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeClose(t *testing.T) {
	sc := NewSafeClose()
	var exited atomic.Int32
	for i := 0; i < 4; i++ {
		require.True(t, sc.Attach(func(ctx context.Context) {
			<-ctx.Done()
			exited.Add(1)
		}))
	}

	require.NoError(t, sc.CloseWait(context.Background()))
	assert.Equal(t, int32(4), exited.Load())
	assert.True(t, sc.Closed())
	assert.False(t, sc.Attach(func(ctx context.Context) {}))
	assert.NoError(t, sc.CloseWait(context.Background()))
}

func TestSafeClose_firstErr(t *testing.T) {
	sc := NewSafeClose()
	e1 := errors.New("e1")
	sc.Attach(func(ctx context.Context) {
		sc.SendCloseSignal(e1)
	})
	<-sc.ReceiveCloseSignal()
	sc.SendCloseSignal(errors.New("e2"))
	assert.Equal(t, e1, sc.Err())
}

func TestSafeClose_waitTimeout(t *testing.T) {
	sc := NewSafeClose()
	block := make(chan struct{})
	defer close(block)
	sc.Attach(func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sc.CloseWait(ctx), context.DeadlineExceeded)
}
