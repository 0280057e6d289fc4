package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parlo-health/parlo-call/pkg/logger"
)

func TestOpsQueue(t *testing.T) {
	t.Run("runs in enqueue order", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test")
		oq.Start()
		defer oq.Stop()

		var mu sync.Mutex
		var got []int
		var wg sync.WaitGroup
		for i := 0; i < 500; i++ {
			wg.Add(1)
			i := i
			oq.Enqueue(func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
				wg.Done()
			})
		}
		wg.Wait()

		for i, v := range got {
			require.Equal(t, i, v)
		}
	})

	t.Run("ops enqueued from an op run after it", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test")
		oq.Start()
		defer oq.Stop()

		var order []string
		done := make(chan struct{})
		oq.Enqueue(func() {
			oq.Enqueue(func() {
				order = append(order, "inner")
				close(done)
			})
			order = append(order, "outer")
		})
		<-done
		require.Equal(t, []string{"outer", "inner"}, order)
	})

	t.Run("stop drops pending and rejects new ops", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test")
		oq.Start()

		block := make(chan struct{})
		ran := false
		oq.Enqueue(func() { <-block })
		oq.Enqueue(func() { ran = true })
		oq.Stop()
		close(block)

		select {
		case <-oq.Done():
		case <-time.After(time.Second):
			t.Fatal("queue did not exit")
		}
		require.False(t, ran)
		require.False(t, oq.Enqueue(func() {}))
	})

	t.Run("stop before start", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test")
		oq.Stop()
		<-oq.Done()
	})
}
