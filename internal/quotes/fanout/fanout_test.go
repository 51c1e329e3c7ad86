package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"klinefeed.com/internal/quotes/fanout/fanouttest"
	"klinefeed.com/internal/quotes/venue/fakevenue"
)

var t0 = time.Date(2025, 5, 6, 7, 0, 0, 0, time.UTC)

func TestBuffer_TakeClears(t *testing.T) {
	b := NewBuffer[int]()
	assert.Nil(t, b.Take())

	b.Set("A", 1)
	b.Set("A", 2)
	b.Set("B", 3)
	got := b.Take()
	assert.Equal(t, map[string]int{"A": 2, "B": 3}, got)
	assert.Zero(t, b.Len())
	assert.Nil(t, b.Take())
}

func TestFlush_CoalescesLatestPerSymbol(t *testing.T) {
	buf := NewBarBuffer()
	tr := fanouttest.New()
	f := New(buf.Buffer, tr, Config{})

	buf.Put(fakevenue.NewBar("A", t0, "1", "1"))
	buf.Put(fakevenue.NewBar("A", t0.Add(time.Minute), "2", "1"))
	buf.Put(fakevenue.NewBar("A", t0.Add(2*time.Minute), "3", "1"))
	buf.Put(fakevenue.NewBar("B", t0, "9", "5"))

	require.True(t, f.Flush(context.Background()))
	assert.False(t, f.Flush(context.Background()), "empty window sends nothing")

	sent := tr.Sent()
	require.Len(t, sent, 1)
	var batch map[string]BarDTO
	require.NoError(t, json.Unmarshal(sent[0], &batch))
	require.Len(t, batch, 2)
	assert.Equal(t, "3", batch["A"].Close)
	assert.Equal(t, t0.Add(2*time.Minute).UnixMilli(), batch["A"].Timestamp)
	assert.Equal(t, "9", batch["B"].Close)
	assert.Equal(t, "5", batch["B"].Volume)
}

func TestFlush_TimeoutDropsWithoutRetry(t *testing.T) {
	buf := NewBarBuffer()
	tr := fanouttest.New()
	tr.SendDelay = time.Second
	f := New(buf.Buffer, tr, Config{SendTimeout: 10 * time.Millisecond})

	buf.Put(fakevenue.NewBar("A", t0, "1", "1"))
	start := time.Now()
	assert.False(t, f.Flush(context.Background()))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Zero(t, buf.Len(), "dropped batch is not re-queued")

	tr.SendDelay = 0
	tr.SendErr = errors.New("broken pipe")
	buf.Put(fakevenue.NewBar("B", t0, "1", "1"))
	assert.False(t, f.Flush(context.Background()))
	assert.Empty(t, tr.Sent())
}

func TestRun_SendsEachWindow(t *testing.T) {
	buf := NewBarBuffer()
	tr := fanouttest.New()
	f := New(buf.Buffer, tr, Config{Every: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()

	buf.Put(fakevenue.NewBar("A", t0, "1", "1"))
	require.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, time.Second, time.Millisecond)
	buf.Put(fakevenue.NewBar("A", t0, "2", "1"))
	require.Eventually(t, func() bool { return len(tr.Sent()) == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
	buf.Put(fakevenue.NewBar("A", t0, "3", "1"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.Sent(), 2, "nothing sent after cancel")
}

func TestHeartbeat_SkipsWhileSending(t *testing.T) {
	tr := fanouttest.New()
	f := New(NewBuffer[int](), tr, Config{HeartbeatEvery: 2 * time.Millisecond})

	f.sending.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Heartbeat(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, tr.Pings())

	f.sending.Store(false)
	require.Eventually(t, func() bool { return tr.Pings() > 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
