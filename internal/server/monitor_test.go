package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castbridge/castbridge/internal/relay"
)

func TestMonitorSweep_TearsDownSilentStream(t *testing.T) {
	rl := relay.New(relay.Config{}, zap.NewNop())
	control := &stubControl{}
	ev := &stubEvents{}
	m := NewMonitor(rl, control, ev, 10*time.Millisecond, zap.NewNop())

	stream := rl.CreateOrGet("tab-1")
	stream.SetDeviceIP("192.168.1.50")

	time.Sleep(25 * time.Millisecond)
	m.sweep(context.Background())

	_, ok := rl.Get("tab-1")
	assert.False(t, ok, "silent stream should be removed")
	require.Len(t, control.calls, 1)
	assert.Equal(t, "stop", control.calls[0].op)
	assert.Equal(t, []string{"192.168.1.50"}, ev.unsubscribed)
}

func TestMonitorSweep_KeepsActiveStream(t *testing.T) {
	rl := relay.New(relay.Config{}, zap.NewNop())
	m := NewMonitor(rl, &stubControl{}, &stubEvents{}, 50*time.Millisecond, zap.NewNop())

	stream := rl.CreateOrGet("tab-1")
	stream.Touch()
	m.sweep(context.Background())

	_, ok := rl.Get("tab-1")
	assert.True(t, ok, "active stream should survive the sweep")
}

func TestMonitorRun_StopsOnCancel(t *testing.T) {
	rl := relay.New(relay.Config{}, zap.NewNop())
	m := NewMonitor(rl, &stubControl{}, &stubEvents{}, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
