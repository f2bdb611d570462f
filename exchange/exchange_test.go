package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualTimers(t *testing.T) {
	timers := NewManualTimers()
	fired := 0

	timers.Start("a", time.Second, func() { fired++ })
	d, ok := timers.Armed("a")
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)

	// Re-arming replaces the pending timer.
	timers.Start("a", 2*time.Second, func() { fired += 10 })
	assert.True(t, timers.Fire("a"))
	assert.Equal(t, 10, fired)

	// Fired timers are gone.
	assert.False(t, timers.Fire("a"))

	timers.Start("b", time.Second, func() { fired++ })
	timers.Cancel("b")
	assert.False(t, timers.Fire("b"))
}

func TestSystemTimers(t *testing.T) {
	timers := NewSystemTimers()
	ch := make(chan struct{})
	timers.Start("k", time.Millisecond, func() { close(ch) })
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopbackPreparation(t *testing.T) {
	b := NewUnpreparedLoopback(7, WRMConfig{})
	assert.False(t, b.IsReady())
	assert.True(t, b.CanBePrepared())

	var gotEv BindingEvent
	b.SetProtocolCallback(func(ev BindingEvent, reason error) { gotEv = ev })
	require.NoError(t, b.RequestPrepare())
	assert.Equal(t, BindingEventReady, gotEv)
	assert.True(t, b.IsReady())
}

func TestLoopbackPrepareFailure(t *testing.T) {
	b := NewUnpreparedLoopback(7, WRMConfig{})
	b.PrepareErr = errors.New("no route")

	var gotEv BindingEvent
	var gotReason error
	b.SetProtocolCallback(func(ev BindingEvent, reason error) { gotEv, gotReason = ev, reason })
	require.NoError(t, b.RequestPrepare())
	assert.Equal(t, BindingEventPrepareFailed, gotEv)
	assert.Error(t, gotReason)
	assert.False(t, b.IsReady())
}

func TestLoopbackRefCounting(t *testing.T) {
	b := NewLoopback(7, WRMConfig{})
	b.AddRef()
	b.AddRef()
	b.Release()
	assert.Equal(t, 1, b.Refs())
}

func TestLoopbackQueuedReplies(t *testing.T) {
	b := NewLoopback(7, WRMConfig{})

	b.Publisher = func(r Responder, msg *Message) {
		assert.NoError(t, r.Reply(1, 2, []byte{0xaa}))
		assert.NoError(t, r.Reply(1, 3, []byte{0xbb}))
	}

	ec, err := b.NewContext()
	require.NoError(t, err)

	var got []uint8
	ec.SetHandlers(Handlers{OnMessage: func(_ Context, msg *Message) {
		got = append(got, msg.Type)
	}})

	require.NoError(t, ec.Send(1, 1, nil, FlagExpectResponse))
	// Nothing is delivered inside Send.
	assert.Empty(t, got)

	b.Pump()
	assert.Equal(t, []uint8{2, 3}, got)
}

func TestLoopbackClosedExchangeDropsDelivery(t *testing.T) {
	b := NewLoopback(7, WRMConfig{})
	b.Publisher = func(r Responder, msg *Message) {
		assert.NoError(t, r.Reply(1, 2, nil))
	}

	ec, err := b.NewContext()
	require.NoError(t, err)
	delivered := false
	ec.SetHandlers(Handlers{OnMessage: func(_ Context, _ *Message) { delivered = true }})
	require.NoError(t, ec.Send(1, 1, nil, 0))
	ec.Close()
	b.Pump()
	assert.False(t, delivered)

	assert.Error(t, ec.Send(1, 1, nil, 0))
}

func TestLoopbackDeliverUnsolicited(t *testing.T) {
	b := NewLoopback(7, WRMConfig{})

	var gotType uint8
	b.SetInboundHandler(func(ec Context, msg *Message) { gotType = msg.Type })
	b.Deliver(&Message{Profile: 1, Type: 9})
	assert.Equal(t, uint8(9), gotType)
}

func TestLoopbackNotReady(t *testing.T) {
	b := NewUnpreparedLoopback(7, WRMConfig{})
	_, err := b.NewContext()
	assert.ErrorIs(t, err, ErrBindingNotReady)
}
