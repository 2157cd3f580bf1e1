package registry_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"parley/internal/registry"
)

type fakeHandle struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   []string
	sendErr  error
	delay    time.Duration
}

func (f *fakeHandle) Send(payload []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeHandle) CloseNormal(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, reason)
	return nil
}

func (f *fakeHandle) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func TestBroadcastReachesAllHandles(t *testing.T) {
	r := registry.New()
	a, b, c := &fakeHandle{}, &fakeHandle{}, &fakeHandle{}
	r.Register("t1", a)
	r.Register("t1", b)
	r.Register("t2", c)

	r.Broadcast("t1", []byte("hello"), nil)

	assert.Equal(t, 1, a.sent())
	assert.Equal(t, 1, b.sent())
	assert.Equal(t, 0, c.sent(), "other threads must not receive")
}

func TestBroadcastSkipsSender(t *testing.T) {
	r := registry.New()
	sender, other := &fakeHandle{}, &fakeHandle{}
	r.Register("t1", sender)
	r.Register("t1", other)

	r.Broadcast("t1", []byte("x"), sender)

	assert.Equal(t, 0, sender.sent())
	assert.Equal(t, 1, other.sent())
}

func TestBroadcastDropsFailedHandleOnly(t *testing.T) {
	r := registry.New()
	bad := &fakeHandle{sendErr: errors.New("broken pipe")}
	good := &fakeHandle{}
	r.Register("t1", bad)
	r.Register("t1", good)

	r.Broadcast("t1", []byte("one"), nil)
	assert.Equal(t, 1, r.Count("t1"), "failed handle must be dropped")

	r.Broadcast("t1", []byte("two"), nil)
	assert.Equal(t, 2, good.sent())
}

func TestBroadcastParallelDispatch(t *testing.T) {
	r := registry.New()
	slow := &fakeHandle{delay: 50 * time.Millisecond}
	handles := []*fakeHandle{slow}
	r.Register("t1", slow)
	for i := 0; i < 9; i++ {
		h := &fakeHandle{delay: 50 * time.Millisecond}
		handles = append(handles, h)
		r.Register("t1", h)
	}

	start := time.Now()
	r.Broadcast("t1", []byte("fanout"), nil)
	elapsed := time.Since(start)

	// ten 50ms sends dispatched in parallel finish well under the
	// 500ms a serial loop would take
	assert.Less(t, elapsed, 300*time.Millisecond)
	for _, h := range handles {
		assert.Equal(t, 1, h.sent())
	}
}

func TestCloseAllSignalsAndClears(t *testing.T) {
	r := registry.New()
	a, b := &fakeHandle{}, &fakeHandle{}
	r.Register("t1", a)
	r.Register("t1", b)

	r.CloseAll("t1", "engagement finalized")

	assert.Equal(t, 0, r.Count("t1"))
	assert.Equal(t, []string{"engagement finalized"}, a.closed)
	assert.Equal(t, []string{"engagement finalized"}, b.closed)

	// broadcasting after close is a quiet no-op
	r.Broadcast("t1", []byte("late"), nil)
	assert.Equal(t, 0, a.sent())
}

func TestUnregisterIdempotent(t *testing.T) {
	r := registry.New()
	h := &fakeHandle{}
	r.Register("t1", h)
	r.Unregister("t1", h)
	r.Unregister("t1", h)
	assert.Equal(t, 0, r.Count("t1"))
}

func TestMultipleHandlesPerIdentity(t *testing.T) {
	r := registry.New()
	first, second := &fakeHandle{}, &fakeHandle{}
	r.Register("t1", first)
	r.Register("t1", second)
	assert.Equal(t, 2, r.Count("t1"))

	r.Broadcast("t1", []byte("both tabs"), nil)
	assert.Equal(t, 1, first.sent())
	assert.Equal(t, 1, second.sent())
}
