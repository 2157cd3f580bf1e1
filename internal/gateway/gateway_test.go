package gateway_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/domain"
	"parley/internal/engine"
	"parley/internal/gateway"
	"parley/internal/migrate"
	"parley/internal/registry"
)

type recordingHandle struct {
	mu     sync.Mutex
	frames []gateway.Frame
	closed []string
}

func (h *recordingHandle) Send(payload []byte) error {
	var f gateway.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
	return nil
}

func (h *recordingHandle) CloseNormal(reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, reason)
	return nil
}

func (h *recordingHandle) messages() []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Message
	for _, f := range h.frames {
		if f.Type == "message" && f.Message != nil {
			out = append(out, *f.Message)
		}
	}
	return out
}

func (h *recordingHandle) closedReasons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...)
}

type testEnv struct {
	Gateway *gateway.Gateway
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	for _, reg := range []engine.IdentityCreateOptions{
		{ID: "req-1", Role: domain.RoleRequester},
		{ID: "prov-1", Role: domain.RoleProvider},
		{ID: "mod-1", Role: domain.RoleModerator},
	} {
		_, err := eng.RegisterIdentity(ctx, reg)
		require.NoError(t, err)
	}
	return testEnv{Gateway: gateway.New(eng, registry.New(), cfg), Ctx: ctx}
}

func createEngagement(t *testing.T, env testEnv) domain.Engagement {
	t.Helper()
	e, err := env.Gateway.Engine.CreateEngagement(env.Ctx, engine.EngagementCreateOptions{
		RequesterID: "req-1",
		ProviderID:  "prov-1",
		ActorID:     "req-1",
	})
	require.NoError(t, err)
	return e
}

func TestSendPersistsThenBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	listener := &recordingHandle{}
	require.NoError(t, env.Gateway.Connect(env.Ctx, e.ThreadID, "prov-1", listener))

	m, err := env.Gateway.Send(env.Ctx, e.ThreadID, "req-1", "hello there", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Seq)

	got := listener.messages()
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID, "broadcast frame must carry the persisted message")
	assert.Equal(t, "hello there", got[0].Content)

	stored, err := env.Gateway.History(env.Ctx, e.ThreadID, "prov-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, m.ID, stored[0].ID)
}

func TestSendFailureBroadcastsNothing(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	listener := &recordingHandle{}
	require.NoError(t, env.Gateway.Connect(env.Ctx, e.ThreadID, "prov-1", listener))

	_, err := env.Gateway.Send(env.Ctx, e.ThreadID, "req-1", "   ", nil)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, listener.messages(), "rejected message must not reach subscribers")

	_, err = env.Gateway.Send(env.Ctx, e.ThreadID, "mod-1", "not in here", nil)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, listener.messages())
}

func TestConnectReplaysBacklogBeforeLive(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	for _, content := range []string{"one", "two", "three"} {
		_, err := env.Gateway.Send(env.Ctx, e.ThreadID, "req-1", content, nil)
		require.NoError(t, err)
	}

	late := &recordingHandle{}
	require.NoError(t, env.Gateway.Connect(env.Ctx, e.ThreadID, "prov-1", late))

	_, err := env.Gateway.Send(env.Ctx, e.ThreadID, "req-1", "four", nil)
	require.NoError(t, err)

	got := late.messages()
	require.Len(t, got, 4)
	for i, want := range []string{"one", "two", "three", "four"} {
		assert.Equal(t, want, got[i].Content)
		assert.Equal(t, int64(i+1), got[i].Seq, "replay then live must stay in seq order")
	}
}

func TestConnectBacklogBounded(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.Config.Messaging.BacklogLimit = 2
	e := createEngagement(t, env)
	for _, content := range []string{"a", "b", "c", "d"} {
		_, err := env.Gateway.Send(env.Ctx, e.ThreadID, "req-1", content, nil)
		require.NoError(t, err)
	}
	h := &recordingHandle{}
	require.NoError(t, env.Gateway.Connect(env.Ctx, e.ThreadID, "prov-1", h))
	got := h.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Content)
	assert.Equal(t, "d", got[1].Content)
}

func TestConnectUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	h := &recordingHandle{}
	err := env.Gateway.Connect(env.Ctx, e.ThreadID, "mod-1", h)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 0, env.Gateway.Registry.Count(e.ThreadID))

	err = env.Gateway.Connect(env.Ctx, "no-such-thread", "req-1", h)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConnectClosedThreadReplaysThenReports(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	_, err := env.Gateway.Send(env.Ctx, e.ThreadID, "req-1", "before close", nil)
	require.NoError(t, err)
	_, err = env.Gateway.Reject(env.Ctx, e.ID, "prov-1")
	require.NoError(t, err)

	h := &recordingHandle{}
	err = env.Gateway.Connect(env.Ctx, e.ThreadID, "req-1", h)
	require.ErrorIs(t, err, domain.ErrThreadClosed)
	require.Len(t, h.messages(), 1, "history stays readable after closure")
	assert.Equal(t, 0, env.Gateway.Registry.Count(e.ThreadID))
}

func TestTerminalTransitionClosesSubscribers(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	a, b := &recordingHandle{}, &recordingHandle{}
	require.NoError(t, env.Gateway.Connect(env.Ctx, e.ThreadID, "req-1", a))
	require.NoError(t, env.Gateway.Connect(env.Ctx, e.ThreadID, "prov-1", b))

	_, err := env.Gateway.Accept(env.Ctx, e.ID, "prov-1")
	require.NoError(t, err)
	assert.Empty(t, a.closedReasons(), "accept is not terminal")

	_, err = env.Gateway.MarkCompleted(env.Ctx, e.ID, "prov-1")
	require.NoError(t, err)
	eng, err := env.Gateway.Finalize(env.Ctx, e.ID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinalized, eng.Status)

	assert.Equal(t, []string{"engagement finalized"}, a.closedReasons())
	assert.Equal(t, []string{"engagement finalized"}, b.closedReasons())
	assert.Equal(t, 0, env.Gateway.Registry.Count(e.ThreadID))

	// the store refuses further appends
	_, err = env.Gateway.Send(env.Ctx, e.ThreadID, "req-1", "too late", nil)
	require.ErrorIs(t, err, domain.ErrThreadClosed)
}

func TestEchoSuppression(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.Config.Messaging.SuppressEcho = true
	e := createEngagement(t, env)
	sender, other := &recordingHandle{}, &recordingHandle{}
	require.NoError(t, env.Gateway.Connect(env.Ctx, e.ThreadID, "req-1", sender))
	require.NoError(t, env.Gateway.Connect(env.Ctx, e.ThreadID, "prov-1", other))

	_, err := env.Gateway.Send(env.Ctx, e.ThreadID, "req-1", "no echo", sender)
	require.NoError(t, err)
	assert.Empty(t, sender.messages())
	require.Len(t, other.messages(), 1)
}

func TestHistoryCursorPagination(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		_, err := env.Gateway.Send(env.Ctx, e.ThreadID, "req-1", content, nil)
		require.NoError(t, err)
	}
	page, err := env.Gateway.History(env.Ctx, e.ThreadID, "prov-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", page[0].Content)

	page, err = env.Gateway.History(env.Ctx, e.ThreadID, "prov-1", page[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].Content)

	page, err = env.Gateway.History(env.Ctx, e.ThreadID, "prov-1", page[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m5", page[0].Content)
}
