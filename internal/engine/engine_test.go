package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/domain"
	"parley/internal/engine"
	"parley/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	for _, reg := range []engine.IdentityCreateOptions{
		{ID: "req-1", Role: domain.RoleRequester},
		{ID: "prov-1", Role: domain.RoleProvider},
		{ID: "mod-1", Role: domain.RoleModerator},
		{ID: "req-2", Role: domain.RoleRequester},
	} {
		if _, err := eng.RegisterIdentity(ctx, reg); err != nil {
			t.Fatalf("register %s: %v", reg.ID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createEngagement(t *testing.T, env testEnv) domain.Engagement {
	t.Helper()
	e, err := env.Engine.CreateEngagement(env.Ctx, engine.EngagementCreateOptions{
		RequesterID: "req-1",
		ProviderID:  "prov-1",
		ActorID:     "req-1",
	})
	if err != nil {
		t.Fatalf("create engagement: %v", err)
	}
	return e
}

func TestEngagementHappyPath(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	if e.Status != domain.StatusNegotiating {
		t.Fatalf("expected negotiating, got %s", e.Status)
	}
	if e.ThreadID == "" {
		t.Fatalf("expected bound thread")
	}
	if e.InitiatorID != "req-1" {
		t.Fatalf("expected initiator req-1, got %s", e.InitiatorID)
	}

	res, err := env.Engine.Accept(env.Ctx, e.ID, "prov-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Engagement.Status != domain.StatusAccepted || res.Engagement.StartedAt == nil {
		t.Fatalf("expected accepted with started_at, got %+v", res.Engagement)
	}

	res, err = env.Engine.MarkCompleted(env.Ctx, e.ID, "prov-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Engagement.Status != domain.StatusCompleted || res.Engagement.CompletedAt == nil {
		t.Fatalf("expected completed with completed_at")
	}
	if res.ThreadClosed {
		t.Fatalf("completed is not terminal; thread must stay open")
	}

	res, err = env.Engine.Finalize(env.Ctx, e.ID, "req-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Engagement.Status != domain.StatusFinalized || res.Engagement.FinalizedAt == nil {
		t.Fatalf("expected finalized with finalized_at")
	}
	if !res.ThreadClosed {
		t.Fatalf("finalize must close the thread")
	}
	thread, err := env.Engine.Repo.GetThread(env.Ctx, e.ThreadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if !thread.Closed {
		t.Fatalf("thread not closed after finalize")
	}
}

func TestAcceptByInitiatorRejected(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	_, err := env.Engine.Accept(env.Ctx, e.ID, "req-1")
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	// the other party still can
	if _, err := env.Engine.Accept(env.Ctx, e.ID, "prov-1"); err != nil {
		t.Fatalf("accept by provider: %v", err)
	}
}

func TestTransitionsByStranger(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	_, err := env.Engine.Accept(env.Ctx, e.ID, "mod-1")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRejectClosesThread(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	res, err := env.Engine.Reject(env.Ctx, e.ID, "prov-1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Engagement.Status != domain.StatusRejected || !res.ThreadClosed {
		t.Fatalf("expected rejected with closed thread")
	}
	// no further transitions
	_, err = env.Engine.Accept(env.Ctx, e.ID, "prov-1")
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError after reject, got %v", err)
	}
}

func TestCancelNeedsReason(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	_, err := env.Engine.Cancel(env.Ctx, e.ID, "req-1", "  ")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	res, err := env.Engine.Cancel(env.Ctx, e.ID, "req-1", "changed plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Engagement.CancelReason == nil || *res.Engagement.CancelReason != "changed plans" {
		t.Fatalf("expected cancel reason persisted")
	}
	if res.Engagement.CancelledAt == nil || !res.ThreadClosed {
		t.Fatalf("expected cancelled_at and closed thread")
	}
}

func TestCancelAfterCompletedRejected(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	if _, err := env.Engine.Accept(env.Ctx, e.ID, "prov-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkCompleted(env.Ctx, e.ID, "prov-1"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Cancel(env.Ctx, e.ID, "req-1", "too late")
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestThreadBindingIsOneTime(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	// a second engagement on the same thread must conflict
	_, err := env.Engine.CreateEngagement(env.Ctx, engine.EngagementCreateOptions{
		RequesterID: "req-1",
		ProviderID:  "prov-1",
		ThreadID:    e.ThreadID,
		ActorID:     "prov-1",
	})
	var ce *domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestAppendMessageSequencing(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	for i := 1; i <= 3; i++ {
		m, err := env.Engine.AppendMessage(env.Ctx, engine.MessageSendOptions{
			ThreadID: e.ThreadID,
			SenderID: "req-1",
			Content:  "hello",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.Seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, m.Seq)
		}
	}
}

func TestAppendMessageGates(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	_, err := env.Engine.AppendMessage(env.Ctx, engine.MessageSendOptions{
		ThreadID: e.ThreadID, SenderID: "req-1", Content: "   ",
	})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError on empty content, got %v", err)
	}
	_, err = env.Engine.AppendMessage(env.Ctx, engine.MessageSendOptions{
		ThreadID: e.ThreadID, SenderID: "mod-1", Content: "let me in",
	})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-participant, got %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, e.ID, "prov-1"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AppendMessage(env.Ctx, engine.MessageSendOptions{
		ThreadID: e.ThreadID, SenderID: "req-1", Content: "anyone there?",
	})
	if !errors.Is(err, domain.ErrThreadClosed) {
		t.Fatalf("expected ErrThreadClosed, got %v", err)
	}
}

func TestModeratorJoinCap(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	if _, err := env.Engine.JoinThread(env.Ctx, e.ThreadID, "mod-1"); err != nil {
		t.Fatalf("moderator join: %v", err)
	}
	// non-moderator cannot join
	_, err := env.Engine.JoinThread(env.Ctx, e.ThreadID, "req-2")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// joined moderator may post
	if _, err := env.Engine.AppendMessage(env.Ctx, engine.MessageSendOptions{
		ThreadID: e.ThreadID, SenderID: "mod-1", Content: "moderating",
	}); err != nil {
		t.Fatalf("moderator message: %v", err)
	}
}

func TestFinalizeSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	if _, err := env.Engine.Accept(env.Ctx, e.ID, "prov-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkCompleted(env.Ctx, e.ID, "prov-1"); err != nil {
		t.Fatal(err)
	}
	// both principals race to finalize; the guarded update lets exactly
	// one through and the loser sees the transition conflict
	if _, err := env.Engine.Finalize(env.Ctx, e.ID, "req-1"); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	_, err := env.Engine.Finalize(env.Ctx, e.ID, "prov-1")
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError for loser, got %v", err)
	}
	if ite.From != domain.StatusFinalized {
		t.Fatalf("conflict should report the winner's status, got %s", ite.From)
	}
	final, err := env.Engine.Repo.GetEngagement(env.Ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.StatusFinalized {
		t.Fatalf("expected finalized, got %s", final.Status)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	e := createEngagement(t, env)
	if _, err := env.Engine.Accept(env.Ctx, e.ID, "prov-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AppendMessage(env.Ctx, engine.MessageSendOptions{
		ThreadID: e.ThreadID, SenderID: "req-1", Content: "hi",
	}); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		types[typ] = true
	}
	for _, want := range []string{"thread.opened", "engagement.created", "engagement.accepted", "message.sent"} {
		if !types[want] {
			t.Fatalf("missing event %s (have %v)", want, types)
		}
	}
}

func TestListThreadsForOrdering(t *testing.T) {
	env := newTestEnv(t)
	first := createEngagement(t, env)
	second, err := env.Engine.CreateEngagement(env.Ctx, engine.EngagementCreateOptions{
		RequesterID: "req-2",
		ProviderID:  "prov-1",
		ActorID:     "prov-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	if _, err := env.Engine.AppendMessage(env.Ctx, engine.MessageSendOptions{
		ThreadID: first.ThreadID, SenderID: "prov-1", Content: "bump",
	}); err != nil {
		t.Fatal(err)
	}
	threads, err := env.Engine.Repo.ListThreadsFor(env.Ctx, "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
	if threads[0].Thread.ID != first.ThreadID {
		t.Fatalf("expected most recently active thread first")
	}
	if threads[0].LastMessageAt == nil {
		t.Fatalf("expected last_message_at on active thread")
	}
	_ = second
}
