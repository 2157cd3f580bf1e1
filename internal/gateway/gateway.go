// Package gateway composes the persistence engine and the connection
// registry into the live messaging surface. Every delivery path here
// persists before it broadcasts, so a subscriber can never see a
// message the store does not hold.
package gateway

import (
	"context"
	"encoding/json"

	"parley/internal/config"
	"parley/internal/domain"
	"parley/internal/engine"
	"parley/internal/registry"
)

type Gateway struct {
	Engine   engine.Engine
	Registry *registry.Registry
	Config   *config.Config
}

func New(e engine.Engine, r *registry.Registry, cfg *config.Config) *Gateway {
	return &Gateway{Engine: e, Registry: r, Config: cfg}
}

// Frame is the envelope pushed to live subscribers.
type Frame struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

func messageFrame(m domain.Message) []byte {
	data, _ := json.Marshal(Frame{Type: "message", Message: &m})
	return data
}

// Send appends a message and fans it out to the thread's live
// subscribers. from identifies the sender's own handle; it is skipped
// only when echo suppression is configured.
func (g *Gateway) Send(ctx context.Context, threadID, senderID, content string, from registry.Handle) (domain.Message, error) {
	m, err := g.Engine.AppendMessage(ctx, engine.MessageSendOptions{
		ThreadID: threadID,
		SenderID: senderID,
		Content:  content,
	})
	if err != nil {
		return domain.Message{}, err
	}
	var skip registry.Handle
	if g.Config != nil && g.Config.Messaging.SuppressEcho {
		skip = from
	}
	g.Registry.Broadcast(threadID, messageFrame(m), skip)
	return m, nil
}

// Connect authorizes the identity for the thread, replays the bounded
// message backlog oldest-first over the handle, and then registers it
// for live delivery. The replay happens before registration so the
// subscriber sees history strictly before anything live. Connecting to
// a closed thread replays the backlog and reports ErrThreadClosed
// without registering.
func (g *Gateway) Connect(ctx context.Context, threadID, identityID string, h registry.Handle) error {
	t, err := g.Engine.Authorize(ctx, threadID, identityID)
	if err != nil {
		return err
	}
	limit := 50
	if g.Config != nil && g.Config.Messaging.BacklogLimit > 0 {
		limit = g.Config.Messaging.BacklogLimit
	}
	backlog, err := g.Engine.Repo.LatestMessages(ctx, threadID, limit)
	if err != nil {
		return err
	}
	for _, m := range backlog {
		if err := h.Send(messageFrame(m)); err != nil {
			return err
		}
	}
	if t.Closed {
		return domain.ErrThreadClosed
	}
	g.Registry.Register(threadID, h)
	return nil
}

// Disconnect drops a live handle.
func (g *Gateway) Disconnect(threadID string, h registry.Handle) {
	g.Registry.Unregister(threadID, h)
}

// History returns messages after the seq cursor in ascending order.
// Closed threads stay readable by their participants.
func (g *Gateway) History(ctx context.Context, threadID, identityID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if _, err := g.Engine.Authorize(ctx, threadID, identityID); err != nil {
		return nil, err
	}
	return g.Engine.Repo.ListMessages(ctx, threadID, afterSeq, limit)
}

// ThreadsFor lists the identity's threads, most recently active first.
func (g *Gateway) ThreadsFor(ctx context.Context, identityID string) ([]domain.ThreadSummary, error) {
	return g.Engine.Repo.ListThreadsFor(ctx, identityID)
}

// Lifecycle transitions pass through the engine; when one closes the
// bound thread, every live subscriber gets the closure signal.

func (g *Gateway) Accept(ctx context.Context, id, actorID string) (domain.Engagement, error) {
	return g.finishTransition(g.Engine.Accept(ctx, id, actorID))
}

func (g *Gateway) Reject(ctx context.Context, id, actorID string) (domain.Engagement, error) {
	return g.finishTransition(g.Engine.Reject(ctx, id, actorID))
}

func (g *Gateway) MarkCompleted(ctx context.Context, id, actorID string) (domain.Engagement, error) {
	return g.finishTransition(g.Engine.MarkCompleted(ctx, id, actorID))
}

func (g *Gateway) Finalize(ctx context.Context, id, actorID string) (domain.Engagement, error) {
	return g.finishTransition(g.Engine.Finalize(ctx, id, actorID))
}

func (g *Gateway) Cancel(ctx context.Context, id, actorID, reason string) (domain.Engagement, error) {
	return g.finishTransition(g.Engine.Cancel(ctx, id, actorID, reason))
}

func (g *Gateway) finishTransition(res engine.TransitionResult, err error) (domain.Engagement, error) {
	if err != nil {
		return domain.Engagement{}, err
	}
	if res.ThreadClosed {
		g.Registry.CloseAll(res.Engagement.ThreadID, "engagement "+string(res.Engagement.Status))
	}
	return res.Engagement, nil
}

// CloseThread closes a thread directly and notifies its subscribers.
func (g *Gateway) CloseThread(ctx context.Context, threadID, actorID string) error {
	closed, err := g.Engine.CloseThread(ctx, threadID, actorID)
	if err != nil {
		return err
	}
	if closed {
		g.Registry.CloseAll(threadID, "thread closed")
	}
	return nil
}
