package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"parley/internal/config"
	"parley/internal/domain"
	"parley/internal/events"
	"parley/internal/lifecycle"
	"parley/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// IdentityCreateOptions are parameters for registering an identity.
type IdentityCreateOptions struct {
	ID          string
	Role        domain.Role
	DisplayName string
}

func (e Engine) RegisterIdentity(ctx context.Context, opts IdentityCreateOptions) (domain.Identity, error) {
	switch opts.Role {
	case domain.RoleRequester, domain.RoleProvider, domain.RoleModerator:
	default:
		return domain.Identity{}, domain.Validation("role", "must be requester, provider, or moderator")
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.New().String()
	}
	ident := domain.Identity{
		ID:          id,
		Role:        opts.Role,
		DisplayName: opts.DisplayName,
		CreatedAt:   e.nowStr(),
	}
	if _, err := e.Repo.GetIdentity(ctx, id); err == nil {
		return domain.Identity{}, domain.Conflict("identity %s already exists", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Identity{}, err
	}
	if err := e.Repo.InsertIdentity(ctx, ident); err != nil {
		return domain.Identity{}, fmt.Errorf("insert identity: %w", err)
	}
	return ident, nil
}

// ThreadOpenOptions are parameters for opening a conversation thread.
type ThreadOpenOptions struct {
	ParticipantIDs []string
	ActorID        string
}

// OpenThread creates a thread over two or three distinct identities.
// The acting identity must be one of the participants.
func (e Engine) OpenThread(ctx context.Context, opts ThreadOpenOptions) (domain.Thread, error) {
	ids, err := distinctParticipants(opts.ParticipantIDs)
	if err != nil {
		return domain.Thread{}, err
	}
	actorIncluded := false
	for _, id := range ids {
		if id == opts.ActorID {
			actorIncluded = true
		}
	}
	if !actorIncluded {
		return domain.Thread{}, domain.ErrUnauthorized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Thread{}, err
	}
	defer tx.Rollback()

	t, err := e.openThreadTx(ctx, tx, ids, opts.ActorID)
	if err != nil {
		return domain.Thread{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Thread{}, err
	}
	return t, nil
}

func (e Engine) openThreadTx(ctx context.Context, tx *sql.Tx, participantIDs []string, actorID string) (domain.Thread, error) {
	now := e.nowStr()
	t := domain.Thread{
		ID:        uuid.New().String(),
		CreatedAt: now,
	}
	if err := e.Repo.InsertThreadTx(ctx, tx, t); err != nil {
		return domain.Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	for _, id := range participantIDs {
		ident, err := e.Repo.GetIdentityTx(ctx, tx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Thread{}, domain.Validation("participants", fmt.Sprintf("identity %s not found", id))
			}
			return domain.Thread{}, err
		}
		p := domain.Participant{
			ThreadID:   t.ID,
			IdentityID: ident.ID,
			Role:       ident.Role,
			JoinedAt:   now,
		}
		if err := e.Repo.InsertParticipantTx(ctx, tx, p); err != nil {
			return domain.Thread{}, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "thread.opened", "thread", t.ID, actorID, events.EventPayload{"participants": participantIDs}); err != nil {
		return domain.Thread{}, err
	}
	return t, nil
}

func distinctParticipants(ids []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, domain.Validation("participants", "empty identity id")
		}
		if seen[id] {
			return nil, domain.Validation("participants", "identity ids must be distinct")
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) < 2 || len(out) > 3 {
		return nil, domain.Validation("participants", "a thread takes two or three participants")
	}
	return out, nil
}

// JoinThread adds a moderator as the third participant of an open
// thread.
func (e Engine) JoinThread(ctx context.Context, threadID, identityID string) (domain.Participant, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetThreadTx(ctx, tx, threadID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Participant{}, domain.ErrNotFound
		}
		return domain.Participant{}, err
	}
	if t.Closed {
		return domain.Participant{}, domain.ErrThreadClosed
	}
	ident, err := e.Repo.GetIdentityTx(ctx, tx, identityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Participant{}, domain.ErrNotFound
		}
		return domain.Participant{}, err
	}
	if ident.Role != domain.RoleModerator {
		return domain.Participant{}, domain.Validation("identity", "only a moderator may join an existing thread")
	}
	already, err := e.Repo.IsParticipantTx(ctx, tx, threadID, identityID)
	if err != nil {
		return domain.Participant{}, err
	}
	if already {
		return domain.Participant{}, domain.Conflict("identity %s already in thread %s", identityID, threadID)
	}
	n, err := e.Repo.CountParticipantsTx(ctx, tx, threadID)
	if err != nil {
		return domain.Participant{}, err
	}
	if n >= 3 {
		return domain.Participant{}, domain.Conflict("thread %s already has three participants", threadID)
	}
	p := domain.Participant{
		ThreadID:   threadID,
		IdentityID: identityID,
		Role:       ident.Role,
		JoinedAt:   e.nowStr(),
	}
	if err := e.Repo.InsertParticipantTx(ctx, tx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "thread.joined", "thread", threadID, identityID, events.EventPayload{"identity_id": identityID}); err != nil {
		return domain.Participant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, err
	}
	return p, nil
}

// EngagementCreateOptions are parameters for opening an engagement.
type EngagementCreateOptions struct {
	RequesterID string
	ProviderID  string
	ListingRef  string
	ThreadID    string
	ActorID     string
}

// CreateEngagement opens an engagement in status negotiating and binds
// it one-to-one to a thread. When no thread is given, a fresh one is
// opened over the two principals.
func (e Engine) CreateEngagement(ctx context.Context, opts EngagementCreateOptions) (domain.Engagement, error) {
	if opts.RequesterID == "" {
		return domain.Engagement{}, domain.Validation("requester_id", "required")
	}
	if opts.ProviderID == "" {
		return domain.Engagement{}, domain.Validation("provider_id", "required")
	}
	if opts.RequesterID == opts.ProviderID {
		return domain.Engagement{}, domain.Validation("provider_id", "requester and provider must differ")
	}
	if opts.ActorID != opts.RequesterID && opts.ActorID != opts.ProviderID {
		return domain.Engagement{}, domain.ErrUnauthorized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer tx.Rollback()

	requester, err := e.Repo.GetIdentityTx(ctx, tx, opts.RequesterID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Engagement{}, domain.Validation("requester_id", "identity not found")
		}
		return domain.Engagement{}, err
	}
	if requester.Role != domain.RoleRequester {
		return domain.Engagement{}, domain.Validation("requester_id", "identity is not a requester")
	}
	provider, err := e.Repo.GetIdentityTx(ctx, tx, opts.ProviderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Engagement{}, domain.Validation("provider_id", "identity not found")
		}
		return domain.Engagement{}, err
	}
	if provider.Role != domain.RoleProvider {
		return domain.Engagement{}, domain.Validation("provider_id", "identity is not a provider")
	}

	now := e.nowStr()
	eng := domain.Engagement{
		ID:          uuid.New().String(),
		RequesterID: opts.RequesterID,
		ProviderID:  opts.ProviderID,
		InitiatorID: opts.ActorID,
		Status:      domain.StatusNegotiating,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ref := strings.TrimSpace(opts.ListingRef); ref != "" {
		eng.ListingRef = &ref
	}

	if opts.ThreadID != "" {
		t, err := e.Repo.GetThreadTx(ctx, tx, opts.ThreadID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Engagement{}, domain.ErrNotFound
			}
			return domain.Engagement{}, err
		}
		if t.Closed {
			return domain.Engagement{}, domain.ErrThreadClosed
		}
		for _, principal := range []string{opts.RequesterID, opts.ProviderID} {
			in, err := e.Repo.IsParticipantTx(ctx, tx, t.ID, principal)
			if err != nil {
				return domain.Engagement{}, err
			}
			if !in {
				return domain.Engagement{}, domain.Validation("thread_id", fmt.Sprintf("identity %s is not in the thread", principal))
			}
		}
		eng.ThreadID = t.ID
	} else {
		t, err := e.openThreadTx(ctx, tx, []string{opts.RequesterID, opts.ProviderID}, opts.ActorID)
		if err != nil {
			return domain.Engagement{}, err
		}
		eng.ThreadID = t.ID
	}

	if err := e.Repo.InsertEngagementTx(ctx, tx, eng); err != nil {
		return domain.Engagement{}, fmt.Errorf("insert engagement: %w", err)
	}
	bound, err := e.Repo.BindEngagementTx(ctx, tx, eng.ThreadID, eng.ID)
	if err != nil {
		return domain.Engagement{}, err
	}
	if !bound {
		return domain.Engagement{}, domain.Conflict("thread %s is already bound to an engagement", eng.ThreadID)
	}
	if err := e.Events.Append(ctx, tx, "engagement.created", "engagement", eng.ID, opts.ActorID, events.EventPayload{
		"requester_id": eng.RequesterID,
		"provider_id":  eng.ProviderID,
		"thread_id":    eng.ThreadID,
	}); err != nil {
		return domain.Engagement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// TransitionResult reports a completed lifecycle transition, including
// whether the bound thread was closed by it so callers can notify live
// connections.
type TransitionResult struct {
	Engagement   domain.Engagement
	ThreadClosed bool
}

func (e Engine) Accept(ctx context.Context, id, actorID string) (TransitionResult, error) {
	return e.applyTransition(ctx, id, actorID, lifecycle.ActionAccept, "")
}

func (e Engine) Reject(ctx context.Context, id, actorID string) (TransitionResult, error) {
	return e.applyTransition(ctx, id, actorID, lifecycle.ActionReject, "")
}

func (e Engine) MarkCompleted(ctx context.Context, id, actorID string) (TransitionResult, error) {
	return e.applyTransition(ctx, id, actorID, lifecycle.ActionComplete, "")
}

func (e Engine) Finalize(ctx context.Context, id, actorID string) (TransitionResult, error) {
	return e.applyTransition(ctx, id, actorID, lifecycle.ActionFinalize, "")
}

func (e Engine) Cancel(ctx context.Context, id, actorID, reason string) (TransitionResult, error) {
	if strings.TrimSpace(reason) == "" {
		return TransitionResult{}, domain.Validation("reason", "required")
	}
	return e.applyTransition(ctx, id, actorID, lifecycle.ActionCancel, reason)
}

func (e Engine) applyTransition(ctx context.Context, id, actorID string, action lifecycle.Action, reason string) (TransitionResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TransitionResult{}, domain.ErrNotFound
		}
		return TransitionResult{}, err
	}
	if actorID != eng.RequesterID && actorID != eng.ProviderID {
		return TransitionResult{}, domain.ErrUnauthorized
	}
	if !lifecycle.MayAct(eng, actorID, action) {
		return TransitionResult{}, &domain.InvalidTransitionError{EngagementID: id, From: eng.Status, Action: string(action)}
	}
	from := eng.Status
	next, ok := lifecycle.Next(from, action)
	if !ok {
		return TransitionResult{}, &domain.InvalidTransitionError{EngagementID: id, From: from, Action: string(action)}
	}
	now := e.nowStr()
	eng.Status = next
	eng.UpdatedAt = now
	switch next {
	case domain.StatusAccepted:
		eng.StartedAt = &now
	case domain.StatusCompleted:
		eng.CompletedAt = &now
	case domain.StatusFinalized:
		eng.FinalizedAt = &now
	case domain.StatusCancelled:
		eng.CancelledAt = &now
		eng.CancelReason = &reason
	}
	applied, err := e.Repo.UpdateEngagementStatusTx(ctx, tx, eng, from)
	if err != nil {
		return TransitionResult{}, err
	}
	if !applied {
		// another writer transitioned first; report against its result
		current, rerr := e.Repo.GetEngagement(ctx, id)
		if rerr != nil {
			return TransitionResult{}, rerr
		}
		return TransitionResult{}, &domain.InvalidTransitionError{EngagementID: id, From: current.Status, Action: string(action)}
	}
	payload := events.EventPayload{"from": string(from), "to": string(next)}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, "engagement."+string(next), "engagement", id, actorID, payload); err != nil {
		return TransitionResult{}, err
	}
	res := TransitionResult{Engagement: eng}
	if lifecycle.Terminal(next) {
		closed, err := e.Repo.CloseThreadTx(ctx, tx, eng.ThreadID)
		if err != nil {
			return TransitionResult{}, err
		}
		if closed {
			if err := e.Events.Append(ctx, tx, "thread.closed", "thread", eng.ThreadID, actorID, events.EventPayload{"engagement_id": id}); err != nil {
				return TransitionResult{}, err
			}
		}
		res.ThreadClosed = closed
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

// MessageSendOptions are parameters for appending a message.
type MessageSendOptions struct {
	ThreadID string
	SenderID string
	Content  string
}

const maxMessageLength = 8192

// AppendMessage persists a message with the next per-thread sequence
// number. The closed and membership gates run inside the same write
// transaction as the append, so a closing thread cannot accept a
// message after its closure commits.
func (e Engine) AppendMessage(ctx context.Context, opts MessageSendOptions) (domain.Message, error) {
	content := opts.Content
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, domain.Validation("content", "required")
	}
	if len(content) > maxMessageLength {
		return domain.Message{}, domain.Validation("content", "too long")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetThreadTx(ctx, tx, opts.ThreadID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Message{}, domain.ErrNotFound
		}
		return domain.Message{}, err
	}
	if t.Closed {
		return domain.Message{}, domain.ErrThreadClosed
	}
	in, err := e.Repo.IsParticipantTx(ctx, tx, opts.ThreadID, opts.SenderID)
	if err != nil {
		return domain.Message{}, err
	}
	if !in {
		return domain.Message{}, domain.ErrUnauthorized
	}
	seq, err := e.Repo.NextSeqTx(ctx, tx, opts.ThreadID)
	if err != nil {
		return domain.Message{}, err
	}
	m := domain.Message{
		ID:        uuid.New().String(),
		ThreadID:  opts.ThreadID,
		SenderID:  opts.SenderID,
		Content:   content,
		Seq:       seq,
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertMessageTx(ctx, tx, m); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "message.sent", "message", m.ID, opts.SenderID, events.EventPayload{"thread_id": m.ThreadID, "seq": m.Seq}); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// Authorize checks that the identity may read a thread. Closed threads
// stay readable by their participants.
func (e Engine) Authorize(ctx context.Context, threadID, identityID string) (domain.Thread, error) {
	t, err := e.Repo.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Thread{}, domain.ErrNotFound
		}
		return domain.Thread{}, err
	}
	in, err := e.Repo.IsParticipant(ctx, threadID, identityID)
	if err != nil {
		return domain.Thread{}, err
	}
	if !in {
		return domain.Thread{}, domain.ErrUnauthorized
	}
	return t, nil
}

// CloseThread marks a thread closed out-of-band of any engagement.
// Returns true when this call performed the close; closing an already
// closed thread is a no-op.
func (e Engine) CloseThread(ctx context.Context, threadID, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetThreadTx(ctx, tx, threadID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, domain.ErrNotFound
		}
		return false, err
	}
	closed, err := e.Repo.CloseThreadTx(ctx, tx, threadID)
	if err != nil {
		return false, err
	}
	if closed {
		if err := e.Events.Append(ctx, tx, "thread.closed", "thread", threadID, actorID, events.EventPayload{}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return closed, nil
}

// CreateAPIKey mints an API key for an identity and returns the raw
// key once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, identityID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetIdentity(ctx, identityID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.APIKey{}, "", domain.ErrNotFound
		}
		return domain.APIKey{}, "", err
	}
	raw := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		Name:       name,
		KeyHash:    repo.HashAPIKey(raw),
		CreatedAt:  e.nowStr(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}
