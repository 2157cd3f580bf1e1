package server

import (
	"encoding/json"

	"parley/internal/domain"
	"parley/internal/engine"
)

func engineIdentityOptions(id, role, displayName string) engine.IdentityCreateOptions {
	return engine.IdentityCreateOptions{
		ID:          id,
		Role:        domain.Role(role),
		DisplayName: displayName,
	}
}

func engineThreadOptions(participantIDs []string, actorID string) engine.ThreadOpenOptions {
	return engine.ThreadOpenOptions{
		ParticipantIDs: participantIDs,
		ActorID:        actorID,
	}
}

func engineEngagementOptions(requesterID, providerID, listingRef, threadID, actorID string) engine.EngagementCreateOptions {
	return engine.EngagementCreateOptions{
		RequesterID: requesterID,
		ProviderID:  providerID,
		ListingRef:  listingRef,
		ThreadID:    threadID,
		ActorID:     actorID,
	}
}

type identityResponse struct {
	ID          string `json:"id"`
	Role        string `json:"role" enum:"requester,provider,moderator"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func identityToResponse(i domain.Identity) identityResponse {
	return identityResponse{
		ID:          i.ID,
		Role:        string(i.Role),
		DisplayName: i.DisplayName,
		CreatedAt:   i.CreatedAt,
	}
}

type engagementResponse struct {
	ID           string  `json:"id"`
	RequesterID  string  `json:"requester_id"`
	ProviderID   string  `json:"provider_id"`
	InitiatorID  string  `json:"initiator_id"`
	ListingRef   *string `json:"listing_ref,omitempty"`
	ThreadID     string  `json:"thread_id"`
	Status       string  `json:"status" enum:"negotiating,accepted,completed,finalized,rejected,cancelled"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	StartedAt    *string `json:"started_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	FinalizedAt  *string `json:"finalized_at,omitempty"`
	CancelledAt  *string `json:"cancelled_at,omitempty"`
	CancelReason *string `json:"cancel_reason,omitempty"`
}

func engagementToResponse(e domain.Engagement) engagementResponse {
	return engagementResponse{
		ID:           e.ID,
		RequesterID:  e.RequesterID,
		ProviderID:   e.ProviderID,
		InitiatorID:  e.InitiatorID,
		ListingRef:   e.ListingRef,
		ThreadID:     e.ThreadID,
		Status:       string(e.Status),
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		FinalizedAt:  e.FinalizedAt,
		CancelledAt:  e.CancelledAt,
		CancelReason: e.CancelReason,
	}
}

func engagementsToResponses(items []domain.Engagement) []engagementResponse {
	out := make([]engagementResponse, 0, len(items))
	for _, e := range items {
		out = append(out, engagementToResponse(e))
	}
	return out
}

type participantResponse struct {
	IdentityID string `json:"identity_id"`
	Role       string `json:"role"`
	JoinedAt   string `json:"joined_at"`
}

type threadResponse struct {
	ID            string                `json:"id"`
	EngagementID  *string               `json:"engagement_id,omitempty"`
	Closed        bool                  `json:"closed"`
	CreatedAt     string                `json:"created_at"`
	Participants  []participantResponse `json:"participants,omitempty"`
	LastMessageAt *string               `json:"last_message_at,omitempty"`
}

func threadToResponse(t domain.Thread) threadResponse {
	return threadResponse{
		ID:           t.ID,
		EngagementID: t.EngagementID,
		Closed:       t.Closed,
		CreatedAt:    t.CreatedAt,
	}
}

func threadSummaryToResponse(s domain.ThreadSummary) threadResponse {
	resp := threadToResponse(s.Thread)
	resp.LastMessageAt = s.LastMessageAt
	resp.Participants = make([]participantResponse, 0, len(s.Participants))
	for _, p := range s.Participants {
		resp.Participants = append(resp.Participants, participantResponse{
			IdentityID: p.IdentityID,
			Role:       string(p.Role),
			JoinedAt:   p.JoinedAt,
		})
	}
	return resp
}

type messageResponse struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq"`
	CreatedAt string `json:"created_at"`
}

func messageToResponse(m domain.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt,
	}
}

func messagesToResponses(items []domain.Message) []messageResponse {
	out := make([]messageResponse, 0, len(items))
	for _, m := range items {
		out = append(out, messageToResponse(m))
	}
	return out
}

type eventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func eventToResponse(e domain.Event) eventResponse {
	return eventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
