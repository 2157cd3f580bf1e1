package domain

// Role tags an identity within the marketplace.
type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
	RoleModerator Role = "moderator"
)

// EngagementStatus is the lifecycle state of an engagement.
type EngagementStatus string

const (
	StatusNegotiating EngagementStatus = "negotiating"
	StatusAccepted    EngagementStatus = "accepted"
	StatusCompleted   EngagementStatus = "completed"
	StatusFinalized   EngagementStatus = "finalized"
	StatusRejected    EngagementStatus = "rejected"
	StatusCancelled   EngagementStatus = "cancelled"
)

type Identity struct {
	ID          string `json:"id"`
	Role        Role   `json:"role" enum:"requester,provider,moderator"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type Thread struct {
	ID           string  `json:"id"`
	EngagementID *string `json:"engagement_id,omitempty"`
	Closed       bool    `json:"closed"`
	CreatedAt    string  `json:"created_at"`
}

type Participant struct {
	ThreadID   string `json:"thread_id"`
	IdentityID string `json:"identity_id"`
	Role       Role   `json:"role"`
	JoinedAt   string `json:"joined_at"`
}

type Message struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq"`
	CreatedAt string `json:"created_at"`
}

type Engagement struct {
	ID           string           `json:"id"`
	RequesterID  string           `json:"requester_id"`
	ProviderID   string           `json:"provider_id"`
	InitiatorID  string           `json:"initiator_id"`
	ListingRef   *string          `json:"listing_ref,omitempty"`
	ThreadID     string           `json:"thread_id"`
	Status       EngagementStatus `json:"status"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	StartedAt    *string          `json:"started_at,omitempty"`
	CompletedAt  *string          `json:"completed_at,omitempty"`
	FinalizedAt  *string          `json:"finalized_at,omitempty"`
	CancelledAt  *string          `json:"cancelled_at,omitempty"`
	CancelReason *string          `json:"cancel_reason,omitempty"`
}

// ThreadSummary is a thread plus what a conversation list needs to
// render a row without extra queries.
type ThreadSummary struct {
	Thread        Thread        `json:"thread"`
	Participants  []Participant `json:"participants"`
	LastMessageAt *string       `json:"last_message_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type APIKey struct {
	ID         string
	IdentityID string
	Name       string
	KeyHash    string
	CreatedAt  string
}
