package server

import (
	"encoding/json"

	"forgeline/internal/domain"
)

// Request payloads

type SubmitRequestBody struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
}

type RejectRequestBody struct {
	Reason string `json:"reason"`
}

type CastVoteBody struct {
	TargetKind string `json:"target_kind" enum:"request,staged_app"`
	TargetID   string `json:"target_id"`
	Direction  string `json:"direction" enum:"up,down"`
}

type FeedbackBody struct {
	Kind     string `json:"kind" enum:"bug,feature,general"`
	Message  string `json:"message"`
	Priority string `json:"priority,omitempty" enum:"low,medium,high"`
}

type PromoteBody struct {
	Override bool `json:"override,omitempty"`
}

type RetireBody struct {
	Reason string `json:"reason,omitempty"`
}

type ConfirmPublishBody struct {
	IntentID string `json:"intent_id"`
}

type CreateUserBody struct {
	Handle string `json:"handle"`
	Tier   string `json:"tier,omitempty" enum:"limited,promoted,admin"`
}

type UpdateUserBody struct {
	Tier string `json:"tier" enum:"limited,promoted,admin"`
}

type CreateKeyBody struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

// PromotionResponse pairs the transitioned staged app with the publish
// intent the catalog delivery will carry.
type PromotionResponse struct {
	StagedApp     domain.StagedApp     `json:"staged_app"`
	PublishIntent domain.PublishIntent `json:"publish_intent"`
}

// APIKeyCreatedResponse carries the plaintext key exactly once; only the
// hash is stored.
type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MeResponse struct {
	User   domain.User `json:"user"`
	Source string      `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedRequests struct {
	Items      []domain.AppRequest `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedStagedApps struct {
	Items      []domain.StagedApp `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedFeedback struct {
	Items      []domain.FeedbackItem `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
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
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
