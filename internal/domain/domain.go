package domain

type User struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	Tier      string `json:"tier" enum:"anonymous,limited,promoted,admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type AppRequest struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Category        string  `json:"category"`
	RequesterID     string  `json:"requester_id"`
	Status          string  `json:"status" enum:"submitted,queued,generating,safety_review,wild_west,promotion_pending,promoted,rejected,failed,retired"`
	Attempts        int     `json:"attempts"`
	NotBefore       *string `json:"not_before,omitempty" format:"date-time"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	LatestJobID     *string `json:"latest_job_id,omitempty"`
	VerdictID       *string `json:"verdict_id,omitempty"`
	StagedAppID     *string `json:"staged_app_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type GenerationJob struct {
	ID          string  `json:"id"`
	RequestID   string  `json:"request_id"`
	Attempt     int     `json:"attempt"`
	Status      string  `json:"status" enum:"running,succeeded,failed,timed_out,cancelled"`
	ArtifactRef *string `json:"artifact_ref,omitempty"`
	FailureKind *string `json:"failure_kind,omitempty"`
	FailureNote *string `json:"failure_note,omitempty"`
	BuildLog    string  `json:"build_log,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	EndedAt     *string `json:"ended_at,omitempty" format:"date-time"`
}

type Violation struct {
	Code     string `json:"code"`
	Severity string `json:"severity" enum:"critical,high,medium,low"`
	Reason   string `json:"reason"`
}

type SafetyVerdict struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id"`
	ArtifactRef string      `json:"artifact_ref"`
	Pass        bool        `json:"pass"`
	Violations  []Violation `json:"violations,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
}

type StagedApp struct {
	ID              string  `json:"id"`
	RequestID       string  `json:"request_id"`
	ArtifactRef     string  `json:"artifact_ref"`
	Title           string  `json:"title"`
	Category        string  `json:"category"`
	Upvotes         int     `json:"upvotes"`
	Downvotes       int     `json:"downvotes"`
	FeedbackCount   int     `json:"feedback_count"`
	Eligible        bool    `json:"eligible"`
	Status          string  `json:"status" enum:"staged,promotion_pending,promoted,retired"`
	PublishIntentID *string `json:"publish_intent_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Vote struct {
	ActorID    string `json:"actor_id"`
	TargetKind string `json:"target_kind" enum:"request,staged_app"`
	TargetID   string `json:"target_id"`
	Direction  string `json:"direction" enum:"up,down"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type FeedbackItem struct {
	ID          string `json:"id"`
	StagedAppID string `json:"staged_app_id"`
	AuthorID    string `json:"author_id"`
	Kind        string `json:"kind" enum:"bug,feature,general"`
	Message     string `json:"message"`
	Priority    string `json:"priority" enum:"low,medium,high"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type PublishIntent struct {
	ID          string `json:"id"`
	StagedAppID string `json:"staged_app_id"`
	RequestID   string `json:"request_id"`
	ArtifactRef string `json:"artifact_ref"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Tally struct {
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
	Up         int    `json:"up"`
	Down       int    `json:"down"`
}
