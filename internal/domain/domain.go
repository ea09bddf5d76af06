package domain

// Task statuses form the reservation state machine:
// open -> reserved -> claimed -> submitted -> completed, with
// reserved -> open as the only back-edge (expiry or release).
const (
	TaskOpen      = "open"
	TaskReserved  = "reserved"
	TaskClaimed   = "claimed"
	TaskSubmitted = "submitted"
	TaskCompleted = "completed"
)

const (
	InviteSent     = "sent"
	InviteAccepted = "accepted"
	InviteDeclined = "declined"
)

type Task struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	Subject     string  `json:"subject"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Deadline    string  `json:"deadline" format:"date-time"`
	Status      string  `json:"status" enum:"open,reserved,claimed,submitted,completed"`

	// ExpertID is set once the task is claimed and stays set through
	// submitted/completed. ReservedBy/ReservedUntil are non-nil iff
	// status is reserved.
	ExpertID      *string `json:"expert_id,omitempty"`
	ReservedBy    *string `json:"reserved_by,omitempty"`
	ReservedUntil *string `json:"reserved_until,omitempty" format:"date-time"`

	// InvitedNow counts experts invited so far; monotonically
	// non-decreasing across waves. NextWaveAt is nil once matching
	// stops (task left open, or candidates exhausted).
	InvitedNow int     `json:"invited_now"`
	NextWaveAt *string `json:"next_wave_at,omitempty" format:"date-time"`

	SubmissionJSON *string `json:"submission_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
}

type Expert struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Subjects    []string `json:"subjects"`
	MinPrice    float64  `json:"min_price"`
	MaxPrice    float64  `json:"max_price"`
	Level       string   `json:"level,omitempty"`

	// Rating and responsiveness fields are written by external
	// post-completion processes; the engine only reads them.
	RatingAvg          float64        `json:"rating_avg"`
	RatingCount        int            `json:"rating_count"`
	AcceptRate         float64        `json:"accept_rate"`
	MedianResponseMins float64        `json:"median_response_mins"`
	CompletedBySubject map[string]int `json:"completed_by_subject,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Invite struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	ExpertID    string  `json:"expert_id"`
	SentAt      string  `json:"sent_at" format:"date-time"`
	RespondedAt *string `json:"responded_at,omitempty" format:"date-time"`
	Status      string  `json:"status" enum:"sent,accepted,declined"`
	LastScore   float64 `json:"last_score"`
}

// Reservation is the read model for a task's lease. It is encoded on the
// Task record, not stored separately.
type Reservation struct {
	TaskID        string `json:"task_id"`
	ReservedBy    string `json:"reserved_by"`
	ReservedUntil string `json:"reserved_until" format:"date-time"`
	RemainingMS   int64  `json:"remaining_ms"`
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
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
