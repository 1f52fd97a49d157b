package domain

// Task is a point-valued work item.
type Task struct {
	ID          int64   `json:"id" xml:"id"`
	Title       string  `json:"title" xml:"title"`
	Description string  `json:"description" xml:"description"`
	Points      int     `json:"points" minimum:"1" xml:"points"`
	CreatedAt   string  `json:"created_at" format:"date-time" xml:"created_at"`
	EditedAt    *string `json:"edited_at,omitempty" format:"date-time" xml:"edited_at,omitempty"`
	DeletedAt   *string `json:"deleted_at,omitempty" format:"date-time" xml:"deleted_at,omitempty"`
}

type User struct {
	ID        int64   `json:"id" xml:"id"`
	Name      string  `json:"name" xml:"name"`
	Age       int     `json:"age" xml:"age"`
	Gender    string  `json:"gender" xml:"gender"`
	CreatedAt string  `json:"created_at" format:"date-time" xml:"created_at"`
	EditedAt  *string `json:"edited_at,omitempty" format:"date-time" xml:"edited_at,omitempty"`
	DeletedAt *string `json:"deleted_at,omitempty" format:"date-time" xml:"deleted_at,omitempty"`
}

// History records a user performing a task. Finalized histories count
// towards the user's points and trigger reward issuance.
type History struct {
	ID          int64   `json:"id" xml:"id"`
	Name        string  `json:"name" xml:"name"`
	Description string  `json:"description" xml:"description"`
	UserID      int64   `json:"user_id" xml:"user_id"`
	TaskID      int64   `json:"task_id" xml:"task_id"`
	Finalized   bool    `json:"finalized" xml:"finalized"`
	CreatedAt   string  `json:"created_at" format:"date-time" xml:"created_at"`
	EditedAt    *string `json:"edited_at,omitempty" format:"date-time" xml:"edited_at,omitempty"`
	DeletedAt   *string `json:"deleted_at,omitempty" format:"date-time" xml:"deleted_at,omitempty"`
}

// Reward is issued at most once per history.
type Reward struct {
	ID          int64   `json:"id" xml:"id"`
	HistoryID   int64   `json:"history_id" xml:"history_id"`
	Name        string  `json:"name" xml:"name"`
	Description string  `json:"description" xml:"description"`
	ImageURL    *string `json:"image_url,omitempty" xml:"image_url,omitempty"`
	Points      int     `json:"points" xml:"points"`
	CreatedAt   string  `json:"created_at" format:"date-time" xml:"created_at"`
	DeletedAt   *string `json:"deleted_at,omitempty" format:"date-time" xml:"deleted_at,omitempty"`
}

type Event struct {
	ID            int64  `json:"id" xml:"id"`
	TS            string `json:"ts" format:"date-time" xml:"ts"`
	Type          string `json:"type" xml:"type"`
	EntityKind    string `json:"entity_kind" xml:"entity_kind"`
	EntityID      *int64 `json:"entity_id,omitempty" xml:"entity_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty" xml:"correlation_id,omitempty"`
	Payload       string `json:"payload_json" xml:"payload_json"`
}

type ReportSnapshot struct {
	ID          int64  `json:"id" xml:"id"`
	TakenAt     string `json:"taken_at" format:"date-time" xml:"taken_at"`
	SummaryJSON string `json:"summary_json" xml:"summary_json"`
}

// UserPoints is one row of a per-user aggregate.
type UserPoints struct {
	UserID int64  `json:"user_id" xml:"user_id"`
	User   string `json:"user" xml:"user"`
	Value  int    `json:"value" xml:"value"`
}

type TaskPoints struct {
	Title  string `json:"title" xml:"title"`
	Points int    `json:"points" xml:"points"`
}

type RewardCount struct {
	Name     string  `json:"name" xml:"name"`
	ImageURL *string `json:"image_url,omitempty" xml:"image_url,omitempty"`
	Count    int     `json:"count" xml:"count"`
}

// APIKey is a long-lived write credential. Only the hash of the key is stored.
type APIKey struct {
	ID        string `json:"id" xml:"id"`
	Subject   string `json:"subject" xml:"subject"`
	Name      string `json:"name,omitempty" xml:"name,omitempty"`
	KeyHash   string `json:"-" xml:"-"`
	CreatedAt string `json:"created_at" format:"date-time" xml:"created_at"`
}
