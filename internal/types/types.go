package types

import "time"

// =============================================================================
// MATERIAL
// =============================================================================

// ProcessingStatus tracks a material through its pipeline.
// Legal transitions: pending → processing → {completed, failed}.
// failed → pending is allowed only as an explicit administrative retry.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// CanTransition reports whether moving from s to next is legal.
func (s ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		// Administrative retry only.
		return next == StatusPending
	default:
		return false
	}
}

// Material is one uploaded study document.
type Material struct {
	ID            string
	CourseID      string
	Name          string
	MediaType     string
	SizeBytes     int64
	ExtractedText string
	Embedding     []float32 // nil until processing stores one
	Status        ProcessingStatus
	ProcessedAt   *time.Time
	ErrorMessage  string
	CreatedAt     time.Time
}

// HasEmbedding reports whether the material is eligible for vector search.
func (m *Material) HasEmbedding() bool {
	return m.Status == StatusCompleted && len(m.Embedding) > 0
}

// =============================================================================
// CHAT HISTORY
// =============================================================================

// Role identifies the author of a chat turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// ChatTurn is one append-only history entry for a course.
type ChatTurn struct {
	ID        int64
	CourseID  string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// =============================================================================
// PERSONALIZATION (read-only to the core)
// =============================================================================

// AcademicProfile describes where the user is in their studies.
type AcademicProfile struct {
	Grades         []string
	SemesterType   string
	SemesterNumber int
	Subjects       []string
}

// Preferences is a sparse bag of personalization hints. Empty values are
// elided when the prompt is composed.
type Preferences struct {
	DetailLevel     string
	LearningPace    string
	PriorExperience string
	Extra           map[string]string
}

// IsZero reports whether no preference field is set.
func (p Preferences) IsZero() bool {
	return p.DetailLevel == "" && p.LearningPace == "" &&
		p.PriorExperience == "" && len(p.Extra) == 0
}
