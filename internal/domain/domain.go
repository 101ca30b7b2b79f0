package domain

import "fmt"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusReady               TaskStatus = "READY"
	StatusLockedForMapping    TaskStatus = "LOCKED_FOR_MAPPING"
	StatusMapped              TaskStatus = "MAPPED"
	StatusLockedForValidation TaskStatus = "LOCKED_FOR_VALIDATION"
	StatusValidated           TaskStatus = "VALIDATED"
	StatusInvalidated         TaskStatus = "INVALIDATED"
	StatusBadImagery          TaskStatus = "BADIMAGERY"
	StatusSplit               TaskStatus = "SPLIT"
)

// ParseTaskStatus validates a raw status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case StatusReady, StatusLockedForMapping, StatusMapped, StatusLockedForValidation,
		StatusValidated, StatusInvalidated, StatusBadImagery, StatusSplit:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// IsLocked reports whether the status is one of the two lock states.
func (s TaskStatus) IsLocked() bool {
	return s == StatusLockedForMapping || s == StatusLockedForValidation
}

// TaskAction identifies a task history entry kind.
type TaskAction string

const (
	ActionLockedForMapping        TaskAction = "LOCKED_FOR_MAPPING"
	ActionLockedForValidation     TaskAction = "LOCKED_FOR_VALIDATION"
	ActionStateChange             TaskAction = "STATE_CHANGE"
	ActionComment                 TaskAction = "COMMENT"
	ActionAutoUnlockedForMapping  TaskAction = "AUTO_UNLOCKED_FOR_MAPPING"
	ActionAutoUnlockedForValidate TaskAction = "AUTO_UNLOCKED_FOR_VALIDATION"
)

// UserRole gates what a user may do across projects.
type UserRole string

const (
	RoleMapper         UserRole = "MAPPER"
	RoleValidator      UserRole = "VALIDATOR"
	RoleProjectManager UserRole = "PROJECT_MANAGER"
	RoleAdmin          UserRole = "ADMIN"
	RoleReadOnly       UserRole = "READ_ONLY"
)

// ParseUserRole validates a raw role string.
func ParseUserRole(s string) (UserRole, error) {
	switch UserRole(s) {
	case RoleMapper, RoleValidator, RoleProjectManager, RoleAdmin, RoleReadOnly:
		return UserRole(s), nil
	}
	return "", fmt.Errorf("unknown user role %q", s)
}

// MappingLevel is a contributor's experience tier.
type MappingLevel string

const (
	LevelBeginner     MappingLevel = "BEGINNER"
	LevelIntermediate MappingLevel = "INTERMEDIATE"
	LevelAdvanced     MappingLevel = "ADVANCED"
)

func (l MappingLevel) rank() int {
	switch l {
	case LevelIntermediate:
		return 2
	case LevelAdvanced:
		return 3
	default:
		return 1
	}
}

// AtLeast reports whether l meets the required level.
func (l MappingLevel) AtLeast(required MappingLevel) bool {
	return l.rank() >= required.rank()
}

// ParseMappingLevel validates a raw level string.
func ParseMappingLevel(s string) (MappingLevel, error) {
	switch MappingLevel(s) {
	case LevelBeginner, LevelIntermediate, LevelAdvanced:
		return MappingLevel(s), nil
	}
	return "", fmt.Errorf("unknown mapping level %q", s)
}

// ProjectStatus is the publication state of a project.
type ProjectStatus string

const (
	ProjectDraft     ProjectStatus = "DRAFT"
	ProjectPublished ProjectStatus = "PUBLISHED"
	ProjectArchived  ProjectStatus = "ARCHIVED"
)

// ParseProjectStatus validates a raw project status string.
func ParseProjectStatus(s string) (ProjectStatus, error) {
	switch ProjectStatus(s) {
	case ProjectDraft, ProjectPublished, ProjectArchived:
		return ProjectStatus(s), nil
	}
	return "", fmt.Errorf("unknown project status %q", s)
}

// MessageType categorizes queued notifications.
type MessageType string

const (
	MessageValidation   MessageType = "VALIDATION_NOTIFICATION"
	MessageInvalidation MessageType = "INVALIDATION_NOTIFICATION"
	MessageMention      MessageType = "MENTION_NOTIFICATION"
	MessageSystem       MessageType = "SYSTEM"
)

type Task struct {
	ID                int64      `json:"id"`
	ProjectID         int64      `json:"project_id"`
	X                 int        `json:"x"`
	Y                 int        `json:"y"`
	Zoom              int        `json:"zoom"`
	IsSquare          bool       `json:"is_square"`
	Geometry          string     `json:"geometry,omitempty"`
	Status            TaskStatus `json:"status" enum:"READY,LOCKED_FOR_MAPPING,MAPPED,LOCKED_FOR_VALIDATION,VALIDATED,INVALIDATED,BADIMAGERY,SPLIT"`
	LockedBy          *int64     `json:"locked_by,omitempty"`
	LockedAt          *string    `json:"locked_at,omitempty" format:"date-time"`
	MappedBy          *int64     `json:"mapped_by,omitempty"`
	ValidatedBy       *int64     `json:"validated_by,omitempty"`
	ExtraInstructions string     `json:"extra_instructions,omitempty"`
}

type TaskHistory struct {
	ID              int64      `json:"id"`
	ProjectID       int64      `json:"project_id"`
	TaskID          int64      `json:"task_id"`
	UserID          int64      `json:"user_id"`
	Action          TaskAction `json:"action"`
	ActionText      string     `json:"action_text,omitempty"`
	ActionDate      string     `json:"action_date" format:"date-time"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
}

type Project struct {
	ID                 int64         `json:"id"`
	Name               string        `json:"name"`
	Status             ProjectStatus `json:"status" enum:"DRAFT,PUBLISHED,ARCHIVED"`
	AuthorID           int64         `json:"author_id"`
	Private            bool          `json:"private"`
	EnforceMapperLevel bool          `json:"enforce_mapper_level"`
	MapperLevel        MappingLevel  `json:"mapper_level" enum:"BEGINNER,INTERMEDIATE,ADVANCED"`
	LicenseID          *int64        `json:"license_id,omitempty"`
	DefaultLocale      string        `json:"default_locale,omitempty"`
	TaskLockSeconds    *int64        `json:"task_lock_seconds,omitempty"`
	TotalTasks         int           `json:"total_tasks"`
	TasksMapped        int           `json:"tasks_mapped"`
	TasksValidated     int           `json:"tasks_validated"`
	TasksBadImagery    int           `json:"tasks_bad_imagery"`
	CreatedAt          string        `json:"created_at" format:"date-time"`
}

type User struct {
	ID               int64        `json:"id"`
	Username         string       `json:"username"`
	Role             UserRole     `json:"role" enum:"MAPPER,VALIDATOR,PROJECT_MANAGER,ADMIN,READ_ONLY"`
	MappingLevel     MappingLevel `json:"mapping_level" enum:"BEGINNER,INTERMEDIATE,ADVANCED"`
	TasksMapped      int          `json:"tasks_mapped"`
	TasksValidated   int          `json:"tasks_validated"`
	TasksInvalidated int          `json:"tasks_invalidated"`
	CreatedAt        string       `json:"created_at" format:"date-time"`
}

type Message struct {
	ID          string      `json:"id"`
	ToUserID    int64       `json:"to_user_id"`
	FromUserID  *int64      `json:"from_user_id,omitempty"`
	ProjectID   *int64      `json:"project_id,omitempty"`
	TaskID      *int64      `json:"task_id,omitempty"`
	Subject     string      `json:"subject"`
	Text        string      `json:"text,omitempty"`
	MessageType MessageType `json:"message_type"`
	Read        bool        `json:"read"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
