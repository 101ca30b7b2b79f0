package server

import (
	"taskgrid/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Name               string `json:"name"`
	Zoom               int    `json:"zoom" minimum:"0" maximum:"18"`
	MinX               int    `json:"min_x"`
	MinY               int    `json:"min_y"`
	MaxX               int    `json:"max_x"`
	MaxY               int    `json:"max_y"`
	Private            bool   `json:"private,omitempty"`
	EnforceMapperLevel bool   `json:"enforce_mapper_level,omitempty"`
	MapperLevel        string `json:"mapper_level,omitempty" enum:"BEGINNER,INTERMEDIATE,ADVANCED"`
	LicenseID          *int64 `json:"license_id,omitempty"`
	TaskLockSeconds    *int64 `json:"task_lock_seconds,omitempty"`
	DefaultLocale      string `json:"default_locale,omitempty"`
}

type UpdateProjectStatusRequest struct {
	Status string `json:"status" enum:"DRAFT,PUBLISHED,ARCHIVED"`
}

type StopMappingRequest struct {
	Comment string `json:"comment,omitempty"`
}

type UnlockAfterMappingRequest struct {
	Status  string `json:"status" enum:"MAPPED,BADIMAGERY,READY"`
	Comment string `json:"comment,omitempty"`
}

type LockForValidationRequest struct {
	TaskIDs []int64 `json:"task_ids" minItems:"1"`
}

type ValidatedTaskRequest struct {
	TaskID  int64  `json:"task_id"`
	Status  string `json:"status" enum:"VALIDATED,INVALIDATED,BADIMAGERY"`
	Comment string `json:"comment,omitempty"`
}

type UnlockAfterValidationRequest struct {
	Tasks []ValidatedTaskRequest `json:"tasks" minItems:"1"`
}

type StopValidationTaskRequest struct {
	TaskID  int64  `json:"task_id"`
	Comment string `json:"comment,omitempty"`
}

type StopValidationRequest struct {
	Tasks []StopValidationTaskRequest `json:"tasks" minItems:"1"`
}

type CreateUserRequest struct {
	Username     string `json:"username"`
	Role         string `json:"role,omitempty" enum:"MAPPER,VALIDATOR,PROJECT_MANAGER,ADMIN,READ_ONLY"`
	MappingLevel string `json:"mapping_level,omitempty" enum:"BEGINNER,INTERMEDIATE,ADVANCED"`
}

type SetUserRoleRequest struct {
	Role string `json:"role" enum:"MAPPER,VALIDATOR,PROJECT_MANAGER,ADMIN,READ_ONLY"`
}

type AddProjectUserRequest struct {
	UserID int64 `json:"user_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type TaskResponse struct {
	TaskID            int64  `json:"task_id"`
	ProjectID         int64  `json:"project_id"`
	X                 int    `json:"x"`
	Y                 int    `json:"y"`
	Zoom              int    `json:"zoom"`
	IsSquare          bool   `json:"is_square"`
	Geometry          string `json:"geometry,omitempty"`
	Status            string `json:"status" enum:"READY,LOCKED_FOR_MAPPING,MAPPED,LOCKED_FOR_VALIDATION,VALIDATED,INVALIDATED,BADIMAGERY,SPLIT"`
	LockedBy          *int64 `json:"locked_by,omitempty"`
	LockedAt          string `json:"locked_at,omitempty" format:"date-time"`
	MappedBy          *int64 `json:"mapped_by,omitempty"`
	ValidatedBy       *int64 `json:"validated_by,omitempty"`
	ExtraInstructions string `json:"extra_instructions,omitempty"`
}

type ProjectResponse struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Status           string `json:"status" enum:"DRAFT,PUBLISHED,ARCHIVED"`
	AuthorID         int64  `json:"author_id"`
	Private          bool   `json:"private"`
	MapperLevel      string `json:"mapper_level"`
	EnforceLevel     bool   `json:"enforce_mapper_level"`
	LicenseID        *int64 `json:"license_id,omitempty"`
	TotalTasks       int    `json:"total_tasks"`
	TasksMapped      int    `json:"tasks_mapped"`
	TasksValidated   int    `json:"tasks_validated"`
	TasksBadImagery  int    `json:"tasks_bad_imagery"`
	PercentMapped    int    `json:"percent_mapped"`
	PercentValidated int    `json:"percent_validated"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type HistoryResponse struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"user_id"`
	Action     string `json:"action"`
	ActionText string `json:"action_text,omitempty"`
	ActionDate string `json:"action_date" format:"date-time"`
	Duration   *int64 `json:"duration_seconds,omitempty"`
}

type UserResponse struct {
	ID               int64  `json:"id"`
	Username         string `json:"username"`
	Role             string `json:"role"`
	MappingLevel     string `json:"mapping_level"`
	TasksMapped      int    `json:"tasks_mapped"`
	TasksValidated   int    `json:"tasks_validated"`
	TasksInvalidated int    `json:"tasks_invalidated"`
}

type MessageResponse struct {
	ID        string `json:"id"`
	FromUser  *int64 `json:"from_user_id,omitempty"`
	ProjectID *int64 `json:"project_id,omitempty"`
	TaskID    *int64 `json:"task_id,omitempty"`
	Subject   string `json:"subject"`
	Text      string `json:"text,omitempty"`
	Type      string `json:"message_type"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type BulkResponse struct {
	Updated int    `json:"updated"`
	Detail  string `json:"detail,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		TaskID:            t.ID,
		ProjectID:         t.ProjectID,
		X:                 t.X,
		Y:                 t.Y,
		Zoom:              t.Zoom,
		IsSquare:          t.IsSquare,
		Geometry:          t.Geometry,
		Status:            string(t.Status),
		LockedBy:          t.LockedBy,
		MappedBy:          t.MappedBy,
		ValidatedBy:       t.ValidatedBy,
		ExtraInstructions: t.ExtraInstructions,
	}
	if t.LockedAt != nil {
		resp.LockedAt = *t.LockedAt
	}
	return resp
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

func projectResponse(p domain.Project) ProjectResponse {
	resp := ProjectResponse{
		ID:              p.ID,
		Name:            p.Name,
		Status:          string(p.Status),
		AuthorID:        p.AuthorID,
		Private:         p.Private,
		MapperLevel:     string(p.MapperLevel),
		EnforceLevel:    p.EnforceMapperLevel,
		LicenseID:       p.LicenseID,
		TotalTasks:      p.TotalTasks,
		TasksMapped:     p.TasksMapped,
		TasksValidated:  p.TasksValidated,
		TasksBadImagery: p.TasksBadImagery,
		CreatedAt:       p.CreatedAt,
	}
	if p.TotalTasks > 0 {
		mappable := p.TotalTasks - p.TasksBadImagery
		if mappable > 0 {
			resp.PercentMapped = 100 * p.TasksMapped / mappable
			resp.PercentValidated = 100 * p.TasksValidated / mappable
		}
	}
	return resp
}

func mapProjects(projects []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectResponse(p))
	}
	return out
}

func historyResponse(h domain.TaskHistory) HistoryResponse {
	return HistoryResponse{
		ID:         h.ID,
		UserID:     h.UserID,
		Action:     string(h.Action),
		ActionText: h.ActionText,
		ActionDate: h.ActionDate,
		Duration:   h.DurationSeconds,
	}
}

func mapHistory(entries []domain.TaskHistory) []HistoryResponse {
	out := make([]HistoryResponse, 0, len(entries))
	for _, h := range entries {
		out = append(out, historyResponse(h))
	}
	return out
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:               u.ID,
		Username:         u.Username,
		Role:             string(u.Role),
		MappingLevel:     string(u.MappingLevel),
		TasksMapped:      u.TasksMapped,
		TasksValidated:   u.TasksValidated,
		TasksInvalidated: u.TasksInvalidated,
	}
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		FromUser:  m.FromUserID,
		ProjectID: m.ProjectID,
		TaskID:    m.TaskID,
		Subject:   m.Subject,
		Text:      m.Text,
		Type:      string(m.MessageType),
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}
}
