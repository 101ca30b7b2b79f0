package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

// apiError is the error envelope: {"Error": ..., "SubCode": ...}.
type apiError struct {
	status  int
	Message string `json:"Error"`
	SubCode string `json:"SubCode"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, subCode, message string) huma.StatusError {
	if subCode == "" {
		subCode = defaultSubCodeForStatus(status)
	}
	return &apiError{status: status, Message: message, SubCode: subCode}
}

func defaultSubCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "InvalidData"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "UserPermissionError"
	case http.StatusNotFound:
		return "NotFound"
	case http.StatusConflict:
		return "Conflict"
	default:
		return "InternalServerError"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if se, ok := err.(huma.StatusError); ok {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "NotFound", err.Error())
	}
	var le engine.UserLicenseError
	if errors.As(err, &le) {
		return newAPIError(http.StatusConflict, "UserLicenseError", err.Error())
	}
	var me engine.MappingServiceError
	if errors.As(err, &me) {
		return newAPIError(http.StatusForbidden, me.SubCode, me.Message)
	}
	var ve engine.ValidatorServiceError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusForbidden, ve.SubCode, ve.Message)
	}
	var se engine.SplitServiceError
	if errors.As(err, &se) {
		return newAPIError(http.StatusForbidden, se.SubCode, se.Message)
	}
	return newAPIError(http.StatusInternalServerError, "InternalServerError", err.Error())
}

// New returns an HTTP handler exposing the TaskGrid API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v2"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the flat error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("TaskGrid API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerMapping(group, cfg.Engine)
	registerValidation(group, cfg.Engine)
	registerOperators(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>TaskGrid API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type projectPath struct {
	ProjectID int64 `path:"project_id"`
}

type taskPath struct {
	ProjectID int64 `path:"project_id"`
	TaskID    int64 `path:"task_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project with a task grid",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		user, err := e.Repo.GetUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		switch user.Role {
		case domain.RoleAdmin, domain.RoleProjectManager:
		default:
			return nil, newAPIError(http.StatusForbidden, "UserPermissionError", "only project managers can create projects")
		}
		level := domain.LevelBeginner
		if input.Body.MapperLevel != "" {
			level, err = domain.ParseMappingLevel(input.Body.MapperLevel)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "InvalidData", err.Error())
			}
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			Name:               input.Body.Name,
			AuthorID:           userID,
			Zoom:               input.Body.Zoom,
			MinX:               input.Body.MinX,
			MinY:               input.Body.MinY,
			MaxX:               input.Body.MaxX,
			MaxY:               input.Body.MaxY,
			Private:            input.Body.Private,
			EnforceMapperLevel: input.Body.EnforceMapperLevel,
			MapperLevel:        level,
			LicenseID:          input.Body.LicenseID,
			TaskLockSeconds:    input.Body.TaskLockSeconds,
			DefaultLocale:      input.Body.DefaultLocale,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Project detail with counters",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		// Reading a project sweeps its expired locks first, so detail
		// views never show stale leases.
		if _, err := e.AutoUnlockTasks(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project-status",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Publish or archive a project",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                      `path:"project_id"`
		Body      UpdateProjectStatusRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		_, p, authErr := requireProjectManager(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		status, err := domain.ParseProjectStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "InvalidData", err.Error())
		}
		if err := e.Repo.UpdateProjectStatus(ctx, p.ID, status); err != nil {
			return nil, handleError(err)
		}
		p.Status = status
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete a project with no mapped tasks",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		if _, _, authErr := requireProjectManager(ctx, e, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-allowed-user",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/allowed-users",
		Summary:       "Grant a user access to a private project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                 `path:"project_id"`
		Body      AddProjectUserRequest `json:"body"`
	}) (*struct{}, error) {
		if _, _, authErr := requireProjectManager(ctx, e, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetUser(ctx, input.Body.UserID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AddAllowedUser(ctx, input.ProjectID, input.Body.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-team-member",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/teams",
		Summary:       "Add a user to the project team",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                 `path:"project_id"`
		Body      AddProjectUserRequest `json:"body"`
	}) (*struct{}, error) {
		if _, _, authErr := requireProjectManager(ctx, e, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		member, err := e.Repo.GetUser(ctx, input.Body.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AddTeamMember(ctx, input.ProjectID, member.ID, member.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func requireProjectManager(ctx context.Context, e engine.Engine, projectID int64) (domain.User, domain.Project, huma.StatusError) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return domain.User{}, domain.Project{}, authErr
	}
	user, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, domain.Project{}, handleError(err)
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.User{}, domain.Project{}, handleError(err)
	}
	if err := e.CanUserAdminister(user, p); err != nil {
		return domain.User{}, domain.Project{}, handleError(err)
	}
	return user, p, nil
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List project tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Status    string `query:"status" enum:"READY,LOCKED_FOR_MAPPING,MAPPED,LOCKED_FOR_VALIDATION,VALIDATED,INVALIDATED,BADIMAGERY,SPLIT"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		filters := repo.TaskFilters{ProjectID: input.ProjectID}
		if input.Status != "" {
			status, err := domain.ParseTaskStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "InvalidData", err.Error())
			}
			filters.Status = status
		}
		tasks, err := e.Repo.ListTasks(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}",
		Summary:     "Task detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ProjectID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}/history",
		Summary:     "Task action history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []HistoryResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.ProjectID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListTaskHistory(ctx, input.ProjectID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryResponse `json:"body"`
		}{Body: mapHistory(entries)}, nil
	})
}

func registerMapping(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lock-task-for-mapping",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/lock-for-mapping",
		Summary:     "Take the mapping lock on a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.LockTaskForMapping(ctx, input.ProjectID, input.TaskID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-mapping",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/stop-mapping",
		Summary:     "Release a mapping lock without an outcome",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64              `path:"project_id"`
		TaskID    int64              `path:"task_id"`
		Body      StopMappingRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.StopMappingTask(ctx, input.ProjectID, input.TaskID, userID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlock-after-mapping",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/unlock-after-mapping",
		Summary:     "Release a mapping lock with an outcome status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                     `path:"project_id"`
		TaskID    int64                     `path:"task_id"`
		Body      UnlockAfterMappingRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := domain.ParseTaskStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "InvalidData", err.Error())
		}
		t, err := e.UnlockTaskAfterMapping(ctx, input.ProjectID, input.TaskID, userID, status, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "split-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/split",
		Summary:     "Split a square task into four children",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		children, err := e.SplitTask(ctx, input.ProjectID, input.TaskID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(children)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "undo-task-status",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/undo-mapping",
		Summary:     "Revert a task's most recent state change",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UndoTaskStatus(ctx, input.ProjectID, input.TaskID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerValidation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lock-for-validation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/lock-for-validation",
		Summary:     "Lock a batch of tasks for validation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                    `path:"project_id"`
		Body      LockForValidationRequest `json:"body"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.TaskIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "InvalidData", "task_ids is required")
		}
		tasks, err := e.LockTasksForValidation(ctx, input.ProjectID, input.Body.TaskIDs, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-validation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/stop-validation",
		Summary:     "Release validation locks without verdicts",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                 `path:"project_id"`
		Body      StopValidationRequest `json:"body"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Tasks) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "InvalidData", "tasks is required")
		}
		entries := make([]engine.StopValidationEntry, 0, len(input.Body.Tasks))
		for _, t := range input.Body.Tasks {
			entries = append(entries, engine.StopValidationEntry{TaskID: t.TaskID, Comment: t.Comment})
		}
		tasks, err := e.StopValidatingTasks(ctx, input.ProjectID, entries, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlock-after-validation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/unlock-after-validation",
		Summary:     "Apply validator verdicts to locked tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                        `path:"project_id"`
		Body      UnlockAfterValidationRequest `json:"body"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Tasks) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "InvalidData", "tasks is required")
		}
		results := make([]engine.ValidatedTask, 0, len(input.Body.Tasks))
		for _, t := range input.Body.Tasks {
			status, err := domain.ParseTaskStatus(t.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "InvalidData", err.Error())
			}
			results = append(results, engine.ValidatedTask{TaskID: t.TaskID, Status: status, Comment: t.Comment})
		}
		tasks, err := e.UnlockTasksAfterValidation(ctx, input.ProjectID, results, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})
}

func registerOperators(api huma.API, e engine.Engine) {
	type bulkOp struct {
		id, path, summary string
		run               func(ctx context.Context, projectID, userID int64) (int, error)
	}
	ops := []bulkOp{
		{"map-all-tasks", "/projects/{project_id}/map-all", "Mark all mappable tasks as mapped", e.MapAllTasks},
		{"validate-all-tasks", "/projects/{project_id}/validate-all", "Mark all mapped tasks as validated", e.ValidateAllTasks},
		{"invalidate-all-tasks", "/projects/{project_id}/invalidate-all", "Invalidate all mapped and validated tasks", e.InvalidateAllTasks},
		{"reset-all-tasks", "/projects/{project_id}/reset-all", "Reset all tasks to ready", e.ResetAllTasks},
		{"reset-all-badimagery", "/projects/{project_id}/reset-all-badimagery", "Reset all bad imagery tasks to ready", e.ResetAllBadImagery},
	}
	for _, op := range ops {
		run := op.run
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *projectPath) (*struct {
			Body BulkResponse `json:"body"`
		}, error) {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			n, err := run(ctx, input.ProjectID, userID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body BulkResponse `json:"body"`
			}{Body: BulkResponse{Updated: n}}, nil
		})
	}
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Username) == "" {
			return nil, newAPIError(http.StatusBadRequest, "InvalidData", "username is required")
		}
		role := domain.RoleMapper
		if input.Body.Role != "" {
			var err error
			role, err = domain.ParseUserRole(input.Body.Role)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "InvalidData", err.Error())
			}
		}
		level := domain.LevelBeginner
		if input.Body.MappingLevel != "" {
			var err error
			level, err = domain.ParseMappingLevel(input.Body.MappingLevel)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "InvalidData", err.Error())
			}
		}
		u := domain.User{
			Username:     input.Body.Username,
			Role:         role,
			MappingLevel: level,
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertUser(ctx, u); err != nil {
			return nil, handleError(err)
		}
		created, err := e.Repo.GetUserByUsername(ctx, u.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "User detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID int64 `path:"user_id"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := e.Repo.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-role",
		Method:      http.MethodPatch,
		Path:        "/users/{user_id}/role",
		Summary:     "Change a user's role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID int64              `path:"user_id"`
		Body   SetUserRoleRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		callerID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		caller, err := e.Repo.GetUser(ctx, callerID)
		if err != nil {
			return nil, handleError(err)
		}
		if caller.Role != domain.RoleAdmin {
			return nil, newAPIError(http.StatusForbidden, "UserPermissionError", "only admins can change roles")
		}
		role, err := domain.ParseUserRole(input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "InvalidData", err.Error())
		}
		if err := e.Repo.SetUserRole(ctx, input.UserID, role); err != nil {
			return nil, handleError(err)
		}
		u, err := e.Repo.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-license",
		Method:      http.MethodPost,
		Path:        "/licenses/{license_id}/accept",
		Summary:     "Record the caller's acceptance of an imagery license",
	}, func(ctx context.Context, input *struct {
		LicenseID int64 `path:"license_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.AcceptLicense(ctx, userID, input.LicenseID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "List the caller's notifications",
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msgs, err := e.Repo.ListMessages(ctx, repo.MessageFilters{ToUserID: userID, UnreadOnly: input.Unread})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]MessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, messageResponse(m))
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-message-read",
		Method:      http.MethodPost,
		Path:        "/messages/{message_id}/read",
		Summary:     "Mark a notification as read",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MessageID string `path:"message_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.MarkMessageRead(ctx, input.MessageID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key for the caller",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		secret := uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			UserID:    userID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		// The raw key is shown once; only its hash is stored.
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, Name: key.Name, Key: secret, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
