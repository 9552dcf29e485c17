package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"declflow/internal/domain"
	"declflow/internal/engine"
	"declflow/internal/repo"
)

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.BranchID == "" || input.Body.ClientID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "branch_id and client_id are required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.CreateTaskInput{
			BranchID:    input.Body.BranchID,
			ClientID:    input.Body.ClientID,
			Title:       input.Body.Title,
			Comments:    stringOrEmpty(input.Body.Comments),
			DriverPhone: stringOrEmpty(input.Body.DriverPhone),
			HasPSR:      boolOrFalse(input.Body.HasPSR),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		stages, err := e.Repo.ListStagesByTask(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t, Stages: stages}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		BranchID string `query:"branch_id"`
		ClientID string `query:"client_id"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			BranchID:        input.BranchID,
			ClientID:        input.ClientID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []domain.Task{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit].CreatedAt, tasks[limit].ID)
			tasks = tasks[:limit]
		}
		resp.Items = tasks
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task with stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		stages, err := e.Repo.ListStagesByTask(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t, Stages: stages}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, input.ID, engine.UpdateTaskInput{
			Title:       input.Body.Title,
			Comments:    input.Body.Comments,
			DriverPhone: input.Body.DriverPhone,
			HasPSR:      input.Body.HasPSR,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Advance task status",
		Description: "Operator transitions only: ready to verified, verified to delivered, delivered to closed.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body SetTaskStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := domain.ParseTaskStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		t, err := e.SetTaskStatus(ctx, input.ID, status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-status-summary",
		Method:      http.MethodGet,
		Path:        "/tasks/summary",
		Summary:     "Task counts by status",
	}, func(ctx context.Context, input *struct {
		BranchID string `query:"branch_id"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, input.BranchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: counts}, nil
	})
}

func registerStages(api huma.API, e *engine.Engine) {
	type stagePath struct {
		TaskID  string `path:"task_id"`
		StageID string `path:"stage_id"`
	}

	// getOwnedStage resolves the stage and checks it belongs to the task in
	// the path.
	getOwnedStage := func(ctx context.Context, taskID, stageID string) (domain.TaskStage, huma.StatusError) {
		s, err := e.Repo.GetStage(ctx, stageID)
		if err != nil {
			return domain.TaskStage{}, handleError(err)
		}
		if s.TaskID != taskID {
			return domain.TaskStage{}, newAPIError(http.StatusNotFound, "not_found", "stage not found in task", nil)
		}
		return s, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/stages",
		Summary:     "List task stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.TaskStage `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		stages, err := e.Repo.ListStagesByTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskStage `json:"body"`
		}{Body: stages}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-stage",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/stages/{stage_id}/assign",
		Summary:     "Assign worker to stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID  string             `path:"task_id"`
		StageID string             `path:"stage_id"`
		Body    AssignStageRequest `json:"body"`
	}) (*struct {
		Body domain.TaskStage `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.WorkerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, serr := getOwnedStage(ctx, input.TaskID, input.StageID); serr != nil {
			return nil, serr
		}
		s, err := e.AssignStage(ctx, input.StageID, input.Body.WorkerID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskStage `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-stage",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/stages/{stage_id}/start",
		Summary:     "Start stage",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body domain.TaskStage `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, serr := getOwnedStage(ctx, input.TaskID, input.StageID); serr != nil {
			return nil, serr
		}
		s, err := e.StartStage(ctx, input.StageID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskStage `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-stage",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/stages/{stage_id}/complete",
		Summary:     "Complete stage",
		Description: "Marks the stage ready and posts the KPI accrual atomically. Repeating a completion is a no-op.",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body domain.TaskStage `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, serr := getOwnedStage(ctx, input.TaskID, input.StageID); serr != nil {
			return nil, serr
		}
		s, err := e.CompleteStage(ctx, input.StageID, actorID, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskStage `json:"body"`
		}{Body: s}, nil
	})
}
