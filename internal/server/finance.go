package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"declflow/internal/accrual"
	"declflow/internal/currency"
	"declflow/internal/domain"
	"declflow/internal/engine"
	"declflow/internal/repo"
)

func registerKpi(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-kpi-config",
		Method:      http.MethodGet,
		Path:        "/kpi/config",
		Summary:     "List stage prices",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.KpiConfig `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListKpiConfigs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.KpiConfig `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-kpi-price",
		Method:      http.MethodPut,
		Path:        "/kpi/config/{stage}",
		Summary:     "Set stage price",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Stage string             `path:"stage"`
		Body  SetKpiPriceRequest `json:"body"`
	}) (*struct {
		Body domain.KpiConfig `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireRole(ctx); err != nil {
			return nil, err
		}
		stage := domain.StageName(input.Stage)
		if !domain.ValidStageName(stage) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown stage", map[string]any{"stage": input.Stage})
		}
		if input.Body.Price < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "price must be non-negative", nil)
		}
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpsertKpiConfig(ctx, stage, input.Body.Price, now); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetKpiConfig(ctx, stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KpiConfig `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-kpi-logs",
		Method:      http.MethodGet,
		Path:        "/kpi/logs",
		Summary:     "List accrual ledger rows",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkerID string `query:"worker_id"`
		TaskID   string `query:"task_id"`
		From     string `query:"from"`
		To       string `query:"to"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.KpiLog `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		logs, err := e.Repo.ListKpiLogs(ctx, repo.KpiLogFilters{
			WorkerID: input.WorkerID,
			TaskID:   input.TaskID,
			From:     input.From,
			To:       input.To,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if logs == nil {
			logs = []domain.KpiLog{}
		}
		return &struct {
			Body []domain.KpiLog `json:"body"`
		}{Body: logs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kpi-report",
		Method:      http.MethodGet,
		Path:        "/kpi/report",
		Summary:     "Per-worker accrual totals",
		Description: "Gross accruals and penalties per worker over [from, to).",
	}, func(ctx context.Context, input *struct {
		From string `query:"from"`
		To   string `query:"to"`
	}) (*struct {
		Body []repo.WorkerAccrual `json:"body"`
	}, error) {
		if err := requireRole(ctx, "operator"); err != nil {
			return nil, err
		}
		report, err := e.Repo.SumAccrualsByWorker(ctx, input.From, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		if report == nil {
			report = []repo.WorkerAccrual{}
		}
		return &struct {
			Body []repo.WorkerAccrual `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kpi-reconcile",
		Method:      http.MethodPost,
		Path:        "/kpi/reconcile",
		Summary:     "Reconcile the accrual ledger",
		Description: "Backfills missing ledger rows for completed stages and repairs drifted amounts. Safe to repeat.",
		Errors: []int{
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Stage string `query:"stage"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body accrual.ReconcileReport `json:"body"`
	}, error) {
		if err := requireRole(ctx); err != nil {
			return nil, err
		}
		report, err := e.Accrual.Reconcile(ctx, accrual.ReconcileOptions{
			StageName: input.Stage,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body accrual.ReconcileReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerStatePayments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-state-payment",
		Method:        http.MethodPost,
		Path:          "/state-payments",
		Summary:       "Add a branch rate row",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStatePaymentRequest `json:"body"`
	}) (*struct {
		Body domain.StatePayment `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.BranchID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "branch_id is required", nil)
		}
		if err := requireRole(ctx); err != nil {
			return nil, err
		}
		p, err := e.AddStatePayment(ctx, domain.StatePayment{
			BranchID:       input.Body.BranchID,
			WorkerPrice:    input.Body.WorkerPrice,
			CertificateFee: input.Body.CertificateFee,
			CustomsFee:     input.Body.CustomsFee,
			EffectiveAt:    input.Body.EffectiveAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StatePayment `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-state-payments",
		Method:      http.MethodGet,
		Path:        "/state-payments",
		Summary:     "List branch rate history",
	}, func(ctx context.Context, input *struct {
		BranchID string `query:"branch_id"`
	}) (*struct {
		Body []domain.StatePayment `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListStatePayments(ctx, input.BranchID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.StatePayment{}
		}
		return &struct {
			Body []domain.StatePayment `json:"body"`
		}{Body: items}, nil
	})
}

func registerTransactions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transaction",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/transactions",
		Summary:       "Record a transaction",
		Description:   "Foreign currency rows must carry a positive exchange rate and a base amount consistent with it.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                   `path:"task_id"`
		Body   CreateTransactionRequest `json:"body"`
	}) (*struct {
		Body domain.Transaction `json:"body"`
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
		txn, res, err := e.RecordTransaction(ctx, engine.TransactionInput{
			TaskID:         input.TaskID,
			Kind:           input.Body.Kind,
			Currency:       input.Body.Currency,
			ExchangeRate:   input.Body.ExchangeRate,
			OriginalAmount: input.Body.OriginalAmount,
			BaseAmount:     input.Body.BaseAmount,
			Note:           stringOrEmpty(input.Body.Note),
			ActorID:        actorID,
		})
		if err != nil {
			if !res.Valid {
				return nil, newAPIError(http.StatusUnprocessableEntity, "currency_validation_failed", "currency validation failed", map[string]any{"errors": res.Errors})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transaction `json:"body"`
		}{Body: txn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/transactions",
		Summary:     "List task transactions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.Transaction `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTransactionsByTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Transaction{}
		}
		return &struct {
			Body []domain.Transaction `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-transaction",
		Method:      http.MethodPost,
		Path:        "/validate/transaction",
		Summary:     "Dry-run currency validation",
		Description: "Runs the currency rules without persisting anything.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ValidateTransactionRequest `json:"body"`
	}) (*struct {
		Body currency.Result `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res := e.Currency.ValidateTransaction(currency.Input{
			Currency:       input.Body.Currency,
			ExchangeRate:   input.Body.ExchangeRate,
			OriginalAmount: input.Body.OriginalAmount,
			BaseAmount:     input.Body.BaseAmount,
		})
		return &struct {
			Body currency.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerPenalties(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-penalty",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/penalties",
		Summary:       "Record a penalty",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   CreatePenaltyRequest `json:"body"`
	}) (*struct {
		Body domain.TaskPenalty `json:"body"`
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
		p, err := e.AddPenalty(ctx, engine.PenaltyInput{
			TaskID:    input.TaskID,
			StageName: domain.StageName(input.Body.StageName),
			WorkerID:  input.Body.WorkerID,
			Amount:    input.Body.Amount,
			Comment:   stringOrEmpty(input.Body.Comment),
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskPenalty `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-penalties",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/penalties",
		Summary:     "List task penalties",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.TaskPenalty `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPenaltiesByTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.TaskPenalty{}
		}
		return &struct {
			Body []domain.TaskPenalty `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-penalty",
		Method:      http.MethodDelete,
		Path:        "/penalties/{id}",
		Summary:     "Delete a penalty",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requireRole(ctx); err != nil {
			return nil, err
		}
		if err := e.Repo.DeletePenalty(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
