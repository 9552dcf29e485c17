package server

import (
	"declflow/internal/domain"
)

type CreateTaskRequest struct {
	BranchID    string  `json:"branch_id"`
	ClientID    string  `json:"client_id"`
	Title       string  `json:"title"`
	Comments    *string `json:"comments,omitempty"`
	DriverPhone *string `json:"driver_phone,omitempty"`
	HasPSR      *bool   `json:"has_psr,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Comments    *string `json:"comments,omitempty"`
	DriverPhone *string `json:"driver_phone,omitempty"`
	HasPSR      *bool   `json:"has_psr,omitempty"`
}

type SetTaskStatusRequest struct {
	Status string `json:"status" enum:"verified,delivered,closed"`
}

type AssignStageRequest struct {
	WorkerID string `json:"worker_id"`
}

type SetKpiPriceRequest struct {
	Price float64 `json:"price" minimum:"0"`
}

type CreateStatePaymentRequest struct {
	BranchID       string  `json:"branch_id"`
	WorkerPrice    float64 `json:"worker_price" minimum:"0"`
	CertificateFee float64 `json:"certificate_fee,omitempty" minimum:"0"`
	CustomsFee     float64 `json:"customs_fee,omitempty" minimum:"0"`
	EffectiveAt    string  `json:"effective_at,omitempty" format:"date-time"`
}

type CreateTransactionRequest struct {
	Kind           string   `json:"kind" enum:"income,expense"`
	Currency       string   `json:"currency"`
	ExchangeRate   *float64 `json:"exchange_rate,omitempty"`
	OriginalAmount *float64 `json:"original_amount,omitempty"`
	BaseAmount     *float64 `json:"base_amount,omitempty"`
	Note           *string  `json:"note,omitempty"`
}

type ValidateTransactionRequest struct {
	Currency       string   `json:"currency"`
	ExchangeRate   *float64 `json:"exchange_rate,omitempty"`
	OriginalAmount *float64 `json:"original_amount,omitempty"`
	BaseAmount     *float64 `json:"base_amount,omitempty"`
}

type CreatePenaltyRequest struct {
	StageName string  `json:"stage_name"`
	WorkerID  string  `json:"worker_id"`
	Amount    float64 `json:"amount"`
	Comment   *string `json:"comment,omitempty"`
}

type CreateBranchRequest struct {
	Name string `json:"name"`
}

type CreateClientRequest struct {
	Name       string   `json:"name"`
	Phone      *string  `json:"phone,omitempty"`
	DealAmount *float64 `json:"deal_amount,omitempty"`
}

type CreateWorkerRequest struct {
	Name  string  `json:"name"`
	Email *string `json:"email,omitempty"`
	Role  string  `json:"role,omitempty" enum:"admin,operator,worker"`
}

type CreateAPIKeyRequest struct {
	WorkerID string  `json:"worker_id"`
	Name     *string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	WorkerID  string `json:"worker_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TaskResponse is a task plus its stage checklist.
type TaskResponse struct {
	domain.Task
	Stages []domain.TaskStage `json:"stages,omitempty"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}

func boolOrFalse(in *bool) bool {
	if in == nil {
		return false
	}
	return *in
}
