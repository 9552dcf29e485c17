package domain

type Branch struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Client struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Phone      string   `json:"phone,omitempty"`
	DealAmount *float64 `json:"deal_amount,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Worker struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role" enum:"admin,operator,worker"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Task is one customs declaration moving through the stage pipeline.
// Tasks are never deleted; closed is the archival status.
type Task struct {
	ID                    string     `json:"id"`
	BranchID              string     `json:"branch_id"`
	ClientID              string     `json:"client_id"`
	Title                 string     `json:"title"`
	Comments              string     `json:"comments,omitempty"`
	DriverPhone           string     `json:"driver_phone,omitempty"`
	HasPSR                bool       `json:"has_psr"`
	Status                TaskStatus `json:"status" enum:"not_started,in_progress,ready,verified,delivered,closed"`
	SnapshotDealAmount    *float64   `json:"snapshot_deal_amount,omitempty"`
	SnapshotWorkerPrice   *float64   `json:"snapshot_worker_price,omitempty"`
	SnapshotPriceFallback bool       `json:"snapshot_price_fallback,omitempty"`
	CreatedBy             string     `json:"created_by"`
	CreatedAt             string     `json:"created_at" format:"date-time"`
	UpdatedAt             string     `json:"updated_at" format:"date-time"`
}

type TaskStage struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	Name        StageName   `json:"name"`
	StageOrder  int         `json:"stage_order"`
	Status      StageStatus `json:"status" enum:"not_started,in_progress,ready"`
	AssignedTo  *string     `json:"assigned_to,omitempty"`
	StartedAt   *string     `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string     `json:"completed_at,omitempty" format:"date-time"`
	DurationMin *int        `json:"duration_min,omitempty"`
}

// KpiConfig holds the per-stage accrual price, keyed uniquely by stage name.
type KpiConfig struct {
	StageName StageName `json:"stage_name"`
	Price     float64   `json:"price"`
	UpdatedAt string    `json:"updated_at" format:"date-time"`
}

// KpiLog is one ledger row crediting a worker for completed stage work.
// At most one row exists per (worker, task, stage name).
type KpiLog struct {
	ID        string    `json:"id"`
	WorkerID  string    `json:"worker_id"`
	TaskID    string    `json:"task_id"`
	StageName StageName `json:"stage_name"`
	Amount    float64   `json:"amount"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}

// StatePayment is an append-only wage-rate history row for a branch.
type StatePayment struct {
	ID             string  `json:"id"`
	BranchID       string  `json:"branch_id"`
	WorkerPrice    float64 `json:"worker_price"`
	CertificateFee float64 `json:"certificate_fee"`
	CustomsFee     float64 `json:"customs_fee"`
	EffectiveAt    string  `json:"effective_at" format:"date-time"`
}

// Transaction is a financial row attached to a task. Currency fields follow
// the conversion invariants enforced by the currency package.
type Transaction struct {
	ID             string   `json:"id"`
	TaskID         string   `json:"task_id"`
	Kind           string   `json:"kind" enum:"income,expense"`
	Currency       string   `json:"currency"`
	ExchangeRate   *float64 `json:"exchange_rate,omitempty"`
	OriginalAmount *float64 `json:"original_amount,omitempty"`
	BaseAmount     *float64 `json:"base_amount,omitempty"`
	Note           string   `json:"note,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

// TaskPenalty records a worker error fine against a task stage.
type TaskPenalty struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	StageName  StageName `json:"stage_name"`
	WorkerID   string    `json:"worker_id"`
	Amount     float64   `json:"amount"`
	Comment    string    `json:"comment,omitempty"`
	OccurredAt string    `json:"occurred_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	WorkerID  string `json:"worker_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
