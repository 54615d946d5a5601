package domain

type RouterRequestAddTask struct {
	TaskType   string            `json:"task_type" binding:"required,validate_task_type"`
	Parameters map[string]string `json:"parameters" binding:"omitempty,validate_parameters"`
	Priority   int               `json:"priority"`
	MaxRetries *int              `json:"max_retries" binding:"omitempty,min=0"`
}

type RouterRequestClaimTask struct {
	WorkerID  string   `json:"worker_id" binding:"required"`
	Strategy  string   `json:"strategy"`
	TaskTypes []string `json:"task_types"`
}

type RouterRequestMarkRunning struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

type RouterRequestReportResult struct {
	WorkerID       string             `json:"worker_id" binding:"required"`
	Success        bool               `json:"success"`
	Data           any                `json:"data"`
	Error          string             `json:"error"`
	ItemsProcessed int                `json:"items_processed" binding:"min=0"`
	Metrics        map[string]float64 `json:"metrics"`
}

type RouterRequestReap struct {
	TimeoutMillis int64 `json:"timeout_millis" binding:"required,min=1"`
}
