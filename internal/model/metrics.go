package model

// StateSnapshot is the eventually consistent monitoring view written to
// state/queues.yaml and returned by the status command.
type StateSnapshot struct {
	SchemaVersion int                `yaml:"schema_version" json:"schema_version"`
	FileType      string             `yaml:"file_type" json:"file_type"`
	Queues        []QueueSnapshot    `yaml:"queues" json:"queues"`
	Operators     []OperatorSnapshot `yaml:"operators" json:"operators"`
	UpdatedAt     string             `yaml:"updated_at" json:"updated_at"`
}

type QueueSnapshot struct {
	Name              string            `yaml:"name" json:"name"`
	Length            int               `yaml:"length" json:"length"`
	ActiveOperators   int               `yaml:"active_operators" json:"active_operators"`
	AvgCallDurationMs int64             `yaml:"avg_call_duration_ms" json:"avg_call_duration_ms"`
	Requests          []RequestSnapshot `yaml:"requests" json:"requests"`
}

type RequestSnapshot struct {
	QueueName     string `yaml:"queue_name" json:"queue_name"`
	Position      int    `yaml:"position" json:"position"`
	RequestID     int64  `yaml:"request_id" json:"request_id"`
	Priority      int    `yaml:"priority" json:"priority"`
	LastQueuedAt  string `yaml:"last_queued_at" json:"last_queued_at"`
	TargetQueue   string `yaml:"target_queue" json:"target_queue"`
	OnBusyStep    int    `yaml:"on_busy_step" json:"on_busy_step"`
	OperatorIndex int    `yaml:"operator_index" json:"operator_index"`
	Summary       string `yaml:"summary" json:"summary"`
}

type OperatorSnapshot struct {
	ID        string        `yaml:"id" json:"id"`
	Desc      string        `yaml:"desc" json:"desc"`
	Active    bool          `yaml:"active" json:"active"`
	Busy      bool          `yaml:"busy" json:"busy"`
	SessionID string        `yaml:"session_id,omitempty" json:"session_id,omitempty"`
	Stats     OperatorStats `yaml:"stats" json:"stats"`
}

// OperatorStats are the per-operator claim outcome counters.
type OperatorStats struct {
	Total             int64 `yaml:"total" json:"total"`
	Handled           int64 `yaml:"handled" json:"handled"`
	OnBusy            int64 `yaml:"on_busy" json:"on_busy"`
	OnNoFreeEndpoints int64 `yaml:"on_no_free_endpoints" json:"on_no_free_endpoints"`
	OnNoAnswer        int64 `yaml:"on_no_answer" json:"on_no_answer"`
	OnNotStarted      int64 `yaml:"on_not_started" json:"on_not_started"`
}
