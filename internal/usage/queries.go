package usage

// AggregatedStats is the global request/token total since a cutoff.
type AggregatedStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`
}

// DailyStats is a single day's totals.
type DailyStats struct {
	Day      string `json:"day"` // "2006-01-02"
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// HourlyStats is a single hour-of-day's totals, aggregated across days.
type HourlyStats struct {
	Hour     int   `json:"hour"` // 0-23
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// FamilyStats breaks totals down by pool.Family ("gemini", "claude").
type FamilyStats struct {
	Family       string `json:"family"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	TotalTokens  int64  `json:"total_tokens"`
	AccountCount int64  `json:"account_count"`
}

// AccountStats breaks totals down by account index, the per-credential
// view an operator uses to spot one account absorbing all the traffic.
type AccountStats struct {
	AccountIndex int    `json:"account_index"`
	Family       string `json:"family"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	TotalTokens  int64  `json:"total_tokens"`
}

// ModelStats breaks totals down by upstream model name.
type ModelStats struct {
	Model        string `json:"model"`
	Family       string `json:"family"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	TotalTokens  int64  `json:"total_tokens"`
}

// Snapshot combines the live counters with the database-backed
// breakdowns, for the read-only status endpoint.
type Snapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`

	RequestsByDay  map[string]int64 `json:"requests_by_day,omitempty"`
	RequestsByHour map[string]int64 `json:"requests_by_hour,omitempty"`
}
