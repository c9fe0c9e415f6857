package model

// StopReason explains why a class extraction reached DONE
type StopReason string

const (
	StopCompleted         StopReason = "completed"          // Model called all_extracted
	StopMaxRounds         StopReason = "max_rounds"         // Round budget exhausted
	StopProtocolViolation StopReason = "protocol_violation" // No tool call after one retry
	StopTransientFailure  StopReason = "transient_failure"  // API retries exhausted
	StopAPIError          StopReason = "api_error"          // Non-retryable API error
	StopCancelled         StopReason = "cancelled"          // Context cancelled at a safe point
)

// ClassSummary reports the outcome of extracting one class
type ClassSummary struct {
	Class      string     `json:"class"`
	Prior      int        `json:"prior"`      // Instances loaded from checkpoint
	Accepted   int        `json:"accepted"`   // New instances accepted this run
	Rejected   int        `json:"rejected"`   // Items failing shape or quote validation
	Duplicates int        `json:"duplicates"` // Items collapsed by dedup
	Rounds     int        `json:"rounds"`
	Stop       StopReason `json:"stop"`
	Error      string     `json:"error,omitempty"`
}

// Total returns stored instances after the run
func (s ClassSummary) Total() int {
	return s.Prior + s.Accepted
}

// MappingSummary reports the outcome of one FK mapping slot
type MappingSummary struct {
	Class      string `json:"class"`
	Field      string `json:"field"`
	Target     string `json:"target"`
	Candidates int    `json:"candidates"`
	Attempted  int    `json:"attempted"`
	Resolved   int    `json:"resolved"`
	Unresolved int    `json:"unresolved"` // Model said none or named an unknown ID
	Failed     int    `json:"failed"`     // Call errors
	Gated      int    `json:"gated"`      // Rejected by the minimum evidence tier
}
