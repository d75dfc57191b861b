package job

import "time"

// MaxOutputLength bounds the captured output kept with an execution.
const MaxOutputLength = 4096

// Execution is one attempt at running a job, kept for the dashboard and
// `show`. It never influences the job's state.
type Execution struct {
	JobID       string    `json:"job_id"`
	WorkerID    string    `json:"worker_id"`
	Command     string    `json:"command"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	Timeout     bool      `json:"timeout"`
	Error       string    `json:"error,omitempty"`
	Output      string    `json:"output,omitempty"`
}

// TruncateOutput keeps the last MaxOutputLength bytes of out.
func TruncateOutput(out string) string {
	if len(out) <= MaxOutputLength {
		return out
	}
	return out[len(out)-MaxOutputLength:]
}
