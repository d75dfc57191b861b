package job

import "time"

// Outcome is the classified result of executing a claimed job.
type Outcome struct {
	Succeeded bool
	// Interrupted means shutdown cut the run short. It does not count as
	// an attempt.
	Interrupted bool
	Error       string
}

// Update holds the absolute field values written when a processing job is
// finalized. Writing the same Update twice leaves the record unchanged.
type Update struct {
	State     State
	Attempts  int
	NextRunAt time.Time
	LastError string
	UpdatedAt time.Time
}

// Retrying reports whether the update puts the job back in the pending set.
func (u Update) Retrying() bool { return u.State == StatePending }

// Delay is consulted only when a failed job still has retries left.
// attempts is the post-increment attempt count.
type Delay func(attempts int) time.Duration

// Resolve applies o to a claimed job:
//
//	success                          -> completed
//	interrupted                      -> pending, next_run_at = now, attempts unchanged
//	failure, attempts+1 <= max       -> pending, next_run_at = now + delay(attempts+1)
//	failure, attempts+1 >  max       -> dead
func (j *Job) Resolve(o Outcome, now time.Time, delay Delay) Update {
	now = now.UTC()
	u := Update{
		State:     j.State,
		Attempts:  j.Attempts,
		NextRunAt: j.NextRunAt,
		LastError: j.LastError,
		UpdatedAt: now,
	}
	if o.Succeeded {
		u.State = StateCompleted
		return u
	}
	if o.Interrupted {
		u.State = StatePending
		u.NextRunAt = now
		return u
	}

	u.Attempts = j.Attempts + 1
	u.LastError = TruncateError(o.Error)
	if u.Attempts > j.MaxRetries {
		u.State = StateDead
		return u
	}
	u.State = StatePending
	u.NextRunAt = addClamped(now, delay(u.Attempts))
	return u
}

// Apply copies u onto the in-memory job.
func (j *Job) Apply(u Update) {
	j.State = u.State
	j.Attempts = u.Attempts
	j.NextRunAt = u.NextRunAt
	j.LastError = u.LastError
	j.UpdatedAt = u.UpdatedAt
}

// MaxTime is the latest next_run_at a job can be given. It stays inside the
// range every backend and encoding/json can represent.
var MaxTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

func addClamped(t time.Time, d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	next := t.Add(d)
	if next.Before(t) || next.After(MaxTime) {
		return MaxTime
	}
	return next
}
