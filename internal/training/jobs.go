package training

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orenshk/babyguard/internal/store"
)

// Job is one pending remote training run, held in memory until the poller
// finds its artifact or the job outlives its TTL.
type Job struct {
	ID        string
	UserID    int64
	ProfileID int64
	Camera    store.CameraType
	StartedAt time.Time
}

// Jobs is the registry of pending training runs.
type Jobs struct {
	ttl time.Duration

	mu   sync.Mutex
	jobs map[string]Job
}

// NewJobs creates an empty registry. Jobs older than ttl are dropped by
// ExpireStale; a zero ttl disables expiry.
func NewJobs(ttl time.Duration) *Jobs {
	return &Jobs{
		ttl:  ttl,
		jobs: make(map[string]Job),
	}
}

// Register records a new pending job and returns it.
func (j *Jobs) Register(userID, profileID int64, camera store.CameraType) Job {
	job := Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProfileID: profileID,
		Camera:    camera,
		StartedAt: time.Now().UTC(),
	}
	j.mu.Lock()
	j.jobs[job.ID] = job
	j.mu.Unlock()
	return job
}

// Snapshot returns a copy of the pending jobs, safe to iterate while jobs
// are removed concurrently.
func (j *Jobs) Snapshot() []Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		out = append(out, job)
	}
	return out
}

// Remove drops a job by id and reports whether it was still pending. The
// bool lets callers emit the completion side effects exactly once even if
// two poll cycles race on the same job.
func (j *Jobs) Remove(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.jobs[id]; !ok {
		return false
	}
	delete(j.jobs, id)
	return true
}

// ExpireStale removes jobs older than the TTL and returns them.
func (j *Jobs) ExpireStale(now time.Time) []Job {
	if j.ttl <= 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var expired []Job
	for id, job := range j.jobs {
		if now.Sub(job.StartedAt) > j.ttl {
			expired = append(expired, job)
			delete(j.jobs, id)
		}
	}
	return expired
}

// Pending returns the number of jobs awaiting an artifact.
func (j *Jobs) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.jobs)
}
