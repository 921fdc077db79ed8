package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dandantas/scout/internal/model"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrExists         = errors.New("job already exists")
	ErrTerminal       = errors.New("job is in a terminal state")
	ErrAlreadyRunning = errors.New("job is already running")
)

type entry struct {
	mu      sync.Mutex
	job     *model.Job
	token   *CancelToken
	running bool
}

// Registry is an in-memory store of active and recent jobs. The map lock only
// guards lookups; each job is mutated under its own lock so unrelated jobs
// never contend.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

// New creates a new job registry
func New() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
	}
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return e, ok
}

// Create stores a new job
func (r *Registry) Create(job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return ErrExists
	}
	r.jobs[job.ID] = &entry{
		job:   job.Clone(),
		token: NewCancelToken(),
	}
	return nil
}

// Get returns a snapshot of the job
func (r *Registry) Get(id string) (*model.Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update applies fn to the job under its lock and returns the new snapshot.
// Terminal jobs are immutable and yield ErrTerminal along with their current
// snapshot. Changes made by a failing fn are discarded.
func (r *Registry) Update(id string, fn func(job *model.Job) error) (*model.Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.IsTerminal() {
		return e.job.Clone(), ErrTerminal
	}

	draft := e.job.Clone()
	if err := fn(draft); err != nil {
		return e.job.Clone(), err
	}
	e.job = draft
	return draft.Clone(), nil
}

// Claim marks the job as executing and returns its cancel token. At most one
// claim per job succeeds until Release.
func (r *Registry) Claim(id string) (*CancelToken, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.IsTerminal() {
		return nil, ErrTerminal
	}
	if e.running {
		return nil, ErrAlreadyRunning
	}
	e.running = true
	return e.token, nil
}

// Release ends the execution claim on the job
func (r *Registry) Release(id string) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}

// Running reports whether the job currently holds an execution claim
func (r *Registry) Running(id string) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Token returns the job's cancel token
func (r *Registry) Token(id string) (*CancelToken, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.token, nil
}

// List returns snapshots of the jobs accepted by filter, newest first. A nil
// filter accepts every job.
func (r *Registry) List(filter func(job *model.Job) bool) []*model.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]*model.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		job := e.job.Clone()
		e.mu.Unlock()
		if filter == nil || filter(job) {
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Delete removes the job. Returns false if it did not exist.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}

// PurgeTerminal removes terminal jobs that finished before the cutoff and no
// longer hold an execution claim. It returns the removed ids.
func (r *Registry) PurgeTerminal(before time.Time) []string {
	r.mu.RLock()
	candidates := make(map[string]*entry, len(r.jobs))
	for id, e := range r.jobs {
		candidates[id] = e
	}
	r.mu.RUnlock()

	var expired []string
	for id, e := range candidates {
		e.mu.Lock()
		finishedAt, finished := e.job.FinishedAt()
		if e.job.Status.IsTerminal() && !e.running && finished && finishedAt.Before(before) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}

	if len(expired) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range expired {
		delete(r.jobs, id)
	}
	sort.Strings(expired)
	return expired
}

// Len returns the number of jobs held
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
