package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Extractor pulls deal candidates from a single page.
type Extractor interface {
	Extract(ctx context.Context, url string) ([]Candidate, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, url string) ([]Candidate, error)

func (f ExtractorFunc) Extract(ctx context.Context, url string) ([]Candidate, error) {
	return f(ctx, url)
}

type localJob struct {
	done      bool
	data      []Candidate
	err       error
	expiresAt time.Time
}

// Local runs an Extractor in the background and exposes it through the
// asynchronous Agent contract. Job state lives in memory and expires after ttl.
type Local struct {
	extractor Extractor
	timeout   time.Duration
	ttl       time.Duration
	now       func() time.Time

	mu   sync.Mutex
	jobs map[string]*localJob
	wg   sync.WaitGroup
}

// NewLocal creates a local agent. Extractions are cancelled after timeout.
func NewLocal(extractor Extractor, timeout time.Duration) *Local {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Local{
		extractor: extractor,
		timeout:   timeout,
		ttl:       24 * time.Hour,
		now:       time.Now,
		jobs:      make(map[string]*localJob),
	}
}

// StartAgent begins extracting urls and returns immediately.
func (l *Local) StartAgent(_ context.Context, urls []string) (Job, error) {
	if len(urls) == 0 {
		return Job{}, &StartAgentError{URLs: urls, Err: fmt.Errorf("no urls")}
	}

	id := uuid.NewString()
	l.mu.Lock()
	l.evictExpired()
	l.jobs[id] = &localJob{expiresAt: l.now().Add(l.ttl)}
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(id, append([]string(nil), urls...))

	return Job{ID: id}, nil
}

// The caller's context only covers submission, so extraction runs detached.
func (l *Local) run(id string, urls []string) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	var all []Candidate
	var runErr error
	for _, u := range urls {
		deals, err := l.extractor.Extract(ctx, u)
		if err != nil {
			runErr = fmt.Errorf("extract %s: %w", u, err)
			break
		}
		all = append(all, deals...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if job, ok := l.jobs[id]; ok {
		job.done = true
		job.data = all
		job.err = runErr
	}
}

// AgentStatus reports the state of a job started by this agent.
func (l *Local) AgentStatus(_ context.Context, jobID string) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[jobID]
	if !ok {
		return nil, &StatusError{JobID: jobID, Err: ErrUnknownJob}
	}

	expires := job.expiresAt.UTC().Format(time.RFC3339)
	switch {
	case !job.done:
		return Pending{ExpiresAt: expires}, nil
	case job.err != nil:
		return Failed{ErrorMessage: job.err.Error(), ExpiresAt: expires}, nil
	default:
		return Completed{Data: job.data, ExpiresAt: expires}, nil
	}
}

// Wait blocks until all running extractions finish.
func (l *Local) Wait() {
	l.wg.Wait()
}

func (l *Local) evictExpired() {
	now := l.now()
	for id, job := range l.jobs {
		if job.done && now.After(job.expiresAt) {
			delete(l.jobs, id)
		}
	}
}
