// Package agent talks to extraction agents: services that take store URLs,
// work asynchronously, and return structured deal candidates.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// Candidate is one deal extracted from a store page.
type Candidate struct {
	Title    string   `json:"title" validate:"required"`
	URL      string   `json:"url" validate:"required,http_url"`
	Image    string   `json:"image,omitempty" validate:"omitempty,http_url"`
	Price    float64  `json:"price" validate:"gte=0"`
	Currency string   `json:"currency" validate:"len=3"`
	MSRP     *float64 `json:"msrp,omitempty" validate:"omitempty,gte=0"`
}

// Job identifies a submitted extraction.
type Job struct {
	ID string `json:"jobId"`
}

// State is the status of an extraction job. It is one of Completed, Pending
// or Failed; consumers switch on the concrete type.
type State interface {
	Tag() string
	isState()
}

// Completed carries the extracted candidates.
type Completed struct {
	Data      []Candidate `json:"data"`
	ExpiresAt string      `json:"expiresAt"`
}

// Pending means the agent is still working.
type Pending struct {
	ExpiresAt string `json:"expiresAt"`
}

// Failed means the agent gave up.
type Failed struct {
	ErrorMessage string `json:"errorMessage"`
	ExpiresAt    string `json:"expiresAt"`
}

func (Completed) Tag() string { return "AgentStateCompleted" }
func (Pending) Tag() string   { return "AgentStatePending" }
func (Failed) Tag() string    { return "AgentStateError" }

func (Completed) isState() {}
func (Pending) isState()   {}
func (Failed) isState()    {}

// Agent submits URLs for extraction and reports job state.
type Agent interface {
	StartAgent(ctx context.Context, urls []string) (Job, error)
	AgentStatus(ctx context.Context, jobID string) (State, error)
}

// ErrUnknownJob is wrapped by StatusError when the agent has no record of a job.
var ErrUnknownJob = errors.New("unknown agent job")

// StartAgentError is returned when an extraction could not be submitted.
type StartAgentError struct {
	URLs []string
	Err  error
}

func (e *StartAgentError) Error() string {
	return fmt.Sprintf("agent failed to start for %v: %v", e.URLs, e.Err)
}

func (e *StartAgentError) Unwrap() error { return e.Err }

// StatusError is returned when the state of a job could not be read.
type StatusError struct {
	JobID string
	Err   error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("get agent status for job %s: %v", e.JobID, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }
