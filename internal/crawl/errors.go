package crawl

import (
	"errors"
	"fmt"
)

// ErrPollTimeout is returned when the agent does not finish within the poll budget.
var ErrPollTimeout = errors.New("extraction timed out")

// CrawlInProgressError is returned when a manual crawl targets a busy store.
type CrawlInProgressError struct {
	StoreID string
}

func (e *CrawlInProgressError) Error() string {
	return fmt.Sprintf("crawl already in progress for store %s", e.StoreID)
}

// ExtractionError carries the message of an agent that gave up.
type ExtractionError struct {
	AgentJobID string
	Message    string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed (agent job %s): %s", e.AgentJobID, e.Message)
}

// BlockedError is returned when robots.txt disallows the store URL and
// enforcement is on.
type BlockedError struct {
	URL  string
	Rule string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s disallowed by robots.txt rule %q", e.URL, e.Rule)
}

// ErrInvalidStore is wrapped by errors for malformed store registrations.
var ErrInvalidStore = errors.New("invalid store")
