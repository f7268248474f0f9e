// Package humanq correlates ask_human requests with the suspended turns
// waiting on them. Requests live for the process lifetime only; a restart
// aborts in-flight requests while histories remain durable.
package humanq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/promptobjects/promptobjects/pkg/models"
)

var (
	// ErrNotFound is returned for unknown request IDs.
	ErrNotFound = errors.New("human request not found")

	// ErrAlreadyResolved is returned when a request is responded to twice.
	ErrAlreadyResolved = errors.New("human request already resolved")

	// ErrCancelled is delivered to a turn whose request was cancelled.
	ErrCancelled = errors.New("human request cancelled")
)

type answer struct {
	response  string
	cancelled bool
}

type pendingRequest struct {
	req  *models.HumanRequest
	done chan answer // single-shot completion signal
}

// Queue is the process-wide registry of pending human requests.
type Queue struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{requests: make(map[string]*pendingRequest)}
}

// Enqueue registers a new pending request and returns it. The calling turn
// then suspends on Await.
func (q *Queue) Enqueue(poName, question string, options []string) *models.HumanRequest {
	req := &models.HumanRequest{
		ID:        uuid.NewString(),
		PoName:    poName,
		Question:  question,
		Options:   options,
		State:     models.HumanPending,
		CreatedAt: time.Now(),
	}
	q.mu.Lock()
	q.requests[req.ID] = &pendingRequest{
		req:  req,
		done: make(chan answer, 1),
	}
	q.mu.Unlock()
	return req
}

// Pending lists pending requests, optionally filtered by PO name, oldest first.
func (q *Queue) Pending(poName string) []*models.HumanRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.HumanRequest
	for _, pending := range q.requests {
		if pending.req.State != models.HumanPending {
			continue
		}
		if poName != "" && pending.req.PoName != poName {
			continue
		}
		out = append(out, pending.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a request by ID.
func (q *Queue) Get(id string) (*models.HumanRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending, ok := q.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return pending.req, nil
}

// Respond resolves a pending request, delivering response to the suspended
// turn. A second respond is rejected without side effect.
func (q *Queue) Respond(id, response string) error {
	q.mu.Lock()
	pending, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if pending.req.State != models.HumanPending {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	pending.req.State = models.HumanResolved
	pending.req.Response = response
	q.mu.Unlock()

	pending.done <- answer{response: response}
	return nil
}

// Cancel marks a pending request cancelled; the suspended turn resumes with a
// cancellation result.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	pending, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if pending.req.State != models.HumanPending {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	pending.req.State = models.HumanCancelled
	q.mu.Unlock()

	pending.done <- answer{cancelled: true}
	return nil
}

// Await blocks until the request is answered or cancelled, or ctx ends.
// Context cancellation cancels the request itself so it does not linger in
// pending listings.
func (q *Queue) Await(ctx context.Context, id string) (string, error) {
	q.mu.Lock()
	pending, ok := q.requests[id]
	q.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	select {
	case a := <-pending.done:
		q.remove(id)
		if a.cancelled {
			return "", ErrCancelled
		}
		return a.response, nil
	case <-ctx.Done():
		_ = q.Cancel(id)
		q.remove(id)
		return "", ctx.Err()
	}
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	delete(q.requests, id)
	q.mu.Unlock()
}
