package rtc

import (
	"errors"
	"sync"

	"github.com/orchardlive/callkit/internal/domain"
)

// candidateAdder is the slice of PeerConnection the queue drains into.
type candidateAdder interface {
	AddICECandidate(c domain.CandidatePayload) error
}

// CandidateQueue buffers remote ICE candidates that arrive before the
// remote description is applied. FIFO order is kept for determinism;
// candidate order does not affect connection success.
//
// The owning session drains the queue exactly once, immediately after a
// successful SetRemoteDescription. If SetRemoteDescription fails the
// queue is left intact for a retried negotiation. A new negotiation
// round starts with Reset.
type CandidateQueue struct {
	mu    sync.Mutex
	items []domain.CandidatePayload
}

// Offer appends a candidate to the queue.
func (q *CandidateQueue) Offer(c domain.CandidatePayload) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Len returns the number of queued candidates.
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainInto applies every queued candidate to pc in enqueue order, then
// clears the queue. Individual apply failures do not stop the drain;
// the joined error is returned for logging.
func (q *CandidateQueue) DrainInto(pc candidateAdder) error {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	var errs []error
	for _, c := range items {
		if err := pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset discards all queued candidates. Called when a negotiation round
// is abandoned (glare rollback, renegotiation).
func (q *CandidateQueue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
