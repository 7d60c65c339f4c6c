package cmdq

import (
	"context"

	"github.com/ehrlich-b/go-hfi/internal/retry"
)

// Submit retries TrySubmit under p for as long as the queue is full. Any
// other outcome, success included, ends the loop.
func (q *Queue) Submit(ctx context.Context, p retry.Policy, header, payload []byte) (Ticket, error) {
	p.RetryIf = IsWouldBlock

	var t Ticket
	err := p.Do(ctx, func() error {
		var err error
		t, err = q.TrySubmit(header, payload)
		return err
	})
	return t, err
}
