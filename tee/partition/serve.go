package partition

import (
	"context"

	"go.uber.org/zap"

	"github.com/wallera-computer/nsipc/tee/mailbox"
)

// Serve runs the secure core loop of the mailbox transport: every time ring
// fires, the pending slots of q are fetched, run through the partition and
// replied. Serve returns when ctx is done.
func (p *Partition) Serve(ctx context.Context, q *mailbox.Queue, ring <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ring:
		}

		for _, i := range q.FetchPending() {
			msg, err := q.Message(i)
			if err != nil {
				p.l.Warn("cannot read slot", zap.Int("slot", i), zap.Error(err))
				continue
			}

			if err := q.Reply(i, p.Call(msg)); err != nil {
				p.l.Warn("cannot reply slot", zap.Int("slot", i), zap.Error(err))
			}
		}
	}
}
