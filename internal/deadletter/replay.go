package deadletter

import (
	"context"
	"fmt"

	"connector/record"
)

// Replay pops entries oldest first and hands each to deliver. An entry that
// fails is put back (at the tail) and replay stops with its error. limit <= 0
// replays until the queue is empty. It returns how many entries were
// delivered.
func Replay(ctx context.Context, q Queue, limit int, deliver func(context.Context, record.DeadLetter) error) (int, error) {
	n := 0
	for limit <= 0 || n < limit {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		e, ok, err := q.Pop(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		if err := deliver(ctx, e); err != nil {
			e.Attempts++
			if perr := q.Put(context.WithoutCancel(ctx), e); perr != nil {
				return n, fmt.Errorf("replay %s@%s: %w (and put back failed: %v)", e.Partition, e.Cursor, err, perr)
			}
			return n, fmt.Errorf("replay %s@%s: %w", e.Partition, e.Cursor, err)
		}
		n++
	}
	return n, nil
}
