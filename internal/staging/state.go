package staging

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// State is where a population run stands, derived from the staging keys.
type State string

const (
	StateNotStarted State = "not_started"
	// StateGenerating means rows are staged but the buffer was never flagged
	// ready. Without a live lock holder the generation is orphaned.
	StateGenerating State = "generating"
	StateReady      State = "ready"
	StateDraining   State = "draining"
	// StateDone means the buffer is drained but the completion hook has not
	// finished yet.
	StateDone State = "done"
)

// Progress reports a population run's counters.
type Progress struct {
	State    State `json:"state"`
	Complete int64 `json:"complete"`
	Total    int64 `json:"total"`
	Pending  int64 `json:"pending"`
}

// Progress reads the counters of owner's population run.
func (p *Pipeline) Progress(ctx context.Context, owner string) (Progress, error) {
	pipe := p.redis.Pipeline()
	ready := pipe.Exists(ctx, readyKey(owner))
	pending := pipe.HLen(ctx, Key(owner))
	total := pipe.Get(ctx, totalKey(owner))
	complete := pipe.Get(ctx, completeKey(owner))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Progress{}, fmt.Errorf("read staging state of %s: %w", owner, err)
	}

	pr := Progress{Pending: pending.Val()}
	pr.Total, _ = total.Int64()
	pr.Complete, _ = complete.Int64()

	isReady := ready.Val() > 0
	switch {
	case isReady && pr.Pending == 0:
		pr.State = StateDone
	case isReady && pr.Complete > 0:
		pr.State = StateDraining
	case isReady:
		pr.State = StateReady
	case pr.Pending > 0:
		pr.State = StateGenerating
	default:
		pr.State = StateNotStarted
	}
	return pr, nil
}

// State returns only the state of owner's population run.
func (p *Pipeline) State(ctx context.Context, owner string) (State, error) {
	pr, err := p.Progress(ctx, owner)
	if err != nil {
		return "", err
	}
	return pr.State, nil
}
