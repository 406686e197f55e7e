package assistant

import (
	"context"
	"sync"
	"sync/atomic"

	"corpuschat/internal/models"
	"corpuschat/internal/service/ai"
)

// Turn is the handle of a scheduled generation.
type Turn struct {
	MessageID      int64
	ConversationID int64
	Model          string
	Sources        []models.Source

	partials  chan ai.Object
	done      chan struct{}
	closeOnce sync.Once
	detached  atomic.Bool
	final     *ai.Object
	err       error
}

func newTurn(conversationID int64, placeholder *models.Message) *Turn {
	return &Turn{
		MessageID:      placeholder.ID,
		ConversationID: conversationID,
		Model:          placeholder.Model,
		Sources:        placeholder.Sources,
		partials:       make(chan ai.Object, 1),
		done:           make(chan struct{}),
	}
}

// Partials yields the latest partial answer; intermediate values are
// dropped for slow readers. It is closed before Done.
func (t *Turn) Partials() <-chan ai.Object {
	return t.partials
}

// Done is closed once the generation succeeded or failed.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks for the terminal event. A cancelled ctx only stops waiting.
func (t *Turn) Wait(ctx context.Context) (*ai.Object, error) {
	select {
	case <-t.done:
		return t.final, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Detach stops delivering partials; the reply is still persisted.
func (t *Turn) Detach() {
	t.detached.Store(true)
}

func (t *Turn) publish(obj ai.Object) {
	if t.detached.Load() {
		return
	}
	select {
	case t.partials <- obj:
		return
	default:
	}
	select {
	case <-t.partials:
	default:
	}
	t.partials <- obj
}

func (t *Turn) finish(final *ai.Object, err error) {
	t.closeOnce.Do(func() {
		t.final = final
		t.err = err
		close(t.partials)
		close(t.done)
	})
}
