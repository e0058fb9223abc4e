package segment

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingSegmenter returns quadMask, or waits for ctx when block is set.
type blockingSegmenter struct {
	block   bool
	started chan struct{}
}

func (b *blockingSegmenter) Segment(ctx context.Context, _ image.Image, _ Point) (*CategoryMask, error) {
	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return quadMask(), nil
}

type outcome struct {
	ticket uuid.UUID
	mask   *CategoryMask
	err    error
}

func deliverTo(ch chan outcome) func(uuid.UUID, *CategoryMask, error) {
	return func(t uuid.UUID, cm *CategoryMask, err error) { ch <- outcome{t, cm, err} }
}

func TestQueue_Delivers(t *testing.T) {
	q := NewQueue(&blockingSegmenter{}, QueueConfig{}, nil)
	q.Start()
	defer q.Stop()

	ch := make(chan outcome, 1)
	ticket := uuid.New()
	require.NoError(t, q.Submit(&Job{Ticket: ticket, Deliver: deliverTo(ch)}))

	select {
	case got := <-ch:
		assert.Equal(t, ticket, got.ticket)
		assert.NoError(t, got.err)
		assert.Equal(t, quadMask(), got.mask)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestQueue_Cancel(t *testing.T) {
	seg := &blockingSegmenter{block: true, started: make(chan struct{}, 1)}
	q := NewQueue(seg, QueueConfig{Timeout: time.Minute}, nil)
	q.Start()
	defer q.Stop()

	ch := make(chan outcome, 1)
	ticket := uuid.New()
	require.NoError(t, q.Submit(&Job{Ticket: ticket, Deliver: deliverTo(ch)}))
	<-seg.started

	assert.True(t, q.Cancel(ticket))
	got := <-ch
	assert.ErrorIs(t, got.err, context.Canceled)
	assert.False(t, q.Cancel(uuid.New()))
}

func TestQueue_FullAndStopped(t *testing.T) {
	seg := &blockingSegmenter{block: true, started: make(chan struct{}, 4)}
	q := NewQueue(seg, QueueConfig{QueueSize: 1, Timeout: time.Minute}, nil)
	q.Start()

	ch := make(chan outcome, 4)
	require.NoError(t, q.Submit(&Job{Ticket: uuid.New(), Deliver: deliverTo(ch)}))
	<-seg.started // the worker holds the first job
	require.NoError(t, q.Submit(&Job{Ticket: uuid.New(), Deliver: deliverTo(ch)}))
	assert.ErrorIs(t, q.Submit(&Job{Ticket: uuid.New(), Deliver: deliverTo(ch)}), ErrQueueFull)

	q.Stop()
	first := <-ch
	assert.ErrorIs(t, first.err, context.Canceled)
	second := <-ch
	assert.ErrorIs(t, second.err, ErrQueueStopped)
	assert.ErrorIs(t, q.Submit(&Job{Ticket: uuid.New()}), ErrQueueStopped)
}
