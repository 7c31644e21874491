package application

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeRunner struct {
	calls int32
	err   error
}

func (f *fakeRunner) RunCycle(ctx context.Context, now time.Time) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func newTestPoller(runner cycleRunner, interval time.Duration) *Poller {
	return &Poller{
		scheduler: runner,
		interval:  interval,
		logger:    discardLogger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func TestPoller_RunsImmediatelyThenOnTick(t *testing.T) {
	runner := &fakeRunner{}
	p := newTestPoller(runner, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx)

	time.Sleep(35 * time.Millisecond)
	cancel()
	<-p.done

	assert.GreaterOrEqual(t, atomic.LoadInt32(&runner.calls), int32(2))
}

func TestPoller_RecordsErrorOnFailedCycle(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	p := newTestPoller(runner, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	p.Stop()

	snap := p.Snapshot()
	assert.Equal(t, "boom", snap.Error)
	assert.NotNil(t, snap.Finished)
}

func TestPoller_IsStaleAfterTwiceInterval(t *testing.T) {
	p := newTestPoller(&fakeRunner{}, time.Millisecond)
	old := time.Now().Add(-10 * time.Millisecond)
	p.snapshot.Finished = &old
	assert.True(t, p.IsStale(time.Now()))
}
