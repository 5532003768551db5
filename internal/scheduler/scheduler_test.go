package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheri-lab/dwarfscan/internal/scraper"
)

// fakeJob simulates a scraper with controllable behavior.
type fakeJob struct {
	name      string
	schemaErr error
	runErr    error
	block     chan struct{}
	started   chan struct{}
	running   *atomic.Int32
	peak      *atomic.Int32
}

func (j *fakeJob) Name() string { return j.name }
func (j *fakeJob) Path() string { return j.name + ".elf" }

func (j *fakeJob) InitSchema() error { return j.schemaErr }

func (j *fakeJob) Run(ctx context.Context) error {
	if j.running != nil {
		now := j.running.Add(1)
		for {
			peak := j.peak.Load()
			if now <= peak || j.peak.CompareAndSwap(peak, now) {
				break
			}
		}
		defer j.running.Add(-1)
	}
	if j.started != nil {
		close(j.started)
	}
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return nil
		}
	}
	return j.runErr
}

func (j *fakeJob) Result() scraper.Result {
	var result scraper.Result
	if j.runErr != nil {
		result.Errors = append(result.Errors, j.runErr.Error())
	}
	return result
}

func TestScheduleResolvesFutures(t *testing.T) {
	pool := New(2)
	ok := &fakeJob{name: "ok"}
	bad := &fakeJob{name: "bad", runErr: errors.New("broken unit")}

	okFuture := pool.Schedule(ok)
	badFuture := pool.Schedule(bad)
	pool.Wait()

	result, err := okFuture.Wait()
	require.NoError(t, err)
	assert.Empty(t, result.Errors)

	result, err = badFuture.Wait()
	require.Error(t, err)
	assert.Len(t, result.Errors, 1)
}

func TestBoundedConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	pool := New(2)
	block := make(chan struct{})

	var futures []*Future
	for i := 0; i < 6; i++ {
		futures = append(futures, pool.Schedule(&fakeJob{
			name:    "job",
			block:   block,
			running: &running,
			peak:    &peak,
		}))
	}
	// Let the workers saturate before releasing them.
	time.Sleep(50 * time.Millisecond)
	close(block)
	pool.Wait()

	for _, future := range futures {
		_, err := future.Wait()
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCancelDropsPendingJobs(t *testing.T) {
	pool := New(1)
	started := make(chan struct{})
	block := make(chan struct{})
	runningJob := &fakeJob{name: "running", block: block, started: started}
	pendingJob := &fakeJob{name: "pending"}

	runningFuture := pool.Schedule(runningJob)
	<-started
	pendingFuture := pool.Schedule(pendingJob)

	pool.Cancel()
	pool.Wait()

	// The running job observes the token and returns cleanly.
	_, err := runningFuture.Wait()
	require.NoError(t, err)

	// The pending job never ran.
	_, err = pendingFuture.Wait()
	require.ErrorIs(t, err, context.Canceled)
}

func TestSchemaFailureAbortsAllJobs(t *testing.T) {
	pool := New(1)
	broken := &fakeJob{name: "broken", schemaErr: errors.New("cannot create table")}
	victim := &fakeJob{name: "victim"}

	brokenFuture := pool.Schedule(broken)
	_, err := brokenFuture.Wait()
	require.Error(t, err)

	victimFuture := pool.Schedule(victim)
	pool.Wait()
	_, err = victimFuture.Wait()
	require.ErrorIs(t, err, context.Canceled)
}
