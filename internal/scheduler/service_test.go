package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"widgetflow/internal/domain"
	"widgetflow/internal/notify"
	"widgetflow/internal/queue"
	"widgetflow/internal/store"
	"widgetflow/internal/worker"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

type noFetch struct{}

func (noFetch) Fetch(ctx context.Context, url string, force bool) (string, error) {
	return "/cache/" + url, nil
}

type env struct {
	repo    queue.Repository
	widgets *store.WidgetStore
	states  *store.StateStore
	sched   *Scheduler
	runner  *worker.Runner
	runs    int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	e := &env{
		repo:    queue.NewSQLiteRepo(db),
		widgets: store.NewWidgetStore(db),
		states:  store.NewStateStore(db),
	}
	e.sched = New(e.repo, e.widgets, e.states, queue.DefaultRotationCron)
	clk := fixedClock{t: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	e.runner = worker.NewRunner(e.repo, e.widgets, e.states, noFetch{}, notify.Func(func(int) {}), clk, time.Second)
	return e
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := e.repo.LeaseNext(ctx, time.Now().Add(time.Hour))
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		require.NoError(t, err)
		e.runner.Run(ctx, job)
		e.runs++
	}
}

func TestSetupWhileSetupQueuedRunsOnlyLatest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// the user reconfigures widget 7 before the first setup ever ran
	require.NoError(t, e.sched.EnqueueSetup(ctx, 7, domain.TypeCalendar2, domain.SizeSmall, nil))
	require.NoError(t, e.sched.EnqueueSetup(ctx, 7, domain.TypeCalendar1, domain.SizeMedium, nil))
	e.drain(t)

	assert.Equal(t, 1, e.runs, "only one job ultimately runs for the id")
	rec, err := e.widgets.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeCalendar1, rec.Type)
	assert.Equal(t, domain.SizeMedium, rec.Size)
	assert.Equal(t, domain.StateSuccess, e.states.Get(ctx, 7).Kind)
}

func TestSetupRegistersRotationForRotatingTypes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.sched.EnqueueSetup(ctx, 1, domain.TypePhoto, domain.SizeMedium,
		map[string]string{"sources": "a.jpg,b.jpg"}))
	require.NoError(t, e.sched.EnqueueSetup(ctx, 2, domain.TypeCalendar1, domain.SizeMedium, nil))

	due, err := e.repo.DueRotations(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1, "only photo/quote widgets rotate")
	assert.Equal(t, 1, due[0].WidgetID)

	// reconfiguring the photo widget into a calendar drops its rotation
	require.NoError(t, e.sched.EnqueueSetup(ctx, 1, domain.TypeCalendar3, domain.SizeMedium, nil))
	due, err = e.repo.DueRotations(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSetupRejectsTypeNone(t *testing.T) {
	e := newEnv(t)
	assert.Error(t, e.sched.EnqueueSetup(context.Background(), 1, domain.TypeNone, domain.SizeMedium, nil))
}

func TestRedrawAllTargetsCategory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.sched.EnqueueSetup(ctx, 1, domain.TypeCalendar1, domain.SizeSmall, nil))
	require.NoError(t, e.sched.EnqueueSetup(ctx, 2, domain.TypeCalendar4, domain.SizeSmall, nil))
	require.NoError(t, e.sched.EnqueueSetup(ctx, 3, domain.TypePhoto, domain.SizeSmall,
		map[string]string{"sources": "a.jpg"}))
	e.drain(t)
	e.runs = 0

	// e.g. the OS reported a date change
	n, err := e.sched.EnqueueRedrawAll(ctx, domain.CategoryCalendar)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	e.drain(t)
	assert.Equal(t, 2, e.runs)
}

func TestRemoveClearsEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.sched.EnqueueSetup(ctx, 4, domain.TypeQuote, domain.SizeLarge,
		map[string]string{"quotes": "a|b"}))
	e.drain(t)
	require.NoError(t, e.sched.Remove(ctx, 4))

	_, err := e.widgets.Get(ctx, 4)
	assert.ErrorIs(t, err, store.ErrWidgetGone)
	assert.Equal(t, domain.StateInit, e.states.Get(ctx, 4).Kind)
	due, err := e.repo.DueRotations(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRotationServiceEnqueuesDueWidgets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.sched.EnqueueSetup(ctx, 5, domain.TypePhoto, domain.SizeMedium,
		map[string]string{"sources": "a.jpg,b.jpg"}))
	e.drain(t)

	// force the rotation due and process one tick
	now := time.Now()
	require.NoError(t, e.repo.SetRotation(ctx, 5, queue.DefaultRotationCron, now.Add(-time.Minute)))
	rs := NewRotationService(e.repo, e.sched, time.Hour)
	rs.processDue(ctx, now)

	e.drain(t)
	rec, err := e.widgets.Get(ctx, 5)
	require.NoError(t, err)
	p, ok := domain.DecodePayload[domain.PhotoPayload](rec.Payload)
	require.True(t, ok)
	assert.Equal(t, 1, p.Index, "rotation tick advanced the photo index")

	// and the rotation was pushed to its next slot
	due, err := e.repo.DueRotations(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCronHelpers(t *testing.T) {
	require.NoError(t, ValidateCronExpression(queue.DefaultRotationCron))
	assert.Error(t, ValidateCronExpression("every now and then"))

	from := time.Date(2026, 8, 30, 10, 3, 0, 0, time.UTC)
	next, err := NextRunTime("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC), next)
}
