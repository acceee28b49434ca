package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"widgetflow/internal/domain"
	"widgetflow/internal/queue"
	"widgetflow/internal/store"
)

// Scheduler is the only entry point for refresh work. Every call funnels
// into the dedup-and-replace queue, so at most one job per widget id is
// ever outstanding regardless of which trigger fired.
type Scheduler struct {
	repo         queue.Repository
	widgets      *store.WidgetStore
	states       *store.StateStore
	rotationCron string
}

func New(repo queue.Repository, widgets *store.WidgetStore, states *store.StateStore, rotationCron string) *Scheduler {
	if rotationCron == "" {
		rotationCron = queue.DefaultRotationCron
	}
	return &Scheduler{repo: repo, widgets: widgets, states: states, rotationCron: rotationCron}
}

// EnqueueSetup registers (or reconfigures) a widget instance and queues its
// initial content acquisition. Photo and quote widgets additionally get a
// periodic rotation so their content keeps cycling without user action.
func (s *Scheduler) EnqueueSetup(ctx context.Context, widgetID int, t domain.WidgetType, size domain.WidgetSize, params map[string]string) error {
	if t == domain.TypeNone {
		return fmt.Errorf("widget %d: cannot set up type NONE", widgetID)
	}
	rec := domain.WidgetRecord{WidgetID: widgetID, Type: t, Size: size}
	if err := s.widgets.Create(ctx, rec); err != nil {
		return fmt.Errorf("create widget %d: %w", widgetID, err)
	}
	if _, err := s.repo.Enqueue(ctx, widgetID, domain.JobNewSetup, params); err != nil {
		return fmt.Errorf("enqueue setup %d: %w", widgetID, err)
	}

	switch t.Category() {
	case domain.CategoryPhoto, domain.CategoryQuote:
		next, err := NextRunTime(s.rotationCron, time.Now())
		if err != nil {
			return err
		}
		if err := s.repo.SetRotation(ctx, widgetID, s.rotationCron, next); err != nil {
			return fmt.Errorf("set rotation %d: %w", widgetID, err)
		}
	default:
		// reconfiguring away from a rotating type drops the old cadence
		if err := s.repo.ClearRotation(ctx, widgetID); err != nil {
			return err
		}
	}
	log.Info().Int("widget_id", widgetID).Str("type", t.ID()).Str("size", string(size)).Msg("setup enqueued")
	return nil
}

// EnqueueUpdate queues a recompute of date-dependent fields; no network.
func (s *Scheduler) EnqueueUpdate(ctx context.Context, widgetID int) error {
	_, err := s.repo.Enqueue(ctx, widgetID, domain.JobUpdateOnly, nil)
	return err
}

// EnqueueRedrawAll queues an update for every widget of a category. This is
// the entry point for system date/locale/timezone change events.
func (s *Scheduler) EnqueueRedrawAll(ctx context.Context, cat domain.Category) (int, error) {
	recs, err := s.widgets.ListByCategory(ctx, cat)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if _, err := s.repo.Enqueue(ctx, rec.WidgetID, domain.JobUpdateOnly, nil); err != nil {
			return 0, err
		}
	}
	log.Info().Int("count", len(recs)).Msg("redraw-all enqueued")
	return len(recs), nil
}

// Remove deletes a widget instance: record, state row, job row, rotation.
// An in-flight job observes the missing record and terminates as Error.
func (s *Scheduler) Remove(ctx context.Context, widgetID int) error {
	if err := s.widgets.DeleteByID(ctx, widgetID); err != nil {
		return err
	}
	if err := s.states.Delete(ctx, widgetID); err != nil {
		return err
	}
	if err := s.repo.Remove(ctx, widgetID); err != nil {
		return err
	}
	return s.repo.ClearRotation(ctx, widgetID)
}

// RotationService re-enqueues rotating widgets on their cron cadence. The
// enqueue goes through the same dedup rule, so a rotation never piles a
// second job onto a widget that already has one pending.
type RotationService struct {
	repo     queue.Repository
	sched    *Scheduler
	interval time.Duration
}

func NewRotationService(repo queue.Repository, sched *Scheduler, checkInterval time.Duration) *RotationService {
	return &RotationService{repo: repo, sched: sched, interval: checkInterval}
}

func (rs *RotationService) Start(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", rs.interval).Msg("rotation service started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rs.processDue(ctx, now)
		}
	}
}

func (rs *RotationService) processDue(ctx context.Context, now time.Time) {
	due, err := rs.repo.DueRotations(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due rotations")
		return
	}
	for _, rot := range due {
		if err := rs.processRotation(ctx, rot, now); err != nil {
			log.Error().Err(err).Int("widget_id", rot.WidgetID).Msg("failed to process rotation")
		}
	}
}

func (rs *RotationService) processRotation(ctx context.Context, rot queue.Rotation, now time.Time) error {
	next, err := NextRunTime(rot.CronExpr, now)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", rot.CronExpr).Msg("invalid cron expression")
		return err
	}
	if err := rs.sched.EnqueueUpdate(ctx, rot.WidgetID); err != nil {
		return err
	}
	if err := rs.repo.AdvanceRotation(ctx, rot.WidgetID, next); err != nil {
		return err
	}
	log.Info().Int("widget_id", rot.WidgetID).Time("next_run", next).Msg("rotation enqueued")
	return nil
}

// ValidateCronExpression validates a rotation cadence expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
