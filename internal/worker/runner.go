package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"widgetflow/internal/calendar"
	"widgetflow/internal/domain"
	"widgetflow/internal/fetch"
	"widgetflow/internal/notify"
	"widgetflow/internal/queue"
	"widgetflow/internal/store"
)

// errNoContent marks a widget whose configuration yields nothing to show
// (e.g. photo rotation with an empty source list). Terminal Empty, no retry.
var errNoContent = errors.New("no content configured")

// Runner executes one refresh job attempt end to end: state transition,
// optional fetch, payload build, commit, notification. Transient failures
// go back to the queue with linear backoff; terminal outcomes always leave
// an observable state and a redraw signal.
type Runner struct {
	repo      queue.Repository
	widgets   *store.WidgetStore
	states    *store.StateStore
	fetcher   fetch.Fetcher
	notifier  notify.Notifier
	clk       calendar.Clock
	retryBase time.Duration
}

func NewRunner(repo queue.Repository, widgets *store.WidgetStore, states *store.StateStore,
	fetcher fetch.Fetcher, notifier notify.Notifier, clk calendar.Clock, retryBase time.Duration) *Runner {
	return &Runner{
		repo: repo, widgets: widgets, states: states,
		fetcher: fetcher, notifier: notifier, clk: clk, retryBase: retryBase,
	}
}

func (r *Runner) Run(ctx context.Context, job domain.RefreshJob) {
	wid := job.WidgetID

	// Loading is only shown on a job's first attempt; retries keep the
	// prior visible state to avoid flicker.
	if job.Attempts == 0 {
		if err := r.states.Transition(ctx, wid, domain.LoadingState()); err != nil {
			log.Warn().Err(err).Int("widget_id", wid).Msg("loading transition failed")
		}
	}

	rec, err := r.widgets.Get(ctx, wid)
	if err != nil {
		r.giveUpError(ctx, job, "widget record gone")
		return
	}

	assetPath := ""
	if job.Kind == domain.JobNewSetup {
		if url := job.Params["asset_url"]; url != "" {
			p, fetchErr := r.fetcher.Fetch(ctx, url, job.Params["force"] == "true")
			if fetchErr != nil {
				r.retryOrGiveUp(ctx, job, rec, fetchErr)
				return
			}
			assetPath = p
		}
	}

	payload, err := r.buildPayload(rec, job, assetPath)
	if err != nil {
		if errors.Is(err, errNoContent) {
			r.giveUpEmpty(ctx, job, err.Error())
			return
		}
		r.giveUpError(ctx, job, err.Error())
		return
	}

	if err := r.widgets.Commit(ctx, wid, payload, r.clk.Now()); err != nil {
		if errors.Is(err, store.ErrWidgetGone) {
			// Entity gone is not transient: do not retry, do not resurrect.
			r.giveUpError(ctx, job, err.Error())
			return
		}
		r.retryOrGiveUp(ctx, job, rec, err)
		return
	}

	if err := r.repo.Succeed(ctx, wid, job.RunToken); err != nil {
		if errors.Is(err, queue.ErrSuperseded) {
			// A newer job owns the state machine now; its run will
			// overwrite the payload we just committed.
			log.Debug().Int("widget_id", wid).Msg("run superseded after commit")
			return
		}
		log.Warn().Err(err).Int("widget_id", wid).Msg("succeed bookkeeping failed")
	}
	if err := r.states.Transition(ctx, wid, domain.SuccessState(payload)); err != nil {
		log.Warn().Err(err).Int("widget_id", wid).Msg("success transition failed")
	}
	r.notifier.Redraw(wid)
	log.Info().Int("widget_id", wid).Str("kind", string(job.Kind)).Int("attempt", job.Attempts+1).Msg("refresh committed")
}

// retryOrGiveUp handles a transient failure. Backoff is linear: attempt 1
// waits 1x base, attempt 2 waits 2x base. Exhaustion degrades to Empty when
// no prior payload existed, else Error with the prior payload left intact.
func (r *Runner) retryOrGiveUp(ctx context.Context, job domain.RefreshJob, rec domain.WidgetRecord, cause error) {
	attempt := job.Attempts + 1
	if attempt >= job.MaxAttempts {
		if len(rec.Payload) == 0 {
			r.giveUpEmpty(ctx, job, cause.Error())
		} else {
			r.giveUpError(ctx, job, cause.Error())
		}
		return
	}
	delay := r.retryBase * time.Duration(attempt)
	if err := r.repo.Retry(ctx, job.WidgetID, job.RunToken, cause.Error(), delay); err != nil {
		if errors.Is(err, queue.ErrSuperseded) {
			return
		}
		log.Warn().Err(err).Int("widget_id", job.WidgetID).Msg("retry bookkeeping failed")
	}
	log.Info().Int("widget_id", job.WidgetID).Int("attempt", attempt).Dur("delay", delay).
		Str("cause", cause.Error()).Msg("refresh attempt failed, will retry")
}

func (r *Runner) giveUpEmpty(ctx context.Context, job domain.RefreshJob, cause string) {
	if err := r.repo.Fail(ctx, job.WidgetID, job.RunToken, cause); err != nil {
		if errors.Is(err, queue.ErrSuperseded) {
			return
		}
		log.Warn().Err(err).Int("widget_id", job.WidgetID).Msg("fail bookkeeping failed")
	}
	if err := r.states.Transition(ctx, job.WidgetID, domain.EmptyState()); err != nil {
		log.Warn().Err(err).Int("widget_id", job.WidgetID).Msg("empty transition failed")
	}
	// The widget still redraws so the user sees "tap to configure" instead
	// of stale or blank content.
	r.notifier.Redraw(job.WidgetID)
}

func (r *Runner) giveUpError(ctx context.Context, job domain.RefreshJob, msg string) {
	if err := r.repo.Fail(ctx, job.WidgetID, job.RunToken, msg); err != nil {
		if errors.Is(err, queue.ErrSuperseded) {
			return
		}
		log.Warn().Err(err).Int("widget_id", job.WidgetID).Msg("fail bookkeeping failed")
	}
	if err := r.states.Transition(ctx, job.WidgetID, domain.ErrorState(msg)); err != nil {
		log.Warn().Err(err).Int("widget_id", job.WidgetID).Msg("error transition failed")
	}
	r.notifier.Redraw(job.WidgetID)
	log.Info().Int("widget_id", job.WidgetID).Str("cause", msg).Msg("refresh failed terminally")
}

// buildPayload produces the type-specific payload blob. UpdateOnly runs
// recompute from the prior payload; NewSetup runs start from job params.
func (r *Runner) buildPayload(rec domain.WidgetRecord, job domain.RefreshJob, assetPath string) ([]byte, error) {
	switch rec.Type.Category() {
	case domain.CategoryCalendar:
		return r.buildCalendar(rec, assetPath), nil
	case domain.CategoryClock:
		return r.buildClock(rec, assetPath)
	case domain.CategoryPhoto:
		return buildPhoto(rec, job)
	case domain.CategoryQuote:
		return buildQuote(rec, job)
	case domain.CategoryWeather:
		return r.buildWeather(rec, job, assetPath)
	}
	return nil, fmt.Errorf("widget %d has no content type", rec.WidgetID)
}

func (r *Runner) buildCalendar(rec domain.WidgetRecord, assetPath string) []byte {
	now := r.clk.Now()
	y, m, d := now.Date()

	p := domain.CalendarPayload{Year: y, Month: int(m), TodayDay: d, SelectedDay: d, AssetPath: assetPath}
	if prior, ok := domain.DecodePayload[domain.CalendarPayload](rec.Payload); ok {
		// Keep the user's selection while it still falls inside the
		// displayed month; a month roll-over resets it to today.
		if prior.Year == y && prior.Month == int(m) && prior.SelectedDay >= 1 &&
			prior.SelectedDay <= calendar.DaysInMonth(y, int(m)) {
			p.SelectedDay = prior.SelectedDay
		}
		if assetPath == "" {
			p.AssetPath = prior.AssetPath
		}
	}
	return domain.EncodePayload(p)
}

func (r *Runner) buildClock(rec domain.WidgetRecord, assetPath string) ([]byte, error) {
	if assetPath == "" {
		prior, ok := domain.DecodePayload[domain.ClockPayload](rec.Payload)
		if !ok || prior.AssetPath == "" {
			return nil, errNoContent
		}
		assetPath = prior.AssetPath
	}
	return domain.EncodePayload(domain.ClockPayload{AssetPath: assetPath}), nil
}

func (r *Runner) buildWeather(rec domain.WidgetRecord, job domain.RefreshJob, assetPath string) ([]byte, error) {
	prior, hadPrior := domain.DecodePayload[domain.WeatherPayload](rec.Payload)
	loc := job.Params["location"]
	if loc == "" && hadPrior {
		loc = prior.Location
	}
	if loc == "" {
		return nil, errNoContent
	}
	if assetPath == "" && hadPrior {
		assetPath = prior.AssetPath
	}
	return domain.EncodePayload(domain.WeatherPayload{Location: loc, AssetPath: assetPath}), nil
}

// Photo and quote widgets rotate through a fixed list: setup resets the
// list and index, update advances the index modulo the list length.

func buildPhoto(rec domain.WidgetRecord, job domain.RefreshJob) ([]byte, error) {
	p, hadPrior := domain.DecodePayload[domain.PhotoPayload](rec.Payload)
	if job.Kind == domain.JobNewSetup {
		p = domain.PhotoPayload{Sources: splitList(job.Params["sources"], ",")}
	} else if hadPrior && len(p.Sources) > 0 {
		p.Index = (p.Index + 1) % len(p.Sources)
	}
	if len(p.Sources) == 0 {
		return nil, errNoContent
	}
	return domain.EncodePayload(p), nil
}

func buildQuote(rec domain.WidgetRecord, job domain.RefreshJob) ([]byte, error) {
	// quotes are |-separated; they may contain commas
	p, hadPrior := domain.DecodePayload[domain.QuotePayload](rec.Payload)
	if job.Kind == domain.JobNewSetup {
		p = domain.QuotePayload{Quotes: splitList(job.Params["quotes"], "|")}
	} else if hadPrior && len(p.Quotes) > 0 {
		p.Index = (p.Index + 1) % len(p.Quotes)
	}
	if len(p.Quotes) == 0 {
		return nil, errNoContent
	}
	return domain.EncodePayload(p), nil
}

func splitList(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
