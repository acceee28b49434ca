package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"widgetflow/internal/api"
	"widgetflow/internal/calendar"
	"widgetflow/internal/fetch"
	"widgetflow/internal/notify"
	"widgetflow/internal/queue"
	"widgetflow/internal/scheduler"
	"widgetflow/internal/store"
	"widgetflow/internal/worker"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP bind address")
		dbPath       = flag.String("db", "widgetflow.db", "SQLite DB path")
		cacheDir     = flag.String("cache", "assets", "asset cache directory")
		workers      = flag.Int("workers", 8, "number of worker goroutines")
		poll         = flag.Duration("poll", 250*time.Millisecond, "poll interval for queue")
		retryBase    = flag.Duration("retry-base", 5*time.Second, "base retry backoff (linear)")
		fetchTimeout = flag.Duration("fetch-timeout", 30*time.Second, "per-attempt fetch timeout")
		rotationCron = flag.String("rotation-cron", queue.DefaultRotationCron, "cadence for photo/quote rotation")
		rotationPoll = flag.Duration("rotation-poll", 30*time.Second, "check interval for due rotations")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if err := scheduler.ValidateCronExpression(*rotationCron); err != nil {
		log.Fatal().Err(err).Str("expr", *rotationCron).Msg("invalid rotation cron")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil { log.Fatal().Err(err).Msg("open db") }
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil { log.Fatal().Err(err).Msg("ensure widget schema") }
	if err := queue.EnsureSchema(db); err != nil { log.Fatal().Err(err).Msg("ensure queue schema") }

	repo := queue.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}

	widgets := store.NewWidgetStore(db)
	states := store.NewStateStore(db)
	clk := calendar.SystemClock{}
	fetcher := fetch.NewHTTPFetcher(*cacheDir, *fetchTimeout)
	notifier := notify.LogNotifier{}

	sched := scheduler.New(repo, widgets, states, *rotationCron)
	runner := worker.NewRunner(repo, widgets, states, fetcher, notifier, clk, *retryBase)

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(repo, runner, *workers, *poll)
	go pool.Run(ctx)

	rotations := scheduler.NewRotationService(repo, sched, *rotationPoll)
	go rotations.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(sched, widgets, states, clk)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
