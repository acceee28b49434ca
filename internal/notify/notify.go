package notify

import "github.com/rs/zerolog/log"

// Notifier tells the platform to redraw one widget. Fire-and-forget:
// implementations log failures, never return them.
type Notifier interface {
	Redraw(widgetID int)
}

// LogNotifier stands in where no platform widget manager is attached; it
// records the redraw signal so the pipeline stays observable end to end.
type LogNotifier struct{}

func (LogNotifier) Redraw(widgetID int) {
	log.Info().Int("widget_id", widgetID).Msg("redraw widget")
}

// Func adapts a plain function, handy in tests and embedders.
type Func func(widgetID int)

func (f Func) Redraw(widgetID int) { f(widgetID) }
