package domain

import (
	"encoding/json"
	"time"
)

// WidgetSize selects both layout and job parameters for a widget instance.
type WidgetSize string

const (
	SizeSmall  WidgetSize = "small"
	SizeMedium WidgetSize = "medium"
	SizeLarge  WidgetSize = "large"
)

// ParseSize maps a size string to a WidgetSize. Unknown strings report
// ok=false and fall back to Medium; the boundary layer decides whether
// that deserves a warning.
func ParseSize(s string) (WidgetSize, bool) {
	switch WidgetSize(s) {
	case SizeSmall, SizeMedium, SizeLarge:
		return WidgetSize(s), true
	}
	return SizeMedium, false
}

// WidgetRecord is the durable record of one placed widget instance.
// Payload is an opaque serialized blob; only the update runner writes it.
type WidgetRecord struct {
	WidgetID    int
	Type        WidgetType
	Size        WidgetSize
	Payload     []byte
	LastUpdated time.Time
}

type StateKind string

const (
	StateInit    StateKind = "init"
	StateLoading StateKind = "loading"
	StateEmpty   StateKind = "empty"
	StateSuccess StateKind = "success"
	StateError   StateKind = "error"
)

// AppWidgetState is the per-widget UI state machine value. Exactly one
// exists per widget id; transitions replace the whole value.
type AppWidgetState struct {
	Kind    StateKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

func InitState() AppWidgetState    { return AppWidgetState{Kind: StateInit} }
func LoadingState() AppWidgetState { return AppWidgetState{Kind: StateLoading} }
func EmptyState() AppWidgetState   { return AppWidgetState{Kind: StateEmpty} }

func SuccessState(payload []byte) AppWidgetState {
	return AppWidgetState{Kind: StateSuccess, Payload: payload}
}

func ErrorState(msg string) AppWidgetState {
	return AppWidgetState{Kind: StateError, Message: msg}
}

// Terminal reports whether no further automatic work happens for the
// job run that produced this state.
func (s AppWidgetState) Terminal() bool {
	switch s.Kind {
	case StateSuccess, StateEmpty, StateError:
		return true
	}
	return false
}

type JobKind string

const (
	JobNewSetup   JobKind = "new_setup"
	JobUpdateOnly JobKind = "update_only"
)

// RefreshJob is one row of the dedup-and-replace queue. At most one row
// exists per widget id; RunToken changes whenever the row is replaced so
// a superseded run can detect that its result no longer matters.
type RefreshJob struct {
	WidgetID    int
	RunToken    string
	Kind        JobKind
	Params      map[string]string
	Attempts    int
	MaxAttempts int
	State       string
	NextRunAt   time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Payload blobs stored in WidgetRecord.Payload, one shape per content kind.

type CalendarPayload struct {
	Year        int    `json:"year"`
	Month       int    `json:"month"`
	TodayDay    int    `json:"today_day"`
	SelectedDay int    `json:"selected_day"`
	AssetPath   string `json:"asset_path,omitempty"`
}

type ClockPayload struct {
	AssetPath string `json:"asset_path"`
}

type PhotoPayload struct {
	Sources []string `json:"sources"`
	Index   int      `json:"index"`
}

type QuotePayload struct {
	Quotes []string `json:"quotes"`
	Index  int      `json:"index"`
}

type WeatherPayload struct {
	Location  string `json:"location"`
	AssetPath string `json:"asset_path,omitempty"`
}

func EncodePayload(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// DecodePayload unmarshals a stored blob. A malformed blob is treated as
// absence of data: ok=false, zero value, no error surfaced.
func DecodePayload[T any](blob []byte) (T, bool) {
	var v T
	if len(blob) == 0 {
		return v, false
	}
	if err := json.Unmarshal(blob, &v); err != nil {
		return v, false
	}
	return v, true
}
