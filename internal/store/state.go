package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"widgetflow/internal/domain"
)

// StateStore persists the per-widget state machine and fans transitions out
// to observers. A widget with no row, or an unreadable row, is in Init.
type StateStore struct {
	db *sql.DB

	mu   sync.Mutex
	subs map[int][]chan domain.AppWidgetState
}

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db, subs: make(map[int][]chan domain.AppWidgetState)}
}

func (s *StateStore) Get(ctx context.Context, widgetID int) domain.AppWidgetState {
	row := s.db.QueryRowContext(ctx, `SELECT state FROM widget_state WHERE widget_id=?`, widgetID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err != sql.ErrNoRows {
			log.Warn().Err(err).Int("widget_id", widgetID).Msg("state read failed, degrading to init")
		}
		return domain.InitState()
	}
	var st domain.AppWidgetState
	if err := json.Unmarshal([]byte(blob), &st); err != nil || st.Kind == "" {
		// Corrupt rows degrade to Init rather than crashing the caller.
		log.Warn().Int("widget_id", widgetID).Msg("corrupt state row, degrading to init")
		return domain.InitState()
	}
	return st
}

// Transition atomically replaces the whole state value and notifies
// observers. It is not a merge: the new value is the state.
func (s *StateStore) Transition(ctx context.Context, widgetID int, st domain.AppWidgetState) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO widget_state (widget_id, state, updated_at) VALUES (?,?,CURRENT_TIMESTAMP)
ON CONFLICT(widget_id) DO UPDATE SET state=excluded.state, updated_at=CURRENT_TIMESTAMP
`, widgetID, string(blob))
	if err != nil {
		return err
	}
	s.broadcast(widgetID, st)
	return nil
}

// Delete removes the state row when the widget instance itself is removed.
func (s *StateStore) Delete(ctx context.Context, widgetID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM widget_state WHERE widget_id=?`, widgetID)
	return err
}

// Observe returns a channel that immediately carries the current state and
// then every subsequent transition, plus a cancel func. Slow consumers may
// miss intermediate states; terminal states are sparse enough to get through.
func (s *StateStore) Observe(ctx context.Context, widgetID int) (<-chan domain.AppWidgetState, func()) {
	ch := make(chan domain.AppWidgetState, 16)
	ch <- s.Get(ctx, widgetID)

	s.mu.Lock()
	s.subs[widgetID] = append(s.subs[widgetID], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[widgetID]
		for i, c := range subs {
			if c == ch {
				s.subs[widgetID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}

func (s *StateStore) broadcast(widgetID int, st domain.AppWidgetState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[widgetID] {
		select {
		case ch <- st:
		default:
			// drop rather than block the runner; next transition catches up
		}
	}
}
