package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"widgetflow/internal/calendar"
	"widgetflow/internal/domain"
	"widgetflow/internal/queue"
	"widgetflow/internal/scheduler"
	"widgetflow/internal/store"
)

func setupTestServer(t *testing.T) (http.Handler, queue.Repository) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	repo := queue.NewSQLiteRepo(db)
	widgets := store.NewWidgetStore(db)
	states := store.NewStateStore(db)
	sched := scheduler.New(repo, widgets, states, queue.DefaultRotationCron)
	return NewServer(sched, widgets, states, calendar.SystemClock{}), repo
}

func TestSetupWidgetEndpoint(t *testing.T) {
	srv, repo := setupTestServer(t)

	body := `{"id":7,"type":"CALENDAR_1","size":"medium","params":{}}`
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/widgets", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	job, err := repo.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, domain.JobNewSetup, job.Kind)

	// the record is readable immediately, before any job ran
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("GET", "/api/widgets/7", nil))
	require.Equal(t, 200, rr.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "CALENDAR_1", got["type"])
	assert.Equal(t, "medium", got["size"])
}

func TestSetupWidgetLegacyTypeAndBadSize(t *testing.T) {
	srv, _ := setupTestServer(t)

	// legacy short form decodes to the canonical default; bad size falls
	// back to medium instead of failing the setup
	body := `{"id":3,"type":"WEATHER","size":"enormous"}`
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/widgets", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "WEATHER_1", got["type"])
	assert.Equal(t, "medium", got["size"])
}

func TestSetupWidgetRejectsUnknownType(t *testing.T) {
	srv, _ := setupTestServer(t)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/widgets",
		strings.NewReader(`{"id":1,"type":"garbage"}`)))
	assert.Equal(t, 400, rr.Code)
}

func TestStateEndpointDefaultsToInit(t *testing.T) {
	srv, _ := setupTestServer(t)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("GET", "/api/widgets/99/state", nil))
	require.Equal(t, 200, rr.Code)

	var st domain.AppWidgetState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, domain.StateInit, st.Kind)
}

func TestRefreshAndDelete(t *testing.T) {
	srv, repo := setupTestServer(t)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/widgets",
		strings.NewReader(`{"id":5,"type":"PHOTO","size":"small","params":{"sources":"a.jpg"}}`)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/widgets/5/refresh", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("DELETE", "/api/widgets/5", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	_, err := repo.Get(context.Background(), 5)
	assert.Error(t, err, "delete clears the job row")

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("GET", "/api/widgets/5", nil))
	assert.Equal(t, 404, rr.Code)
}

func TestRedrawAllEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	for _, body := range []string{
		`{"id":1,"type":"CALENDAR_1","size":"small"}`,
		`{"id":2,"type":"CALENDAR_5","size":"small"}`,
	} {
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/widgets", strings.NewReader(body)))
		require.Equal(t, http.StatusAccepted, rr.Code)
	}

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/redraw-all?type=CALENDAR", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)
	var got map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 2, got["enqueued"])
}

func TestCalendarGridEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("GET", "/api/calendar/2024/2", nil))
	require.Equal(t, 200, rr.Code)

	var got struct {
		Year  int                   `json:"year"`
		Month int                   `json:"month"`
		Days  int                   `json:"days"`
		Grid  [][]calendar.GridCell `json:"grid"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 29, got.Days)
	require.Len(t, got.Grid, calendar.GridRows)
	require.Len(t, got.Grid[0], calendar.GridCols)

	// boundary validation guards the pure engine
	for _, path := range []string{"/api/calendar/2024/13", "/api/calendar/2024/0", "/api/calendar/0/5", "/api/calendar/20000/5"} {
		rr = httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, 400, rr.Code, path)
	}
}

func TestTypesEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("GET", "/api/types", nil))
	require.Equal(t, 200, rr.Code)

	var got struct {
		Types  []string `json:"types"`
		Picker []string `json:"picker"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Len(t, got.Types, len(domain.AllTypes()))
	assert.NotContains(t, got.Picker, "NONE")
}

func TestHealth(t *testing.T) {
	srv, _ := setupTestServer(t)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rr.Code)
}
