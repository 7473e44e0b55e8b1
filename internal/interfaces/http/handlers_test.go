package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/trip-allowance/internal/application/dispatcher"
	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/application/service"
	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
	"github.com/garyjia/trip-allowance/internal/infrastructure/auth"
	"github.com/garyjia/trip-allowance/internal/infrastructure/export"
	"github.com/garyjia/trip-allowance/internal/infrastructure/persistence/repository"
	"github.com/garyjia/trip-allowance/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/trip-allowance/migrations"
	"github.com/garyjia/trip-allowance/pkg/database"
	"github.com/garyjia/trip-allowance/pkg/utils"
)

var (
	editor = port.AuthContext{UserID: "u-pic", Role: entity.RolePIC}
	viewer = port.AuthContext{UserID: "u-bod", Role: entity.RoleBOD}
)

// failingStore lets a test make every write fail
type failingStore struct {
	port.DocumentStore
	failWrites atomic.Bool
}

func (s *failingStore) SetMerge(ctx context.Context, collection, id string, data map[string]interface{}) error {
	if s.failWrites.Load() {
		return errors.New("permission denied")
	}
	return s.DocumentStore.SetMerge(ctx, collection, id, data)
}

type stubFx struct {
	mid float64
	err error
}

func (s *stubFx) Enabled() bool { return true }

func (s *stubFx) FetchRate(ctx context.Context, date string) (allowance.FxSnapshot, error) {
	if s.err != nil {
		return allowance.FxSnapshot{}, s.err
	}
	return allowance.FxSnapshot{Mid: s.mid, AsOf: date, Source: "stub"}, nil
}

type testEnv struct {
	server *Server
	store  *failingStore
	tokens *auth.JWTProvider
}

func newTestEnv(t *testing.T, fx port.FxProvider) *testEnv {
	t.Helper()

	zl := zap.NewNop()
	logger := utils.NewKVLogger(zl)

	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "trips.db"), MaxOpenConns: 4}, zl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.NewMigrator(db, zl).RunMigrations(migrations.FS))

	events := dispatcher.NewDispatcher(dispatcher.WithLogger(logger))
	t.Cleanup(func() { _ = events.Close() })

	store := &failingStore{DocumentStore: repository.NewDocumentRepository(sqlite.NewDB(db.DB, zl), events, zl)}
	authorizer := auth.NewRoleAuthorizer(nil)
	tokens, err := auth.NewJWTProvider("test-secret", "trip-allowance")
	require.NoError(t, err)

	amounts := service.NewAmountService(store, fx, authorizer, events, logger)
	sessions := service.NewSessionManager(amounts, store, authorizer, logger)
	t.Cleanup(sessions.Shutdown)

	server := NewServer(DefaultServerConfig(), Services{
		Trips:    service.NewTripService(store, logger),
		Amounts:  amounts,
		Sessions: sessions,
		Exporter: export.NewAmountSheet(export.Config{CompanyName: "PT Contoh"}, zl),
	}, tokens, logger)

	require.NoError(t, store.SetMerge(context.Background(), entity.CollectionTrips, "t1", map[string]interface{}{
		"number":                 "TRIP-001",
		"assigned_name":          "Budi",
		"assignment_destination": "Singapore",
		"status_trip_document":   entity.TripStatusApproved,
		"depart_date":            "2024-05-01",
	}))

	return &testEnv{server: server, store: store, tokens: tokens}
}

func (e *testEnv) token(t *testing.T, user port.AuthContext) string {
	t.Helper()
	tok, err := e.tokens.GenerateToken(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path string, user *port.AuthContext, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, *user))
	}

	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && bytes.HasPrefix(bytes.TrimSpace(rec.Body.Bytes()), []byte("{")) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func data(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	d, ok := body["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %v", body)
	return d
}

func literalForm() map[string]interface{} {
	return map[string]interface{}{
		"transport_multiplier":       "1",
		"local_transport_allowance":  "150000",
		"meal_allowance":             "200000",
		"meal_multiplier":            "1",
		"meal_percentage":            "80",
		"pocket_allowance":           "100000",
		"pocket_multiplier":          "1",
		"local_transport_multiplier": "1",
		"local_transport_percentage": "100",
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16000})

	rec, body := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16000})

	rec, _ := env.do(t, http.MethodGet, "/api/trips", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/trips", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	req.Header.Set(HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "req-123", w.Header().Get(HeaderRequestID))

	rec, _ = env.do(t, http.MethodGet, "/api/trips", &viewer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTrips(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16000})

	rec, body := env.do(t, http.MethodGet, "/api/trips/t1", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trip := data(t, body)
	assert.Equal(t, "TRIP-001", trip["number"])
	assert.Equal(t, entity.AmountNotAvailable, trip["availability"])

	rec, _ = env.do(t, http.MethodGet, "/api/trips/missing", &viewer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = env.do(t, http.MethodGet, "/api/trips?status=approved&with_amount=false", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"], 1)

	rec, body = env.do(t, http.MethodGet, "/api/trips?with_amount=true", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["data"])

	rec, _ = env.do(t, http.MethodGet, "/api/trips?limit=abc", &viewer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/trips/t.1/amount", &viewer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed trip id")

	rec, body = env.do(t, http.MethodGet, "/api/trips/summary", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), data(t, body)["without_amount"])
}

func TestPreviewAmount(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16000})

	rec, body := env.do(t, http.MethodPost, "/api/amount/preview", &viewer, literalForm())
	require.Equal(t, http.StatusOK, rec.Code)

	d := data(t, body)
	assert.Equal(t, float64(560000), d["rounded"].(map[string]interface{})["total_approved_amount"])
	assert.Equal(t, "Rp 560.000", d["approved_amount"])
}

func TestCreateAmount(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16000})

	rec, _ := env.do(t, http.MethodPost, "/api/trips/t1/amount", &viewer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := env.do(t, http.MethodPost, "/api/trips/t1/amount", &editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, data(t, body)["has_amount"])

	rec, body = env.do(t, http.MethodGet, "/api/trips/t1", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entity.AmountAvailable, data(t, body)["availability"])
}

func TestLookupFx(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16250})

	rec, body := env.do(t, http.MethodGet, "/api/trips/t1/fx?date=2024-04-30", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fx := data(t, body)["fx"].(map[string]interface{})
	assert.Equal(t, 16250.0, fx["mid"])
	assert.Equal(t, "2024-04-30", fx["as_of"])

	rec, _ = env.do(t, http.MethodGet, "/api/trips/t1/fx?date=30/04/2024", &viewer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLookupFx_FailureIsAWarning(t *testing.T) {
	env := newTestEnv(t, &stubFx{err: errors.New("upstream down")})

	rec, body := env.do(t, http.MethodGet, "/api/trips/t1/fx", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["warning"], "upstream down")
	assert.Equal(t, "2024-05-01", data(t, body)["date"], "date resolves from the trip's departure")
}

func TestSession_EditSaveAndExport(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16000})

	rec, body := env.do(t, http.MethodPost, "/api/trips/t1/session", &editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EDITING", data(t, body)["state"])

	rec, body = env.do(t, http.MethodPatch, "/api/trips/t1/session/form", &editor, literalForm())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(560000), data(t, body)["live"].(map[string]interface{})["total_approved_amount"])

	rec, body = env.do(t, http.MethodPost, "/api/trips/t1/session/save", &editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "VIEWING", data(t, body)["state"])

	rec, body = env.do(t, http.MethodGet, "/api/trips/t1/amount", &viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := data(t, body)
	assert.Equal(t, true, view["has_amount"])
	assert.Equal(t, float64(560000), view["breakdown"].(map[string]interface{})["total_approved_amount"])

	req := httptest.NewRequest(http.MethodGet, "/api/trips/t1/amount/export.xlsx", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, viewer))
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.ContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "allowance-TRIP-001.xlsx")
	assert.NotZero(t, w.Body.Len())
}

func TestSession_SaveFailureReturnsBadGateway(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16000})

	rec, _ := env.do(t, http.MethodPost, "/api/trips/t1/session", &editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodPatch, "/api/trips/t1/session/form", &editor, map[string]interface{}{"pocket_allowance": 123456})
	require.Equal(t, http.StatusOK, rec.Code)

	env.store.failWrites.Store(true)
	rec, body := env.do(t, http.MethodPost, "/api/trips/t1/session/save", &editor, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	view := data(t, body)
	assert.Equal(t, "EDITING", view["state"])
	assert.Equal(t, "123456", view["form"].(map[string]interface{})["pocket_allowance"])
	assert.Contains(t, view["last_error"], "permission denied")

	env.store.failWrites.Store(false)
	rec, body = env.do(t, http.MethodPost, "/api/trips/t1/session/save", &editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "VIEWING", data(t, body)["state"])
}

func TestSession_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16000})

	rec, _ := env.do(t, http.MethodPost, "/api/trips/t1/session", &viewer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "viewers cannot edit")

	rec, _ = env.do(t, http.MethodGet, "/api/trips/t1/session", &editor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no session yet")

	rec, _ = env.do(t, http.MethodPost, "/api/trips/missing/session", &editor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/trips/t1/session", &editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodPatch, "/api/trips/t1/session/form", &editor, map[string]interface{}{"pocket_allowance": "-100"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, body := env.do(t, http.MethodPost, "/api/trips/t1/session/save", &editor, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["error"], allowance.KeyPocketAllowance)

	rec, body = env.do(t, http.MethodPost, "/api/trips/t1/session/cancel", &editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "VIEWING", data(t, body)["state"])

	rec, _ = env.do(t, http.MethodPost, "/api/trips/t1/session/cancel", &editor, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "cancel outside EDITING")

	rec, _ = env.do(t, http.MethodPatch, "/api/trips/t1/session/form", &editor, map[string]interface{}{"meal_allowance": "1"})
	assert.Equal(t, http.StatusConflict, rec.Code, "form edits outside EDITING")

	rec, _ = env.do(t, http.MethodDelete, "/api/trips/t1/session", &editor, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/trips/t1/session", &editor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSession_RefreshFxWarning(t *testing.T) {
	env := newTestEnv(t, &stubFx{err: errors.New("rate limited")})

	rec, _ := env.do(t, http.MethodPost, "/api/trips/t1/session", &editor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Let the lookup started on open finish so it cannot supersede the refresh
	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/api/trips/t1/session", &editor, nil)
		return body["warning"] != nil
	}, time.Second, 5*time.Millisecond)

	rec, body := env.do(t, http.MethodPost, "/api/trips/t1/session/fx", &editor, RefreshFxRequest{Date: "2024-04-30"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["warning"], "rate limited")
	assert.Equal(t, "EDITING", data(t, body)["state"])
}

func TestExportWithoutAmount(t *testing.T) {
	env := newTestEnv(t, &stubFx{mid: 16000})

	rec, _ := env.do(t, http.MethodGet, "/api/trips/t1/amount/export.xlsx", &viewer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{port.ErrNotFound, http.StatusNotFound},
		{service.ErrNoSession, http.StatusNotFound},
		{service.ErrForbidden, http.StatusForbidden},
		{service.ErrInvalidInputs, http.StatusUnprocessableEntity},
		{service.ErrNotEditing, http.StatusConflict},
		{port.ErrInvalidQuery, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
