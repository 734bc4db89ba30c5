package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"makerspace-backend/config"
	"makerspace-backend/internal/clock"
	"makerspace-backend/internal/coordinator"
	"makerspace-backend/internal/db"
	"makerspace-backend/internal/ingress"
	"makerspace-backend/internal/model"
	"makerspace-backend/internal/store"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	router *gin.Engine
	coord  *coordinator.Coordinator
	clock  *clock.FakeClock
	store  store.Store
	seq    uint64
}

func newTestServer(t *testing.T, wrap ...func(store.Store) store.Store) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gormDB, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))

	var st store.Store = store.NewGormStore(gormDB)
	for _, w := range wrap {
		st = w(st)
	}
	clk := clock.Fake(now)
	cfg := &config.CoordinatorConfig{Location: time.UTC, RetryAttempts: 1, DefaultMaintenanceHours: 100}
	coord := coordinator.New(cfg, st, ingress.NewMemoryDeduper(time.Minute), clk, nil)
	require.NoError(t, coord.Load(context.Background()))

	handler := NewHandler(st, coord, clk, time.UTC, &webpush.Options{VAPIDPublicKey: "test-public-key"})
	router := NewRouter(handler, config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, CacheTTLSeconds: 30})
	return &testServer{t: t, router: router, coord: coord, clock: clk, store: st}
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) tap(endpoint ingress.EndpointKind, endpointID, card string) ingress.Reply {
	s.seq++
	return s.coord.HandleEvent(context.Background(), ingress.Event{
		Endpoint: endpoint, EndpointID: endpointID, Kind: ingress.CardTap, CardUID: card, Sequence: s.seq,
	})
}

func (s *testServer) seed() {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/users", gin.H{
		"id": "u1", "name": "Ada", "surname": "Lovelace", "cardUid": "aa:01",
		"subscriptionExpiry": "2026-12-31", "machineTypes": []string{"laser"},
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(http.MethodPost, "/api/users", gin.H{
		"id": "crew", "name": "Grace", "surname": "Hopper", "role": "crew", "subscriptionExpiry": "2026-12-31",
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(http.MethodPost, "/api/machines", gin.H{"id": "laser-1", "displayName": "Laser", "type": "laser", "maintenanceHours": 1})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRegisterUser(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	var user model.User
	w := s.do(http.MethodPost, "/api/users", gin.H{
		"id": "u2", "name": "Alan", "surname": "Turing", "subscriptionExpiry": "2026-06-30",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	assert.Equal(t, model.RoleMember, user.Role)
	assert.True(t, user.Active)

	testCases := []struct {
		name   string
		body   gin.H
		status int
	}{
		{name: "duplicate id", body: gin.H{"id": "u1", "name": "A", "surname": "B", "subscriptionExpiry": "2026-12-31"}, status: http.StatusConflict},
		{name: "card in use", body: gin.H{"id": "u3", "name": "A", "surname": "B", "cardUid": "AA01", "subscriptionExpiry": "2026-12-31"}, status: http.StatusConflict},
		{name: "missing name", body: gin.H{"id": "u3", "subscriptionExpiry": "2026-12-31"}, status: http.StatusBadRequest},
		{name: "bad expiry", body: gin.H{"id": "u3", "name": "A", "surname": "B", "subscriptionExpiry": "31/12/2026"}, status: http.StatusBadRequest},
		{name: "bad role", body: gin.H{"id": "u3", "name": "A", "surname": "B", "role": "root", "subscriptionExpiry": "2026-12-31"}, status: http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/users", tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestUserCommands(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	w := s.do(http.MethodPut, "/api/users/u1/subscription", gin.H{"expiry": "2027-01-31"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "2027-01-31")

	w = s.do(http.MethodPut, "/api/users/nobody/subscription", gin.H{"expiry": "2027-01-31"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/users/u1/authorizations", gin.H{"machineType": "lathe"})
	require.Equal(t, http.StatusOK, w.Code)
	var user model.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	assert.Len(t, user.Authorizations, 2)

	w = s.do(http.MethodDelete, "/api/users/u1/authorizations/lathe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	assert.Len(t, user.Authorizations, 1)

	w = s.do(http.MethodPut, "/api/users/crew/card", gin.H{"cardUid": "AA01"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodDelete, "/api/users/u1/card", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodPut, "/api/users/crew/card", gin.H{"cardUid": "AA01"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodDelete, "/api/users/crew", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	assert.False(t, user.Active)
}

func TestMachinesAndPresence(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	w := s.do(http.MethodPost, "/api/machines", gin.H{"id": "laser-1", "type": "laser"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = s.do(http.MethodPost, "/api/machines", gin.H{"id": "bad/id", "type": "laser"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, "accept", string(s.tap(ingress.AccessEndpoint, "door", "AA01").Verdict))
	require.Equal(t, "accept", string(s.tap(ingress.MachineEndpoint, "laser-1", "AA01").Verdict))

	w = s.do(http.MethodGet, "/api/presence", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"present":1}`, w.Body.String())

	w = s.do(http.MethodGet, "/api/machines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var machines []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &machines))
	require.Len(t, machines, 1)
	assert.Equal(t, "in_use", machines[0]["status"])
	assert.Equal(t, "u1", machines[0]["ownerId"])
	assert.NotEmpty(t, machines[0]["sessionStartedAt"])

	w = s.do(http.MethodPost, "/api/machines/laser-1/suspend", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"suspended":true`)
	w = s.do(http.MethodPost, "/api/machines/laser-1/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodDelete, "/api/machines/laser-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(http.MethodDelete, "/api/machines/laser-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// gatedStore parks the next Commit until release is closed.
type gatedStore struct {
	store.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Commit(ctx context.Context, tr store.Transition) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Store.Commit(ctx, tr)
}

func TestListMachinesWhileMachineBusy(t *testing.T) {
	gate := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestServer(t, func(st store.Store) store.Store {
		gate.Store = st
		return gate
	})
	s.seed()
	require.Equal(t, "accept", string(s.tap(ingress.AccessEndpoint, "door", "AA01").Verdict))
	require.Equal(t, "accept", string(s.tap(ingress.MachineEndpoint, "laser-1", "AA01").Verdict))

	gate.armed.Store(true)
	stopped := make(chan ingress.Reply, 1)
	go func() {
		stopped <- s.tap(ingress.MachineEndpoint, "laser-1", "AA01")
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("machine tap never reached the store")
	}

	listed := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/machines", nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		listed <- w
	}()
	var w *httptest.ResponseRecorder
	select {
	case w = <-listed:
	case <-time.After(5 * time.Second):
		close(gate.release)
		t.Fatal("listing machines waited for the machine being served")
	}
	require.Equal(t, http.StatusOK, w.Code)
	var machines []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &machines))
	require.Len(t, machines, 1)
	assert.Equal(t, "in_use", machines[0]["status"])
	assert.Equal(t, "u1", machines[0]["ownerId"])
	assert.NotEmpty(t, machines[0]["sessionStartedAt"])

	close(gate.release)
	assert.Equal(t, "accept", string((<-stopped).Verdict))

	w = s.do(http.MethodGet, "/api/machines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &machines))
	assert.Equal(t, "free", machines[0]["status"])
	assert.Nil(t, machines[0]["ownerId"])
	assert.Nil(t, machines[0]["sessionStartedAt"])
}

func TestMaintenanceEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	s.tap(ingress.AccessEndpoint, "door", "AA01")
	s.tap(ingress.MachineEndpoint, "laser-1", "AA01")
	s.clock.Advance(90 * time.Minute)
	s.tap(ingress.MachineEndpoint, "laser-1", "AA01")

	w := s.do(http.MethodPost, "/api/machines/laser-1/maintenance/clear", gin.H{"note": "cleaned"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodPost, "/api/machines/laser-1/maintenance/clear", gin.H{"crewId": "u1", "note": "cleaned"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodPost, "/api/machines/laser-1/maintenance/clear", gin.H{"crewId": "crew", "note": "cleaned"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var intervention model.Intervention
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &intervention))
	assert.Equal(t, int64(5400), intervention.RunSeconds)

	w = s.do(http.MethodGet, "/api/machines/laser-1/interventions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var interventions []model.Intervention
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &interventions))
	require.Len(t, interventions, 1)
	assert.Equal(t, "cleaned", interventions[0].Note)

	w = s.do(http.MethodGet, "/api/users/u1/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"u1","machineSeconds":5400,"machineHours":1.5}`, w.Body.String())

	w = s.do(http.MethodGet, "/api/users/nobody/usage", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogExports(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	s.tap(ingress.AccessEndpoint, "door", "AA01")
	s.tap(ingress.MachineEndpoint, "laser-1", "AA01")
	s.clock.Advance(10 * time.Minute)
	s.tap(ingress.MachineEndpoint, "laser-1", "AA01")
	s.tap(ingress.AccessEndpoint, "door", "FFFF")

	w := s.do(http.MethodGet, "/api/access-log", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var access []model.AccessSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &access))
	require.Len(t, access, 1)
	assert.Equal(t, "door", access[0].EndpointID)

	w = s.do(http.MethodGet, "/api/access-log?from=2026-03-02&to=2026-03-02&format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "access-log.csv")
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"id", "user_id", "endpoint_id", "login_at", "logout_at", "logout_reason"}, records[0])
	assert.Equal(t, "u1", records[1][1])
	assert.Equal(t, "2026-03-02T10:00:00Z", records[1][3])
	assert.Empty(t, records[1][4])

	w = s.do(http.MethodGet, "/api/machines/laser-1/log?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	records, err = csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "600", records[1][6])
	assert.Equal(t, "user", records[1][5])

	w = s.do(http.MethodGet, "/api/audit-log", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audit []model.AuditEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audit))
	reasons := map[string]bool{}
	for _, e := range audit {
		reasons[e.Reason] = true
	}
	assert.True(t, reasons["UnknownCard"])

	w = s.do(http.MethodGet, "/api/access-log?from=2026-03-05&to=2026-03-01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = s.do(http.MethodGet, "/api/access-log?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadsAreCachedUntilWrite(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	w := s.do(http.MethodGet, "/api/machines/laser-1/interventions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = s.do(http.MethodPost, "/api/machines/laser-1/maintenance/clear", gin.H{"crewId": "crew"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/machines/laser-1/interventions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Cache"))
	assert.NotEqual(t, "[]", strings.TrimSpace(w.Body.String()))

	w = s.do(http.MethodGet, "/api/machines/laser-1/interventions", nil)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
}

type unavailableStore struct {
	store.Store
}

func (unavailableStore) CountOpenAccessSessions(context.Context) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func TestStoreUnavailableIs503(t *testing.T) {
	s := newTestServer(t, func(st store.Store) store.Store { return unavailableStore{Store: st} })

	w := s.do(http.MethodGet, "/api/presence", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
