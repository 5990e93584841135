package httpserver

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/eggstream/internal/domain"
	"github.com/pscheid92/eggstream/internal/platform/config"
)

// --- Mock implementations ---

type mockSensorService struct {
	mu      sync.Mutex
	sensors map[domain.SensorID]domain.Sensor
	nextID  domain.SensorID
	lastPg  domain.Page
	err     error
}

func newMockSensorService(sensors ...domain.Sensor) *mockSensorService {
	m := &mockSensorService{sensors: make(map[domain.SensorID]domain.Sensor), nextID: 100}
	for _, s := range sensors {
		m.sensors[s.ID] = s
	}
	return m
}

func (m *mockSensorService) List(_ context.Context, page domain.Page) ([]domain.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPg = page
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Sensor
	for _, s := range m.sensors {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b domain.Sensor) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *mockSensorService) Get(_ context.Context, id domain.SensorID) (*domain.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.sensors[id]
	if !ok {
		return nil, domain.ErrSensorNotFound
	}
	return &s, nil
}

func (m *mockSensorService) Create(_ context.Context, in domain.NewSensor) (*domain.Sensor, error) {
	in, err := in.Normalize()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sensors {
		if s.Name == in.Name {
			return nil, domain.ErrDuplicateName
		}
	}
	s := domain.Sensor{ID: m.nextID, Name: in.Name, DataRate: in.DataRate}
	m.sensors[s.ID] = s
	m.nextID++
	return &s, nil
}

func (m *mockSensorService) Update(_ context.Context, id domain.SensorID, patch domain.SensorPatch) (*domain.Sensor, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[id]
	if !ok {
		return nil, domain.ErrSensorNotFound
	}
	if patch.Name != nil {
		s.Name = *patch.Name
	}
	if patch.DataRate != nil {
		s.DataRate = *patch.DataRate
	}
	m.sensors[id] = s
	return &s, nil
}

func (m *mockSensorService) Delete(_ context.Context, id domain.SensorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sensors[id]; !ok {
		return domain.ErrSensorNotFound
	}
	delete(m.sensors, id)
	return nil
}

func (m *mockSensorService) StartMock(ctx context.Context, id domain.SensorID) (*domain.Sensor, error) {
	return m.setActive(id, true)
}

func (m *mockSensorService) StopMock(ctx context.Context, id domain.SensorID) (*domain.Sensor, error) {
	return m.setActive(id, false)
}

func (m *mockSensorService) setActive(id domain.SensorID, active bool) (*domain.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[id]
	if !ok {
		return nil, domain.ErrSensorNotFound
	}
	s.IsActive = active
	m.sensors[id] = s
	return &s, nil
}

var errLookupFailed = errors.New("connection reset by peer")

// stubHub acknowledges with a fixed frame and holds the socket until the peer
// closes it.
type stubHub struct {
	mu      sync.Mutex
	direct  []domain.SensorID
	global  int
	started chan struct{}
}

func newStubHub() *stubHub {
	return &stubHub{started: make(chan struct{}, 16)}
}

func (h *stubHub) ServeDirect(_ context.Context, conn *websocket.Conn, sensor domain.Sensor) {
	h.mu.Lock()
	h.direct = append(h.direct, sensor.ID)
	h.mu.Unlock()
	h.hold(conn, `{"event":"connected","sensor_id":`+sensor.ID.String()+`}`)
}

func (h *stubHub) ServeGlobal(_ context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	h.global++
	h.mu.Unlock()
	h.hold(conn, `{"event":"connected"}`)
}

func (h *stubHub) hold(conn *websocket.Conn, ack string) {
	defer conn.Close()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(ack))
	h.started <- struct{}{}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type serverOption func(*serverDeps)

type serverDeps struct {
	cfg          *config.Config
	hub          streamHub
	obs          Observability
	healthChecks []HealthCheck
}

func withHealthChecks(checks ...HealthCheck) serverOption {
	return func(d *serverDeps) { d.healthChecks = checks }
}

func withConfig(mutate func(*config.Config)) serverOption {
	return func(d *serverDeps) { mutate(d.cfg) }
}

func withHub(hub streamHub) serverOption {
	return func(d *serverDeps) { d.hub = hub }
}

func withObservability(obs Observability) serverOption {
	return func(d *serverDeps) { d.obs = obs }
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "test",
		Port:                    "0",
		AllowedOrigins:          []string{"*"},
		APIRateLimit:            1000,
		APIRateBurst:            1000,
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     100,
	}
}

func newTestServer(t *testing.T, sensors sensorService, opts ...serverOption) *Server {
	t.Helper()
	deps := &serverDeps{cfg: testConfig(), hub: newStubHub()}
	for _, opt := range opts {
		opt(deps)
	}
	return NewServer(deps.cfg, sensors, deps.hub, deps.obs, deps.healthChecks)
}

func doRequest(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = testRemoteAddr
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}
