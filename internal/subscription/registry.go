package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/eggstream/internal/domain"
)

// MaxGlobalSensors bounds the sensor set of one global connection.
const MaxGlobalSensors = 128

var (
	ErrTooManySensors    = errors.New("too many sensors in subscription")
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrUnknownConnection = errors.New("connection not registered")
	ErrNotGlobal         = errors.New("connection is not a global subscriber")
)

type entry struct {
	conn domain.Connection
	sub  domain.Subscription
}

// Registry owns the sensor -> connections routing tables.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	direct  map[domain.SensorID]map[string]domain.Connection
	onPrune func(conn domain.Connection, err error)
}

type Option func(*Registry)

// WithPruneHook is called, outside the lock, for every connection removed
// because its send failed.
func WithPruneHook(fn func(conn domain.Connection, err error)) Option {
	return func(r *Registry) { r.onPrune = fn }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		direct:  make(map[domain.SensorID]map[string]domain.Connection),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ConnectDirect registers a connection bound to a single sensor.
func (r *Registry) ConnectDirect(conn domain.Connection, sensorID domain.SensorID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[conn.ID()]; exists {
		return fmt.Errorf("connect direct %s: %w", conn.ID(), ErrAlreadyRegistered)
	}

	r.entries[conn.ID()] = &entry{conn: conn, sub: domain.Direct{SensorID: sensorID}}
	conns, ok := r.direct[sensorID]
	if !ok {
		conns = make(map[string]domain.Connection)
		r.direct[sensorID] = conns
	}
	conns[conn.ID()] = conn
	return nil
}

// ConnectGlobal registers a connection with an empty subscription set.
func (r *Registry) ConnectGlobal(conn domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[conn.ID()]; exists {
		return fmt.Errorf("connect global %s: %w", conn.ID(), ErrAlreadyRegistered)
	}
	r.entries[conn.ID()] = &entry{conn: conn, sub: domain.Global{Sensors: domain.NewSensorSet()}}
	return nil
}

// Disconnect removes the connection from whichever table holds it.
// Reports whether the connection was registered.
func (r *Registry) Disconnect(conn domain.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(conn.ID())
}

func (r *Registry) removeLocked(id string) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	delete(r.entries, id)

	if d, isDirect := e.sub.(domain.Direct); isDirect {
		if conns, ok := r.direct[d.SensorID]; ok {
			delete(conns, id)
			if len(conns) == 0 {
				delete(r.direct, d.SensorID)
			}
		}
	}
	return true
}

// UpdateGlobalSubscription replaces the sensor set of a global connection.
// A set larger than MaxGlobalSensors is rejected and the old set is kept.
func (r *Registry) UpdateGlobalSubscription(conn domain.Connection, sensorIDs []domain.SensorID) error {
	sensors := domain.NewSensorSet(sensorIDs...)
	if len(sensors) > MaxGlobalSensors {
		return fmt.Errorf("update subscription %s: %d sensors: %w", conn.ID(), len(sensors), ErrTooManySensors)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[conn.ID()]
	if !ok {
		return fmt.Errorf("update subscription %s: %w", conn.ID(), ErrUnknownConnection)
	}
	if _, isGlobal := e.sub.(domain.Global); !isGlobal {
		return fmt.Errorf("update subscription %s: %w", conn.ID(), ErrNotGlobal)
	}

	e.sub = domain.Global{Sensors: sensors}
	return nil
}

// Subscription returns the current routing mode of a connection.
func (r *Registry) Subscription(conn domain.Connection) (domain.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[conn.ID()]
	if !ok {
		return nil, false
	}
	if g, isGlobal := e.sub.(domain.Global); isGlobal {
		return domain.Global{Sensors: g.Sensors.Clone()}, true
	}
	return e.sub, true
}

// ResolveTargets returns the direct subscribers of a sensor and the global
// connections whose set currently contains it.
func (r *Registry) ResolveTargets(sensorID domain.SensorID) (direct, global []domain.Connection) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.direct[sensorID] {
		direct = append(direct, conn)
	}
	for _, e := range r.entries {
		if g, isGlobal := e.sub.(domain.Global); isGlobal && g.Sensors.Contains(sensorID) {
			global = append(global, e.conn)
		}
	}
	return direct, global
}

// GlobalSubscriber is a snapshot of one global connection.
type GlobalSubscriber struct {
	Conn    domain.Connection
	Sensors domain.SensorSet
}

// GlobalSubscriptions snapshots every global connection with a copy of its set.
func (r *Registry) GlobalSubscriptions() []GlobalSubscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]GlobalSubscriber, 0, len(r.entries)-r.directCountLocked())
	for _, e := range r.entries {
		if g, isGlobal := e.sub.(domain.Global); isGlobal {
			out = append(out, GlobalSubscriber{Conn: e.conn, Sensors: g.Sensors.Clone()})
		}
	}
	return out
}

// Sensors returns the union of every sensor referenced by a direct
// connection or by any global subscription set.
func (r *Registry) Sensors() domain.SensorSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(domain.SensorSet, len(r.direct))
	for id := range r.direct {
		set[id] = struct{}{}
	}
	for _, e := range r.entries {
		if g, isGlobal := e.sub.(domain.Global); isGlobal {
			for id := range g.Sensors {
				set[id] = struct{}{}
			}
		}
	}
	return set
}

// Stats holds registry counts.
type Stats struct {
	Direct int
	Global int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	direct := r.directCountLocked()
	return Stats{Direct: direct, Global: len(r.entries) - direct}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) directCountLocked() int {
	n := 0
	for _, conns := range r.direct {
		n += len(conns)
	}
	return n
}

// Delivery is one payload addressed to one connection.
type Delivery struct {
	Conn    domain.Connection
	Payload []byte
}

// Failure records a connection that was pruned after a failed send.
type Failure struct {
	Conn domain.Connection
	Err  error
}

// Deliver attempts every delivery concurrently, waits for all of them, then
// removes the connections whose send failed.
func (r *Registry) Deliver(ctx context.Context, deliveries []Delivery) []Failure {
	if len(deliveries) == 0 {
		return nil
	}

	errs := make([]error, len(deliveries))
	var wg sync.WaitGroup
	for i, d := range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = send(d)
		}()
	}
	wg.Wait()

	var failures []Failure
	for i, err := range errs {
		if err != nil {
			failures = append(failures, Failure{Conn: deliveries[i].Conn, Err: err})
		}
	}
	r.prune(ctx, failures)
	return failures
}

// BroadcastDirect sends payload to every direct subscriber of sensorID and
// prunes the ones that fail.
func (r *Registry) BroadcastDirect(ctx context.Context, sensorID domain.SensorID, payload []byte) []Failure {
	direct, _ := r.ResolveTargets(sensorID)

	deliveries := make([]Delivery, len(direct))
	for i, conn := range direct {
		deliveries[i] = Delivery{Conn: conn, Payload: payload}
	}
	return r.Deliver(ctx, deliveries)
}

func send(d Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return d.Conn.Send(d.Payload)
}

func (r *Registry) prune(ctx context.Context, failures []Failure) {
	if len(failures) == 0 {
		return
	}

	removed := make([]Failure, 0, len(failures))
	r.mu.Lock()
	for _, f := range failures {
		if r.removeLocked(f.Conn.ID()) {
			removed = append(removed, f)
		}
	}
	r.mu.Unlock()

	for _, f := range removed {
		slog.DebugContext(ctx, "Pruned connection after failed send", "connection_id", f.Conn.ID(), "error", f.Err)
		if r.onPrune != nil {
			r.onPrune(f.Conn, f.Err)
		}
	}
}
