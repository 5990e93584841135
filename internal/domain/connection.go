package domain

import "slices"

// Connection is a live subscriber sink. Send must not block on the peer:
// it either hands the payload to the transport or reports failure.
type Connection interface {
	ID() string
	Send(payload []byte) error
}

// Subscription is the routing mode of a connection: Direct or Global.
type Subscription interface {
	isSubscription()
}

// Direct binds a connection to exactly one sensor for its lifetime.
type Direct struct {
	SensorID SensorID
}

// Global carries a mutable set of sensors chosen by the client.
type Global struct {
	Sensors SensorSet
}

func (Direct) isSubscription() {}
func (Global) isSubscription() {}

// SensorSet is an unordered set of sensor ids.
type SensorSet map[SensorID]struct{}

func NewSensorSet(ids ...SensorID) SensorSet {
	set := make(SensorSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s SensorSet) Contains(id SensorID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s SensorSet) Sorted() []SensorID {
	ids := make([]SensorID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s SensorSet) Clone() SensorSet {
	out := make(SensorSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}
