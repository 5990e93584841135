package websocket

import (
	"encoding/json"

	"github.com/pscheid92/eggstream/internal/domain"
)

const defaultTimeRange = 60

type connectedDirect struct {
	Event      string          `json:"event"`
	SensorID   domain.SensorID `json:"sensor_id"`
	SensorName string          `json:"sensor_name"`
	DataRate   float64         `json:"data_rate"`
}

type connectedGlobal struct {
	Event string `json:"event"`
}

// controlMessage is any client frame. Unknown types are ignored.
type controlMessage struct {
	Type      string            `json:"type"`
	SensorIDs []domain.SensorID `json:"sensor_ids"`
	TimeRange *float64          `json:"time_range"`
}

type pong struct {
	Type string `json:"type"`
}

type subscriptionUpdated struct {
	Type      string            `json:"type"`
	SensorIDs []domain.SensorID `json:"sensor_ids"`
	TimeRange float64           `json:"time_range"`
}

func encode(v any) []byte {
	// Every type in this file marshals without error.
	b, _ := json.Marshal(v)
	return b
}

func directAck(s domain.Sensor) []byte {
	return encode(connectedDirect{Event: "connected", SensorID: s.ID, SensorName: s.Name, DataRate: s.DataRate})
}

func globalAck() []byte {
	return encode(connectedGlobal{Event: "connected"})
}
