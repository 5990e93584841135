package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/pscheid92/eggstream/internal/domain"
)

const (
	EventData      = "data"
	EventBatchData = "batch_data"
)

// DataMessage is what a direct subscriber receives once per tick.
// Timestamp and Value repeat the newest point so clients that only read the
// top-level sample keep working.
type DataMessage struct {
	Event     string          `json:"event"`
	SensorID  domain.SensorID `json:"sensor_id"`
	Timestamp float64         `json:"timestamp"`
	Value     float64         `json:"value"`
	Points    []domain.Point  `json:"points"`
}

// BatchDataMessage is the single per-tick frame of a global subscriber.
// Keys are decimal sensor ids.
type BatchDataMessage struct {
	Event string                    `json:"event"`
	Data  map[string][]domain.Point `json:"data"`
}

func encodeDirect(id domain.SensorID, points []domain.Point) ([]byte, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("sensor %s: empty batch", id)
	}
	last := points[len(points)-1]
	return json.Marshal(DataMessage{
		Event:     EventData,
		SensorID:  id,
		Timestamp: last.Timestamp,
		Value:     last.Value,
		Points:    points,
	})
}

// encodeGlobal filters batches down to the subscribed set. It returns nil when
// none of the subscribed sensors produced data this tick.
func encodeGlobal(subscribed domain.SensorSet, batches map[domain.SensorID][]domain.Point) ([]byte, error) {
	data := make(map[string][]domain.Point)
	for id := range subscribed {
		if points := batches[id]; len(points) > 0 {
			data[id.String()] = points
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	return json.Marshal(BatchDataMessage{Event: EventBatchData, Data: data})
}
