package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the rule service.
const (
	MeasurementRuleFiring = "rule_firing"
	MeasurementTimer      = "rule_timer"
	MeasurementItemState  = "item_state"
)

// WriteRuleFiring records a finished rule firing.
//
//	rule_firing,rule=hall-light-off,rule_set=hall,status=completed tasks=3i,failed=0i,duration_ms=30012i
func (c *Client) WriteRuleFiring(ruleUID, ruleSet, status string, tasks, failed int, duration time.Duration, at time.Time) {
	c.WritePointWithTime(MeasurementRuleFiring,
		map[string]string{
			"rule":     ruleUID,
			"rule_set": ruleSet,
			"status":   status,
		},
		map[string]any{
			"tasks":       tasks,
			"failed":      failed,
			"duration_ms": duration.Milliseconds(),
		},
		at)
}

// WriteTimerEvent records a timer lifecycle event with the number of
// timers still scheduled in the scope.
func (c *Client) WriteTimerEvent(scope, event string, active int, at time.Time) {
	c.WritePointWithTime(MeasurementTimer,
		map[string]string{
			"scope": scope,
			"event": event,
		},
		map[string]any{"active": active},
		at)
}

// WriteItemState records a numeric item state. Non-numeric states are
// written as a string field so switches and contacts can be graphed too.
func (c *Client) WriteItemState(name string, numeric bool, value float64, text string, at time.Time) {
	fields := map[string]any{"state": text}
	if numeric {
		fields = map[string]any{"value": value}
	}
	c.WritePointWithTime(MeasurementItemState, map[string]string{"item": name}, fields, at)
}

// WritePoint writes a point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp. Points are
// dropped while the client is closed.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() || c.writer == nil {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
