package platform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-rules/internal/item"
)

// CommandMessage is published to a bridge when a rule commands one of its
// items.
// Topic: graylogic/command/{protocol}/{item}
type CommandMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Item      string    `json:"item"`
	Command   string    `json:"command"`
	Source    string    `json:"source"`
}

// ChannelEventMessage reports a trigger channel event.
// Topic: graylogic/core/channel/event
type ChannelEventMessage struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
}

// parseValue decodes an item state or command payload. Payloads are plain
// platform tokens such as ON, 21.5 or "21.5 °C"; JSON scalars are accepted
// too.
func parseValue(payload []byte) (item.State, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return item.State{}, fmt.Errorf("%w: empty payload", item.ErrInvalidState)
	}
	if raw[0] == '"' || raw == "true" || raw == "false" || raw == "null" {
		var s item.State
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return item.State{}, err
		}
		return s, nil
	}
	return item.ParseState(raw), nil
}

func parseChannelEvent(payload []byte) (ChannelEventMessage, error) {
	var msg ChannelEventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decoding channel event: %w", err)
	}
	if msg.Channel == "" {
		return msg, fmt.Errorf("channel event without channel")
	}
	return msg, nil
}
