package platform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-rules/internal/automation"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-rules/internal/item"
)

// handleMessage routes a message from one of the core topics. Returned
// errors are logged by the bus client.
func (p *Platform) handleMessage(topic string, payload []byte) error {
	if topic == p.topics.ChannelEvents() {
		msg, err := parseChannelEvent(payload)
		if err != nil {
			return err
		}
		p.TriggerChannel(msg.Channel, msg.Event)
		return nil
	}

	kind, id, suffix, ok := mqtt.ParseCoreTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %s", topic)
	}

	var err error
	switch kind + "/" + suffix {
	case "item/state":
		var value item.State
		if value, err = parseValue(payload); err != nil {
			return fmt.Errorf("item %s state: %w", id, err)
		}
		err = p.PostUpdate(p.ctx, id, value)
	case "item/command":
		var value item.State
		if value, err = parseValue(payload); err != nil {
			return fmt.Errorf("item %s command: %w", id, err)
		}
		err = p.SendCommand(p.ctx, id, value)
	case "thing/status":
		var status item.ThingStatus
		if status, err = item.ParseThingStatus(strings.TrimSpace(string(payload))); err != nil {
			return fmt.Errorf("thing %s: %w", id, err)
		}
		err = p.UpdateThingStatus(p.ctx, id, status)
	default:
		return fmt.Errorf("unexpected topic %s", topic)
	}

	if errors.Is(err, item.ErrItemNotFound) {
		// Bridges publish items that no rule models.
		p.logger.Debug("message for unknown item ignored", "topic", topic)
		return nil
	}
	return err
}

// subscribeTopic subscribes a generic event filter on first use.
func (p *Platform) subscribeTopic(filter string) error {
	p.mu.Lock()
	first := p.topicRefs[filter] == 0
	p.topicRefs[filter]++
	p.mu.Unlock()
	if !first || p.bus == nil {
		return nil
	}

	handler := func(topic string, payload []byte) error {
		regs := p.collect(func(r *registration) bool {
			return r.target == filter
		}, automation.TypeGenericEvent)
		deliverAll(regs, genericPayload(topic, payload))
		return nil
	}
	if err := p.bus.Subscribe(filter, p.qos, handler); err != nil {
		p.mu.Lock()
		p.topicRefs[filter]--
		if p.topicRefs[filter] <= 0 {
			delete(p.topicRefs, filter)
		}
		p.mu.Unlock()
		return fmt.Errorf("%w: subscribing to %s: %w", ErrInvalidTrigger, filter, err)
	}
	return nil
}

// unsubscribeTopic drops a generic event filter with its last trigger.
func (p *Platform) unsubscribeTopic(filter string) {
	p.mu.Lock()
	p.topicRefs[filter]--
	last := p.topicRefs[filter] <= 0
	if last {
		delete(p.topicRefs, filter)
	}
	p.mu.Unlock()

	if !last || p.bus == nil {
		return
	}
	if err := p.bus.Unsubscribe(filter); err != nil {
		p.logger.Warn("unsubscribing generic topic failed", "topic", filter, "error", err)
	}
}
