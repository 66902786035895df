package platform

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"

	"github.com/nerrad567/gray-logic-rules/internal/automation"
	"github.com/nerrad567/gray-logic-rules/internal/item"
)

// Config keys understood by RegisterTrigger.
const (
	keyItemName       = "itemName"
	keyGroupName      = "groupName"
	keyThingUID       = "thingUID"
	keyChannelUID     = "channelUID"
	keyCronExpression = "cronExpression"
	keyPath           = "path"
	keyGlob           = "glob"
	keyEvents         = "events"
	keyTopic          = "topic"
)

// filterKeys are the exact-value restrictions applied before delivery.
var filterKeys = []string{"previousState", "state", "command", "previousStatus", "status", "event"}

// registration is one platform trigger.
type registration struct {
	id      string
	seq     uint64
	typ     string
	target  string
	filters map[string]string
	deliver func(map[string]any)

	// cron triggers
	entry cron.EntryID

	// file watch triggers
	dir    string
	glob   glob.Glob
	events []string
}

// matchState checks an exact state filter. Missing filters match.
func (r *registration) matchState(key string, s item.State) bool {
	want, ok := r.filters[key]
	if !ok {
		return true
	}
	return item.ParseState(want).Equal(s)
}

// matchString checks an exact string filter. Missing filters match.
func (r *registration) matchString(key, value string) bool {
	want, ok := r.filters[key]
	return !ok || want == value
}

// matchFile checks a file event against the watch directory, glob and
// event list.
func (r *registration) matchFile(path, event string) bool {
	if filepath.Dir(path) != r.dir {
		return false
	}
	if r.glob != nil && !r.glob.Match(filepath.Base(path)) {
		return false
	}
	return len(r.events) == 0 || slices.Contains(r.events, event)
}

// targetKey returns the config key naming the target of typ.
func targetKey(typ string) (string, bool) {
	switch typ {
	case automation.TypeItemStateChange, automation.TypeItemStateUpdate, automation.TypeItemCommand:
		return keyItemName, true
	case automation.TypeGroupStateChange, automation.TypeGroupStateUpdate, automation.TypeGroupCommand:
		return keyGroupName, true
	case automation.TypeThingStatusChange, automation.TypeThingStatusUpdate:
		return keyThingUID, true
	case automation.TypeChannelEvent:
		return keyChannelUID, true
	case automation.TypeCron:
		return keyCronExpression, true
	case automation.TypeFileWatch:
		return keyPath, true
	case automation.TypeGenericEvent:
		return keyTopic, true
	}
	return "", false
}

// newRegistration parses a trigger config without checking it against the
// item registry.
func newRegistration(typ string, config map[string]any) (*registration, error) {
	key, ok := targetKey(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTrigger, typ)
	}
	target, err := stringKey(config, key)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, fmt.Errorf("%w: %s requires %s", ErrInvalidTrigger, typ, key)
	}

	reg := &registration{typ: typ, target: target, filters: make(map[string]string)}
	for _, k := range filterKeys {
		v, err := stringKey(config, k)
		if err != nil {
			return nil, err
		}
		if _, set := config[k]; set {
			reg.filters[k] = v
		}
	}

	if typ == automation.TypeFileWatch {
		reg.dir = filepath.Clean(target)
		pattern, err := stringKey(config, keyGlob)
		if err != nil {
			return nil, err
		}
		if pattern != "" {
			if reg.glob, err = glob.Compile(pattern); err != nil {
				return nil, fmt.Errorf("%w: glob %q: %v", ErrInvalidTrigger, pattern, err)
			}
		}
		if reg.events, err = stringsKey(config, keyEvents); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func stringKey(config map[string]any, key string) (string, error) {
	switch v := config[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidTrigger, key, v)
	}
}

func stringsKey(config map[string]any, key string) ([]string, error) {
	switch v := config[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return slices.Clone(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must list strings", ErrInvalidTrigger, key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list, got %T", ErrInvalidTrigger, key, v)
	}
}
