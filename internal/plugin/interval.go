package plugin

import (
	"context"
	"fmt"

	"jobmaster/internal/timing"
)

// decideInterval fires every "minutes" minutes counted from "anchor" (unix seconds, default 0).
func decideInterval(_ context.Context, req timing.PluginRequest) (bool, error) {
	every, err := intParam(req.Params, "minutes")
	if err != nil {
		return false, err
	}
	if every <= 0 {
		return false, fmt.Errorf("interval: minutes must be positive")
	}
	anchor, _ := intParam(req.Params, "anchor")
	at := timing.MinuteFloor(req.At)
	if at < anchor {
		return false, nil
	}
	return ((at-anchor)/60)%every == 0, nil
}

// intParam reads an integer param. JSON numbers arrive as float64.
func intParam(p map[string]any, key string) (int64, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("param %q missing", key)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("param %q: want number, got %T", key, v)
}
