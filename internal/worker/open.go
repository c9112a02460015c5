package worker

import (
	"context"
	"fmt"
	"strings"

	"jobmaster/internal/jobs"
	logx "jobmaster/pkg/logx"
)

// Driver is a jobs.Supervisor that reports back through a bound Reporter.
type Driver interface {
	jobs.Supervisor
	Bind(r Reporter)
	Close(ctx context.Context) error
	Running() int
}

// Open builds the configured driver. An empty driver name means exec.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverExec:
		return NewExec(cfg, log), nil
	case DriverSystemd:
		d, err := NewSystemd(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown worker driver %q", cfg.Driver)
	}
}
