//go:build !linux

package worker

import (
	"context"

	"jobmaster/internal/jobs"
	logx "jobmaster/pkg/logx"
)

type Systemd struct{}

func NewSystemd(context.Context, Config, logx.Logger) (*Systemd, error) {
	return nil, ErrUnsupported
}

func (*Systemd) Bind(Reporter)                          {}
func (*Systemd) Launch(context.Context, jobs.Job) error { return ErrUnsupported }
func (*Systemd) SignalAbort(string) error               { return ErrUnsupported }
func (*Systemd) Close(context.Context) error            { return nil }
func (*Systemd) Running() int                           { return 0 }
