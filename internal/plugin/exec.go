package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"jobmaster/internal/timing"
)

const defaultExecTimeout = 5 * time.Second

type ExecConfig struct {
	ID      string
	Command string
	Args    []string
	Timeout time.Duration
}

// Exec asks an external command. Exit 0 fires, exit 1 does not, anything else is an error.
// The request is passed as JSON on stdin and in JOBMASTER_* environment variables.
type Exec struct {
	cfg ExecConfig
}

func NewExec(cfg ExecConfig) *Exec {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExecTimeout
	}
	return &Exec{cfg: cfg}
}

type execInput struct {
	Plugin string         `json:"plugin"`
	Event  string         `json:"event"`
	Epoch  int64          `json:"epoch"`
	Local  string         `json:"local"`
	Params map[string]any `json:"params,omitempty"`
}

func (e *Exec) Decide(ctx context.Context, req timing.PluginRequest) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	in, err := json.Marshal(execInput{
		Plugin: req.PluginID,
		Event:  req.EventID,
		Epoch:  req.At.Unix(),
		Local:  req.At.Format(time.RFC3339),
		Params: req.Params,
	})
	if err != nil {
		return false, fmt.Errorf("exec plugin %s: encode request: %w", e.cfg.ID, err)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...)
	cmd.Env = append(os.Environ(),
		"JOBMASTER_PLUGIN="+req.PluginID,
		"JOBMASTER_EVENT="+req.EventID,
		"JOBMASTER_EPOCH="+strconv.FormatInt(req.At.Unix(), 10),
	)
	cmd.Stdin = bytes.NewReader(in)
	err = cmd.Run()
	if err == nil {
		return true, nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 1 {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, fmt.Errorf("exec plugin %s: %w", e.cfg.ID, ctx.Err())
	}
	return false, fmt.Errorf("exec plugin %s: %w", e.cfg.ID, err)
}
