// Package worker runs jobs out of process and reports back to the job manager.
//
// Two drivers exist: "exec" starts a local child process per job, "systemd" starts a
// transient unit per job over D-Bus (linux only). Both implement jobs.Supervisor.
package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobmaster/internal/jobs"
)

var (
	ErrNoCommand   = errors.New("job has no command")
	ErrUnknownJob  = errors.New("job is not running on this driver")
	ErrUnsupported = errors.New("worker driver not supported on this platform")
	ErrClosed      = errors.New("worker driver closed")
)

const (
	DriverExec    = "exec"
	DriverSystemd = "systemd"
)

// Reporter receives worker callbacks. *jobs.Manager implements it.
type Reporter interface {
	OnWorkerUpdate(jobID string, u jobs.Update) error
	CompleteJob(jobID string, res jobs.Result) error
	AckAbort(jobID string) error
}

type Config struct {
	Driver      string
	LogDir      string        // per-job output files; empty discards output
	SampleEvery time.Duration // resource sampling interval, default 5s
	KillAfter   time.Duration // SIGKILL after SIGTERM, default 10s
	UnitPrefix  string        // systemd only, default "jobmaster-"
}

func (c Config) withDefaults() Config {
	if c.SampleEvery <= 0 {
		c.SampleEvery = 5 * time.Second
	}
	if c.KillAfter <= 0 {
		c.KillAfter = 10 * time.Second
	}
	if strings.TrimSpace(c.UnitPrefix) == "" {
		c.UnitPrefix = "jobmaster-"
	}
	return c
}

// Command is what a job runs, read from its params.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// CommandOf reads "command", "args", "env" and "dir" from job params.
func CommandOf(j jobs.Job) (Command, error) {
	var c Command
	raw, _ := j.Params["command"].(string)
	if c.Path = strings.TrimSpace(raw); c.Path == "" {
		return c, fmt.Errorf("%w: %s", ErrNoCommand, j.Event)
	}
	switch a := j.Params["args"].(type) {
	case nil:
	case []string:
		c.Args = append(c.Args, a...)
	case []any:
		for i, v := range a {
			s, ok := v.(string)
			if !ok {
				return c, fmt.Errorf("params.args[%d]: want string, got %T", i, v)
			}
			c.Args = append(c.Args, s)
		}
	default:
		return c, fmt.Errorf("params.args: want list, got %T", a)
	}
	if env, ok := j.Params["env"].(map[string]any); ok {
		for k, v := range env {
			c.Env = append(c.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	c.Dir, _ = j.Params["dir"].(string)
	return c, nil
}

func jobEnv(j jobs.Job) []string {
	return []string{
		"JOBMASTER_JOB=" + j.ID,
		"JOBMASTER_EVENT=" + j.Event,
		"JOBMASTER_CATEGORY=" + j.Category,
		"JOBMASTER_SERVER=" + j.Server,
		"JOBMASTER_SOURCE=" + j.Source,
	}
}
