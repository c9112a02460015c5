package jobs

import "errors"

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNotRunning    = errors.New("job not running")
	ErrEventDisabled = errors.New("event disabled")
	ErrStopped       = errors.New("job manager stopped")
	ErrEventBusy     = errors.New("event already has an active job")
	ErrEventHalted   = errors.New("continuous event halted by manual abort")
)
