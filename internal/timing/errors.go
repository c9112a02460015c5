package timing

import "errors"

var (
	ErrInvalidRule    = errors.New("invalid timing rule")
	ErrInvalidCrontab = errors.New("invalid crontab expression")
)
