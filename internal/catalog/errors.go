package catalog

import "errors"

var (
	ErrInvalidServer   = errors.New("invalid server")
	ErrInvalidGroup    = errors.New("invalid group")
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrInvalidLimit    = errors.New("invalid limit")
	ErrInvalidAction   = errors.New("invalid action")
	ErrDuplicateID     = errors.New("duplicate id")
	ErrEventNotFound   = errors.New("event not found")
)
