//go:build !sqlite
// +build !sqlite

package storage

import (
	"context"
	"errors"

	logx "jobmaster/pkg/logx"
)

func openSQLite(context.Context, Config, logx.Logger) (Store, error) {
	return nil, errors.New("sqlite storage not built: build with -tags sqlite")
}
