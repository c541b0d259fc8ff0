//go:build !linux

package health

import (
	"context"
	"errors"
)

func querySystemdUnit(context.Context, string) (string, string, error) {
	return "", "", errors.New("systemd is not available on this OS")
}
