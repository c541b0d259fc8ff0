//go:build linux

package health

import (
	"context"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

func querySystemdUnit(ctx context.Context, unit string) (active, sub string, err error) {
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return "", "", err
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return "", "", err
	}
	active, _ = props["ActiveState"].(string)
	sub, _ = props["SubState"].(string)
	if load, _ := props["LoadState"].(string); load == "not-found" {
		return "", "", errUnitNotFound
	}
	return active, sub, nil
}
