// Package session closes and tokens org.freedesktop.portal.Session
// objects on behalf of the ScreenCast portal client.
package session

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"wlcast.dev/capture/internal/apis"
	"wlcast.dev/capture/internal/convert"
)

const (
	interfaceName = "org.freedesktop.portal.Session"
	closeCallName = interfaceName + ".Close"
	closedSignal  = "Closed"
)

// Close ends the portal session at path, invalidating its PipeWire
// node.
func Close(path dbus.ObjectPath) error {
	return apis.CallOnObject(path, closeCallName)
}

// WatchClosed subscribes to the session's Closed signal, which the
// compositor emits if the user revokes screencast access out from
// under a running capture. The returned channel receives one value
// when that happens.
func WatchClosed(path dbus.ObjectPath) (<-chan *dbus.Signal, error) {
	return apis.ListenOnSignal(path, interfaceName, closedSignal)
}

// GenerateToken returns a fresh session/request handle token. The
// compositor uses this value as the last element of the Request/
// Session D-Bus object path, whose grammar only allows
// [A-Za-z0-9_] — so the UUIDv4's hyphens are stripped rather than
// carried into the token.
func GenerateToken(prefix string) dbus.Variant {
	return convert.FromString(prefix + strings.ReplaceAll(uuid.New().String(), "-", ""))
}
