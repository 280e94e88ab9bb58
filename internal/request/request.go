// Package request waits on org.freedesktop.portal.Request "Response"
// signals, the pattern every ScreenCast portal call (CreateSession,
// SelectSources, Start) uses to hand back an asynchronous result.
package request

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"wlcast.dev/capture/internal/apis"
)

var ErrUnexpectedResponse = errors.New("unexpected response from dbus")

const (
	interfaceName  = "org.freedesktop.portal.Request"
	responseMember = "Response"
	closeCallName  = interfaceName + ".Close"
)

type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

// Close cancels an in-flight or completed Request object.
func Close(path dbus.ObjectPath) error {
	return apis.CallOnObject(path, closeCallName)
}

// OnSignalResponse blocks for the single "Response" signal a Request
// object at path emits, scoped to that path so concurrent portal calls
// never observe each other's replies.
func OnSignalResponse(path dbus.ObjectPath) (ResponseStatus, map[string]dbus.Variant, error) {
	conn, signal, err := apis.ListenOnSignalWithConn(path, interfaceName, responseMember)
	if err != nil {
		return Ended, nil, err
	}
	defer conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(interfaceName),
		dbus.WithMatchMember(responseMember),
	)

	var response *dbus.Signal
	for {
		s, ok := <-signal
		if !ok || s == nil {
			return Ended, nil, ErrUnexpectedResponse
		}
		if s.Path == path && s.Name == interfaceName+"."+responseMember {
			response = s
			break
		}
	}
	if len(response.Body) != 2 {
		return Ended, nil, ErrUnexpectedResponse
	}

	status, ok := response.Body[0].(ResponseStatus)
	if !ok {
		return Ended, nil, fmt.Errorf("%w: status has type %T", ErrUnexpectedResponse, response.Body[0])
	}
	results, ok := response.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Ended, nil, fmt.Errorf("%w: results has type %T", ErrUnexpectedResponse, response.Body[1])
	}
	return status, results, nil
}
