// Package portal is the ScreenCast xdg-desktop-portal client: it walks
// a caller through CreateSession, SelectSources, Start, and
// OpenPipeWireRemote and hands back the descriptor the capture
// producer needs to attach to the negotiated PipeWire node.
package portal

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"wlcast.dev/capture/internal/apis"
	"wlcast.dev/capture/internal/convert"
	"wlcast.dev/capture/internal/request"
	"wlcast.dev/capture/internal/session"
	"wlcast.dev/capture/internal/wllog"
)

const (
	interfaceName      = apis.CallBaseName + ".ScreenCast"
	createSessionName  = interfaceName + ".CreateSession"
	selectSourcesName  = interfaceName + ".SelectSources"
	startName          = interfaceName + ".Start"
	openPipeWireRemote = interfaceName + ".OpenPipeWireRemote"
)

// SourceType is the ScreenCast "types" bitfield describing what kinds
// of capture sources may be offered to the user.
type SourceType uint32

const (
	SourceTypeMonitor SourceType = 1 << 0
	SourceTypeWindow  SourceType = 1 << 1
	SourceTypeVirtual SourceType = 1 << 2
)

// CursorMode is the ScreenCast "cursor_mode" bitfield from spec.md §6's
// portal contract: hidden, embedded in the frame, or delivered as
// separate metadata alongside each buffer.
type CursorMode uint32

const (
	CursorModeHidden   CursorMode = 1 << 0
	CursorModeEmbedded CursorMode = 1 << 1
	CursorModeMetadata CursorMode = 1 << 2
)

// PersistMode controls whether the compositor may skip the consent
// dialog on a future run using a restore token.
type PersistMode uint32

const (
	PersistModeNone       PersistMode = 0
	PersistModeRunning    PersistMode = 1
	PersistModePersistent PersistMode = 2
)

// Options configures a Session's negotiation. A zero Options offers
// every source type the compositor advertises (monitors only when that
// property cannot be read), with no cursor and no persistence.
type Options struct {
	Types        SourceType
	CursorMode   CursorMode
	PersistMode  PersistMode
	RestoreToken string

	// Multiple allows the user to select more than one source in the
	// portal's picker dialog. This module only ever attaches to the
	// first negotiated stream (see start's comment below), so setting
	// this only changes what the picker UI allows, not how many
	// streams get captured.
	Multiple bool
}

// Handle is the descriptor spec.md §6 requires the portal collaborator
// to hand back: an owned D-Bus connection, the PipeWire socket fd
// ready for pw_context_connect_fd, and the negotiated node id.
type Handle struct {
	Conn         *dbus.Conn
	PipeWireFd   int
	PipeWireNode uint32

	// SessionClosed receives one value if the compositor revokes the
	// screencast session out from under a running capture. It is nil
	// if the Closed signal subscription itself failed, in which case
	// selecting on it simply never fires.
	SessionClosed <-chan *dbus.Signal
}

// Session is a live org.freedesktop.portal.Session object plus the
// bookkeeping needed to tear it down again.
type Session struct {
	path         dbus.ObjectPath
	sessionToken string
}

// Open runs the full CreateSession/SelectSources/Start/
// OpenPipeWireRemote sequence and returns a ready-to-use Handle. A nil
// Handle and nil error mean the user declined the consent dialog; the
// caller should exit cleanly rather than treat that as a failure.
func Open(opts Options) (*Handle, error) {
	opts = clampToCapabilities(opts)

	sess, err := createSession()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	cancelled, err := sess.selectSources(opts)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("select sources: %w", err)
	}
	if cancelled {
		_ = sess.Close()
		return nil, nil
	}

	nodeID, cancelled, err := sess.start()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start: %w", err)
	}
	if cancelled {
		_ = sess.Close()
		return nil, nil
	}

	fd, err := sess.openPipeWireRemote()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("open pipewire remote: %w", err)
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("session bus: %w", err)
	}

	closed, err := session.WatchClosed(sess.path)
	if err != nil {
		wllog.Debugf("portal", "could not watch for session closure: %v", err)
	}

	return &Handle{Conn: conn, PipeWireFd: fd, PipeWireNode: nodeID, SessionClosed: closed}, nil
}

// Close ends the portal session, invalidating its PipeWire node. Must
// run only after the capture producer attached to that node has been
// destroyed (spec.md §4.5's teardown order).
func (h *Session) Close() error {
	return session.Close(h.path)
}

// clampToCapabilities reads the ScreenCast interface's advertised
// version, AvailableSourceTypes, and (on version >= 2) AvailableCursorModes
// properties and narrows opts to what the running compositor actually
// supports, falling back to CursorModeHidden if none of the requested
// modes are available. A property read failure is treated as "older
// compositor, take the request as given" rather than a fatal error.
func clampToCapabilities(opts Options) Options {
	version, err := getPropertyUint32("version")
	if err != nil {
		wllog.Debugf("portal", "could not read ScreenCast version, skipping capability clamp: %v", err)
		return opts
	}

	if available, err := getPropertyUint32("AvailableSourceTypes"); err == nil && available != 0 {
		if opts.Types == 0 {
			opts.Types = SourceType(available)
		} else {
			opts.Types &= SourceType(available)
		}
	}

	if version >= 2 {
		if available, err := getPropertyUint32("AvailableCursorModes"); err == nil {
			opts.CursorMode &= CursorMode(available)
			if opts.CursorMode == 0 {
				opts.CursorMode = CursorModeHidden
			}
		}
	} else {
		opts.CursorMode = 0
	}

	return opts
}

func getPropertyUint32(property string) (uint32, error) {
	value, err := apis.GetProperty(interfaceName, property)
	if err != nil {
		return 0, err
	}
	v, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("%s has unexpected type %T", property, value)
	}
	return v, nil
}

func createSession() (*Session, error) {
	token := "wlcast_session_"
	data := map[string]dbus.Variant{
		"session_handle_token": session.GenerateToken(token),
	}

	result, err := apis.Call(createSessionName, data)
	if err != nil {
		return nil, err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("CreateSession returned unexpected type %T", result)
	}

	status, results, err := request.OnSignalResponse(requestPath)
	if err != nil {
		return nil, err
	}
	if status >= request.Cancelled {
		return nil, nil
	}

	sessionHandle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("CreateSession response missing session_handle")
	}
	sessionPath, ok := sessionHandle.Value().(string)
	if !ok {
		return nil, fmt.Errorf("CreateSession session_handle has unexpected type %T", sessionHandle.Value())
	}

	return &Session{path: dbus.ObjectPath(sessionPath)}, nil
}

func (s *Session) selectSources(opts Options) (cancelled bool, err error) {
	data := map[string]dbus.Variant{
		"handle_token": session.GenerateToken("wlcast_select_"),
	}
	if opts.Types != 0 {
		data["types"] = convert.FromUint32(uint32(opts.Types))
	} else {
		data["types"] = convert.FromUint32(uint32(SourceTypeMonitor))
	}
	if opts.CursorMode != 0 {
		data["cursor_mode"] = convert.FromUint32(uint32(opts.CursorMode))
	}
	if opts.RestoreToken != "" {
		data["restore_token"] = convert.FromString(opts.RestoreToken)
	}
	if opts.PersistMode != 0 {
		data["persist_mode"] = convert.FromUint32(uint32(opts.PersistMode))
	}
	if opts.Multiple {
		data["multiple"] = convert.FromBool(true)
	}

	result, err := apis.Call(selectSourcesName, s.path, data)
	if err != nil {
		return false, err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return false, fmt.Errorf("SelectSources returned unexpected type %T", result)
	}

	status, _, err := request.OnSignalResponse(requestPath)
	if err != nil {
		return false, err
	}
	return status >= request.Cancelled, nil
}

func (s *Session) start() (nodeID uint32, cancelled bool, err error) {
	data := map[string]dbus.Variant{
		"handle_token": session.GenerateToken("wlcast_start_"),
	}

	result, err := apis.Call(startName, s.path, "", data)
	if err != nil {
		return 0, false, err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return 0, false, fmt.Errorf("Start returned unexpected type %T", result)
	}

	status, results, err := request.OnSignalResponse(requestPath)
	if err != nil {
		return 0, false, err
	}
	if status >= request.Cancelled {
		return 0, true, nil
	}

	streamsVariant, ok := results["streams"]
	if !ok {
		return 0, false, fmt.Errorf("Start response missing streams")
	}

	streams, err := parseStreams(streamsVariant.Value())
	if err != nil {
		return 0, false, err
	}
	if len(streams) == 0 {
		return 0, false, fmt.Errorf("Start response contains no streams")
	}

	// Only the first returned stream is attached to, even when Multiple
	// let the user pick more than one source.
	return streams[0], false, nil
}

func parseStreams(value any) ([]uint32, error) {
	var raw []any
	switch v := value.(type) {
	case [][]any:
		for _, e := range v {
			raw = append(raw, any(e))
		}
	case []any:
		raw = v
	default:
		return nil, fmt.Errorf("streams has unexpected type %T", value)
	}

	nodeIDs := make([]uint32, 0, len(raw))
	for _, entry := range raw {
		fields, ok := entry.([]any)
		if !ok || len(fields) < 1 {
			continue
		}
		nodeID, ok := fields[0].(uint32)
		if !ok {
			continue
		}
		nodeIDs = append(nodeIDs, nodeID)
		logStreamSize(fields)
	}
	return nodeIDs, nil
}

// logStreamSize reports the stream's negotiated "size" property, if
// the compositor included one in fields[1]'s properties map. Purely
// diagnostic: the capture producer learns the real negotiated size
// from PipeWire's own format negotiation regardless.
func logStreamSize(fields []any) {
	if len(fields) < 2 {
		return
	}
	props, ok := fields[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	sizeVariant, ok := props["size"]
	if !ok {
		return
	}
	size, err := convert.Int32Pair(sizeVariant.Value())
	if err != nil {
		wllog.Debugf("portal", "stream size property: %v", err)
		return
	}
	wllog.Debugf("portal", "compositor advertises stream size %dx%d", size[0], size[1])
}

func (s *Session) openPipeWireRemote() (int, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return -1, err
	}

	obj := conn.Object(apis.ObjectName, apis.ObjectPath)
	call := obj.Call(openPipeWireRemote, 0, s.path, map[string]dbus.Variant{})
	if call.Err != nil {
		return -1, call.Err
	}

	var fd int
	if err := call.Store(&fd); err != nil {
		return -1, err
	}
	return fd, nil
}
