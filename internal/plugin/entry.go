package plugin

import "strings"

// EntryKind classifies one exported function in a plugin's returned table.
type EntryKind int

const (
	// KindLifecycle is on_load or on_unload.
	KindLifecycle EntryKind = iota
	// KindEventCallback is one of the transport/BLE event callbacks.
	KindEventCallback
	// KindUserCommand is any other function-valued key.
	KindUserCommand
)

func (k EntryKind) String() string {
	switch k {
	case KindLifecycle:
		return "lifecycle"
	case KindEventCallback:
		return "event"
	case KindUserCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Entry is one classified function entry in a plugin's table.
type Entry struct {
	Name string
	Kind EntryKind
}

// lifecycleNames is the closed set of lifecycle callback names.
var lifecycleNames = map[string]bool{
	"on_load":   true,
	"on_unload": true,
}

// eventCallbackNames is the closed set of event callback names a plugin
// table may export, per the plugin surface in §6.
var eventCallbackNames = map[string]bool{
	"on_serial_send":       true,
	"on_serial_recv":       true,
	"on_serial_connect":    true,
	"on_serial_disconnect": true,
	"on_rtt_send":          true,
	"on_rtt_recv":          true,
	"on_ble_connect":       true,
	"on_ble_disconnect":    true,
	"on_ble_read":          true,
	"on_ble_write":         true,
	"on_ble_write_nowait":  true,
	"on_ble_notify":        true,
	"on_ble_indicate":      true,
	"on_mtu_change":        true,
}

// EventKind identifies which event callback should fire.
type EventKind string

// EventKind values, matching the event callback entry names exactly.
const (
	EventSerialSend       EventKind = "on_serial_send"
	EventSerialRecv       EventKind = "on_serial_recv"
	EventSerialConnect    EventKind = "on_serial_connect"
	EventSerialDisconnect EventKind = "on_serial_disconnect"
	EventRTTSend          EventKind = "on_rtt_send"
	EventRTTRecv          EventKind = "on_rtt_recv"
	EventBLEConnect       EventKind = "on_ble_connect"
	EventBLEDisconnect    EventKind = "on_ble_disconnect"
	EventBLERead          EventKind = "on_ble_read"
	EventBLEWrite         EventKind = "on_ble_write"
	EventBLEWriteNowait   EventKind = "on_ble_write_nowait"
	EventBLENotify        EventKind = "on_ble_notify"
	EventBLEIndicate      EventKind = "on_ble_indicate"
	EventMTUChange        EventKind = "on_mtu_change"
)

// ClassifyEntry classifies a function-valued key from a plugin's table.
// Names beginning with "on_" that are not in the known set are reported as
// unclassified so the caller can log a warning rather than fail the load —
// a typo (e.g. "serial_on_recv") must not be fatal.
func ClassifyEntry(name string) (Entry, bool) {
	if lifecycleNames[name] {
		return Entry{Name: name, Kind: KindLifecycle}, true
	}
	if eventCallbackNames[name] {
		return Entry{Name: name, Kind: KindEventCallback}, true
	}
	if strings.HasPrefix(name, "on_") {
		return Entry{}, false
	}
	return Entry{Name: name, Kind: KindUserCommand}, true
}
