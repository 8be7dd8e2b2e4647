// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package oath

import (
	"context"
	"sync"
	"time"
)

// EventType represents the type of a device lifecycle or catalog event.
type EventType int

const (
	// EventUnknown - unknown event type
	EventUnknown EventType = iota

	// EventDeviceAdded indicates a device was observed for the first time
	EventDeviceAdded
	// EventDeviceRemoved indicates a device was explicitly forgotten
	EventDeviceRemoved
	// EventStateChanged indicates a session state transition
	EventStateChanged
	// EventDeviceRenamed indicates the published device name changed
	EventDeviceRenamed
	// EventPasswordValidity indicates the stored-password-valid flag changed
	EventPasswordValidity
	// EventLastSeen indicates the device's last-seen timestamp advanced
	EventLastSeen
	// EventCredentialsAdded indicates credentials appeared in a refresh diff
	EventCredentialsAdded
	// EventCredentialsRemoved indicates credentials vanished in a refresh diff
	EventCredentialsRemoved
	// EventTouchRequested indicates an operation is waiting on physical touch
	EventTouchRequested
)

// String returns a human-readable description of the event type.
func (e EventType) String() string {
	return eventTypeNames[e]
}

var eventTypeNames = map[EventType]string{
	EventUnknown:            "Unknown Event",
	EventDeviceAdded:        "Device Added",
	EventDeviceRemoved:      "Device Removed",
	EventStateChanged:       "State Changed",
	EventDeviceRenamed:      "Device Renamed",
	EventPasswordValidity:   "Password Validity Changed",
	EventLastSeen:           "Last Seen Changed",
	EventCredentialsAdded:   "Credentials Added",
	EventCredentialsRemoved: "Credentials Removed",
	EventTouchRequested:     "Touch Requested",
}

// Event is one notification about a device or its credentials.
type Event struct {
	// Type of the event
	Type EventType

	// Timestamp when the event occurred
	Timestamp time.Time

	// DeviceID is the stable published id of the device involved
	DeviceID string

	// Additional type-specific data
	Data EventData
}

// EventData contains type-specific event data.
type EventData interface {
	eventData()
}

// DeviceEventData accompanies device added events.
type DeviceEventData struct {
	Device Device
}

func (DeviceEventData) eventData() {}

// StateEventData accompanies state transition events.
type StateEventData struct {
	State   SessionState
	Message string
}

func (StateEventData) eventData() {}

// RenameEventData accompanies device rename events.
type RenameEventData struct {
	Name string
}

func (RenameEventData) eventData() {}

// PasswordEventData accompanies password validity events.
type PasswordEventData struct {
	Valid    bool
	Required bool
}

func (PasswordEventData) eventData() {}

// LastSeenEventData accompanies last-seen events.
type LastSeenEventData struct {
	LastSeen time.Time
}

func (LastSeenEventData) eventData() {}

// CredentialEventData accompanies credential add/remove events.
type CredentialEventData struct {
	Credentials []Credential
}

func (CredentialEventData) eventData() {}

// TouchEventData accompanies touch request events.
type TouchEventData struct {
	CredentialName string
}

func (TouchEventData) eventData() {}

// Handler is the interface consumers implement to receive events.
// Delivery is ordered: a handler sees diff events in the order the catalog
// produced them, which snapshot-plus-diff consumers depend on.
type Handler interface {
	HandleEvent(ctx context.Context, event Event)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event Event)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// dispatcher delivers events to subscribed handlers on a single goroutine so
// ordering is preserved, keeping slow device operations off the delivery
// path (emitters only enqueue).
type dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool

	queue chan Event
	done  chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		queue: make(chan Event, 256),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	for event := range d.queue {
		d.mu.RLock()
		handlers := make([]Handler, len(d.handlers))
		copy(handlers, d.handlers)
		d.mu.RUnlock()

		for _, h := range handlers {
			func() {
				// A panicking handler must not take down device sessions.
				defer func() { _ = recover() }()
				h.HandleEvent(context.Background(), event)
			}()
		}
	}
	close(d.done)
}

func (d *dispatcher) subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// emit enqueues an event. Emits racing close are dropped rather than sent on
// a closed channel; the send happens under the read lock, so close cannot
// tear down the queue mid-send.
func (d *dispatcher) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.queue <- event
}

func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.queue)
	<-d.done
}
