// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package publish maintains a consumer-facing object hierarchy mirroring the
// device sessions: one node per device, each holding its credential list and
// connection properties. Consumers bootstrap with a snapshot and then apply
// change notifications; the publisher guarantees the snapshot and the
// notification stream of one subscription are mutually consistent.
package publish

import (
	"context"
	"sort"
	"sync"
	"time"

	oath "github.com/openoath/oathd"
)

// CredentialNode is the published view of one credential.
type CredentialNode struct {
	Name          string `json:"name"`
	Issuer        string `json:"issuer,omitempty"`
	Account       string `json:"account"`
	Type          string `json:"type"`
	Algorithm     string `json:"algorithm"`
	Digits        int    `json:"digits"`
	Period        int    `json:"period"`
	RequiresTouch bool   `json:"requires_touch"`
}

// DeviceNode is the published view of one device and its credentials.
type DeviceNode struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Model            string           `json:"model"`
	Brand            string           `json:"brand"`
	Serial           uint32           `json:"serial,omitempty"`
	Version          string           `json:"version"`
	State            string           `json:"state"`
	StateMessage     string           `json:"state_message,omitempty"`
	LastSeen         time.Time        `json:"last_seen"`
	RequiresPassword bool             `json:"requires_password"`
	HasValidPassword bool             `json:"has_valid_password"`
	Credentials      []CredentialNode `json:"credentials"`
}

func (n *DeviceNode) clone() DeviceNode {
	out := *n
	out.Credentials = append([]CredentialNode(nil), n.Credentials...)
	return out
}

// Kind classifies a notification.
type Kind int

// Notification kinds.
const (
	KindDeviceAdded Kind = iota + 1
	KindDeviceUpdated
	KindDeviceRemoved
	KindCredentialsChanged
	KindTouchRequested
)

func (k Kind) String() string {
	switch k {
	case KindDeviceAdded:
		return "device_added"
	case KindDeviceUpdated:
		return "device_updated"
	case KindDeviceRemoved:
		return "device_removed"
	case KindCredentialsChanged:
		return "credentials_changed"
	case KindTouchRequested:
		return "touch_requested"
	default:
		return "unknown"
	}
}

// Notification is one hierarchy change. Device carries the node state after
// the change, except for removals where it is the last known state.
type Notification struct {
	Kind     Kind       `json:"kind"`
	DeviceID string     `json:"device_id"`
	Device   DeviceNode `json:"device"`

	// Credential names the credential awaiting touch for KindTouchRequested.
	Credential string `json:"credential,omitempty"`
}

// Subscription is one consumer's notification stream.
type Subscription struct {
	// C delivers notifications in hierarchy order.
	C <-chan Notification

	c       chan Notification
	p       *Publisher
	dropped int
}

// Dropped reports how many notifications were discarded because the consumer
// fell behind. A non-zero value means the consumer should re-snapshot.
func (s *Subscription) Dropped() int {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.dropped
}

// Cancel ends the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if _, ok := s.p.subs[s]; !ok {
		return
	}
	delete(s.p.subs, s)
	close(s.c)
}

// Publisher consumes engine events and maintains the hierarchy. It
// implements the engine's event handler interface; register it with the
// manager's Subscribe.
type Publisher struct {
	mu      sync.Mutex
	devices map[string]*DeviceNode
	subs    map[*Subscription]struct{}
}

// New creates an empty publisher.
func New() *Publisher {
	return &Publisher{
		devices: make(map[string]*DeviceNode),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Snapshot returns the current hierarchy sorted by device id.
func (p *Publisher) Snapshot() []DeviceNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Publisher) snapshotLocked() []DeviceNode {
	out := make([]DeviceNode, 0, len(p.devices))
	for _, n := range p.devices {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns the published node for one device.
func (p *Publisher) Device(id string) (DeviceNode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.devices[id]
	if !ok {
		return DeviceNode{}, false
	}
	return n.clone(), true
}

// Subscribe opens a notification stream and returns it together with a
// snapshot taken at the exact subscription point: every later change appears
// on the stream, every earlier one in the snapshot, nothing in both.
func (p *Publisher) Subscribe(buffer int) (*Subscription, []DeviceNode) {
	if buffer <= 0 {
		buffer = 64
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &Subscription{c: make(chan Notification, buffer), p: p}
	sub.C = sub.c
	p.subs[sub] = struct{}{}
	return sub, p.snapshotLocked()
}

func (p *Publisher) notifyLocked(n Notification) {
	for sub := range p.subs {
		select {
		case sub.c <- n:
		default:
			sub.dropped++
		}
	}
}

// HandleEvent implements the engine's Handler interface.
func (p *Publisher) HandleEvent(_ context.Context, event oath.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.Type == oath.EventDeviceAdded {
		data, ok := event.Data.(oath.DeviceEventData)
		if !ok {
			return
		}
		node := &DeviceNode{
			ID:               data.Device.ID,
			Name:             data.Device.Model,
			Model:            data.Device.Model,
			Brand:            data.Device.Brand.String(),
			Serial:           data.Device.Serial,
			Version:          data.Device.Version.String(),
			State:            oath.StateDisconnected.String(),
			RequiresPassword: data.Device.RequiresPassword,
			Credentials:      []CredentialNode{},
		}
		p.devices[node.ID] = node
		p.notifyLocked(Notification{Kind: KindDeviceAdded, DeviceID: node.ID, Device: node.clone()})
		return
	}

	node, ok := p.devices[event.DeviceID]
	if !ok {
		return
	}

	switch data := event.Data.(type) {
	case oath.DeviceEventData: // removal
		if event.Type != oath.EventDeviceRemoved {
			return
		}
		delete(p.devices, node.ID)
		p.notifyLocked(Notification{Kind: KindDeviceRemoved, DeviceID: node.ID, Device: node.clone()})

	case oath.StateEventData:
		node.State = data.State.String()
		node.StateMessage = data.Message
		p.notifyLocked(Notification{Kind: KindDeviceUpdated, DeviceID: node.ID, Device: node.clone()})

	case oath.RenameEventData:
		node.Name = data.Name
		p.notifyLocked(Notification{Kind: KindDeviceUpdated, DeviceID: node.ID, Device: node.clone()})

	case oath.PasswordEventData:
		node.HasValidPassword = data.Valid
		node.RequiresPassword = data.Required
		p.notifyLocked(Notification{Kind: KindDeviceUpdated, DeviceID: node.ID, Device: node.clone()})

	case oath.LastSeenEventData:
		node.LastSeen = data.LastSeen
		p.notifyLocked(Notification{Kind: KindDeviceUpdated, DeviceID: node.ID, Device: node.clone()})

	case oath.CredentialEventData:
		switch event.Type {
		case oath.EventCredentialsAdded:
			for _, c := range data.Credentials {
				node.upsertCredential(credentialNode(c))
			}
		case oath.EventCredentialsRemoved:
			for _, c := range data.Credentials {
				node.removeCredential(c.Name)
			}
		default:
			return
		}
		p.notifyLocked(Notification{Kind: KindCredentialsChanged, DeviceID: node.ID, Device: node.clone()})

	case oath.TouchEventData:
		p.notifyLocked(Notification{
			Kind:       KindTouchRequested,
			DeviceID:   node.ID,
			Device:     node.clone(),
			Credential: data.CredentialName,
		})
	}
}

func credentialNode(c oath.Credential) CredentialNode {
	return CredentialNode{
		Name:          c.Name,
		Issuer:        c.Issuer,
		Account:       c.Account,
		Type:          c.Type.String(),
		Algorithm:     c.Algorithm.String(),
		Digits:        c.Digits,
		Period:        c.Period,
		RequiresTouch: c.RequiresTouch,
	}
}

func (n *DeviceNode) upsertCredential(c CredentialNode) {
	for i := range n.Credentials {
		if n.Credentials[i].Name == c.Name {
			n.Credentials[i] = c
			return
		}
	}
	n.Credentials = append(n.Credentials, c)
	sort.Slice(n.Credentials, func(i, j int) bool { return n.Credentials[i].Name < n.Credentials[j].Name })
}

func (n *DeviceNode) removeCredential(name string) {
	for i := range n.Credentials {
		if n.Credentials[i].Name == name {
			n.Credentials = append(n.Credentials[:i], n.Credentials[i+1:]...)
			return
		}
	}
}
