// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package publish

import (
	"context"
	"testing"
	"time"

	oath "github.com/openoath/oathd"
	"github.com/openoath/oathd/otp"
)

var ctx = context.Background()

func testDevice(id string) oath.Device {
	return oath.Device{
		ID:      id,
		Brand:   oath.BrandYubiKey,
		Model:   "YubiKey 5 (5.4.3)",
		Version: oath.Version{Major: 5, Minor: 4, Patch: 3},
	}
}

func testCredential(name string) oath.Credential {
	issuer, account := oath.SplitName(name)
	return oath.Credential{
		Name:      name,
		Issuer:    issuer,
		Account:   account,
		Type:      oath.TOTP,
		Algorithm: otp.SHA1,
		Digits:    6,
		Period:    30,
	}
}

func addDevice(p *Publisher, id string) {
	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventDeviceAdded,
		DeviceID: id,
		Data:     oath.DeviceEventData{Device: testDevice(id)},
	})
}

func TestDeviceLifecycle(t *testing.T) {
	p := New()
	sub, snapshot := p.Subscribe(16)
	if len(snapshot) != 0 {
		t.Fatalf("initial snapshot = %v", snapshot)
	}

	addDevice(p, "123")
	n := <-sub.C
	if n.Kind != KindDeviceAdded || n.DeviceID != "123" {
		t.Fatalf("notification = %+v", n)
	}
	if n.Device.State != "disconnected" || n.Device.Name != "YubiKey 5 (5.4.3)" {
		t.Errorf("node = %+v", n.Device)
	}

	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventStateChanged,
		DeviceID: "123",
		Data:     oath.StateEventData{State: oath.StateReady},
	})
	n = <-sub.C
	if n.Kind != KindDeviceUpdated || n.Device.State != "ready" {
		t.Fatalf("after state change: %+v", n)
	}

	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventDeviceRemoved,
		DeviceID: "123",
		Data:     oath.DeviceEventData{Device: testDevice("123")},
	})
	n = <-sub.C
	if n.Kind != KindDeviceRemoved {
		t.Fatalf("after removal: %+v", n)
	}
	if len(p.Snapshot()) != 0 {
		t.Error("node survived removal")
	}
}

func TestCredentialDiffApplication(t *testing.T) {
	p := New()
	addDevice(p, "123")

	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventCredentialsAdded,
		DeviceID: "123",
		Data: oath.CredentialEventData{Credentials: []oath.Credential{
			testCredential("github:alice"),
			testCredential("aws:bob"),
		}},
	})

	node, ok := p.Device("123")
	if !ok {
		t.Fatal("device missing")
	}
	if len(node.Credentials) != 2 {
		t.Fatalf("credentials = %+v", node.Credentials)
	}
	// Sorted by name.
	if node.Credentials[0].Name != "aws:bob" || node.Credentials[1].Name != "github:alice" {
		t.Errorf("order = %v, %v", node.Credentials[0].Name, node.Credentials[1].Name)
	}
	if node.Credentials[1].Issuer != "github" || node.Credentials[1].Account != "alice" {
		t.Errorf("split = %+v", node.Credentials[1])
	}
	if node.Credentials[0].Type != "totp" {
		t.Errorf("type = %q", node.Credentials[0].Type)
	}

	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventCredentialsRemoved,
		DeviceID: "123",
		Data:     oath.CredentialEventData{Credentials: []oath.Credential{testCredential("aws:bob")}},
	})
	node, _ = p.Device("123")
	if len(node.Credentials) != 1 || node.Credentials[0].Name != "github:alice" {
		t.Errorf("after removal = %+v", node.Credentials)
	}
}

func TestSnapshotSubscribeConsistency(t *testing.T) {
	p := New()
	addDevice(p, "a")

	sub, snapshot := p.Subscribe(16)
	if len(snapshot) != 1 || snapshot[0].ID != "a" {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	// Changes after subscription appear only on the stream.
	addDevice(p, "b")
	n := <-sub.C
	if n.DeviceID != "b" {
		t.Fatalf("stream delivered %+v", n)
	}
	select {
	case n := <-sub.C:
		t.Fatalf("unexpected notification %+v", n)
	default:
	}
}

func TestSnapshotIsolation(t *testing.T) {
	p := New()
	addDevice(p, "123")
	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventCredentialsAdded,
		DeviceID: "123",
		Data:     oath.CredentialEventData{Credentials: []oath.Credential{testCredential("a")}},
	})

	snapshot := p.Snapshot()
	snapshot[0].Credentials[0].Name = "mutated"
	node, _ := p.Device("123")
	if node.Credentials[0].Name != "a" {
		t.Error("snapshot aliases internal state")
	}
}

func TestTouchNotification(t *testing.T) {
	p := New()
	addDevice(p, "123")
	sub, _ := p.Subscribe(4)

	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventTouchRequested,
		DeviceID: "123",
		Data:     oath.TouchEventData{CredentialName: "vpn"},
	})
	n := <-sub.C
	if n.Kind != KindTouchRequested || n.Credential != "vpn" {
		t.Fatalf("notification = %+v", n)
	}
}

func TestPasswordAndRenameUpdates(t *testing.T) {
	p := New()
	addDevice(p, "123")

	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventDeviceRenamed,
		DeviceID: "123",
		Data:     oath.RenameEventData{Name: "desk key"},
	})
	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventPasswordValidity,
		DeviceID: "123",
		Data:     oath.PasswordEventData{Valid: true, Required: true},
	})
	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventLastSeen,
		DeviceID: "123",
		Data:     oath.LastSeenEventData{LastSeen: time.Unix(1000, 0)},
	})

	node, _ := p.Device("123")
	if node.Name != "desk key" {
		t.Errorf("name = %q", node.Name)
	}
	if !node.HasValidPassword || !node.RequiresPassword {
		t.Errorf("password flags = %+v", node)
	}
	if !node.LastSeen.Equal(time.Unix(1000, 0)) {
		t.Errorf("last seen = %v", node.LastSeen)
	}
}

func TestSlowConsumerDropsNotMaintainer(t *testing.T) {
	p := New()
	sub, _ := p.Subscribe(1)

	addDevice(p, "a")
	addDevice(p, "b") // buffer full, dropped

	if sub.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", sub.Dropped())
	}
	// The hierarchy itself kept both updates.
	if len(p.Snapshot()) != 2 {
		t.Errorf("snapshot = %+v", p.Snapshot())
	}
}

func TestEventsForUnknownDeviceIgnored(t *testing.T) {
	p := New()
	p.HandleEvent(ctx, oath.Event{
		Type:     oath.EventStateChanged,
		DeviceID: "ghost",
		Data:     oath.StateEventData{State: oath.StateReady},
	})
	if len(p.Snapshot()) != 0 {
		t.Error("phantom node created")
	}
}

func TestCancelClosesStream(t *testing.T) {
	p := New()
	sub, _ := p.Subscribe(4)
	sub.Cancel()
	if _, ok := <-sub.C; ok {
		t.Error("channel not closed")
	}
	sub.Cancel() // idempotent
	addDevice(p, "a")
}
