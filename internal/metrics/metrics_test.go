// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	oath "github.com/openoath/oathd"
)

var ctx = context.Background()

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestCollectorTracksDevices(t *testing.T) {
	c := NewCollector()

	c.HandleEvent(ctx, oath.Event{Type: oath.EventDeviceAdded, DeviceID: "1"})
	c.HandleEvent(ctx, oath.Event{Type: oath.EventDeviceAdded, DeviceID: "2"})
	c.HandleEvent(ctx, oath.Event{
		Type:     oath.EventStateChanged,
		DeviceID: "1",
		Data:     oath.StateEventData{State: oath.StateReady},
	})

	body := scrape(t, c)
	if !strings.Contains(body, "oathd_devices_known 2") {
		t.Errorf("known gauge missing:\n%s", body)
	}
	if !strings.Contains(body, "oathd_devices_ready 1") {
		t.Errorf("ready gauge missing:\n%s", body)
	}

	// Leaving ready and erroring out moves both gauges.
	c.HandleEvent(ctx, oath.Event{
		Type:     oath.EventStateChanged,
		DeviceID: "1",
		Data:     oath.StateEventData{State: oath.StateError, Message: "invalid password"},
	})
	body = scrape(t, c)
	if !strings.Contains(body, "oathd_devices_ready 0") {
		t.Errorf("ready gauge not decremented:\n%s", body)
	}
	if !strings.Contains(body, "oathd_session_errors_total 1") {
		t.Errorf("error counter missing:\n%s", body)
	}
}

func TestCollectorTracksCredentials(t *testing.T) {
	c := NewCollector()
	c.HandleEvent(ctx, oath.Event{Type: oath.EventDeviceAdded, DeviceID: "1"})
	c.HandleEvent(ctx, oath.Event{
		Type:     oath.EventCredentialsAdded,
		DeviceID: "1",
		Data:     oath.CredentialEventData{Credentials: make([]oath.Credential, 3)},
	})
	c.HandleEvent(ctx, oath.Event{
		Type:     oath.EventCredentialsRemoved,
		DeviceID: "1",
		Data:     oath.CredentialEventData{Credentials: make([]oath.Credential, 1)},
	})

	body := scrape(t, c)
	if !strings.Contains(body, `oathd_credentials{device="1"} 2`) {
		t.Errorf("credential gauge wrong:\n%s", body)
	}
}

type fakeCard struct{ err error }

func (f *fakeCard) Transmit([]byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte{0x90, 0x00}, nil
}

func TestInstrumentCard(t *testing.T) {
	c := NewCollector()
	card := &fakeCard{}
	wrapped := c.InstrumentCard("1", card)

	if _, err := wrapped.Transmit([]byte{0x00}); err != nil {
		t.Fatal(err)
	}
	card.err = errors.New("unplugged")
	if _, err := wrapped.Transmit([]byte{0x00}); err == nil {
		t.Fatal("error swallowed")
	}

	body := scrape(t, c)
	if !strings.Contains(body, `oathd_apdu_exchanges_total{device="1"} 2`) {
		t.Errorf("exchange counter wrong:\n%s", body)
	}
	if !strings.Contains(body, `oathd_apdu_failures_total{device="1"} 1`) {
		t.Errorf("failure counter wrong:\n%s", body)
	}
}
