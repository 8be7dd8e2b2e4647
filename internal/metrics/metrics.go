// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package metrics exposes daemon observability: an event-driven collector
// registered with the engine's event dispatcher, and a transport wrapper
// counting raw APDU exchanges per device.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	oath "github.com/openoath/oathd"
	"github.com/openoath/oathd/apdu"
)

// Collector tracks engine activity from the event stream.
type Collector struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	devicesKnown     prometheus.Gauge
	devicesReady     prometheus.Gauge
	sessionErrors    prometheus.Counter
	touchRequests    prometheus.Counter
	credentialsTotal *prometheus.GaugeVec

	apduExchanges *prometheus.CounterVec
	apduFailures  *prometheus.CounterVec

	ready map[string]bool
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oathd_events_total",
			Help: "Engine events by type.",
		}, []string{"type"}),
		devicesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oathd_devices_known",
			Help: "Devices currently known to the manager.",
		}),
		devicesReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oathd_devices_ready",
			Help: "Devices with a session in the ready state.",
		}),
		sessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oathd_session_errors_total",
			Help: "Session transitions into the error state.",
		}),
		touchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oathd_touch_requests_total",
			Help: "Operations that paused awaiting physical touch.",
		}),
		credentialsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oathd_credentials",
			Help: "Credentials currently catalogued per device.",
		}, []string{"device"}),
		apduExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oathd_apdu_exchanges_total",
			Help: "Raw APDU exchanges per device.",
		}, []string{"device"}),
		apduFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oathd_apdu_failures_total",
			Help: "APDU transport failures per device.",
		}, []string{"device"}),
		ready: make(map[string]bool),
	}
	c.registry.MustRegister(
		c.eventsTotal, c.devicesKnown, c.devicesReady, c.sessionErrors,
		c.touchRequests, c.credentialsTotal, c.apduExchanges, c.apduFailures,
	)
	return c
}

// Handler serves the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// HandleEvent implements the engine's Handler interface. The dispatcher
// delivers events on a single goroutine, so no locking is needed here.
func (c *Collector) HandleEvent(_ context.Context, event oath.Event) {
	c.eventsTotal.WithLabelValues(event.Type.String()).Inc()

	switch event.Type {
	case oath.EventDeviceAdded:
		c.devicesKnown.Inc()
	case oath.EventDeviceRemoved:
		c.devicesKnown.Dec()
		c.credentialsTotal.DeleteLabelValues(event.DeviceID)
		c.setReady(event.DeviceID, false)
	case oath.EventStateChanged:
		data, ok := event.Data.(oath.StateEventData)
		if !ok {
			return
		}
		c.setReady(event.DeviceID, data.State == oath.StateReady)
		if data.State == oath.StateError {
			c.sessionErrors.Inc()
		}
	case oath.EventTouchRequested:
		c.touchRequests.Inc()
	case oath.EventCredentialsAdded:
		if data, ok := event.Data.(oath.CredentialEventData); ok {
			c.credentialsTotal.WithLabelValues(event.DeviceID).Add(float64(len(data.Credentials)))
		}
	case oath.EventCredentialsRemoved:
		if data, ok := event.Data.(oath.CredentialEventData); ok {
			c.credentialsTotal.WithLabelValues(event.DeviceID).Sub(float64(len(data.Credentials)))
		}
	}
}

func (c *Collector) setReady(deviceID string, ready bool) {
	if c.ready[deviceID] == ready {
		return
	}
	c.ready[deviceID] = ready
	if ready {
		c.devicesReady.Inc()
	} else {
		c.devicesReady.Dec()
	}
}

// InstrumentCard wraps a transport so every exchange is counted.
func (c *Collector) InstrumentCard(deviceID string, card apdu.Card) apdu.Card {
	return &instrumentedCard{
		card:      card,
		exchanges: c.apduExchanges.WithLabelValues(deviceID),
		failures:  c.apduFailures.WithLabelValues(deviceID),
	}
}

type instrumentedCard struct {
	card      apdu.Card
	exchanges prometheus.Counter
	failures  prometheus.Counter
}

func (ic *instrumentedCard) Transmit(command []byte) ([]byte, error) {
	ic.exchanges.Inc()
	resp, err := ic.card.Transmit(command)
	if err != nil {
		ic.failures.Inc()
	}
	return resp, err
}
