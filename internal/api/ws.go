// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/openoath/oathd/publish"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// The daemon binds to loopback; all local clients are trusted.
		return true
	},
}

// feedMessage frames the one-way feed: a snapshot on connect, then one
// notification per change.
type feedMessage struct {
	Type         string                `json:"type"`
	Devices      []publish.DeviceNode  `json:"devices,omitempty"`
	Notification *publish.Notification `json:"notification,omitempty"`
}

// eventFeed streams hierarchy changes to a websocket client. The snapshot
// and subscription are taken atomically, so the client misses nothing and
// sees nothing twice.
func (s *Server) eventFeed(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sub, snapshot := s.publisher.Subscribe(256)
	defer sub.Cancel()

	log := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Info("event feed connected")
	defer log.Info("event feed disconnected")

	// Reader only consumes control frames; a read error ends the feed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if err := write(feedMessage{Type: "snapshot", Devices: snapshot}); err != nil {
		_ = conn.Close()
		return nil
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case n, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := write(feedMessage{Type: "notification", Notification: &n}); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-done:
			return nil
		}
	}
}
