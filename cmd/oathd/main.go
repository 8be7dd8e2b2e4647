// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Command oathd runs the OATH hardware-key daemon: it owns device sessions,
// publishes the device hierarchy over HTTP and websocket, exposes metrics,
// and optionally bridges state to MQTT.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	oath "github.com/openoath/oathd"
	"github.com/openoath/oathd/bridge/mqtt"
	"github.com/openoath/oathd/internal/api"
	"github.com/openoath/oathd/internal/config"
	"github.com/openoath/oathd/internal/metrics"
	"github.com/openoath/oathd/oathtest"
	"github.com/openoath/oathd/publish"
	"github.com/openoath/oathd/secstore"
)

func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	var store secstore.Store
	if cfg.StorePath != "" {
		store, err = secstore.NewFile(cfg.StorePath, cfg.StoreKey)
		if err != nil {
			logger.Fatal("password store error", zap.Error(err))
		}
		logger.Info("using encrypted password store", zap.String("path", cfg.StorePath))
	} else {
		store = secstore.NewMemory()
		logger.Warn("using in-memory password store; passwords are lost on restart")
	}

	manager := oath.NewManager(store)
	defer manager.Close()

	publisher := publish.New()
	manager.Subscribe(publisher)

	collector := metrics.NewCollector()
	manager.Subscribe(collector)

	if cfg.MQTTBroker != "" {
		bridge, err := mqtt.New(mqtt.Config{
			Broker:   cfg.MQTTBroker,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topic:    cfg.MQTTTopic,
		}, logger)
		if err != nil {
			logger.Fatal("mqtt bridge error", zap.Error(err))
		}
		sub, _ := publisher.Subscribe(256)
		go bridge.Run(sub)
		defer func() {
			sub.Cancel()
			bridge.Close()
		}()
		logger.Info("mqtt bridge connected", zap.String("broker", cfg.MQTTBroker))
	}

	if cfg.Demo {
		attachDemoKey(manager, collector, logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	api.NewServer(manager, publisher, logger).InitRoutes(e)
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("oathd started", zap.String("addr", cfg.ListenAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}

// attachDemoKey plugs in an emulated YubiKey with a couple of credentials so
// the API can be exercised without hardware or a reader stack.
func attachDemoKey(manager *oath.Manager, collector *metrics.Collector, logger *zap.Logger) {
	card := oathtest.NewYubiKey([]byte{0x0D, 0xE0, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05})
	card.AddCred(oathtest.Cred{
		Name:    "example:demo",
		Secret:  []byte("12345678901234567890"),
		TypeAlg: 0x21, // TOTP, SHA1
		Digits:  6,
	})
	session, err := manager.Attach(context.Background(), collector.InstrumentCard("demo", card))
	if err != nil {
		logger.Error("demo key attach failed", zap.Error(err))
		return
	}
	logger.Info("demo key attached", zap.String("id", session.ID()))
}
