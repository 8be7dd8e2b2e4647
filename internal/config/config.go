// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

// Package config loads daemon configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultListenAddr = "127.0.0.1:8780"
	DefaultTopic      = "oathd"
)

// Config is the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address for the API, event feed and
	// metrics endpoint.
	ListenAddr string

	// StorePath is the encrypted password store file. Empty selects the
	// in-memory store, which forgets passwords on restart.
	StorePath string

	// StoreKey is the 32-byte AES key for the file store. Required when
	// StorePath is set.
	StoreKey []byte

	// MQTTBroker enables the MQTT state bridge when non-empty, e.g.
	// tcp://localhost:1883.
	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string

	// Demo attaches an emulated key at startup so the API surface can be
	// exercised without hardware.
	Demo bool
}

// Load reads OATHD_* variables, consulting a .env file first when path is
// non-empty. Missing .env files are not an error; malformed values are.
func Load(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	cfg := Config{
		ListenAddr:   getenv("OATHD_LISTEN_ADDR", DefaultListenAddr),
		StorePath:    os.Getenv("OATHD_STORE_PATH"),
		MQTTBroker:   os.Getenv("OATHD_MQTT_BROKER"),
		MQTTUsername: os.Getenv("OATHD_MQTT_USERNAME"),
		MQTTPassword: os.Getenv("OATHD_MQTT_PASSWORD"),
		MQTTTopic:    getenv("OATHD_MQTT_TOPIC", DefaultTopic),
	}

	if raw := os.Getenv("OATHD_STORE_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: OATHD_STORE_KEY is not hex: %w", err)
		}
		cfg.StoreKey = key
	}

	if raw := os.Getenv("OATHD_DEMO"); raw != "" {
		demo, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: OATHD_DEMO: %w", err)
		}
		cfg.Demo = demo
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.StorePath != "" && len(c.StoreKey) != 32 {
		return fmt.Errorf("config: OATHD_STORE_KEY must be 32 hex-encoded bytes when OATHD_STORE_PATH is set, got %d", len(c.StoreKey))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
