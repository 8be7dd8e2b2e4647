// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.StorePath != "" || cfg.MQTTBroker != "" || cfg.Demo {
		t.Errorf("unexpected non-defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OATHD_LISTEN_ADDR", "0.0.0.0:9999")
	t.Setenv("OATHD_STORE_PATH", "/tmp/pw.bin")
	t.Setenv("OATHD_STORE_KEY", strings.Repeat("ab", 32))
	t.Setenv("OATHD_DEMO", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if len(cfg.StoreKey) != 32 {
		t.Errorf("key length = %d", len(cfg.StoreKey))
	}
	if !cfg.Demo {
		t.Error("demo not enabled")
	}
}

func TestLoadRejectsBadKey(t *testing.T) {
	t.Setenv("OATHD_STORE_PATH", "/tmp/pw.bin")
	t.Setenv("OATHD_STORE_KEY", "not hex")
	if _, err := Load(""); err == nil {
		t.Fatal("bad key accepted")
	}

	t.Setenv("OATHD_STORE_KEY", "abcd") // valid hex, wrong length
	if _, err := Load(""); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestLoadRejectsBadDemoFlag(t *testing.T) {
	t.Setenv("OATHD_DEMO", "maybe")
	if _, err := Load(""); err == nil {
		t.Fatal("bad bool accepted")
	}
}
