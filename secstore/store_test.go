// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package secstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T, store Store) {
	t.Helper()

	if _, err := store.LoadPassword("dev1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load before save: err = %v, want ErrNotFound", err)
	}
	if err := store.RemovePassword("dev1"); err != nil {
		t.Fatalf("remove absent: %v", err)
	}

	if err := store.SavePassword("dev1", []byte("hunter2")); err != nil {
		t.Fatal(err)
	}
	if err := store.SavePassword("dev2", []byte("other")); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadPassword("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hunter2")) {
		t.Errorf("loaded %q", got)
	}

	// Mutating the returned slice must not affect the stored value.
	for i := range got {
		got[i] = 0
	}
	again, err := store.LoadPassword("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, []byte("hunter2")) {
		t.Errorf("store aliased caller slice, got %q", again)
	}

	if err := store.SavePassword("dev1", []byte("rotated")); err != nil {
		t.Fatal(err)
	}
	got, err = store.LoadPassword("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("rotated")) {
		t.Errorf("after rotation loaded %q", got)
	}

	if err := store.RemovePassword("dev1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadPassword("dev1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load after remove: err = %v, want ErrNotFound", err)
	}
	if _, err := store.LoadPassword("dev2"); err != nil {
		t.Errorf("unrelated entry lost: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	path := filepath.Join(t.TempDir(), "passwords.bin")

	store, err := NewFile(path, key)
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, store)
}

func TestFileStoreReopen(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	path := filepath.Join(t.TempDir(), "passwords.bin")

	store, err := NewFile(path, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SavePassword("dev1", []byte("persisted")); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFile(path, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.LoadPassword("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "persisted" {
		t.Errorf("loaded %q", got)
	}
}

func TestFileStoreWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passwords.bin")

	store, err := NewFile(path, bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SavePassword("dev1", []byte("secret")); err != nil {
		t.Fatal(err)
	}

	other, err := NewFile(path, bytes.Repeat([]byte{0x43}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.LoadPassword("dev1"); err == nil {
		t.Fatal("decryption with wrong key succeeded")
	}
}

func TestFileStoreTamper(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	path := filepath.Join(t.TempDir(), "passwords.bin")

	store, err := NewFile(path, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SavePassword("dev1", []byte("secret")); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadPassword("dev1"); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}
}

func TestFileStoreBadKeyLength(t *testing.T) {
	if _, err := NewFile("unused", []byte("short")); err == nil {
		t.Fatal("short key accepted")
	}
}
