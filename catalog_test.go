// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package oath

import (
	"testing"
	"time"
)

func cred(name string) Credential {
	return Credential{
		Name:      name,
		Type:      TOTP,
		Algorithm: 0x01,
		Digits:    6,
		Period:    30,
	}
}

func names(creds []Credential) []string {
	out := make([]string, len(creds))
	for i, c := range creds {
		out[i] = c.Name
	}
	return out
}

func TestCatalogRefreshDiff(t *testing.T) {
	c := NewCatalog()

	added, removed := c.Refresh([]Credential{cred("a"), cred("b")})
	if got := names(added); len(got) != 2 {
		t.Fatalf("initial added = %v", got)
	}
	if len(removed) != 0 {
		t.Fatalf("initial removed = %v", names(removed))
	}

	// b survives, a vanishes, c appears.
	added, removed = c.Refresh([]Credential{cred("b"), cred("c")})
	if len(added) != 1 || added[0].Name != "c" {
		t.Errorf("added = %v, want [c]", names(added))
	}
	if len(removed) != 1 || removed[0].Name != "a" {
		t.Errorf("removed = %v, want [a]", names(removed))
	}

	// No change yields empty diffs.
	added, removed = c.Refresh([]Credential{cred("b"), cred("c")})
	if len(added) != 0 || len(removed) != 0 {
		t.Errorf("steady refresh diffed: added %v removed %v", names(added), names(removed))
	}
}

func TestCatalogCredentialsSorted(t *testing.T) {
	c := NewCatalog()
	c.Refresh([]Credential{cred("zeta"), cred("alpha"), cred("mid")})
	got := names(c.Credentials())
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("credentials = %v, want %v", got, want)
		}
	}
}

func TestCatalogCodeCache(t *testing.T) {
	c := NewCatalog()
	c.Refresh([]Credential{cred("a")})
	now := time.Now()

	if _, ok := c.CachedCode("a", now); ok {
		t.Fatal("cache hit before store")
	}

	c.StoreCode("a", Code{Value: "123456", ValidUntil: now.Add(10 * time.Second)})
	code, ok := c.CachedCode("a", now)
	if !ok || code.Value != "123456" {
		t.Fatalf("cached = %v %v", code, ok)
	}

	// Expired codes are evicted, not served.
	if _, ok := c.CachedCode("a", now.Add(11*time.Second)); ok {
		t.Fatal("expired code served")
	}
	if _, ok := c.CachedCode("a", now); ok {
		t.Fatal("expired code not evicted")
	}
}

func TestCatalogCodeCacheUnknownCredential(t *testing.T) {
	c := NewCatalog()
	c.StoreCode("ghost", Code{Value: "000000", ValidUntil: time.Now().Add(time.Minute)})
	if _, ok := c.CachedCode("ghost", time.Now()); ok {
		t.Fatal("code stored for unknown credential")
	}
}

func TestCatalogCacheSurvivesRefresh(t *testing.T) {
	c := NewCatalog()
	c.Refresh([]Credential{cred("a"), cred("b")})
	until := time.Now().Add(time.Minute)
	c.StoreCode("a", Code{Value: "111111", ValidUntil: until})
	c.StoreCode("b", Code{Value: "222222", ValidUntil: until})

	// a survives the refresh and keeps its code; b is gone and loses it.
	c.Refresh([]Credential{cred("a")})
	if code, ok := c.CachedCode("a", time.Now()); !ok || code.Value != "111111" {
		t.Errorf("surviving credential lost its cached code")
	}

	c.Refresh([]Credential{cred("a"), cred("b")})
	if _, ok := c.CachedCode("b", time.Now()); ok {
		t.Error("re-added credential inherited a stale code")
	}
}

func TestCatalogClear(t *testing.T) {
	c := NewCatalog()
	c.Refresh([]Credential{cred("a"), cred("b")})
	c.StoreCode("a", Code{Value: "111111", ValidUntil: time.Now().Add(time.Minute)})

	removed := c.Clear()
	if len(removed) != 2 {
		t.Fatalf("cleared %v", names(removed))
	}
	if c.Len() != 0 {
		t.Errorf("len after clear = %d", c.Len())
	}
	if _, ok := c.CachedCode("a", time.Now()); ok {
		t.Error("code cache survived clear")
	}
}
