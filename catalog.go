// SPDX-FileCopyrightText: (C) 2025 openoath contributors
// SPDX-License-Identifier: Apache 2.0

package oath

import (
	"sort"
	"sync"
	"time"
)

// Catalog holds the latest credential listing for one device plus the
// per-credential code cache. Refreshes are diffed against the previous
// snapshot so consumers receive precise add/remove notifications instead of
// a full reset.
type Catalog struct {
	mu    sync.Mutex
	creds map[string]Credential
	codes map[string]Code
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		creds: make(map[string]Credential),
		codes: make(map[string]Code),
	}
}

// Refresh replaces the catalog contents with a fresh listing and returns the
// diff against the previous snapshot. Codes cached for removed credentials
// are dropped; surviving credentials keep their cached codes.
func (c *Catalog) Refresh(list []Credential) (added, removed []Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]Credential, len(list))
	for _, cred := range list {
		next[cred.Name] = cred
	}

	for name, cred := range c.creds {
		if _, ok := next[name]; !ok {
			removed = append(removed, cred)
			delete(c.codes, name)
		}
	}
	for name, cred := range next {
		if _, ok := c.creds[name]; !ok {
			added = append(added, cred)
		}
	}
	c.creds = next

	sortCreds(added)
	sortCreds(removed)
	return added, removed
}

// Credentials returns the current entries sorted by name.
func (c *Catalog) Credentials() []Credential {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Credential, 0, len(c.creds))
	for _, cred := range c.creds {
		out = append(out, cred)
	}
	sortCreds(out)
	return out
}

// Get looks up a credential by full name.
func (c *Catalog) Get(name string) (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.creds[name]
	return cred, ok
}

// Len returns the number of catalogued credentials.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.creds)
}

// CachedCode returns the cached code for name if it is still inside its
// validity window at now.
func (c *Catalog) CachedCode(name string, now time.Time) (Code, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, ok := c.codes[name]
	if !ok || code.Expired(now) {
		delete(c.codes, name)
		return Code{}, false
	}
	return code, true
}

// StoreCode caches a generated code until its expiry. Codes without a
// validity window (HOTP) are not cached.
func (c *Catalog) StoreCode(name string, code Code) {
	if code.ValidUntil.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.creds[name]; !ok {
		return
	}
	c.codes[name] = code
}

// Clear drops all credentials and cached codes, returning the credentials
// that were present so callers can emit removal notifications.
func (c *Catalog) Clear() []Credential {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Credential, 0, len(c.creds))
	for _, cred := range c.creds {
		out = append(out, cred)
	}
	c.creds = make(map[string]Credential)
	c.codes = make(map[string]Code)
	sortCreds(out)
	return out
}

func sortCreds(creds []Credential) {
	sort.Slice(creds, func(i, j int) bool { return creds[i].Name < creds[j].Name })
}
