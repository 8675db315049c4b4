// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"io"
	"time"
)

// MockTimeNow replaces the clock used by policy lifetime timers, and returns a function
// that restores it.
func MockTimeNow(fn func() time.Time) (restore func()) {
	orig := timeNow
	timeNow = fn
	return func() {
		timeNow = orig
	}
}

// MockRand replaces the source of nonces and secrets of c.
func MockRand(c *Context, r io.Reader) (restore func()) {
	orig := c.rand
	c.rand = r
	return func() {
		c.rand = orig
	}
}

func (c *Context) KeyState(k *Key) string {
	return c.keys.stateOf(k).String()
}

func (c *Context) KeyHandle(k *Key) Handle {
	return c.keys.handleOf(k)
}

func (c *Context) TransportLogDigest() Digest {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.transSess == nil {
		return Digest{}
	}
	return c.transSess.logDigest
}

func (c *Context) ActiveSessions() int {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	return len(c.sessions)
}

var ParseDelegationBlob = parseDelegationBlob
