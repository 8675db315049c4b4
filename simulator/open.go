// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/transportutil"
)

const maxCommandSize = 8192

// ErrClosed is returned from a Transport that has been closed.
var ErrClosed = errors.New("transport already closed")

// Transport is an in-process transport to a Device, suitable for passing to
// tss.NewContext.
type Transport struct {
	device *Device

	mu     sync.Mutex
	w      io.Writer
	rsp    *bytes.Reader
	closed bool

	// CommandLog records every command packet executed through this transport.
	CommandLog []tss.CommandPacket
}

var _ tss.Transport = (*Transport)(nil)

type commandExecutor struct {
	t *Transport
}

func (e *commandExecutor) Write(data []byte) (int, error) {
	cmd := make(tss.CommandPacket, len(data))
	copy(cmd, data)
	e.t.CommandLog = append(e.t.CommandLog, cmd)
	e.t.rsp = bytes.NewReader(e.t.device.Execute(cmd))
	return len(data), nil
}

// Open returns a new in-process transport to this device.
func (d *Device) Open() *Transport {
	t := &Transport{device: d}
	t.w = transportutil.FrameCommands(&commandExecutor{t: t}, maxCommandSize)
	return t
}

// Write implements [tss.Transport.Write]. A command is executed once all of its bytes
// have been written.
func (t *Transport) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if t.rsp != nil && t.rsp.Len() > 0 {
		return 0, errors.New("unread response")
	}
	return t.w.Write(data)
}

// Read implements [tss.Transport.Read].
func (t *Transport) Read(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if t.rsp == nil {
		return 0, errors.New("no command has been submitted")
	}
	return t.rsp.Read(data)
}

// Close implements [tss.Transport.Close].
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.closed = true
	return nil
}
