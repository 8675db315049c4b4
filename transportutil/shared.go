// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package transportutil provides helpers for sharing a single TPM transport between several
contexts.
*/
package transportutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/transportutil"
	"github.com/canonical/go-tss/mu"
)

const (
	maxCommandSize  = 8192
	maxResponseSize = 8192
)

// ErrClosed is returned from a transport when it or its shared transport is closed.
var ErrClosed = errors.New("transport already closed")

type exchange struct {
	cmd []byte
	rsp chan<- exchangeResult
}

type exchangeResult struct {
	rsp []byte
	err error
}

// SharedTransport owns a transport to a TPM and lets several contexts use it at the same
// time. The underlying transport is only accessed from a dedicated goroutine, and whole
// command and response exchanges are serialized.
type SharedTransport struct {
	transport tss.Transport
	tomb      tomb.Tomb
	requests  chan exchange

	closeOnce sync.Once
	closeErr  error
}

// NewSharedTransport begins sharing transport. The returned SharedTransport takes
// ownership of it.
func NewSharedTransport(transport tss.Transport) *SharedTransport {
	s := &SharedTransport{
		transport: transport,
		requests:  make(chan exchange)}
	s.tomb.Go(s.run)
	return s
}

func (s *SharedTransport) run() error {
	for {
		select {
		case <-s.tomb.Dying():
			return nil
		case req := <-s.requests:
			rsp, err := s.exchange(req.cmd)
			req.rsp <- exchangeResult{rsp: rsp, err: err}
		}
	}
}

func (s *SharedTransport) exchange(cmd []byte) ([]byte, error) {
	if _, err := s.transport.Write(cmd); err != nil {
		return nil, err
	}

	var hdr tss.ResponseHeader
	hdrBytes := make([]byte, binary.Size(hdr))
	if _, err := io.ReadFull(s.transport, hdrBytes); err != nil {
		return nil, err
	}
	if _, err := mu.UnmarshalFromBytes(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("cannot decode response header: %w", err)
	}
	if hdr.ResponseSize < uint32(len(hdrBytes)) || hdr.ResponseSize > maxResponseSize {
		return nil, fmt.Errorf("invalid response size (%d bytes)", hdr.ResponseSize)
	}

	rsp := make([]byte, hdr.ResponseSize)
	copy(rsp, hdrBytes)
	if _, err := io.ReadFull(s.transport, rsp[len(hdrBytes):]); err != nil {
		return nil, err
	}
	return rsp, nil
}

func (s *SharedTransport) submit(cmd []byte) ([]byte, error) {
	result := make(chan exchangeResult, 1)
	select {
	case s.requests <- exchange{cmd: cmd, rsp: result}:
	case <-s.tomb.Dying():
		return nil, ErrClosed
	}

	// The loop always replies to a request that it has accepted.
	r := <-result
	return r.rsp, r.err
}

// NewTransport returns a new transport that submits its commands through this shared
// transport. Each returned transport should only be used from one goroutine at a time,
// which is what a tss.Context does.
func (s *SharedTransport) NewTransport() tss.Transport {
	t := &sharedClient{shared: s}
	t.w = transportutil.FrameCommands(&clientSubmitter{t: t}, maxCommandSize)
	return t
}

// Close stops the shared transport and closes the underlying transport. Transports
// returned from NewTransport fail with ErrClosed afterwards.
func (s *SharedTransport) Close() error {
	s.closeOnce.Do(func() {
		s.tomb.Kill(nil)
		if err := s.tomb.Wait(); err != nil {
			s.closeErr = err
			return
		}
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}

type sharedClient struct {
	shared *SharedTransport

	mu     sync.Mutex
	w      io.Writer
	rsp    *bytes.Reader
	closed bool
}

type clientSubmitter struct {
	t *sharedClient
}

func (s *clientSubmitter) Write(data []byte) (int, error) {
	cmd := make([]byte, len(data))
	copy(cmd, data)
	rsp, err := s.t.shared.submit(cmd)
	if err != nil {
		return 0, err
	}
	s.t.rsp = bytes.NewReader(rsp)
	return len(data), nil
}

func (t *sharedClient) Read(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if t.rsp == nil {
		return 0, io.EOF
	}
	return t.rsp.Read(data)
}

func (t *sharedClient) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	return t.w.Write(data)
}

// Close closes this client only. The shared transport remains open.
func (t *sharedClient) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.closed = true
	return nil
}
