// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/mu"
)

// CommandRecord is a record of a command and its response.
type CommandRecord struct {
	Cmd tss.CommandPacket
	Rsp tss.ResponsePacket
}

// GetCommandCode returns the command code of this record.
func (r *CommandRecord) GetCommandCode() (tss.CommandCode, error) {
	return r.Cmd.GetCommandCode()
}

// ResponseCode returns the response code of this record.
func (r *CommandRecord) ResponseCode() (tss.ResponseCode, error) {
	var hdr tss.ResponseHeader
	if _, err := mu.UnmarshalFromBytes(r.Rsp, &hdr); err != nil {
		return 0, err
	}
	return hdr.ResponseCode, nil
}

// Transport wraps a transport and records every command and response that passes
// through it. It expects each command in a single write, which is what tss.Context does.
type Transport struct {
	transport tss.Transport
	rsp       *bytes.Buffer
	closed    bool

	// CommandLog is the log of commands executed through this transport.
	CommandLog []*CommandRecord
}

// WrapTransport returns a recording transport that wraps transport.
func WrapTransport(transport tss.Transport) *Transport {
	return &Transport{transport: transport}
}

// Unwrap returns the wrapped transport.
func (t *Transport) Unwrap() tss.Transport {
	return t.transport
}

// Write implements [tss.Transport.Write].
func (t *Transport) Write(data []byte) (int, error) {
	if t.closed {
		return 0, errors.New("transport already closed")
	}

	n, err := t.transport.Write(data)
	if err != nil {
		return n, err
	}

	var hdr tss.ResponseHeader
	hdrBytes := make([]byte, binary.Size(hdr))
	if _, err := io.ReadFull(t.transport, hdrBytes); err != nil {
		return n, err
	}
	if _, err := mu.UnmarshalFromBytes(hdrBytes, &hdr); err != nil {
		return n, err
	}
	if hdr.ResponseSize < uint32(len(hdrBytes)) {
		return n, errors.New("invalid response size")
	}
	rsp := make([]byte, hdr.ResponseSize)
	copy(rsp, hdrBytes)
	if _, err := io.ReadFull(t.transport, rsp[len(hdrBytes):]); err != nil {
		return n, err
	}

	cmd := make(tss.CommandPacket, len(data))
	copy(cmd, data)
	t.CommandLog = append(t.CommandLog, &CommandRecord{Cmd: cmd, Rsp: rsp})
	t.rsp = bytes.NewBuffer(rsp)
	return n, nil
}

// Read implements [tss.Transport.Read].
func (t *Transport) Read(data []byte) (int, error) {
	if t.closed {
		return 0, errors.New("transport already closed")
	}
	if t.rsp == nil {
		return 0, io.EOF
	}
	return t.rsp.Read(data)
}

// Close implements [tss.Transport.Close].
func (t *Transport) Close() error {
	if t.closed {
		return errors.New("transport already closed")
	}
	t.closed = true
	return t.transport.Close()
}
