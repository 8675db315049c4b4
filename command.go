// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/canonical/go-tss/mu"

	"golang.org/x/xerrors"
)

const (
	maxResponseSize int = 8192

	authCommandSize  = 45
	authResponseSize = 41
)

func commandTagForAuthCount(n int) StructTag {
	switch n {
	case 0:
		return TagRquCommand
	case 1:
		return TagRquAuth1Command
	default:
		return TagRquAuth2Command
	}
}

func responseTagForAuthCount(n int) StructTag {
	switch n {
	case 0:
		return TagRspCommand
	case 1:
		return TagRspAuth1Command
	default:
		return TagRspAuth2Command
	}
}

// CommandPacket corresponds to a complete command packet including header and payload.
type CommandPacket []byte

// GetCommandCode returns the command code contained within this packet.
func (p CommandPacket) GetCommandCode() (CommandCode, error) {
	var header CommandHeader
	if _, err := mu.UnmarshalFromBytes(p, &header); err != nil {
		return 0, xerrors.Errorf("cannot unmarshal header: %w", err)
	}
	return header.CommandCode, nil
}

// Unmarshal unmarshals this command packet, returning the handles, parameters and auth area.
// The parameters will still be in the TPM wire format. The number of command handles
// associated with the command must be supplied by the caller. The number of authorizations
// is determined by the tag.
func (p CommandPacket) Unmarshal(numHandles int) (handles []Handle, parameters []byte, authArea []AuthCommand, err error) {
	var header CommandHeader
	n, err := mu.UnmarshalFromBytes(p, &header)
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("cannot unmarshal header: %w", err)
	}

	if header.CommandSize != uint32(len(p)) {
		return nil, nil, nil, fmt.Errorf("invalid commandSize value (got %d, packet length %d)", header.CommandSize, len(p))
	}

	var numAuths int
	switch header.Tag {
	case TagRquCommand:
	case TagRquAuth1Command:
		numAuths = 1
	case TagRquAuth2Command:
		numAuths = 2
	default:
		return nil, nil, nil, fmt.Errorf("invalid tag: 0x%04x", uint16(header.Tag))
	}

	payload := p[n:]
	if len(payload) < numHandles*4+numAuths*authCommandSize {
		return nil, nil, nil, fmt.Errorf("packet too short (%d bytes)", len(p))
	}

	handles = make([]Handle, numHandles)
	for i := range handles {
		handles[i] = Handle(binary.BigEndian.Uint32(payload[i*4:]))
	}
	payload = payload[numHandles*4:]

	authStart := len(payload) - numAuths*authCommandSize
	parameters = payload[:authStart]

	for i := 0; i < numAuths; i++ {
		var auth AuthCommand
		if _, err := mu.UnmarshalFromBytes(payload[authStart+i*authCommandSize:], &auth); err != nil {
			return nil, nil, nil, xerrors.Errorf("cannot unmarshal auth %d: %w", i, err)
		}
		authArea = append(authArea, auth)
	}

	return handles, parameters, authArea, nil
}

// MarshalCommandPacket serializes a complete TPM command packet from the provided arguments.
// The parameters argument must already be serialized to the TPM wire format.
func MarshalCommandPacket(command CommandCode, handles []Handle, parameters []byte, authArea []AuthCommand) CommandPacket {
	header := CommandHeader{
		Tag:         commandTagForAuthCount(len(authArea)),
		CommandCode: command}

	payload := mu.MustMarshalToBytes(mu.RawBytes(mu.MustMarshalToBytes(handlesToValues(handles)...)), mu.RawBytes(parameters))
	for _, auth := range authArea {
		payload = append(payload, mu.MustMarshalToBytes(auth)...)
	}

	header.CommandSize = uint32(binary.Size(header) + len(payload))
	return mu.MustMarshalToBytes(header, mu.RawBytes(payload))
}

func handlesToValues(handles []Handle) (out []interface{}) {
	for _, h := range handles {
		out = append(out, h)
	}
	return out
}

// ResponsePacket corresponds to a complete response packet including header and payload.
type ResponsePacket []byte

// Unmarshal deserializes the response packet and returns the response code, parameters and
// auth area. The parameters will still be in the TPM wire format.
func (p ResponsePacket) Unmarshal() (rc ResponseCode, parameters []byte, authArea []AuthResponse, err error) {
	if len(p) > maxResponseSize {
		return 0, nil, nil, fmt.Errorf("packet too large (%d bytes)", len(p))
	}

	var header ResponseHeader
	n, err := mu.UnmarshalFromBytes(p, &header)
	if err != nil {
		return 0, nil, nil, xerrors.Errorf("cannot unmarshal header: %w", err)
	}

	if header.ResponseSize != uint32(len(p)) {
		return 0, nil, nil, fmt.Errorf("invalid responseSize value (got %d, packet length %d)", header.ResponseSize, len(p))
	}

	payload := p[n:]
	if header.ResponseCode != Success && len(payload) != 0 {
		return header.ResponseCode, nil, nil, fmt.Errorf("%d trailing byte(s) in unsuccessful response", len(payload))
	}

	var numAuths int
	switch header.Tag {
	case TagRspCommand:
	case TagRspAuth1Command:
		numAuths = 1
	case TagRspAuth2Command:
		numAuths = 2
	default:
		return 0, nil, nil, fmt.Errorf("invalid tag: 0x%04x", uint16(header.Tag))
	}

	if len(payload) < numAuths*authResponseSize {
		return 0, nil, nil, fmt.Errorf("packet too short for %d auth(s)", numAuths)
	}

	authStart := len(payload) - numAuths*authResponseSize
	parameters = payload[:authStart]
	for i := 0; i < numAuths; i++ {
		var auth AuthResponse
		if _, err := mu.UnmarshalFromBytes(payload[authStart+i*authResponseSize:], &auth); err != nil {
			return 0, nil, nil, xerrors.Errorf("cannot unmarshal auth %d: %w", i, err)
		}
		authArea = append(authArea, auth)
	}

	return header.ResponseCode, parameters, authArea, nil
}

// MarshalResponsePacket serializes a complete TPM response packet. An unsuccessful response
// has no parameters or auth area.
func MarshalResponsePacket(rc ResponseCode, parameters []byte, authArea []AuthResponse) ResponsePacket {
	header := ResponseHeader{ResponseCode: rc}
	var payload []byte

	if rc == Success {
		header.Tag = responseTagForAuthCount(len(authArea))
		payload = append(payload, parameters...)
		for _, auth := range authArea {
			payload = append(payload, mu.MustMarshalToBytes(auth)...)
		}
	} else {
		header.Tag = TagRspCommand
	}

	header.ResponseSize = uint32(binary.Size(header) + len(payload))
	return mu.MustMarshalToBytes(header, mu.RawBytes(payload))
}

// CommandContext provides an API for building a command to execute via a Context.
type CommandContext struct {
	context     *Context
	commandCode CommandCode
	handles     []Handle
	params      []interface{}
	auths       []*commandAuth
}

// StartCommand returns a new CommandContext for the specified command code.
func (c *Context) StartCommand(commandCode CommandCode) *CommandContext {
	return &CommandContext{context: c, commandCode: commandCode}
}

// AddHandles appends the supplied command handles to this command.
func (c *CommandContext) AddHandles(handles ...Handle) *CommandContext {
	c.handles = append(c.handles, handles...)
	return c
}

// AddParams appends the supplied command parameters to this command.
func (c *CommandContext) AddParams(params ...interface{}) *CommandContext {
	c.params = append(c.params, params...)
	return c
}

// addAuths appends the supplied authorizations to this command. Nil authorizations are
// for entities that don't require authorization, and are skipped.
func (c *CommandContext) addAuths(auths ...*commandAuth) *CommandContext {
	for _, a := range auths {
		if a != nil {
			c.auths = append(c.auths, a)
		}
	}
	return c
}

// Run executes the command defined by this context using the Context that created it. The
// caller supplies a command dependent number of pointers to response parameters.
//
// If the TPM returns a response indicating that the command should be retried, it will be
// retried up to the maximum number of times defined by Config.MaxSubmissions.
//
// A *TransportError will be returned if the transport returns an error. One of *TPMWarning,
// *TPMError or *TPMVendorError will be returned if the TPM returns a response code other
// than Success. An *InvalidResponseError is returned if a response HMAC is invalid.
func (c *CommandContext) Run(responseParams ...interface{}) error {
	for i, a := range c.auths {
		for _, b := range c.auths[:i] {
			if a.session == b.session {
				return makeInvalidArgError("authorization", "session", "a session can only authorize a command once")
			}
		}
	}

	for _, a := range c.auths {
		a.session.mu.Lock()
		defer a.session.mu.Unlock()
	}

	for _, a := range c.auths {
		if a.session.terminated {
			return newError(ErrorKindInvalidHandle, "authorization", "session has been terminated")
		}
	}

	cpBytes, err := mu.MarshalToBytes(c.params...)
	if err != nil {
		return xerrors.Errorf("cannot marshal parameters for command %s: %w", c.commandCode, err)
	}

	cpDigest := ComputeCommandParamDigest(c.commandCode, cpBytes)
	var authArea []AuthCommand
	for _, a := range c.auths {
		authArea = append(authArea, a.buildCommandAuth(cpDigest))
	}

	rpBytes, rAuthArea, err := c.context.RunCommand(c.commandCode, c.handles, authArea, cpBytes)
	if err != nil {
		for _, a := range c.auths {
			a.session.terminated = true
		}
		return err
	}

	if len(rAuthArea) != len(c.auths) {
		for _, a := range c.auths {
			a.session.terminated = true
		}
		return &InvalidResponseError{c.commandCode, fmt.Sprintf("unexpected number of response authorizations (%d)", len(rAuthArea))}
	}

	rpDigest := ComputeResponseParamDigest(Success, c.commandCode, rpBytes)
	for i, a := range c.auths {
		if err := a.processResponseAuth(rpDigest, &rAuthArea[i]); err != nil {
			c.context.metrics.authFailure(c.commandCode)
			return &InvalidResponseError{c.commandCode, fmt.Sprintf("cannot process response auth %d: %v", i, err)}
		}
	}

	rpBuf := bytes.NewReader(rpBytes)
	if _, err := mu.UnmarshalFromReader(rpBuf, responseParams...); err != nil {
		return &InvalidResponseError{c.commandCode, fmt.Sprintf("cannot unmarshal response parameters: %v", err)}
	}
	if rpBuf.Len() > 0 {
		return &InvalidResponseError{c.commandCode, fmt.Sprintf("response parameter area contains %d trailing bytes", rpBuf.Len())}
	}

	return nil
}
