// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tss/mu"
	"github.com/canonical/go-tss/ps"
)

const defaultMaxSubmissions = 5

// Context is the root of every interaction with a TPM using this package. It owns the
// transport, a table of objects created through it, a default policy, the key cache and the
// persistent key stores.
//
// Methods on objects that execute commands on the TPM will return errors where the TPM
// responds with them. These are in the form of *TPMError, *TPMWarning and *TPMVendorError
// types. Failures detected by this package are returned as *Error.
//
// A Context and the objects created through it are safe to use from multiple goroutines.
// Commands are serialized.
type Context struct {
	transport      Transport
	logger         logrus.FieldLogger
	metrics        *metrics
	maxSubmissions uint
	rand           io.Reader

	// cmdMu serializes whole command and response exchanges.
	cmdMu     sync.Mutex
	transSess *transportSession

	objMu      sync.Mutex
	objects    map[ObjectHandle]Object
	nextHandle ObjectHandle
	closed     bool

	sessionsMu sync.Mutex
	sessions   map[*AuthSession]struct{}

	tpm           *TPM
	defaultPolicy *Policy
	keys          *keyCache

	systemPS ps.Store
	userPS   ps.Store
}

// NewContext creates a new Context that communicates with a TPM via the supplied transport.
// If cfg is nil, a default configuration is used. The Context takes ownership of the
// transport and of the persistent stores in cfg.
func NewContext(transport Transport, cfg *Config) (*Context, error) {
	if transport == nil {
		return nil, makeInvalidArgError("NewContext", "transport", "nil value")
	}
	if cfg == nil {
		cfg = new(Config)
	}

	c := &Context{
		transport:      transport,
		logger:         cfg.logger(),
		metrics:        newMetrics(cfg.Registerer),
		maxSubmissions: cfg.MaxSubmissions,
		rand:           rand.Reader,
		objects:        make(map[ObjectHandle]Object),
		nextHandle:     1,
		sessions:       make(map[*AuthSession]struct{}),
		systemPS:       cfg.SystemStore,
		userPS:         cfg.UserStore}
	if c.maxSubmissions == 0 {
		c.maxSubmissions = defaultMaxSubmissions
	}
	if c.systemPS == nil {
		c.systemPS = ps.NewMemoryStore()
	}
	if c.userPS == nil {
		c.userPS = ps.NewMemoryStore()
	}

	c.keys = newKeyCache(c)

	c.defaultPolicy = &Policy{typ: PolicyTypeUsage, mode: SecretModeNone, hashMode: HashModeNotNull, lifetime: SecretLifetimeAlways}
	c.addObject(c.defaultPolicy, ObjectTypePolicy)

	c.tpm = &TPM{policy: c.defaultPolicy}
	c.addObject(c.tpm, ObjectTypeTPM)

	c.keys.addSRK()

	return c, nil
}

// Close flushes every loaded key and open session from the TPM, closes every object created
// through this context, and then closes the persistent stores and the transport. Every
// failure is reported in the returned error. Objects created through this context can't be
// used afterwards.
func (c *Context) Close() error {
	c.objMu.Lock()
	if c.closed {
		c.objMu.Unlock()
		return newError(ErrorKindInvalidHandle, "Close", "context is already closed")
	}
	c.objMu.Unlock()

	var result *multierror.Error

	c.cmdMu.Lock()
	transSess := c.transSess
	c.transSess = nil
	c.cmdMu.Unlock()
	if transSess != nil {
		if err := c.flushSpecific(transSess.handle, ResourceTrans); err != nil {
			result = multierror.Append(result, xerrors.Errorf("cannot flush transport session: %w", err))
		}
	}

	c.sessionsMu.Lock()
	var sessions []*AuthSession
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessionsMu.Unlock()
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, xerrors.Errorf("cannot close session 0x%08x: %w", s.handle, err))
		}
	}

	if err := c.keys.flushAll(); err != nil {
		result = multierror.Append(result, err)
	}

	c.objMu.Lock()
	c.closed = true
	for h, o := range c.objects {
		o.base().closed = true
		delete(c.objects, h)
	}
	c.objMu.Unlock()

	if err := c.systemPS.Close(); err != nil {
		result = multierror.Append(result, xerrors.Errorf("cannot close system persistent storage: %w", err))
	}
	if err := c.userPS.Close(); err != nil {
		result = multierror.Append(result, xerrors.Errorf("cannot close user persistent storage: %w", err))
	}
	if err := c.transport.Close(); err != nil {
		result = multierror.Append(result, &TransportError{"close", err})
	}

	if err := result.ErrorOrNil(); err != nil {
		c.logger.WithError(err).Warn("errors occurred whilst closing context")
		return err
	}
	return nil
}

func (c *Context) checkOpen(op string) error {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	if c.closed {
		return newError(ErrorKindInvalidHandle, op, "context is closed")
	}
	return nil
}

// TPM returns the object that represents the TPM itself.
func (c *Context) TPM() *TPM {
	return c.tpm
}

// DefaultPolicy returns the policy that is assigned to new objects by default.
func (c *Context) DefaultPolicy() *Policy {
	return c.defaultPolicy
}

// RunCommand is a low-level interface for executing the command defined by the specified
// commandCode. The parameters and auth area must already be constructed by the caller. It
// returns the response parameters and auth area, without validating the response auth area.
//
// If the TPM responds with a warning that indicates the command should be retried, this
// function will resubmit the command up to the number of times defined by
// Config.MaxSubmissions before returning an error.
//
// This function will return an error if the TPM responds with any ResponseCode other than
// Success.
func (c *Context) RunCommand(commandCode CommandCode, handles []Handle, authArea []AuthCommand, parameters []byte) (rpBytes []byte, rAuthArea []AuthResponse, err error) {
	if err := c.checkOpen(commandCode.String()); err != nil {
		return nil, nil, err
	}

	cmd := MarshalCommandPacket(commandCode, handles, parameters, authArea)

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	for tries := uint(1); ; tries++ {
		rsp, err := c.exchange(commandCode, cmd)
		if err != nil {
			return nil, nil, err
		}

		var rc ResponseCode
		rc, rpBytes, rAuthArea, err = rsp.Unmarshal()
		if err != nil {
			return nil, nil, &InvalidResponseError{commandCode, fmt.Sprintf("cannot unmarshal response packet: %v", err)}
		}

		c.metrics.command(commandCode, rc)
		c.logger.WithFields(logrus.Fields{"command": commandCode, "rc": fmt.Sprintf("0x%08x", uint32(rc))}).Debug("executed command")

		err = DecodeResponseCode(commandCode, rc)
		if err == nil {
			return rpBytes, rAuthArea, nil
		}
		if IsTPMError(err, ErrorAuthFail, commandCode) || IsTPMError(err, ErrorAuth2Fail, commandCode) {
			c.metrics.authFailure(commandCode)
		}

		if tries >= c.maxSubmissions {
			return nil, nil, err
		}
		if !IsTPMWarning(err, WarningRetry, commandCode) && !IsTPMWarning(err, WarningDoingSelfTest, commandCode) {
			return nil, nil, err
		}
	}
}

// exchange sends a single command packet and returns the response packet, wrapping it in
// the transport session if one is active. Called with cmdMu held.
func (c *Context) exchange(commandCode CommandCode, cmd CommandPacket) (ResponsePacket, error) {
	if c.transSess != nil && c.transSess.wraps(commandCode) {
		return c.transSess.execute(cmd)
	}
	return c.transmit(commandCode, cmd)
}

func (c *Context) transmit(commandCode CommandCode, cmd CommandPacket) (ResponsePacket, error) {
	if _, err := wrapTransportWriteErrors(c.transport).Write(cmd); err != nil {
		return nil, err
	}

	r := wrapTransportReadErrors(c.transport)

	var header ResponseHeader
	hdr := make([]byte, binary.Size(header))
	if _, err := io.ReadFull(r, hdr); err != nil {
		if xerrors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &InvalidResponseError{commandCode, "insufficient bytes for response header"}
		}
		return nil, err
	}
	if _, err := mu.UnmarshalFromBytes(hdr, &header); err != nil {
		return nil, &InvalidResponseError{commandCode, fmt.Sprintf("cannot unmarshal response header: %v", err)}
	}
	if header.ResponseSize < uint32(len(hdr)) || header.ResponseSize > uint32(maxResponseSize) {
		return nil, &InvalidResponseError{commandCode, fmt.Sprintf("invalid responseSize value (%d)", header.ResponseSize)}
	}

	rsp := make([]byte, header.ResponseSize)
	copy(rsp, hdr)
	if _, err := io.ReadFull(r, rsp[len(hdr):]); err != nil {
		if xerrors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &InvalidResponseError{commandCode, "insufficient bytes for response payload"}
		}
		return nil, err
	}

	return rsp, nil
}

func (c *Context) flushSpecific(handle Handle, resourceType ResourceType) error {
	return c.StartCommand(CommandFlushSpecific).AddHandles(handle).AddParams(resourceType).Run()
}
