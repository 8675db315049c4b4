// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto/hmac"
	"errors"
	"io"
	"sync"

	"golang.org/x/xerrors"
)

// SessionType corresponds to the authorization protocol used by a session.
type SessionType int

const (
	// SessionTypeOIAP is an object independent session. The HMAC key is the authorization
	// value of whichever entity the session authorizes.
	SessionTypeOIAP SessionType = iota + 1

	// SessionTypeOSAP is an object specific session. The HMAC key is a secret shared between
	// the caller and the TPM, derived from the authorization value of a single entity.
	SessionTypeOSAP

	// SessionTypeDSAP is a delegate specific session, which is like an OSAP session but keyed
	// with the authorization value of a delegation.
	SessionTypeDSAP
)

func (t SessionType) String() string {
	switch t {
	case SessionTypeOIAP:
		return "OIAP"
	case SessionTypeOSAP:
		return "OSAP"
	case SessionTypeDSAP:
		return "DSAP"
	default:
		return "unknown"
	}
}

// AuthSession represents an authorization session on the TPM. A session moves from active to
// terminated, either because the TPM closed it (after a command that didn't continue the
// session, or after an error) or because it was closed explicitly. Terminated sessions can't
// be used again.
//
// A session is used by one command at a time so that its rolling nonces never interleave.
type AuthSession struct {
	context   *Context
	typ       SessionType
	handle    Handle
	nonceEven Nonce
	nonceOdd  Nonce

	// sharedSecret is the HMAC key for OSAP and DSAP sessions.
	sharedSecret AuthValue

	persistent bool

	mu         sync.Mutex
	terminated bool
}

// Type returns the authorization protocol of this session.
func (s *AuthSession) Type() SessionType {
	return s.typ
}

// Handle returns the TPM handle of this session.
func (s *AuthSession) Handle() Handle {
	return s.handle
}

// NonceEven returns the last nonce received from the TPM.
func (s *AuthSession) NonceEven() Nonce {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonceEven
}

// IsTerminated indicates whether this session has been terminated.
func (s *AuthSession) IsTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Close terminates this session, flushing it from the TPM if it is still active.
func (s *AuthSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.context.forgetSession(s)
	if s.terminated {
		return nil
	}
	s.terminated = true
	return s.context.flushSpecific(s.handle, ResourceAuth)
}

func (s *AuthSession) rollNonceOdd() error {
	if _, err := io.ReadFull(s.context.rand, s.nonceOdd[:]); err != nil {
		return xerrors.Errorf("cannot obtain nonce: %w", err)
	}
	return nil
}

// encryptAuth encrypts a new authorization value with the shared secret of this session.
// The first value of a command is encrypted with the even nonce, and the second with the
// odd nonce that will accompany the command.
func (s *AuthSession) encryptAuth(value AuthValue, second bool) AuthValue {
	nonce := s.nonceEven
	if second {
		nonce = s.nonceOdd
	}
	return EncryptAuthValue(s.sharedSecret, nonce, value)
}

// commandAuth associates an AuthSession with the key used to authorize a single command.
type commandAuth struct {
	session         *AuthSession
	key             AuthValue
	continueSession bool
	policy          *Policy
}

func (a *commandAuth) buildCommandAuth(cpDigest Digest) AuthCommand {
	s := a.session
	return AuthCommand{
		AuthHandle:          s.handle,
		NonceOdd:            s.nonceOdd,
		ContinueAuthSession: a.continueSession,
		Auth:                ComputeAuthHMAC(a.key, cpDigest, s.nonceEven, s.nonceOdd, a.continueSession)}
}

func (a *commandAuth) processResponseAuth(rpDigest Digest, r *AuthResponse) error {
	s := a.session

	expected := ComputeAuthHMAC(a.key, rpDigest, r.NonceEven, s.nonceOdd, r.ContinueAuthSession)
	if !hmac.Equal(expected[:], r.Auth[:]) {
		s.terminated = true
		return errors.New("invalid HMAC")
	}

	s.nonceEven = r.NonceEven
	if !r.ContinueAuthSession {
		s.terminated = true
	}
	if a.policy != nil {
		a.policy.consume()
	}
	return s.rollNonceOdd()
}

// end flushes the session if it was created for a single command and is still active.
func (a *commandAuth) end() {
	if a == nil || a.session.persistent {
		return
	}
	s := a.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.terminated = true
	if err := s.context.flushSpecific(s.handle, ResourceAuth); err != nil {
		s.context.logger.WithError(err).Warn("cannot flush authorization session")
	}
}

func (c *Context) startOIAP() (*AuthSession, error) {
	s := &AuthSession{context: c, typ: SessionTypeOIAP}
	if err := c.StartCommand(CommandOIAP).Run(&s.handle, &s.nonceEven); err != nil {
		return nil, err
	}
	if err := s.rollNonceOdd(); err != nil {
		c.flushSpecific(s.handle, ResourceAuth)
		return nil, err
	}
	c.logger.WithField("handle", s.handle).Debug("started OIAP session")
	return s, nil
}

func (c *Context) startOSAP(entityType EntityType, entityValue uint32, entityAuth AuthValue) (*AuthSession, error) {
	s := &AuthSession{context: c, typ: SessionTypeOSAP}

	var nonceOddOSAP, nonceEvenOSAP Nonce
	if _, err := io.ReadFull(c.rand, nonceOddOSAP[:]); err != nil {
		return nil, xerrors.Errorf("cannot obtain nonce: %w", err)
	}

	if err := c.StartCommand(CommandOSAP).
		AddParams(entityType, entityValue, nonceOddOSAP).
		Run(&s.handle, &s.nonceEven, &nonceEvenOSAP); err != nil {
		return nil, err
	}

	s.sharedSecret = ComputeSharedSecret(entityAuth, nonceEvenOSAP, nonceOddOSAP)
	if err := s.rollNonceOdd(); err != nil {
		c.flushSpecific(s.handle, ResourceAuth)
		return nil, err
	}
	c.logger.WithField("handle", s.handle).Debug("started OSAP session")
	return s, nil
}

func (c *Context) startDSAP(entityType EntityType, keyHandle Handle, entityValue []byte, delegationAuth AuthValue) (*AuthSession, error) {
	s := &AuthSession{context: c, typ: SessionTypeDSAP}

	var nonceOddDSAP, nonceEvenDSAP Nonce
	if _, err := io.ReadFull(c.rand, nonceOddDSAP[:]); err != nil {
		return nil, xerrors.Errorf("cannot obtain nonce: %w", err)
	}

	if err := c.StartCommand(CommandDSAP).
		AddParams(entityType, keyHandle, nonceOddDSAP, entityValue).
		Run(&s.handle, &s.nonceEven, &nonceEvenDSAP); err != nil {
		return nil, err
	}

	s.sharedSecret = ComputeSharedSecret(delegationAuth, nonceEvenDSAP, nonceOddDSAP)
	if err := s.rollNonceOdd(); err != nil {
		c.flushSpecific(s.handle, ResourceAuth)
		return nil, err
	}
	c.logger.WithField("handle", s.handle).Debug("started DSAP session")
	return s, nil
}

// authEntity identifies the entity that a command authorization is for.
type authEntity struct {
	entityType EntityType
	value      uint32 // the key handle for key entities
}

// authorize begins a single use session to authorize the supplied entity with the secret
// held by policy. If the policy carries a delegation, a DSAP session is used. Else an OSAP
// session is used if shared is true, which is required for commands that insert new
// authorization values, and an OIAP session is used otherwise.
func (c *Context) authorize(op string, policy *Policy, entity authEntity, shared bool) (*commandAuth, error) {
	if policy == nil {
		return nil, newError(ErrorKindPolicyNoSecret, op, "no policy is assigned")
	}
	secret, err := policy.secretForUse(op)
	if err != nil {
		return nil, err
	}

	var s *AuthSession
	key := secret

	switch d := policy.delegation(); {
	case d != nil:
		var keyHandle Handle
		if entity.entityType == EntityKeyHandle || entity.entityType == EntityKey {
			keyHandle = Handle(entity.value)
		}
		entityType, value := d.dsapEntity()
		s, err = c.startDSAP(entityType, keyHandle, value, secret)
		key = s.sharedSecretOrZero()
	case shared:
		s, err = c.startOSAP(entity.entityType, entity.value, secret)
		key = s.sharedSecretOrZero()
	default:
		s, err = c.startOIAP()
	}
	if err != nil {
		return nil, err
	}

	return &commandAuth{session: s, key: key, policy: policy}, nil
}

func (s *AuthSession) sharedSecretOrZero() AuthValue {
	if s == nil {
		return AuthValue{}
	}
	return s.sharedSecret
}

// StartAuthSession starts a session that persists across commands until it is closed or
// terminated by the TPM. OIAP sessions don't need an object. OSAP sessions are bound to the
// usage secret of obj, which must be a *Key or the *TPM. DSAP sessions are bound to the
// delegation held by the usage policy of obj.
//
// Sessions are used with a CommandContext via AddAuthSession.
func (c *Context) StartAuthSession(sessionType SessionType, obj Object) (*AuthSession, error) {
	const op = "StartAuthSession"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}

	var s *AuthSession
	var err error

	switch sessionType {
	case SessionTypeOIAP:
		s, err = c.startOIAP()
	case SessionTypeOSAP, SessionTypeDSAP:
		entity, policy, e := c.authEntityForObject(op, obj)
		if e != nil {
			return nil, e
		}
		if policy == nil {
			return nil, newError(ErrorKindPolicyNoSecret, op, "no policy is assigned")
		}
		secret, e := policy.secretForUse(op)
		if e != nil {
			return nil, e
		}
		if sessionType == SessionTypeOSAP {
			s, err = c.startOSAP(entity.entityType, entity.value, secret)
			break
		}
		d := policy.delegation()
		if d == nil {
			return nil, makeInvalidArgError(op, "obj", "usage policy has no delegation")
		}
		entityType, value := d.dsapEntity()
		var keyHandle Handle
		if entity.entityType == EntityKeyHandle {
			keyHandle = Handle(entity.value)
		}
		s, err = c.startDSAP(entityType, keyHandle, value, secret)
	default:
		return nil, makeInvalidArgError(op, "sessionType", "invalid session type")
	}
	if err != nil {
		return nil, err
	}

	s.persistent = true
	c.rememberSession(s)
	return s, nil
}

func (c *Context) authEntityForObject(op string, obj Object) (authEntity, *Policy, error) {
	switch o := obj.(type) {
	case *TPM:
		if err := c.checkObject(op, o); err != nil {
			return authEntity{}, nil, err
		}
		return authEntity{entityType: EntityOwner, value: uint32(HandleOwner)}, o.usagePolicy(), nil
	case *Key:
		if err := c.checkObject(op, o); err != nil {
			return authEntity{}, nil, err
		}
		h, err := c.keys.ensureLoaded(o)
		if err != nil {
			return authEntity{}, nil, err
		}
		return authEntity{entityType: EntityKeyHandle, value: uint32(h)}, o.policy(), nil
	default:
		return authEntity{}, nil, newError(ErrorKindInvalidHandle, op, "object must be a key or the TPM")
	}
}

// AddAuthSession adds an authorization for the next handle of this command using the supplied
// session. For an OIAP session, entityAuth is the authorization value of the entity. It is
// ignored for OSAP and DSAP sessions.
func (c *CommandContext) AddAuthSession(s *AuthSession, entityAuth AuthValue) *CommandContext {
	key := entityAuth
	if s.typ != SessionTypeOIAP {
		key = s.sharedSecret
	}
	return c.addAuths(&commandAuth{session: s, key: key, continueSession: s.persistent})
}

func (c *Context) rememberSession(s *AuthSession) {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	c.sessions[s] = struct{}{}
}

func (c *Context) forgetSession(s *AuthSession) {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	delete(c.sessions, s)
}
