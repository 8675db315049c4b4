// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"io"

	"github.com/canonical/go-tss"
)

type sessionType int

const (
	sessionOIAP sessionType = iota
	sessionOSAP
	sessionDSAP
	sessionTransport
)

type session struct {
	handle       tss.Handle
	typ          sessionType
	nonceEven    tss.Nonce
	sharedSecret tss.AuthValue

	// OSAP and DSAP sessions are bound to an entity.
	entityType  tss.EntityType
	entityValue uint32

	delegation *sessionDelegation
	transport  *transportState
}

// sessionDelegation is the delegation that a DSAP session was started with.
type sessionDelegation struct {
	pub       tss.DelegatePublic
	keyDigest tss.Digest
}

func (d *Device) newSession(typ sessionType) (*session, error) {
	if len(d.sessions) >= d.maxSessions {
		return nil, tpmError(tss.ErrorResources)
	}
	s := &session{handle: d.nextSessionHandle, typ: typ}
	if _, err := io.ReadFull(d.rand, s.nonceEven[:]); err != nil {
		return nil, tpmError(tss.ErrorFail)
	}
	d.nextSessionHandle++
	d.sessions[s.handle] = s
	return s, nil
}

func (c *commandContext) oiap() ([]interface{}, error) {
	if err := c.unmarshalParams(); err != nil {
		return nil, err
	}
	s, err := c.device.newSession(sessionOIAP)
	if err != nil {
		return nil, err
	}
	return []interface{}{s.handle, s.nonceEven}, nil
}

// entitySecret returns the secret of the entity that an OSAP session is bound to.
func (d *Device) entitySecret(typ tss.EntityType, value uint32) (tss.AuthValue, error) {
	switch typ {
	case tss.EntityKeyHandle:
		k, err := d.lookupKey(tss.Handle(value))
		if err != nil {
			return tss.AuthValue{}, err
		}
		return k.sensitive.UsageAuth, nil
	case tss.EntitySRK:
		if d.srk == nil {
			return tss.AuthValue{}, tpmError(tss.ErrorNoSRK)
		}
		return d.srk.sensitive.UsageAuth, nil
	case tss.EntityOwner:
		if !d.owned {
			return tss.AuthValue{}, tpmError(tss.ErrorAuthFail)
		}
		return d.ownerAuth, nil
	case tss.EntityNV:
		space, ok := d.nv[value]
		if !ok {
			return tss.AuthValue{}, tpmError(tss.ErrorBadIndex)
		}
		return space.auth, nil
	default:
		return tss.AuthValue{}, tpmError(tss.ErrorWrongEntityType)
	}
}

func (c *commandContext) osap() ([]interface{}, error) {
	var entityType tss.EntityType
	var entityValue uint32
	var nonceOddOSAP tss.Nonce
	if err := c.unmarshalParams(&entityType, &entityValue, &nonceOddOSAP); err != nil {
		return nil, err
	}

	d := c.device
	secret, err := d.entitySecret(entityType, entityValue)
	if err != nil {
		return nil, err
	}

	var nonceEvenOSAP tss.Nonce
	if _, err := io.ReadFull(d.rand, nonceEvenOSAP[:]); err != nil {
		return nil, tpmError(tss.ErrorFail)
	}

	s, err := d.newSession(sessionOSAP)
	if err != nil {
		return nil, err
	}
	s.entityType = entityType
	s.entityValue = entityValue
	s.sharedSecret = tss.ComputeSharedSecret(secret, nonceEvenOSAP, nonceOddOSAP)

	return []interface{}{s.handle, s.nonceEven, nonceEvenOSAP}, nil
}

func (c *commandContext) dsap() ([]interface{}, error) {
	var entityType tss.EntityType
	var keyHandle tss.Handle
	var nonceOddDSAP tss.Nonce
	var entityValue []byte
	if err := c.unmarshalParams(&entityType, &keyHandle, &nonceOddDSAP, &entityValue); err != nil {
		return nil, err
	}

	d := c.device
	del, delAuth, err := d.delegationForDSAP(entityType, keyHandle, entityValue)
	if err != nil {
		return nil, err
	}

	var nonceEvenDSAP tss.Nonce
	if _, err := io.ReadFull(d.rand, nonceEvenDSAP[:]); err != nil {
		return nil, tpmError(tss.ErrorFail)
	}

	s, err := d.newSession(sessionDSAP)
	if err != nil {
		return nil, err
	}
	s.entityType = entityType
	s.entityValue = uint32(keyHandle)
	s.delegation = del
	s.sharedSecret = tss.ComputeSharedSecret(delAuth, nonceEvenDSAP, nonceOddDSAP)

	return []interface{}{s.handle, s.nonceEven, nonceEvenDSAP}, nil
}

func (c *commandContext) flushSpecific() ([]interface{}, error) {
	var resourceType tss.ResourceType
	if err := c.unmarshalParams(&resourceType); err != nil {
		return nil, err
	}

	d := c.device
	h := c.handles[0]

	switch resourceType {
	case tss.ResourceKey:
		if _, ok := d.keys[h]; !ok {
			return nil, tpmError(tss.ErrorInvalidKeyHandle)
		}
		delete(d.keys, h)
	case tss.ResourceAuth:
		s, ok := d.sessions[h]
		if !ok || s.typ == sessionTransport {
			return nil, tpmError(tss.ErrorInvalidAuthHandle)
		}
		delete(d.sessions, h)
	case tss.ResourceTrans:
		s, ok := d.sessions[h]
		if !ok || s.typ != sessionTransport {
			return nil, tpmError(tss.ErrorInvalidAuthHandle)
		}
		delete(d.sessions, h)
	default:
		return nil, tpmError(tss.ErrorInvalidResource)
	}
	return nil, nil
}
