// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto/sha1"
	"fmt"
	"sync"
	"time"

	"github.com/canonical/go-tss/mu"
)

var timeNow = time.Now

// PolicyType describes which secret of an object a policy provides.
type PolicyType int

const (
	PolicyTypeUsage PolicyType = iota + 1
	PolicyTypeMigration
)

// SecretMode describes how a policy obtains its secret.
type SecretMode int

const (
	// SecretModeNone indicates that the policy has no secret.
	SecretModeNone SecretMode = iota + 1

	// SecretModePlain indicates that the secret is supplied as a passphrase, which is hashed
	// with SHA-1 according to the hash mode.
	SecretModePlain

	// SecretModeSHA1 indicates that the secret is supplied as a 20 byte digest.
	SecretModeSHA1

	// SecretModeCallback indicates that the secret is obtained from a callback when it is
	// required.
	SecretModeCallback

	// SecretModePopup requests interactive secret entry, which is not supported.
	SecretModePopup
)

// Values for the HashModeSecret attribute.
const (
	// HashModeNotNull hashes a plain secret without its terminating NUL.
	HashModeNotNull uint32 = 0

	// HashModeNull hashes a plain secret including a terminating NUL.
	HashModeNull uint32 = 1
)

// SecretCallback returns the 20 byte secret digest of a policy on demand.
type SecretCallback func(p *Policy) ([]byte, error)

// Policy holds the secret used to authorize commands for the objects that it is assigned
// to, along with rules for how long that secret remains usable.
type Policy struct {
	objectBase
	typ PolicyType

	mu            sync.Mutex
	mode          SecretMode
	secret        AuthValue
	hashMode      uint32
	callback      SecretCallback
	lifetime      AttribSubFlag
	lifetimeValue uint32
	remaining     uint32
	armedAt       time.Time
	del           *delegationInfo
}

func (p *Policy) base() *objectBase {
	if p == nil {
		return nil
	}
	return &p.objectBase
}

// CreatePolicy creates a new policy of the specified type. Its secret mode is
// SecretModeNone until a secret is set.
func (c *Context) CreatePolicy(typ PolicyType) (*Policy, error) {
	if err := c.checkOpen("CreatePolicy"); err != nil {
		return nil, err
	}
	switch typ {
	case PolicyTypeUsage, PolicyTypeMigration:
	default:
		return nil, newError(ErrorKindInvalidObjectInitFlag, "CreatePolicy", fmt.Sprintf("invalid policy type %d", typ))
	}

	p := &Policy{typ: typ, mode: SecretModeNone, hashMode: HashModeNotNull, lifetime: SecretLifetimeAlways}
	c.addObject(p, ObjectTypePolicy)
	return p, nil
}

// Close removes this policy from its context.
func (p *Policy) Close() error {
	if err := checkValid("Close", p); err != nil {
		return err
	}
	return p.context.removeObject("Close", p)
}

// PolicyType returns the type of this policy.
func (p *Policy) PolicyType() PolicyType {
	return p.typ
}

func (p *Policy) rearmLocked() {
	p.remaining = p.lifetimeValue
	p.armedAt = timeNow()
}

// SetSecret sets the secret of this policy. In SecretModePlain, the secret is hashed with
// SHA-1 according to the current hash mode. In SecretModeSHA1, the secret must be a 20 byte
// digest. SecretModeNone clears the secret. Setting a secret re-arms the lifetime of the
// policy.
func (p *Policy) SetSecret(mode SecretMode, secret []byte) error {
	const op = "SetSecret"
	if err := checkValid(op, p); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch mode {
	case SecretModeNone:
		p.secret = AuthValue{}
	case SecretModePlain:
		h := sha1.New()
		h.Write(secret)
		if p.hashMode == HashModeNull {
			h.Write([]byte{0})
		}
		copy(p.secret[:], h.Sum(nil))
	case SecretModeSHA1:
		if len(secret) != sha1.Size {
			return makeInvalidArgError(op, "secret", fmt.Sprintf("invalid length (%d bytes)", len(secret)))
		}
		copy(p.secret[:], secret)
	case SecretModePopup:
		return makeInvalidArgError(op, "mode", "popup secrets are not supported")
	case SecretModeCallback:
		return makeInvalidArgError(op, "mode", "use SetCallback to set a callback")
	default:
		return makeInvalidArgError(op, "mode", fmt.Sprintf("invalid mode %d", mode))
	}

	p.mode = mode
	p.callback = nil
	p.rearmLocked()
	return nil
}

// SetCallback puts this policy in SecretModeCallback, obtaining its secret from fn whenever
// it is required.
func (p *Policy) SetCallback(fn SecretCallback) error {
	const op = "SetCallback"
	if err := checkValid(op, p); err != nil {
		return err
	}
	if fn == nil {
		return makeInvalidArgError(op, "fn", "nil callback")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.mode = SecretModeCallback
	p.callback = fn
	p.secret = AuthValue{}
	p.rearmLocked()
	return nil
}

// FlushSecret discards the secret of this policy. Subsequent uses fail with
// ErrorKindPolicyNoSecret until a new secret is set.
func (p *Policy) FlushSecret() error {
	if err := checkValid("FlushSecret", p); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.mode = SecretModeNone
	p.secret = AuthValue{}
	p.callback = nil
	return nil
}

func (p *Policy) expiredLocked() bool {
	switch p.lifetime {
	case SecretLifetimeCounter:
		return p.remaining == 0
	case SecretLifetimeTimer:
		return timeNow().Sub(p.armedAt) >= time.Duration(p.lifetimeValue)*time.Second
	default:
		return false
	}
}

// secretForUse returns the secret of this policy for authorizing a command.
func (p *Policy) secretForUse(op string) (AuthValue, error) {
	if err := checkValid(op, p); err != nil {
		return AuthValue{}, err
	}

	p.mu.Lock()
	mode := p.mode
	callback := p.callback
	secret := p.secret
	expired := p.expiredLocked()
	p.mu.Unlock()

	if mode == SecretModeNone {
		return AuthValue{}, newError(ErrorKindPolicyNoSecret, op, "")
	}
	if expired {
		return AuthValue{}, newError(ErrorKindInvalidObjectAccess, op, "policy secret has expired")
	}

	if mode == SecretModeCallback {
		s, err := callback(p)
		if err != nil {
			return AuthValue{}, err
		}
		if len(s) != sha1.Size {
			return AuthValue{}, makeInvalidArgError(op, "secret", fmt.Sprintf("callback returned a secret of invalid length (%d bytes)", len(s)))
		}
		copy(secret[:], s)
	}

	return secret, nil
}

// consume records a successful use of the secret.
func (p *Policy) consume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lifetime == SecretLifetimeCounter && p.remaining > 0 {
		p.remaining--
	}
}

// delegation returns the delegation that authorizes uses of this policy, or nil if it
// doesn't carry a usable one.
func (p *Policy) delegation() *delegationInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.del == nil || !p.del.usable() {
		return nil
	}
	d := *p.del
	return &d
}

// AssignTo assigns this policy to obj. A usage policy can be assigned to a *Key, *EncData,
// *NVStore or the *TPM (where it holds the owner secret). A migration policy can only be
// assigned to a *Key.
func (p *Policy) AssignTo(obj Object) error {
	const op = "AssignTo"
	if err := checkValid(op, p); err != nil {
		return err
	}
	if err := p.context.checkObject(op, obj); err != nil {
		return err
	}

	switch o := obj.(type) {
	case *Key:
		o.mu.Lock()
		defer o.mu.Unlock()
		if p.typ == PolicyTypeMigration {
			o.migrationPolicy = p
		} else {
			o.usagePolicy = p
		}
		return nil
	case *EncData, *NVStore, *TPM:
		if p.typ != PolicyTypeUsage {
			return makeInvalidArgError(op, "obj", fmt.Sprintf("cannot assign a migration policy to a %s object", obj.Type()))
		}
		switch o := obj.(type) {
		case *EncData:
			o.setPolicy(p)
		case *NVStore:
			o.setPolicy(p)
		case *TPM:
			o.setPolicy(p)
		}
		return nil
	default:
		return makeInvalidArgError(op, "obj", fmt.Sprintf("cannot assign a policy to a %s object", obj.Type()))
	}
}

// GetAttribUint32 implements Object.GetAttribUint32.
func (p *Policy) GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error) {
	if err := checkValid(opGetAttribUint32, p); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch flag {
	case PolicyAttribInfo:
		switch subFlag {
		case PolicyInfoSecretMode:
			return uint32(p.mode), nil
		case PolicyInfoType:
			return uint32(p.typ), nil
		}
	case PolicyAttribSecretLifetime:
		switch subFlag {
		case SecretLifetimeAlways:
			return boolToUint32(p.lifetime == SecretLifetimeAlways), nil
		case SecretLifetimeCounter:
			if p.lifetime != SecretLifetimeCounter {
				return 0, nil
			}
			return p.remaining, nil
		case SecretLifetimeTimer:
			if p.lifetime != SecretLifetimeTimer {
				return 0, nil
			}
			elapsed := timeNow().Sub(p.armedAt)
			total := time.Duration(p.lifetimeValue) * time.Second
			if elapsed >= total {
				return 0, nil
			}
			return uint32((total - elapsed + time.Second - 1) / time.Second), nil
		}
	case PolicyAttribSecretHashMode:
		if subFlag == HashModeSecret {
			return p.hashMode, nil
		}
	case PolicyAttribDelegationInfo:
		if p.del == nil {
			return 0, newError(ErrorKindInvalidObjectAccess, opGetAttribUint32, "policy has no delegation")
		}
		pub := p.del.public()
		switch subFlag {
		case DelegationType:
			return uint32(pub.Permissions.DelegateType), nil
		case DelegationIndex:
			if !p.del.hasRow {
				return 0, newError(ErrorKindInvalidObjectAccess, opGetAttribUint32, "delegation is not cached in the table")
			}
			return p.del.row, nil
		case DelegationPer1:
			return pub.Permissions.Per1, nil
		case DelegationPer2:
			return pub.Permissions.Per2, nil
		case DelegationLabel:
			return uint32(pub.RowLabel), nil
		case DelegationFamilyID:
			return pub.FamilyID, nil
		case DelegationVerificationCount:
			return pub.VerificationCount, nil
		}
	case PolicyAttribDelegationState:
		switch subFlag {
		case DelegationStateHasBlob:
			return boolToUint32(p.del != nil && p.del.blob() != nil), nil
		case DelegationStateHasRow:
			return boolToUint32(p.del != nil && p.del.hasRow), nil
		}
	default:
		return 0, invalidAttribFlagError(opGetAttribUint32, ObjectTypePolicy, flag)
	}
	return 0, invalidAttribSubFlagError(opGetAttribUint32, ObjectTypePolicy, flag, subFlag)
}

// SetAttribUint32 implements Object.SetAttribUint32.
func (p *Policy) SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error {
	if err := checkValid(opSetAttribUint32, p); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch flag {
	case PolicyAttribSecretLifetime:
		switch subFlag {
		case SecretLifetimeAlways:
			p.lifetime = SecretLifetimeAlways
			p.lifetimeValue = 0
			return nil
		case SecretLifetimeCounter, SecretLifetimeTimer:
			p.lifetime = subFlag
			p.lifetimeValue = value
			p.rearmLocked()
			return nil
		}
	case PolicyAttribSecretHashMode:
		if subFlag == HashModeSecret {
			if value != HashModeNull && value != HashModeNotNull {
				return makeInvalidArgError(opSetAttribUint32, "value", fmt.Sprintf("invalid hash mode %d", value))
			}
			p.hashMode = value
			return nil
		}
	case PolicyAttribDelegationInfo:
		switch subFlag {
		case DelegationIndex:
			d := p.pendingDelegationLocked()
			d.row = value
			d.hasRow = true
			d.useRow = true
			return nil
		case DelegationType:
			switch t := DelegateType(value); t {
			case DelegateTypeOwner, DelegateTypeKey:
				p.pendingDelegationLocked().pub.Permissions.DelegateType = t
				return nil
			default:
				return makeInvalidArgError(opSetAttribUint32, "value", fmt.Sprintf("invalid delegation type %d", value))
			}
		case DelegationPer1:
			p.pendingDelegationLocked().pub.Permissions.Per1 = value
			return nil
		case DelegationPer2:
			p.pendingDelegationLocked().pub.Permissions.Per2 = value
			return nil
		}
	default:
		return invalidAttribFlagError(opSetAttribUint32, ObjectTypePolicy, flag)
	}
	return invalidAttribSubFlagError(opSetAttribUint32, ObjectTypePolicy, flag, subFlag)
}

// GetAttribData implements Object.GetAttribData.
func (p *Policy) GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error) {
	if err := checkValid(opGetAttribData, p); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch flag {
	case PolicyAttribDelegationInfo:
		if subFlag != DelegationBlob {
			return nil, invalidAttribSubFlagError(opGetAttribData, ObjectTypePolicy, flag, subFlag)
		}
		if p.del == nil || p.del.blob() == nil {
			return nil, newError(ErrorKindInvalidObjectAccess, opGetAttribData, "policy has no delegation blob")
		}
		return mu.MustMarshalToBytes(p.del.blob()), nil
	default:
		return nil, invalidAttribFlagError(opGetAttribData, ObjectTypePolicy, flag)
	}
}

// SetAttribData implements Object.SetAttribData. Setting DelegationBlob accepts a
// marshalled owner or key delegation blob.
func (p *Policy) SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error {
	if err := checkValid(opSetAttribData, p); err != nil {
		return err
	}

	switch flag {
	case PolicyAttribDelegationInfo:
		if subFlag != DelegationBlob {
			return invalidAttribSubFlagError(opSetAttribData, ObjectTypePolicy, flag, subFlag)
		}
		d, err := parseDelegationBlob(data)
		if err != nil {
			return makeInvalidArgError(opSetAttribData, "data", err.Error())
		}
		p.setDelegation(d)
		return nil
	default:
		return invalidAttribFlagError(opSetAttribData, ObjectTypePolicy, flag)
	}
}

func (p *Policy) setDelegation(d *delegationInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.del = d
}
