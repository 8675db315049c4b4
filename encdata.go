// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"sync"

	"golang.org/x/xerrors"

	"github.com/canonical/go-tss/mu"
)

// EncDataType describes how the data in an EncData object is protected.
type EncDataType uint32

const (
	// EncDataTypeSeal is data sealed by the TPM to a storage key and, optionally, to PCR
	// values.
	EncDataTypeSeal EncDataType = 1

	// EncDataTypeBind is data encrypted on the client to the public part of a bind key.
	EncDataTypeBind EncDataType = 2

	// EncDataTypeLegacy is data encrypted on the client to the public part of a legacy key.
	EncDataTypeLegacy EncDataType = 3
)

var boundDataVersion = Version{1, 1, 0, 0}

var bindOAEPLabel = []byte("TCPA")

// EncData holds data that is encrypted to a key, either by sealing it on the TPM or by
// binding it on the client. Sealed data has a usage secret, supplied by its usage policy,
// that is required to unseal it.
type EncData struct {
	objectBase
	typ EncDataType

	mu     sync.Mutex
	policy *Policy
	blob   []byte
}

func (e *EncData) base() *objectBase {
	if e == nil {
		return nil
	}
	return &e.objectBase
}

// CreateEncData creates a new empty EncData object of the specified type. The context
// default policy is assigned as its usage policy.
func (c *Context) CreateEncData(typ EncDataType) (*EncData, error) {
	const op = "CreateEncData"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	switch typ {
	case EncDataTypeSeal, EncDataTypeBind, EncDataTypeLegacy:
	default:
		return nil, newError(ErrorKindInvalidObjectInitFlag, op, fmt.Sprintf("invalid type %d", typ))
	}

	e := &EncData{typ: typ, policy: c.defaultPolicy}
	c.addObject(e, ObjectTypeEncData)
	return e, nil
}

// Close removes this object from its context.
func (e *EncData) Close() error {
	if err := checkValid("Close", e); err != nil {
		return err
	}
	return e.context.removeObject("Close", e)
}

func (e *EncData) setPolicy(p *Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

func (e *EncData) usagePolicy() *Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

func (e *EncData) data() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blob
}

func (e *EncData) setData(blob []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blob = blob
}

func (e *EncData) checkType(op string, types ...EncDataType) error {
	for _, t := range types {
		if e.typ == t {
			return nil
		}
	}
	return newError(ErrorKindInvalidObjectType, op, fmt.Sprintf("invalid operation for EncData of type %d", e.typ))
}

// Seal seals data with key, which must be a storage key. If pcrs is supplied, the data can
// only be unsealed when the selected PCRs have the values in pcrs, where PCRs without an
// expected value take their current value. The usage secret of the sealed data comes from
// the usage policy of this object.
func (e *EncData) Seal(key *Key, data []byte, pcrs *PCRComposite) error {
	const op = "Seal"
	if err := checkValid(op, e); err != nil {
		return err
	}
	if err := e.checkType(op, EncDataTypeSeal); err != nil {
		return err
	}
	c := e.context
	if err := c.checkObject(op, key); err != nil {
		return err
	}

	var pcrInfo *PCRInfo
	if pcrs != nil {
		if err := c.checkObject(op, pcrs); err != nil {
			return err
		}
		var err error
		pcrInfo, err = pcrs.pcrInfo(op)
		if err != nil {
			return err
		}
	}

	policy := e.usagePolicy()
	if policy == nil {
		return newError(ErrorKindPolicyNoSecret, op, "no usage policy is assigned")
	}
	dataAuth, err := policy.secretForUse(op)
	if err != nil {
		return err
	}

	handles, release, err := c.keys.acquire(key)
	if err != nil {
		return err
	}
	defer release()

	auth, err := key.authorizeShared(op, handles[0])
	if err != nil {
		return err
	}
	defer auth.end()

	var sealed StoredData12
	if err := c.StartCommand(CommandSeal).AddHandles(handles[0]).
		AddParams(auth.session.encryptAuth(dataAuth, false), marshalPCRInfo(pcrInfo), data).
		addAuths(auth).
		Run(&sealed); err != nil {
		return err
	}

	e.setData(mu.MustMarshalToBytes(&sealed))
	return nil
}

// Unseal unseals the data held by this object with key. This requires the usage secret of
// key and the usage secret of this object. It fails with ErrorWrongPCRVal from the TPM if the
// data was sealed to PCR values that differ from the current values.
func (e *EncData) Unseal(key *Key) ([]byte, error) {
	const op = "Unseal"
	if err := checkValid(op, e); err != nil {
		return nil, err
	}
	if err := e.checkType(op, EncDataTypeSeal); err != nil {
		return nil, err
	}
	c := e.context
	if err := c.checkObject(op, key); err != nil {
		return nil, err
	}

	blob := e.data()
	if len(blob) == 0 {
		return nil, newError(ErrorKindInvalidObjectAccess, op, "no data has been sealed")
	}
	var sealed StoredData12
	if _, err := mu.UnmarshalFromBytes(blob, &sealed); err != nil {
		return nil, newError(ErrorKindInvalidObjectAccess, op, fmt.Sprintf("invalid sealed blob: %v", err))
	}

	handles, release, err := c.keys.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	keyAuth, err := key.authorizeUsage(op, handles[0], false)
	if err != nil {
		return nil, err
	}
	defer keyAuth.end()

	dataAuth, err := c.authorize(op, e.usagePolicy(), authEntity{EntityData, 0}, false)
	if err != nil {
		return nil, err
	}
	defer dataAuth.end()

	var data []byte
	if err := c.StartCommand(CommandUnseal).AddHandles(handles[0]).
		AddParams(&sealed).
		addAuths(keyAuth, dataAuth).
		Run(&data); err != nil {
		return nil, err
	}
	return data, nil
}

// Bind encrypts data to the public part of key on the client. The key's encryption scheme
// selects PKCS#1 v1.5 or OAEP padding. The data must fit in a single block for the key.
func (e *EncData) Bind(key *Key, data []byte) error {
	const op = "Bind"
	if err := checkValid(op, e); err != nil {
		return err
	}
	if err := e.checkType(op, EncDataTypeBind, EncDataTypeLegacy); err != nil {
		return err
	}
	c := e.context
	if err := c.checkObject(op, key); err != nil {
		return err
	}

	pub, err := key.PublicKey()
	if err != nil {
		return xerrors.Errorf("cannot obtain public key: %w", err)
	}

	key.mu.Lock()
	scheme := key.encScheme
	key.mu.Unlock()

	plaintext := mu.MustMarshalToBytes(&BoundData{Version: boundDataVersion, Payload: PayloadBind, Data: data})

	var ciphertext []byte
	switch scheme {
	case EncSchemeRSAPKCSv15:
		if len(plaintext) > pub.Size()-11 {
			return makeInvalidArgError(op, "data", fmt.Sprintf("too large (%d bytes)", len(data)))
		}
		ciphertext, err = rsa.EncryptPKCS1v15(c.rand, pub, plaintext)
	case EncSchemeRSAOAEPSHA1:
		if len(plaintext) > pub.Size()-2*sha1.Size-2 {
			return makeInvalidArgError(op, "data", fmt.Sprintf("too large (%d bytes)", len(data)))
		}
		ciphertext, err = rsa.EncryptOAEP(sha1.New(), c.rand, pub, plaintext, bindOAEPLabel)
	default:
		return makeInvalidArgError(op, "key", "key has no encryption scheme")
	}
	if err != nil {
		return xerrors.Errorf("cannot encrypt data: %w", err)
	}

	e.setData(ciphertext)
	return nil
}

// Unbind decrypts the data held by this object with key on the TPM.
func (e *EncData) Unbind(key *Key) ([]byte, error) {
	const op = "Unbind"
	if err := checkValid(op, e); err != nil {
		return nil, err
	}
	if err := e.checkType(op, EncDataTypeBind, EncDataTypeLegacy); err != nil {
		return nil, err
	}
	c := e.context
	if err := c.checkObject(op, key); err != nil {
		return nil, err
	}

	blob := e.data()
	if len(blob) == 0 {
		return nil, newError(ErrorKindInvalidObjectAccess, op, "no data has been bound")
	}

	handles, release, err := c.keys.acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	auth, err := key.authorizeUsage(op, handles[0], false)
	if err != nil {
		return nil, err
	}
	defer auth.end()

	var data []byte
	if err := c.StartCommand(CommandUnBind).AddHandles(handles[0]).
		AddParams(blob).
		addAuths(auth).
		Run(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func (e *EncData) sealInfo(op string) (*PCRInfo, error) {
	if e.typ != EncDataTypeSeal {
		return nil, newError(ErrorKindInvalidObjectAccess, op, "data is not sealed")
	}
	blob := e.data()
	if len(blob) == 0 {
		return nil, newError(ErrorKindInvalidObjectAccess, op, "no data has been sealed")
	}
	var sealed StoredData12
	if _, err := mu.UnmarshalFromBytes(blob, &sealed); err != nil {
		return nil, newError(ErrorKindInvalidObjectAccess, op, fmt.Sprintf("invalid sealed blob: %v", err))
	}
	if sealed.SealInfo == nil {
		return nil, newError(ErrorKindInvalidObjectAccess, op, "data is not sealed to PCRs")
	}
	return sealed.SealInfo, nil
}

// GetAttribUint32 implements Object.GetAttribUint32. EncDataAttribType returns the type of
// this object.
func (e *EncData) GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error) {
	if err := checkValid(opGetAttribUint32, e); err != nil {
		return 0, err
	}
	switch flag {
	case EncDataAttribType:
		if subFlag != EncDataTypeValue {
			return 0, invalidAttribSubFlagError(opGetAttribUint32, ObjectTypeEncData, flag, subFlag)
		}
		return uint32(e.typ), nil
	case EncDataAttribBlob, EncDataAttribPCR:
		return 0, invalidAttribSubFlagError(opGetAttribUint32, ObjectTypeEncData, flag, subFlag)
	default:
		return 0, invalidAttribFlagError(opGetAttribUint32, ObjectTypeEncData, flag)
	}
}

// SetAttribUint32 implements Object.SetAttribUint32. The type can't be changed.
func (e *EncData) SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error {
	if err := checkValid(opSetAttribUint32, e); err != nil {
		return err
	}
	switch flag {
	case EncDataAttribType:
		if subFlag != EncDataTypeValue {
			return invalidAttribSubFlagError(opSetAttribUint32, ObjectTypeEncData, flag, subFlag)
		}
		return newError(ErrorKindInvalidObjectAccess, opSetAttribUint32, "the type is read only")
	case EncDataAttribBlob, EncDataAttribPCR:
		return invalidAttribSubFlagError(opSetAttribUint32, ObjectTypeEncData, flag, subFlag)
	default:
		return invalidAttribFlagError(opSetAttribUint32, ObjectTypeEncData, flag)
	}
}

// GetAttribData implements Object.GetAttribData. EncDataAttribBlob returns the encrypted
// data, and EncDataAttribPCR returns the PCR binding of sealed data.
func (e *EncData) GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error) {
	const op = opGetAttribData
	if err := checkValid(op, e); err != nil {
		return nil, err
	}
	switch flag {
	case EncDataAttribBlob:
		if subFlag != EncDataBlobBlob {
			return nil, invalidAttribSubFlagError(op, ObjectTypeEncData, flag, subFlag)
		}
		blob := e.data()
		if len(blob) == 0 {
			return nil, newError(ErrorKindInvalidObjectAccess, op, "object has no data")
		}
		return append([]byte(nil), blob...), nil
	case EncDataAttribPCR:
		switch subFlag {
		case PCRDigestAtCreation, PCRDigestAtRelease, PCRInfoSelection:
		default:
			return nil, invalidAttribSubFlagError(op, ObjectTypeEncData, flag, subFlag)
		}
		info, err := e.sealInfo(op)
		if err != nil {
			return nil, err
		}
		switch subFlag {
		case PCRDigestAtCreation:
			return info.DigestAtCreation[:], nil
		case PCRDigestAtRelease:
			return info.DigestAtRelease[:], nil
		default:
			return mu.MustMarshalToBytes(info.Selection), nil
		}
	case EncDataAttribType:
		return nil, invalidAttribSubFlagError(op, ObjectTypeEncData, flag, subFlag)
	default:
		return nil, invalidAttribFlagError(op, ObjectTypeEncData, flag)
	}
}

// SetAttribData implements Object.SetAttribData. Setting EncDataBlobBlob supplies
// previously exported encrypted data.
func (e *EncData) SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error {
	const op = opSetAttribData
	if err := checkValid(op, e); err != nil {
		return err
	}
	switch flag {
	case EncDataAttribBlob:
		if subFlag != EncDataBlobBlob {
			return invalidAttribSubFlagError(op, ObjectTypeEncData, flag, subFlag)
		}
		if e.typ == EncDataTypeSeal {
			var sealed StoredData12
			if _, err := mu.UnmarshalFromBytes(data, &sealed); err != nil {
				return makeInvalidArgError(op, "data", fmt.Sprintf("cannot unmarshal sealed blob: %v", err))
			}
		}
		e.setData(append([]byte(nil), data...))
		return nil
	case EncDataAttribPCR, EncDataAttribType:
		return invalidAttribSubFlagError(op, ObjectTypeEncData, flag, subFlag)
	default:
		return invalidAttribFlagError(op, ObjectTypeEncData, flag)
	}
}
