// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"io"
	"sync"

	"golang.org/x/xerrors"

	"github.com/canonical/go-tss/mu"
)

const protocolIDOwner uint16 = 0x0005

var ownershipOAEPLabel = []byte("TCPA")

// TPM represents the TPM device itself. Its usage policy holds the owner secret, which
// authorizes owner commands.
type TPM struct {
	objectBase

	mu     sync.Mutex
	policy *Policy
}

func (t *TPM) base() *objectBase {
	if t == nil {
		return nil
	}
	return &t.objectBase
}

func (t *TPM) setPolicy(p *Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy = p
}

func (t *TPM) usagePolicy() *Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy
}

// Close always fails, as the TPM object lives as long as its context.
func (t *TPM) Close() error {
	if err := checkValid("Close", t); err != nil {
		return err
	}
	return newError(ErrorKindInvalidObjectAccess, "Close", "the TPM object can't be closed")
}

// authorizeOwner begins an authorization for an owner command with the owner secret.
func (t *TPM) authorizeOwner(op string, shared bool) (*commandAuth, error) {
	return t.context.authorize(op, t.usagePolicy(), authEntity{EntityOwner, uint32(HandleOwner)}, shared)
}

func (c *Context) pcrRead(index int) (Digest, error) {
	var d Digest
	if err := c.StartCommand(CommandPCRRead).AddParams(uint32(index)).Run(&d); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// PcrRead returns the current value of the specified PCR.
func (t *TPM) PcrRead(index int) (Digest, error) {
	const op = "PcrRead"
	if err := checkValid(op, t); err != nil {
		return Digest{}, err
	}
	if err := checkPCRIndex(op, index); err != nil {
		return Digest{}, err
	}
	return t.context.pcrRead(index)
}

// PcrExtend extends the specified PCR with the SHA-1 digest of data, and returns the new
// value of the PCR.
func (t *TPM) PcrExtend(index int, data []byte) (Digest, error) {
	const op = "PcrExtend"
	if err := checkValid(op, t); err != nil {
		return Digest{}, err
	}
	if err := checkPCRIndex(op, index); err != nil {
		return Digest{}, err
	}

	var out Digest
	if err := t.context.StartCommand(CommandExtend).AddParams(uint32(index), Digest(sha1.Sum(data))).Run(&out); err != nil {
		return Digest{}, err
	}
	return out, nil
}

// PcrReset resets the PCRs selected by pcrs to zero. Only PCRs 16 to 23 can be reset.
// Other PCRs cause the TPM to return ErrorNotResettable.
func (t *TPM) PcrReset(pcrs *PCRComposite) error {
	const op = "PcrReset"
	if err := checkValid(op, t); err != nil {
		return err
	}
	if err := t.context.checkObject(op, pcrs); err != nil {
		return err
	}
	sel := pcrs.Selection()
	if len(sel.Indices()) == 0 {
		return makeInvalidArgError(op, "pcrs", "no PCRs are selected")
	}
	return t.context.StartCommand(CommandPCRReset).AddParams(sel).Run()
}

// GetRandom returns n random bytes from the TPM.
func (t *TPM) GetRandom(n uint32) ([]byte, error) {
	const op = "GetRandom"
	if err := checkValid(op, t); err != nil {
		return nil, err
	}

	var out []byte
	if err := t.context.StartCommand(CommandGetRandom).AddParams(n).Run(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCapability returns the raw response to a capability query.
func (t *TPM) GetCapability(capability Capability, subCap []byte) ([]byte, error) {
	const op = "GetCapability"
	if err := checkValid(op, t); err != nil {
		return nil, err
	}

	var out []byte
	if err := t.context.StartCommand(CommandGetCapability).AddParams(capability, subCap).Run(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCapabilityProperty returns the value of the specified property.
func (t *TPM) GetCapabilityProperty(property Property) (uint32, error) {
	data, err := t.GetCapability(CapabilityProperty, mu.MustMarshalToBytes(uint32(property)))
	if err != nil {
		return 0, err
	}
	var value uint32
	if _, err := mu.UnmarshalFromBytes(data, &value); err != nil {
		return 0, &InvalidResponseError{CommandGetCapability, fmt.Sprintf("cannot decode property: %v", err)}
	}
	return value, nil
}

// GetLoadedKeyHandles returns the handles of every key that is currently loaded on the
// TPM, including those loaded through other contexts.
func (t *TPM) GetLoadedKeyHandles() ([]Handle, error) {
	data, err := t.GetCapability(CapabilityHandle, mu.MustMarshalToBytes(uint32(ResourceKey)))
	if err != nil {
		return nil, err
	}
	var handles []Handle
	if _, err := mu.UnmarshalFromBytes(data, &handles); err != nil {
		return nil, &InvalidResponseError{CommandGetCapability, fmt.Sprintf("cannot decode handles: %v", err)}
	}
	return handles, nil
}

// ReadPubek returns the public part of the endorsement key. The checksum returned by the TPM
// is verified against a fresh nonce.
func (t *TPM) ReadPubek() (*PubKey, error) {
	const op = "ReadPubek"
	if err := checkValid(op, t); err != nil {
		return nil, err
	}

	var nonce Nonce
	if _, err := io.ReadFull(t.context.rand, nonce[:]); err != nil {
		return nil, xerrors.Errorf("cannot obtain nonce: %w", err)
	}

	var pub PubKey
	var checksum Digest
	if err := t.context.StartCommand(CommandReadPubek).AddParams(nonce).Run(&pub, &checksum); err != nil {
		return nil, err
	}

	h := sha1.New()
	mu.MarshalToWriter(h, &pub, nonce)
	if !hmac.Equal(h.Sum(nil), checksum[:]) {
		return nil, &InvalidResponseError{CommandReadPubek, "invalid checksum"}
	}
	return &pub, nil
}

// TakeOwnership takes ownership of the TPM with the owner secret from the usage policy of
// the TPM object, creating a new SRK with the usage secret from the usage policy of srk.
// The secrets are encrypted with the endorsement key. On success, srk holds the blob of the
// new SRK. This fails with ErrorOwnerSet if the TPM already has an owner.
func (t *TPM) TakeOwnership(srk *Key) error {
	const op = "TakeOwnership"
	if err := checkValid(op, t); err != nil {
		return err
	}
	c := t.context
	if err := c.checkObject(op, srk); err != nil {
		return err
	}

	ownerPolicy := t.usagePolicy()
	if ownerPolicy == nil {
		return newError(ErrorKindPolicyNoSecret, op, "no owner policy is assigned")
	}
	ownerAuth, err := ownerPolicy.secretForUse(op)
	if err != nil {
		return err
	}
	srkPolicy := srk.policy()
	if srkPolicy == nil {
		return newError(ErrorKindPolicyNoSecret, op, "no SRK policy is assigned")
	}
	srkAuth, err := srkPolicy.secretForUse(op)
	if err != nil {
		return err
	}

	ekPub, err := t.ReadPubek()
	if err != nil {
		return xerrors.Errorf("cannot read endorsement key: %w", err)
	}
	ek, err := ekPub.RSAPublicKey()
	if err != nil {
		return xerrors.Errorf("cannot decode endorsement key: %w", err)
	}

	encOwnerAuth, err := rsa.EncryptOAEP(sha1.New(), c.rand, ek, ownerAuth[:], ownershipOAEPLabel)
	if err != nil {
		return xerrors.Errorf("cannot encrypt owner secret: %w", err)
	}
	encSRKAuth, err := rsa.EncryptOAEP(sha1.New(), c.rand, ek, srkAuth[:], ownershipOAEPLabel)
	if err != nil {
		return xerrors.Errorf("cannot encrypt SRK secret: %w", err)
	}

	srk.mu.Lock()
	srk.usage = KeyUsageStorage
	srk.encScheme, srk.sigScheme = defaultSchemesForUsage(KeyUsageStorage)
	template := srk.templateLocked(nil)
	srk.mu.Unlock()

	s, err := c.startOIAP()
	if err != nil {
		return err
	}
	auth := &commandAuth{session: s, key: ownerAuth}
	defer auth.end()

	var blob Key12
	if err := c.StartCommand(CommandTakeOwnership).
		AddParams(protocolIDOwner, encOwnerAuth, encSRKAuth, template).
		addAuths(auth).
		Run(&blob); err != nil {
		return err
	}

	srk.setBlob(&blob)
	c.logger.Debug("took ownership")
	return nil
}

// Validation contains the data signed by the TPM along with the signature.
type Validation struct {
	ExternalData Nonce
	Data         []byte
	Signature    []byte
}

// Quote signs the current values of the PCRs selected by pcrs with key, which must be a
// signing or identity key, and returns the quoted values along with the signed data. The
// signature is verified before this returns.
func (t *TPM) Quote(key *Key, pcrs *PCRComposite, nonce Nonce) (*PCRCompositeData, *Validation, error) {
	const op = "Quote"
	if err := checkValid(op, t); err != nil {
		return nil, nil, err
	}
	c := t.context
	if err := c.checkObject(op, key); err != nil {
		return nil, nil, err
	}
	if err := c.checkObject(op, pcrs); err != nil {
		return nil, nil, err
	}
	sel := pcrs.Selection()

	pub, err := key.PublicKey()
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot obtain public key: %w", err)
	}

	handles, release, err := c.keys.acquire(key)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	auth, err := key.authorizeUsage(op, handles[0], false)
	if err != nil {
		return nil, nil, err
	}
	defer auth.end()

	var composite PCRCompositeData
	var sig []byte
	if err := c.StartCommand(CommandQuote).AddHandles(handles[0]).
		AddParams(nonce, sel).
		addAuths(auth).
		Run(&composite, &sig); err != nil {
		return nil, nil, err
	}

	info := QuoteInfo{
		Version:      Version{1, 1, 0, 0},
		Fixed:        [4]byte{'Q', 'U', 'O', 'T'},
		Digest:       composite.Digest(),
		ExternalData: nonce}
	data := mu.MustMarshalToBytes(&info)
	digest := sha1.Sum(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig); err != nil {
		return nil, nil, &InvalidResponseError{CommandQuote, fmt.Sprintf("invalid signature: %v", err)}
	}

	return &composite, &Validation{ExternalData: nonce, Data: data, Signature: sig}, nil
}

// GetAttribUint32 implements Object.GetAttribUint32. TPMAttribCapProperty queries the
// property identified by the sub-flag.
func (t *TPM) GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error) {
	if err := checkValid(opGetAttribUint32, t); err != nil {
		return 0, err
	}
	if flag != TPMAttribCapProperty {
		return 0, invalidAttribFlagError(opGetAttribUint32, ObjectTypeTPM, flag)
	}
	switch p := Property(subFlag); p {
	case PropertyPCR, PropertyManufacturer, PropertyKeys, PropertyMaxAuthSess, PropertyMaxKeys,
		PropertyDelegateRows, PropertyFamilyRows:
		return t.GetCapabilityProperty(p)
	default:
		return 0, invalidAttribSubFlagError(opGetAttribUint32, ObjectTypeTPM, flag, subFlag)
	}
}

// SetAttribUint32 implements Object.SetAttribUint32. There are no settable attributes.
func (t *TPM) SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error {
	if err := checkValid(opSetAttribUint32, t); err != nil {
		return err
	}
	if flag != TPMAttribCapProperty {
		return invalidAttribFlagError(opSetAttribUint32, ObjectTypeTPM, flag)
	}
	return newError(ErrorKindInvalidObjectAccess, opSetAttribUint32, "capability properties are read only")
}

// GetAttribData implements Object.GetAttribData. There are no data attributes.
func (t *TPM) GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error) {
	if err := checkValid(opGetAttribData, t); err != nil {
		return nil, err
	}
	return nil, invalidAttribFlagError(opGetAttribData, ObjectTypeTPM, flag)
}

// SetAttribData implements Object.SetAttribData. There are no data attributes.
func (t *TPM) SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error {
	if err := checkValid(opSetAttribData, t); err != nil {
		return err
	}
	return invalidAttribFlagError(opSetAttribData, ObjectTypeTPM, flag)
}
