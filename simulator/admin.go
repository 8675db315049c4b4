// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"crypto/rsa"
	"crypto/sha1"
	"io"
	"sort"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/crypt"
	"github.com/canonical/go-tss/mu"
)

const protocolIDOwner uint16 = 5

var ownershipOAEPLabel = []byte("TCPA")

// firstResettablePCR is the lowest PCR index that can be reset with TPM_PCR_Reset.
const firstResettablePCR = 16

func (d *Device) composite(sel tss.PCRSelection) (*tss.PCRCompositeData, error) {
	composite := &tss.PCRCompositeData{Selection: sel}
	for _, i := range sel.Indices() {
		if i >= tss.NumPCRs {
			return nil, tpmError(tss.ErrorInvalidPCRInfo)
		}
		composite.Values = append(composite.Values, d.pcrs[i][:]...)
	}
	return composite, nil
}

func (c *commandContext) extend() ([]interface{}, error) {
	var index uint32
	var digest tss.Digest
	if err := c.unmarshalParams(&index, &digest); err != nil {
		return nil, err
	}
	if index >= tss.NumPCRs {
		return nil, tpmError(tss.ErrorBadIndex)
	}

	d := c.device
	h := sha1.New()
	h.Write(d.pcrs[index][:])
	h.Write(digest[:])
	copy(d.pcrs[index][:], h.Sum(nil))

	return []interface{}{d.pcrs[index]}, nil
}

func (c *commandContext) pcrRead() ([]interface{}, error) {
	var index uint32
	if err := c.unmarshalParams(&index); err != nil {
		return nil, err
	}
	if index >= tss.NumPCRs {
		return nil, tpmError(tss.ErrorBadIndex)
	}
	return []interface{}{c.device.pcrs[index]}, nil
}

func (c *commandContext) pcrReset() ([]interface{}, error) {
	var sel tss.PCRSelection
	if err := c.unmarshalParams(&sel); err != nil {
		return nil, err
	}

	indices := sel.Indices()
	for _, i := range indices {
		if i >= tss.NumPCRs {
			return nil, tpmError(tss.ErrorBadIndex)
		}
		if i < firstResettablePCR {
			return nil, tpmError(tss.ErrorNotResettable)
		}
	}
	for _, i := range indices {
		c.device.pcrs[i] = tss.Digest{}
	}
	return nil, nil
}

func (c *commandContext) getRandom() ([]interface{}, error) {
	var n uint32
	if err := c.unmarshalParams(&n); err != nil {
		return nil, err
	}
	if n > maxRandom {
		n = maxRandom
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(c.device.rand, out); err != nil {
		return nil, tpmError(tss.ErrorFail)
	}
	return []interface{}{out}, nil
}

func (d *Device) property(property tss.Property) (uint32, error) {
	switch property {
	case tss.PropertyPCR:
		return tss.NumPCRs, nil
	case tss.PropertyManufacturer:
		return manufacturer, nil
	case tss.PropertyKeys:
		return uint32(d.maxKeys - len(d.keys)), nil
	case tss.PropertyMaxAuthSess:
		return uint32(d.maxSessions), nil
	case tss.PropertyMaxKeys:
		return uint32(d.maxKeys), nil
	case tss.PropertyDelegateRows:
		return delegateRows, nil
	case tss.PropertyFamilyRows:
		return familyRows, nil
	default:
		return 0, tpmError(tss.ErrorBadParameter)
	}
}

func (c *commandContext) getCapability() ([]interface{}, error) {
	var capability tss.Capability
	var subCap []byte
	if err := c.unmarshalParams(&capability, &subCap); err != nil {
		return nil, err
	}

	d := c.device
	sub, ok := beUint32(subCap)
	if !ok {
		return nil, tpmError(tss.ErrorBadParameter)
	}

	switch capability {
	case tss.CapabilityProperty:
		value, err := d.property(tss.Property(sub))
		if err != nil {
			return nil, err
		}
		return []interface{}{mu.MustMarshalToBytes(value)}, nil
	case tss.CapabilityHandle:
		if tss.ResourceType(sub) != tss.ResourceKey {
			return nil, tpmError(tss.ErrorBadParameter)
		}
		handles := make([]tss.Handle, 0, len(d.keys))
		for h := range d.keys {
			handles = append(handles, h)
		}
		sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
		return []interface{}{mu.MustMarshalToBytes(handles)}, nil
	default:
		return nil, tpmError(tss.ErrorBadParameter)
	}
}

func (d *Device) ekPub() *tss.PubKey {
	return &tss.PubKey{
		AlgorithmParms: tss.KeyParms{
			AlgorithmID: tss.AlgorithmRSA,
			EncScheme:   tss.EncSchemeRSAOAEPSHA1,
			SigScheme:   tss.SigSchemeNone,
			Parms:       &tss.RSAKeyParms{KeyLength: uint32(d.ek.N.BitLen()), NumPrimes: 2}},
		Key: d.ek.N.FillBytes(make([]byte, d.ek.Size()))}
}

func (c *commandContext) readPubek() ([]interface{}, error) {
	var nonce tss.Nonce
	if err := c.unmarshalParams(&nonce); err != nil {
		return nil, err
	}

	pub := c.device.ekPub()
	h := sha1.New()
	mu.MarshalToWriter(h, pub, nonce)
	var checksum tss.Digest
	copy(checksum[:], h.Sum(nil))

	return []interface{}{pub, checksum}, nil
}

func rsaDecryptOAEP(priv *rsa.PrivateKey, data, label []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), nil, priv, data, label)
}

func (d *Device) decryptWithEK(data []byte) (tss.AuthValue, error) {
	secret, err := rsaDecryptOAEP(d.ek, data, ownershipOAEPLabel)
	if err != nil || len(secret) != len(tss.AuthValue{}) {
		return tss.AuthValue{}, tpmError(tss.ErrorDecryptError)
	}
	var out tss.AuthValue
	copy(out[:], secret)
	return out, nil
}

func (c *commandContext) takeOwnership() ([]interface{}, error) {
	var protocolID uint16
	var encOwnerAuth, encSRKAuth []byte
	var template tss.Key12
	if err := c.unmarshalParams(&protocolID, &encOwnerAuth, &encSRKAuth, &template); err != nil {
		return nil, err
	}

	d := c.device
	if d.owned {
		return nil, tpmError(tss.ErrorOwnerSet)
	}
	if protocolID != protocolIDOwner {
		return nil, tpmError(tss.ErrorBadParameter)
	}

	ownerAuth, err := d.decryptWithEK(encOwnerAuth)
	if err != nil {
		return nil, err
	}
	srkAuth, err := d.decryptWithEK(encSRKAuth)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(0, &entity{typ: tss.EntityOwner, value: uint32(tss.HandleOwner), secret: ownerAuth}); err != nil {
		return nil, err
	}

	if template.KeyUsage != tss.KeyUsageStorage || template.KeyFlags&tss.KeyFlagMigratable != 0 {
		return nil, tpmError(tss.ErrorInvalidKeyUsage)
	}

	var proof tss.AuthValue
	if _, err := io.ReadFull(d.rand, proof[:]); err != nil {
		return nil, tpmError(tss.ErrorFail)
	}

	blob, priv, err := d.generateKey(&template)
	if err != nil {
		return nil, err
	}
	sensitive := tss.StoreAsymKey{
		Payload:       tss.PayloadAsymmetric,
		UsageAuth:     srkAuth,
		MigrationAuth: proof,
		PubDataDigest: blob.PubDataDigest(),
		PrivKey:       priv.Primes[0].Bytes()}
	if blob.EncData, err = d.wrapSensitive(&d.ek.PublicKey, crypt.KeyBlobLabel, &sensitive); err != nil {
		return nil, err
	}

	d.owned = true
	d.ownerAuth = ownerAuth
	d.proof = proof
	d.srk = newKeySlot(blob, priv, &sensitive)
	d.srk.handle = tss.HandleSRK

	return []interface{}{blob}, nil
}
