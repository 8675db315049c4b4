// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/crypt"
	"github.com/canonical/go-tss/mu"
)

var (
	boundDataVersion = tss.Version{Major: 1, Minor: 1}
	quoteInfoFixed   = [4]byte{'Q', 'U', 'O', 'T'}
	bindOAEPLabel    = []byte("TCPA")
)

// sealedData is the sensitive part of a sealed blob.
type sealedData struct {
	AuthData     tss.AuthValue
	Proof        tss.AuthValue
	StoredDigest tss.Digest
	Data         []byte
}

func storedDigest(sealed *tss.StoredData12) tss.Digest {
	s := *sealed
	s.EncData = nil
	return sha1.Sum(mu.MustMarshalToBytes(&s))
}

func (c *commandContext) seal() ([]interface{}, error) {
	var encAuth tss.AuthValue
	var pcrInfo []byte
	var data []byte
	if err := c.unmarshalParams(&encAuth, &pcrInfo, &data); err != nil {
		return nil, err
	}

	d := c.device
	k, err := d.lookupStorageKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	if _, err := c.sharedSession(0); err != nil {
		return nil, err
	}
	if err := c.authorize(0, k.entity()); err != nil {
		return nil, err
	}

	sealed := tss.StoredData12{Tag: tss.TagStoredData12}
	if len(pcrInfo) > 0 {
		var info tss.PCRInfo
		if _, err := mu.UnmarshalFromBytes(pcrInfo, &info); err != nil {
			return nil, tpmError(tss.ErrorInvalidPCRInfo)
		}
		composite, err := d.composite(info.Selection)
		if err != nil {
			return nil, err
		}
		info.DigestAtCreation = composite.Digest()
		sealed.SealInfo = &info
	}

	dataAuth, _ := c.decryptAuth(encAuth, false)
	sensitive := sealedData{
		AuthData:     dataAuth,
		Proof:        d.proof,
		StoredDigest: storedDigest(&sealed),
		Data:         data}
	sealed.EncData, err = crypt.WrapToPublic(d.rand, &k.priv.PublicKey, []byte(crypt.SealedLabel), mu.MustMarshalToBytes(&sensitive))
	if err != nil {
		return nil, tpmError(tss.ErrorFail)
	}

	return []interface{}{sealed}, nil
}

func (c *commandContext) unseal() ([]interface{}, error) {
	var sealed tss.StoredData12
	if err := c.unmarshalParams(&sealed); err != nil {
		return nil, err
	}

	d := c.device
	k, err := d.lookupStorageKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	next, err := c.authorizeKey(0, k)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypt.UnwrapWithPrivate(k.priv, []byte(crypt.SealedLabel), sealed.EncData)
	if err != nil {
		return nil, tpmError(tss.ErrorNotSealedBlob)
	}
	var sensitive sealedData
	if _, err := mu.UnmarshalFromBytes(plaintext, &sensitive); err != nil {
		return nil, tpmError(tss.ErrorNotSealedBlob)
	}
	if sensitive.Proof != d.proof || sensitive.StoredDigest != storedDigest(&sealed) {
		return nil, tpmError(tss.ErrorNotSealedBlob)
	}

	if info := sealed.SealInfo; info != nil && len(info.Selection.Indices()) > 0 {
		composite, err := d.composite(info.Selection)
		if err != nil {
			return nil, err
		}
		if composite.Digest() != info.DigestAtRelease {
			return nil, tpmError(tss.ErrorWrongPCRVal)
		}
	}

	if err := c.authorize(next, &entity{typ: tss.EntityData, secret: sensitive.AuthData}); err != nil {
		return nil, err
	}

	return []interface{}{sensitive.Data}, nil
}

func (c *commandContext) unBind() ([]interface{}, error) {
	var blob []byte
	if err := c.unmarshalParams(&blob); err != nil {
		return nil, err
	}

	d := c.device
	k, err := d.lookupKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	if _, err := c.authorizeKey(0, k); err != nil {
		return nil, err
	}
	if !k.hasUsage(tss.KeyUsageBind, tss.KeyUsageLegacy) {
		return nil, tpmError(tss.ErrorInvalidKeyUsage)
	}
	if err := d.checkKeyPCRs(k); err != nil {
		return nil, err
	}

	var plaintext []byte
	switch k.public.AlgorithmParms.EncScheme {
	case tss.EncSchemeRSAPKCSv15:
		plaintext, err = rsa.DecryptPKCS1v15(nil, k.priv, blob)
	case tss.EncSchemeRSAOAEPSHA1:
		plaintext, err = rsa.DecryptOAEP(sha1.New(), nil, k.priv, blob, bindOAEPLabel)
	default:
		return nil, tpmError(tss.ErrorInappropriateEnc)
	}
	if err != nil {
		return nil, tpmError(tss.ErrorDecryptError)
	}

	const boundDataHeaderSize = 5
	if len(plaintext) < boundDataHeaderSize {
		return nil, tpmError(tss.ErrorInvalidStructure)
	}
	bound := tss.BoundData{Data: make(mu.RawBytes, len(plaintext)-boundDataHeaderSize)}
	if _, err := mu.UnmarshalFromBytes(plaintext, &bound); err != nil {
		return nil, tpmError(tss.ErrorInvalidStructure)
	}
	if bound.Version != boundDataVersion || bound.Payload != tss.PayloadBind {
		return nil, tpmError(tss.ErrorInvalidStructure)
	}

	return []interface{}{[]byte(bound.Data)}, nil
}

// signingKey returns the key with the specified handle after checking that it can sign.
func (c *commandContext) signingKey(h tss.Handle, usages ...tss.KeyUsage) (*keySlot, error) {
	d := c.device
	k, err := d.lookupKey(h)
	if err != nil {
		return nil, err
	}
	if _, err := c.authorizeKey(0, k); err != nil {
		return nil, err
	}
	if !k.hasUsage(usages...) {
		return nil, tpmError(tss.ErrorInvalidKeyUsage)
	}
	if err := d.checkKeyPCRs(k); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *keySlot) signDigest(digest []byte) ([]byte, error) {
	if k.public.AlgorithmParms.SigScheme != tss.SigSchemeRSAPKCSv15SHA1 && k.public.AlgorithmParms.SigScheme != tss.SigSchemeRSAPKCSv15DER {
		return nil, tpmError(tss.ErrorInappropriateSig)
	}
	sig, err := rsa.SignPKCS1v15(nil, k.priv, crypto.SHA1, digest)
	if err != nil {
		return nil, tpmError(tss.ErrorFail)
	}
	return sig, nil
}

func (c *commandContext) sign() ([]interface{}, error) {
	var area []byte
	if err := c.unmarshalParams(&area); err != nil {
		return nil, err
	}

	k, err := c.signingKey(c.handles[0], tss.KeyUsageSigning, tss.KeyUsageLegacy)
	if err != nil {
		return nil, err
	}

	var sig []byte
	switch k.public.AlgorithmParms.SigScheme {
	case tss.SigSchemeRSAPKCSv15SHA1:
		if len(area) != sha1.Size {
			return nil, tpmError(tss.ErrorBadDataSize)
		}
		sig, err = rsa.SignPKCS1v15(nil, k.priv, crypto.SHA1, area)
	case tss.SigSchemeRSAPKCSv15DER:
		if len(area) > k.priv.Size()-11 {
			return nil, tpmError(tss.ErrorBadDataSize)
		}
		sig, err = rsa.SignPKCS1v15(nil, k.priv, 0, area)
	default:
		return nil, tpmError(tss.ErrorInappropriateSig)
	}
	if err != nil {
		return nil, tpmError(tss.ErrorFail)
	}

	return []interface{}{sig}, nil
}

func (c *commandContext) quote() ([]interface{}, error) {
	var nonce tss.Nonce
	var sel tss.PCRSelection
	if err := c.unmarshalParams(&nonce, &sel); err != nil {
		return nil, err
	}

	k, err := c.signingKey(c.handles[0], tss.KeyUsageSigning, tss.KeyUsageIdentity, tss.KeyUsageLegacy)
	if err != nil {
		return nil, err
	}
	composite, err := c.device.composite(sel)
	if err != nil {
		return nil, err
	}

	info := tss.QuoteInfo{
		Version:      boundDataVersion,
		Fixed:        quoteInfoFixed,
		Digest:       composite.Digest(),
		ExternalData: nonce}
	digest := sha1.Sum(mu.MustMarshalToBytes(&info))
	sig, err := k.signDigest(digest[:])
	if err != nil {
		return nil, err
	}

	return []interface{}{composite, sig}, nil
}
