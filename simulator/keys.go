// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"crypto/rsa"
	"errors"
	"math/big"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/crypt"
	"github.com/canonical/go-tss/mu"
)

// keySlot is a loaded key.
type keySlot struct {
	handle    tss.Handle
	public    tss.Key12 // EncData is always empty
	priv      *rsa.PrivateKey
	sensitive tss.StoreAsymKey
	pubDigest tss.Digest
}

func newKeySlot(blob *tss.Key12, priv *rsa.PrivateKey, sensitive *tss.StoreAsymKey) *keySlot {
	k := &keySlot{public: *blob, priv: priv, sensitive: *sensitive}
	k.public.EncData = nil
	k.pubDigest = k.pubKey().Digest()
	return k
}

func (k *keySlot) pubKey() *tss.PubKey {
	return k.public.Public()
}

func (k *keySlot) entity() *entity {
	return &entity{typ: tss.EntityKeyHandle, value: uint32(k.handle), secret: k.sensitive.UsageAuth, key: k}
}

func (k *keySlot) hasUsage(usages ...tss.KeyUsage) bool {
	for _, u := range usages {
		if k.public.KeyUsage == u {
			return true
		}
	}
	return false
}

func (d *Device) lookupKey(h tss.Handle) (*keySlot, error) {
	if h == tss.HandleSRK {
		if d.srk == nil {
			return nil, tpmError(tss.ErrorNoSRK)
		}
		return d.srk, nil
	}
	k, ok := d.keys[h]
	if !ok {
		return nil, tpmError(tss.ErrorInvalidKeyHandle)
	}
	return k, nil
}

// lookupStorageKey returns the key with the specified handle, which must be a storage key.
func (d *Device) lookupStorageKey(h tss.Handle) (*keySlot, error) {
	k, err := d.lookupKey(h)
	if err != nil {
		return nil, err
	}
	if !k.hasUsage(tss.KeyUsageStorage) {
		return nil, tpmError(tss.ErrorInvalidKeyUsage)
	}
	return k, nil
}

// checkKeyPCRs verifies that the PCRs that k is bound to have the expected values.
func (d *Device) checkKeyPCRs(k *keySlot) error {
	info := k.public.PCRInfo
	if info == nil || len(info.Selection.Indices()) == 0 {
		return nil
	}
	composite, err := d.composite(info.Selection)
	if err != nil {
		return err
	}
	if composite.Digest() != info.DigestAtRelease {
		return tpmError(tss.ErrorWrongPCRVal)
	}
	return nil
}

// privateKeyFromPrime reconstructs the private key from the public key and the first prime.
func privateKeyFromPrime(pub *rsa.PublicKey, prime []byte) (*rsa.PrivateKey, error) {
	p := new(big.Int).SetBytes(prime)
	if p.Sign() == 0 {
		return nil, errors.New("zero prime")
	}
	q, r := new(big.Int).QuoRem(pub.N, p, new(big.Int))
	if r.Sign() != 0 {
		return nil, errors.New("prime is not a factor of the modulus")
	}

	one := big.NewInt(1)
	phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))
	dexp := new(big.Int).ModInverse(big.NewInt(int64(pub.E)), phi)
	if dexp == nil {
		return nil, errors.New("invalid public exponent")
	}

	priv := &rsa.PrivateKey{PublicKey: *pub, D: dexp, Primes: []*big.Int{p, q}}
	if err := priv.Validate(); err != nil {
		return nil, err
	}
	priv.Precompute()
	return priv, nil
}

// unwrapKey decrypts the sensitive part of blob with parent.
func (d *Device) unwrapKey(parent *keySlot, blob *tss.Key12) (*keySlot, error) {
	data, err := crypt.UnwrapWithPrivate(parent.priv, []byte(crypt.KeyBlobLabel), blob.EncData)
	if err != nil {
		return nil, tpmError(tss.ErrorDecryptError)
	}
	var sensitive tss.StoreAsymKey
	if _, err := mu.UnmarshalFromBytes(data, &sensitive); err != nil {
		return nil, tpmError(tss.ErrorDecryptError)
	}
	if sensitive.PubDataDigest != blob.PubDataDigest() {
		return nil, tpmError(tss.ErrorDecryptError)
	}

	pub, err := blob.Public().RSAPublicKey()
	if err != nil {
		return nil, tpmError(tss.ErrorBadKeyProperty)
	}
	priv, err := privateKeyFromPrime(pub, sensitive.PrivKey)
	if err != nil {
		return nil, tpmError(tss.ErrorDecryptError)
	}

	return newKeySlot(blob, priv, &sensitive), nil
}

// unwrapSensitive decrypts the sensitive part of a key blob without checking it against a
// public part.
func unwrapSensitive(parent *keySlot, label string, encData []byte) (*tss.StoreAsymKey, error) {
	data, err := crypt.UnwrapWithPrivate(parent.priv, []byte(label), encData)
	if err != nil {
		return nil, tpmError(tss.ErrorDecryptError)
	}
	var sensitive tss.StoreAsymKey
	if _, err := mu.UnmarshalFromBytes(data, &sensitive); err != nil {
		return nil, tpmError(tss.ErrorDecryptError)
	}
	return &sensitive, nil
}

func (d *Device) wrapSensitive(pub *rsa.PublicKey, label string, sensitive *tss.StoreAsymKey) ([]byte, error) {
	encData, err := crypt.WrapToPublic(d.rand, pub, []byte(label), mu.MustMarshalToBytes(sensitive))
	if err != nil {
		return nil, tpmError(tss.ErrorFail)
	}
	return encData, nil
}

// generateKey creates a new key from template. The caller completes the sensitive part.
func (d *Device) generateKey(template *tss.Key12) (*tss.Key12, *rsa.PrivateKey, error) {
	switch template.KeyUsage {
	case tss.KeyUsageSigning, tss.KeyUsageStorage, tss.KeyUsageIdentity, tss.KeyUsageBind, tss.KeyUsageLegacy, tss.KeyUsageMigrate:
	default:
		return nil, nil, tpmError(tss.ErrorInvalidKeyUsage)
	}

	parms := template.AlgorithmParms
	if parms.AlgorithmID != tss.AlgorithmRSA || parms.Parms == nil {
		return nil, nil, tpmError(tss.ErrorBadKeyProperty)
	}
	bits := int(parms.Parms.KeyLength)
	switch bits {
	case 1024, 2048:
	default:
		return nil, nil, tpmError(tss.ErrorBadKeyProperty)
	}
	if len(parms.Parms.Exponent) > 0 && new(big.Int).SetBytes(parms.Parms.Exponent).Cmp(big.NewInt(tss.DefaultRSAExponent)) != 0 {
		return nil, nil, tpmError(tss.ErrorBadKeyProperty)
	}

	if template.KeyUsage == tss.KeyUsageStorage && parms.EncScheme != tss.EncSchemeRSAOAEPSHA1 {
		return nil, nil, tpmError(tss.ErrorBadScheme)
	}

	priv, err := rsa.GenerateKey(d.rand, bits)
	if err != nil {
		return nil, nil, tpmError(tss.ErrorFail)
	}

	blob := *template
	blob.Tag = tss.TagKey12
	blob.PubKey = priv.N.FillBytes(make([]byte, bits/8))
	blob.EncData = nil
	if template.PCRInfo != nil {
		info := *template.PCRInfo
		composite, err := d.composite(info.Selection)
		if err != nil {
			return nil, nil, err
		}
		info.DigestAtCreation = composite.Digest()
		blob.PCRInfo = &info
	}

	return &blob, priv, nil
}

// addKey loads k into a free slot.
func (d *Device) addKey(k *keySlot) (tss.Handle, error) {
	if len(d.keys) >= d.maxKeys {
		return tss.HandleNull, tpmError(tss.ErrorNoSpace)
	}
	k.handle = d.nextKeyHandle
	d.nextKeyHandle++
	d.keys[k.handle] = k
	return k.handle, nil
}

func (c *commandContext) loadKey2() ([]interface{}, error) {
	var blob tss.Key12
	if err := c.unmarshalParams(&blob); err != nil {
		return nil, err
	}

	d := c.device
	parent, err := d.lookupStorageKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	if _, err := c.authorizeKey(0, parent); err != nil {
		return nil, err
	}

	k, err := d.unwrapKey(parent, &blob)
	if err != nil {
		return nil, err
	}
	switch k.sensitive.Payload {
	case tss.PayloadAsymmetric, tss.PayloadMigrateRestricted:
	default:
		return nil, tpmError(tss.ErrorBadMigration)
	}

	h, err := d.addKey(k)
	if err != nil {
		return nil, err
	}
	return []interface{}{h}, nil
}

func (c *commandContext) getPubKey() ([]interface{}, error) {
	if err := c.unmarshalParams(); err != nil {
		return nil, err
	}
	k, err := c.device.lookupKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	if c.hasAuth(0) {
		if _, err := c.authorizeKey(0, k); err != nil {
			return nil, err
		}
	}
	return []interface{}{k.pubKey()}, nil
}

func (c *commandContext) createWrapKey() ([]interface{}, error) {
	var encUsageAuth, encMigrationAuth tss.AuthValue
	var template tss.Key12
	if err := c.unmarshalParams(&encUsageAuth, &encMigrationAuth, &template); err != nil {
		return nil, err
	}

	d := c.device
	parent, err := d.lookupStorageKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	if _, err := c.sharedSession(0); err != nil {
		return nil, err
	}
	if err := c.authorize(0, parent.entity()); err != nil {
		return nil, err
	}

	if template.KeyFlags&tss.KeyFlagMigrateAuthority != 0 {
		return nil, tpmError(tss.ErrorBadParameter)
	}

	usageAuth, _ := c.decryptAuth(encUsageAuth, false)
	migrationAuth, _ := c.decryptAuth(encMigrationAuth, true)
	if template.KeyFlags&tss.KeyFlagMigratable == 0 {
		migrationAuth = d.proof
	}

	blob, priv, err := d.generateKey(&template)
	if err != nil {
		return nil, err
	}
	sensitive := tss.StoreAsymKey{
		Payload:       tss.PayloadAsymmetric,
		UsageAuth:     usageAuth,
		MigrationAuth: migrationAuth,
		PubDataDigest: blob.PubDataDigest(),
		PrivKey:       priv.Primes[0].Bytes()}
	if blob.EncData, err = d.wrapSensitive(&parent.priv.PublicKey, crypt.KeyBlobLabel, &sensitive); err != nil {
		return nil, err
	}

	return []interface{}{blob}, nil
}

func (c *commandContext) changeAuth() ([]interface{}, error) {
	var encNewAuth tss.AuthValue
	var entityType tss.EntityType
	var encData []byte
	if err := c.unmarshalParams(&encNewAuth, &entityType, &encData); err != nil {
		return nil, err
	}

	d := c.device
	parent, err := d.lookupStorageKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	if _, err := c.sharedSession(0); err != nil {
		return nil, err
	}
	if err := c.authorize(0, parent.entity()); err != nil {
		return nil, err
	}
	if entityType != tss.EntityKey {
		return nil, tpmError(tss.ErrorWrongEntityType)
	}

	sensitive, err := unwrapSensitive(parent, crypt.KeyBlobLabel, encData)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(1, &entity{typ: tss.EntityKey, secret: sensitive.UsageAuth}); err != nil {
		return nil, err
	}

	sensitive.UsageAuth, _ = c.decryptAuth(encNewAuth, false)
	out, err := d.wrapSensitive(&parent.priv.PublicKey, crypt.KeyBlobLabel, sensitive)
	if err != nil {
		return nil, err
	}
	return []interface{}{out}, nil
}
