// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"io"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/crypt"
	"github.com/canonical/go-tss/mu"
)

func (d *Device) migrationTicketDigest(t *tss.MigrationKeyAuth) tss.Digest {
	return tss.ComputeProofHMAC(d.proof, &t.MigrationKey, t.MigrationScheme)
}

func (d *Device) checkMigrationTicket(t *tss.MigrationKeyAuth, scheme tss.MigrationScheme) error {
	expected := d.migrationTicketDigest(t)
	if !hmac.Equal(expected[:], t.Digest[:]) {
		return tpmError(tss.ErrorMigrateFail)
	}
	if scheme != t.MigrationScheme {
		return tpmError(tss.ErrorBadParameter)
	}
	return nil
}

// cmkMigrationAuth is the migration secret of a certified migratable key, which binds it to
// its migration selection authorities.
func (d *Device) cmkMigrationAuth(msaDigest, pubKeyDigest tss.Digest) tss.AuthValue {
	return tss.AuthValue(tss.ComputeProofHMAC(d.proof, msaDigest, pubKeyDigest))
}

// maskMigration masks or unmasks a serialized sensitive part with random.
func maskMigration(random, data []byte) {
	crypt.XORObfuscation(crypto.SHA1, random, []byte(crypt.MigrateLabel), nil, data)
}

// migrationBlob masks sensitive with a fresh random value and wraps it to pub.
func (d *Device) migrationBlob(pub *rsa.PublicKey, sensitive *tss.StoreAsymKey) (random, blob []byte, err error) {
	random = make([]byte, sha1.Size)
	if _, err := io.ReadFull(d.rand, random); err != nil {
		return nil, nil, tpmError(tss.ErrorFail)
	}
	data := mu.MustMarshalToBytes(sensitive)
	maskMigration(random, data)
	blob, err = crypt.WrapToPublic(d.rand, pub, []byte(crypt.MigrateLabel), data)
	if err != nil {
		return nil, nil, tpmError(tss.ErrorFail)
	}
	return random, blob, nil
}

// openMigrationBlob reverses migrationBlob with the private part of parent.
func openMigrationBlob(parent *keySlot, random, blob []byte) (*tss.StoreAsymKey, error) {
	data, err := crypt.UnwrapWithPrivate(parent.priv, []byte(crypt.MigrateLabel), blob)
	if err != nil {
		return nil, tpmError(tss.ErrorDecryptError)
	}
	maskMigration(random, data)
	var sensitive tss.StoreAsymKey
	if _, err := mu.UnmarshalFromBytes(data, &sensitive); err != nil {
		return nil, tpmError(tss.ErrorBadMigration)
	}
	return &sensitive, nil
}

func (c *commandContext) authorizeMigrationKey() ([]interface{}, error) {
	var scheme tss.MigrationScheme
	var pub tss.PubKey
	if err := c.unmarshalParams(&scheme, &pub); err != nil {
		return nil, err
	}

	d := c.device
	if err := c.authorizeOwner(0); err != nil {
		return nil, err
	}
	switch scheme {
	case tss.MigrateSchemeMigrate, tss.MigrateSchemeRewrap, tss.MigrateSchemeRestrictMigrate, tss.MigrateSchemeRestrictApprove:
	default:
		return nil, tpmError(tss.ErrorBadParameter)
	}
	if _, err := pub.RSAPublicKey(); err != nil {
		return nil, tpmError(tss.ErrorBadKeyProperty)
	}

	ticket := tss.MigrationKeyAuth{MigrationKey: pub, MigrationScheme: scheme}
	ticket.Digest = d.migrationTicketDigest(&ticket)
	return []interface{}{ticket}, nil
}

func (c *commandContext) createMigrationBlob() ([]interface{}, error) {
	var scheme tss.MigrationScheme
	var ticket tss.MigrationKeyAuth
	var encData []byte
	if err := c.unmarshalParams(&scheme, &ticket, &encData); err != nil {
		return nil, err
	}

	d := c.device
	parent, err := d.lookupStorageKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	next, err := c.authorizeKey(0, parent)
	if err != nil {
		return nil, err
	}

	sensitive, err := unwrapSensitive(parent, crypt.KeyBlobLabel, encData)
	if err != nil {
		return nil, err
	}
	switch {
	case sensitive.Payload == tss.PayloadMigrateRestricted:
		return nil, tpmError(tss.ErrorInvalidKeyUsage)
	case sensitive.Payload != tss.PayloadAsymmetric:
		return nil, tpmError(tss.ErrorBadMigration)
	case sensitive.MigrationAuth == d.proof:
		return nil, tpmError(tss.ErrorMigrateFail)
	}
	if err := c.authorize(next, &entity{typ: tss.EntityKey, secret: sensitive.MigrationAuth}); err != nil {
		return nil, err
	}

	if err := d.checkMigrationTicket(&ticket, scheme); err != nil {
		return nil, err
	}
	migPub, err := ticket.MigrationKey.RSAPublicKey()
	if err != nil {
		return nil, tpmError(tss.ErrorBadKeyProperty)
	}

	switch scheme {
	case tss.MigrateSchemeRewrap:
		out, err := d.wrapSensitive(migPub, crypt.KeyBlobLabel, sensitive)
		if err != nil {
			return nil, err
		}
		return []interface{}{[]byte(nil), out}, nil
	case tss.MigrateSchemeMigrate:
		sensitive.Payload = tss.PayloadMigrate
		random, out, err := d.migrationBlob(migPub, sensitive)
		if err != nil {
			return nil, err
		}
		return []interface{}{random, out}, nil
	default:
		return nil, tpmError(tss.ErrorBadParameter)
	}
}

func (c *commandContext) convertMigrationBlob() ([]interface{}, error) {
	var inData, random []byte
	if err := c.unmarshalParams(&inData, &random); err != nil {
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

	sensitive, err := openMigrationBlob(parent, random, inData)
	if err != nil {
		return nil, err
	}
	if sensitive.Payload != tss.PayloadMigrate {
		return nil, tpmError(tss.ErrorBadMigration)
	}

	sensitive.Payload = tss.PayloadAsymmetric
	out, err := d.wrapSensitive(&parent.priv.PublicKey, crypt.KeyBlobLabel, sensitive)
	if err != nil {
		return nil, err
	}
	return []interface{}{out}, nil
}

func (d *Device) maApproval(msaDigest tss.Digest) tss.Digest {
	return tss.ComputeProofHMAC(d.proof, tss.TagCMKMAApproval, msaDigest)
}

func (d *Device) sigTicket(verifyKeyDigest, signedData tss.Digest) tss.Digest {
	return tss.ComputeProofHMAC(d.proof, tss.TagCMKSigTicket, verifyKeyDigest, signedData)
}

func (c *commandContext) cmkApproveMA() ([]interface{}, error) {
	var msaDigest tss.Digest
	if err := c.unmarshalParams(&msaDigest); err != nil {
		return nil, err
	}
	if err := c.authorizeOwner(0); err != nil {
		return nil, err
	}
	return []interface{}{c.device.maApproval(msaDigest)}, nil
}

func (c *commandContext) cmkCreateKey() ([]interface{}, error) {
	var encUsageAuth tss.AuthValue
	var template tss.Key12
	var approval, msaDigest tss.Digest
	if err := c.unmarshalParams(&encUsageAuth, &template, &approval, &msaDigest); err != nil {
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

	expected := d.maApproval(msaDigest)
	if !hmac.Equal(expected[:], approval[:]) {
		return nil, tpmError(tss.ErrorMAAuthority)
	}
	if template.KeyFlags&(tss.KeyFlagMigratable|tss.KeyFlagMigrateAuthority) != tss.KeyFlagMigratable|tss.KeyFlagMigrateAuthority {
		return nil, tpmError(tss.ErrorInvalidKeyUsage)
	}

	usageAuth, _ := c.decryptAuth(encUsageAuth, false)

	blob, priv, err := d.generateKey(&template)
	if err != nil {
		return nil, err
	}
	sensitive := tss.StoreAsymKey{
		Payload:       tss.PayloadMigrateRestricted,
		UsageAuth:     usageAuth,
		MigrationAuth: d.cmkMigrationAuth(msaDigest, blob.Public().Digest()),
		PubDataDigest: blob.PubDataDigest(),
		PrivKey:       priv.Primes[0].Bytes()}
	if blob.EncData, err = d.wrapSensitive(&parent.priv.PublicKey, crypt.KeyBlobLabel, &sensitive); err != nil {
		return nil, err
	}

	return []interface{}{blob}, nil
}

func (c *commandContext) cmkCreateTicket() ([]interface{}, error) {
	var verifyKey tss.PubKey
	var signedData tss.Digest
	var sig []byte
	if err := c.unmarshalParams(&verifyKey, &signedData, &sig); err != nil {
		return nil, err
	}

	d := c.device
	if err := c.authorizeOwner(0); err != nil {
		return nil, err
	}

	pub, err := verifyKey.RSAPublicKey()
	if err != nil {
		return nil, tpmError(tss.ErrorBadKeyProperty)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, signedData[:], sig); err != nil {
		return nil, tpmError(tss.ErrorBadSignature)
	}

	return []interface{}{d.sigTicket(verifyKey.Digest(), signedData)}, nil
}

// checkRestrictTicket verifies the tickets for a MigrateSchemeRestrictApprove migration from
// the key with the source digest to the key with the destination digest.
func (d *Device) checkRestrictTicket(restrict *tss.CMKAuth, sigTicket tss.Digest, msa *tss.MSAComposite, destination, source tss.Digest) error {
	expected := d.sigTicket(restrict.MigrationAuthorityDigest, sha1.Sum(mu.MustMarshalToBytes(restrict)))
	if !hmac.Equal(expected[:], sigTicket[:]) {
		return tpmError(tss.ErrorMATicketSignature)
	}
	if !msa.Contains(restrict.MigrationAuthorityDigest) {
		return tpmError(tss.ErrorMAAuthority)
	}
	if restrict.DestinationKeyDigest != destination {
		return tpmError(tss.ErrorMADestination)
	}
	if restrict.SourceKeyDigest != source {
		return tpmError(tss.ErrorMASource)
	}
	return nil
}

func (c *commandContext) cmkCreateBlob() ([]interface{}, error) {
	var scheme tss.MigrationScheme
	var ticket tss.MigrationKeyAuth
	var sourceDigest tss.Digest
	var msa tss.MSAComposite
	var restrict tss.CMKAuth
	var sigTicket tss.Digest
	var encData []byte
	if err := c.unmarshalParams(&scheme, &ticket, &sourceDigest, &msa, &restrict, &sigTicket, &encData); err != nil {
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

	sensitive, err := unwrapSensitive(parent, crypt.KeyBlobLabel, encData)
	if err != nil {
		return nil, err
	}
	if sensitive.Payload != tss.PayloadMigrateRestricted {
		return nil, tpmError(tss.ErrorInvalidKeyUsage)
	}
	if err := d.checkMigrationTicket(&ticket, scheme); err != nil {
		return nil, err
	}
	expected := d.cmkMigrationAuth(msa.Digest(), sourceDigest)
	if !hmac.Equal(expected[:], sensitive.MigrationAuth[:]) {
		return nil, tpmError(tss.ErrorMAAuthority)
	}

	destination := ticket.MigrationKey.Digest()
	switch scheme {
	case tss.MigrateSchemeRestrictMigrate:
		if !msa.Contains(destination) {
			return nil, tpmError(tss.ErrorMADestination)
		}
	case tss.MigrateSchemeRestrictApprove:
		if err := d.checkRestrictTicket(&restrict, sigTicket, &msa, destination, sourceDigest); err != nil {
			return nil, err
		}
	default:
		return nil, tpmError(tss.ErrorBadParameter)
	}

	migPub, err := ticket.MigrationKey.RSAPublicKey()
	if err != nil {
		return nil, tpmError(tss.ErrorBadKeyProperty)
	}
	sensitive.Payload = tss.PayloadCMKMigrate
	random, out, err := d.migrationBlob(migPub, sensitive)
	if err != nil {
		return nil, err
	}
	return []interface{}{random, out}, nil
}

func (c *commandContext) cmkConvertMigration() ([]interface{}, error) {
	var restrict tss.CMKAuth
	var sigTicket tss.Digest
	var migrated tss.Key12
	var msa tss.MSAComposite
	var random []byte
	if err := c.unmarshalParams(&restrict, &sigTicket, &migrated, &msa, &random); err != nil {
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

	sensitive, err := openMigrationBlob(parent, random, migrated.EncData)
	if err != nil {
		return nil, err
	}
	if sensitive.Payload != tss.PayloadCMKMigrate {
		return nil, tpmError(tss.ErrorBadMigration)
	}
	if sensitive.PubDataDigest != migrated.PubDataDigest() {
		return nil, tpmError(tss.ErrorBadMigration)
	}

	pubDigest := migrated.Public().Digest()
	if err := d.checkRestrictTicket(&restrict, sigTicket, &msa, parent.pubDigest, pubDigest); err != nil {
		return nil, err
	}

	sensitive.Payload = tss.PayloadMigrateRestricted
	sensitive.MigrationAuth = d.cmkMigrationAuth(msa.Digest(), pubDigest)
	out, err := d.wrapSensitive(&parent.priv.PublicKey, crypt.KeyBlobLabel, sensitive)
	if err != nil {
		return nil, err
	}
	return []interface{}{out}, nil
}
