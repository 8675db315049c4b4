// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss_test

import (
	"bytes"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tss"
	"github.com/canonical/go-tss/mu"
	"github.com/canonical/go-tss/testutil"
)

type migrationSuite struct {
	testutil.TSSTest
}

var _ = Suite(&migrationSuite{})

func (s *migrationSuite) sign(c *C, key *Key) error {
	h, err := s.Context.CreateHash(HashTypeSHA1)
	c.Assert(err, IsNil)
	defer h.Close()
	c.Assert(h.UpdateHashValue([]byte("foo")), IsNil)
	sig, err := h.Sign(key)
	if err != nil {
		return err
	}
	return h.VerifySignature(key, sig)
}

func (s *migrationSuite) signDigest(c *C, key *Key, digest Digest) []byte {
	h, err := s.Context.CreateHash(HashTypeSHA1)
	c.Assert(err, IsNil)
	defer h.Close()
	c.Assert(h.SetHashValue(digest[:]), IsNil)
	sig, err := h.Sign(key)
	c.Assert(err, IsNil)
	return sig
}

func (s *migrationSuite) pubKey(c *C, key *Key) *PubKey {
	pub, err := key.PubKey()
	c.Assert(err, IsNil)
	return pub
}

// shell returns a key object holding the public part of key, for receiving a migrated key.
func (s *migrationSuite) shell(c *C, key *Key) *Key {
	blob, err := key.GetAttribData(KeyAttribBlob, KeyBlobBlob)
	c.Assert(err, IsNil)

	k, err := s.Context.CreateKey(KeyInitTypeSigning)
	c.Assert(err, IsNil)
	c.Assert(k.SetAttribData(KeyAttribBlob, KeyBlobBlob, blob), IsNil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("foo")).AssignTo(k), IsNil)
	return k
}

func (s *migrationSuite) TestMigrateRewrap(c *C) {
	src := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitMigratable, []byte("foo"), nil)
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRewrap)
	c.Assert(err, IsNil)

	random, blob, err := src.CreateMigrationBlob(s.Context.SRK(), ticket)
	c.Assert(err, IsNil)
	c.Check(random, HasLen, 0)

	migrated, err := s.Context.LoadKeyByBlob(dest, blob)
	c.Assert(err, IsNil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("foo")).AssignTo(migrated), IsNil)
	c.Check(s.sign(c, migrated), IsNil)
}

func (s *migrationSuite) TestMigrateAndConvert(c *C) {
	src := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitMigratable, []byte("foo"), nil)
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeMigrate)
	c.Assert(err, IsNil)

	random, blob, err := src.CreateMigrationBlob(s.Context.SRK(), ticket)
	c.Assert(err, IsNil)
	c.Check(random, HasLen, 20)

	migrated := s.shell(c, src)
	c.Assert(migrated.ConvertMigrationBlob(dest, random, blob), IsNil)
	c.Check(s.sign(c, migrated), IsNil)

	// The converted key is a child of the migration key.
	c.Assert(migrated.Unload(), IsNil)
	c.Assert(dest.Unload(), IsNil)
	c.Check(s.sign(c, migrated), IsNil)
	c.Check(s.Context.KeyState(dest), Equals, "loaded")
}

func (s *migrationSuite) TestConvertWithWrongRandom(c *C) {
	src := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitMigratable, []byte("foo"), nil)
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeMigrate)
	c.Assert(err, IsNil)
	_, blob, err := src.CreateMigrationBlob(s.Context.SRK(), ticket)
	c.Assert(err, IsNil)

	migrated := s.shell(c, src)
	err = migrated.ConvertMigrationBlob(dest, make([]byte, 20), blob)
	c.Check(IsTPMError(err, ErrorBadMigration, CommandConvertMigrationBlob), testutil.IsTrue)
}

func (s *migrationSuite) TestMigrateNonMigratableKey(c *C) {
	src := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRewrap)
	c.Assert(err, IsNil)

	// Without a migration policy, no command is sent.
	_, _, err = src.CreateMigrationBlob(s.Context.SRK(), ticket)
	c.Check(err, testutil.IsErrorKind, ErrorKindPolicyNoSecret)

	c.Assert(s.NewMigrationPolicy(c, SecretModePlain, []byte("foo")).AssignTo(src), IsNil)
	_, _, err = src.CreateMigrationBlob(s.Context.SRK(), ticket)
	c.Check(IsTPMError(err, ErrorMigrateFail, CommandCreateMigrationBlob), testutil.IsTrue)
}

func (s *migrationSuite) TestMigrateWrongMigrationSecret(c *C) {
	src := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitMigratable, []byte("foo"), nil)
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRewrap)
	c.Assert(err, IsNil)

	c.Assert(s.NewMigrationPolicy(c, SecretModePlain, []byte("bar")).AssignTo(src), IsNil)
	_, _, err = src.CreateMigrationBlob(s.Context.SRK(), ticket)
	c.Check(IsTPMError(err, ErrorAuth2Fail, CommandCreateMigrationBlob), testutil.IsTrue)
}

func (s *migrationSuite) TestMigrateTamperedTicket(c *C) {
	src := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitMigratable, []byte("foo"), nil)
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRewrap)
	c.Assert(err, IsNil)
	ticket[len(ticket)-1] ^= 0xff

	_, _, err = src.CreateMigrationBlob(s.Context.SRK(), ticket)
	c.Check(IsTPMError(err, ErrorMigrateFail, CommandCreateMigrationBlob), testutil.IsTrue)
}

func (s *migrationSuite) TestMigrateInvalidTicket(c *C) {
	src := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitMigratable, []byte("foo"), nil)

	_, _, err := src.CreateMigrationBlob(s.Context.SRK(), nil)
	c.Check(IsBadParameterError(err, "ticket"), testutil.IsTrue)

	_, _, err = src.CreateMigrationBlob(s.Context.SRK(), []byte{0x00, 0x01})
	c.Check(IsBadParameterError(err, "ticket"), testutil.IsTrue)
}

func (s *migrationSuite) TestAuthorizeMigrationTicketInvalidScheme(c *C) {
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)
	_, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrationScheme(0x10))
	c.Check(IsBadParameterError(err, "scheme"), testutil.IsTrue)
}

func (s *migrationSuite) TestAuthorizeMigrationTicketWrongOwnerSecret(c *C) {
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("bar")).AssignTo(s.Context.TPM()), IsNil)

	_, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRewrap)
	c.Check(IsTPMError(err, ErrorAuthFail, CommandAuthorizeMigrationKey), testutil.IsTrue)
}

// invalidKeys returns a nil key, a closed key and the result of looking up an invalid
// object handle.
func (s *migrationSuite) invalidKeys(c *C) []*Key {
	closed := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("closed"), nil)
	c.Assert(closed.Close(), IsNil)

	o, err := s.Context.Object(InvalidObjectHandle)
	c.Assert(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	unknown, _ := o.(*Key)

	return []*Key{nil, closed, unknown}
}

func (s *migrationSuite) TestAuthorizeMigrationTicketInvalidKey(c *C) {
	for i, k := range s.invalidKeys(c) {
		c.Logf("key %d", i)
		_, err := s.Context.TPM().AuthorizeMigrationTicket(k, MigrateSchemeRewrap)
		c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	}
}

func (s *migrationSuite) TestCreateMigrationBlobInvalidKey(c *C) {
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)
	src := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitMigratable, []byte("foo"), nil)
	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRewrap)
	c.Assert(err, IsNil)

	for i, k := range s.invalidKeys(c) {
		c.Logf("key %d", i)
		_, _, err := k.CreateMigrationBlob(s.Context.SRK(), ticket)
		c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)

		_, _, err = src.CreateMigrationBlob(k, ticket)
		c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	}
}

func (s *migrationSuite) TestConvertMigrationBlobInvalidKey(c *C) {
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)
	src := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitMigratable, []byte("foo"), nil)
	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeMigrate)
	c.Assert(err, IsNil)
	random, blob, err := src.CreateMigrationBlob(s.Context.SRK(), ticket)
	c.Assert(err, IsNil)

	shell := s.shell(c, src)
	for i, k := range s.invalidKeys(c) {
		c.Logf("key %d", i)
		c.Check(k.ConvertMigrationBlob(dest, random, blob), testutil.IsErrorKind, ErrorKindInvalidHandle)
		c.Check(shell.ConvertMigrationBlob(k, random, blob), testutil.IsErrorKind, ErrorKindInvalidHandle)
	}
}

// newCMK creates a certified migratable key whose migration is controlled by the
// authorities in migData.
func (s *migrationSuite) newCMK(c *C, migData *MigrationData) *Key {
	c.Assert(s.Context.TPM().CMKApproveMA(migData), IsNil)

	approval, err := migData.GetAttribData(MigAttribAuthorityData, MigAuthorityApprovalHMAC)
	c.Assert(err, IsNil)
	digest, err := migData.GetAttribData(MigAttribAuthorityData, MigAuthorityDigest)
	c.Assert(err, IsNil)

	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitCertifiedMigratable, []byte("foo"), nil)
	c.Assert(k.SetAttribData(KeyAttribCMKInfo, KeyCMKMAApproval, approval), IsNil)
	c.Assert(k.SetAttribData(KeyAttribCMKInfo, KeyCMKMADigest, digest), IsNil)
	c.Assert(k.Create(s.Context.SRK(), nil), IsNil)
	return k
}

func (s *migrationSuite) TestCMKRestrictApprove(c *C) {
	authority := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("ma"), nil)
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	migData, err := s.Context.CreateMigrationData()
	c.Assert(err, IsNil)
	c.Assert(migData.AddAuthority(s.pubKey(c, authority)), IsNil)

	cmk := s.newCMK(c, migData)

	migratable, err := cmk.GetAttribUint32(KeyAttribInfo, KeyInfoMigratable)
	c.Check(err, IsNil)
	c.Check(migratable, Equals, uint32(1))

	c.Assert(migData.SetRestrictTicket(s.pubKey(c, authority), s.pubKey(c, dest), s.pubKey(c, cmk)), IsNil)
	c.Assert(migData.SetSignature(s.signDigest(c, authority, migData.RestrictTicketDigest())), IsNil)
	c.Assert(s.Context.TPM().CMKCreateTicket(authority, migData), IsNil)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRestrictApprove)
	c.Assert(err, IsNil)
	c.Assert(migData.SetTicket(ticket), IsNil)

	random, err := cmk.CMKCreateBlob(s.Context.SRK(), migData)
	c.Assert(err, IsNil)

	blob, err := migData.GetAttribData(MigAttribMigrationBlob, MigMigrationBlob)
	c.Check(err, IsNil)
	c.Check(blob, Not(HasLen), 0)

	migrated := s.shell(c, cmk)
	c.Assert(migrated.CMKConvertMigration(dest, migData, random), IsNil)
	c.Check(s.sign(c, migrated), IsNil)
}

func (s *migrationSuite) TestCMKCreateTicketBadSignature(c *C) {
	authority := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("ma"), nil)
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	migData, err := s.Context.CreateMigrationData()
	c.Assert(err, IsNil)
	c.Assert(migData.SetRestrictTicket(s.pubKey(c, authority), s.pubKey(c, dest), s.pubKey(c, dest)), IsNil)
	c.Assert(migData.SetSignature(s.signDigest(c, authority, Digest{})), IsNil)

	err = s.Context.TPM().CMKCreateTicket(authority, migData)
	c.Check(IsTPMError(err, ErrorBadSignature, CommandCMKCreateTicket), testutil.IsTrue)
}

func (s *migrationSuite) TestCMKCreateTicketNoSignature(c *C) {
	authority := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("ma"), nil)
	migData, err := s.Context.CreateMigrationData()
	c.Assert(err, IsNil)

	err = s.Context.TPM().CMKCreateTicket(authority, migData)
	c.Check(IsBadParameterError(err, "migData"), testutil.IsTrue)
}

func (s *migrationSuite) TestCMKRestrictMigrateToUnlistedKey(c *C) {
	authority := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("ma"), nil)
	other := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("other"), nil)

	migData, err := s.Context.CreateMigrationData()
	c.Assert(err, IsNil)
	c.Assert(migData.AddAuthority(s.pubKey(c, authority)), IsNil)
	cmk := s.newCMK(c, migData)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(other, MigrateSchemeRestrictMigrate)
	c.Assert(err, IsNil)
	c.Assert(migData.SetTicket(ticket), IsNil)

	_, err = cmk.CMKCreateBlob(s.Context.SRK(), migData)
	c.Check(IsTPMError(err, ErrorMADestination, CommandCMKCreateBlob), testutil.IsTrue)
}

func (s *migrationSuite) TestCMKRestrictMigrate(c *C) {
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	migData, err := s.Context.CreateMigrationData()
	c.Assert(err, IsNil)
	c.Assert(migData.AddAuthority(s.pubKey(c, dest)), IsNil)
	cmk := s.newCMK(c, migData)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRestrictMigrate)
	c.Assert(err, IsNil)
	c.Assert(migData.SetTicket(ticket), IsNil)

	random, err := cmk.CMKCreateBlob(s.Context.SRK(), migData)
	c.Check(err, IsNil)
	c.Check(random, HasLen, 20)
}

func (s *migrationSuite) TestCMKCreateBlobWithUnrestrictedTicket(c *C) {
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	migData, err := s.Context.CreateMigrationData()
	c.Assert(err, IsNil)
	c.Assert(migData.AddAuthority(s.pubKey(c, dest)), IsNil)
	cmk := s.newCMK(c, migData)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRewrap)
	c.Assert(err, IsNil)
	c.Assert(migData.SetTicket(ticket), IsNil)

	_, err = cmk.CMKCreateBlob(s.Context.SRK(), migData)
	c.Check(IsBadParameterError(err, "ticket"), testutil.IsTrue)
}

func (s *migrationSuite) TestCreateCMKWithoutApproval(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitCertifiedMigratable, []byte("foo"), nil)
	err := k.Create(s.Context.SRK(), nil)
	c.Check(IsBadParameterError(err, "key"), testutil.IsTrue)
}

func (s *migrationSuite) TestCreateCMKWithForgedApproval(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitCertifiedMigratable, []byte("foo"), nil)
	c.Assert(k.SetAttribData(KeyAttribCMKInfo, KeyCMKMAApproval, bytes.Repeat([]byte{0x5a}, 20)), IsNil)
	c.Assert(k.SetAttribData(KeyAttribCMKInfo, KeyCMKMADigest, bytes.Repeat([]byte{0xa5}, 20)), IsNil)

	err := k.Create(s.Context.SRK(), nil)
	c.Check(IsTPMError(err, ErrorMAAuthority, CommandCMKCreateKey), testutil.IsTrue)
}

func (s *migrationSuite) TestCMKCannotBeMigratedNormally(c *C) {
	dest := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("dest"), nil)

	migData, err := s.Context.CreateMigrationData()
	c.Assert(err, IsNil)
	c.Assert(migData.AddAuthority(s.pubKey(c, dest)), IsNil)
	cmk := s.newCMK(c, migData)

	ticket, err := s.Context.TPM().AuthorizeMigrationTicket(dest, MigrateSchemeRewrap)
	c.Assert(err, IsNil)

	_, _, err = cmk.CreateMigrationBlob(s.Context.SRK(), ticket)
	c.Check(IsTPMError(err, ErrorInvalidKeyUsage, CommandCreateMigrationBlob), testutil.IsTrue)
}

func (s *migrationSuite) TestMigrationDataAttributes(c *C) {
	authority := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("ma"), nil)
	pub := s.pubKey(c, authority)

	migData, err := s.Context.CreateMigrationData()
	c.Assert(err, IsNil)

	c.Check(migData.SetAttribData(MigAttribMigrationBlob, MigMSAListPubKeyBlob, mu.MustMarshalToBytes(pub)), IsNil)
	c.Check(migData.SetAttribData(MigAttribMigrationBlob, MigAuthorityPubKeyBlob, mu.MustMarshalToBytes(pub)), IsNil)

	list, err := migData.GetAttribData(MigAttribAuthorityData, MigAuthorityMSAList)
	c.Check(err, IsNil)
	digest := pub.Digest()
	c.Check(list, DeepEquals, mu.MustMarshalToBytes(&MSAComposite{MigAuthDigest: []Digest{digest}}))

	authDigest, err := migData.GetAttribData(MigAttribMigAuthData, MigAuthAuthorityDigest)
	c.Check(err, IsNil)
	c.Check(authDigest, DeepEquals, digest[:])

	sigDigest, err := migData.GetAttribData(MigAttribTicketData, MigTicketSigDigest)
	c.Check(err, IsNil)
	expected := migData.RestrictTicketDigest()
	c.Check(sigDigest, DeepEquals, expected[:])

	err = migData.SetAttribData(MigAttribTicketData, MigTicketSigDigest, make([]byte, 20))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)

	err = migData.SetAttribData(MigAttribMigrationBlob, MigSourcePubKeyBlob, []byte{0x01})
	c.Check(IsBadParameterError(err, "data"), testutil.IsTrue)

	err = migData.SetAttribData(MigAttribMigAuthData, MigAuthSourceDigest, make([]byte, 10))
	c.Check(IsBadParameterError(err, "data"), testutil.IsTrue)

	payload, err := migData.GetAttribUint32(MigAttribPayloadType, 0)
	c.Check(err, IsNil)
	c.Check(PayloadType(payload), Equals, PayloadCMKMigrate)

	err = migData.SetAttribUint32(MigAttribPayloadType, 0, 0xff)
	c.Check(IsBadParameterError(err, "value"), testutil.IsTrue)

	_, err = migData.GetAttribData(0x1000, 0)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidAttribFlag)
}

func (s *migrationSuite) TestCMKApproveMAEmpty(c *C) {
	migData, err := s.Context.CreateMigrationData()
	c.Assert(err, IsNil)
	err = s.Context.TPM().CMKApproveMA(migData)
	c.Check(IsBadParameterError(err, "migData"), testutil.IsTrue)
}
