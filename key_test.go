// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tss"
	"github.com/canonical/go-tss/testutil"
)

type keySuite struct {
	testutil.TSSTest
}

var _ = Suite(&keySuite{})

func (s *keySuite) sign(c *C, key *Key, data []byte) ([]byte, error) {
	h, err := s.Context.CreateHash(HashTypeSHA1)
	c.Assert(err, IsNil)
	defer h.Close()
	c.Assert(h.UpdateHashValue(data), IsNil)
	return h.Sign(key)
}

func (s *keySuite) TestCreateKey(c *C) {
	s.ForgetCommands()
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)

	usage, err := k.GetAttribUint32(KeyAttribInfo, KeyInfoUsage)
	c.Check(err, IsNil)
	c.Check(KeyUsage(usage), Equals, KeyUsageStorage)

	size, err := k.GetAttribUint32(KeyAttribInfo, KeyInfoSize)
	c.Check(err, IsNil)
	c.Check(size, Equals, uint32(1024))

	migratable, err := k.GetAttribUint32(KeyAttribInfo, KeyInfoMigratable)
	c.Check(err, IsNil)
	c.Check(migratable, Equals, uint32(0))

	// Creating a key doesn't load it.
	c.Check(s.Context.KeyState(k), Equals, "not loaded")
	c.Check(k.TPMHandle(), Equals, HandleNull)
	c.Check(s.CommandCodes(c), DeepEquals, []CommandCode{CommandOSAP, CommandCreateWrapKey})
}

func (s *keySuite) TestCreateKeyTwice(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	err := k.Create(s.Context.SRK(), nil)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
}

func (s *keySuite) TestCreateKeyNoSecret(c *C) {
	k, err := s.Context.CreateKey(KeyInitTypeSigning | KeyInitSize1024)
	c.Assert(err, IsNil)

	err = k.Create(s.Context.SRK(), nil)
	c.Check(err, testutil.IsErrorKind, ErrorKindPolicyNoSecret)
	c.Check(err, ErrorMatches, `cannot complete CreateKey: policy has no secret: .*`)
}

func (s *keySuite) TestCreateKeyInvalidFlags(c *C) {
	_, err := s.Context.CreateKey(KeyInitSize1024 | KeyInitSize2048)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectInitFlag)

	_, err = s.Context.CreateKey(KeyInitTypeSigning | KeyInitTypeBind)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectInitFlag)

	_, err = s.Context.CreateKey(0x00100000)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectInitFlag)
}

func (s *keySuite) TestCreateKeyWrongParentSecret(c *C) {
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("wrong")).AssignTo(s.Context.SRK()), IsNil)

	k, err := s.Context.CreateKey(KeyInitTypeSigning | KeyInitSize1024)
	c.Assert(err, IsNil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("foo")).AssignTo(k), IsNil)

	err = k.Create(s.Context.SRK(), nil)
	c.Check(IsTPMError(err, ErrorAuthFail, CommandCreateWrapKey), testutil.IsTrue)
}

func (s *keySuite) TestLoadKey(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(k.Load(s.Context.SRK()), IsNil)

	c.Check(s.Context.KeyState(k), Equals, "loaded")
	c.Check(k.TPMHandle(), Not(Equals), HandleNull)

	loaded, err := k.GetAttribUint32(KeyAttribInfo, KeyInfoLoaded)
	c.Check(err, IsNil)
	c.Check(loaded, Equals, uint32(1))

	handles, err := s.Context.TPM().GetLoadedKeyHandles()
	c.Check(err, IsNil)
	c.Check(handles, DeepEquals, []Handle{k.TPMHandle()})

	// Loading again is a no-op.
	s.ForgetCommands()
	c.Check(k.Load(s.Context.SRK()), IsNil)
	c.Check(s.CommandLog(), HasLen, 0)
}

func (s *keySuite) TestLoadKeyNoBlob(c *C) {
	k, err := s.Context.CreateKey(KeyInitTypeSigning)
	c.Assert(err, IsNil)
	c.Check(k.Load(s.Context.SRK()), testutil.IsErrorKind, ErrorKindKeyNotLoaded)
}

func (s *keySuite) TestLoadKeyChain(c *C) {
	parent := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("parent"), nil)
	k := s.CreateKey(c, parent, KeyInitTypeSigning, []byte("child"), nil)

	c.Check(s.Context.KeyState(parent), Equals, "loaded")

	c.Assert(parent.Unload(), IsNil)
	c.Check(s.Context.KeyState(parent), Equals, "not loaded")

	// Using the child reloads its parent first.
	_, err := s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)
	c.Check(s.Context.KeyState(parent), Equals, "loaded")
	c.Check(s.Context.KeyState(k), Equals, "loaded")
}

func (s *keySuite) TestCreateKeyUnderNoAuthParent(c *C) {
	parent := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage|KeyInitNoAuthorization, nil, nil)
	k := s.CreateKey(c, parent, KeyInitTypeSigning, []byte("child"), nil)

	_, err := s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)

	// A child that doesn't require authorization works too.
	k = s.CreateKey(c, parent, KeyInitTypeSigning|KeyInitNoAuthorization, nil, nil)
	_, err = s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)
}

func (s *keySuite) TestUnloadAndReload(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(k.Load(s.Context.SRK()), IsNil)

	c.Check(k.Unload(), IsNil)
	c.Check(s.Context.KeyState(k), Equals, "not loaded")
	c.Check(s.Device.LoadedKeys(), Equals, 0)

	sig, err := s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)
	c.Check(s.Context.KeyState(k), Equals, "loaded")

	pub, err := k.PublicKey()
	c.Assert(err, IsNil)
	digest := sha1.Sum([]byte("foo"))
	c.Check(rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig), IsNil)
}

func (s *keySuite) TestRunCommandWithFlushedHandle(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(k.Load(s.Context.SRK()), IsNil)
	h := k.TPMHandle()
	c.Assert(k.Unload(), IsNil)

	_, _, err := s.Context.RunCommand(CommandGetPubKey, []Handle{h}, nil, nil)
	c.Check(err, testutil.IsTPMError, ErrorInvalidKeyHandle)
	c.Check(err, ErrorMatches, `TPM returned an error whilst executing command TPM_ORD_GetPubKey: TPM_INVALID_KEYHANDLE \(the key handle can not be interpreted\)`)
}

func (s *keySuite) TestUnloadSRK(c *C) {
	c.Check(s.Context.SRK().Unload(), testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
	c.Check(s.Context.SRK().Close(), testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
	c.Check(s.Context.SRK().TPMHandle(), Equals, HandleSRK)
}

func (s *keySuite) TestPubKey(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeBind, []byte("foo"), nil)

	pub, err := k.PubKey()
	c.Assert(err, IsNil)
	c.Check(pub.AlgorithmParms.AlgorithmID, Equals, AlgorithmRSA)

	expected, err := k.GetAttribData(KeyAttribRSAKey, KeyRSAModulus)
	c.Check(err, IsNil)
	c.Check(pub.Key, DeepEquals, expected)

	rsaPub, err := k.PublicKey()
	c.Check(err, IsNil)
	c.Check(rsaPub.N.Bytes(), DeepEquals, expected)
	c.Check(rsaPub.E, Equals, DefaultRSAExponent)
}

func (s *keySuite) TestSRKPublicKey(c *C) {
	pub, err := s.Context.SRK().PublicKey()
	c.Assert(err, IsNil)
	c.Check(pub.N.BitLen(), Equals, 1024)
}

func (s *keySuite) TestLoadKeyByBlob(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning|KeyInitNoAuthorization, nil, nil)
	blob, err := k.GetAttribData(KeyAttribBlob, KeyBlobBlob)
	c.Assert(err, IsNil)
	c.Check(k.Close(), IsNil)

	k, err = s.Context.LoadKeyByBlob(s.Context.SRK(), blob)
	c.Assert(err, IsNil)
	c.Check(s.Context.KeyState(k), Equals, "loaded")

	authUsage, err := k.GetAttribUint32(KeyAttribInfo, KeyInfoAuthUsage)
	c.Check(err, IsNil)
	c.Check(AuthDataUsage(authUsage), Equals, AuthNever)

	_, err = s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)
}

func (s *keySuite) TestLoadKeyByBlobInvalid(c *C) {
	_, err := s.Context.LoadKeyByBlob(s.Context.SRK(), []byte{1, 2, 3})
	c.Check(IsBadParameterError(err, "blob"), testutil.IsTrue)
}

func (s *keySuite) TestCloseKey(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(k.Load(s.Context.SRK()), IsNil)

	c.Check(k.Close(), IsNil)
	c.Check(s.Device.LoadedKeys(), Equals, 0)

	_, err := s.sign(c, k, []byte("foo"))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)

	_, err = s.Context.Object(k.Handle())
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
}

func (s *keySuite) TestPCRBoundKey(c *C) {
	pcrs, err := s.Context.CreatePCRComposite()
	c.Assert(err, IsNil)
	c.Assert(pcrs.SelectPcrIndex(16), IsNil)

	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), pcrs)

	sel, err := k.GetAttribData(KeyAttribPCR, PCRInfoSelection)
	c.Check(err, IsNil)
	c.Check(sel, DeepEquals, []byte{0x00, 0x03, 0x00, 0x00, 0x01})

	_, err = s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)

	_, err = s.Context.TPM().PcrExtend(16, []byte("bar"))
	c.Assert(err, IsNil)

	_, err = s.sign(c, k, []byte("foo"))
	c.Check(IsTPMError(err, ErrorWrongPCRVal, CommandSign), testutil.IsTrue)
}

func (s *keySuite) TestUnboundKeyHasNoPCRInfo(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	_, err := k.GetAttribData(KeyAttribPCR, PCRDigestAtRelease)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
}

func (s *keySuite) TestChangeAuth(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(k.Load(s.Context.SRK()), IsNil)

	oldPolicy := s.NewPolicy(c, SecretModePlain, []byte("foo"))
	newPolicy := s.NewPolicy(c, SecretModePlain, []byte("bar"))
	c.Check(k.ChangeAuth(s.Context.SRK(), newPolicy), IsNil)

	// The old instance is flushed.
	c.Check(s.Context.KeyState(k), Equals, "not loaded")

	_, err := s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)

	c.Assert(oldPolicy.AssignTo(k), IsNil)
	_, err = s.sign(c, k, []byte("foo"))
	c.Check(IsTPMError(err, ErrorAuthFail, CommandSign), testutil.IsTrue)
}

func (s *keySuite) TestChangeAuthMigrationPolicy(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	err := k.ChangeAuth(s.Context.SRK(), s.NewMigrationPolicy(c, SecretModePlain, []byte("bar")))
	c.Check(IsBadParameterError(err, "newPolicy"), testutil.IsTrue)
}

func (s *keySuite) TestChangeAuthWrongSecret(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("wrong")).AssignTo(k), IsNil)

	err := k.ChangeAuth(s.Context.SRK(), s.NewPolicy(c, SecretModePlain, []byte("bar")))
	c.Check(IsTPMError(err, ErrorAuth2Fail, CommandChangeAuth), testutil.IsTrue)
}

func (s *keySuite) TestChangeAuthUnderNoAuthParent(c *C) {
	parent := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage|KeyInitNoAuthorization, nil, nil)
	k := s.CreateKey(c, parent, KeyInitTypeSigning, []byte("foo"), nil)

	c.Check(k.ChangeAuth(parent, s.NewPolicy(c, SecretModePlain, []byte("bar"))), IsNil)

	_, err := s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)
}

func (s *keySuite) newExternalKey(c *C) (*Key, *rsa.PrivateKey) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	c.Assert(err, IsNil)

	k, err := s.Context.CreateKey(KeyInitTypeSigning | KeyInitSize1024)
	c.Assert(err, IsNil)
	c.Assert(k.SetPrivateKey(priv), IsNil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("foo")).AssignTo(k), IsNil)
	c.Assert(s.NewMigrationPolicy(c, SecretModePlain, []byte("bar")).AssignTo(k), IsNil)
	return k, priv
}

func (s *keySuite) TestWrapKey(c *C) {
	k, priv := s.newExternalKey(c)
	c.Assert(k.Wrap(s.Context.SRK(), nil), IsNil)

	modulus, err := k.GetAttribData(KeyAttribRSAKey, KeyRSAModulus)
	c.Check(err, IsNil)
	c.Check(modulus, DeepEquals, priv.N.Bytes())

	migratable, err := k.GetAttribUint32(KeyAttribInfo, KeyInfoMigratable)
	c.Check(err, IsNil)
	c.Check(migratable, Equals, uint32(1))

	sig, err := s.sign(c, k, []byte("foo"))
	c.Assert(err, IsNil)
	digest := sha1.Sum([]byte("foo"))
	c.Check(rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.SHA1, digest[:], sig), IsNil)
}

func (s *keySuite) TestWrapKeyTwice(c *C) {
	k, _ := s.newExternalKey(c)
	c.Assert(k.Wrap(s.Context.SRK(), nil), IsNil)
	_, err := s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)

	parent := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("parent"), nil)
	c.Assert(k.Wrap(parent, nil), IsNil)
	c.Check(s.Context.KeyState(k), Equals, "not loaded")

	_, err = s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)
	c.Check(s.Context.KeyState(parent), Equals, "loaded")
}

func (s *keySuite) TestWrapKeyNoKeyMaterial(c *C) {
	k, err := s.Context.CreateKey(KeyInitTypeSigning)
	c.Assert(err, IsNil)
	c.Check(IsBadParameterError(k.Wrap(s.Context.SRK(), nil), "key"), testutil.IsTrue)
}

func (s *keySuite) TestWrapKeyPCRMismatch(c *C) {
	k, _ := s.newExternalKey(c)

	pcrs, err := s.Context.CreatePCRComposite()
	c.Assert(err, IsNil)
	c.Assert(pcrs.SetPcrValue(16, make([]byte, 20)), IsNil)

	_, err = s.Context.TPM().PcrExtend(16, []byte("foo"))
	c.Assert(err, IsNil)

	err = k.Wrap(s.Context.SRK(), pcrs)
	c.Check(err, testutil.IsErrorKind, ErrorKindPCRMismatch)
	c.Check(err, ErrorMatches, `cannot complete WrapKey: PCR values do not match: PCR 16 does not have the expected value`)
}

func (s *keySuite) TestWrapKeyWithPCRs(c *C) {
	k, _ := s.newExternalKey(c)

	pcrs, err := s.Context.CreatePCRComposite()
	c.Assert(err, IsNil)
	c.Assert(pcrs.SetPcrValue(16, make([]byte, 20)), IsNil)

	c.Assert(k.Wrap(s.Context.SRK(), pcrs), IsNil)

	expected, err := pcrs.Digest()
	c.Assert(err, IsNil)
	digest, err := k.GetAttribData(KeyAttribPCR, PCRDigestAtRelease)
	c.Check(err, IsNil)
	c.Check(digest, DeepEquals, expected[:])

	_, err = s.sign(c, k, []byte("foo"))
	c.Check(err, IsNil)
}

func (s *keySuite) TestSetAttribAfterCreate(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	err := k.SetAttribUint32(KeyAttribInfo, KeyInfoSize, 2048)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
}

type keyUnownedSuite struct {
	testutil.TSSTest
}

func (s *keyUnownedSuite) SetUpTest(c *C) {
	s.Unowned = true
	s.TSSTest.SetUpTest(c)
}

var _ = Suite(&keyUnownedSuite{})

func (s *keyUnownedSuite) TestSRKPublicKeyWithoutOwner(c *C) {
	_, err := s.Context.SRK().PublicKey()
	c.Check(IsTPMError(err, ErrorNoSRK, CommandGetPubKey), testutil.IsTrue)
}
