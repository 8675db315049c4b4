// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss_test

import (
	"crypto/sha1"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tss"
	"github.com/canonical/go-tss/testutil"
)

type hashSuite struct {
	testutil.TSSTest
}

var _ = Suite(&hashSuite{})

func (s *hashSuite) newHash(c *C, typ HashType) *Hash {
	h, err := s.Context.CreateHash(typ)
	c.Assert(err, IsNil)
	return h
}

func (s *hashSuite) TestUpdateHashValue(c *C) {
	h := s.newHash(c, HashTypeSHA1)
	c.Check(h.UpdateHashValue([]byte("foo")), IsNil)
	c.Check(h.UpdateHashValue([]byte("bar")), IsNil)

	expected := sha1.Sum([]byte("foobar"))
	value, err := h.HashValue()
	c.Check(err, IsNil)
	c.Check(value, DeepEquals, expected[:])
}

func (s *hashSuite) TestSetHashValueResetsUpdates(c *C) {
	h := s.newHash(c, HashTypeSHA1)
	c.Check(h.UpdateHashValue([]byte("foo")), IsNil)

	d := sha1.Sum([]byte("bar"))
	c.Check(h.SetHashValue(d[:]), IsNil)
	value, err := h.HashValue()
	c.Check(err, IsNil)
	c.Check(value, DeepEquals, d[:])

	c.Check(h.UpdateHashValue([]byte("baz")), IsNil)
	expected := sha1.Sum([]byte("baz"))
	value, err = h.HashValue()
	c.Check(err, IsNil)
	c.Check(value, DeepEquals, expected[:])
}

func (s *hashSuite) TestSetHashValueInvalidLength(c *C) {
	h := s.newHash(c, HashTypeSHA1)
	err := h.SetHashValue([]byte("foo"))
	c.Check(IsBadParameterError(err, "value"), testutil.IsTrue)
	c.Check(err, ErrorMatches, `cannot complete SetHashValue: bad parameter \(value\): invalid length \(3 bytes\)`)
}

func (s *hashSuite) TestUpdateOtherHash(c *C) {
	h := s.newHash(c, HashTypeOther)
	c.Check(h.UpdateHashValue([]byte("foo")), testutil.IsErrorKind, ErrorKindInvalidObjectType)
	c.Check(h.SetHashValue(nil), testutil.IsErrorKind, ErrorKindBadParameter)
}

func (s *hashSuite) TestHashValueEmpty(c *C) {
	h := s.newHash(c, HashTypeSHA1)
	_, err := h.HashValue()
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)

	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	_, err = h.Sign(k)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
}

func (s *hashSuite) TestCreateHashInvalidType(c *C) {
	_, err := s.Context.CreateHash(HashType(2))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectInitFlag)
}

func (s *hashSuite) TestSignAndVerify(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	h := s.newHash(c, HashTypeSHA1)
	c.Assert(h.UpdateHashValue([]byte("message")), IsNil)

	sig, err := h.Sign(k)
	c.Assert(err, IsNil)
	c.Check(sig, HasLen, 128)
	c.Check(h.VerifySignature(k, sig), IsNil)

	c.Assert(h.UpdateHashValue([]byte("more")), IsNil)
	err = h.VerifySignature(k, sig)
	c.Check(IsBadParameterError(err, "signature"), testutil.IsTrue)
}

func (s *hashSuite) TestSignWithDERScheme(c *C) {
	k, err := s.Context.CreateKey(KeyInitTypeSigning | KeyInitSize1024)
	c.Assert(err, IsNil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("foo")).AssignTo(k), IsNil)
	c.Assert(k.SetAttribUint32(KeyAttribInfo, KeyInfoSigScheme, uint32(SigSchemeRSAPKCSv15DER)), IsNil)
	c.Assert(k.Create(s.Context.SRK(), nil), IsNil)

	h := s.newHash(c, HashTypeOther)
	c.Assert(h.SetHashValue([]byte("an arbitrary value to sign")), IsNil)

	sig, err := h.Sign(k)
	c.Assert(err, IsNil)
	c.Check(h.VerifySignature(k, sig), IsNil)
}

func (s *hashSuite) TestSignWithWrongSecret(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("bar")).AssignTo(k), IsNil)

	h := s.newHash(c, HashTypeSHA1)
	c.Assert(h.UpdateHashValue([]byte("message")), IsNil)

	_, err := h.Sign(k)
	c.Check(IsTPMError(err, ErrorAuthFail, CommandSign), testutil.IsTrue)
}

func (s *hashSuite) TestSignWithStorageKey(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)

	h := s.newHash(c, HashTypeSHA1)
	c.Assert(h.UpdateHashValue([]byte("message")), IsNil)

	_, err := h.Sign(k)
	c.Check(IsTPMError(err, ErrorInvalidKeyUsage, CommandSign), testutil.IsTrue)
}

func (s *hashSuite) TestSignWithOtherHashAndSHA1Scheme(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	h := s.newHash(c, HashTypeOther)
	c.Assert(h.SetHashValue([]byte("too short")), IsNil)

	_, err := h.Sign(k)
	c.Check(IsTPMError(err, ErrorBadDataSize, CommandSign), testutil.IsTrue)
}

func (s *hashSuite) TestAttributes(c *C) {
	h := s.newHash(c, HashTypeSHA1)

	_, err := h.GetAttribUint32(KeyAttribInfo, KeyInfoUsage)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidAttribFlag)
	c.Check(h.SetAttribData(KeyAttribInfo, 0, nil), testutil.IsErrorKind, ErrorKindInvalidAttribFlag)
}

func (s *hashSuite) TestClose(c *C) {
	h := s.newHash(c, HashTypeSHA1)
	c.Check(h.Close(), IsNil)
	c.Check(h.UpdateHashValue([]byte("foo")), testutil.IsErrorKind, ErrorKindInvalidHandle)
}
