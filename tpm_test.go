// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss_test

import (
	"crypto/sha1"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tss"
	"github.com/canonical/go-tss/mu"
	"github.com/canonical/go-tss/testutil"
)

type tpmSuite struct {
	testutil.TSSTest
}

var _ = Suite(&tpmSuite{})

func (s *tpmSuite) TestPcrExtend(c *C) {
	tpm := s.Context.TPM()

	orig, err := tpm.PcrRead(7)
	c.Assert(err, IsNil)

	value, err := tpm.PcrExtend(7, []byte("foo"))
	c.Assert(err, IsNil)

	digest := sha1.Sum([]byte("foo"))
	h := sha1.New()
	h.Write(orig[:])
	h.Write(digest[:])
	c.Check(value[:], DeepEquals, h.Sum(nil))

	current, err := tpm.PcrRead(7)
	c.Check(err, IsNil)
	c.Check(current, Equals, value)
}

func (s *tpmSuite) TestPcrReadInvalidIndex(c *C) {
	_, err := s.Context.TPM().PcrRead(NumPCRs)
	c.Check(err, testutil.IsErrorKind, ErrorKindBadParameter)
	c.Check(err, ErrorMatches, `cannot complete PcrRead: bad parameter \(index\): invalid PCR index 24`)
}

func (s *tpmSuite) TestPcrResetIsIdempotent(c *C) {
	tpm := s.Context.TPM()

	_, err := tpm.PcrExtend(16, []byte("bar"))
	c.Assert(err, IsNil)

	pcrs, err := s.Context.CreatePCRComposite()
	c.Assert(err, IsNil)
	c.Assert(pcrs.SelectPcrIndex(16), IsNil)

	for i := 0; i < 2; i++ {
		c.Check(tpm.PcrReset(pcrs), IsNil)
		value, err := tpm.PcrRead(16)
		c.Check(err, IsNil)
		c.Check(value, Equals, Digest{})
	}
}

func (s *tpmSuite) TestPcrResetNotResettable(c *C) {
	pcrs, err := s.Context.CreatePCRComposite()
	c.Assert(err, IsNil)
	c.Assert(pcrs.SelectPcrIndex(0), IsNil)

	err = s.Context.TPM().PcrReset(pcrs)
	c.Check(err, testutil.IsTPMError, ErrorNotResettable)
	c.Check(IsTPMError(err, ErrorNotResettable, CommandPCRReset), testutil.IsTrue)
}

func (s *tpmSuite) TestPcrResetNoSelection(c *C) {
	pcrs, err := s.Context.CreatePCRComposite()
	c.Assert(err, IsNil)

	err = s.Context.TPM().PcrReset(pcrs)
	c.Check(err, testutil.IsErrorKind, ErrorKindBadParameter)
}

func (s *tpmSuite) TestGetRandom(c *C) {
	data, err := s.Context.TPM().GetRandom(32)
	c.Check(err, IsNil)
	c.Check(data, HasLen, 32)
}

func (s *tpmSuite) TestGetCapabilityProperty(c *C) {
	tpm := s.Context.TPM()

	n, err := tpm.GetCapabilityProperty(PropertyPCR)
	c.Check(err, IsNil)
	c.Check(n, Equals, uint32(NumPCRs))

	n, err = tpm.GetAttribUint32(TPMAttribCapProperty, AttribSubFlag(PropertyMaxKeys))
	c.Check(err, IsNil)
	c.Check(n, Equals, uint32(10))
}

func (s *tpmSuite) TestGetCapabilityInvalid(c *C) {
	_, err := s.Context.TPM().GetCapability(CapabilityProperty, mu.MustMarshalToBytes(uint32(0xffff)))
	c.Check(err, testutil.IsTPMError, ErrorBadParameter)
}

func (s *tpmSuite) TestGetLoadedKeyHandles(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(k.Load(s.Context.SRK()), IsNil)

	handles, err := s.Context.TPM().GetLoadedKeyHandles()
	c.Check(err, IsNil)
	c.Check(handles, DeepEquals, []Handle{k.TPMHandle()})
}

func (s *tpmSuite) TestReadPubek(c *C) {
	pub, err := s.Context.TPM().ReadPubek()
	c.Assert(err, IsNil)

	key, err := pub.RSAPublicKey()
	c.Check(err, IsNil)
	c.Check(key.N.BitLen(), Equals, 1024)
}

func (s *tpmSuite) TestTakeOwnershipOwnerSet(c *C) {
	srk, err := s.Context.CreateKey(KeyInitTypeStorage | KeyInitSize1024)
	c.Assert(err, IsNil)
	c.Assert(s.NewPolicy(c, SecretModeSHA1, make([]byte, 20)).AssignTo(srk), IsNil)

	err = s.Context.TPM().TakeOwnership(srk)
	c.Check(err, testutil.IsTPMError, ErrorOwnerSet)
	c.Check(srk.Close(), IsNil)
}

func (s *tpmSuite) TestQuote(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	tpm := s.Context.TPM()
	_, err := tpm.PcrExtend(10, []byte("quoted"))
	c.Assert(err, IsNil)

	pcrs, err := s.Context.CreatePCRComposite()
	c.Assert(err, IsNil)
	c.Assert(pcrs.SelectPcrIndex(10), IsNil)

	nonce := Nonce{1, 2, 3}
	composite, validation, err := tpm.Quote(k, pcrs, nonce)
	c.Assert(err, IsNil)
	c.Check(validation.ExternalData, Equals, nonce)
	c.Check(validation.Signature, HasLen, 128)

	value, err := tpm.PcrRead(10)
	c.Check(err, IsNil)
	c.Check(composite.Values, DeepEquals, value[:])
}

func (s *tpmSuite) TestQuoteWrongSecret(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("bar")).AssignTo(k), IsNil)

	pcrs, err := s.Context.CreatePCRComposite()
	c.Assert(err, IsNil)
	c.Assert(pcrs.SelectPcrIndex(10), IsNil)

	_, _, err = s.Context.TPM().Quote(k, pcrs, Nonce{})
	c.Check(err, testutil.IsTPMError, ErrorAuthFail)
}

func (s *tpmSuite) TestCloseTPM(c *C) {
	c.Check(s.Context.TPM().Close(), testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
}

type tpmUnownedSuite struct {
	testutil.TSSTest
}

var _ = Suite(&tpmUnownedSuite{})

func (s *tpmUnownedSuite) SetUpTest(c *C) {
	s.Unowned = true
	s.TSSTest.SetUpTest(c)
}

func (s *tpmUnownedSuite) TestTakeOwnership(c *C) {
	c.Check(s.Device.Owned(), testutil.IsFalse)

	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("owner")).AssignTo(s.Context.TPM()), IsNil)
	srk := s.Context.SRK()
	c.Assert(s.NewPolicy(c, SecretModeSHA1, WellKnownSecret[:]).AssignTo(srk), IsNil)
	c.Assert(srk.SetAttribUint32(KeyAttribInfo, KeyInfoSize, 1024), IsNil)

	c.Check(s.Context.TPM().TakeOwnership(srk), IsNil)
	c.Check(s.Device.Owned(), testutil.IsTrue)

	pub, err := srk.PubKey()
	c.Check(err, IsNil)
	c.Check(pub.Key, HasLen, 128)
}

func (s *tpmUnownedSuite) TestTakeOwnershipNoOwnerSecret(c *C) {
	err := s.Context.TPM().TakeOwnership(s.Context.SRK())
	c.Check(err, testutil.IsErrorKind, ErrorKindPolicyNoSecret)
}

func (s *tpmUnownedSuite) TestCreateKeyWithoutSRK(c *C) {
	c.Assert(s.NewPolicy(c, SecretModeSHA1, WellKnownSecret[:]).AssignTo(s.Context.SRK()), IsNil)

	k, err := s.Context.CreateKey(KeyInitTypeSigning | KeyInitSize1024 | KeyInitNoAuthorization)
	c.Assert(err, IsNil)
	c.Check(k.Create(s.Context.SRK(), nil), testutil.IsTPMError, ErrorNoSRK)
}
