// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss_test

import (
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tss"
	"github.com/canonical/go-tss/testutil"
)

type encDataSuite struct {
	testutil.TSSTest
}

var _ = Suite(&encDataSuite{})

func (s *encDataSuite) newEncData(c *C, typ EncDataType, secret []byte) *EncData {
	e, err := s.Context.CreateEncData(typ)
	c.Assert(err, IsNil)
	if secret != nil {
		c.Assert(s.NewPolicy(c, SecretModePlain, secret).AssignTo(e), IsNil)
	}
	return e
}

func (s *encDataSuite) TestSealUnseal(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeSeal, []byte("bar"))

	c.Assert(e.Seal(k, []byte("secret data"), nil), IsNil)

	s.ForgetCommands()
	data, err := e.Unseal(k)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, []byte("secret data"))
	c.Check(s.CommandCodes(c), DeepEquals, []CommandCode{CommandOIAP, CommandOIAP, CommandUnseal})
}

func (s *encDataSuite) TestSealUnderNoAuthKey(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage|KeyInitNoAuthorization, nil, nil)
	e := s.newEncData(c, EncDataTypeSeal, []byte("bar"))

	c.Assert(e.Seal(k, []byte("secret data"), nil), IsNil)

	data, err := e.Unseal(k)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, []byte("secret data"))
}

func (s *encDataSuite) TestSealNoSecret(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeSeal, nil)

	err := e.Seal(k, []byte("secret data"), nil)
	c.Check(err, testutil.IsErrorKind, ErrorKindPolicyNoSecret)
}

func (s *encDataSuite) TestSealWithNonStorageKey(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeSeal, []byte("bar"))

	err := e.Seal(k, []byte("secret data"), nil)
	c.Check(IsTPMError(err, ErrorInvalidKeyUsage, CommandSeal), testutil.IsTrue)
}

func (s *encDataSuite) TestUnsealWrongSecret(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeSeal, []byte("bar"))
	c.Assert(e.Seal(k, []byte("secret data"), nil), IsNil)

	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("baz")).AssignTo(e), IsNil)
	_, err := e.Unseal(k)
	c.Check(IsTPMError(err, ErrorAuth2Fail, CommandUnseal), testutil.IsTrue)
}

func (s *encDataSuite) TestSealToPCRs(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeSeal, []byte("bar"))

	pcrs, err := s.Context.CreatePCRComposite()
	c.Assert(err, IsNil)
	c.Assert(pcrs.SelectPcrIndex(16), IsNil)

	c.Assert(e.Seal(k, []byte("secret data"), pcrs), IsNil)

	expected, err := pcrs.Digest()
	c.Assert(err, IsNil)
	digest, err := e.GetAttribData(EncDataAttribPCR, PCRDigestAtRelease)
	c.Check(err, IsNil)
	c.Check(digest, DeepEquals, expected[:])

	sel, err := e.GetAttribData(EncDataAttribPCR, PCRInfoSelection)
	c.Check(err, IsNil)
	c.Check(sel, DeepEquals, []byte{0x00, 0x03, 0x00, 0x00, 0x01})

	data, err := e.Unseal(k)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, []byte("secret data"))

	_, err = s.Context.TPM().PcrExtend(16, []byte("foo"))
	c.Assert(err, IsNil)

	_, err = e.Unseal(k)
	c.Check(IsTPMError(err, ErrorWrongPCRVal, CommandUnseal), testutil.IsTrue)
}

func (s *encDataSuite) TestSealedDataWithoutPCRs(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeSeal, []byte("bar"))
	c.Assert(e.Seal(k, []byte("secret data"), nil), IsNil)

	_, err := e.GetAttribData(EncDataAttribPCR, PCRDigestAtRelease)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
}

func (s *encDataSuite) TestUnsealWithoutData(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeSeal, []byte("bar"))

	_, err := e.Unseal(k)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
	c.Check(err, ErrorMatches, `cannot complete Unseal: invalid object access: no data has been sealed`)
}

func (s *encDataSuite) TestExportImportSealedBlob(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeSeal, []byte("bar"))
	c.Assert(e.Seal(k, []byte("secret data"), nil), IsNil)

	blob, err := e.GetAttribData(EncDataAttribBlob, EncDataBlobBlob)
	c.Assert(err, IsNil)

	e2 := s.newEncData(c, EncDataTypeSeal, []byte("bar"))
	c.Assert(e2.SetAttribData(EncDataAttribBlob, EncDataBlobBlob, blob), IsNil)

	data, err := e2.Unseal(k)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, []byte("secret data"))
}

func (s *encDataSuite) TestImportInvalidSealedBlob(c *C) {
	e := s.newEncData(c, EncDataTypeSeal, nil)
	err := e.SetAttribData(EncDataAttribBlob, EncDataBlobBlob, []byte{0x01, 0x02})
	c.Check(IsBadParameterError(err, "data"), testutil.IsTrue)
}

func (s *encDataSuite) TestBindUnbindPKCS1v15(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeBind, []byte("foo"), nil)

	scheme, err := k.GetAttribUint32(KeyAttribInfo, KeyInfoEncScheme)
	c.Check(err, IsNil)
	c.Check(EncScheme(scheme), Equals, EncSchemeRSAPKCSv15)

	e := s.newEncData(c, EncDataTypeBind, nil)
	c.Assert(e.Bind(k, []byte("bound data")), IsNil)

	data, err := e.Unbind(k)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, []byte("bound data"))
}

func (s *encDataSuite) TestBindUnbindOAEP(c *C) {
	k, err := s.Context.CreateKey(KeyInitTypeBind | KeyInitSize1024)
	c.Assert(err, IsNil)
	c.Assert(k.SetAttribUint32(KeyAttribInfo, KeyInfoEncScheme, uint32(EncSchemeRSAOAEPSHA1)), IsNil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("foo")).AssignTo(k), IsNil)
	c.Assert(k.Create(s.Context.SRK(), nil), IsNil)

	e := s.newEncData(c, EncDataTypeBind, nil)
	c.Assert(e.Bind(k, []byte("bound data")), IsNil)

	data, err := e.Unbind(k)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, []byte("bound data"))
}

func (s *encDataSuite) TestBindUnbindLegacy(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeLegacy, []byte("foo"), nil)

	e := s.newEncData(c, EncDataTypeLegacy, nil)
	c.Assert(e.Bind(k, []byte("bound data")), IsNil)

	data, err := e.Unbind(k)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, []byte("bound data"))
}

func (s *encDataSuite) TestUnbindWithWrongKey(c *C) {
	k1 := s.CreateKey(c, s.Context.SRK(), KeyInitTypeBind, []byte("foo"), nil)
	k2 := s.CreateKey(c, s.Context.SRK(), KeyInitTypeBind, []byte("foo"), nil)

	e := s.newEncData(c, EncDataTypeBind, nil)
	c.Assert(e.Bind(k1, []byte("bound data")), IsNil)

	_, err := e.Unbind(k2)
	c.Check(IsTPMError(err, ErrorDecryptError, CommandUnBind), testutil.IsTrue)
}

func (s *encDataSuite) TestUnbindWithSigningKey(c *C) {
	bind := s.CreateKey(c, s.Context.SRK(), KeyInitTypeBind, []byte("foo"), nil)
	sign := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	e := s.newEncData(c, EncDataTypeBind, nil)
	c.Assert(e.Bind(bind, []byte("bound data")), IsNil)

	_, err := e.Unbind(sign)
	c.Check(IsTPMError(err, ErrorInvalidKeyUsage, CommandUnBind), testutil.IsTrue)
}

func (s *encDataSuite) TestBindTooLarge(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeBind, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeBind, nil)

	err := e.Bind(k, make([]byte, 200))
	c.Check(IsBadParameterError(err, "data"), testutil.IsTrue)
}

func (s *encDataSuite) TestBindToKeyWithoutEncScheme(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	e := s.newEncData(c, EncDataTypeBind, nil)

	err := e.Bind(k, []byte("bound data"))
	c.Check(IsBadParameterError(err, "key"), testutil.IsTrue)
}

func (s *encDataSuite) TestWrongType(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeStorage, []byte("foo"), nil)

	e := s.newEncData(c, EncDataTypeBind, []byte("bar"))
	err := e.Seal(k, []byte("data"), nil)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectType)

	e = s.newEncData(c, EncDataTypeSeal, []byte("bar"))
	err = e.Bind(k, []byte("data"))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectType)
}

func (s *encDataSuite) TestCreateInvalidType(c *C) {
	_, err := s.Context.CreateEncData(EncDataType(10))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectInitFlag)
}

func (s *encDataSuite) TestTypeAttribute(c *C) {
	e := s.newEncData(c, EncDataTypeLegacy, nil)

	typ, err := e.GetAttribUint32(EncDataAttribType, EncDataTypeValue)
	c.Check(err, IsNil)
	c.Check(EncDataType(typ), Equals, EncDataTypeLegacy)

	err = e.SetAttribUint32(EncDataAttribType, EncDataTypeValue, uint32(EncDataTypeSeal))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)

	_, err = e.GetAttribUint32(EncDataAttribType, 0x10)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidAttribSubflag)

	_, err = e.GetAttribData(0x1000, 0)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidAttribFlag)
}

func (s *encDataSuite) TestEmptyBlob(c *C) {
	e := s.newEncData(c, EncDataTypeBind, nil)
	_, err := e.GetAttribData(EncDataAttribBlob, EncDataBlobBlob)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
}
