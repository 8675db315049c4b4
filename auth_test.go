// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss_test

import (
	"crypto/hmac"
	"crypto/sha1"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tss"
	"github.com/canonical/go-tss/testutil"
)

type authSuite struct{}

var _ = Suite(&authSuite{})

func (s *authSuite) TestComputeSharedSecret(c *C) {
	auth := AuthValue(sha1.Sum([]byte("foo")))
	nonceEven := Nonce(sha1.Sum([]byte("even")))
	nonceOdd := Nonce(sha1.Sum([]byte("odd")))

	h := hmac.New(sha1.New, auth[:])
	h.Write(nonceEven[:])
	h.Write(nonceOdd[:])

	secret := ComputeSharedSecret(auth, nonceEven, nonceOdd)
	c.Check(secret[:], DeepEquals, h.Sum(nil))
}

func (s *authSuite) TestComputeAuthHMACDependsOnContinue(c *C) {
	key := AuthValue(sha1.Sum([]byte("foo")))
	digest := ComputeCommandParamDigest(CommandGetPubKey, nil)
	var nonceEven, nonceOdd Nonce

	a := ComputeAuthHMAC(key, digest, nonceEven, nonceOdd, false)
	b := ComputeAuthHMAC(key, digest, nonceEven, nonceOdd, true)
	c.Check(a, Not(Equals), b)

	nonceOdd[0] = 1
	c.Check(ComputeAuthHMAC(key, digest, nonceEven, nonceOdd, false), Not(Equals), a)
}

func (s *authSuite) TestParamDigestsDifferByCommand(c *C) {
	a := ComputeCommandParamDigest(CommandGetPubKey, []byte{1, 2, 3})
	b := ComputeCommandParamDigest(CommandSign, []byte{1, 2, 3})
	c.Check(a, Not(Equals), b)

	c.Check(ComputeResponseParamDigest(Success, CommandSign, []byte{1, 2, 3}), Not(Equals), b)
}

func (s *authSuite) TestEncryptAuthValue(c *C) {
	secret := AuthValue(sha1.Sum([]byte("secret")))
	nonce := Nonce(sha1.Sum([]byte("nonce")))
	value := AuthValue(sha1.Sum([]byte("value")))

	enc := EncryptAuthValue(secret, nonce, value)
	c.Check(enc, Not(Equals), value)
	c.Check(EncryptAuthValue(secret, nonce, enc), Equals, value)
}

type authSessionSuite struct {
	testutil.TSSTest
}

var _ = Suite(&authSessionSuite{})

func (s *authSessionSuite) loadedKey(c *C) *Key {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(k.Load(s.Context.SRK()), IsNil)
	return k
}

func (s *authSessionSuite) getPubKey(k *Key, session *AuthSession, auth AuthValue) (*PubKey, error) {
	var pub PubKey
	err := s.Context.StartCommand(CommandGetPubKey).AddHandles(k.TPMHandle()).
		AddAuthSession(session, auth).
		Run(&pub)
	return &pub, err
}

func (s *authSessionSuite) TestOIAPSessionPersists(c *C) {
	k := s.loadedKey(c)

	session, err := s.Context.StartAuthSession(SessionTypeOIAP, nil)
	c.Assert(err, IsNil)
	c.Check(session.Type(), Equals, SessionTypeOIAP)
	c.Check(s.Context.ActiveSessions(), Equals, 1)
	c.Check(s.Device.OpenSessions(), Equals, 1)

	expected, err := k.PublicKey()
	c.Assert(err, IsNil)

	auth := AuthValue(sha1.Sum([]byte("foo")))
	nonce := session.NonceEven()
	for i := 0; i < 3; i++ {
		pub, err := s.getPubKey(k, session, auth)
		c.Check(err, IsNil)
		c.Check(pub.Key, DeepEquals, expected.N.Bytes())

		// The TPM supplies a fresh nonce with every response.
		c.Check(session.NonceEven(), Not(Equals), nonce)
		nonce = session.NonceEven()
	}
	c.Check(session.IsTerminated(), testutil.IsFalse)

	c.Check(session.Close(), IsNil)
	c.Check(session.IsTerminated(), testutil.IsTrue)
	c.Check(s.Context.ActiveSessions(), Equals, 0)
	c.Check(s.Device.OpenSessions(), Equals, 0)
}

func (s *authSessionSuite) TestOIAPWrongAuthTerminatesSession(c *C) {
	k := s.loadedKey(c)

	session, err := s.Context.StartAuthSession(SessionTypeOIAP, nil)
	c.Assert(err, IsNil)

	_, err = s.getPubKey(k, session, AuthValue(sha1.Sum([]byte("bar"))))
	c.Check(IsTPMError(err, ErrorAuthFail, CommandGetPubKey), testutil.IsTrue)
	c.Check(session.IsTerminated(), testutil.IsTrue)
	c.Check(s.Device.OpenSessions(), Equals, 0)

	_, err = s.getPubKey(k, session, AuthValue(sha1.Sum([]byte("foo"))))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	c.Check(err, ErrorMatches, `cannot complete authorization: invalid handle: session has been terminated`)

	c.Check(session.Close(), IsNil)
	c.Check(s.Context.ActiveSessions(), Equals, 0)
}

func (s *authSessionSuite) TestSessionUsedTwiceInOneCommand(c *C) {
	k := s.loadedKey(c)

	session, err := s.Context.StartAuthSession(SessionTypeOIAP, nil)
	c.Assert(err, IsNil)
	defer session.Close()

	auth := AuthValue(sha1.Sum([]byte("foo")))
	s.ForgetCommands()
	err = s.Context.StartCommand(CommandGetPubKey).AddHandles(k.TPMHandle()).
		AddAuthSession(session, auth).
		AddAuthSession(session, auth).
		Run(&PubKey{})
	c.Check(IsBadParameterError(err, "session"), testutil.IsTrue)
	c.Check(err, ErrorMatches, `cannot complete authorization: bad parameter \(session\): a session can only authorize a command once`)
	c.Check(s.CommandLog(), HasLen, 0)

	// The session is still usable.
	c.Check(session.IsTerminated(), testutil.IsFalse)
	_, err = s.getPubKey(k, session, auth)
	c.Check(err, IsNil)
}

func (s *authSessionSuite) TestOSAPSession(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	session, err := s.Context.StartAuthSession(SessionTypeOSAP, k)
	c.Assert(err, IsNil)
	defer session.Close()
	c.Check(session.Type(), Equals, SessionTypeOSAP)
	c.Check(s.Context.KeyState(k), Equals, "loaded")

	// The entity auth is ignored for OSAP sessions.
	_, err = s.getPubKey(k, session, AuthValue{})
	c.Check(err, IsNil)
	_, err = s.getPubKey(k, session, AuthValue{})
	c.Check(err, IsNil)
}

func (s *authSessionSuite) TestOSAPSessionWrongSecret(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("bar")).AssignTo(k), IsNil)

	session, err := s.Context.StartAuthSession(SessionTypeOSAP, k)
	c.Assert(err, IsNil)
	defer session.Close()

	_, err = s.getPubKey(k, session, AuthValue{})
	c.Check(IsTPMError(err, ErrorAuthFail, CommandGetPubKey), testutil.IsTrue)
}

func (s *authSessionSuite) TestOSAPSessionForOwner(c *C) {
	session, err := s.Context.StartAuthSession(SessionTypeOSAP, s.Context.TPM())
	c.Assert(err, IsNil)
	c.Check(session.Type(), Equals, SessionTypeOSAP)
	c.Check(session.Close(), IsNil)
}

func (s *authSessionSuite) TestOSAPSessionInvalidObject(c *C) {
	_, err := s.Context.StartAuthSession(SessionTypeOSAP, s.Context.DefaultPolicy())
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	c.Check(err, ErrorMatches, `cannot complete StartAuthSession: invalid handle: object must be a key or the TPM`)
}

func (s *authSessionSuite) TestOSAPSessionNoSecret(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(s.Context.DefaultPolicy().AssignTo(k), IsNil)

	_, err := s.Context.StartAuthSession(SessionTypeOSAP, k)
	c.Check(err, testutil.IsErrorKind, ErrorKindPolicyNoSecret)
}

func (s *authSessionSuite) TestDSAPSessionWithoutDelegation(c *C) {
	_, err := s.Context.StartAuthSession(SessionTypeDSAP, s.Context.TPM())
	c.Check(IsBadParameterError(err, "obj"), testutil.IsTrue)
	c.Check(s.Device.OpenSessions(), Equals, 0)
}

func (s *authSessionSuite) TestInvalidSessionType(c *C) {
	_, err := s.Context.StartAuthSession(SessionType(10), nil)
	c.Check(IsBadParameterError(err, "sessionType"), testutil.IsTrue)
}

func (s *authSessionSuite) TestSessionLimit(c *C) {
	var sessions []*AuthSession
	defer func() {
		for _, session := range sessions {
			session.Close()
		}
	}()

	for i := 0; i < 16; i++ {
		session, err := s.Context.StartAuthSession(SessionTypeOIAP, nil)
		c.Assert(err, IsNil)
		sessions = append(sessions, session)
	}

	_, err := s.Context.StartAuthSession(SessionTypeOIAP, nil)
	c.Check(IsTPMError(err, ErrorResources, CommandOIAP), testutil.IsTrue)
}

func (s *authSessionSuite) TestSingleUseSessionsAreFlushed(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	h, err := s.Context.CreateHash(HashTypeSHA1)
	c.Assert(err, IsNil)
	c.Assert(h.UpdateHashValue([]byte("foo")), IsNil)
	_, err = h.Sign(k)
	c.Check(err, IsNil)

	c.Check(s.Device.OpenSessions(), Equals, 0)
	c.Check(s.Context.ActiveSessions(), Equals, 0)
}
