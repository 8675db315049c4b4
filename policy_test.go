// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss_test

import (
	"crypto/sha1"
	"errors"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tss"
	"github.com/canonical/go-tss/testutil"
)

type policySuite struct {
	testutil.TSSTest
}

var _ = Suite(&policySuite{})

func (s *policySuite) sign(c *C, key *Key) error {
	h, err := s.Context.CreateHash(HashTypeSHA1)
	c.Assert(err, IsNil)
	defer h.Close()
	c.Assert(h.UpdateHashValue([]byte("foo")), IsNil)
	_, err = h.Sign(key)
	return err
}

func (s *policySuite) TestCreatePolicy(c *C) {
	p, err := s.Context.CreatePolicy(PolicyTypeMigration)
	c.Assert(err, IsNil)
	c.Check(p.PolicyType(), Equals, PolicyTypeMigration)
	c.Check(p.Type(), Equals, ObjectTypePolicy)

	mode, err := p.GetAttribUint32(PolicyAttribInfo, PolicyInfoSecretMode)
	c.Check(err, IsNil)
	c.Check(SecretMode(mode), Equals, SecretModeNone)

	always, err := p.GetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeAlways)
	c.Check(err, IsNil)
	c.Check(always, Equals, uint32(1))
}

func (s *policySuite) TestCreatePolicyInvalidType(c *C) {
	_, err := s.Context.CreatePolicy(PolicyType(10))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectInitFlag)
}

func (s *policySuite) TestSetSecretInvalid(c *C) {
	p, err := s.Context.CreatePolicy(PolicyTypeUsage)
	c.Assert(err, IsNil)

	c.Check(IsBadParameterError(p.SetSecret(SecretModeSHA1, []byte("foo")), "secret"), testutil.IsTrue)
	c.Check(IsBadParameterError(p.SetSecret(SecretModePopup, nil), "mode"), testutil.IsTrue)
	c.Check(IsBadParameterError(p.SetSecret(SecretModeCallback, nil), "mode"), testutil.IsTrue)
	c.Check(IsBadParameterError(p.SetCallback(nil), "fn"), testutil.IsTrue)
}

func (s *policySuite) TestPlainAndSHA1SecretsAreEquivalent(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	digest := sha1.Sum([]byte("foo"))
	c.Assert(s.NewPolicy(c, SecretModeSHA1, digest[:]).AssignTo(k), IsNil)
	c.Check(s.sign(c, k), IsNil)
}

func (s *policySuite) TestHashModeNull(c *C) {
	p, err := s.Context.CreatePolicy(PolicyTypeUsage)
	c.Assert(err, IsNil)
	c.Assert(p.SetAttribUint32(PolicyAttribSecretHashMode, HashModeSecret, HashModeNull), IsNil)
	c.Assert(p.SetSecret(SecretModePlain, []byte("foo")), IsNil)

	hashMode, err := p.GetAttribUint32(PolicyAttribSecretHashMode, HashModeSecret)
	c.Check(err, IsNil)
	c.Check(hashMode, Equals, HashModeNull)

	k, err := s.Context.CreateKey(KeyInitTypeSigning | KeyInitSize1024)
	c.Assert(err, IsNil)
	c.Assert(p.AssignTo(k), IsNil)
	c.Assert(k.Create(s.Context.SRK(), nil), IsNil)

	digest := sha1.Sum([]byte("foo\x00"))
	c.Assert(s.NewPolicy(c, SecretModeSHA1, digest[:]).AssignTo(k), IsNil)
	c.Check(s.sign(c, k), IsNil)

	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("foo")).AssignTo(k), IsNil)
	c.Check(IsTPMError(s.sign(c, k), ErrorAuthFail, CommandSign), testutil.IsTrue)
}

func (s *policySuite) TestInvalidHashMode(c *C) {
	p, err := s.Context.CreatePolicy(PolicyTypeUsage)
	c.Assert(err, IsNil)
	err = p.SetAttribUint32(PolicyAttribSecretHashMode, HashModeSecret, 5)
	c.Check(IsBadParameterError(err, "value"), testutil.IsTrue)
}

func (s *policySuite) TestCallback(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	p, err := s.Context.CreatePolicy(PolicyTypeUsage)
	c.Assert(err, IsNil)

	var calls int
	c.Assert(p.SetCallback(func(policy *Policy) ([]byte, error) {
		c.Check(policy, Equals, p)
		calls++
		digest := sha1.Sum([]byte("foo"))
		return digest[:], nil
	}), IsNil)
	c.Assert(p.AssignTo(k), IsNil)

	mode, err := p.GetAttribUint32(PolicyAttribInfo, PolicyInfoSecretMode)
	c.Check(err, IsNil)
	c.Check(SecretMode(mode), Equals, SecretModeCallback)

	c.Check(s.sign(c, k), IsNil)
	c.Check(s.sign(c, k), IsNil)
	c.Check(calls, Equals, 2)
}

func (s *policySuite) TestCallbackError(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	p, err := s.Context.CreatePolicy(PolicyTypeUsage)
	c.Assert(err, IsNil)
	c.Assert(p.SetCallback(func(*Policy) ([]byte, error) {
		return nil, errors.New("cancelled")
	}), IsNil)
	c.Assert(p.AssignTo(k), IsNil)

	c.Check(s.sign(c, k), ErrorMatches, "cancelled")
}

func (s *policySuite) TestCallbackInvalidSecret(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)

	p, err := s.Context.CreatePolicy(PolicyTypeUsage)
	c.Assert(err, IsNil)
	c.Assert(p.SetCallback(func(*Policy) ([]byte, error) {
		return []byte("foo"), nil
	}), IsNil)
	c.Assert(p.AssignTo(k), IsNil)

	c.Check(IsBadParameterError(s.sign(c, k), "secret"), testutil.IsTrue)
}

func (s *policySuite) TestFlushSecret(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	p := s.NewPolicy(c, SecretModePlain, []byte("foo"))
	c.Assert(p.AssignTo(k), IsNil)
	c.Check(s.sign(c, k), IsNil)

	c.Check(p.FlushSecret(), IsNil)
	err := s.sign(c, k)
	c.Check(err, testutil.IsErrorKind, ErrorKindPolicyNoSecret)
	c.Check(err, ErrorMatches, `cannot complete Sign: policy has no secret`)

	c.Check(p.SetSecret(SecretModePlain, []byte("foo")), IsNil)
	c.Check(s.sign(c, k), IsNil)
}

func (s *policySuite) TestCounterLifetime(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	p := s.NewPolicy(c, SecretModePlain, []byte("foo"))
	c.Assert(p.SetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeCounter, 2), IsNil)
	c.Assert(p.AssignTo(k), IsNil)

	for i := 2; i > 0; i-- {
		remaining, err := p.GetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeCounter)
		c.Check(err, IsNil)
		c.Check(remaining, Equals, uint32(i))
		c.Check(s.sign(c, k), IsNil)
	}

	err := s.sign(c, k)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
	c.Check(err, ErrorMatches, `cannot complete Sign: invalid object access: policy secret has expired`)

	// Setting the secret again re-arms the counter.
	c.Check(p.SetSecret(SecretModePlain, []byte("foo")), IsNil)
	c.Check(s.sign(c, k), IsNil)
}

func (s *policySuite) TestCounterLifetimeFailedUseDoesNotCount(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	p := s.NewPolicy(c, SecretModePlain, []byte("wrong"))
	c.Assert(p.SetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeCounter, 1), IsNil)
	c.Assert(p.AssignTo(k), IsNil)

	c.Check(IsTPMError(s.sign(c, k), ErrorAuthFail, CommandSign), testutil.IsTrue)

	remaining, err := p.GetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeCounter)
	c.Check(err, IsNil)
	c.Check(remaining, Equals, uint32(1))
}

func (s *policySuite) TestTimerLifetime(c *C) {
	now := time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC)
	restore := MockTimeNow(func() time.Time { return now })
	defer restore()

	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	p := s.NewPolicy(c, SecretModePlain, []byte("foo"))
	c.Assert(p.SetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeTimer, 10), IsNil)
	c.Assert(p.AssignTo(k), IsNil)

	now = now.Add(4 * time.Second)
	remaining, err := p.GetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeTimer)
	c.Check(err, IsNil)
	c.Check(remaining, Equals, uint32(6))
	c.Check(s.sign(c, k), IsNil)

	now = now.Add(6 * time.Second)
	remaining, err = p.GetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeTimer)
	c.Check(err, IsNil)
	c.Check(remaining, Equals, uint32(0))
	c.Check(s.sign(c, k), testutil.IsErrorKind, ErrorKindInvalidObjectAccess)

	c.Check(p.SetSecret(SecretModePlain, []byte("foo")), IsNil)
	c.Check(s.sign(c, k), IsNil)
}

func (s *policySuite) TestLifetimeAlways(c *C) {
	p := s.NewPolicy(c, SecretModePlain, []byte("foo"))
	c.Assert(p.SetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeCounter, 1), IsNil)
	c.Assert(p.SetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeAlways, 0), IsNil)

	always, err := p.GetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeAlways)
	c.Check(err, IsNil)
	c.Check(always, Equals, uint32(1))

	counter, err := p.GetAttribUint32(PolicyAttribSecretLifetime, SecretLifetimeCounter)
	c.Check(err, IsNil)
	c.Check(counter, Equals, uint32(0))
}

func (s *policySuite) TestAssignMigrationPolicy(c *C) {
	p := s.NewMigrationPolicy(c, SecretModePlain, []byte("foo"))

	k, err := s.Context.CreateKey(KeyInitTypeSigning)
	c.Check(err, IsNil)
	c.Check(p.AssignTo(k), IsNil)

	e, err := s.Context.CreateEncData(EncDataTypeSeal)
	c.Assert(err, IsNil)
	c.Check(IsBadParameterError(p.AssignTo(e), "obj"), testutil.IsTrue)
	c.Check(IsBadParameterError(p.AssignTo(s.Context.TPM()), "obj"), testutil.IsTrue)
}

func (s *policySuite) TestAssignToUnsupportedObject(c *C) {
	p := s.NewPolicy(c, SecretModePlain, []byte("foo"))

	h, err := s.Context.CreateHash(HashTypeSHA1)
	c.Assert(err, IsNil)
	c.Check(IsBadParameterError(p.AssignTo(h), "obj"), testutil.IsTrue)

	other := s.NewPolicy(c, SecretModePlain, []byte("bar"))
	c.Check(IsBadParameterError(p.AssignTo(other), "obj"), testutil.IsTrue)
}

func (s *policySuite) TestAssignClosedPolicy(c *C) {
	p := s.NewPolicy(c, SecretModePlain, []byte("foo"))
	c.Assert(p.Close(), IsNil)

	k, err := s.Context.CreateKey(KeyInitTypeSigning)
	c.Assert(err, IsNil)
	c.Check(p.AssignTo(k), testutil.IsErrorKind, ErrorKindInvalidHandle)
}

func (s *policySuite) TestUsingClosedPolicy(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	p := s.NewPolicy(c, SecretModePlain, []byte("foo"))
	c.Assert(p.AssignTo(k), IsNil)
	c.Assert(p.Close(), IsNil)

	c.Check(s.sign(c, k), testutil.IsErrorKind, ErrorKindInvalidHandle)
}

func (s *policySuite) TestDefaultPolicy(c *C) {
	p := s.Context.DefaultPolicy()
	c.Check(p.PolicyType(), Equals, PolicyTypeUsage)

	k, err := s.Context.CreateKey(KeyInitTypeSigning)
	c.Assert(err, IsNil)

	// New objects share the default policy, which has no secret.
	err = k.Create(s.Context.SRK(), nil)
	c.Check(err, testutil.IsErrorKind, ErrorKindPolicyNoSecret)
}

func (s *policySuite) TestInvalidAttributes(c *C) {
	p := s.NewPolicy(c, SecretModePlain, []byte("foo"))

	_, err := p.GetAttribUint32(AttribFlag(0x10000), 0)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidAttribFlag)

	_, err = p.GetAttribUint32(PolicyAttribInfo, AttribSubFlag(0x100))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidAttribSubflag)

	_, err = p.GetAttribUint32(PolicyAttribDelegationInfo, DelegationType)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)

	_, err = p.GetAttribData(PolicyAttribDelegationInfo, DelegationBlob)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
}
