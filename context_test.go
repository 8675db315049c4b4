// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss_test

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tss"
	"github.com/canonical/go-tss/mu"
	"github.com/canonical/go-tss/testutil"
)

// retryTransport responds to the first n commands with TPM_RETRY.
type retryTransport struct {
	transport Transport
	n         int
	rsp       *bytes.Buffer
}

func (t *retryTransport) Write(data []byte) (int, error) {
	if t.n > 0 {
		t.n--
		t.rsp = bytes.NewBuffer(MarshalResponsePacket(ResponseCode(WarningRetry), nil, nil))
		return len(data), nil
	}
	t.rsp = nil
	return t.transport.Write(data)
}

func (t *retryTransport) Read(data []byte) (int, error) {
	if t.rsp != nil {
		return t.rsp.Read(data)
	}
	return t.transport.Read(data)
}

func (t *retryTransport) Close() error {
	return t.transport.Close()
}

type brokenTransport struct{}

func (*brokenTransport) Read(data []byte) (int, error)  { return 0, io.EOF }
func (*brokenTransport) Write(data []byte) (int, error) { return 0, errors.New("broken pipe") }
func (*brokenTransport) Close() error                   { return nil }

type contextSuite struct {
	testutil.TSSTest
}

var _ = Suite(&contextSuite{})

func (s *contextSuite) TestNewContextNilTransport(c *C) {
	_, err := NewContext(nil, nil)
	c.Check(IsBadParameterError(err, "transport"), testutil.IsTrue)
}

func (s *contextSuite) TestInitialObjects(c *C) {
	c.Check(s.Context.Objects(ObjectTypeTPM), DeepEquals, []ObjectHandle{s.Context.TPM().Handle()})
	c.Check(s.Context.Objects(ObjectTypeKey), DeepEquals, []ObjectHandle{s.Context.SRK().Handle()})
	c.Check(s.Context.Objects(ObjectTypePolicy), HasLen, 3)
	c.Check(s.Context.DefaultPolicy().Handle(), testutil.InSlice(Equals), s.Context.Objects(ObjectTypePolicy))
}

func (s *contextSuite) TestObject(c *C) {
	k, err := s.Context.CreateKey(KeyInitTypeSigning)
	c.Assert(err, IsNil)

	obj, err := s.Context.Object(k.Handle())
	c.Check(err, IsNil)
	c.Check(obj, Equals, k)
	c.Check(obj.Type(), Equals, ObjectTypeKey)
	c.Check(obj.Context(), Equals, s.Context)
}

func (s *contextSuite) TestObjectHandlesAreUnique(c *C) {
	seen := make(map[ObjectHandle]bool)
	for i := 0; i < 10; i++ {
		p, err := s.Context.CreatePolicy(PolicyTypeUsage)
		c.Assert(err, IsNil)
		c.Check(seen[p.Handle()], testutil.IsFalse)
		seen[p.Handle()] = true
	}
}

func (s *contextSuite) TestObjectInvalidHandle(c *C) {
	_, err := s.Context.Object(InvalidObjectHandle)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	c.Check(err, ErrorMatches, `cannot complete Object: invalid handle`)

	_, err = s.Context.Object(0x1234)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	c.Check(err, ErrorMatches, `cannot complete Object: invalid handle: no object with handle 0x00001234`)
}

func (s *contextSuite) TestCloseObject(c *C) {
	e, err := s.Context.CreateEncData(EncDataTypeBind)
	c.Assert(err, IsNil)
	c.Check(s.Context.Objects(ObjectTypeEncData), HasLen, 1)

	c.Check(e.Close(), IsNil)
	c.Check(s.Context.Objects(ObjectTypeEncData), HasLen, 0)

	_, err = s.Context.Object(e.Handle())
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)

	err = e.Close()
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	c.Check(err, ErrorMatches, `cannot complete Close: invalid handle: EncData object has been closed`)

	_, err = e.GetAttribUint32(EncDataAttribType, EncDataTypeValue)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
}

func (s *contextSuite) TestObjectFromAnotherContext(c *C) {
	other, err := NewContext(s.Device.Open(), nil)
	c.Assert(err, IsNil)
	defer other.Close()

	p := s.NewPolicy(c, SecretModePlain, []byte("foo"))
	k, err := other.CreateKey(KeyInitTypeSigning)
	c.Assert(err, IsNil)

	err = p.AssignTo(k)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	c.Check(err, ErrorMatches, `.*object belongs to another context`)
}

func (s *contextSuite) TestCloseTPM(c *C) {
	c.Check(s.Context.TPM().Close(), testutil.IsErrorKind, ErrorKindInvalidObjectAccess)
}

func (s *contextSuite) TestRunCommand(c *C) {
	params := mu.MustMarshalToBytes(uint32(16))
	rpBytes, rAuthArea, err := s.Context.RunCommand(CommandGetRandom, nil, nil, params)
	c.Assert(err, IsNil)
	c.Check(rAuthArea, HasLen, 0)

	var data []byte
	_, err = mu.UnmarshalFromBytes(rpBytes, &data)
	c.Check(err, IsNil)
	c.Check(data, HasLen, 16)
}

func (s *contextSuite) TestRunCommandError(c *C) {
	_, _, err := s.Context.RunCommand(CommandFlushSpecific, []Handle{0x01000123}, nil, mu.MustMarshalToBytes(ResourceKey))
	c.Check(err, testutil.IsTPMError, ErrorInvalidKeyHandle)
	c.Check(IsDeviceError(err), testutil.IsTrue)
}

func (s *contextSuite) TestRunCommandTransportError(c *C) {
	ctx, err := NewContext(&brokenTransport{}, nil)
	c.Assert(err, IsNil)
	defer ctx.Close()

	_, err = ctx.TPM().GetRandom(16)
	var e *TransportError
	c.Check(err, testutil.ErrorAs, &e)
	c.Check(err, ErrorMatches, `cannot complete write operation on Transport: broken pipe`)
}

type contextCloseSuite struct {
	testutil.TSSTest
}

var _ = Suite(&contextCloseSuite{})

// reopen replaces the closed context with a new one so that the fixture can tear it down.
func (s *contextCloseSuite) reopen(c *C) {
	ctx, err := NewContext(s.Device.Open(), nil)
	c.Assert(err, IsNil)
	s.Context = ctx
}

func (s *contextCloseSuite) TestCloseFlushesResources(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(k.Load(s.Context.SRK()), IsNil)
	_, err := s.Context.StartAuthSession(SessionTypeOIAP, nil)
	c.Assert(err, IsNil)

	c.Check(s.Device.LoadedKeys(), Equals, 1)
	c.Check(s.Device.OpenSessions(), Equals, 1)

	c.Check(s.Context.Close(), IsNil)
	c.Check(s.Device.LoadedKeys(), Equals, 0)
	c.Check(s.Device.OpenSessions(), Equals, 0)

	s.reopen(c)
}

func (s *contextCloseSuite) TestCloseInvalidatesObjects(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	tpm := s.Context.TPM()

	c.Assert(s.Context.Close(), IsNil)

	_, err := k.GetAttribUint32(KeyAttribInfo, KeyInfoUsage)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	_, err = tpm.GetRandom(8)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	_, err = s.Context.CreatePolicy(PolicyTypeUsage)
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	_, _, err = s.Context.RunCommand(CommandGetRandom, nil, nil, mu.MustMarshalToBytes(uint32(8)))
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	c.Check(s.Context.Objects(ObjectTypeKey), HasLen, 0)

	err = s.Context.Close()
	c.Check(err, testutil.IsErrorKind, ErrorKindInvalidHandle)
	c.Check(err, ErrorMatches, `cannot complete Close: invalid handle: context is already closed`)

	s.reopen(c)
}

type contextRetrySuite struct {
	testutil.TSSTest
	retry *retryTransport
}

var _ = Suite(&contextRetrySuite{})

func (s *contextRetrySuite) newContext(c *C, retries int, maxSubmissions uint) *Context {
	s.retry = &retryTransport{transport: s.Device.Open(), n: retries}
	ctx, err := NewContext(s.retry, &Config{MaxSubmissions: maxSubmissions})
	c.Assert(err, IsNil)
	s.AddCleanup(func() { ctx.Close() })
	return ctx
}

func (s *contextRetrySuite) TestRetry(c *C) {
	ctx := s.newContext(c, 2, 0)
	data, err := ctx.TPM().GetRandom(16)
	c.Check(err, IsNil)
	c.Check(data, HasLen, 16)
	c.Check(s.retry.n, Equals, 0)
}

func (s *contextRetrySuite) TestRetryGivesUp(c *C) {
	ctx := s.newContext(c, 5, 3)
	_, err := ctx.TPM().GetRandom(16)
	c.Check(IsTPMWarning(err, WarningRetry, CommandGetRandom), testutil.IsTrue)
	c.Check(s.retry.n, Equals, 2)
}

type contextMetricsSuite struct {
	testutil.TSSTest
	registry *prometheus.Registry
}

var _ = Suite(&contextMetricsSuite{})

func (s *contextMetricsSuite) SetUpTest(c *C) {
	s.registry = prometheus.NewRegistry()
	s.Config = &Config{Registerer: s.registry}
	s.TSSTest.SetUpTest(c)
}

func (s *contextMetricsSuite) counter(c *C, name string, labels map[string]string) float64 {
	families, err := s.registry.Gather()
	c.Assert(err, IsNil)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	Metrics:
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if labels[l.GetName()] != l.GetValue() {
					continue Metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func (s *contextMetricsSuite) TestCommandsCounted(c *C) {
	labels := map[string]string{"command": "TPM_ORD_GetRandom", "rc": "0x00000000"}
	before := s.counter(c, "tss_commands_total", labels)

	for i := 0; i < 3; i++ {
		_, err := s.Context.TPM().GetRandom(8)
		c.Check(err, IsNil)
	}
	c.Check(s.counter(c, "tss_commands_total", labels), Equals, before+3)
}

func (s *contextMetricsSuite) TestAuthFailuresCounted(c *C) {
	k := s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil)
	c.Assert(s.NewPolicy(c, SecretModePlain, []byte("bar")).AssignTo(k), IsNil)

	h, err := s.Context.CreateHash(HashTypeSHA1)
	c.Assert(err, IsNil)
	c.Assert(h.UpdateHashValue([]byte("message")), IsNil)

	_, err = h.Sign(k)
	c.Check(IsTPMError(err, ErrorAuthFail, CommandSign), testutil.IsTrue)
	c.Check(s.counter(c, "tss_auth_failures_total", map[string]string{"command": "TPM_ORD_Sign"}), Equals, float64(1))
}

func (s *contextMetricsSuite) TestSharedRegisterer(c *C) {
	ctx, err := NewContext(s.Device.Open(), &Config{Registerer: s.registry})
	c.Assert(err, IsNil)
	defer ctx.Close()

	labels := map[string]string{"command": "TPM_ORD_GetRandom", "rc": "0x00000000"}
	before := s.counter(c, "tss_commands_total", labels)
	_, err = ctx.TPM().GetRandom(8)
	c.Check(err, IsNil)
	_, err = s.Context.TPM().GetRandom(8)
	c.Check(err, IsNil)
	c.Check(s.counter(c, "tss_commands_total", labels), Equals, before+2)
}

type contextConcurrencySuite struct {
	testutil.TSSTest
}

var _ = Suite(&contextConcurrencySuite{})

func (s *contextConcurrencySuite) TestConcurrentSigning(c *C) {
	const n = 4

	var keys []*Key
	for i := 0; i < n; i++ {
		keys = append(keys, s.CreateKey(c, s.Context.SRK(), KeyInitTypeSigning, []byte("foo"), nil))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n*3)
	for _, k := range keys {
		wg.Add(1)
		go func(k *Key) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				h, err := s.Context.CreateHash(HashTypeSHA1)
				if err != nil {
					errs <- err
					continue
				}
				if err := h.UpdateHashValue([]byte("message")); err != nil {
					errs <- err
					continue
				}
				sig, err := h.Sign(k)
				if err == nil {
					err = h.VerifySignature(k, sig)
				}
				errs <- err
				h.Close()
			}
		}(k)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		c.Check(err, IsNil)
	}
}
