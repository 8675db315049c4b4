// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	. "gopkg.in/check.v1"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/simulator"
)

var (
	// OwnerSecret is the plaintext owner secret set by TSSTest.
	OwnerSecret = []byte("owner")

	// SRKSecret is the SRK usage secret set by TSSTest, which is the well known secret.
	SRKSecret = tss.WellKnownSecret
)

// BaseTest is a base test suite for all tests.
type BaseTest struct {
	cleanupHandlers        []func()
	fixtureCleanupHandlers []func(c *C)
}

func (b *BaseTest) SetUpTest(c *C) {
	if len(b.cleanupHandlers) > 0 || len(b.fixtureCleanupHandlers) > 0 {
		panic("cleanup handlers were not executed at the end of the previous test, missing BaseTest.TearDownTest call?")
	}
}

func (b *BaseTest) TearDownTest(c *C) {
	for len(b.cleanupHandlers) > 0 {
		l := len(b.cleanupHandlers)
		fn := b.cleanupHandlers[l-1]
		b.cleanupHandlers = b.cleanupHandlers[:l-1]
		fn()
	}

	for len(b.fixtureCleanupHandlers) > 0 {
		l := len(b.fixtureCleanupHandlers)
		fn := b.fixtureCleanupHandlers[l-1]
		b.fixtureCleanupHandlers = b.fixtureCleanupHandlers[:l-1]
		fn(c)
	}
}

// AddCleanup queues a function to be called at the end of the test.
func (b *BaseTest) AddCleanup(fn func()) {
	b.cleanupHandlers = append(b.cleanupHandlers, fn)
}

// AddFixtureCleanup queues a function to be called at the end of the test, and is
// intended to be called during SetUpTest. The function is called with the TearDownTest
// *check.C which allows failures to result in a fixture panic.
func (b *BaseTest) AddFixtureCleanup(fn func(c *C)) {
	b.fixtureCleanupHandlers = append(b.fixtureCleanupHandlers, fn)
}

// TSSTest is a base test suite for tests that use a tss.Context connected to an
// in-process simulator. Each test gets a new device with an owner unless Device is set
// before SetUpTest, in which case that device is shared. The owner secret is OwnerSecret
// and the SRK secret is SRKSecret.
//
// At the end of each test, delegation families created by the test are invalidated and
// the context is closed. The test fails if keys or sessions are left on the device.
type TSSTest struct {
	BaseTest

	// Device is the simulator. Set this before SetUpTest to share a device between tests.
	Device *simulator.Device

	// Transport records the commands of the test.
	Transport *Transport

	// Context is the context for the test.
	Context *tss.Context

	// Config is used to create Context. Set this before SetUpTest to override the default.
	Config *tss.Config

	// DeviceConfig is used to create Device.
	DeviceConfig *simulator.Config

	// Unowned skips taking ownership of a new device.
	Unowned bool

	sharedDevice bool
}

// NewDevice returns a new simulator with a 1024-bit endorsement key.
func NewDevice(c *C, cfg *simulator.Config) *simulator.Device {
	if cfg == nil {
		cfg = new(simulator.Config)
	}
	if cfg.EKBits == 0 {
		cfg.EKBits = 1024
	}
	d, err := simulator.NewDevice(cfg)
	c.Assert(err, IsNil)
	return d
}

func (b *TSSTest) SetUpTest(c *C) {
	b.BaseTest.SetUpTest(c)

	b.sharedDevice = b.Device != nil
	if !b.sharedDevice {
		b.Device = NewDevice(c, b.DeviceConfig)
	}

	b.Transport = WrapTransport(b.Device.Open())
	ctx, err := tss.NewContext(b.Transport, b.Config)
	c.Assert(err, IsNil)
	b.Context = ctx

	if !b.Unowned || b.Device.Owned() {
		b.assignOwnerSecrets(c)
	}
	if !b.Unowned && !b.Device.Owned() {
		srk := b.Context.SRK()
		c.Assert(srk.SetAttribUint32(tss.KeyAttribInfo, tss.KeyInfoSize, 1024), IsNil)
		c.Assert(b.Context.TPM().TakeOwnership(srk), IsNil)
	}

	b.AddFixtureCleanup(func(c *C) {
		for _, h := range b.Context.Objects(tss.ObjectTypeDelegationFamily) {
			obj, err := b.Context.Object(h)
			c.Assert(err, IsNil)
			// Families that the test already invalidated fail here.
			obj.(*tss.DelegationFamily).Invalidate()
		}

		c.Check(b.Context.Close(), IsNil)
		c.Check(b.Device.LoadedKeys(), Equals, 0, Commentf("keys were leaked"))
		c.Check(b.Device.OpenSessions(), Equals, 0, Commentf("sessions were leaked"))

		b.Context = nil
		b.Transport = nil
		if !b.sharedDevice {
			b.Device = nil
		}
	})
}

func (b *TSSTest) assignOwnerSecrets(c *C) {
	owner := b.NewPolicy(c, tss.SecretModePlain, OwnerSecret)
	c.Assert(owner.AssignTo(b.Context.TPM()), IsNil)

	srk := b.NewPolicy(c, tss.SecretModeSHA1, SRKSecret[:])
	c.Assert(srk.AssignTo(b.Context.SRK()), IsNil)
}

// NewPolicy returns a new usage policy with the supplied secret.
func (b *TSSTest) NewPolicy(c *C, mode tss.SecretMode, secret []byte) *tss.Policy {
	return b.newPolicy(c, tss.PolicyTypeUsage, mode, secret)
}

// NewMigrationPolicy returns a new migration policy with the supplied secret.
func (b *TSSTest) NewMigrationPolicy(c *C, mode tss.SecretMode, secret []byte) *tss.Policy {
	return b.newPolicy(c, tss.PolicyTypeMigration, mode, secret)
}

func (b *TSSTest) newPolicy(c *C, typ tss.PolicyType, mode tss.SecretMode, secret []byte) *tss.Policy {
	p, err := b.Context.CreatePolicy(typ)
	c.Assert(err, IsNil)
	c.Assert(p.SetSecret(mode, secret), IsNil)
	return p
}

// CreateKey creates a new 1024-bit key under parent with the supplied flags and plaintext
// usage secret. The key is not migratable unless requested by flags, in which case its
// migration secret is also secret.
func (b *TSSTest) CreateKey(c *C, parent *tss.Key, flags tss.KeyInitFlags, secret []byte, pcrs *tss.PCRComposite) *tss.Key {
	k, err := b.Context.CreateKey(flags | tss.KeyInitSize1024)
	c.Assert(err, IsNil)

	if flags&tss.KeyInitNoAuthorization == 0 {
		c.Assert(b.NewPolicy(c, tss.SecretModePlain, secret).AssignTo(k), IsNil)
	}
	if flags&(tss.KeyInitMigratable|tss.KeyInitCertifiedMigratable) != 0 {
		c.Assert(b.NewMigrationPolicy(c, tss.SecretModePlain, secret).AssignTo(k), IsNil)
	}
	if flags&tss.KeyInitCertifiedMigratable == 0 {
		c.Assert(k.Create(parent, pcrs), IsNil)
	}
	return k
}

// CommandLog returns the commands executed since the start of the test or the last call
// to ForgetCommands.
func (b *TSSTest) CommandLog() []*CommandRecord {
	return b.Transport.CommandLog
}

// CommandCodes returns the command codes of the commands executed since the start of the
// test or the last call to ForgetCommands.
func (b *TSSTest) CommandCodes(c *C) (out []tss.CommandCode) {
	for _, r := range b.Transport.CommandLog {
		code, err := r.GetCommandCode()
		c.Assert(err, IsNil)
		out = append(out, code)
	}
	return out
}

// ForgetCommands forgets the commands executed so far.
func (b *TSSTest) ForgetCommands() {
	b.Transport.CommandLog = nil
}
