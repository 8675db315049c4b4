// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tss/internal/crypt"
	"github.com/canonical/go-tss/mu"
)

// KeyInitFlags are supplied to Context.CreateKey to describe a new key. At most one size
// flag and one type flag can be supplied.
type KeyInitFlags uint32

const (
	KeyInitSize512  KeyInitFlags = 0x00000001
	KeyInitSize1024 KeyInitFlags = 0x00000002
	KeyInitSize2048 KeyInitFlags = 0x00000004

	KeyInitTypeSigning    KeyInitFlags = 0x00000010
	KeyInitTypeStorage    KeyInitFlags = 0x00000020
	KeyInitTypeBind       KeyInitFlags = 0x00000040
	KeyInitTypeLegacy     KeyInitFlags = 0x00000080
	KeyInitTypeIdentity   KeyInitFlags = 0x00000100
	KeyInitTypeMigrate    KeyInitFlags = 0x00000200
	KeyInitTypeAuthChange KeyInitFlags = 0x00000400

	// KeyInitMigratable creates a key that can be migrated with a migration ticket.
	KeyInitMigratable KeyInitFlags = 0x00001000

	// KeyInitVolatile creates a key that is unloaded by the TPM on reset.
	KeyInitVolatile KeyInitFlags = 0x00002000

	// KeyInitNoAuthorization creates a key that can be used without authorization.
	KeyInitNoAuthorization KeyInitFlags = 0x00004000

	// KeyInitCertifiedMigratable creates a certified migratable key, which can only be
	// migrated to destinations approved by a migration selection authority. It implies
	// KeyInitMigratable.
	KeyInitCertifiedMigratable KeyInitFlags = 0x00008000

	keyInitSizeMask  KeyInitFlags = 0x0000000f
	keyInitTypeMask  KeyInitFlags = 0x00000ff0
	keyInitValidMask KeyInitFlags = 0x0000ffff
)

var keyInitTypes = map[KeyInitFlags]KeyUsage{
	KeyInitTypeSigning:    KeyUsageSigning,
	KeyInitTypeStorage:    KeyUsageStorage,
	KeyInitTypeBind:       KeyUsageBind,
	KeyInitTypeLegacy:     KeyUsageLegacy,
	KeyInitTypeIdentity:   KeyUsageIdentity,
	KeyInitTypeMigrate:    KeyUsageMigrate,
	KeyInitTypeAuthChange: KeyUsageAuthChange,
}

func defaultSchemesForUsage(usage KeyUsage) (EncScheme, SigScheme) {
	switch usage {
	case KeyUsageSigning, KeyUsageIdentity:
		return EncSchemeNone, SigSchemeRSAPKCSv15SHA1
	case KeyUsageBind:
		return EncSchemeRSAPKCSv15, SigSchemeNone
	case KeyUsageLegacy:
		return EncSchemeRSAPKCSv15, SigSchemeRSAPKCSv15SHA1
	default:
		return EncSchemeRSAOAEPSHA1, SigSchemeNone
	}
}

// Key represents a RSA key in the key hierarchy of a TPM. A key has a parent storage key
// under which its blob is protected, and is loaded on demand by the context. The storage
// root key (SRK) is always resident.
type Key struct {
	objectBase
	srk bool

	mu              sync.Mutex
	usagePolicy     *Policy
	migrationPolicy *Policy
	usage           KeyUsage
	keyFlags        KeyFlags
	authUsage       AuthDataUsage
	size            uint32
	encScheme       EncScheme
	sigScheme       SigScheme
	exponent        []byte
	modulus         []byte
	prime           []byte
	blob            *Key12
	maApproval      Digest
	maDigest        Digest
	uuid            uuid.UUID
	location        PSLocation

	// The following fields are guarded by keyCache.mu
	index     int
	parent    int
	state     keyState
	tpmHandle Handle
	lastUsed  uint64
	pins      int
}

func (k *Key) base() *objectBase {
	if k == nil {
		return nil
	}
	return &k.objectBase
}

// CreateKey creates a new key object described by flags. The key has no blob until it is
// created on the TPM with Key.Create, wrapped with Key.Wrap or supplied with the
// KeyBlobBlob attribute. The context default policy is assigned as its usage and migration
// policy.
//
// Without a size flag, a 2048-bit key is created. Without a type flag, a legacy key is
// created. Supplying more than one size or type flag is an ErrorKindInvalidObjectInitFlag
// error.
func (c *Context) CreateKey(flags KeyInitFlags) (*Key, error) {
	const op = "CreateKey"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}

	if flags&^keyInitValidMask != 0 {
		return nil, newError(ErrorKindInvalidObjectInitFlag, op, fmt.Sprintf("invalid flags 0x%08x", uint32(flags)))
	}

	size := uint32(2048)
	switch flags & keyInitSizeMask {
	case 0, KeyInitSize2048:
	case KeyInitSize512:
		size = 512
	case KeyInitSize1024:
		size = 1024
	default:
		return nil, newError(ErrorKindInvalidObjectInitFlag, op, "more than one size flag")
	}

	usage := KeyUsageLegacy
	if t := flags & keyInitTypeMask; t != 0 {
		u, ok := keyInitTypes[t]
		if !ok {
			return nil, newError(ErrorKindInvalidObjectInitFlag, op, "more than one type flag")
		}
		usage = u
	}

	var keyFlags KeyFlags
	if flags&(KeyInitMigratable|KeyInitCertifiedMigratable) != 0 {
		keyFlags |= KeyFlagMigratable
	}
	if flags&KeyInitCertifiedMigratable != 0 {
		keyFlags |= KeyFlagMigrateAuthority
	}
	if flags&KeyInitVolatile != 0 {
		keyFlags |= KeyFlagVolatile
	}

	authUsage := AuthAlways
	if flags&KeyInitNoAuthorization != 0 {
		authUsage = AuthNever
	}

	encScheme, sigScheme := defaultSchemesForUsage(usage)
	k := &Key{
		usagePolicy:     c.defaultPolicy,
		migrationPolicy: c.defaultPolicy,
		usage:           usage,
		keyFlags:        keyFlags,
		authUsage:       authUsage,
		size:            size,
		encScheme:       encScheme,
		sigScheme:       sigScheme}
	c.addObject(k, ObjectTypeKey)
	c.keys.add(k)
	return k, nil
}

func (c *Context) newKeyFromBlob(blob *Key12) *Key {
	k := &Key{
		usagePolicy:     c.defaultPolicy,
		migrationPolicy: c.defaultPolicy,
		usage:           blob.KeyUsage,
		keyFlags:        blob.KeyFlags,
		authUsage:       blob.AuthDataUsage,
		encScheme:       blob.AlgorithmParms.EncScheme,
		sigScheme:       blob.AlgorithmParms.SigScheme,
		blob:            blob}
	if parms := blob.AlgorithmParms.Parms; parms != nil {
		k.size = parms.KeyLength
		k.exponent = parms.Exponent
	}
	c.addObject(k, ObjectTypeKey)
	c.keys.add(k)
	return k
}

// SRK returns the object that represents the storage root key.
func (c *Context) SRK() *Key {
	return c.keys.srk
}

// LoadKeyByBlob creates a key object from a marshalled key blob and loads it under parent.
func (c *Context) LoadKeyByBlob(parent *Key, blob []byte) (*Key, error) {
	const op = "LoadKeyByBlob"
	if err := c.checkObject(op, parent); err != nil {
		return nil, err
	}

	var b Key12
	if _, err := mu.UnmarshalFromBytes(blob, &b); err != nil {
		return nil, makeInvalidArgError(op, "blob", fmt.Sprintf("cannot unmarshal key blob: %v", err))
	}

	k := c.newKeyFromBlob(&b)
	c.keys.setParent(k, parent)
	if _, err := c.keys.ensureLoaded(k); err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

// Close removes this key from its context, flushing it from the TPM if it is loaded.
func (k *Key) Close() error {
	const op = "Close"
	if err := checkValid(op, k); err != nil {
		return err
	}
	if k.srk {
		return newError(ErrorKindInvalidObjectAccess, op, "the SRK can't be closed")
	}
	err := k.context.keys.remove(k)
	if e := k.context.removeObject(op, k); e != nil {
		return e
	}

	k.mu.Lock()
	k.prime = nil
	k.mu.Unlock()
	return err
}

func (k *Key) policy() *Policy {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.usagePolicy
}

func (k *Key) authDataUsage() AuthDataUsage {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.authUsage
}

// authorizeUsage begins an authorization for a command that uses this key, which is loaded
// with handle h. It returns nil if the key doesn't require authorization.
func (k *Key) authorizeUsage(op string, h Handle, shared bool) (*commandAuth, error) {
	if k.authDataUsage() == AuthNever {
		return nil, nil
	}
	return k.context.authorize(op, k.policy(), authEntity{EntityKeyHandle, uint32(h)}, shared)
}

// authorizeShared begins an OSAP authorization for a command that inserts an encrypted
// secret under this key, which is loaded with handle h. These commands always need a shared
// secret, so a key that doesn't require authorization is authorized with the well known secret.
func (k *Key) authorizeShared(op string, h Handle) (*commandAuth, error) {
	entity := authEntity{EntityKeyHandle, uint32(h)}
	if k.authDataUsage() != AuthNever {
		return k.context.authorize(op, k.policy(), entity, true)
	}
	s, err := k.context.startOSAP(entity.entityType, entity.value, WellKnownSecret)
	if err != nil {
		return nil, err
	}
	return &commandAuth{session: s, key: s.sharedSecret}, nil
}

func (k *Key) currentBlob() *Key12 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.blob
}

func (k *Key) setBlob(blob *Key12) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.blob = blob
	k.usage = blob.KeyUsage
	k.keyFlags = blob.KeyFlags
	k.authUsage = blob.AuthDataUsage
	k.encScheme = blob.AlgorithmParms.EncScheme
	k.sigScheme = blob.AlgorithmParms.SigScheme
	if parms := blob.AlgorithmParms.Parms; parms != nil {
		k.size = parms.KeyLength
		k.exponent = parms.Exponent
	}
}

// templateLocked returns the public part of a key blob for the current attributes.
func (k *Key) templateLocked(pcrInfo *PCRInfo) *Key12 {
	return &Key12{
		Tag:           TagKey12,
		KeyUsage:      k.usage,
		KeyFlags:      k.keyFlags,
		AuthDataUsage: k.authUsage,
		AlgorithmParms: KeyParms{
			AlgorithmID: AlgorithmRSA,
			EncScheme:   k.encScheme,
			SigScheme:   k.sigScheme,
			Parms:       &RSAKeyParms{KeyLength: k.size, NumPrimes: 2, Exponent: k.exponent}},
		PCRInfo: pcrInfo}
}

// newAuthValues returns the usage and migration secrets for a new key blob. A key that
// doesn't require authorization has the well known usage secret. A non-migratable key has no
// migration secret on the client, as the TPM assigns one.
func (k *Key) newAuthValues(op string, migratable bool) (usageAuth, migrationAuth AuthValue, err error) {
	k.mu.Lock()
	usagePolicy := k.usagePolicy
	migrationPolicy := k.migrationPolicy
	authUsage := k.authUsage
	k.mu.Unlock()

	if authUsage != AuthNever {
		if usagePolicy == nil {
			return AuthValue{}, AuthValue{}, newError(ErrorKindPolicyNoSecret, op, "no usage policy is assigned")
		}
		usageAuth, err = usagePolicy.secretForUse(op)
		if err != nil {
			return AuthValue{}, AuthValue{}, err
		}
	}
	if migratable {
		if migrationPolicy == nil {
			return AuthValue{}, AuthValue{}, newError(ErrorKindPolicyNoSecret, op, "no migration policy is assigned")
		}
		migrationAuth, err = migrationPolicy.secretForUse(op)
		if err != nil {
			return AuthValue{}, AuthValue{}, err
		}
	}
	return usageAuth, migrationAuth, nil
}

// Create creates a new key on the TPM under parent, which is loaded if necessary, and
// stores the resulting blob on this key. If pcrs is supplied, the key can only be used
// when the selected PCRs have the values in pcrs. The new key's usage and migration
// secrets come from its assigned policies, and are encrypted with the parent's shared
// secret on the way to the TPM.
//
// A key with KeyFlagMigrateAuthority is created as a certified migratable key, and requires
// the KeyCMKMADigest and KeyCMKMAApproval attributes to be set first.
func (k *Key) Create(parent *Key, pcrs *PCRComposite) error {
	const op = "CreateKey"
	if err := checkValid(op, k); err != nil {
		return err
	}
	c := k.context
	if err := c.checkObject(op, parent); err != nil {
		return err
	}
	if k.srk {
		return newError(ErrorKindInvalidObjectAccess, op, "the SRK can't be created")
	}

	var pcrInfo *PCRInfo
	if pcrs != nil {
		if err := c.checkObject(op, pcrs); err != nil {
			return err
		}
		var err error
		pcrInfo, err = pcrs.pcrInfo(op)
		if err != nil {
			return err
		}
	}

	k.mu.Lock()
	if k.blob != nil {
		k.mu.Unlock()
		return newError(ErrorKindInvalidObjectAccess, op, "key already has a blob")
	}
	template := k.templateLocked(pcrInfo)
	maApproval := k.maApproval
	maDigest := k.maDigest
	k.mu.Unlock()

	cmk := template.KeyFlags&KeyFlagMigrateAuthority != 0
	if cmk && (maDigest == Digest{} || maApproval == Digest{}) {
		return makeInvalidArgError(op, "key", "a certified migratable key requires a migration authority digest and approval")
	}

	usageAuth, migrationAuth, err := k.newAuthValues(op, template.KeyFlags&KeyFlagMigratable != 0 && !cmk)
	if err != nil {
		return err
	}

	handles, release, err := c.keys.acquire(parent)
	if err != nil {
		return xerrors.Errorf("cannot load parent key: %w", err)
	}
	defer release()

	auth, err := parent.authorizeShared(op, handles[0])
	if err != nil {
		return err
	}
	defer auth.end()

	encUsageAuth := auth.session.encryptAuth(usageAuth, false)

	var cmd *CommandContext
	if cmk {
		cmd = c.StartCommand(CommandCMKCreateKey).AddHandles(handles[0]).
			AddParams(encUsageAuth, template, maApproval, maDigest)
	} else {
		encMigrationAuth := auth.session.encryptAuth(migrationAuth, true)
		cmd = c.StartCommand(CommandCreateWrapKey).AddHandles(handles[0]).
			AddParams(encUsageAuth, encMigrationAuth, template)
	}

	var blob Key12
	if err := cmd.addAuths(auth).Run(&blob); err != nil {
		return err
	}

	k.setBlob(&blob)
	c.keys.setParent(k, parent)
	return nil
}

// Load loads this key under parent. Loading a key that is already loaded does nothing.
func (k *Key) Load(parent *Key) error {
	const op = "LoadKey"
	if err := checkValid(op, k); err != nil {
		return err
	}
	if k.srk {
		return nil
	}
	c := k.context
	if err := c.checkObject(op, parent); err != nil {
		return err
	}
	if k.currentBlob() == nil {
		return newError(ErrorKindKeyNotLoaded, op, "key has no blob")
	}

	c.keys.setParent(k, parent)
	_, err := c.keys.ensureLoaded(k)
	return err
}

// Unload flushes this key from the TPM. It is reloaded transparently when it is next used.
func (k *Key) Unload() error {
	const op = "UnloadKey"
	if err := checkValid(op, k); err != nil {
		return err
	}
	return k.context.keys.unload(k)
}

// TPMHandle returns the handle of the loaded instance of this key on the TPM, or HandleNull
// if it isn't loaded.
func (k *Key) TPMHandle() Handle {
	if err := checkValid("TPMHandle", k); err != nil {
		return HandleNull
	}
	return k.context.keys.handleOf(k)
}

// IsSRK indicates whether this is the storage root key.
func (k *Key) IsSRK() bool {
	return k.srk
}

// UUID returns the UUID that this key is registered with, and its storage location, or
// uuid.Nil if it isn't registered.
func (k *Key) UUID() (uuid.UUID, PSLocation) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.uuid, k.location
}

// PubKey returns the public part of this key, read from the TPM.
func (k *Key) PubKey() (*PubKey, error) {
	const op = "GetPubKey"
	if err := checkValid(op, k); err != nil {
		return nil, err
	}
	c := k.context

	handles, release, err := c.keys.acquire(k)
	if err != nil {
		return nil, err
	}
	defer release()

	var pub PubKey
	if err := c.StartCommand(CommandGetPubKey).AddHandles(handles[0]).Run(&pub); err != nil {
		return nil, err
	}
	return &pub, nil
}

// PublicKey returns the RSA public key of this key. This doesn't require the TPM unless the
// key has no blob.
func (k *Key) PublicKey() (*rsa.PublicKey, error) {
	const op = "PublicKey"
	if err := checkValid(op, k); err != nil {
		return nil, err
	}

	var pub *PubKey
	if blob := k.currentBlob(); blob != nil && len(blob.PubKey) > 0 {
		pub = blob.Public()
	} else {
		var err error
		pub, err = k.PubKey()
		if err != nil {
			return nil, err
		}
	}

	key, err := pub.RSAPublicKey()
	if err != nil {
		return nil, xerrors.Errorf("cannot decode public key: %w", err)
	}
	return key, nil
}

// SetPrivateKey supplies external key material for Key.Wrap.
func (k *Key) SetPrivateKey(key *rsa.PrivateKey) error {
	const op = "SetPrivateKey"
	if err := checkValid(op, k); err != nil {
		return err
	}
	if len(key.Primes) != 2 {
		return makeInvalidArgError(op, "key", "key must have 2 primes")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.blob != nil {
		return newError(ErrorKindInvalidObjectAccess, op, "key already has a blob")
	}
	k.modulus = key.N.Bytes()
	k.exponent = nil
	if key.E != DefaultRSAExponent {
		k.exponent = big.NewInt(int64(key.E)).Bytes()
	}
	k.prime = key.Primes[0].Bytes()
	k.size = uint32(key.N.BitLen())
	return nil
}

// Wrap creates a blob for the external private key supplied with Key.SetPrivateKey (or the
// KeyRSAModulus and KeyBlobPrivateKey attributes), protected by the public part of parent.
// This happens on the client. Wrapped keys are always migratable, so a migration secret must
// be available from the migration policy.
//
// If pcrs is supplied, the key is bound to the selected PCRs, and each PCR value set in pcrs
// must match the current value on the TPM or an ErrorKindPCRMismatch error is returned.
//
// The private key material is kept until the key is closed, so the key can be wrapped again,
// under another parent or with other PCRs.
func (k *Key) Wrap(parent *Key, pcrs *PCRComposite) error {
	const op = "WrapKey"
	if err := checkValid(op, k); err != nil {
		return err
	}
	c := k.context
	if err := c.checkObject(op, parent); err != nil {
		return err
	}

	var pcrInfo *PCRInfo
	if pcrs != nil {
		if err := c.checkObject(op, pcrs); err != nil {
			return err
		}
		if err := pcrs.checkCurrentValues(op); err != nil {
			return err
		}
		var err error
		pcrInfo, err = pcrs.pcrInfo(op)
		if err != nil {
			return err
		}
	}

	k.mu.Lock()
	if len(k.modulus) == 0 || len(k.prime) == 0 {
		k.mu.Unlock()
		return makeInvalidArgError(op, "key", "no private key material has been supplied")
	}
	k.keyFlags |= KeyFlagMigratable
	template := k.templateLocked(pcrInfo)
	template.PubKey = k.modulus
	prime := k.prime
	k.mu.Unlock()

	usageAuth, migrationAuth, err := k.newAuthValues(op, true)
	if err != nil {
		return err
	}

	parentPub, err := parent.PublicKey()
	if err != nil {
		return xerrors.Errorf("cannot obtain parent public key: %w", err)
	}

	sensitive := StoreAsymKey{
		Payload:       PayloadAsymmetric,
		UsageAuth:     usageAuth,
		MigrationAuth: migrationAuth,
		PubDataDigest: template.PubDataDigest(),
		PrivKey:       prime}
	template.EncData, err = crypt.WrapToPublic(c.rand, parentPub, []byte(crypt.KeyBlobLabel), mu.MustMarshalToBytes(&sensitive))
	if err != nil {
		return xerrors.Errorf("cannot wrap key: %w", err)
	}

	if err := c.keys.invalidate(k); err != nil {
		c.logger.WithError(err).Warn("cannot flush previous instance of wrapped key")
	}
	k.setBlob(template)
	c.keys.setParent(k, parent)
	return nil
}

// ChangeAuth changes the usage secret of this key to the secret held by newPolicy, which
// then becomes the usage policy of this key. The key's blob is re-encrypted by the TPM
// under parent, which must be the parent of this key.
func (k *Key) ChangeAuth(parent *Key, newPolicy *Policy) error {
	const op = "ChangeAuth"
	if err := checkValid(op, k); err != nil {
		return err
	}
	c := k.context
	if err := c.checkObject(op, parent); err != nil {
		return err
	}
	if err := c.checkObject(op, newPolicy); err != nil {
		return err
	}
	if newPolicy.PolicyType() != PolicyTypeUsage {
		return makeInvalidArgError(op, "newPolicy", "not a usage policy")
	}

	blob := k.currentBlob()
	if blob == nil {
		return newError(ErrorKindKeyNotLoaded, op, "key has no blob")
	}

	newAuth, err := newPolicy.secretForUse(op)
	if err != nil {
		return err
	}

	handles, release, err := c.keys.acquire(parent)
	if err != nil {
		return xerrors.Errorf("cannot load parent key: %w", err)
	}
	defer release()

	parentAuth, err := parent.authorizeShared(op, handles[0])
	if err != nil {
		return err
	}
	defer parentAuth.end()

	entityAuth, err := c.authorize(op, k.policy(), authEntity{EntityKey, 0}, false)
	if err != nil {
		return err
	}
	defer entityAuth.end()

	var encData []byte
	if err := c.StartCommand(CommandChangeAuth).AddHandles(handles[0]).
		AddParams(parentAuth.session.encryptAuth(newAuth, false), EntityKey, blob.EncData).
		addAuths(parentAuth, entityAuth).
		Run(&encData); err != nil {
		return err
	}

	newBlob := *blob
	newBlob.EncData = encData
	if err := c.keys.invalidate(k); err != nil {
		c.logger.WithError(err).Warn("cannot flush previous instance of key")
	}

	k.mu.Lock()
	k.blob = &newBlob
	k.usagePolicy = newPolicy
	k.mu.Unlock()
	return nil
}

func (k *Key) checkNoBlob(op string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.blob != nil {
		return newError(ErrorKindInvalidObjectAccess, op, "key already has a blob")
	}
	return nil
}

// GetAttribUint32 implements Object.GetAttribUint32.
func (k *Key) GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error) {
	if err := checkValid(opGetAttribUint32, k); err != nil {
		return 0, err
	}

	switch flag {
	case KeyAttribInfo:
		if subFlag == KeyInfoLoaded {
			return boolToUint32(k.context.keys.stateOf(k) == keyLoaded), nil
		}

		k.mu.Lock()
		defer k.mu.Unlock()
		switch subFlag {
		case KeyInfoUsage:
			return uint32(k.usage), nil
		case KeyInfoKeyFlags:
			return uint32(k.keyFlags), nil
		case KeyInfoAuthUsage:
			return uint32(k.authUsage), nil
		case KeyInfoAlgorithm:
			return uint32(AlgorithmRSA), nil
		case KeyInfoEncScheme:
			return uint32(k.encScheme), nil
		case KeyInfoSigScheme:
			return uint32(k.sigScheme), nil
		case KeyInfoSize:
			return k.size, nil
		case KeyInfoMigratable:
			return boolToUint32(k.keyFlags&KeyFlagMigratable != 0), nil
		case KeyInfoVolatile:
			return boolToUint32(k.keyFlags&KeyFlagVolatile != 0), nil
		default:
			return 0, invalidAttribSubFlagError(opGetAttribUint32, ObjectTypeKey, flag, subFlag)
		}
	case KeyAttribRSAKey:
		k.mu.Lock()
		defer k.mu.Unlock()
		switch subFlag {
		case KeyRSAKeySize:
			return k.size, nil
		case KeyRSANumPrimes:
			return 2, nil
		default:
			return 0, invalidAttribSubFlagError(opGetAttribUint32, ObjectTypeKey, flag, subFlag)
		}
	default:
		return 0, invalidAttribFlagError(opGetAttribUint32, ObjectTypeKey, flag)
	}
}

// SetAttribUint32 implements Object.SetAttribUint32. Attributes that describe the key can
// only be changed before the key has a blob.
func (k *Key) SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error {
	const op = opSetAttribUint32
	if err := checkValid(op, k); err != nil {
		return err
	}

	switch flag {
	case KeyAttribInfo:
		switch subFlag {
		case KeyInfoUsage, KeyInfoKeyFlags, KeyInfoAuthUsage, KeyInfoEncScheme, KeyInfoSigScheme,
			KeyInfoSize, KeyInfoMigratable, KeyInfoVolatile:
		case KeyInfoAlgorithm:
			if AlgorithmId(value) != AlgorithmRSA {
				return makeInvalidArgError(op, "value", "only RSA keys are supported")
			}
			return nil
		default:
			return invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
	case KeyAttribRSAKey:
		switch subFlag {
		case KeyRSAKeySize:
			subFlag = KeyInfoSize
		case KeyRSANumPrimes:
			if value != 2 {
				return makeInvalidArgError(op, "value", "only 2 prime keys are supported")
			}
			return nil
		default:
			return invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
	default:
		return invalidAttribFlagError(op, ObjectTypeKey, flag)
	}

	if err := k.checkNoBlob(op); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	switch subFlag {
	case KeyInfoUsage:
		switch u := KeyUsage(value); u {
		case KeyUsageSigning, KeyUsageStorage, KeyUsageIdentity, KeyUsageAuthChange, KeyUsageBind, KeyUsageLegacy, KeyUsageMigrate:
			k.usage = u
			k.encScheme, k.sigScheme = defaultSchemesForUsage(u)
		default:
			return makeInvalidArgError(op, "value", fmt.Sprintf("invalid key usage 0x%04x", value))
		}
	case KeyInfoKeyFlags:
		k.keyFlags = KeyFlags(value)
	case KeyInfoAuthUsage:
		switch a := AuthDataUsage(value); a {
		case AuthNever, AuthAlways:
			k.authUsage = a
		default:
			return makeInvalidArgError(op, "value", fmt.Sprintf("invalid auth data usage 0x%02x", value))
		}
	case KeyInfoEncScheme:
		switch s := EncScheme(value); s {
		case EncSchemeNone, EncSchemeRSAPKCSv15, EncSchemeRSAOAEPSHA1:
			k.encScheme = s
		default:
			return makeInvalidArgError(op, "value", fmt.Sprintf("invalid encryption scheme 0x%04x", value))
		}
	case KeyInfoSigScheme:
		switch s := SigScheme(value); s {
		case SigSchemeNone, SigSchemeRSAPKCSv15SHA1, SigSchemeRSAPKCSv15DER:
			k.sigScheme = s
		default:
			return makeInvalidArgError(op, "value", fmt.Sprintf("invalid signature scheme 0x%04x", value))
		}
	case KeyInfoSize:
		switch value {
		case 512, 1024, 2048:
			k.size = value
		default:
			return makeInvalidArgError(op, "value", fmt.Sprintf("unsupported key size %d", value))
		}
	case KeyInfoMigratable:
		if value != 0 {
			k.keyFlags |= KeyFlagMigratable
		} else {
			k.keyFlags &^= KeyFlagMigratable | KeyFlagMigrateAuthority
		}
	case KeyInfoVolatile:
		if value != 0 {
			k.keyFlags |= KeyFlagVolatile
		} else {
			k.keyFlags &^= KeyFlagVolatile
		}
	}
	return nil
}

// GetAttribData implements Object.GetAttribData.
func (k *Key) GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error) {
	const op = opGetAttribData
	if err := checkValid(op, k); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	noBlob := func() ([]byte, error) {
		return nil, newError(ErrorKindInvalidObjectAccess, op, "key has no blob")
	}

	switch flag {
	case KeyAttribBlob:
		switch subFlag {
		case KeyBlobBlob:
			if k.blob == nil {
				return noBlob()
			}
			return mu.MustMarshalToBytes(k.blob), nil
		case KeyBlobPublicKey:
			if k.blob == nil {
				return noBlob()
			}
			return mu.MustMarshalToBytes(k.blob.Public()), nil
		case KeyBlobPrivateKey:
			if k.blob == nil {
				return noBlob()
			}
			return append([]byte(nil), k.blob.EncData...), nil
		default:
			return nil, invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
	case KeyAttribRSAKey:
		switch subFlag {
		case KeyRSAModulus:
			if k.blob != nil {
				return append([]byte(nil), k.blob.PubKey...), nil
			}
			return append([]byte(nil), k.modulus...), nil
		case KeyRSAExponent:
			if len(k.exponent) == 0 {
				return big.NewInt(DefaultRSAExponent).Bytes(), nil
			}
			return append([]byte(nil), k.exponent...), nil
		default:
			return nil, invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
	case KeyAttribUUID:
		if subFlag != KeyUUIDValue {
			return nil, invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
		id := k.uuid
		return id[:], nil
	case KeyAttribPCR:
		switch subFlag {
		case PCRDigestAtCreation, PCRDigestAtRelease, PCRInfoSelection:
		default:
			return nil, invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
		if k.blob == nil {
			return noBlob()
		}
		info := k.blob.PCRInfo
		if info == nil {
			return nil, newError(ErrorKindInvalidObjectAccess, op, "key is not bound to PCRs")
		}
		switch subFlag {
		case PCRDigestAtCreation:
			return info.DigestAtCreation[:], nil
		case PCRDigestAtRelease:
			return info.DigestAtRelease[:], nil
		default:
			return mu.MustMarshalToBytes(info.Selection), nil
		}
	case KeyAttribCMKInfo:
		switch subFlag {
		case KeyCMKMAApproval:
			return k.maApproval[:], nil
		case KeyCMKMADigest:
			return k.maDigest[:], nil
		default:
			return nil, invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
	default:
		return nil, invalidAttribFlagError(op, ObjectTypeKey, flag)
	}
}

// SetAttribData implements Object.SetAttribData. Setting KeyBlobBlob replaces the blob of
// this key with a marshalled key blob. Setting KeyBlobPrivateKey supplies a prime factor of
// the modulus for Key.Wrap.
func (k *Key) SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error {
	const op = opSetAttribData
	if err := checkValid(op, k); err != nil {
		return err
	}

	switch flag {
	case KeyAttribBlob:
		switch subFlag {
		case KeyBlobBlob:
			if k.srk {
				return newError(ErrorKindInvalidObjectAccess, op, "the SRK blob can't be replaced")
			}
			var blob Key12
			if _, err := mu.UnmarshalFromBytes(data, &blob); err != nil {
				return makeInvalidArgError(op, "data", fmt.Sprintf("cannot unmarshal key blob: %v", err))
			}
			if err := k.context.keys.invalidate(k); err != nil {
				k.context.logger.WithError(err).Warn("cannot flush previous instance of key")
			}
			k.setBlob(&blob)
			return nil
		case KeyBlobPrivateKey:
			if err := k.checkNoBlob(op); err != nil {
				return err
			}
			k.mu.Lock()
			k.prime = append([]byte(nil), data...)
			k.mu.Unlock()
			return nil
		case KeyBlobPublicKey:
			return newError(ErrorKindInvalidObjectAccess, op, "the public key is read only")
		default:
			return invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
	case KeyAttribRSAKey:
		switch subFlag {
		case KeyRSAModulus, KeyRSAExponent:
		default:
			return invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
		if err := k.checkNoBlob(op); err != nil {
			return err
		}
		k.mu.Lock()
		defer k.mu.Unlock()
		if subFlag == KeyRSAModulus {
			k.modulus = append([]byte(nil), data...)
			k.size = uint32(new(big.Int).SetBytes(data).BitLen())
		} else {
			k.exponent = append([]byte(nil), bytes.TrimLeft(data, "\x00")...)
		}
		return nil
	case KeyAttribCMKInfo:
		var d *Digest
		switch subFlag {
		case KeyCMKMAApproval:
			d = &k.maApproval
		case KeyCMKMADigest:
			d = &k.maDigest
		default:
			return invalidAttribSubFlagError(op, ObjectTypeKey, flag, subFlag)
		}
		if len(data) != len(d) {
			return makeInvalidArgError(op, "data", "invalid digest length")
		}
		k.mu.Lock()
		defer k.mu.Unlock()
		copy(d[:], data)
		return nil
	case KeyAttribUUID, KeyAttribPCR:
		return newError(ErrorKindInvalidObjectAccess, op, "attribute is read only")
	default:
		return invalidAttribFlagError(op, ObjectTypeKey, flag)
	}
}
