// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto/sha1"
	"fmt"
	"sync"

	"golang.org/x/xerrors"

	"github.com/canonical/go-tss/mu"
)

// MigrationData accumulates the artefacts of the certified migration protocol: the list of
// migration selection authorities (MSAs) and its approval, the restrict ticket naming the
// authority, destination and source keys, the authority's signature and the resulting
// signature ticket, and finally the migration blob.
type MigrationData struct {
	objectBase

	mu             sync.Mutex
	msaList        MSAComposite
	approval       Digest
	ticket         []byte
	restrictTicket CMKAuth
	sigValue       []byte
	sigTicket      Digest
	blob           []byte
	payload        PayloadType
}

func (m *MigrationData) base() *objectBase {
	if m == nil {
		return nil
	}
	return &m.objectBase
}

// CreateMigrationData creates a new empty MigrationData object.
func (c *Context) CreateMigrationData() (*MigrationData, error) {
	if err := c.checkOpen("CreateMigrationData"); err != nil {
		return nil, err
	}
	m := &MigrationData{payload: PayloadCMKMigrate}
	c.addObject(m, ObjectTypeMigrationData)
	return m, nil
}

// Close removes this object from its context.
func (m *MigrationData) Close() error {
	if err := checkValid("Close", m); err != nil {
		return err
	}
	return m.context.removeObject("Close", m)
}

// SetTicket sets the migration ticket returned from TPM.AuthorizeMigrationTicket.
func (m *MigrationData) SetTicket(ticket []byte) error {
	if err := checkValid("SetTicket", m); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticket = append([]byte(nil), ticket...)
	return nil
}

// SetSignature sets the signature of the migration authority over RestrictTicketDigest.
func (m *MigrationData) SetSignature(sig []byte) error {
	if err := checkValid("SetSignature", m); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigValue = append([]byte(nil), sig...)
	return nil
}

// SetRestrictTicket sets the restrict ticket from the public keys of the migration
// authority, the destination (migration) key and the source key.
func (m *MigrationData) SetRestrictTicket(authority, destination, source *PubKey) error {
	const op = "SetRestrictTicket"
	if err := checkValid(op, m); err != nil {
		return err
	}
	if authority == nil || destination == nil || source == nil {
		return makeInvalidArgError(op, "pub", "nil value")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restrictTicket = CMKAuth{
		MigrationAuthorityDigest: authority.Digest(),
		DestinationKeyDigest:     destination.Digest(),
		SourceKeyDigest:          source.Digest()}
	return nil
}

// AddAuthority adds the public key of a migration selection authority to the MSA list.
func (m *MigrationData) AddAuthority(pub *PubKey) error {
	const op = "AddAuthority"
	if err := checkValid(op, m); err != nil {
		return err
	}
	if pub == nil {
		return makeInvalidArgError(op, "pub", "nil value")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msaList.MigAuthDigest = append(m.msaList.MigAuthDigest, pub.Digest())
	return nil
}

// RestrictTicketDigest returns the digest of the restrict ticket, which the migration
// authority signs to approve a migration with MigrateSchemeRestrictApprove.
func (m *MigrationData) RestrictTicketDigest() Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sha1.Sum(mu.MustMarshalToBytes(&m.restrictTicket))
}

func (m *MigrationData) msaComposite() *MSAComposite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &MSAComposite{MigAuthDigest: append([]Digest(nil), m.msaList.MigAuthDigest...)}
}

// AuthorizeMigrationTicket authorizes migration of keys to migKey with the specified
// scheme, and returns the marshalled ticket. This is authorized by the owner.
func (t *TPM) AuthorizeMigrationTicket(migKey *Key, scheme MigrationScheme) ([]byte, error) {
	const op = "AuthorizeMigrationTicket"
	if err := checkValid(op, t); err != nil {
		return nil, err
	}
	c := t.context
	if err := c.checkObject(op, migKey); err != nil {
		return nil, err
	}
	switch scheme {
	case MigrateSchemeMigrate, MigrateSchemeRewrap, MigrateSchemeRestrictMigrate, MigrateSchemeRestrictApprove:
	default:
		return nil, makeInvalidArgError(op, "scheme", fmt.Sprintf("invalid migration scheme 0x%04x", uint16(scheme)))
	}

	pub, err := migKey.publicArea()
	if err != nil {
		return nil, err
	}

	auth, err := t.authorizeOwner(op, false)
	if err != nil {
		return nil, err
	}
	defer auth.end()

	var ticket MigrationKeyAuth
	if err := c.StartCommand(CommandAuthorizeMigrationKey).
		AddParams(scheme, pub).
		addAuths(auth).
		Run(&ticket); err != nil {
		return nil, err
	}
	return mu.MustMarshalToBytes(&ticket), nil
}

// CMKApproveMA approves the MSA list in migData as the migration authorities of certified
// migratable keys, and stores the approval in migData. This is authorized by the owner.
func (t *TPM) CMKApproveMA(migData *MigrationData) error {
	const op = "CMKApproveMA"
	if err := checkValid(op, t); err != nil {
		return err
	}
	c := t.context
	if err := c.checkObject(op, migData); err != nil {
		return err
	}

	msa := migData.msaComposite()
	if len(msa.MigAuthDigest) == 0 {
		return makeInvalidArgError(op, "migData", "no migration authorities have been added")
	}

	auth, err := t.authorizeOwner(op, false)
	if err != nil {
		return err
	}
	defer auth.end()

	var approval Digest
	if err := c.StartCommand(CommandCMKApproveMA).
		AddParams(msa.Digest()).
		addAuths(auth).
		Run(&approval); err != nil {
		return err
	}

	migData.mu.Lock()
	migData.approval = approval
	migData.mu.Unlock()
	return nil
}

// CMKCreateTicket verifies the authority signature in migData over the restrict ticket with
// verifyKey, and stores the resulting signature ticket in migData. This is authorized by the
// owner.
func (t *TPM) CMKCreateTicket(verifyKey *Key, migData *MigrationData) error {
	const op = "CMKCreateTicket"
	if err := checkValid(op, t); err != nil {
		return err
	}
	c := t.context
	if err := c.checkObject(op, verifyKey); err != nil {
		return err
	}
	if err := c.checkObject(op, migData); err != nil {
		return err
	}

	migData.mu.Lock()
	sig := migData.sigValue
	migData.mu.Unlock()
	if len(sig) == 0 {
		return makeInvalidArgError(op, "migData", "no signature has been supplied")
	}
	signedData := migData.RestrictTicketDigest()

	pub, err := verifyKey.publicArea()
	if err != nil {
		return err
	}

	auth, err := t.authorizeOwner(op, false)
	if err != nil {
		return err
	}
	defer auth.end()

	var sigTicket Digest
	if err := c.StartCommand(CommandCMKCreateTicket).
		AddParams(pub, signedData, sig).
		addAuths(auth).
		Run(&sigTicket); err != nil {
		return err
	}

	migData.mu.Lock()
	migData.sigTicket = sigTicket
	migData.mu.Unlock()
	return nil
}

// publicArea returns the public part of this key, from its blob if it has one.
func (k *Key) publicArea() (*PubKey, error) {
	if blob := k.currentBlob(); blob != nil && len(blob.PubKey) > 0 {
		return blob.Public(), nil
	}
	pub, err := k.PubKey()
	if err != nil {
		return nil, xerrors.Errorf("cannot obtain public key: %w", err)
	}
	return pub, nil
}

func (k *Key) migrationAuthorize(op string) (*commandAuth, error) {
	k.mu.Lock()
	policy := k.migrationPolicy
	k.mu.Unlock()
	return k.context.authorize(op, policy, authEntity{EntityKey, 0}, false)
}

func decodeMigrationTicket(op string, ticket []byte) (*MigrationKeyAuth, error) {
	if len(ticket) == 0 {
		return nil, makeInvalidArgError(op, "ticket", "empty ticket")
	}
	var t MigrationKeyAuth
	if _, err := mu.UnmarshalFromBytes(ticket, &t); err != nil {
		return nil, makeInvalidArgError(op, "ticket", fmt.Sprintf("cannot unmarshal ticket: %v", err))
	}
	return &t, nil
}

// CreateMigrationBlob creates a blob that migrates this key to the migration key named by
// ticket. The parent is the key that this key is currently stored under. This requires the
// usage secret of parent and the migration secret of this key.
//
// For MigrateSchemeRewrap, the returned blob is a key blob that can be loaded under the
// migration key, and random is empty. For MigrateSchemeMigrate, the blob must be converted
// under the migration key with ConvertMigrationBlob, using random.
func (k *Key) CreateMigrationBlob(parent *Key, ticket []byte) (random, blob []byte, err error) {
	const op = "CreateMigrationBlob"
	if err := checkValid(op, k); err != nil {
		return nil, nil, err
	}
	c := k.context
	if err := c.checkObject(op, parent); err != nil {
		return nil, nil, err
	}
	t, err := decodeMigrationTicket(op, ticket)
	if err != nil {
		return nil, nil, err
	}

	keyBlob := k.currentBlob()
	if keyBlob == nil {
		return nil, nil, newError(ErrorKindKeyNotLoaded, op, "key has no blob")
	}

	handles, release, err := c.keys.acquire(parent)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot load parent key: %w", err)
	}
	defer release()

	parentAuth, err := parent.authorizeUsage(op, handles[0], false)
	if err != nil {
		return nil, nil, err
	}
	defer parentAuth.end()

	migAuth, err := k.migrationAuthorize(op)
	if err != nil {
		return nil, nil, err
	}
	defer migAuth.end()

	if err := c.StartCommand(CommandCreateMigrationBlob).AddHandles(handles[0]).
		AddParams(t.MigrationScheme, t, keyBlob.EncData).
		addAuths(parentAuth, migAuth).
		Run(&random, &blob); err != nil {
		return nil, nil, err
	}

	if t.MigrationScheme == MigrateSchemeRewrap {
		// The TPM only returns the rewrapped sensitive part.
		rewrapped := *keyBlob
		rewrapped.EncData = blob
		blob = mu.MustMarshalToBytes(&rewrapped)
		random = nil
	}
	return random, blob, nil
}

// ConvertMigrationBlob converts a blob created with MigrateSchemeMigrate so that it is
// protected by parent, which is the migration key. This key must hold the public part of the
// migrated key, for example by setting the KeyBlobBlob attribute to the original key blob. On
// success, this key can be loaded under parent.
func (k *Key) ConvertMigrationBlob(parent *Key, random, blob []byte) error {
	const op = "ConvertMigrationBlob"
	if err := checkValid(op, k); err != nil {
		return err
	}
	c := k.context
	if err := c.checkObject(op, parent); err != nil {
		return err
	}
	if len(blob) == 0 {
		return makeInvalidArgError(op, "blob", "empty blob")
	}

	keyBlob := k.currentBlob()
	if keyBlob == nil {
		return newError(ErrorKindKeyNotLoaded, op, "key has no public part")
	}

	handles, release, err := c.keys.acquire(parent)
	if err != nil {
		return xerrors.Errorf("cannot load migration key: %w", err)
	}
	defer release()

	auth, err := parent.authorizeUsage(op, handles[0], false)
	if err != nil {
		return err
	}
	defer auth.end()

	var encData []byte
	if err := c.StartCommand(CommandConvertMigrationBlob).AddHandles(handles[0]).
		AddParams(blob, random).
		addAuths(auth).
		Run(&encData); err != nil {
		return err
	}

	k.adoptEncData(keyBlob, encData, parent)
	return nil
}

// adoptEncData replaces the blob of this key with one that has the supplied sensitive
// part, protected by parent.
func (k *Key) adoptEncData(keyBlob *Key12, encData []byte, parent *Key) {
	c := k.context

	newBlob := *keyBlob
	newBlob.EncData = encData
	if err := c.keys.invalidate(k); err != nil {
		c.logger.WithError(err).Warn("cannot flush previous instance of key")
	}
	k.setBlob(&newBlob)
	c.keys.setParent(k, parent)
}

// CMKCreateBlob creates a blob that migrates this certified migratable key to the migration
// key named by the migration ticket in migData, which must have been authorized with
// MigrateSchemeRestrictMigrate or MigrateSchemeRestrictApprove. The MSA list, restrict ticket
// and signature ticket also come from migData, and the resulting blob is stored in migData.
func (k *Key) CMKCreateBlob(parent *Key, migData *MigrationData) (random []byte, err error) {
	const op = "CMKCreateBlob"
	if err := checkValid(op, k); err != nil {
		return nil, err
	}
	c := k.context
	if err := c.checkObject(op, parent); err != nil {
		return nil, err
	}
	if err := c.checkObject(op, migData); err != nil {
		return nil, err
	}
	migData.mu.Lock()
	ticket := migData.ticket
	migData.mu.Unlock()
	t, err := decodeMigrationTicket(op, ticket)
	if err != nil {
		return nil, err
	}
	switch t.MigrationScheme {
	case MigrateSchemeRestrictMigrate, MigrateSchemeRestrictApprove:
	default:
		return nil, makeInvalidArgError(op, "ticket", "ticket is not for a restricted migration scheme")
	}

	keyBlob := k.currentBlob()
	if keyBlob == nil {
		return nil, newError(ErrorKindKeyNotLoaded, op, "key has no blob")
	}

	msa := migData.msaComposite()
	migData.mu.Lock()
	restrictTicket := migData.restrictTicket
	sigTicket := migData.sigTicket
	migData.mu.Unlock()

	handles, release, err := c.keys.acquire(parent)
	if err != nil {
		return nil, xerrors.Errorf("cannot load parent key: %w", err)
	}
	defer release()

	auth, err := parent.authorizeUsage(op, handles[0], false)
	if err != nil {
		return nil, err
	}
	defer auth.end()

	var blob []byte
	if err := c.StartCommand(CommandCMKCreateBlob).AddHandles(handles[0]).
		AddParams(t.MigrationScheme, t, keyBlob.Public().Digest(), msa, &restrictTicket, sigTicket, keyBlob.EncData).
		addAuths(auth).
		Run(&random, &blob); err != nil {
		return nil, err
	}

	migData.mu.Lock()
	migData.blob = blob
	migData.mu.Unlock()
	return random, nil
}

// CMKConvertMigration converts the migration blob in migData so that it is protected by
// parent, which is the migration key. This key must hold the public part of the migrated
// key. On success, this key can be loaded under parent.
func (k *Key) CMKConvertMigration(parent *Key, migData *MigrationData, random []byte) error {
	const op = "CMKConvertMigration"
	if err := checkValid(op, k); err != nil {
		return err
	}
	c := k.context
	if err := c.checkObject(op, parent); err != nil {
		return err
	}
	if err := c.checkObject(op, migData); err != nil {
		return err
	}

	keyBlob := k.currentBlob()
	if keyBlob == nil {
		return newError(ErrorKindKeyNotLoaded, op, "key has no public part")
	}

	msa := migData.msaComposite()
	migData.mu.Lock()
	restrictTicket := migData.restrictTicket
	sigTicket := migData.sigTicket
	blob := migData.blob
	migData.mu.Unlock()
	if len(blob) == 0 {
		return makeInvalidArgError(op, "migData", "no migration blob")
	}

	migrated := *keyBlob
	migrated.EncData = blob

	handles, release, err := c.keys.acquire(parent)
	if err != nil {
		return xerrors.Errorf("cannot load migration key: %w", err)
	}
	defer release()

	auth, err := parent.authorizeUsage(op, handles[0], false)
	if err != nil {
		return err
	}
	defer auth.end()

	var encData []byte
	if err := c.StartCommand(CommandCMKConvertMigration).AddHandles(handles[0]).
		AddParams(&restrictTicket, sigTicket, &migrated, msa, random).
		addAuths(auth).
		Run(&encData); err != nil {
		return err
	}

	k.adoptEncData(keyBlob, encData, parent)
	return nil
}

func (m *MigrationData) digestField(flag AttribFlag, subFlag AttribSubFlag) (*Digest, bool) {
	switch flag {
	case MigAttribAuthorityData:
		switch subFlag {
		case MigAuthorityApprovalHMAC:
			return &m.approval, true
		}
	case MigAttribMigAuthData:
		switch subFlag {
		case MigAuthAuthorityDigest:
			return &m.restrictTicket.MigrationAuthorityDigest, true
		case MigAuthDestinationDigest:
			return &m.restrictTicket.DestinationKeyDigest, true
		case MigAuthSourceDigest:
			return &m.restrictTicket.SourceKeyDigest, true
		}
	case MigAttribTicketData:
		switch subFlag {
		case MigTicketSigTicket:
			return &m.sigTicket, true
		}
	}
	return nil, false
}

func (m *MigrationData) knownFlag(flag AttribFlag) bool {
	switch flag {
	case MigAttribMigrationBlob, MigAttribMigrationTicket, MigAttribAuthorityData, MigAttribMigAuthData,
		MigAttribTicketData, MigAttribPayloadType:
		return true
	default:
		return false
	}
}

// GetAttribUint32 implements Object.GetAttribUint32. MigAttribPayloadType returns the
// payload type of the migration blob.
func (m *MigrationData) GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error) {
	if err := checkValid(opGetAttribUint32, m); err != nil {
		return 0, err
	}
	switch {
	case !m.knownFlag(flag):
		return 0, invalidAttribFlagError(opGetAttribUint32, ObjectTypeMigrationData, flag)
	case flag != MigAttribPayloadType || subFlag != 0:
		return 0, invalidAttribSubFlagError(opGetAttribUint32, ObjectTypeMigrationData, flag, subFlag)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(m.payload), nil
}

// SetAttribUint32 implements Object.SetAttribUint32.
func (m *MigrationData) SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error {
	if err := checkValid(opSetAttribUint32, m); err != nil {
		return err
	}
	switch {
	case !m.knownFlag(flag):
		return invalidAttribFlagError(opSetAttribUint32, ObjectTypeMigrationData, flag)
	case flag != MigAttribPayloadType || subFlag != 0:
		return invalidAttribSubFlagError(opSetAttribUint32, ObjectTypeMigrationData, flag, subFlag)
	}
	switch p := PayloadType(value); p {
	case PayloadMigrate, PayloadMigrateRestricted, PayloadCMKMigrate:
		m.mu.Lock()
		m.payload = p
		m.mu.Unlock()
		return nil
	default:
		return makeInvalidArgError(opSetAttribUint32, "value", fmt.Sprintf("invalid payload type 0x%02x", value))
	}
}

// GetAttribData implements Object.GetAttribData.
func (m *MigrationData) GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error) {
	const op = opGetAttribData
	if err := checkValid(op, m); err != nil {
		return nil, err
	}
	if !m.knownFlag(flag) {
		return nil, invalidAttribFlagError(op, ObjectTypeMigrationData, flag)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.digestField(flag, subFlag); ok {
		return append([]byte(nil), d[:]...), nil
	}

	switch {
	case flag == MigAttribMigrationBlob && subFlag == MigMigrationBlob:
		return append([]byte(nil), m.blob...), nil
	case flag == MigAttribMigrationTicket && subFlag == 0:
		return append([]byte(nil), m.ticket...), nil
	case flag == MigAttribAuthorityData && subFlag == MigAuthorityDigest:
		d := m.msaList.Digest()
		return d[:], nil
	case flag == MigAttribAuthorityData && subFlag == MigAuthorityMSAList:
		return mu.MustMarshalToBytes(&m.msaList), nil
	case flag == MigAttribTicketData && subFlag == MigTicketSigDigest:
		d := sha1.Sum(mu.MustMarshalToBytes(&m.restrictTicket))
		return d[:], nil
	case flag == MigAttribTicketData && subFlag == MigTicketSigValue:
		return append([]byte(nil), m.sigValue...), nil
	case flag == MigAttribTicketData && subFlag == MigTicketRestrictTicket:
		return mu.MustMarshalToBytes(&m.restrictTicket), nil
	default:
		return nil, invalidAttribSubFlagError(op, ObjectTypeMigrationData, flag, subFlag)
	}
}

// SetAttribData implements Object.SetAttribData. Setting a public key blob sub-flag of
// MigAttribMigrationBlob with a marshalled PubKey records its digest: MigMSAListPubKeyBlob
// adds an authority to the MSA list, and the authority, destination and source sub-flags set
// the corresponding fields of the restrict ticket.
func (m *MigrationData) SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error {
	const op = opSetAttribData
	if err := checkValid(op, m); err != nil {
		return err
	}
	if !m.knownFlag(flag) {
		return invalidAttribFlagError(op, ObjectTypeMigrationData, flag)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.digestField(flag, subFlag); ok {
		if len(data) != len(d) {
			return makeInvalidArgError(op, "data", "invalid digest length")
		}
		copy(d[:], data)
		return nil
	}

	pubDigest := func() (Digest, error) {
		var pub PubKey
		if _, err := mu.UnmarshalFromBytes(data, &pub); err != nil {
			return Digest{}, makeInvalidArgError(op, "data", fmt.Sprintf("cannot unmarshal public key: %v", err))
		}
		return pub.Digest(), nil
	}

	switch {
	case flag == MigAttribMigrationBlob:
		var target *Digest
		switch subFlag {
		case MigMigrationBlob:
			m.blob = append([]byte(nil), data...)
			return nil
		case MigMSAListPubKeyBlob:
		case MigAuthorityPubKeyBlob:
			target = &m.restrictTicket.MigrationAuthorityDigest
		case MigDestinationPubKeyBlob:
			target = &m.restrictTicket.DestinationKeyDigest
		case MigSourcePubKeyBlob:
			target = &m.restrictTicket.SourceKeyDigest
		default:
			return invalidAttribSubFlagError(op, ObjectTypeMigrationData, flag, subFlag)
		}
		d, err := pubDigest()
		if err != nil {
			return err
		}
		if target == nil {
			m.msaList.MigAuthDigest = append(m.msaList.MigAuthDigest, d)
		} else {
			*target = d
		}
		return nil
	case flag == MigAttribMigrationTicket && subFlag == 0:
		m.ticket = append([]byte(nil), data...)
		return nil
	case flag == MigAttribAuthorityData && subFlag == MigAuthorityMSAList:
		var msa MSAComposite
		if _, err := mu.UnmarshalFromBytes(data, &msa); err != nil {
			return makeInvalidArgError(op, "data", fmt.Sprintf("cannot unmarshal MSA list: %v", err))
		}
		m.msaList = msa
		return nil
	case flag == MigAttribTicketData && subFlag == MigTicketSigValue:
		m.sigValue = append([]byte(nil), data...)
		return nil
	case flag == MigAttribTicketData && subFlag == MigTicketRestrictTicket:
		var ticket CMKAuth
		if _, err := mu.UnmarshalFromBytes(data, &ticket); err != nil {
			return makeInvalidArgError(op, "data", fmt.Sprintf("cannot unmarshal restrict ticket: %v", err))
		}
		m.restrictTicket = ticket
		return nil
	case flag == MigAttribAuthorityData && subFlag == MigAuthorityDigest,
		flag == MigAttribTicketData && subFlag == MigTicketSigDigest:
		return newError(ErrorKindInvalidObjectAccess, op, "the digest is computed and read only")
	default:
		return invalidAttribSubFlagError(op, ObjectTypeMigrationData, flag, subFlag)
	}
}
