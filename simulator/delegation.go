// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"crypto"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"sort"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/crypt"
	"github.com/canonical/go-tss/mu"
)

const delegateSensitiveLabel = "DELEGATE"

type family struct {
	id                uint32
	label             uint8
	verificationCount uint32
	flags             uint32
}

type delegateRow struct {
	pub  tss.DelegatePublic
	auth tss.AuthValue
}

// ownerPermissions maps owner commands to the delegation bit that permits them.
var ownerPermissions = map[tss.CommandCode]uint32{
	tss.CommandAuthorizeMigrationKey:         tss.DelegatePer1AuthorizeMigrationKey,
	tss.CommandCMKApproveMA:                  tss.DelegatePer1CMKApproveMA,
	tss.CommandCMKCreateTicket:               tss.DelegatePer1CMKCreateTicket,
	tss.CommandDelegateManage:                tss.DelegatePer1DelegateManage,
	tss.CommandDelegateCreateOwnerDelegation: tss.DelegatePer1CreateOwnerDelegation,
	tss.CommandDelegateLoadOwnerDelegation:   tss.DelegatePer1LoadOwnerDelegation,
	tss.CommandDelegateUpdateVerification:    tss.DelegatePer1UpdateVerification,
	tss.CommandNVDefineSpace:                 tss.DelegatePer1NVDefineSpace,
	tss.CommandDelegateReadTable:             tss.DelegatePer1ReadTable,
}

// keyPermissions maps key commands to the delegation bit that permits them.
var keyPermissions = map[tss.CommandCode]uint32{
	tss.CommandSign:                tss.KeyDelegatePer1Sign,
	tss.CommandUnseal:              tss.KeyDelegatePer1Unseal,
	tss.CommandUnBind:              tss.KeyDelegatePer1UnBind,
	tss.CommandCreateWrapKey:       tss.KeyDelegatePer1CreateWrapKey,
	tss.CommandSeal:                tss.KeyDelegatePer1Seal,
	tss.CommandQuote:               tss.KeyDelegatePer1Quote,
	tss.CommandGetPubKey:           tss.KeyDelegatePer1GetPubKey,
	tss.CommandCreateMigrationBlob: tss.KeyDelegatePer1CreateMigrationBlob,
	tss.CommandLoadKey2:            tss.KeyDelegatePer1LoadKey2,
}

func (d *Device) lookupFamily(id uint32) *family {
	for _, f := range d.families {
		if f.id == id {
			return f
		}
	}
	return nil
}

// checkDelegation verifies that the DSAP session s permits the command to be authorized for e.
func (c *commandContext) checkDelegation(s *session, e *entity) error {
	del := s.delegation
	perms := del.pub.Permissions

	var permitted map[tss.CommandCode]uint32
	switch e.typ {
	case tss.EntityOwner:
		if perms.DelegateType != tss.DelegateTypeOwner {
			return tpmError(tss.ErrorBadDelegate)
		}
		permitted = ownerPermissions
	case tss.EntityKeyHandle, tss.EntityKey:
		if perms.DelegateType != tss.DelegateTypeKey || e.key == nil || e.key.pubDigest != del.keyDigest {
			return tpmError(tss.ErrorBadDelegate)
		}
		permitted = keyPermissions
	default:
		return tpmError(tss.ErrorWrongEntityType)
	}

	bit, ok := permitted[c.code]
	if !ok || perms.Per1&bit == 0 {
		return tpmError(tss.ErrorDisabledCmd)
	}
	return nil
}

// sealDelegateAuth masks a delegation secret so that only this device can recover it.
func (d *Device) sealDelegateAuth(pub *tss.DelegatePublic, auth tss.AuthValue) []byte {
	out := make([]byte, len(auth))
	copy(out, auth[:])
	digest := sha1.Sum(mu.MustMarshalToBytes(pub))
	crypt.XORObfuscation(crypto.SHA1, d.proof[:], []byte(delegateSensitiveLabel), digest[:], out)
	return out
}

func (d *Device) unsealDelegateAuth(pub *tss.DelegatePublic, sensitive []byte) (tss.AuthValue, bool) {
	if len(sensitive) != len(tss.AuthValue{}) {
		return tss.AuthValue{}, false
	}
	data := make([]byte, len(sensitive))
	copy(data, sensitive)
	digest := sha1.Sum(mu.MustMarshalToBytes(pub))
	crypt.XORObfuscation(crypto.SHA1, d.proof[:], []byte(delegateSensitiveLabel), digest[:], data)
	var auth tss.AuthValue
	copy(auth[:], data)
	return auth, true
}

func (d *Device) ownerBlobIntegrity(blob *tss.DelegateOwnerBlob) tss.Digest {
	return tss.ComputeProofHMAC(d.proof, &blob.Pub, blob.Sensitive)
}

func (d *Device) keyBlobIntegrity(blob *tss.DelegateKeyBlob) tss.Digest {
	return tss.ComputeProofHMAC(d.proof, &blob.Pub, blob.PubKeyDigest, blob.Sensitive)
}

// openOwnerBlob verifies the integrity of blob and returns the delegation secret.
func (d *Device) openOwnerBlob(blob *tss.DelegateOwnerBlob) (tss.AuthValue, error) {
	expected := d.ownerBlobIntegrity(blob)
	if !hmac.Equal(expected[:], blob.IntegrityDigest[:]) || blob.Pub.Permissions.DelegateType != tss.DelegateTypeOwner {
		return tss.AuthValue{}, tpmError(tss.ErrorBadDelegate)
	}
	auth, ok := d.unsealDelegateAuth(&blob.Pub, blob.Sensitive)
	if !ok {
		return tss.AuthValue{}, tpmError(tss.ErrorBadDelegate)
	}
	return auth, nil
}

func (d *Device) openKeyBlob(blob *tss.DelegateKeyBlob) (tss.AuthValue, error) {
	expected := d.keyBlobIntegrity(blob)
	if !hmac.Equal(expected[:], blob.IntegrityDigest[:]) || blob.Pub.Permissions.DelegateType != tss.DelegateTypeKey {
		return tss.AuthValue{}, tpmError(tss.ErrorBadDelegate)
	}
	auth, ok := d.unsealDelegateAuth(&blob.Pub, blob.Sensitive)
	if !ok {
		return tss.AuthValue{}, tpmError(tss.ErrorBadDelegate)
	}
	return auth, nil
}

// checkDelegatePublic verifies that a delegation is current for its family and that the PCRs
// it is bound to have the expected values.
func (d *Device) checkDelegatePublic(pub *tss.DelegatePublic) error {
	f := d.lookupFamily(pub.FamilyID)
	if f == nil || f.flags&tss.FamilyFlagEnabled == 0 {
		return tpmError(tss.ErrorDelegateFamily)
	}
	if pub.VerificationCount != f.verificationCount {
		return tpmError(tss.ErrorFamilyCount)
	}
	if info := pub.PCRInfo; info != nil && len(info.Selection.Indices()) > 0 {
		composite, err := d.composite(info.Selection)
		if err != nil {
			return err
		}
		if composite.Digest() != info.DigestAtRelease {
			return tpmError(tss.ErrorWrongPCRVal)
		}
	}
	return nil
}

// delegationForDSAP returns the delegation and its secret for a TPM_DSAP request.
func (d *Device) delegationForDSAP(entityType tss.EntityType, keyHandle tss.Handle, value []byte) (*sessionDelegation, tss.AuthValue, error) {
	if !d.owned {
		return nil, tss.AuthValue{}, tpmError(tss.ErrorAuthFail)
	}

	var del sessionDelegation
	var auth tss.AuthValue

	switch entityType {
	case tss.EntityDelRow:
		index, ok := beUint32(value)
		if !ok || index >= delegateRows || d.delegates[index] == nil {
			return nil, tss.AuthValue{}, tpmError(tss.ErrorBadIndex)
		}
		row := d.delegates[index]
		del.pub = row.pub
		auth = row.auth
	case tss.EntityDelOwnerBlob:
		var blob tss.DelegateOwnerBlob
		if _, err := mu.UnmarshalFromBytes(value, &blob); err != nil {
			return nil, tss.AuthValue{}, tpmError(tss.ErrorBadDelegate)
		}
		var err error
		if auth, err = d.openOwnerBlob(&blob); err != nil {
			return nil, tss.AuthValue{}, err
		}
		del.pub = blob.Pub
	case tss.EntityDelKeyBlob:
		var blob tss.DelegateKeyBlob
		if _, err := mu.UnmarshalFromBytes(value, &blob); err != nil {
			return nil, tss.AuthValue{}, tpmError(tss.ErrorBadDelegate)
		}
		var err error
		if auth, err = d.openKeyBlob(&blob); err != nil {
			return nil, tss.AuthValue{}, err
		}
		k, err := d.lookupKey(keyHandle)
		if err != nil {
			return nil, tss.AuthValue{}, err
		}
		if k.pubDigest != blob.PubKeyDigest {
			return nil, tss.AuthValue{}, tpmError(tss.ErrorBadDelegate)
		}
		del.pub = blob.Pub
		del.keyDigest = blob.PubKeyDigest
	default:
		return nil, tss.AuthValue{}, tpmError(tss.ErrorWrongEntityType)
	}

	if err := d.checkDelegatePublic(&del.pub); err != nil {
		return nil, tss.AuthValue{}, err
	}
	return &del, auth, nil
}

func (c *commandContext) delegateManage() ([]interface{}, error) {
	var familyID uint32
	var op tss.FamilyOperation
	var opData []byte
	if err := c.unmarshalParams(&familyID, &op, &opData); err != nil {
		return nil, err
	}

	d := c.device
	if err := c.authorizeOwner(0); err != nil {
		return nil, err
	}

	if op == tss.FamilyCreate {
		if len(opData) != 1 {
			return nil, tpmError(tss.ErrorBadParamSize)
		}
		if len(d.families) >= familyRows {
			return nil, tpmError(tss.ErrorNoSpace)
		}
		f := &family{id: d.nextFamilyID, label: opData[0], verificationCount: 1, flags: tss.FamilyFlagEnabled}
		d.nextFamilyID++
		d.families = append(d.families, f)
		return []interface{}{mu.MustMarshalToBytes(f.id)}, nil
	}

	f := d.lookupFamily(familyID)
	if f == nil {
		return nil, tpmError(tss.ErrorBadIndex)
	}
	if f.flags&tss.FamilyFlagAdminLock != 0 {
		return nil, tpmError(tss.ErrorDelegateLock)
	}

	switch op {
	case tss.FamilyEnable, tss.FamilyAdmin:
		if len(opData) != 1 {
			return nil, tpmError(tss.ErrorBadParamSize)
		}
		flag := tss.FamilyFlagEnabled
		if op == tss.FamilyAdmin {
			flag = tss.FamilyFlagAdminLock
		}
		if opData[0] != 0 {
			f.flags |= flag
		} else {
			f.flags &^= flag
		}
	case tss.FamilyInvalidate:
		for i, g := range d.families {
			if g == f {
				d.families = append(d.families[:i], d.families[i+1:]...)
				break
			}
		}
		for i, row := range d.delegates {
			if row != nil && row.pub.FamilyID == f.id {
				d.delegates[i] = nil
			}
		}
	default:
		return nil, tpmError(tss.ErrorBadParameter)
	}
	return []interface{}{[]byte(nil)}, nil
}

// prepareDelegatePublic checks a new delegation against its family, incrementing the
// verification count of the family if requested.
func (d *Device) prepareDelegatePublic(pub *tss.DelegatePublic, increment bool) error {
	f := d.lookupFamily(pub.FamilyID)
	if f == nil {
		return tpmError(tss.ErrorBadParameter)
	}
	if increment {
		f.verificationCount++
	}
	pub.VerificationCount = f.verificationCount
	if info := pub.PCRInfo; info != nil {
		if _, err := d.composite(info.Selection); err != nil {
			return err
		}
	}
	return nil
}

func (c *commandContext) delegateCreateOwnerDelegation() ([]interface{}, error) {
	var increment bool
	var pub tss.DelegatePublic
	var encAuth tss.AuthValue
	if err := c.unmarshalParams(&increment, &pub, &encAuth); err != nil {
		return nil, err
	}

	d := c.device
	if _, err := c.sharedSession(0); err != nil {
		return nil, err
	}
	if err := c.authorizeOwner(0); err != nil {
		return nil, err
	}
	if pub.Permissions.DelegateType != tss.DelegateTypeOwner {
		return nil, tpmError(tss.ErrorBadParameter)
	}
	if err := d.prepareDelegatePublic(&pub, increment); err != nil {
		return nil, err
	}

	auth, _ := c.decryptAuth(encAuth, false)
	blob := tss.DelegateOwnerBlob{
		Tag:       tss.TagDelegateOwnerBlob,
		Pub:       pub,
		Sensitive: d.sealDelegateAuth(&pub, auth)}
	blob.IntegrityDigest = d.ownerBlobIntegrity(&blob)

	return []interface{}{blob}, nil
}

func (c *commandContext) delegateCreateKeyDelegation() ([]interface{}, error) {
	var pub tss.DelegatePublic
	var encAuth tss.AuthValue
	if err := c.unmarshalParams(&pub, &encAuth); err != nil {
		return nil, err
	}

	d := c.device
	k, err := d.lookupKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	if _, err := c.sharedSession(0); err != nil {
		return nil, err
	}
	if err := c.authorize(0, k.entity()); err != nil {
		return nil, err
	}
	if pub.Permissions.DelegateType != tss.DelegateTypeKey {
		return nil, tpmError(tss.ErrorBadParameter)
	}
	if err := d.prepareDelegatePublic(&pub, false); err != nil {
		return nil, err
	}

	auth, _ := c.decryptAuth(encAuth, false)
	blob := tss.DelegateKeyBlob{
		Tag:          tss.TagDelegateKeyBlob,
		Pub:          pub,
		PubKeyDigest: k.pubDigest,
		Sensitive:    d.sealDelegateAuth(&pub, auth)}
	blob.IntegrityDigest = d.keyBlobIntegrity(&blob)

	return []interface{}{blob}, nil
}

func (c *commandContext) delegateLoadOwnerDelegation() ([]interface{}, error) {
	var index uint32
	var blob tss.DelegateOwnerBlob
	if err := c.unmarshalParams(&index, &blob); err != nil {
		return nil, err
	}

	d := c.device
	if err := c.authorizeOwner(0); err != nil {
		return nil, err
	}
	if index >= delegateRows {
		return nil, tpmError(tss.ErrorBadIndex)
	}
	auth, err := d.openOwnerBlob(&blob)
	if err != nil {
		return nil, err
	}
	if d.lookupFamily(blob.Pub.FamilyID) == nil {
		return nil, tpmError(tss.ErrorDelegateFamily)
	}

	d.delegates[index] = &delegateRow{pub: blob.Pub, auth: auth}
	return nil, nil
}

func (c *commandContext) delegateUpdateVerification() ([]interface{}, error) {
	var inputData []byte
	if err := c.unmarshalParams(&inputData); err != nil {
		return nil, err
	}

	d := c.device
	if err := c.authorizeOwner(0); err != nil {
		return nil, err
	}

	if index, ok := beUint32(inputData); ok {
		if index >= delegateRows || d.delegates[index] == nil {
			return nil, tpmError(tss.ErrorBadIndex)
		}
		row := d.delegates[index]
		f := d.lookupFamily(row.pub.FamilyID)
		if f == nil {
			return nil, tpmError(tss.ErrorDelegateFamily)
		}
		row.pub.VerificationCount = f.verificationCount
		return []interface{}{[]byte(nil)}, nil
	}

	if len(inputData) < 2 {
		return nil, tpmError(tss.ErrorBadParameter)
	}
	switch tss.StructTag(binary.BigEndian.Uint16(inputData)) {
	case tss.TagDelegateOwnerBlob:
		var blob tss.DelegateOwnerBlob
		if _, err := mu.UnmarshalFromBytes(inputData, &blob); err != nil {
			return nil, tpmError(tss.ErrorBadParameter)
		}
		auth, err := d.openOwnerBlob(&blob)
		if err != nil {
			return nil, err
		}
		f := d.lookupFamily(blob.Pub.FamilyID)
		if f == nil {
			return nil, tpmError(tss.ErrorDelegateFamily)
		}
		blob.Pub.VerificationCount = f.verificationCount
		blob.Sensitive = d.sealDelegateAuth(&blob.Pub, auth)
		blob.IntegrityDigest = d.ownerBlobIntegrity(&blob)
		return []interface{}{mu.MustMarshalToBytes(&blob)}, nil
	case tss.TagDelegateKeyBlob:
		var blob tss.DelegateKeyBlob
		if _, err := mu.UnmarshalFromBytes(inputData, &blob); err != nil {
			return nil, tpmError(tss.ErrorBadParameter)
		}
		auth, err := d.openKeyBlob(&blob)
		if err != nil {
			return nil, err
		}
		f := d.lookupFamily(blob.Pub.FamilyID)
		if f == nil {
			return nil, tpmError(tss.ErrorDelegateFamily)
		}
		blob.Pub.VerificationCount = f.verificationCount
		blob.Sensitive = d.sealDelegateAuth(&blob.Pub, auth)
		blob.IntegrityDigest = d.keyBlobIntegrity(&blob)
		return []interface{}{mu.MustMarshalToBytes(&blob)}, nil
	default:
		return nil, tpmError(tss.ErrorBadParameter)
	}
}

func (c *commandContext) delegateReadTable() ([]interface{}, error) {
	if err := c.unmarshalParams(); err != nil {
		return nil, err
	}

	d := c.device
	families := make([]tss.FamilyTableEntry, 0, len(d.families))
	for _, f := range d.families {
		families = append(families, tss.FamilyTableEntry{
			FamilyLabel:       f.label,
			FamilyID:          f.id,
			VerificationCount: f.verificationCount,
			Flags:             f.flags})
	}
	sort.Slice(families, func(i, j int) bool { return families[i].FamilyID < families[j].FamilyID })

	delegates := make([]tss.DelegateTableEntry, 0, delegateRows)
	for i, row := range d.delegates {
		if row == nil {
			continue
		}
		delegates = append(delegates, tss.DelegateTableEntry{Index: uint32(i), Pub: row.pub})
	}

	return []interface{}{families, delegates}, nil
}
