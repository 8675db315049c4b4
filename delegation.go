// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/canonical/go-tss/mu"
)

// DelegateFlags modify the behaviour of the delegation commands.
type DelegateFlags uint32

const (
	// DelegateFlagIncrementVerification increments the verification count of the family
	// before creating a delegation, which invalidates every existing delegation in the
	// family until it is updated with TPM.UpdateVerificationCount.
	DelegateFlagIncrementVerification DelegateFlags = 1 << 0

	// DelegateFlagOverwriteExisting permits TPM.CacheOwnerDelegation to replace a row that
	// is in use.
	DelegateFlagOverwriteExisting DelegateFlags = 1 << 1
)

// delegationInfo is the delegation carried by a policy. Before a blob is created, pub holds
// the requested permissions.
type delegationInfo struct {
	pub    DelegatePublic
	owner  *DelegateOwnerBlob
	key    *DelegateKeyBlob
	row    uint32
	hasRow bool
	useRow bool
}

func (d *delegationInfo) public() DelegatePublic {
	return d.pub
}

// blob returns the delegation blob, or an untyped nil if there isn't one.
func (d *delegationInfo) blob() interface{} {
	switch {
	case d.owner != nil:
		return d.owner
	case d.key != nil:
		return d.key
	default:
		return nil
	}
}

// usable indicates whether a DSAP session can be started for this delegation.
func (d *delegationInfo) usable() bool {
	return (d.useRow && d.hasRow) || d.blob() != nil
}

// dsapEntity returns the entity type and value for TPM_DSAP.
func (d *delegationInfo) dsapEntity() (EntityType, []byte) {
	switch {
	case d.useRow && d.hasRow:
		var row [4]byte
		binary.BigEndian.PutUint32(row[:], d.row)
		return EntityDelRow, row[:]
	case d.owner != nil:
		return EntityDelOwnerBlob, mu.MustMarshalToBytes(d.owner)
	default:
		return EntityDelKeyBlob, mu.MustMarshalToBytes(d.key)
	}
}

func parseDelegationBlob(data []byte) (*delegationInfo, error) {
	if len(data) < 2 {
		return nil, errors.New("blob too short")
	}
	switch tag := StructTag(binary.BigEndian.Uint16(data)); tag {
	case TagDelegateOwnerBlob:
		var blob DelegateOwnerBlob
		if _, err := mu.UnmarshalFromBytes(data, &blob); err != nil {
			return nil, fmt.Errorf("cannot unmarshal owner delegation blob: %w", err)
		}
		return &delegationInfo{pub: blob.Pub, owner: &blob}, nil
	case TagDelegateKeyBlob:
		var blob DelegateKeyBlob
		if _, err := mu.UnmarshalFromBytes(data, &blob); err != nil {
			return nil, fmt.Errorf("cannot unmarshal key delegation blob: %w", err)
		}
		return &delegationInfo{pub: blob.Pub, key: &blob}, nil
	default:
		return nil, fmt.Errorf("invalid tag 0x%04x", uint16(tag))
	}
}

// pendingDelegationLocked returns the delegation of this policy, creating an empty one if it
// doesn't have one yet. Called with p.mu held.
func (p *Policy) pendingDelegationLocked() *delegationInfo {
	if p.del == nil {
		p.del = &delegationInfo{}
	}
	return p.del
}

// DelegationFamily represents a family in the family table of the TPM. Delegations belong to
// a family, and are invalidated together when it is disabled or invalidated or when its
// verification count is incremented.
type DelegationFamily struct {
	objectBase

	mu    sync.Mutex
	id    uint32
	label uint8
	valid bool
}

func (f *DelegationFamily) base() *objectBase {
	if f == nil {
		return nil
	}
	return &f.objectBase
}

// Close removes this object from its context. The family isn't invalidated.
func (f *DelegationFamily) Close() error {
	if err := checkValid("Close", f); err != nil {
		return err
	}
	return f.context.removeObject("Close", f)
}

// FamilyID returns the ID of this family.
func (f *DelegationFamily) FamilyID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (t *TPM) delegateManage(op string, familyID uint32, opCode FamilyOperation, opData []byte) ([]byte, error) {
	auth, err := t.authorizeOwner(op, false)
	if err != nil {
		return nil, err
	}
	defer auth.end()

	var retData []byte
	if err := t.context.StartCommand(CommandDelegateManage).
		AddParams(familyID, opCode, opData).
		addAuths(auth).
		Run(&retData); err != nil {
		return nil, err
	}
	return retData, nil
}

// AddDelegationFamily creates a new family in the family table with the specified label.
// This is authorized by the owner. A full table is reported as a *TPMError with the
// ErrorNoSpace code.
func (t *TPM) AddDelegationFamily(label uint8) (*DelegationFamily, error) {
	const op = "AddDelegationFamily"
	if err := checkValid(op, t); err != nil {
		return nil, err
	}

	retData, err := t.delegateManage(op, 0, FamilyCreate, []byte{label})
	if err != nil {
		return nil, err
	}
	if len(retData) != 4 {
		return nil, &InvalidResponseError{Command: CommandDelegateManage, msg: fmt.Sprintf("unexpected family ID length %d", len(retData))}
	}

	f := &DelegationFamily{id: binary.BigEndian.Uint32(retData), label: label, valid: true}
	t.context.addObject(f, ObjectTypeDelegationFamily)
	t.context.logger.WithField("family", f.id).Debug("created delegation family")
	return f, nil
}

func (f *DelegationFamily) manage(op string, opCode FamilyOperation, opData []byte) error {
	if err := checkValid(op, f); err != nil {
		return err
	}
	f.mu.Lock()
	id, valid := f.id, f.valid
	f.mu.Unlock()
	if !valid {
		return newError(ErrorKindInvalidObjectAccess, op, "family has been invalidated")
	}
	_, err := f.context.tpm.delegateManage(op, id, opCode, opData)
	return err
}

// SetEnabled enables or disables the use of delegations in this family. This is authorized
// by the owner.
func (f *DelegationFamily) SetEnabled(enabled bool) error {
	return f.manage("SetEnabled", FamilyEnable, []byte{byte(boolToUint32(enabled))})
}

// SetLocked locks this family so that it can't be modified without the owner secret. This is
// authorized by the owner and can't be undone.
func (f *DelegationFamily) SetLocked() error {
	return f.manage("SetLocked", FamilyAdmin, []byte{1})
}

// Invalidate removes this family from the family table, which invalidates every delegation
// in it. This is authorized by the owner.
func (f *DelegationFamily) Invalidate() error {
	const op = "InvalidateFamily"
	if err := f.manage(op, FamilyInvalidate, nil); err != nil {
		return err
	}
	f.mu.Lock()
	f.valid = false
	f.mu.Unlock()
	return nil
}

// tableEntry returns the row of the family table for this family.
func (f *DelegationFamily) tableEntry(op string) (*FamilyTableEntry, error) {
	f.mu.Lock()
	id, valid := f.id, f.valid
	f.mu.Unlock()
	if !valid {
		return nil, newError(ErrorKindInvalidObjectAccess, op, "family has been invalidated")
	}

	families, _, err := f.context.tpm.ReadDelegationTable()
	if err != nil {
		return nil, err
	}
	for i := range families {
		if families[i].FamilyID == id {
			return &families[i], nil
		}
	}
	return nil, newError(ErrorKindInvalidObjectAccess, op, "family is not in the family table")
}

// VerificationCount returns the current verification count of this family.
func (f *DelegationFamily) VerificationCount() (uint32, error) {
	const op = "VerificationCount"
	if err := checkValid(op, f); err != nil {
		return 0, err
	}
	e, err := f.tableEntry(op)
	if err != nil {
		return 0, err
	}
	return e.VerificationCount, nil
}

// GetAttribUint32 implements Object.GetAttribUint32. The state and verification count are
// read from the family table of the TPM.
func (f *DelegationFamily) GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error) {
	const op = opGetAttribUint32
	if err := checkValid(op, f); err != nil {
		return 0, err
	}

	switch flag {
	case DelFamilyAttribState:
		switch subFlag {
		case DelFamilyStateEnabled, DelFamilyStateLocked:
			e, err := f.tableEntry(op)
			if err != nil {
				return 0, err
			}
			if subFlag == DelFamilyStateEnabled {
				return boolToUint32(e.Flags&FamilyFlagEnabled != 0), nil
			}
			return boolToUint32(e.Flags&FamilyFlagAdminLock != 0), nil
		}
	case DelFamilyAttribInfo:
		switch subFlag {
		case DelFamilyInfoFamilyID:
			return f.FamilyID(), nil
		case DelFamilyInfoLabel:
			f.mu.Lock()
			defer f.mu.Unlock()
			return uint32(f.label), nil
		case DelFamilyInfoVerificationCount:
			e, err := f.tableEntry(op)
			if err != nil {
				return 0, err
			}
			return e.VerificationCount, nil
		}
	default:
		return 0, invalidAttribFlagError(op, ObjectTypeDelegationFamily, flag)
	}
	return 0, invalidAttribSubFlagError(op, ObjectTypeDelegationFamily, flag, subFlag)
}

// SetAttribUint32 implements Object.SetAttribUint32. Setting DelFamilyStateEnabled enables
// or disables the family, and setting DelFamilyStateLocked to a non-zero value locks it.
func (f *DelegationFamily) SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error {
	const op = opSetAttribUint32
	if err := checkValid(op, f); err != nil {
		return err
	}

	switch flag {
	case DelFamilyAttribState:
		switch subFlag {
		case DelFamilyStateEnabled:
			return f.SetEnabled(value != 0)
		case DelFamilyStateLocked:
			if value == 0 {
				return makeInvalidArgError(op, "value", "a family can't be unlocked")
			}
			return f.SetLocked()
		}
	case DelFamilyAttribInfo:
		switch subFlag {
		case DelFamilyInfoFamilyID, DelFamilyInfoLabel, DelFamilyInfoVerificationCount:
			return newError(ErrorKindInvalidObjectAccess, op, "attribute is read only")
		}
	default:
		return invalidAttribFlagError(op, ObjectTypeDelegationFamily, flag)
	}
	return invalidAttribSubFlagError(op, ObjectTypeDelegationFamily, flag, subFlag)
}

// GetAttribData implements Object.GetAttribData. DelegationFamily objects have no data
// attributes.
func (f *DelegationFamily) GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error) {
	if err := checkValid(opGetAttribData, f); err != nil {
		return nil, err
	}
	return nil, invalidAttribFlagError(opGetAttribData, ObjectTypeDelegationFamily, flag)
}

// SetAttribData implements Object.SetAttribData. DelegationFamily objects have no data
// attributes.
func (f *DelegationFamily) SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error {
	if err := checkValid(opSetAttribData, f); err != nil {
		return err
	}
	return invalidAttribFlagError(opSetAttribData, ObjectTypeDelegationFamily, flag)
}

// newDelegatePublic returns the public part of a new delegation in family, with the
// permissions requested on policy.
func (c *Context) newDelegatePublic(op string, typ DelegateType, label uint8, pcrs *PCRComposite, family *DelegationFamily, policy *Policy) (*DelegatePublic, AuthValue, error) {
	if err := c.checkObject(op, family); err != nil {
		return nil, AuthValue{}, err
	}
	if err := c.checkObject(op, policy); err != nil {
		return nil, AuthValue{}, err
	}

	var pcrInfo *PCRInfo
	if pcrs != nil {
		if err := c.checkObject(op, pcrs); err != nil {
			return nil, AuthValue{}, err
		}
		var err error
		if pcrInfo, err = pcrs.pcrInfo(op); err != nil {
			return nil, AuthValue{}, err
		}
	}

	policy.mu.Lock()
	var perms DelegationPermissions
	if policy.del != nil {
		perms = policy.del.pub.Permissions
	}
	policy.mu.Unlock()
	if perms.DelegateType != 0 && perms.DelegateType != typ {
		return nil, AuthValue{}, makeInvalidArgError(op, "policy", "policy requests a different delegation type")
	}
	perms.DelegateType = typ

	delAuth, err := policy.secretForUse(op)
	if err != nil {
		return nil, AuthValue{}, err
	}

	return &DelegatePublic{
		Tag:         TagDelegatePublic,
		RowLabel:    label,
		PCRInfo:     pcrInfo,
		Permissions: perms,
		FamilyID:    family.FamilyID()}, delAuth, nil
}

// CreateOwnerDelegation creates a blob that delegates the owner commands permitted by the
// DelegationPer1 and DelegationPer2 attributes of policy to holders of the secret of policy,
// and stores the blob on policy. Assigning policy to the TPM object then authorizes owner
// commands with the delegation. This is authorized by the owner.
func (t *TPM) CreateOwnerDelegation(label uint8, flags DelegateFlags, pcrs *PCRComposite, family *DelegationFamily, policy *Policy) error {
	const op = "CreateOwnerDelegation"
	if err := checkValid(op, t); err != nil {
		return err
	}
	c := t.context

	pub, delAuth, err := c.newDelegatePublic(op, DelegateTypeOwner, label, pcrs, family, policy)
	if err != nil {
		return err
	}

	auth, err := t.authorizeOwner(op, true)
	if err != nil {
		return err
	}
	defer auth.end()

	var blob DelegateOwnerBlob
	if err := c.StartCommand(CommandDelegateCreateOwnerDelegation).
		AddParams(flags&DelegateFlagIncrementVerification != 0, pub, auth.session.encryptAuth(delAuth, false)).
		addAuths(auth).
		Run(&blob); err != nil {
		return err
	}

	policy.setDelegation(&delegationInfo{pub: blob.Pub, owner: &blob})
	return nil
}

// CreateDelegation creates a blob that delegates the use of this key for the commands
// permitted by the DelegationPer1 attribute of policy to holders of the secret of policy,
// and stores the blob on policy. DelegateFlagIncrementVerification isn't accepted. Assigning policy as the usage policy of this key then
// authorizes commands with the delegation. This requires the usage secret of this key.
func (k *Key) CreateDelegation(label uint8, flags DelegateFlags, pcrs *PCRComposite, family *DelegationFamily, policy *Policy) error {
	const op = "CreateKeyDelegation"
	if err := checkValid(op, k); err != nil {
		return err
	}
	c := k.context
	if flags&DelegateFlagIncrementVerification != 0 {
		return makeInvalidArgError(op, "flags", "the verification count can only be incremented by an owner delegation")
	}

	pub, delAuth, err := c.newDelegatePublic(op, DelegateTypeKey, label, pcrs, family, policy)
	if err != nil {
		return err
	}

	handles, release, err := c.keys.acquire(k)
	if err != nil {
		return err
	}
	defer release()

	auth, err := k.authorizeShared(op, handles[0])
	if err != nil {
		return err
	}
	defer auth.end()

	var blob DelegateKeyBlob
	if err := c.StartCommand(CommandDelegateCreateKeyDelegation).AddHandles(handles[0]).
		AddParams(pub, auth.session.encryptAuth(delAuth, false)).
		addAuths(auth).
		Run(&blob); err != nil {
		return err
	}

	policy.setDelegation(&delegationInfo{pub: blob.Pub, key: &blob})
	return nil
}

// CacheOwnerDelegation loads the owner delegation blob held by policy into row index of the
// delegate table of the TPM. A row that is in use is only replaced with
// DelegateFlagOverwriteExisting. This is authorized by the owner.
func (t *TPM) CacheOwnerDelegation(policy *Policy, index uint32, flags DelegateFlags) error {
	const op = "CacheOwnerDelegation"
	if err := checkValid(op, t); err != nil {
		return err
	}
	c := t.context
	if err := c.checkObject(op, policy); err != nil {
		return err
	}

	policy.mu.Lock()
	var blob *DelegateOwnerBlob
	if policy.del != nil {
		blob = policy.del.owner
	}
	policy.mu.Unlock()
	if blob == nil {
		return makeInvalidArgError(op, "policy", "policy has no owner delegation blob")
	}

	rows, err := t.GetCapabilityProperty(PropertyDelegateRows)
	if err != nil {
		return err
	}
	if index >= rows {
		return makeInvalidArgError(op, "index", fmt.Sprintf("index out of range (%d rows)", rows))
	}

	if flags&DelegateFlagOverwriteExisting == 0 {
		_, delegates, err := t.ReadDelegationTable()
		if err != nil {
			return err
		}
		for _, d := range delegates {
			if d.Index == index {
				return makeInvalidArgError(op, "index", "row is in use")
			}
		}
	}

	auth, err := t.authorizeOwner(op, false)
	if err != nil {
		return err
	}
	defer auth.end()

	if err := c.StartCommand(CommandDelegateLoadOwnerDelegation).
		AddParams(index, blob).
		addAuths(auth).
		Run(); err != nil {
		return err
	}

	policy.mu.Lock()
	defer policy.mu.Unlock()
	d := policy.pendingDelegationLocked()
	d.row = index
	d.hasRow = true
	return nil
}

// UpdateVerificationCount updates the delegation held by policy to the current verification
// count of its family. A blob is replaced by the updated blob returned from the TPM, and a
// cached row is updated in the delegate table. This is authorized by the owner.
func (t *TPM) UpdateVerificationCount(policy *Policy) error {
	const op = "UpdateVerificationCount"
	if err := checkValid(op, t); err != nil {
		return err
	}
	c := t.context
	if err := c.checkObject(op, policy); err != nil {
		return err
	}

	policy.mu.Lock()
	var inputData []byte
	var row uint32
	switch d := policy.del; {
	case d == nil:
	case d.useRow && d.hasRow:
		row = d.row
		inputData = make([]byte, 4)
		binary.BigEndian.PutUint32(inputData, d.row)
	case d.blob() != nil:
		inputData = mu.MustMarshalToBytes(d.blob())
	}
	policy.mu.Unlock()
	if inputData == nil {
		return makeInvalidArgError(op, "policy", "policy has no delegation")
	}

	auth, err := t.authorizeOwner(op, false)
	if err != nil {
		return err
	}
	defer auth.end()

	var outputData []byte
	if err := c.StartCommand(CommandDelegateUpdateVerification).
		AddParams(inputData).
		addAuths(auth).
		Run(&outputData); err != nil {
		return err
	}

	if len(inputData) == 4 {
		_, delegates, err := t.ReadDelegationTable()
		if err != nil {
			return err
		}
		for _, e := range delegates {
			if e.Index == row {
				policy.mu.Lock()
				policy.pendingDelegationLocked().pub = e.Pub
				policy.mu.Unlock()
				break
			}
		}
		return nil
	}

	d, err := parseDelegationBlob(outputData)
	if err != nil {
		return &InvalidResponseError{Command: CommandDelegateUpdateVerification, msg: err.Error()}
	}
	policy.mu.Lock()
	defer policy.mu.Unlock()
	if old := policy.del; old != nil {
		d.row, d.hasRow, d.useRow = old.row, old.hasRow, old.useRow
	}
	policy.del = d
	return nil
}

// ReadDelegationTable returns the rows of the family table and the public parts of the rows
// of the delegate table that are in use. This doesn't require authorization.
func (t *TPM) ReadDelegationTable() (families []FamilyTableEntry, delegates []DelegateTableEntry, err error) {
	const op = "ReadDelegationTable"
	if err := checkValid(op, t); err != nil {
		return nil, nil, err
	}
	if err := t.context.StartCommand(CommandDelegateReadTable).Run(&families, &delegates); err != nil {
		return nil, nil, err
	}
	return families, delegates, nil
}
