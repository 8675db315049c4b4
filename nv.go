// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"sync"
)

// NVStore represents an index in the non-volatile storage of the TPM. The index, its
// permissions and its size are set with attributes before the space is defined. Spaces
// with NVPerAuthRead or NVPerAuthWrite are authorized with the secret from the usage policy
// of this object, and spaces with NVPerOwnerRead or NVPerOwnerWrite with the owner secret.
type NVStore struct {
	objectBase

	mu          sync.Mutex
	policy      *Policy
	index       uint32
	permissions uint32
	dataSize    uint32
}

func (n *NVStore) base() *objectBase {
	if n == nil {
		return nil
	}
	return &n.objectBase
}

// CreateNVStore creates a new NVStore object with no index. The context default policy is
// assigned as its usage policy.
func (c *Context) CreateNVStore() (*NVStore, error) {
	if err := c.checkOpen("CreateNVStore"); err != nil {
		return nil, err
	}
	n := &NVStore{policy: c.defaultPolicy}
	c.addObject(n, ObjectTypeNVStore)
	return n, nil
}

// Close removes this object from its context. The space isn't released.
func (n *NVStore) Close() error {
	if err := checkValid("Close", n); err != nil {
		return err
	}
	return n.context.removeObject("Close", n)
}

func (n *NVStore) setPolicy(p *Policy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy = p
}

func (n *NVStore) public() (NVDataPublic, *Policy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NVDataPublic{Index: n.index, Permission: n.permissions, DataSize: n.dataSize}, n.policy
}

func (n *NVStore) checkIndex(op string, pub *NVDataPublic) error {
	if pub.Index == 0 {
		return makeInvalidArgError(op, "index", "no index has been set")
	}
	return nil
}

// DefineSpace defines the space on the TPM. This is authorized by the owner. The usage
// secret of the space comes from the usage policy of this object.
func (n *NVStore) DefineSpace() error {
	const op = "DefineSpace"
	if err := checkValid(op, n); err != nil {
		return err
	}

	pub, policy := n.public()
	if err := n.checkIndex(op, &pub); err != nil {
		return err
	}
	if pub.DataSize == 0 {
		return makeInvalidArgError(op, "size", "no size has been set")
	}

	var nvAuth AuthValue
	if pub.Permission&(NVPerAuthRead|NVPerAuthWrite) != 0 {
		if policy == nil {
			return newError(ErrorKindPolicyNoSecret, op, "no usage policy is assigned")
		}
		var err error
		nvAuth, err = policy.secretForUse(op)
		if err != nil {
			return err
		}
	}

	return n.defineSpace(op, &pub, nvAuth)
}

// ReleaseSpace releases the space on the TPM. This is authorized by the owner.
func (n *NVStore) ReleaseSpace() error {
	const op = "ReleaseSpace"
	if err := checkValid(op, n); err != nil {
		return err
	}

	pub, _ := n.public()
	if err := n.checkIndex(op, &pub); err != nil {
		return err
	}
	pub.DataSize = 0
	return n.defineSpace(op, &pub, AuthValue{})
}

func (n *NVStore) defineSpace(op string, pub *NVDataPublic, nvAuth AuthValue) error {
	c := n.context

	auth, err := c.tpm.authorizeOwner(op, true)
	if err != nil {
		return err
	}
	defer auth.end()

	return c.StartCommand(CommandNVDefineSpace).
		AddParams(pub, auth.session.encryptAuth(nvAuth, false)).
		addAuths(auth).
		Run()
}

// authorizeAccess returns the authorization for reading or writing the space, which is nil
// if the space doesn't require authorization.
func (n *NVStore) authorizeAccess(op string, write bool) (CommandCode, *commandAuth, error) {
	c := n.context
	pub, policy := n.public()

	authPerm, ownerPerm := NVPerAuthRead, NVPerOwnerRead
	authCmd, cmd := CommandNVReadValueAuth, CommandNVReadValue
	if write {
		authPerm, ownerPerm = NVPerAuthWrite, NVPerOwnerWrite
		authCmd, cmd = CommandNVWriteValueAuth, CommandNVWriteValue
	}

	switch {
	case pub.Permission&authPerm != 0:
		auth, err := c.authorize(op, policy, authEntity{EntityNV, pub.Index}, false)
		return authCmd, auth, err
	case pub.Permission&ownerPerm != 0:
		auth, err := c.tpm.authorizeOwner(op, false)
		return cmd, auth, err
	default:
		return cmd, nil, nil
	}
}

// WriteValue writes data to the space at the specified offset.
func (n *NVStore) WriteValue(offset uint32, data []byte) error {
	const op = "WriteValue"
	if err := checkValid(op, n); err != nil {
		return err
	}
	pub, _ := n.public()
	if err := n.checkIndex(op, &pub); err != nil {
		return err
	}

	code, auth, err := n.authorizeAccess(op, true)
	if err != nil {
		return err
	}
	defer auth.end()

	return n.context.StartCommand(code).
		AddParams(pub.Index, offset, data).
		addAuths(auth).
		Run()
}

// ReadValue reads length bytes from the space at the specified offset.
func (n *NVStore) ReadValue(offset, length uint32) ([]byte, error) {
	const op = "ReadValue"
	if err := checkValid(op, n); err != nil {
		return nil, err
	}
	pub, _ := n.public()
	if err := n.checkIndex(op, &pub); err != nil {
		return nil, err
	}

	code, auth, err := n.authorizeAccess(op, false)
	if err != nil {
		return nil, err
	}
	defer auth.end()

	var data []byte
	if err := n.context.StartCommand(code).
		AddParams(pub.Index, offset, length).
		addAuths(auth).
		Run(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func (n *NVStore) attribField(flag AttribFlag) *uint32 {
	switch flag {
	case NVAttribIndex:
		return &n.index
	case NVAttribPermissions:
		return &n.permissions
	case NVAttribDataSize:
		return &n.dataSize
	default:
		return nil
	}
}

// GetAttribUint32 implements Object.GetAttribUint32. Each attribute has a single sub-flag
// of zero.
func (n *NVStore) GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error) {
	if err := checkValid(opGetAttribUint32, n); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	f := n.attribField(flag)
	switch {
	case f == nil:
		return 0, invalidAttribFlagError(opGetAttribUint32, ObjectTypeNVStore, flag)
	case subFlag != 0:
		return 0, invalidAttribSubFlagError(opGetAttribUint32, ObjectTypeNVStore, flag, subFlag)
	}
	return *f, nil
}

// SetAttribUint32 implements Object.SetAttribUint32.
func (n *NVStore) SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error {
	if err := checkValid(opSetAttribUint32, n); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	f := n.attribField(flag)
	switch {
	case f == nil:
		return invalidAttribFlagError(opSetAttribUint32, ObjectTypeNVStore, flag)
	case subFlag != 0:
		return invalidAttribSubFlagError(opSetAttribUint32, ObjectTypeNVStore, flag, subFlag)
	}
	*f = value
	return nil
}

// GetAttribData implements Object.GetAttribData. NVStore objects have no data attributes.
func (n *NVStore) GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error) {
	if err := checkValid(opGetAttribData, n); err != nil {
		return nil, err
	}
	return nil, invalidAttribFlagError(opGetAttribData, ObjectTypeNVStore, flag)
}

// SetAttribData implements Object.SetAttribData. NVStore objects have no data attributes.
func (n *NVStore) SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error {
	if err := checkValid(opSetAttribData, n); err != nil {
		return err
	}
	return invalidAttribFlagError(opSetAttribData, ObjectTypeNVStore, flag)
}
