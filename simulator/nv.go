// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"github.com/canonical/go-tss"
)

type nvSpace struct {
	pub  tss.NVDataPublic
	auth tss.AuthValue
	data []byte
}

func (d *Device) lookupNV(index uint32) (*nvSpace, error) {
	space, ok := d.nv[index]
	if !ok {
		return nil, tpmError(tss.ErrorBadIndex)
	}
	return space, nil
}

func (s *nvSpace) checkRange(offset, size uint32) error {
	if uint64(offset)+uint64(size) > uint64(len(s.data)) {
		return tpmError(tss.ErrorNoSpace)
	}
	return nil
}

func (c *commandContext) nvDefineSpace() ([]interface{}, error) {
	var pub tss.NVDataPublic
	var encAuth tss.AuthValue
	if err := c.unmarshalParams(&pub, &encAuth); err != nil {
		return nil, err
	}

	d := c.device
	if _, err := c.sharedSession(0); err != nil {
		return nil, err
	}
	if err := c.authorizeOwner(0); err != nil {
		return nil, err
	}

	_, exists := d.nv[pub.Index]
	if pub.DataSize == 0 {
		if !exists {
			return nil, tpmError(tss.ErrorBadIndex)
		}
		delete(d.nv, pub.Index)
		return nil, nil
	}
	if exists {
		return nil, tpmError(tss.ErrorBadIndex)
	}
	if pub.DataSize > maxNVSize {
		return nil, tpmError(tss.ErrorNoSpace)
	}

	auth, _ := c.decryptAuth(encAuth, false)
	space := &nvSpace{pub: pub, auth: auth, data: make([]byte, pub.DataSize)}
	for i := range space.data {
		space.data[i] = 0xff
	}
	d.nv[pub.Index] = space
	return nil, nil
}

// authorizeNV verifies the authorization for accessing space. Spaces that require the
// secret of the space can only be accessed with the Auth variants of the commands.
func (c *commandContext) authorizeNV(space *nvSpace, authPerm, ownerPerm uint32, withAuth bool) error {
	perm := space.pub.Permission
	switch {
	case withAuth:
		if perm&authPerm == 0 {
			return tpmError(tss.ErrorNoNVPermission)
		}
		return c.authorize(0, &entity{typ: tss.EntityNV, value: space.pub.Index, secret: space.auth})
	case perm&authPerm != 0:
		return tpmError(tss.ErrorNoNVPermission)
	case perm&ownerPerm != 0:
		if !c.hasAuth(0) {
			return tpmError(tss.ErrorNoNVPermission)
		}
		return c.authorizeOwner(0)
	default:
		return nil
	}
}

func (c *commandContext) nvWrite(withAuth bool) ([]interface{}, error) {
	var index, offset uint32
	var data []byte
	if err := c.unmarshalParams(&index, &offset, &data); err != nil {
		return nil, err
	}

	space, err := c.device.lookupNV(index)
	if err != nil {
		return nil, err
	}
	if err := c.authorizeNV(space, tss.NVPerAuthWrite, tss.NVPerOwnerWrite, withAuth); err != nil {
		return nil, err
	}
	if err := space.checkRange(offset, uint32(len(data))); err != nil {
		return nil, err
	}

	copy(space.data[offset:], data)
	return nil, nil
}

func (c *commandContext) nvWriteValue() ([]interface{}, error) {
	return c.nvWrite(false)
}

func (c *commandContext) nvWriteValueAuth() ([]interface{}, error) {
	return c.nvWrite(true)
}

func (c *commandContext) nvRead(withAuth bool) ([]interface{}, error) {
	var index, offset, size uint32
	if err := c.unmarshalParams(&index, &offset, &size); err != nil {
		return nil, err
	}

	space, err := c.device.lookupNV(index)
	if err != nil {
		return nil, err
	}
	if err := c.authorizeNV(space, tss.NVPerAuthRead, tss.NVPerOwnerRead, withAuth); err != nil {
		return nil, err
	}
	if err := space.checkRange(offset, size); err != nil {
		return nil, err
	}

	out := make([]byte, size)
	copy(out, space.data[offset:])
	return []interface{}{out}, nil
}

func (c *commandContext) nvReadValue() ([]interface{}, error) {
	return c.nvRead(false)
}

func (c *commandContext) nvReadValueAuth() ([]interface{}, error) {
	return c.nvRead(true)
}
