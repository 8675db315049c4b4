// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"fmt"
	"sort"
	"sync"

	"github.com/canonical/go-tss/mu"
)

// PCRComposite is a selection of PCRs along with the values that they are expected to have.
// It is used to bind keys and sealed data to a platform state. A selected PCR that has no
// expected value takes the current value from the TPM when the composite is used.
type PCRComposite struct {
	objectBase

	mu     sync.Mutex
	values map[int]*Digest
}

func (p *PCRComposite) base() *objectBase {
	if p == nil {
		return nil
	}
	return &p.objectBase
}

// CreatePCRComposite creates a new empty PCR composite.
func (c *Context) CreatePCRComposite() (*PCRComposite, error) {
	if err := c.checkOpen("CreatePCRComposite"); err != nil {
		return nil, err
	}
	p := &PCRComposite{values: make(map[int]*Digest)}
	c.addObject(p, ObjectTypePCRComposite)
	return p, nil
}

// Close removes this composite from its context.
func (p *PCRComposite) Close() error {
	if err := checkValid("Close", p); err != nil {
		return err
	}
	return p.context.removeObject("Close", p)
}

func checkPCRIndex(op string, index int) error {
	if index < 0 || index >= NumPCRs {
		return makeInvalidArgError(op, "index", fmt.Sprintf("invalid PCR index %d", index))
	}
	return nil
}

// SelectPcrIndex adds the specified PCR to the selection.
func (p *PCRComposite) SelectPcrIndex(index int) error {
	const op = "SelectPcrIndex"
	if err := checkValid(op, p); err != nil {
		return err
	}
	if err := checkPCRIndex(op, index); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.values[index]; !exists {
		p.values[index] = nil
	}
	return nil
}

// SetPcrValue selects the specified PCR and sets its expected value.
func (p *PCRComposite) SetPcrValue(index int, value []byte) error {
	const op = "SetPcrValue"
	if err := checkValid(op, p); err != nil {
		return err
	}
	if err := checkPCRIndex(op, index); err != nil {
		return err
	}
	var d Digest
	if len(value) != len(d) {
		return makeInvalidArgError(op, "value", fmt.Sprintf("invalid length (%d bytes)", len(value)))
	}
	copy(d[:], value)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[index] = &d
	return nil
}

// GetPcrValue returns the expected value of the specified PCR, which must be selected. If
// no value has been set, the current value is read from the TPM.
func (p *PCRComposite) GetPcrValue(index int) ([]byte, error) {
	const op = "GetPcrValue"
	if err := checkValid(op, p); err != nil {
		return nil, err
	}
	if err := checkPCRIndex(op, index); err != nil {
		return nil, err
	}

	p.mu.Lock()
	v, selected := p.values[index]
	p.mu.Unlock()

	switch {
	case !selected:
		return nil, makeInvalidArgError(op, "index", fmt.Sprintf("PCR %d is not selected", index))
	case v != nil:
		return v[:], nil
	}

	d, err := p.context.pcrRead(index)
	if err != nil {
		return nil, err
	}
	return d[:], nil
}

// Selection returns the selected PCRs.
func (p *PCRComposite) Selection() PCRSelection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return NewPCRSelection(p.indicesLocked()...)
}

func (p *PCRComposite) indicesLocked() (out []int) {
	for i := range p.values {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// compositeData returns the selection and the expected values, reading the values that
// haven't been set from the TPM.
func (p *PCRComposite) compositeData(op string) (*PCRCompositeData, error) {
	p.mu.Lock()
	indices := p.indicesLocked()
	values := make([]*Digest, len(indices))
	for i, index := range indices {
		values[i] = p.values[index]
	}
	p.mu.Unlock()

	if len(indices) == 0 {
		return nil, makeInvalidArgError(op, "pcrs", "no PCRs are selected")
	}

	data := &PCRCompositeData{Selection: NewPCRSelection(indices...)}
	for i, index := range indices {
		v := values[i]
		if v == nil {
			d, err := p.context.pcrRead(index)
			if err != nil {
				return nil, err
			}
			v = &d
		}
		data.Values = append(data.Values, v[:]...)
	}
	return data, nil
}

// Digest returns the composite hash of the expected values.
func (p *PCRComposite) Digest() (Digest, error) {
	const op = "PCRCompositeDigest"
	if err := checkValid(op, p); err != nil {
		return Digest{}, err
	}
	data, err := p.compositeData(op)
	if err != nil {
		return Digest{}, err
	}
	return data.Digest(), nil
}

func (p *PCRComposite) pcrInfo(op string) (*PCRInfo, error) {
	data, err := p.compositeData(op)
	if err != nil {
		return nil, err
	}
	return &PCRInfo{Selection: data.Selection, DigestAtRelease: data.Digest()}, nil
}

// marshalPCRInfo returns the marshalled form of info for commands that take it as a sized
// parameter. A nil info is marshalled as an empty parameter.
func marshalPCRInfo(info *PCRInfo) []byte {
	if info == nil {
		return nil
	}
	return mu.MustMarshalToBytes(info)
}

// checkCurrentValues returns an ErrorKindPCRMismatch error if any expected value differs
// from the current value on the TPM.
func (p *PCRComposite) checkCurrentValues(op string) error {
	p.mu.Lock()
	expected := make(map[int]Digest)
	for i, v := range p.values {
		if v != nil {
			expected[i] = *v
		}
	}
	p.mu.Unlock()

	for i, v := range expected {
		current, err := p.context.pcrRead(i)
		if err != nil {
			return err
		}
		if current != v {
			return newError(ErrorKindPCRMismatch, op, fmt.Sprintf("PCR %d does not have the expected value", i))
		}
	}
	return nil
}

// GetAttribUint32 implements Object.GetAttribUint32. PCRCompositeInfoSelection returns the
// number of selected PCRs.
func (p *PCRComposite) GetAttribUint32(flag AttribFlag, subFlag AttribSubFlag) (uint32, error) {
	if err := checkValid(opGetAttribUint32, p); err != nil {
		return 0, err
	}
	if flag != PCRCompositeAttribInfo {
		return 0, invalidAttribFlagError(opGetAttribUint32, ObjectTypePCRComposite, flag)
	}
	if subFlag != PCRCompositeInfoSelection {
		return 0, invalidAttribSubFlagError(opGetAttribUint32, ObjectTypePCRComposite, flag, subFlag)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(len(p.values)), nil
}

// SetAttribUint32 implements Object.SetAttribUint32. There are no settable numeric
// attributes.
func (p *PCRComposite) SetAttribUint32(flag AttribFlag, subFlag AttribSubFlag, value uint32) error {
	if err := checkValid(opSetAttribUint32, p); err != nil {
		return err
	}
	if flag != PCRCompositeAttribInfo {
		return invalidAttribFlagError(opSetAttribUint32, ObjectTypePCRComposite, flag)
	}
	return invalidAttribSubFlagError(opSetAttribUint32, ObjectTypePCRComposite, flag, subFlag)
}

// GetAttribData implements Object.GetAttribData.
func (p *PCRComposite) GetAttribData(flag AttribFlag, subFlag AttribSubFlag) ([]byte, error) {
	if err := checkValid(opGetAttribData, p); err != nil {
		return nil, err
	}
	if flag != PCRCompositeAttribInfo {
		return nil, invalidAttribFlagError(opGetAttribData, ObjectTypePCRComposite, flag)
	}
	switch subFlag {
	case PCRCompositeInfoSelection:
		return mu.MustMarshalToBytes(p.Selection()), nil
	case PCRCompositeInfoCompositeHash:
		d, err := p.Digest()
		if err != nil {
			return nil, err
		}
		return d[:], nil
	default:
		return nil, invalidAttribSubFlagError(opGetAttribData, ObjectTypePCRComposite, flag, subFlag)
	}
}

// SetAttribData implements Object.SetAttribData. Setting PCRCompositeInfoSelection with a
// marshalled selection adds the selected PCRs.
func (p *PCRComposite) SetAttribData(flag AttribFlag, subFlag AttribSubFlag, data []byte) error {
	if err := checkValid(opSetAttribData, p); err != nil {
		return err
	}
	if flag != PCRCompositeAttribInfo {
		return invalidAttribFlagError(opSetAttribData, ObjectTypePCRComposite, flag)
	}
	if subFlag != PCRCompositeInfoSelection {
		return invalidAttribSubFlagError(opSetAttribData, ObjectTypePCRComposite, flag, subFlag)
	}

	var sel PCRSelection
	if _, err := mu.UnmarshalFromBytes(data, &sel); err != nil {
		return makeInvalidArgError(opSetAttribData, "data", fmt.Sprintf("cannot unmarshal selection: %v", err))
	}
	for _, i := range sel.Indices() {
		if err := p.SelectPcrIndex(i); err != nil {
			return err
		}
	}
	return nil
}
