// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package mu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"

	"golang.org/x/xerrors"
)

var (
	customMuType reflect.Type = reflect.TypeOf((*customMuIface)(nil)).Elem()
	rawBytesType reflect.Type = reflect.TypeOf(RawBytes(nil))
)

type customMuIface interface {
	CustomMarshaller
	CustomUnmarshaller
}

// CustomMarshaller is implemented by types that require custom marshalling behaviour because they are non-standard and not
// directly supported by the marshalling code. Implementations must also implement the CustomUnmarshaller interface.
type CustomMarshaller interface {
	Marshal(w io.Writer) error
}

// CustomUnmarshaller is implemented by types that require custom unmarshalling behaviour. This interface must be implemented
// by types with a pointer receiver.
type CustomUnmarshaller interface {
	Unmarshal(r Reader) error
}

// RawBytes is a special byte slice type which is marshalled and unmarshalled without a size field. The slice must be
// pre-allocated to the correct length by the caller during unmarshalling.
type RawBytes []byte

type containerNode struct {
	value reflect.Value
	index int
}

type containerStack []containerNode

func (s containerStack) push(node containerNode) containerStack {
	return append(s, node)
}

func (s containerStack) pop() containerStack {
	return s[:len(s)-1]
}

func (s containerStack) String() string {
	str := new(bytes.Buffer)
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i].value.Kind() {
		case reflect.Struct:
			fmt.Fprintf(str, "... %s field %s\n", s[i].value.Type(), s[i].value.Type().Field(s[i].index).Name)
		default:
			fmt.Fprintf(str, "... %s index %d\n", s[i].value.Type(), s[i].index)
		}
	}
	return str.String()
}

// Error is returned from any function in this package to provide context of where an error occurred.
type Error struct {
	// Index indicates the argument on which this error occurred.
	Index int

	Op string

	total    int
	stack    containerStack
	leafType reflect.Type
	err      error
}

func (e *Error) Error() string {
	s := new(bytes.Buffer)
	fmt.Fprintf(s, "cannot %s argument ", e.Op)
	if e.total > 1 {
		fmt.Fprintf(s, "%d ", e.Index)
	}
	fmt.Fprintf(s, "whilst processing element of type %s: %v", e.leafType, e.err)
	if len(e.stack) != 0 {
		fmt.Fprintf(s, "\n\n%s", e.stack)
	}
	return s.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Type returns the type of the value on which this error occurred.
func (e *Error) Type() reflect.Type {
	return e.leafType
}

// Depth returns the depth of the value on which this error occurred.
func (e *Error) Depth() int {
	return len(e.stack)
}

func newError(value reflect.Value, c *context, err error) error {
	if err == io.EOF {
		// All io.EOF is unexpected
		err = io.ErrUnexpectedEOF
	}
	var e *Error
	if xerrors.As(err, &e) {
		return err
	}

	return &Error{
		Index:    c.index,
		Op:       c.mode,
		total:    c.total,
		stack:    append(containerStack(nil), c.stack...),
		leafType: value.Type(),
		err:      err}
}

type options struct {
	sized  bool
	size16 bool
	raw    bool
}

func parseStructFieldMuOptions(f reflect.StructField) (out options) {
	for _, part := range strings.Split(f.Tag.Get("tpm12"), ",") {
		switch part {
		case "sized":
			out.sized = true
		case "size16":
			out.size16 = true
		case "raw":
			out.raw = true
		}
	}
	return
}

type context struct {
	mode    string
	index   int
	total   int
	stack   containerStack
	options options
}

func (c *context) enterStructField(s reflect.Value, i int) (f reflect.Value, exit func()) {
	origOptions := c.options
	c.options = parseStructFieldMuOptions(s.Type().Field(i))
	c.stack = c.stack.push(containerNode{value: s, index: i})

	return s.Field(i), func() {
		c.stack = c.stack.pop()
		c.options = origOptions
	}
}

func (c *context) enterElem(l reflect.Value, i int) (elem reflect.Value, exit func()) {
	origOptions := c.options
	c.options = options{}
	c.stack = c.stack.push(containerNode{value: l, index: i})

	return l.Index(i), func() {
		c.stack = c.stack.pop()
		c.options = origOptions
	}
}

// enterSizedPayload clears the size options so that the payload of a sized value is processed
// as a raw value.
func (c *context) enterSizedPayload(v reflect.Value) (exit func()) {
	origOptions := c.options
	c.options = options{}
	if v.Kind() == reflect.Slice {
		c.options.raw = true
	}
	return func() {
		c.options = origOptions
	}
}

type kind int

const (
	kindUnsupported kind = iota
	kindPrimitive
	kindSized
	kindList
	kindArray
	kindStruct
	kindCustom
	kindRawBytes
)

func muKind(t reflect.Type) kind {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if reflect.PtrTo(t).Implements(customMuType) {
		return kindCustom
	}

	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return kindPrimitive
	case reflect.Slice:
		switch {
		case t == rawBytesType:
			return kindRawBytes
		case t.Elem().Kind() == reflect.Uint8:
			return kindSized
		}
		return kindList
	case reflect.Array:
		return kindArray
	case reflect.Struct:
		return kindStruct
	default:
		return kindUnsupported
	}
}

type marshaller struct {
	*context
	w      io.Writer
	nbytes int
}

func (m *marshaller) Write(p []byte) (n int, err error) {
	n, err = m.w.Write(p)
	m.nbytes += n
	return
}

func (m *marshaller) writeSize(v reflect.Value, size int, size16 bool) error {
	if size16 {
		if size > math.MaxUint16 {
			return newError(v, m.context, errors.New("sized value size greater than 2^16-1"))
		}
		if err := binary.Write(m, binary.BigEndian, uint16(size)); err != nil {
			return newError(v, m.context, err)
		}
		return nil
	}
	if int(uint32(size)) != size {
		return newError(v, m.context, errors.New("sized value size greater than 2^32-1"))
	}
	if err := binary.Write(m, binary.BigEndian, uint32(size)); err != nil {
		return newError(v, m.context, err)
	}
	return nil
}

func (m *marshaller) marshalSized(v reflect.Value) error {
	size16 := m.options.size16
	exit := m.enterSizedPayload(v)
	defer exit()

	switch v.Kind() {
	case reflect.Ptr, reflect.Slice:
	default:
		panic(fmt.Sprintf("invalid sized type: %v", v.Type()))
	}

	if v.IsNil() {
		return m.writeSize(v, 0, size16)
	}

	tmpBuf := new(bytes.Buffer)
	sm := &marshaller{context: m.context, w: tmpBuf}
	if err := sm.marshalValue(v); err != nil {
		return err
	}
	if err := m.writeSize(v, tmpBuf.Len(), size16); err != nil {
		return err
	}
	if _, err := tmpBuf.WriteTo(m); err != nil {
		return newError(v, m.context, err)
	}
	return nil
}

func (m *marshaller) marshalElems(v reflect.Value) error {
	for i := 0; i < v.Len(); i++ {
		elem, exit := m.enterElem(v, i)
		if err := m.marshalValue(elem); err != nil {
			exit()
			return err
		}
		exit()
	}
	return nil
}

func (m *marshaller) marshalRaw(v reflect.Value) error {
	switch {
	case v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
		if _, err := m.Write(v.Bytes()); err != nil {
			return newError(v, m.context, err)
		}
		return nil
	default:
		return m.marshalElems(v)
	}
}

func (m *marshaller) marshalArray(v reflect.Value) error {
	if v.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), v)
		if _, err := m.Write(b); err != nil {
			return newError(v, m.context, err)
		}
		return nil
	}
	return m.marshalElems(v)
}

func (m *marshaller) marshalPtr(v reflect.Value) error {
	p := v
	if v.IsNil() {
		p = reflect.New(v.Type().Elem())
	}
	return m.marshalValue(p.Elem())
}

func (m *marshaller) marshalPrimitive(v reflect.Value) error {
	if err := binary.Write(m, binary.BigEndian, v.Interface()); err != nil {
		return newError(v, m.context, err)
	}
	return nil
}

func (m *marshaller) marshalList(v reflect.Value) error {
	if int(uint32(v.Len())) != v.Len() {
		return newError(v, m.context, errors.New("slice length greater than 2^32-1"))
	}
	if err := binary.Write(m, binary.BigEndian, uint32(v.Len())); err != nil {
		return newError(v, m.context, err)
	}
	return m.marshalElems(v)
}

func (m *marshaller) marshalStruct(v reflect.Value) error {
	for i := 0; i < v.NumField(); i++ {
		f, exit := m.enterStructField(v, i)
		if err := m.marshalValue(f); err != nil {
			exit()
			return err
		}
		exit()
	}
	return nil
}

func (m *marshaller) marshalCustom(v reflect.Value) error {
	switch {
	case v.Kind() != reflect.Ptr:
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		v = p
	case v.IsNil():
		v = reflect.New(v.Type().Elem())
	}
	if err := v.Interface().(CustomMarshaller).Marshal(m); err != nil {
		return newError(v, m.context, err)
	}
	return nil
}

func (m *marshaller) marshalValue(v reflect.Value) error {
	switch {
	case m.options.sized || m.options.size16:
		return m.marshalSized(v)
	case m.options.raw:
		return m.marshalRaw(v)
	}

	if v.Kind() == reflect.Ptr && muKind(v.Type()) != kindCustom {
		return m.marshalPtr(v)
	}

	switch muKind(v.Type()) {
	case kindPrimitive:
		return m.marshalPrimitive(v)
	case kindSized:
		return m.marshalSized(v)
	case kindList:
		return m.marshalList(v)
	case kindArray:
		return m.marshalArray(v)
	case kindStruct:
		return m.marshalStruct(v)
	case kindCustom:
		return m.marshalCustom(v)
	case kindRawBytes:
		return m.marshalRaw(v)
	}

	panic(fmt.Sprintf("cannot marshal unsupported type %s", v.Type()))
}

func (m *marshaller) marshal(vals ...interface{}) (int, error) {
	m.total = len(vals)
	m.nbytes = 0
	for i, v := range vals {
		m.index = i
		if err := m.marshalValue(reflect.ValueOf(v)); err != nil {
			return m.nbytes, err
		}
	}
	return m.nbytes, nil
}

// Reader is an interface that groups the io.Reader interface with an additional method to obtain the remaining number of
// bytes that can be read.
type Reader interface {
	io.Reader
	Len() int
}

type unmarshaller struct {
	*context
	r      io.Reader
	sz     int64
	nbytes int
}

func (u *unmarshaller) Read(p []byte) (n int, err error) {
	n, err = u.r.Read(p)
	u.nbytes += n
	return
}

func (u *unmarshaller) Len() int {
	return int(u.sz - int64(u.nbytes))
}

func startingSizeOfReader(r io.Reader) int64 {
	switch rImpl := r.(type) {
	case *bytes.Reader:
		return int64(rImpl.Len())
	case *bytes.Buffer:
		return int64(rImpl.Len())
	case *io.LimitedReader:
		sz := startingSizeOfReader(rImpl.R)
		if rImpl.N < sz {
			sz = rImpl.N
		}
		return sz
	case Reader:
		return int64(rImpl.Len())
	}
	return 1<<63 - 1
}

func makeUnmarshaller(ctx *context, r io.Reader) *unmarshaller {
	return &unmarshaller{context: ctx, r: r, sz: startingSizeOfReader(r)}
}

func (u *unmarshaller) readSize(v reflect.Value, size16 bool) (int, error) {
	if size16 {
		var size uint16
		if err := binary.Read(u, binary.BigEndian, &size); err != nil {
			return 0, newError(v, u.context, err)
		}
		return int(size), nil
	}
	var size uint32
	if err := binary.Read(u, binary.BigEndian, &size); err != nil {
		return 0, newError(v, u.context, err)
	}
	return int(size), nil
}

func (u *unmarshaller) unmarshalSized(v reflect.Value) error {
	size16 := u.options.size16
	exit := u.enterSizedPayload(v)
	defer exit()

	size, err := u.readSize(v, size16)
	if err != nil {
		return err
	}

	switch {
	case size == 0 && v.Kind() == reflect.Ptr:
		v.Set(reflect.Zero(v.Type()))
		return nil
	case size == 0:
		v.Set(reflect.MakeSlice(v.Type(), 0, 0))
		return nil
	case size > u.Len():
		return newError(v, u.context, fmt.Errorf("sized value has a size of %d bytes which is larger than the %d remaining bytes", size, u.Len()))
	case v.Kind() == reflect.Slice:
		v.Set(reflect.MakeSlice(v.Type(), size, size))
	}

	su := makeUnmarshaller(u.context, io.LimitReader(u, int64(size)))
	if err := su.unmarshalValue(v); err != nil {
		return err
	}
	if su.Len() > 0 {
		return newError(v, u.context, fmt.Errorf("sized value has %d trailing bytes", su.Len()))
	}
	return nil
}

func (u *unmarshaller) unmarshalElems(v reflect.Value) error {
	for i := 0; i < v.Len(); i++ {
		elem, exit := u.enterElem(v, i)
		if err := u.unmarshalValue(elem); err != nil {
			exit()
			return err
		}
		exit()
	}
	return nil
}

func (u *unmarshaller) unmarshalRaw(v reflect.Value) error {
	switch {
	case v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
		if _, err := io.ReadFull(u, v.Bytes()); err != nil {
			return newError(v, u.context, err)
		}
		return nil
	default:
		return u.unmarshalElems(v)
	}
}

func (u *unmarshaller) unmarshalArray(v reflect.Value) error {
	if v.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, v.Len())
		if _, err := io.ReadFull(u, b); err != nil {
			return newError(v, u.context, err)
		}
		reflect.Copy(v, reflect.ValueOf(b))
		return nil
	}
	return u.unmarshalElems(v)
}

func (u *unmarshaller) unmarshalPtr(v reflect.Value) error {
	if v.IsNil() {
		v.Set(reflect.New(v.Type().Elem()))
	}
	return u.unmarshalValue(v.Elem())
}

func (u *unmarshaller) unmarshalPrimitive(v reflect.Value) error {
	if err := binary.Read(u, binary.BigEndian, v.Addr().Interface()); err != nil {
		return newError(v, u.context, err)
	}
	return nil
}

func (u *unmarshaller) unmarshalList(v reflect.Value) error {
	var length uint32
	if err := binary.Read(u, binary.BigEndian, &length); err != nil {
		return newError(v, u.context, err)
	}
	// Every element occupies at least one byte, so a count larger than the
	// remaining bytes can't be valid.
	if int64(length) > int64(u.Len()) {
		return newError(v, u.context, fmt.Errorf("list length of %d is larger than the %d remaining bytes", length, u.Len()))
	}

	v.Set(reflect.MakeSlice(v.Type(), int(length), int(length)))
	return u.unmarshalElems(v)
}

func (u *unmarshaller) unmarshalStruct(v reflect.Value) error {
	for i := 0; i < v.NumField(); i++ {
		elem, exit := u.enterStructField(v, i)
		if err := u.unmarshalValue(elem); err != nil {
			exit()
			return err
		}
		exit()
	}
	return nil
}

func (u *unmarshaller) unmarshalCustom(v reflect.Value) error {
	if v.Kind() != reflect.Ptr {
		v = v.Addr()
	} else if v.IsNil() {
		v.Set(reflect.New(v.Type().Elem()))
	}
	if err := v.Interface().(CustomUnmarshaller).Unmarshal(u); err != nil {
		return newError(v, u.context, err)
	}
	return nil
}

func (u *unmarshaller) unmarshalValue(v reflect.Value) error {
	switch {
	case u.options.sized || u.options.size16:
		return u.unmarshalSized(v)
	case u.options.raw:
		return u.unmarshalRaw(v)
	}

	if v.Kind() == reflect.Ptr && muKind(v.Type()) != kindCustom {
		return u.unmarshalPtr(v)
	}

	switch muKind(v.Type()) {
	case kindPrimitive:
		return u.unmarshalPrimitive(v)
	case kindSized:
		return u.unmarshalSized(v)
	case kindList:
		return u.unmarshalList(v)
	case kindArray:
		return u.unmarshalArray(v)
	case kindStruct:
		return u.unmarshalStruct(v)
	case kindCustom:
		return u.unmarshalCustom(v)
	case kindRawBytes:
		return u.unmarshalRaw(v)
	}

	panic(fmt.Sprintf("cannot unmarshal unsupported type %s", v.Type()))
}

func (u *unmarshaller) unmarshal(vals ...interface{}) (int, error) {
	u.total = len(vals)
	u.nbytes = 0
	for i, v := range vals {
		u.index = i
		if err := u.unmarshalValue(reflect.ValueOf(v).Elem()); err != nil {
			return u.nbytes, err
		}
	}
	return u.nbytes, nil
}

// MarshalToWriter marshals vals to w in the TPM 1.2 wire format, according to the rules specified in the package description.
// A nil pointer encountered during marshalling causes the zero value for the type to be marshalled, except for sized
// structures where it is marshalled as a zero size.
//
// The number of bytes written to w are returned. If this function does not complete successfully, it will return an error and
// the number of bytes written.
func MarshalToWriter(w io.Writer, vals ...interface{}) (int, error) {
	m := &marshaller{context: &context{mode: "marshal"}, w: w}
	return m.marshal(vals...)
}

// MarshalToBytes marshals vals to the TPM 1.2 wire format, according to the rules specified in the package description.
func MarshalToBytes(vals ...interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := MarshalToWriter(buf, vals...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshalToBytes is the same as MarshalToBytes, except that it panics if it encounters an error.
func MustMarshalToBytes(vals ...interface{}) []byte {
	b, err := MarshalToBytes(vals...)
	if err != nil {
		panic(err)
	}
	return b
}

// UnmarshalFromReader unmarshals data in the TPM 1.2 wire format from r to vals, according to the rules specified in the
// package description. The values supplied to this function must be pointers to the destination values.
//
// The number of bytes read from r are returned. If this function does not complete successfully, it will return an error and
// the number of bytes read. In this case, partial results may have been unmarshalled to the supplied destination values.
func UnmarshalFromReader(r io.Reader, vals ...interface{}) (int, error) {
	for _, val := range vals {
		v := reflect.ValueOf(val)
		if v.Kind() != reflect.Ptr {
			panic(fmt.Sprintf("cannot unmarshal to non-pointer type %s", v.Type()))
		}
		if v.IsNil() {
			panic(fmt.Sprintf("cannot unmarshal to nil pointer of type %s", v.Type()))
		}
	}

	return makeUnmarshaller(&context{mode: "unmarshal"}, r).unmarshal(vals...)
}

// UnmarshalFromBytes unmarshals data in the TPM 1.2 wire format from b to vals. If successful, this function returns the
// number of bytes consumed from b.
func UnmarshalFromBytes(b []byte, vals ...interface{}) (int, error) {
	return UnmarshalFromReader(bytes.NewReader(b), vals...)
}

// CopyValue copies the value of src to dst by serializing it to the TPM 1.2 wire format and deserializing it again.
func CopyValue(dst, src interface{}) error {
	buf := new(bytes.Buffer)
	if _, err := MarshalToWriter(buf, src); err != nil {
		return err
	}
	_, err := UnmarshalFromReader(buf, dst)
	return err
}
