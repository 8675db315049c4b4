// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"fmt"
	"reflect"

	"golang.org/x/xerrors"
	. "gopkg.in/check.v1"

	"github.com/canonical/go-tss"
)

type inSliceChecker struct {
	sub Checker
}

func (checker *inSliceChecker) Info() *CheckerInfo {
	info := *checker.sub.Info()
	info.Name = "InSlice(" + info.Name + ")"
	info.Params = append([]string{}, info.Params...)
	if len(info.Params) == 2 {
		info.Params[1] = "[]" + info.Params[1]
	} else {
		info.Params = append(info.Params, "[]expected")
	}
	return &info
}

func (checker *inSliceChecker) Check(params []interface{}, names []string) (result bool, error string) {
	slice := reflect.ValueOf(params[1])
	if slice.Kind() != reflect.Slice {
		return false, names[1] + " is not a slice"
	}

	for i := 0; i < slice.Len(); i++ {
		if result, _ := checker.sub.Check([]interface{}{params[0], slice.Index(i).Interface()}, names); result {
			return true, ""
		}
	}
	return false, ""
}

// InSlice determines whether a value is contained in the provided slice, using
// the specified checker.
//
// For example:
//
//	c.Check(value, InSlice(Equals), []int{1, 2, 3})
func InSlice(checker Checker) Checker {
	return &inSliceChecker{checker}
}

type isTrueChecker struct {
	*CheckerInfo
}

// IsTrue determines whether a boolean value is true.
var IsTrue Checker = &isTrueChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"value"}}}

func (checker *isTrueChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value, ok := params[0].(bool)
	if !ok {
		return false, names[0] + " is not a bool"
	}
	return value, ""
}

type isFalseChecker struct {
	*CheckerInfo
}

// IsFalse determines whether a boolean value is false.
var IsFalse Checker = &isFalseChecker{
	&CheckerInfo{Name: "IsFalse", Params: []string{"value"}}}

func (checker *isFalseChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value, ok := params[0].(bool)
	if !ok {
		return false, names[0] + " is not a bool"
	}
	return !value, ""
}

type errorIsChecker struct {
	*CheckerInfo
}

// ErrorIs determines whether any error in a chain has a specific
// value, using xerrors.Is
//
// For example:
//
//	c.Check(err, ErrorIs, io.EOF)
var ErrorIs Checker = &errorIsChecker{
	&CheckerInfo{Name: "ErrorIs", Params: []string{"value", "expected"}}}

func (checker *errorIsChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}

	expected, ok := params[1].(error)
	if !ok {
		return false, "expected is not an error"
	}

	return xerrors.Is(err, expected), ""
}

type errorAsChecker struct {
	*CheckerInfo
}

// ErrorAs determines whether any error in a chain has a specific
// type, using xerrors.As.
//
// For example:
//
//	var e *tss.TPMError
//	c.Check(err, ErrorAs, &e)
//	c.Check(e.Code, Equals, tss.ErrorAuthFail)
var ErrorAs Checker = &errorAsChecker{
	&CheckerInfo{Name: "ErrorAs", Params: []string{"value", "target"}}}

func (checker *errorAsChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}

	return xerrors.As(err, params[1]), ""
}

type isTPMErrorChecker struct {
	*CheckerInfo
}

// IsTPMError determines whether any error in a chain is a *tss.TPMError with the
// expected code, for any command.
//
// For example:
//
//	c.Check(err, IsTPMError, tss.ErrorAuthFail)
var IsTPMError Checker = &isTPMErrorChecker{
	&CheckerInfo{Name: "IsTPMError", Params: []string{"value", "code"}}}

func (checker *isTPMErrorChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}
	code, ok := params[1].(tss.ErrorCode)
	if !ok {
		return false, "code is not a tss.ErrorCode"
	}

	var e *tss.TPMError
	if !xerrors.As(err, &e) {
		return false, "value is not a TPM error"
	}
	if e.Code != code {
		return false, fmt.Sprintf("TPM error code is %v", e.Code)
	}
	return true, ""
}

type isErrorKindChecker struct {
	*CheckerInfo
}

// IsErrorKind determines whether any error in a chain is a *tss.Error of the expected kind.
//
// For example:
//
//	c.Check(err, IsErrorKind, tss.ErrorKindPolicyNoSecret)
var IsErrorKind Checker = &isErrorKindChecker{
	&CheckerInfo{Name: "IsErrorKind", Params: []string{"value", "kind"}}}

func (checker *isErrorKindChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}
	kind, ok := params[1].(tss.ErrorKind)
	if !ok {
		return false, "kind is not a tss.ErrorKind"
	}

	var e *tss.Error
	if !xerrors.As(err, &e) {
		return false, "value is not a *tss.Error"
	}
	if e.Kind != kind {
		return false, fmt.Sprintf("error kind is %v", e.Kind)
	}
	return true, ""
}
