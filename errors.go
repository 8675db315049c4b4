// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"bytes"
	"fmt"

	"golang.org/x/xerrors"
)

const (
	// AnyCommandCode is used to match any command code when using {As,Is}TPMError, {As,Is}TPMWarning and
	// {As,Is}TPMVendorError.
	AnyCommandCode CommandCode = 0xc0000000

	// AnyErrorCode is used to match any error code when using {As,Is}TPMError.
	AnyErrorCode ErrorCode = 0xffffffff

	// AnyWarningCode is used to match any warning code when using {As,Is}TPMWarning.
	AnyWarningCode WarningCode = 0xffffffff

	// AnyErrorKind is used to match any error kind when using {As,Is}Error.
	AnyErrorKind ErrorKind = -1
)

// ErrorCode represents a fatal error code from a TPM 1.2 device.
type ErrorCode ResponseCode

const (
	ErrorAuthFail           ErrorCode = 0x01 // TPM_AUTHFAIL
	ErrorBadIndex           ErrorCode = 0x02 // TPM_BADINDEX
	ErrorBadParameter       ErrorCode = 0x03 // TPM_BAD_PARAMETER
	ErrorDisabled           ErrorCode = 0x07 // TPM_DISABLED
	ErrorDisabledCmd        ErrorCode = 0x08 // TPM_DISABLED_CMD
	ErrorFail               ErrorCode = 0x09 // TPM_FAIL
	ErrorBadOrdinal         ErrorCode = 0x0a // TPM_BAD_ORDINAL
	ErrorInvalidKeyHandle   ErrorCode = 0x0c // TPM_INVALID_KEYHANDLE
	ErrorKeyNotFound        ErrorCode = 0x0d // TPM_KEYNOTFOUND
	ErrorInappropriateEnc   ErrorCode = 0x0e // TPM_INAPPROPRIATE_ENC
	ErrorMigrateFail        ErrorCode = 0x0f // TPM_MIGRATEFAIL
	ErrorInvalidPCRInfo     ErrorCode = 0x10 // TPM_INVALID_PCR_INFO
	ErrorNoSpace            ErrorCode = 0x11 // TPM_NOSPACE
	ErrorNoSRK              ErrorCode = 0x12 // TPM_NOSRK
	ErrorNotSealedBlob      ErrorCode = 0x13 // TPM_NOTSEALED_BLOB
	ErrorOwnerSet           ErrorCode = 0x14 // TPM_OWNER_SET
	ErrorResources          ErrorCode = 0x15 // TPM_RESOURCES
	ErrorSize               ErrorCode = 0x17 // TPM_SIZE
	ErrorWrongPCRVal        ErrorCode = 0x18 // TPM_WRONGPCRVAL
	ErrorBadParamSize       ErrorCode = 0x19 // TPM_BAD_PARAM_SIZE
	ErrorAuth2Fail          ErrorCode = 0x1d // TPM_AUTH2FAIL
	ErrorBadTag             ErrorCode = 0x1e // TPM_BADTAG
	ErrorDecryptError       ErrorCode = 0x21 // TPM_DECRYPT_ERROR
	ErrorInvalidAuthHandle  ErrorCode = 0x22 // TPM_INVALID_AUTHHANDLE
	ErrorInvalidKeyUsage    ErrorCode = 0x24 // TPM_INVALID_KEYUSAGE
	ErrorWrongEntityType    ErrorCode = 0x25 // TPM_WRONG_ENTITYTYPE
	ErrorInappropriateSig   ErrorCode = 0x27 // TPM_INAPPROPRIATE_SIG
	ErrorBadKeyProperty     ErrorCode = 0x28 // TPM_BAD_KEY_PROPERTY
	ErrorBadMigration       ErrorCode = 0x29 // TPM_BAD_MIGRATION
	ErrorBadScheme          ErrorCode = 0x2a // TPM_BAD_SCHEME
	ErrorBadDataSize        ErrorCode = 0x2b // TPM_BAD_DATASIZE
	ErrorNotResettable      ErrorCode = 0x32 // TPM_NOTRESETABLE
	ErrorBadType            ErrorCode = 0x34 // TPM_BAD_TYPE
	ErrorInvalidResource    ErrorCode = 0x35 // TPM_INVALID_RESOURCE
	ErrorInvalidFamily      ErrorCode = 0x37 // TPM_INVALID_FAMILY
	ErrorNoNVPermission     ErrorCode = 0x38 // TPM_NO_NV_PERMISSION
	ErrorAreaLocked         ErrorCode = 0x3c // TPM_AREA_LOCKED
	ErrorFamilyCount        ErrorCode = 0x40 // TPM_FAMILYCOUNT
	ErrorInvalidStructure   ErrorCode = 0x43 // TPM_INVALID_STRUCTURE
	ErrorDelegateLock       ErrorCode = 0x4b // TPM_DELEGATE_LOCK
	ErrorDelegateFamily     ErrorCode = 0x4c // TPM_DELEGATE_FAMILY
	ErrorBadHandle          ErrorCode = 0x58 // TPM_BAD_HANDLE
	ErrorBadDelegate        ErrorCode = 0x59 // TPM_BAD_DELEGATE
	ErrorMATicketSignature  ErrorCode = 0x5c // TPM_MA_TICKET_SIGNATURE
	ErrorMADestination      ErrorCode = 0x5d // TPM_MA_DESTINATION
	ErrorMASource           ErrorCode = 0x5e // TPM_MA_SOURCE
	ErrorMAAuthority        ErrorCode = 0x5f // TPM_MA_AUTHORITY
	ErrorBadSignature       ErrorCode = 0x62 // TPM_BAD_SIGNATURE
)

// WarningCode represents a response from the TPM that indicates the command could not be completed
// now, but might succeed if resubmitted.
type WarningCode ResponseCode

const (
	WarningRetry             WarningCode = 0x800 // TPM_RETRY
	WarningNeedsSelfTest     WarningCode = 0x801 // TPM_NEEDS_SELFTEST
	WarningDoingSelfTest     WarningCode = 0x802 // TPM_DOING_SELFTEST
	WarningDefendLockRunning WarningCode = 0x803 // TPM_DEFEND_LOCK_RUNNING
)

// ErrorKind identifies the class of a failure detected by this package, rather than by the TPM.
type ErrorKind int

const (
	// ErrorKindInternal indicates an unexpected condition inside this package.
	ErrorKindInternal ErrorKind = iota

	// ErrorKindInvalidHandle indicates that an object is stale, belongs to another context, has the
	// wrong type or is a sentinel value.
	ErrorKindInvalidHandle

	// ErrorKindBadParameter indicates that the caller supplied structurally invalid input. The Param
	// field of the error identifies the argument.
	ErrorKindBadParameter

	// ErrorKindInvalidObjectInitFlag indicates an ambiguous or invalid combination of object
	// initialization flags.
	ErrorKindInvalidObjectInitFlag

	// ErrorKindInvalidObjectType indicates that an operation does not apply to an object of this type.
	ErrorKindInvalidObjectType

	// ErrorKindInvalidObjectAccess indicates that a policy secret has expired, or that an object is
	// in a state that doesn't permit the requested access.
	ErrorKindInvalidObjectAccess

	// ErrorKindPolicyNoSecret indicates that authorization is required but the policy has no secret.
	ErrorKindPolicyNoSecret

	// ErrorKindKeyAlreadyRegistered indicates that a UUID is already present in persistent storage.
	ErrorKindKeyAlreadyRegistered

	// ErrorKindPSKeyNotFound indicates that a UUID is not present in persistent storage.
	ErrorKindPSKeyNotFound

	// ErrorKindInvalidAttribFlag indicates that the major attribute flag is not recognized for
	// an object.
	ErrorKindInvalidAttribFlag

	// ErrorKindInvalidAttribSubflag indicates that the major attribute flag is recognized but the
	// minor flag is not valid under it.
	ErrorKindInvalidAttribSubflag

	// ErrorKindKeyNotLoaded indicates that a key has no blob or no parent from which it can be loaded.
	ErrorKindKeyNotLoaded

	// ErrorKindPCRMismatch indicates that the current PCR values don't match the values that an
	// object is bound to, and the operation was rejected before it reached the TPM.
	ErrorKindPCRMismatch

	// ErrorKindNotImplemented indicates an unsupported mode.
	ErrorKindNotImplemented
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindInternal:
		return "internal error"
	case ErrorKindInvalidHandle:
		return "invalid handle"
	case ErrorKindBadParameter:
		return "bad parameter"
	case ErrorKindInvalidObjectInitFlag:
		return "invalid object initialization flag"
	case ErrorKindInvalidObjectType:
		return "invalid object type"
	case ErrorKindInvalidObjectAccess:
		return "invalid object access"
	case ErrorKindPolicyNoSecret:
		return "policy has no secret"
	case ErrorKindKeyAlreadyRegistered:
		return "key already registered"
	case ErrorKindPSKeyNotFound:
		return "key not found in persistent storage"
	case ErrorKindInvalidAttribFlag:
		return "invalid attribute flag"
	case ErrorKindInvalidAttribSubflag:
		return "invalid attribute subflag"
	case ErrorKindKeyNotLoaded:
		return "key not loaded"
	case ErrorKindPCRMismatch:
		return "PCR values do not match"
	case ErrorKindNotImplemented:
		return "not implemented"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is returned from any method in this package for failures that are detected locally, before
// or without involving the TPM.
type Error struct {
	Kind  ErrorKind
	Op    string // The operation that failed
	Param string // The name of the offending argument, for ErrorKindBadParameter
	msg   string
}

func (e *Error) Error() string {
	var builder bytes.Buffer
	fmt.Fprintf(&builder, "cannot complete %s: %s", e.Op, e.Kind)
	if e.Param != "" {
		fmt.Fprintf(&builder, " (%s)", e.Param)
	}
	if e.msg != "" {
		fmt.Fprintf(&builder, ": %s", e.msg)
	}
	return builder.String()
}

func newError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, msg: msg}
}

func makeInvalidArgError(op, name, msg string) *Error {
	return &Error{Kind: ErrorKindBadParameter, Op: op, Param: name, msg: msg}
}

// InvalidResponseError is returned from any method that executes a TPM command if the TPM's response is invalid. An invalid
// response could be one that is shorter than the response header, one with an invalid responseSize field, a payload that is
// shorter than the responseSize field indicates, a payload that unmarshals incorrectly or an invalid response authorization.
//
// Any sessions used in the command that caused this error should be considered invalid.
type InvalidResponseError struct {
	Command CommandCode
	msg     string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("TPM returned an invalid response for command %s: %v", e.Command, e.msg)
}

// TransportError is returned from any method that executes a TPM command if the underlying transport returns an error.
type TransportError struct {
	Op  string // The operation that caused the error
	err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cannot complete %s operation on Transport: %v", e.Op, e.err)
}

func (e *TransportError) Unwrap() error {
	return e.err
}

// TPMVendorError is returned from DecodeResponseCode and any method that executes a command on the TPM if the response code
// indicates a vendor-specific error.
type TPMVendorError struct {
	Command CommandCode  // Command code associated with this error
	Code    ResponseCode // Response code
}

func (e *TPMVendorError) Error() string {
	return fmt.Sprintf("TPM returned a vendor defined error whilst executing command %s: 0x%08x", e.Command, uint32(e.Code))
}

// TPMWarning is returned from DecodeResponseCode and any method that executes a command on the TPM if the response code
// indicates a non-fatal condition.
type TPMWarning struct {
	Command CommandCode // Command code associated with this error
	Code    WarningCode // Warning code
}

func (e *TPMWarning) Error() string {
	var builder bytes.Buffer
	fmt.Fprintf(&builder, "TPM returned a warning whilst executing command %s: %s", e.Command, e.Code)
	if desc, hasDesc := warningCodeDescriptions[e.Code]; hasDesc {
		fmt.Fprintf(&builder, " (%s)", desc)
	}
	return builder.String()
}

// TPMError is returned from DecodeResponseCode and any method that executes a command on the TPM if the response code
// indicates a fatal error.
type TPMError struct {
	Command CommandCode // Command code associated with this error
	Code    ErrorCode   // Error code
}

func (e *TPMError) Error() string {
	var builder bytes.Buffer
	fmt.Fprintf(&builder, "TPM returned an error whilst executing command %s: %s", e.Command, e.Code)
	if desc, hasDesc := errorCodeDescriptions[e.Code]; hasDesc {
		fmt.Fprintf(&builder, " (%s)", desc)
	}
	return builder.String()
}

// AsError indicates whether the error or any error within its chain is an *Error with the specified kind, and sets out to
// the value of the error if it is. To test for any kind, use AnyErrorKind. This will panic if out is nil.
func AsError(err error, kind ErrorKind, out **Error) bool {
	return xerrors.As(err, out) && (kind == AnyErrorKind || (*out).Kind == kind)
}

// IsError indicates whether the error or any error within its chain is an *Error with the specified kind.
func IsError(err error, kind ErrorKind) bool {
	var e *Error
	return AsError(err, kind, &e)
}

// IsBadParameterError indicates whether the error or any error within its chain is an *Error of kind
// ErrorKindBadParameter for the named argument. To test for any argument, use an empty name.
func IsBadParameterError(err error, name string) bool {
	var e *Error
	return AsError(err, ErrorKindBadParameter, &e) && (name == "" || e.Param == name)
}

// AsTPMError indicates whether the error or any error within its chain is a *TPMError with the specified ErrorCode and
// CommandCode, and sets out to the value of error if it is. To test for any error code, use AnyErrorCode. To test for any
// command code, use AnyCommandCode. This will panic if out is nil.
func AsTPMError(err error, code ErrorCode, command CommandCode, out **TPMError) bool {
	return xerrors.As(err, out) && (code == AnyErrorCode || (*out).Code == code) && (command == AnyCommandCode || (*out).Command == command)
}

// IsTPMError indicates whether the error or any error within its chain is a *TPMError with the specified ErrorCode and
// CommandCode.
func IsTPMError(err error, code ErrorCode, command CommandCode) bool {
	var e *TPMError
	return AsTPMError(err, code, command, &e)
}

// AsTPMWarning indicates whether the error or any error within its chain is a *TPMWarning with the specified WarningCode
// and CommandCode, and sets out to the value of error if it is. This will panic if out is nil.
func AsTPMWarning(err error, code WarningCode, command CommandCode, out **TPMWarning) bool {
	return xerrors.As(err, out) && (code == AnyWarningCode || (*out).Code == code) && (command == AnyCommandCode || (*out).Command == command)
}

// IsTPMWarning indicates whether the error or any error within its chain is a *TPMWarning with the specified WarningCode
// and CommandCode.
func IsTPMWarning(err error, code WarningCode, command CommandCode) bool {
	var e *TPMWarning
	return AsTPMWarning(err, code, command, &e)
}

// IsTPMVendorError indicates whether the error or any error within its chain is a *TPMVendorError for the specified
// command.
func IsTPMVendorError(err error, command CommandCode) bool {
	var e *TPMVendorError
	return xerrors.As(err, &e) && (command == AnyCommandCode || e.Command == command)
}

// IsDeviceError indicates whether the error or any error within its chain was returned by the TPM device, rather than
// being detected by this package.
func IsDeviceError(err error) bool {
	var e1 *TPMError
	var e2 *TPMWarning
	var e3 *TPMVendorError
	return xerrors.As(err, &e1) || xerrors.As(err, &e2) || xerrors.As(err, &e3)
}

// DecodeResponseCode decodes the ResponseCode provided via resp. If the specified response code is Success, it returns no
// error, else it returns an error that is appropriate for the response code. The command code is used for adding context
// to the returned error.
func DecodeResponseCode(command CommandCode, resp ResponseCode) error {
	switch {
	case resp == Success:
		return nil
	case resp&ResponseNonFatal != 0:
		return &TPMWarning{Command: command, Code: WarningCode(resp)}
	case resp&ResponseVendorError != 0:
		return &TPMVendorError{Command: command, Code: resp}
	default:
		return &TPMError{Command: command, Code: ErrorCode(resp)}
	}
}
