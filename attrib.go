// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"fmt"
)

// AttribFlag is the major flag that identifies a group of attributes of an object.
type AttribFlag uint32

// AttribSubFlag is the minor flag that identifies an attribute within a group.
type AttribSubFlag uint32

// Key attributes.
const (
	KeyAttribInfo    AttribFlag = 0x00000080
	KeyAttribRSAKey  AttribFlag = 0x00000100
	KeyAttribBlob    AttribFlag = 0x00000040
	KeyAttribUUID    AttribFlag = 0x00000200
	KeyAttribPCR     AttribFlag = 0x00000400
	KeyAttribCMKInfo AttribFlag = 0x00001000
)

// Sub-flags for KeyAttribInfo.
const (
	KeyInfoUsage      AttribSubFlag = 0x00000001
	KeyInfoKeyFlags   AttribSubFlag = 0x00000002
	KeyInfoAuthUsage  AttribSubFlag = 0x00000004
	KeyInfoAlgorithm  AttribSubFlag = 0x00000008
	KeyInfoEncScheme  AttribSubFlag = 0x00000010
	KeyInfoSigScheme  AttribSubFlag = 0x00000020
	KeyInfoSize       AttribSubFlag = 0x00000040
	KeyInfoMigratable AttribSubFlag = 0x00000080
	KeyInfoVolatile   AttribSubFlag = 0x00000100
	KeyInfoLoaded     AttribSubFlag = 0x00000200
)

// Sub-flags for KeyAttribRSAKey.
const (
	KeyRSAModulus   AttribSubFlag = 0x00000001
	KeyRSAExponent  AttribSubFlag = 0x00000002
	KeyRSAKeySize   AttribSubFlag = 0x00000004
	KeyRSANumPrimes AttribSubFlag = 0x00000008
)

// Sub-flags for KeyAttribBlob.
const (
	KeyBlobBlob       AttribSubFlag = 0x00000008
	KeyBlobPublicKey  AttribSubFlag = 0x00000010
	KeyBlobPrivateKey AttribSubFlag = 0x00000028
)

// Sub-flags for KeyAttribUUID.
const (
	KeyUUIDValue AttribSubFlag = 0x00000000
)

// Sub-flags for KeyAttribPCR and EncDataAttribPCR.
const (
	PCRDigestAtCreation AttribSubFlag = 0x00000000
	PCRDigestAtRelease  AttribSubFlag = 0x00000001
	PCRInfoSelection    AttribSubFlag = 0x00000002
)

// Sub-flags for KeyAttribCMKInfo.
const (
	KeyCMKMAApproval AttribSubFlag = 0x00000001
	KeyCMKMADigest   AttribSubFlag = 0x00000002
)

// Policy attributes.
const (
	PolicyAttribInfo            AttribFlag = 0x00000020
	PolicyAttribSecretLifetime  AttribFlag = 0x00000080
	PolicyAttribSecretHashMode  AttribFlag = 0x00000100
	PolicyAttribDelegationInfo  AttribFlag = 0x00000200
	PolicyAttribDelegationState AttribFlag = 0x00000400
)

// Sub-flags for PolicyAttribInfo.
const (
	PolicyInfoSecretMode AttribSubFlag = 0x00000001
	PolicyInfoType       AttribSubFlag = 0x00000002
)

// Sub-flags for PolicyAttribSecretLifetime.
const (
	SecretLifetimeAlways  AttribSubFlag = 0x00000001
	SecretLifetimeCounter AttribSubFlag = 0x00000002
	SecretLifetimeTimer   AttribSubFlag = 0x00000004
)

// Sub-flags for PolicyAttribSecretHashMode.
const (
	HashModeSecret AttribSubFlag = 0x00000001
)

// Sub-flags for PolicyAttribDelegationInfo.
const (
	DelegationType              AttribSubFlag = 0x00000001
	DelegationIndex             AttribSubFlag = 0x00000002
	DelegationPer1              AttribSubFlag = 0x00000003
	DelegationPer2              AttribSubFlag = 0x00000004
	DelegationLabel             AttribSubFlag = 0x00000005
	DelegationFamilyID          AttribSubFlag = 0x00000006
	DelegationVerificationCount AttribSubFlag = 0x00000007
	DelegationBlob              AttribSubFlag = 0x00000008
)

// Sub-flags for PolicyAttribDelegationState.
const (
	DelegationStateHasBlob AttribSubFlag = 0x00000001
	DelegationStateHasRow  AttribSubFlag = 0x00000002
)

// EncData attributes.
const (
	EncDataAttribBlob AttribFlag = 0x00000008
	EncDataAttribPCR  AttribFlag = 0x00000010
	EncDataAttribType AttribFlag = 0x00000020
)

// Sub-flags for EncDataAttribBlob.
const (
	EncDataBlobBlob AttribSubFlag = 0x00000001
)

// Sub-flags for EncDataAttribType.
const (
	EncDataTypeValue AttribSubFlag = 0x00000000
)

// PCRComposite attributes.
const (
	PCRCompositeAttribInfo AttribFlag = 0x00000001
)

// Sub-flags for PCRCompositeAttribInfo.
const (
	PCRCompositeInfoSelection     AttribSubFlag = 0x00000001
	PCRCompositeInfoCompositeHash AttribSubFlag = 0x00000002
)

// NVStore attributes.
const (
	NVAttribIndex       AttribFlag = 0x00000001
	NVAttribPermissions AttribFlag = 0x00000002
	NVAttribDataSize    AttribFlag = 0x00000004
)

// DelegationFamily attributes.
const (
	DelFamilyAttribState AttribFlag = 0x00000001
	DelFamilyAttribInfo  AttribFlag = 0x00000002
)

// Sub-flags for DelFamilyAttribState.
const (
	DelFamilyStateEnabled AttribSubFlag = 0x00000001
	DelFamilyStateLocked  AttribSubFlag = 0x00000002
)

// Sub-flags for DelFamilyAttribInfo.
const (
	DelFamilyInfoFamilyID          AttribSubFlag = 0x00000001
	DelFamilyInfoLabel             AttribSubFlag = 0x00000002
	DelFamilyInfoVerificationCount AttribSubFlag = 0x00000003
)

// MigrationData attributes.
const (
	MigAttribMigrationBlob   AttribFlag = 0x00000010
	MigAttribMigrationTicket AttribFlag = 0x00000020
	MigAttribAuthorityData   AttribFlag = 0x00000040
	MigAttribMigAuthData     AttribFlag = 0x00000080
	MigAttribTicketData      AttribFlag = 0x00000100
	MigAttribPayloadType     AttribFlag = 0x00000200
)

// Sub-flags for MigAttribMigrationBlob. Setting a public key blob (a marshalled PubKey)
// records its digest in the corresponding field.
const (
	MigMigrationBlob         AttribSubFlag = 0x00000001
	MigMSAListPubKeyBlob     AttribSubFlag = 0x00000002
	MigAuthorityPubKeyBlob   AttribSubFlag = 0x00000003
	MigDestinationPubKeyBlob AttribSubFlag = 0x00000004
	MigSourcePubKeyBlob      AttribSubFlag = 0x00000005
)

// Sub-flags for MigAttribAuthorityData.
const (
	MigAuthorityDigest       AttribSubFlag = 0x00000001
	MigAuthorityApprovalHMAC AttribSubFlag = 0x00000002
	MigAuthorityMSAList      AttribSubFlag = 0x00000003
)

// Sub-flags for MigAttribMigAuthData.
const (
	MigAuthAuthorityDigest   AttribSubFlag = 0x00000001
	MigAuthDestinationDigest AttribSubFlag = 0x00000002
	MigAuthSourceDigest      AttribSubFlag = 0x00000003
)

// Sub-flags for MigAttribTicketData.
const (
	MigTicketSigDigest      AttribSubFlag = 0x00000001
	MigTicketSigValue       AttribSubFlag = 0x00000002
	MigTicketSigTicket      AttribSubFlag = 0x00000003
	MigTicketRestrictTicket AttribSubFlag = 0x00000004
)

// TPM attributes.
const (
	TPMAttribCapProperty AttribFlag = 0x00000001
)

func invalidAttribFlagError(op string, typ ObjectType, flag AttribFlag) *Error {
	return newError(ErrorKindInvalidAttribFlag, op, fmt.Sprintf("invalid flag 0x%08x for %s object", uint32(flag), typ))
}

func invalidAttribSubFlagError(op string, typ ObjectType, flag AttribFlag, subFlag AttribSubFlag) *Error {
	return newError(ErrorKindInvalidAttribSubflag, op,
		fmt.Sprintf("invalid sub-flag 0x%08x for flag 0x%08x of %s object", uint32(subFlag), uint32(flag), typ))
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

const (
	opGetAttribUint32 = "GetAttribUint32"
	opSetAttribUint32 = "SetAttribUint32"
	opGetAttribData   = "GetAttribData"
	opSetAttribData   = "SetAttribData"
)
