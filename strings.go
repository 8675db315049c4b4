// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"fmt"
)

var commandCodeNames = map[CommandCode]string{
	CommandOIAP:                          "TPM_ORD_OIAP",
	CommandOSAP:                          "TPM_ORD_OSAP",
	CommandChangeAuth:                    "TPM_ORD_ChangeAuth",
	CommandTakeOwnership:                 "TPM_ORD_TakeOwnership",
	CommandDSAP:                          "TPM_ORD_DSAP",
	CommandCMKCreateTicket:               "TPM_ORD_CMK_CreateTicket",
	CommandCMKCreateKey:                  "TPM_ORD_CMK_CreateKey",
	CommandExtend:                        "TPM_ORD_Extend",
	CommandPCRRead:                       "TPM_ORD_PcrRead",
	CommandQuote:                         "TPM_ORD_Quote",
	CommandSeal:                          "TPM_ORD_Seal",
	CommandUnseal:                        "TPM_ORD_Unseal",
	CommandUnBind:                        "TPM_ORD_UnBind",
	CommandCreateWrapKey:                 "TPM_ORD_CreateWrapKey",
	CommandGetPubKey:                     "TPM_ORD_GetPubKey",
	CommandCMKConvertMigration:           "TPM_ORD_CMK_ConvertMigration",
	CommandCMKCreateBlob:                 "TPM_ORD_CMK_CreateBlob",
	CommandCMKApproveMA:                  "TPM_ORD_CMK_ApproveMA",
	CommandCreateMigrationBlob:           "TPM_ORD_CreateMigrationBlob",
	CommandConvertMigrationBlob:          "TPM_ORD_ConvertMigrationBlob",
	CommandAuthorizeMigrationKey:         "TPM_ORD_AuthorizeMigrationKey",
	CommandSign:                          "TPM_ORD_Sign",
	CommandLoadKey2:                      "TPM_ORD_LoadKey2",
	CommandGetRandom:                     "TPM_ORD_GetRandom",
	CommandGetCapability:                 "TPM_ORD_GetCapability",
	CommandReadPubek:                     "TPM_ORD_ReadPubek",
	CommandStartup:                       "TPM_ORD_Startup",
	CommandFlushSpecific:                 "TPM_ORD_FlushSpecific",
	CommandPCRReset:                      "TPM_ORD_PCR_Reset",
	CommandNVDefineSpace:                 "TPM_ORD_NV_DefineSpace",
	CommandNVWriteValue:                  "TPM_ORD_NV_WriteValue",
	CommandNVWriteValueAuth:              "TPM_ORD_NV_WriteValueAuth",
	CommandNVReadValue:                   "TPM_ORD_NV_ReadValue",
	CommandNVReadValueAuth:               "TPM_ORD_NV_ReadValueAuth",
	CommandDelegateUpdateVerification:    "TPM_ORD_Delegate_UpdateVerification",
	CommandDelegateManage:                "TPM_ORD_Delegate_Manage",
	CommandDelegateCreateKeyDelegation:   "TPM_ORD_Delegate_CreateKeyDelegation",
	CommandDelegateCreateOwnerDelegation: "TPM_ORD_Delegate_CreateOwnerDelegation",
	CommandDelegateVerifyDelegation:      "TPM_ORD_Delegate_VerifyDelegation",
	CommandDelegateLoadOwnerDelegation:   "TPM_ORD_Delegate_LoadOwnerDelegation",
	CommandDelegateReadTable:             "TPM_ORD_Delegate_ReadTable",
	CommandEstablishTransport:            "TPM_ORD_EstablishTransport",
	CommandExecuteTransport:              "TPM_ORD_ExecuteTransport",
	CommandReleaseTransportSigned:        "TPM_ORD_ReleaseTransportSigned",
}

func (c CommandCode) String() string {
	if name, ok := commandCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", uint32(c))
}

var errorCodeNames = map[ErrorCode]string{
	ErrorAuthFail:          "TPM_AUTHFAIL",
	ErrorBadIndex:          "TPM_BADINDEX",
	ErrorBadParameter:      "TPM_BAD_PARAMETER",
	ErrorDisabled:          "TPM_DISABLED",
	ErrorDisabledCmd:       "TPM_DISABLED_CMD",
	ErrorFail:              "TPM_FAIL",
	ErrorBadOrdinal:        "TPM_BAD_ORDINAL",
	ErrorInvalidKeyHandle:  "TPM_INVALID_KEYHANDLE",
	ErrorKeyNotFound:       "TPM_KEYNOTFOUND",
	ErrorInappropriateEnc:  "TPM_INAPPROPRIATE_ENC",
	ErrorMigrateFail:       "TPM_MIGRATEFAIL",
	ErrorInvalidPCRInfo:    "TPM_INVALID_PCR_INFO",
	ErrorNoSpace:           "TPM_NOSPACE",
	ErrorNoSRK:             "TPM_NOSRK",
	ErrorNotSealedBlob:     "TPM_NOTSEALED_BLOB",
	ErrorOwnerSet:          "TPM_OWNER_SET",
	ErrorResources:         "TPM_RESOURCES",
	ErrorSize:              "TPM_SIZE",
	ErrorWrongPCRVal:       "TPM_WRONGPCRVAL",
	ErrorBadParamSize:      "TPM_BAD_PARAM_SIZE",
	ErrorAuth2Fail:         "TPM_AUTH2FAIL",
	ErrorBadTag:            "TPM_BADTAG",
	ErrorDecryptError:      "TPM_DECRYPT_ERROR",
	ErrorInvalidAuthHandle: "TPM_INVALID_AUTHHANDLE",
	ErrorInvalidKeyUsage:   "TPM_INVALID_KEYUSAGE",
	ErrorWrongEntityType:   "TPM_WRONG_ENTITYTYPE",
	ErrorInappropriateSig:  "TPM_INAPPROPRIATE_SIG",
	ErrorBadKeyProperty:    "TPM_BAD_KEY_PROPERTY",
	ErrorBadMigration:      "TPM_BAD_MIGRATION",
	ErrorBadScheme:         "TPM_BAD_SCHEME",
	ErrorBadDataSize:       "TPM_BAD_DATASIZE",
	ErrorNotResettable:     "TPM_NOTRESETABLE",
	ErrorBadType:           "TPM_BAD_TYPE",
	ErrorInvalidResource:   "TPM_INVALID_RESOURCE",
	ErrorInvalidFamily:     "TPM_INVALID_FAMILY",
	ErrorNoNVPermission:    "TPM_NO_NV_PERMISSION",
	ErrorAreaLocked:        "TPM_AREA_LOCKED",
	ErrorFamilyCount:       "TPM_FAMILYCOUNT",
	ErrorInvalidStructure:  "TPM_INVALID_STRUCTURE",
	ErrorDelegateLock:      "TPM_DELEGATE_LOCK",
	ErrorDelegateFamily:    "TPM_DELEGATE_FAMILY",
	ErrorBadHandle:         "TPM_BAD_HANDLE",
	ErrorBadDelegate:       "TPM_BAD_DELEGATE",
	ErrorMATicketSignature: "TPM_MA_TICKET_SIGNATURE",
	ErrorMADestination:     "TPM_MA_DESTINATION",
	ErrorMASource:          "TPM_MA_SOURCE",
	ErrorMAAuthority:       "TPM_MA_AUTHORITY",
	ErrorBadSignature:      "TPM_BAD_SIGNATURE",
}

func (e ErrorCode) String() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", uint32(e))
}

func (e WarningCode) String() string {
	switch e {
	case WarningRetry:
		return "TPM_RETRY"
	case WarningNeedsSelfTest:
		return "TPM_NEEDS_SELFTEST"
	case WarningDoingSelfTest:
		return "TPM_DOING_SELFTEST"
	case WarningDefendLockRunning:
		return "TPM_DEFEND_LOCK_RUNNING"
	default:
		return fmt.Sprintf("0x%08x", uint32(e))
	}
}

var (
	errorCodeDescriptions = map[ErrorCode]string{
		ErrorAuthFail:         "authentication failed",
		ErrorBadIndex:         "the index to a PCR, DIR or other register is incorrect",
		ErrorBadParameter:     "one or more parameter is bad",
		ErrorDisabledCmd:      "the target command has been disabled",
		ErrorInvalidKeyHandle: "the key handle can not be interpreted",
		ErrorNoSpace:          "no room to load key",
		ErrorWrongPCRVal:      "the PCR values don't match the values in the PCR info",
		ErrorAuth2Fail:        "authorization for the second key in a 2 key function failed",
		ErrorFamilyCount:      "the verification count of a delegation doesn't match the family table",
		ErrorMAAuthority:      "incorrect migration authority",
	}

	warningCodeDescriptions = map[WarningCode]string{
		WarningRetry: "the TPM is too busy to respond to the command immediately, but the command could be resubmitted " +
			"at a later time",
	}
)
