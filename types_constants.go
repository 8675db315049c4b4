// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

// This file contains types defined in section 2 of the TPM 1.2 main specification, part 2 (Structures), and the ordinals
// from part 3 (Commands).

// CommandCode corresponds to the TPM_COMMAND_CODE type (an ordinal).
type CommandCode uint32

// ResponseCode corresponds to the TPM_RESULT type.
type ResponseCode uint32

// StructTag corresponds to the TPM_TAG and TPM_STRUCTURE_TAG types.
type StructTag uint16

// Handle corresponds to the TPM_HANDLE type.
type Handle uint32

// EntityType corresponds to the TPM_ENTITY_TYPE type.
type EntityType uint16

// KeyUsage corresponds to the TPM_KEY_USAGE type.
type KeyUsage uint16

// KeyFlags corresponds to the TPM_KEY_FLAGS type.
type KeyFlags uint32

// AuthDataUsage corresponds to the TPM_AUTH_DATA_USAGE type.
type AuthDataUsage uint8

// AlgorithmId corresponds to the TPM_ALGORITHM_ID type.
type AlgorithmId uint32

// EncScheme corresponds to the TPM_ENC_SCHEME type.
type EncScheme uint16

// SigScheme corresponds to the TPM_SIG_SCHEME type.
type SigScheme uint16

// MigrationScheme corresponds to the TPM_MIGRATE_SCHEME type.
type MigrationScheme uint16

// PayloadType corresponds to the TPM_PAYLOAD_TYPE type.
type PayloadType uint8

// Capability corresponds to the TPM_CAPABILITY_AREA type.
type Capability uint32

// Property corresponds to the sub-capabilities of TPM_CAP_PROPERTY.
type Property uint32

// ResourceType corresponds to the TPM_RESOURCE_TYPE type.
type ResourceType uint32

// FamilyOperation corresponds to the TPM_FAMILY_OPERATION type.
type FamilyOperation uint32

// DelegateType describes whether a delegation is for the owner or for a key.
type DelegateType uint8

// StartupType corresponds to the TPM_STARTUP_TYPE type.
type StartupType uint16

const (
	CommandOIAP                          CommandCode = 0x0000000a
	CommandOSAP                          CommandCode = 0x0000000b
	CommandChangeAuth                    CommandCode = 0x0000000c
	CommandTakeOwnership                 CommandCode = 0x0000000d
	CommandDSAP                          CommandCode = 0x00000011
	CommandCMKCreateTicket               CommandCode = 0x00000012
	CommandCMKCreateKey                  CommandCode = 0x00000013
	CommandExtend                        CommandCode = 0x00000014
	CommandPCRRead                       CommandCode = 0x00000015
	CommandQuote                         CommandCode = 0x00000016
	CommandSeal                          CommandCode = 0x00000017
	CommandUnseal                        CommandCode = 0x00000018
	CommandUnBind                        CommandCode = 0x0000001e
	CommandCreateWrapKey                 CommandCode = 0x0000001f
	CommandGetPubKey                     CommandCode = 0x00000021
	CommandCMKConvertMigration           CommandCode = 0x00000024
	CommandCMKCreateBlob                 CommandCode = 0x0000001b
	CommandCMKApproveMA                  CommandCode = 0x0000001d
	CommandCreateMigrationBlob           CommandCode = 0x00000028
	CommandConvertMigrationBlob          CommandCode = 0x0000002a
	CommandAuthorizeMigrationKey         CommandCode = 0x0000002b
	CommandSign                          CommandCode = 0x0000003c
	CommandLoadKey2                      CommandCode = 0x00000041
	CommandGetRandom                     CommandCode = 0x00000046
	CommandGetCapability                 CommandCode = 0x00000065
	CommandReadPubek                     CommandCode = 0x0000007c
	CommandStartup                       CommandCode = 0x00000099
	CommandFlushSpecific                 CommandCode = 0x000000ba
	CommandPCRReset                      CommandCode = 0x000000c8
	CommandNVDefineSpace                 CommandCode = 0x000000cc
	CommandNVWriteValue                  CommandCode = 0x000000cd
	CommandNVWriteValueAuth              CommandCode = 0x000000ce
	CommandNVReadValue                   CommandCode = 0x000000cf
	CommandNVReadValueAuth               CommandCode = 0x000000d0
	CommandDelegateUpdateVerification    CommandCode = 0x000000d1
	CommandDelegateManage                CommandCode = 0x000000d2
	CommandDelegateCreateKeyDelegation   CommandCode = 0x000000d4
	CommandDelegateCreateOwnerDelegation CommandCode = 0x000000d5
	CommandDelegateVerifyDelegation      CommandCode = 0x000000d6
	CommandDelegateLoadOwnerDelegation   CommandCode = 0x000000d8
	CommandDelegateReadTable             CommandCode = 0x000000db
	CommandEstablishTransport            CommandCode = 0x000000e6
	CommandExecuteTransport              CommandCode = 0x000000e7
	CommandReleaseTransportSigned        CommandCode = 0x000000e8
)

const (
	TagRquCommand      StructTag = 0x00c1
	TagRquAuth1Command StructTag = 0x00c2
	TagRquAuth2Command StructTag = 0x00c3
	TagRspCommand      StructTag = 0x00c4
	TagRspAuth1Command StructTag = 0x00c5
	TagRspAuth2Command StructTag = 0x00c6

	TagPCRInfoLong       StructTag = 0x0006
	TagStoredData12      StructTag = 0x0016
	TagDelegatePublic    StructTag = 0x0019
	TagDelegateOwnerBlob StructTag = 0x002a
	TagDelegateKeyBlob   StructTag = 0x002b
	TagKey12             StructTag = 0x0028
	TagCMKSigTicket      StructTag = 0x0034
	TagCMKMAApproval     StructTag = 0x0035
	TagQuoteInfo         StructTag = 0x0036
	TagTransportLog      StructTag = 0x0037
	TagMigrationTicket   StructTag = 0x0038
)

const (
	Success ResponseCode = 0

	// ResponseNonFatal is set for codes that indicate the command could not be completed now, but may
	// succeed if resubmitted.
	ResponseNonFatal ResponseCode = 0x00000800

	// ResponseVendorError is set for vendor specific codes.
	ResponseVendorError ResponseCode = 0x00000400
)

const (
	HandleSRK       Handle = 0x40000000
	HandleOwner     Handle = 0x40000001
	HandleEK        Handle = 0x40000006
	HandleTransport Handle = 0x40000007
	HandleNull      Handle = 0x00000000
)

const (
	EntityKeyHandle    EntityType = 0x0001
	EntityOwner        EntityType = 0x0002
	EntityData         EntityType = 0x0003
	EntitySRK          EntityType = 0x0004
	EntityKey          EntityType = 0x0005
	EntityDelOwnerBlob EntityType = 0x0007
	EntityDelRow       EntityType = 0x0008
	EntityDelKeyBlob   EntityType = 0x0009
	EntityNV           EntityType = 0x000b
)

const (
	KeyUsageSigning    KeyUsage = 0x0010
	KeyUsageStorage    KeyUsage = 0x0011
	KeyUsageIdentity   KeyUsage = 0x0012
	KeyUsageAuthChange KeyUsage = 0x0013
	KeyUsageBind       KeyUsage = 0x0014
	KeyUsageLegacy     KeyUsage = 0x0015
	KeyUsageMigrate    KeyUsage = 0x0016
)

const (
	KeyFlagRedirection      KeyFlags = 0x00000001
	KeyFlagMigratable       KeyFlags = 0x00000002
	KeyFlagVolatile         KeyFlags = 0x00000004
	KeyFlagPCRIgnoredOnRead KeyFlags = 0x00000008
	KeyFlagMigrateAuthority KeyFlags = 0x00000010
)

const (
	AuthNever  AuthDataUsage = 0x00
	AuthAlways AuthDataUsage = 0x01
)

const (
	AlgorithmRSA  AlgorithmId = 0x00000001
	AlgorithmSHA  AlgorithmId = 0x00000004
	AlgorithmHMAC AlgorithmId = 0x00000005
	AlgorithmAES  AlgorithmId = 0x00000006
	AlgorithmMGF1 AlgorithmId = 0x00000007
)

const (
	EncSchemeNone        EncScheme = 0x0001
	EncSchemeRSAPKCSv15  EncScheme = 0x0002
	EncSchemeRSAOAEPSHA1 EncScheme = 0x0003
)

const (
	SigSchemeNone           SigScheme = 0x0001
	SigSchemeRSAPKCSv15SHA1 SigScheme = 0x0002
	SigSchemeRSAPKCSv15DER  SigScheme = 0x0003
)

const (
	MigrateSchemeMigrate         MigrationScheme = 0x0001
	MigrateSchemeRewrap          MigrationScheme = 0x0002
	MigrateSchemeRestrictMigrate MigrationScheme = 0x0004
	MigrateSchemeRestrictApprove MigrationScheme = 0x0005
)

const (
	PayloadAsymmetric        PayloadType = 0x01
	PayloadBind              PayloadType = 0x02
	PayloadMigrate           PayloadType = 0x05
	PayloadMigrateRestricted PayloadType = 0x06
	PayloadCMKMigrate        PayloadType = 0x07
	PayloadCMKRestrict       PayloadType = 0x08
)

const (
	CapabilityProperty Capability = 0x00000005
	CapabilityHandle   Capability = 0x00000014
)

const (
	PropertyPCR          Property = 0x00000101
	PropertyManufacturer Property = 0x00000103
	PropertyKeys         Property = 0x00000104
	PropertyMaxAuthSess  Property = 0x0000010d
	PropertyMaxKeys      Property = 0x00000110
	PropertyDelegateRows Property = 0x0000011c
	PropertyFamilyRows   Property = 0x0000011e
)

const (
	ResourceKey   ResourceType = 0x00000001
	ResourceAuth  ResourceType = 0x00000002
	ResourceTrans ResourceType = 0x00000004
)

const (
	FamilyCreate     FamilyOperation = 0x00000001
	FamilyEnable     FamilyOperation = 0x00000002
	FamilyAdmin      FamilyOperation = 0x00000003
	FamilyInvalidate FamilyOperation = 0x00000004
)

const (
	DelegateTypeOwner DelegateType = 0x01
	DelegateTypeKey   DelegateType = 0x02
)

const (
	StartupClear StartupType = 0x0001
	StartupState StartupType = 0x0002
)

// Family flags.
const (
	FamilyFlagAdminLock uint32 = 0x00000002
	FamilyFlagEnabled   uint32 = 0x00000001
)

// NV permission bits, corresponding to TPM_NV_PER_* values.
const (
	NVPerReadSTClear  uint32 = 0x80000000
	NVPerAuthRead     uint32 = 0x00040000
	NVPerOwnerRead    uint32 = 0x00020000
	NVPerWriteSTClear uint32 = 0x00004000
	NVPerWriteDefine  uint32 = 0x00002000
	NVPerAuthWrite    uint32 = 0x00000004
	NVPerOwnerWrite   uint32 = 0x00000002
)

// Owner delegation permission bits (TPM_DELEGATE_PER1). Each bit permits a delegated session to
// authorize the corresponding owner command.
const (
	DelegatePer1AuthorizeMigrationKey uint32 = 1 << 0
	DelegatePer1CMKApproveMA          uint32 = 1 << 1
	DelegatePer1CMKCreateTicket       uint32 = 1 << 2
	DelegatePer1DelegateManage        uint32 = 1 << 3
	DelegatePer1CreateOwnerDelegation uint32 = 1 << 4
	DelegatePer1LoadOwnerDelegation   uint32 = 1 << 5
	DelegatePer1UpdateVerification    uint32 = 1 << 6
	DelegatePer1NVDefineSpace         uint32 = 1 << 7
	DelegatePer1ReadTable             uint32 = 1 << 8
)

// Key delegation permission bits (TPM_KEY_DELEGATE_PER1).
const (
	KeyDelegatePer1Sign                uint32 = 1 << 0
	KeyDelegatePer1Unseal              uint32 = 1 << 1
	KeyDelegatePer1UnBind              uint32 = 1 << 2
	KeyDelegatePer1CreateWrapKey       uint32 = 1 << 3
	KeyDelegatePer1Seal                uint32 = 1 << 4
	KeyDelegatePer1Quote               uint32 = 1 << 5
	KeyDelegatePer1GetPubKey           uint32 = 1 << 6
	KeyDelegatePer1CreateMigrationBlob uint32 = 1 << 7
	KeyDelegatePer1LoadKey2            uint32 = 1 << 8
)

const (
	// NumPCRs is the number of PCRs implemented by a TPM 1.2 device.
	NumPCRs = 24

	// DefaultRSAExponent is the public exponent used when a key has no explicit exponent.
	DefaultRSAExponent = 65537
)
