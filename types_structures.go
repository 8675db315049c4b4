// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"math/big"

	"github.com/canonical/go-tss/mu"
)

// This file contains the structures defined in the TPM 1.2 main specification, part 2 (Structures), that are used by
// the commands implemented by this package.

// Digest corresponds to the TPM_DIGEST type.
type Digest [sha1.Size]byte

// Nonce corresponds to the TPM_NONCE type.
type Nonce [sha1.Size]byte

// AuthValue corresponds to the TPM_AUTHDATA, TPM_SECRET and TPM_ENCAUTH types.
type AuthValue [sha1.Size]byte

// WellKnownSecret is the TCG defined well known secret, which is 20 zero bytes.
var WellKnownSecret AuthValue

// Version corresponds to the TPM_STRUCT_VER type.
type Version struct {
	Major    uint8
	Minor    uint8
	RevMajor uint8
	RevMinor uint8
}

// CommandHeader is the header for a TPM command.
type CommandHeader struct {
	Tag         StructTag
	CommandSize uint32
	CommandCode CommandCode
}

// ResponseHeader is the header for a TPM response.
type ResponseHeader struct {
	Tag          StructTag
	ResponseSize uint32
	ResponseCode ResponseCode
}

// AuthCommand corresponds to the authorization trailer of a command that requires authorization.
type AuthCommand struct {
	AuthHandle          Handle
	NonceOdd            Nonce
	ContinueAuthSession bool
	Auth                AuthValue
}

// AuthResponse corresponds to the authorization trailer of a response to a command that required authorization.
type AuthResponse struct {
	NonceEven           Nonce
	ContinueAuthSession bool
	Auth                AuthValue
}

// PCRSelection corresponds to the TPM_PCR_SELECTION type.
type PCRSelection struct {
	Select []byte `tpm12:"size16"`
}

// NewPCRSelection returns a selection of the specified PCR indices.
func NewPCRSelection(indices ...int) PCRSelection {
	s := PCRSelection{Select: make([]byte, NumPCRs/8)}
	for _, i := range indices {
		s.Select[i/8] |= 1 << uint(i%8)
	}
	return s
}

// IsSelected indicates whether the specified PCR index is selected.
func (s PCRSelection) IsSelected(i int) bool {
	if i < 0 || i/8 >= len(s.Select) {
		return false
	}
	return s.Select[i/8]&(1<<uint(i%8)) != 0
}

// Indices returns the selected PCR indices in ascending order.
func (s PCRSelection) Indices() (out []int) {
	for i := 0; i < len(s.Select)*8; i++ {
		if s.IsSelected(i) {
			out = append(out, i)
		}
	}
	return out
}

// PCRCompositeData corresponds to the TPM_PCR_COMPOSITE type.
type PCRCompositeData struct {
	Selection PCRSelection
	Values    []byte // concatenated 20 byte PCR values in ascending index order
}

// Digest returns the composite hash (TPM_COMPOSITE_HASH) of this composite.
func (c *PCRCompositeData) Digest() Digest {
	return sha1.Sum(mu.MustMarshalToBytes(c))
}

// PCRInfo corresponds to the TPM_PCR_INFO type.
type PCRInfo struct {
	Selection        PCRSelection
	DigestAtRelease  Digest
	DigestAtCreation Digest
}

// RSAKeyParms corresponds to the TPM_RSA_KEY_PARMS type.
type RSAKeyParms struct {
	KeyLength uint32
	NumPrimes uint32
	Exponent  []byte
}

// KeyParms corresponds to the TPM_KEY_PARMS type.
type KeyParms struct {
	AlgorithmID AlgorithmId
	EncScheme   EncScheme
	SigScheme   SigScheme
	Parms       *RSAKeyParms `tpm12:"sized"`
}

// Key12 corresponds to the TPM_KEY12 type, which is the format of a key blob.
type Key12 struct {
	Tag            StructTag
	Fill           uint16
	KeyUsage       KeyUsage
	KeyFlags       KeyFlags
	AuthDataUsage  AuthDataUsage
	AlgorithmParms KeyParms
	PCRInfo        *PCRInfo `tpm12:"sized"`
	PubKey         []byte
	EncData        []byte
}

// PubDataDigest returns the digest of the public part of this key blob, which is recorded
// in the sensitive part so that the two halves can't be mixed.
func (k *Key12) PubDataDigest() Digest {
	pub := *k
	pub.EncData = nil
	return sha1.Sum(mu.MustMarshalToBytes(&pub))
}

// Public returns the public key of this key blob.
func (k *Key12) Public() *PubKey {
	return &PubKey{AlgorithmParms: k.AlgorithmParms, Key: k.PubKey}
}

// PubKey corresponds to the TPM_PUBKEY type.
type PubKey struct {
	AlgorithmParms KeyParms
	Key            []byte
}

// Digest returns the SHA-1 digest of the marshalled public key.
func (p *PubKey) Digest() Digest {
	return sha1.Sum(mu.MustMarshalToBytes(p))
}

// RSAPublicKey returns the RSA public key.
func (p *PubKey) RSAPublicKey() (*rsa.PublicKey, error) {
	if p.AlgorithmParms.AlgorithmID != AlgorithmRSA {
		return nil, errors.New("unsupported algorithm")
	}
	if len(p.Key) == 0 {
		return nil, errors.New("empty modulus")
	}
	exp := DefaultRSAExponent
	if parms := p.AlgorithmParms.Parms; parms != nil && len(parms.Exponent) > 0 {
		exp = int(new(big.Int).SetBytes(parms.Exponent).Int64())
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(p.Key), E: exp}, nil
}

// StoreAsymKey corresponds to the TPM_STORE_ASYMKEY type, which is the sensitive part of a key blob.
type StoreAsymKey struct {
	Payload       PayloadType
	UsageAuth     AuthValue
	MigrationAuth AuthValue
	PubDataDigest Digest
	PrivKey       []byte // the first prime factor of the modulus
}

// BoundData corresponds to the TPM_BOUND_DATA type, which is the plaintext of data bound to
// a bind key.
type BoundData struct {
	Version Version
	Payload PayloadType
	Data    mu.RawBytes
}

// StoredData12 corresponds to the TPM_STORED_DATA12 type, which is the format of a sealed blob.
type StoredData12 struct {
	Tag        StructTag
	EntityType uint16
	SealInfo   *PCRInfo `tpm12:"sized"`
	EncData    []byte
}

// MigrationKeyAuth corresponds to the TPM_MIGRATIONKEYAUTH type, which is the format of a migration ticket.
type MigrationKeyAuth struct {
	MigrationKey    PubKey
	MigrationScheme MigrationScheme
	Digest          Digest
}

// CMKAuth corresponds to the TPM_CMK_AUTH type.
type CMKAuth struct {
	MigrationAuthorityDigest Digest
	DestinationKeyDigest     Digest
	SourceKeyDigest          Digest
}

// MSAComposite corresponds to the TPM_MSA_COMPOSITE type.
type MSAComposite struct {
	MigAuthDigest []Digest
}

// Digest returns the digest of the composite.
func (c *MSAComposite) Digest() Digest {
	return sha1.Sum(mu.MustMarshalToBytes(c))
}

// Contains indicates whether the supplied digest is one of the authorities in the composite.
func (c *MSAComposite) Contains(d Digest) bool {
	for _, a := range c.MigAuthDigest {
		if a == d {
			return true
		}
	}
	return false
}

// DelegationPermissions corresponds to the TPM_DELEGATIONS type.
type DelegationPermissions struct {
	DelegateType DelegateType
	Per1         uint32
	Per2         uint32
}

// DelegatePublic corresponds to the TPM_DELEGATE_PUBLIC type.
type DelegatePublic struct {
	Tag               StructTag
	RowLabel          uint8
	PCRInfo           *PCRInfo `tpm12:"sized"`
	Permissions       DelegationPermissions
	FamilyID          uint32
	VerificationCount uint32
}

// DelegateOwnerBlob corresponds to the TPM_DELEGATE_OWNER_BLOB type.
type DelegateOwnerBlob struct {
	Tag             StructTag
	Pub             DelegatePublic
	IntegrityDigest Digest
	Additional      []byte
	Sensitive       []byte
}

// DelegateKeyBlob corresponds to the TPM_DELEGATE_KEY_BLOB type.
type DelegateKeyBlob struct {
	Tag             StructTag
	Pub             DelegatePublic
	IntegrityDigest Digest
	PubKeyDigest    Digest
	Additional      []byte
	Sensitive       []byte
}

// FamilyTableEntry corresponds to the TPM_FAMILY_TABLE_ENTRY type.
type FamilyTableEntry struct {
	FamilyLabel       uint8
	FamilyID          uint32
	VerificationCount uint32
	Flags             uint32
}

// DelegateTableEntry is a row of the delegate table as returned from TPM_Delegate_ReadTable.
type DelegateTableEntry struct {
	Index uint32
	Pub   DelegatePublic
}

// QuoteInfo corresponds to the TPM_QUOTE_INFO type.
type QuoteInfo struct {
	Version      Version
	Fixed        [4]byte
	Digest       Digest
	ExternalData Nonce
}

// NVDataPublic corresponds to the TPM_NV_DATA_PUBLIC type.
type NVDataPublic struct {
	Index      uint32
	Permission uint32
	DataSize   uint32
}

// TransportPublic corresponds to the TPM_TRANSPORT_PUBLIC type.
type TransportPublic struct {
	TransAttributes uint32
	AlgID           AlgorithmId
	EncScheme       uint16
}

// TransportLog corresponds to the TPM_TRANSPORT_LOG_IN and TPM_TRANSPORT_LOG_OUT types. The log digest of a transport
// session is extended with the SHA-1 digest of each marshalled entry.
type TransportLog struct {
	Tag          StructTag
	ParamDigest  Digest
	PubKeyDigest Digest
	Locality     uint32
}

// TransportSignInfo is signed by ReleaseTransportSigned.
type TransportSignInfo struct {
	Fixed       [4]byte
	ReplayNonce Nonce
	LogDigest   Digest
}

const (
	// TransportAttribEncrypt requests that command and response parameters are encrypted.
	TransportAttribEncrypt uint32 = 0x00000001

	// TransportAttribLog requests that the session keeps a log digest.
	TransportAttribLog uint32 = 0x00000002
)
