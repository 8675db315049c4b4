// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto/hmac"
	"crypto/sha1"

	"github.com/canonical/go-tss/mu"
)

// This file contains the HMAC and digest computations shared by both ends of the
// authorization protocols.

// ComputeCommandParamDigest computes the digest of a command's parameters, which is the
// SHA-1 digest of the command code and the marshalled parameters, excluding handles.
func ComputeCommandParamDigest(command CommandCode, parameters []byte) Digest {
	return sha1.Sum(mu.MustMarshalToBytes(command, mu.RawBytes(parameters)))
}

// ComputeResponseParamDigest computes the digest of a response's parameters.
func ComputeResponseParamDigest(rc ResponseCode, command CommandCode, parameters []byte) Digest {
	return sha1.Sum(mu.MustMarshalToBytes(rc, command, mu.RawBytes(parameters)))
}

// ComputeAuthHMAC computes the authorization HMAC for a command or response.
func ComputeAuthHMAC(key AuthValue, paramDigest Digest, nonceEven, nonceOdd Nonce, continueSession bool) AuthValue {
	h := hmac.New(sha1.New, key[:])
	h.Write(mu.MustMarshalToBytes(paramDigest, nonceEven, nonceOdd, continueSession))

	var out AuthValue
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeSharedSecret computes the shared secret of an OSAP or DSAP session from the
// authorization value of the entity and the nonces exchanged when the session was started.
func ComputeSharedSecret(entityAuth AuthValue, nonceEvenOSAP, nonceOddOSAP Nonce) AuthValue {
	h := hmac.New(sha1.New, entityAuth[:])
	h.Write(nonceEvenOSAP[:])
	h.Write(nonceOddOSAP[:])

	var out AuthValue
	copy(out[:], h.Sum(nil))
	return out
}

// EncryptAuthValue encrypts a new authorization value for transmission to the TPM with
// the authorization data insertion protocol. The operation is its own inverse.
func EncryptAuthValue(sharedSecret AuthValue, nonce Nonce, value AuthValue) AuthValue {
	pad := sha1.Sum(append(sharedSecret[:], nonce[:]...))
	var out AuthValue
	for i := range out {
		out[i] = value[i] ^ pad[i]
	}
	return out
}

// ComputeProofHMAC computes a HMAC keyed with the TPM's proof value. It is used by the
// TPM to create tickets and integrity digests that only it can verify.
func ComputeProofHMAC(proof AuthValue, data ...interface{}) Digest {
	h := hmac.New(sha1.New, proof[:])
	h.Write(mu.MustMarshalToBytes(data...))

	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
