// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"crypto"
	"crypto/hmac"
	"crypto/sha1"
	"io"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/crypt"
	"github.com/canonical/go-tss/mu"
)

const commandHeaderSize = 10

var (
	transportOAEPLabel     = []byte("TCPA")
	transportSignInfoFixed = [4]byte{'T', 'R', 'A', 'N'}
)

// transportState is the state of a transport session.
type transportState struct {
	flags     uint32
	logDigest tss.Digest
}

func (s *session) extendLog(data []byte) {
	t := s.transport
	if t.flags&tss.TransportAttribLog == 0 {
		return
	}
	entry := tss.TransportLog{Tag: tss.TagTransportLog, ParamDigest: sha1.Sum(data)}
	h := sha1.New()
	h.Write(t.logDigest[:])
	d := sha1.Sum(mu.MustMarshalToBytes(&entry))
	h.Write(d[:])
	copy(t.logDigest[:], h.Sum(nil))
}

func (s *session) obfuscate(data []byte, nonceEven, nonceOdd tss.Nonce) {
	if s.transport.flags&tss.TransportAttribEncrypt == 0 || len(data) <= commandHeaderSize {
		return
	}
	crypt.XORObfuscation(crypto.SHA1, s.sharedSecret[:], nonceEven[:], nonceOdd[:], data[commandHeaderSize:])
}

func (c *commandContext) establishTransport() ([]interface{}, error) {
	var pub tss.TransportPublic
	var encSecret []byte
	if err := c.unmarshalParams(&pub, &encSecret); err != nil {
		return nil, err
	}

	d := c.device
	k, err := d.lookupKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	if _, err := c.authorizeKey(0, k); err != nil {
		return nil, err
	}
	if !k.hasUsage(tss.KeyUsageStorage, tss.KeyUsageLegacy, tss.KeyUsageBind) {
		return nil, tpmError(tss.ErrorInvalidKeyUsage)
	}
	if pub.TransAttributes&^(tss.TransportAttribEncrypt|tss.TransportAttribLog) != 0 {
		return nil, tpmError(tss.ErrorBadParameter)
	}
	if pub.TransAttributes&tss.TransportAttribEncrypt != 0 && pub.AlgID != tss.AlgorithmMGF1 {
		return nil, tpmError(tss.ErrorBadParameter)
	}

	secret, err := rsaDecryptOAEP(k.priv, encSecret, transportOAEPLabel)
	if err != nil || len(secret) != len(tss.AuthValue{}) {
		return nil, tpmError(tss.ErrorDecryptError)
	}

	s, err := d.newSession(sessionTransport)
	if err != nil {
		return nil, err
	}
	copy(s.sharedSecret[:], secret)
	s.transport = &transportState{flags: pub.TransAttributes}

	return []interface{}{s.handle, s.nonceEven}, nil
}

// authorizeTransport verifies the authorization at index i against the transport session it
// refers to.
func (c *commandContext) authorizeTransport(i int) error {
	if !c.hasAuth(i) {
		return c.authFailCode(i)
	}
	a := c.auths[i]
	s := a.session
	if s.typ != sessionTransport {
		return tpmError(tss.ErrorInvalidAuthHandle)
	}

	cpDigest := tss.ComputeCommandParamDigest(c.code, c.paramBytes)
	expected := tss.ComputeAuthHMAC(s.sharedSecret, cpDigest, s.nonceEven, a.cmd.NonceOdd, a.cmd.ContinueAuthSession)
	if !hmac.Equal(expected[:], a.cmd.Auth[:]) {
		return c.authFailCode(i)
	}
	a.key = s.sharedSecret
	a.verified = true
	return nil
}

// executeTransport executes a command wrapped in TPM_ExecuteTransport. The wrapper is
// handled here rather than by run, as the wrapped command is executed in between verifying
// the command authorization and producing the response authorization.
func (d *Device) executeTransport(params []byte, authArea []tss.AuthCommand) []byte {
	fail := func(code tss.ErrorCode) []byte {
		if len(authArea) == 1 {
			delete(d.sessions, authArea[0].AuthHandle)
		}
		return tss.MarshalResponsePacket(tss.ResponseCode(code), nil, nil)
	}

	if len(authArea) != 1 {
		return fail(tss.ErrorBadTag)
	}
	auth := authArea[0]
	s, ok := d.sessions[auth.AuthHandle]
	if !ok || s.typ != sessionTransport {
		return fail(tss.ErrorInvalidAuthHandle)
	}

	var wrapped []byte
	if _, err := mu.UnmarshalFromBytes(params, &wrapped); err != nil {
		return fail(tss.ErrorBadParamSize)
	}

	cpDigest := tss.ComputeCommandParamDigest(tss.CommandExecuteTransport, params)
	expected := tss.ComputeAuthHMAC(s.sharedSecret, cpDigest, s.nonceEven, auth.NonceOdd, auth.ContinueAuthSession)
	if !hmac.Equal(expected[:], auth.Auth[:]) {
		return fail(tss.ErrorAuthFail)
	}

	s.obfuscate(wrapped, s.nonceEven, auth.NonceOdd)
	s.extendLog(wrapped)

	var rsp []byte
	switch code, err := tss.CommandPacket(wrapped).GetCommandCode(); {
	case err != nil:
		rsp = tss.MarshalResponsePacket(tss.ResponseCode(tss.ErrorBadParamSize), nil, nil)
	case code == tss.CommandEstablishTransport || code == tss.CommandExecuteTransport || code == tss.CommandReleaseTransportSigned:
		rsp = tss.MarshalResponsePacket(tss.ResponseCode(tss.ErrorBadParameter), nil, nil)
	default:
		rsp = d.executeLocked(wrapped)
	}

	var nonceEven tss.Nonce
	if _, err := io.ReadFull(d.rand, nonceEven[:]); err != nil {
		return fail(tss.ErrorFail)
	}
	s.nonceEven = nonceEven

	s.extendLog(rsp)
	s.obfuscate(rsp, nonceEven, auth.NonceOdd)

	rpBytes := mu.MustMarshalToBytes(rsp)
	rpDigest := tss.ComputeResponseParamDigest(tss.Success, tss.CommandExecuteTransport, rpBytes)
	rAuth := tss.AuthResponse{
		NonceEven:           nonceEven,
		ContinueAuthSession: auth.ContinueAuthSession,
		Auth:                tss.ComputeAuthHMAC(s.sharedSecret, rpDigest, nonceEven, auth.NonceOdd, auth.ContinueAuthSession)}
	if !auth.ContinueAuthSession {
		delete(d.sessions, s.handle)
	}

	return tss.MarshalResponsePacket(tss.Success, rpBytes, []tss.AuthResponse{rAuth})
}

func (c *commandContext) releaseTransportSigned() ([]interface{}, error) {
	var antiReplay tss.Nonce
	if err := c.unmarshalParams(&antiReplay); err != nil {
		return nil, err
	}

	d := c.device
	k, err := d.lookupKey(c.handles[0])
	if err != nil {
		return nil, err
	}
	next, err := c.authorizeKey(0, k)
	if err != nil {
		return nil, err
	}
	if err := c.authorizeTransport(next); err != nil {
		return nil, err
	}
	if !k.hasUsage(tss.KeyUsageSigning, tss.KeyUsageIdentity, tss.KeyUsageLegacy) {
		return nil, tpmError(tss.ErrorInvalidKeyUsage)
	}

	s := c.auths[next].session
	info := tss.TransportSignInfo{Fixed: transportSignInfoFixed, ReplayNonce: antiReplay, LogDigest: s.transport.logDigest}
	digest := sha1.Sum(mu.MustMarshalToBytes(&info))
	sig, err := k.signDigest(digest[:])
	if err != nil {
		return nil, err
	}

	return []interface{}{sig}, nil
}
