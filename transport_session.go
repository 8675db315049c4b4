// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"io"

	"golang.org/x/xerrors"

	"github.com/canonical/go-tss/internal/crypt"
	"github.com/canonical/go-tss/mu"
)

const (
	transportOAEPLabel = "TCPA"

	// commandHeaderSize is the size of the header that is sent in the clear when a wrapped
	// command or response is encrypted.
	commandHeaderSize = 10
)

var transportSignInfoFixed = [4]byte{'T', 'R', 'A', 'N'}

// transportSession wraps every command on a context in TPM_ExecuteTransport. The wrapper is
// authorized with the transport secret, and the wrapped command and response are encrypted
// with a key stream derived from the secret and the rolling nonces if requested. A running
// digest of the wrapped commands and responses is kept if requested, and is signed by the
// TPM when the session is released.
//
// A transportSession is only accessed with Context.cmdMu held.
type transportSession struct {
	context   *Context
	handle    Handle
	session   *AuthSession
	secret    AuthValue
	flags     uint32
	logDigest Digest
}

// wraps indicates whether the specified command is sent inside the transport session.
func (t *transportSession) wraps(code CommandCode) bool {
	switch code {
	case CommandEstablishTransport, CommandExecuteTransport, CommandReleaseTransportSigned:
		return false
	default:
		return true
	}
}

func (t *transportSession) extendLog(data []byte) {
	if t.flags&TransportAttribLog == 0 {
		return
	}
	entry := TransportLog{Tag: TagTransportLog, ParamDigest: sha1.Sum(data)}
	h := sha1.New()
	h.Write(t.logDigest[:])
	d := sha1.Sum(mu.MustMarshalToBytes(&entry))
	h.Write(d[:])
	copy(t.logDigest[:], h.Sum(nil))
}

func (t *transportSession) obfuscate(data []byte, nonceEven, nonceOdd Nonce) {
	if t.flags&TransportAttribEncrypt == 0 || len(data) <= commandHeaderSize {
		return
	}
	crypt.XORObfuscation(crypto.SHA1, t.secret[:], nonceEven[:], nonceOdd[:], data[commandHeaderSize:])
}

// execute sends cmd to the TPM inside TPM_ExecuteTransport and returns the unwrapped
// response. The transport session is terminated if the wrapper fails.
func (t *transportSession) execute(cmd CommandPacket) (ResponsePacket, error) {
	c := t.context
	s := t.session

	if s.terminated {
		return nil, newError(ErrorKindInvalidHandle, "ExecuteTransport", "transport session has been terminated")
	}

	t.extendLog(cmd)

	wrapped := make([]byte, len(cmd))
	copy(wrapped, cmd)
	nonceOdd := s.nonceOdd
	t.obfuscate(wrapped, s.nonceEven, nonceOdd)

	cpBytes := mu.MustMarshalToBytes(wrapped)
	auth := &commandAuth{session: s, key: t.secret, continueSession: true}
	authCmd := auth.buildCommandAuth(ComputeCommandParamDigest(CommandExecuteTransport, cpBytes))

	rsp, err := c.transmit(CommandExecuteTransport, MarshalCommandPacket(CommandExecuteTransport, nil, cpBytes, []AuthCommand{authCmd}))
	if err != nil {
		s.terminated = true
		return nil, err
	}

	rc, rpBytes, rAuthArea, err := rsp.Unmarshal()
	if err != nil {
		s.terminated = true
		return nil, &InvalidResponseError{CommandExecuteTransport, fmt.Sprintf("cannot unmarshal response packet: %v", err)}
	}
	if err := DecodeResponseCode(CommandExecuteTransport, rc); err != nil {
		s.terminated = true
		return nil, err
	}
	if len(rAuthArea) != 1 {
		s.terminated = true
		return nil, &InvalidResponseError{CommandExecuteTransport, fmt.Sprintf("unexpected number of response authorizations (%d)", len(rAuthArea))}
	}
	if err := auth.processResponseAuth(ComputeResponseParamDigest(Success, CommandExecuteTransport, rpBytes), &rAuthArea[0]); err != nil {
		return nil, &InvalidResponseError{CommandExecuteTransport, fmt.Sprintf("cannot process response auth: %v", err)}
	}

	var wrappedRsp []byte
	if _, err := mu.UnmarshalFromBytes(rpBytes, &wrappedRsp); err != nil {
		return nil, &InvalidResponseError{CommandExecuteTransport, fmt.Sprintf("cannot unmarshal wrapped response: %v", err)}
	}
	t.obfuscate(wrappedRsp, rAuthArea[0].NonceEven, nonceOdd)
	t.extendLog(wrappedRsp)

	return wrappedRsp, nil
}

// EnableTransport establishes a transport session with the TPM, and sends every later
// command on this context inside it until CloseTransport is called. The transport secret is
// encrypted under key, which must be a storage or legacy key, and the usage secret of key
// is required. The flags are a combination of TransportAttribEncrypt and
// TransportAttribLog.
func (c *Context) EnableTransport(key *Key, flags uint32) error {
	const op = "EnableTransport"
	if err := c.checkObject(op, key); err != nil {
		return err
	}
	if flags&^(TransportAttribEncrypt|TransportAttribLog) != 0 {
		return makeInvalidArgError(op, "flags", fmt.Sprintf("invalid flags 0x%08x", flags))
	}

	c.cmdMu.Lock()
	active := c.transSess != nil
	c.cmdMu.Unlock()
	if active {
		return newError(ErrorKindInvalidObjectAccess, op, "a transport session is already enabled")
	}

	pub, err := key.PublicKey()
	if err != nil {
		return xerrors.Errorf("cannot obtain public key: %w", err)
	}

	var secret AuthValue
	if _, err := io.ReadFull(c.rand, secret[:]); err != nil {
		return xerrors.Errorf("cannot obtain transport secret: %w", err)
	}
	encSecret, err := rsa.EncryptOAEP(sha1.New(), c.rand, pub, secret[:], []byte(transportOAEPLabel))
	if err != nil {
		return makeInvalidArgError(op, "key", fmt.Sprintf("cannot encrypt transport secret: %v", err))
	}

	handles, release, err := c.keys.acquire(key)
	if err != nil {
		return err
	}
	defer release()

	auth, err := key.authorizeUsage(op, handles[0], false)
	if err != nil {
		return err
	}
	defer auth.end()

	transPub := TransportPublic{TransAttributes: flags, AlgID: AlgorithmMGF1, EncScheme: uint16(EncSchemeNone)}
	s := &AuthSession{context: c, typ: SessionTypeOIAP, persistent: true}
	if err := c.StartCommand(CommandEstablishTransport).AddHandles(handles[0]).
		AddParams(&transPub, encSecret).
		addAuths(auth).
		Run(&s.handle, &s.nonceEven); err != nil {
		return err
	}
	if err := s.rollNonceOdd(); err != nil {
		c.flushSpecific(s.handle, ResourceTrans)
		return err
	}

	c.cmdMu.Lock()
	if c.transSess != nil {
		c.cmdMu.Unlock()
		c.flushSpecific(s.handle, ResourceTrans)
		return newError(ErrorKindInvalidObjectAccess, op, "a transport session is already enabled")
	}
	c.transSess = &transportSession{context: c, handle: s.handle, session: s, secret: secret, flags: flags}
	c.cmdMu.Unlock()

	c.logger.WithField("handle", s.handle).Debug("established transport session")
	return nil
}

// CloseTransport releases the transport session established with EnableTransport. The TPM
// signs the transport log digest with signingKey, and the signature is verified against the
// digest computed on the client. A mismatch is reported as an *InvalidResponseError.
func (c *Context) CloseTransport(signingKey *Key) error {
	const op = "CloseTransport"
	if err := c.checkObject(op, signingKey); err != nil {
		return err
	}

	c.cmdMu.Lock()
	t := c.transSess
	c.transSess = nil
	c.cmdMu.Unlock()
	if t == nil {
		return newError(ErrorKindInvalidObjectAccess, op, "no transport session is enabled")
	}

	err := c.releaseTransport(op, t, signingKey)
	if !t.session.terminated {
		if err := c.flushSpecific(t.handle, ResourceTrans); err != nil {
			c.logger.WithError(err).Warn("cannot flush transport session")
		}
	}
	return err
}

func (c *Context) releaseTransport(op string, t *transportSession, signingKey *Key) error {
	pub, err := signingKey.PublicKey()
	if err != nil {
		return xerrors.Errorf("cannot obtain public key: %w", err)
	}

	var antiReplay Nonce
	if _, err := io.ReadFull(c.rand, antiReplay[:]); err != nil {
		return xerrors.Errorf("cannot obtain nonce: %w", err)
	}

	handles, release, err := c.keys.acquire(signingKey)
	if err != nil {
		return err
	}
	defer release()

	keyAuth, err := signingKey.authorizeUsage(op, handles[0], false)
	if err != nil {
		return err
	}
	defer keyAuth.end()

	transAuth := &commandAuth{session: t.session, key: t.secret}

	var sig []byte
	if err := c.StartCommand(CommandReleaseTransportSigned).AddHandles(handles[0]).
		AddParams(antiReplay).
		addAuths(keyAuth, transAuth).
		Run(&sig); err != nil {
		return err
	}

	info := TransportSignInfo{Fixed: transportSignInfoFixed, ReplayNonce: antiReplay, LogDigest: t.logDigest}
	digest := sha1.Sum(mu.MustMarshalToBytes(&info))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig); err != nil {
		return &InvalidResponseError{CommandReleaseTransportSigned, "signature over the transport log doesn't match"}
	}

	c.logger.WithField("handle", t.handle).Debug("released transport session")
	return nil
}
