// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"bytes"
	"crypto/hmac"
	"io"

	"golang.org/x/xerrors"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/mu"
)

type commandFunc func(c *commandContext) ([]interface{}, error)

type commandInfo struct {
	handles int
	fn      commandFunc
}

var commands map[tss.CommandCode]commandInfo

func init() {
	commands = map[tss.CommandCode]commandInfo{
		tss.CommandOIAP:                          {0, (*commandContext).oiap},
		tss.CommandOSAP:                          {0, (*commandContext).osap},
		tss.CommandDSAP:                          {0, (*commandContext).dsap},
		tss.CommandFlushSpecific:                 {1, (*commandContext).flushSpecific},
		tss.CommandTakeOwnership:                 {0, (*commandContext).takeOwnership},
		tss.CommandReadPubek:                     {0, (*commandContext).readPubek},
		tss.CommandGetCapability:                 {0, (*commandContext).getCapability},
		tss.CommandGetRandom:                     {0, (*commandContext).getRandom},
		tss.CommandExtend:                        {0, (*commandContext).extend},
		tss.CommandPCRRead:                       {0, (*commandContext).pcrRead},
		tss.CommandPCRReset:                      {0, (*commandContext).pcrReset},
		tss.CommandLoadKey2:                      {1, (*commandContext).loadKey2},
		tss.CommandGetPubKey:                     {1, (*commandContext).getPubKey},
		tss.CommandCreateWrapKey:                 {1, (*commandContext).createWrapKey},
		tss.CommandCMKCreateKey:                  {1, (*commandContext).cmkCreateKey},
		tss.CommandChangeAuth:                    {1, (*commandContext).changeAuth},
		tss.CommandSeal:                          {1, (*commandContext).seal},
		tss.CommandUnseal:                        {1, (*commandContext).unseal},
		tss.CommandUnBind:                        {1, (*commandContext).unBind},
		tss.CommandSign:                          {1, (*commandContext).sign},
		tss.CommandQuote:                         {1, (*commandContext).quote},
		tss.CommandNVDefineSpace:                 {0, (*commandContext).nvDefineSpace},
		tss.CommandNVWriteValue:                  {0, (*commandContext).nvWriteValue},
		tss.CommandNVWriteValueAuth:              {0, (*commandContext).nvWriteValueAuth},
		tss.CommandNVReadValue:                   {0, (*commandContext).nvReadValue},
		tss.CommandNVReadValueAuth:               {0, (*commandContext).nvReadValueAuth},
		tss.CommandAuthorizeMigrationKey:         {0, (*commandContext).authorizeMigrationKey},
		tss.CommandCreateMigrationBlob:           {1, (*commandContext).createMigrationBlob},
		tss.CommandConvertMigrationBlob:          {1, (*commandContext).convertMigrationBlob},
		tss.CommandCMKApproveMA:                  {0, (*commandContext).cmkApproveMA},
		tss.CommandCMKCreateTicket:               {0, (*commandContext).cmkCreateTicket},
		tss.CommandCMKCreateBlob:                 {1, (*commandContext).cmkCreateBlob},
		tss.CommandCMKConvertMigration:           {1, (*commandContext).cmkConvertMigration},
		tss.CommandDelegateManage:                {0, (*commandContext).delegateManage},
		tss.CommandDelegateCreateOwnerDelegation: {0, (*commandContext).delegateCreateOwnerDelegation},
		tss.CommandDelegateCreateKeyDelegation:   {1, (*commandContext).delegateCreateKeyDelegation},
		tss.CommandDelegateLoadOwnerDelegation:   {0, (*commandContext).delegateLoadOwnerDelegation},
		tss.CommandDelegateUpdateVerification:    {0, (*commandContext).delegateUpdateVerification},
		tss.CommandDelegateReadTable:             {0, (*commandContext).delegateReadTable},
		tss.CommandEstablishTransport:            {1, (*commandContext).establishTransport},
		tss.CommandExecuteTransport:              {0, nil},
		tss.CommandReleaseTransportSigned:        {1, (*commandContext).releaseTransportSigned},
	}
}

// authSlot is an authorization from the command auth area, along with the session that it
// refers to.
type authSlot struct {
	cmd      tss.AuthCommand
	session  *session
	key      tss.AuthValue
	verified bool
}

// commandContext holds the state of the command being executed.
type commandContext struct {
	device     *Device
	code       tss.CommandCode
	handles    []tss.Handle
	paramBytes []byte
	params     *bytes.Reader
	auths      []*authSlot
}

func (c *commandContext) run(fn commandFunc, authArea []tss.AuthCommand) ([]byte, error) {
	d := c.device

	for _, a := range authArea {
		s, ok := d.sessions[a.AuthHandle]
		if !ok {
			return nil, tpmError(tss.ErrorInvalidAuthHandle)
		}
		c.auths = append(c.auths, &authSlot{cmd: a, session: s})
	}

	out, err := fn(c)
	if err != nil {
		return nil, err
	}
	for _, a := range c.auths {
		if !a.verified {
			return nil, tpmError(tss.ErrorBadTag)
		}
	}

	rpBytes, err := mu.MarshalToBytes(out...)
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal response parameters: %w", err)
	}
	rpDigest := tss.ComputeResponseParamDigest(tss.Success, c.code, rpBytes)

	var rAuthArea []tss.AuthResponse
	for _, a := range c.auths {
		var nonceEven tss.Nonce
		if _, err := io.ReadFull(d.rand, nonceEven[:]); err != nil {
			return nil, tpmError(tss.ErrorFail)
		}
		s := a.session
		s.nonceEven = nonceEven
		rAuthArea = append(rAuthArea, tss.AuthResponse{
			NonceEven:           nonceEven,
			ContinueAuthSession: a.cmd.ContinueAuthSession,
			Auth:                tss.ComputeAuthHMAC(a.key, rpDigest, nonceEven, a.cmd.NonceOdd, a.cmd.ContinueAuthSession)})
		if !a.cmd.ContinueAuthSession {
			delete(d.sessions, s.handle)
		}
	}

	return tss.MarshalResponsePacket(tss.Success, rpBytes, rAuthArea), nil
}

// terminateSessions closes every session used by a command that failed.
func (c *commandContext) terminateSessions() {
	for _, a := range c.auths {
		delete(c.device.sessions, a.session.handle)
	}
}

// unmarshalParams decodes every command parameter. It is an error for any bytes to remain.
func (c *commandContext) unmarshalParams(vals ...interface{}) error {
	if _, err := mu.UnmarshalFromReader(c.params, vals...); err != nil {
		return tpmError(tss.ErrorBadParamSize)
	}
	if c.params.Len() > 0 {
		return tpmError(tss.ErrorBadParamSize)
	}
	return nil
}

// entity identifies the object that a command authorization applies to.
type entity struct {
	typ    tss.EntityType
	value  uint32
	secret tss.AuthValue
	key    *keySlot
}

func (c *commandContext) authFailCode(i int) tpmError {
	if i == 0 {
		return tpmError(tss.ErrorAuthFail)
	}
	return tpmError(tss.ErrorAuth2Fail)
}

// hasAuth indicates whether the command carries the authorization at index i.
func (c *commandContext) hasAuth(i int) bool {
	return i < len(c.auths)
}

// authorize verifies the authorization at index i against e.
func (c *commandContext) authorize(i int, e *entity) error {
	if !c.hasAuth(i) {
		return c.authFailCode(i)
	}
	a := c.auths[i]
	s := a.session

	var key tss.AuthValue
	switch s.typ {
	case sessionOIAP:
		key = e.secret
	case sessionOSAP:
		if s.entityType != e.typ || s.entityValue != e.value {
			return c.authFailCode(i)
		}
		key = s.sharedSecret
	case sessionDSAP:
		if err := c.checkDelegation(s, e); err != nil {
			return err
		}
		key = s.sharedSecret
	default:
		return tpmError(tss.ErrorInvalidAuthHandle)
	}

	cpDigest := tss.ComputeCommandParamDigest(c.code, c.paramBytes)
	expected := tss.ComputeAuthHMAC(key, cpDigest, s.nonceEven, a.cmd.NonceOdd, a.cmd.ContinueAuthSession)
	if !hmac.Equal(expected[:], a.cmd.Auth[:]) {
		return c.authFailCode(i)
	}

	a.key = key
	a.verified = true
	return nil
}

// authorizeKey verifies the usage authorization for k at index i, and returns the index of
// the next authorization. Keys that never require authorization consume no slot.
func (c *commandContext) authorizeKey(i int, k *keySlot) (int, error) {
	if k.public.AuthDataUsage == tss.AuthNever {
		return i, nil
	}
	if err := c.authorize(i, k.entity()); err != nil {
		return 0, err
	}
	return i + 1, nil
}

// authorizeOwner verifies the owner authorization at index i.
func (c *commandContext) authorizeOwner(i int) error {
	d := c.device
	if !d.owned {
		return c.authFailCode(i)
	}
	return c.authorize(i, &entity{typ: tss.EntityOwner, value: uint32(tss.HandleOwner), secret: d.ownerAuth})
}

// sharedSession returns the OSAP or DSAP session at index i, which is required by commands
// that accept encrypted authorization values.
func (c *commandContext) sharedSession(i int) (*session, error) {
	if !c.hasAuth(i) {
		return nil, c.authFailCode(i)
	}
	s := c.auths[i].session
	if s.typ != sessionOSAP && s.typ != sessionDSAP {
		return nil, c.authFailCode(i)
	}
	return s, nil
}

// decryptAuth decrypts an authorization value that was encrypted with the shared secret of
// the session at index 0. The first value in a command uses the even nonce of the session,
// and the second uses the odd nonce from the command.
func (c *commandContext) decryptAuth(enc tss.AuthValue, second bool) (tss.AuthValue, error) {
	s, err := c.sharedSession(0)
	if err != nil {
		return tss.AuthValue{}, err
	}
	nonce := s.nonceEven
	if second {
		nonce = c.auths[0].cmd.NonceOdd
	}
	return tss.EncryptAuthValue(s.sharedSecret, nonce, enc), nil
}
