// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tss"
)

const (
	defaultMaxKeys     = 10
	defaultMaxSessions = 16
	defaultEKBits      = 2048

	maxNVSize    = 2048
	maxRandom    = 4096
	familyRows   = 8
	delegateRows = 2

	firstKeyHandle     tss.Handle = 0x01000000
	firstSessionHandle tss.Handle = 0x02000000

	manufacturer = 0x474f5453 // "GOTS"
)

// Config provides the configuration of a Device.
type Config struct {
	// MaxKeys is the number of key slots, not including the SRK. Zero selects the default of 10.
	MaxKeys int

	// MaxSessions is the number of authorization and transport sessions that can be open at
	// the same time. Zero selects the default of 16.
	MaxSessions int

	// EKBits is the size of the endorsement key. Zero selects the default of 2048.
	EKBits int

	// Rand is the source of nonces and key material. If nil, crypto/rand is used.
	Rand io.Reader

	// Logger receives a debug message for every command. If nil, nothing is logged.
	Logger logrus.FieldLogger
}

// Device is an in-process TPM 1.2 device. It starts without an owner, and keeps its state in
// memory. A Device can be shared by any number of transports, and commands are executed
// one at a time.
type Device struct {
	mu sync.Mutex

	rand        io.Reader
	logger      logrus.FieldLogger
	maxKeys     int
	maxSessions int

	ek        *rsa.PrivateKey
	owned     bool
	ownerAuth tss.AuthValue
	proof     tss.AuthValue
	srk       *keySlot

	nextKeyHandle     tss.Handle
	nextSessionHandle tss.Handle
	keys              map[tss.Handle]*keySlot
	sessions          map[tss.Handle]*session

	pcrs [tss.NumPCRs]tss.Digest
	nv   map[uint32]*nvSpace

	families     []*family
	nextFamilyID uint32
	delegates    [delegateRows]*delegateRow
}

// NewDevice creates a new device. The endorsement key is generated here.
func NewDevice(cfg *Config) (*Device, error) {
	if cfg == nil {
		cfg = new(Config)
	}

	d := &Device{
		rand:              cfg.Rand,
		logger:            cfg.Logger,
		maxKeys:           cfg.MaxKeys,
		maxSessions:       cfg.MaxSessions,
		nextKeyHandle:     firstKeyHandle,
		nextSessionHandle: firstSessionHandle,
		keys:              make(map[tss.Handle]*keySlot),
		sessions:          make(map[tss.Handle]*session),
		nv:                make(map[uint32]*nvSpace),
		nextFamilyID:      1}
	if d.rand == nil {
		d.rand = rand.Reader
	}
	if d.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		d.logger = l
	}
	if d.maxKeys == 0 {
		d.maxKeys = defaultMaxKeys
	}
	if d.maxSessions == 0 {
		d.maxSessions = defaultMaxSessions
	}

	bits := cfg.EKBits
	if bits == 0 {
		bits = defaultEKBits
	}
	ek, err := rsa.GenerateKey(d.rand, bits)
	if err != nil {
		return nil, xerrors.Errorf("cannot create endorsement key: %w", err)
	}
	d.ek = ek

	return d, nil
}

// Owned indicates whether the device has an owner.
func (d *Device) Owned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owned
}

// LoadedKeys returns the number of key slots in use, not including the SRK.
func (d *Device) LoadedKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

// OpenSessions returns the number of authorization and transport sessions that are open.
func (d *Device) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Execute executes a single command packet and returns the response packet.
func (d *Device) Execute(cmd []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executeLocked(cmd)
}

func (d *Device) executeLocked(cmd []byte) []byte {
	code, err := tss.CommandPacket(cmd).GetCommandCode()
	if err != nil {
		d.logger.WithError(err).Debug("cannot decode command header")
		return tss.MarshalResponsePacket(tss.ResponseCode(tss.ErrorBadParamSize), nil, nil)
	}

	log := d.logger.WithField("command", code)

	info, ok := commands[code]
	if !ok {
		log.Debug("unsupported command")
		return tss.MarshalResponsePacket(tss.ResponseCode(tss.ErrorBadOrdinal), nil, nil)
	}

	handles, params, authArea, err := tss.CommandPacket(cmd).Unmarshal(info.handles)
	if err != nil {
		log.WithError(err).Debug("cannot unmarshal command")
		return tss.MarshalResponsePacket(tss.ResponseCode(tss.ErrorBadParamSize), nil, nil)
	}

	if code == tss.CommandExecuteTransport {
		return d.executeTransport(params, authArea)
	}

	c := &commandContext{
		device:     d,
		code:       code,
		handles:    handles,
		paramBytes: params,
		params:     bytes.NewReader(params)}

	rsp, err := c.run(info.fn, authArea)
	if err != nil {
		rc := responseCodeFromError(err)
		log.WithError(err).Debugf("command failed with 0x%08x", uint32(rc))
		c.terminateSessions()
		return tss.MarshalResponsePacket(rc, nil, nil)
	}
	log.Debug("command succeeded")
	return rsp
}

// tpmError is returned from command handlers to produce an error response.
type tpmError tss.ErrorCode

func (e tpmError) Error() string {
	return tss.ErrorCode(e).String()
}

func responseCodeFromError(err error) tss.ResponseCode {
	var e tpmError
	if errors.As(err, &e) {
		return tss.ResponseCode(e)
	}
	return tss.ResponseCode(tss.ErrorBadParameter)
}

func beUint32(data []byte) (uint32, bool) {
	if len(data) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data), true
}
