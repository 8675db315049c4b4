// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package remote provides a transport to a TPM that is reachable over TCP, using the framing
of the TPM command channel of the Microsoft TPM simulator. The simulator package serves
this protocol.
*/
package remote

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/transportutil"
	"github.com/canonical/go-tss/mu"
)

const (
	cmdTPMSendCommand uint32 = 8
	cmdSessionEnd     uint32 = 20

	// DefaultPort is the default port of the TPM command channel.
	DefaultPort uint = 2321

	maxCommandSize = 8192
)

var netDial = net.DialTimeout

// Device describes a remote TPM.
type Device struct {
	host        string
	port        uint
	locality    uint8
	dialTimeout time.Duration
}

// Option configures a Device.
type Option func(*Device)

// WithHost sets the host that the TPM is reachable on. The default is localhost.
func WithHost(host string) Option {
	return func(d *Device) {
		d.host = host
	}
}

// WithPort sets the port of the TPM command channel. The default is 2321.
func WithPort(port uint) Option {
	return func(d *Device) {
		d.port = port
	}
}

// WithLocality sets the locality that commands are submitted at. The default is 0.
func WithLocality(locality uint8) Option {
	return func(d *Device) {
		d.locality = locality
	}
}

// WithDialTimeout sets the timeout for establishing a connection.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		d.dialTimeout = timeout
	}
}

// NewDevice returns a new remote device. It is safe to use from multiple goroutines.
func NewDevice(opts ...Option) *Device {
	d := &Device{
		host:        "localhost",
		port:        DefaultPort,
		dialTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Addr returns the address of the TPM command channel.
func (d *Device) Addr() string {
	return net.JoinHostPort(d.host, strconv.FormatUint(uint64(d.port), 10))
}

// String implements [fmt.Stringer].
func (d *Device) String() string {
	return fmt.Sprintf("remote TPM device, addr=%s", d.Addr())
}

// Open connects to the remote TPM. The returned transport should not be used from more
// than one goroutine at a time.
func (d *Device) Open() (*Transport, error) {
	conn, err := netDial("tcp", d.Addr(), d.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to TPM socket: %w", err)
	}

	t := &Transport{conn: conn, locality: d.locality}
	t.w = transportutil.FrameCommands(&commandSender{t: t}, maxCommandSize)
	return t, nil
}

// Transport is a connection to a remote TPM.
type Transport struct {
	conn     net.Conn
	locality uint8

	w io.Writer
	r io.Reader
}

var _ tss.Transport = (*Transport)(nil)

type commandSender struct {
	t *Transport
}

func (s *commandSender) Write(data []byte) (int, error) {
	buf := mu.MustMarshalToBytes(cmdTPMSendCommand, s.t.locality, uint32(len(data)), mu.RawBytes(data))

	n, err := s.t.conn.Write(buf)
	n -= len(buf) - len(data)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Read implements [tss.Transport.Read].
func (t *Transport) Read(data []byte) (int, error) {
	for {
		if t.r == nil {
			var size uint32
			if err := binary.Read(t.conn, binary.BigEndian, &size); err != nil {
				return 0, err
			}
			t.r = io.LimitReader(t.conn, int64(size))
		}

		n, err := t.r.Read(data)
		if err == io.EOF {
			t.r = nil
			err = nil

			// Each response is followed by a 32-bit trailer.
			var trailer uint32
			if err := binary.Read(t.conn, binary.BigEndian, &trailer); err != nil {
				return 0, err
			}

			if n == 0 {
				continue
			}
		}
		return n, err
	}
}

// Write implements [tss.Transport.Write].
func (t *Transport) Write(data []byte) (int, error) {
	return t.w.Write(data)
}

// Close implements [tss.Transport.Close]. It ends the session with the remote TPM.
func (t *Transport) Close() error {
	binary.Write(t.conn, binary.BigEndian, cmdSessionEnd)
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("cannot close TPM command channel: %w", err)
	}
	return nil
}
