// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package simulator

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/tomb.v2"
)

// Commands on the TPM channel, using the framing of the Microsoft TPM simulator.
const (
	cmdTPMSendCommand uint32 = 8
	cmdSessionEnd     uint32 = 20
	cmdStop           uint32 = 21
)

// Server serves a Device over TCP. Each connection carries commands framed as they are on
// the TPM command channel of the Microsoft TPM simulator.
type Server struct {
	device   *Device
	listener net.Listener
	logger   logrus.FieldLogger
	tomb     tomb.Tomb
}

// Serve starts serving this device on the supplied listener. The server owns the listener.
func (d *Device) Serve(l net.Listener) *Server {
	s := &Server{
		device:   d,
		listener: l,
		logger:   d.logger.WithField("addr", l.Addr().String())}
	s.tomb.Go(s.acceptLoop)
	return s
}

// Addr returns the address that the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop stops accepting connections, closes the open ones and waits for them to finish.
func (s *Server) Stop() error {
	s.tomb.Kill(nil)
	s.listener.Close()
	return s.tomb.Wait()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return nil
			default:
				return xerrors.Errorf("cannot accept connection: %w", err)
			}
		}

		s.logger.WithField("remote", conn.RemoteAddr().String()).Debug("accepted connection")
		s.tomb.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) serveConn(conn net.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
	}()
	go func() {
		select {
		case <-s.tomb.Dying():
			conn.Close()
		case <-done:
		}
	}()

	log := s.logger.WithField("remote", conn.RemoteAddr().String())

	for {
		var cmd uint32
		if err := binary.Read(conn, binary.BigEndian, &cmd); err != nil {
			if !errors.Is(err, io.EOF) && s.tomb.Alive() {
				log.WithError(err).Debug("cannot read channel command")
			}
			return
		}

		switch cmd {
		case cmdTPMSendCommand:
			if err := s.sendCommand(conn); err != nil {
				log.WithError(err).Debug("cannot complete command")
				return
			}
		case cmdSessionEnd, cmdStop:
			log.Debug("session ended")
			return
		default:
			log.WithField("cmd", cmd).Debug("unsupported channel command")
			return
		}
	}
}

func (s *Server) sendCommand(conn net.Conn) error {
	var locality uint8
	var size uint32
	if err := binary.Read(conn, binary.BigEndian, &locality); err != nil {
		return err
	}
	if err := binary.Read(conn, binary.BigEndian, &size); err != nil {
		return err
	}
	if size > maxCommandSize {
		return xerrors.Errorf("command too large (%d bytes)", size)
	}

	cmd := make([]byte, size)
	if _, err := io.ReadFull(conn, cmd); err != nil {
		return err
	}

	rsp := s.device.Execute(cmd)

	out := make([]byte, 0, len(rsp)+8)
	out = binary.BigEndian.AppendUint32(out, uint32(len(rsp)))
	out = append(out, rsp...)
	out = binary.BigEndian.AppendUint32(out, 0)
	_, err := conn.Write(out)
	return err
}
