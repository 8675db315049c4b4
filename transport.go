// Copyright 2020 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"errors"
	"io"
	"time"
)

// InfiniteTimeout can be used to configure an infinite I/O timeout on transports that
// support one.
const InfiniteTimeout = -1 * time.Millisecond

// ErrTimeoutNotSupported indicates that a [Transport] implementation does not support
// configuring an I/O timeout.
var ErrTimeoutNotSupported = errors.New("configurable I/O timeouts are not supported")

// Transport represents a communication channel to a TPM 1.2 device.
type Transport interface {
	// Read is used to receive a response to a previously transmitted command. The
	// implementation must support partial reading of a response.
	Read(p []byte) (int, error)

	// Write is used to transmit a serialized command to the device. A command is
	// transmitted in a single write.
	Write(p []byte) (int, error)

	// Close closes the transport.
	Close() error
}

type transportWriter struct {
	w io.Writer
}

func (w *transportWriter) Write(data []byte) (int, error) {
	n, err := w.w.Write(data)
	if err != nil {
		return n, &TransportError{"write", err}
	}
	return n, nil
}

func wrapTransportWriteErrors(w io.Writer) io.Writer {
	return &transportWriter{w: w}
}

type transportReader struct {
	r io.Reader
}

func (r *transportReader) Read(data []byte) (int, error) {
	n, err := r.r.Read(data)
	if err != nil {
		return n, &TransportError{"read", err}
	}
	return n, nil
}

func wrapTransportReadErrors(r io.Reader) io.Reader {
	return &transportReader{r: r}
}
