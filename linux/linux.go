// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package linux provides a transport for the Linux TPM character device.
*/
package linux

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/internal/transportutil"
)

const (
	// DefaultDevicePath is the path of the first TPM character device.
	DefaultDevicePath = "/dev/tpm0"

	maxCommandSize  = 4096
	maxResponseSize = 4096
)

// Transport represents a connection to a Linux TPM character device. It is not intended
// to be used from multiple goroutines at the same time.
type Transport struct {
	file *tpmFile
	r    io.Reader
	w    io.Writer
}

var _ tss.Transport = (*Transport)(nil)

func newTransport(file *tpmFile) *Transport {
	return &Transport{
		file: file,
		// The character device returns a whole response from a single read.
		r: transportutil.FrameResponses(file, maxResponseSize),
		w: transportutil.FrameCommands(file, maxCommandSize)}
}

// OpenDevice opens the TPM character device at path.
func OpenDevice(path string) (*Transport, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	return newTransport(newTPMFile(fd, path)), nil
}

// SetTimeout sets the time to wait for a response. A value of tss.InfiniteTimeout waits
// forever, which is the default.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	t.file.timeout = timeout
	return nil
}

// Read implements [tss.Transport.Read].
func (t *Transport) Read(data []byte) (int, error) {
	return t.r.Read(data)
}

// Write implements [tss.Transport.Write].
func (t *Transport) Write(data []byte) (int, error) {
	return t.w.Write(data)
}

// Close implements [tss.Transport.Close].
func (t *Transport) Close() error {
	return t.file.Close()
}
