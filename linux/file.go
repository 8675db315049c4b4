// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package linux

import (
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canonical/go-tss"
)

// ErrTimeout is returned from Read when no response arrives within the configured timeout.
var ErrTimeout = os.ErrDeadlineExceeded

func ignoringEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}

// tpmFile performs raw I/O on a non-blocking descriptor. Reads always poll first, as the
// driver can return 0 rather than EAGAIN when no response is ready.
type tpmFile struct {
	mu      sync.Mutex
	fd      int
	name    string
	timeout time.Duration
}

func newTPMFile(fd int, name string) *tpmFile {
	return &tpmFile{fd: fd, name: name, timeout: tss.InfiniteTimeout}
}

func (f *tpmFile) wrapErr(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	return &os.PathError{Op: op, Path: f.name, Err: err}
}

func (f *tpmFile) poll() error {
	var ts *unix.Timespec
	if f.timeout >= 0 {
		t := unix.NsecToTimespec(f.timeout.Nanoseconds())
		ts = &t
	}

	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	n, err := ignoringEINTR(func() (int, error) {
		return unix.Ppoll(fds, ts, nil)
	})
	switch {
	case err != nil:
		return err
	case n == 0:
		return ErrTimeout
	case fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0:
		return unix.EIO
	}
	return nil
}

func (f *tpmFile) Read(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd < 0 {
		return 0, f.wrapErr("read", os.ErrClosed)
	}
	if err := f.poll(); err != nil {
		return 0, f.wrapErr("read", err)
	}

	n, err := ignoringEINTR(func() (int, error) {
		return unix.Read(f.fd, data)
	})
	if n == 0 && err == nil {
		err = io.EOF
	}
	if n < 0 {
		n = 0
	}
	return n, f.wrapErr("read", err)
}

func (f *tpmFile) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd < 0 {
		return 0, f.wrapErr("write", os.ErrClosed)
	}

	n, err := ignoringEINTR(func() (int, error) {
		return unix.Write(f.fd, data)
	})
	if n < 0 {
		n = 0
	}
	if n < len(data) && err == nil {
		err = io.ErrShortWrite
	}
	return n, f.wrapErr("write", err)
}

func (f *tpmFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd < 0 {
		return f.wrapErr("close", os.ErrClosed)
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return f.wrapErr("close", err)
}
