// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package transportutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/mu"
)

var (
	commandHeaderSize  = binary.Size(tss.CommandHeader{})
	responseHeaderSize = binary.Size(tss.ResponseHeader{})
)

func checkCommandHeader(hdr *tss.CommandHeader, maxSize uint32) error {
	switch hdr.Tag {
	case tss.TagRquCommand, tss.TagRquAuth1Command, tss.TagRquAuth2Command:
	default:
		return fmt.Errorf("invalid command tag 0x%04x", uint16(hdr.Tag))
	}
	if hdr.CommandSize < uint32(commandHeaderSize) || hdr.CommandSize > maxSize {
		return fmt.Errorf("invalid command size (%d bytes)", hdr.CommandSize)
	}
	return nil
}

func checkResponseHeader(hdr *tss.ResponseHeader, n int) error {
	switch hdr.Tag {
	case tss.TagRspCommand, tss.TagRspAuth1Command, tss.TagRspAuth2Command:
	default:
		return fmt.Errorf("invalid response tag 0x%04x", uint16(hdr.Tag))
	}
	if hdr.ResponseSize != uint32(n) {
		return fmt.Errorf("response size mismatch (header has %d bytes, read %d bytes)", hdr.ResponseSize, n)
	}
	return nil
}

// commandFramer assembles command packets that may arrive over several writes.
type commandFramer struct {
	w       io.Writer
	maxSize uint32
	pending bytes.Buffer
	size    int // 0 until the header of the pending packet is complete
}

// FrameCommands returns a writer that assembles the command packets written to it and
// passes each complete packet to w in a single write. A packet is rejected and discarded if
// its tag isn't a request tag, or if its size is smaller than the header or larger than
// maxCommandSize.
//
// Bytes written past the end of a packet are discarded and the write returns
// io.ErrShortWrite. If w returns an error, the whole packet is discarded.
func FrameCommands(w io.Writer, maxCommandSize uint32) io.Writer {
	return &commandFramer{w: w, maxSize: maxCommandSize}
}

func (f *commandFramer) reset() {
	f.pending.Reset()
	f.size = 0
}

func (f *commandFramer) Write(data []byte) (int, error) {
	f.pending.Write(data)

	if f.size == 0 {
		if f.pending.Len() < commandHeaderSize {
			return len(data), nil
		}

		var hdr tss.CommandHeader
		if _, err := mu.UnmarshalFromBytes(f.pending.Bytes(), &hdr); err != nil {
			f.reset()
			return 0, fmt.Errorf("cannot decode command header: %w", err)
		}
		if err := checkCommandHeader(&hdr, f.maxSize); err != nil {
			f.reset()
			return 0, err
		}
		f.size = int(hdr.CommandSize)
	}

	if f.pending.Len() < f.size {
		return len(data), nil
	}

	defer f.reset()

	excess := f.pending.Len() - f.size
	if _, err := f.w.Write(f.pending.Next(f.size)); err != nil {
		return len(data) - excess, err
	}
	if excess > 0 {
		return len(data) - excess, io.ErrShortWrite
	}
	return len(data), nil
}

// responseFramer hands out response packets that are each obtained with a single read.
type responseFramer struct {
	r       io.Reader
	maxSize uint32
	rsp     *bytes.Reader
}

// FrameResponses returns a reader that obtains each response packet from r with a single read
// of up to maxResponseSize bytes, and then makes it available for partial reading. A read
// from r that doesn't return exactly one response packet is an error.
func FrameResponses(r io.Reader, maxResponseSize uint32) io.Reader {
	return &responseFramer{r: r, maxSize: maxResponseSize}
}

func (f *responseFramer) next() error {
	buf := make([]byte, f.maxSize)
	n, err := f.r.Read(buf)
	if err != nil {
		return err
	}
	if n < responseHeaderSize {
		return fmt.Errorf("short response (%d bytes)", n)
	}

	var hdr tss.ResponseHeader
	if _, err := mu.UnmarshalFromBytes(buf[:n], &hdr); err != nil {
		return fmt.Errorf("cannot decode response header: %w", err)
	}
	if err := checkResponseHeader(&hdr, n); err != nil {
		return err
	}

	f.rsp = bytes.NewReader(buf[:n])
	return nil
}

func (f *responseFramer) Read(data []byte) (int, error) {
	if f.rsp == nil || f.rsp.Len() == 0 {
		if err := f.next(); err != nil {
			return 0, err
		}
	}
	return f.rsp.Read(data)
}
