// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package linux

func NewTransportForFD(fd int, name string) *Transport {
	return newTransport(newTPMFile(fd, name))
}
