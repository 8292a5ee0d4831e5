// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package gateway

import (
	"context"
	"net/netip"
	"time"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

// NetDevice requires AF_PACKET and raw IP sockets, which only the Linux
// build provides.
type NetDevice struct{}

func OpenDevice(ifname string, listenPort uint16, logger *logging.Logger) (*NetDevice, error) {
	return nil, errors.New(errors.KindUnavailable, "packet device requires Linux")
}

func (d *NetDevice) ReadOutbound(ctx context.Context) ([]byte, error) {
	return nil, errors.New(errors.KindUnavailable, "packet device requires Linux")
}

func (d *NetDevice) ReadInbound(ctx context.Context) ([]byte, netip.AddrPort, error) {
	return nil, netip.AddrPort{}, errors.New(errors.KindUnavailable, "packet device requires Linux")
}

func (d *NetDevice) WriteWire(frame []byte, endpoint netip.AddrPort, tos uint8, earliest time.Time) error {
	return errors.New(errors.KindUnavailable, "packet device requires Linux")
}

func (d *NetDevice) WriteLocal(packet []byte) error {
	return errors.New(errors.KindUnavailable, "packet device requires Linux")
}

func (d *NetDevice) Close() error { return nil }
