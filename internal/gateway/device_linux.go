// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package gateway

import (
	"context"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

// NetDevice is the production packet device: an AF_PACKET socket on the
// protected interface for the plaintext side and a UDP socket for the
// tunnel side. Decrypted packets are injected through raw IP sockets.
type NetDevice struct {
	capture *os.File
	udp     *net.UDPConn
	raw4    int
	raw6    int
	logger  *logging.Logger

	// Last TOS byte set on the UDP socket, to skip redundant setsockopt
	// calls while one traffic class dominates.
	lastTOS int
}

// htons converts a port or protocol to network byte order for socket
// binds.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// OpenDevice binds the packet capture to the named interface and the
// tunnel socket to the given UDP port.
func OpenDevice(ifname string, listenPort uint16, logger *logging.Logger) (*NetDevice, error) {
	if logger == nil {
		logger = logging.WithComponent("device")
	}

	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "interface %s", ifname)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open packet socket")
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  link.Attrs().Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to bind packet socket to %s", ifname)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, errors.KindInternal, "failed to set packet socket nonblocking")
	}

	udp, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(listenPort)})
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to listen on udp port %d", listenPort)
	}

	raw4, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		unix.Close(fd)
		udp.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open raw IPv4 socket")
	}
	raw6, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		unix.Close(fd)
		udp.Close()
		unix.Close(raw4)
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open raw IPv6 socket")
	}

	logger.Info("device open", "interface", ifname, "ifindex", link.Attrs().Index, "listen_port", listenPort)
	return &NetDevice{
		capture: os.NewFile(uintptr(fd), "packet:"+ifname),
		udp:     udp,
		raw4:    raw4,
		raw6:    raw6,
		logger:  logger,
		lastTOS: -1,
	}, nil
}

// ReadOutbound returns the next link-layer frame captured on the
// protected interface.
func (d *NetDevice) ReadOutbound(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		d.capture.SetReadDeadline(time.Unix(0, 1))
	})
	defer stop()

	buf := make([]byte, 65536)
	n, err := d.capture.Read(buf)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "packet capture read failed")
	}
	return buf[:n], nil
}

// ReadInbound returns the next datagram from the tunnel socket.
func (d *NetDevice) ReadInbound(ctx context.Context) ([]byte, netip.AddrPort, error) {
	stop := context.AfterFunc(ctx, func() {
		d.udp.SetReadDeadline(time.Unix(0, 1))
	})
	defer stop()

	buf := make([]byte, 65536)
	n, from, err := d.udp.ReadFromUDPAddrPort(buf)
	if ctx.Err() != nil {
		return nil, netip.AddrPort{}, ctx.Err()
	}
	if err != nil {
		return nil, netip.AddrPort{}, errors.Wrap(err, errors.KindUnavailable, "tunnel read failed")
	}
	return buf[:n], from, nil
}

// WriteWire transmits one tunnel datagram, honoring the pacing deadline
// and stamping the TOS byte.
func (d *NetDevice) WriteWire(frame []byte, endpoint netip.AddrPort, tos uint8, earliest time.Time) error {
	if wait := time.Until(earliest); wait > 0 {
		time.Sleep(wait)
	}
	if int(tos) != d.lastTOS {
		if err := d.setTOS(int(tos)); err != nil {
			d.logger.Warn("failed to set TOS", "tos", tos, "error", err)
		} else {
			d.lastTOS = int(tos)
		}
	}
	if _, err := d.udp.WriteToUDPAddrPort(frame, endpoint); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "tunnel write to %s failed", endpoint)
	}
	return nil
}

func (d *NetDevice) setTOS(tos int) error {
	sc, err := d.udp.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = sc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos); serr == nil {
			serr = e
		}
	})
	if err != nil {
		return err
	}
	return serr
}

// WriteLocal injects a decrypted IP packet into the host stack.
func (d *NetDevice) WriteLocal(packet []byte) error {
	if len(packet) < 1 {
		return errors.New(errors.KindMalformed, "empty packet")
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < 20 {
			return errors.New(errors.KindMalformed, "short IPv4 packet")
		}
		var dst [4]byte
		copy(dst[:], packet[16:20])
		return unix.Sendto(d.raw4, packet, 0, &unix.SockaddrInet4{Addr: dst})
	case 6:
		if len(packet) < 40 {
			return errors.New(errors.KindMalformed, "short IPv6 packet")
		}
		var dst [16]byte
		copy(dst[:], packet[24:40])
		return unix.Sendto(d.raw6, packet, 0, &unix.SockaddrInet6{Addr: dst})
	default:
		return errors.Errorf(errors.KindMalformed, "unknown IP version %d", packet[0]>>4)
	}
}

// Close releases all sockets.
func (d *NetDevice) Close() error {
	err := d.capture.Close()
	if e := d.udp.Close(); err == nil {
		err = e
	}
	if e := unix.Close(d.raw4); err == nil && e != nil {
		err = errors.Wrap(e, errors.KindInternal, "failed to close raw IPv4 socket")
	}
	if e := unix.Close(d.raw6); err == nil && e != nil {
		err = errors.Wrap(e, errors.KindInternal, "failed to close raw IPv6 socket")
	}
	return err
}
