//go:build linux

package main

import (
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// tapDev is an ethercard.Driver over a Linux TAP interface. Frames read
// from it carry no packet information header.
type tapDev struct {
	fd   int
	name string
}

// openTap creates or attaches to the TAP interface name. When host is valid
// the interface is brought up and host is assigned to the host side.
func openTap(name string, host netip.Prefix) (*tapDev, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.New("tap name too long")
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open tun device: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("creating tap interface: %w", err)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if host.IsValid() {
		if err = exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set ip link: %w", err)
		}
		// The address may survive from a previous run on persistent interfaces.
		exec.Command("ip", "addr", "add", host.String(), "dev", name).Run()
	}
	return &tapDev{fd: fd, name: name}, nil
}

func (t *tapDev) Transmit(frame []byte) error {
	_, err := unix.Write(t.fd, frame)
	return err
}

func (t *tapDev) Receive(dst []byte) (int, error) {
	n, err := unix.Read(t.fd, dst)
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	return max(n, 0), err
}

// LinkUp reports true, the kernel side of a TAP device is always attached.
func (t *tapDev) LinkUp() bool { return true }

// EnableBroadcastReception is a no-op. TAP devices deliver all frames.
func (t *tapDev) EnableBroadcastReception(bool) {}

// wait blocks until a frame is readable or timeout elapses.
func (t *tapDev) wait(timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	_, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	return err
}

func (t *tapDev) Close() error { return unix.Close(t.fd) }
