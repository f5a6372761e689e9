//go:build !linux

package main

import (
	"errors"
	"net/netip"
	"time"
)

var errNoTap = errors.New("tap interfaces are only supported on linux")

type tapDev struct{}

func openTap(name string, host netip.Prefix) (*tapDev, error) { return nil, errNoTap }

func (t *tapDev) Transmit([]byte) error         { return errNoTap }
func (t *tapDev) Receive([]byte) (int, error)   { return 0, errNoTap }
func (t *tapDev) LinkUp() bool                  { return false }
func (t *tapDev) EnableBroadcastReception(bool) {}
func (t *tapDev) wait(time.Duration) error      { return errNoTap }
func (t *tapDev) Close() error                  { return nil }
