// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package rfcomm

import (
	"context"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
)

var pathCounter uint64

func nextObjectPath(role string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath("/marmstrong/btmap/" + role + "/p" + strconv.FormatUint(id, 10))
}

type accepted struct {
	conn   io.ReadWriteCloser
	device Device
}

// profile implements org.bluez.Profile1 and forwards NewConnection
// sockets to the waiting goroutine.
type profile struct {
	ch chan accepted
}

func (p *profile) Release() *dbus.Error { return nil }
func (p *profile) Cancel() *dbus.Error  { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f := os.NewFile(uintptr(fd), "rfcomm")
	res := accepted{
		conn:   f,
		device: Device{Path: string(dev), MAC: macFromPath(string(dev))},
	}
	select {
	case p.ch <- res:
		return nil
	default:
		f.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

// Server owns the MAS profile registration and accepts incoming RFCOMM
// connections.
type Server struct {
	mu      sync.Mutex
	closed  bool
	bus     *dbus.Conn
	path    dbus.ObjectPath
	prof    *profile
	cleanup []func()
}

// NewServer registers the Message Access Service profile with BlueZ.
func NewServer(serviceName string, channel uint8) (*Server, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "rfcomm: connecting system bus")
	}
	s := &Server{
		bus:  bus,
		path: nextObjectPath("mas"),
		prof: &profile{ch: make(chan accepted, 1)},
	}
	s.cleanup = append(s.cleanup, func() { bus.Close() })

	if err := bus.Export(s.prof, s.path, profileInterfaceName); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "rfcomm: exporting MAS profile")
	}
	opts := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(serviceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16.
		"Channel":               dbus.MakeVariant(uint16(channel)),
		"RequireAuthentication": dbus.MakeVariant(true),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, s.path, MASUUID, opts); call.Err != nil {
		s.Close()
		return nil, errors.Wrap(call.Err, "rfcomm: registering MAS profile")
	}
	s.cleanup = append(s.cleanup, func() {
		pm.Call(profileManagerIface+".UnregisterProfile", 0, s.path)
		bus.Export(nil, s.path, profileInterfaceName)
	})
	return s, nil
}

// Accept blocks until BlueZ hands over the next incoming RFCOMM socket.
// The caller owns the returned connection.
func (s *Server) Accept(ctx context.Context) (io.ReadWriteCloser, Device, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, Device{}, errors.New("rfcomm: server closed")
	}
	ch := s.prof.ch
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, Device{}, errors.Wrap(ctx.Err(), "rfcomm: accept")
	case res := <-ch:
		return res.conn, res.device, nil
	}
}

// Close unregisters the profile and drops the bus connection. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cleanup := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

// Dialer opens outgoing MNS connections to a remote device through a
// client-role Profile1 registration.
type Dialer struct {
	mu      sync.Mutex
	closed  bool
	bus     *dbus.Conn
	path    dbus.ObjectPath
	prof    *profile
	cleanup []func()
}

// NewDialer registers a client-role MNS profile with BlueZ.
func NewDialer() (*Dialer, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "rfcomm: connecting system bus")
	}
	d := &Dialer{
		bus:  bus,
		path: nextObjectPath("mns"),
		prof: &profile{ch: make(chan accepted, 1)},
	}
	d.cleanup = append(d.cleanup, func() { bus.Close() })

	if err := bus.Export(d.prof, d.path, profileInterfaceName); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "rfcomm: exporting MNS profile")
	}
	opts := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, d.path, MNSUUID, opts); call.Err != nil {
		d.Close()
		return nil, errors.Wrap(call.Err, "rfcomm: registering MNS profile")
	}
	d.cleanup = append(d.cleanup, func() {
		pm.Call(profileManagerIface+".UnregisterProfile", 0, d.path)
		bus.Export(nil, d.path, profileInterfaceName)
	})
	return d, nil
}

// Dial asks the remote device to connect its MNS and waits for BlueZ to
// hand back the RFCOMM socket.
func (d *Dialer) Dial(ctx context.Context, devicePath string) (io.ReadWriteCloser, error) {
	if devicePath == "" {
		return nil, errors.New("rfcomm: device path required")
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("rfcomm: dialer closed")
	}
	bus := d.bus
	ch := d.prof.ch
	d.mu.Unlock()

	dev := bus.Object(bluezService, dbus.ObjectPath(devicePath))
	if call := dev.Call(deviceIface+".ConnectProfile", 0, MNSUUID); call.Err != nil {
		return nil, errors.Wrap(call.Err, "rfcomm: ConnectProfile")
	}

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "rfcomm: dial")
	case res := <-ch:
		return res.conn, nil
	}
}

// Close unregisters the client profile. Idempotent.
func (d *Dialer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cleanup := d.cleanup
	d.cleanup = nil
	d.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}
