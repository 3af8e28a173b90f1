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

// Package mns implements the client half of the notification service:
// an OBEX client that connects back to the remote device's MNS server
// and delivers MAP-event-report documents over PUT.
package mns

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/appparams"
	"marmstrong/btmap/internal/obex"
)

// targetUUID is the MNS service target sent in the OBEX CONNECT.
var targetUUID = []byte{
	0xBB, 0x58, 0x2B, 0x41, 0x42, 0x0C, 0x11, 0xDB,
	0xB0, 0xDE, 0x08, 0x00, 0x20, 0x0C, 0x9A, 0x66,
}

const eventReportType = "x-bt/MAP-event-report\x00"

// DialFunc opens a transport connection to the remote MNS server.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Client is one OBEX session against a remote MNS server.
type Client struct {
	masInstance  int64
	conn         io.ReadWriteCloser
	connectionID uint32
	maxPacket    int
}

// Connect dials the remote MNS server and performs the OBEX CONNECT
// exchange.
func Connect(ctx context.Context, dial DialFunc, masInstance int64) (*Client, error) {
	conn, err := dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "mns: dialing notification server")
	}

	var h obex.Headers
	h.Set(obex.HeaderTarget, targetUUID)
	connect := &obex.ConnectFields{MaxPacketSize: obex.DefaultPacketSize}
	if err := obex.WriteRequest(conn, obex.OpConnect, connect, &h); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := obex.ReadResponse(conn, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Code != obex.ResponseSuccess {
		conn.Close()
		return nil, errors.Errorf("mns: connect refused with %#02x", resp.Code)
	}

	c := &Client{
		masInstance: masInstance,
		conn:        conn,
		maxPacket:   int(resp.Connect.MaxPacketSize),
	}
	if id, ok := resp.Headers.Uint32(obex.HeaderConnectionID); ok {
		c.connectionID = id
	}
	if c.maxPacket < obex.MinPacketSize {
		c.maxPacket = obex.MinPacketSize
	}
	return c, nil
}

// SendEvent delivers one event report in a single PUT exchange.
func (c *Client) SendEvent(ctx context.Context, report []byte) error {
	params := appparams.New()
	if err := params.SetMasInstanceID(c.masInstance); err != nil {
		return err
	}

	var h obex.Headers
	h.Set(obex.HeaderConnectionID, c.connectionID)
	h.Set(obex.HeaderType, []byte(eventReportType))
	h.Set(obex.HeaderAppParams, params.Encode())
	h.Set(obex.HeaderEndOfBody, report)

	// PUT with the final bit set; event reports fit one packet.
	if err := obex.WriteRequest(c.conn, obex.OpPut|0x80, nil, &h); err != nil {
		return err
	}
	resp, err := obex.ReadResponse(c.conn, false)
	if err != nil {
		return err
	}
	if resp.Code != obex.ResponseSuccess {
		return errors.Errorf("mns: event report rejected with %#02x", resp.Code)
	}
	return nil
}

// Close sends the OBEX DISCONNECT and tears down the transport.
func (c *Client) Close() error {
	var h obex.Headers
	h.Set(obex.HeaderConnectionID, c.connectionID)
	if err := obex.WriteRequest(c.conn, obex.OpDisconnect, nil, &h); err == nil {
		if _, err := obex.ReadResponse(c.conn, false); err != nil {
			log.Printf("mns: disconnect response: %v", err)
		}
	}
	return c.conn.Close()
}

// registration is one queued SetRegistered request.
type registration struct {
	on    bool
	reply chan error
}

// Manager serializes notification registration changes and owns the MNS
// client connection. Registration requests are processed one at a time,
// in order, off the OBEX server goroutine.
type Manager struct {
	dial        DialFunc
	masInstance int64

	mu     sync.Mutex
	client *Client

	reqs chan registration
}

// NewManager returns an unconnected Manager.
func NewManager(dial DialFunc, masInstance int64) *Manager {
	return &Manager{
		dial:        dial,
		masInstance: masInstance,
		reqs:        make(chan registration, 4),
	}
}

// Run processes registration requests until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	defer m.disconnect()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.reqs:
			req.reply <- m.apply(ctx, req.on)
		}
	}
}

func (m *Manager) apply(ctx context.Context, on bool) error {
	if !on {
		m.disconnect()
		return nil
	}
	m.mu.Lock()
	connected := m.client != nil
	m.mu.Unlock()
	if connected {
		return nil
	}
	c, err := Connect(ctx, m.dial, m.masInstance)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()
	return nil
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()
	if c != nil {
		if err := c.Close(); err != nil {
			log.Printf("mns: closing notification session: %v", err)
		}
	}
}

// SetRegistered queues a registration change and waits for its outcome.
func (m *Manager) SetRegistered(ctx context.Context, on bool) error {
	req := registration{on: on, reply: make(chan error, 1)}
	select {
	case m.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a notification session is up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil
}

// SendEvent forwards a report to the connected client. Reports raised
// while unregistered are dropped.
func (m *Manager) SendEvent(ctx context.Context, report []byte) error {
	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.SendEvent(ctx, report)
}
