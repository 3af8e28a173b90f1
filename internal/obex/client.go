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

package obex

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Response is one parsed OBEX response packet, as seen by the client
// side of a session.
type Response struct {
	Code    byte
	Connect *ConnectFields
	Headers Headers
}

// WriteRequest writes one request packet. For CONNECT requests, connect
// must hold the version/flags/max-packet preamble; otherwise it is nil.
func WriteRequest(w io.Writer, opcode byte, connect *ConnectFields, h *Headers) error {
	var buf bytes.Buffer
	buf.WriteByte(opcode)
	buf.Write([]byte{0, 0}) // length backpatched below
	if connect != nil {
		version := connect.Version
		if version == 0 {
			version = obexVersion
		}
		var mps [2]byte
		binary.BigEndian.PutUint16(mps[:], connect.MaxPacketSize)
		buf.Write([]byte{version, connect.Flags, mps[0], mps[1]})
	}
	if h != nil {
		if err := appendHeaders(&buf, h); err != nil {
			return err
		}
	}
	pkt := buf.Bytes()
	binary.BigEndian.PutUint16(pkt[1:3], uint16(len(pkt)))
	_, err := w.Write(pkt)
	return errors.Wrap(err, "obex: writing request")
}

// WriteSetPathRequest writes one SETPATH request with the given flags.
func WriteSetPathRequest(w io.Writer, flags byte, h *Headers) error {
	var buf bytes.Buffer
	buf.WriteByte(OpSetPath)
	buf.Write([]byte{0, 0}) // length backpatched below
	buf.Write([]byte{flags, 0})
	if h != nil {
		if err := appendHeaders(&buf, h); err != nil {
			return err
		}
	}
	pkt := buf.Bytes()
	binary.BigEndian.PutUint16(pkt[1:3], uint16(len(pkt)))
	_, err := w.Write(pkt)
	return errors.Wrap(err, "obex: writing setpath request")
}

// ReadResponse parses a single response packet from r. isConnect selects
// the CONNECT layout with its version/flags/max-packet preamble.
func ReadResponse(r io.Reader, isConnect bool) (*Response, error) {
	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, errors.Wrap(err, "obex: reading response header")
	}
	length := int(binary.BigEndian.Uint16(head[1:3]))
	if length < 3 {
		return nil, errors.Errorf("obex: response length %d below header size", length)
	}
	payload := make([]byte, length-3)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "obex: reading response payload")
	}

	resp := &Response{Code: head[0]}
	if isConnect {
		if len(payload) < 4 {
			return nil, errors.New("obex: short connect response")
		}
		resp.Connect = &ConnectFields{
			Version:       payload[0],
			Flags:         payload[1],
			MaxPacketSize: binary.BigEndian.Uint16(payload[2:4]),
		}
		payload = payload[4:]
	}
	if err := parseHeaders(payload, &resp.Headers); err != nil {
		return nil, err
	}
	return resp, nil
}
