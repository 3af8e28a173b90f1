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

// Package obex implements the thin OBEX session surface the MAP server
// needs: request packet framing, header encoding and the operation
// abstraction handed to the protocol engine. Transport bring-up and
// fragmentation below the packet level are not handled here.
package obex

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Request opcodes, with the final bit stripped where it is optional.
const (
	OpConnect    = 0x80
	OpDisconnect = 0x81
	OpPut        = 0x02
	OpGet        = 0x03
	OpSetPath    = 0x85
	OpAbort      = 0xFF
)

// Response codes.
const (
	ResponseContinue           = 0x90
	ResponseSuccess            = 0xA0
	ResponseBadRequest         = 0xC0
	ResponseForbidden          = 0xC3
	ResponseNotFound           = 0xC4
	ResponseNotAcceptable      = 0xC6
	ResponsePreconditionFailed = 0xCC
	ResponseInternalError      = 0xD0
	ResponseNotImplemented     = 0xD1
	ResponseUnavailable        = 0xD3
)

// Header identifiers. The top two bits encode the value representation.
const (
	HeaderName         = 0x01 // unicode text
	HeaderType         = 0x42 // byte sequence, null terminated ascii
	HeaderTarget       = 0x46
	HeaderBody         = 0x48
	HeaderEndOfBody    = 0x49
	HeaderWho          = 0x4A
	HeaderAppParams    = 0x4C
	HeaderLength       = 0xC3 // 4-byte
	HeaderConnectionID = 0xCB
	HeaderThreadedMail = 0xFA // user defined; 4-byte threaded mail key
)

// Packet size limits. The CONNECT exchange negotiates the session maximum
// inside these bounds.
const (
	MinPacketSize     = 255
	DefaultPacketSize = 0xFFFE
	obexVersion       = 0x10
)

// SETPATH flag: navigate to parent before applying the name header.
const SetPathBackup = 0x01

// Headers is an ordered OBEX header set. Values are string for unicode
// headers, []byte for byte sequences, uint32 for 4-byte quantities and
// byte for 1-byte quantities, selected by the ID's top two bits.
type Headers struct {
	entries []entry
}

type entry struct {
	id    byte
	value interface{}
}

// Set appends or replaces the header with the given ID.
func (h *Headers) Set(id byte, value interface{}) {
	for i := range h.entries {
		if h.entries[i].id == id {
			h.entries[i].value = value
			return
		}
	}
	h.entries = append(h.entries, entry{id: id, value: value})
}

// Get returns the raw value of the header with the given ID.
func (h *Headers) Get(id byte) (interface{}, bool) {
	for _, e := range h.entries {
		if e.id == id {
			return e.value, true
		}
	}
	return nil, false
}

// Name returns the unicode Name header.
func (h *Headers) Name() (string, bool) {
	v, ok := h.Get(HeaderName)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Type returns the Type header with any terminating null stripped.
func (h *Headers) Type() string {
	v, ok := h.Get(HeaderType)
	if !ok {
		return ""
	}
	b, ok := v.([]byte)
	if !ok {
		return ""
	}
	return string(bytes.TrimRight(b, "\x00"))
}

// Bytes returns a byte-sequence header value.
func (h *Headers) Bytes(id byte) []byte {
	v, ok := h.Get(id)
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	return b
}

// Uint32 returns a 4-byte header value.
func (h *Headers) Uint32(id byte) (uint32, bool) {
	v, ok := h.Get(id)
	if !ok {
		return 0, false
	}
	u, ok := v.(uint32)
	return u, ok
}

// ConnectFields carries the extra request bytes of a CONNECT packet.
type ConnectFields struct {
	Version       byte
	Flags         byte
	MaxPacketSize uint16
}

// SetPathFields carries the extra request bytes of a SETPATH packet.
type SetPathFields struct {
	Flags byte
}

// Request is one parsed OBEX request packet.
type Request struct {
	Opcode  byte
	Connect *ConnectFields
	SetPath *SetPathFields
	Headers Headers
}

// ReadRequest parses a single request packet from r.
func ReadRequest(r io.Reader) (*Request, error) {
	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, errors.Wrap(err, "obex: reading packet header")
	}
	length := int(binary.BigEndian.Uint16(head[1:3]))
	if length < 3 {
		return nil, errors.Errorf("obex: packet length %d below header size", length)
	}
	payload := make([]byte, length-3)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "obex: reading packet payload")
	}

	req := &Request{Opcode: head[0]}
	switch req.Opcode {
	case OpConnect:
		if len(payload) < 4 {
			return nil, errors.New("obex: short connect packet")
		}
		req.Connect = &ConnectFields{
			Version:       payload[0],
			Flags:         payload[1],
			MaxPacketSize: binary.BigEndian.Uint16(payload[2:4]),
		}
		payload = payload[4:]
	case OpSetPath:
		if len(payload) < 2 {
			return nil, errors.New("obex: short setpath packet")
		}
		req.SetPath = &SetPathFields{Flags: payload[0]}
		payload = payload[2:] // flags + constants
	}
	if err := parseHeaders(payload, &req.Headers); err != nil {
		return nil, err
	}
	return req, nil
}

func parseHeaders(data []byte, h *Headers) error {
	i := 0
	for i < len(data) {
		id := data[i]
		switch id & 0xC0 {
		case 0x00: // unicode, 2-byte length prefix
			if i+3 > len(data) {
				return errors.Errorf("obex: truncated unicode header %#02x", id)
			}
			l := int(binary.BigEndian.Uint16(data[i+1 : i+3]))
			if l < 3 || i+l > len(data) {
				return errors.Errorf("obex: bad unicode header length %d", l)
			}
			s, err := decodeUTF16(data[i+3 : i+l])
			if err != nil {
				return err
			}
			h.Set(id, s)
			i += l
		case 0x40: // byte sequence, 2-byte length prefix
			if i+3 > len(data) {
				return errors.Errorf("obex: truncated byte-seq header %#02x", id)
			}
			l := int(binary.BigEndian.Uint16(data[i+1 : i+3]))
			if l < 3 || i+l > len(data) {
				return errors.Errorf("obex: bad byte-seq header length %d", l)
			}
			h.Set(id, append([]byte(nil), data[i+3:i+l]...))
			i += l
		case 0x80: // 1-byte quantity
			if i+2 > len(data) {
				return errors.Errorf("obex: truncated 1-byte header %#02x", id)
			}
			h.Set(id, data[i+1])
			i += 2
		case 0xC0: // 4-byte quantity
			if i+5 > len(data) {
				return errors.Errorf("obex: truncated 4-byte header %#02x", id)
			}
			h.Set(id, binary.BigEndian.Uint32(data[i+1:i+5]))
			i += 5
		}
	}
	return nil
}

// appendHeaders serializes h in insertion order.
func appendHeaders(buf *bytes.Buffer, h *Headers) error {
	for _, e := range h.entries {
		switch e.id & 0xC0 {
		case 0x00:
			s, ok := e.value.(string)
			if !ok {
				return errors.Errorf("obex: header %#02x wants string, got %T", e.id, e.value)
			}
			b := encodeUTF16(s)
			buf.WriteByte(e.id)
			var l [2]byte
			binary.BigEndian.PutUint16(l[:], uint16(3+len(b)))
			buf.Write(l[:])
			buf.Write(b)
		case 0x40:
			b, ok := e.value.([]byte)
			if !ok {
				return errors.Errorf("obex: header %#02x wants []byte, got %T", e.id, e.value)
			}
			buf.WriteByte(e.id)
			var l [2]byte
			binary.BigEndian.PutUint16(l[:], uint16(3+len(b)))
			buf.Write(l[:])
			buf.Write(b)
		case 0x80:
			b, ok := e.value.(byte)
			if !ok {
				return errors.Errorf("obex: header %#02x wants byte, got %T", e.id, e.value)
			}
			buf.WriteByte(e.id)
			buf.WriteByte(b)
		case 0xC0:
			u, ok := e.value.(uint32)
			if !ok {
				return errors.Errorf("obex: header %#02x wants uint32, got %T", e.id, e.value)
			}
			buf.WriteByte(e.id)
			var v [4]byte
			binary.BigEndian.PutUint32(v[:], u)
			buf.Write(v[:])
		}
	}
	return nil
}

// WriteResponse writes one response packet. For CONNECT responses, fields
// must hold the version/flags/max-packet preamble; otherwise it is nil.
func WriteResponse(w io.Writer, code byte, fields []byte, h *Headers) error {
	var buf bytes.Buffer
	buf.WriteByte(code)
	buf.Write([]byte{0, 0}) // length backpatched below
	buf.Write(fields)
	if h != nil {
		if err := appendHeaders(&buf, h); err != nil {
			return err
		}
	}
	pkt := buf.Bytes()
	binary.BigEndian.PutUint16(pkt[1:3], uint16(len(pkt)))
	_, err := w.Write(pkt)
	return errors.Wrap(err, "obex: writing response")
}

// ConnectResponseFields builds the CONNECT response preamble advertising
// our maximum packet size.
func ConnectResponseFields(maxPacket uint16) []byte {
	f := []byte{obexVersion, 0, 0, 0}
	binary.BigEndian.PutUint16(f[2:4], maxPacket)
	return f
}

func decodeUTF16(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", errors.New("obex: odd-length unicode header")
	}
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u = append(u, binary.BigEndian.Uint16(b[i:i+2]))
	}
	// Strip the trailing null terminator.
	if n := len(u); n > 0 && u[n-1] == 0 {
		u = u[:n-1]
	}
	return string(utf16.Decode(u)), nil
}

func encodeUTF16(s string) []byte {
	u := utf16.Encode([]rune(s))
	u = append(u, 0)
	b := make([]byte, len(u)*2)
	for i, c := range u {
		binary.BigEndian.PutUint16(b[i*2:], c)
	}
	return b
}
