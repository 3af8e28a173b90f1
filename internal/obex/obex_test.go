package obex

import (
	"bytes"
	"testing"
)

func TestReadConnectRequest(t *testing.T) {
	pkt := []byte{
		OpConnect, 0x00, 0x1A,
		0x10, 0x00, 0x20, 0x00, // version, flags, max packet 8192
		HeaderTarget, 0x00, 0x13,
		0xBB, 0x58, 0x2B, 0x40, 0x42, 0x0C, 0x11, 0xDB,
		0xB0, 0xDE, 0x08, 0x00, 0x20, 0x0C, 0x9A, 0x66,
	}
	req, err := ReadRequest(bytes.NewReader(pkt))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if req.Opcode != OpConnect {
		t.Errorf("Opcode = %#x, want %#x", req.Opcode, OpConnect)
	}
	if req.Connect == nil || req.Connect.MaxPacketSize != 0x2000 {
		t.Errorf("Connect fields = %+v, want max packet 0x2000", req.Connect)
	}
	if target := req.Headers.Bytes(HeaderTarget); len(target) != 16 || target[0] != 0xBB {
		t.Errorf("Target = % x, want 16-byte UUID", target)
	}
}

func TestReadSetPathWithName(t *testing.T) {
	name := encodeUTF16("telecom")
	var pkt bytes.Buffer
	pkt.WriteByte(OpSetPath)
	pkt.Write([]byte{0, 0})
	pkt.Write([]byte{0x02, 0x00}) // flags (no backup), constants
	pkt.WriteByte(HeaderName)
	pkt.Write([]byte{byte((3 + len(name)) >> 8), byte(3 + len(name))})
	pkt.Write(name)
	b := pkt.Bytes()
	b[1] = byte(len(b) >> 8)
	b[2] = byte(len(b))

	req, err := ReadRequest(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if req.SetPath == nil || req.SetPath.Flags != 0x02 {
		t.Errorf("SetPath fields = %+v, want flags 0x02", req.SetPath)
	}
	if got, ok := req.Headers.Name(); !ok || got != "telecom" {
		t.Errorf("Name = %q (%v), want telecom", got, ok)
	}
}

func TestHeaderKindsRoundTrip(t *testing.T) {
	var h Headers
	h.Set(HeaderName, "inbox")
	h.Set(HeaderType, []byte("x-bt/message\x00"))
	h.Set(HeaderConnectionID, uint32(7))
	var buf bytes.Buffer
	if err := appendHeaders(&buf, &h); err != nil {
		t.Fatalf("appendHeaders failed: %v", err)
	}
	var out Headers
	if err := parseHeaders(buf.Bytes(), &out); err != nil {
		t.Fatalf("parseHeaders failed: %v", err)
	}
	if name, _ := out.Name(); name != "inbox" {
		t.Errorf("Name = %q, want inbox", name)
	}
	if typ := out.Type(); typ != "x-bt/message" {
		t.Errorf("Type = %q, want x-bt/message", typ)
	}
	if id, ok := out.Uint32(HeaderConnectionID); !ok || id != 7 {
		t.Errorf("ConnectionID = %d (%v), want 7", id, ok)
	}
}

func TestWriteResponseLength(t *testing.T) {
	var h Headers
	h.Set(HeaderConnectionID, uint32(1))
	var buf bytes.Buffer
	if err := WriteResponse(&buf, ResponseSuccess, nil, &h); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}
	b := buf.Bytes()
	if b[0] != ResponseSuccess {
		t.Errorf("code = %#x, want %#x", b[0], ResponseSuccess)
	}
	if got := int(b[1])<<8 | int(b[2]); got != len(b) {
		t.Errorf("declared length = %d, packet length = %d", got, len(b))
	}
}

func TestTruncatedPacketFails(t *testing.T) {
	pkt := []byte{OpGet, 0x00, 0x08, HeaderType}
	if _, err := ReadRequest(bytes.NewReader(pkt)); err == nil {
		t.Error("ReadRequest of truncated packet succeeded, want error")
	}
}
