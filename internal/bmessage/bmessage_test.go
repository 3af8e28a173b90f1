package bmessage

import (
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"marmstrong/btmap/internal/maputil"
)

func TestRoundTrip(t *testing.T) {
	in := &Message{
		Status: StatusRead,
		Type:   maputil.TypeSmsGsm,
		Folder: "telecom/msg/inbox",
		Originators: []VCard{
			{Name: "Alice", Tel: "+15550001"},
		},
		Recipients: []VCard{
			{Name: "Bob", Tel: "+15550002"},
		},
		Body: "see you at noon",
	}
	out, err := Parse(in.Encode())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := *in
	want.Charset = "UTF-8"
	want.Originators[0].Version = "2.1"
	want.Recipients[0].Version = "2.1"
	if diff := cmp.Diff(&want, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBareLF(t *testing.T) {
	doc := strings.Join([]string{
		"BEGIN:BMSG",
		"VERSION:1.0",
		"STATUS:UNREAD",
		"TYPE:SMS_GSM",
		"FOLDER:telecom/msg/outbox",
		"BEGIN:BENV",
		"BEGIN:VCARD",
		"VERSION:2.1",
		"N:",
		"TEL:+15550002",
		"END:VCARD",
		"BEGIN:BBODY",
		"CHARSET:UTF-8",
		"LENGTH:27",
		"BEGIN:MSG",
		"hello",
		"END:MSG",
		"END:BBODY",
		"END:BENV",
		"END:BMSG",
		"",
	}, "\n")
	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Body != "hello" {
		t.Errorf("Body = %q, want hello", m.Body)
	}
	if len(m.Recipients) != 1 || m.Recipients[0].Tel != "+15550002" {
		t.Errorf("Recipients = %+v", m.Recipients)
	}
	if m.Type != maputil.TypeSmsGsm {
		t.Errorf("Type = %v, want SMS_GSM", m.Type)
	}
}

func TestParseNestedEnvelope(t *testing.T) {
	doc := strings.Join([]string{
		"BEGIN:BMSG",
		"VERSION:1.0",
		"STATUS:UNREAD",
		"TYPE:EMAIL",
		"FOLDER:telecom/msg/outbox",
		"BEGIN:BENV",
		"BEGIN:VCARD",
		"VERSION:2.1",
		"N:Outer",
		"EMAIL:outer@example.com",
		"END:VCARD",
		"BEGIN:BENV",
		"BEGIN:VCARD",
		"VERSION:2.1",
		"N:Inner",
		"EMAIL:inner@example.com",
		"END:VCARD",
		"BEGIN:BBODY",
		"LENGTH:24",
		"BEGIN:MSG",
		"hi",
		"END:MSG",
		"END:BBODY",
		"END:BENV",
		"END:BENV",
		"END:BMSG",
	}, "\r\n")
	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(m.Recipients) != 2 {
		t.Fatalf("Recipients = %+v, want both envelope levels", m.Recipients)
	}
	if m.Body != "hi" {
		t.Errorf("Body = %q, want hi", m.Body)
	}
}

func TestParseMultilineBody(t *testing.T) {
	in := &Message{Type: maputil.TypeSmsGsm, Folder: "telecom/msg/inbox", Body: "line one\r\nline two"}
	m, err := Parse(in.Encode())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Body != "line one\r\nline two" {
		t.Errorf("Body = %q", m.Body)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not a bmessage", "BEGIN:VCARD\r\nEND:VCARD\r\n"},
		{"missing version", "BEGIN:BMSG\r\nSTATUS:READ\r\nEND:BMSG\r\n"},
		{"bad status", "BEGIN:BMSG\r\nVERSION:1.0\r\nSTATUS:MAYBE\r\nEND:BMSG\r\n"},
		{"bad type", "BEGIN:BMSG\r\nVERSION:1.0\r\nTYPE:PIGEON\r\nEND:BMSG\r\n"},
		{"truncated", "BEGIN:BMSG\r\nVERSION:1.0\r\n"},
		{"body without length", "BEGIN:BMSG\r\nVERSION:1.0\r\nBEGIN:BENV\r\nBEGIN:BBODY\r\nBEGIN:MSG\r\nx\r\nEND:MSG\r\nEND:BBODY\r\nEND:BENV\r\nEND:BMSG\r\n"},
	}
	for _, tc := range tests {
		if _, err := Parse([]byte(tc.doc)); err == nil {
			t.Errorf("%s: Parse succeeded, want error", tc.name)
		}
	}
}

func TestEncodeDeclaredLength(t *testing.T) {
	m := &Message{Type: maputil.TypeSmsGsm, Body: "hello"}
	out := string(m.Encode())
	// LENGTH covers BEGIN:MSG, the body and END:MSG with CRLF endings.
	want := len("BEGIN:MSG\r\nhello\r\nEND:MSG\r\n")
	if !strings.Contains(out, "LENGTH:"+strconv.Itoa(want)+"\r\n") {
		t.Errorf("encoded document missing LENGTH:%d:\n%s", want, out)
	}
}
