package event

import (
	"strings"
	"testing"
	"time"

	"marmstrong/btmap/internal/maputil"
)

func TestEncodeV10OmitsExtendedAttributes(t *testing.T) {
	ev := &Event{
		Type:    TypeNewMessage,
		Handle:  "0400000000000001",
		Folder:  "telecom/msg/inbox",
		MsgType: maputil.TypeSmsGsm,
		Subject: "secret",
	}
	out, err := Encode(ReportV10, ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	s := string(out)
	for _, want := range []string{
		`version="1.0"`,
		`type="NewMessage"`,
		`handle="0400000000000001"`,
		`msg_type="SMS_GSM"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("report missing %s: %s", want, s)
		}
	}
	if strings.Contains(s, "subject") {
		t.Errorf("v1.0 report must not carry a subject: %s", s)
	}
}

func TestEncodeV11ExtendedAttributes(t *testing.T) {
	ev := &Event{
		Type:       TypeNewMessage,
		Handle:     "0400000000000001",
		Folder:     "telecom/msg/inbox",
		MsgType:    maputil.TypeSmsGsm,
		DateTime:   time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		Subject:    "lunch?",
		SenderName: "Alice",
		Priority:   true,
		HasPrio:    true,
	}
	out, err := Encode(ReportV11, ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	s := string(out)
	for _, want := range []string{
		`version="1.1"`,
		`datetime="20240301T123000"`,
		`subject="lunch?"`,
		`sender_name="Alice"`,
		`priority="yes"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("report missing %s: %s", want, s)
		}
	}
}

func TestEncodeV12PresenceOnlyOnPresenceEvents(t *testing.T) {
	convoID := maputil.NewConvoID(maputil.ConvoNamespaceEmailIm, 9)
	base := Event{
		ConvoID:      &convoID,
		ParticipUCI:  "alice@example.com",
		Presence:     3,
		PresenceText: "around",
	}

	msg := base
	msg.Type = TypeNewMessage
	out, err := Encode(ReportV12, &msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if strings.Contains(string(out), "presence_availability") {
		t.Errorf("NewMessage must not carry presence attributes: %s", out)
	}
	if !strings.Contains(string(out), `conversation_id="`+convoID.Hex()+`"`) {
		t.Errorf("v1.2 report missing conversation_id: %s", out)
	}

	pres := base
	pres.Type = TypeParticipantPresenceChanged
	out, err = Encode(ReportV12, &pres)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for _, want := range []string{
		`participant_uci="alice@example.com"`,
		`presence_availability="3"`,
		`presence_text="around"`,
	} {
		if !strings.Contains(string(out), want) {
			t.Errorf("presence report missing %s: %s", want, out)
		}
	}
}

func TestEncodeStripsInvalidChars(t *testing.T) {
	ev := &Event{
		Type:    TypeNewMessage,
		Subject: "be\x01ep",
	}
	out, err := Encode(ReportV11, ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(string(out), `subject="beep"`) {
		t.Errorf("control character not stripped: %s", out)
	}
}

func TestEncodeTruncatesLongSubject(t *testing.T) {
	ev := &Event{
		Type:    TypeNewMessage,
		Subject: strings.Repeat("a", subjectLimit-1) + "é",
	}
	out, err := Encode(ReportV11, ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := `subject="` + strings.Repeat("a", subjectLimit-1) + `"`
	if !strings.Contains(string(out), want) {
		t.Error("subject not truncated on the rune boundary")
	}
}

func TestWanted(t *testing.T) {
	mask := uint32(FilterNewMessage | FilterReadStatusChanged)
	if !Wanted(mask, TypeNewMessage) {
		t.Error("NewMessage should pass its filter bit")
	}
	if Wanted(mask, TypeMessageDeleted) {
		t.Error("MessageDeleted should be filtered out")
	}
	if !Wanted(FilterAll, TypeParticipantChatStateChanged) {
		t.Error("default mask should pass every event")
	}
}
