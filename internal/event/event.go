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

// Package event builds MAP-event-report documents. The attribute set
// grows with the report version negotiated at connect time, and the
// presence and chat-state attributes only appear on their event types.
package event

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/maputil"
)

// Event type names on the wire.
const (
	TypeNewMessage                  = "NewMessage"
	TypeMessageDeleted              = "MessageDeleted"
	TypeMessageRemoved              = "MessageRemoved"
	TypeMessageShift                = "MessageShift"
	TypeDeliverySuccess             = "DeliverySuccess"
	TypeDeliveryFailure             = "DeliveryFailure"
	TypeSendingSuccess              = "SendingSuccess"
	TypeSendingFailure              = "SendingFailure"
	TypeReadStatusChanged           = "ReadStatusChanged"
	TypeConversationChanged         = "ConversationChanged"
	TypeParticipantPresenceChanged  = "ParticipantPresenceChanged"
	TypeParticipantChatStateChanged = "ParticipantChatStateChanged"
)

// Report versions negotiated during CONNECT.
const (
	ReportV10 = 10
	ReportV11 = 11
	ReportV12 = 12
)

// Notification filter bits, one per event type. The default mask has
// every bit set.
const (
	FilterNewMessage                  = 1 << 0
	FilterMessageDeleted              = 1 << 1
	FilterMessageShift                = 1 << 2
	FilterSendingSuccess              = 1 << 3
	FilterSendingFailure              = 1 << 4
	FilterDeliverySuccess             = 1 << 5
	FilterDeliveryFailure             = 1 << 6
	FilterMemoryFull                  = 1 << 7
	FilterMemoryAvailable             = 1 << 8
	FilterReadStatusChanged           = 1 << 9
	FilterConversationChanged         = 1 << 10
	FilterParticipantPresenceChanged  = 1 << 11
	FilterParticipantChatStateChanged = 1 << 12
	FilterMessageRemoved              = 1 << 13

	FilterAll = 1<<14 - 1
)

var filterBits = map[string]uint32{
	TypeNewMessage:                  FilterNewMessage,
	TypeMessageDeleted:              FilterMessageDeleted,
	TypeMessageRemoved:              FilterMessageRemoved,
	TypeMessageShift:                FilterMessageShift,
	TypeDeliverySuccess:             FilterDeliverySuccess,
	TypeDeliveryFailure:             FilterDeliveryFailure,
	TypeSendingSuccess:              FilterSendingSuccess,
	TypeSendingFailure:              FilterSendingFailure,
	TypeReadStatusChanged:           FilterReadStatusChanged,
	TypeConversationChanged:         FilterConversationChanged,
	TypeParticipantPresenceChanged:  FilterParticipantPresenceChanged,
	TypeParticipantChatStateChanged: FilterParticipantChatStateChanged,
}

// Wanted reports whether mask selects the given event type.
func Wanted(mask uint32, eventType string) bool {
	bit, ok := filterBits[eventType]
	if !ok {
		return true
	}
	return mask&bit != 0
}

// Event is one tracked change. Zero-valued fields stay off the wire.
type Event struct {
	Type      string
	Handle    string
	Folder    string
	OldFolder string
	MsgType   maputil.Type

	// Extended attributes, report version 1.1 and up.
	DateTime   time.Time
	Subject    string
	SenderName string
	Priority   bool
	HasPrio    bool

	// Report version 1.2 attributes.
	ConvoID      *maputil.UInt128
	ConvoName    string
	ReadStatus   string // "yes" or "no", empty to omit
	ParticipUCI  string
	Presence     int
	PresenceText string
	LastActivity time.Time
	ChatState    int
}

// subjectLimit caps the subject attribute length in an event report.
const subjectLimit = 256

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// Encode renders the single-event MAP-event-report for the negotiated
// report version.
func Encode(version int, ev *Event) ([]byte, error) {
	attrs := []xml.Attr{{Name: xml.Name{Local: "type"}, Value: ev.Type}}
	add := func(name, value string) {
		if value == "" {
			return
		}
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	}

	add("handle", ev.Handle)
	add("folder", ev.Folder)
	add("old_folder", ev.OldFolder)
	if ev.MsgType.String() != "" {
		add("msg_type", ev.MsgType.String())
	}

	if version >= ReportV11 {
		if !ev.DateTime.IsZero() {
			add("datetime", maputil.FormatTime(ev.DateTime))
		}
		add("subject", maputil.TruncateUTF8(maputil.StripInvalidXML(ev.Subject), subjectLimit))
		add("sender_name", maputil.StripInvalidXML(ev.SenderName))
		if ev.HasPrio {
			add("priority", yesNo(ev.Priority))
		}
	}

	if version >= ReportV12 {
		if ev.ConvoID != nil && !ev.ConvoID.IsZero() {
			add("conversation_id", ev.ConvoID.Hex())
		}
		add("conversation_name", maputil.StripInvalidXML(ev.ConvoName))
		add("read_status", ev.ReadStatus)
		switch ev.Type {
		case TypeParticipantPresenceChanged:
			add("participant_uci", ev.ParticipUCI)
			add("presence_availability", strconv.Itoa(ev.Presence))
			add("presence_text", maputil.StripInvalidXML(ev.PresenceText))
			if !ev.LastActivity.IsZero() {
				add("last_activity", maputil.FormatTime(ev.LastActivity))
			}
		case TypeParticipantChatStateChanged:
			add("participant_uci", ev.ParticipUCI)
			add("chat_state", strconv.Itoa(ev.ChatState))
			if !ev.LastActivity.IsZero() {
				add("last_activity", maputil.FormatTime(ev.LastActivity))
			}
		}
	}

	reportVersion := "1.0"
	switch version {
	case ReportV11:
		reportVersion = "1.1"
	case ReportV12:
		reportVersion = "1.2"
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	report := xml.StartElement{
		Name: xml.Name{Local: "MAP-event-report"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "version"}, Value: reportVersion}},
	}
	if err := enc.EncodeToken(report); err != nil {
		return nil, errors.Wrap(err, "event: encoding report")
	}
	el := xml.StartElement{Name: xml.Name{Local: "event"}, Attr: attrs}
	if err := enc.EncodeToken(el); err != nil {
		return nil, errors.Wrap(err, "event: encoding event")
	}
	if err := enc.EncodeToken(el.End()); err != nil {
		return nil, errors.Wrap(err, "event: encoding event")
	}
	if err := enc.EncodeToken(report.End()); err != nil {
		return nil, errors.Wrap(err, "event: encoding report")
	}
	if err := enc.Flush(); err != nil {
		return nil, errors.Wrap(err, "event: encoding report")
	}
	return buf.Bytes(), nil
}
