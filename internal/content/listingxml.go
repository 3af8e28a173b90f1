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

package content

import (
	"bytes"
	"encoding/xml"
	"strconv"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/appparams"
	"marmstrong/btmap/internal/maputil"
	"marmstrong/btmap/internal/store"
)

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func itoa64(v int64) string { return strconv.FormatInt(v, 10) }

// EncodeMessageListing renders the MAP-msg-listing document for the
// given window. extended selects the 1.1 document with the MAP 1.2
// attribute set; mask and subjLen follow the request parameters.
func EncodeMessageListing(l *MessageListing, mask int64, subjLen int, extended bool) ([]byte, error) {
	if mask == appparams.Unset || mask == 0 {
		mask = ParameterMaskDefault
	}
	if subjLen <= 0 {
		subjLen = DefaultSubjectLength
	}

	docVersion := "1.0"
	if extended {
		docVersion = "1.1"
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	listing := xml.StartElement{
		Name: xml.Name{Local: "MAP-msg-listing"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "version"}, Value: docVersion}},
	}
	if err := enc.EncodeToken(listing); err != nil {
		return nil, errors.Wrap(err, "content: encoding listing")
	}

	for i := range l.Entries {
		e := &l.Entries[i]
		row := &e.Row
		attrs := []xml.Attr{{Name: xml.Name{Local: "handle"}, Value: e.Handle}}
		add := func(name, value string) {
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
		}

		if mask&MaskSubject != 0 {
			add("subject", maputil.TruncateUTF8(maputil.StripInvalidXML(row.Subject), subjLen))
		}
		if mask&MaskDatetime != 0 && !row.Date.IsZero() {
			add("datetime", maputil.FormatTimeOffset(row.Date))
		}
		if mask&MaskSenderName != 0 {
			add("sender_name", maputil.StripInvalidXML(senderName(row)))
		}
		if mask&MaskSenderAddressing != 0 {
			add("sender_addressing", senderAddress(row))
		}
		if mask&MaskReplytoAddressing != 0 {
			add("replyto_addressing", senderAddress(row))
		}
		if mask&MaskRecipientName != 0 {
			add("recipient_name", maputil.StripInvalidXML(recipientName(row)))
		}
		if mask&MaskRecipientAddressing != 0 {
			add("recipient_addressing", recipientAddress(row))
		}
		if mask&MaskType != 0 {
			add("type", row.Type.String())
		}
		if mask&MaskSize != 0 {
			size := row.Size
			if size < 1 {
				size = 1
			}
			add("size", itoa64(size))
		}
		if mask&MaskText != 0 {
			text := true
			if row.Type == maputil.TypeMms {
				text = row.TextOnly || row.Body != ""
			}
			add("text", yesNo(text))
		}
		if mask&MaskReceptionStatus != 0 {
			add("reception_status", "complete")
		}
		if mask&MaskAttachmentSize != 0 {
			asize := row.AttachmentSize
			if asize < 1 && row.Type == maputil.TypeMms && !row.TextOnly {
				// An attachment exists even when the store has no size
				// for it.
				asize = 1
			}
			add("attachment_size", itoa64(asize))
		}
		if mask&MaskPriority != 0 {
			add("priority", yesNo(highPriority(row)))
		}
		if mask&MaskRead != 0 {
			add("read", yesNo(row.Read))
		}
		if mask&MaskSent != 0 {
			add("sent", yesNo(e.Mailbox == store.MailboxSent))
		}
		if mask&MaskProtected != 0 {
			add("protected", yesNo(row.Protected))
		}

		if extended {
			if mask&MaskDeliveryStatus != 0 && row.DeliveryState != "" {
				add("delivery_status", row.DeliveryState)
			}
			if mask&MaskConversationID != 0 && row.ThreadID > 0 {
				add("conversation_id", convoIDForRow(row).Hex())
			}
			if mask&MaskDirection != 0 {
				dir := "outgoing"
				if e.Mailbox == store.MailboxInbox {
					dir = "incoming"
				}
				add("direction", dir)
			}
		}

		el := xml.StartElement{Name: xml.Name{Local: "msg"}, Attr: attrs}
		if err := enc.EncodeToken(el); err != nil {
			return nil, errors.Wrap(err, "content: encoding entry")
		}
		if err := enc.EncodeToken(el.End()); err != nil {
			return nil, errors.Wrap(err, "content: encoding entry")
		}
	}

	if err := enc.EncodeToken(listing.End()); err != nil {
		return nil, errors.Wrap(err, "content: encoding listing")
	}
	if err := enc.Flush(); err != nil {
		return nil, errors.Wrap(err, "content: encoding listing")
	}
	return buf.Bytes(), nil
}

func convoIDForRow(row *store.MessageRow) maputil.UInt128 {
	switch row.Type {
	case maputil.TypeEmail, maputil.TypeIm:
		return maputil.NewConvoID(maputil.ConvoNamespaceEmailIm, row.ThreadID)
	}
	return maputil.NewConvoID(maputil.ConvoNamespaceSmsMms, row.ThreadID)
}

func highPriority(row *store.MessageRow) bool {
	if row.Type == maputil.TypeMms {
		// PduHeaders.PRIORITY_HIGH
		return row.Priority >= 130
	}
	return row.HighPriority
}

func senderName(row *store.MessageRow) string {
	if row.SenderName != "" {
		return row.SenderName
	}
	if row.SenderAddress != "" {
		return row.SenderAddress
	}
	if row.Mailbox() == store.MailboxInbox {
		return row.Address
	}
	return ""
}

func senderAddress(row *store.MessageRow) string {
	if row.SenderAddress != "" {
		return row.SenderAddress
	}
	if row.Mailbox() == store.MailboxInbox {
		return row.Address
	}
	return ""
}

func recipientName(row *store.MessageRow) string {
	if row.RecipientName != "" {
		return row.RecipientName
	}
	if row.RecipientAddress != "" {
		return row.RecipientAddress
	}
	if row.Mailbox() != store.MailboxInbox {
		return row.Address
	}
	return ""
}

func recipientAddress(row *store.MessageRow) string {
	if row.RecipientAddress != "" {
		return row.RecipientAddress
	}
	if row.Mailbox() != store.MailboxInbox {
		return row.Address
	}
	return ""
}
