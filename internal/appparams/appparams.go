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

// Package appparams encodes and decodes the MAP application parameter
// header: a TLV stream of [tagId u8][length u8][value] entries with
// big-endian multi-byte integers.
//
// A fixed-length tag whose declared length disagrees with the expected
// length is logged and skipped; the stream stays synchronized by advancing
// over the declared length. Unknown tags are skipped the same way. Only
// out-of-range values and truncated buffers fail a decode.
package appparams

import (
	"bytes"
	"encoding/binary"
	"log"
	"time"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/maputil"
)

// Tag IDs from the MAP application parameter table.
const (
	tagMaxListCount         = 0x01
	tagStartOffset          = 0x02
	tagFilterMessageType    = 0x03
	tagFilterPeriodBegin    = 0x04
	tagFilterPeriodEnd      = 0x05
	tagFilterReadStatus     = 0x06
	tagFilterRecipient      = 0x07
	tagFilterOriginator     = 0x08
	tagFilterPriority       = 0x09
	tagAttachment           = 0x0A
	tagTransparent          = 0x0B
	tagRetry                = 0x0C
	tagNewMessage           = 0x0D
	tagNotificationStatus   = 0x0E
	tagMasInstanceID        = 0x0F
	tagParameterMask        = 0x10
	tagFolderListingSize    = 0x11
	tagMessageListingSize   = 0x12
	tagSubjectLength        = 0x13
	tagCharset              = 0x14
	tagFractionRequest      = 0x15
	tagFractionDeliver      = 0x16
	tagStatusIndicator      = 0x17
	tagStatusValue          = 0x18
	tagMseTime              = 0x19
	tagDatabaseIdentifier   = 0x1A
	tagConvoListVerCounter  = 0x1B
	tagPresenceAvailable    = 0x1C
	tagPresenceText         = 0x1D
	tagLastActivity         = 0x1E
	tagChatState            = 0x1F
	tagFilterConvoID        = 0x20
	tagConvoListingSize     = 0x21
	tagFilterPresence       = 0x22
	tagFilterUIDPresent     = 0x23
	tagChatStateConvoID     = 0x24
	tagFolderVerCounter     = 0x25
	tagFilterMessageHandle  = 0x26
	tagNotificationFilter   = 0x27
	tagConvoParameterMask   = 0x28
)

// Expected value lengths for the fixed-length tags.
const (
	lenMaxListCount        = 2
	lenStartOffset         = 2
	lenFilterMessageType   = 1
	lenFilterReadStatus    = 1
	lenFilterPriority      = 1
	lenAttachment          = 1
	lenTransparent         = 1
	lenRetry               = 1
	lenNewMessage          = 1
	lenNotificationStatus  = 1
	lenMasInstanceID       = 1
	lenParameterMask       = 4
	lenFolderListingSize   = 2
	lenMessageListingSize  = 2
	lenSubjectLength       = 1
	lenCharset             = 1
	lenFractionRequest     = 1
	lenFractionDeliver     = 1
	lenStatusIndicator     = 1
	lenStatusValue         = 1
	lenDatabaseIdentifier  = 16
	lenConvoListVerCounter = 16
	lenPresenceAvailable   = 1
	lenChatState           = 1
	lenFilterConvoID       = 32
	lenConvoListingSize    = 2
	lenFilterPresence      = 1
	lenFilterUIDPresent    = 1
	lenChatStateConvoID    = 16
	lenFolderVerCounter    = 16
	lenFilterMsgHandle     = 16
	lenNotificationFilter  = 4
	lenConvoParameterMask  = 4
)

// Unset marks an integer parameter that was not present in the request.
// All legal parameter ranges are non-negative.
const Unset = int64(-1)

// Well-known parameter values.
const (
	NotificationStatusNo   = 0
	NotificationStatusYes  = 1
	StatusIndicatorRead    = 0
	StatusIndicatorDeleted = 1
	StatusValueNo          = 0
	StatusValueYes         = 1
	CharsetNative          = 0
	CharsetUTF8            = 1
	FractionRequestFirst   = 0
	FractionRequestNext    = 1
	FractionDeliverMore    = 0
	FractionDeliverLast    = 1
)

// Message type filter bits. A set bit excludes the type from a listing.
const (
	FilterNoSmsGsm  = 0x01
	FilterNoSmsCdma = 0x02
	FilterNoEmail   = 0x04
	FilterNoMms     = 0x08
	FilterNoIm      = 0x10
	FilterMsgTypeMask = 0x1F
)

// ErrOutOfRange is the cause of every setter failure. A violated range is a
// programming error on the encode path and a protocol error on decode.
var ErrOutOfRange = errors.New("appparams: value out of range")

// Params holds one decoded or under-construction application parameter
// header. Integer fields use Unset (-1) as the absent sentinel; string
// fields use ""; composite fields use nil; time fields use the zero time.
// Use the Set methods when building a response so ranges are enforced.
type Params struct {
	MaxListCount         int64
	StartOffset          int64
	FilterMessageType    int64
	FilterPeriodBegin    time.Time
	FilterPeriodEnd      time.Time
	FilterReadStatus     int64
	FilterRecipient      string
	FilterOriginator     string
	FilterPriority       int64
	Attachment           int64
	Transparent          int64
	Retry                int64
	NewMessage           int64
	NotificationStatus   int64
	NotificationFilter   int64
	MasInstanceID        int64
	ParameterMask        int64
	FolderListingSize    int64
	MessageListingSize   int64
	ConvoListingSize     int64
	SubjectLength        int64
	Charset              int64
	FractionRequest      int64
	FractionDeliver      int64
	StatusIndicator      int64
	StatusValue          int64
	MseTime              time.Time
	DatabaseIdentifier   *maputil.UInt128
	ConvoListVerCounter  *maputil.UInt128
	FolderVerCounter     *maputil.UInt128
	PresenceAvailability int64
	PresenceText         string
	LastActivity         time.Time
	ChatState            int64
	FilterConvoID        *maputil.UInt128
	FilterPresence       int64
	FilterUIDPresent     int64
	ChatStateConvoID     *maputil.UInt128
	FilterMsgHandle      int64
	ConvoParameterMask   int64
}

// New returns a Params with every integer field unset.
func New() *Params {
	return &Params{
		MaxListCount:         Unset,
		StartOffset:          Unset,
		FilterMessageType:    Unset,
		FilterReadStatus:     Unset,
		FilterPriority:       Unset,
		Attachment:           Unset,
		Transparent:          Unset,
		Retry:                Unset,
		NewMessage:           Unset,
		NotificationStatus:   Unset,
		NotificationFilter:   Unset,
		MasInstanceID:        Unset,
		ParameterMask:        Unset,
		FolderListingSize:    Unset,
		MessageListingSize:   Unset,
		ConvoListingSize:     Unset,
		SubjectLength:        Unset,
		Charset:              Unset,
		FractionRequest:      Unset,
		FractionDeliver:      Unset,
		StatusIndicator:      Unset,
		StatusValue:          Unset,
		PresenceAvailability: Unset,
		ChatState:            Unset,
		FilterPresence:       Unset,
		FilterUIDPresent:     Unset,
		FilterMsgHandle:      Unset,
		ConvoParameterMask:   Unset,
	}
}

func check(name string, v, max int64) error {
	if v < 0 || v > max {
		return errors.Wrapf(ErrOutOfRange, "%s=%d, valid range is 0..%#x", name, v, max)
	}
	return nil
}

func (p *Params) SetMaxListCount(v int64) error {
	if err := check("MaxListCount", v, 0xFFFF); err != nil {
		return err
	}
	p.MaxListCount = v
	return nil
}

func (p *Params) SetStartOffset(v int64) error {
	if err := check("StartOffset", v, 0xFFFF); err != nil {
		return err
	}
	p.StartOffset = v
	return nil
}

func (p *Params) SetFilterMessageType(v int64) error {
	if err := check("FilterMessageType", v, FilterMsgTypeMask); err != nil {
		return err
	}
	p.FilterMessageType = v
	return nil
}

func (p *Params) SetFilterReadStatus(v int64) error {
	if err := check("FilterReadStatus", v, 0x02); err != nil {
		return err
	}
	p.FilterReadStatus = v
	return nil
}

func (p *Params) SetFilterPriority(v int64) error {
	if err := check("FilterPriority", v, 0x02); err != nil {
		return err
	}
	p.FilterPriority = v
	return nil
}

func (p *Params) SetAttachment(v int64) error {
	if err := check("Attachment", v, 0x01); err != nil {
		return err
	}
	p.Attachment = v
	return nil
}

func (p *Params) SetTransparent(v int64) error {
	if err := check("Transparent", v, 0x01); err != nil {
		return err
	}
	p.Transparent = v
	return nil
}

func (p *Params) SetRetry(v int64) error {
	if err := check("Retry", v, 0x01); err != nil {
		return err
	}
	p.Retry = v
	return nil
}

func (p *Params) SetNewMessage(v int64) error {
	if err := check("NewMessage", v, 0x01); err != nil {
		return err
	}
	p.NewMessage = v
	return nil
}

func (p *Params) SetNotificationStatus(v int64) error {
	if err := check("NotificationStatus", v, 0x01); err != nil {
		return err
	}
	p.NotificationStatus = v
	return nil
}

func (p *Params) SetNotificationFilter(v int64) error {
	if err := check("NotificationFilter", v, 0xFFFFFFFF); err != nil {
		return err
	}
	p.NotificationFilter = v
	return nil
}

func (p *Params) SetMasInstanceID(v int64) error {
	if err := check("MasInstanceID", v, 0xFF); err != nil {
		return err
	}
	p.MasInstanceID = v
	return nil
}

func (p *Params) SetParameterMask(v int64) error {
	if err := check("ParameterMask", v, 0xFFFFFFFF); err != nil {
		return err
	}
	p.ParameterMask = v
	return nil
}

func (p *Params) SetFolderListingSize(v int64) error {
	if err := check("FolderListingSize", v, 0xFFFF); err != nil {
		return err
	}
	p.FolderListingSize = v
	return nil
}

func (p *Params) SetMessageListingSize(v int64) error {
	if err := check("MessageListingSize", v, 0xFFFF); err != nil {
		return err
	}
	p.MessageListingSize = v
	return nil
}

func (p *Params) SetConvoListingSize(v int64) error {
	if err := check("ConvoListingSize", v, 0xFFFF); err != nil {
		return err
	}
	p.ConvoListingSize = v
	return nil
}

func (p *Params) SetSubjectLength(v int64) error {
	if err := check("SubjectLength", v, 0xFF); err != nil {
		return err
	}
	p.SubjectLength = v
	return nil
}

func (p *Params) SetCharset(v int64) error {
	if err := check("Charset", v, 0x01); err != nil {
		return err
	}
	p.Charset = v
	return nil
}

func (p *Params) SetFractionRequest(v int64) error {
	if err := check("FractionRequest", v, 0x01); err != nil {
		return err
	}
	p.FractionRequest = v
	return nil
}

func (p *Params) SetFractionDeliver(v int64) error {
	if err := check("FractionDeliver", v, 0x01); err != nil {
		return err
	}
	p.FractionDeliver = v
	return nil
}

func (p *Params) SetStatusIndicator(v int64) error {
	if err := check("StatusIndicator", v, 0x01); err != nil {
		return err
	}
	p.StatusIndicator = v
	return nil
}

func (p *Params) SetStatusValue(v int64) error {
	if err := check("StatusValue", v, 0x01); err != nil {
		return err
	}
	p.StatusValue = v
	return nil
}

func (p *Params) SetPresenceAvailability(v int64) error {
	if err := check("PresenceAvailability", v, 0xFF); err != nil {
		return err
	}
	p.PresenceAvailability = v
	return nil
}

func (p *Params) SetChatState(v int64) error {
	if err := check("ChatState", v, 0xFF); err != nil {
		return err
	}
	p.ChatState = v
	return nil
}

func (p *Params) SetFilterPresence(v int64) error {
	if err := check("FilterPresence", v, 0xFFFF); err != nil {
		return err
	}
	p.FilterPresence = v
	return nil
}

func (p *Params) SetFilterUIDPresent(v int64) error {
	if err := check("FilterUIDPresent", v, 0xFF); err != nil {
		return err
	}
	p.FilterUIDPresent = v
	return nil
}

func (p *Params) SetConvoParameterMask(v int64) error {
	if err := check("ConvoParameterMask", v, 0xFFFFFFFF); err != nil {
		return err
	}
	p.ConvoParameterMask = v
	return nil
}

// Decode parses an application parameter header byte stream.
func Decode(data []byte) (*Params, error) {
	p := New()
	i := 0
	for i+2 <= len(data) {
		tagID := int(data[i]) & 0xff
		tagLen := int(data[i+1]) & 0xff
		i += 2
		if i+tagLen > len(data) {
			return nil, errors.Errorf(
				"appparams: tag %#02x declares %d value bytes but only %d remain",
				tagID, tagLen, len(data)-i)
		}
		value := data[i : i+tagLen]
		if err := p.decodeTag(tagID, tagLen, value); err != nil {
			return nil, err
		}
		i += tagLen // advance over the declared length, mismatch or not
	}
	if i != len(data) {
		return nil, errors.Errorf("appparams: %d trailing bytes after last tag", len(data)-i)
	}
	return p, nil
}

// lengthOK logs and reports a fixed-length tag whose declared length
// disagrees with the expected one. The field stays unset in that case.
func lengthOK(name string, got, want int) bool {
	if got != want {
		log.Printf("appparams: %s: wrong length received: %d expected: %d", name, got, want)
		return false
	}
	return true
}

// variableOK logs zero-length variable tags, which mean "not provided".
func variableOK(name string, length int) bool {
	if length == 0 {
		log.Printf("appparams: %s: zero length received, treating as not provided", name)
		return false
	}
	return true
}

// beUint widens up to 8 big-endian bytes to unsigned semantics.
func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func beUint128(b []byte) *maputil.UInt128 {
	return &maputil.UInt128{
		Hi: binary.BigEndian.Uint64(b[0:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

func (p *Params) decodeTag(tagID, tagLen int, value []byte) error {
	switch tagID {
	case tagMaxListCount:
		if lengthOK("MaxListCount", tagLen, lenMaxListCount) {
			return p.SetMaxListCount(int64(beUint(value)))
		}
	case tagStartOffset:
		if lengthOK("StartOffset", tagLen, lenStartOffset) {
			return p.SetStartOffset(int64(beUint(value)))
		}
	case tagFilterMessageType:
		if lengthOK("FilterMessageType", tagLen, lenFilterMessageType) {
			return p.SetFilterMessageType(int64(value[0] & FilterMsgTypeMask))
		}
	case tagFilterPeriodBegin:
		if variableOK("FilterPeriodBegin", tagLen) {
			t, err := maputil.ParseTime(string(value))
			if err != nil {
				return err
			}
			p.FilterPeriodBegin = t
		}
	case tagFilterPeriodEnd:
		if variableOK("FilterPeriodEnd", tagLen) {
			t, err := maputil.ParseTime(string(value))
			if err != nil {
				return err
			}
			p.FilterPeriodEnd = t
		}
	case tagFilterReadStatus:
		if lengthOK("FilterReadStatus", tagLen, lenFilterReadStatus) {
			return p.SetFilterReadStatus(int64(value[0] & 0x03))
		}
	case tagFilterRecipient:
		if variableOK("FilterRecipient", tagLen) {
			p.FilterRecipient = string(value)
		}
	case tagFilterOriginator:
		if variableOK("FilterOriginator", tagLen) {
			p.FilterOriginator = string(value)
		}
	case tagFilterPriority:
		if lengthOK("FilterPriority", tagLen, lenFilterPriority) {
			return p.SetFilterPriority(int64(value[0] & 0x03))
		}
	case tagAttachment:
		if lengthOK("Attachment", tagLen, lenAttachment) {
			return p.SetAttachment(int64(value[0] & 0x01))
		}
	case tagTransparent:
		if lengthOK("Transparent", tagLen, lenTransparent) {
			return p.SetTransparent(int64(value[0] & 0x01))
		}
	case tagRetry:
		if lengthOK("Retry", tagLen, lenRetry) {
			return p.SetRetry(int64(value[0] & 0x01))
		}
	case tagNewMessage:
		if lengthOK("NewMessage", tagLen, lenNewMessage) {
			return p.SetNewMessage(int64(value[0] & 0x01))
		}
	case tagNotificationStatus:
		if lengthOK("NotificationStatus", tagLen, lenNotificationStatus) {
			return p.SetNotificationStatus(int64(value[0] & 0x01))
		}
	case tagNotificationFilter:
		if lengthOK("NotificationFilter", tagLen, lenNotificationFilter) {
			return p.SetNotificationFilter(int64(beUint(value)))
		}
	case tagMasInstanceID:
		if lengthOK("MasInstanceID", tagLen, lenMasInstanceID) {
			return p.SetMasInstanceID(int64(value[0]))
		}
	case tagParameterMask:
		if lengthOK("ParameterMask", tagLen, lenParameterMask) {
			return p.SetParameterMask(int64(beUint(value)))
		}
	case tagFolderListingSize:
		if lengthOK("FolderListingSize", tagLen, lenFolderListingSize) {
			return p.SetFolderListingSize(int64(beUint(value)))
		}
	case tagMessageListingSize:
		if lengthOK("MessageListingSize", tagLen, lenMessageListingSize) {
			return p.SetMessageListingSize(int64(beUint(value)))
		}
	case tagSubjectLength:
		if lengthOK("SubjectLength", tagLen, lenSubjectLength) {
			return p.SetSubjectLength(int64(value[0]))
		}
	case tagCharset:
		if lengthOK("Charset", tagLen, lenCharset) {
			return p.SetCharset(int64(value[0] & 0x01))
		}
	case tagFractionRequest:
		if lengthOK("FractionRequest", tagLen, lenFractionRequest) {
			return p.SetFractionRequest(int64(value[0] & 0x01))
		}
	case tagFractionDeliver:
		if lengthOK("FractionDeliver", tagLen, lenFractionDeliver) {
			return p.SetFractionDeliver(int64(value[0] & 0x01))
		}
	case tagStatusIndicator:
		if lengthOK("StatusIndicator", tagLen, lenStatusIndicator) {
			return p.SetStatusIndicator(int64(value[0] & 0x01))
		}
	case tagStatusValue:
		if lengthOK("StatusValue", tagLen, lenStatusValue) {
			return p.SetStatusValue(int64(value[0] & 0x01))
		}
	case tagMseTime:
		if variableOK("MseTime", tagLen) {
			t, err := maputil.ParseTime(string(value))
			if err != nil {
				return err
			}
			p.MseTime = t
		}
	case tagDatabaseIdentifier:
		if lengthOK("DatabaseIdentifier", tagLen, lenDatabaseIdentifier) {
			p.DatabaseIdentifier = beUint128(value)
		}
	case tagConvoListVerCounter:
		if lengthOK("ConvoListVerCounter", tagLen, lenConvoListVerCounter) {
			p.ConvoListVerCounter = beUint128(value)
		}
	case tagPresenceAvailable:
		if lengthOK("PresenceAvailability", tagLen, lenPresenceAvailable) {
			return p.SetPresenceAvailability(int64(value[0]))
		}
	case tagPresenceText:
		if variableOK("PresenceText", tagLen) {
			p.PresenceText = string(value)
		}
	case tagLastActivity:
		if variableOK("LastActivity", tagLen) {
			t, err := maputil.ParseTime(string(value))
			if err != nil {
				return err
			}
			p.LastActivity = t
		}
	case tagChatState:
		if lengthOK("ChatState", tagLen, lenChatState) {
			return p.SetChatState(int64(value[0]))
		}
	case tagFilterConvoID:
		// Hex text, 1..32 bytes.
		if tagLen != 0 && tagLen <= lenFilterConvoID {
			id, err := maputil.ParseUInt128(string(value))
			if err != nil {
				return err
			}
			p.FilterConvoID = &id
		} else {
			log.Printf("appparams: FilterConvoID: wrong length received: %d expected: 1..%d",
				tagLen, lenFilterConvoID)
		}
	case tagConvoListingSize:
		if lengthOK("ConvoListingSize", tagLen, lenConvoListingSize) {
			return p.SetConvoListingSize(int64(beUint(value)))
		}
	case tagFilterPresence:
		if lengthOK("FilterPresence", tagLen, lenFilterPresence) {
			return p.SetFilterPresence(int64(value[0]))
		}
	case tagFilterUIDPresent:
		if lengthOK("FilterUIDPresent", tagLen, lenFilterUIDPresent) {
			return p.SetFilterUIDPresent(int64(value[0] & 0x01))
		}
	case tagChatStateConvoID:
		if lengthOK("ChatStateConvoID", tagLen, lenChatStateConvoID) {
			p.ChatStateConvoID = beUint128(value)
		}
	case tagFolderVerCounter:
		// Accepted but never meaningful in a request; ignore.
	case tagFilterMessageHandle:
		// Hex text, 1..16 bytes.
		if tagLen != 0 && tagLen <= lenFilterMsgHandle {
			id, err := maputil.ParseUInt128(string(value))
			if err != nil {
				return err
			}
			p.FilterMsgHandle = int64(id.Lo)
		} else {
			log.Printf("appparams: FilterMessageHandle: wrong length received: %d expected: 1..%d",
				tagLen, lenFilterMsgHandle)
		}
	case tagConvoParameterMask:
		if lengthOK("ConvoParameterMask", tagLen, lenConvoParameterMask) {
			return p.SetConvoParameterMask(int64(beUint(value)))
		}
	default:
		// Unknown tags are skipped for forward compatibility.
		log.Printf("appparams: unknown tag %#02x (%d bytes), skipping", tagID, tagLen)
	}
	return nil
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) fixed(tagID byte, length int, v uint64) {
	e.buf.WriteByte(tagID)
	e.buf.WriteByte(byte(length))
	for i := length - 1; i >= 0; i-- {
		e.buf.WriteByte(byte(v >> (uint(i) * 8)))
	}
}

func (e *encoder) u128(tagID byte, v *maputil.UInt128) {
	e.buf.WriteByte(tagID)
	e.buf.WriteByte(16)
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], v.Hi)
	binary.BigEndian.PutUint64(b[8:16], v.Lo)
	e.buf.Write(b[:])
}

func (e *encoder) str(tagID byte, s string) {
	// The byte length is recomputed here so multi-byte runes can not
	// desynchronize the stream.
	b := []byte(s)
	e.buf.WriteByte(tagID)
	e.buf.WriteByte(byte(len(b)))
	e.buf.Write(b)
}

// Encode serializes the set fields in ascending tag-ID order.
func (p *Params) Encode() []byte {
	var e encoder
	if p.MaxListCount != Unset {
		e.fixed(tagMaxListCount, lenMaxListCount, uint64(p.MaxListCount))
	}
	if p.StartOffset != Unset {
		e.fixed(tagStartOffset, lenStartOffset, uint64(p.StartOffset))
	}
	if p.FilterMessageType != Unset {
		e.fixed(tagFilterMessageType, lenFilterMessageType, uint64(p.FilterMessageType))
	}
	if !p.FilterPeriodBegin.IsZero() {
		e.str(tagFilterPeriodBegin, maputil.FormatTime(p.FilterPeriodBegin))
	}
	if !p.FilterPeriodEnd.IsZero() {
		e.str(tagFilterPeriodEnd, maputil.FormatTime(p.FilterPeriodEnd))
	}
	if p.FilterReadStatus != Unset {
		e.fixed(tagFilterReadStatus, lenFilterReadStatus, uint64(p.FilterReadStatus))
	}
	if p.FilterRecipient != "" {
		e.str(tagFilterRecipient, p.FilterRecipient)
	}
	if p.FilterOriginator != "" {
		e.str(tagFilterOriginator, p.FilterOriginator)
	}
	if p.FilterPriority != Unset {
		e.fixed(tagFilterPriority, lenFilterPriority, uint64(p.FilterPriority))
	}
	if p.Attachment != Unset {
		e.fixed(tagAttachment, lenAttachment, uint64(p.Attachment))
	}
	if p.Transparent != Unset {
		e.fixed(tagTransparent, lenTransparent, uint64(p.Transparent))
	}
	if p.Retry != Unset {
		e.fixed(tagRetry, lenRetry, uint64(p.Retry))
	}
	if p.NewMessage != Unset {
		e.fixed(tagNewMessage, lenNewMessage, uint64(p.NewMessage))
	}
	if p.NotificationStatus != Unset {
		e.fixed(tagNotificationStatus, lenNotificationStatus, uint64(p.NotificationStatus))
	}
	if p.MasInstanceID != Unset {
		e.fixed(tagMasInstanceID, lenMasInstanceID, uint64(p.MasInstanceID))
	}
	if p.ParameterMask != Unset {
		e.fixed(tagParameterMask, lenParameterMask, uint64(p.ParameterMask))
	}
	if p.FolderListingSize != Unset {
		e.fixed(tagFolderListingSize, lenFolderListingSize, uint64(p.FolderListingSize))
	}
	if p.MessageListingSize != Unset {
		e.fixed(tagMessageListingSize, lenMessageListingSize, uint64(p.MessageListingSize))
	}
	if p.SubjectLength != Unset {
		e.fixed(tagSubjectLength, lenSubjectLength, uint64(p.SubjectLength))
	}
	if p.Charset != Unset {
		e.fixed(tagCharset, lenCharset, uint64(p.Charset))
	}
	if p.FractionRequest != Unset {
		e.fixed(tagFractionRequest, lenFractionRequest, uint64(p.FractionRequest))
	}
	if p.FractionDeliver != Unset {
		e.fixed(tagFractionDeliver, lenFractionDeliver, uint64(p.FractionDeliver))
	}
	if p.StatusIndicator != Unset {
		e.fixed(tagStatusIndicator, lenStatusIndicator, uint64(p.StatusIndicator))
	}
	if p.StatusValue != Unset {
		e.fixed(tagStatusValue, lenStatusValue, uint64(p.StatusValue))
	}
	if !p.MseTime.IsZero() {
		e.str(tagMseTime, maputil.FormatTimeOffset(p.MseTime))
	}
	if p.DatabaseIdentifier != nil {
		e.u128(tagDatabaseIdentifier, p.DatabaseIdentifier)
	}
	if p.ConvoListVerCounter != nil {
		e.u128(tagConvoListVerCounter, p.ConvoListVerCounter)
	}
	if p.PresenceAvailability != Unset {
		e.fixed(tagPresenceAvailable, lenPresenceAvailable, uint64(p.PresenceAvailability))
	}
	if p.PresenceText != "" {
		e.str(tagPresenceText, p.PresenceText)
	}
	if !p.LastActivity.IsZero() {
		e.str(tagLastActivity, maputil.FormatTimeOffset(p.LastActivity))
	}
	if p.ChatState != Unset {
		e.fixed(tagChatState, lenChatState, uint64(p.ChatState))
	}
	if p.FilterConvoID != nil {
		e.str(tagFilterConvoID, p.FilterConvoID.Hex())
	}
	if p.ConvoListingSize != Unset {
		e.fixed(tagConvoListingSize, lenConvoListingSize, uint64(p.ConvoListingSize))
	}
	if p.FilterPresence != Unset {
		e.fixed(tagFilterPresence, lenFilterPresence, uint64(p.FilterPresence))
	}
	if p.FilterUIDPresent != Unset {
		e.fixed(tagFilterUIDPresent, lenFilterUIDPresent, uint64(p.FilterUIDPresent))
	}
	if p.ChatStateConvoID != nil {
		e.u128(tagChatStateConvoID, p.ChatStateConvoID)
	}
	if p.FolderVerCounter != nil {
		e.u128(tagFolderVerCounter, p.FolderVerCounter)
	}
	if p.FilterMsgHandle != Unset {
		e.str(tagFilterMessageHandle, maputil.UInt128{Lo: uint64(p.FilterMsgHandle)}.Hex()[16:])
	}
	if p.NotificationFilter != Unset {
		e.fixed(tagNotificationFilter, lenNotificationFilter, uint64(p.NotificationFilter))
	}
	if p.ConvoParameterMask != Unset {
		e.fixed(tagConvoParameterMask, lenConvoParameterMask, uint64(p.ConvoParameterMask))
	}
	return e.buf.Bytes()
}
