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

// Package maputil holds the small wire-level codecs shared across the MAP
// server: message handle encoding, 128-bit conversation identifiers and the
// MAP timestamp string format.
package maputil

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Type identifies the underlying transport of a message. The numeric
// values index the handle type masks below and must not be reordered.
type Type int

const (
	TypeSmsGsm Type = iota
	TypeSmsCdma
	TypeMms
	TypeEmail
	TypeIm
)

func (t Type) String() string {
	switch t {
	case TypeSmsGsm:
		return "SMS_GSM"
	case TypeSmsCdma:
		return "SMS_CDMA"
	case TypeMms:
		return "MMS"
	case TypeEmail:
		return "EMAIL"
	case TypeIm:
		return "IM"
	}
	return "UNKNOWN"
}

// Handle type masks occupy the top byte of the 64-bit handle value.
const (
	handleTypeMask        = uint64(0xff) << 56
	handleTypeMmsMask     = uint64(0x01) << 56
	handleTypeEmailMask   = uint64(0x02) << 56
	handleTypeSmsGsmMask  = uint64(0x04) << 56
	handleTypeSmsCdmaMask = uint64(0x08) << 56
	handleTypeImMask      = uint64(0x10) << 56
)

func typeMask(t Type) uint64 {
	switch t {
	case TypeSmsGsm:
		return handleTypeSmsGsmMask
	case TypeSmsCdma:
		return handleTypeSmsCdmaMask
	case TypeMms:
		return handleTypeMmsMask
	case TypeEmail:
		return handleTypeEmailMask
	case TypeIm:
		return handleTypeImMask
	}
	return 0
}

// EncodeHandle renders a store-local message ID as the 16 digit hex handle
// exposed to the client, with the message type tagged in the top byte.
func EncodeHandle(id int64, t Type) string {
	v := uint64(id)&^handleTypeMask | typeMask(t)
	s := strconv.FormatUint(v, 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return strings.ToUpper(s)
}

// DecodeHandle reverses EncodeHandle, returning the raw store ID and the
// message type encoded in the handle's top byte.
func DecodeHandle(handle string) (int64, Type, error) {
	v, err := strconv.ParseUint(handle, 16, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed message handle %q", handle)
	}
	var t Type
	switch v & handleTypeMask {
	case handleTypeSmsGsmMask:
		t = TypeSmsGsm
	case handleTypeSmsCdmaMask:
		t = TypeSmsCdma
	case handleTypeMmsMask:
		t = TypeMms
	case handleTypeEmailMask:
		t = TypeEmail
	case handleTypeImMask:
		t = TypeIm
	default:
		return 0, 0, errors.Errorf("message handle %q has no type tag", handle)
	}
	return int64(v &^ handleTypeMask), t, nil
}

// Conversation ID namespaces, carried in the high half of the 128-bit ID.
const (
	ConvoNamespaceSmsMms  uint64 = 1
	ConvoNamespaceEmailIm uint64 = 2
)

// UInt128 is a 128-bit value stored as two 64-bit halves, MSB first on the
// wire. Used for conversation IDs, version counters and the database
// identifier.
type UInt128 struct {
	Hi uint64
	Lo uint64
}

// NewConvoID builds a typed conversation ID from a namespace and a
// store-local thread or conversation row ID.
func NewConvoID(namespace uint64, id int64) UInt128 {
	return UInt128{Hi: namespace, Lo: uint64(id)}
}

// Hex renders the value as 32 upper-case hex digits.
func (u UInt128) Hex() string {
	hi := strconv.FormatUint(u.Hi, 16)
	lo := strconv.FormatUint(u.Lo, 16)
	var b strings.Builder
	b.WriteString(strings.Repeat("0", 16-len(hi)))
	b.WriteString(hi)
	b.WriteString(strings.Repeat("0", 16-len(lo)))
	b.WriteString(lo)
	return strings.ToUpper(b.String())
}

// ParseUInt128 parses up to 32 hex digits into a 128-bit value. Shorter
// strings are right-aligned, matching how clients echo IDs back.
func ParseUInt128(s string) (UInt128, error) {
	if len(s) == 0 || len(s) > 32 {
		return UInt128{}, errors.Errorf("hex id %q: length must be 1..32", s)
	}
	var hi, lo uint64
	var err error
	if len(s) > 16 {
		hi, err = strconv.ParseUint(s[:len(s)-16], 16, 64)
		if err != nil {
			return UInt128{}, errors.Wrapf(err, "hex id %q", s)
		}
		s = s[len(s)-16:]
	}
	lo, err = strconv.ParseUint(s, 16, 64)
	if err != nil {
		return UInt128{}, errors.Wrapf(err, "hex id %q", s)
	}
	return UInt128{Hi: hi, Lo: lo}, nil
}

// IsZero reports whether both halves are zero.
func (u UInt128) IsZero() bool { return u.Hi == 0 && u.Lo == 0 }

// StripInvalidXML drops characters the XML 1.0 charset forbids. Subjects
// and contact names come straight from radio payloads and do contain them.
func StripInvalidXML(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == 0x09 || r == 0x0A || r == 0x0D:
			return r
		case r >= 0x20 && r <= 0xD7FF:
			return r
		case r >= 0xE000 && r <= 0xFFFD:
			return r
		case r >= 0x10000 && r <= 0x10FFFF:
			return r
		}
		return -1
	}, s)
}

// TruncateUTF8 cuts s to at most n bytes without splitting a rune.
func TruncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Timestamp layouts. Filter periods carry no zone; absolute server and
// activity stamps append the local UTC offset.
const (
	timeLayout       = "20060102T150405"
	timeLayoutOffset = "20060102T150405-0700"
)

// FormatTime renders a local timestamp without a zone designator, as used
// by period filters in listing requests.
func FormatTime(t time.Time) string {
	return t.Format(timeLayout)
}

// FormatTimeOffset renders a local timestamp with the UTC offset appended,
// as used for MSE time and last-activity values.
func FormatTimeOffset(t time.Time) string {
	return t.Format(timeLayoutOffset)
}

// ParseTime accepts both timestamp forms.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(timeLayoutOffset, s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "malformed timestamp %q", s)
	}
	return t, nil
}
