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

// Package bmessage reads and writes the bMessage format used for message
// fetch and push. The grammar is line oriented with nested BEGIN/END
// blocks; one envelope level is enough for every client seen in the
// wild, but nested envelopes are accepted on parse.
package bmessage

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/maputil"
)

// Status values.
const (
	StatusRead   = "READ"
	StatusUnread = "UNREAD"
)

// VCard is one originator or recipient.
type VCard struct {
	Version string
	Name    string
	Tel     string
	Email   string
	UCI     string
}

// Message is one decoded bMessage.
type Message struct {
	Status      string
	Type        maputil.Type
	Folder      string
	Originators []VCard
	Recipients  []VCard

	PartID   string
	Encoding string
	Charset  string
	Language string
	Body     string
}

var typeNames = map[string]maputil.Type{
	"SMS_GSM":  maputil.TypeSmsGsm,
	"SMS_CDMA": maputil.TypeSmsCdma,
	"MMS":      maputil.TypeMms,
	"EMAIL":    maputil.TypeEmail,
	"IM":       maputil.TypeIm,
}

type parser struct {
	lines []string
	pos   int
}

func (p *parser) next() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	line := p.lines[p.pos]
	p.pos++
	return line, true
}

func (p *parser) peek() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	return p.lines[p.pos], true
}

func (p *parser) expect(want string) error {
	line, ok := p.next()
	if !ok {
		return errors.Errorf("bmessage: truncated, want %q", want)
	}
	if line != want {
		return errors.Errorf("bmessage: got %q, want %q", line, want)
	}
	return nil
}

func splitProperty(line string) (string, string, bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return line[:i], line[i+1:], true
}

func (p *parser) parseVCard() (VCard, error) {
	var v VCard
	for {
		line, ok := p.next()
		if !ok {
			return v, errors.New("bmessage: truncated vCard")
		}
		if line == "END:VCARD" {
			return v, nil
		}
		name, value, ok := splitProperty(line)
		if !ok {
			continue
		}
		// TEL;TYPE=CELL style parameters are ignored.
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = name[:i]
		}
		switch name {
		case "VERSION":
			v.Version = value
		case "N", "FN":
			if v.Name == "" {
				v.Name = value
			}
		case "TEL":
			v.Tel = value
		case "EMAIL":
			v.Email = value
		case "X-BT-UCI":
			v.UCI = value
		}
	}
}

// parseEnvelope reads one BENV block, collecting recipient vCards and
// descending into a nested envelope when present.
func (p *parser) parseEnvelope(m *Message) error {
	for {
		line, ok := p.peek()
		if !ok {
			return errors.New("bmessage: truncated envelope")
		}
		switch line {
		case "BEGIN:VCARD":
			p.next()
			v, err := p.parseVCard()
			if err != nil {
				return err
			}
			m.Recipients = append(m.Recipients, v)
		case "BEGIN:BENV":
			p.next()
			if err := p.parseEnvelope(m); err != nil {
				return err
			}
		case "BEGIN:BBODY":
			p.next()
			if err := p.parseBody(m); err != nil {
				return err
			}
		case "END:BENV":
			p.next()
			return nil
		default:
			// Unknown property inside the envelope.
			p.next()
		}
	}
}

func (p *parser) parseBody(m *Message) error {
	var declaredLen = -1
	for {
		line, ok := p.next()
		if !ok {
			return errors.New("bmessage: truncated body")
		}
		if line == "END:BBODY" {
			if declaredLen < 0 {
				return errors.New("bmessage: body without LENGTH")
			}
			return nil
		}
		if line == "BEGIN:MSG" {
			var content []string
			for {
				line, ok := p.next()
				if !ok {
					return errors.New("bmessage: truncated message content")
				}
				if line == "END:MSG" {
					break
				}
				content = append(content, line)
			}
			m.Body = strings.Join(content, "\r\n")
			continue
		}
		name, value, ok := splitProperty(line)
		if !ok {
			continue
		}
		switch name {
		case "PARTID":
			m.PartID = value
		case "ENCODING":
			m.Encoding = value
		case "CHARSET":
			m.Charset = value
		case "LANGUAGE":
			m.Language = value
		case "LENGTH":
			n, err := strconv.Atoi(value)
			if err != nil {
				return errors.Wrapf(err, "bmessage: bad LENGTH %q", value)
			}
			declaredLen = n
		}
	}
}

// Parse decodes a bMessage document. Both CRLF and bare LF line endings
// are accepted.
func Parse(data []byte) (*Message, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	p := &parser{lines: strings.Split(strings.TrimRight(text, "\n"), "\n")}

	if err := p.expect("BEGIN:BMSG"); err != nil {
		return nil, err
	}
	m := &Message{}
	seenVersion := false
	for {
		line, ok := p.next()
		if !ok {
			return nil, errors.New("bmessage: truncated")
		}
		if line == "END:BMSG" {
			break
		}
		switch {
		case line == "BEGIN:VCARD":
			v, err := p.parseVCard()
			if err != nil {
				return nil, err
			}
			m.Originators = append(m.Originators, v)
		case line == "BEGIN:BENV":
			if err := p.parseEnvelope(m); err != nil {
				return nil, err
			}
		default:
			name, value, ok := splitProperty(line)
			if !ok {
				return nil, errors.Errorf("bmessage: malformed line %q", line)
			}
			switch name {
			case "VERSION":
				if value != "1.0" {
					return nil, errors.Errorf("bmessage: unsupported version %q", value)
				}
				seenVersion = true
			case "STATUS":
				if value != StatusRead && value != StatusUnread {
					return nil, errors.Errorf("bmessage: bad status %q", value)
				}
				m.Status = value
			case "TYPE":
				t, ok := typeNames[value]
				if !ok {
					return nil, errors.Errorf("bmessage: unknown type %q", value)
				}
				m.Type = t
			case "FOLDER":
				m.Folder = value
			}
		}
	}
	if !seenVersion {
		return nil, errors.New("bmessage: missing VERSION")
	}
	return m, nil
}

func writeVCard(b *bytes.Buffer, v VCard) {
	b.WriteString("BEGIN:VCARD\r\n")
	version := v.Version
	if version == "" {
		version = "2.1"
	}
	fmt.Fprintf(b, "VERSION:%s\r\n", version)
	fmt.Fprintf(b, "N:%s\r\n", v.Name)
	if v.Tel != "" {
		fmt.Fprintf(b, "TEL:%s\r\n", v.Tel)
	}
	if v.Email != "" {
		fmt.Fprintf(b, "EMAIL:%s\r\n", v.Email)
	}
	if v.UCI != "" {
		fmt.Fprintf(b, "X-BT-UCI:%s\r\n", v.UCI)
	}
	b.WriteString("END:VCARD\r\n")
}

// Encode renders the bMessage document.
func (m *Message) Encode() []byte {
	var b bytes.Buffer
	b.WriteString("BEGIN:BMSG\r\n")
	b.WriteString("VERSION:1.0\r\n")
	status := m.Status
	if status == "" {
		status = StatusUnread
	}
	fmt.Fprintf(&b, "STATUS:%s\r\n", status)
	fmt.Fprintf(&b, "TYPE:%s\r\n", m.Type.String())
	fmt.Fprintf(&b, "FOLDER:%s\r\n", m.Folder)
	for _, v := range m.Originators {
		writeVCard(&b, v)
	}
	b.WriteString("BEGIN:BENV\r\n")
	for _, v := range m.Recipients {
		writeVCard(&b, v)
	}
	b.WriteString("BEGIN:BBODY\r\n")
	if m.PartID != "" {
		fmt.Fprintf(&b, "PARTID:%s\r\n", m.PartID)
	}
	if m.Encoding != "" {
		fmt.Fprintf(&b, "ENCODING:%s\r\n", m.Encoding)
	}
	charset := m.Charset
	if charset == "" {
		charset = "UTF-8"
	}
	fmt.Fprintf(&b, "CHARSET:%s\r\n", charset)
	if m.Language != "" {
		fmt.Fprintf(&b, "LANGUAGE:%s\r\n", m.Language)
	}
	content := "BEGIN:MSG\r\n" + m.Body + "\r\nEND:MSG\r\n"
	fmt.Fprintf(&b, "LENGTH:%d\r\n", len(content))
	b.WriteString(content)
	b.WriteString("END:BBODY\r\n")
	b.WriteString("END:BENV\r\n")
	b.WriteString("END:BMSG\r\n")
	return b.Bytes()
}
