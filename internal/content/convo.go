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
	"context"
	"encoding/xml"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/appparams"
	"marmstrong/btmap/internal/maputil"
	"marmstrong/btmap/internal/store"
)

// Conversation listing parameter-mask bits.
const (
	ConvoMaskName = 1 << iota
	ConvoMaskLastActivity
	ConvoMaskReadStatus
	ConvoMaskVersionCounter
	ConvoMaskSummary
	ConvoMaskParticipants
	ConvoMaskPartUCI
	ConvoMaskPartDisplayName
	ConvoMaskPartChatState
	ConvoMaskPartLastActivity
	ConvoMaskPartXBTUID
	ConvoMaskPartName
	ConvoMaskPartPresence
	ConvoMaskPartPresenceText
	ConvoMaskPartPriority

	ConvoMaskAll = 1<<15 - 1
)

// Participant is one conversation member.
type Participant struct {
	UCI          string
	Name         string
	Presence     int
	PresenceText string
	ChatState    int
	LastActivity time.Time
	Priority     int
}

// ConvoEntry is one conversation listing row.
type ConvoEntry struct {
	ID           maputil.UInt128
	Name         string
	LastActivity time.Time
	Read         bool
	Summary      string
	Participants []Participant
}

// ConvoListing is one rendered convo-listing window.
type ConvoListing struct {
	Entries []ConvoEntry
	Total   int
}

// globMatch reports whether s matches the client pattern, where '*'
// matches any run of characters. Matching is case-insensitive and
// unanchored.
func globMatch(pattern, s string) bool {
	s = strings.ToLower(s)
	parts := strings.Split(strings.ToLower(pattern), "*")
	pos := 0
	for _, part := range parts {
		if part == "" {
			continue
		}
		i := strings.Index(s[pos:], part)
		if i < 0 {
			return false
		}
		pos += i + len(part)
	}
	return true
}

func matchesRecipient(pattern string, e *ConvoEntry) bool {
	if pattern == "" {
		return true
	}
	if globMatch(pattern, e.Name) {
		return true
	}
	for _, p := range e.Participants {
		if globMatch(pattern, p.Name) || globMatch(pattern, p.UCI) {
			return true
		}
	}
	return false
}

// ConversationListing serves a convo-listing request. SMS/MMS threads
// and Email/IM conversations are merged and sorted by last activity,
// newest first.
func (b *Browser) ConversationListing(ctx context.Context, p *appparams.Params) (*ConvoListing, error) {
	f := store.NewFilter()
	if p.FilterReadStatus != appparams.Unset {
		f.ReadStatus = p.FilterReadStatus
	}
	f.Begin = p.FilterPeriodBegin
	f.End = p.FilterPeriodEnd

	wantSmsMms := b.cfg.SmsMms
	wantEmailIm := b.cfg.Email || b.cfg.Im
	if p.FilterConvoID != nil && !p.FilterConvoID.IsZero() {
		f.ConvoID = int64(p.FilterConvoID.Lo)
		switch p.FilterConvoID.Hi {
		case maputil.ConvoNamespaceSmsMms:
			wantEmailIm = false
		case maputil.ConvoNamespaceEmailIm:
			wantSmsMms = false
		default:
			return nil, errors.Wrapf(ErrBadRequest,
				"conversation id namespace %d unknown", p.FilterConvoID.Hi)
		}
		if !wantSmsMms && !wantEmailIm {
			return nil, errors.Wrap(ErrBadRequest, "conversation filter serves no enabled type")
		}
	}

	var entries []ConvoEntry
	if wantSmsMms {
		threads, err := b.r.QueryThreads(ctx, f)
		if err != nil {
			return nil, errors.Wrap(err, "querying threads")
		}
		for _, t := range threads {
			e := ConvoEntry{
				ID:           maputil.NewConvoID(maputil.ConvoNamespaceSmsMms, t.ID),
				LastActivity: t.Date,
				Read:         t.Read,
				Summary:      t.Snippet,
			}
			contacts, err := b.r.ResolveRecipients(ctx, t.RecipientIDs)
			if err != nil {
				return nil, errors.Wrap(err, "resolving thread recipients")
			}
			var names []string
			for _, c := range contacts {
				e.Participants = append(e.Participants, Participant{UCI: c.Address, Name: c.Name})
				if c.Name != "" {
					names = append(names, c.Name)
				}
			}
			e.Name = strings.Join(names, ", ")
			entries = append(entries, e)
		}
	}
	if wantEmailIm {
		rows, err := b.r.QueryConversations(ctx, f)
		if err != nil {
			return nil, errors.Wrap(err, "querying conversations")
		}
		// Participant rows for one conversation are consecutive.
		for i := 0; i < len(rows); {
			row := rows[i]
			e := ConvoEntry{
				ID:           maputil.NewConvoID(maputil.ConvoNamespaceEmailIm, row.ID),
				Name:         row.Name,
				LastActivity: row.LastActivity,
				Read:         row.Read,
				Summary:      row.Summary,
			}
			for ; i < len(rows) && rows[i].ID == row.ID; i++ {
				pr := rows[i]
				if pr.ContactUCI == "" {
					continue
				}
				e.Participants = append(e.Participants, Participant{
					UCI:          pr.ContactUCI,
					Name:         pr.ContactName,
					Presence:     pr.Presence,
					PresenceText: pr.PresenceText,
					ChatState:    pr.ChatState,
					LastActivity: pr.LastOnline,
					Priority:     pr.Priority,
				})
			}
			entries = append(entries, e)
		}
	}

	if p.FilterRecipient != "" {
		kept := entries[:0]
		for _, e := range entries {
			if matchesRecipient(p.FilterRecipient, &e) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastActivity.After(entries[j].LastActivity)
	})

	out := &ConvoListing{Total: len(entries)}
	maxCount := DefaultMaxListCount
	if p.MaxListCount != appparams.Unset {
		maxCount = int(p.MaxListCount)
	}
	if maxCount == 0 {
		return out, nil
	}
	offset := 0
	if p.StartOffset != appparams.Unset {
		offset = int(p.StartOffset)
	}
	if offset < len(entries) {
		entries = entries[offset:]
		if len(entries) > maxCount {
			entries = entries[:maxCount]
		}
		out.Entries = entries
	}
	return out, nil
}

// EncodeConvoListing renders the MAP-convo-listing document.
func EncodeConvoListing(l *ConvoListing, mask int64) ([]byte, error) {
	if mask == appparams.Unset || mask == 0 {
		mask = ConvoMaskAll
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	listing := xml.StartElement{
		Name: xml.Name{Local: "MAP-convo-listing"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "version"}, Value: "1.0"}},
	}
	if err := enc.EncodeToken(listing); err != nil {
		return nil, errors.Wrap(err, "content: encoding convo listing")
	}

	for i := range l.Entries {
		e := &l.Entries[i]
		attrs := []xml.Attr{{Name: xml.Name{Local: "id"}, Value: e.ID.Hex()}}
		add := func(name, value string) {
			if value == "" {
				return
			}
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
		}
		if mask&ConvoMaskName != 0 {
			add("name", maputil.StripInvalidXML(e.Name))
		}
		if mask&ConvoMaskLastActivity != 0 && !e.LastActivity.IsZero() {
			add("last_activity", maputil.FormatTimeOffset(e.LastActivity))
		}
		if mask&ConvoMaskReadStatus != 0 {
			add("read_status", yesNo(e.Read))
		}
		if mask&ConvoMaskSummary != 0 {
			add("summary", maputil.StripInvalidXML(e.Summary))
		}

		el := xml.StartElement{Name: xml.Name{Local: "conversation"}, Attr: attrs}
		if err := enc.EncodeToken(el); err != nil {
			return nil, errors.Wrap(err, "content: encoding conversation")
		}
		if mask&ConvoMaskParticipants != 0 {
			for _, p := range e.Participants {
				var pattrs []xml.Attr
				padd := func(name, value string) {
					if value == "" {
						return
					}
					pattrs = append(pattrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
				}
				if mask&ConvoMaskPartUCI != 0 {
					padd("uci", p.UCI)
				}
				if mask&(ConvoMaskPartDisplayName|ConvoMaskPartName) != 0 {
					padd("display_name", maputil.StripInvalidXML(p.Name))
				}
				if mask&ConvoMaskPartChatState != 0 && p.ChatState != 0 {
					padd("chat_state", strconv.Itoa(p.ChatState))
				}
				if mask&ConvoMaskPartPresence != 0 && p.Presence != 0 {
					padd("presence_availability", strconv.Itoa(p.Presence))
				}
				if mask&ConvoMaskPartPresenceText != 0 {
					padd("presence_text", maputil.StripInvalidXML(p.PresenceText))
				}
				if mask&ConvoMaskPartLastActivity != 0 && !p.LastActivity.IsZero() {
					padd("last_activity", maputil.FormatTimeOffset(p.LastActivity))
				}
				if mask&ConvoMaskPartPriority != 0 && p.Priority != 0 {
					padd("priority", strconv.Itoa(p.Priority))
				}
				pe := xml.StartElement{Name: xml.Name{Local: "participant"}, Attr: pattrs}
				if err := enc.EncodeToken(pe); err != nil {
					return nil, errors.Wrap(err, "content: encoding participant")
				}
				if err := enc.EncodeToken(pe.End()); err != nil {
					return nil, errors.Wrap(err, "content: encoding participant")
				}
			}
		}
		if err := enc.EncodeToken(el.End()); err != nil {
			return nil, errors.Wrap(err, "content: encoding conversation")
		}
	}

	if err := enc.EncodeToken(listing.End()); err != nil {
		return nil, errors.Wrap(err, "content: encoding convo listing")
	}
	if err := enc.Flush(); err != nil {
		return nil, errors.Wrap(err, "content: encoding convo listing")
	}
	return buf.Bytes(), nil
}
