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

// Package content turns browsing requests into store queries and renders
// the MAP listing documents. It owns filter translation, the pagination
// strategy and the parameter-mask driven attribute selection.
package content

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/appparams"
	"marmstrong/btmap/internal/folder"
	"marmstrong/btmap/internal/maputil"
	"marmstrong/btmap/internal/store"
)

// Listing request defaults.
const (
	DefaultMaxListCount  = 1024
	DefaultSubjectLength = 256
)

// Message listing parameter-mask bits.
const (
	MaskSubject = 1 << iota
	MaskDatetime
	MaskSenderName
	MaskSenderAddressing
	MaskRecipientName
	MaskRecipientAddressing
	MaskType
	MaskSize
	MaskReceptionStatus
	MaskText
	MaskAttachmentSize
	MaskPriority
	MaskRead
	MaskSent
	MaskProtected
	MaskReplytoAddressing
	MaskDeliveryStatus
	MaskConversationID
	MaskConversationName
	MaskDirection
	MaskAttachmentMime
)

// ParameterMaskDefault selects the attribute set served when the client
// sends no mask: subject, datetime, sender and recipient addressing,
// type, size, reception status and attachment size.
const (
	ParameterMaskDefault = 0x5EB
	ParameterMaskAll     = 0xFFFFFFFF
)

// Provider folder row IDs for the mandatory folders, used when an email
// or IM account does not mirror its own folder rows.
const (
	WellKnownFolderInbox   = 1
	WellKnownFolderSent    = 2
	WellKnownFolderDraft   = 3
	WellKnownFolderOutbox  = 4
	WellKnownFolderDeleted = 5
)

var wellKnownFolderIDs = map[string]int64{
	folder.NameInbox:   WellKnownFolderInbox,
	folder.NameSent:    WellKnownFolderSent,
	folder.NameDraft:   WellKnownFolderDraft,
	folder.NameOutbox:  WellKnownFolderOutbox,
	folder.NameDeleted: WellKnownFolderDeleted,
}

var folderMailbox = map[string]store.Mailbox{
	folder.NameInbox:   store.MailboxInbox,
	folder.NameSent:    store.MailboxSent,
	folder.NameDraft:   store.MailboxDraft,
	folder.NameOutbox:  store.MailboxOutbox,
	folder.NameDeleted: store.MailboxDeleted,
}

// ErrBadRequest reports a browsing request the store cannot serve, such
// as a conversation filter with a foreign namespace.
var ErrBadRequest = errors.New("content: bad request")

// Config selects which message types this MAS instance serves.
type Config struct {
	SmsMms  bool
	Email   bool
	Im      bool
	Account int64
}

// Browser serves listing requests against a message store.
type Browser struct {
	r   store.Reader
	cfg Config
}

// NewBrowser returns a Browser over r.
func NewBrowser(r store.Reader, cfg Config) *Browser {
	return &Browser{r: r, cfg: cfg}
}

// Types returns the message types this instance serves.
func (b *Browser) Types() []maputil.Type {
	var out []maputil.Type
	if b.cfg.SmsMms {
		out = append(out, maputil.TypeSmsGsm, maputil.TypeSmsCdma, maputil.TypeMms)
	}
	if b.cfg.Email {
		out = append(out, maputil.TypeEmail)
	}
	if b.cfg.Im {
		out = append(out, maputil.TypeIm)
	}
	return out
}

// enabledTypes intersects the instance types with the folder's content
// flags and applies the client's exclusion bits.
func (b *Browser) enabledTypes(cur *folder.Element, filterBits int64) []maputil.Type {
	exclude := func(t maputil.Type) bool {
		if filterBits == appparams.Unset {
			return false
		}
		switch t {
		case maputil.TypeSmsGsm:
			return filterBits&appparams.FilterNoSmsGsm != 0
		case maputil.TypeSmsCdma:
			return filterBits&appparams.FilterNoSmsCdma != 0
		case maputil.TypeMms:
			return filterBits&appparams.FilterNoMms != 0
		case maputil.TypeEmail:
			return filterBits&appparams.FilterNoEmail != 0
		case maputil.TypeIm:
			return filterBits&appparams.FilterNoIm != 0
		}
		return true
	}
	var out []maputil.Type
	for _, t := range b.Types() {
		switch t {
		case maputil.TypeSmsGsm, maputil.TypeSmsCdma, maputil.TypeMms:
			if !cur.Ignore() && !cur.HasSmsMms() {
				continue
			}
		case maputil.TypeEmail:
			if !cur.Ignore() && !cur.HasEmail() {
				continue
			}
		case maputil.TypeIm:
			if !cur.Ignore() && !cur.HasIm() {
				continue
			}
		}
		if !exclude(t) {
			out = append(out, t)
		}
	}
	return out
}

// likePattern translates a client glob to a SQL LIKE pattern matching
// anywhere in the column.
func likePattern(s string) string {
	return "%" + strings.ReplaceAll(s, "*", "%") + "%"
}

// MessageListing is one rendered msg-listing window plus the header
// values that accompany it.
type MessageListing struct {
	Entries   []Entry
	Total     int
	NewUnread bool
}

// Entry is one message listing row with its rendered attribute values.
type Entry struct {
	Row     store.MessageRow
	Handle  string
	Mailbox store.Mailbox
}

// folderFilter scopes f to the current folder for type t.
func folderFilter(cur *folder.Element, t maputil.Type, f *store.Filter) error {
	switch t {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma, maputil.TypeMms:
		m, ok := folderMailbox[strings.ToLower(cur.Name())]
		if !ok {
			return errors.Wrapf(ErrBadRequest, "folder %q holds no SMS/MMS messages", cur.Name())
		}
		f.Mailbox = m
	default:
		if id := cur.FolderID(); id != folder.NoFolderID {
			f.FolderID = id
		} else if id, ok := wellKnownFolderIDs[strings.ToLower(cur.Name())]; ok {
			f.FolderID = id
		} else {
			return errors.Wrapf(ErrBadRequest, "folder %q has no provider mapping", cur.Name())
		}
	}
	return nil
}

// buildFilter translates the request parameters to a store filter. A
// handle or conversation filter widens the scope to the whole store and
// suppresses every other filter.
func (b *Browser) buildFilter(cur *folder.Element, p *appparams.Params) (store.Filter, []maputil.Type, error) {
	f := store.NewFilter()

	if p.FilterMsgHandle != appparams.Unset {
		handle := maputil.UInt128{Lo: uint64(p.FilterMsgHandle)}.Hex()[16:]
		id, t, err := maputil.DecodeHandle(handle)
		if err != nil {
			return f, nil, errors.Wrapf(ErrBadRequest, "filter handle: %v", err)
		}
		f.HandleID = id
		cur.SetIgnore(true)
		return f, []maputil.Type{t}, nil
	}

	if p.FilterConvoID != nil && !p.FilterConvoID.IsZero() {
		f.ConvoID = int64(p.FilterConvoID.Lo)
		cur.SetIgnore(true)
		types := b.enabledTypes(cur, p.FilterMessageType)
		var scoped []maputil.Type
		for _, t := range types {
			switch p.FilterConvoID.Hi {
			case maputil.ConvoNamespaceSmsMms:
				if t == maputil.TypeSmsGsm || t == maputil.TypeSmsCdma || t == maputil.TypeMms {
					scoped = append(scoped, t)
				}
			case maputil.ConvoNamespaceEmailIm:
				if t == maputil.TypeEmail || t == maputil.TypeIm {
					scoped = append(scoped, t)
				}
			}
		}
		if len(scoped) == 0 {
			return f, nil, errors.Wrapf(ErrBadRequest,
				"conversation filter namespace %d serves no enabled type", p.FilterConvoID.Hi)
		}
		return f, scoped, nil
	}

	types := b.enabledTypes(cur, p.FilterMessageType)
	if p.FilterReadStatus != appparams.Unset {
		f.ReadStatus = p.FilterReadStatus
	}
	f.Begin = p.FilterPeriodBegin
	f.End = p.FilterPeriodEnd
	if p.FilterPriority != appparams.Unset {
		f.Priority = p.FilterPriority
	}
	if p.FilterOriginator != "" {
		f.Originator = likePattern(p.FilterOriginator)
	}
	if p.FilterRecipient != "" {
		f.Recipient = likePattern(p.FilterRecipient)
	}
	return f, types, nil
}

// MessageListing serves a msg-listing request against the current
// folder. With a single message type in scope the window is pushed down
// to the store; several types are merged and windowed in memory.
func (b *Browser) MessageListing(ctx context.Context, cur *folder.Element, p *appparams.Params) (*MessageListing, error) {
	ignore := cur.Ignore()
	defer cur.SetIgnore(ignore)

	f, types, err := b.buildFilter(cur, p)
	if err != nil {
		return nil, err
	}

	maxCount := DefaultMaxListCount
	if p.MaxListCount != appparams.Unset {
		maxCount = int(p.MaxListCount)
	}
	offset := 0
	if p.StartOffset != appparams.Unset {
		offset = int(p.StartOffset)
	}

	out := &MessageListing{}
	for _, t := range types {
		sf := f
		if !cur.Ignore() {
			if err := folderFilter(cur, t, &sf); err != nil {
				return nil, err
			}
		}
		total, unread, err := b.r.CountMessages(ctx, t, sf)
		if err != nil {
			return nil, errors.Wrapf(err, "counting %v messages", t)
		}
		out.Total += total
		if unread > 0 && (cur.Ignore() || sf.Mailbox == store.MailboxInbox || strings.EqualFold(cur.Name(), folder.NameInbox)) {
			out.NewUnread = true
		}
	}
	if maxCount == 0 {
		return out, nil
	}

	var rows []store.MessageRow
	if len(types) == 1 {
		sf := f
		if !cur.Ignore() {
			if err := folderFilter(cur, types[0], &sf); err != nil {
				return nil, err
			}
		}
		sf.Limit = maxCount
		sf.Offset = offset
		rows, err = b.r.QueryMessages(ctx, types[0], sf)
		if err != nil {
			return nil, errors.Wrap(err, "querying messages")
		}
	} else {
		for _, t := range types {
			sf := f
			if !cur.Ignore() {
				if err := folderFilter(cur, t, &sf); err != nil {
					return nil, err
				}
			}
			part, err := b.r.QueryMessages(ctx, t, sf)
			if err != nil {
				return nil, errors.Wrapf(err, "querying %v messages", t)
			}
			rows = append(rows, part...)
		}
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].Date.After(rows[j].Date)
		})
		if offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[offset:]
			if len(rows) > maxCount {
				rows = rows[:maxCount]
			}
		}
	}

	for _, row := range rows {
		out.Entries = append(out.Entries, Entry{
			Row:     row,
			Handle:  maputil.EncodeHandle(row.ID, row.Type),
			Mailbox: entryMailbox(&row),
		})
	}
	return out, nil
}

// entryMailbox resolves the canonical mailbox for a listing row. Email
// and IM rows carry a folder ID rather than a box code.
func entryMailbox(row *store.MessageRow) store.Mailbox {
	switch row.Type {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma, maputil.TypeMms:
		return row.Mailbox()
	}
	switch row.FolderID {
	case WellKnownFolderInbox:
		return store.MailboxInbox
	case WellKnownFolderSent:
		return store.MailboxSent
	case WellKnownFolderDraft:
		return store.MailboxDraft
	case WellKnownFolderOutbox:
		return store.MailboxOutbox
	case WellKnownFolderDeleted:
		return store.MailboxDeleted
	}
	return store.MailboxOther
}

// GetMessage fetches one message by client handle.
func (b *Browser) GetMessage(ctx context.Context, handle string) (*store.MessageRow, error) {
	id, t, err := maputil.DecodeHandle(handle)
	if err != nil {
		return nil, errors.Wrap(ErrBadRequest, err.Error())
	}
	return b.r.GetMessage(ctx, t, id)
}
