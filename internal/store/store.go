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

// Package store defines the narrow read and write surface the MAP server
// uses against the local message store, the row types crossing it, and
// the numeric mailbox code tables per message type.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/maputil"
)

// Sentinel errors surfaced across the store boundary.
var (
	// ErrNotFound reports a message, thread or folder lookup miss.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable reports a transient dependency failure. Callers get
	// one re-acquire-and-retry before the error propagates.
	ErrUnavailable = errors.New("store: unavailable")
)

// DeletedThreadID is the synthetic thread a deleted SMS/MMS row is moved
// into instead of being removed from the table.
const DeletedThreadID = int64(-1)

// Mailbox is the canonical folder a message lives in, independent of the
// per-type numeric code stored in the row.
type Mailbox int

const (
	MailboxNone Mailbox = iota
	MailboxInbox
	MailboxSent
	MailboxDraft
	MailboxOutbox
	MailboxDeleted
	MailboxOther
)

func (m Mailbox) String() string {
	switch m {
	case MailboxInbox:
		return "inbox"
	case MailboxSent:
		return "sent"
	case MailboxDraft:
		return "draft"
	case MailboxOutbox:
		return "outbox"
	case MailboxDeleted:
		return "deleted"
	case MailboxOther:
		return "other"
	}
	return ""
}

// SMS box codes as stored in the sms table's type column.
const (
	SmsBoxInbox  = 1
	SmsBoxSent   = 2
	SmsBoxDraft  = 3
	SmsBoxOutbox = 4
	SmsBoxFailed = 5
	SmsBoxQueued = 6
)

// MMS box codes as stored in the mms table's message_box column.
const (
	MmsBoxInbox  = 1
	MmsBoxSent   = 2
	MmsBoxDraft  = 3
	MmsBoxOutbox = 4
)

// smsBoxMailbox and mmsBoxMailbox are the closed code→mailbox tables.
// Failed and queued SMS rows report as outbox, matching what clients
// expect while a send is in flight.
var smsBoxMailbox = map[int]Mailbox{
	SmsBoxInbox:  MailboxInbox,
	SmsBoxSent:   MailboxSent,
	SmsBoxDraft:  MailboxDraft,
	SmsBoxOutbox: MailboxOutbox,
	SmsBoxFailed: MailboxOutbox,
	SmsBoxQueued: MailboxOutbox,
}

var mmsBoxMailbox = map[int]Mailbox{
	MmsBoxInbox:  MailboxInbox,
	MmsBoxSent:   MailboxSent,
	MmsBoxDraft:  MailboxDraft,
	MmsBoxOutbox: MailboxOutbox,
}

// SmsMailbox maps an sms box code to its canonical mailbox.
func SmsMailbox(box int) Mailbox {
	if m, ok := smsBoxMailbox[box]; ok {
		return m
	}
	return MailboxNone
}

// MmsMailbox maps an mms box code to its canonical mailbox.
func MmsMailbox(box int) Mailbox {
	if m, ok := mmsBoxMailbox[box]; ok {
		return m
	}
	return MailboxNone
}

// SmsBox maps a canonical mailbox back to the sms box code used on writes.
func SmsBox(m Mailbox) (int, bool) {
	switch m {
	case MailboxInbox:
		return SmsBoxInbox, true
	case MailboxSent:
		return SmsBoxSent, true
	case MailboxDraft:
		return SmsBoxDraft, true
	case MailboxOutbox:
		return SmsBoxOutbox, true
	}
	return 0, false
}

// MmsBox maps a canonical mailbox back to the mms box code.
func MmsBox(m Mailbox) (int, bool) {
	switch m {
	case MailboxInbox:
		return MmsBoxInbox, true
	case MailboxSent:
		return MmsBoxSent, true
	case MailboxDraft:
		return MmsBoxDraft, true
	case MailboxOutbox:
		return MmsBoxOutbox, true
	}
	return 0, false
}

// MessageRow is the fixed column contract for one message, across all
// store types. Fields that do not apply to a type are left zero.
type MessageRow struct {
	ID       int64
	Type     maputil.Type
	ThreadID int64
	Date     time.Time
	Read     bool

	// SMS/MMS: numeric box code. Email/IM: provider folder row ID.
	Box      int
	FolderID int64

	Subject string
	Body    string

	// SMS peer address; sender/recipient split for MMS/Email/IM.
	Address          string
	SenderName       string
	SenderAddress    string
	RecipientName    string
	RecipientAddress string

	Size           int64
	AttachmentSize int64
	TextOnly       bool

	// MMS numeric X-Priority; Email/IM boolean high-priority flag.
	Priority     int
	HighPriority bool

	Protected     bool
	DeliveryState string

	// SMS status column, used for delivery reports.
	Status int
}

// Mailbox resolves the row's canonical mailbox from its per-type code.
func (r *MessageRow) Mailbox() Mailbox {
	switch r.Type {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma:
		if r.ThreadID == DeletedThreadID {
			return MailboxDeleted
		}
		return SmsMailbox(r.Box)
	case maputil.TypeMms:
		if r.ThreadID == DeletedThreadID {
			return MailboxDeleted
		}
		return MmsMailbox(r.Box)
	}
	return MailboxNone
}

// ThreadRow is one SMS/MMS conversation.
type ThreadRow struct {
	ID           int64
	Date         time.Time
	Snippet      string
	Read         bool
	RecipientIDs string
}

// ConvoRow is one Email/IM conversation participant row. A conversation
// with several participants repeats with the same ID on consecutive rows.
type ConvoRow struct {
	ID           int64
	Name         string
	LastActivity time.Time
	Read         bool
	Summary      string

	ContactUCI   string
	ContactName  string
	Presence     int
	PresenceText string
	ChatState    int
	LastOnline   time.Time
	Priority     int
}

// FolderRow is one dynamic provider folder.
type FolderRow struct {
	ID       int64
	ParentID int64
	Account  int64
	Name     string
}

// Contact is a resolved SMS/MMS recipient.
type Contact struct {
	Address string
	Name    string
}

// OwnerStatus carries an IM presence push.
type OwnerStatus struct {
	PresenceAvailability int
	PresenceText         string
	LastActivity         time.Time
	ChatState            int
	ConvoID              int64
}

// Filter restricts a message or conversation query. Zero values mean
// "no restriction"; ID fields use -1 for none.
type Filter struct {
	Mailbox  Mailbox
	FolderID int64

	ReadStatus int64 // bit0 unread only, bit1 read only
	Begin, End time.Time

	Priority   int64 // 0 none, 1 high only, 2 non-high only
	Originator string
	Recipient  string

	HandleID int64
	ConvoID  int64

	Limit, Offset int
}

// NewFilter returns a Filter with the ID fields unset.
func NewFilter() Filter {
	return Filter{FolderID: -1, HandleID: -1, ConvoID: -1}
}

// NewMessage is the insert contract for a pushed message.
type NewMessage struct {
	Type       maputil.Type
	Mailbox    Mailbox
	FolderID   int64
	Recipients []string
	Subject    string
	Body       string
	Date       time.Time
	Read       bool
}

// Reader is the query side of the store.
type Reader interface {
	QueryMessages(ctx context.Context, t maputil.Type, f Filter) ([]MessageRow, error)
	CountMessages(ctx context.Context, t maputil.Type, f Filter) (total, unread int, err error)
	GetMessage(ctx context.Context, t maputil.Type, id int64) (*MessageRow, error)
	QueryThreads(ctx context.Context, f Filter) ([]ThreadRow, error)
	QueryConversations(ctx context.Context, f Filter) ([]ConvoRow, error)
	QueryFolders(ctx context.Context, account int64) ([]FolderRow, error)
	ResolveRecipients(ctx context.Context, recipientIDs string) ([]Contact, error)
}

// Writer is the mutation side of the store.
type Writer interface {
	SetRead(ctx context.Context, t maputil.Type, id int64, read bool) error
	SetDeleted(ctx context.Context, t maputil.Type, id int64, deleted bool, deletedFolderID int64) error
	MoveMessage(ctx context.Context, t maputil.Type, id int64, m Mailbox, folderID int64) error
	DeleteMessage(ctx context.Context, t maputil.Type, id int64) error
	InsertMessage(ctx context.Context, msg *NewMessage) (int64, error)
	UpdateFolder(ctx context.Context, account, folderID int64) error
	SetOwnerStatus(ctx context.Context, account int64, s OwnerStatus) error
}

// Store provides all possible actions available against message storage.
type Store interface {
	Reader
	Writer
	Close() error
}
