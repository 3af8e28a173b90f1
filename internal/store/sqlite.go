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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"marmstrong/btmap/internal/maputil"
)

var createTableSQL = []string{
	// The sms table mirrors the telephony SMS provider columns the MAP
	// server reads. The type column holds the box code; a deleted row
	// keeps its data but moves to thread_id -1.
	`
CREATE TABLE IF NOT EXISTS sms (
id INTEGER PRIMARY KEY AUTOINCREMENT,
thread_id INTEGER NOT NULL,
address TEXT NOT NULL,
body TEXT NOT NULL DEFAULT '',
date INTEGER NOT NULL,
read INTEGER NOT NULL DEFAULT 0,
type INTEGER NOT NULL,
status INTEGER NOT NULL DEFAULT -1
);`,
	// The mms table keeps one row per MMS with the metadata needed for
	// listings; part data lives with the transport, only sizes are kept.
	`
CREATE TABLE IF NOT EXISTS mms (
id INTEGER PRIMARY KEY AUTOINCREMENT,
thread_id INTEGER NOT NULL,
date INTEGER NOT NULL,
read INTEGER NOT NULL DEFAULT 0,
message_box INTEGER NOT NULL,
subject TEXT NOT NULL DEFAULT '',
from_address TEXT NOT NULL DEFAULT '',
to_address TEXT NOT NULL DEFAULT '',
message_size INTEGER NOT NULL DEFAULT 0,
attachment_size INTEGER NOT NULL DEFAULT 0,
text_only INTEGER NOT NULL DEFAULT 1,
priority INTEGER NOT NULL DEFAULT 129
);`,
	// The messages table serves Email and IM accounts; the type column
	// discriminates. folder_id references the folders table.
	`
CREATE TABLE IF NOT EXISTS messages (
id INTEGER PRIMARY KEY AUTOINCREMENT,
type TEXT NOT NULL,
account_id INTEGER NOT NULL,
folder_id INTEGER NOT NULL,
thread_id INTEGER NOT NULL DEFAULT 0,
date INTEGER NOT NULL,
read INTEGER NOT NULL DEFAULT 0,
subject TEXT NOT NULL DEFAULT '',
sender_name TEXT NOT NULL DEFAULT '',
sender_address TEXT NOT NULL DEFAULT '',
recipient_name TEXT NOT NULL DEFAULT '',
recipient_address TEXT NOT NULL DEFAULT '',
body TEXT NOT NULL DEFAULT '',
size INTEGER NOT NULL DEFAULT 0,
attachment_size INTEGER NOT NULL DEFAULT 0,
high_priority INTEGER NOT NULL DEFAULT 0,
protected INTEGER NOT NULL DEFAULT 0,
delivery_state TEXT NOT NULL DEFAULT ''
);`,
	// SMS/MMS conversations, one row per thread. recipient_ids is a
	// space separated list of canonical_addresses row IDs.
	`
CREATE TABLE IF NOT EXISTS threads (
id INTEGER PRIMARY KEY AUTOINCREMENT,
date INTEGER NOT NULL DEFAULT 0,
snippet TEXT NOT NULL DEFAULT '',
read INTEGER NOT NULL DEFAULT 1,
recipient_ids TEXT NOT NULL DEFAULT ''
);`,
	// Email/IM conversations and their participants.
	`
CREATE TABLE IF NOT EXISTS conversations (
id INTEGER PRIMARY KEY AUTOINCREMENT,
account_id INTEGER NOT NULL,
name TEXT NOT NULL DEFAULT '',
last_activity INTEGER NOT NULL DEFAULT 0,
read INTEGER NOT NULL DEFAULT 1,
summary TEXT NOT NULL DEFAULT ''
);`,
	`
CREATE TABLE IF NOT EXISTS convocontacts (
convo_id INTEGER NOT NULL,
uci TEXT NOT NULL,
name TEXT NOT NULL DEFAULT '',
presence INTEGER NOT NULL DEFAULT 0,
status TEXT NOT NULL DEFAULT '',
chat_state INTEGER NOT NULL DEFAULT 0,
last_active INTEGER NOT NULL DEFAULT 0,
priority INTEGER NOT NULL DEFAULT 0,
PRIMARY KEY (convo_id, uci)
);`,
	// Dynamic provider folders for email accounts.
	`
CREATE TABLE IF NOT EXISTS folders (
id INTEGER PRIMARY KEY AUTOINCREMENT,
parent_id INTEGER NOT NULL DEFAULT 0,
account_id INTEGER NOT NULL,
name TEXT NOT NULL
);`,
	// Recipient-ID resolution for SMS/MMS conversation filtering.
	`
CREATE TABLE IF NOT EXISTS canonical_addresses (
id INTEGER PRIMARY KEY AUTOINCREMENT,
address TEXT NOT NULL
);`,
	`
CREATE TABLE IF NOT EXISTS contacts (
address TEXT NOT NULL PRIMARY KEY,
name TEXT NOT NULL
);`,
	// Folder refresh requests posted through the UpdateFolder call RPC.
	`
CREATE TABLE IF NOT EXISTS folder_sync (
account_id INTEGER NOT NULL,
folder_id INTEGER NOT NULL,
requested_at INTEGER NOT NULL,
PRIMARY KEY (account_id, folder_id)
);`,
	// Owner presence pushed by the client for IM accounts.
	`
CREATE TABLE IF NOT EXISTS owner_status (
account_id INTEGER PRIMARY KEY,
presence INTEGER NOT NULL DEFAULT 0,
status TEXT NOT NULL DEFAULT '',
last_activity INTEGER NOT NULL DEFAULT 0,
chat_state INTEGER NOT NULL DEFAULT 0,
convo_id INTEGER NOT NULL DEFAULT 0
);`,
}

// DB is the sqlite-backed message store.
type DB struct {
	db *sql.DB
}

var _ Store = (*DB)(nil)

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if needed) the message store at path.
func Open(ctx context.Context, path string) (*DB, error) {
	// The default 5 second _busy_timeout is too short when a transport
	// confirmation and a listing hit the store together; go with 5
	// minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err, "Open(%q) failed: could not form a DB DSN from the given path", path)
	}
	log.Printf("opening message store at %q", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "Open(%q) failed: could not open database at %q", path, dsn)
	}

	for _, q := range createTableSQL {
		if _, err := db.ExecContext(ctx, q); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "Open(%q) failed: while executing %q", path, q)
		}
	}
	return &DB{db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// wrapErr converts driver-level failures to the store taxonomy.
func wrapErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errors.Wrap(ErrNotFound, msg)
	}
	if err == context.DeadlineExceeded || errors.Cause(err) == context.DeadlineExceeded {
		return errors.Wrap(ErrUnavailable, msg)
	}
	return errors.Wrap(err, msg)
}

type cond struct {
	where []string
	args  []interface{}
}

func (c *cond) add(clause string, args ...interface{}) {
	c.where = append(c.where, clause)
	c.args = append(c.args, args...)
}

func (c *cond) clause() string {
	if len(c.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.where, " AND ")
}

func limitClause(f Filter) string {
	if f.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
}

func millis(t time.Time) int64  { return t.UnixMilli() }
func fromMillis(v int64) time.Time { return time.UnixMilli(v) }

func addTimeRange(c *cond, col string, f Filter) {
	if !f.Begin.IsZero() {
		c.add(col+" >= ?", millis(f.Begin))
	}
	if !f.End.IsZero() {
		c.add(col+" < ?", millis(f.End))
	}
}

// Read-status filter bits: 0x01 unread only, 0x02 read only; both or
// neither filters nothing.
func addReadStatus(c *cond, col string, f Filter) {
	unread := f.ReadStatus&0x01 != 0
	read := f.ReadStatus&0x02 != 0
	if unread && !read {
		c.add(col + " = 0")
	}
	if read && !unread {
		c.add(col + " = 1")
	}
}

func (d *DB) QueryMessages(ctx context.Context, t maputil.Type, f Filter) ([]MessageRow, error) {
	switch t {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma:
		return d.querySms(ctx, t, f)
	case maputil.TypeMms:
		return d.queryMms(ctx, f)
	case maputil.TypeEmail, maputil.TypeIm:
		return d.queryStoreMessages(ctx, t, f)
	}
	return nil, errors.Errorf("store: unknown message type %v", t)
}

func smsCond(f Filter) cond {
	var c cond
	if f.HandleID >= 0 {
		c.add("id = ?", f.HandleID)
	}
	if f.ConvoID >= 0 {
		c.add("thread_id = ?", f.ConvoID)
	}
	switch f.Mailbox {
	case MailboxNone:
	case MailboxDeleted:
		c.add("thread_id = ?", DeletedThreadID)
	default:
		if box, ok := SmsBox(f.Mailbox); ok {
			c.add("thread_id <> ?", DeletedThreadID)
			if f.Mailbox == MailboxOutbox {
				c.add("type IN (?, ?, ?)", SmsBoxOutbox, SmsBoxFailed, SmsBoxQueued)
			} else {
				c.add("type = ?", box)
			}
		}
	}
	addReadStatus(&c, "read", f)
	addTimeRange(&c, "date", f)
	if f.Originator != "" {
		// The peer is the originator only for received rows.
		c.add("type = ? AND address LIKE ?", SmsBoxInbox, f.Originator)
	}
	if f.Recipient != "" {
		c.add("type <> ? AND address LIKE ?", SmsBoxInbox, f.Recipient)
	}
	return c
}

func (d *DB) querySms(ctx context.Context, t maputil.Type, f Filter) ([]MessageRow, error) {
	c := smsCond(f)
	q := `SELECT id, thread_id, address, body, date, read, type, status FROM sms` +
		c.clause() + ` ORDER BY date DESC` + limitClause(f)
	rows, err := d.db.QueryContext(ctx, q, c.args...)
	if err != nil {
		return nil, wrapErr(err, "querying sms")
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var r MessageRow
		var date int64
		var read int
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.Address, &r.Body, &date, &read, &r.Box, &r.Status); err != nil {
			return nil, wrapErr(err, "scanning sms row")
		}
		r.Type = t
		r.Date = fromMillis(date)
		r.Read = read != 0
		r.Size = int64(len(r.Body))
		out = append(out, r)
	}
	return out, wrapErr(rows.Err(), "iterating sms rows")
}

func mmsCond(f Filter) cond {
	var c cond
	if f.HandleID >= 0 {
		c.add("id = ?", f.HandleID)
	}
	if f.ConvoID >= 0 {
		c.add("thread_id = ?", f.ConvoID)
	}
	switch f.Mailbox {
	case MailboxNone:
	case MailboxDeleted:
		c.add("thread_id = ?", DeletedThreadID)
	default:
		if box, ok := MmsBox(f.Mailbox); ok {
			c.add("thread_id <> ?", DeletedThreadID)
			c.add("message_box = ?", box)
		}
	}
	addReadStatus(&c, "read", f)
	addTimeRange(&c, "date", f)
	if f.Priority == 1 {
		c.add("priority >= 130")
	} else if f.Priority == 2 {
		c.add("priority < 130")
	}
	if f.Originator != "" {
		c.add("from_address LIKE ?", f.Originator)
	}
	if f.Recipient != "" {
		c.add("to_address LIKE ?", f.Recipient)
	}
	return c
}

func (d *DB) queryMms(ctx context.Context, f Filter) ([]MessageRow, error) {
	c := mmsCond(f)
	q := `SELECT id, thread_id, date, read, message_box, subject, from_address, to_address,
message_size, attachment_size, text_only, priority FROM mms` +
		c.clause() + ` ORDER BY date DESC` + limitClause(f)
	rows, err := d.db.QueryContext(ctx, q, c.args...)
	if err != nil {
		return nil, wrapErr(err, "querying mms")
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var r MessageRow
		var date int64
		var read, textOnly int
		if err := rows.Scan(&r.ID, &r.ThreadID, &date, &read, &r.Box, &r.Subject,
			&r.SenderAddress, &r.RecipientAddress, &r.Size, &r.AttachmentSize,
			&textOnly, &r.Priority); err != nil {
			return nil, wrapErr(err, "scanning mms row")
		}
		r.Type = maputil.TypeMms
		r.Date = fromMillis(date)
		r.Read = read != 0
		r.TextOnly = textOnly != 0
		out = append(out, r)
	}
	return out, wrapErr(rows.Err(), "iterating mms rows")
}

func typeTag(t maputil.Type) string {
	if t == maputil.TypeIm {
		return "im"
	}
	return "email"
}

func messagesCond(t maputil.Type, f Filter) cond {
	var c cond
	c.add("type = ?", typeTag(t))
	if f.HandleID >= 0 {
		c.add("id = ?", f.HandleID)
	}
	if f.ConvoID >= 0 {
		c.add("thread_id = ?", f.ConvoID)
	}
	if f.FolderID >= 0 {
		c.add("folder_id = ?", f.FolderID)
	}
	addReadStatus(&c, "read", f)
	addTimeRange(&c, "date", f)
	if f.Priority == 1 {
		c.add("high_priority = 1")
	} else if f.Priority == 2 {
		c.add("high_priority = 0")
	}
	if f.Originator != "" {
		c.add("(sender_name LIKE ? OR sender_address LIKE ?)", f.Originator, f.Originator)
	}
	if f.Recipient != "" {
		c.add("(recipient_name LIKE ? OR recipient_address LIKE ?)", f.Recipient, f.Recipient)
	}
	return c
}

func (d *DB) queryStoreMessages(ctx context.Context, t maputil.Type, f Filter) ([]MessageRow, error) {
	c := messagesCond(t, f)
	q := `SELECT id, thread_id, folder_id, date, read, subject, sender_name, sender_address,
recipient_name, recipient_address, body, size, attachment_size, high_priority, protected,
delivery_state FROM messages` +
		c.clause() + ` ORDER BY date DESC` + limitClause(f)
	rows, err := d.db.QueryContext(ctx, q, c.args...)
	if err != nil {
		return nil, wrapErr(err, "querying messages")
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var r MessageRow
		var date int64
		var read, highPri, protected int
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.FolderID, &date, &read, &r.Subject,
			&r.SenderName, &r.SenderAddress, &r.RecipientName, &r.RecipientAddress,
			&r.Body, &r.Size, &r.AttachmentSize, &highPri, &protected,
			&r.DeliveryState); err != nil {
			return nil, wrapErr(err, "scanning message row")
		}
		r.Type = t
		r.Date = fromMillis(date)
		r.Read = read != 0
		r.HighPriority = highPri != 0
		r.Protected = protected != 0
		out = append(out, r)
	}
	return out, wrapErr(rows.Err(), "iterating message rows")
}

func (d *DB) CountMessages(ctx context.Context, t maputil.Type, f Filter) (int, int, error) {
	var c cond
	var table string
	switch t {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma:
		c, table = smsCond(f), "sms"
	case maputil.TypeMms:
		c, table = mmsCond(f), "mms"
	case maputil.TypeEmail, maputil.TypeIm:
		c, table = messagesCond(t, f), "messages"
	default:
		return 0, 0, errors.Errorf("store: unknown message type %v", t)
	}
	q := `SELECT COUNT(*), COALESCE(SUM(CASE WHEN read = 0 THEN 1 ELSE 0 END), 0) FROM ` +
		table + c.clause()
	var total, unread int
	if err := d.db.QueryRowContext(ctx, q, c.args...).Scan(&total, &unread); err != nil {
		return 0, 0, wrapErr(err, "counting messages")
	}
	return total, unread, nil
}

func (d *DB) GetMessage(ctx context.Context, t maputil.Type, id int64) (*MessageRow, error) {
	f := NewFilter()
	f.HandleID = id
	rows, err := d.QueryMessages(ctx, t, f)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "message %d (%v)", id, t)
	}
	return &rows[0], nil
}

func (d *DB) QueryThreads(ctx context.Context, f Filter) ([]ThreadRow, error) {
	var c cond
	c.add("id <> ?", DeletedThreadID)
	if f.ConvoID >= 0 {
		c.add("id = ?", f.ConvoID)
	}
	addReadStatus(&c, "read", f)
	addTimeRange(&c, "date", f)

	q := `SELECT id, date, snippet, read, recipient_ids FROM threads` +
		c.clause() + ` ORDER BY date DESC` + limitClause(f)
	rows, err := d.db.QueryContext(ctx, q, c.args...)
	if err != nil {
		return nil, wrapErr(err, "querying threads")
	}
	defer rows.Close()

	var out []ThreadRow
	for rows.Next() {
		var r ThreadRow
		var date int64
		var read int
		if err := rows.Scan(&r.ID, &date, &r.Snippet, &read, &r.RecipientIDs); err != nil {
			return nil, wrapErr(err, "scanning thread row")
		}
		r.Date = fromMillis(date)
		r.Read = read != 0
		out = append(out, r)
	}
	return out, wrapErr(rows.Err(), "iterating thread rows")
}

func (d *DB) QueryConversations(ctx context.Context, f Filter) ([]ConvoRow, error) {
	var c cond
	if f.ConvoID >= 0 {
		c.add("c.id = ?", f.ConvoID)
	}
	addReadStatus(&c, "c.read", f)
	if !f.Begin.IsZero() {
		c.add("c.last_activity >= ?", millis(f.Begin))
	}
	if !f.End.IsZero() {
		c.add("c.last_activity < ?", millis(f.End))
	}

	// Participant rows repeat the conversation columns; consecutive
	// same-ID rows are coalesced by the caller, so the ID tiebreak in
	// the sort is load bearing.
	q := `SELECT c.id, c.name, c.last_activity, c.read, c.summary,
IFNULL(p.uci, ''), IFNULL(p.name, ''), IFNULL(p.presence, 0), IFNULL(p.status, ''),
IFNULL(p.chat_state, 0), IFNULL(p.last_active, 0), IFNULL(p.priority, 0)
FROM conversations c LEFT JOIN convocontacts p ON p.convo_id = c.id` +
		c.clause() + ` ORDER BY c.last_activity DESC, c.id ASC`
	rows, err := d.db.QueryContext(ctx, q, c.args...)
	if err != nil {
		return nil, wrapErr(err, "querying conversations")
	}
	defer rows.Close()

	var out []ConvoRow
	for rows.Next() {
		var r ConvoRow
		var activity, lastOnline int64
		var read int
		if err := rows.Scan(&r.ID, &r.Name, &activity, &read, &r.Summary,
			&r.ContactUCI, &r.ContactName, &r.Presence, &r.PresenceText,
			&r.ChatState, &lastOnline, &r.Priority); err != nil {
			return nil, wrapErr(err, "scanning conversation row")
		}
		r.LastActivity = fromMillis(activity)
		r.LastOnline = fromMillis(lastOnline)
		r.Read = read != 0
		out = append(out, r)
	}
	return out, wrapErr(rows.Err(), "iterating conversation rows")
}

func (d *DB) QueryFolders(ctx context.Context, account int64) ([]FolderRow, error) {
	q := `SELECT id, parent_id, account_id, name FROM folders WHERE account_id = ? ORDER BY id`
	rows, err := d.db.QueryContext(ctx, q, account)
	if err != nil {
		return nil, wrapErr(err, "querying folders")
	}
	defer rows.Close()

	var out []FolderRow
	for rows.Next() {
		var r FolderRow
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Account, &r.Name); err != nil {
			return nil, wrapErr(err, "scanning folder row")
		}
		out = append(out, r)
	}
	return out, wrapErr(rows.Err(), "iterating folder rows")
}

func (d *DB) ResolveRecipients(ctx context.Context, recipientIDs string) ([]Contact, error) {
	var out []Contact
	for _, id := range strings.Fields(recipientIDs) {
		var address string
		err := d.db.QueryRowContext(ctx,
			`SELECT address FROM canonical_addresses WHERE id = ?`, id).Scan(&address)
		if err == sql.ErrNoRows {
			continue // unresolvable identity, dropped by the filter
		}
		if err != nil {
			return nil, wrapErr(err, "resolving recipient id")
		}
		var name string
		err = d.db.QueryRowContext(ctx,
			`SELECT name FROM contacts WHERE address = ?`, address).Scan(&name)
		if err != nil && err != sql.ErrNoRows {
			return nil, wrapErr(err, "resolving contact name")
		}
		out = append(out, Contact{Address: address, Name: name})
	}
	return out, nil
}

func messageTable(t maputil.Type) string {
	switch t {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma:
		return "sms"
	case maputil.TypeMms:
		return "mms"
	}
	return "messages"
}

func (d *DB) exec(ctx context.Context, msg, q string, args ...interface{}) error {
	res, err := d.db.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapErr(err, msg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err, msg)
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, msg)
	}
	return nil
}

func (d *DB) SetRead(ctx context.Context, t maputil.Type, id int64, read bool) error {
	v := 0
	if read {
		v = 1
	}
	return d.exec(ctx, "setting read flag",
		fmt.Sprintf(`UPDATE %s SET read = ? WHERE id = ?`, messageTable(t)), v, id)
}

// getOrCreateThread finds the SMS/MMS thread for an address, creating the
// thread and its canonical address row when missing.
func (d *DB) getOrCreateThread(ctx context.Context, address string) (int64, error) {
	var addrID int64
	err := d.db.QueryRowContext(ctx,
		`SELECT id FROM canonical_addresses WHERE address = ?`, address).Scan(&addrID)
	if err == sql.ErrNoRows {
		res, err := d.db.ExecContext(ctx,
			`INSERT INTO canonical_addresses (address) VALUES (?)`, address)
		if err != nil {
			return 0, wrapErr(err, "inserting canonical address")
		}
		addrID, err = res.LastInsertId()
		if err != nil {
			return 0, wrapErr(err, "inserting canonical address")
		}
	} else if err != nil {
		return 0, wrapErr(err, "looking up canonical address")
	}

	pattern := fmt.Sprintf("%%%d%%", addrID)
	var threadID int64
	err = d.db.QueryRowContext(ctx,
		`SELECT id FROM threads WHERE recipient_ids = ? OR recipient_ids LIKE ?`,
		fmt.Sprint(addrID), pattern).Scan(&threadID)
	if err == sql.ErrNoRows {
		res, err := d.db.ExecContext(ctx,
			`INSERT INTO threads (recipient_ids) VALUES (?)`, fmt.Sprint(addrID))
		if err != nil {
			return 0, wrapErr(err, "creating thread")
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, wrapErr(err, "looking up thread")
	}
	return threadID, nil
}

func (d *DB) SetDeleted(ctx context.Context, t maputil.Type, id int64, deleted bool, targetFolderID int64) error {
	switch t {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma, maputil.TypeMms:
		if deleted {
			return d.exec(ctx, "deleting message",
				fmt.Sprintf(`UPDATE %s SET thread_id = ? WHERE id = ?`, messageTable(t)),
				DeletedThreadID, id)
		}
		// Undelete re-derives the thread from the peer address.
		var address string
		var q string
		if t == maputil.TypeMms {
			q = `SELECT from_address FROM mms WHERE id = ?`
		} else {
			q = `SELECT address FROM sms WHERE id = ?`
		}
		if err := d.db.QueryRowContext(ctx, q, id).Scan(&address); err != nil {
			return wrapErr(err, "undeleting message")
		}
		threadID, err := d.getOrCreateThread(ctx, address)
		if err != nil {
			return err
		}
		return d.exec(ctx, "undeleting message",
			fmt.Sprintf(`UPDATE %s SET thread_id = ? WHERE id = ?`, messageTable(t)),
			threadID, id)
	default:
		return d.exec(ctx, "moving message",
			`UPDATE messages SET folder_id = ? WHERE id = ?`, targetFolderID, id)
	}
}

func (d *DB) MoveMessage(ctx context.Context, t maputil.Type, id int64, m Mailbox, folderID int64) error {
	switch t {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma:
		box, ok := SmsBox(m)
		if !ok {
			return errors.Errorf("store: no sms box for mailbox %v", m)
		}
		return d.exec(ctx, "moving sms", `UPDATE sms SET type = ? WHERE id = ?`, box, id)
	case maputil.TypeMms:
		box, ok := MmsBox(m)
		if !ok {
			return errors.Errorf("store: no mms box for mailbox %v", m)
		}
		return d.exec(ctx, "moving mms", `UPDATE mms SET message_box = ? WHERE id = ?`, box, id)
	default:
		return d.exec(ctx, "moving message",
			`UPDATE messages SET folder_id = ? WHERE id = ?`, folderID, id)
	}
}

func (d *DB) DeleteMessage(ctx context.Context, t maputil.Type, id int64) error {
	return d.exec(ctx, "removing message",
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, messageTable(t)), id)
}

func (d *DB) InsertMessage(ctx context.Context, msg *NewMessage) (int64, error) {
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	read := 0
	if msg.Read {
		read = 1
	}
	recipient := ""
	if len(msg.Recipients) > 0 {
		recipient = msg.Recipients[0]
	}

	switch msg.Type {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma:
		box, ok := SmsBox(msg.Mailbox)
		if !ok {
			return 0, errors.Errorf("store: cannot insert sms into %v", msg.Mailbox)
		}
		threadID, err := d.getOrCreateThread(ctx, recipient)
		if err != nil {
			return 0, err
		}
		res, err := d.db.ExecContext(ctx,
			`INSERT INTO sms (thread_id, address, body, date, read, type) VALUES (?, ?, ?, ?, ?, ?)`,
			threadID, recipient, msg.Body, millis(date), read, box)
		if err != nil {
			return 0, wrapErr(err, "inserting sms")
		}
		return res.LastInsertId()
	case maputil.TypeMms:
		box, ok := MmsBox(msg.Mailbox)
		if !ok {
			return 0, errors.Errorf("store: cannot insert mms into %v", msg.Mailbox)
		}
		threadID, err := d.getOrCreateThread(ctx, recipient)
		if err != nil {
			return 0, err
		}
		res, err := d.db.ExecContext(ctx,
			`INSERT INTO mms (thread_id, date, read, message_box, subject, to_address, message_size)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			threadID, millis(date), read, box, msg.Subject, recipient, len(msg.Body))
		if err != nil {
			return 0, wrapErr(err, "inserting mms")
		}
		return res.LastInsertId()
	default:
		res, err := d.db.ExecContext(ctx,
			`INSERT INTO messages (type, account_id, folder_id, date, read, subject,
recipient_address, body, size) VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?)`,
			typeTag(msg.Type), msg.FolderID, millis(date), read, msg.Subject,
			recipient, msg.Body, len(msg.Body))
		if err != nil {
			return 0, wrapErr(err, "inserting message")
		}
		return res.LastInsertId()
	}
}

func (d *DB) UpdateFolder(ctx context.Context, account, folderID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO folder_sync (account_id, folder_id, requested_at) VALUES (?, ?, ?)`,
		account, folderID, millis(time.Now()))
	return wrapErr(err, "requesting folder refresh")
}

func (d *DB) SetOwnerStatus(ctx context.Context, account int64, s OwnerStatus) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO owner_status
(account_id, presence, status, last_activity, chat_state, convo_id) VALUES (?, ?, ?, ?, ?, ?)`,
		account, s.PresenceAvailability, s.PresenceText, millis(s.LastActivity),
		s.ChatState, s.ConvoID)
	return wrapErr(err, "setting owner status")
}
