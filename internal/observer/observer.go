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

// Package observer watches the message store for changes and turns them
// into MAP event reports. It keeps a shadow copy of each list, diffs it
// against fresh snapshots and pushes the resulting events through a
// rate-limited notification channel.
package observer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"marmstrong/btmap/internal/content"
	"marmstrong/btmap/internal/event"
	"marmstrong/btmap/internal/maputil"
	"marmstrong/btmap/internal/store"
)

// Notifier delivers one encoded event report to the registered client.
type Notifier interface {
	SendEvent(ctx context.Context, report []byte) error
}

// scanInterval paces the store polling when nothing pokes the observer.
const scanInterval = 3 * time.Second

// msgShadow is the tracked state of one message.
type msgShadow struct {
	mailbox  store.Mailbox
	folderID int64
	threadID int64
	read     bool
	date     time.Time
	subject  string
	sender   string
	highPrio bool

	// Set for messages pushed by the client so their arrival is not
	// reported back as NewMessage, and their landing in sent becomes a
	// send result instead of a shift.
	localInitiatedSend bool
	transparent        bool
	retry              bool
}

// convoShadow is the tracked state of one conversation.
type convoShadow struct {
	lastActivity time.Time
	read         bool
}

// participantShadow is the tracked presence of one conversation member.
type participantShadow struct {
	presence     int
	presenceText string
	chatState    int
	lastActive   time.Time
}

// Observer diffs store snapshots and emits event reports.
type Observer struct {
	s     store.Store
	cfg   content.Config
	types []maputil.Type

	mu            sync.Mutex
	notifier      Notifier
	reportVersion int
	filterMask    uint32
	suppressed    int

	msgMu     sync.Mutex
	msgShadow map[string]*msgShadow
	pending   map[string]*msgShadow
	msgGen    uint64

	convoMu      sync.Mutex
	convoShadow  map[string]*convoShadow
	partShadow   map[string]*participantShadow
	threadShadow map[int64]time.Time
	convoGen     uint64

	verMu     sync.Mutex
	dbID      maputil.UInt128
	folderVer maputil.UInt128
	convoVer  maputil.UInt128

	wake   chan struct{}
	events chan []byte
}

// New returns an Observer over s for the given instance configuration.
func New(s store.Store, cfg content.Config) *Observer {
	b := content.NewBrowser(s, cfg)
	return &Observer{
		s:             s,
		cfg:           cfg,
		types:         b.Types(),
		reportVersion: event.ReportV10,
		filterMask:    event.FilterAll,
		msgShadow:     map[string]*msgShadow{},
		pending:       map[string]*msgShadow{},
		convoShadow:   map[string]*convoShadow{},
		partShadow:    map[string]*participantShadow{},
		threadShadow:  map[int64]time.Time{},
		dbID:          maputil.UInt128{Lo: uint64(time.Now().UnixNano())},
		folderVer:     maputil.UInt128{Lo: 1},
		convoVer:      maputil.UInt128{Lo: 1},
		wake:          make(chan struct{}, 1),
		events:        make(chan []byte, 64),
	}
}

// SetNotifier installs or clears the notification target. Events raised
// while no notifier is registered are dropped.
func (o *Observer) SetNotifier(n Notifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifier = n
}

// SetReportVersion records the event report version negotiated at
// connect time.
func (o *Observer) SetReportVersion(v int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reportVersion = v
}

// SetFilterMask installs the client's notification filter.
func (o *Observer) SetFilterMask(mask uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.filterMask = mask
}

// Counters returns the database identifier and the folder and
// conversation version counters.
func (o *Observer) Counters() (dbID, folderVer, convoVer maputil.UInt128) {
	o.verMu.Lock()
	defer o.verMu.Unlock()
	return o.dbID, o.folderVer, o.convoVer
}

func (o *Observer) bumpFolderVer() {
	o.verMu.Lock()
	o.folderVer.Lo++
	o.verMu.Unlock()
}

func (o *Observer) bumpConvoVer() {
	o.verMu.Lock()
	o.convoVer.Lo++
	o.verMu.Unlock()
}

// ExpectPush marks a client-pushed message so the observer reports its
// outcome as a send result rather than a new message.
func (o *Observer) ExpectPush(handle string, transparent, retry bool) {
	o.msgMu.Lock()
	defer o.msgMu.Unlock()
	o.pending[handle] = &msgShadow{
		localInitiatedSend: true,
		transparent:        transparent,
		retry:              retry,
	}
}

// Suppress runs fn with event emission off and rebaselines the shadow
// state afterwards, so client-initiated changes are not echoed back.
func (o *Observer) Suppress(ctx context.Context, fn func() error) error {
	o.mu.Lock()
	o.suppressed++
	o.mu.Unlock()
	defer func() {
		if err := o.rebaseline(ctx); err != nil {
			log.Printf("observer: rebaseline after suppressed change: %v", err)
		}
		o.mu.Lock()
		o.suppressed--
		o.mu.Unlock()
	}()
	return fn()
}

// Poke requests a scan outside the regular polling interval.
func (o *Observer) Poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run polls the store until ctx is cancelled. A store failure aborts the
// run; the session owner is expected to tear down the notification
// channel in response.
func (o *Observer) Run(ctx context.Context) error {
	if err := o.rebaseline(ctx); err != nil {
		return errors.Wrap(err, "observer: initial snapshot")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			case <-o.wake:
			}
			if err := o.scan(ctx); err != nil {
				return errors.Wrap(err, "observer: scan")
			}
		}
	})

	g.Go(func() error {
		// Coalesce bursts so a mass store change does not flood the
		// notification channel.
		limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 10)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case report := <-o.events:
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				o.mu.Lock()
				n := o.notifier
				o.mu.Unlock()
				if n == nil {
					continue
				}
				if err := n.SendEvent(ctx, report); err != nil {
					log.Printf("observer: sending event report: %v", err)
				}
			}
		}
	})

	return g.Wait()
}

// emit encodes and queues one event if the filter and suppression state
// allow it.
func (o *Observer) emit(ev *event.Event) {
	o.mu.Lock()
	version := o.reportVersion
	mask := o.filterMask
	suppressed := o.suppressed > 0
	hasNotifier := o.notifier != nil
	o.mu.Unlock()

	if suppressed || !hasNotifier || !event.Wanted(mask, ev.Type) {
		return
	}
	if ev.Type == event.TypeReadStatusChanged && version < event.ReportV11 {
		return
	}
	report, err := event.Encode(version, ev)
	if err != nil {
		log.Printf("observer: encoding %s event: %v", ev.Type, err)
		return
	}
	select {
	case o.events <- report:
	default:
		log.Printf("observer: event queue full, dropping %s", ev.Type)
	}
}

// snapshotMessages reads the full message population for every served
// type, deleted rows included.
func (o *Observer) snapshotMessages(ctx context.Context) (map[string]*msgShadow, error) {
	snap := map[string]*msgShadow{}
	for _, t := range o.types {
		rows, err := o.s.QueryMessages(ctx, t, store.NewFilter())
		if err != nil {
			return nil, errors.Wrapf(err, "snapshotting %v messages", t)
		}
		for i := range rows {
			row := &rows[i]
			handle := maputil.EncodeHandle(row.ID, row.Type)
			sender := row.SenderName
			if sender == "" {
				sender = row.Address
			}
			snap[handle] = &msgShadow{
				mailbox:  shadowMailbox(row),
				folderID: row.FolderID,
				threadID: row.ThreadID,
				read:     row.Read,
				date:     row.Date,
				subject:  row.Subject,
				sender:   sender,
				highPrio: row.HighPriority || (row.Type == maputil.TypeMms && row.Priority >= 130),
			}
		}
	}
	return snap, nil
}

func shadowMailbox(row *store.MessageRow) store.Mailbox {
	switch row.Type {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma, maputil.TypeMms:
		return row.Mailbox()
	}
	switch row.FolderID {
	case content.WellKnownFolderInbox:
		return store.MailboxInbox
	case content.WellKnownFolderSent:
		return store.MailboxSent
	case content.WellKnownFolderDraft:
		return store.MailboxDraft
	case content.WellKnownFolderOutbox:
		return store.MailboxOutbox
	case content.WellKnownFolderDeleted:
		return store.MailboxDeleted
	}
	return store.MailboxOther
}

func folderPath(m store.Mailbox) string {
	if m == store.MailboxNone || m == store.MailboxOther {
		return "telecom/msg"
	}
	return "telecom/msg/" + m.String()
}

// rebaseline replaces every shadow without emitting events.
func (o *Observer) rebaseline(ctx context.Context) error {
	snap, err := o.snapshotMessages(ctx)
	if err != nil {
		return err
	}
	o.msgMu.Lock()
	// Carry pending-send flags across the rebaseline.
	for handle, old := range o.msgShadow {
		if old.localInitiatedSend {
			if cur, ok := snap[handle]; ok {
				cur.localInitiatedSend = true
				cur.transparent = old.transparent
				cur.retry = old.retry
			}
		}
	}
	o.msgShadow = snap
	o.msgGen++
	o.msgMu.Unlock()

	return o.rebaselineConvos(ctx)
}

func (o *Observer) rebaselineConvos(ctx context.Context) error {
	convoSnap, partSnap, threadSnap, err := o.snapshotConvos(ctx)
	if err != nil {
		return err
	}
	o.convoMu.Lock()
	o.convoShadow = convoSnap
	o.partShadow = partSnap
	o.threadShadow = threadSnap
	o.convoGen++
	o.convoMu.Unlock()
	return nil
}

func (o *Observer) snapshotConvos(ctx context.Context) (map[string]*convoShadow, map[string]*participantShadow, map[int64]time.Time, error) {
	convos := map[string]*convoShadow{}
	parts := map[string]*participantShadow{}
	threads := map[int64]time.Time{}

	if o.cfg.SmsMms {
		rows, err := o.s.QueryThreads(ctx, store.NewFilter())
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "snapshotting threads")
		}
		for _, t := range rows {
			threads[t.ID] = t.Date
			id := maputil.NewConvoID(maputil.ConvoNamespaceSmsMms, t.ID)
			convos[id.Hex()] = &convoShadow{lastActivity: t.Date, read: t.Read}
		}
	}
	if o.cfg.Email || o.cfg.Im {
		rows, err := o.s.QueryConversations(ctx, store.NewFilter())
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "snapshotting conversations")
		}
		for _, r := range rows {
			id := maputil.NewConvoID(maputil.ConvoNamespaceEmailIm, r.ID)
			convos[id.Hex()] = &convoShadow{lastActivity: r.LastActivity, read: r.Read}
			if r.ContactUCI == "" {
				continue
			}
			parts[id.Hex()+"/"+r.ContactUCI] = &participantShadow{
				presence:     r.Presence,
				presenceText: r.PresenceText,
				chatState:    r.ChatState,
				lastActive:   r.LastOnline,
			}
		}
	}
	return convos, parts, threads, nil
}

// scan diffs a fresh snapshot against the shadows and emits events for
// every delta.
func (o *Observer) scan(ctx context.Context) error {
	if err := o.scanMessages(ctx); err != nil {
		return err
	}
	return o.scanConvos(ctx)
}

func (o *Observer) scanMessages(ctx context.Context) error {
	o.msgMu.Lock()
	gen := o.msgGen
	o.msgMu.Unlock()

	snap, err := o.snapshotMessages(ctx)
	if err != nil {
		return err
	}

	// The diff and the shadow swap run under msgMu so a suppressed
	// change cannot rebaseline in between and then be replayed from the
	// stale snapshot.
	o.msgMu.Lock()
	if o.msgGen != gen {
		o.msgMu.Unlock()
		return nil
	}
	old := o.msgShadow
	pending := o.pending
	o.pending = map[string]*msgShadow{}

	changed := false
	var drop []string

	for handle, cur := range snap {
		prev, existed := old[handle]
		if !existed {
			changed = true
			if p, ok := pending[handle]; ok {
				cur.localInitiatedSend = true
				cur.transparent = p.transparent
				cur.retry = p.retry
				continue
			}
			o.emit(o.msgEvent(event.TypeNewMessage, handle, cur, folderPath(cur.mailbox), ""))
			continue
		}
		cur.localInitiatedSend = prev.localInitiatedSend
		cur.transparent = prev.transparent
		cur.retry = prev.retry

		if prev.mailbox != cur.mailbox {
			changed = true
			switch {
			case cur.mailbox == store.MailboxDeleted:
				o.emit(o.msgEvent(event.TypeMessageDeleted, handle, cur,
					folderPath(store.MailboxDeleted), folderPath(prev.mailbox)))
			case prev.mailbox == store.MailboxOutbox && cur.mailbox == store.MailboxSent &&
				cur.localInitiatedSend:
				o.emit(o.msgEvent(event.TypeSendingSuccess, handle, cur, folderPath(cur.mailbox), ""))
				if cur.transparent {
					// Flags stay set so the sweep recognizes the
					// cleanup delete on a later cycle.
					drop = append(drop, handle)
				} else {
					cur.localInitiatedSend = false
				}
			default:
				o.emit(o.msgEvent(event.TypeMessageShift, handle, cur,
					folderPath(cur.mailbox), folderPath(prev.mailbox)))
			}
		}
		if prev.read != cur.read {
			changed = true
			ev := o.msgEvent(event.TypeReadStatusChanged, handle, cur, folderPath(cur.mailbox), "")
			ev.ReadStatus = yesNo(cur.read)
			o.emit(ev)
		}
	}

	for handle, prev := range old {
		if _, ok := snap[handle]; ok {
			continue
		}
		changed = true
		if prev.localInitiatedSend && prev.transparent {
			// The transparent send already deleted the row.
			continue
		}
		name := event.TypeMessageRemoved
		o.mu.Lock()
		if o.reportVersion < event.ReportV12 {
			name = event.TypeMessageDeleted
		}
		o.mu.Unlock()
		o.emit(o.msgEvent(name, handle, prev, "", folderPath(prev.mailbox)))
	}

	o.msgShadow = snap
	// A pushed message may not be visible yet; keep waiting for it.
	for handle, p := range pending {
		if _, ok := snap[handle]; !ok {
			o.pending[handle] = p
		}
	}
	o.msgMu.Unlock()

	if changed {
		o.bumpFolderVer()
	}

	for _, handle := range drop {
		id, t, err := maputil.DecodeHandle(handle)
		if err != nil {
			continue
		}
		if err := o.s.DeleteMessage(ctx, t, id); err != nil {
			log.Printf("observer: transparent delete of %s: %v", handle, err)
		}
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (o *Observer) msgEvent(name, handle string, s *msgShadow, folderName, oldFolder string) *event.Event {
	_, t, err := maputil.DecodeHandle(handle)
	if err != nil {
		t = maputil.TypeSmsGsm
	}
	ev := &event.Event{
		Type:       name,
		Handle:     handle,
		Folder:     folderName,
		OldFolder:  oldFolder,
		MsgType:    t,
		DateTime:   s.date,
		Subject:    s.subject,
		SenderName: s.sender,
		Priority:   s.highPrio,
		HasPrio:    true,
	}
	if s.threadID > 0 {
		var id maputil.UInt128
		switch t {
		case maputil.TypeEmail, maputil.TypeIm:
			id = maputil.NewConvoID(maputil.ConvoNamespaceEmailIm, s.threadID)
		default:
			id = maputil.NewConvoID(maputil.ConvoNamespaceSmsMms, s.threadID)
		}
		ev.ConvoID = &id
	}
	return ev
}

func (o *Observer) scanConvos(ctx context.Context) error {
	o.convoMu.Lock()
	gen := o.convoGen
	o.convoMu.Unlock()

	convoSnap, partSnap, threadSnap, err := o.snapshotConvos(ctx)
	if err != nil {
		return err
	}

	o.convoMu.Lock()
	if o.convoGen != gen {
		o.convoMu.Unlock()
		return nil
	}
	oldConvos := o.convoShadow
	oldParts := o.partShadow
	o.convoShadow = convoSnap
	o.partShadow = partSnap
	o.threadShadow = threadSnap
	o.convoMu.Unlock()

	changed := false
	for hex, cur := range convoSnap {
		prev, existed := oldConvos[hex]
		if existed && prev.lastActivity.Equal(cur.lastActivity) && prev.read == cur.read {
			continue
		}
		changed = true
		id, err := maputil.ParseUInt128(hex)
		if err != nil {
			continue
		}
		o.emit(&event.Event{
			Type:         event.TypeConversationChanged,
			ConvoID:      &id,
			ReadStatus:   yesNo(cur.read),
			LastActivity: cur.lastActivity,
		})
	}
	for hex := range oldConvos {
		if _, ok := convoSnap[hex]; !ok {
			changed = true
		}
	}
	if changed {
		o.bumpConvoVer()
	}

	for key, cur := range partSnap {
		prev, existed := oldParts[key]
		id, uci, ok := splitPartKey(key)
		if !ok {
			continue
		}
		if !existed || prev.presence != cur.presence || prev.presenceText != cur.presenceText {
			if existed || cur.presence != 0 {
				o.emit(&event.Event{
					Type:         event.TypeParticipantPresenceChanged,
					ConvoID:      &id,
					ParticipUCI:  uci,
					Presence:     cur.presence,
					PresenceText: cur.presenceText,
					LastActivity: cur.lastActive,
				})
			}
		}
		if existed && prev.chatState != cur.chatState {
			o.emit(&event.Event{
				Type:         event.TypeParticipantChatStateChanged,
				ConvoID:      &id,
				ParticipUCI:  uci,
				ChatState:    cur.chatState,
				LastActivity: cur.lastActive,
			})
		}
	}
	return nil
}

func splitPartKey(key string) (maputil.UInt128, string, bool) {
	if len(key) < 34 || key[32] != '/' {
		return maputil.UInt128{}, "", false
	}
	id, err := maputil.ParseUInt128(key[:32])
	if err != nil {
		return maputil.UInt128{}, "", false
	}
	return id, key[33:], true
}

// ReportSendResult emits a SendingSuccess or SendingFailure for a
// message whose transport outcome is known out of band.
func (o *Observer) ReportSendResult(handle string, ok bool) {
	name := event.TypeSendingSuccess
	if !ok {
		name = event.TypeSendingFailure
	}
	o.msgMu.Lock()
	s, tracked := o.msgShadow[handle]
	o.msgMu.Unlock()
	if !tracked {
		s = &msgShadow{mailbox: store.MailboxOutbox}
	}
	o.emit(o.msgEvent(name, handle, s, folderPath(s.mailbox), ""))
}

// ReportDeliveryResult emits a DeliverySuccess or DeliveryFailure.
func (o *Observer) ReportDeliveryResult(handle string, ok bool) {
	name := event.TypeDeliverySuccess
	if !ok {
		name = event.TypeDeliveryFailure
	}
	o.msgMu.Lock()
	s, tracked := o.msgShadow[handle]
	o.msgMu.Unlock()
	if !tracked {
		s = &msgShadow{mailbox: store.MailboxSent}
	}
	o.emit(o.msgEvent(name, handle, s, folderPath(s.mailbox), ""))
}
