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

package mapsrv

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/appparams"
	"marmstrong/btmap/internal/bmessage"
	"marmstrong/btmap/internal/content"
	"marmstrong/btmap/internal/event"
	"marmstrong/btmap/internal/folder"
	"marmstrong/btmap/internal/maputil"
	"marmstrong/btmap/internal/obex"
	"marmstrong/btmap/internal/store"
)

func (s *Server) getFolderListing(p *appparams.Params) (*appparams.Params, []byte, error) {
	maxCount := content.DefaultMaxListCount
	if p.MaxListCount != appparams.Unset {
		maxCount = int(p.MaxListCount)
	}
	offset := 0
	if p.StartOffset != appparams.Unset {
		offset = int(p.StartOffset)
	}

	if maxCount == 0 {
		rp := appparams.New()
		if err := rp.SetFolderListingSize(int64(s.cur.ChildCount())); err != nil {
			return nil, nil, err
		}
		return rp, nil, nil
	}
	body, err := s.cur.Encode(offset, maxCount)
	if err != nil {
		return nil, nil, err
	}
	return nil, body, nil
}

// listingFolder resolves the folder a listing request targets: the
// current folder, or the child named in the request.
func (s *Server) listingFolder(req *obex.Request) (*folder.Element, error) {
	name, ok := req.Headers.Name()
	if !ok || name == "" {
		return s.cur, nil
	}
	child := s.cur.SubFolder(name)
	if child == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "no subfolder %q", name)
	}
	return child, nil
}

func (s *Server) getMessageListing(ctx context.Context, req *obex.Request, p *appparams.Params) (*appparams.Params, []byte, error) {
	cur, err := s.listingFolder(req)
	if err != nil {
		return nil, nil, err
	}
	l, err := s.browser.MessageListing(ctx, cur, p)
	if err != nil {
		return nil, nil, err
	}

	rp := appparams.New()
	if err := rp.SetMessageListingSize(int64(l.Total)); err != nil {
		return nil, nil, err
	}
	newMsg := int64(0)
	if l.NewUnread {
		newMsg = 1
	}
	if err := rp.SetNewMessage(newMsg); err != nil {
		return nil, nil, err
	}
	rp.MseTime = time.Now()
	if s.obs != nil && s.reportVersion >= event.ReportV12 {
		dbID, folderVer, _ := s.obs.Counters()
		rp.DatabaseIdentifier = &dbID
		rp.FolderVerCounter = &folderVer
	}

	if p.MaxListCount == 0 {
		return rp, nil, nil
	}
	extended := s.reportVersion >= event.ReportV12
	body, err := content.EncodeMessageListing(l, p.ParameterMask, int(p.SubjectLength), extended)
	if err != nil {
		return nil, nil, err
	}
	return rp, body, nil
}

func (s *Server) getConvoListing(ctx context.Context, p *appparams.Params) (*appparams.Params, []byte, error) {
	l, err := s.browser.ConversationListing(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	rp := appparams.New()
	if err := rp.SetConvoListingSize(int64(l.Total)); err != nil {
		return nil, nil, err
	}
	rp.MseTime = time.Now()
	if s.obs != nil {
		dbID, _, convoVer := s.obs.Counters()
		rp.DatabaseIdentifier = &dbID
		rp.ConvoListVerCounter = &convoVer
	}

	if p.MaxListCount == 0 {
		return rp, nil, nil
	}
	body, err := content.EncodeConvoListing(l, p.ConvoParameterMask)
	if err != nil {
		return nil, nil, err
	}
	return rp, body, nil
}

func (s *Server) getMessage(ctx context.Context, req *obex.Request, p *appparams.Params) (*appparams.Params, []byte, error) {
	handle, ok := req.Headers.Name()
	if !ok || handle == "" {
		return nil, nil, errors.Wrap(errBadRequest, "message request without a handle")
	}
	// Messages are always delivered whole; a next-fraction request has
	// nothing to continue.
	if p.FractionRequest == appparams.FractionRequestNext {
		return nil, nil, errors.Wrap(errBadRequest, "no fractioned message in progress")
	}

	row, err := s.browser.GetMessage(ctx, handle)
	if err != nil {
		return nil, nil, err
	}

	status := bmessage.StatusUnread
	if row.Read {
		status = bmessage.StatusRead
	}
	orig, rcpt := messageVCards(row)
	m := &bmessage.Message{
		Status:      status,
		Type:        row.Type,
		Folder:      s.messageFolder(row),
		Originators: orig,
		Recipients:  rcpt,
		Body:        row.Body,
	}

	var rp *appparams.Params
	if p.FractionRequest != appparams.Unset {
		rp = appparams.New()
		if err := rp.SetFractionDeliver(appparams.FractionDeliverLast); err != nil {
			return nil, nil, err
		}
	}
	return rp, m.Encode(), nil
}

func (s *Server) getInstanceInfo(p *appparams.Params) ([]byte, error) {
	if p.MasInstanceID != appparams.Unset && p.MasInstanceID != s.cfg.InstanceID {
		return nil, errors.Wrapf(errBadRequest, "unknown MAS instance %d", p.MasInstanceID)
	}
	info := s.cfg.Description
	if info == "" {
		var kinds []string
		if s.cfg.SmsMms {
			kinds = append(kinds, "SMS/MMS")
		}
		if s.cfg.Email {
			kinds = append(kinds, "EMAIL")
		}
		if s.cfg.Im {
			kinds = append(kinds, "IM")
		}
		info = strings.Join(kinds, ", ")
	}
	return []byte(maputil.TruncateUTF8(info, instanceInfoLimit)), nil
}

// typeServed reports whether this instance serves messages of type t.
func (s *Server) typeServed(t maputil.Type) bool {
	for _, have := range s.browser.Types() {
		if have == t {
			return true
		}
	}
	return false
}

// suppress runs a client-initiated store mutation without echoing it
// back as a notification.
func (s *Server) suppress(ctx context.Context, fn func() error) error {
	if s.obs == nil {
		return fn()
	}
	return s.obs.Suppress(ctx, fn)
}

func (s *Server) poke() {
	if s.obs != nil {
		s.obs.Poke()
	}
}

// wellKnownFolderID maps a mandatory folder name to the fixed provider
// row ID used when the account mirrors no folder rows of its own.
func wellKnownFolderID(name string) (int64, bool) {
	switch strings.ToLower(name) {
	case folder.NameInbox:
		return content.WellKnownFolderInbox, true
	case folder.NameSent:
		return content.WellKnownFolderSent, true
	case folder.NameDraft:
		return content.WellKnownFolderDraft, true
	case folder.NameOutbox:
		return content.WellKnownFolderOutbox, true
	case folder.NameDeleted:
		return content.WellKnownFolderDeleted, true
	}
	return 0, false
}

// providerFolderID resolves the provider row ID behind a tree node,
// falling back to the well-known IDs for the mandatory folders.
func (s *Server) providerFolderID(el *folder.Element) (int64, bool) {
	if el == nil {
		return 0, false
	}
	if id := el.FolderID(); id != folder.NoFolderID {
		return id, true
	}
	return wellKnownFolderID(el.Name())
}

func (s *Server) putMessage(ctx context.Context, put *putState, p *appparams.Params) (*obex.Headers, error) {
	dest := s.cur
	if put.name != "" {
		dest = s.cur.SubFolder(put.name)
		if dest == nil {
			return nil, errors.Wrapf(store.ErrNotFound, "no subfolder %q", put.name)
		}
	}
	var mailbox store.Mailbox
	switch strings.ToLower(dest.Name()) {
	case folder.NameOutbox:
		mailbox = store.MailboxOutbox
	case folder.NameDraft:
		mailbox = store.MailboxDraft
	default:
		return nil, errors.Wrapf(errForbidden, "cannot push into %q", dest.Name())
	}

	msg, err := bmessage.Parse(put.body.Bytes())
	if err != nil {
		return nil, errors.Wrap(errBadRequest, err.Error())
	}
	if !s.typeServed(msg.Type) {
		return nil, errors.Wrapf(errNotAcceptable, "instance does not serve %v", msg.Type)
	}

	nm := &store.NewMessage{
		Type:    msg.Type,
		Mailbox: mailbox,
		Body:    msg.Body,
		Date:    time.Now(),
		Read:    msg.Status == bmessage.StatusRead,
	}
	for _, v := range msg.Recipients {
		switch {
		case v.Tel != "":
			nm.Recipients = append(nm.Recipients, v.Tel)
		case v.Email != "":
			nm.Recipients = append(nm.Recipients, v.Email)
		case v.UCI != "":
			nm.Recipients = append(nm.Recipients, v.UCI)
		}
	}
	if msg.Type == maputil.TypeEmail || msg.Type == maputil.TypeIm {
		id, ok := s.providerFolderID(dest)
		if !ok {
			return nil, errors.Wrapf(errBadRequest, "folder %q has no provider mapping", dest.Name())
		}
		nm.FolderID = id
	}

	id, err := s.st.InsertMessage(ctx, nm)
	if err != nil {
		return nil, err
	}
	handle := maputil.EncodeHandle(id, msg.Type)
	if s.obs != nil {
		transparent := p.Transparent == 1
		retry := p.Retry != 0
		s.obs.ExpectPush(handle, transparent, retry)
		s.obs.Poke()
	}

	var h obex.Headers
	h.Set(obex.HeaderName, handle)
	return &h, nil
}

func (s *Server) putMessageStatus(ctx context.Context, handle string, p *appparams.Params) error {
	if handle == "" {
		return errors.Wrap(errBadRequest, "status change without a handle")
	}
	id, t, err := maputil.DecodeHandle(handle)
	if err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	if !s.typeServed(t) {
		return errors.Wrapf(errForbidden, "instance does not serve %v", t)
	}
	if p.StatusIndicator == appparams.Unset || p.StatusValue == appparams.Unset {
		return errors.Wrap(errBadRequest, "status change without indicator or value")
	}
	value := p.StatusValue == appparams.StatusValueYes

	var op func() error
	switch p.StatusIndicator {
	case appparams.StatusIndicatorRead:
		op = func() error { return s.st.SetRead(ctx, t, id, value) }
	case appparams.StatusIndicatorDeleted:
		target, err := s.deletionTarget(value)
		if err != nil {
			return err
		}
		op = func() error { return s.st.SetDeleted(ctx, t, id, value, target) }
	default:
		return errors.Wrapf(errBadRequest, "unknown status indicator %d", p.StatusIndicator)
	}
	if err := s.suppress(ctx, op); err != nil {
		return err
	}
	s.poke()
	return nil
}

// deletionTarget picks the provider folder a deleted (or restored)
// email/IM message moves to.
func (s *Server) deletionTarget(deleted bool) (int64, error) {
	name := folder.NameDeleted
	if !deleted {
		name = folder.NameInbox
	}
	id, ok := s.providerFolderID(s.root.FolderByName(name))
	if !ok {
		if wk, wkOK := wellKnownFolderID(name); wkOK {
			return wk, nil
		}
		return 0, errors.Wrapf(errBadRequest, "no %s folder to move into", name)
	}
	return id, nil
}

func (s *Server) putMessageUpdate(ctx context.Context) error {
	if !s.cfg.Email {
		return errors.Wrap(errNotImplemented, "inbox update needs an email account")
	}
	id, ok := s.providerFolderID(s.cur)
	if !ok {
		return errors.Wrapf(errBadRequest, "folder %q has no provider mapping", s.cur.Name())
	}
	if err := s.st.UpdateFolder(ctx, s.cfg.AccountID, id); err != nil {
		return err
	}
	s.poke()
	return nil
}

func (s *Server) putNotificationRegistration(ctx context.Context, p *appparams.Params) error {
	switch p.NotificationStatus {
	case appparams.NotificationStatusYes, appparams.NotificationStatusNo:
	default:
		return errors.Wrap(errBadRequest, "registration without a notification status")
	}
	if s.mns == nil {
		return errors.Wrap(errNotImplemented, "no notification client configured")
	}
	on := p.NotificationStatus == appparams.NotificationStatusYes
	if err := s.mns.SetRegistered(ctx, on); err != nil {
		return errors.Wrapf(store.ErrUnavailable, "notification registration: %v", err)
	}
	if s.obs != nil {
		if on {
			s.obs.SetNotifier(s.mns)
		} else {
			s.obs.SetNotifier(nil)
		}
	}
	return nil
}

func (s *Server) putNotificationFilter(p *appparams.Params) error {
	if p.NotificationFilter == appparams.Unset {
		return errors.Wrap(errBadRequest, "filter update without a mask")
	}
	if s.obs != nil {
		s.obs.SetFilterMask(uint32(p.NotificationFilter))
	}
	return nil
}

func (s *Server) putOwnerStatus(ctx context.Context, p *appparams.Params) error {
	if !s.cfg.Im {
		return errors.Wrap(errNotAcceptable, "owner status needs an IM account")
	}
	os := store.OwnerStatus{
		PresenceText: p.PresenceText,
		LastActivity: p.LastActivity,
	}
	if p.PresenceAvailability != appparams.Unset {
		os.PresenceAvailability = int(p.PresenceAvailability)
	}
	if p.ChatState != appparams.Unset {
		os.ChatState = int(p.ChatState)
	}
	if p.ChatStateConvoID != nil {
		os.ConvoID = int64(p.ChatStateConvoID.Lo)
	}
	return s.st.SetOwnerStatus(ctx, s.cfg.AccountID, os)
}

// messageFolder renders the virtual folder path a message reports in its
// bMessage envelope.
func (s *Server) messageFolder(row *store.MessageRow) string {
	switch row.Type {
	case maputil.TypeSmsGsm, maputil.TypeSmsCdma, maputil.TypeMms:
		if m := row.Mailbox(); m != store.MailboxNone {
			return "telecom/msg/" + m.String()
		}
		return "telecom/msg"
	}
	if el := s.root.FolderByID(row.FolderID); el != nil {
		return el.FullPath()
	}
	for _, name := range []string{
		folder.NameInbox, folder.NameSent, folder.NameDraft,
		folder.NameOutbox, folder.NameDeleted,
	} {
		if id, ok := wellKnownFolderID(name); ok && id == row.FolderID {
			return "telecom/msg/" + name
		}
	}
	return "telecom/msg"
}

// messageVCards splits a row's addressing into bMessage originators and
// recipients by message direction.
func messageVCards(row *store.MessageRow) (orig, rcpt []bmessage.VCard) {
	if row.Type == maputil.TypeSmsGsm || row.Type == maputil.TypeSmsCdma {
		peer := bmessage.VCard{Tel: row.Address}
		if row.Mailbox() == store.MailboxInbox {
			return []bmessage.VCard{peer}, nil
		}
		return nil, []bmessage.VCard{peer}
	}

	sender := bmessage.VCard{Name: row.SenderName}
	rcpts := bmessage.VCard{Name: row.RecipientName}
	switch row.Type {
	case maputil.TypeMms:
		sender.Tel = row.SenderAddress
		rcpts.Tel = row.RecipientAddress
	case maputil.TypeEmail:
		sender.Email = row.SenderAddress
		rcpts.Email = row.RecipientAddress
	case maputil.TypeIm:
		sender.UCI = row.SenderAddress
		rcpts.UCI = row.RecipientAddress
	}
	if sender != (bmessage.VCard{}) {
		orig = append(orig, sender)
	}
	if rcpts != (bmessage.VCard{}) {
		rcpt = append(rcpt, rcpts)
	}
	return orig, rcpt
}
