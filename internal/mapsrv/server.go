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

// Package mapsrv is the protocol engine: it runs one OBEX session per
// transport connection, dispatching CONNECT, SETPATH, GET and PUT to the
// browsing, store and notification layers.
package mapsrv

import (
	"bytes"
	"context"
	"io"
	"log"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/appparams"
	"marmstrong/btmap/internal/content"
	"marmstrong/btmap/internal/event"
	"marmstrong/btmap/internal/folder"
	"marmstrong/btmap/internal/mns"
	"marmstrong/btmap/internal/obex"
	"marmstrong/btmap/internal/observer"
	"marmstrong/btmap/internal/store"
)

// masTargetUUID identifies the Message Access Service in the CONNECT
// target header.
var masTargetUUID = []byte{
	0xBB, 0x58, 0x2B, 0x40, 0x42, 0x0C, 0x11, 0xDB,
	0xB0, 0xDE, 0x08, 0x00, 0x20, 0x0C, 0x9A, 0x66,
}

// OBEX type strings dispatched by GET and PUT.
const (
	typeFolderListing = "x-obex/folder-listing"
	typeMsgListing    = "x-bt/MAP-msg-listing"
	typeConvoListing  = "x-bt/MAP-convo-listing"
	typeMessage       = "x-bt/message"
	typeMessageStatus = "x-bt/messageStatus"
	typeMessageUpdate = "x-bt/MAP-messageUpdate"
	typeNotifyReg     = "x-bt/MAP-NotificationRegistration"
	typeNotifyFilter  = "x-bt/MAP-notification-filter"
	typeInstanceInfo  = "x-bt/MASInstanceInformation"
	typeOwnerStatus   = "x-bt/participant"
)

// instanceInfoLimit caps the MASInstanceInformation body.
const instanceInfoLimit = 200

// threadedMailKey is echoed through the user-defined 0xFA header for
// clients that negotiate threaded-mail support at connect time.
const threadedMailKey = 0x534C5349

// Remote feature bits relevant to event report versioning.
const (
	featureEventReport11 = 1 << 6
	featureEventReport12 = 1 << 7
)

const finalBit = 0x80

// Config describes one MAS instance.
type Config struct {
	InstanceID  int64
	AccountID   int64
	Description string
	SmsMms      bool
	Email       bool
	Im          bool

	// Peer MapSupportedFeatures from SDP, selecting the event report
	// version.
	RemoteFeatures uint32
}

// Server is one MAS session.
type Server struct {
	cfg     Config
	st      store.Store
	browser *content.Browser
	obs     *observer.Observer
	mns     *mns.Manager

	root *folder.Element
	cur  *folder.Element

	connected     bool
	remoteMax     int
	reportVersion int

	get *getState
	put *putState
}

type getState struct {
	data []byte
	pos  int
}

type putState struct {
	typ  string
	name string
	body bytes.Buffer
	raw  []byte // app params from the first packet
}

// NewServer builds a session server, mirroring the provider folder list
// into the virtual tree for email accounts.
func NewServer(ctx context.Context, st store.Store, obs *observer.Observer, notifier *mns.Manager, cfg Config) (*Server, error) {
	var provider []folder.ProviderFolder
	if cfg.Email {
		rows, err := st.QueryFolders(ctx, cfg.AccountID)
		if err != nil {
			return nil, errors.Wrap(err, "mapsrv: loading provider folders")
		}
		for _, r := range rows {
			provider = append(provider, folder.ProviderFolder{ID: r.ID, ParentID: r.ParentID, Name: r.Name})
		}
	}
	root := folder.BuildTree(folder.Config{SmsMms: cfg.SmsMms, Email: cfg.Email, Im: cfg.Im}, provider)

	reportVersion := event.ReportV10
	if cfg.RemoteFeatures&featureEventReport11 != 0 {
		reportVersion = event.ReportV11
	}
	if cfg.RemoteFeatures&featureEventReport12 != 0 {
		reportVersion = event.ReportV12
	}
	if obs != nil {
		obs.SetReportVersion(reportVersion)
	}

	bcfg := content.Config{SmsMms: cfg.SmsMms, Email: cfg.Email, Im: cfg.Im, Account: cfg.AccountID}
	return &Server{
		cfg:           cfg,
		st:            st,
		browser:       content.NewBrowser(st, bcfg),
		obs:           obs,
		mns:           notifier,
		root:          root,
		cur:           root,
		remoteMax:     obex.MinPacketSize,
		reportVersion: reportVersion,
	}, nil
}

// Serve runs the OBEX request loop until the client disconnects or the
// transport fails.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := obex.ReadRequest(conn)
		if err != nil {
			if errors.Cause(err) == io.EOF {
				return nil
			}
			return errors.Wrap(err, "mapsrv: reading request")
		}
		done, err := s.dispatch(ctx, conn, req)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn io.Writer, req *obex.Request) (bool, error) {
	switch req.Opcode {
	case obex.OpConnect:
		return false, s.handleConnect(conn, req)
	case obex.OpDisconnect:
		s.connected = false
		return true, obex.WriteResponse(conn, obex.ResponseSuccess, nil, nil)
	case obex.OpAbort:
		s.get = nil
		s.put = nil
		return false, obex.WriteResponse(conn, obex.ResponseSuccess, nil, nil)
	case obex.OpSetPath:
		return false, s.handleSetPath(conn, req)
	case obex.OpGet, obex.OpGet | finalBit:
		return false, s.handleGet(ctx, conn, req)
	case obex.OpPut, obex.OpPut | finalBit:
		return false, s.handlePut(ctx, conn, req)
	}
	return false, obex.WriteResponse(conn, obex.ResponseNotImplemented, nil, nil)
}

func (s *Server) handleConnect(conn io.Writer, req *obex.Request) error {
	target := req.Headers.Bytes(obex.HeaderTarget)
	if !bytes.Equal(target, masTargetUUID) {
		return obex.WriteResponse(conn, obex.ResponseNotAcceptable, nil, nil)
	}
	s.remoteMax = int(req.Connect.MaxPacketSize)
	if s.remoteMax < obex.MinPacketSize {
		s.remoteMax = obex.MinPacketSize
	}
	s.connected = true
	s.cur = s.root

	var h obex.Headers
	h.Set(obex.HeaderConnectionID, uint32(1))
	h.Set(obex.HeaderWho, masTargetUUID)
	if key, ok := req.Headers.Uint32(obex.HeaderThreadedMail); ok && key == threadedMailKey {
		h.Set(obex.HeaderThreadedMail, uint32(threadedMailKey))
	}
	return obex.WriteResponse(conn, obex.ResponseSuccess,
		obex.ConnectResponseFields(obex.DefaultPacketSize), &h)
}

func (s *Server) handleSetPath(conn io.Writer, req *obex.Request) error {
	if !s.connected {
		return obex.WriteResponse(conn, obex.ResponseBadRequest, nil, nil)
	}
	up := req.SetPath.Flags&obex.SetPathBackup != 0
	if up && s.cur.Parent() == nil {
		return obex.WriteResponse(conn, obex.ResponseBadRequest, nil, nil)
	}
	name, _ := req.Headers.Name()
	next, err := s.cur.Navigate(up, name)
	if err != nil {
		return obex.WriteResponse(conn, obex.ResponseBadRequest, nil, nil)
	}
	s.cur = next
	return obex.WriteResponse(conn, obex.ResponseSuccess, nil, nil)
}

// requestParams decodes the application parameter header, returning
// empty parameters when the header is absent.
func requestParams(req *obex.Request) (*appparams.Params, error) {
	raw := req.Headers.Bytes(obex.HeaderAppParams)
	if raw == nil {
		return appparams.New(), nil
	}
	return appparams.Decode(raw)
}

// responseCode maps a handler error to an OBEX response code.
func responseCode(err error) byte {
	switch errors.Cause(err) {
	case store.ErrNotFound:
		return obex.ResponseNotFound
	case store.ErrUnavailable:
		return obex.ResponseUnavailable
	case content.ErrBadRequest:
		return obex.ResponseBadRequest
	case errNotImplemented:
		return obex.ResponseNotImplemented
	case errForbidden:
		return obex.ResponseForbidden
	case errNotAcceptable:
		return obex.ResponseNotAcceptable
	case errBadRequest:
		return obex.ResponseBadRequest
	}
	return obex.ResponseInternalError
}

var (
	errNotImplemented = errors.New("mapsrv: not implemented")
	errForbidden      = errors.New("mapsrv: forbidden")
	errNotAcceptable  = errors.New("mapsrv: not acceptable")
	errBadRequest     = errors.New("mapsrv: bad request")
)

// chunk slices the pending GET payload to fit the negotiated packet
// size, leaving room for the packet and header framing.
func (s *Server) chunk(extra int) int {
	n := s.remoteMax - 16 - extra
	if n < 1 {
		n = 1
	}
	return n
}

// sendGetResponse streams the payload, emitting Continue packets until
// the remainder fits.
func (s *Server) sendGetResponse(conn io.Writer, params *appparams.Params, data []byte) error {
	var extra []byte
	var h obex.Headers
	h.Set(obex.HeaderConnectionID, uint32(1))
	if params != nil {
		extra = params.Encode()
		if len(extra) > 0 {
			h.Set(obex.HeaderAppParams, extra)
		}
	}
	if len(data) <= s.chunk(len(extra)) {
		h.Set(obex.HeaderEndOfBody, data)
		s.get = nil
		return obex.WriteResponse(conn, obex.ResponseSuccess, nil, &h)
	}
	n := s.chunk(len(extra))
	h.Set(obex.HeaderBody, data[:n])
	s.get = &getState{data: data, pos: n}
	return obex.WriteResponse(conn, obex.ResponseContinue, nil, &h)
}

// continueGet serves the next window of an in-flight GET.
func (s *Server) continueGet(conn io.Writer) error {
	st := s.get
	rest := st.data[st.pos:]
	var h obex.Headers
	h.Set(obex.HeaderConnectionID, uint32(1))
	if len(rest) <= s.chunk(0) {
		h.Set(obex.HeaderEndOfBody, rest)
		s.get = nil
		return obex.WriteResponse(conn, obex.ResponseSuccess, nil, &h)
	}
	n := s.chunk(0)
	h.Set(obex.HeaderBody, rest[:n])
	st.pos += n
	return obex.WriteResponse(conn, obex.ResponseContinue, nil, &h)
}

func (s *Server) handleGet(ctx context.Context, conn io.Writer, req *obex.Request) error {
	if !s.connected {
		return obex.WriteResponse(conn, obex.ResponseBadRequest, nil, nil)
	}
	if s.get != nil {
		return s.continueGet(conn)
	}
	if req.Opcode&finalBit == 0 {
		// Headers fit a single packet in practice; ask for the rest.
		return obex.WriteResponse(conn, obex.ResponseContinue, nil, nil)
	}

	params, err := requestParams(req)
	if err != nil {
		log.Printf("mapsrv: malformed application parameters: %v", err)
		return obex.WriteResponse(conn, obex.ResponseBadRequest, nil, nil)
	}

	var respParams *appparams.Params
	var body []byte
	switch req.Headers.Type() {
	case typeFolderListing:
		respParams, body, err = s.getFolderListing(params)
	case typeMsgListing:
		respParams, body, err = s.getMessageListing(ctx, req, params)
	case typeConvoListing:
		respParams, body, err = s.getConvoListing(ctx, params)
	case typeMessage:
		respParams, body, err = s.getMessage(ctx, req, params)
	case typeInstanceInfo:
		body, err = s.getInstanceInfo(params)
	default:
		return obex.WriteResponse(conn, obex.ResponseNotImplemented, nil, nil)
	}
	if err != nil {
		log.Printf("mapsrv: GET %s: %v", req.Headers.Type(), err)
		return obex.WriteResponse(conn, responseCode(err), nil, nil)
	}
	return s.sendGetResponse(conn, respParams, body)
}

func (s *Server) handlePut(ctx context.Context, conn io.Writer, req *obex.Request) error {
	if !s.connected {
		return obex.WriteResponse(conn, obex.ResponseBadRequest, nil, nil)
	}
	if s.put == nil {
		s.put = &putState{
			typ: req.Headers.Type(),
			raw: req.Headers.Bytes(obex.HeaderAppParams),
		}
		if name, ok := req.Headers.Name(); ok {
			s.put.name = name
		}
	}
	if b := req.Headers.Bytes(obex.HeaderBody); b != nil {
		s.put.body.Write(b)
	}
	if b := req.Headers.Bytes(obex.HeaderEndOfBody); b != nil {
		s.put.body.Write(b)
	}
	if req.Opcode&finalBit == 0 {
		return obex.WriteResponse(conn, obex.ResponseContinue, nil, nil)
	}

	put := s.put
	s.put = nil
	params := appparams.New()
	if put.raw != nil {
		var err error
		params, err = appparams.Decode(put.raw)
		if err != nil {
			log.Printf("mapsrv: malformed application parameters: %v", err)
			return obex.WriteResponse(conn, obex.ResponseBadRequest, nil, nil)
		}
	}

	var respHeaders *obex.Headers
	var err error
	switch put.typ {
	case typeMessage:
		respHeaders, err = s.putMessage(ctx, put, params)
	case typeMessageStatus:
		err = s.putMessageStatus(ctx, put.name, params)
	case typeMessageUpdate:
		err = s.putMessageUpdate(ctx)
	case typeNotifyReg:
		err = s.putNotificationRegistration(ctx, params)
	case typeNotifyFilter:
		err = s.putNotificationFilter(params)
	case typeOwnerStatus:
		err = s.putOwnerStatus(ctx, params)
	default:
		return obex.WriteResponse(conn, obex.ResponseNotImplemented, nil, nil)
	}
	if err != nil {
		log.Printf("mapsrv: PUT %s: %v", put.typ, err)
		return obex.WriteResponse(conn, responseCode(err), nil, nil)
	}
	return obex.WriteResponse(conn, obex.ResponseSuccess, nil, respHeaders)
}

