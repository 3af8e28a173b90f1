package mapsrv

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"marmstrong/btmap/internal/appparams"
	"marmstrong/btmap/internal/bmessage"
	"marmstrong/btmap/internal/maputil"
	"marmstrong/btmap/internal/obex"
	"marmstrong/btmap/internal/store"
)

// fakeStore serves canned rows and records writes.
type fakeStore struct {
	store.Store
	rows     map[maputil.Type][]store.MessageRow
	inserted []*store.NewMessage
	insertID int64

	readSets []string // "type/id/value"
	delSets  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[maputil.Type][]store.MessageRow{}, insertID: 42}
}

func (f *fakeStore) QueryMessages(ctx context.Context, t maputil.Type, filter store.Filter) ([]store.MessageRow, error) {
	return f.rows[t], nil
}

func (f *fakeStore) CountMessages(ctx context.Context, t maputil.Type, filter store.Filter) (int, int, error) {
	var unread int
	for _, r := range f.rows[t] {
		if !r.Read {
			unread++
		}
	}
	return len(f.rows[t]), unread, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, t maputil.Type, id int64) (*store.MessageRow, error) {
	for _, r := range f.rows[t] {
		if r.ID == id {
			row := r
			return &row, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) QueryFolders(ctx context.Context, account int64) ([]store.FolderRow, error) {
	return nil, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg *store.NewMessage) (int64, error) {
	f.inserted = append(f.inserted, msg)
	return f.insertID, nil
}

func (f *fakeStore) SetRead(ctx context.Context, t maputil.Type, id int64, read bool) error {
	f.readSets = append(f.readSets, fmt.Sprintf("%v/%d/%t", t, id, read))
	return nil
}

func (f *fakeStore) SetDeleted(ctx context.Context, t maputil.Type, id int64, deleted bool, folderID int64) error {
	f.delSets = append(f.delSets, fmt.Sprintf("%v/%d/%t", t, id, deleted))
	return nil
}

func (f *fakeStore) Close() error { return nil }

// dialServer starts a session server over a pipe and returns the client
// end.
func dialServer(t *testing.T, st store.Store, cfg Config) net.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := NewServer(ctx, st, nil, nil, cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	client, server := net.Pipe()
	go srv.Serve(ctx, server)
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	return client
}

func connect(t *testing.T, conn net.Conn, maxPacket uint16) {
	t.Helper()
	var h obex.Headers
	h.Set(obex.HeaderTarget, masTargetUUID)
	fields := &obex.ConnectFields{MaxPacketSize: maxPacket}
	if err := obex.WriteRequest(conn, obex.OpConnect, fields, &h); err != nil {
		t.Fatalf("writing connect: %v", err)
	}
	resp, err := obex.ReadResponse(conn, true)
	if err != nil {
		t.Fatalf("reading connect response: %v", err)
	}
	if resp.Code != obex.ResponseSuccess {
		t.Fatalf("connect response = %#02x, want success", resp.Code)
	}
}

func setPath(t *testing.T, conn net.Conn, up bool, name string) byte {
	t.Helper()
	var flags byte = 0x02
	if up {
		flags |= obex.SetPathBackup
	}
	var h obex.Headers
	if name != "" {
		h.Set(obex.HeaderName, name)
	}
	if err := obex.WriteSetPathRequest(conn, flags, &h); err != nil {
		t.Fatalf("writing setpath: %v", err)
	}
	resp, err := obex.ReadResponse(conn, false)
	if err != nil {
		t.Fatalf("reading setpath response: %v", err)
	}
	return resp.Code
}

func navigate(t *testing.T, conn net.Conn, path ...string) {
	t.Helper()
	for _, name := range path {
		if code := setPath(t, conn, false, name); code != obex.ResponseSuccess {
			t.Fatalf("setpath %q = %#02x, want success", name, code)
		}
	}
}

// get runs one full GET exchange, following Continue responses.
func get(t *testing.T, conn net.Conn, typ, name string, params *appparams.Params) (byte, *appparams.Params, []byte) {
	t.Helper()
	var h obex.Headers
	h.Set(obex.HeaderConnectionID, uint32(1))
	h.Set(obex.HeaderType, []byte(typ+"\x00"))
	if name != "" {
		h.Set(obex.HeaderName, name)
	}
	if params != nil {
		h.Set(obex.HeaderAppParams, params.Encode())
	}
	if err := obex.WriteRequest(conn, obex.OpGet|0x80, nil, &h); err != nil {
		t.Fatalf("writing get: %v", err)
	}

	var body []byte
	var rp *appparams.Params
	for {
		resp, err := obex.ReadResponse(conn, false)
		if err != nil {
			t.Fatalf("reading get response: %v", err)
		}
		if raw := resp.Headers.Bytes(obex.HeaderAppParams); raw != nil && rp == nil {
			rp, err = appparams.Decode(raw)
			if err != nil {
				t.Fatalf("decoding response params: %v", err)
			}
		}
		body = append(body, resp.Headers.Bytes(obex.HeaderBody)...)
		body = append(body, resp.Headers.Bytes(obex.HeaderEndOfBody)...)
		if resp.Code != obex.ResponseContinue {
			return resp.Code, rp, body
		}
		var next obex.Headers
		next.Set(obex.HeaderConnectionID, uint32(1))
		if err := obex.WriteRequest(conn, obex.OpGet|0x80, nil, &next); err != nil {
			t.Fatalf("writing get continuation: %v", err)
		}
	}
}

// put runs one single-packet PUT exchange.
func put(t *testing.T, conn net.Conn, typ, name string, params *appparams.Params, body []byte) (byte, *obex.Headers) {
	t.Helper()
	var h obex.Headers
	h.Set(obex.HeaderConnectionID, uint32(1))
	h.Set(obex.HeaderType, []byte(typ+"\x00"))
	if name != "" {
		h.Set(obex.HeaderName, name)
	}
	if params != nil {
		h.Set(obex.HeaderAppParams, params.Encode())
	}
	if body != nil {
		h.Set(obex.HeaderEndOfBody, body)
	}
	if err := obex.WriteRequest(conn, obex.OpPut|0x80, nil, &h); err != nil {
		t.Fatalf("writing put: %v", err)
	}
	resp, err := obex.ReadResponse(conn, false)
	if err != nil {
		t.Fatalf("reading put response: %v", err)
	}
	return resp.Code, &resp.Headers
}

func TestConnectRejectsWrongTarget(t *testing.T) {
	conn := dialServer(t, newFakeStore(), Config{SmsMms: true})
	var h obex.Headers
	h.Set(obex.HeaderTarget, []byte{1, 2, 3})
	fields := &obex.ConnectFields{MaxPacketSize: obex.DefaultPacketSize}
	if err := obex.WriteRequest(conn, obex.OpConnect, fields, &h); err != nil {
		t.Fatalf("writing connect: %v", err)
	}
	resp, err := obex.ReadResponse(conn, true)
	if err != nil {
		t.Fatalf("reading connect response: %v", err)
	}
	if resp.Code != obex.ResponseNotAcceptable {
		t.Errorf("connect with wrong target = %#02x, want not acceptable", resp.Code)
	}
}

func TestFolderBrowsing(t *testing.T) {
	conn := dialServer(t, newFakeStore(), Config{SmsMms: true})
	connect(t, conn, obex.DefaultPacketSize)

	if code := setPath(t, conn, true, ""); code != obex.ResponseBadRequest {
		t.Errorf("setpath up from root = %#02x, want bad request", code)
	}
	navigate(t, conn, "telecom", "msg")

	sizeOnly := appparams.New()
	if err := sizeOnly.SetMaxListCount(0); err != nil {
		t.Fatal(err)
	}
	code, rp, _ := get(t, conn, typeFolderListing, "", sizeOnly)
	if code != obex.ResponseSuccess {
		t.Fatalf("folder listing size request = %#02x", code)
	}
	if rp == nil || rp.FolderListingSize != 5 {
		t.Errorf("FolderListingSize = %+v, want 5", rp)
	}

	code, _, body := get(t, conn, typeFolderListing, "", nil)
	if code != obex.ResponseSuccess {
		t.Fatalf("folder listing = %#02x", code)
	}
	for _, want := range []string{`name="inbox"`, `name="outbox"`, `name="draft"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("folder listing missing %s: %s", want, body)
		}
	}

	if code := setPath(t, conn, false, "nope"); code != obex.ResponseBadRequest {
		t.Errorf("setpath to missing folder = %#02x, want bad request", code)
	}
}

func smsRow(id int64, box int, read bool, body string) store.MessageRow {
	return store.MessageRow{
		ID: id, Type: maputil.TypeSmsGsm, ThreadID: 1, Box: box,
		Date: time.Date(2024, 3, 1, 12, 0, 0, int(id), time.UTC),
		Read: read, Address: "+15550001", Body: body,
	}
}

func TestMessageListing(t *testing.T) {
	st := newFakeStore()
	st.rows[maputil.TypeSmsGsm] = []store.MessageRow{
		smsRow(1, store.SmsBoxInbox, false, "first"),
		smsRow(2, store.SmsBoxInbox, true, "second"),
	}
	conn := dialServer(t, st, Config{SmsMms: true})
	connect(t, conn, obex.DefaultPacketSize)
	navigate(t, conn, "telecom", "msg", "inbox")

	code, rp, body := get(t, conn, typeMsgListing, "", nil)
	if code != obex.ResponseSuccess {
		t.Fatalf("message listing = %#02x", code)
	}
	if rp == nil {
		t.Fatal("message listing response carried no parameters")
	}
	if rp.MessageListingSize != 2 {
		t.Errorf("MessageListingSize = %d, want 2", rp.MessageListingSize)
	}
	if rp.NewMessage != 1 {
		t.Errorf("NewMessage = %d, want 1", rp.NewMessage)
	}
	if rp.MseTime.IsZero() {
		t.Error("response missing MSETime")
	}
	handle := maputil.EncodeHandle(1, maputil.TypeSmsGsm)
	if !strings.Contains(string(body), handle) {
		t.Errorf("listing missing handle %s: %s", handle, body)
	}
}

func TestMessageListingSizeOnly(t *testing.T) {
	st := newFakeStore()
	st.rows[maputil.TypeSmsGsm] = []store.MessageRow{smsRow(1, store.SmsBoxInbox, true, "x")}
	conn := dialServer(t, st, Config{SmsMms: true})
	connect(t, conn, obex.DefaultPacketSize)
	navigate(t, conn, "telecom", "msg", "inbox")

	p := appparams.New()
	if err := p.SetMaxListCount(0); err != nil {
		t.Fatal(err)
	}
	code, rp, body := get(t, conn, typeMsgListing, "", p)
	if code != obex.ResponseSuccess {
		t.Fatalf("size-only listing = %#02x", code)
	}
	if rp == nil || rp.MessageListingSize != 1 {
		t.Errorf("MessageListingSize = %+v, want 1", rp)
	}
	if len(body) != 0 {
		t.Errorf("size-only listing returned a body: %q", body)
	}
}

func TestGetMessage(t *testing.T) {
	st := newFakeStore()
	st.rows[maputil.TypeSmsGsm] = []store.MessageRow{smsRow(7, store.SmsBoxInbox, true, "hello there")}
	conn := dialServer(t, st, Config{SmsMms: true})
	connect(t, conn, obex.DefaultPacketSize)

	handle := maputil.EncodeHandle(7, maputil.TypeSmsGsm)
	code, _, body := get(t, conn, typeMessage, handle, nil)
	if code != obex.ResponseSuccess {
		t.Fatalf("get message = %#02x", code)
	}
	text := string(body)
	for _, want := range []string{"BEGIN:BMSG", "hello there", "FOLDER:telecom/msg/inbox", "STATUS:READ"} {
		if !strings.Contains(text, want) {
			t.Errorf("bmessage missing %s:\n%s", want, text)
		}
	}

	missing := maputil.EncodeHandle(99, maputil.TypeSmsGsm)
	code, _, _ = get(t, conn, typeMessage, missing, nil)
	if code != obex.ResponseNotFound {
		t.Errorf("get missing message = %#02x, want not found", code)
	}
}

func TestPushMessage(t *testing.T) {
	st := newFakeStore()
	conn := dialServer(t, st, Config{SmsMms: true})
	connect(t, conn, obex.DefaultPacketSize)
	navigate(t, conn, "telecom", "msg", "outbox")

	m := &bmessage.Message{
		Status:     bmessage.StatusUnread,
		Type:       maputil.TypeSmsGsm,
		Folder:     "telecom/msg/outbox",
		Recipients: []bmessage.VCard{{Tel: "+15550002"}},
		Body:       "on my way",
	}
	code, h := put(t, conn, typeMessage, "", nil, m.Encode())
	if code != obex.ResponseSuccess {
		t.Fatalf("push = %#02x", code)
	}
	name, _ := h.Name()
	if want := maputil.EncodeHandle(42, maputil.TypeSmsGsm); name != want {
		t.Errorf("push returned handle %q, want %q", name, want)
	}
	if len(st.inserted) != 1 {
		t.Fatalf("inserted %d messages, want 1", len(st.inserted))
	}
	got := st.inserted[0]
	if got.Mailbox != store.MailboxOutbox || got.Body != "on my way" {
		t.Errorf("inserted message = %+v", got)
	}
	if len(got.Recipients) != 1 || got.Recipients[0] != "+15550002" {
		t.Errorf("recipients = %v", got.Recipients)
	}
}

func TestPushOutsideOutboxForbidden(t *testing.T) {
	conn := dialServer(t, newFakeStore(), Config{SmsMms: true})
	connect(t, conn, obex.DefaultPacketSize)
	navigate(t, conn, "telecom", "msg", "inbox")

	m := &bmessage.Message{Type: maputil.TypeSmsGsm, Body: "nope"}
	code, _ := put(t, conn, typeMessage, "", nil, m.Encode())
	if code != obex.ResponseForbidden {
		t.Errorf("push into inbox = %#02x, want forbidden", code)
	}
}

func TestPutMessageStatus(t *testing.T) {
	st := newFakeStore()
	conn := dialServer(t, st, Config{SmsMms: true})
	connect(t, conn, obex.DefaultPacketSize)

	handle := maputil.EncodeHandle(9, maputil.TypeSmsGsm)
	p := appparams.New()
	if err := p.SetStatusIndicator(appparams.StatusIndicatorRead); err != nil {
		t.Fatal(err)
	}
	if err := p.SetStatusValue(appparams.StatusValueYes); err != nil {
		t.Fatal(err)
	}
	code, _ := put(t, conn, typeMessageStatus, handle, p, []byte{0x30})
	if code != obex.ResponseSuccess {
		t.Fatalf("status change = %#02x", code)
	}
	if len(st.readSets) != 1 || st.readSets[0] != "SMS_GSM/9/true" {
		t.Errorf("read sets = %v", st.readSets)
	}

	// Missing indicator and value.
	code, _ = put(t, conn, typeMessageStatus, handle, nil, []byte{0x30})
	if code != obex.ResponseBadRequest {
		t.Errorf("status change without params = %#02x, want bad request", code)
	}
}

func TestInstanceInfo(t *testing.T) {
	conn := dialServer(t, newFakeStore(), Config{SmsMms: true, Description: "Phone SMS"})
	connect(t, conn, obex.DefaultPacketSize)

	code, _, body := get(t, conn, typeInstanceInfo, "", nil)
	if code != obex.ResponseSuccess {
		t.Fatalf("instance info = %#02x", code)
	}
	if string(body) != "Phone SMS" {
		t.Errorf("instance info = %q", body)
	}
}

func TestChunkedGet(t *testing.T) {
	st := newFakeStore()
	for i := int64(1); i <= 30; i++ {
		row := smsRow(i, store.SmsBoxInbox, true, "body")
		row.Subject = strings.Repeat("long subject ", 5)
		st.rows[maputil.TypeSmsGsm] = append(st.rows[maputil.TypeSmsGsm], row)
	}
	conn := dialServer(t, st, Config{SmsMms: true})
	connect(t, conn, obex.MinPacketSize)
	navigate(t, conn, "telecom", "msg", "inbox")

	code, _, body := get(t, conn, typeMsgListing, "", nil)
	if code != obex.ResponseSuccess {
		t.Fatalf("chunked listing = %#02x", code)
	}
	text := string(body)
	first := maputil.EncodeHandle(1, maputil.TypeSmsGsm)
	last := maputil.EncodeHandle(30, maputil.TypeSmsGsm)
	if !strings.Contains(text, first) || !strings.Contains(text, last) {
		t.Errorf("reassembled listing missing entries:\n%s", text)
	}
	if !strings.HasSuffix(strings.TrimSpace(text), "</MAP-msg-listing>") {
		t.Errorf("reassembled listing truncated:\n%s", text)
	}
}

func TestGetBeforeConnect(t *testing.T) {
	conn := dialServer(t, newFakeStore(), Config{SmsMms: true})
	code, _, _ := get(t, conn, typeFolderListing, "", nil)
	if code != obex.ResponseBadRequest {
		t.Errorf("get before connect = %#02x, want bad request", code)
	}
}

func TestAbortMidStream(t *testing.T) {
	st := newFakeStore()
	for i := int64(1); i <= 30; i++ {
		row := smsRow(i, store.SmsBoxInbox, true, "body")
		row.Subject = strings.Repeat("long subject ", 5)
		st.rows[maputil.TypeSmsGsm] = append(st.rows[maputil.TypeSmsGsm], row)
	}
	conn := dialServer(t, st, Config{SmsMms: true})
	connect(t, conn, obex.MinPacketSize)
	navigate(t, conn, "telecom", "msg", "inbox")

	var h obex.Headers
	h.Set(obex.HeaderConnectionID, uint32(1))
	h.Set(obex.HeaderType, []byte(typeMsgListing+"\x00"))
	if err := obex.WriteRequest(conn, obex.OpGet|0x80, nil, &h); err != nil {
		t.Fatalf("writing get: %v", err)
	}
	resp, err := obex.ReadResponse(conn, false)
	if err != nil {
		t.Fatalf("reading get response: %v", err)
	}
	if resp.Code != obex.ResponseContinue {
		t.Fatalf("first chunk = %#02x, want continue", resp.Code)
	}

	if err := obex.WriteRequest(conn, obex.OpAbort, nil, nil); err != nil {
		t.Fatalf("writing abort: %v", err)
	}
	resp, err = obex.ReadResponse(conn, false)
	if err != nil {
		t.Fatalf("reading abort response: %v", err)
	}
	if resp.Code != obex.ResponseSuccess {
		t.Errorf("abort = %#02x, want success", resp.Code)
	}

	// The next request starts from scratch.
	code, _, body := get(t, conn, typeFolderListing, "", nil)
	if code != obex.ResponseSuccess {
		t.Fatalf("get after abort = %#02x", code)
	}
	if !strings.Contains(string(body), `name="inbox"`) {
		t.Errorf("listing after abort = %s", body)
	}
}
