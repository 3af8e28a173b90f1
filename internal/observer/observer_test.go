package observer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"marmstrong/btmap/internal/content"
	"marmstrong/btmap/internal/event"
	"marmstrong/btmap/internal/maputil"
	"marmstrong/btmap/internal/store"
)

type memStore struct {
	store.Store
	msgs    map[int64]store.MessageRow
	threads map[int64]store.ThreadRow
	convos  []store.ConvoRow
	deleted []int64
}

func newMemStore() *memStore {
	return &memStore{
		msgs:    map[int64]store.MessageRow{},
		threads: map[int64]store.ThreadRow{},
	}
}

func (m *memStore) QueryMessages(ctx context.Context, t maputil.Type, f store.Filter) ([]store.MessageRow, error) {
	var out []store.MessageRow
	for _, row := range m.msgs {
		if row.Type == t {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memStore) QueryThreads(ctx context.Context, f store.Filter) ([]store.ThreadRow, error) {
	var out []store.ThreadRow
	for _, t := range m.threads {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) QueryConversations(ctx context.Context, f store.Filter) ([]store.ConvoRow, error) {
	return m.convos, nil
}

func (m *memStore) DeleteMessage(ctx context.Context, t maputil.Type, id int64) error {
	delete(m.msgs, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memStore) Close() error { return nil }

type nopNotifier struct{}

func (nopNotifier) SendEvent(ctx context.Context, report []byte) error { return nil }

func newTestObserver(s store.Store, cfg content.Config) *Observer {
	o := New(s, cfg)
	o.SetNotifier(nopNotifier{})
	o.SetReportVersion(event.ReportV12)
	return o
}

// drain pulls every queued report off the event channel.
func drain(o *Observer) []string {
	var out []string
	for {
		select {
		case r := <-o.events:
			out = append(out, string(r))
		default:
			return out
		}
	}
}

func smsRow(id int64, box int, read bool) store.MessageRow {
	return store.MessageRow{
		ID: id, Type: maputil.TypeSmsGsm, ThreadID: 1, Box: box,
		Date: time.Date(2024, 3, 1, 12, 0, 0, int(id), time.UTC),
		Read: read, Address: "+15550001", Body: "hi",
	}
}

func TestScanEmitsNewMessage(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	o := newTestObserver(s, content.Config{SmsMms: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatalf("rebaseline failed: %v", err)
	}
	_, before, _ := o.Counters()

	s.msgs[1] = smsRow(1, store.SmsBoxInbox, false)
	if err := o.scan(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	got := drain(o)
	if len(got) != 1 || !strings.Contains(got[0], `type="NewMessage"`) {
		t.Fatalf("events = %q, want one NewMessage", got)
	}
	handle := maputil.EncodeHandle(1, maputil.TypeSmsGsm)
	if !strings.Contains(got[0], `handle="`+handle+`"`) {
		t.Errorf("event missing handle %s: %s", handle, got[0])
	}
	if !strings.Contains(got[0], `folder="telecom/msg/inbox"`) {
		t.Errorf("event missing folder: %s", got[0])
	}
	_, after, _ := o.Counters()
	if after == before {
		t.Error("folder version counter did not advance")
	}
}

func TestScanIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.msgs[1] = smsRow(1, store.SmsBoxInbox, true)
	o := newTestObserver(s, content.Config{SmsMms: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatalf("rebaseline failed: %v", err)
	}
	_, before, _ := o.Counters()
	if err := o.scan(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if got := drain(o); len(got) != 0 {
		t.Errorf("unchanged store produced events: %q", got)
	}
	if _, after, _ := o.Counters(); after != before {
		t.Error("folder version advanced without a change")
	}
}

func TestDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.msgs[1] = smsRow(1, store.SmsBoxInbox, true)
	o := newTestObserver(s, content.Config{SmsMms: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatal(err)
	}

	row := s.msgs[1]
	row.ThreadID = store.DeletedThreadID
	s.msgs[1] = row
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	got := drain(o)
	if len(got) != 1 || !strings.Contains(got[0], `type="MessageDeleted"`) {
		t.Fatalf("events = %q, want MessageDeleted", got)
	}

	row.ThreadID = 1
	s.msgs[1] = row
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	got = drain(o)
	if len(got) != 1 || !strings.Contains(got[0], `type="MessageShift"`) {
		t.Fatalf("events = %q, want MessageShift on restore", got)
	}
	if !strings.Contains(got[0], `old_folder="telecom/msg/deleted"`) {
		t.Errorf("restore event missing old folder: %s", got[0])
	}
}

func TestPhysicalRemoval(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.msgs[1] = smsRow(1, store.SmsBoxInbox, true)
	o := newTestObserver(s, content.Config{SmsMms: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatal(err)
	}
	delete(s.msgs, 1)
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	got := drain(o)
	if len(got) != 1 || !strings.Contains(got[0], `type="MessageRemoved"`) {
		t.Fatalf("events = %q, want MessageRemoved", got)
	}
}

func TestSuppressHidesClientChanges(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.msgs[1] = smsRow(1, store.SmsBoxInbox, false)
	o := newTestObserver(s, content.Config{SmsMms: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatal(err)
	}
	err := o.Suppress(ctx, func() error {
		row := s.msgs[1]
		row.Read = true
		s.msgs[1] = row
		return nil
	})
	if err != nil {
		t.Fatalf("Suppress failed: %v", err)
	}
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	if got := drain(o); len(got) != 0 {
		t.Errorf("suppressed change produced events: %q", got)
	}
}

func TestReadStatusChangeGatedByVersion(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.msgs[1] = smsRow(1, store.SmsBoxInbox, false)
	o := newTestObserver(s, content.Config{SmsMms: true})
	o.SetReportVersion(event.ReportV10)
	if err := o.rebaseline(ctx); err != nil {
		t.Fatal(err)
	}
	row := s.msgs[1]
	row.Read = true
	s.msgs[1] = row
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	if got := drain(o); len(got) != 0 {
		t.Fatalf("v1.0 session got read-status events: %q", got)
	}

	o.SetReportVersion(event.ReportV11)
	row.Read = false
	s.msgs[1] = row
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	got := drain(o)
	if len(got) != 1 || !strings.Contains(got[0], `type="ReadStatusChanged"`) {
		t.Fatalf("events = %q, want ReadStatusChanged", got)
	}
}

func TestTransparentPushLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	o := newTestObserver(s, content.Config{SmsMms: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatal(err)
	}

	handle := maputil.EncodeHandle(1, maputil.TypeSmsGsm)
	o.ExpectPush(handle, true, false)
	s.msgs[1] = smsRow(1, store.SmsBoxOutbox, true)
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	if got := drain(o); len(got) != 0 {
		t.Fatalf("client push echoed back as events: %q", got)
	}

	row := s.msgs[1]
	row.Box = store.SmsBoxSent
	s.msgs[1] = row
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	got := drain(o)
	if len(got) != 1 || !strings.Contains(got[0], `type="SendingSuccess"`) {
		t.Fatalf("events = %q, want SendingSuccess", got)
	}
	if len(s.deleted) != 1 || s.deleted[0] != 1 {
		t.Errorf("transparent message not deleted after send: %v", s.deleted)
	}

	// The cleanup delete is internal; observing it must stay silent.
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	if got := drain(o); len(got) != 0 {
		t.Fatalf("transparent delete echoed back as events: %q", got)
	}
}

func TestConversationChangedAndVersion(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.threads[5] = store.ThreadRow{ID: 5, Date: time.Unix(1000, 0), Read: true}
	o := newTestObserver(s, content.Config{SmsMms: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatal(err)
	}
	_, _, before := o.Counters()

	s.threads[5] = store.ThreadRow{ID: 5, Date: time.Unix(2000, 0), Read: false}
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	got := drain(o)
	if len(got) != 1 || !strings.Contains(got[0], `type="ConversationChanged"`) {
		t.Fatalf("events = %q, want ConversationChanged", got)
	}
	if _, _, after := o.Counters(); after == before {
		t.Error("conversation version counter did not advance")
	}
}

func TestParticipantPresenceAndChatState(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.convos = []store.ConvoRow{{
		ID: 7, Name: "team", LastActivity: time.Unix(1000, 0), Read: true,
		ContactUCI: "alice@x", ContactName: "Alice", Presence: 1, ChatState: 0,
	}}
	o := newTestObserver(s, content.Config{Im: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatal(err)
	}

	s.convos[0].Presence = 3
	s.convos[0].ChatState = 2
	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	got := strings.Join(drain(o), "\n")
	if !strings.Contains(got, `type="ParticipantPresenceChanged"`) {
		t.Errorf("missing presence event: %s", got)
	}
	if !strings.Contains(got, `type="ParticipantChatStateChanged"`) {
		t.Errorf("missing chat-state event: %s", got)
	}
	if !strings.Contains(got, `participant_uci="alice@x"`) {
		t.Errorf("missing participant uci: %s", got)
	}
}

func TestReportSendAndDeliveryResults(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	o := newTestObserver(s, content.Config{SmsMms: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatal(err)
	}

	handle := maputil.EncodeHandle(4, maputil.TypeSmsGsm)
	o.ReportSendResult(handle, false)
	o.ReportDeliveryResult(handle, true)
	got := strings.Join(drain(o), "\n")
	if !strings.Contains(got, `type="SendingFailure"`) {
		t.Errorf("missing sending failure: %s", got)
	}
	if !strings.Contains(got, `type="DeliverySuccess"`) {
		t.Errorf("missing delivery success: %s", got)
	}
	if !strings.Contains(got, `handle="`+handle+`"`) {
		t.Errorf("missing handle %s: %s", handle, got)
	}
}

// gatedStore parks one QueryMessages call after it has read its rows,
// holding a scan in the middle of its snapshot.
type gatedStore struct {
	*memStore
	mu      sync.Mutex
	started chan struct{}
	release chan struct{}
}

func (g *gatedStore) QueryMessages(ctx context.Context, t maputil.Type, f store.Filter) ([]store.MessageRow, error) {
	rows, err := g.memStore.QueryMessages(ctx, t, f)
	g.mu.Lock()
	started, release := g.started, g.release
	g.started, g.release = nil, nil
	g.mu.Unlock()
	if started != nil {
		close(started)
		<-release
	}
	return rows, err
}

func TestScanDiscardsStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.msgs[1] = smsRow(1, store.SmsBoxInbox, false)
	g := &gatedStore{memStore: s}
	o := newTestObserver(g, content.Config{SmsMms: true})
	if err := o.rebaseline(ctx); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	g.mu.Lock()
	g.started, g.release = started, release
	g.mu.Unlock()

	scanDone := make(chan error, 1)
	go func() { scanDone <- o.scan(ctx) }()
	<-started

	// A client write lands while the scan holds its snapshot.
	err := o.Suppress(ctx, func() error {
		row := s.msgs[1]
		row.Read = true
		s.msgs[1] = row
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-scanDone; err != nil {
		t.Fatal(err)
	}

	if err := o.scan(ctx); err != nil {
		t.Fatal(err)
	}
	if got := drain(o); len(got) != 0 {
		t.Fatalf("suppressed change echoed back as events: %q", got)
	}
}
