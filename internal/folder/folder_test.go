package folder

import (
	"strings"
	"testing"
)

func buildDefault() *Element {
	return BuildTree(Config{SmsMms: true, Im: true}, nil)
}

func msgFolder(t *testing.T, root *Element) *Element {
	t.Helper()
	msg := root.FolderByName("msg")
	if msg == nil {
		t.Fatal("tree has no msg folder")
	}
	return msg
}

func TestConstructionOrder(t *testing.T) {
	msg := msgFolder(t, buildDefault())
	want := []string{"inbox", "outbox", "sent", "deleted", "draft"}
	if msg.ChildCount() != len(want) {
		t.Fatalf("msg has %d children, want %d", msg.ChildCount(), len(want))
	}
	for i, name := range want {
		if got := msg.children[i].Name(); got != name {
			t.Errorf("child %d = %q, want %q", i, got, name)
		}
	}
}

func TestEncodeWindow(t *testing.T) {
	msg := msgFolder(t, buildDefault())
	out, err := msg.Encode(1, 2)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	s := string(out)
	for _, name := range []string{"outbox", "sent"} {
		if !strings.Contains(s, `name="`+name+`"`) {
			t.Errorf("listing missing %q: %s", name, s)
		}
	}
	for _, name := range []string{"inbox", "deleted", "draft"} {
		if strings.Contains(s, `name="`+name+`"`) {
			t.Errorf("listing should not contain %q: %s", name, s)
		}
	}
}

func TestEncodeWindowBeyondEnd(t *testing.T) {
	msg := msgFolder(t, buildDefault())
	out, err := msg.Encode(100, 10)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if strings.Contains(string(out), "<folder ") {
		t.Errorf("listing beyond end should be empty: %s", out)
	}
}

func TestCaseInsensitiveLookup(t *testing.T) {
	root := buildDefault()
	msg := msgFolder(t, root)
	if msg.SubFolder("InBoX") == nil {
		t.Error("SubFolder(InBoX) = nil, want inbox")
	}
	if root.FolderByName("DELETED") == nil {
		t.Error("FolderByName(DELETED) = nil, want deleted")
	}
}

func TestFullPath(t *testing.T) {
	root := buildDefault()
	inbox := root.FolderByName("inbox")
	if got := inbox.FullPath(); got != "telecom/msg/inbox" {
		t.Errorf("FullPath = %q, want telecom/msg/inbox", got)
	}
	if got := root.FullPath(); got != "" {
		t.Errorf("root FullPath = %q, want empty", got)
	}
}

func TestNavigate(t *testing.T) {
	root := buildDefault()

	cur, err := root.Navigate(false, "telecom")
	if err != nil {
		t.Fatalf("Navigate(telecom) failed: %v", err)
	}
	cur, err = cur.Navigate(false, "msg")
	if err != nil {
		t.Fatalf("Navigate(msg) failed: %v", err)
	}
	if _, err := cur.Navigate(false, "nosuch"); err == nil {
		t.Error("Navigate to missing child succeeded, want error")
	}
	back, err := cur.Navigate(true, "")
	if err != nil || back.Name() != "telecom" {
		t.Errorf("Navigate(up) = %v, %v, want telecom", back, err)
	}
	reset, err := cur.Navigate(false, "")
	if err != nil || reset != root {
		t.Errorf("Navigate(root) = %v, %v, want tree root", reset, err)
	}
	if _, err := root.Navigate(true, ""); err == nil {
		t.Error("Navigate up from root succeeded, want error")
	}
}

func TestProviderMirrorAndLookupByID(t *testing.T) {
	provider := []ProviderFolder{
		{ID: 1, ParentID: 0, Name: "inbox"},
		{ID: 2, ParentID: 1, Name: "archive"},
		{ID: 3, ParentID: 0, Name: "lists"},
	}
	root := BuildTree(Config{Email: true}, provider)
	archive := root.FolderByID(2)
	if archive == nil {
		t.Fatal("FolderByID(2) = nil, want archive")
	}
	if got := archive.FullPath(); got != "telecom/msg/inbox/archive" {
		t.Errorf("archive path = %q", got)
	}
	inbox := root.FolderByName("inbox")
	if inbox.FolderID() != 1 {
		t.Errorf("mandatory inbox should adopt provider ID 1, got %d", inbox.FolderID())
	}
	if !archive.HasEmail() {
		t.Error("provider folder should carry the email capability flag")
	}
}

func TestProviderCycleDoesNotLoop(t *testing.T) {
	provider := []ProviderFolder{
		{ID: 1, ParentID: 0, Name: "a"},
		{ID: 2, ParentID: 1, Name: "b"},
		{ID: 1, ParentID: 2, Name: "a"}, // cycle back to 1
	}
	root := BuildTree(Config{Email: true}, provider)
	if root.FolderByID(2) == nil {
		t.Error("folder 2 missing from mirrored tree")
	}
}
