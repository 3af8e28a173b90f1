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

// Package folder models the MAP virtual folder tree: the fixed
// telecom/msg skeleton, the mandatory message folders and any dynamic
// folders mirrored from an email provider. Lookup is case-insensitive;
// child order is creation order.
package folder

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/pkg/errors"
)

// Mandatory folder names.
const (
	NameInbox   = "inbox"
	NameOutbox  = "outbox"
	NameSent    = "sent"
	NameDeleted = "deleted"
	NameDraft   = "draft"
)

// NoFolderID marks folders that are not backed by a provider row.
const NoFolderID = int64(-1)

// Element is one node in the folder tree.
type Element struct {
	name     string
	parent   *Element
	children []*Element

	hasSmsMms bool
	hasEmail  bool
	hasIm     bool

	folderID int64

	// ignore widens a listing query to the whole tree; it is the only
	// mutable field after construction.
	ignore bool
}

// NewRoot returns an empty tree root. The root's name never appears in
// paths.
func NewRoot() *Element {
	return &Element{name: "root", folderID: NoFolderID}
}

func (e *Element) Name() string     { return e.name }
func (e *Element) Parent() *Element { return e.parent }
func (e *Element) HasSmsMms() bool  { return e.hasSmsMms }
func (e *Element) HasEmail() bool   { return e.hasEmail }
func (e *Element) HasIm() bool      { return e.hasIm }
func (e *Element) FolderID() int64  { return e.folderID }
func (e *Element) Ignore() bool     { return e.ignore }

// SetIgnore flips the transient wide-scope flag used for handle and
// conversation filtered listings.
func (e *Element) SetIgnore(v bool) { e.ignore = v }

// ChildCount returns the number of immediate children.
func (e *Element) ChildCount() int { return len(e.children) }

func (e *Element) addChild(name string, id int64) *Element {
	c := &Element{
		name:     name,
		parent:   e,
		folderID: id,
		// Content capability flags propagate top-down.
		hasSmsMms: e.hasSmsMms,
		hasEmail:  e.hasEmail,
		hasIm:     e.hasIm,
	}
	e.children = append(e.children, c)
	return c
}

// AddFolder adds a plain child folder inheriting this node's capability
// flags.
func (e *Element) AddFolder(name string) *Element {
	return e.addChild(name, NoFolderID)
}

// AddSmsMmsFolder adds a child that may contain SMS and MMS messages.
func (e *Element) AddSmsMmsFolder(name string) *Element {
	c := e.addChild(name, NoFolderID)
	c.hasSmsMms = true
	return c
}

// AddImFolder adds a provider-backed child that may contain IM messages.
func (e *Element) AddImFolder(name string, id int64) *Element {
	c := e.addChild(name, id)
	c.hasIm = true
	return c
}

// AddEmailFolder adds a provider-backed child that may contain email.
func (e *Element) AddEmailFolder(name string, id int64) *Element {
	c := e.addChild(name, id)
	c.hasEmail = true
	return c
}

// SubFolder finds an immediate child by case-insensitive name.
func (e *Element) SubFolder(name string) *Element {
	for _, c := range e.children {
		if strings.EqualFold(c.name, name) {
			return c
		}
	}
	return nil
}

// FolderByName finds the first folder matching name anywhere below this
// node, depth first. Used for well-known folders such as "deleted".
func (e *Element) FolderByName(name string) *Element {
	for _, c := range e.children {
		if strings.EqualFold(c.name, name) {
			return c
		}
		if f := c.FolderByName(name); f != nil {
			return f
		}
	}
	return nil
}

// FolderByID finds the provider-backed folder with the given external ID.
func (e *Element) FolderByID(id int64) *Element {
	if e.folderID == id && id != NoFolderID {
		return e
	}
	for _, c := range e.children {
		if f := c.FolderByID(id); f != nil {
			return f
		}
	}
	return nil
}

// Root walks up to the tree root.
func (e *Element) Root() *Element {
	r := e
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// FullPath returns the slash-joined path from below the root to this node.
func (e *Element) FullPath() string {
	if e.parent == nil {
		return ""
	}
	var parts []string
	for n := e; n.parent != nil; n = n.parent {
		parts = append(parts, n.name)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
		if i > 0 {
			b.WriteByte('/')
		}
	}
	return b.String()
}

// Navigate applies one SETPATH step: up to the parent, back to the root
// for an empty name, or down into a named child.
func (e *Element) Navigate(up bool, name string) (*Element, error) {
	cur := e
	if up {
		if cur.parent == nil {
			return nil, errors.New("folder: cannot navigate above the root")
		}
		cur = cur.parent
	}
	if name == "" {
		if up {
			return cur, nil
		}
		return cur.Root(), nil
	}
	next := cur.SubFolder(name)
	if next == nil {
		return nil, errors.Errorf("folder: no subfolder %q in %q", name, cur.name)
	}
	return next, nil
}

type listingEntry struct {
	XMLName xml.Name `xml:"folder"`
	Name    string   `xml:"name,attr"`
}

type listing struct {
	XMLName xml.Name       `xml:"folder-listing"`
	Version string         `xml:"version,attr"`
	Folders []listingEntry `xml:"folder"`
}

// Encode produces the OBEX folder-listing XML document for the immediate
// children window [offset, offset+count).
func (e *Element) Encode(offset, count int) ([]byte, error) {
	l := listing{Version: "1.0"}
	for i := offset; i < offset+count && i < len(e.children); i++ {
		if i < 0 {
			continue
		}
		l.Folders = append(l.Folders, listingEntry{Name: e.children[i].name})
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(l); err != nil {
		return nil, errors.Wrap(err, "folder: encoding listing")
	}
	if err := enc.Flush(); err != nil {
		return nil, errors.Wrap(err, "folder: encoding listing")
	}
	return buf.Bytes(), nil
}

// ProviderFolder is one dynamic folder row from the email provider.
type ProviderFolder struct {
	ID       int64
	ParentID int64
	Name     string
}

// Config selects which message types the tree serves.
type Config struct {
	SmsMms bool
	Email  bool
	Im     bool
}

// BuildTree constructs the session folder tree: root → telecom → msg →
// the mandatory folders, with draft added for SMS/MMS and IM, and any
// provider folders mirrored beneath msg by parent linkage.
func BuildTree(cfg Config, provider []ProviderFolder) *Element {
	root := NewRoot()
	telecom := root.AddFolder("telecom")
	msg := telecom.AddFolder("msg")
	msg.hasSmsMms = cfg.SmsMms
	msg.hasEmail = cfg.Email
	msg.hasIm = cfg.Im

	msg.AddFolder(NameInbox)
	msg.AddFolder(NameOutbox)
	msg.AddFolder(NameSent)
	msg.AddFolder(NameDeleted)
	if cfg.SmsMms || cfg.Im {
		msg.AddFolder(NameDraft)
	}

	if cfg.Email && len(provider) > 0 {
		mirrorProviderFolders(msg, provider, 0, map[int64]bool{})
	}
	return root
}

// mirrorProviderFolders attaches the provider folders whose parent is
// parentID. A provider could hand back a cyclic parent graph; folders
// already expanded on this branch are skipped.
func mirrorProviderFolders(under *Element, provider []ProviderFolder, parentID int64, seen map[int64]bool) {
	for _, pf := range provider {
		if pf.ParentID != parentID || seen[pf.ID] {
			continue
		}
		seen[pf.ID] = true
		var child *Element
		if existing := under.SubFolder(pf.Name); existing != nil {
			// Mandatory folders double as provider folders; adopt
			// the provider ID instead of duplicating the node.
			existing.folderID = pf.ID
			existing.hasEmail = true
			child = existing
		} else {
			child = under.AddEmailFolder(pf.Name, pf.ID)
		}
		mirrorProviderFolders(child, provider, pf.ID, seen)
		delete(seen, pf.ID)
	}
}
