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
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"marmstrong/btmap/internal/maputil"
)

// providerTimeout caps every store call. A provider that stalls longer
// than this is treated as unavailable.
const providerTimeout = 20 * time.Second

// OpenFunc re-acquires the underlying store after a transient failure.
type OpenFunc func(ctx context.Context) (Store, error)

// Resilient wraps a Store with a per-call watchdog and a single
// reopen-and-retry on ErrUnavailable. Everything else propagates as is.
type Resilient struct {
	mu   sync.Mutex
	open OpenFunc
	s    Store
}

var _ Store = (*Resilient)(nil)

// NewResilient wraps s, using open to replace it when a call reports
// the store unavailable.
func NewResilient(s Store, open OpenFunc) *Resilient {
	return &Resilient{open: open, s: s}
}

func (r *Resilient) current() Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}

func (r *Resilient) reopen(ctx context.Context, broken Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s != broken {
		// Another caller already replaced it.
		return nil
	}
	if err := r.s.Close(); err != nil {
		log.Printf("closing unavailable store: %v", err)
	}
	s, err := r.open(ctx)
	if err != nil {
		return errors.Wrap(err, "reopening store")
	}
	r.s = s
	return nil
}

func (r *Resilient) do(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	s := r.current()
	cctx, cancel := context.WithTimeout(ctx, providerTimeout)
	err := fn(cctx, s)
	cancel()
	if err == nil || errors.Cause(err) != ErrUnavailable {
		return err
	}
	log.Printf("store unavailable, reopening and retrying: %v", err)
	if rerr := r.reopen(ctx, s); rerr != nil {
		return rerr
	}
	cctx, cancel = context.WithTimeout(ctx, providerTimeout)
	defer cancel()
	return fn(cctx, r.current())
}

func (r *Resilient) QueryMessages(ctx context.Context, t maputil.Type, f Filter) ([]MessageRow, error) {
	var out []MessageRow
	err := r.do(ctx, func(ctx context.Context, s Store) error {
		var err error
		out, err = s.QueryMessages(ctx, t, f)
		return err
	})
	return out, err
}

func (r *Resilient) CountMessages(ctx context.Context, t maputil.Type, f Filter) (int, int, error) {
	var total, unread int
	err := r.do(ctx, func(ctx context.Context, s Store) error {
		var err error
		total, unread, err = s.CountMessages(ctx, t, f)
		return err
	})
	return total, unread, err
}

func (r *Resilient) GetMessage(ctx context.Context, t maputil.Type, id int64) (*MessageRow, error) {
	var out *MessageRow
	err := r.do(ctx, func(ctx context.Context, s Store) error {
		var err error
		out, err = s.GetMessage(ctx, t, id)
		return err
	})
	return out, err
}

func (r *Resilient) QueryThreads(ctx context.Context, f Filter) ([]ThreadRow, error) {
	var out []ThreadRow
	err := r.do(ctx, func(ctx context.Context, s Store) error {
		var err error
		out, err = s.QueryThreads(ctx, f)
		return err
	})
	return out, err
}

func (r *Resilient) QueryConversations(ctx context.Context, f Filter) ([]ConvoRow, error) {
	var out []ConvoRow
	err := r.do(ctx, func(ctx context.Context, s Store) error {
		var err error
		out, err = s.QueryConversations(ctx, f)
		return err
	})
	return out, err
}

func (r *Resilient) QueryFolders(ctx context.Context, account int64) ([]FolderRow, error) {
	var out []FolderRow
	err := r.do(ctx, func(ctx context.Context, s Store) error {
		var err error
		out, err = s.QueryFolders(ctx, account)
		return err
	})
	return out, err
}

func (r *Resilient) ResolveRecipients(ctx context.Context, recipientIDs string) ([]Contact, error) {
	var out []Contact
	err := r.do(ctx, func(ctx context.Context, s Store) error {
		var err error
		out, err = s.ResolveRecipients(ctx, recipientIDs)
		return err
	})
	return out, err
}

func (r *Resilient) SetRead(ctx context.Context, t maputil.Type, id int64, read bool) error {
	return r.do(ctx, func(ctx context.Context, s Store) error {
		return s.SetRead(ctx, t, id, read)
	})
}

func (r *Resilient) SetDeleted(ctx context.Context, t maputil.Type, id int64, deleted bool, deletedFolderID int64) error {
	return r.do(ctx, func(ctx context.Context, s Store) error {
		return s.SetDeleted(ctx, t, id, deleted, deletedFolderID)
	})
}

func (r *Resilient) MoveMessage(ctx context.Context, t maputil.Type, id int64, m Mailbox, folderID int64) error {
	return r.do(ctx, func(ctx context.Context, s Store) error {
		return s.MoveMessage(ctx, t, id, m, folderID)
	})
}

func (r *Resilient) DeleteMessage(ctx context.Context, t maputil.Type, id int64) error {
	return r.do(ctx, func(ctx context.Context, s Store) error {
		return s.DeleteMessage(ctx, t, id)
	})
}

func (r *Resilient) InsertMessage(ctx context.Context, msg *NewMessage) (int64, error) {
	var id int64
	err := r.do(ctx, func(ctx context.Context, s Store) error {
		var err error
		id, err = s.InsertMessage(ctx, msg)
		return err
	})
	return id, err
}

func (r *Resilient) UpdateFolder(ctx context.Context, account, folderID int64) error {
	return r.do(ctx, func(ctx context.Context, s Store) error {
		return s.UpdateFolder(ctx, account, folderID)
	})
}

func (r *Resilient) SetOwnerStatus(ctx context.Context, account int64, status OwnerStatus) error {
	return r.do(ctx, func(ctx context.Context, s Store) error {
		return s.SetOwnerStatus(ctx, account, status)
	})
}

func (r *Resilient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.Close()
}
