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

// The btmapd command runs a Bluetooth Message Access Profile server: it
// registers the MAS profile with BlueZ, serves OBEX sessions against
// the local message store, and delivers event reports to the connected
// device's notification service.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"marmstrong/btmap/internal/content"
	"marmstrong/btmap/internal/homedir"
	"marmstrong/btmap/internal/mapsrv"
	"marmstrong/btmap/internal/mns"
	"marmstrong/btmap/internal/observer"
	"marmstrong/btmap/internal/rfcomm"
	"marmstrong/btmap/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagDB       = flag.String("db", "", "path to the message database (default ~/.btmap.db)")
	flagName     = flag.String("name", "btmap Message Access", "service name registered with BlueZ")
	flagChannel  = flag.Uint("channel", uint(rfcomm.DefaultChannel), "RFCOMM channel for the MAS profile")
	flagInstance = flag.Int64("instance", 0, "MAS instance ID")
	flagAccount  = flag.Int64("account", 0, "provider account ID for email and IM stores")
	flagTypes    = flag.String("types", "sms", "comma-separated message types to serve: sms, email, im")
	flagFeatures = flag.Uint64("features", 0, "peer MapSupportedFeatures mask from SDP")
	flagDesc     = flag.String("description", "", "MAS instance information string")
)

func parseTypes(s string) (sms, email, im bool, err error) {
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "sms":
			sms = true
		case "email":
			email = true
		case "im":
			im = true
		case "":
		default:
			return false, false, false, errors.Errorf("unknown message type %q", part)
		}
	}
	if !sms && !email && !im {
		return false, false, false, errors.New("no message types selected")
	}
	return sms, email, im, nil
}

// serveSession runs one OBEX session, with its own notification client
// dialing back to the device that connected.
func serveSession(ctx context.Context, st store.Store, obs *observer.Observer,
	dialer *rfcomm.Dialer, conn io.ReadWriteCloser, dev rfcomm.Device, cfg mapsrv.Config) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return dialer.Dial(ctx, dev.Path)
	}
	mgr := mns.NewManager(dial, cfg.InstanceID)

	g, sctx := errgroup.WithContext(sctx)
	g.Go(func() error { return mgr.Run(sctx) })
	g.Go(func() error {
		defer cancel()
		srv, err := mapsrv.NewServer(sctx, st, obs, mgr, cfg)
		if err != nil {
			return err
		}
		return srv.Serve(sctx, conn)
	})
	err := g.Wait()
	obs.SetNotifier(nil)
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

func run() error {
	flag.Parse()

	sms, email, im, err := parseTypes(*flagTypes)
	if err != nil {
		return err
	}
	dbPath := *flagDB
	if dbPath == "" {
		dbPath = filepath.Join(homedir.Get(), ".btmap.db")
	}

	ctx := context.Background()
	open := func(ctx context.Context) (store.Store, error) {
		db, err := store.Open(ctx, dbPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	db, err := open(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}
	st := store.NewResilient(db, open)
	defer st.Close()

	cfg := content.Config{SmsMms: sms, Email: email, Im: im, Account: *flagAccount}
	obs := observer.New(st, cfg)

	server, err := rfcomm.NewServer(*flagName, uint8(*flagChannel))
	if err != nil {
		return errors.Wrap(err, "unable to register MAS profile")
	}
	defer server.Close()

	dialer, err := rfcomm.NewDialer()
	if err != nil {
		return errors.Wrap(err, "unable to register MNS client profile")
	}
	defer dialer.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return obs.Run(ctx) })
	g.Go(func() error {
		for {
			conn, dev, err := server.Accept(ctx)
			if err != nil {
				return errors.Wrap(err, "accepting connection")
			}
			log.Printf("session from %s", dev.MAC)
			scfg := mapsrv.Config{
				InstanceID:     *flagInstance,
				AccountID:      *flagAccount,
				Description:    *flagDesc,
				SmsMms:         sms,
				Email:          email,
				Im:             im,
				RemoteFeatures: uint32(*flagFeatures),
			}
			if err := serveSession(ctx, st, obs, dialer, conn, dev, scfg); err != nil {
				log.Printf("session from %s ended: %v", dev.MAC, err)
			} else {
				log.Printf("session from %s closed", dev.MAC)
			}
		}
	})
	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
