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

//go:build !linux

package rfcomm

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// BlueZ is linux-only; other platforms get stubs so the rest of the
// tree still builds.

type Server struct{}

func NewServer(serviceName string, channel uint8) (*Server, error) {
	return nil, errors.New("rfcomm: unsupported platform")
}

func (s *Server) Accept(ctx context.Context) (io.ReadWriteCloser, Device, error) {
	return nil, Device{}, errors.New("rfcomm: unsupported platform")
}

func (s *Server) Close() error { return nil }

type Dialer struct{}

func NewDialer() (*Dialer, error) {
	return nil, errors.New("rfcomm: unsupported platform")
}

func (d *Dialer) Dial(ctx context.Context, devicePath string) (io.ReadWriteCloser, error) {
	return nil, errors.New("rfcomm: unsupported platform")
}

func (d *Dialer) Close() error { return nil }
