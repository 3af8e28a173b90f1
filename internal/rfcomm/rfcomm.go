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

// Package rfcomm brings up the Bluetooth transport through BlueZ: it
// registers an org.bluez.Profile1 object for the Message Access Service
// and hands accepted RFCOMM sockets to the session layer, and it dials
// the peer's Message Notification Service for outgoing event reports.
package rfcomm

import "strings"

// Service UUIDs for profile registration and outgoing connections.
const (
	MASUUID = "00001132-0000-1000-8000-00805f9b34fb"
	MNSUUID = "00001133-0000-1000-8000-00805f9b34fb"
)

// DefaultChannel is the RFCOMM channel the MAS profile registers on.
const DefaultChannel uint8 = 4

// Device identifies the remote end of an accepted connection.
type Device struct {
	Path string // BlueZ Device1 object path
	MAC  string
}

// macFromPath recovers the device address from a BlueZ object path of
// the form .../dev_XX_XX_XX_XX_XX_XX.
func macFromPath(p string) string {
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}
