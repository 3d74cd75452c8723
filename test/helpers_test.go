// Copyright 2016-2022 The Wren Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package test

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"

	wren "github.com/wren-io/wren.go"
)

// TEST_PORT is the port the embedded broker listens on for this package.
const TEST_PORT = 8368

// RunDefaultServer starts an embedded broker on the default test port.
func RunDefaultServer() *server.Server {
	return RunServerOnPort(TEST_PORT)
}

// RunServerOnPort starts an embedded broker on the given port, -1 picks a
// random free port.
func RunServerOnPort(port int) *server.Server {
	opts := natsserver.DefaultTestOptions
	opts.Port = port
	return RunServerWithOptions(&opts)
}

// RunServerWithOptions starts an embedded broker with the given options.
func RunServerWithOptions(opts *server.Options) *server.Server {
	return natsserver.RunServer(opts)
}

// NewDefaultConnection connects to the default test broker.
func NewDefaultConnection(t *testing.T) *wren.Conn {
	t.Helper()
	return NewConnection(t, TEST_PORT)
}

// NewConnection connects to the broker on the given port.
func NewConnection(t *testing.T, port int) *wren.Conn {
	t.Helper()
	url := fmt.Sprintf("nats://127.0.0.1:%d", port)
	nc, err := wren.Connect(url)
	if err != nil {
		t.Fatalf("Failed to create default connection: %v\n", err)
	}
	return nc
}

// waitFor polls f until it returns nil or totalWait elapses.
func waitFor(t *testing.T, totalWait, sleepDur time.Duration, f func() error) {
	t.Helper()
	timeout := time.Now().Add(totalWait)
	var err error
	for time.Now().Before(timeout) {
		err = f()
		if err == nil {
			return
		}
		time.Sleep(sleepDur)
	}
	if err != nil {
		t.Fatal(err.Error())
	}
}
