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
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	wren "github.com/wren-io/wren.go"
)

func TestSimplePublishSubscribe(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	sub, err := nc.SubscribeSync("foo")
	if err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}
	if err := nc.Publish("foo", []byte("Hello World")); err != nil {
		t.Fatalf("Error publishing: %v", err)
	}
	msg, err := sub.NextMsg(1 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg failed: %v", err)
	}
	if string(msg.Data) != "Hello World" || len(msg.Data) != 11 {
		t.Fatalf("Received unexpected message: %q", msg.Data)
	}
	if msg.Subject != "foo" {
		t.Fatalf("Received unexpected subject: %q", msg.Subject)
	}
}

func TestPublishRequestCarriesReply(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	sub, err := nc.SubscribeSync("foo")
	if err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}
	if err := nc.PublishRequest("foo", "bar", []byte("hello")); err != nil {
		t.Fatalf("Error publishing request: %v", err)
	}
	msg, err := sub.NextMsg(1 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg failed: %v", err)
	}
	if msg.Reply != "bar" {
		t.Fatalf("Expected reply %q, got %q", "bar", msg.Reply)
	}
}

func TestAsyncSubscribe(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	omsg := []byte("Hello World")
	received := make(chan *wren.Msg, 1)
	_, err := nc.Subscribe("foo", func(m *wren.Msg) {
		received <- m
	})
	if err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}
	if err := nc.Publish("foo", omsg); err != nil {
		t.Fatalf("Error publishing: %v", err)
	}
	select {
	case m := <-received:
		if !bytes.Equal(m.Data, omsg) {
			t.Fatalf("Message received does not match")
		}
		if m.Sub == nil {
			t.Fatalf("Message does not carry its subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Message handler not invoked")
	}
}

func TestPublishOrderingWithFlush(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	total := 100
	seq := make(chan int, total)
	_, err := nc.Subscribe("seq", func(m *wren.Msg) {
		var n int
		fmt.Sscanf(string(m.Data), "%d", &n)
		seq <- n
	})
	if err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}

	for i := 0; i < total; i++ {
		nc.Publish("seq", []byte(fmt.Sprintf("%d", i)))
	}
	// A successful flush means the server has seen everything published
	// before it.
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	for i := 0; i < total; i++ {
		select {
		case n := <-seq:
			if n != i {
				t.Fatalf("Out of order delivery: expected %d, got %d", i, n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Missing message %d", i)
		}
	}
}

func TestQueueSubscriberBalance(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	var r1, r2 int32
	if _, err := nc.QueueSubscribe("foo", "bar", func(*wren.Msg) { atomic.AddInt32(&r1, 1) }); err != nil {
		t.Fatalf("Error creating queue subscription: %v", err)
	}
	if _, err := nc.QueueSubscribe("foo", "bar", func(*wren.Msg) { atomic.AddInt32(&r2, 1) }); err != nil {
		t.Fatalf("Error creating queue subscription: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	total := int32(1000)
	for i := int32(0); i < total; i++ {
		nc.Publish("foo", []byte("ping"))
	}
	nc.Flush()

	waitFor(t, 5*time.Second, 50*time.Millisecond, func() error {
		if n := atomic.LoadInt32(&r1) + atomic.LoadInt32(&r2); n != total {
			return fmt.Errorf("Expected %d messages across the group, got %d", total, n)
		}
		return nil
	})

	v1 := atomic.LoadInt32(&r1)
	v2 := atomic.LoadInt32(&r2)
	if d := v1 - total/2; d < -150 || d > 150 {
		t.Fatalf("Poor balance, subscriber 1 got %d of %d", v1, total)
	}
	if v1+v2 != total {
		t.Fatalf("Queue group dropped or duplicated: %d + %d != %d", v1, v2, total)
	}
}

func TestRequestReply(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	if _, err := nc.Subscribe("helper", func(m *wren.Msg) {
		m.Respond([]byte("I will help you"))
	}); err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}

	msg, err := nc.Request("helper", []byte("help"), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(msg.Data) != "I will help you" {
		t.Fatalf("Unexpected response: %q", msg.Data)
	}
}

func TestRequestTimeout(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	if _, err := nc.Request("nobody.home", nil, 100*time.Millisecond); err != wren.ErrTimeout {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestRequestCorrelation(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	// Echo responder.
	if _, err := nc.Subscribe("echo", func(m *wren.Msg) {
		m.Respond(m.Data)
	}); err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// 100 concurrent requests with distinct payloads, each response must
	// match its request.
	var wg sync.WaitGroup
	errCh := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("request-%d", i))
			resp, err := nc.Request("echo", payload, 5*time.Second)
			if err != nil {
				errCh <- fmt.Errorf("request %d: %v", i, err)
				return
			}
			if !bytes.Equal(resp.Data, payload) {
				errCh <- fmt.Errorf("request %d: cross-talk, got %q", i, resp.Data)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err.Error())
	}
}

func TestOldRequestStyle(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()

	nc, err := wren.Connect(fmt.Sprintf("nats://127.0.0.1:%d", TEST_PORT), wren.UseOldRequestStyle())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer nc.Close()

	if _, err := nc.Subscribe("echo", func(m *wren.Msg) {
		m.Respond(m.Data)
	}); err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}

	resp, err := nc.Request("echo", []byte("old style"), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(resp.Data) != "old style" {
		t.Fatalf("Unexpected response: %q", resp.Data)
	}
}

func TestRoundTripIdentity(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	subjects := []string{"a", "foo.bar", "ABC-123.#!~"}
	sizes := []int{0, 1, 10, 1024, 65536}

	for _, subj := range subjects {
		sub, err := nc.SubscribeSync(subj)
		if err != nil {
			t.Fatalf("Error creating subscription on %q: %v", subj, err)
		}
		for _, size := range sizes {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i)
			}
			if err := nc.Publish(subj, payload); err != nil {
				t.Fatalf("Publish %q/%d failed: %v", subj, size, err)
			}
			msg, err := sub.NextMsg(2 * time.Second)
			if err != nil {
				t.Fatalf("NextMsg %q/%d failed: %v", subj, size, err)
			}
			if msg.Subject != subj {
				t.Fatalf("Subject mangled: %q vs %q", msg.Subject, subj)
			}
			if !bytes.Equal(msg.Data, payload) {
				t.Fatalf("Payload not byte identical for %q/%d", subj, size)
			}
		}
		sub.Unsubscribe()
	}
}

func TestStats(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	data := []byte("The quick brown fox jumped over the lazy dog")
	iter := 10

	for i := 0; i < iter; i++ {
		nc.Publish("foo", data)
	}
	if stats := nc.Stats(); stats.OutMsgs != uint64(iter) || stats.OutBytes != uint64(iter*len(data)) {
		t.Fatalf("Unexpected outbound stats: %+v", stats)
	}

	sub, _ := nc.SubscribeSync("foo")
	nc.Flush()
	nc.Publish("foo", data)
	if _, err := sub.NextMsg(time.Second); err != nil {
		t.Fatalf("NextMsg failed: %v", err)
	}
	if stats := nc.Stats(); stats.InMsgs != 1 || stats.InBytes != uint64(len(data)) {
		t.Fatalf("Unexpected inbound stats: %+v", stats)
	}
}

func TestNextMsgTimeout(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	sub, err := nc.SubscribeSync("foo")
	if err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}
	start := time.Now()
	if _, err := sub.NextMsg(100 * time.Millisecond); err != wren.ErrTimeout {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("NextMsg blocked too long: %v", elapsed)
	}
}

func TestNextMsgOnAsyncSub(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	sub, err := nc.Subscribe("foo", func(*wren.Msg) {})
	if err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}
	if _, err := sub.NextMsg(time.Second); err != wren.ErrSyncSubRequired {
		t.Fatalf("Expected ErrSyncSubRequired, got %v", err)
	}
}

func TestNoEcho(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()

	nc, err := wren.Connect(fmt.Sprintf("nats://127.0.0.1:%d", TEST_PORT), wren.NoEcho())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer nc.Close()

	received := int32(0)
	if _, err := nc.Subscribe("foo", func(*wren.Msg) {
		atomic.AddInt32(&received, 1)
	}); err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}
	nc.Publish("foo", []byte("self"))
	nc.Flush()
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&received); n != 0 {
		t.Fatalf("Received %d of our own messages with NoEcho set", n)
	}
}
