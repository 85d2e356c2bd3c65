package com

import (
	"sync"
	"sync/atomic"
	"testing"
)

type testClient struct {
	id     Uid
	closed int32
}

func (t *testClient) Id() Uid { return t.id }
func (t *testClient) Close()  { atomic.AddInt32(&t.closed, 1) }

func TestPointerValue(t *testing.T) {
	m := NewNetMap[*testClient]()
	c := testClient{id: NewUid()}
	m.Add(&c)
	fc, err := m.Find(c.id)
	if err != nil {
		t.Fatalf("not found: %v", err)
	}
	atomic.AddInt32(&c.closed, 100)
	if fc.closed != c.closed {
		t.Errorf("not expected change, o: %v != %v", c.closed, fc.closed)
	}
}

func TestFindEmptyKey(t *testing.T) {
	m := NewMap[string, int]()
	m.Put("", 1)
	if _, err := m.Find(""); err != ErrNotFound {
		t.Errorf("expected not found for an empty key, got %v", err)
	}
}

func TestPop(t *testing.T) {
	m := NewMap[string, int]()
	m.Put("a", 1)
	if v, ok := m.Pop("a"); !ok || v != 1 {
		t.Errorf("expected 1, got %v %v", v, ok)
	}
	if _, ok := m.Pop("a"); ok {
		t.Errorf("expected the value to be gone")
	}
	if !m.IsEmpty() {
		t.Errorf("map should be empty")
	}
}

func TestCloseAll(t *testing.T) {
	m := NewNetMap[*testClient]()
	clients := make([]*testClient, 10)
	var wg sync.WaitGroup
	wg.Add(len(clients))
	for i := range clients {
		clients[i] = &testClient{id: NewUid()}
		go func(c *testClient) { defer wg.Done(); m.Add(c) }(clients[i])
	}
	wg.Wait()
	m.CloseAll()
	if m.Len() != 0 {
		t.Errorf("expected empty map, got %v", m.Len())
	}
	for _, c := range clients {
		if atomic.LoadInt32(&c.closed) != 1 {
			t.Errorf("client %v closed %v times", c.id, c.closed)
		}
	}
}

func TestUidShort(t *testing.T) {
	id := NewUid()
	s := id.Short()
	if len(s) != 7 || s[3] != '.' {
		t.Errorf("unexpected short id %q", s)
	}
	parsed, err := UidFromString(id.String())
	if err != nil || parsed != id {
		t.Errorf("parse mismatch %v %v", parsed, err)
	}
}
