package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMemGetPutDeleteList(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	if _, ok, err := m.Get(ctx, "agents/a1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := m.Put(ctx, "agents/a1", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "agents/a2", []byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "audit/bucket1/x", []byte("three")); err != nil {
		t.Fatal(err)
	}

	v, ok, err := m.Get(ctx, "agents/a1")
	if err != nil || !ok || string(v) != "one" {
		t.Fatalf("unexpected get: v=%s ok=%v err=%v", v, ok, err)
	}

	keys, err := m.List(ctx, PrefixAgents)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "agents/a1" || keys[1] != "agents/a2" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := m.Delete(ctx, "agents/a1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Get(ctx, "agents/a1"); ok {
		t.Fatal("expected deleted key to miss")
	}
}

func TestMemPutCopiesValue(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	buf := []byte("mutable")
	if err := m.Put(ctx, "k", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'X'

	v, _, _ := m.Get(ctx, "k")
	if string(v) != "mutable" {
		t.Fatalf("store aliased caller's buffer: got %s", v)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Put(ctx, "agents/a1", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "agents/a1")
	if err != nil || !ok || string(v) != "payload" {
		t.Fatalf("unexpected get: v=%s ok=%v err=%v", v, ok, err)
	}

	// Update on conflict.
	if err := s.Put(ctx, "agents/a1", []byte("updated")); err != nil {
		t.Fatal(err)
	}
	v, _, _ = s.Get(ctx, "agents/a1")
	if string(v) != "updated" {
		t.Fatalf("expected updated value, got %s", v)
	}

	if err := s.Put(ctx, "agents/a2", []byte("p2")); err != nil {
		t.Fatal(err)
	}
	keys, err := s.List(ctx, PrefixAgents)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}

	if err := s.Delete(ctx, "agents/a1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "agents/a1"); ok {
		t.Fatal("expected delete to remove key")
	}
}

func TestSQLiteReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kv.db")

	s1, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s1.Put(ctx, "agents/a1", []byte("durable")); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	v, ok, err := s2.Get(ctx, "agents/a1")
	if err != nil || !ok || string(v) != "durable" {
		t.Fatalf("expected persisted value, got v=%s ok=%v err=%v", v, ok, err)
	}
}
