package sqlite

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/usecase"
)

func openTemp(t *testing.T, path string) *Store {
	t.Helper()
	logger := zerolog.New(io.Discard)
	s, err := Open(path, 20*time.Millisecond, &logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, filepath.Join(t.TempDir(), "kv.db"))

	if _, ok, err := s.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("get missing: %v %v", ok, err)
	}
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("get = %q %v %v", v, ok, err)
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("removed key still visible")
	}
	if err := s.Set(ctx, "k", []byte("again")); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := s.Get(ctx, "k"); string(v) != "again" {
		t.Fatalf("resurrected value = %q", v)
	}
}

func TestUpdateNoChangeAndError(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, filepath.Join(t.TempDir(), "kv.db"))
	_ = s.Set(ctx, "k", []byte("1"))
	boom := errors.New("boom")
	if err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) { return nil, usecase.ErrNoChange }); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) { return []byte("2"), boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if v, _, _ := s.Get(ctx, "k"); string(v) != "1" {
		t.Fatalf("value = %q", v)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")
	a := openTemp(t, path)
	b := openTemp(t, path)
	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				err := s.Update(ctx, "n", func(old []byte, ok bool) ([]byte, error) {
					return append(old, 'x'), nil
				})
				if err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	v, _, _ := a.Get(ctx, "n")
	if len(v) != 40 {
		t.Fatalf("lost updates: len=%d", len(v))
	}
}

func TestCrossProcessNotifications(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")
	writer := openTemp(t, path)
	reader := openTemp(t, path)

	changes := make(chan usecase.Change, 10)
	reader.Subscribe(func(c usecase.Change) { changes <- c })

	if err := writer.Set(ctx, usecase.KeyCurrentSession, []byte(`{"status":"active"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if c.Key != usecase.KeyCurrentSession || c.OldValue != nil || string(c.NewValue) != `{"status":"active"}` {
			t.Fatalf("change = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader never saw the write")
	}

	_ = writer.Remove(ctx, usecase.KeyCurrentSession)
	select {
	case c := <-changes:
		if c.NewValue != nil || c.OldValue == nil {
			t.Fatalf("removal change = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader never saw the removal")
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")
	logger := zerolog.New(io.Discard)
	s, err := Open(path, 0, &logger)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Set(ctx, "k", []byte("durable"))
	_ = s.Close()

	s2 := openTemp(t, path)
	changes := make(chan usecase.Change, 1)
	s2.Subscribe(func(c usecase.Change) { changes <- c })
	if v, ok, _ := s2.Get(ctx, "k"); !ok || string(v) != "durable" {
		t.Fatalf("value after reopen = %q", v)
	}
	select {
	case c := <-changes:
		t.Fatalf("existing rows must not replay as changes: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}
