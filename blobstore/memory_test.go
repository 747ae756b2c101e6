package blobstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStorePutGetListDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	loc, err := s.Put(ctx, "org/a/uploads/1/x.csv", []byte("abc"), "text/csv")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if loc != "mem://org/a/uploads/1/x.csv" {
		t.Fatalf("unexpected locator %q", loc)
	}
	if _, err := s.Put(ctx, "org/b/uploads/2/y.csv", []byte("def"), "text/csv"); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "org/a/uploads/1/x.csv")
	if err != nil || string(got) != "abc" {
		t.Fatalf("get = %q, %v", got, err)
	}

	objs, err := s.List(ctx, "org/a/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 1 || objs[0].Key != "org/a/uploads/1/x.csv" || objs[0].Size != 3 {
		t.Fatalf("unexpected list %+v", objs)
	}

	if err := s.Delete(ctx, "org/a/uploads/1/x.csv"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "org/a/uploads/1/x.csv"); !errors.Is(err, ErrObjectNotExist) {
		t.Fatalf("expected ErrObjectNotExist, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 object left, got %d", s.Len())
	}
}

func TestMemoryStoreFailPut(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("unavailable")
	s.FailPut = boom
	if _, err := s.Put(context.Background(), "k", []byte("x"), ""); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("failed put must not store")
	}
}
