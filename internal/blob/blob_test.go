package blob

import (
	"context"
	"errors"
	"testing"
)

func TestChecksum(t *testing.T) {
	t.Parallel()

	// SHA-256 of "hello"
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := Checksum([]byte("hello")); got != want {
		t.Errorf("Checksum: got %q, want %q", got, want)
	}
}

func TestMemory_PutGetDelete(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	data := []byte("payload")
	ref := NewRef()
	if err := m.Put(ctx, ref, data, "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data[0] = 'X'

	got, err := m.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get: got %q, want %q", got, "payload")
	}

	if err := m.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ctx, ref); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := m.Get(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: got %v, want ErrNotFound", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len: got %d, want 0", m.Len())
	}
}

func TestMemory_PutCancelled(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Put(ctx, NewRef(), []byte("x"), ""); !errors.Is(err, context.Canceled) {
		t.Errorf("Put: got %v, want context.Canceled", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len: got %d, want 0", m.Len())
	}
}
