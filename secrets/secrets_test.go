package secrets

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestKeychainCachesAcrossBackendReads(t *testing.T) {
	t.Parallel()
	backend := NewMemoryBackend()
	kc := New(backend)
	ctx := context.Background()

	if err := kc.Set(ctx, "client:1", "s3cr3t"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Mutate the backend directly; the facade must still read its cached
	// value until the key is explicitly written through the facade again.
	_ = backend.Set(ctx, "client:1", "tampered")

	v, err := kc.Get(ctx, "client:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "s3cr3t" {
		t.Fatalf("expected cached value, got %q", v)
	}

	if err := kc.Set(ctx, "client:1", "rotated"); err != nil {
		t.Fatalf("Set rotate: %v", err)
	}
	v, err = kc.Get(ctx, "client:1")
	if err != nil {
		t.Fatalf("Get after rotate: %v", err)
	}
	if v != "rotated" {
		t.Fatalf("expected rotated value, got %q", v)
	}
}

func TestKeychainDeleteInvalidatesCache(t *testing.T) {
	t.Parallel()
	kc := New(NewMemoryBackend())
	ctx := context.Background()
	_ = kc.Set(ctx, "k", "v")
	if err := kc.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kc.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileBackendPersistsAcrossInstances(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "secrets.json")
	ctx := context.Background()

	b1 := NewFileBackend(path)
	if err := b1.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	b2 := NewFileBackend(path)
	v, err := b2.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get from fresh backend: %v", err)
	}
	if v != "v1" {
		t.Fatalf("expected v1, got %q", v)
	}
}

func TestNewBackendRejectsSystemMode(t *testing.T) {
	t.Parallel()
	if _, err := NewBackend(ModeSystem, "/tmp/unused"); err == nil {
		t.Fatalf("expected error for unimplemented system mode")
	}
	if _, err := NewBackend(ModeAuto, filepath.Join(t.TempDir(), "s.json")); err != nil {
		t.Fatalf("expected auto mode to succeed: %v", err)
	}
}
