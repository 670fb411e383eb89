package cache

import (
	"bytes"
	"testing"

	"github.com/soma-tiles/rma/internal/layout"
)

func TestManager_Blobs(t *testing.T) {
	m, err := NewManager(Config{BlobCacheSizeMB: 16, LayoutCacheSize: 2})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	t.Run("miss", func(t *testing.T) {
		if _, ok := m.GetBlob("nope"); ok {
			t.Fatalf("expected miss")
		}
	})

	t.Run("setGetDelete", func(t *testing.T) {
		want := []byte{1, 2, 3, 4}
		if err := m.SetBlob("dir#0", want); err != nil {
			t.Fatalf("SetBlob: %v", err)
		}
		got, ok := m.GetBlob("dir#0")
		if !ok || !bytes.Equal(got, want) {
			t.Fatalf("expected %v, got %v (ok=%v)", want, got, ok)
		}
		m.DeleteBlob("dir#0")
		if _, ok := m.GetBlob("dir#0"); ok {
			t.Fatalf("expected miss after delete")
		}
		// Deleting an absent key is a no-op.
		m.DeleteBlob("dir#0")
	})
}

func TestManager_BlobCacheDisabled(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.SetBlob("k", []byte{1}); err != nil {
		t.Fatalf("SetBlob: %v", err)
	}
	if _, ok := m.GetBlob("k"); ok {
		t.Fatalf("expected disabled cache to miss")
	}
	if _, ok := m.Stats()["blob_cache_len"]; ok {
		t.Fatalf("expected no blob stats when disabled")
	}
}

func TestManager_LayoutEviction(t *testing.T) {
	m, err := NewManager(Config{LayoutCacheSize: 2})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	a := &layout.Map{DesignID: "a"}
	b := &layout.Map{DesignID: "b"}
	c := &layout.Map{DesignID: "c"}
	m.SetLayout("a", a)
	m.SetLayout("b", b)
	if got, ok := m.GetLayout("a"); !ok || got != a {
		t.Fatalf("expected layout a")
	}
	m.SetLayout("c", c)

	if _, ok := m.GetLayout("b"); ok {
		t.Fatalf("expected least recently used layout b to be evicted")
	}
	if got := m.Stats()["layout_cache_len"]; got != 2 {
		t.Fatalf("expected 2 cached layouts, got %v", got)
	}
}
