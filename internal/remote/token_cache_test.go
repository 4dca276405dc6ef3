package remote

import (
	"path/filepath"
	"testing"
)

func TestFileTokenCache_RoundTrip(t *testing.T) {
	cache := NewFileTokenCache(filepath.Join(t.TempDir(), "auth.json"))

	token, err := cache.LoadToken()
	if err != nil {
		t.Fatalf("LoadToken returned error: %v", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty before save", token)
	}

	if err := cache.SaveToken("tok-1"); err != nil {
		t.Fatalf("SaveToken returned error: %v", err)
	}
	token, err = cache.LoadToken()
	if err != nil {
		t.Fatalf("LoadToken returned error: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("token = %q, want %q", token, "tok-1")
	}

	if err := cache.ClearToken(); err != nil {
		t.Fatalf("ClearToken returned error: %v", err)
	}
	if err := cache.ClearToken(); err != nil {
		t.Fatalf("second ClearToken returned error: %v", err)
	}
	token, _ = cache.LoadToken()
	if token != "" {
		t.Errorf("token = %q, want empty after clear", token)
	}
}
