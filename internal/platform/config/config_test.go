package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	cases := []struct {
		val  string
		want time.Duration
	}{
		{"", time.Second},
		{"250ms", 250 * time.Millisecond},
		{"4500", 4500 * time.Millisecond},
		{"soon", time.Second},
	}
	for _, tc := range cases {
		t.Setenv("TEST_DURATION", tc.val)
		if got := GetEnvDuration("TEST_DURATION", time.Second); got != tc.want {
			t.Errorf("GetEnvDuration(%q) = %v, want %v", tc.val, got, tc.want)
		}
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "CACHE_DEPTH", "REFRESH_BASE_INTERVAL", "FETCH_MAX_TRIES"} {
		t.Setenv(k, "")
	}
	s := FromEnv()
	if s.Port != "8080" || s.CacheDepth != 3 || s.BaseInterval != 4500*time.Millisecond || s.MaxTries != 3 {
		t.Errorf("unexpected defaults: %+v", s)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("CACHE_DEPTH", "5")
	t.Setenv("PLAYLIST_URL", "https://cdn/expire/1/index.m3u8")
	t.Setenv("FETCH_RETRY_INTERVAL", "1s")

	s := FromEnv()
	if s.CacheDepth != 5 || s.PlaylistURL != "https://cdn/expire/1/index.m3u8" || s.RetryInterval != time.Second {
		t.Errorf("overrides not applied: %+v", s)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("LIVEPIPE_TEST_KEY=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LIVEPIPE_TEST_KEY", "")
	os.Unsetenv("LIVEPIPE_TEST_KEY")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := GetEnv("LIVEPIPE_TEST_KEY", ""); got != "from-file" {
		t.Errorf("GetEnv = %q, want from-file", got)
	}
}
