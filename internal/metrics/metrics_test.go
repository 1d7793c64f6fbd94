package metrics

import "testing"

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"OPTIONS", "OPTIONS"},
		{"PROPFIND", "other"},
		{"get", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := NormalizeMethod(tt.method); got != tt.want {
			t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	prefixes := []string{"/health", "/api/status", "/datafiles/"}

	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/datafiles/eu/latest.json", "/datafiles/"},
		{"/api/status", "/api/status"},
		{"/unknown/thing", "other"},
		{"/", "other"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.path, prefixes); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestNewRegistersCollectors(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("Registry is nil")
	}
	mf, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mf) == 0 {
		t.Error("no metric families registered")
	}
}
