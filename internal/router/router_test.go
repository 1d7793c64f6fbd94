package router

import (
	"errors"
	"testing"

	"cdn-proxy-go/internal/model"
)

func TestResolve_LongestPrefixWins(t *testing.T) {
	table := New([]model.Route{
		{Name: "root", Prefix: "/"},
		{Name: "datafiles", Prefix: "/datafiles/"},
		{Name: "datafiles-v2", Prefix: "/datafiles/v2/"},
	})

	tests := []struct {
		path string
		want string
	}{
		{"/datafiles/v2/a.json", "datafiles-v2"},
		{"/datafiles/a.json", "datafiles"},
		{"/datafiles/v2x", "datafiles"},
		{"/other", "root"},
		{"/", "root"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, err := table.Resolve(tt.path)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.path, err)
			}
			if r.Name != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, r.Name, tt.want)
			}
		})
	}
}

func TestResolve_DeclarationOrderBreaksTies(t *testing.T) {
	table := New([]model.Route{
		{Name: "first", Prefix: "/api/"},
		{Name: "second", Prefix: "/abc/"},
	})

	r, err := table.Resolve("/api/x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Name != "first" {
		t.Errorf("route = %q, want %q", r.Name, "first")
	}
}

func TestResolve_NotFound(t *testing.T) {
	table := New([]model.Route{
		{Name: "datafiles", Prefix: "/datafiles/"},
	})

	if _, err := table.Resolve("/unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolve_EmptyTable(t *testing.T) {
	table := New(nil)
	if _, err := table.Resolve("/"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
