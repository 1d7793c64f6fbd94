// Package router matches request paths to configured routes.
package router

import (
	"errors"
	"sort"
	"strings"

	"cdn-proxy-go/internal/model"
)

// ErrNotFound is returned when no route prefix matches the request path.
var ErrNotFound = errors.New("no route matches path")

// Table is an ordered route table built once from config. Matching is
// longest-prefix-wins; equal-length prefixes keep declaration order.
type Table struct {
	routes []model.Route
}

// New builds a Table from the configured route list.
func New(routes []model.Route) *Table {
	rs := make([]model.Route, len(routes))
	copy(rs, routes)
	sort.SliceStable(rs, func(i, j int) bool {
		return len(rs[i].Prefix) > len(rs[j].Prefix)
	})
	return &Table{routes: rs}
}

// Resolve returns the route whose prefix is the longest match for path.
func (t *Table) Resolve(path string) (*model.Route, error) {
	for i := range t.routes {
		if strings.HasPrefix(path, t.routes[i].Prefix) {
			return &t.routes[i], nil
		}
	}
	return nil, ErrNotFound
}

// Routes returns the table contents in evaluation order.
func (t *Table) Routes() []model.Route {
	return t.routes
}
