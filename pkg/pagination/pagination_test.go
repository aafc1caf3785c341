package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=5&offset=10", 5, 10},
		{"?limit=500", MaxLimit, 0},
		{"?limit=-1&offset=-3", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/errors"+tt.query, nil)
		c := e.NewContext(req, httptest.NewRecorder())

		p := FromContext(c)
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("query %q: expected %d/%d, got %d/%d", tt.query, tt.limit, tt.offset, p.Limit, p.Offset)
		}
	}
}

func TestParams_Bounds(t *testing.T) {
	tests := []struct {
		p          Params
		n          int
		start, end int
	}{
		{Params{Limit: 10, Offset: 0}, 25, 0, 10},
		{Params{Limit: 10, Offset: 20}, 25, 20, 25},
		{Params{Limit: 10, Offset: 40}, 25, 25, 25},
		{Params{Limit: 10, Offset: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		start, end := tt.p.Bounds(tt.n)
		if start != tt.start || end != tt.end {
			t.Errorf("%+v over %d: expected [%d,%d), got [%d,%d)", tt.p, tt.n, tt.start, tt.end, start, end)
		}
	}
}

func TestNewResponse_WithNext(t *testing.T) {
	r := NewResponse([]int{1, 2}, 5, Params{Limit: 2, Offset: 0}).
		WithNext("/api/v1/tiss/imports/x/errors", url.Values{"category": {"ORPHAN_GUIDE"}})
	if !r.HasMore {
		t.Fatal("expected has_more")
	}
	want := "/api/v1/tiss/imports/x/errors?category=ORPHAN_GUIDE&limit=2&offset=2"
	if r.Next != want {
		t.Errorf("expected %s, got %s", want, r.Next)
	}

	last := NewResponse([]int{5}, 5, Params{Limit: 2, Offset: 4}).WithNext("/x", nil)
	if last.HasMore || last.Next != "" {
		t.Errorf("expected no next link on last page, got %+v", last)
	}
}
