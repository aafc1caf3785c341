package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		jwt    string
		header string
		query  string
		want   string
	}{
		{"token claim wins", "clinica_token", "clinica_header", "clinica_query", "clinica_token"},
		{"empty claim falls through", "", "clinica_header", "", "clinica_header"},
		{"header over query", "", "clinica_header", "clinica_query", "clinica_header"},
		{"query", "", "", "clinica_query", "clinica_query"},
		{"default", "", "", "", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/tiss/imports"
			if tt.query != "" {
				target += "?tenant_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := echo.New().NewContext(req, httptest.NewRecorder())
			c.Set("jwt_tenant_id", tt.jwt)

			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSchemaName(t *testing.T) {
	tests := []struct {
		tenant string
		want   string
		ok     bool
	}{
		{"clinica_1", "tenant_clinica_1", true},
		{"ORTOPEDIA", "tenant_ORTOPEDIA", true},
		{"clinica-sul", "", false},
		{"clinica.sul", "", false},
		{"x; DROP SCHEMA public", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := SchemaName(tt.tenant)
		if (err == nil) != tt.ok {
			t.Errorf("SchemaName(%q): unexpected error state %v", tt.tenant, err)
			continue
		}
		if got != tt.want {
			t.Errorf("SchemaName(%q) = %q, want %q", tt.tenant, got, tt.want)
		}
	}
}

func TestTenantMiddleware_RejectsUnsafeTenant(t *testing.T) {
	e := echo.New()
	e.Use(TenantMiddleware(nil, "default"))
	e.GET("/tiss/imports", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/tiss/imports", nil)
	req.Header.Set("X-Tenant-ID", "clinica;drop")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTenantScopedHelpers_RejectBadInput(t *testing.T) {
	called := false
	fn := func(context.Context) error {
		called = true
		return nil
	}

	if err := WithTenant(context.Background(), nil, "bad-id", fn); err == nil {
		t.Error("WithTenant: expected error for invalid tenant ID")
	}
	if err := CreateTenantSchema(context.Background(), nil, "drop;table", nil); err == nil {
		t.Error("CreateTenantSchema: expected error for invalid tenant ID")
	}
	if err := InTx(context.Background(), fn); !errors.Is(err, errNoConn) {
		t.Errorf("InTx: expected missing connection error, got %v", err)
	}
	if called {
		t.Error("expected fn not to run")
	}
}

func TestContextAccessors(t *testing.T) {
	ctx := WithTenantID(context.Background(), "clinica_9")
	if got := TenantFromContext(ctx); got != "clinica_9" {
		t.Errorf("expected clinica_9, got %q", got)
	}
	if ConnFromContext(ctx) != nil || TxFromContext(ctx) != nil {
		t.Error("expected no connection or transaction")
	}

	wrong := context.WithValue(context.Background(), TenantIDKey, 12345)
	wrong = context.WithValue(wrong, DBConnKey, "not-a-conn")
	wrong = context.WithValue(wrong, DBTxKey, "not-a-tx")
	if TenantFromContext(wrong) != "" || ConnFromContext(wrong) != nil || TxFromContext(wrong) != nil {
		t.Error("expected zero values for wrongly typed context entries")
	}
}
