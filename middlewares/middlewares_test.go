package middlewares

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type countingVendors struct {
	vendors map[int]*models.Vendor
	calls   atomic.Int32
	err     error
}

func (s *countingVendors) ResolveVendor(ctx context.Context, orgId, name string) (*models.Vendor, error) {
	return nil, errors.New("not implemented")
}

func (s *countingVendors) GetVendor(ctx context.Context, orgId string, id int) (*models.Vendor, error) {
	if v, ok := s.vendors[id]; ok {
		return v, nil
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *countingVendors) GetVendorsByIds(ctx context.Context, ids []int) ([]*models.Vendor, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*models.Vendor, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.vendors[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *countingVendors) ListVendors(ctx context.Context, orgId string) ([]models.Vendor, error) {
	return nil, nil
}

func TestRequestContextMiddleware(t *testing.T) {
	cases := []struct {
		name        string
		defaultOrg  string
		headers     map[string]string
		wantOrg     string
		wantActor   string
		correlation string
	}{
		{"header org", "", map[string]string{HeaderOrgId: " org-7 ", HeaderActorId: "ops"}, "org-7", "ops", ""},
		{"default org", "org-default", nil, "org-default", "", ""},
		{"no org", "", nil, "", "", ""},
		{"caller correlation id", "org-1", map[string]string{HeaderCorrelationId: "abc-123"}, "org-1", "", "abc-123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var org, actor, correlation string
			r := gin.New()
			r.Use(RequestContextMiddleware(tc.defaultOrg))
			r.GET("/", func(c *gin.Context) {
				org, actor, correlation = OrgId(c), ActorId(c), CorrelationId(c)
				c.Status(http.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if org != tc.wantOrg || actor != tc.wantActor {
				t.Fatalf("org=%q actor=%q", org, actor)
			}
			if correlation == "" || w.Header().Get(HeaderCorrelationId) != correlation {
				t.Fatalf("correlation id %q not echoed (header %q)", correlation, w.Header().Get(HeaderCorrelationId))
			}
			if tc.correlation != "" && correlation != tc.correlation {
				t.Fatalf("correlation = %q, want %q", correlation, tc.correlation)
			}
		})
	}
}

func withLoaders(store models.VendorStore) context.Context {
	return context.WithValue(context.Background(), loadersKey, NewLoaders(store))
}

func TestVendorNamesBatchesLookups(t *testing.T) {
	store := &countingVendors{vendors: map[int]*models.Vendor{
		1: {ID: 1, Name: "Acme"},
		2: {ID: 2, Name: "Globex"},
	}}
	ctx := withLoaders(store)

	names := VendorNames(ctx, []int{1, 2, 1, 9})
	if len(names) != 2 || names[1] != "Acme" || names[2] != "Globex" {
		t.Fatalf("names = %v", names)
	}
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("store called %d times, want 1", got)
	}

	if _, err := GetVendor(ctx, 9); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("missing vendor: %v", err)
	}
}

func TestVendorLoaderErrors(t *testing.T) {
	if _, err := GetVendor(context.Background(), 1); !errors.Is(err, errNoLoaders) {
		t.Fatalf("expected errNoLoaders, got %v", err)
	}
	if names := VendorNames(context.Background(), []int{1}); len(names) != 0 {
		t.Fatalf("names without loaders = %v", names)
	}

	boom := errors.New("db down")
	ctx := withLoaders(&countingVendors{err: boom})
	if _, err := GetVendor(ctx, 1); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestLoaderMiddlewareInstallsPerRequestLoaders(t *testing.T) {
	store := &countingVendors{vendors: map[int]*models.Vendor{3: {ID: 3, Name: "Initech"}}}
	r := gin.New()
	r.Use(LoaderMiddleware(store))
	r.GET("/", func(c *gin.Context) {
		v, err := GetVendor(c.Request.Context(), 3)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, v.Name)
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK || w.Body.String() != "Initech" {
			t.Fatalf("request %d: %d %q", i, w.Code, w.Body.String())
		}
	}
	if got := store.calls.Load(); got != 2 {
		t.Fatalf("cache leaked across requests: %d store calls", got)
	}
}
