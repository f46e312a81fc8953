package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/strategy"
	"github.com/tombee/conductor-flow/internal/strategy/rest"
)

// newTestStrategy allows localhost so tests can hit httptest servers; the
// SSRF guard otherwise blocks loopback addresses unconditionally.
func newTestStrategy() *rest.Strategy {
	s := rest.New()
	s.AllowedHosts = []string{"127.0.0.1"}
	return s
}

func testConnection(baseURL string) *strategy.Connection {
	return &strategy.Connection{
		Alias: "crm",
		Key:   "rest-declarative",
		Config: map[string]any{
			"browse_config": map[string]any{
				"base_url_template": baseURL,
				"action_templates": map[string]any{
					"get_customer": map[string]any{
						"api_endpoint": "/customers/{{.customer_id}}",
						"http_method":  "GET",
					},
					"create_order": map[string]any{
						"api_endpoint": "/orders",
						"http_method":  "POST",
						"payload":      map[string]any{"customer_id": "{{.customer_id}}"},
					},
				},
			},
		},
	}
}

func TestStrategy_RunDeclarativeAction_GET(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"id": "c1", "name": "Ada"})
	}))
	defer srv.Close()

	s := newTestStrategy()
	conn := testConnection(srv.URL)

	out, err := s.RunDeclarativeAction(context.Background(), conn, strategy.Secrets{}, map[string]any{
		"template_key": "get_customer",
		"customer_id":  "c1",
	}, nil, false)
	require.NoError(t, err)
	require.Equal(t, "/customers/c1", gotPath)
	m := out.(map[string]any)
	require.Equal(t, "Ada", m["name"])
}

func TestStrategy_RunDeclarativeAction_DryRunSkipsNetworkCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := newTestStrategy()
	conn := testConnection(srv.URL)

	out, err := s.RunDeclarativeAction(context.Background(), conn, strategy.Secrets{}, map[string]any{
		"template_key": "create_order",
		"customer_id":  "c1",
	}, nil, true)
	require.NoError(t, err)
	require.False(t, called)
	m := out.(map[string]any)
	require.Equal(t, true, m["dry_run"])
}

func TestStrategy_RunDeclarativeAction_UnknownTemplateFails(t *testing.T) {
	s := rest.New()
	conn := testConnection("http://example.invalid")

	_, err := s.RunDeclarativeAction(context.Background(), conn, strategy.Secrets{}, map[string]any{
		"template_key": "nope",
	}, nil, false)
	require.Error(t, err)
}

func TestStrategy_TestConnection_ReportsReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStrategy()
	conn := testConnection(srv.URL)

	ok, err := s.TestConnection(context.Background(), conn, strategy.Secrets{})
	require.NoError(t, err)
	require.True(t, ok)
}
