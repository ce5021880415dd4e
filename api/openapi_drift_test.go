package api

import (
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestOpenAPIDrift fails when a route is registered without being documented
// in openapi.yaml, or documented without being registered.
func TestOpenAPIDrift(t *testing.T) {
	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	var documented []string
	for path, methods := range doc.Paths {
		for method := range methods {
			if method == "parameters" || strings.HasPrefix(method, "x-") {
				continue
			}
			documented = append(documented, strings.ToUpper(method)+" "+path)
		}
	}

	// Router never invokes handlers, so an empty API is enough to walk it.
	a := &API{}
	var registered []string
	err := chi.Walk(a.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/openapi.yaml" || isDocsPath(route) {
			return nil
		}
		registered = append(registered, method+" "+route)
		return nil
	})
	require.NoError(t, err)

	slices.Sort(documented)
	slices.Sort(registered)
	assert.Equal(t, documented, registered)
}
