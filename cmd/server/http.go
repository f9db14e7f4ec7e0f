package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/outreach/internal/postgres"
)

const (
	maxRequestBody = 64 << 10
	healthyPath    = "/-/healthy"
	readyPath      = "/-/ready"
)

// newRouter returns the API router with its inner middleware installed.
// Routes are added by the caller.
func newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	// sets http.route on the request logger and renames the span
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(labelDBQueries)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))
	return r
}

// labelDBQueries tags the request context so queries it issues are counted
// under the request's method and route.
func labelDBQueries(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(postgres.WithHTTPMethod(r.Context(), r.Method)))
	})
}

// wrapHandler adds the outer middleware. The last wrapper applied sees the
// request first, so the list below reads innermost to outermost.
func wrapHandler(h http.Handler, L log.Logger, trustedHops int, instrument func(http.Handler) http.Handler) http.Handler {
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(traced),
		// placeholder; AnnotateHTTPRoute swaps in the route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	if instrument != nil {
		h = instrument(h)
	}
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: trustedHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)
	return h
}

// traced reports whether a request gets a span. Probes are skipped.
func traced(r *http.Request) bool {
	return r.URL.Path != healthyPath && r.URL.Path != readyPath
}
