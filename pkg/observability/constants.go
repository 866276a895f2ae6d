package observability

const (
	AttrHTTPMethod       = "http.request.method"
	AttrHTTPRoute        = "http.route"
	AttrHTTPStatusCode   = "http.response.status_code"
	AttrHTTPResponseSize = "http.response.body.size"
	AttrErrorType        = "error.type"

	SpanHTTPRequest = "http.request"

	// Outcome label values.
	OutcomeOK    = "ok"
	OutcomeError = "error"

	instrumentationName = "github.com/kadirpekel/a2abridge/pkg/observability"
)
