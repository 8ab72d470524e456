package dispatcher

import (
	"context"
	"net/http"
	"net/url"
)

// Call is one outbound API call.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	// OrgID overrides the transport's default organization when set.
	OrgID string
}

// Reply is the remote answer to a Call. Any HTTP status is a Reply; only
// network failures are errors.
type Reply struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Transport performs network calls for the dispatcher.
type Transport interface {
	Call(ctx context.Context, call *Call) (*Reply, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, call *Call) (*Reply, error)

// Call calls f.
func (f TransportFunc) Call(ctx context.Context, call *Call) (*Reply, error) {
	return f(ctx, call)
}
