package forward

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/MrSnakeDoc/wayfinder/internal/logger"
	"github.com/MrSnakeDoc/wayfinder/internal/utils"
)

// Forwarder streams requests to a resolved upstream. It deliberately does
// not use httputil.ReverseProxy: the header hygiene and streaming rules
// here are explicit contract, not defaults.
type Forwarder struct {
	client *http.Client
	logger logger.Logger
}

// New creates a forwarder. Redirects from the upstream are passed through
// to the client untouched.
func New(loggerClient logger.Logger) *Forwarder {
	// Compression is disabled so the transport neither adds its own
	// Accept-Encoding to the upstream request nor decodes response bodies.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true
	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: loggerClient,
	}
}

// Request headers not forwarded upstream. Host is carried by the URL;
// Connection is hop-by-hop; Accept-Encoding is dropped so the upstream is
// not invited to compress a body whose encoding header is stripped below.
var strippedRequestHeaders = map[string]bool{
	"Host":            true,
	"Connection":      true,
	"Accept-Encoding": true,
}

// Response headers not forwarded back. The body is re-streamed chunk by
// chunk, so the upstream's framing headers are not passed on to describe
// what we send.
var strippedResponseHeaders = map[string]bool{
	"Content-Encoding": true,
	"Content-Length":   true,
}

// ForwardHTTP proxies r to host:port. An error is returned only while the
// upstream response has not started; once streaming, an upstream read
// error ends the body early and a client write error is logged at debug
// level.
func (f *Forwarder) ForwardHTTP(w http.ResponseWriter, r *http.Request, host string, port int) error {
	upstreamURL := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), r.URL.EscapedPath())
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	req.ContentLength = r.ContentLength
	for name, values := range r.Header {
		if strippedRequestHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		req.Header[name] = values
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s: %w", upstreamURL, err)
	}
	defer utils.DrainAndClose(resp.Body)

	header := w.Header()
	for name, values := range resp.Header {
		if strippedResponseHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)

	f.stream(w, resp)
	return nil
}

// stream copies the body chunk by chunk, flushing as it goes so the
// client never waits on a fully buffered response.
func (f *Forwarder) stream(w http.ResponseWriter, resp *http.Response) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				f.logger.Debug("client went away mid-response", logger.Error(werr))
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			return
		}
	}
}
