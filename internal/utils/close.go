package utils

import (
	"io"
)

// Close closes c and ignores any error.
// Use for best-effort cleanup in defer where error handling is not critical.
func Close(c io.Closer) {
	_ = c.Close()
}

// DrainAndClose consumes the remainder of a reader before closing so the
// underlying connection can be reused by the HTTP client.
func DrainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}
