package proxy

import (
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// hopByHopHeaders are connection-scoped and must not be forwarded
// (RFC 7230 §6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyEndToEndHeaders copies src into dst, skipping hop-by-hop
// headers, the Host header, and any header named in src's Connection
// header.
func copyEndToEndHeaders(dst, src http.Header) {
	connectionNamed := make(map[string]bool)
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)); name != "" {
				connectionNamed[name] = true
			}
		}
	}
	for name, values := range src {
		if name == "Host" || isHopByHop(name) || connectionNamed[name] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(h) == name {
			return true
		}
	}
	return false
}

// appendForwardedFor records the client address in X-Forwarded-For,
// appending to any existing chain.
func appendForwardedFor(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		ip = prior + ", " + ip
	}
	h.Set("X-Forwarded-For", ip)
}

// forward relays a request verbatim to the upstream and streams the
// response back without buffering or caching. Authentication headers
// and 401 challenges pass through untouched so the upstream performs
// authentication against the client directly.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, upstream *Upstream) {
	ctx := r.Context()
	logger := h.logger.With("method", r.Method, "path", r.URL.Path, "upstream", upstream.Registry)

	req, err := upstream.NewRequest(ctx, r.Method, r.URL.Path, r.URL.RawQuery, r.Body)
	if err != nil {
		logger.Error("building upstream request failed", "error", err)
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	copyEndToEndHeaders(req.Header, r.Header)
	appendForwardedFor(req.Header, r.RemoteAddr)
	if r.ContentLength >= 0 {
		req.ContentLength = r.ContentLength
	}

	resp, err := upstream.Do(req)
	if err != nil {
		logger.Error("upstream request failed", "error", err)
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(&flushingWriter{w: w}, resp.Body); err != nil {
		logger.Error("streaming upstream response failed", "error", err)
	}
}

// flushingWriter flushes after every chunk so proxied bodies stream
// instead of sitting in the server's write buffer.
type flushingWriter struct {
	w http.ResponseWriter
}

func (f *flushingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		if flusher, ok := f.w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
	return n, err
}
