package h3

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/quic-go/qpack"
)

// RFC 9114 Section 4.1.1 pseudo-header fields.
const (
	pseudoHeaderMethod    = ":method"
	pseudoHeaderScheme    = ":scheme"
	pseudoHeaderAuthority = ":authority"
	pseudoHeaderPath      = ":path"
	pseudoHeaderStatus    = ":status"
)

// perHopHeaders must not be forwarded onto the wire, mirroring RFC 9114
// Section 4.2's connection-specific field restrictions (HTTP/3 has no
// Connection header or hop-by-hop fields at all).
var perHopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Host":              true, // carried as :authority instead
}

// RequestHeaders builds the QPACK field list for an outbound request,
// pseudo-headers first as RFC 9114 Section 4.3 requires.
func RequestHeaders(req *http.Request) ([]qpack.HeaderField, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("h3: request has no URL")
	}
	authority := req.URL.Host
	if authority == "" {
		authority = req.Host
	}
	fields := []qpack.HeaderField{
		{Name: pseudoHeaderMethod, Value: req.Method},
		{Name: pseudoHeaderScheme, Value: "https"},
		{Name: pseudoHeaderAuthority, Value: authority},
		{Name: pseudoHeaderPath, Value: requestURI(req)},
	}
	return append(fields, fieldsFromHeader(req.Header)...), nil
}

func requestURI(req *http.Request) string {
	if req.Method == http.MethodConnect {
		return ""
	}
	if req.URL.RawQuery == "" {
		return req.URL.Path
	}
	return req.URL.Path + "?" + req.URL.RawQuery
}

// ResponseHeaders builds the QPACK field list for an outbound response.
func ResponseHeaders(statusCode int, header http.Header) []qpack.HeaderField {
	fields := []qpack.HeaderField{
		{Name: pseudoHeaderStatus, Value: strconv.Itoa(statusCode)},
	}
	return append(fields, fieldsFromHeader(header)...)
}

// Trailers builds the QPACK field list for a trailing HEADERS frame.
func Trailers(header http.Header) []qpack.HeaderField {
	return fieldsFromHeader(header)
}

func fieldsFromHeader(header http.Header) []qpack.HeaderField {
	fields := make([]qpack.HeaderField, 0, len(header))
	for name, values := range header {
		if perHopHeaders[name] {
			continue
		}
		lower := strings.ToLower(name)
		for _, v := range values {
			fields = append(fields, qpack.HeaderField{Name: lower, Value: v})
		}
	}
	return fields
}

// ParseStatus extracts the :status pseudo-header from a decoded field
// section, filling the remaining fields into header. It returns an error
// if :status is missing or malformed, per RFC 9114's H3_MESSAGE_ERROR case.
func ParseStatus(fields []qpack.HeaderField, header http.Header) (int, error) {
	var statusCode int
	var found bool
	for _, hf := range fields {
		if hf.Name == pseudoHeaderStatus {
			sc, err := strconv.Atoi(hf.Value)
			if err != nil {
				return 0, fmt.Errorf("h3: malformed :status header %q", hf.Value)
			}
			statusCode = sc
			found = true
			continue
		}
		header.Add(hf.Name, hf.Value)
	}
	if !found {
		return 0, fmt.Errorf("h3: response missing :status header")
	}
	return statusCode, nil
}

// authorityAddr normalizes authority to host:port for a given scheme,
// defaulting the port the way net/http's transport does.
func authorityAddr(scheme, authority string) string {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		port = defaultPortForScheme(scheme)
		return net.JoinHostPort(authority, port)
	}
	if port == "" {
		port = defaultPortForScheme(scheme)
	}
	return net.JoinHostPort(host, port)
}

func defaultPortForScheme(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}
