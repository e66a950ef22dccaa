package h3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// quicListenAddr opens the QUIC listener used by ListenAndServe.
var quicListenAddr = quic.ListenAddrEarly

var defaultServerQUICConfig = &quic.Config{
	KeepAlivePeriod: 0,
}

// Server accepts HTTP/3 connections and dispatches request streams to an
// http.Handler: a *Server embedding *http.Server, a logger field, and a
// handleConn-shaped per-connection loop driving the connection and request
// stream machinery built out in conn.go/request_stream.go.
type Server struct {
	*http.Server

	// H3Config controls the driver built for each accepted connection. A
	// nil H3Config gets NewConfig()'s defaults.
	H3Config *Config

	Logger logrus.FieldLogger

	mu       sync.Mutex
	listener *quic.EarlyListener
	closed   bool
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func (s *Server) h3Config() *Config {
	if s.H3Config != nil {
		return s.H3Config
	}
	return NewConfig()
}

// ListenAndServeTLS listens on s.Addr and serves HTTP/3 using certFile and
// keyFile, loading them the way net/http.Server.ListenAndServeTLS does.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	if s.TLSConfig == nil {
		s.TLSConfig = &tls.Config{}
	}
	s.TLSConfig.Certificates = append(s.TLSConfig.Certificates, cert)
	return s.ListenAndServe()
}

// ListenAndServe listens on s.Addr and serves HTTP/3 connections until the
// listener errors (typically because Close was called).
func (s *Server) ListenAndServe() error {
	if s.TLSConfig == nil {
		return errors.New("h3: use of Server without TLSConfig")
	}
	tlsConf := s.TLSConfig.Clone()
	tlsConf.NextProtos = []string{NextProtoH3}

	quicConf := defaultServerQUICConfig.Clone()
	quicConf.EnableDatagrams = s.h3Config().enableDatagrams

	ln, err := quicListenAddr(s.Addr, tlsConf, quicConf)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until it errors.
func (s *Server) Serve(ln *quic.EarlyListener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		qconn, err := ln.Accept(context.Background())
		if err != nil {
			return err
		}
		go s.handleConn(qconn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	s.closed = true
	return s.listener.Close()
}

func (s *Server) handleConn(qconn quic.EarlyConnection) {
	conn, err := Dial(NewConnection(qconn), s.h3Config(), true)
	if err != nil {
		qconn.CloseWithError(quic.ApplicationErrorCode(ErrCodeInternalError), "")
		return
	}
	for {
		str, err := conn.AcceptRequestStream(qconn.Context())
		if err != nil {
			return
		}
		go s.handleRequestStream(conn, str)
	}
}

func (s *Server) handleRequestStream(conn *Conn, str *RequestStream) {
	fields, err := str.ReadHeaders()
	if err != nil {
		return
	}
	req, err := requestFromFields(fields, str)
	if err != nil {
		str.StopStream(ErrCodeMessageError)
		return
	}

	rw := newResponseWriter(str)
	handler := s.Handler
	if handler == nil {
		handler = http.DefaultServeMux
	}
	func() {
		defer func() {
			if p := recover(); p != nil && p != http.ErrAbortHandler {
				s.logger().WithField("panic", p).Error("h3: panic serving request")
			}
		}()
		handler.ServeHTTP(rw, req)
	}()
	rw.finish()
}

// requestFromFields builds an *http.Request from a decoded QPACK field
// section, per RFC 9114 Section 4.3's pseudo-header rules.
func requestFromFields(fields []qpack.HeaderField, str *RequestStream) (*http.Request, error) {
	var method, scheme, authority, path string
	header := http.Header{}
	for _, f := range fields {
		switch f.Name {
		case pseudoHeaderMethod:
			method = f.Value
		case pseudoHeaderScheme:
			scheme = f.Value
		case pseudoHeaderAuthority:
			authority = f.Value
		case pseudoHeaderPath:
			path = f.Value
		default:
			if strings.HasPrefix(f.Name, ":") {
				return nil, fmt.Errorf("h3: unknown pseudo-header %q", f.Name)
			}
			header.Add(f.Name, f.Value)
		}
	}
	if method == "" {
		return nil, errors.New("h3: request missing :method")
	}
	if path == "" && method != http.MethodConnect {
		return nil, errors.New("h3: request missing :path")
	}

	var u *url.URL
	var err error
	if method == http.MethodConnect {
		u = &url.URL{Host: authority}
	} else {
		u, err = url.ParseRequestURI(path)
		if err != nil {
			return nil, fmt.Errorf("h3: invalid :path %q: %w", path, err)
		}
		u.Scheme = scheme
		u.Host = authority
	}

	req := &http.Request{
		Method:     method,
		URL:        u,
		Proto:      "HTTP/3",
		ProtoMajor: 3,
		Header:     header,
		Host:       authority,
		Body:       newRequestBody(str, nil),
	}
	return req.WithContext(context.Background()), nil
}
