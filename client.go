package h3

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go"
)

// MethodGet0RTT allows a GET request to be sent using 0-RTT. 0-RTT data
// does not provide replay protection and should only be used for
// idempotent requests.
const MethodGet0RTT = "GET_0RTT"

// NextProtoH3 is the TLS ALPN value for HTTP/3, per RFC 9114 Section 3.1.
const NextProtoH3 = "h3"

var defaultQUICConfig = &quic.Config{
	MaxIncomingStreams: -1, // a client declines server-initiated bidi streams unless WebTransport is on
	KeepAlivePeriod:    0,
}

// Client is an http.RoundTripper that dials a single HTTP/3 server.
type Client struct {
	tlsConf    *tls.Config
	quicConfig *quic.Config
	cfg        *Config

	disableCompression bool
	authority           string

	dialOnce sync.Once
	dialErr  error
	qconn    quic.EarlyConnection
	conn     *Conn
}

// NewClient builds a Client for authority (host, or host:port). Dialing is
// deferred to the first RoundTrip call.
func NewClient(authority string, tlsConf *tls.Config, quicConfig *quic.Config, cfg *Config) *Client {
	if quicConfig == nil {
		quicConfig = defaultQUICConfig.Clone()
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	quicConfig.EnableDatagrams = cfg.enableDatagrams
	if cfg.enableWebTransport {
		quicConfig.MaxIncomingStreams = 100
	}

	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{NextProtoH3}

	return &Client{
		authority:  authorityAddr("https", authority),
		tlsConf:    tlsConf,
		quicConfig: quicConfig,
		cfg:        cfg,
	}
}

var _ http.RoundTripper = &Client{}

func (c *Client) dial(ctx context.Context) error {
	qconn, err := quic.DialAddrEarly(ctx, c.authority, c.tlsConf, c.quicConfig)
	if err != nil {
		return err
	}
	c.qconn = qconn

	conn, err := Dial(NewConnection(qconn), c.cfg, false)
	if err != nil {
		qconn.CloseWithError(quic.ApplicationErrorCode(ErrCodeInternalError), "")
		return err
	}
	c.conn = conn
	return nil
}

// Close tears down the underlying QUIC connection, if dialed.
func (c *Client) Close() error {
	if c.qconn == nil {
		return nil
	}
	return c.qconn.CloseWithError(quic.ApplicationErrorCode(ErrCodeNoError), "")
}

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil {
		return nil, errors.New("h3: request has nil URL")
	}
	if authorityAddr("https", hostnameFromRequest(req)) != c.authority {
		return nil, fmt.Errorf("h3: client for %s cannot serve request to %s", c.authority, req.URL.Host)
	}

	c.dialOnce.Do(func() { c.dialErr = c.dial(req.Context()) })
	if c.dialErr != nil {
		return nil, c.dialErr
	}

	if req.Method == MethodGet0RTT {
		req.Method = http.MethodGet
	} else {
		select {
		case <-c.qconn.HandshakeComplete():
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	str, err := c.conn.OpenRequestStream(req.Context())
	if err != nil {
		return nil, err
	}

	reqDone := make(chan struct{})
	go func() {
		select {
		case <-req.Context().Done():
			str.StopStream(ErrCodeRequestCanceled)
		case <-reqDone:
		}
	}()

	res, err := c.doRequest(str, req, reqDone)
	if err != nil {
		close(reqDone)
		var fle *FrameLengthError
		var se *streamError
		switch {
		case errors.As(err, &fle):
			str.StopStream(ErrCodeFrameError)
		case errors.As(err, &se):
			// Already reported to (and possibly closed by) the driver if
			// connection-scoped; locally abandon this stream either way.
			str.StopStream(se.Code)
		default:
			str.StopStream(ErrCodeGeneralProtocolError)
		}
	}
	return res, err
}

func hostnameFromRequest(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}

func (c *Client) doRequest(str *RequestStream, req *http.Request, reqDone chan struct{}) (*http.Response, error) {
	requestGzip := !c.disableCompression && req.Method != http.MethodHead &&
		req.Header.Get("Accept-Encoding") == "" && req.Header.Get("Range") == ""

	if err := c.writeRequest(str, req, requestGzip); err != nil {
		return nil, err
	}

	res := &http.Response{Proto: "HTTP/3", ProtoMajor: 3, Header: http.Header{}}
	for {
		fields, err := str.ReadHeaders()
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		statusCode, err := ParseStatus(fields, header)
		if err != nil {
			str.StopSending(ErrCodeMessageError)
			return nil, err
		}
		res.Header = header
		if statusCode < 100 || statusCode >= 200 {
			res.StatusCode = statusCode
			res.Status = strconv.Itoa(statusCode) + " " + http.StatusText(statusCode)
			break
		}
	}

	tlsState := c.qconn.ConnectionState().TLS
	res.TLS = &tlsState

	_, hasTransferEncoding := res.Header["Transfer-Encoding"]
	isInformational := res.StatusCode >= 100 && res.StatusCode < 200
	isNoContent := res.StatusCode == 204
	isSuccessfulConnect := req.Method == http.MethodConnect && res.StatusCode >= 200 && res.StatusCode < 300
	if !hasTransferEncoding && !isInformational && !isNoContent && !isSuccessfulConnect {
		res.ContentLength = -1
		if clens, ok := res.Header["Content-Length"]; ok && len(clens) == 1 {
			if clen64, err := strconv.ParseInt(clens[0], 10, 64); err == nil {
				res.ContentLength = clen64
			}
		}
	}

	res.Trailer = http.Header{}
	body := newResponseBody(str, func(fields []qpack.HeaderField, err error) {
		if err != nil {
			return
		}
		for _, f := range fields {
			res.Trailer.Add(f.Name, f.Value)
		}
	}, reqDone)

	if requestGzip && res.Header.Get("Content-Encoding") == "gzip" {
		res.Header.Del("Content-Encoding")
		res.Header.Del("Content-Length")
		res.ContentLength = -1
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		res.Body = struct {
			io.Reader
			io.Closer
		}{gz, body}
		res.Uncompressed = true
	} else {
		res.Body = body
	}

	return res, nil
}

func (c *Client) writeRequest(str *RequestStream, req *http.Request, requestGzip bool) error {
	fields, err := RequestHeaders(req)
	if err != nil {
		return err
	}
	if requestGzip {
		fields = appendGzipHeader(fields)
	}
	if err := str.WriteHeaders(fields); err != nil {
		return err
	}

	if req.Body == nil && len(req.Trailer) == 0 {
		if req.Method != http.MethodConnect {
			return str.Finish()
		}
		return nil
	}

	go func() {
		_, err := io.Copy(str.DataWriter(), req.Body)
		req.Body.Close()
		if err != nil {
			str.StopStream(ErrCodeRequestCanceled)
			return
		}
		if len(req.Trailer) > 0 {
			if err := str.WriteTrailers(Trailers(req.Trailer)); err != nil {
				str.StopStream(ErrCodeRequestCanceled)
				return
			}
		}
		if req.Method != http.MethodConnect {
			str.Finish()
		}
	}()

	return nil
}
