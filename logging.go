package h3

import "github.com/sirupsen/logrus"

// connScopedLogger returns a logger carrying fields that identify this
// connection for every subsequent log line, the same
// logger.WithFields(logrus.Fields{...}) idiom grafana-k6 uses throughout
// its cmd and cloudapi packages.
func connScopedLogger(base logrus.FieldLogger, isServer bool) logrus.FieldLogger {
	role := "client"
	if isServer {
		role = "server"
	}
	return base.WithField("h3_role", role)
}

// streamScopedLogger adds a stream id on top of a connection-scoped
// logger, for diagnostics that need to be traced back to one request.
func streamScopedLogger(base logrus.FieldLogger, streamID int64) logrus.FieldLogger {
	return base.WithField("h3_stream", streamID)
}
