package pulse

import "github.com/sirupsen/logrus"

// Logger is the logging boundary of the client. The default is the
// logrus standard logger; pass a different implementation with
// WithLogger to integrate with the host application's logging.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

func defaultLogger() Logger {
	return logrus.StandardLogger()
}
