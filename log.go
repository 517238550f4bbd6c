package hwdec

import (
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// newSessionLog returns the logger of one decoder. Every entry carries the
// package name and a random session id so interleaved decoders can be told
// apart.
func newSessionLog(base *logrus.Logger) (*logrus.Entry, string) {
	if base == nil {
		base = logrus.StandardLogger()
	}
	id := uuid.NewString()
	return base.WithFields(logrus.Fields{
		"package": "hwdec",
		"session": id,
	}), id
}

// discardLog is used by components created without a logger.
func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
