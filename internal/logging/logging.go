package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the interface to our internal logger.
type Logger interface {
	Debug(msg string, kvpairs ...interface{})
	Info(msg string, kvpairs ...interface{})
	Warn(msg string, kvpairs ...interface{})
	Error(msg string, kvpairs ...interface{})
	SetField(key string, val interface{})
	PushFields()
	PopFields()
	// With returns a child logger carrying the current fields plus the given
	// key/value pairs. The parent is not modified.
	With(kvpairs ...interface{}) Logger
}

// LogrusLogger is a thread-safe logger whose fields persist and can be
// modified. All LogrusLoggers share the standard logrus logger, so output and
// level are configured once through Configure.
type LogrusLogger struct {
	mtx             sync.Mutex
	entry           *logrus.Entry
	fields          logrus.Fields
	pushedFieldSets []logrus.Fields
}

// NoopLogger implements Logger, but does nothing.
type NoopLogger struct{}

var _ Logger = (*LogrusLogger)(nil)
var _ Logger = (*NoopLogger)(nil)

// Configure sets up the standard logrus logger for the whole process. When
// verbose is true the level is lowered to debug. Worker processes spawned in
// process mode must log to stderr because stdout carries their messages.
func Configure(out io.Writer, verbose, jsonFormat bool) {
	logrus.SetOutput(out)
	if jsonFormat {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

//
// LogrusLogger
//

// NewLogrusLogger will instantiate a logger for the given component name.
func NewLogrusLogger(component string, kvpairs ...interface{}) Logger {
	entry := logrus.NewEntry(logrus.StandardLogger())
	if len(component) > 0 {
		entry = entry.WithField("ctx", component)
	}
	return &LogrusLogger{
		entry:           entry,
		fields:          serializeKVPairs(kvpairs...),
		pushedFieldSets: []logrus.Fields{},
	}
}

func serializeKVPairs(kvpairs ...interface{}) logrus.Fields {
	res := make(logrus.Fields)
	if (len(kvpairs) % 2) != 0 {
		return res
	}
	for i := 0; i < len(kvpairs); i += 2 {
		key, ok := kvpairs[i].(string)
		if !ok {
			continue
		}
		res[key] = kvpairs[i+1]
	}
	return res
}

func (l *LogrusLogger) prepare(kvpairs ...interface{}) *logrus.Entry {
	e := l.entry
	if len(l.fields) > 0 {
		e = e.WithFields(l.fields)
	}
	if extra := serializeKVPairs(kvpairs...); len(extra) > 0 {
		e = e.WithFields(extra)
	}
	return e
}

func (l *LogrusLogger) Debug(msg string, kvpairs ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.prepare(kvpairs...).Debugln(msg)
}

func (l *LogrusLogger) Info(msg string, kvpairs ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.prepare(kvpairs...).Infoln(msg)
}

func (l *LogrusLogger) Warn(msg string, kvpairs ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.prepare(kvpairs...).Warnln(msg)
}

func (l *LogrusLogger) Error(msg string, kvpairs ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.prepare(kvpairs...).Errorln(msg)
}

func (l *LogrusLogger) SetField(key string, val interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	// copy on write so that pushed field sets stay untouched
	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = val
	l.fields = fields
}

func (l *LogrusLogger) PushFields() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.pushedFieldSets = append(l.pushedFieldSets, l.fields)
}

func (l *LogrusLogger) PopFields() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	n := len(l.pushedFieldSets)
	if n > 0 {
		l.fields = l.pushedFieldSets[n-1]
		l.pushedFieldSets = l.pushedFieldSets[:n-1]
	}
}

func (l *LogrusLogger) With(kvpairs ...interface{}) Logger {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	fields := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range serializeKVPairs(kvpairs...) {
		fields[k] = v
	}
	return &LogrusLogger{
		entry:           l.entry,
		fields:          fields,
		pushedFieldSets: []logrus.Fields{},
	}
}

//
// NoopLogger
//

// NewNoopLogger will instantiate a logger that does nothing when called.
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(msg string, kvpairs ...interface{}) {}
func (l *NoopLogger) Info(msg string, kvpairs ...interface{})  {}
func (l *NoopLogger) Warn(msg string, kvpairs ...interface{})  {}
func (l *NoopLogger) Error(msg string, kvpairs ...interface{}) {}
func (l *NoopLogger) SetField(key string, val interface{})     {}
func (l *NoopLogger) PushFields()                              {}
func (l *NoopLogger) PopFields()                               {}
func (l *NoopLogger) With(kvpairs ...interface{}) Logger       { return l }
