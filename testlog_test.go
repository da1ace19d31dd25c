package svcd

import "testing"

// testLogger adapts *testing.T to zzzlogi.Logger so unit tests don't
// need a real logging backend wired in.
type testLogger struct {
	t *testing.T
}

func newTestLogger(t *testing.T) *testLogger { return &testLogger{t: t} }

func (l *testLogger) Debug(args ...interface{})                 { l.t.Log(args...) }
func (l *testLogger) Debugf(format string, args ...interface{}) { l.t.Logf(format, args...) }
func (l *testLogger) Info(args ...interface{})                  { l.t.Log(args...) }
func (l *testLogger) Infof(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l *testLogger) Warn(args ...interface{})                  { l.t.Log(args...) }
func (l *testLogger) Warnf(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l *testLogger) Error(args ...interface{})                 { l.t.Log(args...) }
func (l *testLogger) Errorf(format string, args ...interface{}) { l.t.Logf(format, args...) }
func (l *testLogger) Fatal(args ...interface{})                 { l.t.Fatal(args...) }
func (l *testLogger) Fatalf(format string, args ...interface{}) { l.t.Fatalf(format, args...) }
func (l *testLogger) Panic(args ...interface{})                 { l.t.Fatal(args...) }
func (l *testLogger) Panicf(format string, args ...interface{}) { l.t.Fatalf(format, args...) }
