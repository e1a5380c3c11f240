// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// testingLogger renders logfmt lines through t.Log so they are attributed
// to the test that produced them. Lines logged after the test finished are
// dropped.
type testingLogger struct {
	t testing.TB

	mu     sync.Mutex
	done   bool
	buf    bytes.Buffer
	logfmt log.Logger
}

// NewTestingLogger returns a logger writing to t at every level.
func NewTestingLogger(t testing.TB) log.Logger {
	l := &testingLogger{t: t}
	l.logfmt = log.NewLogfmtLogger(&l.buf)
	t.Cleanup(func() {
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
	})
	return l
}

// NewTestingLoggerWithLevel returns a logger writing to t that drops lines
// below lvl ("debug", "info", "warn" or "error").
func NewTestingLoggerWithLevel(t testing.TB, lvl string) log.Logger {
	return level.NewFilter(NewTestingLogger(t), level.Allow(level.ParseDefault(lvl, level.DebugValue())))
}

func (l *testingLogger) Log(keyvals ...interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil
	}
	l.buf.Reset()
	if err := l.logfmt.Log(keyvals...); err != nil {
		return err
	}
	l.t.Log(strings.TrimSuffix(l.buf.String(), "\n"))
	return nil
}
