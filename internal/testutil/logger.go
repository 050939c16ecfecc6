// Package testutil holds helpers shared by package tests. It must not import
// other internal packages so any test can use it.
package testutil

import (
	"bytes"
	"io"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// NewCapturingLogger returns a debug-level JSON logger writing into the
// returned buffer, for asserting on emitted fields.
func NewCapturingLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer

	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(&logrus.JSONFormatter{})

	return log, &buf
}
