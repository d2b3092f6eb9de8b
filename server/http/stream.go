// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"net/http"
	"time"

	"github.com/absmach/fluxhub/session"
)

var _ session.LineWriter = (*lineWriter)(nil)

// lineWriter writes stream lines to a response, flushing after each one so
// proxies and clients see every command as soon as it is produced.
type lineWriter struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	wrote bool
}

func newLineWriter(w http.ResponseWriter) *lineWriter {
	rc := http.NewResponseController(w)
	// Streams outlive any server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	return &lineWriter{w: w, rc: rc}
}

func (lw *lineWriter) WriteLine(line []byte) error {
	lw.wrote = true
	if _, err := lw.w.Write(line); err != nil {
		return err
	}
	return lw.rc.Flush()
}

func (lw *lineWriter) Flush() error {
	if !lw.wrote {
		return nil
	}
	return lw.rc.Flush()
}
