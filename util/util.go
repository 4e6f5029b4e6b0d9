// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// ReportingReader

// ReportingReader wraps an io.Reader as an io.ReadCloser that
// periodically reports how many bytes have passed through and the
// rate of processing them, generalizing the teacher's
// ReportingReader (which logged straight to the stdlib package-level
// logger) to report through a *Logger instead, so a large file's read
// progress during Create lands on the same Verbose stream as
// everything else the run logs.
type ReportingReader struct {
	R   io.Reader
	Msg string
	Log *Logger

	start                    time.Time
	reportCounter, readBytes int64
}

// ReportFrequency is how many bytes a ReportingReader processes between
// progress reports.
const ReportFrequency = 128 * 1024 * 1024

func (r *ReportingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
		r.reportCounter = ReportFrequency
		r.readBytes = 0
	}

	n, err := r.R.Read(buf)

	r.readBytes += int64(n)
	r.reportCounter -= int64(n)
	if r.reportCounter < 0 {
		r.report("")
		r.reportCounter += ReportFrequency
	}

	return n, err
}

func (r *ReportingReader) report(prefix string) {
	delta := time.Since(r.start)
	bytesPerSec := int64(float64(r.readBytes) / delta.Seconds())
	r.Log.Verbose("%s%s %s [%s/s]", prefix, r.Msg, FmtBytes(r.readBytes),
		FmtBytes(bytesPerSec))
}

func (r *ReportingReader) Close() error {
	r.report("Finished. ")

	if rc, ok := r.R.(io.ReadCloser); ok {
		return rc.Close()
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n >= 1024*1024*1024*1024 {
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024.*1024.*
			1024.*1024.))
	} else if n >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024.*1024.*
			1024.))
	} else if n > 1024*1024 {
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024.*1024.))
	} else if n > 1024 {
		return fmt.Sprintf("%.2f kiB", float64(n)/1024.)
	} else {
		return fmt.Sprintf("%d B", n)
	}
}
