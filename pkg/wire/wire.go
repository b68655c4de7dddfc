// Package wire implements the line-oriented formats mapper and reducer
// processes speak on their standard streams: plain-text DATA records
// and "status,size,uri" CONTROL records. Both the worker subcommands
// and the coordinator's dispatch tasks use the same encoder/decoder so
// the format is defined exactly once.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cuemby/parafile/pkg/types"
)

// maxLineBytes bounds a single DATA or CONTROL line. A URI or a record
// pathologically longer than this is a bug in the job, not something
// the wire format should silently truncate, so Scanner returns
// bufio.ErrTooLong rather than growing unbounded.
const maxLineBytes = 16 * 1024 * 1024

// NewLineScanner returns a bufio.Scanner configured for this wire
// format's line length ceiling.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return s
}

// ControlWriter writes status,size,uri records.
type ControlWriter struct {
	w *bufio.Writer
}

// NewControlWriter wraps w for writing CONTROL records.
func NewControlWriter(w io.Writer) *ControlWriter {
	return &ControlWriter{w: bufio.NewWriter(w)}
}

// WriteSuccess emits "+,<size>,<uri>\n" and flushes.
func (c *ControlWriter) WriteSuccess(uri string, size int64) error {
	return c.write(types.ControlSuccess, size, uri)
}

// WriteFailure emits "!,0,<uri>\n" and flushes.
func (c *ControlWriter) WriteFailure(uri string) error {
	return c.write(types.ControlFailure, 0, uri)
}

func (c *ControlWriter) write(status types.ControlStatus, size int64, uri string) error {
	if _, err := fmt.Fprintf(c.w, "%c,%d,%s\n", status, size, uri); err != nil {
		return err
	}
	return c.w.Flush()
}

// ParseControlLine splits a CONTROL line into its three fields. The
// split happens exactly twice; extra commas belong to the uri tail.
func ParseControlLine(line string) (types.ControlRecord, error) {
	parts := strings.SplitN(line, ",", 3)
	if len(parts) != 3 {
		return types.ControlRecord{}, fmt.Errorf("wire: malformed control line %q", line)
	}
	if len(parts[0]) != 1 {
		return types.ControlRecord{}, fmt.Errorf("wire: malformed control status %q", line)
	}
	status := types.ControlStatus(parts[0][0])
	if status != types.ControlSuccess && status != types.ControlFailure {
		return types.ControlRecord{}, fmt.Errorf("wire: unknown control status %q", parts[0])
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return types.ControlRecord{}, fmt.Errorf("wire: malformed control size %q: %w", parts[1], err)
	}
	return types.ControlRecord{Status: status, Size: size, URI: parts[2]}, nil
}

// DataWriter writes DATA records and exposes an explicit Flush so
// callers can guarantee records from distinct files never share a
// partial line.
type DataWriter struct {
	w *bufio.Writer
}

// NewDataWriter wraps w for writing DATA records.
func NewDataWriter(w io.Writer) *DataWriter {
	return &DataWriter{w: bufio.NewWriter(w)}
}

// WriteLine emits line with a trailing newline, without flushing.
func (d *DataWriter) WriteLine(line string) error {
	if _, err := d.w.WriteString(line); err != nil {
		return err
	}
	if !strings.HasSuffix(line, "\n") {
		if err := d.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes buffered DATA output to the underlying writer.
func (d *DataWriter) Flush() error {
	return d.w.Flush()
}
