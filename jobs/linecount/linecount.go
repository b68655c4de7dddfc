// Package linecount totals the number of lines across all input
// files. A minimal job, mostly useful as a smoke test of the plugin
// contract.
package linecount

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/parafile/pkg/jobdef"
)

func init() {
	jobdef.Register("linecount", func() jobdef.Job { return &Job{} })
}

// Job sums per-file line counts.
type Job struct {
	total int64
}

// Map emits one record holding the file's line count.
func (j *Job) Map(localPath, uri string, emit func(line string)) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var lines int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	emit(fmt.Sprintf("%d", lines))
	return nil
}

// Reduce adds one mapper's per-file count to the total.
func (j *Job) Reduce(line string) error {
	var n int64
	if _, err := fmt.Sscanf(line, "%d", &n); err != nil {
		return fmt.Errorf("malformed count %q: %w", line, err)
	}
	j.total += n
	return nil
}

// Finalize prints the grand total.
func (j *Job) Finalize(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d\n", j.total)
	return err
}
