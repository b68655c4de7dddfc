// Package wordcount counts whitespace-separated token occurrences
// across all input files. The finalizer prints "token,count" lines
// sorted by count descending, then token ascending.
package wordcount

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cuemby/parafile/pkg/jobdef"
)

func init() {
	jobdef.Register("wordcount", func() jobdef.Job { return &Job{counts: make(map[string]int)} })
}

// Job accumulates token counts across Reduce calls.
type Job struct {
	counts map[string]int
}

// Map emits each whitespace-separated token of the local file on its
// own line.
func (j *Job) Map(localPath, uri string, emit func(line string)) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	return scanner.Err()
}

// Reduce counts one token occurrence.
func (j *Job) Reduce(line string) error {
	token := strings.TrimSpace(line)
	if token != "" {
		j.counts[token]++
	}
	return nil
}

// Finalize writes "token,count" sorted by count descending, then token
// ascending.
func (j *Job) Finalize(w io.Writer) error {
	tokens := make([]string, 0, len(j.counts))
	for token := range j.counts {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(a, b int) bool {
		if j.counts[tokens[a]] != j.counts[tokens[b]] {
			return j.counts[tokens[a]] > j.counts[tokens[b]]
		}
		return tokens[a] < tokens[b]
	})
	for _, token := range tokens {
		if _, err := fmt.Fprintf(w, "%s,%d\n", token, j.counts[token]); err != nil {
			return err
		}
	}
	return nil
}
