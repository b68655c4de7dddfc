package local

import (
	"io"
	"os/exec"
	"sync"
)

// ReducerProc is the single local reducer child. The reducer always
// runs on this host, regardless of which backend runs the mappers.
type ReducerProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	waitOnce sync.Once
	waitErr  error
}

// StartReducer launches "binary internal reducer configPath" with its
// stdout connected to the job's output artifact. Deliberately not tied
// to the job context: on abort the reducer must still see its input
// close and run the finalizer, not be killed mid-write.
func StartReducer(binary, configPath string, output io.Writer) (*ReducerProc, error) {
	cmd := exec.Command(binary, "internal", "reducer", configPath)
	cmd.Stdout = output

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &ReducerProc{cmd: cmd, stdin: stdin}, nil
}

// Input is the reducer's stdin, one record per line.
func (r *ReducerProc) Input() io.WriteCloser { return r.stdin }

// Wait blocks until the reducer exits; non-nil iff it exited nonzero.
func (r *ReducerProc) Wait() error {
	r.waitOnce.Do(func() {
		r.waitErr = r.cmd.Wait()
	})
	return r.waitErr
}
