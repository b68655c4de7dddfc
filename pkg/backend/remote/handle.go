package remote

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/cuemby/parafile/pkg/backend"
)

// handle is one mapper running in an SSH session. The session's three
// streams take the role local pipes play for the local backend.
type handle struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

// launchMapper opens a fresh session on client and execs the mapper
// entrypoint against the remote copy of the job descriptor.
func launchMapper(client *ssh.Client, remoteConfigPath string) (backend.MapperHandle, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Start(fmt.Sprintf("parafile internal mapper %s", remoteConfigPath)); err != nil {
		session.Close()
		return nil, err
	}
	return &handle{session: session, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// Input returns the session's stdin. Its Close half-closes the SSH
// channel (CloseWrite at the channel layer); closing the local write
// side alone does not deliver EOF to the remote mapper, so this close
// must always be issued after the final URI.
func (h *handle) Input() io.WriteCloser { return h.stdin }

func (h *handle) Data() io.Reader    { return h.stdout }
func (h *handle) Control() io.Reader { return h.stderr }

func (h *handle) Wait() error {
	err := h.session.Wait()
	h.session.Close()
	return err
}

func (h *handle) Kill() error {
	_ = h.session.Signal(ssh.SIGKILL)
	return h.session.Close()
}

// Pid returns 0: the process lives on another host and cannot be
// CPU-sampled from here.
func (h *handle) Pid() int { return 0 }
