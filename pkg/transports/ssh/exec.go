package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes cmd on the remote host and returns trimmed stdout and stderr.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	return c.exec(ctx, remoteCommand{line: cmd})
}

// RunSudo executes cmd under sudo. sudoPassword may be empty when the
// remote account has NOPASSWD.
func (c *Client) RunSudo(ctx context.Context, cmd string, sudoPassword string) (string, string, error) {
	return c.exec(ctx, remoteCommand{line: cmd, sudo: true, sudoPassword: sudoPassword})
}

// remoteCommand is one command line plus its sudo wrapping.
type remoteCommand struct {
	line         string
	sudo         bool
	sudoPassword string
}

// wire returns the line to hand to the remote shell and the stdin to feed
// it, nil when none is needed.
func (rc remoteCommand) wire() (string, io.Reader) {
	if !rc.sudo {
		return rc.line, nil
	}
	if rc.sudoPassword == "" {
		return "sudo " + rc.line, nil
	}
	return "sudo -S " + rc.line, strings.NewReader(rc.sudoPassword + "\n")
}

func (c *Client) exec(ctx context.Context, rc remoteCommand) (string, string, error) {
	started := time.Now()
	log.Debug().Str("command", rc.line).Bool("sudo", rc.sudo).Msg("executing command")

	conn, err := c.connection()
	if err != nil {
		return "", "", err
	}

	session, err := conn.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("new session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	line, stdin := rc.wire()
	if stdin != nil {
		session.Stdin = stdin
	}

	execErr := runSession(ctx, session, line)

	stdout := strings.TrimSpace(outBuf.String())
	stderr := strings.TrimSpace(errBuf.String())

	log.Debug().
		Str("command", rc.line).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(started)).
		Err(execErr).
		Msg("command completed")

	switch e := execErr.(type) {
	case nil:
		return stdout, stderr, nil
	case *ssh.ExitError:
		// Ran to completion with a non-zero exit; not worth retrying.
		return stdout, stderr, &TransportError{
			Op:  "exec",
			Err: fmt.Errorf("command exited with code %d: %s", e.ExitStatus(), stderr),
		}
	default:
		return stdout, stderr, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
	}
}

// runSession runs line and enforces ctx. On cancellation the remote
// process gets SIGTERM, then SIGKILL shortly after.
func runSession(ctx context.Context, session *ssh.Session, line string) error {
	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

// RunScript ships script to a temp file on the remote host, runs it with
// interpreter (directly when empty), and removes the file afterwards.
func (c *Client) RunScript(ctx context.Context, script string, interpreter string, useSudo bool, sudoPassword string) (string, string, error) {
	remote := fmt.Sprintf("/tmp/taskforge-script-%d.sh", time.Now().UnixNano())

	log.Debug().
		Str("tmpfile", remote).
		Str("interpreter", interpreter).
		Bool("sudo", useSudo).
		Msg("executing script")

	heredoc := fmt.Sprintf("cat > %s << 'TASKFORGE_SCRIPT_EOF'\n%s\nTASKFORGE_SCRIPT_EOF", remote, script)
	if _, _, err := c.Run(ctx, heredoc); err != nil {
		return "", "", fmt.Errorf("stage script: %w", err)
	}

	chmod := remoteCommand{line: "chmod +x " + remote, sudo: useSudo, sudoPassword: sudoPassword}
	if _, _, err := c.exec(ctx, chmod); err != nil {
		return "", "", fmt.Errorf("mark script executable: %w", err)
	}

	run := remote
	if interpreter != "" {
		run = interpreter + " " + remote
	}
	stdout, stderr, err := c.exec(ctx, remoteCommand{line: run, sudo: useSudo, sudoPassword: sudoPassword})

	cleanup := remoteCommand{line: "rm -f " + remote, sudo: useSudo, sudoPassword: sudoPassword}
	if _, _, rmErr := c.exec(ctx, cleanup); rmErr != nil {
		log.Warn().Err(rmErr).Str("tmpfile", remote).Msg("script cleanup failed")
	}

	return stdout, stderr, err
}
