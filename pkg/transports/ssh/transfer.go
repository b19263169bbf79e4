package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload copies a local file to the remote host over SFTP, creating parent
// directories as needed. A non-zero mode is applied after the copy.
func (c *Client) Upload(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	started := time.Now()
	log.Debug().Str("local", localPath).Str("remote", remotePath).Uint32("mode", mode).Msg("upload starting")

	src, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("open local file: %w", err)}
	}
	defer src.Close()

	sftpClient, err := c.sftpSession()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("create remote directory: %w", err)}
	}
	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer dst.Close()

	written, err := io.Copy(dst, &cancelReader{ctx: ctx, r: src})
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("copy: %w", err), IsTemporary: true}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("chmod after upload failed")
		}
	}

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(started)).
		Msg("upload complete")
	return nil
}

// Download copies a remote file to the local filesystem over SFTP.
func (c *Client) Download(ctx context.Context, remotePath string, localPath string) error {
	started := time.Now()
	log.Debug().Str("remote", remotePath).Str("local", localPath).Msg("download starting")

	sftpClient, err := c.sftpSession()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	src, err := sftpClient.Open(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("open remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("create local directory: %w", err)}
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("create local file: %w", err)}
	}
	defer dst.Close()

	written, err := io.Copy(dst, &cancelReader{ctx: ctx, r: src})
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("copy: %w", err), IsTemporary: true}
	}

	log.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", written).
		Dur("duration", time.Since(started)).
		Msg("download complete")
	return nil
}

// Chmod sets permissions on a remote file.
func (c *Client) Chmod(ctx context.Context, remotePath string, mode uint32) error {
	sftpClient, err := c.sftpSession()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
		return &TransportError{Op: "chmod", Err: fmt.Errorf("set permissions: %w", err)}
	}
	return nil
}

// Checksum returns the SHA256 of a remote file, computed remotely so the
// content never crosses the wire.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	stdout, stderr, err := c.Run(ctx, "sha256sum "+remotePath)
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("remote sha256sum: %s", stderr)}
	}

	// sha256sum prints "<hex>  <name>".
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("unexpected sha256sum output: %q", stdout)}
	}
	return fields[0], nil
}

// LocalChecksum returns the SHA256 of a local file, for verifying
// transfers end to end.
func LocalChecksum(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sftpSession opens a fresh SFTP client over the current connection.
func (c *Client) sftpSession() (*sftp.Client, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("start sftp subsystem: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// cancelReader fails the next Read once ctx is done, so a transfer cannot
// outlive its caller by more than one chunk.
type cancelReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *cancelReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
