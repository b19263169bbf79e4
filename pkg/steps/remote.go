package steps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/transports/ssh"
)

// RemoteConnection holds the SSH connection parameters shared by the
// remote step handlers. Fields are flattened into the step parameters.
type RemoteConnection struct {
	// Host is the remote hostname or IP address.
	Host string `json:"host" validate:"required"`

	// Port is the SSH port (default: 22).
	Port int `json:"port,omitempty"`

	// User is the SSH username.
	User string `json:"user" validate:"required"`

	// AuthMethod is password or key (default: key).
	AuthMethod string `json:"auth_method,omitempty" validate:"omitempty,oneof=password key"`

	// Password for password authentication.
	Password string `json:"password,omitempty"`

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string `json:"private_key_path,omitempty"`

	// PrivateKeyPassphrase decrypts an encrypted private key.
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty"`

	// KnownHostsPath overrides the known_hosts file.
	KnownHostsPath string `json:"known_hosts_path,omitempty"`

	// InsecureSkipHostKey disables host key verification.
	InsecureSkipHostKey bool `json:"insecure_skip_host_key,omitempty"`

	// ConnectTimeout bounds connection establishment (e.g. "30s").
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// transportConfig converts the connection parameters into a transport
// configuration.
func (rc *RemoteConnection) transportConfig() (*ssh.Config, error) {
	cfg := ssh.DefaultConfig(rc.Host, rc.User)

	if rc.Port != 0 {
		cfg.Port = rc.Port
	}
	if rc.AuthMethod != "" {
		cfg.AuthMethod = ssh.AuthMethod(rc.AuthMethod)
	}
	cfg.Password = rc.Password
	cfg.PrivateKeyPath = rc.PrivateKeyPath
	cfg.PrivateKeyPassphrase = rc.PrivateKeyPassphrase

	if rc.KnownHostsPath != "" {
		cfg.KnownHostsPath = rc.KnownHostsPath
	}
	if rc.InsecureSkipHostKey {
		cfg.StrictHostKeyChecking = false
	}

	if rc.ConnectTimeout != "" {
		d, err := time.ParseDuration(rc.ConnectTimeout)
		if err != nil {
			return nil, engine.NewPermanentError("invalid connect_timeout", err).
				WithCode(engine.ErrCodeValidation)
		}
		cfg.ConnectionTimeout = d
	}

	return cfg, nil
}

// remoteClient is the slice of the SSH transport the remote handlers use.
type remoteClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Run(ctx context.Context, cmd string) (string, string, error)
	RunSudo(ctx context.Context, cmd string, sudoPassword string) (string, string, error)
	Upload(ctx context.Context, localPath string, remotePath string, mode uint32) error
	Checksum(ctx context.Context, remotePath string) (string, error)
}

// dialFunc establishes a connected remote client.
type dialFunc func(ctx context.Context, cfg *ssh.Config) (remoteClient, error)

func dialRemote(ctx context.Context, cfg *ssh.Config) (remoteClient, error) {
	client, err := ssh.NewClient(cfg)
	if err != nil {
		return nil, engine.NewPermanentError("invalid remote connection parameters", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, engine.NewTransientError(
			fmt.Sprintf("failed to connect to %s", cfg.Address()), err)
	}
	return client, nil
}

// mapTransportError converts a transport failure into an engine error,
// preserving whether it is worth retrying.
func mapTransportError(message string, err error) error {
	var terr *ssh.TransportError
	if errors.As(err, &terr) && !terr.Temporary() {
		return engine.NewPermanentError(message, err).WithCode(engine.ErrCodeStepFailed)
	}
	return engine.NewTransientError(message, err)
}

// RemoteExecParams configure a command run on a remote host.
type RemoteExecParams struct {
	RemoteConnection

	// Command is the command line to run.
	Command string `json:"command" validate:"required"`

	// Sudo runs the command with sudo.
	Sudo bool `json:"sudo,omitempty"`

	// SudoPassword is fed to sudo when set.
	SudoPassword string `json:"sudo_password,omitempty"`
}

// RemoteExecStep runs a command on a remote host over SSH.
type RemoteExecStep struct {
	dial dialFunc
}

// NewRemoteExecStep creates the remote command handler.
func NewRemoteExecStep() *RemoteExecStep {
	return &RemoteExecStep{dial: dialRemote}
}

// Execute implements engine.StepHandler.
func (s *RemoteExecStep) Execute(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
	var params RemoteExecParams
	if err := decodeParams(inv.Parameters, &params); err != nil {
		return nil, err
	}

	cfg, err := params.transportConfig()
	if err != nil {
		return nil, err
	}

	client, err := s.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			log.Warn().Err(err).Str("host", params.Host).Msg("failed to disconnect")
		}
	}()

	var stdout, stderr string
	if params.Sudo {
		stdout, stderr, err = client.RunSudo(ctx, params.Command, params.SudoPassword)
	} else {
		stdout, stderr, err = client.Run(ctx, params.Command)
	}
	if err != nil {
		return nil, mapTransportError(
			fmt.Sprintf("remote command failed on %s", params.Host), err)
	}

	return &engine.StepOutput{
		Output: stdout,
		Data: map[string]interface{}{
			"host":   params.Host,
			"stdout": truncateOutput(stdout, maxCapturedOutput),
			"stderr": truncateOutput(stderr, maxCapturedOutput),
		},
	}, nil
}

// RemoteCopyParams configure a file upload to a remote host.
type RemoteCopyParams struct {
	RemoteConnection

	// Source is the local file to upload.
	Source string `json:"source" validate:"required"`

	// Dest is the remote destination path.
	Dest string `json:"dest" validate:"required"`

	// Mode sets remote permissions as an octal string (e.g. "0644").
	Mode string `json:"mode,omitempty"`

	// Verify compares remote and local checksums after upload.
	Verify bool `json:"verify,omitempty"`
}

// RemoteCopyStep uploads a local file to a remote host over SFTP.
type RemoteCopyStep struct {
	dial dialFunc
}

// NewRemoteCopyStep creates the remote copy handler.
func NewRemoteCopyStep() *RemoteCopyStep {
	return &RemoteCopyStep{dial: dialRemote}
}

// Execute implements engine.StepHandler.
func (s *RemoteCopyStep) Execute(ctx context.Context, inv engine.StepInvocation) (*engine.StepOutput, error) {
	var params RemoteCopyParams
	if err := decodeParams(inv.Parameters, &params); err != nil {
		return nil, err
	}

	var mode uint32
	if params.Mode != "" {
		parsed, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return nil, engine.NewPermanentError("invalid file mode", err).
				WithCode(engine.ErrCodeValidation).
				WithDetail("mode", params.Mode)
		}
		mode = uint32(parsed)
	}

	cfg, err := params.transportConfig()
	if err != nil {
		return nil, err
	}

	client, err := s.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			log.Warn().Err(err).Str("host", params.Host).Msg("failed to disconnect")
		}
	}()

	if err := client.Upload(ctx, params.Source, params.Dest, mode); err != nil {
		return nil, mapTransportError(
			fmt.Sprintf("failed to upload %s to %s", params.Source, params.Host), err)
	}

	data := map[string]interface{}{
		"host":   params.Host,
		"source": params.Source,
		"dest":   params.Dest,
	}

	if params.Verify {
		localSum, err := ssh.LocalChecksum(params.Source)
		if err != nil {
			return nil, engine.NewTransientError("failed to checksum local file", err)
		}
		remoteSum, err := client.Checksum(ctx, params.Dest)
		if err != nil {
			return nil, mapTransportError("failed to checksum remote file", err)
		}
		if localSum != remoteSum {
			return nil, engine.NewTransientError(
				fmt.Sprintf("checksum mismatch after upload to %s", params.Host), nil)
		}
		data["checksum"] = remoteSum
	}

	return &engine.StepOutput{
		Output: fmt.Sprintf("uploaded %s to %s:%s", params.Source, params.Host, params.Dest),
		Data:   data,
	}, nil
}
