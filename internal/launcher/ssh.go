package launcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/seantiz/foundry/internal/hosts"
)

const defaultSSHPort = "22"

// SSH runs commands on remote hosts with public key authentication. Host
// keys are checked against the known hosts file.
type SSH struct {
	logger *slog.Logger
}

// NewSSH returns the default remote transport.
func NewSSH(logger *slog.Logger) *SSH { return &SSH{logger: logger} }

// Run executes command on host and returns its combined output.
func (s *SSH) Run(ctx context.Context, host *hosts.Host, command string) (string, error) {
	cfg, err := clientConfig(host)
	if err != nil {
		return "", err
	}
	addr := host.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultSSHPort)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	// Closing the client unblocks the session when ctx ends first.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	s.logger.Debug("running remote command", "host", host.HostName, "command", command)
	if err := session.Run(command); err != nil {
		if ctx.Err() != nil {
			return out.String(), ctx.Err()
		}
		return out.String(), fmt.Errorf("remote command: %w: %s", err, bytes.TrimSpace(out.Bytes()))
	}
	return out.String(), nil
}

func clientConfig(host *hosts.Host) (*ssh.ClientConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	keyFile := host.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(home, ".ssh", "id_ed25519")
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", keyFile, err)
	}

	knownHostsFile := host.KnownHosts
	if knownHostsFile == "" {
		knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	name := host.User
	if name == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("resolve ssh user: %w", err)
		}
		name = u.Username
	}
	return &ssh.ClientConfig{
		User:            name,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
	}, nil
}
