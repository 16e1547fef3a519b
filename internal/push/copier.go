// Package push ships checked per-server trees to the name servers and
// triggers their reload.
package push

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"bindmgr/internal/model"
)

// Copier is the narrow file-copy channel the pusher consumes. The SSH
// implementation below is the production one; tests use an in-memory
// fake.
type Copier interface {
	MkdirAll(ctx context.Context, server model.DnsServer, path string) error
	Put(ctx context.Context, server model.DnsServer, path string, data []byte, mode fs.FileMode) error
	Remove(ctx context.Context, server model.DnsServer, path string) error
	TryLock(ctx context.Context, server model.DnsServer, path, token string) error
	Exec(ctx context.Context, server model.DnsServer, command string) (string, error)
}

// SSHCopier copies files by running remote shell commands over SSH.
type SSHCopier struct {
	KeyFile        string
	KnownHostsFile string
}

func (c *SSHCopier) dial(server model.DnsServer) (*ssh.Client, error) {
	key, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("could not parse ssh key: %w", err)
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("could not load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}
	cfg := &ssh.ClientConfig{
		User:            server.LoginName,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	}
	return ssh.Dial("tcp", net.JoinHostPort(server.Name, "22"), cfg)
}

func (c *SSHCopier) session(server model.DnsServer) (*ssh.Client, *ssh.Session, error) {
	client, err := c.dial(server)
	if err != nil {
		return nil, nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, sess, nil
}

func (c *SSHCopier) Exec(ctx context.Context, server model.DnsServer, command string) (string, error) {
	client, sess, err := c.session(server)
	if err != nil {
		return "", err
	}
	defer client.Close()
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return out.String(), ctx.Err()
	case err := <-done:
		return out.String(), err
	}
}

func (c *SSHCopier) MkdirAll(ctx context.Context, server model.DnsServer, path string) error {
	_, err := c.Exec(ctx, server, "mkdir -p "+shellQuote(path))
	return err
}

func (c *SSHCopier) Put(ctx context.Context, server model.DnsServer, path string, data []byte, mode fs.FileMode) error {
	client, sess, err := c.session(server)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sess.Close()

	sess.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("cat > %s && chmod %o %s", shellQuote(path), mode.Perm(), shellQuote(path))
	if err := sess.Run(cmd); err != nil {
		return fmt.Errorf("remote write of %s failed: %w", path, err)
	}
	return nil
}

func (c *SSHCopier) Remove(ctx context.Context, server model.DnsServer, path string) error {
	_, err := c.Exec(ctx, server, "rm -f "+shellQuote(path))
	return err
}

// TryLock creates the advisory lock file, failing if it already exists.
func (c *SSHCopier) TryLock(ctx context.Context, server model.DnsServer, path, token string) error {
	cmd := fmt.Sprintf("set -C; echo %s > %s", shellQuote(token), shellQuote(path))
	if out, err := c.Exec(ctx, server, cmd); err != nil {
		return fmt.Errorf("push lock %s is held: %w (%s)", path, err, strings.TrimSpace(out))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
