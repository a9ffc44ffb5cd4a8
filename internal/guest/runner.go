// Package guest runs configuration scripts inside freshly cloned VMs over
// SSH. It is the channel behind the clone workflow's optional guest-setup
// phase; the orchestration core only sees the GuestRunner interface.
package guest

import (
	"context"
	"fmt"
	"net"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
)

// Configurator uploads a script to a guest and executes it.
type Configurator struct {
	User       string
	Port       int
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Log        zerolog.Logger
}

func (c *Configurator) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, fmt.Errorf("guest: signer required")
	}
	hostKeys := c.KnownHosts
	if hostKeys == nil {
		// Freshly cloned guests have freshly generated host keys; there is
		// nothing to pin them against yet.
		hostKeys = xssh.InsecureIgnoreHostKey()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

// RunScript uploads scriptPath into the guest at addr, executes it and
// returns the combined output. Dial failures are retried with basic
// backoff: a guest that just reported an address may not accept
// connections for a few more seconds.
func (c *Configurator) RunScript(ctx context.Context, addr, scriptPath string) (string, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return "", err
	}
	target := net.JoinHostPort(addr, fmt.Sprintf("%d", c.port()))
	cli, err := c.dial(ctx, target, cfg)
	if err != nil {
		return "", fmt.Errorf("dial guest %s: %w", target, err)
	}
	defer cli.Close()

	remote := path.Join("/tmp", "vmherd-setup-"+path.Base(scriptPath))
	if err := pushFile(cli, scriptPath, remote); err != nil {
		return "", fmt.Errorf("upload script: %w", err)
	}
	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(fmt.Sprintf("sh %s && rm -f %s", remote, remote))
	if err != nil {
		return string(out), fmt.Errorf("run script: %w", err)
	}
	c.Log.Debug().Str("addr", addr).Str("script", scriptPath).Msg("guest script finished")
	return string(out), nil
}

func (c *Configurator) port() int {
	if c.Port > 0 {
		return c.Port
	}
	return 22
}

func (c *Configurator) dial(ctx context.Context, target string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		cli, err := xssh.Dial("tcp", target, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, lastErr
}

// pushFile writes local file content to the guest via SFTP.
func pushFile(cli *xssh.Client, localPath, remotePath string) error {
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := copyTo(sf, localPath, remotePath); err != nil {
		return err
	}
	return sf.Chmod(remotePath, 0o755)
}
