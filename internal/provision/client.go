// Package provision executes topology provisioning steps inside guests over SSH.
package provision

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/hostforge/vmlab/internal/domain"
)

// Client is an SSH connection to a single guest, dialed lazily and redialed
// if the transport drops (guest reboots between steps are routine).
type Client struct {
	addr    string
	user    string
	keyPath string
	logger  *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

func NewClient(host string, port int, user, keyPath string, logger *slog.Logger) *Client {
	return &Client{
		addr:    fmt.Sprintf("%s:%d", host, port),
		user:    user,
		keyPath: keyPath,
		logger:  logger,
	}
}

// WaitForBoot dials until sshd answers or the timeout passes.
func (c *Client) WaitForBoot(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("guest not reachable after %v: %w", timeout, lastErr)
		}

		if err := c.connect(); err != nil {
			lastErr = err
			time.Sleep(2 * time.Second)
			continue
		}
		return nil
	}
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}
	return c.dialLocked()
}

func (c *Client) dialLocked() error {
	key, err := os.ReadFile(c.keyPath)
	if err != nil {
		return fmt.Errorf("read key %s: %w", c.keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parse key %s: %w", c.keyPath, err)
	}

	cfg := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	client, err := ssh.Dial("tcp", c.addr, cfg)
	if err != nil {
		return err
	}
	c.client = client
	return nil
}

func (c *Client) session() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		if err := c.dialLocked(); err != nil {
			return nil, err
		}
	}

	sess, err := c.client.NewSession()
	if err == nil {
		return sess, nil
	}

	// Stale transport; redial once.
	c.client.Close()
	c.client = nil
	if err := c.dialLocked(); err != nil {
		return nil, err
	}
	return c.client.NewSession()
}

// Run executes a command in the guest and returns its combined output.
func (c *Client) Run(ctx context.Context, command string) ([]byte, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()
	err = sess.Run(command)
	close(done)

	if ctx.Err() != nil {
		return out.Bytes(), ctx.Err()
	}
	return out.Bytes(), err
}

// WriteFile streams data to path in the guest and applies mode (e.g. "0755").
func (c *Client) WriteFile(ctx context.Context, path string, data []byte, mode string) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Stdin = bytes.NewReader(data)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()
	err = sess.Run(fmt.Sprintf("cat > %s && chmod %s %s", shellQuote(path), mode, shellQuote(path)))
	close(done)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// RunStep executes one provisioning step, uploading script steps into the
// guest first. Failures carry the machine name, step index and guest output.
func (c *Client) RunStep(ctx context.Context, machine string, index int, step domain.ProvisionStep) error {
	command := step.Run
	if step.Script != "" {
		data, err := os.ReadFile(step.Script)
		if err != nil {
			return domain.ErrProvision{Machine: machine, StepIndex: index, Step: step.Label(), Err: err}
		}
		remote := fmt.Sprintf("/tmp/vmlab-step-%d.sh", index)
		if err := c.WriteFile(ctx, remote, data, "0755"); err != nil {
			return domain.ErrProvision{Machine: machine, StepIndex: index, Step: step.Label(), Err: err}
		}
		command = remote
	}

	c.logger.Info("provisioning", "machine", machine, "step", index, "cmd", step.Label())

	out, err := c.Run(ctx, command)
	if err != nil {
		return domain.ErrProvision{
			Machine:   machine,
			StepIndex: index,
			Step:      step.Label(),
			Output:    strings.TrimSpace(string(out)),
			Err:       err,
		}
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
