package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Remote is the blocking view of one SSH login. Transport drives it from
// background workers.
type Remote interface {
	Run(ctx context.Context, cmd string) (string, error)
	Download(ctx context.Context, remotePath, localPath string) error
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// Prompter supplies a password when the credentials carry none.
type Prompter func(c Credentials) (string, error)

// Conn is one authenticated SSH session with an SFTP subsystem on top.
type Conn struct {
	client *ssh.Client
	sftp   *sftp.Client
	agent  net.Conn

	closeOnce sync.Once
}

// Dial opens and authenticates a connection. Authentication is attempted as
// none, then public key, then password / keyboard-interactive; the server
// decides which of these it offers. On any error every resource opened so far
// is released.
func Dial(ctx context.Context, cfg Config, creds Credentials, prompt Prompter) (*Conn, error) {
	if strings.TrimSpace(creds.Host) == "" {
		return nil, fmt.Errorf("ssh host is empty")
	}
	user := creds.Username
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return nil, fmt.Errorf("ssh user is empty")
	}

	hk, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	c := &Conn{}
	auth, err := c.authMethods(cfg, creds, &passwordSource{creds: creds, prompt: prompt})
	if err != nil {
		c.Close()
		return nil, err
	}

	addr := creds.Addr(cfg.Port)
	sshCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         cfg.Timeout,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// the handshake can hang without a deadline
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		c.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	c.client = ssh.NewClient(cconn, chans, reqs)

	sc, err := sftp.NewClient(c.client)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("sftp subsystem: %w", err)
	}
	c.sftp = sc

	return c, nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	hk, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known_hosts %s: %w", cfg.KnownHostsPath, err)
	}
	return hk, nil
}

func (c *Conn) authMethods(cfg Config, creds Credentials, pw *passwordSource) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	var signers []ssh.Signer
	if cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			ac, err := net.Dial("unix", sock)
			if err == nil {
				c.agent = ac
				as, err := agent.NewClient(ac).Signers()
				if err == nil {
					signers = append(signers, filterSigners(as, creds.PublicKeyPath)...)
				}
			}
		}
	}
	if creds.PrivateKeyPath != "" {
		s, err := loadPrivateKey(creds.PrivateKeyPath, creds.Password)
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	methods = append(methods,
		ssh.PasswordCallback(pw.get),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			if len(questions) == 0 {
				return answers, nil
			}
			p, err := pw.get()
			if err != nil {
				return nil, err
			}
			for i := range questions {
				answers[i] = p
			}
			return answers, nil
		}),
	)
	return methods, nil
}

// filterSigners keeps only the agent key matching the configured public key,
// or every key when none is configured.
func filterSigners(signers []ssh.Signer, publicKeyPath string) []ssh.Signer {
	if publicKeyPath == "" {
		return signers
	}
	b, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return signers
	}
	want, _, _, _, err := ssh.ParseAuthorizedKey(b)
	if err != nil {
		return signers
	}
	for _, s := range signers {
		if bytes.Equal(s.PublicKey().Marshal(), want.Marshal()) {
			return []ssh.Signer{s}
		}
	}
	return nil
}

func loadPrivateKey(p, passphrase string) (ssh.Signer, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	s, err := ssh.ParsePrivateKey(b)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		s, err = ssh.ParsePrivateKeyWithPassphrase(b, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", p, err)
	}
	return s, nil
}

// passwordSource hands out the configured password, prompting at most once
// per dial when none is configured.
type passwordSource struct {
	creds  Credentials
	prompt Prompter

	once sync.Once
	pw   string
	err  error
}

func (p *passwordSource) get() (string, error) {
	if p.creds.Password != "" {
		return p.creds.Password, nil
	}
	p.once.Do(func() {
		if p.prompt == nil {
			p.err = fmt.Errorf("ssh password is empty")
			return
		}
		p.pw, p.err = p.prompt(p.creds)
	})
	return p.pw, p.err
}

// Run executes cmd in a fresh session and returns its stdout. A non-zero exit
// status is returned as an error together with whatever stdout was produced.
func (c *Conn) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		err := sess.Run(cmd)
		sess.Close()
		done <- err
	}()

	select {
	case <-ctx.Done():
		// the remote command keeps running, only the wait is abandoned
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%s: %w", msg, err)
			}
			return stdout.String(), err
		}
		return stdout.String(), nil
	}
}

// Download copies remotePath into localPath through a temporary sibling file.
func (c *Conn) Download(ctx context.Context, remotePath, localPath string) error {
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), localPath)
}

// Upload copies localPath to remotePath, creating parent directories and
// keeping the local permission bits.
func (c *Conn) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return err
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := c.sftp.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir remote %s: %w", dir, err)
		}
	}
	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	if _, err := dst.ReadFrom(&ctxReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return c.sftp.Chmod(remotePath, fi.Mode().Perm())
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.sftp != nil {
			_ = c.sftp.Close()
		}
		if c.client != nil {
			err = c.client.Close()
		}
		if c.agent != nil {
			_ = c.agent.Close()
		}
	})
	return err
}

// ctxReader stops a copy loop once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
