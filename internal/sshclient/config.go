package sshclient

import (
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds transport-wide settings that are not part of a login.
type Config struct {
	Timeout time.Duration
	Port    int

	// KnownHostsPath enables host key verification. Empty means lab mode
	// (any host key is accepted).
	KnownHostsPath string

	// UseAgent offers ssh-agent signers when SSH_AUTH_SOCK is set.
	UseAgent bool
}

func LoadConfig() Config {
	timeout := 10 * time.Second
	if v := os.Getenv("SSH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	port := 22
	if v := os.Getenv("SSH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			port = n
		}
	}

	return Config{
		Timeout:        timeout,
		Port:           port,
		KnownHostsPath: os.Getenv("SSH_KNOWN_HOSTS"),
		UseAgent:       os.Getenv("SSH_AUTH_SOCK") != "",
	}
}

// Credentials identify one login on one host. It is a plain value: copies
// never share state and two logins are equal when all fields are equal.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string

	PublicKeyPath  string
	PrivateKeyPath string
}

// Addr returns host:port, falling back to the configured default port.
func (c Credentials) Addr(defaultPort int) string {
	port := c.Port
	if port <= 0 {
		port = defaultPort
	}
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
