// Package sshsession implements the per-executor SSH exclusion lock,
// credential parsing, and the validator's persistent ed25519 key
// lifecycle. The lock is the core mechanism preventing two validators
// (or a validator and a rental) from touching the same executor at
// once: acquire never blocks, it fails immediately if already held.
package sshsession

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
)

// Manager tracks which executors currently have an in-flight SSH
// session. The zero value is not usable; construct with NewManager.
type Manager struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{active: make(map[string]struct{})}
}

// Guard is an RAII-style handle: Release is safe to call multiple
// times and idempotent, so it can be deferred unconditionally right
// after a successful Acquire.
type Guard struct {
	m          *Manager
	executorID string
	released   bool
	mu         sync.Mutex
}

// Acquire marks executorID as having an in-flight session. It never
// blocks: if the id is already present, it returns immediately with a
// KindInvalidState error.
func (m *Manager) Acquire(executorID string) (*Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[executorID]; busy {
		return nil, apperr.New(apperr.KindInvalidState, "Concurrent SSH session already active")
	}
	m.active[executorID] = struct{}{}
	return &Guard{m: m, executorID: executorID}, nil
}

// Release drops the exclusion lock. Safe to call more than once.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	g.m.mu.Lock()
	delete(g.m.active, g.executorID)
	g.m.mu.Unlock()
}

// Held reports whether executorID currently has an active session.
// Intended for tests and metrics, not for acquire-then-check races.
func (m *Manager) Held(executorID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[executorID]
	return ok
}

// Credentials is a parsed SSH target: host, port, and login user.
type Credentials struct {
	User string
	Host string
	Port int
}

// ParseCredentials accepts three forms:
//
//	"ssh user@host -p port"
//	"user@host:port"
//	"host:port" (user defaults to root)
func ParseCredentials(s string) (Credentials, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "ssh "):
		return parseSSHCommandForm(s)
	case strings.Contains(s, "@"):
		return parseUserHostPortForm(s)
	default:
		return parseHostPortForm(s)
	}
}

func parseSSHCommandForm(s string) (Credentials, error) {
	fields := strings.Fields(s)
	var userHost string
	var port int
	for i := 1; i < len(fields); i++ {
		switch {
		case fields[i] == "-p" && i+1 < len(fields):
			p, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return Credentials{}, apperr.Wrap(apperr.KindValidation, "bad port spec", err)
			}
			port = p
			i++
		case userHost == "":
			userHost = fields[i]
		}
	}
	if userHost == "" {
		return Credentials{}, apperr.New(apperr.KindValidation, "missing user@host in ssh command form")
	}
	user, host, foundUser := strings.Cut(userHost, "@")
	if !foundUser {
		user, host = "root", userHost
	}
	if port == 0 {
		port = 22
	}
	return Credentials{User: user, Host: host, Port: port}, nil
}

func parseUserHostPortForm(s string) (Credentials, error) {
	user, hostPort, _ := strings.Cut(s, "@")
	host, portStr, hasPort := strings.Cut(hostPort, ":")
	port := 22
	if hasPort {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return Credentials{}, apperr.Wrap(apperr.KindValidation, "bad port spec", err)
		}
		port = p
	}
	if user == "" || host == "" {
		return Credentials{}, apperr.New(apperr.KindValidation, "bad user@host:port spec")
	}
	return Credentials{User: user, Host: host, Port: port}, nil
}

func parseHostPortForm(s string) (Credentials, error) {
	host, portStr, hasPort := strings.Cut(s, ":")
	if host == "" || !hasPort {
		return Credentials{}, apperr.New(apperr.KindValidation, "bad host:port spec")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Credentials{}, apperr.Wrap(apperr.KindValidation, "bad port spec", err)
	}
	return Credentials{User: "root", Host: host, Port: port}, nil
}

// HostKey is the validator's persistent identity, generated once per
// install and reused across every InitiateSshSession request.
type HostKey struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateHostKey mints a fresh ed25519 key pair.
func GenerateHostKey() (HostKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return HostKey{}, fmt.Errorf("generate ssh host key: %w", err)
	}
	return HostKey{Public: pub, Private: priv}, nil
}

// Signer adapts the host key to golang.org/x/crypto/ssh's ssh.Signer
// for use as an auth method when dialing an executor.
func (k HostKey) Signer() (ssh.Signer, error) {
	return ssh.NewSignerFromSigner(k.Private)
}

// DialConfig bundles the timeouts and host key used to dial an executor.
type DialConfig struct {
	ConnectTimeout time.Duration
	HostKey        HostKey
	// HostKeyCallback validates the executor's server key. Executors
	// are not yet trust-on-first-use pinned in this control plane, so
	// callers typically pass ssh.InsecureIgnoreHostKey in development
	// and a pinned callback in production.
	HostKeyCallback ssh.HostKeyCallback
}

// Dial opens an SSH client connection to cred using cfg, or returns a
// KindTimeout/KindBackend error.
func Dial(ctx context.Context, cred Credentials, cfg DialConfig) (*ssh.Client, error) {
	signer, err := cfg.HostKey.Signer()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "build ssh signer", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}
	if clientCfg.HostKeyCallback == nil {
		clientCfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	addr := fmt.Sprintf("%s:%d", cred.Host, cred.Port)

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, clientCfg)
		resultCh <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindTimeout, "ssh dial "+addr, ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, apperr.Wrap(apperr.KindBackend, "ssh dial "+addr, res.err)
		}
		return res.client, nil
	}
}
