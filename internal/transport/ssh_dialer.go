package transport

import (
	"context"
	"io"

	"github.com/one-covenant/basilica-sub001/internal/attestation"
	"github.com/one-covenant/basilica-sub001/internal/dockerprofiler"
	"github.com/one-covenant/basilica-sub001/internal/sshsession"
)

// SSHDialer implements verification.Dialer over golang.org/x/crypto/ssh,
// dialing with the validator's own host key via sshsession.Dial. It is
// the concrete transport section 4.2/4.3 describe, as opposed to the
// miner-facing gRPC and chain RPC boundaries, which are out of scope.
type SSHDialer struct {
	Config sshsession.DialConfig
}

// Dial opens an SSH connection to cred and adapts it to both the
// attestation.Session and dockerprofiler.Runner interfaces, since
// dockerprofiler only needs the Execute half of a session.
func (d SSHDialer) Dial(ctx context.Context, cred sshsession.Credentials) (attestation.Session, dockerprofiler.Runner, io.Closer, error) {
	client, err := sshsession.Dial(ctx, cred, d.Config)
	if err != nil {
		return nil, nil, nil, err
	}
	session := attestation.NewSession(client)
	return session, session, client, nil
}
