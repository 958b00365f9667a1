package verification

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/attestation"
	"github.com/one-covenant/basilica-sub001/internal/dockerprofiler"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	verifdomain "github.com/one-covenant/basilica-sub001/internal/domain/verification"
	"github.com/one-covenant/basilica-sub001/internal/sshsession"
)

type memExecutorStore struct {
	execs map[string]executor.Executor
}

func (s *memExecutorStore) Get(_ context.Context, id string) (executor.Executor, error) {
	e, ok := s.execs[id]
	if !ok {
		return executor.Executor{}, errors.New("not found")
	}
	return e, nil
}

func (s *memExecutorStore) UpdateVerification(_ context.Context, id string, status executor.Status, score float64, failures int, at time.Time) error {
	e := s.execs[id]
	e.Status = status
	e.LastScore = score
	e.ConsecutiveFailures = failures
	e.LastValidationAt = at
	s.execs[id] = e
	return nil
}

type memResultStore struct {
	results []verifdomain.Result
}

func (s *memResultStore) Insert(_ context.Context, r verifdomain.Result) error {
	s.results = append(s.results, r)
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fakeAttestationSession struct {
	execErr error
}

func (f *fakeAttestationSession) Upload(context.Context, string, []byte) error { return nil }
func (f *fakeAttestationSession) Execute(context.Context, string, time.Duration) ([]byte, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return []byte("true"), nil
}
func (f *fakeAttestationSession) Download(context.Context, string) ([]byte, error) {
	return []byte(`{"gpu_results":[{"succeeded":true,"anti_debug_passed":true,"sm_utilization_avg":0.9,"memory_bandwidth_gbs":16000,"computation_time_ms":100}]}`), nil
}
func (f *fakeAttestationSession) Remove(context.Context, string) error { return nil }

type fakeDockerRunner struct{}

func (fakeDockerRunner) Execute(context.Context, string, time.Duration) ([]byte, error) {
	return []byte("24.0.0"), nil
}

type fakeDialer struct {
	dialErr error
	session *fakeAttestationSession
}

func (d *fakeDialer) Dial(context.Context, sshsession.Credentials) (attestation.Session, dockerprofiler.Runner, io.Closer, error) {
	if d.dialErr != nil {
		return nil, nil, nil, d.dialErr
	}
	return d.session, fakeDockerRunner{}, nopCloser{}, nil
}

func newTestEngine(dialer Dialer, execs *memExecutorStore, results *memResultStore) *Engine {
	return New(sshsession.NewManager(), dialer, execs, results, Config{
		BinaryEnabled:              true,
		BinaryWeight:               0.7,
		ScoreThreshold:             0.6,
		MaxConsecutiveFailures:     2,
		ExecutorValidationInterval: 4 * time.Hour,
		AttestationConfig:          attestation.Config{Timeout: time.Second},
	})
}

func TestRunFullSuccess(t *testing.T) {
	execs := &memExecutorStore{execs: map[string]executor.Executor{
		"exec-1": {ID: "exec-1", Status: executor.StatusPending},
	}}
	results := &memResultStore{}
	dialer := &fakeDialer{session: &fakeAttestationSession{}}
	eng := newTestEngine(dialer, execs, results)

	outcome, err := eng.Run(context.Background(), Task{ExecutorID: "exec-1", SSHTarget: sshsession.Credentials{Host: "h", Port: 22, User: "root"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Skipped {
		t.Fatalf("did not expect skip")
	}
	// ssh 0.8*(0.3) + binary 0.9*0.7 = 0.24+0.63=0.87
	if outcome.Result.Score < 0.8 {
		t.Fatalf("expected high combined score, got %v", outcome.Result.Score)
	}
	if execs.execs["exec-1"].Status != executor.StatusVerified {
		t.Fatalf("expected executor marked verified, got %v", execs.execs["exec-1"].Status)
	}
	if len(results.results) != 1 {
		t.Fatalf("expected one persisted result")
	}
}

func TestRunSSHFailureScoresZero(t *testing.T) {
	execs := &memExecutorStore{execs: map[string]executor.Executor{
		"exec-1": {ID: "exec-1", Status: executor.StatusPending},
	}}
	results := &memResultStore{}
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	eng := newTestEngine(dialer, execs, results)

	outcome, err := eng.Run(context.Background(), Task{ExecutorID: "exec-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Result.Score != 0 {
		t.Fatalf("expected score 0 on ssh failure, got %v", outcome.Result.Score)
	}
}

func TestRunSkipsWhenSessionHeld(t *testing.T) {
	execs := &memExecutorStore{execs: map[string]executor.Executor{
		"exec-1": {ID: "exec-1", Status: executor.StatusPending},
	}}
	results := &memResultStore{}
	dialer := &fakeDialer{session: &fakeAttestationSession{}}
	eng := newTestEngine(dialer, execs, results)

	guard, err := eng.sessions.Acquire("exec-1")
	if err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}
	defer guard.Release()

	outcome, err := eng.Run(context.Background(), Task{ExecutorID: "exec-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Skipped {
		t.Fatalf("expected run to be skipped while session held")
	}
	if len(results.results) != 0 {
		t.Fatalf("skipped run must not persist a result")
	}
}

func TestRunMarksOfflineAfterMaxConsecutiveFailures(t *testing.T) {
	execs := &memExecutorStore{execs: map[string]executor.Executor{
		"exec-1": {ID: "exec-1", Status: executor.StatusFailed, ConsecutiveFailures: 1},
	}}
	results := &memResultStore{}
	dialer := &fakeDialer{dialErr: errors.New("down")}
	eng := newTestEngine(dialer, execs, results)

	_, err := eng.Run(context.Background(), Task{ExecutorID: "exec-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if execs.execs["exec-1"].Status != executor.StatusOffline {
		t.Fatalf("expected executor marked offline, got %v", execs.execs["exec-1"].Status)
	}
}
