package main

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/one-covenant/basilica-sub001/internal/attestation"
	"github.com/one-covenant/basilica-sub001/internal/dockerprofiler"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/scheduler"
	"github.com/one-covenant/basilica-sub001/internal/sshsession"
	"github.com/one-covenant/basilica-sub001/internal/storage/memory"
	"github.com/one-covenant/basilica-sub001/internal/verification"
)

type failingDialer struct{}

func (failingDialer) Dial(ctx context.Context, cred sshsession.Credentials) (attestation.Session, dockerprofiler.Runner, io.Closer, error) {
	return nil, nil, nil, context.DeadlineExceeded
}

func TestVerificationEngineAdapterParsesSSHTargetAndRuns(t *testing.T) {
	store := memory.New()
	store.UpsertExecutor(executor.Executor{
		ID:           "exec-1",
		MinerUID:     7,
		GRPCEndpoint: "10.0.0.5:9000",
		Status:       executor.StatusOnline,
	})

	sessions := sshsession.NewManager()
	engine := verification.New(sessions, failingDialer{}, memory.Executors{Store: store}, memory.Executors{Store: store}, verification.Config{
		ScoreThreshold:         0.6,
		MaxConsecutiveFailures: 3,
		BinaryWeight:           0.7,
	})

	adapter := verificationEngineAdapter{engine: engine, executors: memory.Executors{Store: store}, scoreThreshold: 0.6}

	outcome, err := adapter.Run(context.Background(), scheduler.Task{ExecutorID: "exec-1", MinerUID: 7})
	require.NoError(t, err)
	require.False(t, outcome.Skipped)
	require.Equal(t, 0.0, outcome.Score)
}

func TestVerificationEngineAdapterRejectsUnparseableEndpoint(t *testing.T) {
	store := memory.New()
	store.UpsertExecutor(executor.Executor{ID: "exec-2", GRPCEndpoint: "", Status: executor.StatusOnline})

	sessions := sshsession.NewManager()
	engine := verification.New(sessions, failingDialer{}, memory.Executors{Store: store}, memory.Executors{Store: store}, verification.Config{ScoreThreshold: 0.6, MaxConsecutiveFailures: 3})
	adapter := verificationEngineAdapter{engine: engine, executors: memory.Executors{Store: store}, scoreThreshold: 0.6}

	_, err := adapter.Run(context.Background(), scheduler.Task{ExecutorID: "exec-2"})
	require.Error(t, err)
}
