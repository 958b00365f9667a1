// Package verification orchestrates one executor's validation run
// end-to-end: acquire the SSH session lock, consult the Strategy
// Selector, run either a Lightweight connectivity probe or a Full
// attestation + Docker profile pass, persist the scored result, and
// update the executor's status.
package verification

import (
	"context"
	"io"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/attestation"
	"github.com/one-covenant/basilica-sub001/internal/dockerprofiler"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	verifdomain "github.com/one-covenant/basilica-sub001/internal/domain/verification"
	"github.com/one-covenant/basilica-sub001/internal/sshsession"
	"github.com/one-covenant/basilica-sub001/internal/strategy"
)

// ExecutorStore is the narrow capability set the engine needs against
// the executor table.
type ExecutorStore interface {
	Get(ctx context.Context, id string) (executor.Executor, error)
	UpdateVerification(ctx context.Context, id string, status executor.Status, score float64, consecutiveFailures int, at time.Time) error
}

// ResultStore persists append-only VerificationResult rows.
type ResultStore interface {
	Insert(ctx context.Context, result verifdomain.Result) error
}

// Dialer opens an SSH connection to an executor target.
type Dialer interface {
	Dial(ctx context.Context, cred sshsession.Credentials) (attestation.Session, dockerprofiler.Runner, io.Closer, error)
}

// Task describes one executor to verify during a scheduler tick.
type Task struct {
	ExecutorID   string
	MinerUID     uint16
	SSHTarget    sshsession.Credentials
	ChallengeNonce string
}

// Outcome is the result of one engine run, including whether it was
// skipped due to a held SSH lock.
type Outcome struct {
	Skipped bool
	Result  verifdomain.Result
}

// Config tunes engine behavior; all fields are required.
type Config struct {
	BinaryEnabled          bool
	BinaryWeight           float64
	ScoreThreshold         float64
	MaxConsecutiveFailures int
	ExecutorValidationInterval time.Duration
	AttestationConfig      attestation.Config
	DockerConfig           dockerprofiler.Config
	AttestationBinary      []byte
}

// Engine ties together the SSH session manager, strategy selector,
// attestation runner and docker profiler into one verification pass.
type Engine struct {
	sessions *sshsession.Manager
	dialer   Dialer
	execs    ExecutorStore
	results  ResultStore
	cfg      Config
	attest   *attestation.Runner
	now      func() time.Time
}

// New builds an Engine.
func New(sessions *sshsession.Manager, dialer Dialer, execs ExecutorStore, results ResultStore, cfg Config) *Engine {
	return &Engine{
		sessions: sessions,
		dialer:   dialer,
		execs:    execs,
		results:  results,
		cfg:      cfg,
		attest:   attestation.NewRunner(cfg.AttestationBinary, cfg.AttestationConfig),
		now:      time.Now,
	}
}

// Run executes one verification task. It always releases the SSH
// session lock before returning, on every exit path.
func (e *Engine) Run(ctx context.Context, task Task) (Outcome, error) {
	guard, err := e.sessions.Acquire(task.ExecutorID)
	if err != nil {
		return Outcome{Skipped: true}, nil
	}
	defer guard.Release()

	ex, err := e.execs.Get(ctx, task.ExecutorID)
	if err != nil {
		return Outcome{}, err
	}

	var hist *strategy.History
	if !ex.LastValidationAt.IsZero() || ex.Status != executor.StatusPending {
		hist = &strategy.History{
			Status:           ex.Status,
			LastValidationAt: ex.LastValidationAt,
			LastScore:        ex.LastScore,
			LastGPUCount:     ex.GPUCount(),
		}
	}
	strat := strategy.Select(hist, e.cfg.ExecutorValidationInterval, e.now())

	var result verifdomain.Result
	switch strat {
	case verifdomain.StrategyLightweight:
		result = e.runLightweight(ctx, task, ex)
	default:
		result = e.runFull(ctx, task, ex)
	}
	result.RanAt = e.now()

	if err := e.results.Insert(ctx, result); err != nil {
		return Outcome{}, err
	}

	status, failures := e.nextExecutorState(ex, result.Score)
	if err := e.execs.UpdateVerification(ctx, task.ExecutorID, status, result.Score, failures, result.RanAt); err != nil {
		return Outcome{}, err
	}

	return Outcome{Result: result}, nil
}

func (e *Engine) nextExecutorState(ex executor.Executor, score float64) (executor.Status, int) {
	if score >= e.cfg.ScoreThreshold {
		return executor.StatusVerified, 0
	}
	failures := ex.ConsecutiveFailures + 1
	if failures >= e.cfg.MaxConsecutiveFailures {
		return executor.StatusOffline, failures
	}
	return executor.StatusFailed, failures
}

func (e *Engine) runLightweight(ctx context.Context, task Task, ex executor.Executor) verifdomain.Result {
	result := verifdomain.Result{
		ExecutorID: task.ExecutorID,
		MinerUID:   task.MinerUID,
		Strategy:   verifdomain.StrategyLightweight,
	}

	connOK := e.probeConnectivity(ctx, task)
	step := verifdomain.Step{Name: "connectivity_probe"}
	if connOK {
		step.Status = verifdomain.StepSucceeded
		result.Score = ex.LastScore
		result.GPUCount = ex.GPUCount()
		result.BinaryValidationSuccessful = ex.Status == executor.StatusVerified
	} else {
		step.Status = verifdomain.StepFailed
		result.Score = 0
	}
	result.Steps = []verifdomain.Step{step}
	return result
}

func (e *Engine) runFull(ctx context.Context, task Task, _ executor.Executor) verifdomain.Result {
	result := verifdomain.Result{
		ExecutorID: task.ExecutorID,
		MinerUID:   task.MinerUID,
		Strategy:   verifdomain.StrategyFull,
	}

	sess, runner, closer, err := e.dialer.Dial(ctx, task.SSHTarget)
	if err != nil {
		result.Steps = append(result.Steps, verifdomain.Step{Name: "ssh_connect", Status: verifdomain.StepFailed, Details: err.Error()})
		result.Score = 0
		return result
	}
	defer closer.Close()

	result.Steps = append(result.Steps, verifdomain.Step{Name: "ssh_connect", Status: verifdomain.StepSucceeded})
	sshScore := 0.8

	if !e.cfg.BinaryEnabled {
		result.Score = sshScore
		return result
	}

	report, binaryScore, err := e.attest.Run(ctx, sess, task.ChallengeNonce)
	if err != nil {
		result.Steps = append(result.Steps, verifdomain.Step{Name: "binary_attestation", Status: verifdomain.StepFailed, Details: err.Error()})
		result.Score = sshScore * 0.5
		return result
	}

	result.Steps = append(result.Steps, verifdomain.Step{Name: "binary_attestation", Status: verifdomain.StepSucceeded})
	result.BinaryValidationSuccessful = true
	result.GPUCount = len(report.GPUResults)

	profile := dockerprofiler.Probe(ctx, runner, e.cfg.DockerConfig)
	dockerStep := verifdomain.Step{Name: "docker_profile", Status: verifdomain.StepSucceeded, Details: profile.DockerVersion}
	if profile.ValidationError != "" {
		dockerStep.Status = verifdomain.StepFailed
		dockerStep.Details = profile.ValidationError
	}
	result.Steps = append(result.Steps, dockerStep)

	combined := sshScore*(1-e.cfg.BinaryWeight) + binaryScore*e.cfg.BinaryWeight
	result.Score = clamp01(combined)
	return result
}

func (e *Engine) probeConnectivity(ctx context.Context, task Task) bool {
	sess, _, closer, err := e.dialer.Dial(ctx, task.SSHTarget)
	if err != nil {
		return false
	}
	defer closer.Close()
	_, err = sess.Execute(ctx, "true", 2*time.Second)
	return err == nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
