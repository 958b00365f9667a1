// Package attestation runs the binary attestation protocol over an
// established SSH session: upload a signed prober, execute it under a
// timeout, parse and score the GPU measurement report, then clean up.
package attestation

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/ssh"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
)

// GPUResult is one GPU's entry in the attestation binary's JSON output.
type GPUResult struct {
	Index             int
	AntiDebugPassed   bool
	SMUtilizationAvg  float64
	MemBandwidthGBs   float64
	ComputationTimeMS float64
	Succeeded         bool
}

// Report is the parsed attestation output for one run.
type Report struct {
	GPUResults []GPUResult
}

// ScoreGPU applies the per-GPU scoring rule from the attestation spec.
func ScoreGPU(g GPUResult) float64 {
	if !g.Succeeded {
		return 0
	}
	score := 0.3
	if g.AntiDebugPassed {
		score += 0.2
	}
	switch {
	case g.SMUtilizationAvg > 0.8:
		score += 0.2
	case g.SMUtilizationAvg > 0.6:
		score += 0.1
	}
	switch {
	case g.MemBandwidthGBs > 15000:
		score += 0.15
	case g.MemBandwidthGBs > 10000:
		score += 0.1
	case g.MemBandwidthGBs > 5000:
		score += 0.05
	}
	if g.ComputationTimeMS >= 10 && g.ComputationTimeMS <= 5000 {
		score += 0.05
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// ScoreReport averages per-GPU scores; a report with zero GPUs scores 0.
func ScoreReport(r Report) float64 {
	if len(r.GPUResults) == 0 {
		return 0
	}
	var sum float64
	for _, g := range r.GPUResults {
		sum += ScoreGPU(g)
	}
	return sum / float64(len(r.GPUResults))
}

// ParseReport extracts gpu_results[] from the attestation binary's raw
// JSON output using lightweight field lookups rather than a full
// unmarshal into a mirror struct.
func ParseReport(raw []byte) (Report, error) {
	root := gjson.ParseBytes(raw)
	results := root.Get("gpu_results")
	if !results.Exists() || !results.IsArray() {
		return Report{}, apperr.New(apperr.KindValidation, "attestation report missing gpu_results")
	}
	var report Report
	results.ForEach(func(_, v gjson.Result) bool {
		report.GPUResults = append(report.GPUResults, GPUResult{
			Index:             int(v.Get("index").Int()),
			AntiDebugPassed:   v.Get("anti_debug_passed").Bool(),
			SMUtilizationAvg:  v.Get("sm_utilization_avg").Float(),
			MemBandwidthGBs:   v.Get("memory_bandwidth_gbs").Float(),
			ComputationTimeMS: v.Get("computation_time_ms").Float(),
			Succeeded:         v.Get("succeeded").Bool(),
		})
		return true
	})
	return report, nil
}

// Session is the subset of an SSH connection the runner needs: upload
// a file, execute a remote command with a timeout, download a file,
// and remove a remote path. Implemented over golang.org/x/crypto/ssh
// without sftp, via shell redirection through exec sessions.
type Session interface {
	Upload(ctx context.Context, remotePath string, content []byte) error
	Execute(ctx context.Context, command string, timeout time.Duration) (stdout []byte, err error)
	Download(ctx context.Context, remotePath string) ([]byte, error)
	Remove(ctx context.Context, remotePath string) error
}

// sshSession adapts an *ssh.Client to the Session interface.
type sshSession struct {
	client *ssh.Client
}

// NewSession wraps an established ssh.Client.
func NewSession(client *ssh.Client) Session {
	return &sshSession{client: client}
}

func (s *sshSession) Upload(ctx context.Context, remotePath string, content []byte) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, "open ssh session for upload", err)
	}
	defer sess.Close()

	sess.Stdin = bytes.NewReader(content)
	cmd := fmt.Sprintf("cat > %s", shellQuote(remotePath))
	if err := runWithContext(ctx, sess, cmd); err != nil {
		return apperr.Wrap(apperr.KindBackend, "upload failed", err)
	}
	return nil
}

func (s *sshSession) Execute(ctx context.Context, command string, timeout time.Duration) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "open ssh session", err)
	}
	defer sess.Close()

	var stdout bytes.Buffer
	sess.Stdout = &stdout

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := runWithContext(runCtx, sess, command); err != nil {
		if runCtx.Err() != nil {
			return stdout.Bytes(), apperr.Wrap(apperr.KindTimeout, "execute timed out", runCtx.Err())
		}
		return stdout.Bytes(), apperr.Wrap(apperr.KindBackend, "execute failed", err)
	}
	return stdout.Bytes(), nil
}

func (s *sshSession) Download(ctx context.Context, remotePath string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "open ssh session for download", err)
	}
	defer sess.Close()

	var stdout bytes.Buffer
	sess.Stdout = &stdout
	cmd := fmt.Sprintf("cat %s", shellQuote(remotePath))
	if err := runWithContext(ctx, sess, cmd); err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "download failed", err)
	}
	return stdout.Bytes(), nil
}

func (s *sshSession) Remove(ctx context.Context, remotePath string) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, "open ssh session for cleanup", err)
	}
	defer sess.Close()
	cmd := fmt.Sprintf("rm -f %s", shellQuote(remotePath))
	return runWithContext(ctx, sess, cmd)
}

func runWithContext(ctx context.Context, sess *ssh.Session, cmd string) error {
	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func shellQuote(s string) string {
	return "'" + bytesReplace(s) + "'"
}

func bytesReplace(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Config tunes a Runner.
type Config struct {
	RemoteBinaryPath string
	OutputPath       string
	Timeout          time.Duration
}

// Runner drives the upload/execute/parse/score/cleanup pipeline.
type Runner struct {
	binary []byte // the pre-compiled, version-pinned attestation binary
	cfg    Config
}

// NewRunner builds a Runner around a fixed attestation binary payload.
func NewRunner(binary []byte, cfg Config) *Runner {
	if cfg.RemoteBinaryPath == "" {
		cfg.RemoteBinaryPath = "/tmp/basilica-attest"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = "/tmp/basilica-attest-out.json"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Runner{binary: binary, cfg: cfg}
}

// Run executes the full attestation pipeline over sess. challengeNonce
// may be empty. The returned score is always in [0, 1]; a failure at
// any stage yields score 0 along with a descriptive error.
func (r *Runner) Run(ctx context.Context, sess Session, challengeNonce string) (Report, float64, error) {
	defer func() {
		_ = sess.Remove(ctx, r.cfg.RemoteBinaryPath)
		_ = sess.Remove(ctx, r.cfg.OutputPath)
	}()

	if err := sess.Upload(ctx, r.cfg.RemoteBinaryPath, r.binary); err != nil {
		return Report{}, 0, fmt.Errorf("upload failed: %w", err)
	}

	cmd := fmt.Sprintf("chmod +x %s && %s --output %s --timeout %d",
		shellQuote(r.cfg.RemoteBinaryPath), shellQuote(r.cfg.RemoteBinaryPath),
		shellQuote(r.cfg.OutputPath), int(r.cfg.Timeout.Seconds()))
	if challengeNonce != "" {
		cmd += " --challenge " + shellQuote(challengeNonce)
	}

	if _, err := sess.Execute(ctx, cmd, r.cfg.Timeout); err != nil {
		if apperr.Is(err, apperr.KindTimeout) {
			return Report{}, 0, fmt.Errorf("timed out: %w", err)
		}
		return Report{}, 0, fmt.Errorf("execute failed: %w", err)
	}

	raw, err := sess.Download(ctx, r.cfg.OutputPath)
	if err != nil {
		return Report{}, 0, fmt.Errorf("download failed: %w", err)
	}

	report, err := ParseReport(raw)
	if err != nil {
		return Report{}, 0, fmt.Errorf("parse failed: %w", err)
	}

	return report, ScoreReport(report), nil
}
