// Package dockerprofiler probes an executor's Docker daemon over an
// established SSH session: service liveness (raced across four
// detection commands), version, test-image pull, and an optional
// Docker-in-Docker capability check.
package dockerprofiler

import (
	"context"
	"strings"
	"time"
)

// Runner is the subset of SSH functionality the profiler needs.
// internal/attestation.Session satisfies this, but the profiler only
// depends on Execute so it can be driven by a narrower double in tests.
type Runner interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (stdout []byte, err error)
}

// Profile is the docker capability snapshot persisted against one
// (miner, executor) pair.
type Profile struct {
	ServiceActive   bool
	DockerVersion   string
	ImagesPulled    []string
	DinDSupported   bool
	ValidationError string
}

// Config tunes probe timeouts.
type Config struct {
	ProbeTimeout time.Duration
	PullTimeout  time.Duration
	DinDTimeout  time.Duration
	TestImage    string
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 120 * time.Second
	}
	if c.DinDTimeout <= 0 {
		c.DinDTimeout = 30 * time.Second
	}
	if c.TestImage == "" {
		c.TestImage = "hello-world"
	}
	return c
}

var livenessProbes = []string{
	"systemctl is-active docker",
	"service docker status",
	"docker -v",
	"docker info",
}

// Probe runs the full profiling pipeline over run.
func Probe(ctx context.Context, run Runner, cfg Config) Profile {
	cfg = cfg.withDefaults()

	profile := Profile{ServiceActive: raceLiveness(ctx, run, cfg.ProbeTimeout)}

	version, err := run.Execute(ctx, "docker version --format '{{.Server.Version}}'", cfg.ProbeTimeout)
	if err == nil {
		profile.DockerVersion = strings.TrimSpace(string(version))
	} else if profile.ValidationError == "" {
		profile.ValidationError = "docker version query failed: " + err.Error()
	}

	pullCmd := "docker pull " + cfg.TestImage
	if _, err := run.Execute(ctx, pullCmd, cfg.PullTimeout); err == nil {
		profile.ImagesPulled = append(profile.ImagesPulled, cfg.TestImage)
	} else if profile.ValidationError == "" {
		profile.ValidationError = "image pull failed: " + err.Error()
	}

	// DinD is non-critical: a failure never overrides ValidationError
	// from a more important probe above.
	dindCmd := "docker run --rm --privileged docker:dind sh -c 'dockerd & sleep 2 && docker version'"
	if _, err := run.Execute(ctx, dindCmd, cfg.DinDTimeout); err == nil {
		profile.DinDSupported = true
	}

	return profile
}

// raceLiveness runs all four liveness probes concurrently and reports
// active as soon as any one succeeds, or false once every probe with
// its own cap has returned a failure.
func raceLiveness(ctx context.Context, run Runner, timeout time.Duration) bool {
	resultCh := make(chan bool, len(livenessProbes))
	for _, cmd := range livenessProbes {
		cmd := cmd
		go func() {
			_, err := run.Execute(ctx, cmd, timeout)
			resultCh <- err == nil
		}()
	}
	for i := 0; i < len(livenessProbes); i++ {
		if <-resultCh {
			return true
		}
	}
	return false
}
