// Package health implements per-host liveness and metric probing.
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/internal/remote"
	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// defaultProbeTimeout bounds one probe round against one asset.
const defaultProbeTimeout = 10 * time.Second

// Standardized metric one-liners.
const (
	cpuCommand  = "grep 'cpu ' /proc/stat"
	memCommand  = "free -m"
	diskCommand = "df -P /"
)

// ProbeOptions select which checks a probe performs.
type ProbeOptions struct {
	CollectMetrics bool
	ServiceName    string
	Timeout        time.Duration
}

// Prober produces health samples for assets. Probes are independent across
// assets; a failure on one never stalls another.
type Prober struct {
	runner remote.Runner
	logger *logger.Logger
}

// NewProber creates a prober over the given runner.
func NewProber(runner remote.Runner, log *logger.Logger) *Prober {
	return &Prober{runner: runner, logger: log.WithComponent("health-prober")}
}

// Probe performs one probe round against one asset.
//
// Malformed metric values are dropped, never reported as a failure. Only a
// failed liveness echo or an affirmatively bad service state yields
// healthy=false.
func (p *Prober) Probe(ctx context.Context, deploymentID uuid.UUID, asset *models.Asset, opts ProbeOptions) *models.HealthSample {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sample := &models.HealthSample{
		AssetID:      asset.ID,
		DeploymentID: deploymentID,
		Healthy:      true,
		Metrics:      map[string]float64{},
		Timestamp:    time.Now(),
	}

	if !p.runner.Ping(ctx, asset) {
		sample.Healthy = false
		sample.Reason = "liveness probe failed"
		return sample
	}

	if opts.CollectMetrics {
		p.collectMetrics(ctx, asset, sample)
	}

	if opts.ServiceName != "" {
		state := p.serviceState(ctx, asset, opts.ServiceName)
		sample.ServiceState = state
		if state != "" && state != "active" {
			sample.Healthy = false
			sample.Reason = fmt.Sprintf("service %s is %s", opts.ServiceName, state)
		}
	}

	return sample
}

// ProbeOnce probes with default options including metric collection.
func (p *Prober) ProbeOnce(ctx context.Context, deploymentID uuid.UUID, asset *models.Asset) *models.HealthSample {
	return p.Probe(ctx, deploymentID, asset, ProbeOptions{CollectMetrics: true})
}

// Watch emits samples for all assets every interval until duration elapses or
// the context is cancelled, then closes the channel.
func (p *Prober) Watch(ctx context.Context, deploymentID uuid.UUID, assets []*models.Asset, opts ProbeOptions, interval, duration time.Duration) <-chan *models.HealthSample {
	out := make(chan *models.HealthSample)

	go func() {
		defer close(out)

		deadline := time.Now().Add(duration)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if duration > 0 && time.Now().After(deadline) {
					return
				}
				p.probeAll(ctx, deploymentID, assets, opts, out)
			}
		}
	}()

	return out
}

// probeAll fans one probe round out across the assets.
func (p *Prober) probeAll(ctx context.Context, deploymentID uuid.UUID, assets []*models.Asset, opts ProbeOptions, out chan<- *models.HealthSample) {
	var wg sync.WaitGroup
	samples := make([]*models.HealthSample, len(assets))

	for i, asset := range assets {
		wg.Add(1)
		go func(i int, asset *models.Asset) {
			defer wg.Done()
			samples[i] = p.Probe(ctx, deploymentID, asset, opts)
		}(i, asset)
	}
	wg.Wait()

	for _, s := range samples {
		select {
		case out <- s:
		case <-ctx.Done():
			return
		}
	}
}

// collectMetrics gathers cpu/mem/disk via the standardized one-liners.
func (p *Prober) collectMetrics(ctx context.Context, asset *models.Asset, sample *models.HealthSample) {
	if v, ok := p.cpuPercent(ctx, asset); ok {
		sample.Metrics[models.MetricCPUPercent] = v
	}
	if v, ok := p.memPercent(ctx, asset); ok {
		sample.Metrics[models.MetricMemPercent] = v
	}
	if v, ok := p.diskPercent(ctx, asset); ok {
		sample.Metrics[models.MetricDiskPercent] = v
	}
}

func (p *Prober) probeOutput(ctx context.Context, asset *models.Asset, cmd string) (string, bool) {
	res, err := p.runner.ProbeCommand(ctx, asset, cmd, remote.ExecOptions{Timeout: defaultProbeTimeout})
	if err != nil || !res.OK() {
		return "", false
	}
	return res.Stdout, true
}

// cpuPercent derives utilization from the aggregate /proc/stat cpu line.
func (p *Prober) cpuPercent(ctx context.Context, asset *models.Asset) (float64, bool) {
	out, ok := p.probeOutput(ctx, asset, cpuCommand)
	if !ok {
		return 0, false
	}
	return ParseCPULine(out)
}

// memPercent parses used/total from the free -m Mem: line.
func (p *Prober) memPercent(ctx context.Context, asset *models.Asset) (float64, bool) {
	out, ok := p.probeOutput(ctx, asset, memCommand)
	if !ok {
		return 0, false
	}
	return ParseFreeOutput(out)
}

// diskPercent parses the root filesystem capacity from df -P /.
func (p *Prober) diskPercent(ctx context.Context, asset *models.Asset) (float64, bool) {
	out, ok := p.probeOutput(ctx, asset, diskCommand)
	if !ok {
		return 0, false
	}
	return ParseDFOutput(out)
}

// serviceState returns the trimmed systemctl is-active output, or "" when the
// check itself could not run.
func (p *Prober) serviceState(ctx context.Context, asset *models.Asset, service string) string {
	res, err := p.runner.ProbeCommand(ctx, asset, fmt.Sprintf("systemctl is-active %s", service), remote.ExecOptions{Timeout: defaultProbeTimeout})
	if err != nil || res == nil {
		return ""
	}
	// is-active exits non-zero for inactive units but still prints the state.
	return strings.TrimSpace(res.Stdout)
}

// =============================================================================
// Metric parsers
// =============================================================================

// ParseCPULine parses "cpu  user nice system idle iowait ..." into a percent.
func ParseCPULine(out string) (float64, bool) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, false
	}

	var total, idle float64
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, false
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	if total == 0 {
		return 0, false
	}
	return 100 * (1 - idle/total), true
}

// ParseFreeOutput parses the Mem: line of free -m into a used percent.
func ParseFreeOutput(out string) (float64, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "Mem:" {
			continue
		}
		total, err1 := strconv.ParseFloat(fields[1], 64)
		used, err2 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || total == 0 {
			return 0, false
		}
		return 100 * used / total, true
	}
	return 0, false
}

// ParseDFOutput parses the capacity column of df -P / into a percent.
func ParseDFOutput(out string) (float64, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, false
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return 0, false
	}
	capacity := strings.TrimSuffix(fields[4], "%")
	v, err := strconv.ParseFloat(capacity, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
