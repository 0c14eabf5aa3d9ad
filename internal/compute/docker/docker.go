// Package docker runs each call in its own container on the local Docker
// daemon. The runtime name is the image reference.
package docker

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/compute"
	"cloudproc/internal/config"
	"cloudproc/internal/handler"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name is the backend name.
const Name = "docker"

// PayloadEnv carries the base64-encoded payload into a call container.
const PayloadEnv = "CLOUDPROC_PAYLOAD"

const (
	labelManagedBy  = "managed-by"
	managedBy       = "cloudproc"
	labelRole       = "cloudproc.role"
	labelExecutor   = "cloudproc.executor"
	labelJob        = "cloudproc.job"
	labelCall       = "cloudproc.call"
	labelActivation = "cloudproc.activation"
	labelFunction   = "cloudproc.function"
	labelRuntime    = "cloudproc.runtime"
	labelMemory     = "cloudproc.memory"

	roleCall = "call"
	roleMeta = "meta"
)

// DefaultForwardEnv lists the environment prefixes passed to containers so
// runners can reach the object store.
var DefaultForwardEnv = []string{"CLOUDPROC_", "MINIO_", "S3_", "AWS_"}

// Config configures the docker backend.
type Config struct {
	Network       string
	RunnerCommand string
	ReapInterval  time.Duration
	PullTimeout   time.Duration
	ForwardEnv    []string
	Tracker       *tracker.Tracker
	Metrics       compute.MetricsRecorder // optional
	Poll          *backoff.Config
}

// Backend implements compute.Backend with one container per call.
type Backend struct {
	engine  engine
	cfg     Config
	state   *stateRepo
	logger  *slog.Logger
	metrics compute.MetricsRecorder

	cancelReaper context.CancelFunc
	reaperWg     sync.WaitGroup
	closeOnce    sync.Once
}

// New connects to the Docker daemon from the environment.
func New(cfg Config) (*Backend, error) {
	if cfg.Tracker == nil {
		return nil, apperrors.Validation("tracker", "tracker is required")
	}
	eng, err := newDockerEngine()
	if err != nil {
		return nil, err
	}
	return newWithEngine(cfg, eng), nil
}

func newWithEngine(cfg Config, eng engine) *Backend {
	if cfg.RunnerCommand == "" {
		cfg.RunnerCommand = "cloudproc-runner"
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 5 * time.Minute
	}
	if cfg.ForwardEnv == nil {
		cfg.ForwardEnv = DefaultForwardEnv
	}

	b := &Backend{
		engine:  eng,
		cfg:     cfg,
		state:   newStateRepo(),
		logger:  slog.With("component", "docker"),
		metrics: cfg.Metrics,
	}

	reaperCtx, cancel := context.WithCancel(context.Background())
	b.cancelReaper = cancel
	b.reaperWg.Add(1)
	go func() {
		defer b.reaperWg.Done()
		b.runReaper(reaperCtx)
	}()
	return b
}

// Open is the registry factory for the docker backend.
func Open(_ context.Context, cfg *config.Config, deps compute.Deps) (compute.Backend, error) {
	return New(Config{
		Network:       cfg.Docker.Network,
		RunnerCommand: cfg.Docker.RunnerCommand,
		ReapInterval:  cfg.Docker.ReapInterval,
		PullTimeout:   cfg.Docker.PullTimeout,
		Tracker:       deps.Tracker,
		Metrics:       deps.Metrics,
		Poll: &backoff.Config{
			Initial: cfg.Executor.PollInitial,
			Max:     cfg.Executor.PollMax,
		},
	})
}

func (b *Backend) Name() string { return Name }

// Invoke starts a container running the payload and returns at once.
func (b *Backend) Invoke(ctx context.Context, runtimeName string, memoryMB int, p *compute.Payload) (string, error) {
	id, err := b.invoke(ctx, runtimeName, memoryMB, p)
	if b.metrics != nil {
		b.metrics.RecordInvocation(ctx, Name, err)
	}
	return id, err
}

func (b *Backend) invoke(ctx context.Context, runtimeName string, memoryMB int, p *compute.Payload) (string, error) {
	act := activationID()
	if err := b.state.reserve(act); err != nil {
		return "", err
	}
	p.ActivationID = act

	body, err := p.Encode()
	if err != nil {
		b.state.release(act)
		return "", apperrors.Internal("docker.encodePayload", err)
	}
	env := b.forwardedEnv()
	env = append(env, PayloadEnv+"="+base64.StdEncoding.EncodeToString(body))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}

	spec := containerSpec{
		Name:     "cloudproc-" + act,
		Image:    runtimeName,
		Cmd:      []string{b.cfg.RunnerCommand},
		Env:      env,
		Labels:   callLabels(p, runtimeName, memoryMB),
		MemoryMB: memoryMB,
		Network:  b.cfg.Network,
	}
	containerID, err := b.engine.Start(ctx, spec)
	if err != nil {
		b.state.release(act)
		return "", apperrors.Internal("docker.startContainer", err)
	}

	b.state.commit(act, &activation{containerID: containerID, call: p.ID(), started: time.Now()})
	if b.metrics != nil {
		b.metrics.AdjustBusyWorkers(ctx, Name, 1)
	}
	b.logger.Debug("Call container started", "call", p.ID().String(), "activationId", act, "container", containerID)
	return act, nil
}

func (b *Backend) InvokeAndWait(ctx context.Context, runtimeName string, memoryMB int, p *compute.Payload, timeout time.Duration) (*tracker.CallStatus, error) {
	return compute.InvokeAndWait(ctx, b, b.cfg.Tracker, runtimeName, memoryMB, p, timeout, b.cfg.Poll)
}

// CreateRuntime pulls the image and runs the runner in metadata mode to
// learn what the image provides.
func (b *Backend) CreateRuntime(ctx context.Context, runtimeName string, memoryMB int, timeout time.Duration) (*tracker.RuntimeMeta, error) {
	pullCtx, cancel := context.WithTimeout(ctx, b.cfg.PullTimeout)
	defer cancel()
	if err := b.engine.EnsureImage(pullCtx, runtimeName); err != nil {
		return nil, apperrors.Internal("docker.pullImage", err)
	}

	spec := containerSpec{
		Name:  "cloudproc-meta-" + activationID(),
		Image: runtimeName,
		Cmd:   []string{b.cfg.RunnerCommand, "-meta"},
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelRole:      roleMeta,
			labelRuntime:   runtimeName,
			labelMemory:    strconv.Itoa(memoryMB),
		},
		MemoryMB: memoryMB,
		Network:  b.cfg.Network,
	}
	containerID, err := b.engine.Start(ctx, spec)
	if err != nil {
		return nil, apperrors.Internal("docker.startContainer", err)
	}
	defer func() {
		if err := b.engine.Remove(context.Background(), containerID); err != nil {
			b.logger.Warn("Failed to remove metadata container", "container", containerID, "error", err)
		}
	}()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	code, err := b.engine.Wait(waitCtx, containerID)
	if err != nil {
		return nil, apperrors.Internal("docker.waitContainer", err)
	}
	if code != 0 {
		return nil, apperrors.Internal("docker.runtimeMeta", fmt.Errorf("runner exited with code %d", code))
	}

	out, err := b.engine.Stdout(ctx, containerID)
	if err != nil {
		return nil, apperrors.Internal("docker.containerLogs", err)
	}
	var meta tracker.RuntimeMeta
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, apperrors.Internal("docker.runtimeMeta", fmt.Errorf("decode runner output: %w", err))
	}
	meta.Runtime = runtimeName
	meta.Backend = Name
	b.logger.Info("Runtime created", "runtime", runtimeName, "memoryMb", memoryMB)
	return &meta, nil
}

// BuildRuntime is not supported: images are built with the docker CLI and
// referenced by tag.
func (b *Backend) BuildRuntime(_ context.Context, runtimeName, _ string) error {
	return apperrors.Validation("runtime", fmt.Sprintf("docker backend cannot build %q; build the image with docker and use its tag", runtimeName))
}

// DeleteRuntime removes the runtime's containers and image.
func (b *Backend) DeleteRuntime(ctx context.Context, runtimeName string, memoryMB int) error {
	containers, err := b.engine.List(ctx, map[string]string{
		labelManagedBy: managedBy,
		labelRuntime:   runtimeName,
		labelMemory:    strconv.Itoa(memoryMB),
	})
	if err != nil {
		return apperrors.Unavailable("docker.list", err)
	}
	for _, c := range containers {
		b.removeContainer(ctx, c)
	}
	if err := b.engine.RemoveImage(ctx, runtimeName); err != nil {
		b.logger.Warn("Failed to remove runtime image", "runtime", runtimeName, "error", err)
	}
	return nil
}

// DeleteAllRuntimes removes every managed container and the images they ran.
func (b *Backend) DeleteAllRuntimes(ctx context.Context) error {
	containers, err := b.engine.List(ctx, map[string]string{labelManagedBy: managedBy})
	if err != nil {
		return apperrors.Unavailable("docker.list", err)
	}
	images := make(map[string]struct{})
	for _, c := range containers {
		images[c.Labels[labelRuntime]] = struct{}{}
		b.removeContainer(ctx, c)
	}
	for ref := range images {
		if ref == "" {
			continue
		}
		if err := b.engine.RemoveImage(ctx, ref); err != nil {
			b.logger.Warn("Failed to remove runtime image", "runtime", ref, "error", err)
		}
	}
	return nil
}

// ListRuntimes reports the (runtime, memory) pairs that have managed
// containers, optionally filtered by runtime name.
func (b *Backend) ListRuntimes(ctx context.Context, runtimeName string) ([]compute.RuntimeInfo, error) {
	labels := map[string]string{labelManagedBy: managedBy}
	if runtimeName != "" {
		labels[labelRuntime] = runtimeName
	}
	containers, err := b.engine.List(ctx, labels)
	if err != nil {
		return nil, apperrors.Unavailable("docker.list", err)
	}

	type key struct {
		name string
		mem  int
	}
	counts := make(map[key]int)
	for _, c := range containers {
		mem, _ := strconv.Atoi(c.Labels[labelMemory])
		counts[key{c.Labels[labelRuntime], mem}]++
	}
	infos := make([]compute.RuntimeInfo, 0, len(counts))
	for k, n := range counts {
		infos = append(infos, compute.RuntimeInfo{
			Name:     k.name,
			MemoryMB: k.mem,
			Detail:   fmt.Sprintf("%d containers", n),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].MemoryMB < infos[j].MemoryMB
	})
	return infos, nil
}

func (b *Backend) RuntimeKey(runtimeName string, memoryMB int) string {
	r := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return fmt.Sprintf("%s/%s_%dMB", Name, r.Replace(runtimeName), memoryMB)
}

// Ready checks if the Docker daemon is reachable and responsive.
func (b *Backend) Ready(ctx context.Context) error {
	if err := b.engine.Ping(ctx); err != nil {
		return apperrors.Unavailable("docker.ping", err)
	}
	return nil
}

// Close stops the reaper and releases the Docker client.
func (b *Backend) Close(context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.cancelReaper()
		b.reaperWg.Wait()
		err = b.engine.Close()
	})
	return err
}

// runReaper periodically collects finished call containers.
func (b *Backend) runReaper(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reap(ctx)
		}
	}
}

// reap removes exited call containers. A container that exited without
// leaving a status gets a worker failure recorded on its behalf.
func (b *Backend) reap(ctx context.Context) {
	containers, err := b.engine.List(ctx, map[string]string{labelManagedBy: managedBy, labelRole: roleCall})
	if err != nil {
		b.logger.Warn("Reaper failed to list containers", "error", err)
		return
	}

	var reaped int
	for _, c := range containers {
		if c.State != "exited" && c.State != "dead" {
			continue
		}
		p := payloadFromLabels(c.Labels)
		status, err := b.cfg.Tracker.GetCallStatus(ctx, p.ID())
		if err != nil {
			b.logger.Warn("Reaper failed to read status", "call", p.ID().String(), "error", err)
			continue
		}
		if status == nil {
			cause := fmt.Errorf("container exited with code %d without writing a status", c.ExitCode)
			if err := handler.RecordWorkerFailure(ctx, b.cfg.Tracker, p, "docker/"+shortID(c.ID), cause); err != nil {
				b.logger.Warn("Failed to record worker failure", "call", p.ID().String(), "error", err)
				continue
			}
			b.logger.Warn("Call container died", "call", p.ID().String(), "exitCode", c.ExitCode)
		}
		if b.metrics != nil {
			success := status != nil && status.Success
			var duration float64
			if status != nil {
				duration = status.DurationSeconds
			}
			b.metrics.RecordCallCompleted(ctx, Name, p.Function, success, duration)
		}
		b.removeContainer(ctx, c)
		reaped++
	}
	if reaped > 0 {
		b.logger.Info("Reaper complete", "removed", reaped)
	}
}

func (b *Backend) removeContainer(ctx context.Context, c containerInfo) {
	if err := b.engine.Remove(ctx, c.ID); err != nil {
		b.logger.Warn("Failed to remove container", "container", c.ID, "error", err)
		return
	}
	if act := c.Labels[labelActivation]; act != "" {
		if _, ok := b.state.release(act); ok && b.metrics != nil {
			b.metrics.AdjustBusyWorkers(ctx, Name, -1)
		}
	}
}

func (b *Backend) forwardedEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		for _, prefix := range b.cfg.ForwardEnv {
			if strings.HasPrefix(kv, prefix) && !strings.HasPrefix(kv, PayloadEnv+"=") {
				env = append(env, kv)
				break
			}
		}
	}
	return env
}

func callLabels(p *compute.Payload, runtimeName string, memoryMB int) map[string]string {
	return map[string]string{
		labelManagedBy:  managedBy,
		labelRole:       roleCall,
		labelExecutor:   p.ExecutorID,
		labelJob:        p.JobID,
		labelCall:       p.CallID,
		labelActivation: p.ActivationID,
		labelFunction:   p.Function,
		labelRuntime:    runtimeName,
		labelMemory:     strconv.Itoa(memoryMB),
	}
}

func payloadFromLabels(labels map[string]string) *compute.Payload {
	return &compute.Payload{
		ExecutorID:   labels[labelExecutor],
		JobID:        labels[labelJob],
		CallID:       labels[labelCall],
		ActivationID: labels[labelActivation],
		Function:     labels[labelFunction],
	}
}

func activationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var (
	_ compute.Backend = (*Backend)(nil)
	_ compute.Readier = (*Backend)(nil)
	_ compute.Closer  = (*Backend)(nil)
)
