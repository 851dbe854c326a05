// Package nri adapts container-lifecycle events from the runtime's NRI
// socket into metadata messages for the collector. The adapter is
// deliberately thin: the collector consumes only the message channel.
package nri

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/containerd/nri/pkg/api"
	"github.com/containerd/nri/pkg/stub"
	"go.uber.org/zap"
)

// ContainerMetadata is the container identity collected from the
// runtime.
type ContainerMetadata struct {
	ContainerID   string
	PodName       string
	PodNamespace  string
	PodUID        string
	ContainerName string
	CgroupPath    string
	Pid           uint32
	Labels        map[string]string
	Annotations   map[string]string
}

// MessageKind distinguishes adds from removals.
type MessageKind int

const (
	// MessageAdd announces or updates a container.
	MessageAdd MessageKind = iota
	// MessageRemove retracts a container.
	MessageRemove
)

// Message is one container-lifecycle translation.
type Message struct {
	Kind        MessageKind
	ContainerID string
	Metadata    *ContainerMetadata
}

// Plugin is the NRI plugin that feeds the metadata channel. Sends are
// non-blocking: a full channel drops the message and counts it, with a
// rate-limited warning.
type Plugin struct {
	stub    stub.Stub
	tx      chan<- Message
	dropped atomic.Uint64

	lastDropReport atomic.Int64

	log *zap.SugaredLogger
}

type options struct {
	Log        *zap.SugaredLogger
	SocketPath string
	PluginName string
	PluginIdx  string
}

func newOptions() *options {
	return &options{
		Log:        zap.NewNop().Sugar(),
		PluginName: "perfslot",
		PluginIdx:  "10",
	}
}

// Option configures the plugin.
type Option func(*options)

// WithLog sets the logger for the plugin.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithSocketPath overrides the NRI socket path.
func WithSocketPath(path string) Option {
	return func(o *options) {
		o.SocketPath = path
	}
}

// NewPlugin creates the plugin around the given message channel.
func NewPlugin(tx chan<- Message, opts ...Option) (*Plugin, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	m := &Plugin{
		tx:  tx,
		log: o.Log,
	}

	stubOpts := []stub.Option{
		stub.WithPluginName(o.PluginName),
		stub.WithPluginIdx(o.PluginIdx),
	}
	if o.SocketPath != "" {
		stubOpts = append(stubOpts, stub.WithSocketPath(o.SocketPath))
	}

	s, err := stub.New(m, stubOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create NRI stub: %w", err)
	}
	m.stub = s

	return m, nil
}

// Run serves the plugin until the context is cancelled.
func (m *Plugin) Run(ctx context.Context) error {
	err := m.stub.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("NRI plugin stopped: %w", err)
	}
	return nil
}

// Dropped returns the number of messages dropped on a full channel.
func (m *Plugin) Dropped() uint64 {
	return m.dropped.Load()
}

// Configure tells the runtime which lifecycle events the plugin wants.
func (m *Plugin) Configure(_ context.Context, _, runtimeName, runtimeVersion string) (stub.EventMask, error) {
	m.log.Infow("connected to container runtime",
		zap.String("runtime", runtimeName),
		zap.String("version", runtimeVersion),
	)
	return api.MustParseEventMask("CreateContainer,UpdateContainer,StopContainer,RemoveContainer"), nil
}

// Synchronize replays the runtime's current state on connect.
func (m *Plugin) Synchronize(_ context.Context, pods []*api.PodSandbox, containers []*api.Container) ([]*api.ContainerUpdate, error) {
	podByID := make(map[string]*api.PodSandbox, len(pods))
	for _, pod := range pods {
		podByID[pod.GetId()] = pod
	}

	for _, container := range containers {
		m.send(Message{
			Kind:        MessageAdd,
			ContainerID: container.GetId(),
			Metadata:    extractMetadata(container, podByID[container.GetPodSandboxId()]),
		})
	}

	m.log.Infow("synchronized container metadata", zap.Int("containers", len(containers)))
	return nil, nil
}

// CreateContainer translates a container creation into an add.
func (m *Plugin) CreateContainer(_ context.Context, pod *api.PodSandbox, container *api.Container) (*api.ContainerAdjustment, []*api.ContainerUpdate, error) {
	m.send(Message{
		Kind:        MessageAdd,
		ContainerID: container.GetId(),
		Metadata:    extractMetadata(container, pod),
	})
	return nil, nil, nil
}

// UpdateContainer refreshes a container's metadata.
func (m *Plugin) UpdateContainer(_ context.Context, pod *api.PodSandbox, container *api.Container, _ *api.LinuxResources) ([]*api.ContainerUpdate, error) {
	m.send(Message{
		Kind:        MessageAdd,
		ContainerID: container.GetId(),
		Metadata:    extractMetadata(container, pod),
	})
	return nil, nil
}

// StopContainer translates a container stop into a removal.
func (m *Plugin) StopContainer(_ context.Context, _ *api.PodSandbox, container *api.Container) ([]*api.ContainerUpdate, error) {
	m.send(Message{
		Kind:        MessageRemove,
		ContainerID: container.GetId(),
	})
	return nil, nil
}

// RemoveContainer retracts a container that is gone.
func (m *Plugin) RemoveContainer(_ context.Context, _ *api.PodSandbox, container *api.Container) error {
	m.send(Message{
		Kind:        MessageRemove,
		ContainerID: container.GetId(),
	})
	return nil
}

func (m *Plugin) send(msg Message) {
	select {
	case m.tx <- msg:
	default:
		m.dropped.Add(1)

		now := time.Now().UnixNano()
		last := m.lastDropReport.Load()
		if now-last >= int64(time.Second) && m.lastDropReport.CompareAndSwap(last, now) {
			m.log.Warnw("dropping container metadata messages: channel full",
				zap.Uint64("dropped", m.dropped.Load()))
		}
	}
}

func extractMetadata(container *api.Container, pod *api.PodSandbox) *ContainerMetadata {
	metadata := &ContainerMetadata{
		ContainerID:   container.GetId(),
		ContainerName: container.GetName(),
		Labels:        container.GetLabels(),
		Annotations:   container.GetAnnotations(),
	}

	if linux := container.GetLinux(); linux != nil {
		metadata.CgroupPath = linux.GetCgroupsPath()
	}
	if pid := container.GetPid(); pid > 0 {
		metadata.Pid = pid
	}
	if pod != nil {
		metadata.PodName = pod.GetName()
		metadata.PodNamespace = pod.GetNamespace()
		metadata.PodUID = pod.GetUid()
	}

	return metadata
}
