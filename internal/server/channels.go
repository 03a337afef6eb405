package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	errUnknownChannel    = errors.New("unknown channel type")
	errChannelNotRunning = errors.New("channel not running")
)

// ChannelAdapter delivers messages over an external messaging service
// (Telegram, Slack, Discord). Adapters are registered at startup and started
// on demand with per-channel credentials. Start and Stop are idempotent from
// the registry's point of view: the registry never starts a running adapter
// twice.
type ChannelAdapter interface {
	Type() string
	Start(ctx context.Context, config map[string]string) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, target, message string) error
	Running() bool
}

type ChannelStatus struct {
	Type    string `json:"type"`
	Running bool   `json:"running"`
}

// ChannelRegistry owns the channel adapters. It remembers the config each
// adapter was started with so notifications can be routed to the channel's
// notify_target after the fact.
type ChannelRegistry struct {
	mu       sync.Mutex
	adapters map[string]ChannelAdapter
	configs  map[string]map[string]string
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		adapters: make(map[string]ChannelAdapter),
		configs:  make(map[string]map[string]string),
	}
}

// Register adds an adapter, replacing any previous one of the same type.
func (r *ChannelRegistry) Register(adapter ChannelAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Type()] = adapter
}

func (r *ChannelRegistry) start(ctx context.Context, channelType string, config map[string]string) error {
	r.mu.Lock()
	adapter, ok := r.adapters[channelType]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownChannel, channelType)
	}
	if adapter.Running() {
		return nil
	}
	if err := adapter.Start(ctx, config); err != nil {
		return fmt.Errorf("start channel %s: %w", channelType, err)
	}
	r.mu.Lock()
	r.configs[channelType] = config
	r.mu.Unlock()
	return nil
}

func (r *ChannelRegistry) stop(ctx context.Context, channelType string) error {
	r.mu.Lock()
	adapter, ok := r.adapters[channelType]
	delete(r.configs, channelType)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownChannel, channelType)
	}
	if !adapter.Running() {
		return nil
	}
	return adapter.Stop(ctx)
}

func (r *ChannelRegistry) stopAll(ctx context.Context) {
	r.mu.Lock()
	adapters := make([]ChannelAdapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.configs = make(map[string]map[string]string)
	r.mu.Unlock()
	for _, a := range adapters {
		if a.Running() {
			_ = a.Stop(ctx)
		}
	}
}

func (r *ChannelRegistry) list() []ChannelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]ChannelStatus, 0, len(r.adapters))
	for _, a := range r.adapters {
		statuses = append(statuses, ChannelStatus{Type: a.Type(), Running: a.Running()})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Type < statuses[j].Type })
	return statuses
}

func (r *ChannelRegistry) send(ctx context.Context, channelType, target, message string) error {
	r.mu.Lock()
	adapter, ok := r.adapters[channelType]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownChannel, channelType)
	}
	if !adapter.Running() {
		return fmt.Errorf("%w: %s", errChannelNotRunning, channelType)
	}
	return adapter.Send(ctx, target, message)
}

// notifyAll sends the message to every running channel whose start config
// named a notify_target. Returns how many channels the message went to and
// the joined send errors.
func (r *ChannelRegistry) notifyAll(ctx context.Context, message string) (int, error) {
	type route struct {
		adapter ChannelAdapter
		target  string
	}
	r.mu.Lock()
	var routes []route
	for channelType, a := range r.adapters {
		target := r.configs[channelType]["notify_target"]
		if target != "" && a.Running() {
			routes = append(routes, route{adapter: a, target: target})
		}
	}
	r.mu.Unlock()

	sent := 0
	var errs []error
	for _, rt := range routes {
		if err := rt.adapter.Send(ctx, rt.target, message); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", rt.adapter.Type(), err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}
