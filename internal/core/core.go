// Package core is the façade every adapter (REST, MCP over SSE, MCP over
// stdio) talks to. It validates arguments, checks agent tokens, dispatches to
// the store/wait/presence/invite subsystems, and publishes events only after
// the underlying write has committed.
package core

import (
	"time"

	"github.com/agentbus/agentbus/internal/common/logger"
	eventbus "github.com/agentbus/agentbus/internal/events/bus"
	"github.com/agentbus/agentbus/internal/invite"
	"github.com/agentbus/agentbus/internal/presence"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/agentbus/agentbus/internal/wait"
)

// Version is reported by bus_get_config and the health endpoint.
const Version = "1.0.0"

// eventPreviewLimit caps how much message content rides inside msg.new
// events. Subscribers fetch the full body through the log.
const eventPreviewLimit = 200

// Options carries the construction-time settings the core reads. The core
// never consults the environment itself.
type Options struct {
	BusName           string
	PreferredLanguage string
	Endpoint          string
	HeartbeatTimeout  time.Duration
	WaitDefault       time.Duration
	WaitMax           time.Duration
}

// Core owns the subsystems and is shared by all adapters.
type Core struct {
	store    *store.Store
	broker   *eventbus.Broker
	waits    *wait.Coordinator
	presence *presence.Manager
	invites  *invite.Executor
	opts     Options
	logger   *logger.Logger
}

// New wires the façade. The wait coordinator is registered as a broker
// listener so msg.new events wake parked waiters.
func New(st *store.Store, broker *eventbus.Broker, waits *wait.Coordinator, pres *presence.Manager, invites *invite.Executor, opts Options, log *logger.Logger) *Core {
	broker.AddListener(waits.HandleEvent)
	return &Core{
		store:    st,
		broker:   broker,
		waits:    waits,
		presence: pres,
		invites:  invites,
		opts:     opts,
		logger:   log,
	}
}

// Broker exposes the event broker for SSE/websocket adapters.
func (c *Core) Broker() *eventbus.Broker {
	return c.broker
}

// BusConfig is the read-only settings record returned to clients.
type BusConfig struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	Endpoint          string `json:"endpoint"`
	PreferredLanguage string `json:"preferred_language"`
	HeartbeatTimeout  int    `json:"heartbeat_timeout_seconds"`
	WaitTimeout       int    `json:"wait_timeout_seconds"`
}

// Config returns the effective bus settings.
func (c *Core) Config() BusConfig {
	return BusConfig{
		Name:              c.opts.BusName,
		Version:           Version,
		Endpoint:          c.opts.Endpoint,
		PreferredLanguage: c.opts.PreferredLanguage,
		HeartbeatTimeout:  int(c.opts.HeartbeatTimeout / time.Second),
		WaitTimeout:       int(c.opts.WaitDefault / time.Second),
	}
}

// Shutdown wakes all parked waiters and closes the broker so SSE loops exit.
func (c *Core) Shutdown() {
	c.waits.Shutdown()
	c.broker.Close()
}

// clampTimeout applies the default and maximum wait bounds.
func (c *Core) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.opts.WaitDefault
	}
	if timeout > c.opts.WaitMax {
		return c.opts.WaitMax
	}
	return timeout
}
