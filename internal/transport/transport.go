// Package transport defines the pluggable boundary between agents and
// the master coordinator: an in-process transport for running every
// agent as a goroutine inside one binary (internal/transport/inproc), and
// a RabbitMQ-style broker transport for distributed deployments
// (internal/transport/broker).
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package transport

import "github.com/airbus-seclab/rebus/internal/descriptor"

// Signal names, shared verbatim by both transports so broker-side wire
// envelopes and inproc dispatch use the same vocabulary.
const (
	SignalNewDescriptor      = "new_descriptor"
	SignalTargetedDescriptor = "targeted_descriptor"
	SignalBusExit            = "bus_exit"
	SignalOnIdle             = "on_idle"
)

// Bus is the client-facing half of the transport: what an agent runtime
// calls to talk to the master, regardless of whether the call crosses a
// process boundary. Every method corresponds one-to-one with a master RPC
// handler.
type Bus interface {
	Join(agentName, agentDomain string, opts AgentOpts) (agentID string, err error)
	Leave(agentID string) error

	Lock(agentID, lockID, domain, selector string) (bool, error)
	Unlock(agentID, lockID, domain, selector string, processingFailed bool, retries int, waitSeconds float64) error

	Push(agentID string, d *descriptor.Descriptor) (bool, error)
	Get(agentID, domain, selector string) (*descriptor.Descriptor, error)
	GetValue(agentID, domain, selector string) ([]byte, error)

	ListUUIDs(agentID, domain string) (map[string]string, error)
	Find(agentID, domain, selectorRegex string, limit, offset int) ([]string, error)
	FindBySelector(agentID, domain, prefix string, limit, offset int) ([]*descriptor.Descriptor, error)
	FindByUUID(agentID, domain, uuid string) ([]*descriptor.Descriptor, error)
	FindByValue(agentID, domain, prefix, valueRegex string) ([]*descriptor.Descriptor, error)

	MarkProcessed(agentID, domain, selector string) error
	MarkProcessable(agentID, domain, selector string) error
	GetProcessable(agentID, domain, selector string) ([]AgentConfig, error)

	ListAgents(agentID string) (map[string]int, error)
	ProcessedStats(agentID, domain string) ([]ProcessedStats, int, error)
	GetChildren(agentID, domain, selector string, recurse bool) ([]*descriptor.Descriptor, error)

	StoreInternalState(agentID string, state []byte) error
	LoadInternalState(agentID string) ([]byte, error)

	RequestProcessing(agentID, domain, selector string, targets []string) error

	// Signals delivers the channel an agent should range over to receive
	// new_descriptor/targeted_descriptor/bus_exit/on_idle notifications.
	Signals(agentID string) <-chan Signal

	Close() error
}

// AgentOpts carries the two config-derived strings every registration
// needs: the full serialized config (for diagnostics) and the
// output-altering subset used to key distinct agent configurations.
type AgentOpts struct {
	FullConfig     string
	OutputAltering string
}

// AgentConfig mirrors store.AgentConfig without importing the store
// package from the transport boundary, keeping the dependency graph
// shallow (agent -> transport, agent -> store; transport must not need
// store).
type AgentConfig struct {
	Agent  string
	Config string
}

// ProcessedStats mirrors store.ProcessedStats, for the same reason.
type ProcessedStats struct {
	Agent string
	Count int
}

// Signal is one broadcast or targeted event delivered to an agent.
type Signal struct {
	Name       string
	SenderID   string
	Domain     string
	UUID       string
	Selector   string
	Targets    []string
	UserReq    bool
	AwaitState bool
}
