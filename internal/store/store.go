// Package store defines the descriptor storage contract and its two
// backends: an in-memory store and a disk-backed store with a sqlite
// metadata index.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package store

import (
	"github.com/airbus-seclab/rebus/internal/descriptor"
)

// AgentConfig identifies a uniquely-configured agent for processed/
// processable bookkeeping: (agent name, output-altering config string).
type AgentConfig struct {
	Agent  string
	Config string
}

// ProcessedStats is one row of the per-agent processed count report.
type ProcessedStats struct {
	Agent string
	Count int
}

// Unprocessed names one (domain, uuid, selector) still owed to an agent
// config at registration time, replayed on join.
type Unprocessed struct {
	Domain   string
	UUID     string
	Selector string
}

// Storage is the contract every backend implements. All operations are
// keyed by domain unless noted.
type Storage interface {
	// Add inserts descriptor; returns false if (domain, selector) already
	// exists. (domain, selector) pairs are unique forever.
	Add(d *descriptor.Descriptor) (bool, error)

	GetDescriptor(domain, selector string) (*descriptor.Descriptor, error)
	GetValue(domain, selector string) ([]byte, error)

	Find(domain, selectorRegex string, limit, offset int) ([]string, error)
	FindBySelector(domain, prefix string, limit, offset int) ([]*descriptor.Descriptor, error)
	FindByUUID(domain, uuid string) ([]*descriptor.Descriptor, error)
	FindByValue(domain, prefix, valueRegex string) ([]*descriptor.Descriptor, error)

	ListUUIDs(domain string) (map[string]string, error)
	GetChildren(domain, selector string, recurse bool) ([]*descriptor.Descriptor, error)

	// MarkProcessed returns true iff (agent, config) was not already
	// recorded as processed for (domain, selector); it also removes the
	// pair from the processable set.
	MarkProcessed(domain, selector, agent, config string) (bool, error)
	// MarkProcessable returns true iff the pair is newly processable and
	// not already processed.
	MarkProcessable(domain, selector, agent, config string) (bool, error)

	GetProcessed(domain, selector string) ([]AgentConfig, error)
	GetProcessable(domain, selector string) ([]AgentConfig, error)
	ProcessedStats(domain string) ([]ProcessedStats, int, error)

	StoreAgentState(agent string, state []byte) error
	LoadAgentState(agent string) ([]byte, error)

	// ListUnprocessedByAgent returns every (domain, uuid, selector) that
	// has not yet been marked processed by (agent, config) — used at
	// registration to replay missed work.
	ListUnprocessedByAgent(agent, config string) ([]Unprocessed, error)

	// StoresIntState reports whether StoreAgentState/LoadAgentState are
	// backed by durable storage.
	StoresIntState() bool

	// Checkpoint flushes any buffered state to durable storage. No-op for
	// the memory backend.
	Checkpoint() error

	// Close releases backend resources (open DB handles, checkpoint
	// goroutines).
	Close() error
}
