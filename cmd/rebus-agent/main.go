// Command rebus-agent is the generic CLI harness for one-shot bus tools:
// inject, cat, ls, agents and stats each join the bus briefly, issue a
// handful of RPCs directly against transport.Bus, and exit, instead of
// entering the descriptor-driven loop that internal/agent.Runtime drives.
// Concrete analysis agents that DO enter that loop are external
// collaborators and link against internal/agent directly; this binary
// only wraps the transport-selection boilerplate they all share.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/urfave/cli"

	"github.com/airbus-seclab/rebus/internal/descriptor"
	"github.com/airbus-seclab/rebus/internal/transport"
	"github.com/airbus-seclab/rebus/internal/transport/broker"
)

func main() {
	app := cli.NewApp()
	app.Name = "rebus-agent"
	app.Usage = "one-shot REbus client tools (inject/cat/ls/agents/stats)"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bus", Value: "amqp://localhost", Usage: "broker transport URL"},
		cli.StringFlag{Name: "domain", Value: "default", Usage: "descriptor domain"},
	}
	app.Commands = []cli.Command{
		{
			Name:      "inject",
			Usage:     "read a file and push it as a root descriptor",
			ArgsUsage: "<path> <selector-prefix> <label>",
			Action:    withBus(cmdInject),
		},
		{
			Name:      "cat",
			Usage:     "print a descriptor's value to stdout",
			ArgsUsage: "<selector>",
			Action:    withBus(cmdCat),
		},
		{
			Name:      "ls",
			Usage:     "list every uuid/label pair known to the domain",
			ArgsUsage: "",
			Action:    withBus(cmdLs),
		},
		{
			Name:   "agents",
			Usage:  "list connected agents and their counts",
			Action: withBus(cmdAgents),
		},
		{
			Name:      "stats",
			Usage:     "print per-agent processed counts",
			ArgsUsage: "",
			Action:    withBus(cmdStats),
		},
	}
	if err := app.Run(os.Args); err != nil {
		glog.Exitf("rebus-agent: %v", err)
	}
}

// bound couples a connected Bus with the agent_id it registered under, so
// every subcommand addresses itself consistently in RPCs.
type bound struct {
	bus     transport.Bus
	agentID string
	domain  string
}

// withBus dials the broker transport, runs fn, and disconnects, sparing
// every subcommand the connect/close boilerplate.
func withBus(fn func(*cli.Context, *bound) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		bus, err := broker.NewClient(c.GlobalString("bus"))
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer bus.Close()
		domain := c.GlobalString("domain")
		agentID, err := bus.Join("rebus-agent-cli", domain, transport.AgentOpts{})
		if err != nil {
			return fmt.Errorf("join: %w", err)
		}
		defer bus.Leave(agentID)
		return fn(c, &bound{bus: bus, agentID: agentID, domain: domain})
	}
}

func cmdInject(c *cli.Context, b *bound) error {
	if c.NArg() < 3 {
		return fmt.Errorf("usage: inject <path> <selector-prefix> <label>")
	}
	path, prefix, label := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
	value, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	d, err := descriptor.New(b.domain, prefix, label, value)
	if err != nil {
		return err
	}
	added, err := b.bus.Push(b.agentID, d)
	if err != nil {
		return err
	}
	if !added {
		fmt.Fprintln(os.Stderr, "duplicate descriptor, not added")
		return nil
	}
	fmt.Println(d.Selector)
	return nil
}

func cmdCat(c *cli.Context, b *bound) error {
	if c.NArg() < 1 {
		return fmt.Errorf("usage: cat <selector>")
	}
	value, err := b.bus.GetValue(b.agentID, b.domain, c.Args().Get(0))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(value)
	return err
}

func cmdLs(c *cli.Context, b *bound) error {
	uuids, err := b.bus.ListUUIDs(b.agentID, b.domain)
	if err != nil {
		return err
	}
	for uuid, label := range uuids {
		fmt.Printf("%s\t%s\n", uuid, label)
	}
	return nil
}

func cmdAgents(c *cli.Context, b *bound) error {
	agents, err := b.bus.ListAgents(b.agentID)
	if err != nil {
		return err
	}
	for name, count := range agents {
		fmt.Printf("%s\t%d\n", name, count)
	}
	return nil
}

func cmdStats(c *cli.Context, b *bound) error {
	stats, total, err := b.bus.ProcessedStats(b.agentID, b.domain)
	if err != nil {
		return err
	}
	for _, s := range stats {
		fmt.Printf("%s\t%d\n", s.Agent, s.Count)
	}
	fmt.Printf("total\t%d\n", total)
	return nil
}
