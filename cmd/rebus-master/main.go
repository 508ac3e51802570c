// Command rebus-master starts the bus coordinator: it opens a storage
// backend, wires it to either the in-process or broker transport, and
// serves until SIGINT/SIGTERM triggers a graceful shutdown. A small
// fasthttp server exposes /healthz and prometheus /metrics.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli"
	"github.com/valyala/fasthttp"

	"github.com/airbus-seclab/rebus/internal/store"
	"github.com/airbus-seclab/rebus/internal/transport/broker"
	"github.com/airbus-seclab/rebus/internal/transport/inproc"
)

func main() {
	app := cli.NewApp()
	app.Name = "rebus-master"
	app.Usage = "run the REbus coordination bus"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "storage", Value: "mem", Usage: "storage backend: mem or disk"},
		cli.StringFlag{Name: "basedir", Value: "./rebus-data", Usage: "disk storage base directory"},
		cli.StringFlag{Name: "transport", Value: "inproc", Usage: "transport: inproc or rabbit"},
		cli.StringFlag{Name: "rabbitaddr", Value: "amqp://localhost", Usage: "rabbitmq URL, when transport=rabbit"},
		cli.StringFlag{Name: "http", Value: ":8222", Usage: "address for the /healthz and /metrics endpoints"},
	}
	app.Action = runMaster

	if err := app.Run(os.Args); err != nil {
		glog.Exitf("rebus-master: %v", err)
	}
}

func runMaster(c *cli.Context) error {
	flag.Parse() // glog's flags
	defer glog.Flush()

	st, err := openStorage(c.String("storage"), c.String("basedir"))
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	go serveHTTP(c.String("http"), reg)

	switch c.String("transport") {
	case "inproc":
		return runInproc(st, reg)
	case "rabbit":
		return runBroker(st, reg, c.String("rabbitaddr"))
	default:
		glog.Exitf("unknown transport %q", c.String("transport"))
		return nil
	}
}

func openStorage(kind, baseDir string) (store.Storage, error) {
	switch kind {
	case "mem":
		return store.NewMemStore(), nil
	case "disk":
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, err
		}
		return store.NewDiskStore(baseDir)
	default:
		glog.Exitf("unknown storage backend %q", kind)
		return nil, nil
	}
}

// runInproc is mostly useful for embedding agents in the same process as
// the master (tests, single-binary deployments); it blocks until
// SIGINT/SIGTERM.
func runInproc(st store.Storage, reg prometheus.Registerer) error {
	bus := inproc.New(st, reg)
	defer bus.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	glog.Infof("received shutdown signal")
	bus.Shutdown()
	waitForAgents(sigCh, bus.RemainingAgents, 30*time.Second)
	return nil
}

func runBroker(st store.Storage, reg prometheus.Registerer, rabbitAddr string) error {
	srv, err := broker.NewServer(rabbitAddr, st, reg)
	if err != nil {
		return err
	}
	defer srv.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	select {
	case <-sigCh:
		glog.Infof("received shutdown signal")
		shutdownDone := make(chan struct{})
		go func() {
			srv.Shutdown(30 * time.Second)
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-sigCh:
			glog.Warningf("second shutdown signal received, exiting without waiting for shutdown to finish")
		}
		return nil
	case err := <-done:
		return err
	}
}

// waitForAgents polls remaining until it reaches zero or timeout elapses,
// but a second signal on sigCh forces it to return immediately: per the
// master's idempotent-shutdown contract, a second SIGINT/SIGTERM exits
// regardless of how many agents are still draining.
func waitForAgents(sigCh <-chan os.Signal, remaining func() int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for remaining() > 0 && time.Now().Before(deadline) {
		select {
		case <-sigCh:
			glog.Warningf("second shutdown signal received, exiting without waiting for agents")
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func serveHTTP(addr string, reg *prometheus.Registry) {
	handler := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/healthz":
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ok")
		case "/metrics":
			families, err := reg.Gather()
			if err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				return
			}
			ctx.SetContentType(string(expfmt.FmtText))
			enc := expfmt.NewEncoder(ctx, expfmt.FmtText)
			for _, mf := range families {
				_ = enc.Encode(mf)
			}
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
	if err := fasthttp.ListenAndServe(addr, handler); err != nil {
		glog.Errorf("rebus-master: http server: %v", err)
	}
}
