// Package broker is the RabbitMQ-backed distributed transport: a fanout
// exchange ("rebus_signals") for broadcast/targeted signals, two
// priority RPC queues ("rebus_master_rpc_highprio"/"...lowprio") for
// calls into the master, and one exclusive reply queue per agent
// connection correlated by a generated nonce. Both sides reconnect with
// exponential backoff and re-declare their queues after a broker outage.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package broker

const (
	registrationQueue = "registration_queue"
	signalExchange    = "rebus_signals"
	rpcHighPrio       = "rebus_master_rpc_highprio"
	rpcLowPrio        = "rebus_master_rpc_lowprio"
)
