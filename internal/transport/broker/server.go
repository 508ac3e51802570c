package broker

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/streadway/amqp"

	"github.com/airbus-seclab/rebus/internal/master"
	"github.com/airbus-seclab/rebus/internal/store"
	"github.com/airbus-seclab/rebus/internal/wire"
)

// idTokenBatch is how many sequence tokens the master pre-publishes onto
// registrationQueue at a time; idTokenLowWater is the depth at which the
// refill loop tops the queue back up.
const (
	idTokenBatch    = 64
	idTokenLowWater = 16
)

// Server runs the master coordinator against a RabbitMQ broker: it
// consumes both RPC priority queues, dispatches each call into
// master.Master, and publishes signals to the fanout exchange.
type Server struct {
	url string
	m   *master.Master

	conn    *amqp.Connection
	ch      *amqp.Channel
	closeCh chan *amqp.Error

	nextID  int64
	stopSeq chan struct{}
}

var _ master.Signaler = (*Server)(nil)

// NewServer dials url and constructs a master.Master bound to st. The
// broker connection is established before this returns; Run then drives
// the consume loop until ctx-equivalent shutdown (SIGINT/SIGTERM handling
// is the caller's responsibility).
func NewServer(url string, st store.Storage, reg prometheus.Registerer) (*Server, error) {
	s := &Server{url: url, stopSeq: make(chan struct{})}
	s.m = master.New(st, s, reg)
	if err := s.connect(); err != nil {
		return nil, err
	}
	go s.refillIDTokens()
	return s, nil
}

// refillIDTokens keeps registrationQueue stocked with sequential agent-id
// tokens so Client.Join can consume one without a round-trip through the
// master's RPC loop. Each token is the next value of a monotonic counter,
// giving agent ids the same "<name>-<sequence>" shape as the in-process
// transport.
func (s *Server) refillIDTokens() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.topUpIDTokens()
		case <-s.stopSeq:
			return
		}
	}
}

func (s *Server) topUpIDTokens() {
	q, err := s.ch.QueueInspect(registrationQueue)
	if err != nil {
		return
	}
	if q.Messages >= idTokenLowWater {
		return
	}
	for i := 0; i < idTokenBatch; i++ {
		id := atomic.AddInt64(&s.nextID, 1) - 1
		if err := s.ch.Publish("", registrationQueue, false, false, amqp.Publishing{
			Body: []byte(strconv.FormatInt(id, 10)),
		}); err != nil {
			glog.Errorf("broker: failed to publish id token: %v", err)
			return
		}
	}
}

func (s *Server) connect() error {
	return backoff.Retry(func() error {
		conn, err := amqp.Dial(s.url)
		if err != nil {
			glog.Warningf("broker: cannot connect to %s: %v, retrying", s.url, err)
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return err
		}
		if _, err := ch.QueueDeclare(registrationQueue, true, false, false, false, nil); err != nil {
			return err
		}
		if _, err := ch.QueuePurge(registrationQueue, false); err != nil {
			return err
		}
		if err := ch.ExchangeDeclare(signalExchange, "fanout", true, false, false, false, nil); err != nil {
			return err
		}
		for _, q := range []string{rpcHighPrio, rpcLowPrio} {
			if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
				return err
			}
			if _, err := ch.QueuePurge(q, false); err != nil {
				return err
			}
		}
		// prefetch=1 keeps one slow push from starving the high-priority
		// registration/RPC traffic behind it.
		if err := ch.Qos(1, 0, false); err != nil {
			return err
		}
		s.conn = conn
		s.ch = ch
		s.closeCh = make(chan *amqp.Error, 1)
		conn.NotifyClose(s.closeCh)
		return nil
	}, backoff.NewExponentialBackOff())
}

// Run consumes both RPC priority queues until the channel or connection
// drops, reconnecting with backoff.
func (s *Server) Run() error {
	for {
		highMsgs, err := s.ch.Consume(rpcHighPrio, "", false, false, false, false, nil)
		if err != nil {
			return err
		}
		lowMsgs, err := s.ch.Consume(rpcLowPrio, "", false, false, false, false, nil)
		if err != nil {
			return err
		}
		if err := s.consumeUntilClosed(highMsgs, lowMsgs); err != nil {
			glog.Warningf("broker: disconnected (%v), reconnecting", err)
			if err := s.connect(); err != nil {
				return err
			}
			continue
		}
		return nil
	}
}

func (s *Server) consumeUntilClosed(high, low <-chan amqp.Delivery) error {
	for {
		select {
		case d, ok := <-high:
			if !ok {
				return fmt.Errorf("rpc high-priority queue closed")
			}
			s.handleRPC(d)
		case d, ok := <-low:
			if !ok {
				return fmt.Errorf("rpc low-priority queue closed")
			}
			s.handleRPC(d)
		case cerr := <-s.closeCh:
			return cerr
		}
	}
}

func (s *Server) handleRPC(d amqp.Delivery) {
	env, err := wire.DecodeEnvelope(d.Body)
	if err != nil {
		glog.Errorf("broker: corrupt RPC envelope: %v", err)
		d.Ack(false)
		return
	}
	result, rpcErr := dispatch(s.m, env)
	out := wire.Envelope{Name: env.Name, Args: map[string]interface{}{"result": result}}
	if rpcErr != nil {
		out.Args["error"] = rpcErr.Error()
	}
	body, err := wire.EncodeEnvelope(out)
	if err != nil {
		glog.Errorf("broker: failed to encode RPC reply: %v", err)
		d.Ack(false)
		return
	}
	publishErr := backoff.Retry(func() error {
		return s.ch.Publish("", d.ReplyTo, false, false, amqp.Publishing{
			CorrelationId: d.CorrelationId,
			Body:          body,
		})
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10))
	if publishErr != nil {
		glog.Errorf("broker: failed to publish RPC reply: %v", publishErr)
	}
	d.Ack(false)
}

func (s *Server) sendSignal(name string, args map[string]interface{}) {
	body, err := wire.EncodeEnvelope(wire.Envelope{Name: name, Args: args})
	if err != nil {
		glog.Errorf("broker: failed to encode signal %s: %v", name, err)
		return
	}
	err = backoff.Retry(func() error {
		return s.ch.Publish(signalExchange, "", false, false, amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		})
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10))
	if err != nil {
		glog.Errorf("broker: failed to publish signal %s: %v", name, err)
	}
}

func (s *Server) NewDescriptor(senderID, domain, uuid, selector string) {
	s.sendSignal("new_descriptor", map[string]interface{}{
		"sender_id": senderID, "desc_domain": domain, "uuid": uuid, "selector": selector,
	})
}

func (s *Server) TargetedDescriptor(senderID, domain, uuid, selector string, targets []string, userRequest bool) {
	s.sendSignal("targeted_descriptor", map[string]interface{}{
		"sender_id": senderID, "desc_domain": domain, "uuid": uuid, "selector": selector,
		"targets": targets, "user_request": userRequest,
	})
}

func (s *Server) BusExit(awaitingState bool) {
	s.sendSignal("bus_exit", map[string]interface{}{"awaiting_internal_state": awaitingState})
}

func (s *Server) OnIdle() {
	s.sendSignal("on_idle", map[string]interface{}{})
}

// Shutdown begins the graceful master shutdown and waits until every
// agent has unregistered or the grace period elapses.
func (s *Server) Shutdown(grace time.Duration) {
	s.m.Shutdown()
	deadline := time.Now().Add(grace)
	for s.m.RemainingAgents() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *Server) Close() error {
	close(s.stopSeq)
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
