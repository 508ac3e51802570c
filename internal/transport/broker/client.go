package broker

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/airbus-seclab/rebus/internal/descriptor"
	"github.com/airbus-seclab/rebus/internal/transport"
	"github.com/airbus-seclab/rebus/internal/wire"
)

// Client is the agent-facing half of the broker transport: it issues
// RPC calls correlated by a per-request nonce over an exclusive reply
// queue, and subscribes to the signal fanout exchange on a second
// exclusive queue.
type Client struct {
	url string

	mu          sync.Mutex
	conn        *amqp.Connection
	ch          *amqp.Channel
	replyQueue  string
	signalQueue string
	replies     <-chan amqp.Delivery

	signals chan transport.Signal
}

var _ transport.Bus = (*Client)(nil)

// NewClient dials url and declares this connection's exclusive reply and
// signal queues.
func NewClient(url string) (*Client, error) {
	c := &Client{url: url, signals: make(chan transport.Signal, signalBuffer)}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.consumeSignals()
	return c, nil
}

const signalBuffer = 256

func (c *Client) connect() error {
	return backoff.Retry(func() error {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			glog.Warningf("broker client: cannot connect to %s: %v, retrying", c.url, err)
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return err
		}
		replyQ, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return err
		}
		sigQ, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return err
		}
		if err := ch.ExchangeDeclare(signalExchange, "fanout", true, false, false, false, nil); err != nil {
			return err
		}
		if err := ch.QueueBind(sigQ.Name, "", signalExchange, false, nil); err != nil {
			return err
		}
		// One long-lived consumer per connection: replies for every RPC made
		// on this client arrive here and call() filters by correlation id.
		// Registering a fresh consumer per call would leave the previous one
		// attached, and the broker could hand the next reply to it instead.
		replies, err := ch.Consume(replyQ.Name, "", true, true, false, false, nil)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.conn, c.ch = conn, ch
		c.replyQueue, c.signalQueue = replyQ.Name, sigQ.Name
		c.replies = replies
		c.mu.Unlock()
		return nil
	}, backoff.NewExponentialBackOff())
}

func (c *Client) consumeSignals() {
	for {
		c.mu.Lock()
		ch, queue := c.ch, c.signalQueue
		c.mu.Unlock()
		msgs, err := ch.Consume(queue, "", true, false, false, false, nil)
		if err != nil {
			if err := c.connect(); err != nil {
				return
			}
			continue
		}
		for d := range msgs {
			env, err := wire.DecodeEnvelope(d.Body)
			if err != nil {
				glog.Errorf("broker client: corrupt signal: %v", err)
				continue
			}
			c.signals <- envelopeToSignal(env)
		}
		if err := c.connect(); err != nil {
			return
		}
	}
}

func envelopeToSignal(env wire.Envelope) transport.Signal {
	a := args(env.Args)
	return transport.Signal{
		Name: env.Name, SenderID: a.str("sender_id"), Domain: a.str("desc_domain"),
		UUID: a.str("uuid"), Selector: a.str("selector"),
		Targets: a.strSlice("targets"), UserReq: a.boolean("user_request"),
		AwaitState: a.boolean("awaiting_internal_state"),
	}
}

// call performs one RPC round-trip: publish to the priority queue,
// consume the reply queue until the correlation id matches.
func (c *Client) call(name string, highPriority bool, rpcArgs map[string]interface{}) (args, error) {
	corrID := uuid.NewString()
	body, err := wire.EncodeEnvelope(wire.Envelope{Name: name, Args: rpcArgs})
	if err != nil {
		return nil, err
	}
	route := rpcLowPrio
	if highPriority {
		route = rpcHighPrio
	}

	for {
		c.mu.Lock()
		ch, replyQ, replies := c.ch, c.replyQueue, c.replies
		c.mu.Unlock()

		err = backoff.Retry(func() error {
			return ch.Publish("", route, false, false, amqp.Publishing{
				ReplyTo: replyQ, CorrelationId: corrID, Body: body,
			})
		}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10))
		if err != nil {
			return nil, err
		}

		reply, ok := c.awaitReply(replies, corrID)
		if !ok {
			// Connection dropped while waiting; the in-flight RPC is retried
			// on the fresh connection (the master side is idempotent for
			// every call that can reach this path).
			if err := c.connect(); err != nil {
				return nil, err
			}
			continue
		}
		env, err := wire.DecodeEnvelope(reply.Body)
		if err != nil {
			return nil, err
		}
		a := args(env.Args)
		if errMsg := a.str("error"); errMsg != "" {
			return a, fmt.Errorf("broker: %s: %s", name, errMsg)
		}
		return a, nil
	}
}

// awaitReply drains the shared reply consumer until the delivery matching
// corrID arrives. Calls on one Client are serialized by the agent's
// single-threaded runtime loop, so a mismatched correlation id means a
// stale reply from a reconnect-abandoned request, not another caller's.
func (c *Client) awaitReply(replies <-chan amqp.Delivery, corrID string) (amqp.Delivery, bool) {
	for d := range replies {
		if d.CorrelationId != corrID {
			glog.Warningf("broker client: dropping stale rpc reply (correlation id mismatch)")
			continue
		}
		return d, true
	}
	return amqp.Delivery{}, false
}

// Join consumes exactly one id token from the master's registration_queue
// and uses it as this agent's numeric suffix, guaranteeing unique,
// monotonically numbered ids without a round-trip to the master. Falls
// back to a random suffix if the queue is momentarily empty, so a slow
// refill never blocks Join forever.
func (c *Client) Join(agentName, agentDomain string, opts transport.AgentOpts) (string, error) {
	token, err := c.takeIDToken()
	if err != nil {
		// Dashless so "<name>-<token>" still splits cleanly on the last dash.
		token = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	agentID := agentName + "-" + token
	_, err = c.call("register", true, map[string]interface{}{
		"agent_id": agentID, "agent_domain": agentDomain,
		"pth":         "/agent/" + agentName,
		"full_config": opts.FullConfig, "config_txt": opts.OutputAltering,
	})
	return agentID, err
}

func (c *Client) takeIDToken() (string, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	for attempt := 0; attempt < 20; attempt++ {
		d, ok, err := ch.Get(registrationQueue, true)
		if err != nil {
			return "", err
		}
		if ok {
			return string(d.Body), nil
		}
		time.Sleep(25 * time.Millisecond)
	}
	return "", fmt.Errorf("broker: no id token available")
}

func (c *Client) Leave(agentID string) error {
	_, err := c.call("unregister", true, map[string]interface{}{"agent_id": agentID})
	return err
}

func (c *Client) Lock(agentID, lockID, domain, selector string) (bool, error) {
	a, err := c.call("lock", true, map[string]interface{}{
		"agent_id": agentID, "lockid": lockID, "desc_domain": domain, "selector": selector,
	})
	if err != nil {
		return false, err
	}
	got, _ := a["result"].(bool)
	return got, nil
}

func (c *Client) Unlock(agentID, lockID, domain, selector string, processingFailed bool, retries int, waitSeconds float64) error {
	_, err := c.call("unlock", true, map[string]interface{}{
		"agent_id": agentID, "lockid": lockID, "desc_domain": domain, "selector": selector,
		"processing_failed": processingFailed, "retries": retries, "wait_time": waitSeconds,
	})
	return err
}

func (c *Client) Push(agentID string, d *descriptor.Descriptor) (bool, error) {
	meta, err := wire.EncodeDescriptorMeta(d)
	if err != nil {
		return false, err
	}
	value, err := wire.EncodeDescriptorValue(d)
	if err != nil {
		return false, err
	}
	a, err := c.call("push", false, map[string]interface{}{
		"agent_id":         agentID,
		"descriptor_meta":  base64.StdEncoding.EncodeToString(meta),
		"descriptor_value": base64.StdEncoding.EncodeToString(value),
	})
	if err != nil {
		return false, err
	}
	got, _ := a["result"].(bool)
	return got, nil
}

func (c *Client) Get(agentID, domain, selector string) (*descriptor.Descriptor, error) {
	a, err := c.call("get", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector": selector,
	})
	if err != nil {
		return nil, err
	}
	metaB64, _ := a["result"].(string)
	if metaB64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(metaB64)
	if err != nil {
		return nil, err
	}
	return wire.DecodeDescriptorMeta(raw)
}

func (c *Client) GetValue(agentID, domain, selector string) ([]byte, error) {
	a, err := c.call("get_value", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector": selector,
	})
	if err != nil {
		return nil, err
	}
	s, _ := a["result"].(string)
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func (c *Client) ListUUIDs(agentID, domain string) (map[string]string, error) {
	a, err := c.call("list_uuids", true, map[string]interface{}{"agent_id": agentID, "desc_domain": domain})
	if err != nil {
		return nil, err
	}
	return stringMap(a["result"]), nil
}

func (c *Client) Find(agentID, domain, selectorRegex string, limit, offset int) ([]string, error) {
	a, err := c.call("find", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector_regex": selectorRegex,
		"limit": limit, "offset": offset,
	})
	if err != nil {
		return nil, err
	}
	return args{"v": a["result"]}.strSlice("v"), nil
}

func (c *Client) FindBySelector(agentID, domain, prefix string, limit, offset int) ([]*descriptor.Descriptor, error) {
	a, err := c.call("find_by_selector", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector_prefix": prefix,
		"limit": limit, "offset": offset,
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(a["result"])
}

func (c *Client) FindByUUID(agentID, domain, uuidStr string) ([]*descriptor.Descriptor, error) {
	a, err := c.call("find_by_uuid", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "uuid": uuidStr,
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(a["result"])
}

func (c *Client) FindByValue(agentID, domain, prefix, valueRegex string) ([]*descriptor.Descriptor, error) {
	a, err := c.call("find_by_value", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector_prefix": prefix, "value_regex": valueRegex,
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(a["result"])
}

func (c *Client) MarkProcessed(agentID, domain, selector string) error {
	_, err := c.call("mark_processed", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector": selector,
	})
	return err
}

func (c *Client) MarkProcessable(agentID, domain, selector string) error {
	_, err := c.call("mark_processable", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector": selector,
	})
	return err
}

func (c *Client) GetProcessable(agentID, domain, selector string) ([]transport.AgentConfig, error) {
	a, err := c.call("get_processable", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector": selector,
	})
	if err != nil {
		return nil, err
	}
	return decodeAgentConfigs(a["result"]), nil
}

func (c *Client) ListAgents(agentID string) (map[string]int, error) {
	a, err := c.call("list_agents", true, map[string]interface{}{"agent_id": agentID})
	if err != nil {
		return nil, err
	}
	return intMap(a["result"]), nil
}

func (c *Client) ProcessedStats(agentID, domain string) ([]transport.ProcessedStats, int, error) {
	a, err := c.call("processed_stats", true, map[string]interface{}{"agent_id": agentID, "desc_domain": domain})
	if err != nil {
		return nil, 0, err
	}
	result, _ := a["result"].(map[string]interface{})
	stats := decodeProcessedStats(result["stats"])
	total := 0
	if f, ok := result["total"].(float64); ok {
		total = int(f)
	}
	return stats, total, nil
}

func (c *Client) GetChildren(agentID, domain, selector string, recurse bool) ([]*descriptor.Descriptor, error) {
	a, err := c.call("get_children", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector": selector, "recurse": recurse,
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(a["result"])
}

func (c *Client) StoreInternalState(agentID string, state []byte) error {
	_, err := c.call("store_internal_state", true, map[string]interface{}{
		"agent_id": agentID, "state": base64.StdEncoding.EncodeToString(state),
	})
	return err
}

func (c *Client) LoadInternalState(agentID string) ([]byte, error) {
	a, err := c.call("load_internal_state", true, map[string]interface{}{"agent_id": agentID})
	if err != nil {
		return nil, err
	}
	s, _ := a["result"].(string)
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func (c *Client) RequestProcessing(agentID, domain, selector string, targets []string) error {
	_, err := c.call("request_processing", true, map[string]interface{}{
		"agent_id": agentID, "desc_domain": domain, "selector": selector, "targets": targets,
	})
	return err
}

func (c *Client) Signals(agentID string) <-chan transport.Signal {
	return c.signals
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func decodeAll(result interface{}) ([]*descriptor.Descriptor, error) {
	raw, ok := result.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]*descriptor.Descriptor, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		d, err := wire.DecodeDescriptorMeta(b)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeAgentConfigs(result interface{}) []transport.AgentConfig {
	raw, ok := result.([]interface{})
	if !ok {
		return nil
	}
	out := make([]transport.AgentConfig, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		agent, _ := m["Agent"].(string)
		config, _ := m["Config"].(string)
		out = append(out, transport.AgentConfig{Agent: agent, Config: config})
	}
	return out
}

func decodeProcessedStats(result interface{}) []transport.ProcessedStats {
	raw, ok := result.([]interface{})
	if !ok {
		return nil
	}
	out := make([]transport.ProcessedStats, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		agent, _ := m["Agent"].(string)
		count := 0
		if f, ok := m["Count"].(float64); ok {
			count = int(f)
		}
		out = append(out, transport.ProcessedStats{Agent: agent, Count: count})
	}
	return out
}

func stringMap(result interface{}) map[string]string {
	raw, ok := result.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func intMap(result interface{}) map[string]int {
	raw, ok := result.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = int(f)
		}
	}
	return out
}
