// Package agent implements the runtime every REbus worker embeds: the
// three operation modes (automatic/interactive/idle), selector and
// descriptor filtering, slot-based multi-input processing, retry with
// backoff and internal-state persistence. The process/filter/lock dance
// is generalized over the transport.Bus abstraction so the same Runtime
// works unmodified over both the in-process and broker transports.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package agent

import (
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/airbus-seclab/rebus/internal/cmn"
	"github.com/airbus-seclab/rebus/internal/descriptor"
	"github.com/airbus-seclab/rebus/internal/transport"
)

// Mode is one of the three agent operation modes.
type Mode string

const (
	ModeAutomatic   Mode = cmn.ModeAutomatic
	ModeInteractive Mode = cmn.ModeInteractive
	ModeIdle        Mode = cmn.ModeIdle
)

// Behavior is the interface every concrete agent implements; Runtime
// supplies everything else (registration, locking, retry, persistence).
type Behavior interface {
	// FilterSelector decides whether a descriptor at selector is even
	// worth fetching. Cheap, string-only filtering.
	FilterSelector(selector string) bool
	// FilterDescriptor decides, after fetching, whether to actually
	// process. Returning false marks the descriptor processed without
	// calling Process.
	FilterDescriptor(d *descriptor.Descriptor) bool
	// Process runs on one descriptor, optionally spawning and returning a
	// derived descriptor to push. A non-nil error triggers the retry path.
	Process(d *descriptor.Descriptor, senderID string) (*descriptor.Descriptor, error)
	// Init runs once after registration, before the signal loop starts.
	Init(r *Runtime) error
	// GetState/SetState (de)serialize whatever internal bookkeeping the
	// agent wants to survive a restart.
	GetState() ([]byte, error)
	SetState(state []byte) error
}

// SlotSpec names one input of a multi-input agent: any descriptor whose
// selector matches Pattern fills slot Name for its UUID group. Groups are
// flushed once every declared slot has been filled.
type SlotSpec struct {
	Name    string
	Pattern *regexp.Regexp
}

// BulkBehavior is implemented by agents that aggregate several inputs
// (named slots) before producing output, e.g. a correlator waiting for
// both a "strings" and a "disassembly" view of the same sample.
type BulkBehavior interface {
	Behavior
	Slots() []SlotSpec
	BulkProcess(group string, slots map[string]*descriptor.Descriptor) (*descriptor.Descriptor, error)
}

// Options configures a Runtime; Retries/WaitTime feed directly into the
// bus Unlock RPC's retry scheduling.
type Options struct {
	Name    string
	Domain  string
	Mode    Mode
	Retries int
	// WaitTime is the retry backoff, in seconds.
	WaitTime       float64
	Extra          map[string]interface{}
	OutputAltering []string
}

// Runtime drives one Behavior against a transport.Bus connection.
type Runtime struct {
	bus      transport.Bus
	behavior Behavior
	opts     Options
	agentID  string
	config   cmn.AgentOptions

	slotMu     sync.Mutex
	groups     map[string]map[string]*descriptor.Descriptor
	idleBuffer []bufferedRef

	// procStart is reset at the start of each Process/BulkProcess call so
	// Push can stamp an unset processing_time with the elapsed wall time.
	procStart time.Time
}

// bufferedRef names one descriptor an idle-mode agent has deferred until
// the next on_idle drain.
type bufferedRef struct {
	domain   string
	selector string
}

// New constructs a Runtime; call Run to join the bus and start
// processing.
func New(bus transport.Bus, behavior Behavior, opts Options) *Runtime {
	if opts.Mode == "" {
		opts.Mode = ModeAutomatic
	}
	return &Runtime{
		bus:      bus,
		behavior: behavior,
		opts:     opts,
		groups:   make(map[string]map[string]*descriptor.Descriptor),
		config: cmn.AgentOptions{
			Name: opts.Name, Mode: string(opts.Mode), Retries: opts.Retries,
			WaitTime: opts.WaitTime, Extra: opts.Extra, OutputAltering: opts.OutputAltering,
		},
	}
}

// Run joins the bus, restores persisted state, and processes signals
// until a bus_exit is received or the process is asked to stop. A local
// SIGTERM also ends the loop: the agent unregisters and returns right
// away rather than waiting for the master to send bus_exit.
func (r *Runtime) Run() error {
	agentID, err := r.bus.Join(r.opts.Name, r.opts.Domain, transport.AgentOpts{
		FullConfig:     r.config.FullConfig(),
		OutputAltering: r.config.OutputAlteringConfig(),
	})
	if err != nil {
		return cmn.Wrap(err, "agent: join")
	}
	r.agentID = agentID
	glog.Infof("agent %s registered with id %s", r.opts.Name, agentID)

	if state, err := r.bus.LoadInternalState(agentID); err == nil && len(state) > 0 {
		if err := r.behavior.SetState(state); err != nil {
			glog.Warningf("agent %s: failed to restore state: %v", agentID, err)
		}
	}
	if err := r.behavior.Init(r); err != nil {
		return cmn.Wrap(err, "agent: init")
	}

	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, unix.SIGTERM)
	defer signal.Stop(termCh)

	signals := r.bus.Signals(agentID)
	for {
		select {
		case <-termCh:
			glog.Infof("agent %s: received SIGTERM, unregistering", agentID)
			if err := r.bus.Leave(agentID); err != nil {
				glog.Errorf("agent %s: leave: %v", agentID, err)
			}
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			switch sig.Name {
			case transport.SignalNewDescriptor:
				r.handleNewDescriptor(sig.Domain, sig.Selector)
			case transport.SignalTargetedDescriptor:
				if containsTarget(sig.Targets, r.opts.Name) {
					r.handleTargetedDescriptor(sig.SenderID, sig.Domain, sig.Selector, sig.UserReq)
				}
			case transport.SignalBusExit:
				if sig.AwaitState {
					if state, err := r.behavior.GetState(); err == nil {
						if err := r.bus.StoreInternalState(agentID, state); err != nil {
							glog.Errorf("agent %s: failed to store state: %v", agentID, err)
						}
					}
				}
				if err := r.bus.Leave(agentID); err != nil {
					glog.Errorf("agent %s: leave: %v", agentID, err)
				}
				return nil
			case transport.SignalOnIdle:
				glog.V(2).Infof("agent %s: bus reported idle", agentID)
				if r.opts.Mode == ModeIdle {
					r.drainBuffer()
				}
			}
		}
	}
}

// handleNewDescriptor dispatches a new_descriptor signal according to the
// agent's mode: automatic agents process it immediately; interactive
// agents only declare processability; idle agents buffer it for the next
// on_idle drain.
func (r *Runtime) handleNewDescriptor(domain, selector string) {
	if domain != r.opts.Domain {
		return
	}
	if !r.behavior.FilterSelector(selector) {
		return
	}
	switch r.opts.Mode {
	case ModeInteractive:
		if err := r.bus.MarkProcessable(r.agentID, domain, selector); err != nil {
			glog.Errorf("agent %s: mark_processable: %v", r.agentID, err)
		}
	case ModeIdle:
		if err := r.bus.MarkProcessable(r.agentID, domain, selector); err != nil {
			glog.Errorf("agent %s: mark_processable: %v", r.agentID, err)
		}
		r.buffer(domain, selector)
	default:
		r.process("", domain, selector)
	}
}

// handleTargetedDescriptor dispatches a targeted_descriptor signal.
// Automatic agents always process it; interactive agents only process
// when it carries a user request addressed to them; idle agents buffer it
// like any other incoming descriptor.
func (r *Runtime) handleTargetedDescriptor(senderID, domain, selector string, userRequest bool) {
	if domain != r.opts.Domain {
		return
	}
	if !r.behavior.FilterSelector(selector) {
		return
	}
	switch r.opts.Mode {
	case ModeInteractive:
		if !userRequest {
			if err := r.bus.MarkProcessable(r.agentID, domain, selector); err != nil {
				glog.Errorf("agent %s: mark_processable: %v", r.agentID, err)
			}
			return
		}
		r.process(senderID, domain, selector)
	case ModeIdle:
		if err := r.bus.MarkProcessable(r.agentID, domain, selector); err != nil {
			glog.Errorf("agent %s: mark_processable: %v", r.agentID, err)
		}
		r.buffer(domain, selector)
	default:
		r.process(senderID, domain, selector)
	}
}

// buffer records a (domain, selector) pair for the next idle-mode drain.
func (r *Runtime) buffer(domain, selector string) {
	r.slotMu.Lock()
	r.idleBuffer = append(r.idleBuffer, bufferedRef{domain: domain, selector: selector})
	r.slotMu.Unlock()
}

// drainBuffer runs every buffered descriptor through the ordinary
// process path, in arrival order, once the bus reports idle.
func (r *Runtime) drainBuffer() {
	r.slotMu.Lock()
	pending := r.idleBuffer
	r.idleBuffer = nil
	r.slotMu.Unlock()

	for _, ref := range pending {
		r.process("", ref.domain, ref.selector)
	}
}

func (r *Runtime) process(senderID, domain, selector string) {
	if bulk, ok := r.behavior.(BulkBehavior); ok {
		r.processBulk(bulk, domain, selector)
		return
	}

	lockID := r.opts.Name + "#" + r.config.OutputAlteringConfig()
	locked, err := r.bus.Lock(r.agentID, lockID, domain, selector)
	if err != nil {
		glog.Errorf("agent %s: lock: %v", r.agentID, err)
		return
	}
	if !locked {
		return
	}

	d, err := r.bus.Get(r.agentID, domain, selector)
	if err != nil || d == nil {
		r.unlock(lockID, domain, selector, err != nil)
		return
	}

	if !r.behavior.FilterDescriptor(d) {
		r.finish(lockID, domain, selector)
		return
	}

	glog.Infof("agent %s: start processing %s", r.agentID, d)
	r.procStart = time.Now()
	out, procErr := r.behavior.Process(d, senderID)
	if procErr != nil {
		glog.Errorf("agent %s: processing %s failed: %v", r.agentID, d, procErr)
		r.unlock(lockID, domain, selector, true)
		return
	}
	if out != nil {
		if _, err := r.Push(out); err != nil {
			glog.Errorf("agent %s: push: %v", r.agentID, err)
		}
	}
	r.finish(lockID, domain, selector)
	glog.Infof("agent %s: end processing %s", r.agentID, d)
}

// processBulk fills the arriving descriptor's named slot within its UUID
// group. No master lock is taken and nothing is marked processed until
// every slot declared by Slots() is present: the completeness gating
// happens purely on this Runtime's own bookkeeping (r.groups), which is
// why it's safe for redundant instances of the same agent config to each
// track the group independently. Only once a group is locally complete do
// we contend for the master lock, keyed on the full slot set's selectors
// joined with "!" (the same key every redundant instance computes for the
// same completed group, since join order follows Slots()'s declaration
// order rather than map iteration), so exactly one instance wins the race
// to call BulkProcess and mark_processed for the group.
func (r *Runtime) processBulk(b BulkBehavior, domain, selector string) {
	d, err := r.bus.Get(r.agentID, domain, selector)
	if err != nil || d == nil {
		if err != nil {
			glog.Errorf("agent %s: get %s: %v", r.agentID, selector, err)
		}
		return
	}
	if !r.behavior.FilterDescriptor(d) {
		return
	}

	var slotName string
	for _, spec := range b.Slots() {
		if spec.Pattern.MatchString(d.Selector) {
			slotName = spec.Name
			break
		}
	}
	if slotName == "" {
		return
	}

	r.slotMu.Lock()
	group := r.groups[d.UUID]
	if group == nil {
		group = make(map[string]*descriptor.Descriptor)
		r.groups[d.UUID] = group
	}
	group[slotName] = d
	complete := len(group) == len(b.Slots())
	var snapshot map[string]*descriptor.Descriptor
	if complete {
		snapshot = group
		delete(r.groups, d.UUID)
	}
	r.slotMu.Unlock()
	if !complete {
		return
	}

	lockID := r.opts.Name + "#" + r.config.OutputAlteringConfig()
	slotKey := joinSlotSelectors(b.Slots(), snapshot)
	locked, err := r.bus.Lock(r.agentID, lockID, domain, slotKey)
	if err != nil {
		glog.Errorf("agent %s: lock: %v", r.agentID, err)
		return
	}
	if !locked {
		return
	}

	glog.Infof("agent %s: start bulk processing %s", r.agentID, d.UUID)
	r.procStart = time.Now()
	out, err := b.BulkProcess(d.UUID, snapshot)
	if err != nil {
		glog.Errorf("agent %s: bulk processing %s failed: %v", r.agentID, d.UUID, err)
		r.unlock(lockID, domain, slotKey, true)
		return
	}
	if out != nil {
		if _, err := r.Push(out); err != nil {
			glog.Errorf("agent %s: push: %v", r.agentID, err)
		}
	}
	for _, sd := range snapshot {
		if err := r.bus.MarkProcessed(r.agentID, sd.Domain, sd.Selector); err != nil {
			glog.Errorf("agent %s: mark_processed: %v", r.agentID, err)
		}
	}
	glog.Infof("agent %s: end bulk processing %s", r.agentID, d.UUID)
}

// joinSlotSelectors builds the master lock key for a completed slot group:
// the actual selector that filled each declared slot, in Slots() order,
// joined with "!".
func joinSlotSelectors(specs []SlotSpec, group map[string]*descriptor.Descriptor) string {
	parts := make([]string, 0, len(specs))
	for _, spec := range specs {
		if sd, ok := group[spec.Name]; ok {
			parts = append(parts, sd.Selector)
		}
	}
	return strings.Join(parts, "!")
}

// Push publishes d, stamping processing_time with the elapsed time since
// the current Process/BulkProcess call began when the producer left it
// unset. Behaviors publishing extra descriptors mid-process should go
// through this rather than the raw bus.
func (r *Runtime) Push(d *descriptor.Descriptor) (bool, error) {
	if d.ProcessingTime == 0 && !r.procStart.IsZero() {
		d.ProcessingTime = time.Since(r.procStart).Seconds()
	}
	return r.bus.Push(r.agentID, d)
}

// DeclareLink relates samples a and b: it builds the two link descriptors
// and pushes both, filing one under each sample's uuid.
func (r *Runtime) DeclareLink(a, b *descriptor.Descriptor, linkType string, symmetric bool) error {
	linkA, linkB, err := descriptor.CreateLinks(a, b, r.opts.Name, linkType, symmetric)
	if err != nil {
		return err
	}
	if _, err := r.Push(linkA); err != nil {
		return err
	}
	_, err = r.Push(linkB)
	return err
}

// finish marks selector processed and keeps the lock held, so no other
// instance sharing lockID processes it again; only a failed attempt
// releases the lock (see unlock), which lets a retry claim it.
func (r *Runtime) finish(lockID, domain, selector string) {
	if err := r.bus.MarkProcessed(r.agentID, domain, selector); err != nil {
		glog.Errorf("agent %s: mark_processed: %v", r.agentID, err)
	}
}

func (r *Runtime) unlock(lockID, domain, selector string, failed bool) {
	if err := r.bus.Unlock(r.agentID, lockID, domain, selector, failed, r.opts.Retries, r.opts.WaitTime); err != nil {
		glog.Errorf("agent %s: unlock: %v", r.agentID, err)
	}
}

func containsTarget(targets []string, name string) bool {
	for _, t := range targets {
		if t == name {
			return true
		}
	}
	return false
}
