package master_test

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/airbus-seclab/rebus/internal/descriptor"
	"github.com/airbus-seclab/rebus/internal/master"
	"github.com/airbus-seclab/rebus/internal/store"
)

// fakeSignaler records every signal emitted by a Master under test instead
// of fanning it out over a real transport.
type fakeSignaler struct {
	mu                   sync.Mutex
	newDescriptors       []string // selectors
	targetedDescriptors  []string // selectors
	targetedAgents       [][]string
	idleCount            int
	busExitAwaitingState []bool
}

func (f *fakeSignaler) NewDescriptor(senderID, domain, uuid, selector string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newDescriptors = append(f.newDescriptors, selector)
}

func (f *fakeSignaler) TargetedDescriptor(senderID, domain, uuid, selector string, targets []string, userRequest bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targetedDescriptors = append(f.targetedDescriptors, selector)
	f.targetedAgents = append(f.targetedAgents, targets)
}

func (f *fakeSignaler) BusExit(awaitingState bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busExitAwaitingState = append(f.busExitAwaitingState, awaitingState)
}

func (f *fakeSignaler) OnIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleCount++
}

func (f *fakeSignaler) idleEvents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idleCount
}

func (f *fakeSignaler) targetedSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targetedDescriptors...)
}

func newTestDescriptor(prefix, label string, value []byte) *descriptor.Descriptor {
	d, err := descriptor.New("default", prefix, label, value)
	Expect(err).NotTo(HaveOccurred())
	return d
}

var _ = Describe("Master", func() {
	var (
		st  store.Storage
		sig *fakeSignaler
		m   *master.Master
	)

	BeforeEach(func() {
		st = store.NewMemStore()
		sig = &fakeSignaler{}
		m = master.New(st, sig, nil)
	})

	Describe("Push", func() {
		It("rejects a duplicate (domain, selector) without emitting new_descriptor twice", func() {
			d := newTestDescriptor("/raw", "hi", []byte("HELLOWORLD"))

			added, err := m.Push("agentA-1", d)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())

			added, err = m.Push("agentA-1", d)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeFalse())

			Expect(sig.newDescriptors).To(HaveLen(1))
			Expect(sig.newDescriptors[0]).To(Equal(d.Selector))
		})
	})

	Describe("Lock", func() {
		It("grants the same (lockid, selector) exactly once", func() {
			Expect(m.Lock("agentA-1", "scanner#{}", "default", "/raw/%abc")).To(BeTrue())
			Expect(m.Lock("agentA-2", "scanner#{}", "default", "/raw/%abc")).To(BeFalse())
		})

		It("treats distinct configurations as independent lock spaces", func() {
			Expect(m.Lock("agentA-1", "scanner#{\"x\":1}", "default", "/raw/%abc")).To(BeTrue())
			Expect(m.Lock("agentA-2", "scanner#{\"x\":2}", "default", "/raw/%abc")).To(BeTrue())
		})

		It("only one of many concurrent lockers wins", func() {
			const n = 50
			var wg sync.WaitGroup
			results := make([]bool, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i] = m.Lock("agentA-1", "scanner#{}", "default", "/raw/%concurrent")
				}(i)
			}
			wg.Wait()
			wins := 0
			for _, r := range results {
				if r {
					wins++
				}
			}
			Expect(wins).To(Equal(1))
		})

		It("releases on Unlock so a later Lock can succeed again", func() {
			Expect(m.Lock("agentA-1", "scanner#{}", "default", "/raw/%abc")).To(BeTrue())
			Expect(m.Unlock("agentA-1", "scanner#{}", "default", "/raw/%abc", false, 0, 0)).NotTo(HaveOccurred())
			Expect(m.Lock("agentA-2", "scanner#{}", "default", "/raw/%abc")).To(BeTrue())
		})
	})

	Describe("idle detection", func() {
		It("fires exactly once when the sole registered agent has processed the only descriptor", func() {
			Expect(m.Register("scanner-1", "default", "/agent/scanner", "{}", "{}")).NotTo(HaveOccurred())

			d := newTestDescriptor("/raw", "hi", []byte("x"))
			_, err := m.Push("scanner-1", d)
			Expect(err).NotTo(HaveOccurred())

			Expect(sig.idleEvents()).To(Equal(0))

			Expect(m.MarkProcessed("scanner-1", "default", d.Selector)).NotTo(HaveOccurred())
			Expect(sig.idleEvents()).To(Equal(1))
		})

		It("requires every distinctly-configured agent to account for a descriptor before going idle", func() {
			Expect(m.Register("scanner-1", "default", "/agent/scanner", "{}", "{}")).NotTo(HaveOccurred())
			Expect(m.Register("other-1", "default", "/agent/other", "{}", "{}")).NotTo(HaveOccurred())

			d := newTestDescriptor("/raw", "hi", []byte("y"))
			_, err := m.Push("scanner-1", d)
			Expect(err).NotTo(HaveOccurred())

			Expect(m.MarkProcessed("scanner-1", "default", d.Selector)).NotTo(HaveOccurred())
			Expect(sig.idleEvents()).To(Equal(0), "other-1 has not yet accounted for the descriptor")

			Expect(m.MarkProcessable("other-1", "default", d.Selector)).NotTo(HaveOccurred())
			Expect(sig.idleEvents()).To(Equal(1))
		})
	})

	Describe("replay on register", func() {
		It("redelivers every unprocessed descriptor to a newly (re)registered agent config", func() {
			a := newTestDescriptor("/raw", "a", []byte("a"))
			b := newTestDescriptor("/raw", "b", []byte("b"))
			c := newTestDescriptor("/raw", "c", []byte("c"))
			for _, d := range []*descriptor.Descriptor{a, b, c} {
				_, err := m.Push("injector-1", d)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(m.Register("scanner-1", "default", "/agent/scanner", "{}", "{}")).NotTo(HaveOccurred())
			Expect(m.MarkProcessed("scanner-1", "default", a.Selector)).NotTo(HaveOccurred())
			Expect(m.Unregister("scanner-1")).To(Equal(0))

			sig2 := &fakeSignaler{}
			m2 := master.New(st, sig2, nil)
			Expect(m2.Register("scanner-2", "default", "/agent/scanner", "{}", "{}")).NotTo(HaveOccurred())

			Expect(sig2.targetedDescriptors).To(ConsistOf(b.Selector, c.Selector))
		})
	})

	Describe("RequestProcessing", func() {
		It("increments the user-request counter and targets the named agents", func() {
			d := newTestDescriptor("/raw", "hi", []byte("z"))
			_, err := m.Push("injector-1", d)
			Expect(err).NotTo(HaveOccurred())

			Expect(m.RequestProcessing("user-1", "default", d.Selector, []string{"scanner"})).NotTo(HaveOccurred())
			Expect(sig.targetedDescriptors).To(ContainElement(d.Selector))
			Expect(sig.targetedAgents).To(ContainElement([]string{"scanner"}))
		})
	})

	Describe("concurrent Push and Register", func() {
		It("never corrupts descriptorHandledCount when a push races a registration's replay snapshot", func() {
			const rounds = 200
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					d := newTestDescriptor("/raw", fmt.Sprintf("race-%d", i), []byte{byte(i)})
					_, err := m.Push("injector-1", d)
					Expect(err).NotTo(HaveOccurred())
				}
			}()
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					agentID := fmt.Sprintf("scanner-%d", i+2)
					Expect(m.Register(agentID, "default", "/agent/scanner", "{}", "{}")).NotTo(HaveOccurred())
					m.Unregister(agentID)
				}
			}()
			wg.Wait()

			Expect(m.Register("scanner-final", "default", "/agent/scanner", "{}", "{}")).NotTo(HaveOccurred())
			unprocessed, err := st.ListUnprocessedByAgent("scanner", "{}")
			Expect(err).NotTo(HaveOccurred())
			for _, u := range unprocessed {
				Expect(m.MarkProcessed("scanner-final", u.Domain, u.Selector)).NotTo(HaveOccurred())
			}
			Expect(sig.idleEvents()).To(Equal(1), "descriptorHandledCount must land exactly on descriptorCount, never over or under")
		})
	})

	Describe("retry scheduling", func() {
		It("re-injects a failed descriptor until the retry budget is exhausted", func() {
			Expect(m.Register("scanner-1", "default", "/agent/scanner", "{}", "{}")).NotTo(HaveOccurred())
			d := newTestDescriptor("/raw", "hi", []byte("retry-me"))
			_, err := m.Push("scanner-1", d)
			Expect(err).NotTo(HaveOccurred())

			fail := func() {
				Expect(m.Lock("scanner-1", "scanner#{}", "default", d.Selector)).To(BeTrue())
				Expect(m.Unlock("scanner-1", "scanner#{}", "default", d.Selector, true, 2, 0.01)).NotTo(HaveOccurred())
			}

			fail()
			Eventually(func() []string { return sig.targetedSnapshot() }).Should(HaveLen(1))

			fail()
			Eventually(func() []string { return sig.targetedSnapshot() }).Should(HaveLen(2))

			// Budget of 2 retries is spent; a third failure schedules nothing.
			fail()
			Consistently(func() []string { return sig.targetedSnapshot() }, "100ms").Should(HaveLen(2))
			Expect(sig.targetedSnapshot()).To(ContainElement(d.Selector))
		})
	})

	Describe("Shutdown", func() {
		It("stops emitting new_descriptor once shutdown begins", func() {
			m.Shutdown()
			d := newTestDescriptor("/raw", "hi", []byte("after-shutdown"))
			added, err := m.Push("injector-1", d)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue(), "push is still accepted during shutdown")
			Expect(sig.newDescriptors).To(BeEmpty(), "no new_descriptor signals once shutting down")
		})
	})
})
