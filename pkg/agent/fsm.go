package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"hdlforge/pkg/logx"
	"hdlforge/pkg/state"
)

// State names a node of a state machine.
type State string

func (s State) String() string { return string(s) }

// Trigger names the event that selects a transition.
type Trigger string

func (t Trigger) String() string { return string(t) }

// Any matches every non-final source state.
const Any State = "*"

const (
	maxHistory   = 100
	forceTrigger = Trigger("force")
)

// Rule is one row of a transition table. Rules are tried in declaration order; a rule
// whose guard returns false lets the next matching rule try.
type Rule struct {
	Trigger Trigger
	Sources []State // empty or containing Any matches every non-final state
	Dest    State
	Guard   func() bool
	Before  func()
}

func (r Rule) matches(trigger Trigger, current State) bool {
	if r.Trigger != trigger {
		return false
	}
	if len(r.Sources) == 0 {
		return true
	}
	for _, s := range r.Sources {
		if s == Any || s == current {
			return true
		}
	}
	return false
}

// Definition describes a machine: its states, final states and transition rules.
type Definition struct {
	Initial State
	States  []State
	Final   []State
	Rules   []Rule
}

// Status is the outcome of Fire.
type Status int

const (
	// Transitioned means a rule matched and the destination entry action ran.
	Transitioned Status = iota
	// Deferred means the call happened during another transition and was queued.
	Deferred
	// Unavailable means no rule matched the current state. Nothing changed.
	Unavailable
	// Aborted means the transition happened but the entry action panicked.
	Aborted
)

func (s Status) String() string {
	switch s {
	case Transitioned:
		return "transitioned"
	case Deferred:
		return "deferred"
	case Aborted:
		return "aborted"
	default:
		return "unavailable"
	}
}

// Result describes a Fire call.
type Result struct {
	Trigger Trigger
	From    State
	To      State
	Status  Status
}

// Err converts an unavailable result into ErrNoTransition, for callers that want an error.
func (r Result) Err() error {
	switch r.Status {
	case Unavailable:
		return fmt.Errorf("%w: %s in state %s", ErrNoTransition, r.Trigger, r.From)
	case Aborted:
		return fmt.Errorf("%w: %s entering %s", ErrEntryPanicked, r.Trigger, r.To)
	default:
		return nil
	}
}

// Budget is a named counter with a ceiling.
type Budget struct {
	Name string
	Max  int
}

type pending struct {
	trigger  Trigger
	force    State
	fallback State
}

// Machine interprets a Definition. Entry actions may call Fire or Force again; such
// calls are queued and run after the current transition completes, in call order.
type Machine struct {
	name     string
	def      Definition
	states   map[State]bool
	final    map[State]bool
	entry    map[State]func(ctx context.Context)
	current  State
	history  []state.Transition
	counters map[string]int
	queue    []pending
	busy     bool
	store    *state.Store
	logger   *logx.Logger
	mu       sync.Mutex
}

// MachineOption customizes a Machine.
type MachineOption func(*Machine)

// WithLogger sets the logger used for transition lines.
func WithLogger(l *logx.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

// WithStore persists a snapshot after every transition.
func WithStore(s *state.Store) MachineOption {
	return func(m *Machine) { m.store = s }
}

// NewMachine validates def and returns a machine in its initial state. The initial
// state's entry action is not run.
func NewMachine(name string, def Definition, opts ...MachineOption) (*Machine, error) {
	m := &Machine{
		name:     name,
		def:      def,
		states:   make(map[State]bool, len(def.States)),
		final:    make(map[State]bool, len(def.Final)),
		entry:    make(map[State]func(ctx context.Context)),
		current:  def.Initial,
		counters: make(map[string]int),
	}
	for _, s := range def.States {
		m.states[s] = true
	}
	for _, s := range def.Final {
		if !m.states[s] {
			return nil, fmt.Errorf("%w: final state %s", ErrUnknownState, s)
		}
		m.final[s] = true
	}
	if !m.states[def.Initial] {
		return nil, fmt.Errorf("%w: initial state %q", ErrUnknownState, def.Initial)
	}
	for i, r := range def.Rules {
		if !m.states[r.Dest] {
			return nil, fmt.Errorf("%w: rule %d (%s) destination %s", ErrUnknownState, i, r.Trigger, r.Dest)
		}
		for _, s := range r.Sources {
			if s != Any && !m.states[s] {
				return nil, fmt.Errorf("%w: rule %d (%s) source %s", ErrUnknownState, i, r.Trigger, s)
			}
		}
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logx.NewLogger(name)
	}
	return m, nil
}

// OnEnter registers the entry action of a state, replacing any previous one.
func (m *Machine) OnEnter(s State, fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry[s] = fn
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsFinal reports whether the machine sits in a final state.
func (m *Machine) IsFinal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.final[m.current]
}

// Can reports whether trigger would transition from the current state right now.
func (m *Machine) Can(trigger Trigger) bool {
	_, ok := m.selectRule(trigger, m.Current())
	return ok
}

// Fire runs trigger against the current state. It never returns an error: a trigger
// with no matching rule is reported as Unavailable and changes nothing.
func (m *Machine) Fire(ctx context.Context, trigger Trigger) Result {
	return m.run(ctx, pending{trigger: trigger})
}

// FireOr is Fire with a recovery path: when trigger turns out to be unavailable at the
// time it runs, the machine is forced into fallback instead. Final states still win.
func (m *Machine) FireOr(ctx context.Context, trigger Trigger, fallback State) Result {
	if !m.states[fallback] {
		return Result{Trigger: trigger, From: m.Current(), Status: Unavailable}
	}
	return m.run(ctx, pending{trigger: trigger, fallback: fallback})
}

func (m *Machine) run(ctx context.Context, p pending) Result {
	m.mu.Lock()
	if m.busy {
		m.queue = append(m.queue, p)
		from := m.current
		m.mu.Unlock()
		return Result{Trigger: p.trigger, From: from, Status: Deferred}
	}
	m.busy = true
	m.mu.Unlock()
	defer m.release()

	res := m.step(ctx, p)
	m.drain(ctx)
	return res
}

// Force moves the machine into s without a rule and runs its entry action. It is the
// recovery path for events that arrive in a state with no applicable rule.
func (m *Machine) Force(ctx context.Context, s State) error {
	if !m.states[s] {
		return fmt.Errorf("%w: %s", ErrUnknownState, s)
	}

	m.mu.Lock()
	if m.busy {
		m.queue = append(m.queue, pending{force: s})
		m.mu.Unlock()
		return nil
	}
	m.busy = true
	m.mu.Unlock()
	defer m.release()

	m.step(ctx, pending{force: s})
	m.drain(ctx)
	return nil
}

// release ends a run. When a guard or before-action panicked the queued calls are
// dropped with it, so the next Fire starts from a clean machine.
func (m *Machine) release() {
	m.mu.Lock()
	m.busy = false
	m.queue = nil
	m.mu.Unlock()
}

func (m *Machine) drain(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.step(ctx, next)
	}
}

func (m *Machine) step(ctx context.Context, p pending) Result {
	from := m.Current()

	var dest State
	trigger := p.trigger
	if p.force != "" {
		if m.final[from] {
			return Result{Trigger: forceTrigger, From: from, Status: Unavailable}
		}
		dest, trigger = p.force, forceTrigger
		m.logger.Warn("⚠️  Forcing state %s → %s", from, dest)
	} else {
		rule, ok := m.selectRule(trigger, from)
		switch {
		case ok:
			if rule.Before != nil {
				rule.Before()
			}
			dest = rule.Dest
		case p.fallback != "" && !m.final[from]:
			dest, trigger = p.fallback, forceTrigger
			m.logger.Warn("⚠️  Trigger %s unavailable in state %s, forcing %s", p.trigger, from, dest)
		default:
			m.logger.Debug("Trigger %s unavailable in state %s", trigger, from)
			return Result{Trigger: trigger, From: from, Status: Unavailable}
		}
	}

	m.mu.Lock()
	m.current = dest
	m.history = append(m.history, state.Transition{From: string(from), To: string(dest), Trigger: string(trigger), At: time.Now().UTC()})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	action := m.entry[dest]
	m.mu.Unlock()

	m.logger.Info("🔄 State machine transition: %s → %s", from, dest)
	m.persist()

	res := Result{Trigger: trigger, From: from, To: dest, Status: Transitioned}
	if action != nil && !m.enter(ctx, dest, action) {
		res.Status = Aborted
	}
	return res
}

// enter runs an entry action. A panic is logged and the machine stays in dest.
func (m *Machine) enter(ctx context.Context, dest State, fn func(ctx context.Context)) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("❌ Entry action of %s panicked: %v", dest, p)
			ok = false
		}
	}()
	fn(ctx)
	return true
}

func (m *Machine) selectRule(trigger Trigger, current State) (Rule, bool) {
	if m.final[current] {
		return Rule{}, false
	}
	for _, r := range m.def.Rules {
		if !r.matches(trigger, current) {
			continue
		}
		if r.Guard != nil && !r.Guard() {
			continue
		}
		return r, true
	}
	return Rule{}, false
}

// Counter returns the value of a named counter.
func (m *Machine) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Inc increments a counter and returns the new value. Counters only grow.
func (m *Machine) Inc(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	return m.counters[name]
}

// Remaining reports whether another attempt fits under the budget.
func (m *Machine) Remaining(b Budget) bool {
	return m.Counter(b.Name) < b.Max
}

// Spend consumes one attempt, or returns BudgetExhaustedError without changing the counter.
func (m *Machine) Spend(b Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[b.Name] >= b.Max {
		return &BudgetExhaustedError{Budget: b.Name, Max: b.Max}
	}
	m.counters[b.Name]++
	return nil
}

// History returns the recorded transitions, oldest first.
func (m *Machine) History() []state.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// Snapshot returns the persisted view of the machine.
func (m *Machine) Snapshot() state.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return state.Snapshot{
		Actor:     m.name,
		State:     string(m.current),
		History:   slices.Clone(m.history),
		Counters:  maps.Clone(m.counters),
		UpdatedAt: time.Now().UTC(),
	}
}

func (m *Machine) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.Snapshot()); err != nil {
		m.logger.Warn("Failed to persist state snapshot: %v", err)
	}
}

// IsBudgetExhausted reports whether err is a BudgetExhaustedError.
func IsBudgetExhausted(err error) bool {
	var be *BudgetExhaustedError
	return errors.As(err, &be)
}
