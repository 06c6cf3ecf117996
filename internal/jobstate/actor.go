package jobstate

import "time"

// Machine holds a current state and context and applies events to them via Next.
// It is not safe for concurrent use.
type Machine struct {
	state State
	ctx   Context
	clock func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides time.Now for guard evaluation.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// WithInitialState starts the machine somewhere other than pending.
func WithInitialState(s State) Option {
	return func(m *Machine) { m.state = s }
}

// New returns a machine in the pending state.
func New(c Context, opts ...Option) *Machine {
	m := &Machine{state: StatePending, ctx: c, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send applies e. On an invalid transition the machine is left untouched.
func (m *Machine) Send(e Event) (State, error) {
	next, c, err := Next(m.state, m.ctx, e, m.clock())
	if err != nil {
		return m.state, err
	}
	m.state, m.ctx = next, c
	return m.state, nil
}

// Evaluate re-runs the running guards against the current clock.
func (m *Machine) Evaluate() State {
	m.state = Settle(m.state, m.ctx, m.clock())
	return m.state
}

func (m *Machine) State() State     { return m.state }
func (m *Machine) Context() Context { return m.ctx }
