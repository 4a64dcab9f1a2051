package machine

// InstructionMeter bounds how many instructions one execution may run.
// Remaining is read once when execution starts and Consume is called once
// with the number of instructions executed, faults included.
type InstructionMeter interface {
	Consume(n uint64)
	Remaining() uint64
}

// CountingMeter is a decrementing budget.
type CountingMeter struct {
	remaining uint64
}

func NewCountingMeter(budget uint64) *CountingMeter {
	return &CountingMeter{remaining: budget}
}

func (m *CountingMeter) Consume(n uint64) {
	if n > m.remaining {
		m.remaining = 0
		return
	}
	m.remaining -= n
}

func (m *CountingMeter) Remaining() uint64 {
	return m.remaining
}
