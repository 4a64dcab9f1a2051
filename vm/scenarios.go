package vm

// Scenario is a fixed workload with a meter exactly large enough to finish.
type Scenario struct {
	Name     string
	Asm      string
	Meter    uint64
	InputLen int
}

// Scenarios are the address-translation and empty-loop workloads used to
// compare the interpreter with the JIT.
var Scenarios = []Scenario{
	{
		Name: "address_translation",
		Asm: `
	mov r1, r2
	and r1, 1023
	ldindb r1, 0
	add r2, 1
	jlt r2, 0x10000, -5
	exit`,
		Meter:    327681,
		InputLen: 1024,
	},
	{
		Name: "empty_for_loop",
		Asm: `
	mov r1, r2
	and r1, 1023
	add r2, 1
	jlt r2, 0x10000, -4
	exit`,
		Meter:    262145,
		InputLen: 0,
	},
}
