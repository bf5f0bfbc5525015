package attack

//go:generate go tool stringer -type=State,StrategyKind -output=state_string.go

// State is the phase of an attack invocation.
type State uint8

const (
	Idle State = iota
	Preparing
	Filling
	VerifyingInitial
	Attacking
	VerifyingFinal
)

// StrategyKind identifies the hardware engine used to hammer rows.
type StrategyKind uint8

const (
	Bist StrategyKind = iota
	Payload
)

// Observer is notified of state transitions and attack progress. Calls are
// made synchronously from the goroutine running the attack.
type Observer interface {
	OnState(s State)
	OnProgress(done, total uint64)
}

type nopObserver struct{}

func (nopObserver) OnState(State)                 {}
func (nopObserver) OnProgress(done, total uint64) {}

type multiObserver []Observer

func (mo multiObserver) OnState(s State) {
	for _, o := range mo {
		o.OnState(s)
	}
}

func (mo multiObserver) OnProgress(done, total uint64) {
	for _, o := range mo {
		o.OnProgress(done, total)
	}
}

// Observers combines observers into one. Nil observers are skipped.
func Observers(obs ...Observer) Observer {
	var mo multiObserver
	for _, o := range obs {
		if o != nil {
			mo = append(mo, o)
		}
	}
	switch len(mo) {
	case 0:
		return nopObserver{}
	case 1:
		return mo[0]
	}
	return mo
}
