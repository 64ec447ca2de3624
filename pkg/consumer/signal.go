package consumer

// Signal is a level-triggered notification that can be waited on with select
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Set raises the signal; setting a raised signal has no effect
func (s *Signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Reset lowers the signal
func (s *Signal) Reset() {
	select {
	case <-s.ch:
	default:
	}
}

// C receives once for each time the signal is raised. Receiving lowers it.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

func (s *Signal) IsSet() bool {
	return len(s.ch) > 0
}
