package overlay

// Cue is a short sound effect tied to a transition
type Cue string

const (
	CuePop  Cue = "pop"
	CueBoom Cue = "boom"
)

// CuePlayer plays sound cues. Play must not block; errors are only logged.
type CuePlayer interface {
	Play(Cue) error
}

// NopCues discards every cue
type NopCues struct{}

func (NopCues) Play(Cue) error { return nil }

// CueFunc adapts a function to CuePlayer
type CueFunc func(Cue) error

func (f CueFunc) Play(c Cue) error { return f(c) }
