package env

// Mode is the controller's view of the session.
type Mode int

const (
	ModeNoWorker Mode = iota
	ModeControl
	ModeEpisode
)

func (m Mode) String() string {
	switch m {
	case ModeNoWorker:
		return "no-worker"
	case ModeControl:
		return "control"
	case ModeEpisode:
		return "episode"
	default:
		return "unknown"
	}
}
