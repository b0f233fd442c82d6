package backend

// State is the backend's lifecycle state. A SendRequest timeout leaves a
// backend Ready; it becomes Dead when its process exits, when Shutdown
// completes, or when SendRequestWithRetry marks it Dead after a failed attempt
// so the next attempt restarts it.
type State int

const (
	// Spawning covers the window between process start and the point the
	// reader/writer loops are live and the instance is ready to route requests.
	Spawning State = iota
	// Ready accepts requests and notifications.
	Ready
	// Stopping means Shutdown has been called and the child is being torn down.
	Stopping
	// Dead is terminal until Restart is called.
	Dead
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Ready:
		return "ready"
	case Stopping:
		return "stopping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}
