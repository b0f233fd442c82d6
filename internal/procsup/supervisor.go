// Package procsup implements the OS-level process supervisor (C2): a
// container of tracked child PIDs that guarantees no orphan survives the
// proxy, realized as a Unix PID set (SIGTERM/SIGKILL) or a Windows Job Object
// (kill-on-close) depending on platform.
package procsup

// Supervisor tracks spawned child processes and guarantees their termination
// when Close is called, no matter how the proxy itself exits. It is shared
// across the backend pool and every BackendInstance; backends hold only a
// non-owning reference to it and never close it themselves.
type Supervisor interface {
	// Register adds pid to the tracked set. Idempotent; tolerates the child
	// having already exited.
	Register(pid int) error
	// Unregister removes pid from the tracked set. Non-fatal if absent.
	Unregister(pid int)
	// Close terminates every tracked child and releases OS resources. Safe
	// to call once, at proxy shutdown, after the pool has been drained.
	Close() error
}
