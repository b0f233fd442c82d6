// Package backend implements the per-backend request multiplexer (C3): a
// spawned child process whose requests carry ids from one process-wide
// monotonic proxy-id counter, a mutex-protected pending-request table, and reader/writer goroutines that
// translate between the client's ids and the backend's.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/margbug01/ace-proxy/internal/procsup"
	"github.com/margbug01/ace-proxy/internal/rpcerr"
	"github.com/margbug01/ace-proxy/internal/wire"
)

// Config carries everything needed to spawn one backend for one workspace root.
type Config struct {
	Node           string
	AuggieEntry    string
	Mode           string
	ExtraArgs      []string
	WorkspaceRoot  string
	SpawnTimeout   time.Duration
	RequestTimeout time.Duration
	CPUAffinity    uint64
	LowPriority    bool
	Supervisor     procsup.Supervisor
	Logger         *slog.Logger
}

// augmentDisableAutoUpdateEnv is the environment variable every spawned
// backend gets, mirroring the auto-update guard the launcher sets.
const augmentDisableAutoUpdateEnv = "AUGMENT_DISABLE_AUTO_UPDATE=1"

// proxyIDCounter is shared by every Instance, so proxy ids are unique across
// all backends and all restarts.
var proxyIDCounter atomic.Uint64

type pendingEntry struct {
	replyCh   chan reply
	createdAt time.Time
}

type reply struct {
	result json.RawMessage
	err    *jsonrpc2.Error
}

// Instance is one spawned backend child process and its multiplexer state.
// The pending table and stdin-write channel live for the Instance's whole
// lifetime, independent of restarts — only the process, its pipes, and its
// current-generation done channel are replaced by Restart.
type Instance struct {
	id  uuid.UUID
	cfg Config

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{} // closed when the current generation's process exits

	pendingMu sync.Mutex
	pending   map[uint64]*pendingEntry

	writeCh chan []byte

	lastActivity atomic.Int64 // unix nanos
}

// New constructs an Instance in the Spawning state without starting the
// process. Call Spawn to actually launch it.
func New(cfg Config) *Instance {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Instance{
		id:      uuid.New(),
		cfg:     cfg,
		state:   Spawning,
		pending: make(map[uint64]*pendingEntry),
		writeCh: make(chan []byte, 100),
		done:    make(chan struct{}),
	}
	close(b.done) // no process yet; any blocking select on it falls through immediately
	b.touch()
	return b
}

func (b *Instance) log() *slog.Logger {
	return b.cfg.Logger.With("backend_id", b.id.String(), "root", b.cfg.WorkspaceRoot)
}

func (b *Instance) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports the last time a request/notification was sent or a
// response was received.
func (b *Instance) LastActivity() time.Time {
	return time.Unix(0, b.lastActivity.Load())
}

// IsIdle reports whether the backend has had no activity for at least ttl
// and currently has no pending requests, making it eligible for reaping.
func (b *Instance) IsIdle(ttl time.Duration) bool {
	if b.HasPending() {
		return false
	}
	return time.Since(b.LastActivity()) >= ttl
}

// State returns the current lifecycle state.
func (b *Instance) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsDead reports whether the backend is terminal and must be replaced via Restart.
func (b *Instance) IsDead() bool {
	return b.State() == Dead
}

// HasPending reports whether any request is awaiting a reply, which must
// block eviction from the pool.
func (b *Instance) HasPending() bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending) > 0
}

// Spawn starts the child process and its reader/writer goroutines.
func (b *Instance) Spawn(ctx context.Context) error {
	return b.startProcess(ctx)
}

// startProcess launches a fresh child process into this Instance's own
// fields and starts the goroutines that service it. Used by both Spawn and
// Restart; the pending table and write channel are never recreated, only the
// process, its pipes, and a new done channel for this generation.
func (b *Instance) startProcess(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	spawnCtx, cancel := context.WithTimeout(ctx, b.cfg.SpawnTimeout)
	defer cancel()

	for _, path := range []string{b.cfg.Node, b.cfg.AuggieEntry} {
		if _, err := os.Stat(path); err != nil {
			return rpcerr.BackendSpawnFailedf(err, "backend path %q for %s not found", path, b.cfg.WorkspaceRoot)
		}
	}

	args := append([]string{
		b.cfg.AuggieEntry,
		"--mcp",
		"-m", b.cfg.Mode,
		"--workspace-root", b.cfg.WorkspaceRoot,
	}, b.cfg.ExtraArgs...)
	cmd := exec.CommandContext(spawnCtx, b.cfg.Node, args...)
	cmd.Env = append(os.Environ(), augmentDisableAutoUpdateEnv)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return rpcerr.BackendSpawnFailedf(err, "creating stdin pipe for %s", b.cfg.WorkspaceRoot)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return rpcerr.BackendSpawnFailedf(err, "creating stdout pipe for %s", b.cfg.WorkspaceRoot)
	}

	if err := cmd.Start(); err != nil {
		return rpcerr.BackendSpawnFailedf(err, "starting backend for %s", b.cfg.WorkspaceRoot)
	}

	applyResourceLimits(cmd.Process.Pid, b.cfg.CPUAffinity, b.cfg.LowPriority, b.log())

	if b.cfg.Supervisor != nil {
		if err := b.cfg.Supervisor.Register(cmd.Process.Pid); err != nil {
			b.log().Warn("failed to register backend pid with supervisor", "error", err)
		}
	}

	doneCh := make(chan struct{})

	b.cmd = cmd
	b.stdin = stdin
	b.done = doneCh
	b.state = Ready
	b.touch()

	reader := bufio.NewReader(stdout)
	go b.readLoop(reader)
	go b.writeLoop(doneCh)
	go b.waitLoop(cmd, doneCh)

	b.log().Info("backend spawned", "pid", cmd.Process.Pid)
	return nil
}

// waitLoop blocks on process exit and, if this is still the active
// generation (nothing has since restarted it), transitions the backend to
// Dead and fails every pending request so no caller hangs forever. cmd and
// doneCh are captured at generation-start so a subsequent restart's new
// generation can never be mistaken for this one.
func (b *Instance) waitLoop(cmd *exec.Cmd, doneCh chan struct{}) {
	err := cmd.Wait()

	b.mu.Lock()
	isCurrent := b.done == doneCh
	if isCurrent {
		b.state = Dead
	}
	b.mu.Unlock()

	close(doneCh)

	if isCurrent {
		b.log().Warn("backend process exited", "error", err)
		b.failAllPending(rpcerr.BackendUnavailable("backend process exited: %v", err))
	}
}

func (b *Instance) failAllPending(rpcErr *rpcerr.Error) {
	b.pendingMu.Lock()
	entries := b.pending
	b.pending = make(map[uint64]*pendingEntry)
	b.pendingMu.Unlock()

	for _, entry := range entries {
		select {
		case entry.replyCh <- reply{err: &jsonrpc2.Error{Code: rpcErr.Code, Message: rpcErr.Message}}:
		default:
		}
	}
}

// readLoop parses backend stdout, resolves the pending entry for each
// response's proxy id, and delivers it. It never needs to know client ids.
// It returns on its own once the pipe is closed (process exit), with no need
// to watch a done channel separately.
func (b *Instance) readLoop(r *bufio.Reader) {
	for {
		line, err := wire.ReadMessage(r)
		if err != nil {
			if err != io.EOF {
				b.log().Warn("backend stdout read error", "error", err)
			}
			return
		}

		id, result, rpcErr, perr := wire.ParseBackendResponse(line)
		if perr != nil {
			b.log().Warn("backend sent unparseable response", "error", perr)
			continue
		}
		if id == nil {
			continue // backend-originated notification, not yet supported upstream
		}

		b.pendingMu.Lock()
		entry, ok := b.pending[id.Num]
		if ok {
			delete(b.pending, id.Num)
		}
		b.pendingMu.Unlock()
		if !ok {
			continue
		}

		select {
		case entry.replyCh <- reply{result: result, err: rpcErr}:
		default:
		}
	}
}

// writeLoop serializes all writes to the backend's stdin through one
// goroutine so concurrent SendRequest/SendNotification calls never interleave
// partial lines. It exits as soon as this generation's process is gone.
func (b *Instance) writeLoop(doneCh chan struct{}) {
	for {
		select {
		case line, ok := <-b.writeCh:
			if !ok {
				return
			}
			b.mu.Lock()
			stdin := b.stdin
			b.mu.Unlock()
			if stdin == nil {
				continue
			}
			if _, err := stdin.Write(line); err != nil {
				b.log().Warn("backend stdin write error", "error", err)
			}
		case <-doneCh:
			return
		}
	}
}

// SendRequest assigns this backend's next proxy id to the request, forwards
// it, and blocks until either a reply arrives or cfg.RequestTimeout elapses.
// A timeout does not change the backend's state; the pending entry is
// dropped so a late reply is silently discarded.
func (b *Instance) SendRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *jsonrpc2.Error, error) {
	if b.State() != Ready {
		return nil, nil, rpcerr.BackendUnavailable("backend for %s is %s", b.cfg.WorkspaceRoot, b.State())
	}

	proxyID := proxyIDCounter.Add(1)
	line, err := wire.EncodeBackendRequest(method, params, proxyID)
	if err != nil {
		return nil, nil, rpcerr.Internalf(err, "encoding backend request")
	}
	line = append(line, '\n')

	entry := &pendingEntry{replyCh: make(chan reply, 1), createdAt: time.Now()}
	b.pendingMu.Lock()
	b.pending[proxyID] = entry
	b.pendingMu.Unlock()
	b.touch()

	b.mu.Lock()
	doneCh := b.done
	b.mu.Unlock()

	select {
	case b.writeCh <- line:
	case <-ctx.Done():
		b.dropPending(proxyID)
		return nil, nil, ctx.Err()
	case <-doneCh:
		b.dropPending(proxyID)
		return nil, nil, rpcerr.BackendUnavailable("backend %s exited while request was in flight", b.cfg.WorkspaceRoot)
	}

	timeout := b.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-entry.replyCh:
		b.touch()
		return r.result, r.err, nil
	case <-timer.C:
		b.dropPending(proxyID)
		return nil, nil, rpcerr.BackendTimeout("backend %s timed out after %s", b.cfg.WorkspaceRoot, timeout)
	case <-ctx.Done():
		b.dropPending(proxyID)
		return nil, nil, ctx.Err()
	case <-doneCh:
		b.dropPending(proxyID)
		return nil, nil, rpcerr.BackendUnavailable("backend %s exited while request was in flight", b.cfg.WorkspaceRoot)
	}
}

func (b *Instance) dropPending(proxyID uint64) {
	b.pendingMu.Lock()
	delete(b.pending, proxyID)
	b.pendingMu.Unlock()
}

// SendNotification forwards a fire-and-forget message with no reply tracking.
func (b *Instance) SendNotification(ctx context.Context, method string, params json.RawMessage) error {
	if b.State() != Ready {
		return rpcerr.BackendUnavailable("backend for %s is %s", b.cfg.WorkspaceRoot, b.State())
	}
	line, err := wire.EncodeBackendNotification(method, params)
	if err != nil {
		return rpcerr.Internalf(err, "encoding backend notification")
	}
	line = append(line, '\n')
	b.touch()

	b.mu.Lock()
	doneCh := b.done
	b.mu.Unlock()

	select {
	case b.writeCh <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
		return rpcerr.BackendUnavailable("backend %s exited", b.cfg.WorkspaceRoot)
	}
}

// SendRequestWithRetry behaves like SendRequest but recovers from a mid-flight
// crash: on any send failure before the last attempt it marks the backend
// Dead (regardless of what actually failed — a timeout is treated the same as
// a confirmed crash, since either way the backend is no longer trustworthy)
// so the next attempt restarts it before retrying.
func (b *Instance) SendRequestWithRetry(ctx context.Context, method string, params json.RawMessage, maxRetries int) (json.RawMessage, *jsonrpc2.Error, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 && b.IsDead() {
			b.log().Warn("backend is dead, restarting before retry", "attempt", attempt)
			if err := b.Restart(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		result, rpcErr, err := b.SendRequest(ctx, method, params)
		if err == nil {
			return result, rpcErr, nil
		}

		lastErr = err
		if attempt < maxRetries {
			b.log().Warn("request failed, marking backend dead to trigger restart", "attempt", attempt, "error", err)
			b.markDead()
		} else {
			return nil, nil, err
		}
	}

	if lastErr == nil {
		lastErr = rpcerr.BackendUnavailable("all retries exhausted for backend %s", b.cfg.WorkspaceRoot)
	}
	return nil, nil, lastErr
}

// markDead forces the backend into the Dead state regardless of whether its
// process has actually exited, so SendRequestWithRetry's next attempt
// restarts it. A later real exit of the still-running process is a no-op:
// waitLoop re-sets the same state and re-drains an already-empty pending map.
func (b *Instance) markDead() {
	b.mu.Lock()
	b.state = Dead
	b.mu.Unlock()
}

// Shutdown transitions the backend to Stopping, unregisters its process from
// the shared supervisor and kills it directly. Safe to call on an already-dead
// backend.
func (b *Instance) Shutdown() error {
	b.mu.Lock()
	if b.state == Dead {
		b.mu.Unlock()
		return nil
	}
	b.state = Stopping
	cmd := b.cmd
	b.mu.Unlock()

	b.failAllPending(rpcerr.BackendUnavailable("backend %s is shutting down", b.cfg.WorkspaceRoot))
	close(b.writeCh)

	if cmd != nil && cmd.Process != nil && b.cfg.Supervisor != nil {
		b.cfg.Supervisor.Unregister(cmd.Process.Pid)
	}
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			return errors.Wrap(err, "killing backend process")
		}
	}

	b.mu.Lock()
	b.state = Dead
	b.mu.Unlock()
	return nil
}

// Restart kills any process still attached to this Instance (a no-op if it
// has already crashed, which is the usual reason Restart is called), fails
// any pending requests, and spawns a fresh process into the same Instance.
//
// Go has no Drop/finalizer tied to an object's lifetime, so — unlike the
// ownership-swap this is grounded on — there is no risk of a temporary's
// cleanup path firing a second kill against the process we just adopted:
// startProcess mutates this Instance's own fields in place, and waitLoop
// tells generations apart by comparing the done channel it was handed at
// spawn time against the Instance's current one, so a superseded process
// exiting late can never clobber a newer generation's state.
func (b *Instance) Restart(ctx context.Context) error {
	b.mu.Lock()
	oldCmd := b.cmd
	b.mu.Unlock()

	if oldCmd != nil && oldCmd.Process != nil {
		if b.cfg.Supervisor != nil {
			b.cfg.Supervisor.Unregister(oldCmd.Process.Pid)
		}
		_ = oldCmd.Process.Kill() // best-effort; ESRCH-equivalent failure is expected if it already exited
	}

	b.failAllPending(rpcerr.BackendUnavailable("backend %s restarting", b.cfg.WorkspaceRoot))

	if err := b.startProcess(ctx); err != nil {
		return err
	}
	b.log().Info("backend restarted")
	return nil
}

// WorkspaceRoot returns the root this backend serves.
func (b *Instance) WorkspaceRoot() string { return b.cfg.WorkspaceRoot }

// ID returns the backend's log-correlation identifier.
func (b *Instance) ID() string { return b.id.String() }
