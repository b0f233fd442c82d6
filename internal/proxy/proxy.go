// Package proxy implements the proxy core (C7): the single-threaded event
// loop that reads JSON-RPC messages from stdin, routes them to the right
// per-root backend, and writes responses back to stdout.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/margbug01/ace-proxy/internal/backend"
	"github.com/margbug01/ace-proxy/internal/config"
	"github.com/margbug01/ace-proxy/internal/debounce"
	"github.com/margbug01/ace-proxy/internal/gitfilter"
	"github.com/margbug01/ace-proxy/internal/pool"
	"github.com/margbug01/ace-proxy/internal/procsup"
	"github.com/margbug01/ace-proxy/internal/rpcerr"
	"github.com/margbug01/ace-proxy/internal/wire"
)

const cleanupInterval = 60 * time.Second

// serverCapabilities is the fixed capabilities payload returned from initialize.
var serverCapabilities = json.RawMessage(`{
	"protocolVersion": "2024-11-05",
	"capabilities": {"tools": {"listChanged": false}},
	"serverInfo": {"name": "mcp-proxy", "version": "0.1.0"}
}`)

// Proxy coordinates stdio, routing, and the backend pool.
type Proxy struct {
	cfg        config.Config
	supervisor procsup.Supervisor
	pool       *pool.Pool
	debouncer  *debounce.Debouncer
	gitCache   *gitfilter.Cache
	logger     *slog.Logger

	mu          sync.Mutex
	roots       []string
	defaultRoot string
	shuttingDown bool

	inflightSem chan struct{}
}

// New constructs a Proxy. The backend factory used by the pool is derived
// from cfg and supervisor.
func New(cfg config.Config, supervisor procsup.Supervisor, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Proxy{
		cfg:         cfg,
		supervisor:  supervisor,
		debouncer:   debounce.New(time.Duration(cfg.DebounceMs) * time.Millisecond),
		gitCache:    gitfilter.NewCache(),
		logger:      logger.With("component", "proxy"),
		defaultRoot: cfg.DefaultRoot,
	}

	if cfg.MaxInflightGlobal > 0 {
		p.inflightSem = make(chan struct{}, cfg.MaxInflightGlobal)
	}

	p.pool = pool.New(cfg.MaxBackends, func(ctx context.Context, root string) (*backend.Instance, error) {
		inst := backend.New(backend.Config{
			Node:           cfg.Node,
			AuggieEntry:    cfg.AuggieEntry,
			Mode:           cfg.Mode,
			WorkspaceRoot:  root,
			SpawnTimeout:   time.Duration(cfg.SpawnTimeoutSeconds) * time.Second,
			RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
			CPUAffinity:    cfg.CPUAffinity,
			LowPriority:    cfg.LowPriority,
			Supervisor:     supervisor,
			Logger:         logger,
		})
		if err := inst.Spawn(ctx); err != nil {
			return nil, err
		}
		return inst, nil
	})

	return p
}

// Run is the main event loop: it blocks until stdin closes (clean EOF), an
// exit notification arrives, a shutdown request has been answered, or ctx is
// canceled.
func (p *Proxy) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	reader := bufio.NewReader(stdin)
	writer := bufio.NewWriter(stdout)

	cleanupTick := time.NewTicker(cleanupInterval)
	defer cleanupTick.Stop()

	debounceInterval := time.Duration(p.cfg.DebounceMs) * time.Millisecond
	if debounceInterval < 100*time.Millisecond {
		debounceInterval = 100 * time.Millisecond
	}
	debounceTick := time.NewTicker(debounceInterval)
	defer debounceTick.Stop()

	p.logger.Info("mcp-proxy started, waiting for requests on stdin")

	msgCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		for {
			line, err := wire.ReadMessage(reader)
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- line
		}
	}()

	idleTTL := time.Duration(p.cfg.IdleTTLSeconds) * time.Second

	for {
		select {
		case <-ctx.Done():
			p.pool.ShutdownAll()
			return ctx.Err()

		case line := <-msgCh:
			if len(line) == 0 {
				continue
			}
			resp, stop := p.handleMessage(ctx, line)
			if resp != nil {
				if err := p.writeResponse(writer, resp); err != nil {
					p.logger.Error("error writing response", "error", err)
				}
			}
			if stop || p.isShuttingDown() {
				p.logger.Info("exit requested, shutting down")
				p.pool.ShutdownAll()
				return nil
			}

		case err := <-errCh:
			if err == io.EOF {
				p.logger.Info("stdin closed (EOF), shutting down")
			} else {
				p.logger.Error("error reading stdin", "error", err)
			}
			p.pool.ShutdownAll()
			return nil

		case <-cleanupTick.C:
			p.pool.ReapIdle(idleTTL)

		case <-debounceTick.C:
			p.flushDebouncedEvents(ctx)
		}
	}
}

func (p *Proxy) writeResponse(w *bufio.Writer, resp *wire.Response) error {
	b, err := wire.Serialize(resp)
	if err != nil {
		return errors.Wrap(err, "serializing response")
	}
	if _, err := w.Write(b); err != nil {
		return errors.Wrap(err, "writing response")
	}
	return w.Flush()
}

func (p *Proxy) isShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

func (p *Proxy) setShuttingDown() {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()
}

// handleMessage dispatches one inbound line. Returns the response to write
// (nil for notifications) and whether the proxy should stop after this message.
func (p *Proxy) handleMessage(ctx context.Context, line []byte) (*wire.Response, bool) {
	var req wire.Request
	if err := json.Unmarshal(line, &req); err != nil {
		p.logger.Warn("failed to parse JSON-RPC request", "error", err)
		return wire.NewParseError(fmt.Sprintf("parse error: %v", err)), false
	}

	p.logger.Debug("handling request", "method", req.Method)

	switch req.Method {
	case "initialize":
		return p.handleInitialize(ctx, &req), false
	case "shutdown":
		return p.handleShutdown(&req), false
	case "exit":
		p.setShuttingDown()
		return nil, true
	case "notifications/roots/listChanged":
		p.handleRootsChanged(&req)
		return nil, false
	}

	if req.IsNotification() {
		p.handleNotification(ctx, &req)
		return nil, false
	}

	return p.routeToBackend(ctx, &req), false
}

func (p *Proxy) handleInitialize(ctx context.Context, req *wire.Request) *wire.Response {
	uris := getRoots(req.Params)
	if len(uris) > 0 {
		var roots []string
		for _, uri := range uris {
			if path, ok := uriToPath(uri); ok {
				roots = append(roots, path)
			}
		}
		p.mu.Lock()
		p.roots = roots
		if p.defaultRoot == "" && len(roots) > 0 {
			p.defaultRoot = roots[0]
		}
		prewarmRoot := p.defaultRoot
		p.mu.Unlock()

		if p.cfg.PrewarmDefaultRoot && prewarmRoot != "" {
			if _, err := p.pool.GetOrCreate(ctx, prewarmRoot); err != nil {
				p.logger.Warn("failed to pre-spawn backend for default root", "error", err)
			}
		}
	}

	id, _ := wire.IDToRaw(req.ID)
	return wire.NewResult(id, json.RawMessage(serverCapabilities))
}

func (p *Proxy) handleShutdown(req *wire.Request) *wire.Response {
	p.setShuttingDown()
	p.pool.ShutdownAll()
	id, _ := wire.IDToRaw(req.ID)
	return wire.NewResult(id, json.RawMessage("null"))
}

func (p *Proxy) handleRootsChanged(req *wire.Request) {
	uris := getRoots(req.Params)
	var roots []string
	for _, uri := range uris {
		if path, ok := uriToPath(uri); ok {
			roots = append(roots, path)
		}
	}
	if roots != nil {
		p.mu.Lock()
		p.roots = roots
		p.mu.Unlock()
	}
}

func (p *Proxy) handleNotification(ctx context.Context, req *wire.Request) {
	if p.shouldThrottle(req.Method) {
		if uri, ok := getURI(req.Params); ok {
			if path, ok := uriToPath(uri); ok {
				if p.cfg.GitFilter && !p.isPathGitTracked(path) {
					p.logger.Debug("ignoring non-git-tracked file", "path", path)
					return
				}
				p.debouncer.Add(path)
				return
			}
		}
	}

	if err := p.forwardNotificationToBackend(ctx, req); err != nil {
		p.logger.Warn("failed to forward notification", "error", err)
	}
}

func (p *Proxy) shouldThrottle(method string) bool {
	if p.cfg.DebounceMs == 0 {
		return false
	}
	return fileChangeMethods[method]
}

func (p *Proxy) forwardNotificationToBackend(ctx context.Context, req *wire.Request) error {
	root, ok := p.determineRoot(req)
	if !ok {
		p.logger.Warn("dropping notification: no workspace root available", "method", req.Method)
		return nil
	}
	inst, err := p.pool.GetOrCreate(ctx, root)
	if err != nil {
		return err
	}
	return inst.SendNotification(ctx, req.Method, req.Params)
}

// routeToBackend dispatches a request (one with an id) to the appropriate backend.
func (p *Proxy) routeToBackend(ctx context.Context, req *wire.Request) *wire.Response {
	id, _ := wire.IDToRaw(req.ID)

	if p.inflightSem != nil {
		select {
		case p.inflightSem <- struct{}{}:
			defer func() { <-p.inflightSem }()
		case <-ctx.Done():
			return wire.NewError(id, rpcerr.CodeBackendUnavailable, "global inflight limiter closed")
		}
	}

	root, ok := p.determineRoot(req)
	if !ok {
		return wire.NewError(id, rpcerr.CodeBackendUnavailable, "no workspace root available for routing")
	}

	inst, err := p.pool.GetOrCreate(ctx, root)
	if err != nil {
		return wire.NewError(id, rpcerr.Code(err), err.Error())
	}

	result, rpcErr, err := inst.SendRequestWithRetry(ctx, req.Method, req.Params, 1)
	if err != nil {
		return wire.NewError(id, rpcerr.Code(err), err.Error())
	}
	if rpcErr != nil {
		return &wire.Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return wire.NewResult(id, result)
}

// determineRoot picks the workspace root for req: longest-prefix match among
// known roots, then a git-root ancestor walk, then the default root.
func (p *Proxy) determineRoot(req *wire.Request) (string, bool) {
	uri, ok := getURI(req.Params)
	if !ok {
		return p.fallbackRoot()
	}
	path, ok := uriToPath(uri)
	if !ok {
		return p.fallbackRoot()
	}

	p.mu.Lock()
	roots := append([]string(nil), p.roots...)
	p.mu.Unlock()

	if root, ok := longestPrefixMatch(roots, path); ok {
		return root, true
	}
	if root, ok := gitRootAncestor(path); ok {
		return root, true
	}
	return p.fallbackRoot()
}

func (p *Proxy) fallbackRoot() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.defaultRoot != "" {
		return p.defaultRoot, true
	}
	if len(p.roots) > 0 {
		return p.roots[0], true
	}
	return "", false
}

// isPathGitTracked resolves the root owning path and asks the cache.
func (p *Proxy) isPathGitTracked(path string) bool {
	p.mu.Lock()
	roots := append([]string(nil), p.roots...)
	defaultRoot := p.defaultRoot
	p.mu.Unlock()

	root, ok := longestPrefixMatch(roots, path)
	if !ok {
		if defaultRoot == "" {
			return true // no root known, allow by default
		}
		root = defaultRoot
	}
	return p.gitCache.IsTracked(root, path)
}

// flushDebouncedEvents drains the debouncer and sends one batched
// notifications/files/didChange per root.
func (p *Proxy) flushDebouncedEvents(ctx context.Context) {
	if !p.debouncer.ShouldFlush() {
		return
	}
	paths := p.debouncer.Flush()
	if len(paths) == 0 {
		return
	}

	p.mu.Lock()
	roots := append([]string(nil), p.roots...)
	defaultRoot := p.defaultRoot
	p.mu.Unlock()

	urisByRoot := make(map[string][]string)
	for _, path := range paths {
		root, ok := longestPrefixMatch(roots, path)
		if !ok {
			root = defaultRoot
		}
		if root == "" {
			continue
		}
		urisByRoot[root] = append(urisByRoot[root], pathToFileURI(path))
	}

	var merr *multierror.Error
	for root, uris := range urisByRoot {
		inst, ok := p.pool.Get(root)
		if !ok {
			// Not currently pooled: it will see a fresh snapshot when next
			// spawned, so there is nothing to deliver now.
			continue
		}
		params, _ := json.Marshal(struct {
			URIs []string `json:"uris"`
		}{URIs: uris})
		if err := inst.SendNotification(ctx, "notifications/files/didChange", params); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr.ErrorOrNil() != nil {
		p.logger.Warn("failed to send some throttled notifications", "error", merr)
	}
}

// JSONRPCErrorType re-exports the wire library's error type for callers
// outside this package that need to construct one directly.
type JSONRPCErrorType = jsonrpc2.Error
