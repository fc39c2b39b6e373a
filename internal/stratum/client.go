package stratum

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/mining"
	"github.com/tosproject/tosminer/internal/toshash"
	"github.com/tosproject/tosminer/internal/work"
)

const (
	// MaxLineLength caps one JSON-RPC line. A server pushing more is
	// broken or hostile and gets disconnected.
	MaxLineLength = 65536

	dialTimeout            = 10 * time.Second
	keepaliveInterval      = 30 * time.Second
	requestTimeout         = 30 * time.Second
	requestCleanupInterval = 5 * time.Second
	workTimeout            = 60 * time.Second
	workCheckInterval      = 15 * time.Second

	// timeoutsPerSweepLimit forces a reconnect when a cleanup sweep
	// times out this many requests at once; the link is dead, not slow.
	timeoutsPerSweepLimit = 3

	reconnectBackoffBase = time.Second
	maxBackoffExponent   = 5
	maxReconnectAttempts = 10

	disconnectPollInterval = 100 * time.Millisecond
	disconnectGracePeriod  = 3 * time.Second

	// staleWorkLogAge triggers a warning when a replaced job sat around
	// this long first.
	staleWorkLogAge = 30 * time.Second

	userAgent = "tosminer/1.0"
)

// Config configures a pool session.
type Config struct {
	// URLs is the failover list; the first entry is primary.
	URLs []string
	// User is the wallet/worker login.
	User string
	// Pass is the pool password, often "x".
	Pass string
	// Protocol selects the stratum dialect.
	Protocol Protocol
	// StrictTLS enforces certificate verification on ssl endpoints.
	StrictTLS bool
}

// WorkSink receives each parsed job.
type WorkSink func(pkg *work.Package)

// ShareSink receives the pool's verdict on each submitted share.
type ShareSink func(result mining.ShareResult, reason string)

// ConnectionSink is notified of session up/down transitions.
type ConnectionSink func(connected bool)

type pendingRequest struct {
	method string
	sentAt time.Time
}

// Client is a stratum pool session. It owns the socket, the handshake
// state machine and reconnect/failover policy; solutions flow in through
// SubmitSolution and jobs flow out through the WorkSink.
type Client struct {
	cfg       Config
	logger    *zap.Logger
	endpoints []Endpoint
	active    int

	workSink  WorkSink
	shareSink ShareSink
	connSink  ConnectionSink

	mu              sync.Mutex
	conn            net.Conn
	state           State
	sessionID       string
	extranonce1     string
	extranonce2Size uint
	startNonce      uint64
	difficulty      float64
	target          toshash.Hash
	hasPoolTarget   bool
	currentWork     *work.Package
	lastWorkAt      time.Time

	// writeMu serializes socket writes; submits arrive from many
	// workers at once.
	writeMu sync.Mutex

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]pendingRequest

	accepted atomic.Uint64
	rejected atomic.Uint64

	attempts int
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewClient parses the pool URLs and builds a client. StratumV2 falls
// back to classic stratum.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("%w: no pool urls", mining.ErrConfig)
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("%w: pool user is required", mining.ErrConfig)
	}

	log := logger.Named("stratum")
	if cfg.Protocol == ProtocolStratumV2 {
		log.Warn("stratum v2 is not implemented, falling back to stratum")
		cfg.Protocol = ProtocolStratum
	}

	endpoints := make([]Endpoint, 0, len(cfg.URLs))
	for _, raw := range cfg.URLs {
		ep, err := ParseEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", mining.ErrConfig, err)
		}
		endpoints = append(endpoints, ep)
	}

	return &Client{
		cfg:             cfg,
		logger:          log,
		endpoints:       endpoints,
		extranonce2Size: work.MinExtranonce2Size,
		pending:         make(map[uint64]pendingRequest),
	}, nil
}

// SetWorkSink installs the job callback. Must be called before Start.
func (c *Client) SetWorkSink(sink WorkSink) { c.workSink = sink }

// SetShareSink installs the verdict callback. Must be called before Start.
func (c *Client) SetShareSink(sink ShareSink) { c.shareSink = sink }

// SetConnectionSink installs the link up/down callback.
func (c *Client) SetConnectionSink(sink ConnectionSink) { c.connSink = sink }

// Start launches the session loop.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running.Store(true)
	c.wg.Add(1)
	go c.run()
}

// Stop shuts the session down, waiting briefly for pending submits to
// resolve before dropping the socket. Returns the number of submits that
// resolved during the grace period; anything still pending afterwards is
// reported to the share sink as rejected.
func (c *Client) Stop() int {
	if !c.running.Swap(false) {
		return 0
	}

	initial := c.pendingSubmits()
	deadline := time.Now().Add(disconnectGracePeriod)
	for time.Now().Before(deadline) {
		if c.pendingSubmits() == 0 {
			break
		}
		time.Sleep(disconnectPollInterval)
	}

	c.cancel()
	c.closeConn()
	c.wg.Wait()

	remaining := c.pendingSubmits()
	c.flushPending("disconnected")
	return initial - remaining
}

// pendingSubmits counts submit requests still awaiting a pool response.
func (c *Client) pendingSubmits() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	n := 0
	for _, req := range c.pending {
		if req.method == "mining.submit" {
			n++
		}
	}
	return n
}

// State returns the session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Accepted returns the accepted-share count for this process.
func (c *Client) Accepted() uint64 { return c.accepted.Load() }

// Rejected returns the rejected-share count for this process.
func (c *Client) Rejected() uint64 { return c.rejected.Load() }

// Difficulty returns the last difficulty the pool set.
func (c *Client) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// ActiveEndpoint returns the endpoint currently in use.
func (c *Client) ActiveEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.active]
}

// run is the reconnect loop.
func (c *Client) run() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		err := c.connectAndServe()
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("session ended", zap.Error(err))
		}
		if c.connSink != nil {
			c.connSink(false)
		}

		c.attempts++
		attempt := c.attempts
		if attempt >= maxReconnectAttempts {
			c.logger.Error("giving up after repeated connection failures",
				zap.Int("attempts", attempt))
			c.flushPending("disconnected")
			return
		}
		if attempt == maxReconnectAttempts/2 && len(c.endpoints) > 1 {
			c.mu.Lock()
			c.active = (c.active + 1) % len(c.endpoints)
			ep := c.endpoints[c.active]
			c.mu.Unlock()
			c.attempts = 0
			c.logger.Warn("switching to failover pool", zap.Stringer("endpoint", ep))
		}

		delay := backoffDelay(attempt - 1)
		c.logger.Info("reconnecting",
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt))
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}
}

// backoffDelay returns the reconnect delay for the k-th consecutive
// failure, doubling from the base and capping at 2^maxBackoffExponent.
func backoffDelay(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	if k > maxBackoffExponent {
		k = maxBackoffExponent
	}
	return reconnectBackoffBase * time.Duration(1<<uint(k))
}

// connectAndServe runs one full session: dial, handshake, serve until the
// link drops.
func (c *Client) connectAndServe() error {
	c.mu.Lock()
	ep := c.endpoints[c.active]
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info("connecting", zap.Stringer("endpoint", ep))

	dialer := &net.Dialer{Timeout: dialTimeout}
	var conn net.Conn
	var err error
	if ep.TLS {
		tlsCfg := &tls.Config{
			ServerName:         ep.Host,
			InsecureSkipVerify: !c.cfg.StrictTLS,
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", ep.Addr(), tlsCfg)
	} else {
		conn, err = dialer.DialContext(c.ctx, "tcp", ep.Addr())
	}
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: dial %s: %v", mining.ErrTransport, ep.Addr(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.hasPoolTarget = false
	c.lastWorkAt = time.Now()
	c.mu.Unlock()
	c.flushPending("disconnected")

	if err := c.handshake(); err != nil {
		c.closeConn()
		c.setState(StateDisconnected)
		return err
	}

	lines := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go c.readLines(conn, lines, readErr)

	err = c.serve(lines, readErr)
	c.closeConn()
	c.setState(StateDisconnected)
	return err
}

// handshake starts the login sequence; the responses drive the rest of
// the state machine.
func (c *Client) handshake() error {
	switch c.cfg.Protocol {
	case ProtocolEthProxy:
		// No subscribe phase; login directly.
		return c.sendTracked("eth_submitLogin", []interface{}{c.cfg.User, c.cfg.Pass})
	case ProtocolEthereumStratum:
		return c.sendTracked("mining.subscribe",
			[]interface{}{userAgent, "EthereumStratum/1.0.0"})
	default:
		return c.sendTracked("mining.subscribe", []interface{}{userAgent})
	}
}

// readLines pumps framed lines into the channel until the socket dies.
func (c *Client) readLines(conn net.Conn, lines chan<- []byte, readErr chan<- error) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineLength)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines <- line
	}
	err := scanner.Err()
	if err == bufio.ErrTooLong {
		err = fmt.Errorf("%w: line exceeds %d bytes", mining.ErrProtocol, MaxLineLength)
	} else if err == nil {
		err = fmt.Errorf("%w: connection closed by pool", mining.ErrTransport)
	}
	readErr <- err
}

// serve is the per-connection event loop.
func (c *Client) serve(lines <-chan []byte, readErr <-chan error) error {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	cleanup := time.NewTicker(requestCleanupInterval)
	defer cleanup.Stop()
	workCheck := time.NewTicker(workCheckInterval)
	defer workCheck.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return nil

		case err := <-readErr:
			return err

		case line := <-lines:
			c.handleLine(line)

		case <-keepalive.C:
			if c.State() == StateAuthorized {
				if err := c.sendTracked("mining.ping", []interface{}{}); err != nil {
					return err
				}
			}

		case <-cleanup.C:
			if c.sweepTimedOut() >= timeoutsPerSweepLimit {
				return fmt.Errorf("%w: too many request timeouts", mining.ErrTransport)
			}

		case <-workCheck.C:
			c.mu.Lock()
			idle := time.Since(c.lastWorkAt)
			state := c.state
			c.mu.Unlock()
			if state == StateAuthorized && idle > workTimeout {
				return fmt.Errorf("%w: no work for %s", mining.ErrTransport, idle.Round(time.Second))
			}
		}
	}
}

// sweepTimedOut drops requests older than requestTimeout, counting timed
// out submits as rejected shares. Returns the sweep's timeout count.
func (c *Client) sweepTimedOut() int {
	now := time.Now()
	var submits int
	var timedOut int

	c.pendingMu.Lock()
	for id, req := range c.pending {
		if now.Sub(req.sentAt) < requestTimeout {
			continue
		}
		timedOut++
		c.logger.Warn("request timed out",
			zap.Uint64("id", id),
			zap.String("method", req.method))
		if req.method == "mining.submit" {
			submits++
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	for i := 0; i < submits; i++ {
		c.rejected.Add(1)
		if c.shareSink != nil {
			c.shareSink(mining.ShareRejected, "timeout")
		}
	}
	return timedOut
}

// flushPending fails every pending submit with the given reason, as on
// disconnect.
func (c *Client) flushPending(reason string) {
	c.pendingMu.Lock()
	var submits int
	for id, req := range c.pending {
		if req.method == "mining.submit" {
			submits++
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	for i := 0; i < submits; i++ {
		c.rejected.Add(1)
		if c.shareSink != nil {
			c.shareSink(mining.ShareRejected, reason)
		}
	}
}

func (c *Client) handleLine(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("unparseable message", zap.Error(err), zap.ByteString("line", line))
		return
	}

	if msg.isNotification() {
		c.handleNotification(&msg)
		return
	}
	if msg.ID != nil {
		c.handleResponse(&msg)
	}
}

func (c *Client) handleNotification(msg *message) {
	switch msg.Method {
	case "mining.notify":
		c.handleNotify(msg.Params)
	case "mining.set_difficulty", "mining.set_target":
		c.handleSetDifficulty(msg.Params)
	case "mining.set_extranonce":
		c.handleSetExtranonce(msg.Params)
	case "client.show_message":
		var params []string
		if json.Unmarshal(msg.Params, &params) == nil && len(params) > 0 {
			c.logger.Info("pool message", zap.String("message", params[0]))
		}
	case "client.reconnect":
		c.logger.Info("pool requested reconnect")
		c.closeConn()
	default:
		c.logger.Debug("unknown notification", zap.String("method", msg.Method))
	}
}

func (c *Client) handleResponse(msg *message) {
	c.pendingMu.Lock()
	req, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", zap.Uint64("id", *msg.ID))
		return
	}

	switch req.method {
	case "mining.subscribe":
		c.handleSubscribeResult(msg)
	case "mining.authorize", "eth_submitLogin":
		c.handleAuthorizeResult(msg)
	case "mining.submit":
		c.handleSubmitResult(msg)
	case "mining.ping":
		// Any reply is fine; some pools error on unknown methods.
	}
}

// handleSubscribeResult parses the two subscription shapes:
// [[["mining.notify","id"],...], extranonce1, extranonce2_size] and
// [["mining.notify","id"], extranonce1, extranonce2_size].
func (c *Client) handleSubscribeResult(msg *message) {
	if msg.hasError() {
		c.logger.Error("subscribe failed", zap.String("error", errorText(msg.Error)))
		c.closeConn()
		return
	}

	var result []json.RawMessage
	if err := json.Unmarshal(msg.Result, &result); err != nil || len(result) < 2 {
		c.logger.Error("malformed subscribe result", zap.ByteString("result", msg.Result))
		c.closeConn()
		return
	}

	sessionID := parseSessionID(result[0])

	var en1 string
	if err := json.Unmarshal(result[1], &en1); err != nil {
		c.logger.Error("malformed extranonce1", zap.ByteString("value", result[1]))
		c.closeConn()
		return
	}

	en2Size := uint(work.MinExtranonce2Size)
	if len(result) >= 3 {
		var raw uint
		if json.Unmarshal(result[2], &raw) == nil {
			var clamped bool
			en2Size, clamped = work.ClampExtranonce2Size(raw)
			if clamped {
				c.logger.Warn("pool extranonce2_size out of range, clamping",
					zap.Uint("requested", raw),
					zap.Uint("using", en2Size))
			}
		}
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.extranonce1 = en1
	c.extranonce2Size = en2Size
	c.startNonce = decodeStartNonce(en1)
	c.state = StateSubscribed
	c.mu.Unlock()

	c.logger.Info("subscribed",
		zap.String("session", sessionID),
		zap.String("extranonce1", en1),
		zap.Uint("extranonce2_size", en2Size))

	if err := c.sendTracked("mining.authorize",
		[]interface{}{c.cfg.User, c.cfg.Pass}); err != nil {
		c.logger.Error("authorize send failed", zap.Error(err))
		c.closeConn()
	}
}

// parseSessionID digs the session id out of either subscription shape.
func parseSessionID(raw json.RawMessage) string {
	var subs []json.RawMessage
	if json.Unmarshal(raw, &subs) != nil || len(subs) == 0 {
		return ""
	}

	// Nested: [["mining.notify","id"], ...]
	var pair []string
	if json.Unmarshal(subs[0], &pair) == nil && len(pair) >= 2 {
		return pair[1]
	}
	// Flat: ["mining.notify", "id"]
	var first string
	if json.Unmarshal(subs[0], &first) == nil && len(subs) >= 2 {
		var id string
		if json.Unmarshal(subs[1], &id) == nil {
			return id
		}
	}
	return ""
}

// decodeStartNonce interprets extranonce1 as up to 8 little-endian bytes.
func decodeStartNonce(en1 string) uint64 {
	raw, err := hex.DecodeString(en1)
	if err != nil {
		return 0
	}
	if len(raw) > 8 {
		raw = raw[:8]
	}
	var n uint64
	for i, b := range raw {
		n |= uint64(b) << (8 * i)
	}
	return n
}

func (c *Client) handleAuthorizeResult(msg *message) {
	if msg.hasError() || !boolResult(msg) {
		c.logger.Error("authorization rejected",
			zap.String("error", errorText(msg.Error)))
		c.closeConn()
		return
	}

	c.mu.Lock()
	c.state = StateAuthorized
	c.mu.Unlock()
	c.attempts = 0
	c.logger.Info("authorized", zap.String("user", c.cfg.User))
	if c.connSink != nil {
		c.connSink(true)
	}
}

func (c *Client) handleSubmitResult(msg *message) {
	if msg.hasError() {
		reason := errorText(msg.Error)
		c.rejected.Add(1)
		c.logger.Warn("share rejected", zap.String("reason", reason))
		if c.shareSink != nil {
			result := mining.ShareRejected
			if reason == "stale" || reason == "job not found" {
				result = mining.ShareStale
			}
			c.shareSink(result, reason)
		}
		return
	}
	if boolResult(msg) {
		c.accepted.Add(1)
		c.logger.Info("share accepted")
		if c.shareSink != nil {
			c.shareSink(mining.ShareAccepted, "")
		}
		return
	}
	c.rejected.Add(1)
	c.logger.Warn("share rejected")
	if c.shareSink != nil {
		c.shareSink(mining.ShareRejected, "rejected")
	}
}

// handleNotify parses both notify shapes: the compact
// [job_id, header_hex, target_hex, height, clean] form and the standard
// form, of which only job_id and prev_hash are usable.
func (c *Client) handleNotify(raw json.RawMessage) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 2 {
		c.logger.Error("invalid mining.notify params")
		return
	}

	pkg := &work.Package{}

	if err := json.Unmarshal(params[0], &pkg.JobID); err != nil {
		c.logger.Error("invalid job id in notify")
		return
	}

	poolSentTarget := false
	var clean bool
	compact := len(params) >= 5 && json.Unmarshal(params[4], &clean) == nil

	if compact {
		var headerHex, targetHex string
		if json.Unmarshal(params[1], &headerHex) != nil {
			c.logger.Error("invalid header in notify")
			return
		}
		json.Unmarshal(params[2], &targetHex)
		json.Unmarshal(params[3], &pkg.Height)

		headerBytes, err := hex.DecodeString(headerHex)
		if err != nil {
			c.logger.Error("unparseable header hex", zap.Error(err))
			return
		}
		pkg.SetHeader(headerBytes)

		if targetHex != "" {
			targetBytes, err := hex.DecodeString(targetHex)
			if err != nil {
				c.logger.Error("unparseable target hex", zap.Error(err))
				return
			}
			// Short targets pad on the right: most significant first.
			copy(pkg.Target[:], targetBytes)
			poolSentTarget = true
		} else {
			c.mu.Lock()
			pkg.Target = c.target
			c.mu.Unlock()
		}

		if clean {
			c.logger.Info("new job (clean)", zap.String("job", pkg.JobID))
		}
	} else {
		// Standard format: only prev_hash is usable as header material.
		var prevHash string
		if json.Unmarshal(params[1], &prevHash) != nil {
			c.logger.Error("invalid prev hash in notify")
			return
		}
		prevBytes, err := hex.DecodeString(prevHash)
		if err != nil {
			c.logger.Error("unparseable prev hash", zap.Error(err))
			return
		}
		if len(prevBytes) > 32 {
			prevBytes = prevBytes[:32]
		}
		pkg.SetHeader(prevBytes)

		c.mu.Lock()
		pkg.Target = c.target
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.hasPoolTarget = poolSentTarget
	if poolSentTarget {
		c.target = pkg.Target
	}
	pkg.Extranonce1 = c.extranonce1
	pkg.Extranonce2Size = c.extranonce2Size
	pkg.StartNonce = c.startNonce
	pkg.TotalDevices = 1
	pkg.ReceivedAt = time.Now()
	pkg.Valid = true

	if c.currentWork != nil && c.currentWork.Valid && c.currentWork.JobID != pkg.JobID {
		if age := c.currentWork.Age(); age > staleWorkLogAge {
			c.logger.Warn("replaced job was stale",
				zap.String("job", c.currentWork.JobID),
				zap.Duration("age", age))
		}
	}
	c.currentWork = pkg
	c.lastWorkAt = pkg.ReceivedAt
	c.mu.Unlock()

	c.logger.Info("new job",
		zap.String("job", pkg.JobID),
		zap.Uint64("height", pkg.Height))

	if c.workSink != nil {
		cp := *pkg
		c.workSink(&cp)
	}
}

func (c *Client) handleSetDifficulty(raw json.RawMessage) {
	var params []float64
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 {
		c.logger.Error("invalid set_difficulty params")
		return
	}
	difficulty := params[0]
	derived := DifficultyToTarget(difficulty, c.logger)

	c.mu.Lock()
	c.difficulty = difficulty
	keepPool := c.hasPoolTarget
	if !keepPool {
		c.target = derived
	}
	c.mu.Unlock()

	if keepPool {
		c.logger.Info("difficulty set, keeping pool target",
			zap.Float64("difficulty", difficulty))
	} else {
		c.logger.Info("difficulty set, using derived target",
			zap.Float64("difficulty", difficulty))
	}
}

func (c *Client) handleSetExtranonce(raw json.RawMessage) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 {
		c.logger.Error("invalid set_extranonce params")
		return
	}
	var en1 string
	if json.Unmarshal(params[0], &en1) != nil {
		return
	}
	en2Size := uint(0)
	if len(params) >= 2 {
		json.Unmarshal(params[1], &en2Size)
	}

	c.mu.Lock()
	c.extranonce1 = en1
	c.startNonce = decodeStartNonce(en1)
	if en2Size > 0 {
		c.extranonce2Size, _ = work.ClampExtranonce2Size(en2Size)
	}
	c.mu.Unlock()
	c.logger.Info("extranonce updated", zap.String("extranonce1", en1))
}

// SubmitSolution sends one share: [user, job_id, extranonce2_hex,
// nonce_hex]. The extranonce2 is the nonce's distance from the session's
// start nonce, little-endian; the nonce itself goes big-endian.
func (c *Client) SubmitSolution(sol mining.Solution, jobID string) error {
	c.mu.Lock()
	state := c.state
	startNonce := c.startNonce
	en2Size := c.extranonce2Size
	c.mu.Unlock()

	if state != StateAuthorized {
		return fmt.Errorf("%w: not authorized", mining.ErrProtocol)
	}

	en2Hex := work.Extranonce2Hex(sol.Nonce-startNonce, en2Size)
	nonceHex := fmt.Sprintf("%016x", sol.Nonce)

	c.logger.Info("submitting share",
		zap.String("job", jobID),
		zap.Uint32("device", sol.DeviceIndex),
		zap.String("extranonce2", en2Hex),
		zap.String("nonce", nonceHex))

	return c.sendTracked("mining.submit",
		[]interface{}{c.cfg.User, jobID, en2Hex, nonceHex})
}

// sendTracked writes one request and records it for response routing and
// timeout sweeps.
func (c *Client) sendTracked(method string, params interface{}) error {
	id := c.nextID.Add(1)

	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", mining.ErrLogic, method, err)
	}
	payload = append(payload, '\n')

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", mining.ErrTransport)
	}

	c.pendingMu.Lock()
	c.pending[id] = pendingRequest{method: method, sentAt: time.Now()}
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_, err = conn.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("%w: write %s: %v", mining.ErrTransport, method, err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
