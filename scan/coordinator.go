package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rfidagent/reader"
)

// State is the coordinator's observable scan state.
type State int

const (
	Idle State = iota
	Armed
	Reporting
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Reporting:
		return "reporting"
	default:
		return "idle"
	}
}

const (
	defaultWindow    = 30 * time.Second
	defaultCacheSize = 128
)

// Options configures a Coordinator.
type Options struct {
	Reader     reader.CardReader
	Publisher  Publisher
	TerminalID string
	Window     time.Duration // scan window per request
	OnState    func(State)   // optional state observer
	CacheSize  int           // resolved request ids remembered for redelivery
}

// Coordinator serializes scan requests against the single card reader:
// at most one scan is armed at a time, requests arriving while a scan
// is in flight are answered cancelled, and redelivered request ids are
// re-answered from a bounded result cache without re-arming hardware.
type Coordinator struct {
	publisher Publisher
	terminal  string
	window    time.Duration
	onState   func(State)
	cacheSize int
	log       zerolog.Logger

	slot chan struct{} // one token; owning it grants the right to scan

	mu        sync.Mutex
	rdr       reader.CardReader
	state     State
	armCancel context.CancelFunc
	inflight  string // request id of the accepted, unresolved scan
	results   map[string]Result
	order     []string
	closed    bool

	wg sync.WaitGroup
}

// New creates a Coordinator in the Idle state.
func New(opts Options) *Coordinator {
	window := opts.Window
	if window <= 0 {
		window = defaultWindow
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}

	c := &Coordinator{
		publisher: opts.Publisher,
		terminal:  opts.TerminalID,
		window:    window,
		onState:   opts.OnState,
		cacheSize: size,
		log:       log.With().Str("component", "scan").Logger(),
		slot:      make(chan struct{}, 1),
		rdr:       opts.Reader,
		results:   make(map[string]Result),
	}
	c.slot <- struct{}{}
	return c
}

// Handle processes one inbound scan request. It never blocks on
// hardware: already-resolved ids are re-answered from the cache, a
// redelivered copy of the request currently being scanned is dropped
// (its result is already on the way), any other request arriving while
// a scan is in flight is answered cancelled, and an accepted request
// arms the reader on its own goroutine.
func (c *Coordinator) Handle(req Request) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if res, ok := c.results[req.RequestID]; ok {
		c.mu.Unlock()
		c.log.Info().Str("request_id", req.RequestID).Msg("duplicate request, re-publishing cached result")
		c.publish(res)
		return
	}
	if req.RequestID == c.inflight {
		c.mu.Unlock()
		c.log.Info().Str("request_id", req.RequestID).Msg("request already in flight, dropping redelivery")
		return
	}

	select {
	case <-c.slot:
	default:
		c.mu.Unlock()
		res := c.resolve(req, StatusCancelled, "")
		c.log.Info().Str("request_id", req.RequestID).Msg("scan in flight, cancelling new request")
		c.publish(res)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.armCancel = cancel
	c.state = Armed
	c.inflight = req.RequestID
	rdr := c.rdr
	c.wg.Add(1)
	c.mu.Unlock()
	c.notify(Armed)

	c.log.Info().Str("request_id", req.RequestID).Dur("window", c.window).Msg("scan armed")
	go c.runScan(ctx, rdr, req)
}

func (c *Coordinator) runScan(ctx context.Context, rdr reader.CardReader, req Request) {
	defer c.wg.Done()

	uid, err := rdr.Arm(ctx, c.window)

	var status string
	switch {
	case err == nil:
		status = StatusSuccess
	case errors.Is(err, reader.ErrTimeout):
		status = StatusTimeout
	case errors.Is(err, context.Canceled):
		status = StatusCancelled
	default:
		status = StatusReaderError
		c.log.Warn().Err(err).Str("request_id", req.RequestID).Msg("reader error")
	}
	if err != nil {
		uid = ""
	}

	c.mu.Lock()
	c.state = Reporting
	c.armCancel = nil
	c.mu.Unlock()
	c.notify(Reporting)

	// the inflight marker is held until the result is cached so a
	// redelivery racing the report is dropped, never answered cancelled
	res := c.resolve(req, status, uid)
	c.mu.Lock()
	c.inflight = ""
	c.mu.Unlock()
	c.publish(res)

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
	c.notify(Idle)

	c.slot <- struct{}{}
}

// resolve builds the result for req and caches it for idempotent
// redelivery.
func (c *Coordinator) resolve(req Request, status, uid string) Result {
	res := Result{
		RequestID:   req.RequestID,
		TerminalID:  c.terminal,
		Status:      status,
		CardUID:     uid,
		CompletedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.remember(res)
	c.mu.Unlock()
	return res
}

// remember stores a resolved result, evicting the oldest entry once
// the cache is full. Callers hold c.mu.
func (c *Coordinator) remember(res Result) {
	if _, ok := c.results[res.RequestID]; ok {
		return
	}
	c.results[res.RequestID] = res
	c.order = append(c.order, res.RequestID)
	if len(c.order) > c.cacheSize {
		delete(c.results, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *Coordinator) publish(res Result) {
	// transport failures are the queue link's to retry; an error here
	// means the result could not be encoded
	if err := c.publisher.PublishResult(res); err != nil {
		c.log.Error().Err(err).Str("request_id", res.RequestID).Msg("publish result")
	}
}

func (c *Coordinator) notify(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}

// State returns the current scan state for status snapshots.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Quiesce waits for any in-flight scan to finish and then holds the
// coordinator so configuration can be swapped. Requests arriving while
// quiesced are answered cancelled. Resume releases the hold.
func (c *Coordinator) Quiesce(ctx context.Context) error {
	select {
	case <-c.slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume lifts a Quiesce hold.
func (c *Coordinator) Resume() {
	c.slot <- struct{}{}
}

// SetReader swaps the card reader. Callers must hold the coordinator
// quiesced so no scan is armed against the old link.
func (c *Coordinator) SetReader(r reader.CardReader) {
	c.mu.Lock()
	c.rdr = r
	c.mu.Unlock()
}

// Shutdown cancels any armed scan and waits for its best-effort
// cancelled result to be reported. Further requests are ignored.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	if c.armCancel != nil {
		c.armCancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
