package relays

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/viper"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"portal/engine/library"
)

var (
	ErrNoRelay    = library.Kind(library.ErrTransport, "no connected relay")
	ErrClosed     = library.Kind(library.ErrTransport, "relay pool is closed")
	ErrBanned     = library.Kind(library.ErrValidation, "relay is banned")
	ErrTerminated = library.Kind(library.ErrValidation, "relay was terminated")
)

type Options struct {
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// IdleTimeout re-dials a relay that has not sent anything for this long. Zero disables it.
	IdleTimeout   time.Duration
	SeenCacheSize int
}

func OptionsFromConfig(conf *viper.Viper) Options {
	return Options{
		ReconnectMin:  conf.GetDuration("reconnectMin"),
		ReconnectMax:  conf.GetDuration("reconnectMax"),
		IdleTimeout:   conf.GetDuration("idleTimeout"),
		SeenCacheSize: conf.GetInt("seenCacheSize"),
	}
}

// Pool keeps a set of relay connections alive and fans subscriptions out over all of them.
type Pool struct {
	dialer Dialer
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu       *deadlock.Mutex
	relays   map[string]*relay
	watchers map[*watcher]struct{}
	subs     map[int]*Subscription
	nextSub  int
	closed   bool
}

type relay struct {
	url      string
	status   Status
	conn     Conn
	cancel   context.CancelFunc
	attempts int
	changed  chan struct{}
	suspend  chan struct{}
}

func New(dialer Dialer, opts Options) *Pool {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.SeenCacheSize <= 0 {
		opts.SeenCacheSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dialer:   dialer,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		mu:       &deadlock.Mutex{},
		relays:   make(map[string]*relay),
		watchers: make(map[*watcher]struct{}),
		subs:     make(map[int]*Subscription),
	}
	watchSleep(ctx, p.Suspend)
	return p
}

// Connect starts maintaining a connection to url and returns without waiting for it.
func (p *Pool) Connect(url string) error {
	url = nostr.NormalizeURL(url)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if r, ok := p.relays[url]; ok {
		switch r.status {
		case Banned:
			return fmt.Errorf("%w: %s", ErrBanned, url)
		case Terminated:
			return fmt.Errorf("%w: %s", ErrTerminated, url)
		}
		return nil
	}
	r := &relay{
		url:     url,
		status:  Initialized,
		changed: make(chan struct{}, 1),
		suspend: make(chan struct{}, 1),
	}
	p.relays[url] = r
	p.broadcast(r)
	p.setLocked(r, Pending)
	ctx, cancel := context.WithCancel(p.ctx)
	r.cancel = cancel
	go p.run(ctx, r)
	return nil
}

// Disconnect terminates the connection to url. A terminated relay is never redialed and Connect refuses it.
func (p *Pool) Disconnect(url string) {
	url = nostr.NormalizeURL(url)
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.relays[url]; ok {
		p.setLocked(r, Terminated)
		if r.cancel != nil {
			r.cancel()
		}
	}
}

// Ban closes url and refuses to connect to it again for the life of the pool.
func (p *Pool) Ban(url string) {
	url = nostr.NormalizeURL(url)
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.relays[url]
	if !ok {
		r = &relay{url: url, status: Initialized, changed: make(chan struct{}, 1), suspend: make(chan struct{}, 1)}
		p.relays[url] = r
	}
	p.setLocked(r, Banned)
	if r.cancel != nil {
		r.cancel()
	}
}

// Suspend drops every connected relay so that it is redialed, used when the host wakes from sleep.
func (p *Pool) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.relays {
		if r.status == Connected {
			signal(r.suspend)
		}
	}
}

func (p *Pool) Statuses() map[string]Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := make(map[string]Status, len(p.relays))
	for url, r := range p.relays {
		s[url] = r.status
	}
	return s
}

// Connected returns the urls of connected relays in sorted order.
func (p *Pool) Connected() (urls []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, r := range p.relays {
		if r.status == Connected {
			urls = append(urls, url)
		}
	}
	slices.Sort(urls)
	return
}

// Publish sends event to every connected relay. It succeeds if at least one relay accepted it.
func (p *Pool) Publish(ctx context.Context, event nostr.Event) error {
	p.mu.Lock()
	conns := make(map[string]Conn)
	for url, r := range p.relays {
		if r.status == Connected && r.conn != nil {
			conns[url] = r.conn
		}
	}
	p.mu.Unlock()
	if len(conns) == 0 {
		return ErrNoRelay
	}
	sane := library.ValidateSaneExecutionTime()
	defer sane()
	var wg sync.WaitGroup
	errs := make(chan error, len(conns))
	for url, conn := range conns {
		wg.Add(1)
		go func(url string, conn Conn) {
			defer wg.Done()
			if err := conn.Publish(ctx, event); err != nil {
				library.LogCLI(fmt.Sprintf("could not publish %s to %s: %s", event.ID, url, err), 3)
				errs <- err
			}
		}(url, conn)
	}
	wg.Wait()
	close(errs)
	if len(errs) < len(conns) {
		return nil
	}
	return fmt.Errorf("%w: publish %s failed on all %d relays: %s", library.ErrTransport, event.ID, len(conns), <-errs)
}

// Watch returns the current status of every relay followed by every later change, until ctx is done or the pool
// is closed. Call it again for a fresh replay.
func (p *Pool) Watch(ctx context.Context) <-chan StatusChange {
	w := newWatcher()
	out := make(chan StatusChange)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(out)
		return out
	}
	urls := maps.Keys(p.relays)
	slices.Sort(urls)
	now := time.Now()
	for _, url := range urls {
		w.push(StatusChange{URL: url, Status: p.relays[url].status, At: now})
	}
	p.watchers[w] = struct{}{}
	p.mu.Unlock()
	go func() {
		defer close(out)
		defer p.removeWatcher(w)
		for {
			c, ok, closed := w.next()
			if ok {
				select {
				case out <- c:
					continue
				case <-ctx.Done():
					return
				}
			}
			if closed {
				return
			}
			select {
			case <-w.signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close terminates every relay and ends all watches.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, r := range p.relays {
		p.setLocked(r, Terminated)
		if r.cancel != nil {
			r.cancel()
		}
	}
	for w := range p.watchers {
		w.close()
	}
	for _, s := range p.subs {
		s.stop()
	}
	p.subs = make(map[int]*Subscription)
	p.mu.Unlock()
	p.cancel()
}

func (p *Pool) removeWatcher(w *watcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watchers, w)
}

func (p *Pool) transition(r *relay, to Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setLocked(r, to)
}

// setLocked must be called with p.mu held so that watchers see changes in the order they happened.
func (p *Pool) setLocked(r *relay, to Status) bool {
	if !r.status.CanTransition(to) {
		return false
	}
	r.status = to
	p.broadcast(r)
	return true
}

func (p *Pool) broadcast(r *relay) {
	c := StatusChange{URL: r.url, Status: r.status, At: time.Now()}
	for w := range p.watchers {
		w.push(c)
	}
}

func (p *Pool) run(ctx context.Context, r *relay) {
	for {
		select {
		case <-r.suspend:
		default:
		}
		if !p.transition(r, Connecting) {
			return
		}
		conn, err := p.dialer.Dial(ctx, r.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			library.LogCLI(fmt.Sprintf("could not connect to relay %s: %s", r.url, err), 3)
			if !p.transition(r, Disconnected) || !p.backoff(ctx, r) {
				return
			}
			continue
		}
		p.mu.Lock()
		if ctx.Err() != nil || !p.setLocked(r, Connected) {
			p.mu.Unlock()
			conn.Close()
			return
		}
		r.conn = conn
		r.attempts = 0
		p.mu.Unlock()
		library.LogCLI("Connected to "+r.url, 4)

		p.serve(ctx, r, conn)

		p.mu.Lock()
		r.conn = nil
		p.mu.Unlock()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		library.LogCLI("Terminating connection to relay "+r.url, 3)
		if !p.transition(r, Disconnected) || !p.backoff(ctx, r) {
			return
		}
	}
}

func (p *Pool) backoff(ctx context.Context, r *relay) bool {
	p.mu.Lock()
	d := p.opts.ReconnectMin << r.attempts
	if d <= 0 || d > p.opts.ReconnectMax {
		d = p.opts.ReconnectMax
	}
	if r.attempts < 32 {
		r.attempts++
	}
	p.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve runs the subscriptions of one connection and returns once the connection should be dropped.
func (p *Pool) serve(ctx context.Context, r *relay, conn Conn) {
	active := make(map[int]context.CancelFunc)
	defer func() {
		for _, cancel := range active {
			cancel()
		}
	}()
	dropped := make(chan struct{}, 1)
	activity := make(chan struct{}, 1)
	reconcile := func() bool {
		p.mu.Lock()
		subs := make(map[int]*Subscription, len(p.subs))
		for id, s := range p.subs {
			subs[id] = s
		}
		p.mu.Unlock()
		for id, s := range subs {
			if _, ok := active[id]; ok {
				continue
			}
			subCtx, cancel := context.WithCancel(ctx)
			events, err := conn.Subscribe(subCtx, s.filters)
			if err != nil {
				cancel()
				library.LogCLI(fmt.Sprintf("could not subscribe on %s: %s", r.url, err), 2)
				return false
			}
			active[id] = cancel
			go forward(subCtx, s, events, dropped, activity)
		}
		for id, cancel := range active {
			if _, ok := subs[id]; !ok {
				cancel()
				delete(active, id)
			}
		}
		return true
	}
	if !reconcile() {
		return
	}
	for {
		var idle <-chan time.Time
		if p.opts.IdleTimeout > 0 {
			idle = time.After(p.opts.IdleTimeout)
		}
		select {
		case <-ctx.Done():
			return
		case <-dropped:
			return
		case <-r.suspend:
			library.LogCLI("system sleep detected, dropping "+r.url, 3)
			return
		case <-r.changed:
			if !reconcile() {
				return
			}
		case <-activity:
		case <-idle:
			library.LogCLI("nothing received from "+r.url+" for "+p.opts.IdleTimeout.String(), 3)
			return
		}
	}
}

func forward(ctx context.Context, s *Subscription, events <-chan *nostr.Event, dropped, activity chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok || ev == nil {
				if ctx.Err() == nil {
					signal(dropped)
				}
				return
			}
			signal(activity)
			s.deliver(ctx, *ev)
		}
	}
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
