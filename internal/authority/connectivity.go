package authority

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultDialTimeout  = 5 * time.Second
)

// Pinger is the HTTP fallback probe used when the websocket channel is not
// available.
type Pinger interface {
	Ping(ctx context.Context) error
}

type MonitorOptions struct {
	// BaseURL is the authority's HTTP base; the websocket endpoint is derived
	// from it.
	BaseURL      string
	Pinger       Pinger
	PollInterval time.Duration
	Logger       *log.Logger
}

// Monitor tracks authority reachability. It prefers a long-lived websocket
// (online while connected, offline the moment the read fails) and falls back
// to periodic HTTP pings when the socket cannot be established. Subscribers
// are notified on transitions only.
type Monitor struct {
	wsURL        string
	pinger       Pinger
	pollInterval time.Duration
	logger       *log.Logger

	mu      sync.Mutex
	online  bool
	nextSub int
	subs    map[int]func(online bool)

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewMonitor(opts MonitorOptions) *Monitor {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		wsURL:        websocketURL(opts.BaseURL),
		pinger:       opts.Pinger,
		pollInterval: pollInterval,
		logger:       logger,
		subs:         map[int]func(bool){},
		closed:       make(chan struct{}),
	}
}

func websocketURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL + "/v1/sync/events"
}

// Start launches the watch loop. Call Close to stop it.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch()
	}()
}

func (m *Monitor) watch() {
	for {
		select {
		case <-m.closed:
			return
		default:
		}

		if m.holdWebsocket() {
			continue
		}

		// No websocket; fall back to a ping before the next attempt.
		if m.pinger != nil {
			ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
			err := m.pinger.Ping(ctx)
			cancel()
			m.setOnline(err == nil)
		} else {
			m.setOnline(false)
		}

		select {
		case <-m.closed:
			return
		case <-time.After(m.pollInterval):
		}
	}
}

// holdWebsocket dials the event socket and, on success, blocks until the
// connection drops. Returns false when the dial itself failed.
func (m *Monitor) holdWebsocket() bool {
	dialCtx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, m.wsURL, nil)
	cancel()
	if err != nil {
		return false
	}
	m.setOnline(true)

	readCtx, cancelRead := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	select {
	case <-m.closed:
		cancelRead()
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
		<-done
		return true
	case <-done:
		cancelRead()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		m.logger.Printf("connectivity: event socket dropped")
		m.setOnline(false)
		return true
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a transition listener and returns its cancel func. The
// listener is invoked from the monitor's goroutine and must not block.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if online {
		m.logger.Printf("connectivity: online")
	} else {
		m.logger.Printf("connectivity: offline")
	}
	for _, fn := range listeners {
		fn(online)
	}
}

func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	m.wg.Wait()
	return nil
}
