// ABOUTME: Shared service scans on top of the discovery engine
// ABOUTME: Many subscribers share one browse, late subscribers get the current set replayed
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
)

const (
	// DefaultTimeout bounds one shared scan
	DefaultTimeout = 3 * time.Second

	// DefaultRetryDelay is the pause before a failed browse is retried
	DefaultRetryDelay = 2 * time.Second
)

// Config holds discovery configuration
type Config struct {
	// ServiceType to scan for. Defaults to service type enumeration.
	ServiceType string

	// Timeout ends a scan. Negative means scan until the last subscriber leaves.
	Timeout time.Duration

	// Retries is how often a failed browse is restarted before subscribers
	// see the error
	Retries    int
	RetryDelay time.Duration

	// AutoRename retries advertisement under NextName on a name conflict
	AutoRename bool
	MaxRenames int
}

// Manager shares scans between subscribers and advertises services
type Manager struct {
	config Config
	engine *dnssd.Engine
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	scan *scan
}

// NewManager creates a discovery manager
func NewManager(engine *dnssd.Engine, config Config) *Manager {
	if config.ServiceType == "" {
		config.ServiceType = mdnsd.ServiceTypeEnumeration
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.MaxRenames <= 0 {
		config.MaxRenames = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config: config,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe joins the running scan or starts a new one. Records already
// known to the scan are delivered first.
func (m *Manager) Subscribe() (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ctx.Err(); err != nil {
		return nil, fmt.Errorf("discovery manager stopped: %w", err)
	}

	if m.scan == nil || m.scan.isEnded() {
		s := newScan(m)
		browser, err := m.engine.BrowseServices(s.ctx, m.config.ServiceType)
		if err != nil {
			s.cancel()
			return nil, err
		}
		m.scan = s
		go s.run(browser)
		log.Printf("Scan for %s started", m.config.ServiceType)
	} else {
		log.Printf("Joining scan for %s in progress", m.config.ServiceType)
	}

	return m.scan.subscribe(), nil
}

// Services returns the records currently known to the running scan
func (m *Manager) Services() []dnssd.ServiceRecord {
	m.mu.Lock()
	s := m.scan
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.snapshot()
}

// Advertise registers rec and waits for the outcome. With AutoRename a
// conflicting name is retried as "Name (2)", "Name (3)" and so on.
func (m *Manager) Advertise(ctx context.Context, rec dnssd.ServiceRecord) (*dnssd.Registration, error) {
	for attempt := 0; ; attempt++ {
		reg, err := m.engine.RegisterService(m.ctx, rec)
		if err != nil {
			return nil, err
		}

		var ev dnssd.RegistrationEvent
		select {
		case ev = <-reg.Events():
		case <-ctx.Done():
			reg.Cancel()
			return nil, ctx.Err()
		}

		switch ev.Kind {
		case dnssd.Registered:
			log.Printf("Advertising %q (type: %s, port: %d)", ev.Name, rec.RegType, rec.Port)
			return reg, nil

		case dnssd.NameConflict:
			reg.Cancel()
			if !m.config.AutoRename || attempt >= m.config.MaxRenames {
				return nil, fmt.Errorf("advertise %q: %w", rec.Name, ev.Err)
			}
			next := dnssd.NextName(rec.Name)
			log.Printf("Name %q taken, trying %q", rec.Name, next)
			rec.Name = next

		default:
			reg.Cancel()
			return nil, fmt.Errorf("advertise %q: %w", rec.Name, ev.Err)
		}
	}
}

// Stop ends the running scan and every advertisement made through m
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	s := m.scan
	m.mu.Unlock()

	if s != nil {
		s.cancel()
		<-s.done
	}
}

// scan is one shared browse and its subscribers
type scan struct {
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.Mutex
	known map[dnssd.ServiceKey]dnssd.ServiceRecord
	subs  map[*Subscription]struct{}
	ended bool
	err   error
}

func newScan(m *Manager) *scan {
	var ctx context.Context
	var cancel context.CancelFunc
	if m.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, m.config.Timeout)
	} else {
		ctx, cancel = context.WithCancel(m.ctx)
	}

	return &scan{
		manager: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		known:   make(map[dnssd.ServiceKey]dnssd.ServiceRecord),
		subs:    make(map[*Subscription]struct{}),
	}
}

func (s *scan) run(browser *dnssd.ServiceBrowser) {
	defer close(s.done)
	defer s.cancel()

	cfg := s.manager.config
	var err error

	for attempt := 0; ; attempt++ {
		for rec := range browser.Records() {
			s.publish(rec)
		}

		err = browser.Err()
		if err == nil || s.ctx.Err() != nil || attempt >= cfg.Retries {
			break
		}

		log.Printf("Scan for %s failed (attempt %d/%d), retrying in %v: %v", cfg.ServiceType, attempt+1, cfg.Retries+1, cfg.RetryDelay, err)
		select {
		case <-time.After(cfg.RetryDelay):
		case <-s.ctx.Done():
			err = nil
		}
		if err == nil {
			break
		}

		browser, err = s.manager.engine.BrowseServices(s.ctx, cfg.ServiceType)
		if err != nil {
			break
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if err != nil {
		log.Printf("Scan for %s ended: %v", cfg.ServiceType, err)
	} else {
		log.Printf("Scan for %s finished", cfg.ServiceType)
	}
	s.finish(err)
}

func (s *scan) publish(rec dnssd.ServiceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Lost() {
		delete(s.known, rec.Key())
	} else {
		s.known[rec.Key()] = rec
	}

	for sub := range s.subs {
		sub.box.put(rec)
	}
}

func (s *scan) subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{scan: s, box: newMailbox()}
	for _, rec := range s.known {
		sub.box.put(rec)
	}

	if s.ended {
		sub.box.close(s.err)
	} else {
		s.subs[sub] = struct{}{}
		log.Printf("Scan subscriber +1 -> %d", len(s.subs))
	}

	go sub.box.run()
	return sub
}

func (s *scan) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, sub)
	left := len(s.subs)
	s.mu.Unlock()

	log.Printf("Scan subscriber -1 -> %d", left)
	if left == 0 {
		s.cancel()
	}
}

func (s *scan) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ended = true
	s.err = err
	for sub := range s.subs {
		sub.box.close(err)
	}
	s.subs = make(map[*Subscription]struct{})
}

func (s *scan) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended || s.ctx.Err() != nil
}

func (s *scan) snapshot() []dnssd.ServiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]dnssd.ServiceRecord, 0, len(s.known))
	for _, rec := range s.known {
		out = append(out, rec)
	}
	return out
}

// Subscription is one subscriber's view of a shared scan
type Subscription struct {
	scan *scan
	box  *mailbox
	once sync.Once
}

// Records delivers the replayed and live records. It closes when the scan
// ends or Close is called.
func (sub *Subscription) Records() <-chan dnssd.ServiceRecord {
	return sub.box.out
}

// Err reports why the scan ended, once Records is closed
func (sub *Subscription) Err() error {
	return sub.box.error()
}

// Close leaves the scan. The last subscriber to leave stops it.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.scan.unsubscribe(sub)
		sub.box.stop()
	})
}
