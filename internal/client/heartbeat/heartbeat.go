// Package heartbeat keeps a realtime connection honest: periodic pings with
// random nonces, latency tracking, and a forced reconnect when the server
// stops answering.
package heartbeat

import (
	"math/rand"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

const (
	// NominalInterval is the ping cadence on a healthy link.
	NominalInterval = 10 * time.Second
	// CongestedInterval widens the cadence when latency is already high, so
	// liveness probing doesn't compound congestion.
	CongestedInterval = 25 * time.Second
	// PingTimeout is how long a ping may stay unanswered before the link is
	// declared dead.
	PingTimeout = 30 * time.Second

	latencyThreshold = 2 * time.Second
	latencyWindow    = 10
)

// Transport is the slice of the protocol client the service drives.
type Transport interface {
	SendPing(nonce uint64) error
	ForceReconnect(reason string)
}

// Service runs one cooperative ping loop per connection.
type Service struct {
	transport Transport
	now       func() time.Time
	newNonce  func() uint64

	mu      sync.Mutex
	pending map[uint64]time.Time
	avg     *movingaverage.MovingAverage
	samples int
	stop    chan struct{}
	running bool
}

// New creates a stopped service.
func New(transport Transport) *Service {
	return &Service{
		transport: transport,
		now:       time.Now,
		newNonce:  rand.Uint64,
		pending:   make(map[uint64]time.Time),
		avg:       movingaverage.New(latencyWindow),
	}
}

// Start launches the ping loop. Starting a running service is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.loop(s.stop)
}

// Stop halts the loop and drops all outstanding nonces, so a late pong from
// the old connection can't be mistaken for a fresh sample.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	s.pending = make(map[uint64]time.Time)
}

// OnPong records the latency sample for a known nonce. Stale or duplicate
// nonces are ignored.
func (s *Service) OnPong(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent, ok := s.pending[nonce]
	if !ok {
		return
	}
	delete(s.pending, nonce)
	s.avg.Add(s.now().Sub(sent).Seconds())
	s.samples++
}

func (s *Service) loop(stop chan struct{}) {
	for {
		timer := time.NewTimer(s.interval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.hasTimedOutPing() {
			s.transport.ForceReconnect("ping timeout")
			return
		}
		s.sendPing()
	}
}

// interval adapts the cadence to observed latency.
func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples > 0 && s.avg.Avg() > latencyThreshold.Seconds() {
		return CongestedInterval
	}
	return NominalInterval
}

func (s *Service) hasTimedOutPing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, sent := range s.pending {
		if now.Sub(sent) > PingTimeout {
			return true
		}
	}
	return false
}

func (s *Service) sendPing() {
	nonce := s.newNonce()
	s.mu.Lock()
	s.pending[nonce] = s.now()
	s.mu.Unlock()

	if err := s.transport.SendPing(nonce); err != nil {
		s.mu.Lock()
		delete(s.pending, nonce)
		s.mu.Unlock()
	}
}
