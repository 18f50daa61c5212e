// Package relay implements the rendezvous server signaller clients talk to: a listener parks
// on /listen/{handle}, a connector joins it on /connect/{handle}, and messages are piped
// between the two until either side closes or a limit is hit.
package relay

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"signaller/internal/app/leases"
	"signaller/pkg/handle"
)

// Application close codes.
const (
	CloseListenTimeout   = 4000
	ClosePipeTimeout     = 4001
	CloseTooManyMessages = 4002
)

// CleanupInterval is the period of the sweep that closes expired listeners.
const CleanupInterval = 5 * time.Second

const (
	defaultListenDeadline = 60 * time.Second
	defaultPipeDeadline   = 10 * time.Second
	defaultMaxMessageSize = 1024
	defaultMaxMessages    = 8
	leaseTimeout          = 3 * time.Second
)

// Options configures a Server.
type Options struct {
	Logger   logrus.FieldLogger
	Upgrader *websocket.Upgrader
	// OriginPattern, if set, must match the Origin header of browser requests.
	OriginPattern *regexp.Regexp
	// ListenDeadline is how long a listener may wait for a connector.
	ListenDeadline time.Duration
	// PipeDeadline bounds the whole exchange once both sides are paired.
	PipeDeadline time.Duration
	// MaxMessageSize is the read limit per message, in bytes.
	MaxMessageSize int64
	// MaxMessages is how many messages each side may send through a pipe.
	MaxMessages int
	// Leases is an optional registry shared by relay instances so that only one of them
	// parks a listener on a given handle.
	Leases     leases.Store
	InstanceID string
	Metrics     *Metrics
}

type pendingEntry struct {
	ep       *endpoint
	deadline time.Time
}

// Server pairs listeners and connectors by handle.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger
	metrics  *Metrics

	mu      sync.Mutex
	pending map[string]*pendingEntry
	active  map[*endpoint]struct{}
	wg      sync.WaitGroup
}

// NewServer builds a relay Server with the provided options.
func NewServer(opts Options) *Server {
	if opts.ListenDeadline <= 0 {
		opts.ListenDeadline = defaultListenDeadline
	}
	if opts.PipeDeadline <= 0 {
		opts.PipeDeadline = defaultPipeDeadline
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = defaultMaxMessages
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}

	upgrader := websocket.Upgrader{}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	if opts.OriginPattern != nil {
		re := opts.OriginPattern
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin.
			return origin == "" || re.MatchString(origin)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Server{
		opts:     opts,
		upgrader: upgrader,
		logger:   logger.WithField("relay", opts.InstanceID),
		metrics:  metrics,
		pending:  make(map[string]*pendingEntry),
		active:   make(map[*endpoint]struct{}),
	}
}

// Handler routes /listen/{handle} and /connect/{handle}. Malformed handles are 404.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/listen/{handle:"+handle.Pattern+"}", s.listen).Methods(http.MethodGet)
	r.HandleFunc("/connect/{handle:"+handle.Pattern+"}", s.connect).Methods(http.MethodGet)
	return r
}

// Run sweeps expired listeners every CleanupInterval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

// Pending reports how many listeners are waiting for a connector.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.pending {
		if e.ep != nil {
			n++
		}
	}
	return n
}

// Close drops every pending and paired connection with a going-away close and waits for
// the pipes to finish.
func (s *Server) Close() {
	s.mu.Lock()
	var eps []*endpoint
	var handles []string
	for h, e := range s.pending {
		if e.ep != nil {
			eps = append(eps, e.ep)
			handles = append(handles, h)
			delete(s.pending, h)
			s.metrics.PendingListeners.Dec()
		}
	}
	for ep := range s.active {
		eps = append(eps, ep)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.releaseLease(h)
	}
	for _, ep := range eps {
		if ep.close(websocket.CloseGoingAway, "Going Away") {
			s.metrics.closed(websocket.CloseGoingAway)
		}
	}
	s.wg.Wait()
}

func (s *Server) expire(now time.Time) {
	s.mu.Lock()
	var expired []*endpoint
	for h, e := range s.pending {
		if e.ep != nil && e.deadline.Before(now) {
			expired = append(expired, e.ep)
			delete(s.pending, h)
		}
	}
	s.mu.Unlock()

	for _, ep := range expired {
		s.logger.WithField("handle", ep.handle).Info("relay: listen timeout")
		s.metrics.PendingListeners.Dec()
		s.releaseLease(ep.handle)
		if ep.close(CloseListenTimeout, "Listen Timeout") {
			s.metrics.closed(CloseListenTimeout)
		}
	}
}

func (s *Server) listen(w http.ResponseWriter, r *http.Request) {
	h := mux.Vars(r)["handle"]
	log := s.logger.WithFields(logrus.Fields{"handle": h, "remote": r.RemoteAddr})

	// Reserve the handle before doing any I/O so a concurrent listen gets a conflict.
	s.mu.Lock()
	if _, exists := s.pending[h]; exists {
		s.mu.Unlock()
		s.reject(w, http.StatusConflict, "conflict")
		return
	}
	s.pending[h] = &pendingEntry{}
	s.mu.Unlock()

	if s.opts.Leases != nil {
		ctx, cancel := context.WithTimeout(r.Context(), leaseTimeout)
		err := s.opts.Leases.Acquire(ctx, h, s.opts.InstanceID, s.opts.ListenDeadline+CleanupInterval)
		cancel()
		if err != nil {
			s.unreserve(h)
			if errors.Is(err, leases.ErrTaken) {
				s.reject(w, http.StatusConflict, "conflict")
				return
			}
			log.Errorf("relay: lease acquire: %v", err)
			s.reject(w, http.StatusServiceUnavailable, "lease_error")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("relay: listen upgrade: %v", err)
		s.unreserve(h)
		s.releaseLease(h)
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageSize)

	ep := newEndpoint(uuid.NewString(), h, "listen", conn, s.opts.MaxMessages)
	s.mu.Lock()
	s.pending[h] = &pendingEntry{ep: ep, deadline: time.Now().Add(s.opts.ListenDeadline)}
	s.mu.Unlock()
	s.metrics.PendingListeners.Inc()
	log.Info("relay: listening")

	go ep.read(s.listenerGone, s.listenerOverflow)
}

// listenerGone drops a pending listener whose connection failed before it was paired.
func (s *Server) listenerGone(ep *endpoint, err error) {
	if !s.takePending(ep) {
		return
	}
	s.logger.WithField("handle", ep.handle).Debugf("relay: listener gone: %v", err)
	s.dropListener(ep, websocket.CloseNormalClosure, "")
}

// listenerOverflow rejects a pending listener that sent more messages than a pipe would
// forward. A listener that is already being paired is left to the pipe.
func (s *Server) listenerOverflow(ep *endpoint) bool {
	if !s.takePending(ep) {
		return false
	}
	s.logger.WithField("handle", ep.handle).Info("relay: too many messages while listening")
	if s.dropListener(ep, CloseTooManyMessages, "Too Many Messages") {
		s.metrics.closed(CloseTooManyMessages)
	}
	return true
}

// takePending removes ep from the pending table if it is still parked there.
func (s *Server) takePending(ep *endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[ep.handle]
	if !ok || e.ep != ep {
		return false
	}
	delete(s.pending, ep.handle)
	return true
}

// dropListener cleans up after a listener that was taken out of the pending table.
func (s *Server) dropListener(ep *endpoint, code int, text string) bool {
	s.metrics.PendingListeners.Dec()
	s.releaseLease(ep.handle)
	return ep.close(code, text)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	h := mux.Vars(r)["handle"]
	log := s.logger.WithFields(logrus.Fields{"handle": h, "remote": r.RemoteAddr})

	s.mu.Lock()
	entry, exists := s.pending[h]
	if !exists || entry.ep == nil {
		s.mu.Unlock()
		s.reject(w, http.StatusNotFound, "not_found")
		return
	}
	// Take the listener out so another connector cannot race us while we upgrade.
	delete(s.pending, h)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("relay: connect upgrade: %v", err)
		s.restore(h, entry)
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageSize)
	s.metrics.PendingListeners.Dec()
	s.releaseLease(h)

	listener := entry.ep
	connector := newEndpoint(uuid.NewString(), h, "connect", conn, s.opts.MaxMessages)
	go connector.read(nil, nil)

	// The deadline covers the whole pipe, both directions.
	deadline := time.Now().Add(s.opts.PipeDeadline)
	for _, ep := range []*endpoint{listener, connector} {
		_ = ep.conn.SetReadDeadline(deadline)
		_ = ep.conn.SetWriteDeadline(deadline)
	}

	s.mu.Lock()
	s.active[listener] = struct{}{}
	s.active[connector] = struct{}{}
	s.mu.Unlock()
	s.metrics.PipesOpened.Inc()
	s.metrics.ActivePipes.Inc()
	log.WithFields(logrus.Fields{"listener": listener.id, "connector": connector.id}).Info("relay: paired")

	p := &pipe{s: s, a: listener, b: connector, deadline: deadline}
	s.wg.Add(2)
	go p.forward(listener, connector)
	go p.forward(connector, listener)
}

// restore parks a listener again after its connector failed to upgrade. A listener whose
// socket died in the meantime missed listenerGone, so it is dropped here instead.
func (s *Server) restore(h string, entry *pendingEntry) {
	ep := entry.ep
	s.mu.Lock()
	_, taken := s.pending[h]
	gone := ep.gone.Load() || ep.closed()
	if !taken && !gone {
		s.pending[h] = entry
	}
	s.mu.Unlock()

	switch {
	case taken:
		// A new listener reused the handle and now holds its lease.
		s.metrics.PendingListeners.Dec()
		ep.close(websocket.CloseNormalClosure, "")
	case gone:
		s.logger.WithField("handle", h).Debug("relay: listener gone while pairing")
		s.dropListener(ep, websocket.CloseNormalClosure, "")
	}
}

func (s *Server) unreserve(h string) {
	s.mu.Lock()
	if e, ok := s.pending[h]; ok && e.ep == nil {
		delete(s.pending, h)
	}
	s.mu.Unlock()
}

func (s *Server) releaseLease(h string) {
	if s.opts.Leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaseTimeout)
	defer cancel()
	if err := s.opts.Leases.Release(ctx, h, s.opts.InstanceID); err != nil {
		s.logger.WithField("handle", h).Warnf("relay: lease release: %v", err)
	}
}

func (s *Server) reject(w http.ResponseWriter, status int, reason string) {
	s.metrics.Rejected.WithLabelValues(reason).Inc()
	http.Error(w, http.StatusText(status), status)
}
