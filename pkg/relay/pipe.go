package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pipe forwards messages between a paired listener and connector.
type pipe struct {
	s        *Server
	a, b     *endpoint
	deadline time.Time
	once     sync.Once
}

func (p *pipe) forward(from, to *endpoint) {
	defer p.s.wg.Done()
	defer p.finish()

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	n := 0
	for {
		select {
		case <-timer.C:
			p.shutdown(ClosePipeTimeout, "Pipe Timeout")
			return
		case <-from.done:
			return
		case f, ok := <-from.frames:
			if !ok {
				return
			}
			if f.err != nil {
				p.readFailed(from, to, f.err)
				return
			}
			if err := to.write(f, p.deadline); err != nil {
				p.s.logger.WithField("handle", from.handle).Debugf("relay: write to %s: %v", to.role, err)
				p.failed()
				return
			}
			p.s.metrics.Forwarded.Inc()
			// Each side may send MaxMessages; the last one is delivered before the close.
			if n++; n >= p.s.opts.MaxMessages {
				p.shutdown(CloseTooManyMessages, "Too Many Messages")
				return
			}
		}
	}
}

func (p *pipe) readFailed(from, to *endpoint, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		// The close frame was already echoed by the default close handler.
		from.close(websocket.CloseNormalClosure, "")
		if to.close(websocket.CloseNormalClosure, "Normal Closure") {
			p.s.metrics.closed(websocket.CloseNormalClosure)
		}
		return
	}
	p.s.logger.WithField("handle", from.handle).Debugf("relay: read from %s: %v", from.role, err)
	p.failed()
}

// failed closes the pipe after an I/O error, distinguishing an expired deadline.
func (p *pipe) failed() {
	if !time.Now().Before(p.deadline) {
		p.shutdown(ClosePipeTimeout, "Pipe Timeout")
		return
	}
	p.shutdown(websocket.CloseInternalServerErr, "Internal Error")
}

func (p *pipe) shutdown(code int, text string) {
	for _, ep := range []*endpoint{p.a, p.b} {
		if ep.close(code, text) {
			p.s.metrics.closed(code)
		}
	}
}

func (p *pipe) finish() {
	p.once.Do(func() {
		p.s.mu.Lock()
		delete(p.s.active, p.a)
		delete(p.s.active, p.b)
		p.s.mu.Unlock()
		p.s.metrics.ActivePipes.Dec()
		p.s.logger.WithField("handle", p.a.handle).Debug("relay: pipe finished")
	})
}
