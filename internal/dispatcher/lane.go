package dispatcher

import (
	"runtime/debug"
	"sync"

	"carelink/internal/observability"
)

// lane serializes work on one room. mu is held for every append and status
// change; queued turns run one at a time in arrival order.
type lane struct {
	mu sync.Mutex

	qmu     sync.Mutex
	queue   []func()
	running bool
}

// enqueue adds a turn and starts a drainer if none is running.
func (l *lane) enqueue(turn func(), wg *sync.WaitGroup) {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	l.queue = append(l.queue, turn)
	if l.running {
		return
	}
	l.running = true
	wg.Add(1)
	go l.drain(wg)
}

func (l *lane) drain(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		l.qmu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.qmu.Unlock()
			return
		}
		turn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.qmu.Unlock()

		runTurn(turn)
	}
}

func runTurn(turn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.Logger.Error("panic in room lane", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	turn()
}
