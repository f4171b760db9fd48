package remoting

import (
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRemoting/lib/util"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
)

// connectionProvider gives the address selector access to the connection pool
type connectionProvider interface {
	// healthyConnection returns a connection if the address already has a healthy pool entry
	healthyConnection(addr string) transport.IConnection
	// createConnection returns a connection to addr, creating it if needed (nil on failure)
	createConnection(addr string) transport.IConnection
}

// addressSelector keeps the name server addresses and the currently chosen one.
// Failover rotates through the shuffled list starting at an ever increasing index,
// so over repeated failures every address is tried.
type addressSelector struct {
	addrs  atomic.Pointer[[]string]
	chosen atomic.Pointer[string]
	index  atomic.Uint32

	lock        timedLock
	lockTimeout time.Duration

	// guards rng and serializes updates
	updateMu sync.Mutex
	rng      *rand.Rand
}

func newAddressSelector(lockTimeout time.Duration) *addressSelector {
	s := &addressSelector{
		lock:        newTimedLock(),
		lockTimeout: lockTimeout,
		rng:         rand.New(rand.NewPCG(util.GenerateSeed(), util.GenerateSeed())),
	}
	s.addrs.Store(&[]string{})
	s.index.Store(uint32(s.rng.IntN(999)))
	return s
}

// update replaces the address list if it differs from the current one in its members (order is ignored).
// Returns whether the list was replaced.
func (s *addressSelector) update(addrs []string) bool {
	if len(addrs) == 0 {
		return false
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	old := s.list()
	changed := len(addrs) != len(old)
	for i := 0; i < len(addrs) && !changed; i++ {
		changed = !slices.Contains(old, addrs[i])
	}
	if !changed {
		return false
	}

	shuffled := slices.Clone(addrs)
	s.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	s.addrs.Store(&shuffled)
	Logger.Infof("Name server address list updated: %v -> %v", old, shuffled)
	return true
}

// list returns the current (shuffled) address list. The returned slice must not be modified.
func (s *addressSelector) list() []string {
	return *s.addrs.Load()
}

// chosenAddr returns the currently chosen address ("" if none)
func (s *addressSelector) chosenAddr() string {
	if p := s.chosen.Load(); p != nil {
		return *p
	}
	return ""
}

// resolve returns a connection to a name server. The chosen address is kept as long as
// its pool entry is healthy, otherwise the next reachable address becomes the chosen one.
func (s *addressSelector) resolve(p connectionProvider) transport.IConnection {
	if addr := s.chosenAddr(); addr != "" {
		if conn := p.healthyConnection(addr); conn != nil {
			return conn
		}
	}

	if !s.lock.lock(s.lockTimeout) {
		Logger.Warningf("Timeout acquiring the name server lock after %s", s.lockTimeout)
		return nil
	}
	defer s.lock.unlock()

	// another caller may have chosen a new address meanwhile
	if addr := s.chosenAddr(); addr != "" {
		if conn := p.healthyConnection(addr); conn != nil {
			return conn
		}
	}

	addrs := s.list()
	for range addrs {
		i := s.index.Add(1)
		addr := addrs[int(i%uint32(len(addrs)))]
		if conn := p.createConnection(addr); conn != nil {
			if old := s.chosenAddr(); old != addr {
				Logger.Infof("Name server address changed: %q -> %q", old, addr)
			}
			s.chosen.Store(&addr)
			return conn
		}
	}

	if len(addrs) > 0 {
		Logger.Warningf("No name server of %v is reachable", addrs)
	}
	return nil
}
