package coord

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Coordination files inside the cache directory.
const (
	LockFileName = "coordinator.lock"
	PidFileName  = "coordinator.pid"
	SockFileName = "coordinator.sock"
)

// Timeouts.
const (
	connectTimeout = 2 * time.Second

	// DefaultWriteTimeout bounds how long a slave waits for the master to
	// persist an entry before falling back to memory-only.
	DefaultWriteTimeout = 5 * time.Second
)

// Role is the coordinator's current mode.
type Role int

const (
	// RoleStandalone means no IPC: this process acts as the only writer.
	RoleStandalone Role = iota
	// RoleMaster owns the flock and services slave write requests.
	RoleMaster
	// RoleSlave forwards persistence to the master.
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return "standalone"
	}
}

// ErrWriteTimeout is returned when the master does not answer in time.
var ErrWriteTimeout = errors.New("coord: write request timed out")

// ErrNotSlave is returned from RequestWrite outside slave mode.
var ErrNotSlave = errors.New("coord: not connected to a master")

// Callbacks connect the coordinator to the cache engine.  They are invoked
// from the coordinator's goroutines; the engine guards its state with its
// coordinator mutex.  The coordinator holds only a borrowed reference to the
// engine: the engine stops the coordinator before tearing itself down.
type Callbacks struct {
	// OnIndexUpdate merges master-announced entries into the local index
	// (slave side).
	OnIndexUpdate func(entries []WireIndexEntry)

	// OnWriteRequest persists a slave's payload (master side) and returns
	// the entry with its assigned shard location.
	OnWriteRequest func(entry WireIndexEntry, payload []byte) (WireIndexEntry, error)

	// OnPromoted runs after a slave wins a re-election, before it serves
	// any write request.  The engine re-reads index.dat here.
	OnPromoted func()
}

// Stats is a snapshot of coordinator state.
type Stats struct {
	Role            Role
	ConnectedSlaves int
	WritesServed    uint64
	WritesForwarded uint64
	IndexUpdatesRx  uint64
	Reelections     uint64
}

type masterConn struct {
	conn net.Conn
	wmu  sync.Mutex // serialises frames to this slave
}

func (mc *masterConn) send(msgType uint8, payload []byte) error {
	mc.wmu.Lock()
	defer mc.wmu.Unlock()
	return writeFrame(mc.conn, msgType, payload)
}

// Coordinator implements master/slave election and IPC over one cache
// directory.  Safe for concurrent use.
type Coordinator struct {
	dir          string
	log          *zap.Logger
	cb           Callbacks
	writeTimeout time.Duration

	mu       sync.Mutex
	role     Role
	lockFile *os.File
	listener *net.UnixListener
	slaves   map[*masterConn]struct{}

	// Slave side.
	masterSock net.Conn
	reqMu      sync.Mutex // one outstanding WRITE_REQUEST at a time
	respCh     chan []byte

	group   *errgroup.Group
	stopped bool

	writesServed    uint64
	writesForwarded uint64
	indexUpdatesRx  uint64
	reelections     uint64
}

// New builds a coordinator for the given cache directory.
func New(dir string, cb Callbacks, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		dir:          dir,
		log:          logger.With(zap.String("component", "coordinator")),
		cb:           cb,
		writeTimeout: DefaultWriteTimeout,
		role:         RoleStandalone,
		slaves:       make(map[*masterConn]struct{}),
		group:        &errgroup.Group{},
	}
}

// SetWriteTimeout overrides the slave write-request timeout.
func (c *Coordinator) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

func (c *Coordinator) lockPath() string { return filepath.Join(c.dir, LockFileName) }
func (c *Coordinator) pidPath() string  { return filepath.Join(c.dir, PidFileName) }
func (c *Coordinator) sockPath() string { return filepath.Join(c.dir, SockFileName) }

// Role returns the current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// GetStats snapshots coordinator counters.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Role:            c.role,
		ConnectedSlaves: len(c.slaves),
		WritesServed:    c.writesServed,
		WritesForwarded: c.writesForwarded,
		IndexUpdatesRx:  c.indexUpdatesRx,
		Reelections:     c.reelections,
	}
}

// Start elects a role.  It never fails hard: any IPC setup problem degrades
// to standalone, where correctness relies on this being the only writer.
func (c *Coordinator) Start() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return c.role
	}
	c.elect()
	return c.role
}

// elect runs under c.mu.
func (c *Coordinator) elect() {
	won, err := c.tryLock()
	if err != nil {
		c.log.Warn("coordination unavailable, running standalone", zap.Error(err))
		c.role = RoleStandalone
		return
	}
	if won {
		if err := c.becomeMaster(); err != nil {
			c.log.Warn("master setup failed, running standalone", zap.Error(err))
			c.releaseLock()
			c.role = RoleStandalone
		}
		return
	}
	if err := c.becomeSlave(); err != nil {
		c.log.Warn("slave connect failed, running standalone", zap.Error(err))
		c.role = RoleStandalone
	}
}

// tryLock attempts the non-blocking flock.  Returns (true, nil) when this
// process now holds the lock.
func (c *Coordinator) tryLock() (bool, error) {
	f, err := os.OpenFile(c.lockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, err
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		c.lockFile = f
		return true, nil
	}
	f.Close()
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, err
}

func (c *Coordinator) releaseLock() {
	if c.lockFile != nil {
		c.lockFile.Close() // closing drops the flock
		c.lockFile = nil
	}
}

/*
   ---------------- Master ----------------
*/

// becomeMaster runs under c.mu, after winning the flock.
func (c *Coordinator) becomeMaster() error {
	if err := os.WriteFile(c.pidPath(),
		[]byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		return err
	}
	os.Remove(c.sockPath()) // stale socket from a dead master
	addr, err := net.ResolveUnixAddr("unix", c.sockPath())
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}
	c.listener = ln
	c.role = RoleMaster
	c.group.Go(c.acceptLoop)
	c.log.Info("elected master", zap.Int("pid", os.Getpid()))
	return nil
}

func (c *Coordinator) acceptLoop() error {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return nil // listener closed during Stop
		}
		mc := &masterConn{conn: conn}
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			conn.Close()
			return nil
		}
		c.slaves[mc] = struct{}{}
		c.mu.Unlock()
		c.group.Go(func() error {
			c.serveSlave(mc)
			return nil
		})
	}
}

// serveSlave handles one slave connection until it disconnects.  Write
// requests are serviced serially per slave; the engine's coordinator mutex
// serialises them across slaves.
func (c *Coordinator) serveSlave(mc *masterConn) {
	defer func() {
		mc.conn.Close()
		c.mu.Lock()
		delete(c.slaves, mc)
		c.mu.Unlock()
	}()

	for {
		msgType, payload, err := readFrame(mc.conn)
		if err != nil {
			return
		}
		switch msgType {
		case msgHello:
			hello, err := unmarshalHello(payload)
			if err != nil || hello.version != ProtocolVersion {
				c.log.Warn("rejecting slave with bad hello",
					zap.Uint32("version", hello.version))
				return
			}
			mc.send(msgHello, marshalHello(helloPayload{
				version: ProtocolVersion,
				pid:     uint32(os.Getpid()),
			}))
		case msgWriteRequest:
			entry, blob, err := unmarshalWriteRequest(payload)
			if err != nil {
				return
			}
			status := writeStatusOK
			result := entry
			if c.cb.OnWriteRequest != nil {
				if result, err = c.cb.OnWriteRequest(entry, blob); err != nil {
					status = writeStatusFailed
					result = entry
				}
			}
			c.mu.Lock()
			c.writesServed++
			c.mu.Unlock()
			if err := mc.send(msgWriteResponse, marshalWriteResponse(status, result)); err != nil {
				return
			}
			// The other slaves learn the new location immediately.
			if status == writeStatusOK {
				c.broadcastIndexUpdate([]WireIndexEntry{result}, mc)
			}
		case msgPing:
			mc.send(msgPong, nil)
		case msgPong:
			// liveness answer; nothing to do
		default:
			c.log.Warn("unknown coordinator message", zap.Uint8("type", msgType))
			return
		}
	}
}

// PushIndexUpdate fans new entries out to every connected slave.
func (c *Coordinator) PushIndexUpdate(entries []WireIndexEntry) {
	if len(entries) == 0 {
		return
	}
	c.broadcastIndexUpdate(entries, nil)
}

func (c *Coordinator) broadcastIndexUpdate(entries []WireIndexEntry, skip *masterConn) {
	payload := marshalIndexUpdate(entries)
	c.mu.Lock()
	targets := make([]*masterConn, 0, len(c.slaves))
	for mc := range c.slaves {
		if mc != skip {
			targets = append(targets, mc)
		}
	}
	c.mu.Unlock()
	for _, mc := range targets {
		if err := mc.send(msgIndexUpdate, payload); err != nil {
			mc.conn.Close() // reader goroutine cleans up
		}
	}
}

/*
   ---------------- Slave ----------------
*/

// becomeSlave runs under c.mu, after losing the flock.
func (c *Coordinator) becomeSlave() error {
	conn, err := net.DialTimeout("unix", c.sockPath(), connectTimeout)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, msgHello, marshalHello(helloPayload{
		version: ProtocolVersion,
		pid:     uint32(os.Getpid()),
	})); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	msgType, payload, err := readFrame(conn)
	if err != nil || msgType != msgHello {
		conn.Close()
		return fmt.Errorf("coord: handshake failed: %w", err)
	}
	hello, err := unmarshalHello(payload)
	if err != nil || hello.version != ProtocolVersion {
		conn.Close()
		return fmt.Errorf("coord: master speaks version %d", hello.version)
	}
	conn.SetReadDeadline(time.Time{})

	c.masterSock = conn
	c.respCh = make(chan []byte, 1)
	c.role = RoleSlave
	c.group.Go(func() error {
		c.slaveReadLoop(conn)
		return nil
	})
	c.log.Info("joined as slave", zap.Uint32("masterPid", hello.pid))
	return nil
}

func (c *Coordinator) slaveReadLoop(conn net.Conn) {
	for {
		msgType, payload, err := readFrame(conn)
		if err != nil {
			c.masterGone(conn)
			return
		}
		switch msgType {
		case msgIndexUpdate:
			entries, err := unmarshalIndexUpdate(payload)
			if err != nil {
				c.masterGone(conn)
				return
			}
			c.mu.Lock()
			c.indexUpdatesRx++
			c.mu.Unlock()
			if c.cb.OnIndexUpdate != nil {
				c.cb.OnIndexUpdate(entries)
			}
		case msgWriteResponse:
			select {
			case c.respCh <- payload:
			default: // no waiter (timed out); drop
			}
		case msgPing:
			writeFrame(conn, msgPong, nil)
		case msgPong:
		default:
			c.masterGone(conn)
			return
		}
	}
}

// masterGone downgrades to standalone after the master socket dies.  The
// next persistence attempt calls TryPromote for a re-election.
func (c *Coordinator) masterGone(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.masterSock == conn {
		c.masterSock = nil
		if c.role == RoleSlave && !c.stopped {
			c.role = RoleStandalone
			c.log.Warn("master disconnected; standalone until re-election")
		}
	}
}

// RequestWrite forwards one entry's persistence to the master and waits for
// the assigned shard location.  On timeout the caller keeps the entry
// memory-only.
func (c *Coordinator) RequestWrite(entry WireIndexEntry, payload []byte) (WireIndexEntry, error) {
	c.mu.Lock()
	conn := c.masterSock
	role := c.role
	c.mu.Unlock()
	if role != RoleSlave || conn == nil {
		return WireIndexEntry{}, ErrNotSlave
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// Drain a stale response from a previously timed-out request.
	select {
	case <-c.respCh:
	default:
	}

	if err := writeFrame(conn, msgWriteRequest, marshalWriteRequest(entry, payload)); err != nil {
		return WireIndexEntry{}, err
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case resp := <-c.respCh:
		status, result, err := unmarshalWriteResponse(resp)
		if err != nil {
			return WireIndexEntry{}, err
		}
		if status != writeStatusOK {
			return WireIndexEntry{}, errors.New("coord: master failed to persist entry")
		}
		c.mu.Lock()
		c.writesForwarded++
		c.mu.Unlock()
		return result, nil
	case <-timer.C:
		return WireIndexEntry{}, ErrWriteTimeout
	}
}

// TryPromote attempts a re-election after the master died.  Returns the new
// role.  On promotion the OnPromoted callback runs before returning, so the
// engine can re-read index.dat before serving anyone.
func (c *Coordinator) TryPromote() Role {
	c.mu.Lock()
	if c.stopped || c.role != RoleStandalone {
		role := c.role
		c.mu.Unlock()
		return role
	}
	c.reelections++
	c.elect()
	role := c.role
	promoted := role == RoleMaster
	c.mu.Unlock()

	if promoted && c.cb.OnPromoted != nil {
		c.cb.OnPromoted()
	}
	return role
}

// Stop tears down sockets, the listener and the lock.  Blocking reads are
// unblocked by shutting the sockets down; goroutines drain and exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	wasMaster := c.role == RoleMaster
	if c.listener != nil {
		c.listener.Close()
	}
	for mc := range c.slaves {
		if uc, ok := mc.conn.(*net.UnixConn); ok {
			uc.SetDeadline(time.Now())
		}
		mc.conn.Close()
	}
	if c.masterSock != nil {
		c.masterSock.Close()
	}
	c.role = RoleStandalone
	c.mu.Unlock()

	c.group.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if wasMaster {
		os.Remove(c.sockPath())
		os.Remove(c.pidPath())
	}
	c.releaseLock()
}
