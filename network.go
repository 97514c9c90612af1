package shmem

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"

	db "github.com/btracey/shmem/internal/debug"
)

// Network implements Shmem using network calls provided by the net package
// in the standard library. Network creates an all-to-all connection using the
// specified network protocol among all provided addresses. Each PE keeps its
// symmetric space in local memory; a put is shipped to the target as a frame
// and applied there by a reader goroutine, in order. Because every connection
// is FIFO and barrier frames travel on the same connections as puts, a
// completed BarrierAll implies all earlier puts have been applied.
//
// The network confirms that the provided password is the same before
// accepting any connection. It is not built with security in mind.
//
// Network uses the package flags for any field left at its zero value.
type Network struct {
	NetProto   string        // Which network protocol to use (see net package for options)
	Addr       string        // Address of the local process
	Addrs      []string      // List of the addresses of all nodes. Addr must be among them
	Timeout    time.Duration // If set, Init fails if the connections are not made within the duration
	Password   string
	StaticSize int // Size of the static symmetric region
	HeapSize   int // Size of the symmetric heap

	hashedPassword string

	myrank int // rank of this process
	nNodes int // total number of processes

	layout layout
	mem    []byte
	memMu  deadlock.Mutex // orders reader writes into mem with barriers
	heap   *symHeap
	epoch  uint64

	connections []*pairwiseConnection // connections to all of the other nodes
	closed      atomic.Bool
}

const (
	frameHeaderSize = 17
	framePut        = byte(1)
	frameBarrier    = byte(2)

	writeBufferSize = 64 << 10
)

type pairwiseConnection struct {
	dial   net.Conn // Send on
	listen net.Conn // Receive from

	wmu      deadlock.Mutex
	w        *bufio.Writer
	barriers chan uint64 // barrier epochs received from the peer
	done     chan struct{}
	err      error // set before done is closed
}

func newPairwiseConnection() *pairwiseConnection {
	return &pairwiseConnection{
		barriers: make(chan uint64, 4),
		done:     make(chan struct{}),
	}
}

func (n *Network) MyPE() int {
	if n.nNodes == 0 {
		return -1
	}
	return n.myrank
}

func (n *Network) NumPEs() int {
	return n.nNodes
}

func (n *Network) Static() Region {
	return n.layout.static()
}

// Init implements the Shmem init function
func (n *Network) Init() error {
	// First, deal with flags
	if n.NetProto == "" {
		n.NetProto = FlagProtocol
	}
	if n.Password == "" {
		n.Password = FlagPassword
	}
	if n.Timeout == 0 {
		n.Timeout = time.Duration(FlagInitTimeout)
	}
	if n.Addr == "" {
		n.Addr = FlagAddr
	}
	if len(n.Addrs) == 0 {
		n.Addrs = append([]string(nil), FlagAllAddrs...)
	}
	if n.StaticSize == 0 {
		n.StaticSize = int(FlagStaticSize)
	}
	if n.HeapSize == 0 {
		n.HeapSize = int(FlagHeapSize)
	}
	if n.Addr == "" && len(n.Addrs) == 0 {
		return errors.New("shmem init: no addresses (set -shmem-addr and -shmem-alladdr)")
	}

	sum := sha256.Sum256([]byte(n.Password))
	n.hashedPassword = hex.EncodeToString(sum[:])

	// Sort all of the addresses to ensure that all processes agree
	n.Addrs = append([]string(nil), n.Addrs...)
	sort.Strings(n.Addrs)

	// Make sure all of the addresses are unique
	for i := 0; i < len(n.Addrs)-1; i++ {
		if n.Addrs[i] == n.Addrs[i+1] {
			return errors.Errorf("shmem init: address %v not unique", n.Addrs[i])
		}
	}

	// Rank is the order in the list
	n.myrank = sort.SearchStrings(n.Addrs, n.Addr)

	// Check that the local address is one of the addresses
	if !(n.myrank < len(n.Addrs) && n.Addrs[n.myrank] == n.Addr) {
		return errors.New("shmem init: local address not in global list")
	}

	n.layout = layout{staticSize: n.StaticSize, heapSize: n.HeapSize}
	mem, err := newArena(n.layout.total())
	if err != nil {
		return err
	}
	n.mem = mem
	n.heap = newSymHeap(n.layout.heap())

	db.DPrintf(db.NET, "init rank %d of %d addrs %v static %d heap %d", n.myrank, len(n.Addrs), n.Addrs, n.StaticSize, n.HeapSize)

	if err := n.startConnections(len(n.Addrs)); err != nil {
		n.close()
		freeArena(n.mem)
		n.mem = nil
		return err
	}
	n.nNodes = len(n.Addrs)
	return nil
}

func (n *Network) startConnections(nNodes int) error {
	// Create bi-way all-to-all connections. Listen for all of the codes and then
	// dial all of the codes
	n.connections = make([]*pairwiseConnection, nNodes)
	for i := range n.connections {
		n.connections[i] = newPairwiseConnection()
	}
	if nNodes == 1 {
		return nil
	}

	var listenError error
	var dialError error

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		listenError = n.establishListenConnections(nNodes)
		wg.Done()
	}()

	go func() {
		dialError = n.establishDialConnections(nNodes)
		wg.Done()
	}()

	wg.Wait()

	if listenError != nil {
		return listenError
	}
	if dialError != nil {
		return dialError
	}

	for i, c := range n.connections {
		if i == n.myrank {
			continue
		}
		c.w = bufio.NewWriterSize(c.dial, writeBufferSize)
		go n.reader(i, c)
	}
	return nil
}

type initialMessage struct {
	Password string // Password for
	Id       int    // Node
}

type listConn struct {
	conn net.Conn
	err  error
}

// establishListenConnections listens for all of the other nodes
func (n *Network) establishListenConnections(nNodes int) error {
	// Listen on the local address
	listener, err := net.Listen(n.NetProto, n.Addr)
	if err != nil {
		return errors.Wrap(err, "error listening")
	}
	defer listener.Close()

	connErr := make([]error, nNodes)
	wg := &sync.WaitGroup{}

	for i := 0; i < nNodes; i++ {
		if i == n.myrank {
			continue // Don't listen to yourself
		}

		// The listener can time out if the user requests (so programs don't
		// freeze if the all-to-all connection can't happen).
		acceptChan := make(chan listConn, 1)
		go func() {
			conn, err := listener.Accept()
			acceptChan <- listConn{conn, err}
		}()

		var list listConn
		if n.Timeout > 0 {
			timer := time.NewTimer(n.Timeout)
			select {
			case list = <-acceptChan:
				timer.Stop()
			case <-timer.C:
				list = listConn{err: errors.New("listener timed out")}
			}
		} else {
			list = <-acceptChan
		}

		if list.err != nil {
			// All-to-all needs to happen, so if there's an error break
			connErr[i] = errors.Wrap(list.err, "error accepting")
			break
		}

		wg.Add(1) // Add one at a time in case the timeouts above break
		go func(i int, conn net.Conn) {
			defer wg.Done()
			var message initialMessage
			if err := gob.NewDecoder(conn).Decode(&message); err != nil {
				connErr[i] = err
				conn.Close()
				return
			}

			id, err := n.passwordAndId(message)
			if err != nil {
				connErr[i] = err
				conn.Close()
				return
			}
			n.connections[id].listen = conn

			// Send back a handshake the other way
			connErr[i] = gob.NewEncoder(conn).Encode(initialMessage{
				Password: n.hashedPassword,
				Id:       n.myrank,
			})
		}(i, list.conn)
	}
	wg.Wait()
	return joinErrors(connErr)
}

func (n *Network) establishDialConnections(nNodes int) error {
	// Each program also dials every other program
	connectionError := make([]error, nNodes)
	wg := &sync.WaitGroup{}
	for i := 0; i < nNodes; i++ {
		if i == n.myrank {
			continue // Don't dial yourself
		}
		wg.Add(1)

		// Do all of the dialing concurrently
		go func(i int) {
			defer wg.Done()

			// Keep dialing with backoff until a connection is reached
			b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 300 * time.Millisecond, Factor: 2}
			var conn net.Conn
			var err error
			t := time.Now()
			for {
				conn, err = net.DialTimeout(n.NetProto, n.Addrs[i], n.Timeout)
				if err == nil || (n.Timeout > 0 && time.Since(t) > n.Timeout) {
					break
				}
				time.Sleep(b.Duration())
			}
			if err != nil {
				connectionError[i] = errors.Wrapf(err, "dial %v", n.Addrs[i])
				return
			}

			// Established the connection, send the first handshake message
			err = gob.NewEncoder(conn).Encode(initialMessage{
				Password: n.hashedPassword,
				Id:       n.myrank,
			})
			if err != nil {
				connectionError[i] = err
				conn.Close()
				return
			}

			// Receive the handshake message back
			var message initialMessage
			if err := gob.NewDecoder(conn).Decode(&message); err != nil {
				connectionError[i] = err
				conn.Close()
				return
			}
			id, err := n.passwordAndId(message)
			if err != nil {
				connectionError[i] = err
				conn.Close()
				return
			}
			if id != i {
				connectionError[i] = errors.Errorf("dialed %v but reached rank %d", n.Addrs[i], id)
				conn.Close()
				return
			}
			n.connections[id].dial = conn
		}(i)
	}
	wg.Wait()
	return joinErrors(connectionError)
}

func joinErrors(errs []error) error {
	var str []string
	for _, err := range errs {
		if err != nil {
			str = append(str, err.Error())
		}
	}
	if len(str) > 0 {
		return errors.New(strings.Join(str, "; "))
	}
	return nil
}

// Checks that the password matches what the network expects and that the
// id is valid
func (n *Network) passwordAndId(message initialMessage) (int, error) {
	if message.Password != n.hashedPassword {
		return -1, errors.New("bad password")
	}
	if message.Id >= len(n.Addrs) || message.Id < 0 || message.Id == n.myrank {
		return -1, fmt.Errorf("bad id: %v", message.Id)
	}
	return message.Id, nil
}

// reader applies the frames sent by rank in arrival order.
func (n *Network) reader(rank int, c *pairwiseConnection) {
	r := bufio.NewReaderSize(c.listen, writeBufferSize)
	hdr := make([]byte, frameHeaderSize)
	var err error
	for {
		if _, err = io.ReadFull(r, hdr); err != nil {
			break
		}
		a := binary.BigEndian.Uint64(hdr[1:9])
		b := binary.BigEndian.Uint64(hdr[9:17])
		switch hdr[0] {
		case framePut:
			if !n.layout.all().Contains(Addr(a), int(b)) {
				err = errors.Wrapf(ErrBadAddr, "put from rank %d to %#x+%d", rank, a, b)
				break
			}
			n.memMu.Lock()
			_, err = io.ReadFull(r, n.mem[a:a+b])
			n.memMu.Unlock()
		case frameBarrier:
			c.barriers <- a
		default:
			err = errors.Errorf("bad frame kind %d from rank %d", hdr[0], rank)
		}
		if err != nil {
			break
		}
	}
	if n.closed.Load() {
		err = ErrClosed
	} else {
		db.DPrintf(db.NET, "reader for rank %d: %v", rank, err)
	}
	c.err = errors.Wrapf(err, "connection from rank %d", rank)
	close(c.done)
}

func (c *pairwiseConnection) send(kind byte, a, b uint64, payload []byte, flush bool) error {
	var hdr [frameHeaderSize]byte
	hdr[0] = kind
	binary.BigEndian.PutUint64(hdr[1:9], a)
	binary.BigEndian.PutUint64(hdr[9:17], b)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	if flush {
		return c.w.Flush()
	}
	return nil
}

func (n *Network) check() error {
	if n.closed.Load() {
		return ErrClosed
	}
	if n.nNodes == 0 {
		return ErrNotInitialized
	}
	return nil
}

// Put implements the Shmem function. Small puts are buffered and leave the
// process no later than the next BarrierAll.
func (n *Network) Put(dst, src Addr, size, pe int) error {
	if err := n.check(); err != nil {
		return err
	}
	if pe < 0 || pe >= n.nNodes {
		return errors.Wrapf(ErrBadPE, "put to %d of %d", pe, n.nNodes)
	}
	if size == 0 {
		return nil
	}
	s, err := view(n.mem, src, size)
	if err != nil {
		return errors.Wrap(err, "put source")
	}
	if !n.layout.all().Contains(dst, size) {
		return errors.Wrapf(ErrBadAddr, "put target %#x+%d", uintptr(dst), size)
	}
	if pe == n.myrank {
		n.memMu.Lock()
		copy(n.mem[dst:int(dst)+size], s)
		n.memMu.Unlock()
		return nil
	}
	c := n.connections[pe]
	select {
	case <-c.done:
		return c.err
	default:
	}
	return errors.Wrapf(c.send(framePut, uint64(dst), uint64(size), s, false), "put to rank %d", pe)
}

// BarrierAll implements the Shmem function
func (n *Network) BarrierAll() error {
	if err := n.check(); err != nil {
		return err
	}
	n.memMu.Lock()
	n.memMu.Unlock()

	n.epoch++
	for i, c := range n.connections {
		if i == n.myrank {
			continue
		}
		if err := c.send(frameBarrier, n.epoch, 0, nil, true); err != nil {
			return errors.Wrapf(err, "barrier %d to rank %d", n.epoch, i)
		}
	}
	for i, c := range n.connections {
		if i == n.myrank {
			continue
		}
		var e uint64
		select {
		case e = <-c.barriers:
		case <-c.done:
			// The reader delivers barriers before it fails.
			select {
			case e = <-c.barriers:
			default:
				return c.err
			}
		}
		if e != n.epoch {
			return errors.Errorf("barrier epoch mismatch with rank %d: %d != %d", i, e, n.epoch)
		}
	}

	n.memMu.Lock()
	n.memMu.Unlock()
	return nil
}

// Malloc implements the Shmem function
func (n *Network) Malloc(size int) (Addr, error) {
	if err := n.check(); err != nil {
		return 0, err
	}
	a, err := n.heap.alloc(size)
	db.DPrintf(db.HEAP, "malloc %d -> %#x err %v", size, uintptr(a), err)
	return a, err
}

// Free implements the Shmem function
func (n *Network) Free(addr Addr) error {
	if err := n.check(); err != nil {
		return err
	}
	db.DPrintf(db.HEAP, "free %#x", uintptr(addr))
	return n.heap.release(addr)
}

// Local implements the Shmem function
func (n *Network) Local(addr Addr, size int) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return view(n.mem, addr, size)
}

// Finalize implements the Shmem function
func (n *Network) Finalize() error {
	if n.closed.Swap(true) {
		return nil
	}
	err := n.close()
	n.memMu.Lock()
	defer n.memMu.Unlock()
	if e := freeArena(n.mem); err == nil {
		err = e
	}
	n.mem = nil
	return err
}

// close closes all of the connections
func (n *Network) close() error {
	var err error
	for _, c := range n.connections {
		if c.dial != nil {
			if c.w != nil {
				c.wmu.Lock()
				if e := c.w.Flush(); e != nil && err == nil {
					err = e
				}
				c.wmu.Unlock()
			}
			c.dial.Close()
		}
		if c.listen != nil {
			c.listen.Close()
		}
	}
	// Wait for the readers so none of them touches the arena after it is freed.
	for i, c := range n.connections {
		if i != n.myrank && c.w != nil {
			<-c.done
		}
	}
	return err
}
