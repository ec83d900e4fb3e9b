package runtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/go-vhal/vhal"
)

// SharedMemoryRegion is one anonymous memfd-backed buffer LargeParcelableCodec
// hands to a client in place of an inline payload once it crosses the
// configured size threshold. Handle is the identity a client uses to ask
// the transport for the region's contents.
type SharedMemoryRegion struct {
	Handle uuid.UUID

	fd   int
	data []byte
}

// NewSharedMemoryRegion allocates an anonymous memfd of len(payload) bytes,
// writes payload through the fd, and seals it against further writes and
// resizing before mapping it read-only. The caller owns the returned region
// and must call Close once the client has consumed it.
func NewSharedMemoryRegion(payload []byte) (*SharedMemoryRegion, error) {
	fd, err := unix.MemfdCreate("vhal-parcel", 0)
	if err != nil {
		return nil, fmt.Errorf("runtime: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(len(payload))); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("runtime: ftruncate: %w", err)
	}
	if _, err := unix.Pwrite(fd, payload, 0); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("runtime: pwrite: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE|unix.F_SEAL_SEAL); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("runtime: memfd seal: %w", err)
	}
	data, err := unix.Mmap(fd, 0, len(payload), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("runtime: mmap: %w", err)
	}
	return &SharedMemoryRegion{Handle: uuid.New(), fd: fd, data: data}, nil
}

// FD returns the memfd's file descriptor, for a transport to pass to the
// client (e.g. over a unix domain socket's SCM_RIGHTS).
func (r *SharedMemoryRegion) FD() int { return r.fd }

// Bytes returns the region's backing buffer. Callers must not retain it
// past Close.
func (r *SharedMemoryRegion) Bytes() []byte { return r.data }

// Close unmaps and closes the region's memfd.
func (r *SharedMemoryRegion) Close() error {
	if r.data != nil {
		_ = unix.Munmap(r.data)
		r.data = nil
	}
	if r.fd != 0 {
		err := unix.Close(r.fd)
		r.fd = 0
		return err
	}
	return nil
}

// SharedMemoryPool tracks outstanding regions handed to clients, so the
// engine can enforce Options.MaxSharedMemoryFileCount and reclaim regions on
// client death.
type SharedMemoryPool struct {
	maxPerClient int

	mu      sync.Mutex
	byOwner map[vhal.ClientID]map[uuid.UUID]*SharedMemoryRegion
}

// NewSharedMemoryPool builds a pool enforcing at most maxPerClient
// outstanding regions for any one client.
func NewSharedMemoryPool(maxPerClient int) *SharedMemoryPool {
	return &SharedMemoryPool{maxPerClient: maxPerClient, byOwner: make(map[vhal.ClientID]map[uuid.UUID]*SharedMemoryRegion)}
}

// Acquire wraps payload in a new region owned by clientID. If that client is
// already at capacity, one of its outstanding regions is evicted first; which
// one follows map iteration order and is not necessarily the oldest.
func (p *SharedMemoryPool) Acquire(clientID vhal.ClientID, payload []byte) (*SharedMemoryRegion, error) {
	region, err := NewSharedMemoryRegion(payload)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	owned, ok := p.byOwner[clientID]
	if !ok {
		owned = make(map[uuid.UUID]*SharedMemoryRegion)
		p.byOwner[clientID] = owned
	}
	if p.maxPerClient > 0 && len(owned) >= p.maxPerClient {
		var oldest *SharedMemoryRegion
		for _, r := range owned {
			oldest = r
			break
		}
		if oldest != nil {
			delete(owned, oldest.Handle)
			_ = oldest.Close()
		}
	}
	owned[region.Handle] = region
	p.mu.Unlock()
	return region, nil
}

// Lookup returns the outstanding region identified by handle for clientID,
// for a transport to serve a client's pull of a spilled parcel's bytes.
func (p *SharedMemoryPool) Lookup(clientID vhal.ClientID, handle uuid.UUID) (*SharedMemoryRegion, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	region, ok := p.byOwner[clientID][handle]
	return region, ok
}

// Release closes and forgets the region identified by handle for clientID.
func (p *SharedMemoryPool) Release(clientID vhal.ClientID, handle uuid.UUID) {
	p.mu.Lock()
	owned := p.byOwner[clientID]
	region, ok := owned[handle]
	if ok {
		delete(owned, handle)
	}
	p.mu.Unlock()
	if ok {
		_ = region.Close()
	}
}

// ReleaseClient closes every region owned by clientID. Used on transport
// death notification so a disconnected client's fds never leak.
func (p *SharedMemoryPool) ReleaseClient(clientID vhal.ClientID) {
	p.mu.Lock()
	owned := p.byOwner[clientID]
	delete(p.byOwner, clientID)
	p.mu.Unlock()
	for _, r := range owned {
		_ = r.Close()
	}
}
