package client

import (
	"sort"
	"sync"

	"github.com/peerchat-io/peerchat/pkg/protocol"
)

// PeerDescriptor is a directory entry for one known peer: where to send a
// rendezvous request. It is not tied to any chat session.
type PeerDescriptor struct {
	Nickname string
	IP       string
	UDPPort  int
}

// Directory is the client's local cache of registered peers, maintained from
// USER_LIST snapshots and USER_JOINED / USER_LEFT notifications. It is read
// from the command path and written from the server-message goroutine.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]PeerDescriptor
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]PeerDescriptor)}
}

// ReplaceAll swaps the whole directory for the given snapshot.
func (d *Directory) ReplaceAll(users []protocol.UserEntry) {
	peers := make(map[string]PeerDescriptor, len(users))
	for _, user := range users {
		peers[user.Nickname] = PeerDescriptor{
			Nickname: user.Nickname,
			IP:       user.IP,
			UDPPort:  user.UDPPort,
		}
	}

	d.mu.Lock()
	d.peers = peers
	d.mu.Unlock()
}

// Insert adds or updates a single entry.
func (d *Directory) Insert(peer PeerDescriptor) {
	d.mu.Lock()
	d.peers[peer.Nickname] = peer
	d.mu.Unlock()
}

// Remove deletes an entry, reporting whether it existed.
func (d *Directory) Remove(nickname string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peers[nickname]
	delete(d.peers, nickname)
	return ok
}

// Get looks up one peer.
func (d *Directory) Get(nickname string) (PeerDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.peers[nickname]
	return peer, ok
}

// List returns all entries sorted by nickname.
func (d *Directory) List() []PeerDescriptor {
	d.mu.RLock()
	peers := make([]PeerDescriptor, 0, len(d.peers))
	for _, peer := range d.peers {
		peers = append(peers, peer)
	}
	d.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].Nickname < peers[j].Nickname })
	return peers
}
