// Package dht implements a Kademlia-based mainline DHT node: BEP 5 peer
// discovery (ping/find_node/get_peers/announce_peer), BEP 32 IPv6 nodes,
// BEP 43 read-only participation, BEP 44 arbitrary storage, and BEP 51
// infohash indexing, all over the bencoded KRPC wire format.
package dht

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/prxssh/riptide/internal/config"
)

var (
	ErrNotStarted = errors.New("dht: not started")
	ErrStopped    = errors.New("dht: stopped")
)

// DHT bundles the routing table, KRPC transport, persistent BEP 44/51
// store, peer table, and announce-token manager into one running node.
type DHT struct {
	cfg     config.DHTConfig
	logger  *slog.Logger
	localID [sha1.Size]byte

	readOnly bool

	table   *RoutingTable
	krpc    *KRPC
	peers   *PeerStorage
	store   *Store
	token   *TokenManager
	handler *QueryHandler

	started bool
	mu      sync.RWMutex
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewDHT(cfg config.DHTConfig, localID [sha1.Size]byte, listenAddr string, logger *slog.Logger) (*DHT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dht")

	krpc, err := NewKRPC(localID, listenAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("dht: create krpc: %w", err)
	}

	store, err := OpenStore(cfg.StorePath, 24*time.Hour)
	if err != nil {
		krpc.conn.Close()
		return nil, fmt.Errorf("dht: open store: %w", err)
	}

	table := NewRoutingTable(localID)
	peers := NewPeerStorage()
	token := NewTokenManager(cfg.TokenRotationInterval)

	d := &DHT{
		cfg:      cfg,
		logger:   logger,
		localID:  localID,
		readOnly: cfg.ReadOnly,
		table:    table,
		krpc:     krpc,
		peers:    peers,
		store:    store,
		token:    token,
		done:     make(chan struct{}),
	}

	d.handler = NewQueryHandler(krpc, table, peers, store, token, cfg.ReadOnly, logger)
	krpc.SetQueryHandler(d.handler.HandleQuery)

	return d, nil
}

func (d *DHT) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("dht: already started")
	}

	d.krpc.Start()

	d.wg.Add(4)
	go d.bootstrapLoop()
	go d.refreshLoop()
	go d.pingLoop()
	go d.sweepLoop()

	d.started = true
	return nil
}

func (d *DHT) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	close(d.done)
	d.krpc.Stop()
	d.token.Stop()
	d.wg.Wait()
	d.store.Close()

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

func (d *DHT) GetPeers(infoHash [sha1.Size]byte) ([]netip.AddrPort, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}

	result := NewLookup(d, infoHash, LookupTypePeers).Run()
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Peers, nil
}

// AnnouncePeer performs a get_peers lookup to collect tokens, then
// announces to the closest nodes that returned one.
func (d *DHT) AnnouncePeer(infoHash [sha1.Size]byte, port int) error {
	if !d.isStarted() {
		return ErrNotStarted
	}
	if d.readOnly {
		return ErrReadOnly
	}

	result := NewLookup(d, infoHash, LookupTypePeers).Run()
	if result.Err != nil {
		return result.Err
	}

	var wg sync.WaitGroup
	for _, node := range result.ClosestNodes {
		if node.Token == "" {
			continue
		}
		wg.Add(1)
		go func(n *LookupNode) {
			defer wg.Done()
			d.announce(n.Contact, infoHash, port, n.Token)
		}(node)
	}
	wg.Wait()
	return nil
}

func (d *DHT) announce(contact *Contact, infoHash [sha1.Size]byte, port int, token string) {
	msg := AnnouncePeerQuery(d.krpc.generateTransactionID(), d.localID, infoHash, port, token)
	d.krpc.SendQuery(msg, contact.Addr(), QueryTimeout)
}

func (d *DHT) Ping(addr *net.UDPAddr) error {
	if !d.isStarted() {
		return ErrNotStarted
	}

	msg := PingQuery(d.krpc.generateTransactionID(), d.localID)
	msg.RO = d.readOnly
	response, err := d.krpc.SendQuery(msg, addr, QueryTimeout)
	if err != nil {
		return err
	}

	nodeID, ok := response.GetNodeID()
	if !ok {
		return ErrInvalidMsg
	}

	udpAddr, ok := addrPortFromUDP(addr)
	if !ok {
		return ErrInvalidMsg
	}

	contact := NewContact(NewNodeWithID(nodeID, udpAddr))
	contact.MarkSeen()
	d.table.Insert(contact)
	return nil
}

func (d *DHT) FindNode(target [sha1.Size]byte) ([]*Contact, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}

	result := NewLookup(d, target, LookupTypeNodes).Run()
	if result.Err != nil {
		return nil, result.Err
	}

	contacts := make([]*Contact, len(result.ClosestNodes))
	for i, node := range result.ClosestNodes {
		contacts[i] = node.Contact
	}
	return contacts, nil
}

// Put stores a BEP 44 item: it looks up the nodes closest to the item's
// key (to collect tokens), then issues a put to each.
func (d *DHT) Put(item *StorageItem) ([sha1.Size]byte, error) {
	if !d.isStarted() {
		return [sha1.Size]byte{}, ErrNotStarted
	}
	if d.readOnly {
		return [sha1.Size]byte{}, ErrReadOnly
	}

	var key [sha1.Size]byte
	if item.Mutable() {
		key = MutableKey(item.PubKey, item.Salt)
	} else {
		_, k, err := NewImmutableItem(item.Value)
		if err != nil {
			return key, err
		}
		key = k
	}

	result := NewLookup(d, key, LookupTypeValue).Run()
	if result.Err != nil && result.Item == nil {
		return key, result.Err
	}

	if err := d.store.Put(key, item); err != nil {
		return key, err
	}

	var wg sync.WaitGroup
	for _, node := range result.ClosestNodes {
		if node.Token == "" {
			continue
		}
		wg.Add(1)
		go func(n *LookupNode) {
			defer wg.Done()
			msg := PutQuery(d.krpc.generateTransactionID(), d.localID, n.Token, item)
			d.krpc.SendQuery(msg, n.Contact.Addr(), QueryTimeout)
		}(node)
	}
	wg.Wait()

	return key, nil
}

// Get retrieves a BEP 44 item by key, checking local storage first.
func (d *DHT) Get(key [sha1.Size]byte) (*StorageItem, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}

	if item, found := d.store.Get(key); found {
		return item, nil
	}

	result := NewLookup(d, key, LookupTypeValue).Run()
	if result.Item == nil {
		if result.Err != nil {
			return nil, result.Err
		}
		return nil, errors.New("dht: item not found")
	}

	if result.Item.Mutable() {
		if err := VerifyMutableItem(result.Item); err != nil {
			return nil, err
		}
	}

	d.store.Put(key, result.Item)
	return result.Item, nil
}

// PublishIndexSample folds entry into the BEP 51 index item for query and
// republishes it, signed by signer.
func (d *DHT) PublishIndexSample(signer Signer, query string, entry IndexEntry, seq int64) error {
	key := IndexKey(query)

	existing := d.searchIndexLocal(key)
	merged := MergeIndexEntry(existing, entry)

	item, _, err := NewMutableItem(signer, nil, seq, EncodeIndexEntries(merged))
	if err != nil {
		return err
	}

	_, err = d.Put(item)
	return err
}

// SearchIndex looks up the BEP 51 index item for query and returns its
// samples ranked by relevance to query.
func (d *DHT) SearchIndex(query string) ([]IndexEntry, error) {
	key := IndexKey(query)

	item, err := d.Get(key)
	if err != nil {
		return nil, err
	}

	entries := DecodeIndexEntries(item.Value)
	sort.SliceStable(entries, func(i, j int) bool {
		return MatchRelevance(entries[i].Name, query) > MatchRelevance(entries[j].Name, query)
	})
	return entries, nil
}

func (d *DHT) searchIndexLocal(key [sha1.Size]byte) []IndexEntry {
	item, found := d.store.Get(key)
	if !found {
		return nil
	}
	return DecodeIndexEntries(item.Value)
}

func (d *DHT) bootstrapLoop() {
	defer d.wg.Done()

	d.bootstrap()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.bootstrap()
		}
	}
}

func (d *DHT) bootstrap() {
	for _, addrStr := range d.cfg.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}
		d.Ping(addr)
	}

	time.Sleep(2 * time.Second)
	d.FindNode(d.localID)
}

func (d *DHT) refreshLoop() {
	defer d.wg.Done()

	interval := d.cfg.BucketRefreshInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.refresh()
		}
	}
}

func (d *DHT) refresh() {
	for _, bucketIdx := range d.table.GetBucketsNeedingRefresh() {
		target := d.randomIDInBucket(bucketIdx)
		d.FindNode(target)
	}
}

func (d *DHT) pingLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.pingQuestionable()
		}
	}
}

func (d *DHT) pingQuestionable() {
	for _, contact := range d.table.GetQuestionableContacts() {
		msg := PingQuery(d.krpc.generateTransactionID(), d.localID)
		msg.RO = d.readOnly
		response, err := d.krpc.SendQuery(msg, contact.Addr(), QueryTimeout)
		if err != nil {
			contact.MarkFailed()
			if contact.IsBad() {
				d.table.Remove(contact.ID())
			}
			continue
		}

		nodeID, ok := response.GetNodeID()
		if !ok || nodeID != contact.ID() {
			d.table.Remove(contact.ID())
			continue
		}
		contact.MarkSeen()
	}
}

// sweepLoop periodically expires stale BEP 5 peer entries and BEP 44/51
// store rows.
func (d *DHT) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.peers.Sweep()
			if err := d.store.Sweep(); err != nil {
				d.logger.Error("store sweep failed", "error", err)
			}
		}
	}
}

// randomIDInBucket flips the bit distinguishing bucketIdx from the local
// ID, producing a target guaranteed to fall in that bucket's range.
func (d *DHT) randomIDInBucket(bucketIdx int) [sha1.Size]byte {
	var id [sha1.Size]byte
	copy(id[:], d.localID[:])

	bitPos := (sha1.Size*8 - 1) - bucketIdx
	byteIdx := bitPos / 8
	bitIdx := byte(bitPos % 8)
	id[byteIdx] ^= 1 << (7 - bitIdx)

	return id
}

func (d *DHT) isStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

func (d *DHT) Stats() RoutingTableStats { return d.table.GetStats() }

func (d *DHT) LocalAddr() *net.UDPAddr { return d.krpc.LocalAddr() }

func (d *DHT) LocalID() [sha1.Size]byte { return d.localID }
