package dht

import (
	"bytes"
	"log/slog"
	"net"
	"net/netip"
)

// QueryHandler dispatches inbound KRPC queries: the teacher's ping/
// find_node/get_peers/announce_peer, plus BEP 44 get/put handlers backed
// by Store and BEP 43 read-only enforcement.
type QueryHandler struct {
	logger   *slog.Logger
	krpc     *KRPC
	table    *RoutingTable
	peers    *PeerStorage
	store    *Store
	token    *TokenManager
	readOnly bool
}

func NewQueryHandler(krpc *KRPC, table *RoutingTable, peers *PeerStorage, store *Store, token *TokenManager, readOnly bool, logger *slog.Logger) *QueryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{
		logger:   logger.With("component", "dht-query-handler"),
		krpc:     krpc,
		table:    table,
		peers:    peers,
		store:    store,
		token:    token,
		readOnly: readOnly,
	}
}

func (qh *QueryHandler) HandleQuery(msg *Message) {
	senderID, ok := msg.GetNodeID()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid node ID", msg.Addr)
		return
	}

	addr, ok := addrPortFromUDP(msg.Addr)
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid sender address", msg.Addr)
		return
	}

	// A read-only peer (BEP 43) never gets inserted into our routing
	// table: it will never answer queries we might later send it.
	if !msg.RO {
		contact := NewContact(NewNodeWithID(senderID, addr))
		qh.table.Insert(contact)
	}

	switch msg.Q {
	case PingMethod:
		qh.handlePing(msg)
	case FindNodeMethod:
		qh.handleFindNode(msg)
	case GetPeersMethod:
		qh.handleGetPeers(msg)
	case AnnouncePeerMethod:
		qh.handleAnnouncePeer(msg)
	case GetMethod:
		qh.handleGet(msg)
	case PutMethod:
		qh.handlePut(msg)
	default:
		qh.sendError(msg.T, ErrorMethodUnknown, "unknown method", msg.Addr)
	}
}

func (qh *QueryHandler) handlePing(msg *Message) {
	qh.krpc.SendResponse(PingResponse(msg.T, qh.table.ID()), msg.Addr)
}

func (qh *QueryHandler) handleFindNode(msg *Message) {
	target, ok := msg.GetTarget()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid target", msg.Addr)
		return
	}

	contacts := qh.table.FindClosestK(target, K)
	nodes, nodes6 := qh.encodeNodes(contacts)

	qh.krpc.SendResponse(FindNodeResponse(msg.T, qh.table.ID(), nodes, nodes6), msg.Addr)
}

func (qh *QueryHandler) handleGetPeers(msg *Message) {
	infoHash, ok := msg.GetInfoHash()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid info_hash", msg.Addr)
		return
	}

	addr, _ := addrPortFromUDP(msg.Addr)
	token := qh.token.Generate(addr.Addr())
	peerList := qh.peers.GetPeers(infoHash)

	if len(peerList) > 0 {
		values := make([]string, len(peerList))
		for i, p := range peerList {
			values[i] = string(p[:])
		}
		qh.krpc.SendResponse(GetPeersResponse(msg.T, qh.table.ID(), token, values), msg.Addr)
		return
	}

	contacts := qh.table.FindClosestK(infoHash, K)
	nodes, nodes6 := qh.encodeNodes(contacts)
	qh.krpc.SendResponse(GetPeersResponseNodes(msg.T, qh.table.ID(), token, nodes, nodes6), msg.Addr)
}

func (qh *QueryHandler) handleAnnouncePeer(msg *Message) {
	if qh.readOnly {
		qh.sendError(msg.T, ErrorGeneric, "node is read-only", msg.Addr)
		return
	}

	infoHash, ok := msg.GetInfoHash()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid info_hash", msg.Addr)
		return
	}

	port, ok := msg.GetPort()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid port", msg.Addr)
		return
	}

	token, ok := msg.GetToken()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "missing token", msg.Addr)
		return
	}

	addr, ok := addrPortFromUDP(msg.Addr)
	if !ok || !qh.token.Validate(addr.Addr(), token) {
		qh.sendError(msg.T, ErrorProtocol, "invalid token", msg.Addr)
		return
	}

	peerInfo := EncodePeerInfo(netip.AddrPortFrom(addr.Addr(), uint16(port)))
	qh.peers.StorePeer(infoHash, peerInfo)

	qh.krpc.SendResponse(AnnouncePeerResponse(msg.T, qh.table.ID()), msg.Addr)
}

// handleGet answers a BEP 44 "get": looks target up in Store and returns
// whatever is stored, or the closest nodes if nothing is.
func (qh *QueryHandler) handleGet(msg *Message) {
	target, ok := msg.GetTarget()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid target", msg.Addr)
		return
	}

	addr, _ := addrPortFromUDP(msg.Addr)
	token := qh.token.Generate(addr.Addr())

	item, found := qh.store.Get(target)
	if !found {
		contacts := qh.table.FindClosestK(target, K)
		nodes, nodes6 := qh.encodeNodes(contacts)
		resp := GetPeersResponseNodes(msg.T, qh.table.ID(), token, nodes, nodes6)
		qh.krpc.SendResponse(resp, msg.Addr)
		return
	}

	qh.krpc.SendResponse(GetResponse(msg.T, qh.table.ID(), token, item), msg.Addr)
}

// handlePut stores a BEP 44 item after validating the announce token,
// value size, signature (for mutable items) and CAS sequence ordering.
func (qh *QueryHandler) handlePut(msg *Message) {
	if qh.readOnly {
		qh.sendError(msg.T, ErrorGeneric, "node is read-only", msg.Addr)
		return
	}

	token, ok := msg.GetToken()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "missing token", msg.Addr)
		return
	}

	addr, ok := addrPortFromUDP(msg.Addr)
	if !ok || !qh.token.Validate(addr.Addr(), token) {
		qh.sendError(msg.T, ErrorProtocol, "invalid token", msg.Addr)
		return
	}

	item, ok := msg.GetStorageItem()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "missing v", msg.Addr)
		return
	}

	var key [20]byte
	if pub, hasKey := msg.A["k"].(string); hasKey && len(pub) == 32 {
		// NewImmutableItem applies the same encoded-size limit to any value.
		if _, _, err := NewImmutableItem(item.Value); err != nil {
			qh.sendError(msg.T, ErrorGeneric, "value too large", msg.Addr)
			return
		}
		item.Seq, _ = msg.A["seq"].(int64)
		if salt, hasSalt := msg.A["salt"].(string); hasSalt {
			item.Salt = []byte(salt)
		}
		copy(item.PubKey[:], pub)
		if err := VerifyMutableItem(item); err != nil {
			qh.sendError(msg.T, ErrorGeneric, "bad signature", msg.Addr)
			return
		}
		key = MutableKey(item.PubKey, item.Salt)

		if existing, found := qh.store.Get(key); found && item.Seq < existing.Seq {
			qh.sendError(msg.T, ErrorGeneric, "cas sequence regressed", msg.Addr)
			return
		}
	} else {
		_, k, err := NewImmutableItem(item.Value)
		if err != nil {
			qh.sendError(msg.T, ErrorGeneric, "value too large", msg.Addr)
			return
		}
		key = k
	}

	if err := qh.store.Put(key, item); err != nil {
		qh.logger.Error("store put failed", "error", err)
		qh.sendError(msg.T, ErrorServer, "storage failure", msg.Addr)
		return
	}

	qh.krpc.SendResponse(PutResponse(msg.T, qh.table.ID()), msg.Addr)
}

// encodeNodes splits contacts into IPv4 ("nodes") and IPv6 ("nodes6", BEP
// 32) compact lists.
func (qh *QueryHandler) encodeNodes(contacts []*Contact) (nodes, nodes6 []byte) {
	var v4, v6 bytes.Buffer
	for _, c := range contacts {
		if info := c.node.CompactNodeInfo(); info != nil {
			v4.Write(info)
		}
		if info := c.node.CompactNodeInfo6(); info != nil {
			v6.Write(info)
		}
	}
	return v4.Bytes(), v6.Bytes()
}

func (qh *QueryHandler) sendError(transactionID string, code int, message string, addr *net.UDPAddr) {
	qh.krpc.SendError(transactionID, code, message, addr)
}

func addrPortFromUDP(addr *net.UDPAddr) (netip.AddrPort, bool) {
	if addr == nil {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), true
}
