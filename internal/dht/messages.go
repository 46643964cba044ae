package dht

import (
	"crypto/sha1"
	"net"
)

type MessageType string

const (
	QueryType    MessageType = "q"
	ResponseType MessageType = "r"
	ErrorType    MessageType = "e"
)

type QueryMethod string

const (
	PingMethod         QueryMethod = "ping"
	FindNodeMethod     QueryMethod = "find_node"
	GetPeersMethod     QueryMethod = "get_peers"
	AnnouncePeerMethod QueryMethod = "announce_peer"
	GetMethod          QueryMethod = "get" // BEP 44
	PutMethod          QueryMethod = "put" // BEP 44
)

// Message is a decoded KRPC datagram: a query, response, or error.
type Message struct {
	T string      // transaction id
	Y MessageType // message type
	V string      // client version
	RO bool       // BEP 43 read-only flag, carried in a query's "a" as ro=1

	Q QueryMethod    // query method name
	A map[string]any // query arguments

	R map[string]any // response values

	E []any // [code, message]

	Addr *net.UDPAddr
}

func NewQuery(method QueryMethod, transactionID string) *Message {
	return &Message{T: transactionID, Y: QueryType, Q: method, A: make(map[string]any)}
}

func NewResponse(transactionID string) *Message {
	return &Message{T: transactionID, Y: ResponseType, R: make(map[string]any)}
}

func NewError(transactionID string, code int, message string) *Message {
	return &Message{T: transactionID, Y: ErrorType, E: []any{int64(code), message}}
}

const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

func PingQuery(transactionID string, senderID [sha1.Size]byte) *Message {
	msg := NewQuery(PingMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	return msg
}

func PingResponse(transactionID string, senderID [sha1.Size]byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	return msg
}

func FindNodeQuery(transactionID string, senderID, target [sha1.Size]byte) *Message {
	msg := NewQuery(FindNodeMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["target"] = string(target[:])
	return msg
}

// FindNodeResponse builds a find_node reply. nodes6 is included only when
// non-empty (BEP 32).
func FindNodeResponse(transactionID string, senderID [sha1.Size]byte, nodes, nodes6 []byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["nodes"] = string(nodes)
	if len(nodes6) > 0 {
		msg.R["nodes6"] = string(nodes6)
	}
	return msg
}

func GetPeersQuery(transactionID string, senderID, infoHash [sha1.Size]byte) *Message {
	msg := NewQuery(GetPeersMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["info_hash"] = string(infoHash[:])
	return msg
}

func GetPeersResponse(transactionID string, senderID [sha1.Size]byte, token string, values []string) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["token"] = token
	msg.R["values"] = values
	return msg
}

func GetPeersResponseNodes(transactionID string, senderID [sha1.Size]byte, token string, nodes, nodes6 []byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["token"] = token
	msg.R["nodes"] = string(nodes)
	if len(nodes6) > 0 {
		msg.R["nodes6"] = string(nodes6)
	}
	return msg
}

func AnnouncePeerQuery(transactionID string, senderID, infoHash [sha1.Size]byte, port int, token string) *Message {
	msg := NewQuery(AnnouncePeerMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["info_hash"] = string(infoHash[:])
	msg.A["port"] = int64(port)
	msg.A["token"] = token
	return msg
}

func AnnouncePeerResponse(transactionID string, senderID [sha1.Size]byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	return msg
}

// GetQuery builds a BEP 44 "get" query for target, an immutable item's
// SHA-1 key or a mutable item's SHA-1(pubkey||salt) key.
func GetQuery(transactionID string, senderID, target [sha1.Size]byte) *Message {
	msg := NewQuery(GetMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["target"] = string(target[:])
	return msg
}

// GetResponse builds a BEP 44 "get" reply. For a mutable item it also sets
// k, seq and sig, and salt when the item has one.
func GetResponse(transactionID string, senderID [sha1.Size]byte, token string, item *StorageItem) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["token"] = token
	if item == nil {
		return msg
	}
	msg.R["v"] = item.Value
	if item.Mutable() {
		msg.R["k"] = string(item.PubKey[:])
		msg.R["seq"] = item.Seq
		msg.R["sig"] = string(item.Sig[:])
		if len(item.Salt) > 0 {
			msg.R["salt"] = item.Salt
		}
	}
	return msg
}

// PutQuery builds a BEP 44 "put" query storing item, signed beforehand by
// the caller for mutable items.
func PutQuery(transactionID string, senderID [sha1.Size]byte, token string, item *StorageItem) *Message {
	msg := NewQuery(PutMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["token"] = token
	msg.A["v"] = item.Value
	if item.Mutable() {
		msg.A["k"] = string(item.PubKey[:])
		msg.A["seq"] = item.Seq
		msg.A["sig"] = string(item.Sig[:])
		if len(item.Salt) > 0 {
			msg.A["salt"] = item.Salt
		}
	}
	return msg
}

func PutResponse(transactionID string, senderID [sha1.Size]byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	return msg
}

func (m *Message) GetNodeID() ([sha1.Size]byte, bool) {
	var (
		id    [sha1.Size]byte
		idStr string
		ok    bool
	)

	if m.Y == ResponseType && m.R != nil {
		idStr, ok = m.R["id"].(string)
	} else if m.Y == QueryType && m.A != nil {
		idStr, ok = m.A["id"].(string)
	}
	if !ok || len(idStr) != sha1.Size {
		return id, false
	}
	copy(id[:], idStr)
	return id, true
}

func (m *Message) GetTarget() ([sha1.Size]byte, bool) {
	var target [sha1.Size]byte
	if m.A == nil {
		return target, false
	}
	targetStr, ok := m.A["target"].(string)
	if !ok || len(targetStr) != sha1.Size {
		return target, false
	}
	copy(target[:], targetStr)
	return target, true
}

func (m *Message) GetInfoHash() ([sha1.Size]byte, bool) {
	var hash [sha1.Size]byte
	if m.Y != QueryType || m.A == nil {
		return hash, false
	}
	hashStr, ok := m.A["info_hash"].(string)
	if !ok || len(hashStr) != sha1.Size {
		return hash, false
	}
	copy(hash[:], hashStr)
	return hash, true
}

func (m *Message) GetToken() (string, bool) {
	if m.Y == ResponseType && m.R != nil {
		token, ok := m.R["token"].(string)
		return token, ok
	}
	if m.Y == QueryType && m.A != nil {
		token, ok := m.A["token"].(string)
		return token, ok
	}
	return "", false
}

func (m *Message) GetNodes() ([]byte, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}
	nodesStr, ok := m.R["nodes"].(string)
	if !ok {
		return nil, false
	}
	return []byte(nodesStr), true
}

func (m *Message) GetNodes6() ([]byte, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}
	nodesStr, ok := m.R["nodes6"].(string)
	if !ok {
		return nil, false
	}
	return []byte(nodesStr), true
}

func (m *Message) GetValues() ([]string, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}
	valuesRaw, ok := m.R["values"].([]any)
	if !ok {
		return nil, false
	}

	values := make([]string, 0, len(valuesRaw))
	for _, v := range valuesRaw {
		if str, ok := v.(string); ok {
			values = append(values, str)
		}
	}
	return values, len(values) > 0
}

func (m *Message) GetPort() (int, bool) {
	if m.Y != QueryType || m.A == nil {
		return 0, false
	}
	if port64, ok := m.A["port"].(int64); ok {
		return int(port64), true
	}
	return 0, false
}

// GetStorageItem extracts a BEP 44 item from a get response or put query.
// The caller still owns validating target/signature.
func (m *Message) GetStorageItem() (*StorageItem, bool) {
	var fields map[string]any
	switch m.Y {
	case ResponseType:
		fields = m.R
	case QueryType:
		fields = m.A
	default:
		return nil, false
	}
	if fields == nil {
		return nil, false
	}

	v, ok := fields["v"]
	if !ok {
		return nil, false
	}

	item := &StorageItem{Value: v}

	if pub, ok := fields["k"].(string); ok && len(pub) == 32 {
		copy(item.PubKey[:], pub)
	}
	if sig, ok := fields["sig"].(string); ok && len(sig) == 64 {
		copy(item.Sig[:], sig)
	}
	if seq, ok := fields["seq"].(int64); ok {
		item.Seq = seq
	}
	if salt, ok := fields["salt"].(string); ok {
		item.Salt = []byte(salt)
	}
	return item, true
}

func (m *Message) IsQuery() bool    { return m.Y == QueryType }
func (m *Message) IsResponse() bool { return m.Y == ResponseType }
func (m *Message) IsError() bool    { return m.Y == ErrorType }
