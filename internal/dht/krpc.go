package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prxssh/riptide/internal/bencode"
)

var (
	ErrTimeout       = errors.New("dht: query timeout")
	ErrInvalidMsg    = errors.New("dht: invalid message")
	ErrTransactionID = errors.New("dht: unknown transaction id")
)

// KRPC is the bencoded UDP query/response transport underlying every DHT
// operation: it owns the socket, matches responses to outstanding queries
// by transaction id, and dispatches inbound queries to a handler.
type KRPC struct {
	logger  *slog.Logger
	conn    *net.UDPConn
	localID [sha1.Size]byte

	txMut        sync.RWMutex
	transactions map[string]*transaction

	queryHandler func(*Message)

	done chan struct{}
	wg   sync.WaitGroup
}

type transaction struct {
	responseCh chan *Message
	sentTime   time.Time
	timeout    time.Duration
}

func NewKRPC(localID [sha1.Size]byte, listenAddr string, logger *slog.Logger) (*KRPC, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &KRPC{
		logger:       logger.With("component", "dht-krpc"),
		conn:         conn,
		localID:      localID,
		transactions: make(map[string]*transaction),
		done:         make(chan struct{}),
	}, nil
}

func (k *KRPC) LocalAddr() *net.UDPAddr { return k.conn.LocalAddr().(*net.UDPAddr) }

func (k *KRPC) Start() {
	k.wg.Add(2)
	go k.readLoop()
	go k.timeoutLoop()
}

func (k *KRPC) Stop() {
	close(k.done)
	k.conn.Close()
	k.wg.Wait()
}

func (k *KRPC) SetQueryHandler(handler func(*Message)) { k.queryHandler = handler }

func (k *KRPC) SendQuery(msg *Message, addr *net.UDPAddr, timeout time.Duration) (*Message, error) {
	if msg.T == "" {
		msg.T = k.generateTransactionID()
	}

	tx := &transaction{responseCh: make(chan *Message, 1), sentTime: time.Now(), timeout: timeout}

	k.txMut.Lock()
	k.transactions[msg.T] = tx
	k.txMut.Unlock()

	if err := k.send(msg, addr); err != nil {
		k.removeTransaction(msg.T)
		return nil, err
	}

	select {
	case response, ok := <-tx.responseCh:
		k.removeTransaction(msg.T)
		if !ok {
			return nil, ErrInvalidMsg
		}
		return response, nil
	case <-time.After(timeout):
		k.removeTransaction(msg.T)
		return nil, ErrTimeout
	case <-k.done:
		k.removeTransaction(msg.T)
		return nil, errors.New("dht: krpc stopped")
	}
}

func (k *KRPC) SendResponse(msg *Message, addr *net.UDPAddr) error { return k.send(msg, addr) }

func (k *KRPC) SendError(transactionID string, code int, message string, addr *net.UDPAddr) error {
	return k.send(NewError(transactionID, code, message), addr)
}

func (k *KRPC) send(msg *Message, addr *net.UDPAddr) error {
	encoded, err := bencode.Marshal(k.messageToMap(msg))
	if err != nil {
		return err
	}
	_, err = k.conn.WriteToUDP(encoded, addr)
	return err
}

func (k *KRPC) readLoop() {
	defer k.wg.Done()
	buf := make([]byte, 65536)

	for {
		select {
		case <-k.done:
			return
		default:
		}

		k.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := k.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				k.logger.Error("read udp packet failed", "error", err)
			}
			continue
		}

		data, err := bencode.Unmarshal(buf[:n])
		if err != nil {
			k.logger.Debug("malformed krpc message", "error", err, "from", addr)
			continue
		}

		if msg := k.mapToMessage(data, addr); msg != nil {
			k.handleMessage(msg)
		}
	}
}

func (k *KRPC) timeoutLoop() {
	defer k.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-k.done:
			return
		case <-ticker.C:
			k.checkTimeouts()
		}
	}
}

func (k *KRPC) checkTimeouts() {
	now := time.Now()

	k.txMut.Lock()
	defer k.txMut.Unlock()

	for txID, tx := range k.transactions {
		if now.Sub(tx.sentTime) > tx.timeout {
			close(tx.responseCh)
			delete(k.transactions, txID)
		}
	}
}

func (k *KRPC) handleMessage(msg *Message) {
	switch msg.Y {
	case QueryType:
		if k.queryHandler != nil {
			k.queryHandler(msg)
		}
	case ResponseType:
		k.handleResponse(msg)
	case ErrorType:
		k.handleError(msg)
	}
}

func (k *KRPC) handleResponse(msg *Message) {
	k.txMut.RLock()
	tx, exists := k.transactions[msg.T]
	k.txMut.RUnlock()

	if !exists {
		k.logger.Debug("response for unknown transaction", "from", msg.Addr)
		return
	}

	select {
	case tx.responseCh <- msg:
	default:
	}
}

func (k *KRPC) handleError(msg *Message) {
	k.txMut.RLock()
	tx, exists := k.transactions[msg.T]
	k.txMut.RUnlock()

	if exists {
		close(tx.responseCh)
	}
}

func (k *KRPC) removeTransaction(transactionID string) {
	k.txMut.Lock()
	delete(k.transactions, transactionID)
	k.txMut.Unlock()
}

func (k *KRPC) generateTransactionID() string {
	b := make([]byte, 2)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (k *KRPC) messageToMap(msg *Message) map[string]any {
	m := make(map[string]any)
	m["t"] = msg.T
	m["y"] = string(msg.Y)
	if msg.V != "" {
		m["v"] = msg.V
	}

	switch msg.Y {
	case QueryType:
		m["q"] = string(msg.Q)
		if msg.RO {
			msg.A["ro"] = int64(1)
		}
		m["a"] = msg.A
	case ResponseType:
		m["r"] = msg.R
	case ErrorType:
		m["e"] = msg.E
	}
	return m
}

func (k *KRPC) mapToMessage(data any, addr *net.UDPAddr) *Message {
	dict, ok := data.(map[string]any)
	if !ok {
		return nil
	}

	msg := &Message{Addr: addr}

	t, ok := dict["t"].(string)
	if !ok {
		return nil
	}
	msg.T = t

	y, ok := dict["y"].(string)
	if !ok {
		return nil
	}
	msg.Y = MessageType(y)

	if v, ok := dict["v"].(string); ok {
		msg.V = v
	}

	switch msg.Y {
	case QueryType:
		if q, ok := dict["q"].(string); ok {
			msg.Q = QueryMethod(q)
		}
		if a, ok := dict["a"].(map[string]any); ok {
			msg.A = a
			if ro, ok := a["ro"].(int64); ok && ro == 1 {
				msg.RO = true
			}
		}
	case ResponseType:
		if r, ok := dict["r"].(map[string]any); ok {
			msg.R = r
		}
	case ErrorType:
		if e, ok := dict["e"].([]any); ok {
			msg.E = e
		}
	}
	return msg
}
