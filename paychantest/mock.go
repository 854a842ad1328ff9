// Package paychantest provides an in-memory Wallet and loopback Connection
// for exercising the paychan client/server state machines without a real
// wallet or network transport.
package paychantest

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/bchpay/paychan"
	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/wallet/txauthor"
	"github.com/gcash/bchwallet/wallet/txrules"
)

// MockWallet implements paychan.Wallet entirely in memory.
type MockWallet struct {
	mu sync.Mutex

	params *chaincfg.Params

	addrs    map[string]*bchec.PrivateKey
	locked   map[wire.OutPoint]struct{}
	channels map[paychan.ServerID]*paychan.StoredClientChannel
	closed   map[paychan.ServerID]*paychan.StoredClientChannel

	published []*wire.MsgTx
	pending   []*wire.MsgTx

	encrypted bool
}

// NewMockWallet constructs an empty MockWallet for the given network.
func NewMockWallet(params *chaincfg.Params) *MockWallet {
	return &MockWallet{
		params:   params,
		addrs:    make(map[string]*bchec.PrivateKey),
		locked:   make(map[wire.OutPoint]struct{}),
		channels: make(map[paychan.ServerID]*paychan.StoredClientChannel),
		closed:   make(map[paychan.ServerID]*paychan.StoredClientChannel),
	}
}

// SetEncrypted toggles whether IsEncrypted reports true, to exercise the
// KEY_IS_ENCRYPTED path.
func (w *MockWallet) SetEncrypted(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.encrypted = v
}

func (w *MockWallet) NewAddress() (bchutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	priv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		return nil, err
	}
	addr, err := bchutil.NewAddressPubKeyHash(bchutil.Hash160(priv.PubKey().SerializeCompressed()), w.params)
	if err != nil {
		return nil, err
	}
	w.addrs[addr.String()] = priv
	return addr, nil
}

// CreateSimpleTx fabricates a single-input funding transaction spending a
// random outpoint, enough for signature and script checks that never hit
// a real chain.
func (w *MockWallet) CreateSimpleTx(outputs []*wire.TxOut, minconf int32, satPerKb bchutil.Amount) (*txauthor.AuthoredTx, error) {
	if satPerKb < txrules.DefaultRelayFeePerKb {
		return nil, fmt.Errorf("paychantest: fee rate %v below relay floor %v", satPerKb, txrules.DefaultRelayFeePerKb)
	}
	tx := wire.NewMsgTx(1)
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	ch, err := chainhash.NewHash(b)
	if err != nil {
		return nil, err
	}
	op := wire.NewOutPoint(ch, 0)
	tx.TxIn = append(tx.TxIn, wire.NewTxIn(op, nil))
	tx.TxOut = outputs
	return &txauthor.AuthoredTx{Tx: tx}, nil
}

func (w *MockWallet) PublishTransaction(tx *wire.MsgTx) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.published = append(w.published, tx)
	return nil
}

func (w *MockWallet) LockOutpoint(op wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locked[op] = struct{}{}
}

func (w *MockWallet) UnlockOutpoint(op wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.locked, op)
}

func (w *MockWallet) ImportChannelKey(key *bchec.PrivateKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	addr, err := bchutil.NewAddressPubKeyHash(bchutil.Hash160(key.PubKey().SerializeCompressed()), w.params)
	if err != nil {
		return err
	}
	w.addrs[addr.String()] = key
	return nil
}

func (w *MockWallet) StoreChannel(id paychan.ServerID, rec *paychan.StoredClientChannel) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channels[id] = rec
	return nil
}

func (w *MockWallet) GetUsableChannel(id paychan.ServerID) (*paychan.StoredClientChannel, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.channels[id], nil
}

// Sign is unused by the current client/server implementations, which sign
// directly against in-memory private keys, but is kept to satisfy the
// Wallet interface for a caller that wants wallet-mediated signing.
func (w *MockWallet) Sign(tx *wire.MsgTx, key *bchec.PrivateKey, userKey []byte) ([]byte, error) {
	return nil, nil
}

func (w *MockWallet) ReceivePending(tx *wire.MsgTx) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, tx)
	return nil
}

func (w *MockWallet) IsEncrypted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encrypted
}

// Published returns every transaction handed to PublishTransaction, in
// order.
func (w *MockWallet) Published() []*wire.MsgTx {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*wire.MsgTx, len(w.published))
	copy(out, w.published)
	return out
}

var _ paychan.Wallet = (*MockWallet)(nil)

// LoopbackPair wires a ClientChannel and ServerChannel together directly,
// without a real network transport, so tests can drive the protocol
// end-to-end. Each side implements paychan.Connection for the other.
type LoopbackPair struct {
	Client *loopbackConn
	Server *loopbackConn
}

type loopbackConn struct {
	mu sync.Mutex

	peer *dispatcher

	isServer bool

	accept func(expireTime uint64) bool

	channelOpened []bool
	destroyed     []error
}

// dispatcher queues messages for the peer rather than invoking its handler
// in-line: a state machine's entry points hold their own mutex for the call
// duration, and that call itself emits an outbound message, so calling
// the peer's handler synchronously from inside SendToServer/SendToClient
// risks the peer re-entering a handler whose lock is still held further up
// the same goroutine's stack once the exchange loops back. Queuing and
// draining via Pump keeps every handler invocation outside of any other
// handler's call frame.
type dispatcher struct {
	mu      sync.Mutex
	handler func(paychan.Message) error
	queue   []paychan.Message
}

func (d *dispatcher) send(msg paychan.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, msg)
	return nil
}

func (d *dispatcher) drain() error {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return nil
		}
		msg := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if d.handler == nil {
			continue
		}
		if err := d.handler(msg); err != nil {
			return err
		}
	}
}

// NewLoopbackPair constructs two connected Connection implementations.
// Call SetClientHandler/SetServerHandler once the corresponding
// ClientChannel/ServerChannel exist, then call Pump after each state
// machine call that sends a message, to deliver everything in flight.
func NewLoopbackPair() *LoopbackPair {
	c := &loopbackConn{isServer: false, accept: func(uint64) bool { return true }}
	s := &loopbackConn{isServer: true, accept: func(uint64) bool { return true }}
	c.peer = &dispatcher{}
	s.peer = &dispatcher{}
	return &LoopbackPair{Client: c, Server: s}
}

// SetClientHandler wires the client side's incoming-message dispatch to fn,
// typically a *paychan.ClientChannel method that type-switches on Message.
func (p *LoopbackPair) SetClientHandler(fn func(paychan.Message) error) {
	p.Server.peer.handler = fn
}

// SetServerHandler wires the server side's incoming-message dispatch to fn.
func (p *LoopbackPair) SetServerHandler(fn func(paychan.Message) error) {
	p.Client.peer.handler = fn
}

// Pump drains both queues until neither side has anything left to deliver,
// alternating so a reply triggered by delivery on one side is immediately
// available to the other.
func (p *LoopbackPair) Pump() error {
	for {
		cBefore := len(p.Client.peer.queue)
		sBefore := len(p.Server.peer.queue)
		if err := p.Server.peer.drain(); err != nil {
			return err
		}
		if err := p.Client.peer.drain(); err != nil {
			return err
		}
		if len(p.Client.peer.queue) == cBefore && len(p.Server.peer.queue) == sBefore {
			return nil
		}
	}
}

func (c *loopbackConn) SendToServer(msg paychan.Message) error {
	return c.peer.send(msg)
}

func (c *loopbackConn) SendToClient(msg paychan.Message) error {
	return c.peer.send(msg)
}

func (c *loopbackConn) DestroyConnection(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = append(c.destroyed, reason)
}

func (c *loopbackConn) ChannelOpened(wasInitiated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelOpened = append(c.channelOpened, wasInitiated)
}

func (c *loopbackConn) AcceptExpireTime(t uint64) bool {
	return c.accept(t)
}

// SetAcceptExpireTime overrides the client connection's expire-time policy.
func (c *loopbackConn) SetAcceptExpireTime(fn func(uint64) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accept = fn
}

// Destroyed reports every reason DestroyConnection was called with.
func (c *loopbackConn) Destroyed() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.destroyed))
	copy(out, c.destroyed)
	return out
}

// ChannelOpenedCalls reports every wasInitiated value ChannelOpened fired.
func (c *loopbackConn) ChannelOpenedCalls() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, len(c.channelOpened))
	copy(out, c.channelOpened)
	return out
}

var _ paychan.Connection = (*loopbackConn)(nil)
