package paychan

import (
	"sync"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"
)

// ClientState is the client-side state machine's current state.
type ClientState uint8

const (
	ClientWaitConnOpen ClientState = iota
	ClientWaitVersion
	ClientWaitInitiate
	ClientWaitRefundReturn
	ClientWaitChannelOpen
	ClientOpen
	ClientWaitChannelClose
	ClientClosed
)

// protocolMajor/protocolMinor are this implementation's own version,
// echoed in ClientVersion/ServerVersion.
const (
	protocolMajor = 2
	protocolMinor = 0
)

// v1RefundProvider exposes the V1-only refund exchange operations of
// V1ChannelState, gated here by state rather than by a type switch
// scattered through the state machine.
type v1RefundProvider interface {
	GetIncompleteRefundTransaction() ([]byte, error)
	ProvideRefundSignature(sig []byte, userKey []byte) error
}

// ClientChannel is the client state machine: one instance per
// connection/channel attempt. Every exported method acquires mu for
// its duration.
type ClientChannel struct {
	mu sync.Mutex

	conn     Connection
	wallet   Wallet
	registry *Registry
	params   *chaincfg.Params
	props    *ChannelProperties
	userKey  []byte

	desiredValue bchutil.Amount

	identity *Identity
	serverID ServerID

	state   ClientState
	version uint8

	// minPayment is the server's advertised minimum increment, learned
	// from Initiate. Zero for resumed channels, which skip Initiate; the
	// server still enforces its own floor there.
	minPayment uint64

	channelState ChannelState

	resumeRecord     *StoredClientChannel
	requestedResume  bool
	resumedNoInitial bool

	inFlight      bool
	future        *PaymentFuture
	inFlightValue bchutil.Amount
}

// NewClientChannel constructs a client state machine in WaitConnOpen,
// ready for ConnectionOpen. desiredValue is the amount the client intends
// to lock into the channel; userKey unlocks the wallet's signing key when
// wallet.IsEncrypted().
func NewClientChannel(conn Connection, wallet Wallet, registry *Registry, params *chaincfg.Params, props *ChannelProperties, desiredValue bchutil.Amount, userKey []byte) (*ClientChannel, error) {
	// A server-role registry would try to settle this channel at expiry
	// with a signing key the record doesn't hold, instead of refunding.
	if registry != nil && registry.settleOnExpiry {
		return nil, newProtoErr(KindProtocolViolation, "client channel requires a registry from NewRegistry")
	}
	if props == nil {
		props = DefaultChannelProperties()
	}
	identity, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	return &ClientChannel{
		conn:         conn,
		wallet:       wallet,
		registry:     registry,
		params:       params,
		props:        props,
		userKey:      userKey,
		desiredValue: desiredValue,
		identity:     identity,
		state:        ClientWaitConnOpen,
	}, nil
}

// ConnectionOpen begins the protocol. If resumeHint names a channel
// this client still has a usable stored record for, its hash is offered
// to the server as a resumption candidate.
func (c *ClientChannel) ConnectionOpen(resumeHint *ServerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := &ClientVersion{
		Major:          protocolMajor,
		Minor:          protocolMinor,
		TimeWindowSecs: uint32(c.props.TimeWindowSecs),
	}

	if c.props.VersionSelector == V1Only {
		msg.Major = 1
	}

	if resumeHint != nil {
		rec, err := c.registry.GetUsable(*resumeHint)
		if err == nil && rec != nil {
			c.resumeRecord = rec
			c.requestedResume = true
			hash := [32]byte(*resumeHint)
			msg.PreviousChannelContractHash = &hash
		}
	}

	c.state = ClientWaitVersion
	return c.conn.SendToServer(msg)
}

// ReceiveServerVersion handles the server's echoed version.
func (c *ClientChannel) ReceiveServerVersion(msg *ServerVersion) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientWaitVersion {
		return c.protocolViolation("unexpected ServerVersion")
	}

	if !c.acceptableMajor(msg.Major) {
		return c.sendErrorLocked(KindNoAcceptableVersion, 0, "no acceptable protocol version")
	}

	c.version = msg.Major
	c.state = ClientWaitInitiate
	return nil
}

func (c *ClientChannel) acceptableMajor(major uint8) bool {
	switch c.props.VersionSelector {
	case V1Only:
		return major == 1
	case V2Only:
		return major == 2
	default: // V2PreferV1Fallback
		return major == 1 || major == 2
	}
}

// ReceiveInitiate handles the server's proposed channel parameters.
func (c *ClientChannel) ReceiveInitiate(msg *Initiate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientWaitInitiate {
		return c.protocolViolation("unexpected Initiate")
	}

	if !c.conn.AcceptExpireTime(msg.ExpireTimeSecs) {
		return c.sendErrorLocked(KindTimeWindowUnacceptable, 0, "proposed expire time unacceptable")
	}

	if c.desiredValue < bchutil.Amount(msg.MinAcceptedChannelSize) {
		missing := int64(bchutil.Amount(msg.MinAcceptedChannelSize) - c.desiredValue)
		return c.sendErrorLocked(KindChannelValueTooLarge, missing, "channel value below server minimum")
	}

	if msg.MinPayment > c.props.AcceptableMinPayment {
		missing := int64(msg.MinPayment - c.props.AcceptableMinPayment)
		return c.sendErrorLocked(KindMinPaymentTooLarge, missing, "server minimum payment too large")
	}
	c.minPayment = msg.MinPayment

	serverKey, err := ParseServerKey(msg.MultisigKey)
	if err != nil {
		return c.sendErrorLocked(KindBadTransaction, 0, "server multisig key is not a valid public key")
	}
	c.identity.ServerKey = serverKey

	id, err := NewServerID(c.identity.ClientKey.PubKey(), serverKey)
	if err != nil {
		return c.protocolViolation("failed to derive channel id")
	}
	c.serverID = id

	if c.wallet.IsEncrypted() && c.userKey == nil {
		return newProtoErr(KindKeyIsEncrypted, "wallet is encrypted and no user key was supplied")
	}

	// c.version was already fixed by ReceiveServerVersion's negotiation;
	// Initiate itself carries no version field.
	switch c.version {
	case 1:
		c.channelState = NewV1ChannelState(c.wallet, c.params, c.identity, c.desiredValue, msg.ExpireTimeSecs)
	default:
		c.channelState = NewV2ChannelState(c.wallet, c.params, c.identity, c.desiredValue, msg.ExpireTimeSecs)
	}

	if err := c.channelState.Initiate(c.userKey, c.props); err != nil {
		return c.sendErrorLocked(KindBadTransaction, 0, "failed to build channel contract: "+err.Error())
	}

	if c.version == 1 {
		refundProvider := c.channelState.(v1RefundProvider)
		refundTx, err := refundProvider.GetIncompleteRefundTransaction()
		if err != nil {
			return c.sendErrorLocked(KindBadTransaction, 0, "failed to build refund transaction")
		}
		out := &ProvideRefund{
			MultisigKey:   c.identity.ClientKey.PubKey().SerializeCompressed(),
			RefundTxBytes: refundTx,
		}
		c.state = ClientWaitRefundReturn
		return c.conn.SendToServer(out)
	}

	return c.sendInitialContractLocked(msg.MinPayment)
}

// ReceiveReturnRefund applies the server's refund countersignature (V1
// only).
func (c *ClientChannel) ReceiveReturnRefund(msg *ReturnRefund) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientWaitRefundReturn {
		return c.protocolViolation("unexpected ReturnRefund")
	}

	refundProvider, ok := c.channelState.(v1RefundProvider)
	if !ok {
		return c.protocolViolation("ReturnRefund received on a non-V1 channel")
	}
	if err := refundProvider.ProvideRefundSignature(msg.Signature, c.userKey); err != nil {
		return c.sendErrorLocked(KindBadTransaction, 0, "invalid refund countersignature")
	}

	// The refund is broadcastable now, so this is the earliest safe
	// point to persist the channel.
	if err := c.persistChannelLocked(); err != nil {
		return c.protocolViolation("failed to persist channel after refund countersignature")
	}

	return c.sendInitialContractLocked(0)
}

// sendInitialContractLocked records the channel-opening payment (if any) and
// emits ProvideContract, the shared tail of the V1 and V2 Initiate paths.
func (c *ClientChannel) sendInitialContractLocked(initialPayment uint64) error {
	if initialPayment > 0 {
		c.channelState.SetInitialPayment(bchutil.Amount(initialPayment))
	}

	contract, err := c.channelState.GetContract()
	if err != nil {
		return c.protocolViolation("failed to serialize contract")
	}

	out := &ProvideContract{
		ContractTxBytes: contract,
		InitialPayment:  initialPayment,
	}
	if c.version == 2 {
		out.ClientKey = c.identity.ClientKey.PubKey().SerializeCompressed()
		// V2 has no separate refund exchange, so the contract itself
		// is what makes the refund broadcastable; persist now.
		if err := c.persistChannelLocked(); err != nil {
			return c.protocolViolation("failed to persist channel before sending contract")
		}
	}

	c.state = ClientWaitChannelOpen
	return c.conn.SendToServer(out)
}

// persistChannelLocked writes the channel's current state through both
// collaborators: the Wallet and this client's own Registry, so that a
// later ConnectionOpen's resumption lookup (GetUsable) and a settled
// channel's ReceiveClose (Purge) see the same record a reloaded wallet
// would.
func (c *ClientChannel) persistChannelLocked() error {
	rec, err := c.channelState.ToStoredRecord(c.serverID)
	if err != nil {
		return err
	}
	if err := c.wallet.StoreChannel(c.serverID, rec); err != nil {
		return err
	}
	return c.registry.Put(rec)
}

// ReceiveChannelOpen handles the server's confirmation, including the
// resumption shortcut when it arrives directly from
// ClientWaitInitiate.
func (c *ClientChannel) ReceiveChannelOpen(msg *ChannelOpen) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasInitiated := true

	switch c.state {
	case ClientWaitChannelOpen:
		// Normal path: contract already sent, nothing more to do.
	case ClientWaitInitiate:
		// Resumption shortcut: the server skipped Initiate entirely.
		// Only legal if the client actually requested a resumption.
		if !c.requestedResume || c.resumeRecord == nil {
			return c.protocolViolation("server sent premature ChannelOpen without a requested resumption")
		}
		state, err := ResumeChannelState(c.wallet, c.params, c.resumeRecord)
		if err != nil {
			return c.protocolViolation("failed to reconstruct resumed channel state")
		}
		c.channelState = state
		c.serverID = c.resumeRecord.ServerID
		c.version = c.resumeRecord.Version
		wasInitiated = false
	default:
		return c.protocolViolation("unexpected ChannelOpen")
	}

	c.state = ClientOpen
	c.conn.ChannelOpened(wasInitiated)
	return nil
}

// IncrementPayment signs a new cumulative payment raising the server's
// total by amount and returns a completion handle resolved by the
// matching PaymentAck.
func (c *ClientChannel) IncrementPayment(amount bchutil.Amount, info []byte) (*PaymentFuture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientOpen {
		return nil, ErrChannelNotOpen
	}
	if c.inFlight {
		return nil, ErrChannelBusy
	}
	// Validate before anything signs or persists: a payment the server
	// would deterministically reject must not advance (and durably
	// record) the channel's cumulative total first.
	if amount <= 0 {
		return nil, newProtoErr(KindValueOutOfRange, "payment increment must be positive")
	}
	if uint64(amount) < c.minPayment {
		return nil, newProtoErrf(KindValueOutOfRange, "payment increment below the server's minimum of %d", c.minPayment)
	}

	payment, err := c.channelState.IncrementPaymentBy(amount, c.userKey)
	if err != nil {
		return nil, err
	}
	// Persist before the signature leaves: once the server may hold it,
	// the refund the registry would rebuild must account for the raised
	// payment, and a resumed channel must pick up from the new total.
	// The channel state has already advanced past the increment, so a
	// failure from here on tears the channel down rather than leave the
	// caller free to retry against diverged state.
	if err := c.persistChannelLocked(); err != nil {
		c.teardownLocked(err)
		return nil, err
	}
	changeValue := uint64(c.channelState.LockedValue() - c.channelState.BestPaymentValue())

	msg := &UpdatePayment{
		Signature:         payment.Signature,
		ClientChangeValue: changeValue,
		Info:              info,
	}
	if err := c.conn.SendToServer(msg); err != nil {
		c.teardownLocked(err)
		return nil, err
	}

	c.inFlight = true
	c.inFlightValue = payment.Amount
	c.future = newPaymentFuture()
	return c.future, nil
}

// ReceivePaymentAck completes the in-flight payment future.
func (c *ClientChannel) ReceivePaymentAck(msg *PaymentAck) error {
	c.mu.Lock()
	if c.state != ClientOpen || !c.inFlight {
		c.mu.Unlock()
		return c.protocolViolationUnlocked("unexpected PaymentAck")
	}
	future := c.future
	c.future = nil
	c.inFlight = false
	applied := c.inFlightValue
	c.mu.Unlock()

	future.resolve(PaymentResult{Amount: applied, Info: msg.Info})
	return nil
}

// Settle requests cooperative channel closure. Rejected while a payment
// is in flight; callers must wait for the outstanding future first.
func (c *ClientChannel) Settle() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientOpen {
		return ErrChannelNotOpen
	}
	if c.inFlight {
		return ErrChannelBusy
	}

	c.state = ClientWaitChannelClose
	return c.conn.SendToServer(&Close{})
}

// ReceiveClose handles a Close from the server, either in answer to our
// own Settle() or server-initiated.
func (c *ClientChannel) ReceiveClose(msg *Close) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientOpen && c.state != ClientWaitChannelClose {
		return c.protocolViolation("unexpected Close")
	}

	// A Close racing an unacknowledged payment must still release the
	// caller waiting on its completion handle.
	if resolve := c.abortInFlightLocked(newProtoErr(KindChannelClosedOrUninitialized, "channel closed before payment was acknowledged")); resolve != nil {
		defer resolve()
	}

	settled := false
	if len(msg.SettlementTxBytes) > 0 {
		tx, err := decodeTx(msg.SettlementTxBytes)
		if err != nil {
			return c.sendErrorLocked(KindBadTransaction, 0, "malformed settlement transaction")
		}
		if !c.channelState.IsSettlementTransaction(tx) {
			return c.sendErrorLocked(KindBadTransaction, 0, "settlement transaction does not spend the channel contract")
		}
		if err := c.wallet.ReceivePending(tx); err != nil {
			return c.protocolViolation("wallet rejected settlement transaction")
		}
		settled = true
	}

	c.channelState.DisconnectFromChannel()
	// Only a received settlement releases the stored record. A bare Close
	// means the server settled nothing (or could not broadcast yet), so
	// the record stays and the pre-expiry scheduler will still refund the
	// contract if it is never spent.
	if settled {
		if err := c.registry.Purge(c.serverID); err != nil {
			log.Errorf("paychan: purging settled channel %s failed: %v", c.serverID, err)
		}
	}
	c.state = ClientClosed
	return nil
}

// ReceiveError handles an Error message from the server.
func (c *ClientChannel) ReceiveError(msg *ErrorMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind := wireCodeToKind(msg.Code)
	err := newProtoErrf(kind, "server reported %s: %s", msg.Code, msg.Explanation)
	c.teardownLocked(err)
	return err
}

// ConnectionClosed unlinks the channel from its transport without
// destroying the persisted record.
func (c *ClientChannel) ConnectionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resolve := c.abortInFlightLocked(newProtoErr(KindChannelClosedOrUninitialized, "connection closed before payment was acknowledged")); resolve != nil {
		defer resolve()
	}
	if c.channelState != nil {
		c.channelState.DisconnectFromChannel()
	}
	if c.state != ClientClosed {
		c.state = ClientClosed
	}
}

// State returns the channel's current state, for callers/tests that need
// to observe it without reaching into private fields.
func (c *ClientChannel) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerID returns the channel's identity once known (zero value before
// ReceiveInitiate/a resumed ChannelOpen has run).
func (c *ClientChannel) ServerID() ServerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID
}

func (c *ClientChannel) sendErrorLocked(kind Kind, missing int64, explanation string) error {
	perr := &ProtocolError{Kind: kind, Missing: missing}
	out := &ErrorMsg{Code: kind.WireCode(), Explanation: explanation}
	if missing != 0 {
		out.ExpectedValue = &missing
	}
	_ = c.conn.SendToServer(out)
	c.teardownLocked(perr)
	return perr
}

func (c *ClientChannel) protocolViolation(explanation string) error {
	return c.sendErrorLocked(KindProtocolViolation, 0, explanation)
}

func (c *ClientChannel) protocolViolationUnlocked(explanation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendErrorLocked(KindProtocolViolation, 0, explanation)
}

func (c *ClientChannel) teardownLocked(err error) {
	c.state = ClientClosed
	if resolve := c.abortInFlightLocked(err); resolve != nil {
		resolve()
	}
	c.conn.DestroyConnection(err)
}

// abortInFlightLocked clears the in-flight payment bookkeeping and
// returns a closure resolving the outstanding future with reason, or nil
// when no payment was in flight. Resolution is just a buffered-channel
// send, so callers may run the closure under or outside the mutex.
func (c *ClientChannel) abortInFlightLocked(reason error) func() {
	fut := c.future
	if fut == nil {
		return nil
	}
	c.future = nil
	c.inFlight = false
	return func() { fut.resolve(PaymentResult{Err: reason}) }
}

func wireCodeToKind(code ErrorCode) Kind {
	switch code {
	case ErrTimeWindowUnacceptable:
		return KindTimeWindowUnacceptable
	case ErrNoAcceptableVersion:
		return KindNoAcceptableVersion
	case ErrChannelValueTooLarge:
		return KindChannelValueTooLarge
	case ErrMinPaymentTooLarge:
		return KindMinPaymentTooLarge
	case ErrBadTransaction:
		return KindBadTransaction
	default:
		return KindProtocolViolation
	}
}
