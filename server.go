package paychan

import (
	"bytes"
	"sync"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

// ServerState is the server-side state machine's current state.
// WaitConnOpen and WaitClientVersion are folded into one state here: a
// ServerChannel's whole lifetime begins with receiving a ClientVersion, so
// there is no separate connection_open() call to wait for on this side.
type ServerState uint8

const (
	ServerWaitClientVersion ServerState = iota
	ServerWaitRefund                    // V1 only
	ServerWaitContract
	ServerOpen
	ServerClosed
)

// ServerChannelProperties is the server-side analogue of
// ChannelProperties: the policy a deployment configures for channels it
// accepts.
type ServerChannelProperties struct {
	// SupportedMajors lists the protocol majors this server accepts, in
	// any order; the highest value not exceeding the client's requested
	// major is selected.
	SupportedMajors []uint8

	MinAcceptedChannelSize uint64
	ExpireTimeSecs         uint64
	MinPayment             uint64
}

// ServerChannel is the server state machine: one instance per inbound
// channel attempt.
type ServerChannel struct {
	mu sync.Mutex

	conn     Connection
	wallet   Wallet
	registry *Registry
	params   *chaincfg.Params
	props    *ServerChannelProperties

	serverKey *bchec.PrivateKey
	clientKey *bchec.PublicKey

	feePerByte bchutil.Amount
	dustLimit  bchutil.Amount

	version uint8
	state   ServerState

	redeemScript    []byte
	lockedValue     bchutil.Amount
	fundingOutpoint wire.OutPoint
	contractTx      *wire.MsgTx

	clientPayoutScript []byte
	serverPayoutScript []byte

	bestPaymentValue bchutil.Amount
	bestPaymentSig   []byte

	// expireTime is the channel's negotiated refund-lock expiry: the
	// config's proposal for a fresh channel, the stored value for a
	// resumed one (the config may have changed since).
	expireTime uint64

	serverID ServerID
}

// NewServerChannel constructs a server state machine, generating a fresh
// per-channel signing key.
func NewServerChannel(conn Connection, wallet Wallet, registry *Registry, params *chaincfg.Params, props *ServerChannelProperties) (*ServerChannel, error) {
	// A client-role registry would refund this channel at expiry instead
	// of settling it, forfeiting the server's balance.
	if registry != nil && !registry.settleOnExpiry {
		return nil, newProtoErr(KindProtocolViolation, "server channel requires a registry from NewServerRegistry")
	}
	key, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		return nil, err
	}
	return &ServerChannel{
		conn:       conn,
		wallet:     wallet,
		registry:   registry,
		params:     params,
		props:      props,
		serverKey:  key,
		feePerByte: DefaultFeePerByte,
		dustLimit:  DefaultDustLimit,
		expireTime: props.ExpireTimeSecs,
		state:      ServerWaitClientVersion,
	}, nil
}

// ReceiveClientVersion negotiates a protocol major and either offers
// Initiate terms or, if the client requested resumption of a still-usable
// stored channel, skips directly to ChannelOpen.
func (c *ServerChannel) ReceiveClientVersion(msg *ClientVersion) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ServerWaitClientVersion {
		return c.protocolViolation("unexpected ClientVersion")
	}

	major, ok := c.highestAcceptableMajor(msg.Major)
	if !ok {
		return c.sendErrorLocked(KindNoAcceptableVersion, 0, "no mutually acceptable protocol version")
	}
	c.version = major

	if msg.PreviousChannelContractHash != nil {
		id := ServerID(*msg.PreviousChannelContractHash)
		rec, err := c.registry.GetUsable(id)
		if err == nil && rec != nil {
			if err := c.resumeFromRecordLocked(rec); err != nil {
				return c.protocolViolation("failed to resume stored channel")
			}
			if err := c.conn.SendToClient(&ServerVersion{Major: major}); err != nil {
				return err
			}
			c.state = ServerOpen
			return c.conn.SendToClient(&ChannelOpen{})
		}
	}

	if err := c.conn.SendToClient(&ServerVersion{Major: major}); err != nil {
		return err
	}

	initiate := &Initiate{
		MultisigKey:            c.serverKey.PubKey().SerializeCompressed(),
		MinAcceptedChannelSize: c.props.MinAcceptedChannelSize,
		ExpireTimeSecs:         c.expireTime,
		MinPayment:             c.props.MinPayment,
	}
	if c.version == 1 {
		c.state = ServerWaitRefund
	} else {
		c.state = ServerWaitContract
	}
	return c.conn.SendToClient(initiate)
}

func (c *ServerChannel) highestAcceptableMajor(clientMajor uint8) (uint8, bool) {
	best := uint8(0)
	found := false
	for _, m := range c.props.SupportedMajors {
		if m <= clientMajor && m >= best {
			best = m
			found = true
		}
	}
	return best, found
}

// resumeFromRecordLocked restores enough of a ServerChannel's state from a
// previously stored record to keep signing settlements against it.
func (c *ServerChannel) resumeFromRecordLocked(rec *StoredClientChannel) error {
	contractTx, err := decodeTx(rec.ContractTx)
	if err != nil {
		return err
	}
	fundingOutpoint, lockedValue, _, err := locateFundingOutpoint(contractTx, rec.RedeemScript, c.params)
	if err != nil {
		return err
	}
	// The record carries the original server signing key: the fresh key
	// NewServerChannel generated cannot co-sign against the stored redeem
	// script.
	if len(rec.LocalKeyEncoded) != 32 {
		return newProtoErr(KindProtocolViolation, "stored channel is missing its signing key")
	}
	serverKey, _ := parsePrivateKey(rec.LocalKeyEncoded)
	c.serverKey = serverKey
	c.contractTx = contractTx
	c.redeemScript = rec.RedeemScript
	c.version = rec.Version
	c.lockedValue = lockedValue
	c.fundingOutpoint = fundingOutpoint
	c.clientPayoutScript = rec.ClientPayoutScript
	c.serverPayoutScript = rec.ServerPayoutScript
	c.bestPaymentValue = bchutil.Amount(rec.BestPaymentValue)
	c.bestPaymentSig = rec.BestPaymentSig
	c.expireTime = rec.ExpireTime
	if rec.FeePerByte > 0 {
		c.feePerByte = bchutil.Amount(rec.FeePerByte)
	}
	c.serverID = rec.ServerID
	return nil
}

// ReceiveProvideRefund verifies and countersigns the client's incomplete
// refund transaction (V1 only). The contract
// itself has not been sent yet, so the channel's locked value and funding
// outpoint are inferred from the refund's own structure and checked for
// consistency once ProvideContract arrives.
func (c *ServerChannel) ReceiveProvideRefund(msg *ProvideRefund) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ServerWaitRefund {
		return c.protocolViolation("unexpected ProvideRefund")
	}

	clientKey, err := ParseServerKey(msg.MultisigKey)
	if err != nil {
		return c.sendErrorLocked(KindBadTransaction, 0, "client multisig key is not a valid public key")
	}
	c.clientKey = clientKey

	refund, err := decodeTx(msg.RefundTxBytes)
	if err != nil {
		return c.sendErrorLocked(KindBadTransaction, 0, "malformed refund transaction")
	}
	if len(refund.TxIn) != 1 || len(refund.TxOut) != 1 {
		return c.sendErrorLocked(KindBadTransaction, 0, "refund transaction has an unexpected shape")
	}
	if uint64(refund.LockTime) < c.expireTime {
		return c.sendErrorLocked(KindBadTransaction, 0, "refund lock time precedes the negotiated expire time")
	}

	fee := estimateFee(refund.TxOut, c.feePerByte)
	lockedValue := bchutil.Amount(refund.TxOut[0].Value) + fee
	if lockedValue < bchutil.Amount(c.props.MinAcceptedChannelSize) {
		return c.sendErrorLocked(KindChannelValueTooLarge, int64(bchutil.Amount(c.props.MinAcceptedChannelSize)-lockedValue), "implied channel value below server minimum")
	}

	addr, redeemScript, err := buildMultisigAddress(clientKey, c.serverKey.PubKey(), c.params)
	if err != nil {
		return c.sendErrorLocked(KindBadTransaction, 0, "failed to build multisig address")
	}
	c.redeemScript = redeemScript
	c.lockedValue = lockedValue
	c.fundingOutpoint = refund.TxIn[0].PreviousOutPoint
	c.clientPayoutScript = refund.TxOut[0].PkScript
	_ = addr

	sig, err := txscript.RawTxInECDSASignature(refund, 0, redeemScript, txscript.SigHashAll, c.serverKey, int64(lockedValue))
	if err != nil {
		return c.sendErrorLocked(KindBadSignature, 0, "failed to sign refund transaction")
	}

	c.state = ServerWaitContract
	return c.conn.SendToClient(&ReturnRefund{Signature: sig})
}

// ReceiveProvideContract verifies the channel-opening contract, broadcasts
// it, applies the declared initial payment, and opens the channel.
func (c *ServerChannel) ReceiveProvideContract(msg *ProvideContract) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ServerWaitContract {
		return c.protocolViolation("unexpected ProvideContract")
	}

	contractTx, err := decodeTx(msg.ContractTxBytes)
	if err != nil {
		return c.sendErrorLocked(KindBadTransaction, 0, "malformed contract transaction")
	}

	if c.version == 1 {
		if err := c.verifyV1ContractLocked(contractTx); err != nil {
			return c.sendErrorLocked(KindBadTransaction, 0, err.Error())
		}
	} else {
		if len(msg.ClientKey) == 0 {
			return c.sendErrorLocked(KindSyntaxErrorCompat(), 0, "V2 ProvideContract missing client key")
		}
		clientKey, err := ParseServerKey(msg.ClientKey)
		if err != nil {
			return c.sendErrorLocked(KindBadTransaction, 0, "client key is not a valid public key")
		}
		c.clientKey = clientKey
		if err := c.verifyV2ContractLocked(contractTx); err != nil {
			return c.sendErrorLocked(KindBadTransaction, 0, err.Error())
		}
	}

	if err := c.wallet.PublishTransaction(contractTx); err != nil {
		return c.sendErrorLocked(KindBadTransaction, 0, "failed to broadcast contract transaction")
	}
	c.contractTx = contractTx
	c.bestPaymentValue = bchutil.Amount(msg.InitialPayment)

	if script, err := p2pkhScript(c.serverKey.PubKey(), c.params); err == nil {
		c.serverPayoutScript = script
	}

	id, err := NewServerID(c.clientKey, c.serverKey.PubKey())
	if err != nil {
		return c.sendErrorLocked(KindProtocolViolation, 0, "failed to derive channel id")
	}
	c.serverID = id
	// An open channel with no stored record could never be resumed or
	// settled by the scheduler after a disconnect; fail the open instead.
	if err := c.registry.Put(c.toStoredRecordLocked()); err != nil {
		return c.sendErrorLocked(KindChannelClosedOrUninitialized, 0, "failed to persist channel")
	}

	c.state = ServerOpen
	return c.conn.SendToClient(&ChannelOpen{})
}

func (c *ServerChannel) verifyV1ContractLocked(contractTx *wire.MsgTx) error {
	if contractTx.TxHash() != c.fundingOutpoint.Hash {
		return newProtoErr(KindBadTransaction, "contract tx does not match the outpoint committed to in the refund")
	}
	idx := c.fundingOutpoint.Index
	if int(idx) >= len(contractTx.TxOut) {
		return newProtoErr(KindBadTransaction, "refund outpoint index out of range in contract tx")
	}
	out := contractTx.TxOut[idx]
	if bchutil.Amount(out.Value) != c.lockedValue {
		return newProtoErr(KindBadTransaction, "contract output value does not match the refund's implied value")
	}
	expectedScript, err := txscript.PayToAddrScript(mustP2SH(c.redeemScript, c.params))
	if err != nil {
		return err
	}
	if string(out.PkScript) != string(expectedScript) {
		return newProtoErr(KindBadTransaction, "contract output script does not match the negotiated multisig redeem script")
	}
	return nil
}

func (c *ServerChannel) verifyV2ContractLocked(contractTx *wire.MsgTx) error {
	addr, redeemScript, err := buildTimeLockedMultisigScript(c.clientKey, c.serverKey.PubKey(), c.expireTime, c.params)
	if err != nil {
		return err
	}
	scriptPubKey, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}
	for i, o := range contractTx.TxOut {
		if string(o.PkScript) == string(scriptPubKey) {
			c.redeemScript = redeemScript
			c.lockedValue = bchutil.Amount(o.Value)
			c.fundingOutpoint = wire.OutPoint{Hash: contractTx.TxHash(), Index: uint32(i)}
			if c.lockedValue < bchutil.Amount(c.props.MinAcceptedChannelSize) {
				return newProtoErr(KindChannelValueTooLarge, "channel value below server minimum")
			}
			// V2 change outputs pay P2PKH over the client's channel key;
			// there is no refund exchange to learn a script from.
			clientScript, err := p2pkhScript(c.clientKey, c.params)
			if err != nil {
				return err
			}
			c.clientPayoutScript = clientScript
			return nil
		}
	}
	return newProtoErr(KindBadTransaction, "contract tx missing expected time-locked multisig output")
}

func mustP2SH(redeemScript []byte, params *chaincfg.Params) bchutil.Address {
	addr, _ := bchutil.NewAddressScriptHash(redeemScript, params)
	return addr
}

// ReceiveUpdatePayment verifies and records a new cumulative payment.
// Verification is done by reconstructing
// the payment transaction from the claimed change value, signing it with
// the server's own key, and running the assembled 2-of-2 spend through a
// real script engine rather than a standalone signature-verify primitive.
func (c *ServerChannel) ReceiveUpdatePayment(msg *UpdatePayment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ServerOpen {
		return c.protocolViolation("unexpected UpdatePayment")
	}

	// ClientChangeValue is the locked value minus the cumulative payment;
	// the fee comes out of the client's side, so the actual change output
	// (if any) is that figure less the fee, with the split computed the
	// same way buildSettlement computes it.
	fee, _ := settlementSplit(c.lockedValue, 0, c.serverPayoutScript, c.clientPayoutScript, c.feePerByte)
	newPaid := c.lockedValue - bchutil.Amount(msg.ClientChangeValue)
	clientOutValue := bchutil.Amount(msg.ClientChangeValue) - fee

	if clientOutValue < 0 {
		return c.sendErrorLocked(KindBadTransaction, 0, "payment exceeds the locked channel value")
	}
	// Sub-dust outputs on either side would make the eventual settlement
	// non-standard and unbroadcastable; a well-behaved client rounds the
	// payment up so the change is exactly zero instead.
	if clientOutValue > 0 && clientOutValue < c.dustLimit {
		return c.sendErrorLocked(KindBadTransaction, 0, "client change output below the dust limit")
	}
	// Every UpdatePayment carries a signature over a transaction with a
	// server output, so a cumulative total below dust (zero included) is
	// never legitimate here.
	if newPaid < c.dustLimit {
		return c.sendErrorLocked(KindBadTransaction, 0, "server output below the dust limit")
	}
	if newPaid < c.bestPaymentValue+bchutil.Amount(c.props.MinPayment) {
		return c.sendErrorLocked(KindBadTransaction, 0, "payment does not meet the required minimum increment")
	}

	// Reconstruct the transaction the client claims to have signed; the
	// same builder produces the settlement at close time, so a signature
	// accepted here always covers a broadcastable settlement.
	pay, err := buildSettlement(c.version, c.redeemScript, c.fundingOutpoint,
		c.lockedValue, newPaid, c.serverPayoutScript, c.clientPayoutScript,
		msg.Signature, c.serverKey, c.feePerByte)
	if err != nil {
		return c.sendErrorLocked(KindBadSignature, 0, "failed to co-sign payment")
	}

	scriptPubKey, err := txscript.PayToAddrScript(mustP2SH(c.redeemScript, c.params))
	if err != nil || !validateMultisigSpend(pay, scriptPubKey, int64(c.lockedValue)) {
		return c.sendErrorLocked(KindBadTransaction, 0, "client payment signature failed validation")
	}

	c.bestPaymentValue = newPaid
	c.bestPaymentSig = msg.Signature
	// Put fails if the scheduler already force-settled this channel; a
	// payment on a spent contract must not be acked.
	if err := c.registry.Put(c.toStoredRecordLocked()); err != nil {
		return c.sendErrorLocked(KindChannelClosedOrUninitialized, 0, "channel has been settled")
	}

	return c.conn.SendToClient(&PaymentAck{})
}

// ReceiveClose finalizes the channel, broadcasting a settlement
// transaction for the best known payment if one exists.
func (c *ServerChannel) ReceiveClose(msg *Close) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ServerOpen {
		return c.protocolViolation("unexpected Close")
	}

	out := &Close{}
	settled := true
	if c.bestPaymentSig != nil {
		settlement, err := buildSettlement(c.version, c.redeemScript, c.fundingOutpoint,
			c.lockedValue, c.bestPaymentValue, c.serverPayoutScript, c.clientPayoutScript,
			c.bestPaymentSig, c.serverKey, c.feePerByte)
		if err != nil {
			log.Errorf("paychan: building settlement for %s failed: %v", c.serverID, err)
		} else if err := c.wallet.PublishTransaction(settlement); err != nil {
			// A transiently failed broadcast must not discard the only
			// settlement: leave the record open so the registry's
			// pre-expiry scheduler retries it.
			log.Errorf("paychan: broadcasting settlement for %s failed: %v", c.serverID, err)
			settled = false
		} else {
			var buf bytes.Buffer
			if serr := settlement.Serialize(&buf); serr == nil {
				out.SettlementTxBytes = buf.Bytes()
			}
		}
	}

	c.state = ServerClosed
	if settled {
		if err := c.registry.MarkSettled(c.serverID, c.toStoredRecordLocked()); err != nil {
			log.Errorf("paychan: marking server-side channel %s settled failed: %v", c.serverID, err)
		}
	}
	return c.conn.SendToClient(out)
}

func (c *ServerChannel) toStoredRecordLocked() *StoredClientChannel {
	var contractBytes []byte
	if c.contractTx != nil {
		var buf bytes.Buffer
		_ = c.contractTx.Serialize(&buf)
		contractBytes = buf.Bytes()
	}
	// From the server's perspective the locally held signing key is its
	// own channel key; it lands in the same slot the client's record
	// keeps the client key in.
	return &StoredClientChannel{
		ServerID:           c.serverID,
		Version:            c.version,
		ContractTx:         contractBytes,
		RedeemScript:       c.redeemScript,
		BestPaymentSig:     c.bestPaymentSig,
		BestPaymentValue:   uint64(c.bestPaymentValue),
		ExpireTime:         c.expireTime,
		FeePerByte:         uint64(c.feePerByte),
		LocalKeyEncoded:    c.serverKey.Serialize(),
		ClientPayoutScript: c.clientPayoutScript,
		ServerPayoutScript: c.serverPayoutScript,
	}
}

// State returns the channel's current state.
func (c *ServerChannel) State() ServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ServerChannel) sendErrorLocked(kind Kind, missing int64, explanation string) error {
	perr := &ProtocolError{Kind: kind, Missing: missing}
	out := &ErrorMsg{Code: kind.WireCode(), Explanation: explanation}
	if missing != 0 {
		out.ExpectedValue = &missing
	}
	_ = c.conn.SendToClient(out)
	c.state = ServerClosed
	c.conn.DestroyConnection(perr)
	return perr
}

func (c *ServerChannel) protocolViolation(explanation string) error {
	return c.sendErrorLocked(KindProtocolViolation, 0, explanation)
}

// KindSyntaxErrorCompat maps a malformed-payload condition, such as a V2
// ProvideContract with no client key, onto KindProtocolViolation, which
// goes on the wire as OTHER: there is no internal Kind for the wire
// SYNTAX_ERROR code, and nothing in this package sends it.
func KindSyntaxErrorCompat() Kind {
	return KindProtocolViolation
}
