package paychan

import (
	"bytes"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

// V1ChannelState implements the V1 pre-signed-refund variant: the
// refund is exchanged and fully signed before the contract is ever sent
// to the server.
type V1ChannelState struct {
	wallet   Wallet
	params   *chaincfg.Params
	identity *Identity

	lockedValue bchutil.Amount
	feePerByte  bchutil.Amount
	dustLimit   bchutil.Amount
	expireTime  uint64

	clientPayoutScript []byte
	serverPayoutScript []byte

	redeemScript    []byte
	channelAddress  bchutil.Address
	fundingOutpoint wire.OutPoint
	contractTx      *wire.MsgTx

	refundTx        *wire.MsgTx
	clientRefundSig []byte
	refundComplete  bool

	bestPaymentValue bchutil.Amount
	bestPaymentSig   []byte
}

// NewV1ChannelState constructs an uninitiated V1 channel state for a
// channel of the given locked value between identity.ClientKey and
// identity.ServerKey, closing to expireTime.
func NewV1ChannelState(wallet Wallet, params *chaincfg.Params, identity *Identity, lockedValue bchutil.Amount, expireTime uint64) *V1ChannelState {
	return &V1ChannelState{
		wallet:      wallet,
		params:      params,
		identity:    identity,
		lockedValue: lockedValue,
		feePerByte:  DefaultFeePerByte,
		dustLimit:   DefaultDustLimit,
		expireTime:  expireTime,
	}
}

func (v *V1ChannelState) Initiate(userKey []byte, props *ChannelProperties) error {
	addr, redeemScript, err := buildMultisigAddress(v.identity.ClientKey.PubKey(), v.identity.ServerKey, v.params)
	if err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	v.channelAddress = addr
	v.redeemScript = redeemScript

	contractScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	out := wire.NewTxOut(int64(v.lockedValue), contractScript)

	authored, err := v.wallet.CreateSimpleTx([]*wire.TxOut{out}, 1, v.feePerByte*1000)
	if err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	tx := authored.Tx
	if props != nil && props.ModifyContractSendRequest != nil {
		if err := props.ModifyContractSendRequest(tx); err != nil {
			return wrapProtoErr(KindBadTransaction, err)
		}
	}
	v.contractTx = tx

	outIdx := -1
	for i, o := range tx.TxOut {
		if bytes.Equal(o.PkScript, contractScript) {
			outIdx = i
			break
		}
	}
	if outIdx < 0 {
		return newProtoErr(KindBadTransaction, "contract tx missing multisig output")
	}
	v.fundingOutpoint = wire.OutPoint{Hash: tx.TxHash(), Index: uint32(outIdx)}
	v.wallet.LockOutpoint(v.fundingOutpoint)

	payoutAddr, err := v.wallet.NewAddress()
	if err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	clientScript, err := txscript.PayToAddrScript(payoutAddr)
	if err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	v.clientPayoutScript = clientScript

	serverScript, err := p2pkhScript(v.identity.ServerKey, v.params)
	if err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	v.serverPayoutScript = serverScript

	refund := &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: v.fundingOutpoint,
			Sequence:         wire.MaxTxInSequenceNum - 1,
		}},
		LockTime: uint32(v.expireTime),
	}
	refundOut := wire.NewTxOut(0, clientScript)
	fee := estimateFee([]*wire.TxOut{refundOut}, v.feePerByte)
	refundOut.Value = int64(v.lockedValue - fee)
	if refundOut.Value <= int64(v.dustLimit) {
		return newProtoErr(KindValueOutOfRange, "locked value too small to refund above dust after fees")
	}
	refund.TxOut = []*wire.TxOut{refundOut}
	v.refundTx = refund

	sig, err := txscript.RawTxInECDSASignature(refund, 0, redeemScript, txscript.SigHashAll, v.identity.ClientKey, int64(v.lockedValue))
	if err != nil {
		return wrapProtoErr(KindBadSignature, err)
	}
	v.clientRefundSig = sig
	return nil
}

// GetIncompleteRefundTransaction serializes the refund transaction before
// the server's signature has been applied, for the ProvideRefund message.
func (v *V1ChannelState) GetIncompleteRefundTransaction() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.refundTx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ProvideRefundSignature applies the server's refund signature, validates
// the resulting scriptSig against the multisig output, and marks the
// refund complete and broadcastable.
func (v *V1ChannelState) ProvideRefundSignature(serverSig []byte, userKey []byte) error {
	scriptSig, err := buildMultisigScriptSig(v.clientRefundSig, serverSig, v.redeemScript)
	if err != nil {
		return wrapProtoErr(KindBadSignature, err)
	}
	v.refundTx.TxIn[0].SignatureScript = scriptSig

	scriptPubKey, err := txscript.PayToAddrScript(v.channelAddress)
	if err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	if !validateMultisigSpend(v.refundTx, scriptPubKey, int64(v.lockedValue)) {
		return newProtoErr(KindBadSignature, "server refund signature failed validation")
	}
	v.refundComplete = true
	return nil
}

func (v *V1ChannelState) GetContract() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.contractTx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRefundTransaction returns the completed refund, or an error if
// the server has not yet returned its signature; the refund must never
// be broadcast in that state.
func (v *V1ChannelState) BuildRefundTransaction() (*wire.MsgTx, error) {
	if !v.refundComplete {
		return nil, newProtoErr(KindChannelClosedOrUninitialized, "refund not yet countersigned")
	}
	return v.refundTx, nil
}

func (v *V1ChannelState) IncrementPaymentBy(amount bchutil.Amount, userKey []byte) (*IncrementedPayment, error) {
	sig, newPaid, err := signIncrementedPayment(v.lockedValue, v.bestPaymentValue, amount,
		v.feePerByte, v.dustLimit, v.serverPayoutScript, v.clientPayoutScript,
		v.redeemScript, v.fundingOutpoint, v.identity.ClientKey)
	if err != nil {
		return nil, err
	}

	applied := newPaid - v.bestPaymentValue
	v.bestPaymentValue = newPaid
	v.bestPaymentSig = sig
	return &IncrementedPayment{Signature: sig, Amount: applied}, nil
}

// SetInitialPayment records the channel-opening payment declared in
// ProvideContract, with no accompanying signature.
func (v *V1ChannelState) SetInitialPayment(amount bchutil.Amount) {
	v.bestPaymentValue = amount
}

func (v *V1ChannelState) IsSettlementTransaction(tx *wire.MsgTx) bool {
	return isSettlementOf(tx, v.fundingOutpoint)
}

func (v *V1ChannelState) StoreChannelInWallet(id ServerID) error {
	rec, err := v.ToStoredRecord(id)
	if err != nil {
		return err
	}
	return v.wallet.StoreChannel(id, rec)
}

// ToStoredRecord is only ever called once the refund is complete: the
// client state machine persists a V1 channel after ReceiveReturnRefund
// succeeds, never before, so a broadcastable refund exists whenever a
// stored record does.
func (v *V1ChannelState) ToStoredRecord(id ServerID) (*StoredClientChannel, error) {
	if !v.refundComplete {
		return nil, newProtoErr(KindChannelClosedOrUninitialized, "refuse to persist a V1 channel before its refund is countersigned")
	}
	contract, err := v.GetContract()
	if err != nil {
		return nil, err
	}
	var refundBytes bytes.Buffer
	if err := v.refundTx.Serialize(&refundBytes); err != nil {
		return nil, err
	}
	return &StoredClientChannel{
		ServerID:           id,
		Version:            1,
		ContractTx:         contract,
		RedeemScript:       v.redeemScript,
		RefundTx:           refundBytes.Bytes(),
		BestPaymentSig:     v.bestPaymentSig,
		BestPaymentValue:   uint64(v.bestPaymentValue),
		ExpireTime:         v.expireTime,
		FeePerByte:         uint64(v.feePerByte),
		ClientPayoutScript: v.clientPayoutScript,
		ServerPayoutScript: v.serverPayoutScript,
		LocalKeyEncoded:    v.identity.ClientKey.Serialize(),
	}, nil
}

func (v *V1ChannelState) DisconnectFromChannel() {
	v.wallet.UnlockOutpoint(v.fundingOutpoint)
}

func (v *V1ChannelState) GetValueRefunded() bchutil.Amount {
	return v.lockedValue - v.bestPaymentValue
}

func (v *V1ChannelState) ExpireTime() uint64               { return v.expireTime }
func (v *V1ChannelState) LockedValue() bchutil.Amount      { return v.lockedValue }
func (v *V1ChannelState) BestPaymentValue() bchutil.Amount { return v.bestPaymentValue }

// isSettlementOf reports whether tx's sole input spends outpoint, the
// shared shape of a settlement/refund/payment transaction in this
// protocol.
func isSettlementOf(tx *wire.MsgTx, outpoint wire.OutPoint) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	return tx.TxIn[0].PreviousOutPoint == outpoint
}

var _ ChannelState = (*V1ChannelState)(nil)

func parsePrivateKey(b []byte) (*bchec.PrivateKey, *bchec.PublicKey) {
	return bchec.PrivKeyFromBytes(bchec.S256(), b)
}
