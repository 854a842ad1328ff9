package paychan

import (
	"bytes"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

// V2ChannelState implements the V2 time-locked-multisig variant:
// the redeem script itself carries a CheckLockTimeVerify branch, so the
// refund is derivable by the client alone once expireTime passes, with no
// server round-trip and no separate pre-signed refund exchange.
type V2ChannelState struct {
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

	bestPaymentValue bchutil.Amount
	bestPaymentSig   []byte
}

// NewV2ChannelState constructs an uninitiated V2 channel state.
func NewV2ChannelState(wallet Wallet, params *chaincfg.Params, identity *Identity, lockedValue bchutil.Amount, expireTime uint64) *V2ChannelState {
	return &V2ChannelState{
		wallet:      wallet,
		params:      params,
		identity:    identity,
		lockedValue: lockedValue,
		feePerByte:  DefaultFeePerByte,
		dustLimit:   DefaultDustLimit,
		expireTime:  expireTime,
	}
}

func (v *V2ChannelState) Initiate(userKey []byte, props *ChannelProperties) error {
	addr, redeemScript, err := buildTimeLockedMultisigScript(v.identity.ClientKey.PubKey(), v.identity.ServerKey, v.expireTime, v.params)
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

	// The change/refund destination is P2PKH over the channel key itself
	// rather than a fresh wallet address: unlike V1, no message carries a
	// client payout script, so the server must be able to derive it from
	// the client key alone when reconstructing payment transactions.
	clientScript, err := p2pkhScript(v.identity.ClientKey.PubKey(), v.params)
	if err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	if err := v.wallet.ImportChannelKey(v.identity.ClientKey); err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	v.clientPayoutScript = clientScript

	serverScript, err := p2pkhScript(v.identity.ServerKey, v.params)
	if err != nil {
		return wrapProtoErr(KindBadTransaction, err)
	}
	v.serverPayoutScript = serverScript

	return nil
}

func (v *V2ChannelState) GetContract() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.contractTx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRefundTransaction constructs the CLTV refund unilaterally: no
// server signature is needed, only the client key against the OP_ELSE
// branch of the time-locked script.
func (v *V2ChannelState) BuildRefundTransaction() (*wire.MsgTx, error) {
	return buildRefundTx(v.fundingOutpoint, v.lockedValue, v.bestPaymentValue,
		v.clientPayoutScript, v.redeemScript, v.expireTime,
		v.identity.ClientKey, v.feePerByte, v.dustLimit)
}

func (v *V2ChannelState) IncrementPaymentBy(amount bchutil.Amount, userKey []byte) (*IncrementedPayment, error) {
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
func (v *V2ChannelState) SetInitialPayment(amount bchutil.Amount) {
	v.bestPaymentValue = amount
}

func (v *V2ChannelState) IsSettlementTransaction(tx *wire.MsgTx) bool {
	return isSettlementOf(tx, v.fundingOutpoint)
}

func (v *V2ChannelState) StoreChannelInWallet(id ServerID) error {
	rec, err := v.ToStoredRecord(id)
	if err != nil {
		return err
	}
	return v.wallet.StoreChannel(id, rec)
}

func (v *V2ChannelState) ToStoredRecord(id ServerID) (*StoredClientChannel, error) {
	contract, err := v.GetContract()
	if err != nil {
		return nil, err
	}
	// V2 has no separate pre-signed refund to store; RedeemScript plus
	// ExpireTime is enough to derive it unilaterally on demand.
	return &StoredClientChannel{
		ServerID:           id,
		Version:            2,
		ContractTx:         contract,
		RedeemScript:       v.redeemScript,
		BestPaymentSig:     v.bestPaymentSig,
		BestPaymentValue:   uint64(v.bestPaymentValue),
		ExpireTime:         v.expireTime,
		FeePerByte:         uint64(v.feePerByte),
		LocalKeyEncoded:    v.identity.ClientKey.Serialize(),
		ClientPayoutScript: v.clientPayoutScript,
		ServerPayoutScript: v.serverPayoutScript,
	}, nil
}

func (v *V2ChannelState) DisconnectFromChannel() {
	v.wallet.UnlockOutpoint(v.fundingOutpoint)
}

func (v *V2ChannelState) GetValueRefunded() bchutil.Amount {
	return v.lockedValue - v.bestPaymentValue
}

func (v *V2ChannelState) ExpireTime() uint64               { return v.expireTime }
func (v *V2ChannelState) LockedValue() bchutil.Amount      { return v.lockedValue }
func (v *V2ChannelState) BestPaymentValue() bchutil.Amount { return v.bestPaymentValue }

var _ ChannelState = (*V2ChannelState)(nil)
