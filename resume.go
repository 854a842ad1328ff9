package paychan

import (
	"bytes"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

// locateFundingOutpoint finds the contract tx's multisig output matching
// redeemScript's P2SH address, the same matching rule used by Initiate
// when the tx first comes back from the wallet.
func locateFundingOutpoint(contractTx *wire.MsgTx, redeemScript []byte, params *chaincfg.Params) (wire.OutPoint, bchutil.Amount, bchutil.Address, error) {
	addr, err := bchutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return wire.OutPoint{}, 0, nil, err
	}
	scriptPubKey, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wire.OutPoint{}, 0, nil, err
	}
	for i, o := range contractTx.TxOut {
		if bytes.Equal(o.PkScript, scriptPubKey) {
			op := wire.OutPoint{Hash: contractTx.TxHash(), Index: uint32(i)}
			return op, bchutil.Amount(o.Value), addr, nil
		}
	}
	return wire.OutPoint{}, 0, nil, newProtoErr(KindBadTransaction, "stored contract tx missing multisig output for redeem script")
}

// ResumeChannelState reconstructs a live ChannelState from a
// StoredClientChannel, the way a reloaded wallet must be able to. The
// returned state carries the same client key, locked value, best
// payment and payout scripts the channel had when it was last
// persisted, so IncrementPaymentBy and BuildRefundTransaction behave
// exactly as they would have had the connection never dropped.
func ResumeChannelState(wallet Wallet, params *chaincfg.Params, rec *StoredClientChannel) (ChannelState, error) {
	if len(rec.LocalKeyEncoded) != 32 {
		return nil, newProtoErr(KindProtocolViolation, "stored channel is missing its signing key")
	}
	clientKey, _ := parsePrivateKey(rec.LocalKeyEncoded)

	contractTx := &wire.MsgTx{}
	if err := contractTx.Deserialize(bytes.NewReader(rec.ContractTx)); err != nil {
		return nil, wrapProtoErr(KindBadTransaction, err)
	}

	fundingOutpoint, lockedValue, channelAddress, err := locateFundingOutpoint(contractTx, rec.RedeemScript, params)
	if err != nil {
		return nil, err
	}

	identity := &Identity{ClientKey: clientKey}

	switch rec.Version {
	case 1:
		v := NewV1ChannelState(wallet, params, identity, lockedValue, rec.ExpireTime)
		v.redeemScript = rec.RedeemScript
		v.channelAddress = channelAddress
		v.contractTx = contractTx
		v.fundingOutpoint = fundingOutpoint
		v.clientPayoutScript = rec.ClientPayoutScript
		v.serverPayoutScript = rec.ServerPayoutScript
		v.bestPaymentValue = bchutil.Amount(rec.BestPaymentValue)
		v.bestPaymentSig = rec.BestPaymentSig
		if rec.FeePerByte > 0 {
			v.feePerByte = bchutil.Amount(rec.FeePerByte)
		}
		if len(rec.RefundTx) > 0 {
			refund := &wire.MsgTx{}
			if err := refund.Deserialize(bytes.NewReader(rec.RefundTx)); err != nil {
				return nil, wrapProtoErr(KindBadTransaction, err)
			}
			v.refundTx = refund
			v.refundComplete = true
		}
		return v, nil

	case 2:
		v := NewV2ChannelState(wallet, params, identity, lockedValue, rec.ExpireTime)
		v.redeemScript = rec.RedeemScript
		v.channelAddress = channelAddress
		v.contractTx = contractTx
		v.fundingOutpoint = fundingOutpoint
		v.clientPayoutScript = rec.ClientPayoutScript
		v.serverPayoutScript = rec.ServerPayoutScript
		v.bestPaymentValue = bchutil.Amount(rec.BestPaymentValue)
		v.bestPaymentSig = rec.BestPaymentSig
		if rec.FeePerByte > 0 {
			v.feePerByte = bchutil.Amount(rec.FeePerByte)
		}
		return v, nil

	default:
		return nil, newProtoErr(KindProtocolViolation, "unknown stored channel version")
	}
}
