package paychan

import (
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/wallet/txsizes"
)

// TODO: these should be config options
var (
	DefaultFeePerByte       = bchutil.Amount(5)
	MinAcceptibleFeePerByte = bchutil.Amount(1)

	DefaultDustLimit       = bchutil.Amount(1000)
	MaxAcceptibleDustLimit = bchutil.Amount(1000)

	// DefaultSafetyMargin is how long before refund-lock expiry the
	// scheduler begins trying to close a stored channel. A client
	// refund is non-final until the lock itself expires, so early
	// attempts fail and are retried; the margin bounds how stale the
	// channel can be by then, and gives a server-side settlement its
	// head start over the refund branch.
	DefaultSafetyMargin = 10 * time.Minute
)

// IncrementedPayment is the result of a successful IncrementPaymentBy
// call: the new client-signed payment signature, and the actual
// increment applied, which may exceed the request when dust adjustment
// rounds up.
type IncrementedPayment struct {
	Signature []byte
	Amount    bchutil.Amount
}

// ChannelState is the shared capability set of the two protocol
// variants: V1ChannelState and V2ChannelState both implement it.
// V1-only operations (the incomplete-refund exchange) live on a
// separate interface, gated by the client state machine's own version
// check rather than by a type switch here.
type ChannelState interface {
	// Initiate builds this channel's contract (and, for V1, the
	// incomplete refund) from the negotiated parameters. userKey
	// unlocks the wallet's signing key if it is encrypted.
	Initiate(userKey []byte, props *ChannelProperties) error

	// IncrementPaymentBy signs a new cumulative payment transaction
	// that pays the server amount more than the current best payment.
	IncrementPaymentBy(amount bchutil.Amount, userKey []byte) (*IncrementedPayment, error)

	// GetContract returns the serialized contract transaction.
	GetContract() ([]byte, error)

	// BuildRefundTransaction returns a ready-to-broadcast refund
	// transaction: the stored, countersigned refund for V1 (error if
	// the server hasn't countersigned yet), or a freshly built,
	// unilaterally client-signed one for V2.
	BuildRefundTransaction() (*wire.MsgTx, error)

	// IsSettlementTransaction reports whether tx's sole input spends
	// this channel's multisig contract output. The input's signatures
	// and the output amounts are not checked.
	IsSettlementTransaction(tx *wire.MsgTx) bool

	// StoreChannelInWallet persists the channel's current state under
	// id.
	StoreChannelInWallet(id ServerID) error

	// ToStoredRecord builds the persistable record for this channel
	// without writing it anywhere, so a caller holding both a Wallet
	// and a Registry (as ClientChannel does) can write it through both.
	ToStoredRecord(id ServerID) (*StoredClientChannel, error)

	// DisconnectFromChannel releases any in-memory resources (locked
	// outpoints) without mutating persisted state.
	DisconnectFromChannel()

	// GetValueRefunded returns the amount the client would recover by
	// broadcasting the refund right now.
	GetValueRefunded() bchutil.Amount

	// ExpireTime is the absolute unix time the refund lock releases.
	ExpireTime() uint64

	// LockedValue is V_locked, the multisig output's total value.
	LockedValue() bchutil.Amount

	// BestPaymentValue is the cumulative amount currently paid (p_i).
	BestPaymentValue() bchutil.Amount

	// SetInitialPayment records the channel-opening payment declared in
	// ProvideContract. Unlike IncrementPaymentBy it does not build or
	// sign a payment transaction: ProvideContract carries no signature
	// for it, since the contract itself has not been broadcast yet and
	// there is nothing to redeem against.
	SetInitialPayment(amount bchutil.Amount)
}

// buildMultisigAddress builds the 2-of-2 P2SH address paying
// (clientKey, serverKey).
func buildMultisigAddress(clientKey, serverKey *bchec.PublicKey, params *chaincfg.Params) (bchutil.Address, []byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(2)
	builder.AddData(clientKey.SerializeCompressed())
	builder.AddData(serverKey.SerializeCompressed())
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	redeemScript, err := builder.Script()
	if err != nil {
		return nil, nil, err
	}
	addr, err := bchutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, nil, err
	}
	return addr, redeemScript, nil
}

// buildTimeLockedMultisigScript builds the V2 redeem script: a 2-of-2
// multisig branch, or after expireTime, a client-only
// CheckLockTimeVerify-gated refund branch.
func buildTimeLockedMultisigScript(clientKey, serverKey *bchec.PublicKey, expireTime uint64, params *chaincfg.Params) (bchutil.Address, []byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF).
		AddInt64(2).
		AddData(clientKey.SerializeCompressed()).
		AddData(serverKey.SerializeCompressed()).
		AddInt64(2).
		AddOp(txscript.OP_CHECKMULTISIG).
		AddOp(txscript.OP_ELSE).
		AddInt64(int64(expireTime)).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(clientKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF)

	redeemScript, err := builder.Script()
	if err != nil {
		return nil, nil, err
	}
	addr, err := bchutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, nil, err
	}
	return addr, redeemScript, nil
}

// buildMultisigScriptSig builds the standard 2-of-2 scriptSig: a
// leading OP_0 for the CHECKMULTISIG off-by-one bug, then both
// signatures, then the redeem script.
func buildMultisigScriptSig(sig1, sig2, redeemScript []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(sig1)
	builder.AddData(sig2)
	builder.AddData(redeemScript)
	return builder.Script()
}

// buildTimeLockedIfBranchScriptSig builds the scriptSig that satisfies the
// OP_IF (multisig) branch of buildTimeLockedMultisigScript: a leading
// OP_0 for the CHECKMULTISIG off-by-one bug, both signatures, a true
// (OP_1) selector so OP_IF takes the multisig path, then the redeem
// script.
func buildTimeLockedIfBranchScriptSig(sig1, sig2, redeemScript []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(sig1)
	builder.AddData(sig2)
	builder.AddInt64(1)
	builder.AddData(redeemScript)
	return builder.Script()
}

// buildTimeLockedElseBranchScriptSig builds the scriptSig that satisfies
// the OP_ELSE (CLTV refund) branch: the client signature, a false (OP_0)
// selector, then the redeem script.
func buildTimeLockedElseBranchScriptSig(clientSig, redeemScript []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddData(clientSig)
	builder.AddInt64(0)
	builder.AddData(redeemScript)
	return builder.Script()
}

// p2pkhScript builds the pay-to-pubkey-hash script over a compressed
// public key. Client and server must derive byte-identical scripts from
// the same key for payment reconstruction to validate, so every payout
// script goes through this one helper.
func p2pkhScript(key *bchec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	addr, err := bchutil.NewAddressPubKeyHash(bchutil.Hash160(key.SerializeCompressed()), params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// estimateFee is the serialize-size estimate times the per-byte rate.
func estimateFee(outputs []*wire.TxOut, feePerByte bchutil.Amount) bchutil.Amount {
	size := txsizes.EstimateSerializeSize(1, outputs, false)
	return bchutil.Amount(int64(feePerByte) * int64(size))
}

// settlementSplit computes the fee and the client's change for a
// payment/settlement transaction paying paidValue to the server. The fee
// is always estimated over both outputs, even when the change output is
// ultimately omitted, so both peers derive identical splits.
func settlementSplit(lockedValue, paidValue bchutil.Amount, serverPayoutScript, clientPayoutScript []byte, feePerByte bchutil.Amount) (fee, change bchutil.Amount) {
	fee = estimateFee([]*wire.TxOut{
		wire.NewTxOut(0, serverPayoutScript),
		wire.NewTxOut(0, clientPayoutScript),
	}, feePerByte)
	change = lockedValue - paidValue - fee
	return fee, change
}

// buildPaymentTx assembles the unsigned cumulative-payment/settlement
// transaction both peers sign: the settlementSplit fee/change rule with a
// change output only when positive. Every signature in the protocol after
// channel open covers a transaction produced here.
func buildPaymentTx(fundingOutpoint wire.OutPoint, lockedValue, paidValue bchutil.Amount,
	serverPayoutScript, clientPayoutScript []byte, feePerByte bchutil.Amount) *wire.MsgTx {

	serverOut := wire.NewTxOut(int64(paidValue), serverPayoutScript)
	clientOut := wire.NewTxOut(0, clientPayoutScript)
	_, change := settlementSplit(lockedValue, paidValue, serverPayoutScript, clientPayoutScript, feePerByte)
	outs := []*wire.TxOut{serverOut}
	if change > 0 {
		clientOut.Value = int64(change)
		outs = append(outs, clientOut)
	}
	return &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: fundingOutpoint,
			Sequence:         wire.MaxTxInSequenceNum,
		}},
		TxOut: outs,
	}
}

// signIncrementedPayment applies the dust-rounding rules to a requested
// increment, builds the payment transaction, and signs it with the client
// key. Shared by the V1 and V2 channel states, whose payment shape is
// identical. Returns the signature and the rounded cumulative total.
func signIncrementedPayment(lockedValue, bestPaid, amount, feePerByte, dustLimit bchutil.Amount,
	serverPayoutScript, clientPayoutScript, redeemScript []byte,
	fundingOutpoint wire.OutPoint, clientKey *bchec.PrivateKey) ([]byte, bchutil.Amount, error) {

	newPaid := bestPaid + amount

	// A sub-dust server output would be rejected at broadcast; round the
	// first payment up to the dust limit, like the change rounding below.
	if newPaid < dustLimit {
		newPaid = dustLimit
	}

	_, change := settlementSplit(lockedValue, newPaid, serverPayoutScript, clientPayoutScript, feePerByte)
	if change < 0 {
		return nil, 0, newProtoErr(KindValueOutOfRange, "payment would exceed locked value")
	}
	if change > 0 && change < dustLimit {
		// Dust adjustment: round the payment up so change lands on
		// exactly zero.
		newPaid += change
	}

	pay := buildPaymentTx(fundingOutpoint, lockedValue, newPaid, serverPayoutScript, clientPayoutScript, feePerByte)
	sig, err := txscript.RawTxInECDSASignature(pay, 0, redeemScript, txscript.SigHashAll, clientKey, int64(lockedValue))
	if err != nil {
		return nil, 0, wrapProtoErr(KindBadSignature, err)
	}
	return sig, newPaid, nil
}

// buildRefundTx assembles and signs the unilateral CLTV refund spending
// the contract output back to the client after expireTime. Used by the
// live V2 channel state and by the scheduler's crash-recovery path so
// the two cannot drift.
func buildRefundTx(fundingOutpoint wire.OutPoint, lockedValue, bestPaid bchutil.Amount,
	clientPayoutScript, redeemScript []byte, expireTime uint64,
	clientKey *bchec.PrivateKey, feePerByte, dustLimit bchutil.Amount) (*wire.MsgTx, error) {

	refund := &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: fundingOutpoint,
			Sequence:         wire.MaxTxInSequenceNum - 1,
		}},
		LockTime: uint32(expireTime),
	}
	refundOut := wire.NewTxOut(0, clientPayoutScript)
	fee := estimateFee([]*wire.TxOut{refundOut}, feePerByte)
	refundOut.Value = int64(lockedValue - bestPaid - fee)
	if refundOut.Value <= int64(dustLimit) {
		return nil, newProtoErr(KindValueOutOfRange, "remaining value too small to refund above dust after fees")
	}
	refund.TxOut = []*wire.TxOut{refundOut}

	sig, err := txscript.RawTxInECDSASignature(refund, 0, redeemScript, txscript.SigHashAll, clientKey, int64(lockedValue))
	if err != nil {
		return nil, wrapProtoErr(KindBadSignature, err)
	}
	scriptSig, err := buildTimeLockedElseBranchScriptSig(sig, redeemScript)
	if err != nil {
		return nil, wrapProtoErr(KindBadSignature, err)
	}
	refund.TxIn[0].SignatureScript = scriptSig
	return refund, nil
}

// buildSettlement reassembles and co-signs the exact transaction the
// client's payment signature covers, with multisig or time-locked
// if-branch scriptSig depending on the channel version. Payment
// validation, the live server channel's close, and the registry's
// pre-expiry scheduler all settle through this one builder so the
// reconstruction cannot drift.
func buildSettlement(version uint8, redeemScript []byte, fundingOutpoint wire.OutPoint,
	lockedValue, paidValue bchutil.Amount, serverPayoutScript, clientPayoutScript []byte,
	clientSig []byte, serverKey *bchec.PrivateKey, feePerByte bchutil.Amount) (*wire.MsgTx, error) {

	settlement := buildPaymentTx(fundingOutpoint, lockedValue, paidValue, serverPayoutScript, clientPayoutScript, feePerByte)

	serverSig, err := txscript.RawTxInECDSASignature(settlement, 0, redeemScript, txscript.SigHashAll, serverKey, int64(lockedValue))
	if err != nil {
		return nil, err
	}
	var scriptSig []byte
	if version == 1 {
		scriptSig, err = buildMultisigScriptSig(clientSig, serverSig, redeemScript)
	} else {
		scriptSig, err = buildTimeLockedIfBranchScriptSig(clientSig, serverSig, redeemScript)
	}
	if err != nil {
		return nil, err
	}
	settlement.TxIn[0].SignatureScript = scriptSig
	return settlement, nil
}

// validateMultisigSpend checks tx's input at index 0 properly spends
// scriptPubKey.
func validateMultisigSpend(tx *wire.MsgTx, scriptPubKey []byte, value int64) bool {
	sigHashes := txscript.NewTxSigHashes(tx)
	engine, err := txscript.NewEngine(scriptPubKey, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, nil, value)
	if err != nil {
		return false
	}
	return engine.Execute() == nil
}

// zeroHash is used to recognize an unset chainhash.Hash, e.g. an
// as-yet-unbroadcast contract.
var zeroHash chainhash.Hash
