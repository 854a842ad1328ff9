package paychan

import (
	"bytes"
	"sync"
	"time"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/walletdb"
)

// Registry is the stored channel registry: a server-id ->
// StoredClientChannel mapping, backed by walletdb, that also runs the
// pre-expiry close scheduler.
type Registry struct {
	db     walletdb.DB
	wallet Wallet
	params *chaincfg.Params

	safetyMargin time.Duration
	now          func() time.Time

	// settleOnExpiry selects the pre-expiry action: a client registry
	// broadcasts the stored refund, a server registry broadcasts the
	// settlement covering the best payment signature before the client's
	// refund branch unlocks.
	settleOnExpiry bool

	lock Kmutex

	mu         sync.Mutex
	timer      *time.Timer
	earliest   time.Time
	firing     bool
	retryArmed bool
	shutdown   bool
}

// NewRegistry opens (creating if necessary) a client-side registry's
// buckets and arms the pre-expiry scheduler over any already-stored
// channels.
func NewRegistry(db walletdb.DB, wallet Wallet, params *chaincfg.Params, safetyMargin time.Duration) (*Registry, error) {
	return newRegistry(db, wallet, params, safetyMargin, false)
}

// NewServerRegistry is the server-side variant: its pre-expiry scheduler
// settles channels instead of refunding them.
func NewServerRegistry(db walletdb.DB, wallet Wallet, params *chaincfg.Params, safetyMargin time.Duration) (*Registry, error) {
	return newRegistry(db, wallet, params, safetyMargin, true)
}

func newRegistry(db walletdb.DB, wallet Wallet, params *chaincfg.Params, safetyMargin time.Duration, settleOnExpiry bool) (*Registry, error) {
	if err := initDatabase(db); err != nil {
		return nil, err
	}
	r := &Registry{
		db:             db,
		wallet:         wallet,
		params:         params,
		safetyMargin:   safetyMargin,
		now:            time.Now,
		settleOnExpiry: settleOnExpiry,
		lock:           NewKmutex(),
	}
	r.reschedule()
	return r, nil
}

// Put is the idempotent insert/update operation. A channel that has
// already been settled cannot be reopened: its funding outpoint may
// already be spent by the closing transaction.
func (r *Registry) Put(rec *StoredClientChannel) error {
	r.lock.Lock(rec.ServerID)
	defer r.lock.Unlock(rec.ServerID)

	if err := putOpenChannel(r.db, rec); err != nil {
		return err
	}

	// Put runs on every payment, but a payment never changes ExpireTime;
	// skip the full-bucket rescan when the armed timer already covers
	// this record's cutoff.
	cutoff := time.Unix(int64(rec.ExpireTime), 0).Add(-r.safetyMargin)
	r.mu.Lock()
	covered := r.timer != nil && !r.earliest.IsZero() && !cutoff.Before(r.earliest)
	r.mu.Unlock()
	if !covered {
		r.reschedule()
	}
	return nil
}

// GetUsable returns the stored channel for id only if its refund lock has
// not yet expired minus the safety margin.
func (r *Registry) GetUsable(id ServerID) (*StoredClientChannel, error) {
	r.lock.Lock(id)
	defer r.lock.Unlock(id)

	rec, err := getOpenChannel(r.db, id)
	if err != nil || rec == nil {
		return nil, err
	}
	cutoff := time.Unix(int64(rec.ExpireTime), 0).Add(-r.safetyMargin)
	if !r.now().Before(cutoff) {
		return nil, nil
	}
	return rec, nil
}

// Purge removes the channel's record, called when its refund is confirmed
// or the channel is cleanly settled.
func (r *Registry) Purge(id ServerID) error {
	r.lock.Lock(id)
	defer r.lock.Unlock(id)

	if err := deleteOpenChannel(r.db, id); err != nil {
		return err
	}
	r.reschedule()
	return nil
}

// MarkSettled moves a channel's record out of the live bucket into the
// closed bucket without immediately purging it, so it remains available
// for inspection until the refund (or settlement) confirms on chain.
func (r *Registry) MarkSettled(id ServerID, rec *StoredClientChannel) error {
	r.lock.Lock(id)
	defer r.lock.Unlock(id)
	return r.markSettledLocked(rec)
}

func (r *Registry) markSettledLocked(rec *StoredClientChannel) error {
	if err := moveToClosedChannel(r.db, rec); err != nil {
		return err
	}
	r.reschedule()
	return nil
}

// Shutdown stops the scheduler: the timer is cancelled and neither an
// in-flight fireExpirations nor a later reschedule will re-arm it. Safe
// to call more than once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	r.retryArmed = false
	if r.timer != nil {
		r.timer.Stop()
	}
}

// reschedule resets the single scheduler timer to fire at the earliest
// expiry-minus-safety-margin among all stored channels. Holding r.mu
// only (not the per-key Kmutex) keeps this cheap to call from Put/Purge.
func (r *Registry) reschedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return
	}

	var earliest *time.Time
	_ = forEachOpenChannel(r.db, func(rec *StoredClientChannel) error {
		cutoff := time.Unix(int64(rec.ExpireTime), 0).Add(-r.safetyMargin)
		if earliest == nil || cutoff.Before(*earliest) {
			earliest = &cutoff
		}
		return nil
	})
	if earliest == nil {
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.earliest = time.Time{}
		r.retryArmed = false
		return
	}

	d := earliest.Sub(r.now())
	if d <= 0 {
		// Past due. An in-progress firing pass reschedules when it
		// finishes, and an armed retry timer keeps its cadence; only
		// fire directly when neither is pending.
		if r.firing || r.retryArmed {
			return
		}
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		go r.fireExpirations()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.retryArmed = false
	r.earliest = *earliest
	r.timer = time.AfterFunc(d, r.fireExpirations)
}

// closeRetryInterval is how long the scheduler waits before retrying a
// force-close whose broadcast failed transiently.
const closeRetryInterval = time.Minute

// fireExpirations force-closes every stored channel whose cutoff has
// passed, then reschedules for whatever remains. Concurrent invocations
// (the timer plus a reschedule from Put/Purge racing it) coalesce via the
// firing flag.
func (r *Registry) fireExpirations() {
	r.mu.Lock()
	if r.firing || r.shutdown {
		r.mu.Unlock()
		return
	}
	r.firing = true
	r.retryArmed = false
	r.mu.Unlock()

	var due []*StoredClientChannel
	_ = forEachOpenChannel(r.db, func(rec *StoredClientChannel) error {
		cutoff := time.Unix(int64(rec.ExpireTime), 0).Add(-r.safetyMargin)
		if !r.now().Before(cutoff) {
			due = append(due, rec)
		}
		return nil
	})

	broadcastFailed := false
	for _, rec := range due {
		if !r.forceClose(rec) {
			broadcastFailed = true
		}
	}

	r.mu.Lock()
	r.firing = false
	if broadcastFailed && !r.shutdown {
		// The records that failed to close are still in the open bucket
		// with past-due cutoffs; retry on a fixed cadence rather than
		// letting reschedule re-fire immediately.
		if r.timer != nil {
			r.timer.Stop()
		}
		r.retryArmed = true
		r.timer = time.AfterFunc(closeRetryInterval, r.fireExpirations)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.reschedule()
}

// forceClose broadcasts rec's closing transaction (refund on the client
// side, settlement on the server side) and moves the record to the closed
// bucket. A record whose closing transaction cannot even be built is moved
// aside too — that failure is deterministic and would recur forever — but
// a failed broadcast leaves the record open so the caller can retry it.
// Returns false only in the retryable case.
func (r *Registry) forceClose(stale *StoredClientChannel) bool {
	id := stale.ServerID
	r.lock.Lock(id)
	defer r.lock.Unlock(id)

	// Re-read under the key lock: the caller's snapshot may predate a
	// newer payment accepted (and Put) while the scheduler was running,
	// or a concurrent Purge/MarkSettled.
	rec, err := getOpenChannel(r.db, id)
	if err != nil {
		log.Errorf("paychan: re-reading %s for close failed: %v", id, err)
		return false
	}
	if rec == nil {
		return true
	}

	var tx *wire.MsgTx
	if r.settleOnExpiry {
		tx, err = buildSettlementFromRecord(rec, r.params)
	} else {
		tx, err = buildRefundFromRecord(rec, r.params)
	}
	if err != nil {
		log.Errorf("paychan: building closing tx for %s failed: %v", id, err)
	} else if err := r.wallet.PublishTransaction(tx); err != nil {
		// A server-side settlement races the client's refund: once the
		// lock has expired and the safety margin passed again, a
		// still-failing broadcast has lost that race for good (the
		// refund branch has unlocked and likely spent the contract), so
		// give up and move the record aside. A client refund has no such
		// deadline — it stays valid indefinitely — so it is retried for
		// as long as the record exists.
		if r.settleOnExpiry {
			deadline := time.Unix(int64(rec.ExpireTime), 0).Add(r.safetyMargin)
			if !r.now().Before(deadline) {
				log.Errorf("paychan: broadcasting settlement for %s failed past expiry, giving up: %v", id, err)
				if err := r.markSettledLocked(rec); err != nil {
					log.Errorf("paychan: marking %s settled failed: %v", id, err)
				}
				return true
			}
		}
		log.Errorf("paychan: broadcasting closing tx for %s failed, will retry: %v", id, err)
		return false
	}
	if err := r.markSettledLocked(rec); err != nil {
		// The record is still in the open bucket; report retryable so
		// the caller backs off instead of re-firing immediately.
		log.Errorf("paychan: marking %s settled failed: %v", id, err)
		return false
	}
	return true
}

// buildSettlementFromRecord reconstructs and co-signs the settlement
// covering the record's best payment signature.
func buildSettlementFromRecord(rec *StoredClientChannel, params *chaincfg.Params) (*wire.MsgTx, error) {
	if len(rec.BestPaymentSig) == 0 {
		return nil, newProtoErr(KindChannelClosedOrUninitialized, "stored channel has no payment to settle")
	}
	contractTx := &wire.MsgTx{}
	if err := contractTx.Deserialize(bytes.NewReader(rec.ContractTx)); err != nil {
		return nil, err
	}
	fundingOutpoint, lockedValue, _, err := locateFundingOutpoint(contractTx, rec.RedeemScript, params)
	if err != nil {
		return nil, err
	}
	if len(rec.LocalKeyEncoded) != 32 {
		return nil, newProtoErr(KindProtocolViolation, "stored channel is missing its signing key")
	}
	serverKey, _ := parsePrivateKey(rec.LocalKeyEncoded)

	return buildSettlement(rec.Version, rec.RedeemScript, fundingOutpoint,
		lockedValue, bchutil.Amount(rec.BestPaymentValue), rec.ServerPayoutScript,
		rec.ClientPayoutScript, rec.BestPaymentSig, serverKey, recFeeRate(rec))
}

// buildRefundFromRecord reconstructs a broadcastable refund transaction
// purely from a StoredClientChannel, the way a reloaded wallet must be
// able to.
//
// V1 records are only ever stored once ProvideRefundSignature has
// completed (see ReceiveReturnRefund in client.go), so RefundTx is
// already a fully countersigned transaction ready to broadcast as-is.
//
// V2 records carry no pre-signed refund; it is rebuilt unilaterally here
// from the redeem script using the client's own key, mirroring
// V2ChannelState.BuildRefundTransaction.
func buildRefundFromRecord(rec *StoredClientChannel, params *chaincfg.Params) (*wire.MsgTx, error) {
	if rec.Version == 1 {
		refund := &wire.MsgTx{}
		if err := refund.Deserialize(bytes.NewReader(rec.RefundTx)); err != nil {
			return nil, err
		}
		return refund, nil
	}

	contractTx := &wire.MsgTx{}
	if err := contractTx.Deserialize(bytes.NewReader(rec.ContractTx)); err != nil {
		return nil, err
	}
	fundingOutpoint, lockedValue, _, err := locateFundingOutpoint(contractTx, rec.RedeemScript, params)
	if err != nil {
		return nil, err
	}
	if len(rec.LocalKeyEncoded) != 32 {
		return nil, newProtoErr(KindProtocolViolation, "stored channel is missing its signing key")
	}
	clientKey, _ := parsePrivateKey(rec.LocalKeyEncoded)
	if len(rec.ClientPayoutScript) == 0 {
		return nil, newProtoErr(KindProtocolViolation, "stored channel is missing its payout script")
	}

	return buildRefundTx(fundingOutpoint, lockedValue, bchutil.Amount(rec.BestPaymentValue),
		rec.ClientPayoutScript, rec.RedeemScript, rec.ExpireTime,
		clientKey, recFeeRate(rec), DefaultDustLimit)
}

// recFeeRate returns the fee rate the record's payments were signed
// under. The writers always persist it; the default covers only
// hand-constructed records with the field unset.
func recFeeRate(rec *StoredClientChannel) bchutil.Amount {
	if rec.FeePerByte > 0 {
		return bchutil.Amount(rec.FeePerByte)
	}
	return DefaultFeePerByte
}
