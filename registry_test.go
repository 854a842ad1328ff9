package paychan

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/wallet/txauthor"
	"github.com/gcash/bchwallet/walletdb"
	_ "github.com/gcash/bchwallet/walletdb/bdb"
)

// nullWallet is a minimal Wallet used only where the registry itself needs
// one (Registry.forceClose's PublishTransaction call); it records what
// it's handed rather than doing anything with it.
type nullWallet struct {
	published []*wire.MsgTx
}

func (w *nullWallet) NewAddress() (bchutil.Address, error) { return nil, nil }
func (w *nullWallet) CreateSimpleTx(outputs []*wire.TxOut, minconf int32, satPerKb bchutil.Amount) (*txauthor.AuthoredTx, error) {
	return nil, nil
}
func (w *nullWallet) LockOutpoint(op wire.OutPoint)                     {}
func (w *nullWallet) UnlockOutpoint(op wire.OutPoint)                   {}
func (w *nullWallet) StoreChannel(ServerID, *StoredClientChannel) error { return nil }
func (w *nullWallet) GetUsableChannel(ServerID) (*StoredClientChannel, error) {
	return nil, nil
}
func (w *nullWallet) Sign(tx *wire.MsgTx, key *bchec.PrivateKey, userKey []byte) ([]byte, error) {
	return nil, nil
}
func (w *nullWallet) PublishTransaction(tx *wire.MsgTx) error {
	w.published = append(w.published, tx)
	return nil
}
func (w *nullWallet) ReceivePending(tx *wire.MsgTx) error          { return nil }
func (w *nullWallet) ImportChannelKey(key *bchec.PrivateKey) error { return nil }
func (w *nullWallet) IsEncrypted() bool                            { return false }

func newTestRegistry(t *testing.T, wallet Wallet, safetyMargin time.Duration) *Registry {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	db, err := walletdb.Create("bdb", dbPath, true)
	if err != nil {
		t.Fatalf("walletdb.Create: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg, err := NewRegistry(db, wallet, &chaincfg.RegressionNetParams, safetyMargin)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Shutdown)
	return reg
}

func sampleRecord(id ServerID, expireTime uint64) *StoredClientChannel {
	return &StoredClientChannel{
		ServerID:         id,
		Version:          2,
		ContractTx:       []byte{0x01, 0x02, 0x03},
		RedeemScript:     []byte{0x51},
		BestPaymentValue: 500,
		ExpireTime:       expireTime,
	}
}

func TestRegistryPutGetUsablePurge(t *testing.T) {
	reg := newTestRegistry(t, &nullWallet{}, 10*time.Minute)

	var id ServerID
	id[0] = 0xAB
	rec := sampleRecord(id, uint64(time.Now().Add(24*time.Hour).Unix()))

	if err := reg.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := reg.GetUsable(id)
	if err != nil {
		t.Fatalf("GetUsable: %v", err)
	}
	if got == nil {
		t.Fatal("expected a usable record right after Put")
	}
	if got.BestPaymentValue != 500 {
		t.Fatalf("BestPaymentValue = %d, want 500", got.BestPaymentValue)
	}

	if err := reg.Purge(id); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	got, err = reg.GetUsable(id)
	if err != nil {
		t.Fatalf("GetUsable after purge: %v", err)
	}
	if got != nil {
		t.Fatal("expected no record after Purge")
	}
}

// TestRegistryGetUsableRespectsSafetyMargin checks that a record whose
// refund lock has already passed the safety-margin cutoff is not usable.
func TestRegistryGetUsableRespectsSafetyMargin(t *testing.T) {
	reg := newTestRegistry(t, &nullWallet{}, 10*time.Minute)

	var id ServerID
	id[0] = 0xCD
	// expire_time only 1 minute from now; safety margin is 10 minutes, so
	// the cutoff (expire_time - 10m) has already passed.
	rec := sampleRecord(id, uint64(time.Now().Add(1*time.Minute).Unix()))
	if err := reg.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := reg.GetUsable(id)
	if err != nil {
		t.Fatalf("GetUsable: %v", err)
	}
	if got != nil {
		t.Fatal("expected the record to be unusable once past the safety-margin cutoff")
	}
}

// TestRegistryPreExpiryAutoClose: once a stored
// channel's cutoff passes, the scheduler broadcasts its refund and moves
// the record out of the open bucket.
func TestRegistryPreExpiryAutoClose(t *testing.T) {
	wallet := &nullWallet{}
	reg := newTestRegistry(t, wallet, 10*time.Minute)

	// A controllable clock. The record's cutoff starts in the future so
	// Put arms a long timer instead of spawning a firing pass of its own;
	// the clock then jumps past the cutoff and the scheduler is driven
	// directly, with no real sleeping and no goroutine to race.
	current := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return current }

	clientPriv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		t.Fatal(err)
	}
	serverPriv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		t.Fatal(err)
	}
	params := &chaincfg.RegressionNetParams
	expireTime := uint64(1_700_000_000 + 3600) // cutoff (expire - 10m) is 50m out
	addr, redeemScript, err := buildTimeLockedMultisigScript(clientPriv.PubKey(), serverPriv.PubKey(), expireTime, params)
	if err != nil {
		t.Fatal(err)
	}
	scriptPubKey, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}
	contractTx := &wire.MsgTx{
		Version: 1,
		TxIn:    []*wire.TxIn{{PreviousOutPoint: wire.OutPoint{Index: 9}}},
		TxOut:   []*wire.TxOut{wire.NewTxOut(1_000_000, scriptPubKey)},
	}
	var contractBuf bytes.Buffer
	if err := contractTx.Serialize(&contractBuf); err != nil {
		t.Fatal(err)
	}
	clientPayoutScript, err := p2pkhScript(clientPriv.PubKey(), params)
	if err != nil {
		t.Fatal(err)
	}

	var id ServerID
	id[0] = 0xEF
	rec := &StoredClientChannel{
		ServerID:           id,
		Version:            2,
		ContractTx:         contractBuf.Bytes(),
		RedeemScript:       redeemScript,
		BestPaymentValue:   500,
		ExpireTime:         expireTime,
		FeePerByte:         uint64(DefaultFeePerByte),
		LocalKeyEncoded:    clientPriv.Serialize(),
		ClientPayoutScript: clientPayoutScript,
	}
	if err := reg.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Advance to the cutoff and drive the scheduler directly.
	current = time.Unix(int64(expireTime), 0).Add(-10 * time.Minute)
	reg.fireExpirations()

	if len(wallet.published) != 1 {
		t.Fatalf("expected exactly one broadcast refund, got %d", len(wallet.published))
	}

	fundingOutpoint := wire.OutPoint{Hash: contractTx.TxHash(), Index: 0}
	if !isSettlementOf(wallet.published[0], fundingOutpoint) {
		t.Fatal("broadcast refund does not spend the channel's funding outpoint")
	}
	if !validateMultisigSpend(wallet.published[0], scriptPubKey, 1_000_000) {
		t.Fatal("broadcast refund does not validate against the contract's CLTV script")
	}

	got, err := reg.GetUsable(id)
	if err != nil {
		t.Fatalf("GetUsable: %v", err)
	}
	if got != nil {
		t.Fatal("expected the record to be gone from the open bucket after auto-close")
	}
}
