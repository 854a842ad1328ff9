package paychan_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bchpay/paychan"
	"github.com/bchpay/paychan/paychantest"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/walletdb"
	_ "github.com/gcash/bchwallet/walletdb/bdb"
)

// dispatchClient routes a message that arrived at the client (i.e. one the
// server sent) to the matching ClientChannel receive method.
func dispatchClient(c *paychan.ClientChannel, msg paychan.Message) error {
	switch m := msg.(type) {
	case *paychan.ServerVersion:
		return c.ReceiveServerVersion(m)
	case *paychan.Initiate:
		return c.ReceiveInitiate(m)
	case *paychan.ReturnRefund:
		return c.ReceiveReturnRefund(m)
	case *paychan.ChannelOpen:
		return c.ReceiveChannelOpen(m)
	case *paychan.PaymentAck:
		return c.ReceivePaymentAck(m)
	case *paychan.Close:
		return c.ReceiveClose(m)
	case *paychan.ErrorMsg:
		return c.ReceiveError(m)
	default:
		return nil
	}
}

// dispatchServer routes a message that arrived at the server (i.e. one the
// client sent) to the matching ServerChannel receive method. ServerChannel
// has no ReceiveError: an incoming Error is purely informational once the
// sender has already torn its own side down.
func dispatchServer(s *paychan.ServerChannel, msg paychan.Message) error {
	switch m := msg.(type) {
	case *paychan.ClientVersion:
		return s.ReceiveClientVersion(m)
	case *paychan.ProvideRefund:
		return s.ReceiveProvideRefund(m)
	case *paychan.ProvideContract:
		return s.ReceiveProvideContract(m)
	case *paychan.UpdatePayment:
		return s.ReceiveUpdatePayment(m)
	case *paychan.Close:
		return s.ReceiveClose(m)
	default:
		return nil
	}
}

// testHarness bundles one client/server pair wired over a loopback
// connection, each backed by its own in-memory wallet and a real
// bdb-backed registry, the way a production deployment's two endpoints
// never share a wallet.
type testHarness struct {
	t *testing.T

	pair *paychantest.LoopbackPair

	clientWallet *paychantest.MockWallet
	serverWallet *paychantest.MockWallet

	clientRegistry *paychan.Registry
	serverRegistry *paychan.Registry

	client *paychan.ClientChannel
	server *paychan.ServerChannel
}

func newRegistryForTest(t *testing.T, wallet paychan.Wallet, serverSide bool) *paychan.Registry {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reg.db")
	db, err := walletdb.Create("bdb", dbPath, true)
	if err != nil {
		t.Fatalf("walletdb.Create: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	newReg := paychan.NewRegistry
	if serverSide {
		newReg = paychan.NewServerRegistry
	}
	reg, err := newReg(db, wallet, &chaincfg.RegressionNetParams, 10*time.Minute)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Shutdown)
	return reg
}

// newWiredPair constructs a client/server pair over a loopback connection
// with the given configurations, wired but not yet opened.
func newWiredPair(t *testing.T, props *paychan.ChannelProperties, serverProps *paychan.ServerChannelProperties) *testHarness {
	t.Helper()
	params := &chaincfg.RegressionNetParams

	h := &testHarness{
		t:            t,
		pair:         paychantest.NewLoopbackPair(),
		clientWallet: paychantest.NewMockWallet(params),
		serverWallet: paychantest.NewMockWallet(params),
	}
	h.clientRegistry = newRegistryForTest(t, h.clientWallet, false)
	h.serverRegistry = newRegistryForTest(t, h.serverWallet, true)

	client, err := paychan.NewClientChannel(h.pair.Client, h.clientWallet, h.clientRegistry, params, props, bchutil.Amount(1_000_000), nil)
	if err != nil {
		t.Fatalf("NewClientChannel: %v", err)
	}
	h.client = client

	server, err := paychan.NewServerChannel(h.pair.Server, h.serverWallet, h.serverRegistry, params, serverProps)
	if err != nil {
		t.Fatalf("NewServerChannel: %v", err)
	}
	h.server = server

	h.pair.SetClientHandler(func(msg paychan.Message) error { return dispatchClient(h.client, msg) })
	h.pair.SetServerHandler(func(msg paychan.Message) error { return dispatchServer(h.server, msg) })
	return h
}

func defaultServerProps() *paychan.ServerChannelProperties {
	return &paychan.ServerChannelProperties{
		SupportedMajors:        []uint8{1, 2},
		MinAcceptedChannelSize: 10_000,
		ExpireTimeSecs:         uint64(time.Now().Add(24 * time.Hour).Unix()),
		MinPayment:             0,
	}
}

// newHarness wires a fresh client/server pair and pumps the negotiation
// through to ServerOpen/ClientOpen under the given version selector.
func newHarness(t *testing.T, selector paychan.VersionSelector) *testHarness {
	t.Helper()

	props := paychan.DefaultChannelProperties()
	props.VersionSelector = selector
	h := newWiredPair(t, props, defaultServerProps())

	if err := h.client.ConnectionOpen(nil); err != nil {
		t.Fatalf("ConnectionOpen: %v", err)
	}
	if err := h.pair.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}

	if got := h.client.State(); got != paychan.ClientOpen {
		t.Fatalf("client state = %v, want ClientOpen", got)
	}
	if got := h.server.State(); got != paychan.ServerOpen {
		t.Fatalf("server state = %v, want ServerOpen", got)
	}
	return h
}

// TestV2HappyPath exercises the baseline V2 negotiation: ConnectionOpen
// through ChannelOpen with no pre-signed refund exchange.
func TestV2HappyPath(t *testing.T) {
	h := newHarness(t, paychan.V2Only)
	if len(h.serverWallet.Published()) != 1 {
		t.Fatalf("expected the server to have broadcast the contract tx, got %d", len(h.serverWallet.Published()))
	}
}

// TestV1HappyPath checks the pre-signed-refund variant completes the same
// way, with the extra ProvideRefund/ReturnRefund round trip folded into
// negotiation before the contract is sent.
func TestV1HappyPath(t *testing.T) {
	h := newHarness(t, paychan.V1Only)
	if len(h.serverWallet.Published()) != 1 {
		t.Fatalf("expected the server to have broadcast the contract tx, got %d", len(h.serverWallet.Published()))
	}
}

// TestIncrementPaymentAndAck drives a payment through to a resolved
// PaymentFuture carrying the increment the server acknowledged.
func TestIncrementPaymentAndAck(t *testing.T) {
	h := newHarness(t, paychan.V2Only)

	future, err := h.client.IncrementPayment(bchutil.Amount(50_000), []byte("invoice-1"))
	if err != nil {
		t.Fatalf("IncrementPayment: %v", err)
	}
	if err := h.pair.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}

	select {
	case res := <-future.Done():
		if res.Err != nil {
			t.Fatalf("payment future resolved with error: %v", res.Err)
		}
		if res.Amount != 50_000 {
			t.Fatalf("applied amount = %d, want 50000", res.Amount)
		}
	default:
		t.Fatal("expected the payment future to be resolved after Pump")
	}
}

// TestIncrementPaymentRoundsUpDust checks the dust-adjustment policy: a
// payment that would leave sub-dust change is silently rounded up so the
// change lands on exactly zero, and the resolved future reports the
// adjusted amount. The exact fee depends on serialize-size estimation
// internals, so the zero-change boundary is located empirically on a
// throwaway channel first: scanning down from the locked value, the
// first increment that succeeds is the one leaving exactly zero change
// (anything larger fails as value-out-of-range).
func TestIncrementPaymentRoundsUpDust(t *testing.T) {
	const locked = bchutil.Amount(1_000_000)

	probe := newHarness(t, paychan.V2Only)
	var zeroChange bchutil.Amount
	for amt := locked - 1; amt > locked-5000; amt-- {
		if _, err := probe.client.IncrementPayment(amt, nil); err == nil {
			zeroChange = amt
			break
		} else {
			var perr *paychan.ProtocolError
			if !errors.As(err, &perr) || perr.Kind != paychan.KindValueOutOfRange {
				t.Fatalf("IncrementPayment(%d): unexpected error %v", amt, err)
			}
		}
	}
	if zeroChange == 0 {
		t.Fatal("no increment near the locked value succeeded; fee boundary not found")
	}

	// On a fresh channel, request one satoshi less than the zero-change
	// amount: the change would be 1, far below the dust limit, so the
	// increment must round up to the full zero-change amount.
	h := newHarness(t, paychan.V2Only)
	requested := zeroChange - 1
	future, err := h.client.IncrementPayment(requested, nil)
	if err != nil {
		t.Fatalf("IncrementPayment(%d): %v", requested, err)
	}
	if err := h.pair.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}

	res := <-future.Done()
	if res.Err != nil {
		t.Fatalf("payment future resolved with error: %v", res.Err)
	}
	if res.Amount != zeroChange {
		t.Fatalf("applied amount = %d, want %d (requested %d, rounded up past dust)", res.Amount, zeroChange, requested)
	}

	// A followup increment for the already-applied difference has nothing
	// left to pay for and is rejected rather than silently absorbed.
	if _, err := h.client.IncrementPayment(1, nil); err == nil {
		t.Fatal("expected a further increment on an exhausted channel to be rejected")
	} else {
		var perr *paychan.ProtocolError
		if !errors.As(err, &perr) || perr.Kind != paychan.KindValueOutOfRange {
			t.Fatalf("unexpected error on exhausted channel: %v", err)
		}
	}
}

// TestSecondPaymentRejectedWhileFirstInFlight checks that Settle (and a
// second IncrementPayment) is rejected while a payment is outstanding.
func TestSecondPaymentRejectedWhileFirstInFlight(t *testing.T) {
	h := newHarness(t, paychan.V2Only)

	if _, err := h.client.IncrementPayment(bchutil.Amount(1000), nil); err != nil {
		t.Fatalf("first IncrementPayment: %v", err)
	}
	if _, err := h.client.IncrementPayment(bchutil.Amount(1000), nil); err != paychan.ErrChannelBusy {
		t.Fatalf("second IncrementPayment error = %v, want ErrChannelBusy", err)
	}
	if err := h.client.Settle(); err != paychan.ErrChannelBusy {
		t.Fatalf("Settle error = %v, want ErrChannelBusy", err)
	}
}

// TestServerClosesWithSettlement checks that a cooperative Settle() after
// at least one payment has the server broadcast a settlement transaction
// and hand it back in its Close, and purges the client's registry entry.
func TestServerClosesWithSettlement(t *testing.T) {
	h := newHarness(t, paychan.V2Only)

	future, err := h.client.IncrementPayment(bchutil.Amount(25_000), nil)
	if err != nil {
		t.Fatalf("IncrementPayment: %v", err)
	}
	if err := h.pair.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if res := <-future.Done(); res.Err != nil {
		t.Fatalf("payment failed: %v", res.Err)
	}

	if err := h.client.Settle(); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if err := h.pair.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}

	if got := h.client.State(); got != paychan.ClientClosed {
		t.Fatalf("client state = %v, want ClientClosed", got)
	}
	if got := h.server.State(); got != paychan.ServerClosed {
		t.Fatalf("server state = %v, want ServerClosed", got)
	}

	// Contract broadcast plus settlement broadcast.
	if got := len(h.serverWallet.Published()); got != 2 {
		t.Fatalf("server broadcasts = %d, want 2 (contract + settlement)", got)
	}

	rec, err := h.clientRegistry.GetUsable(h.client.ServerID())
	if err != nil {
		t.Fatalf("GetUsable: %v", err)
	}
	if rec != nil {
		t.Fatal("expected the client registry entry to be purged after a clean settlement")
	}
}

// TestResumption: a client reconnecting with a previously negotiated
// server id, still within the stored channel's usable window, skips
// straight from ClientVersion to ChannelOpen on both sides.
func TestResumption(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	clientWallet := paychantest.NewMockWallet(params)
	serverWallet := paychantest.NewMockWallet(params)
	clientRegistry := newRegistryForTest(t, clientWallet, false)
	serverRegistry := newRegistryForTest(t, serverWallet, true)

	props := paychan.DefaultChannelProperties()
	props.VersionSelector = paychan.V2Only
	serverProps := &paychan.ServerChannelProperties{
		SupportedMajors:        []uint8{2},
		MinAcceptedChannelSize: 10_000,
		ExpireTimeSecs:         uint64(time.Now().Add(24 * time.Hour).Unix()),
	}

	pair1 := paychantest.NewLoopbackPair()
	client1, err := paychan.NewClientChannel(pair1.Client, clientWallet, clientRegistry, params, props, bchutil.Amount(1_000_000), nil)
	if err != nil {
		t.Fatalf("NewClientChannel: %v", err)
	}
	server1, err := paychan.NewServerChannel(pair1.Server, serverWallet, serverRegistry, params, serverProps)
	if err != nil {
		t.Fatalf("NewServerChannel: %v", err)
	}
	pair1.SetClientHandler(func(msg paychan.Message) error { return dispatchClient(client1, msg) })
	pair1.SetServerHandler(func(msg paychan.Message) error { return dispatchServer(server1, msg) })

	if err := client1.ConnectionOpen(nil); err != nil {
		t.Fatalf("ConnectionOpen: %v", err)
	}
	if err := pair1.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if got := client1.State(); got != paychan.ClientOpen {
		t.Fatalf("client1 state = %v, want ClientOpen", got)
	}

	// Pay before disconnecting, so the resumed channel must pick up from
	// a non-zero total on both sides.
	future1, err := client1.IncrementPayment(bchutil.Amount(10_000), nil)
	if err != nil {
		t.Fatalf("IncrementPayment before disconnect: %v", err)
	}
	if err := pair1.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if res := <-future1.Done(); res.Err != nil {
		t.Fatalf("payment before disconnect failed: %v", res.Err)
	}

	id := client1.ServerID()
	client1.ConnectionClosed()

	// A fresh connection attempt, same wallets/registries, offering the
	// previous channel's id as a resumption hint.
	pair2 := paychantest.NewLoopbackPair()
	client2, err := paychan.NewClientChannel(pair2.Client, clientWallet, clientRegistry, params, props, bchutil.Amount(1_000_000), nil)
	if err != nil {
		t.Fatalf("NewClientChannel (resume): %v", err)
	}
	server2, err := paychan.NewServerChannel(pair2.Server, serverWallet, serverRegistry, params, serverProps)
	if err != nil {
		t.Fatalf("NewServerChannel (resume): %v", err)
	}
	pair2.SetClientHandler(func(msg paychan.Message) error { return dispatchClient(client2, msg) })
	pair2.SetServerHandler(func(msg paychan.Message) error { return dispatchServer(server2, msg) })

	if err := client2.ConnectionOpen(&id); err != nil {
		t.Fatalf("ConnectionOpen (resume): %v", err)
	}
	if err := pair2.Pump(); err != nil {
		t.Fatalf("Pump (resume): %v", err)
	}

	if got := client2.State(); got != paychan.ClientOpen {
		t.Fatalf("client2 state = %v, want ClientOpen after resumption", got)
	}
	if got := server2.State(); got != paychan.ServerOpen {
		t.Fatalf("server2 state = %v, want ServerOpen after resumption", got)
	}
	if client2.ServerID() != id {
		t.Fatalf("resumed channel id = %v, want %v", client2.ServerID(), id)
	}
	// No second Initiate/ProvideContract round: the server should not
	// have broadcast a second contract transaction.
	if got := len(serverWallet.Published()); got != 1 {
		t.Fatalf("server broadcasts after resumption = %d, want 1 (only the original contract)", got)
	}

	// The resumed channel continues from the pre-disconnect total: a
	// further increment signs against it and the server accepts.
	future2, err := client2.IncrementPayment(bchutil.Amount(5_000), nil)
	if err != nil {
		t.Fatalf("IncrementPayment after resumption: %v", err)
	}
	if err := pair2.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	res := <-future2.Done()
	if res.Err != nil {
		t.Fatalf("payment after resumption failed: %v", res.Err)
	}
	if res.Amount != 5_000 {
		t.Fatalf("applied amount after resumption = %d, want 5000", res.Amount)
	}
}

// TestInitialPaymentFromMinPayment: the channel opens with an initial
// payment equal to the server's advertised minimum, persisted on both
// sides, and later increments build on top of it.
func TestInitialPaymentFromMinPayment(t *testing.T) {
	props := paychan.DefaultChannelProperties()
	props.VersionSelector = paychan.V2Only
	props.AcceptableMinPayment = 1000
	serverProps := defaultServerProps()
	serverProps.MinPayment = 500

	h := newWiredPair(t, props, serverProps)
	if err := h.client.ConnectionOpen(nil); err != nil {
		t.Fatalf("ConnectionOpen: %v", err)
	}
	if err := h.pair.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if got := h.client.State(); got != paychan.ClientOpen {
		t.Fatalf("client state = %v, want ClientOpen", got)
	}

	rec, err := h.clientRegistry.GetUsable(h.client.ServerID())
	if err != nil {
		t.Fatalf("GetUsable: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a stored record after channel open")
	}
	if rec.BestPaymentValue != 500 {
		t.Fatalf("stored BestPaymentValue = %d, want the initial payment 500", rec.BestPaymentValue)
	}

	// An increment below the server's advertised minimum is rejected
	// locally, before anything is signed, persisted, or sent.
	if _, err := h.client.IncrementPayment(bchutil.Amount(400), nil); err == nil {
		t.Fatal("expected an increment below the server minimum to be rejected")
	} else {
		var perr *paychan.ProtocolError
		if !errors.As(err, &perr) || perr.Kind != paychan.KindValueOutOfRange {
			t.Fatalf("unexpected error for sub-minimum increment: %v", err)
		}
	}

	future, err := h.client.IncrementPayment(bchutil.Amount(1500), nil)
	if err != nil {
		t.Fatalf("IncrementPayment: %v", err)
	}
	if err := h.pair.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	res := <-future.Done()
	if res.Err != nil {
		t.Fatalf("payment on top of the initial amount failed: %v", res.Err)
	}
	if res.Amount != 1500 {
		t.Fatalf("applied amount = %d, want 1500", res.Amount)
	}
}

// TestMinPaymentTooLarge: a server minimum above the client's acceptable
// bound rejects the channel and reports the shortfall.
func TestMinPaymentTooLarge(t *testing.T) {
	props := paychan.DefaultChannelProperties()
	props.VersionSelector = paychan.V2Only
	props.AcceptableMinPayment = 400
	serverProps := defaultServerProps()
	serverProps.MinPayment = 1000

	h := newWiredPair(t, props, serverProps)
	if err := h.client.ConnectionOpen(nil); err != nil {
		t.Fatalf("ConnectionOpen: %v", err)
	}
	err := h.pair.Pump()
	var perr *paychan.ProtocolError
	if !errors.As(err, &perr) || perr.Kind != paychan.KindMinPaymentTooLarge {
		t.Fatalf("Pump error = %v, want MIN_PAYMENT_TOO_LARGE", err)
	}
	if perr.Missing != 600 {
		t.Fatalf("Missing = %d, want the 600 shortfall", perr.Missing)
	}
	if got := h.client.State(); got != paychan.ClientClosed {
		t.Fatalf("client state = %v, want ClientClosed", got)
	}
	if got := len(h.pair.Client.Destroyed()); got != 1 {
		t.Fatalf("client DestroyConnection calls = %d, want 1", got)
	}
}

// TestExpireTimeRejected: the caller's AcceptExpireTime policy vetoes the
// server's proposed refund lock.
func TestExpireTimeRejected(t *testing.T) {
	props := paychan.DefaultChannelProperties()
	props.VersionSelector = paychan.V2Only

	h := newWiredPair(t, props, defaultServerProps())
	h.pair.Client.SetAcceptExpireTime(func(uint64) bool { return false })

	if err := h.client.ConnectionOpen(nil); err != nil {
		t.Fatalf("ConnectionOpen: %v", err)
	}
	err := h.pair.Pump()
	var perr *paychan.ProtocolError
	if !errors.As(err, &perr) || perr.Kind != paychan.KindTimeWindowUnacceptable {
		t.Fatalf("Pump error = %v, want TIME_WINDOW_UNACCEPTABLE", err)
	}
	if got := h.client.State(); got != paychan.ClientClosed {
		t.Fatalf("client state = %v, want ClientClosed", got)
	}
}

// TestNoAcceptableVersion: a V2-only client refuses a server that can only
// speak major 1.
func TestNoAcceptableVersion(t *testing.T) {
	props := paychan.DefaultChannelProperties()
	props.VersionSelector = paychan.V2Only
	serverProps := defaultServerProps()
	serverProps.SupportedMajors = []uint8{1}

	h := newWiredPair(t, props, serverProps)
	if err := h.client.ConnectionOpen(nil); err != nil {
		t.Fatalf("ConnectionOpen: %v", err)
	}
	err := h.pair.Pump()
	var perr *paychan.ProtocolError
	if !errors.As(err, &perr) || perr.Kind != paychan.KindNoAcceptableVersion {
		t.Fatalf("Pump error = %v, want NO_ACCEPTABLE_VERSION", err)
	}
	if got := h.client.State(); got != paychan.ClientClosed {
		t.Fatalf("client state = %v, want ClientClosed", got)
	}
}

// TestEncryptedWalletRequiresUserKey: an encrypted wallet with no user key
// fails Initiate synchronously to the caller, without a wire Error or a
// connection teardown.
func TestEncryptedWalletRequiresUserKey(t *testing.T) {
	props := paychan.DefaultChannelProperties()
	props.VersionSelector = paychan.V2Only

	h := newWiredPair(t, props, defaultServerProps())
	h.clientWallet.SetEncrypted(true)

	if err := h.client.ConnectionOpen(nil); err != nil {
		t.Fatalf("ConnectionOpen: %v", err)
	}
	err := h.pair.Pump()
	var perr *paychan.ProtocolError
	if !errors.As(err, &perr) || perr.Kind != paychan.KindKeyIsEncrypted {
		t.Fatalf("Pump error = %v, want KEY_IS_ENCRYPTED", err)
	}
	if got := len(h.pair.Client.Destroyed()); got != 0 {
		t.Fatalf("client DestroyConnection calls = %d, want none: the error is for the caller, not the peer", got)
	}
}
