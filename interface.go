package paychan

import (
	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/wallet/txauthor"
)

// Connection is the transport/caller callback consumed by the client and
// server state machines.
type Connection interface {
	// SendToServer / SendToClient are fire-and-forget sends; the caller
	// must deliver them in order. A ClientChannel calls SendToServer;
	// a ServerChannel calls SendToClient.
	SendToServer(msg Message) error
	SendToClient(msg Message) error

	// DestroyConnection tears the transport down. A subsequent
	// ConnectionClosed call on the state machine is still expected.
	DestroyConnection(reason error)

	// ChannelOpened notifies the client side that the channel is usable.
	// wasInitiated is false when the channel was resumed rather than
	// freshly negotiated.
	ChannelOpened(wasInitiated bool)

	// AcceptExpireTime is caller-supplied policy for whether to accept a
	// proposed refund lock time.
	AcceptExpireTime(t uint64) bool
}

// Wallet is the narrow collaborator interface the channel core signs,
// persists, and broadcasts through.
type Wallet interface {
	NewAddress() (bchutil.Address, error)
	CreateSimpleTx(outputs []*wire.TxOut, minconf int32, satPerKb bchutil.Amount) (*txauthor.AuthoredTx, error)
	LockOutpoint(op wire.OutPoint)
	UnlockOutpoint(op wire.OutPoint)

	// StoreChannel/GetUsableChannel back the stored-channel registry.
	StoreChannel(id ServerID, rec *StoredClientChannel) error
	GetUsableChannel(id ServerID) (*StoredClientChannel, error)

	// ImportChannelKey hands a per-channel private key to the wallet so
	// outputs paying the key's P2PKH script (V2 change and refunds) are
	// spendable and tracked once the channel settles.
	ImportChannelKey(key *bchec.PrivateKey) error

	// Sign produces a signature for tx's multisig input using key,
	// optionally unlocked with a caller-supplied userKey when the
	// wallet is encrypted.
	Sign(tx *wire.MsgTx, key *bchec.PrivateKey, userKey []byte) ([]byte, error)

	// PublishTransaction sends tx to the consensus network; ReceivePending
	// records a not-yet-broadcast but relevant transaction (e.g. a
	// settlement handed over at close) so wallet balance tracking stays
	// consistent.
	PublishTransaction(tx *wire.MsgTx) error
	ReceivePending(tx *wire.MsgTx) error

	// IsEncrypted reports whether signing operations require a userKey.
	IsEncrypted() bool
}

// VersionSelector is the client's policy for negotiating protocol major
// version.
type VersionSelector uint8

const (
	V1Only VersionSelector = iota
	V2PreferV1Fallback
	V2Only
)

// ChannelProperties is caller configuration consumed at channel creation
// time.
type ChannelProperties struct {
	// TimeWindowSecs is the desired refund lock duration. Default is
	// 24h minus 60s.
	TimeWindowSecs uint64

	// AcceptableMinPayment is the upper bound on a server-requested
	// minimum payment; above this, Initiate is rejected.
	AcceptableMinPayment uint64

	// VersionSelector picks which protocol major(s) the client accepts.
	VersionSelector VersionSelector

	// ModifyContractSendRequest optionally adjusts the contract-creation
	// transaction (fee, coin selection) before it is signed.
	ModifyContractSendRequest func(tx *wire.MsgTx) error
}

// DefaultChannelProperties returns the default caller configuration.
func DefaultChannelProperties() *ChannelProperties {
	return &ChannelProperties{
		TimeWindowSecs:       24*60*60 - 60,
		AcceptableMinPayment: 0,
		VersionSelector:      V2PreferV1Fallback,
	}
}
