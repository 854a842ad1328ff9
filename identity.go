package paychan

import (
	"encoding/hex"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg/chainhash"
)

// ServerID is the opaque, client-chosen 32-byte identifier associating a
// channel with a particular counterparty.
type ServerID chainhash.Hash

// String renders the server id the same way a chainhash.Hash renders,
// reversed hex.
func (id ServerID) String() string {
	h := chainhash.Hash(id)
	return h.String()
}

// NewServerID derives a server id from the client and server multisig
// public keys: sha256(clientPubkey || serverPubkey), parsed back through
// chainhash.NewHashFromStr, so the id's bytes are the digest reversed and
// String renders the digest in its natural hex order.
func NewServerID(clientKey, serverKey *bchec.PublicKey) (ServerID, error) {
	h := chainhash.HashB(append(
		clientKey.SerializeCompressed(),
		serverKey.SerializeCompressed()...,
	))
	hash, err := chainhash.NewHashFromStr(hex.EncodeToString(h))
	if err != nil {
		return ServerID{}, err
	}
	return ServerID(*hash), nil
}

// Identity holds the per-channel key material: the client's freshly
// generated signing key and the server's supplied public key.
type Identity struct {
	// ClientKey (K_c) is generated fresh per channel by NewIdentity and
	// used for both the multisig contract output and the refund address.
	ClientKey *bchec.PrivateKey

	// ServerKey (K_s) is the server's public key, supplied in Initiate.
	ServerKey *bchec.PublicKey
}

// NewIdentity generates a fresh client signing key. The server key is
// filled in later, once Initiate is received.
func NewIdentity() (*Identity, error) {
	priv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		return nil, err
	}
	return &Identity{ClientKey: priv}, nil
}

// ParseServerKey validates that b is a canonical, compressed or
// uncompressed secp256k1 public key.
func ParseServerKey(b []byte) (*bchec.PublicKey, error) {
	return bchec.ParsePubKey(b, bchec.S256())
}
