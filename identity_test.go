package paychan

import (
	"testing"

	"github.com/gcash/bchd/bchec"
)

func TestNewServerIDDeterministic(t *testing.T) {
	clientPriv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		t.Fatal(err)
	}
	serverPriv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		t.Fatal(err)
	}

	id1, err := NewServerID(clientPriv.PubKey(), serverPriv.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	id2, err := NewServerID(clientPriv.PubKey(), serverPriv.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatal("NewServerID must be deterministic for the same key pair")
	}

	otherPriv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		t.Fatal(err)
	}
	id3, err := NewServerID(clientPriv.PubKey(), otherPriv.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id3 {
		t.Fatal("NewServerID must differ for different server keys")
	}
}

func TestParseServerKeyRejectsGarbage(t *testing.T) {
	if _, err := ParseServerKey([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected an error parsing a non-canonical public key")
	}
}

func TestParseServerKeyAcceptsCompressed(t *testing.T) {
	priv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		t.Fatal(err)
	}
	b := priv.PubKey().SerializeCompressed()
	parsed, err := ParseServerKey(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !parsed.IsEqual(priv.PubKey()) {
		t.Fatal("parsed key does not match the original")
	}
}

func TestNewIdentityGeneratesFreshKeyPerCall(t *testing.T) {
	id1, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	id2, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if id1.ClientKey.PubKey().IsEqual(id2.ClientKey.PubKey()) {
		t.Fatal("NewIdentity must generate a fresh key per call")
	}
}
