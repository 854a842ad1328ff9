package paychan

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchwallet/walletdb"
)

// Bucket layout: one top-level bucket for the package, with open/closed
// sub-buckets: a settled record (MarkSettled) moves to the closed bucket,
// so it can be told apart from a live one without deleting it. Purge
// deletes the open record outright.
var (
	paychanBucket        = []byte("paychan")
	openChannelsBucket   = []byte("openchannels")
	closedChannelsBucket = []byte("closedchannels")
)

// initDatabase creates the package's buckets if they do not yet exist.
func initDatabase(db walletdb.DB) error {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		wb, err := tx.CreateTopLevelBucket(paychanBucket)
		if err != nil {
			return err
		}
		if _, err := wb.CreateBucketIfNotExists(openChannelsBucket); err != nil {
			return err
		}
		if _, err := wb.CreateBucketIfNotExists(closedChannelsBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil && err != walletdb.ErrBucketExists {
		return err
	}
	return nil
}

// StoredClientChannel is the persisted per-channel record: enough to
// resume a channel, and enough that the refund remains broadcastable
// after a crash.
type StoredClientChannel struct {
	ServerID   ServerID
	Version    uint8
	ContractTx []byte

	// RedeemScript is needed to keep signing further payments (and, for
	// V2, to rebuild the refund) after a resume. Both versions need it,
	// but only V1 also needs a separate completed refund transaction.
	RedeemScript []byte

	// RefundTx holds the completed, countersigned refund transaction
	// for V1 channels. Always nil for V2, whose refund is rebuilt on
	// demand from RedeemScript.
	RefundTx []byte

	BestPaymentSig   []byte
	BestPaymentValue uint64
	ExpireTime       uint64

	// FeePerByte is the rate every payment on this channel was signed
	// under; a settlement or refund rebuilt from this record must use
	// the same rate or the stored signature will not cover it.
	FeePerByte uint64

	// LocalKeyEncoded holds the signing key of whichever party wrote the
	// record: the client's channel key in a client registry, the
	// server's in a server registry. Stored as the raw 32-byte key;
	// at-rest protection is the walletdb file's, not per-field.
	LocalKeyEncoded []byte

	// ClientPayoutScript/ServerPayoutScript are the fixed destination
	// scripts used by every payment transaction on this channel, kept
	// so a resumed channel pays the original addresses rather than
	// ones re-derived after the fact.
	ClientPayoutScript []byte
	ServerPayoutScript []byte
}

func (rec *StoredClientChannel) String() string {
	overview := struct {
		ServerID           string `json:"serverID"`
		Version            uint8  `json:"version"`
		BestPaymentValue   uint64 `json:"bestPaymentValue"`
		ExpireTime         uint64 `json:"expireTime"`
		FeePerByte         uint64 `json:"feePerByte"`
		ContractTxSize     int    `json:"contractTxSize"`
		HasRefundTx        bool   `json:"hasRefundTx"`
		HasBestPaymentSig  bool   `json:"hasBestPaymentSig"`
		ClientPayoutScript string `json:"clientPayoutScript"`
		ServerPayoutScript string `json:"serverPayoutScript"`
	}{
		ServerID:           rec.ServerID.String(),
		Version:            rec.Version,
		BestPaymentValue:   rec.BestPaymentValue,
		ExpireTime:         rec.ExpireTime,
		FeePerByte:         rec.FeePerByte,
		ContractTxSize:     len(rec.ContractTx),
		HasRefundTx:        len(rec.RefundTx) > 0,
		HasBestPaymentSig:  len(rec.BestPaymentSig) > 0,
		ClientPayoutScript: hex.EncodeToString(rec.ClientPayoutScript),
		ServerPayoutScript: hex.EncodeToString(rec.ServerPayoutScript),
	}
	out, err := json.MarshalIndent(&overview, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(out)
}

// channelRecordVersion identifies the stored-record layout. Bump when
// the serialization changes; readers reject versions they don't know
// instead of misparsing.
const channelRecordVersion = 1

// serializeStoredChannel encodes rec using the same binary codec as the
// protocol envelope: encoding/binary for fixed fields,
// wire.WriteVarBytes for variable-length fields.
func serializeStoredChannel(rec *StoredClientChannel) ([]byte, error) {
	var b bytes.Buffer
	if err := b.WriteByte(channelRecordVersion); err != nil {
		return nil, err
	}
	if _, err := b.Write(rec.ServerID[:]); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, byteOrder, rec.Version); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&b, protocolVersion, rec.ContractTx); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&b, protocolVersion, rec.RedeemScript); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&b, protocolVersion, rec.RefundTx); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&b, protocolVersion, rec.BestPaymentSig); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, byteOrder, rec.BestPaymentValue); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, byteOrder, rec.ExpireTime); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, byteOrder, rec.FeePerByte); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&b, protocolVersion, rec.LocalKeyEncoded); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&b, protocolVersion, rec.ClientPayoutScript); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&b, protocolVersion, rec.ServerPayoutScript); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func deserializeStoredChannel(data []byte) (*StoredClientChannel, error) {
	r := bytes.NewReader(data)
	rec := &StoredClientChannel{}

	recVersion, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if recVersion != channelRecordVersion {
		return nil, newProtoErrf(KindProtocolViolation, "unknown channel record version %d", recVersion)
	}
	if _, err := io.ReadFull(r, rec.ServerID[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(r, byteOrder, &rec.Version); err != nil {
		return nil, err
	}
	contract, err := wire.ReadVarBytes(r, protocolVersion, maxTxSize, "contract_tx")
	if err != nil {
		return nil, err
	}
	rec.ContractTx = contract
	redeemScript, err := wire.ReadVarBytes(r, protocolVersion, 1024, "redeem_script")
	if err != nil {
		return nil, err
	}
	rec.RedeemScript = redeemScript
	refund, err := wire.ReadVarBytes(r, protocolVersion, maxTxSize, "refund_tx_or_spec")
	if err != nil {
		return nil, err
	}
	rec.RefundTx = refund
	sig, err := wire.ReadVarBytes(r, protocolVersion, 80, "best_payment_sig")
	if err != nil {
		return nil, err
	}
	rec.BestPaymentSig = sig
	if err := binary.Read(r, byteOrder, &rec.BestPaymentValue); err != nil {
		return nil, err
	}
	if err := binary.Read(r, byteOrder, &rec.ExpireTime); err != nil {
		return nil, err
	}
	if err := binary.Read(r, byteOrder, &rec.FeePerByte); err != nil {
		return nil, err
	}
	key, err := wire.ReadVarBytes(r, protocolVersion, 512, "client_key_encrypted")
	if err != nil {
		return nil, err
	}
	rec.LocalKeyEncoded = key
	clientScript, err := wire.ReadVarBytes(r, protocolVersion, 256, "client_payout_script")
	if err != nil {
		return nil, err
	}
	rec.ClientPayoutScript = clientScript
	serverScript, err := wire.ReadVarBytes(r, protocolVersion, 256, "server_payout_script")
	if err != nil {
		return nil, err
	}
	rec.ServerPayoutScript = serverScript
	return rec, nil
}

// errChannelSettled is returned by putOpenChannel when the record's id is
// already in the closed bucket: a settled channel's funding outpoint may
// be spent, so it must never reappear as open.
var errChannelSettled = newProtoErr(KindChannelClosedOrUninitialized, "channel has already been settled")

func putOpenChannel(db walletdb.DB, rec *StoredClientChannel) error {
	ser, err := serializeStoredChannel(rec)
	if err != nil {
		return err
	}
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(paychanBucket)
		if root.NestedReadWriteBucket(closedChannelsBucket).Get(rec.ServerID[:]) != nil {
			return errChannelSettled
		}
		return root.NestedReadWriteBucket(openChannelsBucket).Put(rec.ServerID[:], ser)
	})
}

func getOpenChannel(db walletdb.DB, id ServerID) (*StoredClientChannel, error) {
	var rec *StoredClientChannel
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		rb := tx.ReadBucket(paychanBucket).NestedReadBucket(openChannelsBucket)
		v := rb.Get(id[:])
		if v == nil {
			return nil
		}
		r, err := deserializeStoredChannel(v)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

func deleteOpenChannel(db walletdb.DB, id ServerID) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		wb := tx.ReadWriteBucket(paychanBucket).NestedReadWriteBucket(openChannelsBucket)
		return wb.Delete(id[:])
	})
}

// moveToClosedChannel inserts rec into the closed bucket and removes it
// from the open bucket in a single db transaction: a crash can never
// leave a settled channel visible to the scheduler as still open.
func moveToClosedChannel(db walletdb.DB, rec *StoredClientChannel) error {
	ser, err := serializeStoredChannel(rec)
	if err != nil {
		return err
	}
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(paychanBucket)
		if err := root.NestedReadWriteBucket(closedChannelsBucket).Put(rec.ServerID[:], ser); err != nil {
			return err
		}
		return root.NestedReadWriteBucket(openChannelsBucket).Delete(rec.ServerID[:])
	})
}

func forEachOpenChannel(db walletdb.DB, fn func(*StoredClientChannel) error) error {
	return walletdb.View(db, func(tx walletdb.ReadTx) error {
		rb := tx.ReadBucket(paychanBucket).NestedReadBucket(openChannelsBucket)
		return rb.ForEach(func(k, v []byte) error {
			rec, err := deserializeStoredChannel(v)
			if err != nil {
				// One bad record must not stop the scheduler from
				// watching every other channel in the bucket.
				log.Errorf("paychan: skipping undecodable channel record %x: %v", k, err)
				return nil
			}
			return fn(rec)
		})
	})
}
