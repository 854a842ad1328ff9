package paychan

import (
	"bytes"

	"github.com/gcash/bchd/wire"
)

// decodeTx deserializes a wire-format transaction, the common first step
// whenever a message payload carries raw transaction bytes
// (ProvideContract, ProvideRefund, Close).
func decodeTx(b []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}
