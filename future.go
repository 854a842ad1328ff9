package paychan

import "github.com/gcash/bchutil"

// PaymentResult is what a PaymentFuture resolves to: either the server's
// acknowledgement details, or an error if the channel errored or the
// connection was destroyed before the ack arrived.
type PaymentResult struct {
	// Amount is the increment actually applied by this payment, which
	// may exceed the caller's request due to dust adjustment.
	Amount bchutil.Amount
	// Info is the server's optional PaymentAck payload.
	Info []byte
	// Err is non-nil if the payment did not complete successfully.
	Err error
}

// PaymentFuture is the one-shot completion handle returned by
// IncrementPayment. It is resolved exactly once: by the matching
// PaymentAck, or with an error when an Error or Close arrives, the
// connection closes, or the channel is torn down first. Resolution is a
// send on a one-slot buffered channel and runs no caller code, so a
// caller chaining a new increment from its completion cannot
// self-deadlock. The PaymentAck path resolves after the channel's mutex
// is released; the error, close and teardown paths resolve while still
// holding it.
type PaymentFuture struct {
	ch chan PaymentResult
}

func newPaymentFuture() *PaymentFuture {
	return &PaymentFuture{ch: make(chan PaymentResult, 1)}
}

// resolve completes the future. It must be called at most once.
func (f *PaymentFuture) resolve(res PaymentResult) {
	f.ch <- res
}

// Wait blocks until the future resolves and returns its result. Callers
// that want non-blocking/async completion should instead range over
// Done(), or select on it alongside other channels.
func (f *PaymentFuture) Wait() PaymentResult {
	return <-f.ch
}

// Done exposes the underlying channel for use in a select statement.
func (f *PaymentFuture) Done() <-chan PaymentResult {
	return f.ch
}
