package paychan

import (
	"testing"

	"github.com/gcash/bchutil"
)

func TestPaymentFutureResolveThenWait(t *testing.T) {
	f := newPaymentFuture()
	f.resolve(PaymentResult{Amount: bchutil.Amount(1500), Info: []byte("ok")})

	res := f.Wait()
	if res.Amount != 1500 {
		t.Fatalf("Amount = %d, want 1500", res.Amount)
	}
	if string(res.Info) != "ok" {
		t.Fatalf("Info = %q, want %q", res.Info, "ok")
	}
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
}

func TestPaymentFutureDoneChannel(t *testing.T) {
	f := newPaymentFuture()
	want := PaymentResult{Err: ErrChannelBusy}
	f.resolve(want)

	select {
	case got := <-f.Done():
		if got.Err != want.Err {
			t.Fatalf("Err = %v, want %v", got.Err, want.Err)
		}
	default:
		t.Fatal("expected the future to already be resolved")
	}
}
