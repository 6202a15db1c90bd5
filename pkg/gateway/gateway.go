// Package gateway wraps the payment provider: order creation on the Razorpay
// REST API and local verification of the checkout signature.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
)

var (
	ErrInvalidSignature = errors.New("payment signature mismatch")
	ErrGateway          = errors.New("payment gateway failure")
)

// Order is the provider-side payment intent returned by CreateOrder.
type Order struct {
	ID       string
	Amount   int64 // minor units
	Currency string
}

// Client creates orders with the provider. Implementations must respect the
// context deadline.
type Client interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (Order, error)
}

// Razorpay is the production Client.
type Razorpay struct {
	client *razorpay.Client
	keyID  string
}

func NewRazorpay(keyID, keySecret string) *Razorpay {
	return &Razorpay{client: razorpay.NewClient(keyID, keySecret), keyID: keyID}
}

// KeyID is the public key the browser checkout needs.
func (r *Razorpay) KeyID() string { return r.keyID }

// CreateOrder registers a payment intent with Razorpay. The SDK call is not
// context-aware, so it runs in a goroutine and the deadline is enforced here;
// a timed-out call is abandoned, not cancelled.
func (r *Razorpay) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (Order, error) {
	type result struct {
		body map[string]interface{}
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		body, err := r.client.Order.Create(map[string]interface{}{
			"amount":   amountMinor,
			"currency": currency,
			"receipt":  receipt,
		}, nil)
		ch <- result{body, err}
	}()
	select {
	case <-ctx.Done():
		return Order{}, fmt.Errorf("%w: %v", ErrGateway, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return Order{}, fmt.Errorf("%w: %v", ErrGateway, res.err)
		}
		id, _ := res.body["id"].(string)
		if id == "" {
			return Order{}, fmt.Errorf("%w: order response missing id", ErrGateway)
		}
		return Order{ID: id, Amount: amountMinor, Currency: currency}, nil
	}
}

// Sign computes the hex HMAC-SHA256 checkout signature over
// "orderID|paymentID". Exported for tests and for the redirect page builder.
func Sign(orderID, paymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the checkout signature and compares it in
// constant time. Returns ErrInvalidSignature on any mismatch.
func VerifySignature(orderID, paymentID, signature, secret string) error {
	expected := Sign(orderID, paymentID, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Timeout for provider calls; Razorpay's order API normally answers well
// inside this.
const OrderTimeout = 5 * time.Second
