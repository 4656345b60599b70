package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/downgrader/internal/catalog"
	"github.com/dukerupert/downgrader/internal/issuer"
)

func TestCreateCheckoutSessionParams(t *testing.T) {
	c := NewClient(Config{SecretKey: "sk_test", SuccessURL: "https://app/ok", CancelURL: "https://app/cancel"})
	var got *stripe.CheckoutSessionParams
	c.createSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = params
		return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}, nil
	}

	product := catalog.Product{SKU: "downgrade_pack_10", Name: "10 downgrades", PriceCents: 1999, GenerationsGranted: 10, DiscountPercent: 10}
	co, err := c.CreateCheckoutSession(context.Background(), issuer.CheckoutRequest{Product: product, DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if co.SessionID != "cs_test_1" || co.CheckoutURL == "" {
		t.Errorf("checkout = %+v", co)
	}
	if *got.Mode != string(stripe.CheckoutSessionModePayment) {
		t.Errorf("mode = %q, want payment", *got.Mode)
	}
	if amount := *got.LineItems[0].PriceData.UnitAmount; amount != 1799 {
		t.Errorf("unit amount = %d, want 1799", amount)
	}
	if got.Metadata[MetaProductSKU] != "downgrade_pack_10" || got.Metadata[MetaDeviceID] != "dev-1" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if *got.SuccessURL != "https://app/ok" {
		t.Errorf("success url = %q, want config default", *got.SuccessURL)
	}
}

func TestCreateCheckoutSessionError(t *testing.T) {
	c := NewClient(Config{})
	c.createSession = func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, errors.New("api down")
	}
	_, err := c.CreateCheckoutSession(context.Background(), issuer.CheckoutRequest{Product: catalog.DefaultProducts[0]})
	if err == nil {
		t.Fatal("expected error")
	}
}

func signedEvent(t *testing.T, c *Client, secret, payload string) stripe.Event {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	event, err := c.ConstructWebhookEvent(signed.Payload, signed.Header)
	if err != nil {
		t.Fatalf("construct event: %v", err)
	}
	return event
}

func TestConstructWebhookEventRejectsBadSignature(t *testing.T) {
	c := NewClient(Config{WebhookSecret: "whsec_test"})
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed"}`),
		Secret:    "whsec_other",
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	if _, err := c.ConstructWebhookEvent(signed.Payload, signed.Header); err == nil {
		t.Error("expected signature error")
	}
}

func TestParsePaymentCompleted(t *testing.T) {
	const secret = "whsec_test"
	c := NewClient(Config{WebhookSecret: secret})

	tests := []struct {
		name    string
		payload string
		ok      bool
		wantErr bool
		want    PaymentCompleted
	}{
		{
			name:    "paid",
			payload: `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","payment_status":"paid","metadata":{"product_sku":"downgrade_pack_3","device_id":"dev-1"}}}}`,
			ok:      true,
			want:    PaymentCompleted{SessionID: "cs_1", ProductSKU: "downgrade_pack_3", DeviceID: "dev-1"},
		},
		{
			name:    "client reference fallback",
			payload: `{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_2","object":"checkout.session","payment_status":"paid","client_reference_id":"dev-9","metadata":{"product_sku":"downgrade_pack_3"}}}}`,
			ok:      true,
			want:    PaymentCompleted{SessionID: "cs_2", ProductSKU: "downgrade_pack_3", DeviceID: "dev-9"},
		},
		{
			name:    "unpaid",
			payload: `{"id":"evt_3","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_3","object":"checkout.session","payment_status":"unpaid","metadata":{"product_sku":"downgrade_pack_3"}}}}`,
		},
		{
			name:    "delayed payment succeeded",
			payload: `{"id":"evt_6","object":"event","type":"checkout.session.async_payment_succeeded","data":{"object":{"id":"cs_6","object":"checkout.session","payment_status":"paid","metadata":{"product_sku":"downgrade_pack_10","device_id":"dev-6"}}}}`,
			ok:      true,
			want:    PaymentCompleted{SessionID: "cs_6", ProductSKU: "downgrade_pack_10", DeviceID: "dev-6"},
		},
		{
			name:    "delayed payment failed",
			payload: `{"id":"evt_7","object":"event","type":"checkout.session.async_payment_failed","data":{"object":{"id":"cs_7","object":"checkout.session","payment_status":"unpaid","metadata":{"product_sku":"downgrade_pack_10"}}}}`,
		},
		{
			name:    "other event",
			payload: `{"id":"evt_4","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`,
		},
		{
			name:    "missing sku",
			payload: `{"id":"evt_5","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_5","object":"checkout.session","payment_status":"paid","metadata":{}}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, ok, err := ParsePaymentCompleted(signedEvent(t, c, secret, tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if pc != tt.want {
				t.Errorf("got %+v, want %+v", pc, tt.want)
			}
		})
	}
}
