package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/downgrader/internal/model"
)

func TestPaymentReserveOnce(t *testing.T) {
	ps := NewPaymentStore(setupTestDB(t))
	ctx := context.Background()
	sess := model.PaymentSession{SessionID: "cs_1", ProductSKU: "downgrade_pack_3", DeviceID: "dev-1", CreatedAt: time.Now()}

	created, err := ps.Reserve(ctx, sess)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !created {
		t.Error("expected first reserve to create the record")
	}

	created, err = ps.Reserve(ctx, sess)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if created {
		t.Error("expected second reserve to report an existing record")
	}

	got, err := ps.Get(ctx, "cs_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ProductSKU != "downgrade_pack_3" || got.DeviceID != "dev-1" {
		t.Errorf("session = %+v", got)
	}
}

func TestPaymentGetNotFound(t *testing.T) {
	ps := NewPaymentStore(setupTestDB(t))

	got, err := ps.Get(context.Background(), "cs_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown session")
	}
}
