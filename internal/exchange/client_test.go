package exchange

import (
	"testing"

	binance "github.com/adshao/go-binance/v2"
)

func TestNormalizeOrder(t *testing.T) {
	res := &binance.CreateOrderResponse{
		OrderID:                  42,
		ClientOrderID:            "sf-abc",
		ExecutedQuantity:         "2.5",
		CummulativeQuoteQuantity: "255.00",
	}

	out, err := normalizeOrder(res)
	if err != nil {
		t.Fatalf("normalizeOrder failed: %v", err)
	}
	if out.OrderID != 42 || out.ClientOrderID != "sf-abc" {
		t.Errorf("identity fields not carried over: %+v", out)
	}
	if out.ExecutedQty != 2.5 {
		t.Errorf("expected executed qty 2.5, got %v", out.ExecutedQty)
	}
	if out.AvgPrice != 102 {
		t.Errorf("expected avg price 102, got %v", out.AvgPrice)
	}
}

func TestNormalizeOrderZeroFill(t *testing.T) {
	res := &binance.CreateOrderResponse{
		ExecutedQuantity:         "0",
		CummulativeQuoteQuantity: "0",
	}

	out, err := normalizeOrder(res)
	if err != nil {
		t.Fatalf("normalizeOrder failed: %v", err)
	}
	if out.ExecutedQty != 0 || out.AvgPrice != 0 {
		t.Errorf("zero fill must not produce a price: %+v", out)
	}
}

func TestNormalizeOrderMalformed(t *testing.T) {
	res := &binance.CreateOrderResponse{
		ExecutedQuantity:         "garbage",
		CummulativeQuoteQuantity: "1",
	}
	if _, err := normalizeOrder(res); err == nil {
		t.Fatal("expected an error for a malformed quantity")
	}
}
