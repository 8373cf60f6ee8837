package badtokens

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/cowpilot/internal/domain"
)

var token = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestUnknownIsNeverCached(t *testing.T) {
	t.Parallel()

	d := NewDetector(time.Minute)
	d.UpdateToken(token, QualityUnknown)
	if got := d.TokenQuality(token); got != QualityUnknown {
		t.Errorf("quality = %v, want unknown", got)
	}
}

func TestUnsupportedIsStickyWithinTTL(t *testing.T) {
	t.Parallel()

	d := NewDetector(time.Minute)
	d.UpdateToken(token, QualityUnsupported)
	// A later Supported observation must not overwrite a live
	// Unsupported verdict.
	d.UpdateToken(token, QualitySupported)
	if got := d.TokenQuality(token); got != QualityUnsupported {
		t.Errorf("quality = %v, want unsupported (sticky)", got)
	}
}

func TestUnsupportedOverwritesSupported(t *testing.T) {
	t.Parallel()

	d := NewDetector(time.Minute)
	d.UpdateToken(token, QualitySupported)
	d.UpdateToken(token, QualityUnsupported)
	if got := d.TokenQuality(token); got != QualityUnsupported {
		t.Errorf("quality = %v, want unsupported", got)
	}
}

func TestVerdictExpires(t *testing.T) {
	t.Parallel()

	d := NewDetector(time.Millisecond)
	d.UpdateToken(token, QualityUnsupported)
	time.Sleep(5 * time.Millisecond)
	if got := d.TokenQuality(token); got != QualityUnknown {
		t.Errorf("quality = %v, want unknown after expiry", got)
	}
}

func TestSupportedFilter(t *testing.T) {
	t.Parallel()

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	var uid domain.OrderUid
	uid[0] = 1

	d := NewDetector(time.Minute)
	order := &domain.Order{Uid: uid, SellToken: token, BuyToken: other}
	if !d.Supported(order) {
		t.Fatal("fresh order must be supported")
	}

	d.UpdateToken(token, QualityUnsupported)
	if d.Supported(order) {
		t.Error("order with unsupported sell token must be filtered")
	}

	d2 := NewDetector(time.Minute)
	d2.UpdateOrder(uid, QualityUnsupported)
	if d2.Supported(order) {
		t.Error("unsupported order uid must be filtered")
	}
}
