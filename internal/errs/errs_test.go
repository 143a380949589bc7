package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := errors.New("timeout")
	err := fmt.Errorf("cycle: %w", Wrap(KindDataUnavailable, "GetHistory", base))

	if !Is(err, KindDataUnavailable) {
		t.Fatalf("Is(DataUnavailable)=false for %v", err)
	}
	if Is(err, KindConfig) {
		t.Fatalf("Is(Config)=true, expected false")
	}
	if !errors.Is(err, base) {
		t.Fatalf("cause lost in %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("data errors should be retryable")
	}
}

func TestOrderRejectedNotRetryable(t *testing.T) {
	err := Wrap(KindOrderRejected, "PlaceMarketOrder", errors.New("insufficient margin"))
	if IsRetryable(err) {
		t.Fatalf("order rejection must not be retryable")
	}
	if got := err.Error(); got != "[ORDER_REJECTED] PlaceMarketOrder: insufficient margin" {
		t.Fatalf("Error()=%q", got)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindVenue, "x", nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain error should have no kind")
	}
}
