package fulfillment

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	v, err := NewVerifier("whsec", "payments")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	want := Event{ExternalEventID: "evt_9", AccountID: "acct_1", Amount: 5, Settled: true, Description: "5 credits"}
	token, err := v.Sign(want, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Fatalf("event = %+v, want %+v", got, want)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	v, _ := NewVerifier("whsec", "payments")
	other, _ := NewVerifier("other", "payments")
	token, err := other.Sign(Event{ExternalEventID: "evt_1", AccountID: "acct_1", Amount: 1, Settled: true}, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := v.Verify("not-a-token"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	v, _ := NewVerifier("whsec", "payments")
	foreign, _ := NewVerifier("whsec", "somebody")
	token, _ := foreign.Sign(Event{ExternalEventID: "evt_1", AccountID: "acct_1", Amount: 1, Settled: true}, time.Now())
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsIncompleteEvent(t *testing.T) {
	v, _ := NewVerifier("whsec", "payments")
	token, _ := v.Sign(Event{ExternalEventID: "evt_1", AccountID: "acct_1", Amount: 0, Settled: true}, time.Now())
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}
