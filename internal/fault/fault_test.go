package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", errors.New("boom"), KindInternal},
		{"classified", New(KindValidation, "bad range"), KindValidation},
		{"wrapped classified", fmt.Errorf("load: %w", New(KindSourceMissing, "gone")), KindSourceMissing},
		{"outermost wins", Wrap(KindStageFailure, New(KindTransientGateway, "429"), "gave up"), KindStageFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsWalksChain(t *testing.T) {
	err := Wrap(KindStageFailure, New(KindTransientGateway, "rate limited"), "retries exhausted")
	if !Is(err, KindTransientGateway) {
		t.Error("Is() should find the inner transient kind")
	}
	if !Is(err, KindStageFailure) {
		t.Error("Is() should find the outer kind")
	}
	if Is(err, KindMalformed) {
		t.Error("Is() matched a kind that is not in the chain")
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{KindValidation, KindSourceMissing, KindCancelled} {
		if Retryable(k) {
			t.Errorf("Retryable(%q) = true, want false", k)
		}
	}
	for _, k := range []Kind{KindStageFailure, KindMalformed, KindTransientGateway, KindInternal} {
		if !Retryable(k) {
			t.Errorf("Retryable(%q) = false, want true", k)
		}
	}
}

func TestInStage(t *testing.T) {
	err := InStage("refine", errors.New("network down"))
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatal("expected classified error")
	}
	if fe.Kind != KindStageFailure || fe.Stage != "refine" {
		t.Errorf("got kind=%q stage=%q", fe.Kind, fe.Stage)
	}

	// An existing stage is kept.
	again := InStage("tags", err)
	if !errors.As(again, &fe) || fe.Stage != "refine" {
		t.Errorf("stage overwritten: %v", again)
	}

	if InStage("x", nil) != nil {
		t.Error("InStage(nil) should be nil")
	}
}

func TestSummarizeBoundsMessage(t *testing.T) {
	long := strings.Repeat("é", 400)
	s := Summarize(Wrap(KindStageFailure, errors.New(long), "answers"))
	if s.Kind != KindStageFailure {
		t.Errorf("Kind = %q", s.Kind)
	}
	if s.Permanent {
		t.Error("stage failures are retryable")
	}
	if !Summarize(MarkPermanent(New(KindStageFailure, "rejected"))).Permanent {
		t.Error("marked errors should summarize as permanent")
	}
	if len(s.Message) > MaxMessageLen+3 {
		t.Errorf("message length %d exceeds bound", len(s.Message))
	}
	if !strings.HasSuffix(s.Message, "...") {
		t.Error("truncated message should be marked")
	}
	if strings.ContainsRune(s.Message, '�') {
		t.Error("truncation split a rune")
	}
}

func TestAutoRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"stage failure", New(KindStageFailure, "x"), true},
		{"unclassified", errors.New("boom"), true},
		{"validation", New(KindValidation, "bad range"), false},
		{"permanent stage failure", MarkPermanent(New(KindStageFailure, "auth")), false},
		{"permanent below stage tag", InStage("tags", MarkPermanent(errors.New("auth"))), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AutoRetryable(tt.err); got != tt.want {
				t.Errorf("AutoRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if MarkPermanent(nil) != nil {
		t.Error("MarkPermanent(nil) should be nil")
	}
}
