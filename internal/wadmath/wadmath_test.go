package wadmath

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Exp tests ---

func TestExp_Zero(t *testing.T) {
	got, err := Exp(decimal.Zero, ExactTerms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("exp(0) should be 1, got %s", got)
	}
}

func TestExp_One(t *testing.T) {
	got, err := Exp(decimal.NewFromInt(1), ExactTerms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// e to 30 places.
	e := d("2.718281828459045235360287471352")
	if got.Sub(e).Abs().GreaterThan(d("0.000000000000000000000001")) {
		t.Errorf("exp(1) should be e, got %s", got)
	}
}

func TestExp_Negative(t *testing.T) {
	got, err := Exp(decimal.NewFromInt(-1), ExactTerms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv := d("0.367879441171442321595523770161")
	if got.Sub(inv).Abs().GreaterThan(d("0.000000000000000000000001")) {
		t.Errorf("exp(-1) should be 1/e, got %s", got)
	}
}

func TestExp_RejectsHugeArgument(t *testing.T) {
	_, err := Exp(decimal.NewFromInt(500), ExactTerms)
	if err != ErrExpOverflow {
		t.Errorf("expected ErrExpOverflow, got %v", err)
	}
}

func TestExp_Deterministic(t *testing.T) {
	x := d("3.14159265358979")
	a, _ := Exp(x, ExactTerms)
	b, _ := Exp(x, ExactTerms)
	if !a.Equal(b) {
		t.Errorf("exp must be bit-for-bit deterministic: %s vs %s", a, b)
	}
}

// --- Ln tests ---

func TestLn_One(t *testing.T) {
	got, err := Ln(decimal.NewFromInt(1), ExactTerms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("ln(1) should be 0, got %s", got)
	}
}

func TestLn_Two(t *testing.T) {
	got, err := Ln(decimal.NewFromInt(2), ExactTerms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Sub(d("0.693147180559945309")).Abs().GreaterThan(d("0.000000000000000001")) {
		t.Errorf("ln(2) wrong: %s", got)
	}
}

func TestLn_RoundTripsExp(t *testing.T) {
	for _, s := range []string{"0.5", "1", "2.75", "10", "1000", "0.001"} {
		x := d(s)
		l, err := Ln(x, ExactTerms)
		if err != nil {
			t.Fatalf("Ln(%s): %v", s, err)
		}
		back, err := Exp(l, ExactTerms)
		if err != nil {
			t.Fatalf("Exp(Ln(%s)): %v", s, err)
		}
		if back.Sub(x).Abs().GreaterThan(x.Mul(d("0.000000000000000001"))) {
			t.Errorf("exp(ln(%s)) = %s, want %s", s, back, x)
		}
	}
}

func TestLn_DomainErrors(t *testing.T) {
	if _, err := Ln(decimal.Zero, ExactTerms); err != ErrLnDomain {
		t.Errorf("ln(0) should fail with ErrLnDomain, got %v", err)
	}
	if _, err := Ln(decimal.NewFromInt(-3), ExactTerms); err != ErrLnDomain {
		t.Errorf("ln(-3) should fail with ErrLnDomain, got %v", err)
	}
}

// --- LogSumExp tests ---

func TestLogSumExp_LargeArgumentsStable(t *testing.T) {
	// Arguments this size would overflow naive exp in float64 and would
	// produce astronomically large decimals without the max shift.
	got, err := LogSumExp([]decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(101)}, ExactTerms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.LessThan(decimal.NewFromInt(100)) || got.GreaterThan(decimal.NewFromInt(102)) {
		t.Errorf("LSE(100,101) should be in [100,102], got %s", got)
	}
}

func TestLogSumExp_EqualValues(t *testing.T) {
	// ln(n * exp(x)) = x + ln(n)
	got, err := LogSumExp([]decimal.Decimal{decimal.NewFromInt(3), decimal.NewFromInt(3)}, ExactTerms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := decimal.NewFromInt(3).Add(d("0.693147180559945309"))
	if got.Sub(want).Abs().GreaterThan(d("0.000000000000000001")) {
		t.Errorf("LSE(3,3) should be 3+ln2, got %s", got)
	}
}

func TestLogSumExp_Empty(t *testing.T) {
	if _, err := LogSumExp(nil, ExactTerms); err == nil {
		t.Error("expected error for empty input")
	}
}

// --- Softmax tests ---

func TestSoftmax_SumsToOne(t *testing.T) {
	xs := []decimal.Decimal{d("0.1"), d("-3"), d("2.5"), d("40"), d("40")}
	probs, err := Softmax(xs, ExactTerms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := decimal.Zero
	for _, p := range probs {
		if p.IsNegative() {
			t.Errorf("negative probability %s", p)
		}
		sum = sum.Add(p)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(d("0.000000001")) {
		t.Errorf("probabilities should sum to 1, got %s", sum)
	}
}

func TestSoftmax_Uniform(t *testing.T) {
	xs := make([]decimal.Decimal, 4)
	probs, err := Softmax(xs, ExactTerms)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	quarter := d("0.25")
	for i, p := range probs {
		if p.Sub(quarter).Abs().GreaterThan(d("0.000000001")) {
			t.Errorf("uniform softmax bucket %d should be 0.25, got %s", i, p)
		}
	}
}

// --- Bound-degree envelope ---

func TestBoundTerms_WithinEnvelopeOfExact(t *testing.T) {
	args := []string{"0.3", "-4.7", "12", "55.5", "-30"}
	for _, s := range args {
		x := d(s)
		exact, err := Exp(x, ExactTerms)
		if err != nil {
			t.Fatalf("Exp(%s): %v", s, err)
		}
		cheap, err := Exp(x, BoundTerms)
		if err != nil {
			t.Fatalf("Exp(%s) cheap: %v", s, err)
		}
		relErr := cheap.Sub(exact).Abs().DivRound(exact, guardScale)
		if relErr.GreaterThan(BoundRelErr) {
			t.Errorf("exp(%s): degree-%d result outside envelope: relErr=%s", s, BoundTerms, relErr)
		}
	}
}
