package symbol

import "testing"

func TestValidateAccepted(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "taiwan", raw: "2330.TW", want: "2330.TW"},
		{name: "taiwan otc", raw: "2330.TWO", want: "2330.TWO"},
		{name: "a-share bare", raw: "600519", want: "600519"},
		{name: "a-share suffix", raw: "600519.SS", want: "600519.SS"},
		{name: "shenzhen", raw: "000001.SZ", want: "000001.SZ"},
		{name: "hk digits", raw: "0700.HK", want: "0700.HK"},
		{name: "hk bare", raw: "0700", want: "0700"},
		{name: "hk prefixed", raw: "HK00700", want: "HK00700"},
		{name: "us ticker", raw: "AAPL", want: "AAPL"},
		{name: "class share", raw: "BRK.A", want: "BRK.A"},
		{name: "whitespace", raw: "  600519  ", want: "600519"},
		{name: "lowercase", raw: "aapl", want: "AAPL"},
		{name: "mixed case suffix", raw: "2330.tw", want: "2330.TW"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(tt.raw)
			if !got.Valid {
				t.Fatalf("Validate(%q) invalid: %s", tt.raw, got.Reason)
			}
			if got.Normalized != tt.want {
				t.Fatalf("Normalized = %q, want %q", got.Normalized, tt.want)
			}
		})
	}
}

func TestValidateRejected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "whitespace only", raw: "   "},
		{name: "too many digits", raw: "1234567"},
		{name: "too many letters", raw: "ABCDEFG"},
		{name: "garbage", raw: "12AB!"},
		{name: "embedded space", raw: "23 30"},
		{name: "long suffix", raw: "AAPL.ABC"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(tt.raw)
			if got.Valid {
				t.Fatalf("Validate(%q) accepted as %q, want rejection", tt.raw, got.Normalized)
			}
			if got.Reason == "" {
				t.Fatal("expected a rejection reason")
			}
		})
	}
}

func TestValidateEmptyReason(t *testing.T) {
	t.Parallel()
	got := Validate("")
	if got.Reason != "symbol is required" {
		t.Fatalf("Reason = %q, want %q", got.Reason, "symbol is required")
	}
}
