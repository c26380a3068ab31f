package types

import (
	"math/big"
	"testing"
)

func TestAssetIDEqual(t *testing.T) {
	a := Rune(big.NewInt(12345))
	b := Rune(big.NewInt(12345))
	c := Rune(big.NewInt(9999))

	if !a.Equal(b) {
		t.Fatalf("expected equal Rune ids to compare equal")
	}
	if a.Equal(c) {
		t.Fatalf("expected different Rune ids to compare unequal")
	}
	if Bitcoin().Equal(Alkane("foo")) {
		t.Fatalf("expected different kinds to compare unequal")
	}
}

func TestAssetIDString(t *testing.T) {
	cases := []struct {
		id   AssetID
		want string
	}{
		{Bitcoin(), "BTC"},
		{Rune(big.NewInt(7)), "Rune(7)"},
		{Alkane("xyz"), "Alkane(xyz)"},
	}
	for _, tc := range cases {
		if got := tc.id.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
	}
}
