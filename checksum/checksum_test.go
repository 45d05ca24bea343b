package checksum

import (
	"errors"
	"testing"
)

func TestKnownValues(t *testing.T) {
	check := []byte("123456789")
	cases := []struct {
		typ  Type
		args [][]byte
		want uint32
	}{
		{CRC32, [][]byte{check}, 0xcbf43926},
		{CRC32C, [][]byte{check}, 0xe3069283},
		{FarmHash32, [][]byte{[]byte("on"), []byte("to"), []byte("te")}, 0x8e09a1bd},
		{FarmHash32, [][]byte{[]byte("ON"), []byte("TO"), []byte("TE")}, 0x8d82e8ba},
		{None, [][]byte{check}, 0},
	}
	for _, tc := range cases {
		if got := Compute(tc.typ, tc.args, 0); got != tc.want {
			t.Errorf("%s: got 0x%08x, want 0x%08x", tc.typ, got, tc.want)
		}
	}
}

func TestChainingAcrossFrames(t *testing.T) {
	args := [][]byte{[]byte("endpoint"), []byte("head-bytes"), []byte("a somewhat longer body")}

	for _, typ := range []Type{CRC32, CRC32C, FarmHash32} {
		whole := Compute(typ, args, 0)

		// split at an argument boundary
		first := Compute(typ, args[:1], 0)
		chained := Compute(typ, args[1:], first)
		if chained != whole {
			t.Errorf("%s: boundary split 0x%08x != whole 0x%08x", typ, chained, whole)
		}
	}

	// CRC digests also chain through a split in the middle of an argument.
	for _, typ := range []Type{CRC32, CRC32C} {
		whole := Compute(typ, args, 0)
		first := Compute(typ, [][]byte{args[0], args[1][:4]}, 0)
		chained := Compute(typ, [][]byte{args[1][4:], args[2]}, first)
		if chained != whole {
			t.Errorf("%s: mid-arg split 0x%08x != whole 0x%08x", typ, chained, whole)
		}
	}
}

func TestVerify(t *testing.T) {
	args := [][]byte{[]byte("a"), []byte("b")}

	if err := Verify(Checksum{Type: None, Value: 12345}, args, 0); err != nil {
		t.Fatalf("none checksum should always verify, got %v", err)
	}

	good := Of(CRC32C, args, 7)
	if err := Verify(good, args, 7); err != nil {
		t.Fatalf("expected verification to pass, got %v", err)
	}

	bad := Checksum{Type: CRC32C, Value: good.Value + 1}
	err := Verify(bad, args, 7)
	var csErr *ChecksumError
	if !errors.As(err, &csErr) {
		t.Fatalf("expected *ChecksumError, got %v", err)
	}
	if csErr.Expected != bad.Value || csErr.Actual != good.Value || csErr.Type != CRC32C {
		t.Fatalf("unexpected error fields: %+v", csErr)
	}
}

func TestTypeHelpers(t *testing.T) {
	if None.Size() != 0 || CRC32.Size() != 4 || FarmHash32.Size() != 4 {
		t.Fatal("unexpected checksum sizes")
	}
	if Type(9).Valid() {
		t.Fatal("type 9 should not be valid")
	}
	if CRC32C.String() != "crc32c" {
		t.Fatalf("unexpected name %q", CRC32C.String())
	}
}
