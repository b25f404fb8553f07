package bencode

import (
	"bytes"
	"testing"
)

func TestEncodeDictSortsKeys(t *testing.T) {
	v := Dict{"bar": Bytes("spam"), "foo": Int(42)}
	got, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := "d3:bar4:spam3:fooi42ee"
	if string(got) != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}
}

func TestDecodeList(t *testing.T) {
	v, rest, err := Decode([]byte("li1ei2ei3ei4ee"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %q", rest)
	}
	list, ok := v.(List)
	if !ok || len(list) != 4 {
		t.Fatalf("got %#v", v)
	}
	for i, want := range []int64{1, 2, 3, 4} {
		n, ok := list[i].(Int)
		if !ok || int64(n) != want {
			t.Errorf("list[%d] = %#v, want %d", i, list[i], want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []Value{
		Int(0),
		Int(-42),
		Bytes("hello world"),
		Bytes(""),
		List{Int(1), Bytes("x"), List{Int(2)}},
		Dict{"a": Int(1), "b": Dict{"c": Bytes("d")}},
	}
	for _, v := range cases {
		enc, err := Encode(v)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", v, err)
		}
		dec, rest, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%q): %v", enc, err)
		}
		if len(rest) != 0 {
			t.Fatalf("leftover bytes decoding %q: %q", enc, rest)
		}
		reenc, err := Encode(dec)
		if err != nil {
			t.Fatalf("re-Encode: %v", err)
		}
		if !bytes.Equal(enc, reenc) {
			t.Errorf("round trip mismatch: %q != %q", enc, reenc)
		}
	}
}

func TestDecodeRejectsDuplicateKey(t *testing.T) {
	_, _, err := Decode([]byte("d1:ai1e1:ai2ee"))
	if err == nil {
		t.Fatal("expected error for duplicate key")
	}
	be, ok := err.(*BencodeError)
	if !ok || be.Kind != ErrDuplicateKey {
		t.Errorf("got %#v, want ErrDuplicateKey", err)
	}
}

func TestDecodeRejectsNonCanonicalOrder(t *testing.T) {
	_, _, err := Decode([]byte("d1:bi1e1:ai2ee"))
	if err == nil {
		t.Fatal("expected error for non-canonical key order")
	}
	be, ok := err.(*BencodeError)
	if !ok || be.Kind != ErrKeyOrder {
		t.Errorf("got %#v, want ErrKeyOrder", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []string{"", "i1", "3:ab", "d1:a", "i01e", "l1:a"}
	for _, s := range cases {
		if _, _, err := Decode([]byte(s)); err == nil {
			t.Errorf("Decode(%q) succeeded, want error", s)
		}
	}
}
