package bencode

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeEdgeCases(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want func(Value) bool
	}{
		{"zero int", "i0e", func(v Value) bool { n, _ := v.IntVal(); return n == 0 }},
		{"negative int", "i-42e", func(v Value) bool { n, _ := v.IntVal(); return n == -42 }},
		{"empty string", "0:", func(v Value) bool { s, _ := v.Str(); return s == "" }},
		{"list", "li1ei2ee", func(v Value) bool {
			items, _ := v.ListVal()
			if len(items) != 2 {
				return false
			}
			a, _ := items[0].IntVal()
			b, _ := items[1].IntVal()
			return a == 1 && b == 2
		}},
		{"dict", "d3:cow3:moo4:spam4:eggse", func(v Value) bool {
			cow, ok := v.Get("cow")
			if !ok {
				return false
			}
			s, _ := cow.Str()
			if s != "moo" {
				return false
			}
			spam, ok := v.Get("spam")
			if !ok {
				return false
			}
			s2, _ := spam.Str()
			return s2 == "eggs"
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, n, err := Decode([]byte(c.in))
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if n != len(c.in) {
				t.Fatalf("consumed %d of %d bytes", n, len(c.in))
			}
			if !c.want(v) {
				t.Fatalf("unexpected value: %+v", v)
			}
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte("d3:cow3:moo2:xxe"))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{"x", "i e", "3", "i01e", "l", "d1:ae"}
	for _, c := range cases {
		_, _, err := Decode([]byte(c))
		if err == nil {
			t.Fatalf("expected error decoding %q", c)
		}
	}
}

func TestEncodeCanonicalSorting(t *testing.T) {
	v := Dict([]DictEntry{
		{Key: "b", Value: Int(1)},
		{Key: "a", Value: Int(2)},
	})
	got, err := Encode(v.Sorted())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "d1:ai2e1:bi1ee"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncodeRejectsUnsortedDict(t *testing.T) {
	v := Dict([]DictEntry{
		{Key: "b", Value: Int(1)},
		{Key: "a", Value: Int(2)},
	})
	_, err := Encode(v)
	if !errors.Is(err, ErrKeyOrder) {
		t.Fatalf("expected ErrKeyOrder, got %v", err)
	}
}

func TestRoundTripCanonical(t *testing.T) {
	inputs := []string{
		"i0e",
		"i-123e",
		"0:",
		"4:spam",
		"li1ei2ee",
		"d3:cow3:moo4:spam4:eggse",
		"d1:ai2e1:bi1ee",
		"ld1:ai1ee4:spami5ee",
	}
	for _, in := range inputs {
		v, err := DecodeAll([]byte(in))
		if err != nil {
			t.Fatalf("decode %q: %v", in, err)
		}
		out, err := Encode(v)
		if err != nil {
			t.Fatalf("encode %q: %v", in, err)
		}
		if string(out) != in {
			t.Fatalf("round trip mismatch: in=%q out=%q", in, out)
		}
	}
}

func TestMarshalUnmarshalStruct(t *testing.T) {
	type inner struct {
		ID   string `bencode:"id"`
		Port int    `bencode:"port,omitempty"`
	}
	in := inner{ID: "abcdefghij0123456789", Port: 6881}
	b, err := Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out inner
	if err := Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestMarshalOmitsEmpty(t *testing.T) {
	type s struct {
		A string `bencode:"a,omitempty"`
		B int    `bencode:"b,omitempty"`
	}
	b, err := Marshal(&s{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(b, []byte("de")) {
		t.Fatalf("got %q, want %q", b, "de")
	}
}

func TestRawMessagePassthrough(t *testing.T) {
	type wrapper struct {
		Info RawMessage `bencode:"info"`
	}
	original := "d4:name5:helloe"
	var w wrapper
	if err := Unmarshal([]byte("d4:info"+"d4:name5:helloe"+"e"), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(w.Info) != original {
		t.Fatalf("got %q, want %q", w.Info, original)
	}
	out, err := Marshal(&w)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "d4:infod4:name5:helloee" {
		t.Fatalf("got %q", out)
	}
}
