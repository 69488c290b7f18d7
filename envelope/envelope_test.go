package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	cases := [][]byte{
		[]byte(""),
		[]byte("hello implant"),
		{0x00, 0x01, 0xff, 0xfe, 0x00},
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for _, plaintext := range cases {
		env, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := DecryptToBytes(env, key)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch: got %x want %x", got, plaintext)
		}
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()

	env, err := EncryptString("secret", key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(env, other); err == nil {
		t.Fatal("expected decrypt with wrong key to fail")
	}
}

func TestDecrypt_MalformedEnvelope(t *testing.T) {
	key, _ := GenerateKey()
	if _, err := Decrypt("not-base64!!!", key); err == nil {
		t.Fatal("expected error on malformed base64")
	}
	if _, err := Decrypt("aGVsbG8=", key); err == nil {
		t.Fatal("expected error on truncated envelope")
	}
}

func TestXORMask_RoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	mask := make([]byte, KeySize)
	rand.Read(key)
	rand.Read(mask)

	masked, err := XORMask(key, mask)
	if err != nil {
		t.Fatal(err)
	}
	recovered, err := XORMask(masked, mask)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(recovered, key) {
		t.Fatal("xor mask is not its own inverse")
	}
}

func TestXORMask_LengthMismatch(t *testing.T) {
	if _, err := XORMask(make([]byte, 4), make([]byte, 8)); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestMaskedKeyB64_NeverLeaksRawKey(t *testing.T) {
	key, _ := GenerateKey()
	xorKey, _ := GenerateKey()

	b64, err := MaskedKeyB64(key, xorKey)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains([]byte(b64), key) {
		t.Fatal("masked key wire form contains raw key bytes")
	}
}
