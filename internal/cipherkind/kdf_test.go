package cipherkind

import "testing"

func TestMasterKeyFoobarVector(t *testing.T) {
	want := []byte{
		0x38, 0x58, 0xf6, 0x22, 0x30, 0xac, 0x3c, 0x91, 0x5f, 0x30, 0x0c, 0x66, 0x43,
		0x12, 0xc6, 0x3f, 0x56, 0x83, 0x78, 0x52, 0x96, 0x14, 0xd2, 0x2d, 0xdb, 0x49, 0x23,
		0x7d, 0x2f, 0x60, 0xbf, 0xdf,
	}

	got := MasterKey("foobar", 32)
	if len(got) != len(want) {
		t.Fatalf("MasterKey length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MasterKey[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestSessionSubkeyDeterministic(t *testing.T) {
	master := MasterKey("123456", AES256GCM.KeySize())
	salt := make([]byte, AES256GCM.SaltSize())

	a, err := SessionSubkey(master, salt, AES256GCM.KeySize())
	if err != nil {
		t.Fatalf("SessionSubkey: %v", err)
	}
	b, err := SessionSubkey(master, salt, AES256GCM.KeySize())
	if err != nil {
		t.Fatalf("SessionSubkey: %v", err)
	}
	if len(a) != AES256GCM.KeySize() {
		t.Fatalf("subkey length = %d, want %d", len(a), AES256GCM.KeySize())
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("SessionSubkey is not deterministic at byte %d", i)
		}
	}

	salt2 := make([]byte, AES256GCM.SaltSize())
	salt2[0] = 1
	c, err := SessionSubkey(master, salt2, AES256GCM.KeySize())
	if err != nil {
		t.Fatalf("SessionSubkey: %v", err)
	}
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("SessionSubkey should differ when salt differs")
	}
}
