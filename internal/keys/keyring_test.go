package keys

import (
	"sync"
	"testing"
)

func TestNewRingGeneratesCurrentKey(t *testing.T) {
	ring, err := NewRing(2048)
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}

	pair, err := ring.Current()
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if pair.KeyID == "" {
		t.Error("current pair should have a key id")
	}
	if pair.Private == nil || pair.Public == nil {
		t.Error("current pair should carry both key halves")
	}
	if pair.CreatedAt.IsZero() {
		t.Error("current pair should have a creation time")
	}
}

func TestNewRingRejectsWeakKeys(t *testing.T) {
	if _, err := NewRing(1024); err != ErrKeySize {
		t.Errorf("NewRing(1024) error = %v, want ErrKeySize", err)
	}
}

func TestRotateKeepsHistory(t *testing.T) {
	ring, err := NewRing(2048)
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}
	old, _ := ring.Current()

	rotated, err := ring.Rotate()
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if rotated.KeyID == old.KeyID {
		t.Error("rotation should produce a new key id")
	}
	if got := ring.CurrentKeyID(); got != rotated.KeyID {
		t.Errorf("CurrentKeyID() = %q, want %q", got, rotated.KeyID)
	}

	// The old pair must stay resolvable for verifying historical signatures.
	prior, ok := ring.Lookup(old.KeyID)
	if !ok {
		t.Fatal("Lookup() should find the pre-rotation key")
	}
	if prior.Public != old.Public {
		t.Error("Lookup() returned a different public key for the old id")
	}

	if _, ok := ring.Lookup("nonexistent"); ok {
		t.Error("Lookup() should not resolve an unknown key id")
	}
}

func TestConcurrentRotationAndReads(t *testing.T) {
	ring, err := NewRing(2048)
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				pair, err := ring.Current()
				if err != nil {
					t.Errorf("Current() error = %v", err)
					return
				}
				// Never a torn read: the pair's halves must match.
				if pair.Private != nil && pair.Public != &pair.Private.PublicKey {
					t.Error("Current() returned mismatched key halves")
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 3; j++ {
			if _, err := ring.Rotate(); err != nil {
				t.Errorf("Rotate() error = %v", err)
				return
			}
		}
	}()
	wg.Wait()
}

func TestPEMRoundTrip(t *testing.T) {
	ring, err := NewRing(2048)
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}
	pair, _ := ring.Current()

	privPEM, err := EncodePrivateKeyPEM(pair.Private)
	if err != nil {
		t.Fatalf("EncodePrivateKeyPEM() error = %v", err)
	}

	loaded, err := LoadRing(privPEM, pair.KeyID, 2048)
	if err != nil {
		t.Fatalf("LoadRing() error = %v", err)
	}
	if loaded.CurrentKeyID() != pair.KeyID {
		t.Errorf("LoadRing key id = %q, want %q", loaded.CurrentKeyID(), pair.KeyID)
	}

	loadedPair, _ := loaded.Current()
	if loadedPair.Private.N.Cmp(pair.Private.N) != 0 {
		t.Error("loaded private key does not match the original")
	}

	pubPEM, err := ring.PublicKeyPEM("")
	if err != nil {
		t.Fatalf("PublicKeyPEM() error = %v", err)
	}
	pub, err := DecodePublicKeyPEM(pubPEM)
	if err != nil {
		t.Fatalf("DecodePublicKeyPEM() error = %v", err)
	}
	if pub.N.Cmp(pair.Public.N) != 0 {
		t.Error("decoded public key does not match the original")
	}
}

func TestPublicKeyPEMUnknownID(t *testing.T) {
	ring, err := NewRing(2048)
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}
	if _, err := ring.PublicKeyPEM("missing"); err != ErrUnknownKeyID {
		t.Errorf("PublicKeyPEM(missing) error = %v, want ErrUnknownKeyID", err)
	}
}

func TestDecodeBadPEM(t *testing.T) {
	if _, err := DecodePrivateKeyPEM("not pem"); err != ErrBadPEM {
		t.Errorf("DecodePrivateKeyPEM error = %v, want ErrBadPEM", err)
	}
	if _, err := DecodePublicKeyPEM(""); err != ErrBadPEM {
		t.Errorf("DecodePublicKeyPEM error = %v, want ErrBadPEM", err)
	}
}
