package crypto

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

func masterKey(t *testing.T, mnemonic string) *hdkeychain.ExtendedKey {
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("error deriving master key: %v", err)
	}
	return master
}

func TestGenerateKeyset(t *testing.T) {
	mnemonic := "rail feed pistol mean system so ladder sudden rebuild glove bundle impose"
	master := masterKey(t, mnemonic)

	path, err := DeriveKeysetPath(master, 0)
	if err != nil {
		t.Fatalf("error deriving keyset path: %v", err)
	}
	keyset, err := GenerateKeyset(path, 0, 0)
	if err != nil {
		t.Fatalf("error generating keyset: %v", err)
	}

	if len(keyset.Keys) != maxOrder {
		t.Errorf("expected '%v' keys but got '%v' instead", maxOrder, len(keyset.Keys))
	}
	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		if _, ok := keyset.Keys[amount]; !ok {
			t.Errorf("keyset is missing key for amount %v", amount)
		}
	}

	if len(keyset.Id) != 16 || !strings.HasPrefix(keyset.Id, "00") {
		t.Errorf("invalid keyset id '%v'", keyset.Id)
	}

	// same seed and index derive the identical keyset
	master2 := masterKey(t, mnemonic)
	path2, err := DeriveKeysetPath(master2, 0)
	if err != nil {
		t.Fatalf("error deriving keyset path: %v", err)
	}
	keyset2, err := GenerateKeyset(path2, 0, 0)
	if err != nil {
		t.Fatalf("error generating keyset: %v", err)
	}
	if keyset.Id != keyset2.Id {
		t.Errorf("expected '%v' but got '%v' instead", keyset.Id, keyset2.Id)
	}
	for amount, key := range keyset.Keys {
		if !key.PublicKey.IsEqual(keyset2.Keys[amount].PublicKey) {
			t.Errorf("different key for amount %v from same seed and index", amount)
		}
	}

	// different index derives a different keyset
	path3, err := DeriveKeysetPath(master, 1)
	if err != nil {
		t.Fatalf("error deriving keyset path: %v", err)
	}
	keyset3, err := GenerateKeyset(path3, 1, 0)
	if err != nil {
		t.Fatalf("error generating keyset: %v", err)
	}
	if keyset.Id == keyset3.Id {
		t.Error("got same keyset id from different derivation index")
	}
}

func TestDeriveKeysetId(t *testing.T) {
	mnemonic := "rail feed pistol mean system so ladder sudden rebuild glove bundle impose"
	master := masterKey(t, mnemonic)
	path, err := DeriveKeysetPath(master, 0)
	if err != nil {
		t.Fatalf("error deriving keyset path: %v", err)
	}
	keyset, err := GenerateKeyset(path, 0, 100)
	if err != nil {
		t.Fatalf("error generating keyset: %v", err)
	}

	// id depends only on the public keys, not on the fee
	id := DeriveKeysetId(keyset.PublicKeys())
	if id != keyset.Id {
		t.Errorf("expected '%v' but got '%v' instead", keyset.Id, id)
	}

	// roundtrip through the hex representation
	pubkeys, err := MapPubKeys(keyset.DerivePublic())
	if err != nil {
		t.Fatalf("MapPubKeys err: %v", err)
	}
	if DeriveKeysetId(pubkeys) != keyset.Id {
		t.Error("keyset id changed after hex roundtrip")
	}
}
