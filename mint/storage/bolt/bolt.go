package bolt

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cashmint/cashmint/cashu"
	"github.com/cashmint/cashmint/cashu/nuts/nut04"
	"github.com/cashmint/cashmint/cashu/nuts/nut05"
	"github.com/cashmint/cashmint/cashu/nuts/nut07"
	"github.com/cashmint/cashmint/crypto"
	"github.com/cashmint/cashmint/mint/storage"
	bolt "go.etcd.io/bbolt"
)

const (
	seedBucket            = "seed"
	keysetsBucket         = "keysets"
	proofsBucket          = "proofs"
	mintQuotesBucket      = "mint_quotes"
	meltQuotesBucket      = "melt_quotes"
	blindSignaturesBucket = "blind_signatures"

	seedKey = "seed"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	dbpath := filepath.Join(path, "mint.bolt.db")
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initMintBuckets(); err != nil {
		return nil, fmt.Errorf("error setting up db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initMintBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			seedBucket,
			keysetsBucket,
			proofsBucket,
			mintQuotesBucket,
			meltQuotesBucket,
			blindSignaturesBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) GetBalance() (uint64, error) {
	issued, err := db.GetIssuedTotal()
	if err != nil {
		return 0, err
	}
	redeemed, err := db.GetRedeemedTotal()
	if err != nil {
		return 0, err
	}
	return issued - redeemed, nil
}

func (db *BoltDB) GetIssuedTotal() (uint64, error) {
	var issued uint64
	err := db.bolt.View(func(tx *bolt.Tx) error {
		signaturesb := tx.Bucket([]byte(blindSignaturesBucket))
		return signaturesb.ForEach(func(k, v []byte) error {
			var signature cashu.BlindedSignature
			if err := json.Unmarshal(v, &signature); err != nil {
				return err
			}
			issued += signature.Amount
			return nil
		})
	})
	return issued, err
}

func (db *BoltDB) GetRedeemedTotal() (uint64, error) {
	var redeemed uint64
	err := db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.ForEach(func(k, v []byte) error {
			var proof storage.DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.State == nut07.Spent {
				redeemed += proof.Amount
			}
			return nil
		})
	})
	return redeemed, err
}

func (db *BoltDB) GetProofsCount() (uint64, error) {
	var count uint64
	err := db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		count = uint64(proofsb.Stats().KeyN)
		return nil
	})
	return count, err
}

func (db *BoltDB) SaveSeed(seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		return seedb.Put([]byte(seedKey), seed)
	})
}

func (db *BoltDB) GetSeed() ([]byte, error) {
	var seed []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		stored := seedb.Get([]byte(seedKey))
		if stored == nil {
			return storage.ErrNotFound
		}
		seed = make([]byte, len(stored))
		copy(seed, stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seed, nil
}

func (db *BoltDB) SaveKeyset(keyset storage.DBKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEach(func(k, v []byte) error {
			var keyset storage.DBKeyset
			if err := json.Unmarshal(v, &keyset); err != nil {
				return err
			}
			keysets = append(keysets, keyset)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keysets, nil
}

func (db *BoltDB) UpdateKeysetActive(keysetId string, active bool) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		keysetBytes := keysetsb.Get([]byte(keysetId))
		if keysetBytes == nil {
			return storage.ErrNotFound
		}

		var keyset storage.DBKeyset
		if err := json.Unmarshal(keysetBytes, &keyset); err != nil {
			return err
		}
		keyset.Active = active

		jsonKeyset, err := json.Marshal(keyset)
		if err != nil {
			return err
		}
		return keysetsb.Put([]byte(keysetId), jsonKeyset)
	})
}

// RotateKeyset deactivates the previous keyset and saves the new one
// in a single transaction.
func (db *BoltDB) RotateKeyset(newKeyset storage.DBKeyset, previousId string) error {
	jsonNewKeyset, err := json.Marshal(newKeyset)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		previousBytes := keysetsb.Get([]byte(previousId))
		if previousBytes == nil {
			return storage.ErrNotFound
		}

		var previous storage.DBKeyset
		if err := json.Unmarshal(previousBytes, &previous); err != nil {
			return err
		}
		previous.Active = false
		jsonPrevious, err := json.Marshal(previous)
		if err != nil {
			return err
		}
		if err := keysetsb.Put([]byte(previousId), jsonPrevious); err != nil {
			return err
		}
		return keysetsb.Put([]byte(newKeyset.Id), jsonNewKeyset)
	})
}

func (db *BoltDB) AddProofs(proofs cashu.Proofs, meltQuoteId string, state nut07.State) error {
	dbProofs := make([]storage.DBProof, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return err
		}
		dbProofs[i] = storage.DBProof{
			Amount:      proof.Amount,
			Id:          proof.Id,
			Secret:      proof.Secret,
			Y:           hex.EncodeToString(Y.SerializeCompressed()),
			C:           proof.C,
			State:       state,
			MeltQuoteId: meltQuoteId,
		}
	}

	// single Update tx makes the check-and-mark atomic
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))

		existing := []storage.DBProof{}
		for _, dbProof := range dbProofs {
			if v := proofsb.Get([]byte(dbProof.Y)); v != nil {
				var used storage.DBProof
				if err := json.Unmarshal(v, &used); err != nil {
					return err
				}
				existing = append(existing, used)
			}
		}
		if len(existing) > 0 {
			return storage.ProofsExistError{Proofs: existing}
		}

		for _, dbProof := range dbProofs {
			jsonProof, err := json.Marshal(dbProof)
			if err != nil {
				return err
			}
			if err := proofsb.Put([]byte(dbProof.Y), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs(Ys []string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, y := range Ys {
			v := proofsb.Get([]byte(y))
			if v == nil {
				continue
			}
			var proof storage.DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (db *BoltDB) GetProofsByQuote(meltQuoteId string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.ForEach(func(k, v []byte) error {
			var proof storage.DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.MeltQuoteId == meltQuoteId {
				proofs = append(proofs, proof)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (db *BoltDB) UpdateProofsState(Ys []string, state nut07.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, y := range Ys {
			v := proofsb.Get([]byte(y))
			if v == nil {
				return storage.ErrNotFound
			}
			var proof storage.DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			proof.State = state
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return err
			}
			if err := proofsb.Put([]byte(y), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) DeleteProofs(Ys []string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, y := range Ys {
			if err := proofsb.Delete([]byte(y)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveMintQuote(quote storage.MintQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid mint quote: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		return quotesb.Put([]byte(quote.Id), jsonQuote)
	})
}

func (db *BoltDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	var quote storage.MintQuote
	err := db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		v := quotesb.Get([]byte(quoteId))
		if v == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(v, &quote)
	})
	if err != nil {
		return storage.MintQuote{}, err
	}
	return quote, nil
}

func (db *BoltDB) UpdateMintQuoteState(quoteId string, from, to nut04.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		v := quotesb.Get([]byte(quoteId))
		if v == nil {
			return storage.ErrNotFound
		}

		var quote storage.MintQuote
		if err := json.Unmarshal(v, &quote); err != nil {
			return err
		}
		if quote.State != from {
			return storage.ErrQuoteConflict
		}
		quote.State = to

		jsonQuote, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return quotesb.Put([]byte(quoteId), jsonQuote)
	})
}

func (db *BoltDB) SaveMeltQuote(quote storage.MeltQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid melt quote: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		return quotesb.Put([]byte(quote.Id), jsonQuote)
	})
}

func (db *BoltDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	var quote storage.MeltQuote
	err := db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		v := quotesb.Get([]byte(quoteId))
		if v == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(v, &quote)
	})
	if err != nil {
		return storage.MeltQuote{}, err
	}
	return quote, nil
}

func (db *BoltDB) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, error) {
	var quote storage.MeltQuote
	found := false
	err := db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		return quotesb.ForEach(func(k, v []byte) error {
			var q storage.MeltQuote
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			if q.InvoiceRequest == request {
				quote = q
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return storage.MeltQuote{}, err
	}
	if !found {
		return storage.MeltQuote{}, storage.ErrNotFound
	}
	return quote, nil
}

func (db *BoltDB) GetMeltQuotesByState(state nut05.State) ([]storage.MeltQuote, error) {
	quotes := []storage.MeltQuote{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		return quotesb.ForEach(func(k, v []byte) error {
			var quote storage.MeltQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return err
			}
			if quote.State == state {
				quotes = append(quotes, quote)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

func (db *BoltDB) UpdateMeltQuote(quoteId, preimage string, from, to nut05.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		v := quotesb.Get([]byte(quoteId))
		if v == nil {
			return storage.ErrNotFound
		}

		var quote storage.MeltQuote
		if err := json.Unmarshal(v, &quote); err != nil {
			return err
		}
		if quote.State != from {
			return storage.ErrQuoteConflict
		}
		quote.State = to
		quote.Preimage = preimage

		jsonQuote, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return quotesb.Put([]byte(quoteId), jsonQuote)
	})
}

func (db *BoltDB) SaveBlindSignature(B_ string, blindSignature cashu.BlindedSignature) error {
	jsonSignature, err := json.Marshal(blindSignature)
	if err != nil {
		return fmt.Errorf("invalid blind signature: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		signaturesb := tx.Bucket([]byte(blindSignaturesBucket))
		return signaturesb.Put([]byte(B_), jsonSignature)
	})
}

func (db *BoltDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	var signature cashu.BlindedSignature
	err := db.bolt.View(func(tx *bolt.Tx) error {
		signaturesb := tx.Bucket([]byte(blindSignaturesBucket))
		v := signaturesb.Get([]byte(B_))
		if v == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(v, &signature)
	})
	if err != nil {
		return cashu.BlindedSignature{}, err
	}
	return signature, nil
}

func (db *BoltDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		signaturesb := tx.Bucket([]byte(blindSignaturesBucket))
		for _, B_ := range B_s {
			v := signaturesb.Get([]byte(B_))
			if v == nil {
				continue
			}
			var signature cashu.BlindedSignature
			if err := json.Unmarshal(v, &signature); err != nil {
				return err
			}
			signatures = append(signatures, signature)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signatures, nil
}
