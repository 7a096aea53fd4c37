// Package crypto implements the Blind Diffie-Hellman Key Exchange
// scheme on which Cashu ecash is built.
// See https://github.com/cashubtc/nuts/blob/main/00.md
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxCounter = 1 << 16

var DomainSeparator = []byte("Secp256k1_HashToCurve_Cashu_")

// HashToCurve maps a message to a point on the curve using the counter
// construction with the Cashu domain separator.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgToHash := sha256.Sum256(append(DomainSeparator, message...))
	counter := uint32(0)
	counterBytes := make([]byte, 4)

	for counter < maxCounter {
		binary.LittleEndian.PutUint32(counterBytes, counter)
		hash := sha256.Sum256(append(msgToHash[:], counterBytes...))

		// try parsing the hash as a compressed x coordinate.
		// increase the counter until it lands on the curve
		pkhash := append([]byte{0x02}, hash[:]...)
		point, err := secp256k1.ParsePubKey(pkhash)
		if err != nil {
			counter++
			continue
		}
		return point, nil
	}

	return nil, errors.New("no valid point found")
}

// BlindMessage computes B_ = Y + rG. If r is nil, a random
// blinding factor is generated.
func BlindMessage(secret string, r *secp256k1.PrivateKey) (
	*secp256k1.PublicKey,
	*secp256k1.PrivateKey,
	error,
) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}
	Y.AsJacobian(&ypoint)

	if r == nil {
		r, err = btcec.NewPrivateKey()
		if err != nil {
			return nil, nil, err
		}
	}
	r.PubKey().AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// SignBlindedMessage computes C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// UnblindSignature computes C = C_ - rK
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)
	rKPoint.ToAffine()

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	C := secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
	return C
}

// Verify checks k * HashToCurve(secret) == C
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return false
	}
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// HashE hashes the concatenation of the uncompressed hex
// representations of the public keys as done for NUT-12
func HashE(pubkeys []*secp256k1.PublicKey) [32]byte {
	hexStr := ""
	for _, pubkey := range pubkeys {
		hexStr += hex.EncodeToString(pubkey.SerializeUncompressed())
	}
	return sha256.Sum256([]byte(hexStr))
}

// GenerateDLEQ produces a proof that the mint signed B_ with the same
// private key k behind its published public key.
//
//	r = random nonce
//	R1 = r*G
//	R2 = r*B'
//	e = hash(R1,R2,A,C')
//	s = r + e*k
func GenerateDLEQ(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (
	e *secp256k1.PrivateKey,
	s *secp256k1.PrivateKey,
	err error,
) {
	p, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}

	R1 := p.PubKey()

	var B_Point, R2Point secp256k1.JacobianPoint
	B_.AsJacobian(&B_Point)
	secp256k1.ScalarMultNonConst(&p.Key, &B_Point, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	A := k.PubKey()
	eBytes := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	e = secp256k1.PrivKeyFromBytes(eBytes[:])

	// s = p + e*k
	ek := new(secp256k1.ModNScalar).Mul2(&e.Key, &k.Key)
	sKey := new(secp256k1.ModNScalar).Add2(&p.Key, ek)
	s = secp256k1.NewPrivateKey(sKey)

	return e, s, nil
}

// VerifyDLEQ checks
//
//	R1 = s*G - e*A
//	R2 = s*B' - e*C'
//	e == hash(R1,R2,A,C')
func VerifyDLEQ(
	e *secp256k1.PrivateKey,
	s *secp256k1.PrivateKey,
	A, B_, C_ *secp256k1.PublicKey,
) bool {
	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	// R1 = s*G - e*A
	var APoint, eNegA, sG, R1Point secp256k1.JacobianPoint
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&eNeg, &APoint, &eNegA)
	eNegA.ToAffine()
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sG)
	sG.ToAffine()
	secp256k1.AddNonConst(&sG, &eNegA, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	// R2 = s*B' - e*C'
	var B_Point, C_Point, eNegC_, sB_, R2Point secp256k1.JacobianPoint
	B_.AsJacobian(&B_Point)
	C_.AsJacobian(&C_Point)
	secp256k1.ScalarMultNonConst(&eNeg, &C_Point, &eNegC_)
	eNegC_.ToAffine()
	secp256k1.ScalarMultNonConst(&s.Key, &B_Point, &sB_)
	sB_.ToAffine()
	secp256k1.AddNonConst(&sB_, &eNegC_, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	hash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	eFromHash := secp256k1.PrivKeyFromBytes(hash[:])

	return eFromHash.Key.Equals(&e.Key)
}
