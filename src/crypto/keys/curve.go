package keys

import (
	"crypto/elliptic"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

/*
Node identities and message signatures are based on elliptic curve
cryptography. We use the secp256k1 curve because it is widely deployed and has
a fast golang implementation in btcsuite.
*/

// Parameters of the secp256k1 curve. They are used in other functions to
// verify that a private key is valid.
var (
	secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
)

// Curve returns the elliptic.Curve used for node keys.
func Curve() elliptic.Curve {
	return btcec.S256() //secp256k1
}
