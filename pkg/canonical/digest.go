package canonical

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/crypto"
)

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func keccakHex(data []byte) string {
	return crypto.Keccak256Hash(data).Hex()
}
