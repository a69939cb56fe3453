package game

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
)

const (
	MIN_MULTIPLIER = 1.00
	MAX_MULTIPLIER = 1000000.00
	HOUSE_EDGE     = 0.01 // 1%
)

// Generator maps a round's seed and number to its crash point.
type Generator func(seed string, number int) float64

// NewGenerator returns the HMAC generator with the given house edge and
// payout cap.
func NewGenerator(houseEdge, maxMultiplier float64) Generator {
	return func(seed string, number int) float64 {
		return CrashPoint(seed, number, houseEdge, maxMultiplier)
	}
}

// DeriveSeed derives the seed of round number from the server secret and the
// epoch the round was opened in. Nobody without the secret can compute it
// before the seed is revealed. The epoch keeps a process that restarts its
// numbering from replaying seeds it has already revealed.
func DeriveSeed(secret, epoch string, number int) string {
	h := hmac.New(sha256.New, []byte(secret))
	if epoch == "" {
		h.Write([]byte("round:" + strconv.Itoa(number)))
	} else {
		h.Write([]byte("round:" + epoch + ":" + strconv.Itoa(number)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CrashPoint generates a provably fair crash multiplier using HMAC-SHA256
// keyed by the seed over the round number, mapped through the inverse CDF
// (1-e)/(1-u).
func CrashPoint(seed string, number int, houseEdge, maxMultiplier float64) float64 {
	h := hmac.New(sha256.New, []byte(seed))
	h.Write([]byte(strconv.Itoa(number)))
	sum := h.Sum(nil)

	// First 64 bits as a uniform value in [0, 1)
	const MAX_VALUE_F64 = 18446744073709551616.0
	u := float64(binary.BigEndian.Uint64(sum[:8])) / MAX_VALUE_F64
	if u >= 1 {
		u = math.Nextafter(1, 0)
	}

	crashValue := (1 - houseEdge) / (1 - u)
	if crashValue > maxMultiplier {
		return maxMultiplier
	}

	// Round down to 2 decimal places
	finalMultiplier := math.Floor(crashValue*100) / 100
	if finalMultiplier < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	return finalMultiplier
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.New()
	h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyRound allows players to verify the fairness of a round once its seed
// has been revealed.
func VerifyRound(gen Generator, seed, commitment string, number int, claimed float64) bool {
	if HashCommitment(seed) != commitment {
		return false
	}
	return math.Abs(gen(seed, number)-claimed) < 0.005
}
