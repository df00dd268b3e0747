package testutil

import (
	"PerpSettle/internal/oracle"
	"crypto/ed25519"
	"testing"
)

// PriceSigner signs price updates with a fixed test key.
type PriceSigner struct {
	key ed25519.PrivateKey
}

// NewPriceSigner derives a key from seed, so separate signers built from the same seed agree.
func NewPriceSigner(seed byte) *PriceSigner {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed + byte(i)
	}
	return &PriceSigner{key: ed25519.NewKeyFromSeed(s)}
}

func (s *PriceSigner) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Verifier trusts this signer only.
func (s *PriceSigner) Verifier() *oracle.Verifier {
	return oracle.NewVerifier(s.PublicKey())
}

// Blob signs price, given at price scale (two decimals), for feedID.
func (s *PriceSigner) Blob(t testing.TB, feedID string, price, publishTime int64) []byte {
	t.Helper()
	blob, err := oracle.SignUpdate(s.key, oracle.PriceUpdate{
		FeedID:      feedID,
		Price:       price,
		Conf:        1,
		Expo:        -2,
		PublishTime: publishTime,
	})
	if err != nil {
		t.Fatalf("sign price update: %v", err)
	}
	return blob
}
