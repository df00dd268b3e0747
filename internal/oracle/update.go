package oracle

import (
	"PerpSettle/internal/errs"
	"crypto/ed25519"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PriceUpdate is the payload a price publisher signs.
// Price is a mantissa: the real price is Price * 10^Expo.
type PriceUpdate struct {
	FeedID      string `json:"feed_id"`
	Price       int64  `json:"price"`
	Conf        uint64 `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"` // unix seconds
}

// signedUpdate is the wire envelope; []byte fields travel as base64.
type signedUpdate struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// SignUpdate produces an update blob. Used by publishers and tests.
func SignUpdate(key ed25519.PrivateKey, u PriceUpdate) ([]byte, error) {
	payload, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("marshal price update: %w", err)
	}
	return json.Marshal(signedUpdate{
		Payload:   payload,
		Signature: ed25519.Sign(key, payload),
	})
}

// Verifier decodes update blobs and checks them against the trusted publisher keys.
type Verifier struct {
	keys []ed25519.PublicKey
}

func NewVerifier(keys ...ed25519.PublicKey) *Verifier {
	return &Verifier{keys: keys}
}

// Decode returns the signed payload or errs.ErrInvalidPriceUpdate.
func (v *Verifier) Decode(blob []byte) (*PriceUpdate, error) {
	var env signedUpdate
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", errs.ErrInvalidPriceUpdate, err)
	}
	if len(env.Payload) == 0 || len(env.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: malformed envelope", errs.ErrInvalidPriceUpdate)
	}
	if !v.trusted(env.Payload, env.Signature) {
		return nil, fmt.Errorf("%w: signature not from a trusted publisher", errs.ErrInvalidPriceUpdate)
	}

	var u PriceUpdate
	if err := json.Unmarshal(env.Payload, &u); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", errs.ErrInvalidPriceUpdate, err)
	}
	return &u, nil
}

func (v *Verifier) trusted(payload, sig []byte) bool {
	for _, k := range v.keys {
		if ed25519.Verify(k, payload, sig) {
			return true
		}
	}
	return false
}
