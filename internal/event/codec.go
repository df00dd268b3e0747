package event

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is the wire form of a domain event: its type name and JSON payload.
type Record struct {
	Type     string              `json:"type"`
	MarketID *string             `json:"market_id,omitempty"`
	Data     jsoniter.RawMessage `json:"data"`
}

// Encode converts e into a Record.
func Encode(e Event) (Record, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return Record{Type: e.EventType().String(), MarketID: e.MarketID(), Data: data}, nil
}

// Decode is the inverse of Encode.
func Decode(r Record) (Event, error) {
	var e Event
	switch r.Type {
	case "Transfer":
		e = &Transfer{}
	case "CollateralConfigured":
		e = &CollateralConfigured{}
	case "MarketConfigured":
		e = &MarketConfigured{}
	case "OrderCommitted":
		e = &OrderCommitted{}
	case "OrderSettled":
		e = &OrderSettled{}
	case "OrderExpired":
		e = &OrderExpired{}
	case "PriceUpdated":
		e = &PriceUpdated{}
	case "PositionLiquidated":
		e = &PositionLiquidated{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", r.Type)
	}
	if err := json.Unmarshal(r.Data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.Type, err)
	}
	return e, nil
}

// EncodeAll encodes events in order.
func EncodeAll(events []Event) ([]Record, error) {
	out := make([]Record, 0, len(events))
	for _, e := range events {
		r, err := Encode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
