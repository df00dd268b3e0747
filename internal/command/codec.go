package command

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// New returns an empty command of type t.
func New(t Type) (Command, error) {
	switch t {
	case TypeTransferCollateral:
		return &TransferCollateral{}, nil
	case TypeCommitOrder:
		return &CommitOrder{}, nil
	case TypeSettleOrder:
		return &SettleOrder{}, nil
	case TypeCancelOrder:
		return &CancelOrder{}, nil
	case TypeLiquidatePosition:
		return &LiquidatePosition{}, nil
	case TypeUpdatePrice:
		return &UpdatePrice{}, nil
	case TypeSetCollateralConfiguration:
		return &SetCollateralConfiguration{}, nil
	case TypeSetMarketConfiguration:
		return &SetMarketConfiguration{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", t)
	}
}

// Marshal encodes the command payload for the event log.
func Marshal(c Command) ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal decodes a payload written by Marshal.
func Unmarshal(typeName string, data []byte) (Command, error) {
	t, ok := ParseType(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown command type: %s", typeName)
	}
	c, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typeName, err)
	}
	return c, nil
}
