package ingestion

import (
	"PerpSettle/internal/api"
	"PerpSettle/internal/command"
	"PerpSettle/internal/errs"
	"fmt"

	"github.com/google/uuid"
)

// ParseCaller reads the caller identity header.
func ParseCaller(raw RawEvent) (uuid.UUID, error) {
	if raw.CallerID == "" {
		return uuid.Nil, fmt.Errorf("%w: missing %s header", errs.ErrUnauthorized, HeaderCallerID)
	}
	id, err := uuid.Parse(raw.CallerID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s header: %v", errs.ErrUnauthorized, HeaderCallerID, err)
	}
	return id, nil
}

// ParseRawEvent converts a command message into a typed command submitted by caller.
// The command type comes from the subject's consumer, not the payload.
func ParseRawEvent(raw RawEvent, caller uuid.UUID) (command.Command, error) {
	return api.DecodeCommand(raw.CommandType, raw.Data, caller)
}
