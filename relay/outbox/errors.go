package outbox

import "errors"

var (
	ErrRecordRequired          = errors.New("outbox record is required")
	ErrRecordIDRequired        = errors.New("outbox record id is required")
	ErrStoreRequired           = errors.New("outbox store is required")
	ErrBusRequired             = errors.New("event bus is required")
	ErrProjectorRequired       = errors.New("outbox projector is required")
	ErrProjectorRunning        = errors.New("outbox projector is already running")
	ErrPayloadRequired         = errors.New("outbox record payload is required")
	ErrPayloadTooLarge         = errors.New("outbox record payload exceeds maximum allowed size")
	ErrPayloadNotJSON          = errors.New("outbox record payload must be valid JSON")
	ErrEventTypeRequired       = errors.New("event type is required")
	ErrAggregateIDRequired     = errors.New("aggregate id is required")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrTransitionInvalid       = errors.New("invalid outbox status transition")
	ErrStatusNameEmpty         = errors.New("status name must not be empty")
	ErrStatusNamesClash        = errors.New("status names must be mutually distinct")
	ErrClaimConflict           = errors.New("outbox record claim conflict")
	ErrRecordNotFound          = errors.New("outbox record not found")
)
