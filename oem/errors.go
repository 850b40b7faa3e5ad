package oem

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuery is returned when a query references an unknown property,
	// uses a disallowed operator or value, or mixes projection and keys-only.
	ErrInvalidQuery = errors.New("oem: invalid query")

	// ErrConfiguration is the parent of all missing-configuration errors.
	ErrConfiguration = errors.New("oem: configuration error")

	// ErrNoConnection is returned when no connection was given and no default is set.
	ErrNoConnection = fmt.Errorf("%w: no connection, have you called Connect?", ErrConfiguration)

	// ErrNoDataset is returned when a key must be serialized but no dataset is known.
	ErrNoDataset = fmt.Errorf("%w: couldn't determine the dataset id, have you called Connect?", ErrConfiguration)

	// ErrConnection is matched by transport and authentication failures raised by a Connection.
	ErrConnection = errors.New("oem: connection error")

	// ErrProtocol is returned when the store answers with something the codec does not understand.
	ErrProtocol = errors.New("oem: protocol error")

	// ErrUsage is the parent of all invalid state transition errors.
	ErrUsage = errors.New("oem: usage error")

	// ErrTransactionState is returned when a transaction operation is not allowed in its current status.
	ErrTransactionState = fmt.Errorf("%w: invalid transaction state", ErrUsage)

	// ErrNilEntity is returned when a nil entity or prototype is supplied.
	ErrNilEntity = fmt.Errorf("%w: nil entity", ErrUsage)

	// ErrValidation is returned when an entity or value fails property validation.
	ErrValidation = errors.New("oem: validation failed")

	// ErrFieldMismatch is returned when a stored value cannot be decoded into its field.
	ErrFieldMismatch = errors.New("oem: stored value does not match field")

	// ErrInvalidKey is returned when a key violates its path invariants.
	ErrInvalidKey = errors.New("oem: invalid key")

	// ErrInvalidEntity is returned when a Go type cannot be declared as an entity.
	ErrInvalidEntity = errors.New("oem: invalid entity declaration")

	// ErrNotFound is returned when a lookup finds no entity.
	ErrNotFound = errors.New("oem: entity not found")

	// Done is returned by Cursor.Next when the result set is exhausted.
	Done = errors.New("oem: no more results")
)
