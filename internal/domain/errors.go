package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound возвращается, когда запись отсутствует в бэкенде.
var ErrNotFound = errors.New("record not found")

// ErrInvalidRecord возвращается, когда запись не прошла проверку формы.
var ErrInvalidRecord = errors.New("invalid record")

func invalidRecord(field string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, field)
}
