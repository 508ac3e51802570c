// Package cmn provides common types, validation, and configuration shared
// across the storage, master, and agent packages.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors returned by storage and descriptor construction. Callers
// compare with errors.Is / errors.Cause rather than string matching.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("descriptor already present")
	ErrClosed    = errors.New("storage closed")
)

// ErrBadSelector reports a selector that fails SelectorRegex.
type ErrBadSelector struct {
	Selector string
}

func (e *ErrBadSelector) Error() string {
	return fmt.Sprintf("invalid selector %q: must match %s", e.Selector, selectorPattern)
}

// ErrBadDomain reports a domain that fails DomainRegex.
type ErrBadDomain struct {
	Domain string
}

func (e *ErrBadDomain) Error() string {
	return fmt.Sprintf("invalid domain %q: must match %s", e.Domain, domainPattern)
}

// Wrap is a thin alias over github.com/pkg/errors.Wrap, kept as a single
// call site so the wrapping library can be swapped without touching every
// caller.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
