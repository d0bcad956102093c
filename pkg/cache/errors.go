/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of tiercache.
 *
 * tiercache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tiercache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package cache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is a normal outcome, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable means the tier could not be reached or timed out.
	ErrUnavailable = errors.New("tier unavailable")

	// ErrVersionConflict means the tier holds a newer entry. The write was
	// discarded.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDurability matches every *DurabilityFailure.
	ErrDurability = errors.New("durability failure")

	ErrClosed = errors.New("closed")
)

// DurabilityFailure is reported when a write could not reach every tier the
// write policy requires.
type DurabilityFailure struct {
	Key      string
	Version  uint64
	Tier     TierID
	Attempts int
	Err      error
}

func (f *DurabilityFailure) Error() string {
	return fmt.Sprintf("durability failure: key %q version %d not written to %s after %d attempt(s): %v",
		f.Key, f.Version, f.Tier, f.Attempts, f.Err)
}

func (f *DurabilityFailure) Unwrap() []error {
	return []error{ErrDurability, f.Err}
}

// PartialRemoveError is returned by a hierarchy-wide remove that failed on
// some tiers. A stale copy may still be visible through those tiers.
type PartialRemoveError struct {
	Failed []TierID
	Errs   []error
}

func (e *PartialRemoveError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, t := range e.Failed {
		parts[i] = fmt.Sprintf("%s: %v", t, e.Errs[i])
	}
	return "partial remove: " + strings.Join(parts, "; ")
}

func (e *PartialRemoveError) Unwrap() []error {
	return e.Errs
}

// Unavailable wraps err so that it matches ErrUnavailable.
func Unavailable(t TierID, op string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", t, op, ErrUnavailable, err)
}

// FailedTiers returns the tiers named by a *PartialRemoveError in err.
func FailedTiers(err error) []TierID {
	var pe *PartialRemoveError
	if errors.As(err, &pe) {
		return pe.Failed
	}
	return nil
}
