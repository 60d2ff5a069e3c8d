/*
 *
 * xk6-pageload - page load orchestration over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/guregu/null.v3"
)

// DefaultMaxWaitForLoad is the overall navigation timeout used when none is
// given.
const DefaultMaxWaitForLoad = 45 * time.Second

// DefaultNetworkIdleBound is the number of in-flight requests at or below
// which the network counts as quiet.
const DefaultNetworkIdleBound = 0

var (
	// ErrEmptyWaitUntil is returned when no completion condition is given.
	ErrEmptyWaitUntil = errors.New("waitUntil must contain at least one lifecycle event")

	// ErrFCPWithoutLoad is returned when fcp is requested without load.
	ErrFCPWithoutLoad = errors.New("Cannot wait for FCP without waiting for page load") //nolint:stylecheck,revive
)

// LifecycleEvent is a completion condition a navigation can wait for.
type LifecycleEvent int

const (
	// LifecycleEventNavigated is satisfied once the main frame navigated.
	LifecycleEventNavigated LifecycleEvent = iota + 1

	// LifecycleEventLoad is satisfied once the main frame fired both its
	// DOMContentLoaded and load events.
	LifecycleEventLoad

	// LifecycleEventFCP is satisfied on the main frame's first contentful
	// paint.
	LifecycleEventFCP
)

var lifecycleEventToString = map[LifecycleEvent]string{ //nolint:gochecknoglobals
	LifecycleEventNavigated: "navigated",
	LifecycleEventLoad:      "load",
	LifecycleEventFCP:       "fcp",
}

var lifecycleEventToID = map[string]LifecycleEvent{ //nolint:gochecknoglobals
	"navigated": LifecycleEventNavigated,
	"load":      LifecycleEventLoad,
	"fcp":       LifecycleEventFCP,
}

func (l LifecycleEvent) String() string {
	return lifecycleEventToString[l]
}

// MarshalJSON marshals the enum as a quoted JSON string.
func (l LifecycleEvent) MarshalJSON() ([]byte, error) {
	buffer := bytes.NewBufferString(`"`)
	buffer.WriteString(lifecycleEventToString[l])
	buffer.WriteString(`"`)
	return buffer.Bytes(), nil
}

// UnmarshalJSON unmarshals a quoted JSON string to the enum value.
func (l *LifecycleEvent) UnmarshalJSON(b []byte) error {
	var j string
	if err := json.Unmarshal(b, &j); err != nil {
		return fmt.Errorf("unmarshaling %q to LifecycleEvent: %w", b, err)
	}
	return l.UnmarshalText([]byte(j))
}

// UnmarshalText unmarshals a lifecycle event name, e.g. "load".
func (l *LifecycleEvent) UnmarshalText(text []byte) error {
	id, ok := lifecycleEventToID[string(text)]
	if !ok {
		return fmt.Errorf("invalid lifecycle event: %q; must be one of: navigated, load, fcp", text)
	}
	*l = id
	return nil
}

// ParseLifecycleEvents parses lifecycle event names.
func ParseLifecycleEvents(names []string) ([]LifecycleEvent, error) {
	events := make([]LifecycleEvent, 0, len(names))
	for _, n := range names {
		var e LifecycleEvent
		if err := e.UnmarshalText([]byte(n)); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// NavigationOptions are the options of a single GotoURL call.
type NavigationOptions struct {
	WaitUntil      []LifecycleEvent `json:"waitUntil"`
	MaxWaitForLoad time.Duration    `json:"maxWaitForLoad"`

	// Quiet period thresholds in milliseconds. An unset threshold disables
	// the corresponding quiet period waiter.
	CPUQuietThreshold     null.Int `json:"cpuQuietThresholdMs"`
	NetworkQuietThreshold null.Int `json:"networkQuietThresholdMs"`

	// NetworkIdleBound is the number of in-flight requests that still count
	// as a quiet network.
	NetworkIdleBound int `json:"networkIdleBound"`
}

// NewNavigationOptions returns the default navigation options.
func NewNavigationOptions() *NavigationOptions {
	return &NavigationOptions{
		WaitUntil:        []LifecycleEvent{LifecycleEventNavigated, LifecycleEventLoad},
		MaxWaitForLoad:   DefaultMaxWaitForLoad,
		NetworkIdleBound: DefaultNetworkIdleBound,
	}
}

// Validate checks the options before any protocol interaction happens.
func (o *NavigationOptions) Validate() error {
	if len(o.WaitUntil) == 0 {
		return ErrEmptyWaitUntil
	}
	for _, e := range o.WaitUntil {
		if _, ok := lifecycleEventToString[e]; !ok {
			return fmt.Errorf("invalid lifecycle event: %d", e)
		}
	}
	if o.waitsFor(LifecycleEventFCP) && !o.waitsFor(LifecycleEventLoad) {
		return ErrFCPWithoutLoad
	}
	if o.MaxWaitForLoad <= 0 {
		return fmt.Errorf("maxWaitForLoad must be positive, got %s", o.MaxWaitForLoad)
	}
	if o.CPUQuietThreshold.Valid && o.CPUQuietThreshold.Int64 < 0 {
		return fmt.Errorf("cpuQuietThresholdMs must not be negative, got %d", o.CPUQuietThreshold.Int64)
	}
	if o.NetworkQuietThreshold.Valid && o.NetworkQuietThreshold.Int64 < 0 {
		return fmt.Errorf("networkQuietThresholdMs must not be negative, got %d", o.NetworkQuietThreshold.Int64)
	}
	if o.NetworkIdleBound < 0 {
		return fmt.Errorf("networkIdleBound must not be negative, got %d", o.NetworkIdleBound)
	}

	return nil
}

func (o *NavigationOptions) waitsFor(event LifecycleEvent) bool {
	for _, e := range o.WaitUntil {
		if e == event {
			return true
		}
	}
	return false
}

func (o *NavigationOptions) cpuQuietThreshold() (time.Duration, bool) {
	if !o.CPUQuietThreshold.Valid {
		return 0, false
	}
	return time.Duration(o.CPUQuietThreshold.Int64) * time.Millisecond, true
}

func (o *NavigationOptions) networkQuietThreshold() (time.Duration, bool) {
	if !o.NetworkQuietThreshold.Valid {
		return 0, false
	}
	return time.Duration(o.NetworkQuietThreshold.Int64) * time.Millisecond, true
}
