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
	"fmt"
	"strings"
)

// NavigationWarningKind is the kind of a navigation warning.
type NavigationWarningKind string

// Navigation warning kinds, in the order they are reported.
const (
	NavigationWarningTimeout     NavigationWarningKind = "timeout"
	NavigationWarningURLMismatch NavigationWarningKind = "url-mismatch"
)

// chromeErrorScheme is the scheme of the pages Chrome shows when a
// navigation failed, e.g. chrome-error://chromewebdata/.
const chromeErrorScheme = "chrome-error:"

// NavigationWarning is a diagnostic about a navigation that completed but
// may not have loaded what was asked for.
type NavigationWarning struct {
	Kind    NavigationWarningKind `json:"kind"`
	Message string                `json:"message"`
	Values  map[string]string     `json:"values,omitempty"`
}

// GetNavigationWarnings returns the warnings for a navigation record: a
// timeout warning if the navigation timed out, followed by a url-mismatch
// warning if the page ended up on a different URL than requested. URLs that
// only differ in their fragment match.
func GetNavigationWarnings(rec *NavigationRecord) []NavigationWarning {
	warnings := []NavigationWarning{}
	if rec == nil {
		return warnings
	}

	if rec.TimedOut {
		warnings = append(warnings, NavigationWarning{
			Kind:    NavigationWarningTimeout,
			Message: "The page loaded too slowly to finish within the time limit. Results may be incomplete.",
		})
	}

	if urlMismatch(rec.RequestedURL, rec.FinalURL) {
		warnings = append(warnings, NavigationWarning{
			Kind: NavigationWarningURLMismatch,
			Message: fmt.Sprintf("The page may not be loading as expected because the requested URL (%s) "+
				"ended up at a different URL (%s).", rec.RequestedURL, rec.FinalURL),
			Values: map[string]string{
				"requested": rec.RequestedURL,
				"final":     rec.FinalURL,
			},
		})
	}

	return warnings
}

func urlMismatch(requested, final string) bool {
	if strings.HasPrefix(strings.ToLower(final), chromeErrorScheme) {
		return true
	}
	return stripFragment(requested) != stripFragment(final)
}

func stripFragment(u string) string {
	u, _, _ = strings.Cut(u, "#")
	return u
}
