package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNavigationWarnings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rec   NavigationRecord
		kinds []NavigationWarningKind
	}{
		{
			name: "exact_match",
			rec:  NavigationRecord{RequestedURL: "https://www.example.com", FinalURL: "https://www.example.com"},
		},
		{
			name:  "timeout_only",
			rec:   NavigationRecord{RequestedURL: "https://www.example.com", FinalURL: "https://www.example.com", TimedOut: true},
			kinds: []NavigationWarningKind{NavigationWarningTimeout},
		},
		{
			name:  "error_page",
			rec:   NavigationRecord{RequestedURL: "http://example.com/", FinalURL: "chrome-error://chromewebdata/"},
			kinds: []NavigationWarningKind{NavigationWarningURLMismatch},
		},
		{
			name:  "redirected",
			rec:   NavigationRecord{RequestedURL: "http://example.com", FinalURL: "https://m.example.com/client"},
			kinds: []NavigationWarningKind{NavigationWarningURLMismatch},
		},
		{
			name: "timeout_before_mismatch",
			rec: NavigationRecord{
				RequestedURL: "http://example.com", FinalURL: "https://example.com", TimedOut: true,
			},
			kinds: []NavigationWarningKind{NavigationWarningTimeout, NavigationWarningURLMismatch},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			warnings := GetNavigationWarnings(&tt.rec)
			require.NotNil(t, warnings)
			kinds := []NavigationWarningKind{}
			for _, w := range warnings {
				kinds = append(kinds, w.Kind)
				assert.NotEmpty(t, w.Message)
			}
			if tt.kinds == nil {
				tt.kinds = []NavigationWarningKind{}
			}
			assert.Equal(t, tt.kinds, kinds)
		})
	}
}

func TestGetNavigationWarningsURLMismatchValues(t *testing.T) {
	t.Parallel()

	warnings := GetNavigationWarnings(&NavigationRecord{
		RequestedURL: "http://example.com",
		FinalURL:     "https://m.example.com/client",
	})
	require.Len(t, warnings, 1)
	assert.Equal(t, map[string]string{
		"requested": "http://example.com",
		"final":     "https://m.example.com/client",
	}, warnings[0].Values)
	assert.Contains(t, warnings[0].Message, "http://example.com")
	assert.Contains(t, warnings[0].Message, "https://m.example.com/client")
}

func TestGetNavigationWarningsIdempotent(t *testing.T) {
	t.Parallel()

	rec := &NavigationRecord{
		RequestedURL: "http://example.com/#a",
		FinalURL:     "chrome-error://chromewebdata/",
		TimedOut:     true,
	}
	first := GetNavigationWarnings(rec)
	second := GetNavigationWarnings(rec)
	assert.Equal(t, first, second)
	assert.Equal(t, "http://example.com/#a", rec.RequestedURL, "the record must not change")
}

func TestGetNavigationWarningsFragments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		requested, final string
	}{
		{"https://example.com/", "https://example.com/#"},
		{"https://example.com/#top", "https://example.com/"},
		{"https://example.com/#top", "https://example.com/#bottom"},
		{"https://example.com/page?q=1#a", "https://example.com/page?q=1#b#c"},
		{"https://example.com/#", "https://example.com/#/route"},
	}
	for _, tt := range tests {
		warnings := GetNavigationWarnings(&NavigationRecord{RequestedURL: tt.requested, FinalURL: tt.final})
		assert.Empty(t, warnings, "%q -> %q", tt.requested, tt.final)
	}
}

// Warnings are empty iff the navigation did not time out and the URLs match
// without their fragments.
func TestGetNavigationWarningsEmptyIff(t *testing.T) {
	t.Parallel()

	urls := []string{
		"http://example.com",
		"http://example.com/",
		"https://example.com/",
		"https://example.com/#frag",
		"https://example.com/path",
	}
	for _, requested := range urls {
		for _, final := range urls {
			for _, timedOut := range []bool{false, true} {
				rec := &NavigationRecord{RequestedURL: requested, FinalURL: final, TimedOut: timedOut}
				want := !timedOut && stripFragment(requested) == stripFragment(final)
				assert.Equal(t, want, len(GetNavigationWarnings(rec)) == 0, "%+v", rec)
			}
		}
	}
}

func TestGetNavigationWarningsNilRecord(t *testing.T) {
	t.Parallel()

	assert.Empty(t, GetNavigationWarnings(nil))
}
