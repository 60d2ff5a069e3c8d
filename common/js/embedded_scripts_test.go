package js

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLongTaskObserverScript(t *testing.T) {
	t.Parallel()

	assert.Contains(t, LongTaskObserverScript, `globalThis["`+LongTaskBinding+`"]`)
	assert.Contains(t, LongTaskObserverScript, `type: "longtask"`)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(LongTaskObserverScript), "(() => {"))
}
