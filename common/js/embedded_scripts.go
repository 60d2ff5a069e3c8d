// Package js holds the scripts evaluated in the pages being navigated.
package js

import (
	_ "embed"
)

// LongTaskBinding is the name of the binding LongTaskObserverScript calls
// with the JSON encoded startTime and duration of every long task.
const LongTaskBinding = "__pageloadLongTask"

// LongTaskObserverScript reports the long tasks of the page it is evaluated
// in to LongTaskBinding. It does nothing if the binding or the
// PerformanceObserver API is missing.
//
//go:embed long_task_observer.js
var LongTaskObserverScript string
