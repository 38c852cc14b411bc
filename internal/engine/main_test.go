package engine

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine outlives its task. The engine runs each task
// on the caller's goroutine and only the decision channels cross it, so any
// leak here is a real loop bug.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
