// ABOUTME: Time source for the clock.now builtin
// ABOUTME: clock.now always formats this time as RFC 3339; it takes no format argument

package tools

import "time"

// nowFunc is overridden in tests that need a deterministic clock.
var nowFunc = time.Now
