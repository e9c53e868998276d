package realtime

import "time"

const (
	// Max bytes per client frame. Clients only ever send small control frames.
	maxFrameBytes = 4 << 10

	watchDefaultInterval     = 1 * time.Second
	watchMinInterval         = 10 * time.Millisecond
	watchDefaultWriteTimeout = 5 * time.Second
	watchCloseGrace          = 1 * time.Second

	// Client refresh requests per window.
	refreshLimitEvents = 10
	refreshLimitWindow = 10 * time.Second
)
