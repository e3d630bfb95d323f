package gpio

import (
	"log/slog"

	"github.com/sweeney/carefarm/internal/link"
)

// LinkLED returns a link state observer that lights ind while the link is
// connected. Set failures are logged once.
func LinkLED(ind Indicator, logger *slog.Logger) func(link.State) {
	failed := false
	return func(s link.State) {
		if err := ind.Set(s == link.StateConnected); err != nil {
			if !failed {
				logger.Warn("link LED update failed", "error", err)
				failed = true
			}
			return
		}
		failed = false
	}
}
