package storage

import (
	"fmt"

	"courier/internal/message"
)

func invalidArg(reason string) error {
	return fmt.Errorf("%w: %s", message.ErrInvalidArgument, reason)
}

func errDuplicateID(id string) error {
	return fmt.Errorf("%w: id %q already exists", message.ErrInvalidArgument, id)
}

// terminalOnly drops anything that is not a terminal status, so a sweep can
// never remove PENDING or PROCESSING records.
func terminalOnly(statuses []message.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st.Terminal() {
			out = append(out, string(st))
		}
	}
	return out
}
