package wshub

import (
	"strings"

	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/utils"
)

// ValidRoom accepts "all-jobs", "job:<id>" and "server:<id>" where
// the id is a 24-hex record id.
func ValidRoom(room string) bool {
	if room == events.RoomAllJobs {
		return true
	}
	kind, id, found := strings.Cut(room, ":")
	if !found {
		return false
	}
	if kind != "job" && kind != "server" {
		return false
	}
	return utils.IsValidID(id)
}
