package library

import (
	"github.com/nbd-wtf/go-nostr"
)

func GetFirstTag(e nostr.Event, startsWith string) (string, bool) {
	for _, tag := range e.Tags {
		if tag.StartsWith([]string{startsWith}) && len(tag) > 1 {
			return tag.Value(), true
		}
	}
	return "", false
}

// GetFirstReply returns the event id of the first "e" tag marked as a reply.
func GetFirstReply(e nostr.Event) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) > 3 && tag[0] == "e" && tag[3] == "reply" {
			return tag[1], true
		}
	}
	return "", false
}
