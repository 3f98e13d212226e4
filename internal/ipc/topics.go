package ipc

import (
	"path"
	"strings"
)

// StateTopic is the retained last-known state of manager.
func StateTopic(prefix, manager string) string {
	return join(prefix, manager, "state")
}

// StatusTopic carries the retained online/offline marker of manager.
func StatusTopic(prefix, manager string) string {
	return join(prefix, manager, "status")
}

// RequestTopic is where requests with the given id are sent to manager.
func RequestTopic(prefix, manager, id string) string {
	return join(prefix, manager, "request", id)
}

// ResponseTopic is where manager answers the request with the given id.
func ResponseTopic(prefix, manager, id string) string {
	return join(prefix, manager, "response", id)
}

// RequestWildcard matches every request addressed to manager.
func RequestWildcard(prefix, manager string) string {
	return join(prefix, manager, "request", "+")
}

// BroadcastTopic carries non-retained broadcast events such as user code log
// lines.
func BroadcastTopic(prefix, name string) string {
	return join(prefix, "broadcast", name)
}

// LastLevel returns the final level of a topic.
func LastLevel(topic string) string {
	return path.Base(topic)
}

// ManagerFromTopic extracts the manager name from a topic built by this
// package.
func ManagerFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, strings.Trim(prefix, "/")+"/")
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(rest, "/")
	return name, name != ""
}

func join(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}
