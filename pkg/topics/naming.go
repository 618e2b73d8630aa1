package topics

import (
	"strings"
)

const (
	DefaultRoot = "device"

	statusSegment  = "scmd"
	commandSegment = "cmd"
)

// TopicBuilder derives the status and command topics of a device.
type TopicBuilder struct {
	root string
}

func NewTopicBuilder(root string) TopicBuilder {
	root = strings.Trim(root, "/")
	if root == "" {
		root = DefaultRoot
	}
	return TopicBuilder{root: root}
}

func (b TopicBuilder) Root() string {
	return b.root
}

// Status is the device-to-dashboard topic: <root>/scmd/<kind>/<id>.
func (b TopicBuilder) Status(kind, id string) string {
	return b.root + "/" + statusSegment + "/" + kind + "/" + id
}

// Command is the dashboard-to-device topic: <root>/cmd/<kind>/<id>.
func (b TopicBuilder) Command(kind, id string) string {
	return b.root + "/" + commandSegment + "/" + kind + "/" + id
}

// ParseStatus splits a status topic into kind and id. Topics with fewer than
// four segments, or outside the status tree, are rejected.
func (b TopicBuilder) ParseStatus(topic string) (kind, id string, ok bool) {
	if !strings.HasPrefix(topic, b.root+"/") {
		return "", "", false
	}

	rest := strings.Split(strings.TrimPrefix(topic, b.root+"/"), "/")
	if len(rest) != 3 || rest[0] != statusSegment || rest[1] == "" || rest[2] == "" {
		return "", "", false
	}

	return rest[1], rest[2], true
}
