package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOverflowPolicy(t *testing.T) {
	assert.Equal(t, PolicyDisk, ParseOverflowPolicy("disk"))
	assert.Equal(t, PolicyDisk, ParseOverflowPolicy("DISK"))
	assert.Equal(t, PolicyDrop, ParseOverflowPolicy("drop"))
	assert.Equal(t, PolicyDrop, ParseOverflowPolicy(""))
	assert.Equal(t, PolicyDrop, ParseOverflowPolicy("garbage"))
}

func TestOverflowPolicyString(t *testing.T) {
	assert.Equal(t, "DISK", PolicyDisk.String())
	assert.Equal(t, "DROP", PolicyDrop.String())
}

func TestSourceIDString(t *testing.T) {
	src := SourceID{Service: "nginx", Category: "access", Filepath: "/var/log/nginx/access.log"}
	assert.Equal(t, "nginx/access//var/log/nginx/access.log", src.String())
}

func TestLogRecordCloneIsDeep(t *testing.T) {
	original := LogRecord{
		Text:   "hello",
		Labels: map[string]string{"job": "sle"},
	}
	clone := original.Clone()
	clone.Labels["job"] = "mutated"

	assert.Equal(t, "sle", original.Labels["job"])
	assert.Equal(t, "mutated", clone.Labels["job"])
}

func TestMandatoryLabels(t *testing.T) {
	labels := MandatoryLabels("nginx", "access", "/var/log/nginx/access.log")
	assert.Equal(t, "sle", labels["job"])
	assert.Equal(t, "nginx", labels["name"])
	assert.Equal(t, "access", labels["subname"])
	assert.Equal(t, "/var/log/nginx/access.log", labels["filepath"])
}
