package device

import (
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

var patchTypes = sets.NewString(string(types.JSONPatchType), string(types.MergePatchType))

const (
	maxJSONPatchOperations = 1000
	mqttTimeout            = 1 * time.Second
	republishQueueSize     = 64

	// DefaultTopicFormat takes the gateway id then the device id.
	DefaultTopicFormat = "data/%s/v1/%s"
)

var ErrManagerStopped = errors.New("device manager stopped")
