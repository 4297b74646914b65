package storage

import (
	"lumentree/pkg/runtime"
)

// resources
const (
	Devices = "devices"
)

// DeviceRecord is what survives a restart for a watched device. Telemetry is
// never stored.
type DeviceRecord struct {
	Id   string             `json:"id"`
	Spec runtime.DeviceSpec `json:"spec"`
}

type Getter interface {
	Get(id string) (*DeviceRecord, error)
}

type Lister interface {
	List() ([]*DeviceRecord, error)
}

type Putter interface {
	Put(record *DeviceRecord) error
}

type Deleter interface {
	Delete(id string) error
}

type Storage interface {
	Getter
	Lister
	Putter
	Deleter
}
