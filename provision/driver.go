package provision

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrImageNotFound indicates no image satisfies the configured selection.
	ErrImageNotFound = errors.New("no matching image found")

	// ErrSpotPriceTooHigh indicates the computed spot bid exceeds max_spot_price.
	ErrSpotPriceTooHigh = errors.New("spot price exceeds max_spot_price")

	// ErrNoSpotPrice indicates the driver returned no spot price history.
	ErrNoSpotPrice = errors.New("no spot price history")

	// ErrInstanceNotFound indicates the driver does not know the instance.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrAlreadyRunning indicates Start was called on a running worker.
	ErrAlreadyRunning = errors.New("worker instance already running")
)

// Image is a machine image a worker can boot from.
type Image struct {
	ID        string
	OwnerID   string
	Location  string
	CreatedAt time.Time
}

// InstanceSpec is everything a driver needs to launch one instance.
type InstanceSpec struct {
	ImageID          string
	InstanceType     string
	KeypairName      string
	SecurityName     string
	SecurityGroupIDs []string
	SubnetID         string
	ElasticIP        string
	Tags             map[string]string
	BlockDevices     []BlockDevice
	Volumes          []VolumeAttachment

	// SpotPrice is the bid for a spot request; zero requests on-demand.
	SpotPrice float64
}

// Instance is a started worker machine.
type Instance struct {
	ID        string
	ImageID   string
	StartedAt time.Time
}

// Driver is the provisioning capability the coordinator invokes. A cloud
// backend implements it outside this module.
type Driver interface {
	// ListImages returns images owned by any of owners, or every visible
	// image when owners is empty.
	ListImages(ctx context.Context, owners []string) ([]Image, error)

	// SpotPriceHistory returns recent spot prices for an instance type.
	SpotPriceHistory(ctx context.Context, instanceType, productDescription string) ([]float64, error)

	// StartInstance launches an instance and returns once it is running.
	StartInstance(ctx context.Context, spec InstanceSpec) (Instance, error)

	// TerminateInstance stops an instance. Returns ErrInstanceNotFound for
	// unknown ids.
	TerminateInstance(ctx context.Context, instanceID string) error
}
