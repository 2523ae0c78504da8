// Package provision holds the capability contract for starting and stopping
// on-demand build workers, and the validation of their configuration.
package provision

import (
	"fmt"
	"regexp"

	"github.com/getpup/buildcoord"
)

// DefaultProductDescription is the spot price history product queried when
// none is configured.
const DefaultProductDescription = "Linux/UNIX"

// BlockDevice describes a volume created with the instance.
type BlockDevice struct {
	DeviceName string `yaml:"device_name"`
	VolumeType string `yaml:"volume_type"`
	VolumeSize int    `yaml:"volume_size"`
	IOPS       int    `yaml:"iops"`

	// DeleteOnTermination defaults to true.
	DeleteOnTermination *bool `yaml:"delete_on_termination"`
}

// VolumeAttachment attaches an existing volume once the instance runs.
type VolumeAttachment struct {
	VolumeID string `yaml:"volume_id"`
	Device   string `yaml:"device"`
}

// Config describes one latent worker.
type Config struct {
	Name         string `yaml:"name"`
	Password     string `yaml:"password"`
	InstanceType string `yaml:"instance_type"`
	Region       string `yaml:"region"`
	KeypairName  string `yaml:"keypair_name"`

	// SecurityName selects a classic security group by name. It cannot be
	// combined with SubnetID, which places the instance in a VPC.
	SecurityName     string   `yaml:"security_name"`
	SecurityGroupIDs []string `yaml:"security_group_ids"`
	SubnetID         string   `yaml:"subnet_id"`
	ElasticIP        string   `yaml:"elastic_ip"`

	// ImageID pins the image. Otherwise the newest image owned by one of
	// ImageOwners whose location matches ImageLocationRegex is used.
	ImageID            string   `yaml:"image_id"`
	ImageOwners        []string `yaml:"image_owners"`
	ImageLocationRegex string   `yaml:"image_location_regex"`

	Tags         map[string]string  `yaml:"tags"`
	BlockDevices []BlockDevice      `yaml:"block_devices"`
	Volumes      []VolumeAttachment `yaml:"volumes"`

	// Spot requests a spot instance. At least one of MaxSpotPrice and
	// PriceMultiplier must then be set.
	Spot               bool     `yaml:"spot"`
	MaxSpotPrice       *float64 `yaml:"max_spot_price"`
	PriceMultiplier    *float64 `yaml:"price_multiplier"`
	ProductDescription string   `yaml:"product_description"`
}

// Validate reports configuration that cannot describe a startable worker.
func (c Config) Validate() error {
	if c.Name == "" {
		return &buildcoord.ValidationError{Field: "name", Reason: "required"}
	}
	if c.InstanceType == "" {
		return &buildcoord.ValidationError{Field: "instance_type", Reason: "required"}
	}
	if c.SecurityName != "" && c.SubnetID != "" {
		return &buildcoord.ValidationError{
			Field:  "subnet_id",
			Reason: "security_name selects a classic security group and cannot be combined with subnet_id; use security_group_ids",
		}
	}
	if c.ImageID == "" && len(c.ImageOwners) == 0 && c.ImageLocationRegex == "" {
		return &buildcoord.ValidationError{Field: "image_id", Reason: "one of image_id, image_owners or image_location_regex is required"}
	}
	if c.ImageLocationRegex != "" {
		if _, err := regexp.Compile(c.ImageLocationRegex); err != nil {
			return &buildcoord.ValidationError{Field: "image_location_regex", Reason: err.Error()}
		}
	}
	if c.Spot {
		if c.MaxSpotPrice == nil && c.PriceMultiplier == nil {
			return &buildcoord.ValidationError{Field: "max_spot_price", Reason: "max_spot_price and price_multiplier cannot both be unset for a spot instance"}
		}
		if c.MaxSpotPrice != nil && *c.MaxSpotPrice <= 0 {
			return &buildcoord.ValidationError{Field: "max_spot_price", Reason: "must be positive"}
		}
		if c.PriceMultiplier != nil && *c.PriceMultiplier <= 0 {
			return &buildcoord.ValidationError{Field: "price_multiplier", Reason: "must be positive"}
		}
	}
	for i, bd := range c.BlockDevices {
		if bd.DeviceName == "" {
			return &buildcoord.ValidationError{Field: fmt.Sprintf("block_devices[%d].device_name", i), Reason: "required"}
		}
	}
	return nil
}

// withDefaults returns a copy of c with block device and product defaults
// filled in. Slices and maps are copied so the caller's config is untouched.
func (c Config) withDefaults() Config {
	if c.ProductDescription == "" {
		c.ProductDescription = DefaultProductDescription
	}

	devices := make([]BlockDevice, len(c.BlockDevices))
	for i, bd := range c.BlockDevices {
		if bd.DeleteOnTermination == nil {
			deleteOnTermination := true
			bd.DeleteOnTermination = &deleteOnTermination
		}
		devices[i] = bd
	}
	c.BlockDevices = devices

	if c.Tags != nil {
		tags := make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			tags[k] = v
		}
		c.Tags = tags
	}
	return c
}
