package provision

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/buildcoord"
)

func ptr[T any](v T) *T {
	return &v
}

func minimalConfig() Config {
	return Config{
		Name:         "bot1",
		Password:     "sekrit",
		InstanceType: "m1.large",
		KeypairName:  "keypair_name",
		SecurityName: "security_name",
		ImageID:      "ami-1234",
	}
}

func fieldOf(t *testing.T, err error) string {
	t.Helper()
	var ve *buildcoord.ValidationError
	require.ErrorAs(t, err, &ve)
	return ve.Field
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, minimalConfig().Validate())

	t.Run("classic security name mixed with subnet", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.SecurityName = "classic"
		cfg.SubnetID = "sn-1234"
		assert.Equal(t, "subnet_id", fieldOf(t, cfg.Validate()))
	})

	t.Run("vpc with security group ids", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.SecurityName = ""
		cfg.SecurityGroupIDs = []string{"sg-1"}
		cfg.SubnetID = "sn-1234"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("spot without multiplier or max price", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.Spot = true
		assert.Equal(t, "max_spot_price", fieldOf(t, cfg.Validate()))
	})

	t.Run("spot with only max price", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.Spot = true
		cfg.MaxSpotPrice = ptr(1.5)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("non-positive multiplier", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.Spot = true
		cfg.PriceMultiplier = ptr(0.0)
		assert.Equal(t, "price_multiplier", fieldOf(t, cfg.Validate()))
	})

	t.Run("invalid location regex", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.ImageID = ""
		cfg.ImageLocationRegex = "amazon/(.*"
		assert.Equal(t, "image_location_regex", fieldOf(t, cfg.Validate()))
	})

	t.Run("no image selection", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.ImageID = ""
		assert.Equal(t, "image_id", fieldOf(t, cfg.Validate()))
	})

	t.Run("missing instance type", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.InstanceType = ""
		assert.Equal(t, "instance_type", fieldOf(t, cfg.Validate()))
	})

	t.Run("block device without name", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.BlockDevices = []BlockDevice{{VolumeSize: 20}}
		assert.Equal(t, "block_devices[0].device_name", fieldOf(t, cfg.Validate()))
	})
}

func TestNewLatentWorker_AppliesDefaults(t *testing.T) {
	cfg := minimalConfig()
	cfg.Tags = map[string]string{"foo": "bar"}
	cfg.BlockDevices = []BlockDevice{
		{DeviceName: "/dev/xvdb", VolumeType: "io1", IOPS: 10, VolumeSize: 20},
		{DeviceName: "/dev/xvdc", VolumeType: "gp2", VolumeSize: 30, DeleteOnTermination: ptr(false)},
	}

	w, err := NewLatentWorker(cfg, NewMockDriver(), nil)
	require.NoError(t, err)

	got := w.Config()
	assert.Equal(t, "bot1", got.Name)
	assert.Equal(t, "m1.large", got.InstanceType)
	assert.Equal(t, map[string]string{"foo": "bar"}, got.Tags)
	assert.Equal(t, DefaultProductDescription, got.ProductDescription)
	assert.Equal(t, []BlockDevice{
		{DeviceName: "/dev/xvdb", VolumeType: "io1", IOPS: 10, VolumeSize: 20, DeleteOnTermination: ptr(true)},
		{DeviceName: "/dev/xvdc", VolumeType: "gp2", VolumeSize: 30, DeleteOnTermination: ptr(false)},
	}, got.BlockDevices)

	assert.Nil(t, cfg.BlockDevices[0].DeleteOnTermination, "caller config must not be modified")
}

func TestNewLatentWorker_Invalid(t *testing.T) {
	cfg := minimalConfig()
	cfg.SubnetID = "sn-1234"
	_, err := NewLatentWorker(cfg, NewMockDriver(), nil)
	assert.True(t, buildcoord.IsValidationError(err))

	_, err = NewLatentWorker(minimalConfig(), nil, nil)
	assert.True(t, buildcoord.IsValidationError(err))
}

func testImages() []Image {
	base := time.Unix(1000, 0).UTC()
	return []Image{
		{ID: "ami-old", OwnerID: "111", Location: "amazon/base-1", CreatedAt: base},
		{ID: "ami-new", OwnerID: "111", Location: "amazon/base-2", CreatedAt: base.Add(time.Hour)},
		{ID: "ami-other", OwnerID: "222", Location: "custom/worker", CreatedAt: base.Add(2 * time.Hour)},
	}
}

func TestImage_Selection(t *testing.T) {
	ctx := context.Background()
	driver := NewMockDriver(testImages()...)

	t.Run("pinned id", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.ImageID = "ami-old"
		w, err := NewLatentWorker(cfg, driver, nil)
		require.NoError(t, err)

		img, err := w.Image(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ami-old", img.ID)
	})

	t.Run("pinned id missing", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.ImageID = "ami-gone"
		w, err := NewLatentWorker(cfg, driver, nil)
		require.NoError(t, err)

		_, err = w.Image(ctx)
		assert.ErrorIs(t, err, ErrImageNotFound)
	})

	t.Run("owners pick the newest", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.ImageID = ""
		cfg.ImageOwners = []string{"111"}
		w, err := NewLatentWorker(cfg, driver, nil)
		require.NoError(t, err)

		img, err := w.Image(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ami-new", img.ID)
		assert.Equal(t, "111", img.OwnerID)
	})

	t.Run("location regex", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.ImageID = ""
		cfg.ImageLocationRegex = "amazon/.*"
		w, err := NewLatentWorker(cfg, driver, nil)
		require.NoError(t, err)

		img, err := w.Image(ctx)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(img.Location, "amazon/"))
	})

	t.Run("location regex matches nothing", func(t *testing.T) {
		cfg := minimalConfig()
		cfg.ImageID = ""
		cfg.ImageLocationRegex = "foobar.*"
		w, err := NewLatentWorker(cfg, driver, nil)
		require.NoError(t, err)

		_, err = w.Image(ctx)
		assert.ErrorIs(t, err, ErrImageNotFound)
	})
}

func TestSpotBid(t *testing.T) {
	ctx := context.Background()
	driver := NewMockDriver(testImages()...)
	driver.SpotPrices["m1.large"] = []float64{1.0, 1.0}

	spot := func(maxPrice, multiplier *float64) *LatentWorker {
		cfg := minimalConfig()
		cfg.ImageID = "ami-new"
		cfg.Spot = true
		cfg.MaxSpotPrice = maxPrice
		cfg.PriceMultiplier = multiplier
		w, err := NewLatentWorker(cfg, driver, nil)
		require.NoError(t, err)
		return w
	}

	bid, err := spot(ptr(1.5), nil).SpotBid(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.5, bid)

	bid, err = spot(ptr(1.5), ptr(1.2)).SpotBid(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, bid, 1e-9)

	_, err = spot(ptr(1.1), ptr(1.2)).SpotBid(ctx)
	assert.ErrorIs(t, err, ErrSpotPriceTooHigh)

	driver.SpotPrices["m1.large"] = nil
	_, err = spot(nil, ptr(1.2)).SpotBid(ctx)
	assert.ErrorIs(t, err, ErrNoSpotPrice)
}

func TestLatentWorker_StartStop(t *testing.T) {
	ctx := context.Background()
	driver := NewMockDriver(testImages()...)
	clock := clockwork.NewFakeClockAt(time.Unix(5000, 0).UTC())
	driver.Clock = clock

	cfg := minimalConfig()
	cfg.ImageID = "ami-new"
	cfg.Tags = map[string]string{"foo": "bar"}
	w, err := NewLatentWorker(cfg, driver, nil)
	require.NoError(t, err)

	inst, err := w.Start(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(inst.ID, "i-"))
	assert.Equal(t, "ami-new", inst.ImageID)
	assert.Equal(t, clock.Now(), inst.StartedAt)

	spec, ok := driver.Running(inst.ID)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"foo": "bar"}, spec.Tags)
	assert.Equal(t, "security_name", spec.SecurityName)
	assert.Zero(t, spec.SpotPrice)

	running, ok := w.Instance()
	require.True(t, ok)
	assert.Equal(t, inst, running)

	_, err = w.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, w.Stop(ctx))
	_, ok = driver.Running(inst.ID)
	assert.False(t, ok)
	_, ok = w.Instance()
	assert.False(t, ok)

	require.NoError(t, w.Stop(ctx))
	assert.Equal(t, []string{inst.ID}, driver.TerminateInstanceCalls)
}

func TestLatentWorker_StartSpotInVPC(t *testing.T) {
	ctx := context.Background()
	driver := NewMockDriver(testImages()...)
	driver.SpotPrices["m1.large"] = []float64{1.0}

	cfg := minimalConfig()
	cfg.SecurityName = ""
	cfg.SecurityGroupIDs = []string{"sg-1"}
	cfg.SubnetID = "sn-1234"
	cfg.Spot = true
	cfg.MaxSpotPrice = ptr(1.5)
	cfg.PriceMultiplier = ptr(1.2)
	cfg.ImageID = "ami-new"
	w, err := NewLatentWorker(cfg, driver, nil)
	require.NoError(t, err)

	inst, err := w.Start(ctx)
	require.NoError(t, err)

	spec, ok := driver.Running(inst.ID)
	require.True(t, ok)
	assert.Equal(t, "sn-1234", spec.SubnetID)
	assert.Equal(t, []string{"sg-1"}, spec.SecurityGroupIDs)
	assert.InDelta(t, 1.2, spec.SpotPrice, 1e-9)
}

func TestLatentWorker_StartFailure(t *testing.T) {
	driver := NewMockDriver(testImages()...)
	driver.StartInstanceFunc = func(context.Context, InstanceSpec) (Instance, error) {
		return Instance{}, errors.New("capacity")
	}
	cfg := minimalConfig()
	cfg.ImageID = "ami-new"
	w, err := NewLatentWorker(cfg, driver, nil)
	require.NoError(t, err)

	_, err = w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity")
	_, ok := w.Instance()
	assert.False(t, ok)
}

func TestMockDriver_TerminateUnknown(t *testing.T) {
	err := NewMockDriver().TerminateInstance(context.Background(), "i-missing")

	assert.ErrorIs(t, err, ErrInstanceNotFound)
}
