package provision

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/getpup/buildcoord"
)

// LatentWorker starts a worker machine on demand and stops it when idle.
type LatentWorker struct {
	config   Config
	driver   Driver
	location *regexp.Regexp
	logger   buildcoord.Logger

	mu       sync.Mutex
	instance *Instance
}

// NewLatentWorker validates cfg and binds it to a driver.
func NewLatentWorker(cfg Config, driver Driver, logger buildcoord.Logger) (*LatentWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, &buildcoord.ValidationError{Field: "driver", Reason: "required"}
	}

	w := &LatentWorker{
		config: cfg.withDefaults(),
		driver: driver,
		logger: logger,
	}
	if cfg.ImageLocationRegex != "" {
		w.location = regexp.MustCompile(cfg.ImageLocationRegex)
	}
	return w, nil
}

// Config returns the worker's configuration with defaults applied.
func (w *LatentWorker) Config() Config {
	return w.config
}

// Image selects the image to boot. A pinned ImageID must exist among the
// visible images. Otherwise the newest image passing the owner and location
// filters wins, ties broken by location.
func (w *LatentWorker) Image(ctx context.Context) (Image, error) {
	images, err := w.driver.ListImages(ctx, w.config.ImageOwners)
	if err != nil {
		return Image{}, fmt.Errorf("failed to list images: %w", err)
	}

	if w.config.ImageID != "" {
		for _, img := range images {
			if img.ID == w.config.ImageID {
				return img, nil
			}
		}
		return Image{}, fmt.Errorf("%w: %s", ErrImageNotFound, w.config.ImageID)
	}

	candidates := images[:0:0]
	for _, img := range images {
		if w.location != nil && !w.location.MatchString(img.Location) {
			continue
		}
		candidates = append(candidates, img)
	}
	if len(candidates) == 0 {
		return Image{}, ErrImageNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].Location > candidates[j].Location
	})
	return candidates[0], nil
}

// SpotBid computes the spot price to bid. With a multiplier the bid is the
// multiplier times the average recent price, capped by MaxSpotPrice; without
// one the bid is MaxSpotPrice.
func (w *LatentWorker) SpotBid(ctx context.Context) (float64, error) {
	if w.config.PriceMultiplier == nil {
		return *w.config.MaxSpotPrice, nil
	}

	prices, err := w.driver.SpotPriceHistory(ctx, w.config.InstanceType, w.config.ProductDescription)
	if err != nil {
		return 0, fmt.Errorf("failed to read spot price history: %w", err)
	}
	if len(prices) == 0 {
		return 0, ErrNoSpotPrice
	}

	var total float64
	for _, p := range prices {
		total += p
	}
	bid := *w.config.PriceMultiplier * total / float64(len(prices))

	if w.config.MaxSpotPrice != nil && bid > *w.config.MaxSpotPrice {
		return 0, fmt.Errorf("%w: bid %.4f, max %.4f", ErrSpotPriceTooHigh, bid, *w.config.MaxSpotPrice)
	}
	return bid, nil
}

// Start launches the worker's instance.
func (w *LatentWorker) Start(ctx context.Context) (Instance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.instance != nil {
		return Instance{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, w.instance.ID)
	}

	img, err := w.Image(ctx)
	if err != nil {
		return Instance{}, err
	}

	spec := InstanceSpec{
		ImageID:          img.ID,
		InstanceType:     w.config.InstanceType,
		KeypairName:      w.config.KeypairName,
		SecurityName:     w.config.SecurityName,
		SecurityGroupIDs: w.config.SecurityGroupIDs,
		SubnetID:         w.config.SubnetID,
		ElasticIP:        w.config.ElasticIP,
		Tags:             w.config.Tags,
		BlockDevices:     w.config.BlockDevices,
		Volumes:          w.config.Volumes,
	}
	if w.config.Spot {
		if spec.SpotPrice, err = w.SpotBid(ctx); err != nil {
			return Instance{}, err
		}
	}

	inst, err := w.driver.StartInstance(ctx, spec)
	if err != nil {
		return Instance{}, fmt.Errorf("failed to start instance for worker %s: %w", w.config.Name, err)
	}
	w.instance = &inst

	if w.logger != nil {
		w.logger.Info(ctx, "worker instance started",
			"worker", w.config.Name, "instance_id", inst.ID, "image_id", inst.ImageID, "spot", w.config.Spot)
	}
	return inst, nil
}

// Stop terminates the running instance. It is a no-op when nothing runs.
func (w *LatentWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.instance == nil {
		return nil
	}

	id := w.instance.ID
	if err := w.driver.TerminateInstance(ctx, id); err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}
	w.instance = nil

	if w.logger != nil {
		w.logger.Info(ctx, "worker instance terminated", "worker", w.config.Name, "instance_id", id)
	}
	return nil
}

// Instance returns the running instance, if any.
func (w *LatentWorker) Instance() (Instance, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.instance == nil {
		return Instance{}, false
	}
	return *w.instance, true
}
