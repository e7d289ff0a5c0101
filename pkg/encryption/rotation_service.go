package encryption

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RotationService periodically pushes a new secret onto the key ring and
// trims the ring to the configured retention. Tokens signed with a retained
// secret keep validating.
type RotationService struct {
	ring   *KeyRing
	store  KeyStore
	config KeyRingConfig
	logger *logrus.Logger

	// OnRotate is called after each successful rotation
	OnRotate func(secret Secret)

	ticker  *time.Ticker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewRotationService creates a rotation service. store may be nil.
func NewRotationService(ring *KeyRing, store KeyStore, config KeyRingConfig, logger *logrus.Logger) *RotationService {
	if config.Retain < 1 {
		config.Retain = DefaultRetain
	}
	return &RotationService{
		ring:   ring,
		store:  store,
		config: config,
		logger: logger,
	}
}

// Start begins periodic rotation. It is a no-op when rotation is disabled
// or the node is clustered.
func (rs *RotationService) Start(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.running || rs.config.RotationInterval <= 0 || rs.config.Clustered {
		return nil
	}

	ctx, rs.cancel = context.WithCancel(ctx)
	rs.ticker = time.NewTicker(rs.config.RotationInterval)
	rs.running = true

	rs.wg.Add(1)
	go rs.rotationLoop(ctx)

	rs.logger.WithFields(logrus.Fields{
		"interval": rs.config.RotationInterval,
		"retain":   rs.config.Retain,
	}).Info("Started flow token key rotation")
	return nil
}

// Stop stops the rotation loop and waits for it to exit
func (rs *RotationService) Stop() error {
	rs.mu.Lock()
	if !rs.running {
		rs.mu.Unlock()
		return nil
	}
	rs.cancel()
	rs.ticker.Stop()
	rs.running = false
	rs.mu.Unlock()

	rs.wg.Wait()
	rs.logger.Info("Stopped flow token key rotation")
	return nil
}

// TriggerRotation rotates immediately
func (rs *RotationService) TriggerRotation() error {
	rs.logger.Info("Manually triggering flow token key rotation")
	return rs.performRotation()
}

// IsRunning returns whether the rotation loop is active
func (rs *RotationService) IsRunning() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.running
}

func (rs *RotationService) rotationLoop(ctx context.Context) {
	defer rs.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.ticker.C:
			if err := rs.performRotation(); err != nil {
				rs.logger.WithError(err).Error("Failed to perform scheduled key rotation")
			}
		}
	}
}

func (rs *RotationService) performRotation() error {
	start := time.Now()

	secret, err := GenerateSecret()
	if err != nil {
		return err
	}

	if rs.store != nil {
		if err := rs.store.StoreSecret(secret); err != nil {
			return err
		}
	}

	rs.ring.Add(secret)
	dropped := rs.ring.Retain(rs.config.Retain)

	if rs.store != nil {
		for _, old := range dropped {
			if err := rs.store.DeleteSecret(old.ID); err != nil {
				rs.logger.WithError(err).WithField("secret_id", old.ID).Warn("Failed to delete retired secret")
			}
		}
	}

	if rs.OnRotate != nil {
		rs.OnRotate(secret)
	}

	rs.logger.WithFields(logrus.Fields{
		"secret_id": secret.ID,
		"retired":   len(dropped),
		"duration":  time.Since(start),
	}).Info("Completed flow token key rotation")

	return nil
}
