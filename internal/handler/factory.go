package handler

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/creds"
	"github.com/openmash/mash/internal/models"
)

// Constructor builds a handler for one accepted job document.
type Constructor func(doc models.JobDocument, config *common.Config, logger arbor.ILogger, provider creds.Provider) (StageHandler, error)

// Factory maps (service, cloud) to handler constructors.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

func key(service, cloud string) string {
	return models.NormalizeService(service) + ":" + cloud
}

// Register installs the constructor for a service/cloud pair. Later
// registrations win, which lets tests substitute fakes.
func (f *Factory) Register(service, cloud string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[key(service, cloud)] = ctor
}

// RegisterNoOp marks a service/cloud pair as a pass-through stage.
func (f *Factory) RegisterNoOp(service, cloud string) {
	f.Register(service, cloud, func(doc models.JobDocument, config *common.Config, logger arbor.ILogger, provider creds.Provider) (StageHandler, error) {
		return NewNoOp(doc, config, logger, provider), nil
	})
}

// New builds a handler for doc within service. A cloud with no registered
// constructor falls back to the NoOp handler: that is how a stage opts out
// per cloud.
func (f *Factory) New(service string, doc models.JobDocument, config *common.Config, logger arbor.ILogger, provider creds.Provider) (StageHandler, error) {
	cloud := doc.Cloud()
	f.mu.RLock()
	ctor, ok := f.constructors[key(service, cloud)]
	f.mu.RUnlock()
	if !ok {
		logger.Debug().
			Str("service", models.NormalizeService(service)).
			Str("cloud", cloud).
			Msg("No handler registered, using pass-through")
		return NewNoOp(doc, config, logger, provider), nil
	}
	return ctor(doc, config, logger, provider)
}
