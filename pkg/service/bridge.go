package service

import (
	"github.com/core-tools/hsu-svcmgr/pkg/connmgr"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
)

// NotifyBridge turns connection events into the online state of the owning
// descriptor. Offline and Online are the only states; only real transitions log.
type NotifyBridge struct {
	registry *Registry
	logger   logging.Logger
}

func NewNotifyBridge(registry *Registry, logger logging.Logger) *NotifyBridge {
	return &NotifyBridge{
		registry: registry,
		logger:   logger,
	}
}

func (b *NotifyBridge) Registry() *Registry {
	return b.registry
}

// Notify is the connmgr callback shared by every descriptor
func (b *NotifyBridge) Notify(id string, event connmgr.Event) {
	d, ok := b.registry.ByConnection(id)
	if !ok {
		b.logger.Warnf("Event for unknown connection, id: %s, event: %s", id, event)
		return
	}

	switch event {
	case connmgr.EventConnect:
		if d.setOnline(true) {
			b.logger.Infof("%s has connected with the manager", d.Name())
		}
	case connmgr.EventDisconnect:
		if d.setOnline(false) {
			b.logger.Infof("%s has disconnected from the manager", d.Name())
		}
	default:
		b.logger.Debugf("Ignoring event, service: %s, event: %d", d.Name(), int(event))
	}
}
