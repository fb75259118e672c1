package logic

import (
	"strings"
	"time"

	"warbler/dal"
	"warbler/dto"
	"warbler/shared"
)

//go:generate mockgen --build_flags=--mod=mod -destination mock_dispatcher_test.go -package logic warbler/logic IDispatcher

// IDispatcher applies a validated activity to local state. The returned flag
// tells if the activity was applied; discarded activities (unknown type, not
// relevant, referenced state missing) are not an error.
type IDispatcher interface {
	Dispatch(act *dto.ActivityInBase, body []byte) bool
}

type handlerFunc func(act *dto.ActivityInBase, body []byte) bool

type dispatcher struct {
	cfg      *shared.Config
	logger   shared.ILogger
	repo     dal.IRepo
	fetcher  IRemoteFetcher
	keyStore IKeyStore
	sender   IActivitySender
	metrics  IMetrics
	idb      shared.IdBuilder
	handlers map[string]handlerFunc
}

func NewDispatcher(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	fetcher IRemoteFetcher,
	keyStore IKeyStore,
	sender IActivitySender,
	metrics IMetrics,
) IDispatcher {
	d := &dispatcher{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		fetcher:  fetcher,
		keyStore: keyStore,
		sender:   sender,
		metrics:  metrics,
		idb:      shared.IdBuilder{Host: cfg.Host},
	}
	// The handler table is closed: activity types outside it are discarded,
	// never partially applied.
	d.handlers = map[string]handlerFunc{
		"follow":   d.handleFollow,
		"accept":   d.handleAccept,
		"reject":   d.handleReject,
		"create":   d.handleCreate,
		"update":   d.handleUpdate,
		"delete":   d.handleDelete,
		"like":     d.handleLike,
		"announce": d.handleAnnounce,
		"undo":     d.handleUndo,
	}
	return d
}

func (d *dispatcher) Dispatch(act *dto.ActivityInBase, body []byte) bool {

	handler, known := d.handlers[strings.ToLower(act.Type)]
	if !known {
		d.logger.Debugf("Discarding activity of unhandled type '%s': %s", act.Type, act.Id)
		d.metrics.ActivityDispatched(act.Type, false)
		return false
	}

	// Exactly-once by activity id: a re-delivered activity that was applied
	// before reports success without running again. A previously discarded
	// one gets a fresh look; relevance may have changed since.
	if act.Id != "" {
		handled, err := d.repo.WasActivityHandled(act.Id)
		if err != nil {
			d.logger.Errorf("Failed to check handled state of %s: %v", act.Id, err)
			return false
		}
		if handled {
			d.logger.Debugf("Activity already handled: %s", act.Id)
			return true
		}
	}

	applied := handler(act, body)
	if applied && act.Id != "" {
		if _, err := d.repo.MarkActivityHandled(act.Id, time.Now().UTC()); err != nil {
			d.logger.Errorf("Failed to mark activity handled: %s: %v", act.Id, err)
		}
	}
	d.metrics.ActivityDispatched(act.Type, applied)
	return applied
}
