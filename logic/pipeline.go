package logic

import (
	"context"
	"encoding/json"
	"sync"

	"warbler/dal"
	"warbler/dto"
	"warbler/shared"
)

const inboundQueueSize = 256

// IInboundPipeline takes raw inbox messages through persist, verify and
// dispatch. Receive returns as soon as the message is durably stored; the
// rest happens on worker goroutines, so the HTTP handler can acknowledge
// without waiting on remote key fetches.
type IInboundPipeline interface {
	Receive(msg *dal.IncomingMessage) error
	Start()
	Stop(ctx context.Context)
}

type inboundPipeline struct {
	cfg        *shared.Config
	logger     shared.ILogger
	repo       dal.IRepo
	sigChecker IHttpSigChecker
	dispatcher IDispatcher
	metrics    IMetrics
	idb        shared.IdBuilder
	queue      chan *dal.IncomingMessage
	wg         sync.WaitGroup
}

func NewInboundPipeline(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	sigChecker IHttpSigChecker,
	dispatcher IDispatcher,
	metrics IMetrics,
) IInboundPipeline {
	return &inboundPipeline{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		sigChecker: sigChecker,
		dispatcher: dispatcher,
		metrics:    metrics,
		idb:        shared.IdBuilder{Host: cfg.Host},
		queue:      make(chan *dal.IncomingMessage, inboundQueueSize),
	}
}

func (pl *inboundPipeline) Start() {
	for i := uint(0); i < pl.cfg.InboundWorkers; i++ {
		pl.wg.Add(1)
		go pl.work()
	}
	pl.logger.Infof("Inbound pipeline running with %d workers", pl.cfg.InboundWorkers)
}

// Stop closes the intake and drains the queue, bounded by the context.
func (pl *inboundPipeline) Stop(ctx context.Context) {
	close(pl.queue)
	done := make(chan struct{})
	go func() {
		pl.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		pl.logger.Warnf("Inbound pipeline did not drain before shutdown deadline")
	}
}

func (pl *inboundPipeline) Receive(msg *dal.IncomingMessage) error {

	// Persist first. Once stored, the message survives a crash and the
	// sender gets its acknowledgment no matter what validation says later.
	if err := pl.repo.SaveIncomingMessage(msg); err != nil {
		return err
	}
	pl.queue <- msg
	pl.metrics.InboundQueueLength(len(pl.queue))
	return nil
}

func (pl *inboundPipeline) work() {
	defer pl.wg.Done()
	for msg := range pl.queue {
		pl.metrics.InboundQueueLength(len(pl.queue))
		pl.process(msg)
	}
}

func (pl *inboundPipeline) process(msg *dal.IncomingMessage) {

	var act dto.ActivityInBase
	if err := json.Unmarshal(msg.Body, &act); err != nil {
		pl.logger.Infof("Dropping unparseable message for %s: %v", msg.Path, err)
		pl.metrics.MessageDropped("unparseable")
		return
	}
	claimed := act.ClaimedActor()
	if claimed == "" {
		pl.logger.Infof("Dropping message without actor for %s", msg.Path)
		pl.metrics.MessageDropped("no_actor")
		return
	}

	if !msg.ClaimsLocal {
		// A message from the outside claiming one of our own actors is a
		// spoof regardless of its signature
		if _, ok := pl.idb.ParseUserUrl(claimed); ok {
			pl.logger.Warnf("Dropping external message claiming local actor %s", claimed)
			pl.metrics.MessageDropped("local_spoof")
			return
		}
		sigRes := pl.sigChecker.Check(msg, &act)
		if sigRes.Outcome != SigAccepted {
			pl.logger.Infof("Dropping message with signature outcome '%s'; actor %s, type %s",
				sigRes.Outcome, claimed, act.Type)
			pl.metrics.MessageDropped(sigRes.Outcome.String())
			return
		}
	}

	pl.dispatcher.Dispatch(&act, msg.Body)
}
