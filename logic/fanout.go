package logic

import (
	"encoding/json"
	"errors"
	"sync"

	"warbler/dal"
	"warbler/dto"
	"warbler/shared"
)

// Audience is the full addressing of an outgoing activity, blind fields
// included. Only To and Cc ever make it onto the wire.
type Audience struct {
	To       []string
	Cc       []string
	Bto      []string
	Bcc      []string
	Audience []string
}

// All returns every recipient entry across all five fields.
func (a *Audience) All() []string {
	var res []string
	res = append(res, a.To...)
	res = append(res, a.Cc...)
	res = append(res, a.Bto...)
	res = append(res, a.Bcc...)
	res = append(res, a.Audience...)
	return res
}

// InboxTarget is one deliverable inbox. Local targets carry the user handle
// and skip HTTP entirely; remote targets carry the inbox URL to POST to.
type InboxTarget struct {
	LocalUser string
	InboxUrl  string
}

type IFanout interface {
	ResolveTargets(recipients []string) []*InboxTarget
	Deliver(byUser string, aud *Audience, activity *dto.ActivityOut) error
}

type fanout struct {
	cfg        *shared.Config
	logger     shared.ILogger
	repo       dal.IRepo
	fetcher    IRemoteFetcher
	keyStore   IKeyStore
	sender     IActivitySender
	dispatcher IDispatcher
	metrics    IMetrics
	idb        shared.IdBuilder
}

func NewFanout(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	fetcher IRemoteFetcher,
	keyStore IKeyStore,
	sender IActivitySender,
	dispatcher IDispatcher,
	metrics IMetrics,
) IFanout {
	return &fanout{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		fetcher:    fetcher,
		keyStore:   keyStore,
		sender:     sender,
		dispatcher: dispatcher,
		metrics:    metrics,
		idb:        shared.IdBuilder{Host: cfg.Host},
	}
}

// targetSet accumulates deduplicated delivery targets. Deduplication is by
// inbox URL, so many followers behind one shared inbox collapse into a
// single POST.
type targetSet struct {
	visited map[string]bool
	inboxes map[string]bool
	locals  map[string]bool
	targets []*InboxTarget
}

func newTargetSet() *targetSet {
	return &targetSet{
		visited: make(map[string]bool),
		inboxes: make(map[string]bool),
		locals:  make(map[string]bool),
	}
}

func (ts *targetSet) addLocal(user string) {
	if ts.locals[user] {
		return
	}
	ts.locals[user] = true
	ts.targets = append(ts.targets, &InboxTarget{LocalUser: user})
}

func (ts *targetSet) addInbox(inboxUrl string) {
	if inboxUrl == "" || ts.inboxes[inboxUrl] {
		return
	}
	ts.inboxes[inboxUrl] = true
	ts.targets = append(ts.targets, &InboxTarget{InboxUrl: inboxUrl})
}

// ResolveTargets turns recipient entries into concrete inboxes. The public
// pseudo-IRI contributes no target. Collections named directly in the
// audience are expanded one level; actor references found inside them are
// resolved, but nested collections are not followed.
func (fo *fanout) ResolveTargets(recipients []string) []*InboxTarget {

	ts := newTargetSet()
	for _, r := range recipients {
		if r == "" || shared.IsPublicAddress(r) {
			continue
		}
		if ts.visited[r] {
			continue
		}
		ts.visited[r] = true

		if user, ok := fo.idb.ParseUserUrl(r); ok {
			fo.addLocalIfExists(ts, user)
			continue
		}
		if user, ok := fo.idb.ParseFollowersUrl(r); ok {
			fo.expandLocalFollowers(ts, user)
			continue
		}
		if fo.idb.IsLocal(r) {
			// Some other local IRI; not a deliverable recipient
			continue
		}
		fo.resolveRemote(ts, r)
	}
	return ts.targets
}

func (fo *fanout) addLocalIfExists(ts *targetSet, user string) {
	acct, err := fo.repo.GetAccount(user)
	if err != nil {
		fo.logger.Errorf("Failed to look up account '%s': %v", user, err)
		return
	}
	if acct != nil {
		ts.addLocal(acct.Handle)
	}
}

func (fo *fanout) expandLocalFollowers(ts *targetSet, user string) {
	followers, err := fo.repo.GetFollowerUrls(fo.idb.UserUrl(user))
	if err != nil {
		fo.logger.Errorf("Failed to get followers of '%s': %v", user, err)
		return
	}
	for _, follower := range followers {
		fo.addActorIri(ts, follower)
	}
}

// resolveRemote handles a top-level remote audience entry, which may be an
// actor or a collection.
func (fo *fanout) resolveRemote(ts *targetSet, iri string) {
	res := fo.fetcher.Fetch(iri)
	if res == nil {
		return
	}
	if res.Actor != nil {
		fo.addRemoteActor(ts, res.Actor)
		return
	}
	if res.Collection != nil {
		it := res.Collection.Items()
		for item, ok := it.Next(); ok; item, ok = it.Next() {
			fo.addActorIri(ts, item)
		}
	}
}

// addActorIri resolves an actor reference found one level down. Collections
// at this depth are ignored.
func (fo *fanout) addActorIri(ts *targetSet, iri string) {
	if iri == "" || shared.IsPublicAddress(iri) || ts.visited[iri] {
		return
	}
	ts.visited[iri] = true
	if user, ok := fo.idb.ParseUserUrl(iri); ok {
		fo.addLocalIfExists(ts, user)
		return
	}
	if fo.idb.IsLocal(iri) {
		return
	}
	actor := fo.fetcher.FetchActor(iri)
	if actor == nil {
		return
	}
	fo.addRemoteActor(ts, actor)
}

func (fo *fanout) addRemoteActor(ts *targetSet, actor *dal.RemoteActor) {
	if actor.Status != dal.ActorStatusLive {
		return
	}
	inbox := actor.SharedInbox
	if inbox == "" {
		inbox = actor.Inbox
	}
	ts.addInbox(inbox)
}

// Deliver signs and sends an activity to every resolved target on behalf of
// a local user. The activity must arrive with actor and recipient fields
// unset; this is the one place they are stamped on, and blind recipients are
// never among them.
func (fo *fanout) Deliver(byUser string, aud *Audience, activity *dto.ActivityOut) error {

	if activity.Actor != "" || activity.To != nil || activity.Cc != nil {
		return errors.New("activity for delivery must not carry actor, to or cc; fanout owns those fields")
	}

	acct, err := fo.repo.GetAccount(byUser)
	if err != nil {
		return err
	}
	if acct == nil {
		return errors.New("no such local user: " + byUser)
	}

	activity.Actor = acct.UserUrl
	if len(aud.To) != 0 {
		to := append([]string{}, aud.To...)
		activity.To = &to
	}
	wireCc := append([]string{}, aud.Cc...)
	wireCc = append(wireCc, aud.Audience...)
	if len(wireCc) != 0 {
		activity.Cc = &wireCc
	}

	targets := fo.ResolveTargets(aud.All())

	privKey, err := fo.keyStore.GetPrivKey(byUser)
	if err != nil {
		return err
	}

	var localErr error
	var wg sync.WaitGroup
	localDone := false
	for _, target := range targets {
		if target.LocalUser != "" {
			if !localDone {
				localDone = true
				if err := fo.deliverLocal(activity); err != nil {
					localErr = err
				}
			}
			continue
		}
		wg.Add(1)
		go func(inboxUrl string) {
			defer wg.Done()
			if err := fo.sender.Send(privKey, byUser, inboxUrl, activity); err != nil {
				fo.metrics.DeliveryFailed()
				fo.logger.Infof("Delivery to %s failed: %v", inboxUrl, err)
				return
			}
			fo.metrics.DeliverySent()
		}(target.InboxUrl)
	}
	wg.Wait()
	return localErr
}

// deliverLocal short-circuits delivery to our own actors: the activity goes
// straight to the dispatcher, no HTTP, no signature. One dispatch covers all
// local targets; local state is shared.
func (fo *fanout) deliverLocal(activity *dto.ActivityOut) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	var actIn dto.ActivityInBase
	if err = json.Unmarshal(body, &actIn); err != nil {
		return err
	}
	fo.dispatcher.Dispatch(&actIn, body)
	return nil
}
