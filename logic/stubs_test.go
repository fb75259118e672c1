package logic

import (
	"sort"
	"sync"
	"time"

	"warbler/dal"
)

// dummyLogger swallows everything; tests assert on behavior, not log lines.
type dummyLogger struct{}

func (l *dummyLogger) Debug(msg interface{}, keyvals ...interface{}) {}
func (l *dummyLogger) Debugf(format string, args ...interface{})    {}
func (l *dummyLogger) Info(msg interface{}, keyvals ...interface{}) {}
func (l *dummyLogger) Infof(format string, args ...interface{})     {}
func (l *dummyLogger) Warn(msg interface{}, keyvals ...interface{}) {}
func (l *dummyLogger) Warnf(format string, args ...interface{})     {}
func (l *dummyLogger) Error(msg interface{}, keyvals ...interface{}) {
}
func (l *dummyLogger) Errorf(format string, args ...interface{}) {}
func (l *dummyLogger) Printf(format string, args ...interface{}) {}

type dummyObserver struct{}

func (o *dummyObserver) Finish() {}

type dummyMetrics struct{}

func (m *dummyMetrics) StartApubRequestIn(label string) IRequestObserver  { return &dummyObserver{} }
func (m *dummyMetrics) StartApubRequestOut(label string) IRequestObserver { return &dummyObserver{} }
func (m *dummyMetrics) ServiceStarted()                                   {}
func (m *dummyMetrics) ActivityDispatched(activityType string, applied bool) {
}
func (m *dummyMetrics) MessageDropped(reason string)  {}
func (m *dummyMetrics) RemoteFetch(outcome string)    {}
func (m *dummyMetrics) DeliverySent()                 {}
func (m *dummyMetrics) DeliveryFailed()               {}
func (m *dummyMetrics) InboundQueueLength(length int) {}

// fakeRepo is an in-memory stand-in for the sqlite repo, good enough for
// exercising the logic package without a database file.
type fakeRepo struct {
	mu        sync.Mutex
	nextId    uint64
	messages  []*dal.IncomingMessage
	handled   map[string]bool
	fetchRecs map[string]*dal.FetchRecord
	actors    map[string]*dal.RemoteActor
	accounts  map[string]*dal.Account
	privKeys  map[string]string
	follows   map[string]*dal.FollowEdge
	objects   map[string]*dal.StoredObject
	audiences map[string][]*dal.AudienceEntry
	reactions map[string]*dal.Reaction
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		nextId:    1,
		handled:   make(map[string]bool),
		fetchRecs: make(map[string]*dal.FetchRecord),
		actors:    make(map[string]*dal.RemoteActor),
		accounts:  make(map[string]*dal.Account),
		privKeys:  make(map[string]string),
		follows:   make(map[string]*dal.FollowEdge),
		objects:   make(map[string]*dal.StoredObject),
		audiences: make(map[string][]*dal.AudienceEntry),
		reactions: make(map[string]*dal.Reaction),
	}
}

func followKey(followerUrl, followeeUrl string) string {
	return followerUrl + "\x00" + followeeUrl
}

func reactionKey(actorUrl, objectId, kind string) string {
	return actorUrl + "\x00" + objectId + "\x00" + kind
}

func (r *fakeRepo) InitUpdateDb() {}

func (r *fakeRepo) GetNextId() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextId++
	return r.nextId
}

func (r *fakeRepo) SaveIncomingMessage(msg *dal.IncomingMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.Id = int64(len(r.messages) + 1)
	r.messages = append(r.messages, msg)
	return nil
}

func (r *fakeRepo) MarkActivityHandled(id string, when time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handled[id] {
		return true, nil
	}
	r.handled[id] = true
	return false, nil
}

func (r *fakeRepo) WasActivityHandled(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled[id], nil
}

func (r *fakeRepo) GetFetchRecord(iri string) (*dal.FetchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchRecs[iri], nil
}

func (r *fakeRepo) SaveFetchRecord(rec *dal.FetchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchRecs[rec.Iri] = rec
	return nil
}

func (r *fakeRepo) UpsertRemoteActor(actor *dal.RemoteActor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[actor.Url] = actor
	return nil
}

func (r *fakeRepo) GetRemoteActor(url string) (*dal.RemoteActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actors[url], nil
}

func (r *fakeRepo) AddAccountIfNotExist(acct *dal.Account, privKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[acct.Handle]; exists {
		return false, nil
	}
	acct.Id = len(r.accounts) + 1
	r.accounts[acct.Handle] = acct
	r.privKeys[acct.Handle] = privKey
	return true, nil
}

func (r *fakeRepo) DoesAccountExist(handle string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.accounts[handle]
	return exists, nil
}

func (r *fakeRepo) GetAccount(handle string) (*dal.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[handle], nil
}

func (r *fakeRepo) GetAccountByUrl(userUrl string) (*dal.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acct := range r.accounts {
		if acct.UserUrl == userUrl {
			return acct, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) GetPrivKey(handle string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.privKeys[handle], nil
}

func (r *fakeRepo) AddFollowIfNotExist(edge *dal.FollowEdge) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := followKey(edge.FollowerUrl, edge.FolloweeUrl)
	if _, exists := r.follows[key]; exists {
		return false, nil
	}
	r.follows[key] = edge
	return true, nil
}

func (r *fakeRepo) GetFollow(followerUrl, followeeUrl string) (*dal.FollowEdge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.follows[followKey(followerUrl, followeeUrl)], nil
}

func (r *fakeRepo) GetFollowByRequestId(requestId string) (*dal.FollowEdge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, edge := range r.follows {
		if edge.RequestId == requestId {
			return edge, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) SetFollowAccepted(followerUrl, followeeUrl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if edge, exists := r.follows[followKey(followerUrl, followeeUrl)]; exists {
		edge.Pending = false
	}
	return nil
}

func (r *fakeRepo) RemoveFollow(followerUrl, followeeUrl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.follows, followKey(followerUrl, followeeUrl))
	return nil
}

func (r *fakeRepo) GetFollowerUrls(followeeUrl string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []string
	for _, edge := range r.follows {
		if edge.FolloweeUrl == followeeUrl && !edge.Pending {
			res = append(res, edge.FollowerUrl)
		}
	}
	sort.Strings(res)
	return res, nil
}

func (r *fakeRepo) GetFollowerPage(followeeUrl string, offset, limit int) ([]string, int, error) {
	all, _ := r.GetFollowerUrls(followeeUrl)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit == 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *fakeRepo) CountLocalFollowersOf(actorUrl string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, edge := range r.follows {
		if edge.FolloweeUrl != actorUrl || edge.Pending {
			continue
		}
		for _, acct := range r.accounts {
			if acct.UserUrl == edge.FollowerUrl {
				count++
			}
		}
	}
	return count, nil
}

func (r *fakeRepo) SaveObject(obj *dal.StoredObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[obj.Id] = obj
	return nil
}

func (r *fakeRepo) GetObject(id string) (*dal.StoredObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects[id], nil
}

func (r *fakeRepo) UpdateObject(obj *dal.StoredObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[obj.Id] = obj
	return nil
}

func (r *fakeRepo) TombstoneObject(id string, when time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, exists := r.objects[id]; exists {
		obj.FormerType = obj.Type
		obj.Type = "Tombstone"
		obj.Content = ""
		obj.DeletedAt = &when
	}
	return nil
}

func (r *fakeRepo) PurgeObject(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
	delete(r.audiences, id)
	return nil
}

func (r *fakeRepo) SetAudience(objectId string, entries []*dal.AudienceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audiences[objectId] = entries
	return nil
}

func (r *fakeRepo) GetAudience(objectId string) ([]*dal.AudienceEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audiences[objectId], nil
}

func (r *fakeRepo) AddReactionIfNew(reaction *dal.Reaction) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := reactionKey(reaction.ActorUrl, reaction.ObjectId, reaction.Kind)
	if _, exists := r.reactions[key]; exists {
		return false, nil
	}
	r.reactions[key] = reaction
	return true, nil
}

func (r *fakeRepo) RemoveReaction(actorUrl, objectId, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reactions, reactionKey(actorUrl, objectId, kind))
	return nil
}
