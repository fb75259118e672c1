package logic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"warbler/dal"
	"warbler/dto"
	"warbler/shared"
)

//go:generate mockgen --build_flags=--mod=mod -destination mock_fetcher_test.go -package logic warbler/logic IRemoteFetcher

// FetchResult carries at most one of the three things an identifier can
// resolve to. A result with all members nil is a definitive miss.
type FetchResult struct {
	Account    *dal.Account // local actor
	Actor      *dal.RemoteActor
	Object     *dal.StoredObject
	Collection *RemoteCollection
}

// IRemoteFetcher is the remote object cache: it resolves identifiers to
// local or mirrored objects, remote actors, or lazy remote collections,
// fetching each remote IRI at most once. It never returns errors; fetch
// failures are logged, recorded and surface as nil results.
type IRemoteFetcher interface {
	Fetch(identifier string) *FetchResult
	FetchActor(identifier string) *dal.RemoteActor
	FetchObject(identifier string) *dal.StoredObject
	FetchCollection(identifier string) *RemoteCollection
}

var actorTypes = map[string]bool{
	"Person": true, "Service": true, "Application": true, "Group": true, "Organization": true,
}

var collectionTypes = map[string]bool{
	"Collection": true, "OrderedCollection": true,
	"CollectionPage": true, "OrderedCollectionPage": true,
}

var itemTypes = map[string]bool{
	"Note": true, "Article": true, "Page": true, "Question": true, "Document": true,
	"Image": true, "Video": true, "Audio": true, "Event": true, "Tombstone": true,
}

type remoteFetcher struct {
	cfg     *shared.Config
	logger  shared.ILogger
	repo    dal.IRepo
	ua      shared.IUserAgent
	metrics IMetrics
	idb     shared.IdBuilder
	client  *http.Client

	// request journal: in-progress fetches keyed by IRI; waiters join
	muFlight sync.Mutex
	inFlight map[string]chan struct{}
}

func NewRemoteFetcher(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	ua shared.IUserAgent,
	metrics IMetrics,
) IRemoteFetcher {
	return &remoteFetcher{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		ua:       ua,
		metrics:  metrics,
		idb:      shared.IdBuilder{Host: cfg.Host},
		client:   &http.Client{Timeout: time.Second * time.Duration(cfg.FetchTimeoutSec)},
		inFlight: make(map[string]chan struct{}),
	}
}

func (rf *remoteFetcher) FetchActor(identifier string) *dal.RemoteActor {
	res := rf.Fetch(identifier)
	if res == nil {
		return nil
	}
	return res.Actor
}

func (rf *remoteFetcher) FetchObject(identifier string) *dal.StoredObject {
	res := rf.Fetch(identifier)
	if res == nil {
		return nil
	}
	return res.Object
}

func (rf *remoteFetcher) FetchCollection(identifier string) *RemoteCollection {
	res := rf.Fetch(identifier)
	if res == nil {
		return nil
	}
	return res.Collection
}

func (rf *remoteFetcher) Fetch(identifier string) *FetchResult {

	iri := strings.TrimSpace(identifier)
	if iri == "" {
		return &FetchResult{}
	}

	// Short forms and webfinger addresses first
	if strings.HasPrefix(iri, "@") {
		return rf.resolveLocalActor(strings.TrimPrefix(iri, "@"))
	}
	if strings.HasPrefix(iri, "/") {
		iri = rf.idb.SiteUrl() + iri
	}
	if !strings.Contains(iri, "://") && strings.Contains(iri, "@") {
		resolved := rf.resolveWebfinger(iri)
		if resolved == "" {
			return &FetchResult{}
		}
		iri = resolved
	}

	if rf.idb.IsLocal(iri) {
		return rf.resolveLocal(iri)
	}

	return rf.fetchRemote(iri)
}

func (rf *remoteFetcher) resolveLocalActor(handle string) *FetchResult {
	acct, err := rf.repo.GetAccount(handle)
	if err != nil {
		rf.logger.Errorf("Failed to look up local account '%s': %v", handle, err)
		return &FetchResult{}
	}
	if acct == nil {
		return &FetchResult{}
	}
	return &FetchResult{Account: acct}
}

// resolveLocal answers identifiers on our own hostname straight from the
// local store; no network I/O, no fetch record.
func (rf *remoteFetcher) resolveLocal(iri string) *FetchResult {
	if user, ok := rf.idb.ParseUserUrl(iri); ok {
		return rf.resolveLocalActor(user)
	}
	obj, err := rf.repo.GetObject(iri)
	if err != nil {
		rf.logger.Errorf("Failed to look up local object '%s': %v", iri, err)
		return &FetchResult{}
	}
	if obj == nil {
		return &FetchResult{}
	}
	return &FetchResult{Object: obj}
}

// recordFresh tells if a fetch record still counts. With refetch_after_days
// of 0 a record never expires: strict at-most-once-per-IRI.
func (rf *remoteFetcher) recordFresh(rec *dal.FetchRecord) bool {
	if rec == nil {
		return false
	}
	if rf.cfg.RefetchAfterDays == 0 {
		return true
	}
	maxAge := time.Hour * 24 * time.Duration(rf.cfg.RefetchAfterDays)
	return time.Since(rec.FetchedAt) < maxAge
}

func (rf *remoteFetcher) fetchRemote(iri string) *FetchResult {

	rec, err := rf.repo.GetFetchRecord(iri)
	if err != nil {
		rf.logger.Errorf("Failed to read fetch record for '%s': %v", iri, err)
		return &FetchResult{}
	}
	if rf.recordFresh(rec) {
		return rf.fromCache(iri, rec)
	}

	// Coalesce concurrent fetches of the same cold IRI: the first caller
	// fetches, everyone else waits and then reads the cache.
	rf.muFlight.Lock()
	if ch, busy := rf.inFlight[iri]; busy {
		rf.muFlight.Unlock()
		<-ch
		rec, _ = rf.repo.GetFetchRecord(iri)
		if rec == nil {
			return &FetchResult{}
		}
		return rf.fromCache(iri, rec)
	}
	ch := make(chan struct{})
	rf.inFlight[iri] = ch
	rf.muFlight.Unlock()

	defer func() {
		rf.muFlight.Lock()
		delete(rf.inFlight, iri)
		rf.muFlight.Unlock()
		close(ch)
	}()

	return rf.fetchAndStore(iri)
}

func (rf *remoteFetcher) fromCache(iri string, rec *dal.FetchRecord) *FetchResult {
	switch rec.Kind {
	case dal.FetchKindActor:
		actor, err := rf.repo.GetRemoteActor(iri)
		if err != nil {
			rf.logger.Errorf("Failed to read cached actor '%s': %v", iri, err)
			return &FetchResult{}
		}
		return &FetchResult{Actor: actor}
	case dal.FetchKindObject:
		obj, err := rf.repo.GetObject(iri)
		if err != nil {
			rf.logger.Errorf("Failed to read cached object '%s': %v", iri, err)
			return &FetchResult{}
		}
		return &FetchResult{Object: obj}
	case dal.FetchKindCollection:
		// Collections are not persisted; hand out a lazy view again and let
		// iteration re-fetch the index document.
		return &FetchResult{Collection: newRemoteCollection(rf, iri, nil)}
	case dal.FetchKindWebfinger:
		if rec.ResultIri == "" {
			return &FetchResult{}
		}
		return rf.Fetch(rec.ResultIri)
	default:
		// A prior fetch definitively found nothing
		return &FetchResult{}
	}
}

func (rf *remoteFetcher) saveRecord(iri, kind, resultIri string) {
	err := rf.repo.SaveFetchRecord(&dal.FetchRecord{
		Iri: iri, Kind: kind, ResultIri: resultIri, FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		rf.logger.Errorf("Failed to save fetch record for '%s': %v", iri, err)
	}
}

func (rf *remoteFetcher) fetchAndStore(iri string) *FetchResult {

	obs := rf.metrics.StartApubRequestOut("get")
	status, body := rf.doGet(iri)
	obs.Finish()

	if status != http.StatusOK {
		rf.metrics.RemoteFetch("miss")
		rf.storeFailedActor(iri, status)
		rf.saveRecord(iri, dal.FetchKindActor, "")
		return &FetchResult{Actor: rf.mustGetActor(iri)}
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		rf.logger.Infof("Malformed JSON from '%s': %v", iri, err)
		rf.metrics.RemoteFetch("malformed")
		rf.storeFailedActor(iri, dal.ActorStatusUnreachable)
		rf.saveRecord(iri, dal.FetchKindActor, "")
		return &FetchResult{Actor: rf.mustGetActor(iri)}
	}

	typeTag, _ := raw["type"].(string)
	switch {
	case collectionTypes[typeTag]:
		var col dto.CollectionIn
		_ = json.Unmarshal(body, &col)
		rf.saveRecord(iri, dal.FetchKindCollection, "")
		rf.metrics.RemoteFetch("collection")
		return &FetchResult{Collection: newRemoteCollection(rf, iri, &col)}
	case actorTypes[typeTag]:
		actor := rf.storeFetchedActor(iri, body)
		rf.saveRecord(iri, dal.FetchKindActor, "")
		rf.metrics.RemoteFetch("actor")
		return &FetchResult{Actor: actor}
	case rf.constructible(typeTag):
		obj := rf.storeFetchedObject(iri, raw, body)
		if obj == nil {
			rf.saveRecord(iri, dal.FetchKindMiss, "")
			return &FetchResult{}
		}
		rf.saveRecord(iri, dal.FetchKindObject, "")
		rf.metrics.RemoteFetch("object")
		return &FetchResult{Object: obj}
	default:
		rf.logger.Infof("Unconstructible type '%s' at '%s'", typeTag, iri)
		rf.metrics.RemoteFetch("unknown_type")
		rf.saveRecord(iri, dal.FetchKindMiss, "")
		return &FetchResult{}
	}
}

// constructible rejects unknown and underscore-containing type tags.
func (rf *remoteFetcher) constructible(typeTag string) bool {
	if typeTag == "" || strings.ContainsRune(typeTag, '_') {
		return false
	}
	return itemTypes[typeTag]
}

func (rf *remoteFetcher) doGet(iri string) (int, []byte) {

	req, err := http.NewRequest("GET", iri, nil)
	if err != nil {
		rf.logger.Infof("Invalid fetch URL '%s': %v", iri, err)
		return 0, nil
	}
	rf.ua.AddUserAgent(req)
	req.Header.Set("Accept", "application/activity+json")

	resp, err := rf.client.Do(req)
	if err != nil {
		rf.logger.Infof("Fetch failed for '%s': %v", iri, err)
		return 0, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if !fetchableContentType(resp.Header.Get("Content-Type")) {
		rf.logger.Infof("Unexpected content type '%s' from '%s'", resp.Header.Get("Content-Type"), iri)
		return 0, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		rf.logger.Infof("Failed to read fetch response from '%s': %v", iri, err)
		return 0, nil
	}
	return http.StatusOK, body
}

func fetchableContentType(val string) bool {
	mediaType := strings.TrimSpace(strings.ToLower(strings.Split(val, ";")[0]))
	switch mediaType {
	case "application/activity+json", "application/ld+json", "application/json",
		"text/json", "text/plain":
		return true
	}
	return false
}

func (rf *remoteFetcher) storeFailedActor(iri string, status int) {
	host, _ := shared.GetHostName(iri)
	err := rf.repo.UpsertRemoteActor(&dal.RemoteActor{
		Url: iri, Host: host, Status: status, FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		rf.logger.Errorf("Failed to store failed fetch of '%s': %v", iri, err)
	}
}

func (rf *remoteFetcher) mustGetActor(iri string) *dal.RemoteActor {
	actor, _ := rf.repo.GetRemoteActor(iri)
	return actor
}

func (rf *remoteFetcher) storeFetchedActor(iri string, body []byte) *dal.RemoteActor {

	var info dto.UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		rf.logger.Infof("Malformed actor document at '%s': %v", iri, err)
		rf.storeFailedActor(iri, dal.ActorStatusUnreachable)
		return rf.mustGetActor(iri)
	}
	host, _ := shared.GetHostName(iri)
	actor := &dal.RemoteActor{
		Url:         iri,
		Handle:      info.PreferredUserName,
		Host:        host,
		Name:        info.Name,
		Inbox:       info.Inbox,
		SharedInbox: info.Endpoints.SharedInbox,
		PubKey:      info.PublicKey.PublicKeyPem,
		Status:      dal.ActorStatusLive,
		FetchedAt:   time.Now().UTC(),
	}
	if err := rf.repo.UpsertRemoteActor(actor); err != nil {
		rf.logger.Errorf("Failed to store remote actor '%s': %v", iri, err)
		return nil
	}
	return actor
}

// storeFetchedObject materializes a remote object as a local mirror through
// the same construction path used for locally authored objects; the only
// difference downstream is the is_local flag.
func (rf *remoteFetcher) storeFetchedObject(iri string, raw map[string]interface{}, body []byte) *dal.StoredObject {

	// Strip JSON-LD @-keys before constructing
	for k := range raw {
		if strings.HasPrefix(k, "@") {
			delete(raw, k)
		}
	}
	cleaned, _ := json.Marshal(raw)

	var in dto.ObjectIn
	if err := json.Unmarshal(cleaned, &in); err != nil {
		rf.logger.Infof("Malformed object document at '%s': %v", iri, err)
		return nil
	}

	obj := &dal.StoredObject{
		Id:           iri,
		Type:         in.Type,
		IsLocal:      false,
		AttributedTo: in.AttributedTo,
		Published:    in.Published,
		Content:      in.Content,
		Name:         in.Name,
		Url:          in.Url,
		StoredAt:     time.Now().UTC(),
	}
	if in.Summary != nil {
		obj.Summary = *in.Summary
	}
	if in.InReplyTo != nil {
		obj.InReplyTo = *in.InReplyTo
	}

	existing, _ := rf.repo.GetObject(iri)
	if existing != nil {
		return existing
	}
	if err := rf.repo.SaveObject(obj); err != nil {
		rf.logger.Errorf("Failed to store mirrored object '%s': %v", iri, err)
		return nil
	}
	entries := audienceEntriesOf(iri, in.Audience, in.To, in.Cc, in.Bto, in.Bcc)
	if err := rf.repo.SetAudience(iri, entries); err != nil {
		rf.logger.Errorf("Failed to store audience of '%s': %v", iri, err)
	}
	return obj
}

// resolveWebfinger turns a name@host address into the canonical actor URL,
// caching the lookup through the same fetch-record path.
func (rf *remoteFetcher) resolveWebfinger(address string) string {

	address = strings.TrimPrefix(address, "@")
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	name, host := parts[0], parts[1]

	if strings.EqualFold(host, rf.cfg.Host) {
		return rf.idb.UserUrl(name)
	}

	wfIri := fmt.Sprintf("acct:%s@%s", name, host)
	rec, err := rf.repo.GetFetchRecord(wfIri)
	if err == nil && rf.recordFresh(rec) {
		return rec.ResultIri
	}

	wfUrl := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", host, url.QueryEscape(wfIri))
	req, err := http.NewRequest("GET", wfUrl, nil)
	if err != nil {
		return ""
	}
	rf.ua.AddUserAgent(req)
	req.Header.Set("Accept", "application/json")

	resolved := ""
	resp, err := rf.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			var wf dto.WebfingerResp
			if json.Unmarshal(body, &wf) == nil {
				for _, link := range wf.Links {
					if link.Rel == "self" && link.Href != "" {
						resolved = link.Href
						break
					}
				}
			}
		}
	}
	if err != nil {
		rf.logger.Infof("Webfinger lookup failed for '%s': %v", wfIri, err)
	}
	rf.saveRecord(wfIri, dal.FetchKindWebfinger, resolved)
	return resolved
}

// fetchCollectionDoc retrieves one collection index or page document. Any
// journaling happens on the RemoteCollection holding the document, never
// here; the fetcher keeps no collection state of its own.
func (rf *remoteFetcher) fetchCollectionDoc(iri string) *dto.CollectionIn {

	obs := rf.metrics.StartApubRequestOut("get")
	status, body := rf.doGet(iri)
	obs.Finish()

	if status != http.StatusOK {
		rf.metrics.RemoteFetch("miss")
		return nil
	}
	var col dto.CollectionIn
	if err := json.Unmarshal(body, &col); err != nil {
		rf.logger.Infof("Malformed collection page at '%s': %v", iri, err)
		return nil
	}
	if !collectionTypes[col.Type] {
		rf.logger.Infof("Expected collection at '%s', got type '%s'", iri, col.Type)
		return nil
	}
	rf.metrics.RemoteFetch("collection")
	return &col
}

func audienceEntriesOf(objectId string, audience, to, cc, bto, bcc []string) []*dal.AudienceEntry {
	var res []*dal.AudienceEntry
	add := func(field string, items []string) {
		for _, item := range items {
			if item == "" {
				continue
			}
			res = append(res, &dal.AudienceEntry{ObjectId: objectId, Recipient: item, Field: field})
		}
	}
	add(dal.AudienceFieldAudience, audience)
	add(dal.AudienceFieldTo, to)
	add(dal.AudienceFieldCc, cc)
	add(dal.AudienceFieldBto, bto)
	add(dal.AudienceFieldBcc, bcc)
	return res
}
