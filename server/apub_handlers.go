package server

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"warbler/dal"
	"warbler/dto"
	"warbler/logic"
	"warbler/shared"
)

const followersPageSize = 50

var apubContext = []string{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// Groups together the handlers needed to implement an ActivityPub server.
type apubHandlerGroup struct {
	cfg        *shared.Config
	logger     shared.ILogger
	metrics    logic.IMetrics
	repo       dal.IRepo
	pipeline   logic.IInboundPipeline
	idb        shared.IdBuilder
	reResource *regexp.Regexp
}

func NewApubHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	metrics logic.IMetrics,
	repo dal.IRepo,
	pipeline logic.IInboundPipeline,
) IHandlerGroup {
	res := apubHandlerGroup{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		repo:     repo,
		pipeline: pipeline,
		idb:      shared.IdBuilder{Host: cfg.Host},
	}
	res.reResource = regexp.MustCompile("^acct:([^@]+)@([^@]+)$")
	return &res
}

func (hg *apubHandlerGroup) Prefix() string {
	return ""
}

func (hg *apubHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"GET", "/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) { hg.getWebfinger(w, r) }},
		{"GET", "/u/{user}", func(w http.ResponseWriter, r *http.Request) { hg.getUser(w, r) }},
		{"GET", "/u/{user}/followers", func(w http.ResponseWriter, r *http.Request) { hg.getUserFollowers(w, r) }},
		{"GET", "/o/{id}", func(w http.ResponseWriter, r *http.Request) { hg.getObject(w, r) }},
		{"POST", "/u/{user}/inbox", func(w http.ResponseWriter, r *http.Request) { hg.postInbox(w, r) }},
		{"POST", "/inbox", func(w http.ResponseWriter, r *http.Request) { hg.postInbox(w, r) }},
	}
}

func (hg *apubHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return emptyMW
}

func (hg *apubHandlerGroup) getWebfinger(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling webfinger GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("webfinger")
	defer obs.Finish()

	resourceParam := r.URL.Query().Get("resource")
	groups := hg.reResource.FindStringSubmatch(resourceParam)
	if groups == nil {
		hg.logger.Infof("Webfinger: Invalid request; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "Missing or invalid 'resource' param", http.StatusBadRequest)
		return
	}
	user, host := groups[1], groups[2]
	if host != hg.cfg.Host {
		hg.logger.Infof("Webfinger: Request for foreign host '%s'", host)
		writeErrorResponse(w, "No such resource", http.StatusNotFound)
		return
	}

	acct, err := hg.repo.GetAccount(user)
	if err != nil {
		hg.logger.Errorf("Webfinger: Failed to look up account '%s': %v", user, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if acct == nil {
		hg.logger.Infof("Webfinger: No such resource; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "No such resource", http.StatusNotFound)
		return
	}

	resp := dto.WebfingerResp{
		Subject: "acct:" + acct.Handle + "@" + hg.cfg.Host,
		Aliases: []string{acct.UserUrl},
		Links: []dto.WebfingerLink{
			{Rel: "self", Type: "application/activity+json", Href: acct.UserUrl},
		},
	}
	writeJsonResponse(hg.logger, w, resp)
}

func (hg *apubHandlerGroup) getUser(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user")
	defer obs.Finish()
	userName := mux.Vars(r)["user"]

	acct, err := hg.repo.GetAccount(userName)
	if err != nil {
		hg.logger.Errorf("Failed to look up account '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if acct == nil {
		hg.logger.Infof("Info requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}

	userInfo := dto.UserInfo{
		Context:           apubContext,
		Id:                acct.UserUrl,
		Type:              "Person",
		PreferredUserName: acct.Handle,
		Name:              acct.Name,
		Summary:           acct.Summary,
		ManuallyApproves:  !acct.AutoAccepts,
		Published:         acct.CreatedAt.Format(time.RFC3339),
		Inbox:             hg.idb.UserInbox(acct.Handle),
		Outbox:            hg.idb.UserOutbox(acct.Handle),
		Followers:         hg.idb.UserFollowers(acct.Handle),
		Following:         hg.idb.UserFollowing(acct.Handle),
		Endpoints:         dto.UserEndpoints{SharedInbox: hg.idb.SharedInbox()},
		PublicKey: dto.PublicKey{
			Id:           hg.idb.UserKeyId(acct.Handle),
			Owner:        acct.UserUrl,
			PublicKeyPem: acct.PubKey,
		},
	}
	writeJsonResponse(hg.logger, w, userInfo)
}

func (hg *apubHandlerGroup) getUserFollowers(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user followers GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/followers")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	acct, err := hg.repo.GetAccount(userName)
	if err != nil {
		hg.logger.Errorf("Failed to look up account '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if acct == nil {
		hg.logger.Infof("Followers requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}

	pageParam := r.URL.Query().Get("page")
	if pageParam == "" {
		hg.getFollowersSummary(w, acct)
		return
	}
	page, err := strconv.Atoi(pageParam)
	if err != nil || page < 1 {
		writeErrorResponse(w, "Invalid 'page' param", http.StatusBadRequest)
		return
	}
	hg.getFollowersPage(w, acct, page)
}

func (hg *apubHandlerGroup) getFollowersSummary(w http.ResponseWriter, acct *dal.Account) {

	_, total, err := hg.repo.GetFollowerPage(acct.UserUrl, 0, 0)
	if err != nil {
		hg.logger.Errorf("Failed to count followers of '%s': %v", acct.Handle, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	summary := dto.OrderedCollectionSummary{
		Context:    apubContext[0],
		Id:         hg.idb.UserFollowers(acct.Handle),
		Type:       "OrderedCollection",
		TotalItems: uint(total),
	}
	if total > 0 {
		first := hg.idb.UserFollowersPage(acct.Handle, 1)
		summary.First = &first
	}
	writeJsonResponse(hg.logger, w, summary)
}

func (hg *apubHandlerGroup) getFollowersPage(w http.ResponseWriter, acct *dal.Account, page int) {

	offset := (page - 1) * followersPageSize
	urls, total, err := hg.repo.GetFollowerPage(acct.UserUrl, offset, followersPageSize)
	if err != nil {
		hg.logger.Errorf("Failed to get follower page of '%s': %v", acct.Handle, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	resp := dto.OrderedCollectionPage{
		Context:      apubContext[0],
		Id:           hg.idb.UserFollowersPage(acct.Handle, page),
		Type:         "OrderedCollectionPage",
		TotalItems:   uint(total),
		PartOf:       hg.idb.UserFollowers(acct.Handle),
		OrderedItems: urls,
	}
	if offset+len(urls) < total {
		next := hg.idb.UserFollowersPage(acct.Handle, page+1)
		resp.Next = &next
	}
	if page > 1 {
		prev := hg.idb.UserFollowersPage(acct.Handle, page-1)
		resp.Prev = &prev
	}
	writeJsonResponse(hg.logger, w, resp)
}

func (hg *apubHandlerGroup) getObject(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling object GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("object")
	defer obs.Finish()

	objId := mux.Vars(r)["id"]
	iri := hg.idb.SiteUrl() + "/o/" + objId
	obj, err := hg.repo.GetObject(iri)
	if err != nil {
		hg.logger.Errorf("Failed to look up object '%s': %v", iri, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if obj == nil {
		writeErrorResponse(w, "No such object", http.StatusNotFound)
		return
	}

	if obj.DeletedAt != nil {
		tombstone := dto.ObjectOut{
			Context:    apubContext[0],
			Id:         obj.Id,
			Type:       "Tombstone",
			FormerType: obj.FormerType,
			Deleted:    obj.DeletedAt.Format(time.RFC3339),
		}
		w.Header().Set("Content-Type", "application/activity+json")
		w.WriteHeader(http.StatusGone)
		writeJsonResponse(hg.logger, w, tombstone)
		return
	}

	out := dto.ObjectOut{
		Context:      apubContext[0],
		Id:           obj.Id,
		Type:         obj.Type,
		Published:    obj.Published,
		Name:         obj.Name,
		AttributedTo: obj.AttributedTo,
		Url:          obj.Url,
		Content:      obj.Content,
	}
	if obj.Summary != "" {
		out.Summary = &obj.Summary
	}
	if obj.InReplyTo != "" {
		out.InReplyTo = &obj.InReplyTo
	}

	// The audience goes out without its blind entries, always
	entries, err := hg.repo.GetAudience(obj.Id)
	if err == nil {
		var to, cc []string
		for _, e := range entries {
			if e.Blind() {
				continue
			}
			switch e.Field {
			case dal.AudienceFieldTo:
				to = append(to, e.Recipient)
			case dal.AudienceFieldCc, dal.AudienceFieldAudience:
				cc = append(cc, e.Recipient)
			}
		}
		if len(to) != 0 {
			out.To = &to
		}
		if len(cc) != 0 {
			out.Cc = &cc
		}
	}
	writeJsonResponse(hg.logger, w, out)
}

// postInbox accepts both the per-user and the shared inbox. The message is
// persisted and acknowledged; whatever validation decides later, the sender
// already got its 200. An unreadable or empty body is the one exception.
func (hg *apubHandlerGroup) postInbox(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling inbox POST: %s", r.URL.Path)
	userName := mux.Vars(r)["user"]

	var obs logic.IRequestObserver
	if userName == "" {
		obs = hg.metrics.StartApubRequestIn("inbox")
	} else {
		obs = hg.metrics.StartApubRequestIn("user/inbox")
	}
	defer obs.Finish()

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	if len(bodyBytes) == 0 {
		hg.logger.Info("Empty request body")
		writeErrorResponse(w, "Request body must not be empty", http.StatusBadRequest)
		return
	}

	msg := &dal.IncomingMessage{
		ReceivedAt:      time.Now().UTC(),
		Path:            r.URL.Path,
		ContentType:     r.Header.Get("Content-Type"),
		DateHeader:      r.Header.Get("Date"),
		HostHeader:      r.Host,
		SignatureHeader: r.Header.Get("Signature"),
		DigestHeader:    r.Header.Get("Digest"),
		Body:            bodyBytes,
	}
	if err := hg.pipeline.Receive(msg); err != nil {
		hg.logger.Errorf("Failed to persist incoming message: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}
