package logic

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"warbler/dal"
	"warbler/dto"
	"warbler/shared"
)

// Remote HTML is stored sanitized; we never serve markup we did not scrub.
var contentPolicy = bluemonday.UGCPolicy()

func (d *dispatcher) handleFollow(act *dto.ActivityInBase, body []byte) bool {

	objId, _ := act.ObjectIdOf()
	user, ok := d.idb.ParseUserUrl(objId)
	if !ok {
		d.logger.Infof("Follow of non-actor object discarded: %s", objId)
		return false
	}
	acct, err := d.repo.GetAccount(user)
	if err != nil {
		d.logger.Errorf("Failed to look up account '%s': %v", user, err)
		return false
	}
	if acct == nil {
		d.logger.Infof("Follow of unknown user discarded: %s", user)
		return false
	}

	edge := &dal.FollowEdge{
		RequestId:   act.Id,
		FollowerUrl: act.Actor,
		FolloweeUrl: acct.UserUrl,
		Pending:     true,
		CreatedAt:   time.Now().UTC(),
	}
	isNew, err := d.repo.AddFollowIfNotExist(edge)
	if err != nil {
		d.logger.Errorf("Failed to store follow edge: %v", err)
		return false
	}
	if !isNew {
		d.logger.Debugf("Repeated follow request: %s -> %s", act.Actor, acct.UserUrl)
	}

	if d.cfg.AutoAcceptFollows && acct.AutoAccepts {
		go d.acceptFollow(acct, act)
	}
	return true
}

// acceptFollow emits the Accept for an auto-accepted follow and marks the
// edge live. Runs detached; a failed send leaves the edge pending and the
// remote side will retry its Follow.
func (d *dispatcher) acceptFollow(acct *dal.Account, follow *dto.ActivityInBase) {

	follower := d.fetcher.FetchActor(follow.Actor)
	if follower == nil || follower.Inbox == "" {
		d.logger.Warnf("Cannot accept follow; follower unreachable: %s", follow.Actor)
		return
	}
	privKey, err := d.keyStore.GetPrivKey(acct.Handle)
	if err != nil {
		d.logger.Errorf("Failed to get private key of '%s': %v", acct.Handle, err)
		return
	}

	actOut := dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      d.idb.ActivityUrl(d.repo.GetNextId()),
		Type:    "Accept",
		Actor:   acct.UserUrl,
		To:      &[]string{follow.Actor},
		Object: map[string]interface{}{
			"id":     follow.Id,
			"type":   "Follow",
			"actor":  follow.Actor,
			"object": acct.UserUrl,
		},
	}
	if err = d.sender.Send(privKey, acct.Handle, follower.Inbox, &actOut); err != nil {
		d.logger.Warnf("Failed to send Accept to %s: %v", follower.Inbox, err)
		return
	}
	if err = d.repo.SetFollowAccepted(follow.Actor, acct.UserUrl); err != nil {
		d.logger.Errorf("Failed to mark follow accepted: %v", err)
	}
}

func (d *dispatcher) handleAccept(act *dto.ActivityInBase, body []byte) bool {

	objId, _ := act.ObjectIdOf()
	if objId == "" {
		return false
	}
	edge, err := d.repo.GetFollowByRequestId(objId)
	if err != nil {
		d.logger.Errorf("Failed to look up follow request %s: %v", objId, err)
		return false
	}
	if edge == nil {
		return d.acceptUnknownFollow(act, objId)
	}
	// Only the followee gets to accept
	if edge.FolloweeUrl != act.Actor {
		d.logger.Infof("Accept from actor that is not the followee discarded: %s", act.Actor)
		return false
	}
	if err = d.repo.SetFollowAccepted(edge.FollowerUrl, edge.FolloweeUrl); err != nil {
		d.logger.Errorf("Failed to mark follow accepted: %v", err)
		return false
	}
	return true
}

// acceptUnknownFollow handles an Accept whose follow request we have no
// record of. When the embedded Follow names both ends, the edge is promoted
// anyway; losing a follow over a lost request id helps nobody.
func (d *dispatcher) acceptUnknownFollow(act *dto.ActivityInBase, requestId string) bool {

	follower, followee := embeddedFollowEnds(act)
	if follower == "" || followee == "" || followee != act.Actor {
		d.logger.Infof("Accept for unknown follow request discarded: %s", requestId)
		return false
	}
	d.logger.Warnf("Accept for unknown follow request %s; promoting edge %s -> %s anyway",
		requestId, follower, followee)
	_, err := d.repo.AddFollowIfNotExist(&dal.FollowEdge{
		RequestId:   requestId,
		FollowerUrl: follower,
		FolloweeUrl: followee,
		Pending:     true,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		d.logger.Errorf("Failed to store follow edge: %v", err)
		return false
	}
	if err = d.repo.SetFollowAccepted(follower, followee); err != nil {
		d.logger.Errorf("Failed to mark follow accepted: %v", err)
		return false
	}
	return true
}

// embeddedFollowEnds reads follower and followee out of an activity whose
// object is an embedded Follow.
func embeddedFollowEnds(act *dto.ActivityInBase) (follower, followee string) {
	objMap, ok := act.Object.(map[string]interface{})
	if !ok {
		return "", ""
	}
	if typeTag, _ := objMap["type"].(string); !strings.EqualFold(typeTag, "Follow") {
		return "", ""
	}
	follower, _ = objMap["actor"].(string)
	switch inner := objMap["object"].(type) {
	case string:
		followee = inner
	case map[string]interface{}:
		followee, _ = inner["id"].(string)
	}
	return follower, followee
}

func (d *dispatcher) handleReject(act *dto.ActivityInBase, body []byte) bool {

	objId, _ := act.ObjectIdOf()
	if objId == "" {
		return false
	}
	edge, err := d.repo.GetFollowByRequestId(objId)
	if err != nil {
		d.logger.Errorf("Failed to look up follow request %s: %v", objId, err)
		return false
	}
	if edge == nil || edge.FolloweeUrl != act.Actor {
		return false
	}
	if err = d.repo.RemoveFollow(edge.FollowerUrl, edge.FolloweeUrl); err != nil {
		d.logger.Errorf("Failed to remove rejected follow: %v", err)
		return false
	}
	return true
}

func (d *dispatcher) handleCreate(act *dto.ActivityInBase, body []byte) bool {

	var createIn dto.ActivityIn[*dto.ObjectIn]
	if err := json.Unmarshal(body, &createIn); err != nil {
		d.logger.Infof("Malformed Create activity discarded: %v", err)
		return false
	}
	obj := createIn.Object
	if obj == nil || obj.Id == "" {
		d.logger.Infof("Create without embedded object discarded: %s", act.Id)
		return false
	}
	if !itemTypes[obj.Type] || strings.ContainsRune(obj.Type, '_') {
		d.logger.Infof("Create with unconstructible object type '%s' discarded", obj.Type)
		return false
	}

	// Envelope addressing flows down onto the object; recipients the object
	// declares itself are kept alongside.
	obj.To = mergeRecipients(obj.To, act.To)
	obj.Cc = mergeRecipients(obj.Cc, act.Cc)
	obj.Bto = mergeRecipients(obj.Bto, act.Bto)
	obj.Bcc = mergeRecipients(obj.Bcc, act.Bcc)
	obj.Audience = mergeRecipients(obj.Audience, act.Audience)

	// The signer vouches for the activity, and by extension the object: a
	// mismatched attribution inside is overridden, not trusted.
	if obj.AttributedTo != "" && obj.AttributedTo != act.Actor {
		d.logger.Infof("Overriding object attribution '%s' with signing actor '%s'", obj.AttributedTo, act.Actor)
	}
	obj.AttributedTo = act.Actor

	if !d.isRelevant(act, obj) {
		d.logger.Debugf("Irrelevant Create discarded: %s", act.Id)
		return false
	}

	existing, err := d.repo.GetObject(obj.Id)
	if err != nil {
		d.logger.Errorf("Failed to look up object %s: %v", obj.Id, err)
		return false
	}
	if existing != nil {
		// Create for an object we already hold; no overwrite
		return true
	}

	stored := &dal.StoredObject{
		Id:           obj.Id,
		Type:         obj.Type,
		IsLocal:      false,
		AttributedTo: obj.AttributedTo,
		Published:    obj.Published,
		Content:      contentPolicy.Sanitize(obj.Content),
		Name:         obj.Name,
		Url:          obj.Url,
		StoredAt:     time.Now().UTC(),
	}
	if obj.Summary != nil {
		stored.Summary = contentPolicy.Sanitize(*obj.Summary)
	}
	if obj.InReplyTo != nil {
		stored.InReplyTo = *obj.InReplyTo
	}
	if err = d.repo.SaveObject(stored); err != nil {
		d.logger.Errorf("Failed to store object %s: %v", obj.Id, err)
		return false
	}
	entries := audienceEntriesOf(obj.Id, obj.Audience, obj.To, obj.Cc, obj.Bto, obj.Bcc)
	if err = d.repo.SetAudience(obj.Id, entries); err != nil {
		d.logger.Errorf("Failed to store audience of %s: %v", obj.Id, err)
	}
	return true
}

func mergeRecipients(own, envelope []string) []string {
	res := own
	seen := make(map[string]bool, len(own))
	for _, r := range own {
		seen[r] = true
	}
	for _, r := range envelope {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		res = append(res, r)
	}
	return res
}

// isRelevant is the gate on unsolicited Creates: we keep an object only when
// it demonstrably concerns this instance.
func (d *dispatcher) isRelevant(act *dto.ActivityInBase, obj *dto.ObjectIn) bool {

	// Addressed to a local actor or a local followers collection
	var recipients []string
	recipients = append(recipients, act.To...)
	recipients = append(recipients, act.Cc...)
	recipients = append(recipients, act.Bto...)
	recipients = append(recipients, act.Bcc...)
	recipients = append(recipients, act.Audience...)
	recipients = append(recipients, obj.To...)
	recipients = append(recipients, obj.Cc...)
	recipients = append(recipients, obj.Bto...)
	recipients = append(recipients, obj.Bcc...)
	recipients = append(recipients, obj.Audience...)
	for _, r := range recipients {
		if _, ok := d.idb.ParseUserUrl(r); ok {
			return true
		}
		if _, ok := d.idb.ParseFollowersUrl(r); ok {
			return true
		}
	}

	// Author is followed by someone here
	count, err := d.repo.CountLocalFollowersOf(act.Actor)
	if err == nil && count > 0 {
		return true
	}

	// Reply to something we hold
	if obj.InReplyTo != nil && *obj.InReplyTo != "" {
		if parent, err := d.repo.GetObject(*obj.InReplyTo); err == nil && parent != nil {
			return true
		}
	}

	// Mentions a local actor in its markup
	if d.mentionsLocalActor(obj) {
		return true
	}

	return false
}

// mentionsLocalActor looks for a local actor in tag entries and in the
// anchors of the object's HTML content.
func (d *dispatcher) mentionsLocalActor(obj *dto.ObjectIn) bool {
	if obj.Tag != nil {
		for _, tag := range *obj.Tag {
			if tag.Type != "Mention" {
				continue
			}
			if _, ok := d.idb.ParseUserUrl(tag.Href); ok {
				return true
			}
		}
	}
	if obj.Content == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(obj.Content))
	if err != nil {
		return false
	}
	found := false
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if _, ok := d.idb.ParseUserUrl(href); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

func (d *dispatcher) handleUpdate(act *dto.ActivityInBase, body []byte) bool {

	var updateIn dto.ActivityIn[*dto.ObjectIn]
	if err := json.Unmarshal(body, &updateIn); err != nil {
		d.logger.Infof("Malformed Update activity discarded: %v", err)
		return false
	}
	obj := updateIn.Object
	if obj == nil || obj.Id == "" {
		return false
	}

	existing, err := d.repo.GetObject(obj.Id)
	if err != nil {
		d.logger.Errorf("Failed to look up object %s: %v", obj.Id, err)
		return false
	}
	if existing == nil {
		d.logger.Debugf("Update of unknown object discarded: %s", obj.Id)
		return false
	}
	if existing.IsLocal || existing.AttributedTo != act.Actor {
		d.logger.Infof("Update by non-author discarded; object %s, actor %s", obj.Id, act.Actor)
		return false
	}
	if existing.DeletedAt != nil {
		return false
	}

	// Only fields the payload carries change; what the update does not
	// mention stays as it is. Identity never changes.
	var rawIn struct {
		Object map[string]json.RawMessage `json:"object"`
	}
	_ = json.Unmarshal(body, &rawIn)
	present := func(key string) bool {
		_, ok := rawIn.Object[key]
		return ok
	}

	if present("published") {
		existing.Published = obj.Published
	}
	if present("content") {
		existing.Content = contentPolicy.Sanitize(obj.Content)
	}
	if present("name") {
		existing.Name = obj.Name
	}
	if present("url") {
		existing.Url = obj.Url
	}
	if present("summary") {
		if obj.Summary != nil {
			existing.Summary = contentPolicy.Sanitize(*obj.Summary)
		} else {
			existing.Summary = ""
		}
	}
	if obj.InReplyTo != nil {
		existing.InReplyTo = *obj.InReplyTo
	}
	if err = d.repo.UpdateObject(existing); err != nil {
		d.logger.Errorf("Failed to update object %s: %v", obj.Id, err)
		return false
	}
	if len(obj.To)+len(obj.Cc)+len(obj.Bto)+len(obj.Bcc)+len(obj.Audience) != 0 {
		entries := audienceEntriesOf(obj.Id, obj.Audience, obj.To, obj.Cc, obj.Bto, obj.Bcc)
		if err = d.repo.SetAudience(obj.Id, entries); err != nil {
			d.logger.Errorf("Failed to update audience of %s: %v", obj.Id, err)
		}
	}
	return true
}

func (d *dispatcher) handleDelete(act *dto.ActivityInBase, body []byte) bool {

	objId, _ := act.ObjectIdOf()
	if objId == "" {
		return false
	}

	// An actor deleting itself: mark gone, keep the record so later lookups
	// answer "gone", not "never heard of it"
	if objId == act.Actor {
		return d.handleActorSelfDelete(act.Actor)
	}

	obj, err := d.repo.GetObject(objId)
	if err != nil {
		d.logger.Errorf("Failed to look up object %s: %v", objId, err)
		return false
	}
	if obj == nil {
		d.logger.Debugf("Delete of unknown object discarded: %s", objId)
		return false
	}
	if obj.IsLocal || obj.AttributedTo != act.Actor {
		d.logger.Infof("Delete by non-author discarded; object %s, actor %s", objId, act.Actor)
		return false
	}

	if d.cfg.DeleteMode == shared.DeleteModePurge {
		err = d.repo.PurgeObject(objId)
	} else {
		err = d.repo.TombstoneObject(objId, time.Now().UTC())
	}
	if err != nil {
		d.logger.Errorf("Failed to delete object %s: %v", objId, err)
		return false
	}
	return true
}

func (d *dispatcher) handleActorSelfDelete(actorUrl string) bool {

	actor, err := d.repo.GetRemoteActor(actorUrl)
	if err != nil {
		d.logger.Errorf("Failed to look up remote actor %s: %v", actorUrl, err)
		return false
	}
	if actor == nil {
		// Delete of an actor we never knew; nothing to record
		return false
	}
	actor.Status = dal.ActorStatusGone
	actor.PubKey = ""
	actor.FetchedAt = time.Now().UTC()
	if err = d.repo.UpsertRemoteActor(actor); err != nil {
		d.logger.Errorf("Failed to mark remote actor gone: %v", err)
		return false
	}
	return true
}

func (d *dispatcher) handleLike(act *dto.ActivityInBase, body []byte) bool {
	return d.handleReaction(act, dal.ReactionLike)
}

// handleAnnounce trusts only the object's identifier: any embedded content in
// the Announce is ignored and the object is taken from its canonical source.
func (d *dispatcher) handleAnnounce(act *dto.ActivityInBase, body []byte) bool {
	return d.handleReaction(act, dal.ReactionAnnounce)
}

func (d *dispatcher) handleReaction(act *dto.ActivityInBase, kind string) bool {

	objId, _ := act.ObjectIdOf()
	if objId == "" {
		return false
	}
	obj := d.fetcher.FetchObject(objId)
	if obj == nil {
		d.logger.Debugf("%s of unretrievable object discarded: %s", act.Type, objId)
		return false
	}
	_, err := d.repo.AddReactionIfNew(&dal.Reaction{
		ActivityId: act.Id,
		ActorUrl:   act.Actor,
		ObjectId:   obj.Id,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		d.logger.Errorf("Failed to store %s reaction: %v", kind, err)
		return false
	}
	return true
}

func (d *dispatcher) handleUndo(act *dto.ActivityInBase, body []byte) bool {

	// Bare reference: the only thing we can look up by activity id is a
	// follow request
	if _, embedded := act.ObjectIdOf(); !embedded {
		objId, _ := act.ObjectIdOf()
		return d.undoFollowByRequestId(act.Actor, objId)
	}

	var undoIn dto.ActivityIn[*dto.ActivityInBase]
	if err := json.Unmarshal(body, &undoIn); err != nil {
		d.logger.Infof("Malformed Undo activity discarded: %v", err)
		return false
	}
	inner := undoIn.Object
	if inner == nil {
		return false
	}
	// You can only undo your own doings
	if inner.Actor != "" && inner.Actor != act.Actor {
		d.logger.Infof("Undo of foreign activity discarded; actor %s, inner actor %s", act.Actor, inner.Actor)
		return false
	}
	innerObjId, _ := inner.ObjectIdOf()

	switch strings.ToLower(inner.Type) {
	case "follow":
		if innerObjId == "" {
			return d.undoFollowByRequestId(act.Actor, inner.Id)
		}
		if err := d.repo.RemoveFollow(act.Actor, innerObjId); err != nil {
			d.logger.Errorf("Failed to remove follow: %v", err)
			return false
		}
		return true
	case "like":
		return d.undoReaction(act.Actor, innerObjId, dal.ReactionLike)
	case "announce":
		return d.undoReaction(act.Actor, innerObjId, dal.ReactionAnnounce)
	default:
		d.logger.Debugf("Undo of unhandled inner type '%s' discarded", inner.Type)
		return false
	}
}

func (d *dispatcher) undoFollowByRequestId(actorUrl, requestId string) bool {
	if requestId == "" {
		return false
	}
	edge, err := d.repo.GetFollowByRequestId(requestId)
	if err != nil {
		d.logger.Errorf("Failed to look up follow request %s: %v", requestId, err)
		return false
	}
	if edge == nil || edge.FollowerUrl != actorUrl {
		return false
	}
	if err = d.repo.RemoveFollow(edge.FollowerUrl, edge.FolloweeUrl); err != nil {
		d.logger.Errorf("Failed to remove follow: %v", err)
		return false
	}
	return true
}

func (d *dispatcher) undoReaction(actorUrl, objId, kind string) bool {
	if objId == "" {
		return false
	}
	if err := d.repo.RemoveReaction(actorUrl, objId, kind); err != nil {
		d.logger.Errorf("Failed to remove %s reaction: %v", kind, err)
		return false
	}
	return true
}
