package logic

import (
	"fmt"
	"time"

	"warbler/dal"
	"warbler/dto"
	"warbler/shared"
)

// IPublisher is the authoring side of the engine: it creates local actors
// and puts their activities on the wire.
type IPublisher interface {
	CreateAccount(handle, name, summary string) (acct *dal.Account, isNew bool, err error)
	PublishNote(byUser, content string, aud *Audience) (*dal.StoredObject, error)
}

type publisher struct {
	cfg      *shared.Config
	logger   shared.ILogger
	repo     dal.IRepo
	keyStore IKeyStore
	fanout   IFanout
	idb      shared.IdBuilder
}

func NewPublisher(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	keyStore IKeyStore,
	fanout IFanout,
) IPublisher {
	return &publisher{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		keyStore: keyStore,
		fanout:   fanout,
		idb:      shared.IdBuilder{Host: cfg.Host},
	}
}

func (pub *publisher) CreateAccount(handle, name, summary string) (*dal.Account, bool, error) {

	pubKey, privKey, err := pub.keyStore.MakeKeyPair()
	if err != nil {
		return nil, false, err
	}
	acct := &dal.Account{
		CreatedAt:   time.Now().UTC(),
		Handle:      handle,
		UserUrl:     pub.idb.UserUrl(handle),
		Name:        name,
		Summary:     summary,
		PubKey:      pubKey,
		AutoAccepts: pub.cfg.AutoAcceptFollows,
	}
	isNew, err := pub.repo.AddAccountIfNotExist(acct, privKey)
	if err != nil {
		return nil, false, err
	}
	if !isNew {
		// Keep the stored keypair, not the one we just minted
		acct, err = pub.repo.GetAccount(handle)
		if err != nil {
			return nil, false, err
		}
	}
	pub.logger.Infof("Account '%s' ready; new: %v", handle, isNew)
	return acct, isNew, nil
}

// PublishNote stores a locally authored note and fans the wrapping Create
// out to the audience. Blind recipients get their delivery and nothing else;
// the stored object and the wire payload carry only the open fields.
func (pub *publisher) PublishNote(byUser, content string, aud *Audience) (*dal.StoredObject, error) {

	acct, err := pub.repo.GetAccount(byUser)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("no such local user: %s", byUser)
	}

	now := time.Now().UTC()
	obj := &dal.StoredObject{
		Id:           pub.idb.ObjectUrl(pub.repo.GetNextId()),
		Type:         "Note",
		IsLocal:      true,
		AttributedTo: acct.UserUrl,
		Published:    now.Format(time.RFC3339),
		Content:      content,
		StoredAt:     now,
	}
	if err = pub.repo.SaveObject(obj); err != nil {
		return nil, err
	}
	entries := audienceEntriesOf(obj.Id, aud.Audience, aud.To, aud.Cc, aud.Bto, aud.Bcc)
	if err = pub.repo.SetAudience(obj.Id, entries); err != nil {
		return nil, err
	}

	note := dto.ObjectOut{
		Id:           obj.Id,
		Type:         obj.Type,
		Published:    obj.Published,
		AttributedTo: obj.AttributedTo,
		Content:      obj.Content,
	}
	if len(aud.To) != 0 {
		to := append([]string{}, aud.To...)
		note.To = &to
	}
	openCc := append([]string{}, aud.Cc...)
	openCc = append(openCc, aud.Audience...)
	if len(openCc) != 0 {
		note.Cc = &openCc
	}

	activity := &dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      pub.idb.ActivityUrl(pub.repo.GetNextId()),
		Type:    "Create",
		Object:  note,
	}
	if err = pub.fanout.Deliver(byUser, aud, activity); err != nil {
		return nil, err
	}
	return obj, nil
}
