package dto

import (
	"encoding/json"
	"errors"
	"fmt"
)

type UserInfo struct {
	Context           any           `json:"@context"`
	Id                string        `json:"id"`
	Type              string        `json:"type"`
	PreferredUserName string        `json:"preferredUsername"`
	Name              string        `json:"name"`
	Summary           string        `json:"summary"`
	ManuallyApproves  bool          `json:"manuallyApprovesFollowers"`
	Published         string        `json:"published"`
	Inbox             string        `json:"inbox"`
	Outbox            string        `json:"outbox"`
	Followers         string        `json:"followers"`
	Following         string        `json:"following"`
	Endpoints         UserEndpoints `json:"endpoints"`
	PublicKey         PublicKey     `json:"publicKey"`
}

type UserEndpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

type PublicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type WebfingerResp struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

func getRecipient(raw any) ([]string, error) {
	var res []string
	if raw == nil {
		return res, nil
	}
	if slice, ok := raw.([]interface{}); ok {
		for _, s := range slice {
			if str, ok := s.(string); ok {
				res = append(res, str)
			} else {
				return res, fmt.Errorf("list of recipients must only contain strings")
			}
		}
	} else if str, ok := raw.(string); ok {
		res = []string{str}
	} else {
		return res, fmt.Errorf("recipient field must be single string or array of strings")
	}
	return res, nil
}

// ActivityInBase is the rudimentary parse of any received activity: enough to
// route by type and compute the audience, with the object left opaque.
type ActivityInBase struct {
	Id          string   `json:"id"`
	Type        string   `json:"type"`
	Actor       string   `json:"actor"`
	To          []string `json:"-"`
	RawTo       any      `json:"to"`
	Cc          []string `json:"-"`
	RawCc       any      `json:"cc"`
	Bto         []string `json:"-"`
	RawBto      any      `json:"bto"`
	Bcc         []string `json:"-"`
	RawBcc      any      `json:"bcc"`
	Audience    []string `json:"-"`
	RawAudience any      `json:"audience"`
	Object      any      `json:"object"`
	// attributedTo stands in for actor on non-activity payloads
	AttributedTo    string `json:"-"`
	RawAttributedTo any    `json:"attributedTo"`
}

func (x *ActivityInBase) UnmarshalJSON(data []byte) error {
	var err error
	type Y ActivityInBase
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if y.To, err = getRecipient(y.RawTo); err != nil {
		return err
	}
	if y.Cc, err = getRecipient(y.RawCc); err != nil {
		return err
	}
	if y.Bto, err = getRecipient(y.RawBto); err != nil {
		return err
	}
	if y.Bcc, err = getRecipient(y.RawBcc); err != nil {
		return err
	}
	if y.Audience, err = getRecipient(y.RawAudience); err != nil {
		return err
	}
	if str, ok := y.RawAttributedTo.(string); ok {
		y.AttributedTo = str
	}
	return nil
}

// ClaimedActor is the identifier the sender claims to act as: the actor
// field, or attributedTo for non-activity payloads.
func (x *ActivityInBase) ClaimedActor() string {
	if x.Actor != "" {
		return x.Actor
	}
	return x.AttributedTo
}

// ObjectIdOf returns the object field as an identifier: the string itself for
// a bare reference, or the embedded object's id. Second value is true if the
// object was embedded.
func (x *ActivityInBase) ObjectIdOf() (string, bool) {
	if str, ok := x.Object.(string); ok {
		return str, false
	}
	if objMap, ok := x.Object.(map[string]interface{}); ok {
		if idStr, ok := objMap["id"].(string); ok {
			return idStr, true
		}
	}
	return "", false
}

// ObjectTypeOf returns the embedded object's type tag, or "" if the object is
// a bare reference.
func (x *ActivityInBase) ObjectTypeOf() string {
	if objMap, ok := x.Object.(map[string]interface{}); ok {
		if typeStr, ok := objMap["type"].(string); ok {
			return typeStr
		}
	}
	return ""
}

type ActivityIn[T any] struct {
	Id     string   `json:"id"`
	Type   string   `json:"type"`
	Actor  string   `json:"actor"`
	To     []string `json:"-"`
	RawTo  any      `json:"to"`
	Cc     []string `json:"-"`
	RawCc  any      `json:"cc"`
	Object T        `json:"object"`
}

func (x *ActivityIn[T]) UnmarshalJSON(data []byte) error {
	var err error
	type Y ActivityIn[T]
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if y.To, err = getRecipient(y.RawTo); err != nil {
		return err
	}
	if y.Cc, err = getRecipient(y.RawCc); err != nil {
		return err
	}
	return nil
}

// ActivityOut is what we put on the wire. It deliberately has no bto, bcc or
// audience members: blind recipients are resolved into delivery targets and
// must never appear in the serialized payload.
type ActivityOut struct {
	Context any       `json:"@context"`
	Id      string    `json:"id"`
	Type    string    `json:"type"`
	Actor   string    `json:"actor"`
	To      *[]string `json:"to,omitempty"`
	Cc      *[]string `json:"cc,omitempty"`
	Object  any       `json:"object,omitempty"`
}

// ObjectIn is the embedded object of a Create or Update: any item-like type
// (Note, Article, ...) with the fields we route and store.
type ObjectIn struct {
	Id           string   `json:"id"`
	Type         string   `json:"type"`
	Published    string   `json:"published"`
	Summary      *string  `json:"summary"`
	Name         string   `json:"name"`
	AttributedTo string   `json:"attributedTo"`
	InReplyTo    *string  `json:"inReplyTo"`
	Url          string   `json:"url"`
	To           []string `json:"-"`
	RawTo        any      `json:"to"`
	Cc           []string `json:"-"`
	RawCc        any      `json:"cc"`
	Bto          []string `json:"-"`
	RawBto       any      `json:"bto"`
	Bcc          []string `json:"-"`
	RawBcc       any      `json:"bcc"`
	Audience     []string `json:"-"`
	RawAudience  any      `json:"audience"`
	Content      string   `json:"content"`
	Tag          *[]Tag   `json:"-"`
	RawTag       any      `json:"tag,omitempty"`
}

func (x *ObjectIn) UnmarshalJSON(data []byte) error {
	var err error
	type Y ObjectIn
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if y.To, err = getRecipient(y.RawTo); err != nil {
		return err
	}
	if y.Cc, err = getRecipient(y.RawCc); err != nil {
		return err
	}
	if y.Bto, err = getRecipient(y.RawBto); err != nil {
		return err
	}
	if y.Bcc, err = getRecipient(y.RawBcc); err != nil {
		return err
	}
	if y.Audience, err = getRecipient(y.RawAudience); err != nil {
		return err
	}
	if y.Tag, err = getTag(y.RawTag); err != nil {
		return err
	}
	return nil
}

// ObjectOut is an object's externally visible representation. No bto/bcc.
type ObjectOut struct {
	Context      string    `json:"@context,omitempty"`
	Id           string    `json:"id"`
	Type         string    `json:"type"`
	Published    string    `json:"published,omitempty"`
	Summary      *string   `json:"summary,omitempty"`
	Name         string    `json:"name,omitempty"`
	AttributedTo string    `json:"attributedTo,omitempty"`
	InReplyTo    *string   `json:"inReplyTo,omitempty"`
	Url          string    `json:"url,omitempty"`
	To           *[]string `json:"to,omitempty"`
	Cc           *[]string `json:"cc,omitempty"`
	Content      string    `json:"content,omitempty"`
	FormerType   string    `json:"formerType,omitempty"`
	Deleted      string    `json:"deleted,omitempty"`
	Tag          *[]Tag    `json:"tag,omitempty"`
}

type Tag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

func getTag(raw any) (*[]Tag, error) {
	// No value is legit
	if raw == nil {
		return nil, nil
	}

	retrieve := func(obj *map[string]interface{}) (*Tag, error) {
		var tag Tag
		var ok bool
		if tag.Href, ok = (*obj)["href"].(string); !ok {
			return nil, errors.New("invalid data in tag's 'href' property; string expected")
		}
		if tag.Name, ok = (*obj)["name"].(string); !ok {
			return nil, errors.New("invalid data in tag's 'name' property; string expected")
		}
		if tag.Type, ok = (*obj)["type"].(string); !ok {
			return nil, errors.New("invalid data in tag's 'type' property; string expected")
		}
		return &tag, nil
	}

	// Single Tag object
	if obj, ok := raw.(map[string]interface{}); ok {
		if tag, err := retrieve(&obj); err != nil {
			return nil, err
		} else {
			return &[]Tag{*tag}, nil
		}
	}
	// Array
	if slice, ok := raw.([]interface{}); ok {
		var res []Tag
		for _, s := range slice {
			if obj, ok := s.(map[string]interface{}); ok {
				if tag, err := retrieve(&obj); err != nil {
					return nil, err
				} else {
					res = append(res, *tag)
				}
			} else {
				return nil, errors.New("unexpected item in 'tag' array; must only contain tag objects")
			}
		}
		return &res, nil
	}
	return nil, errors.New("invalid data in 'tag' property")
}
