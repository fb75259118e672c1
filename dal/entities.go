package dal

import (
	"time"
)

// IncomingMessage is the immutable record of a received inbox POST, persisted
// before any trust is established and kept for forensic replay.
type IncomingMessage struct {
	Id              int64
	ReceivedAt      time.Time
	Path            string
	ContentType     string
	DateHeader      string
	HostHeader      string
	SignatureHeader string
	DigestHeader    string
	Body            []byte
	ClaimsLocal     bool // sender claims to be one of our own actors
}

// Fetch record kinds: what the one fetch of this IRI turned out to be.
const (
	FetchKindActor      = "actor"
	FetchKindObject     = "object"
	FetchKindCollection = "collection"
	FetchKindWebfinger  = "webfinger"
	FetchKindMiss       = "miss"
)

// FetchRecord marks that a remote IRI has been fetched at least once,
// successfully or not. For webfinger lookups ResultIri holds the resolved
// canonical actor URL.
type FetchRecord struct {
	Iri       string
	Kind      string
	ResultIri string
	FetchedAt time.Time
}

// Remote actor HTTP status values beyond plain status codes.
const (
	ActorStatusUnreachable = 0   // connection failure, timeout, malformed response
	ActorStatusLive        = 200
	ActorStatusGone        = 410 // Tombstone; a later self-Delete is still valid
)

type RemoteActor struct {
	Url         string // primary key
	Handle      string // preferredUsername
	Host        string
	Name        string
	Inbox       string
	SharedInbox string
	PubKey      string // PEM
	Status      int    // 200 live, 410 gone, 404 not found, 0 unreachable
	FetchedAt   time.Time
}

// Account is a local actor: the only kind of actor we hold a private key for.
type Account struct {
	Id          int
	CreatedAt   time.Time
	Handle      string
	UserUrl     string
	Name        string
	Summary     string
	PubKey      string
	AutoAccepts bool
}

// FollowEdge is a follower → followee relation; either end may be local or
// remote. Pending edges await an Accept.
type FollowEdge struct {
	RequestId   string // id of the Follow activity; needed for the Accept reply
	FollowerUrl string
	FolloweeUrl string
	Pending     bool
	CreatedAt   time.Time
}

// StoredObject is an item-like object: locally authored, or the local mirror
// of a fetched remote object. Downstream code tells them apart only by
// IsLocal.
type StoredObject struct {
	Id           string // absolute IRI, primary key
	Type         string
	IsLocal      bool
	AttributedTo string
	Published    string // as received, RFC 3339
	InReplyTo    string
	Content      string
	Summary      string
	Name         string
	Url          string
	StoredAt     time.Time
	FormerType   string // set when tombstoned
	DeletedAt    *time.Time
}

// Audience field tags.
const (
	AudienceFieldAudience = "audience"
	AudienceFieldTo       = "to"
	AudienceFieldCc       = "cc"
	AudienceFieldBto      = "bto"
	AudienceFieldBcc      = "bcc"
)

// AudienceEntry relates an object to one recipient. Entries tagged bto/bcc
// are write-only toward third parties: they drive delivery but are never
// echoed in any external representation.
type AudienceEntry struct {
	ObjectId  string
	Recipient string
	Field     string
}

// Blind reports whether the entry must be withheld from representations.
func (e *AudienceEntry) Blind() bool {
	return e.Field == AudienceFieldBto || e.Field == AudienceFieldBcc
}

// Reaction kinds.
const (
	ReactionLike     = "like"
	ReactionAnnounce = "announce"
)

// Reaction is a derived record linking an actor to a target object: a Like or
// an Announce (boost).
type Reaction struct {
	ActivityId string
	ActorUrl   string
	ObjectId   string
	Kind       string
	CreatedAt  time.Time
}
