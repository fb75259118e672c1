package logic

import (
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-fed/httpsig"

	"warbler/dal"
	"warbler/dto"
	"warbler/shared"
)

//go:generate mockgen --build_flags=--mod=mod -destination mock_sig_checker_test.go -package logic warbler/logic IHttpSigChecker

// SigOutcome classifies a signature check. Only SigAccepted lets an
// activity proceed to dispatch.
type SigOutcome int

const (
	SigAccepted SigOutcome = iota
	SigRejectedUnsigned
	SigRejectedNoKeyId
	SigRejectedActorUnknown
	SigRejectedActorGone
	SigRejectedBadSignature
)

func (o SigOutcome) String() string {
	switch o {
	case SigAccepted:
		return "accepted"
	case SigRejectedUnsigned:
		return "unsigned"
	case SigRejectedNoKeyId:
		return "no_key_id"
	case SigRejectedActorUnknown:
		return "actor_unknown"
	case SigRejectedActorGone:
		return "actor_gone"
	case SigRejectedBadSignature:
		return "bad_signature"
	}
	return "unknown"
}

// SigResult is the outcome of checking one stored message, with the resolved
// signing actor when there is one.
type SigResult struct {
	Outcome SigOutcome
	KeyId   string
	Actor   *dal.RemoteActor
}

type IHttpSigChecker interface {
	Check(msg *dal.IncomingMessage, act *dto.ActivityInBase) *SigResult
}

type httpSigChecker struct {
	logger  shared.ILogger
	fetcher IRemoteFetcher
	reKeyId *regexp.Regexp
}

func NewHttpSigChecker(logger shared.ILogger, fetcher IRemoteFetcher) IHttpSigChecker {
	reKeyId := regexp.MustCompile("keyId=['\"]([^'\"]+)['\"]")
	return &httpSigChecker{logger, fetcher, reKeyId}
}

// Check verifies the HTTP signature of a stored inbox message. The actor is
// resolved through the remote object cache, so key material comes from the
// one canonical fetch of the actor document.
func (chk *httpSigChecker) Check(msg *dal.IncomingMessage, act *dto.ActivityInBase) *SigResult {

	if msg.SignatureHeader == "" {
		return &SigResult{Outcome: SigRejectedUnsigned}
	}
	groups := chk.reKeyId.FindStringSubmatch(msg.SignatureHeader)
	if groups == nil {
		return &SigResult{Outcome: SigRejectedNoKeyId}
	}
	keyId := groups[1]

	claimed := act.ClaimedActor()
	if claimed == "" || !strings.HasPrefix(keyId, claimed) {
		chk.logger.Infof("Claimed actor is not prefix of keyId; actor: %s, keyId: %s", claimed, keyId)
		return &SigResult{Outcome: SigRejectedBadSignature, KeyId: keyId}
	}

	actor := chk.fetcher.FetchActor(claimed)
	if actor == nil {
		return &SigResult{Outcome: SigRejectedActorUnknown, KeyId: keyId}
	}
	if actor.Status == dal.ActorStatusGone {
		// A gone actor gets to say exactly one thing: that it is gone. The
		// 410 from its home server is itself the proof; there is no key
		// left to verify against.
		if isSelfDelete(act, claimed) {
			return &SigResult{Outcome: SigAccepted, KeyId: keyId, Actor: actor}
		}
		return &SigResult{Outcome: SigRejectedActorGone, KeyId: keyId, Actor: actor}
	}
	if actor.Status != dal.ActorStatusLive || actor.PubKey == "" {
		return &SigResult{Outcome: SigRejectedActorUnknown, KeyId: keyId}
	}

	pubKey := parsePubKey(actor.PubKey)
	if pubKey == nil {
		chk.logger.Infof("Failed to parse public key of actor %s", claimed)
		return &SigResult{Outcome: SigRejectedBadSignature, KeyId: keyId, Actor: actor}
	}

	r := reconstructRequest(msg)
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		chk.logger.Infof("Failed to create signature verifier: %v", err)
		return &SigResult{Outcome: SigRejectedBadSignature, KeyId: keyId, Actor: actor}
	}
	if err = verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		chk.logger.Infof("Incorrect signature on message for %s: %v", msg.Path, err)
		return &SigResult{Outcome: SigRejectedBadSignature, KeyId: keyId, Actor: actor}
	}

	return &SigResult{Outcome: SigAccepted, KeyId: keyId, Actor: actor}
}

// isSelfDelete tells if the activity is the one thing a gone actor may still
// say: a Delete whose object is the actor itself.
func isSelfDelete(act *dto.ActivityInBase, actorUrl string) bool {
	if !strings.EqualFold(act.Type, "Delete") {
		return false
	}
	objId, _ := act.ObjectIdOf()
	return objId == actorUrl
}

func parsePubKey(pemStr string) interface{} {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil
	}
	if pubKey, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return pubKey
	}
	// Some servers still hand out PKCS1 keys
	if pubKey, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pubKey
	}
	return nil
}

// reconstructRequest rebuilds the signed request from the stored message so
// verification can run after the HTTP exchange is long over.
func reconstructRequest(msg *dal.IncomingMessage) *http.Request {
	r, _ := http.NewRequest("POST", "https://"+msg.HostHeader+msg.Path, strings.NewReader(string(msg.Body)))
	r.Host = msg.HostHeader
	r.Header.Set("Content-Type", msg.ContentType)
	if msg.DateHeader != "" {
		r.Header.Set("Date", msg.DateHeader)
	}
	if msg.HostHeader != "" {
		r.Header.Set("Host", msg.HostHeader)
	}
	if msg.DigestHeader != "" {
		r.Header.Set("Digest", msg.DigestHeader)
	}
	r.Header.Set("Signature", msg.SignatureHeader)
	return r
}
