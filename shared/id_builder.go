package shared

import (
	"fmt"
	"strings"
)

const ActivityPublic = "https://www.w3.org/ns/activitystreams#Public"

// PublicAliases are the pseudo-recipients that denote "anyone" and are never
// deliverable targets.
var PublicAliases = []string{ActivityPublic, "as:Public", "Public"}

func IsPublicAddress(iri string) bool {
	for _, alias := range PublicAliases {
		if iri == alias {
			return true
		}
	}
	return false
}

type IdBuilder struct {
	Host string
}

func (idb *IdBuilder) SiteUrl() string {
	return fmt.Sprintf("https://%s", idb.Host)
}

func (idb *IdBuilder) SharedInbox() string {
	return fmt.Sprintf("https://%s/inbox", idb.Host)
}

func (idb *IdBuilder) UserUrl(user string) string {
	return fmt.Sprintf("https://%s/u/%s", idb.Host, user)
}

func (idb *IdBuilder) UserKeyId(user string) string {
	return fmt.Sprintf("https://%s/u/%s#main-key", idb.Host, user)
}

func (idb *IdBuilder) UserInbox(user string) string {
	return fmt.Sprintf("https://%s/u/%s/inbox", idb.Host, user)
}

func (idb *IdBuilder) UserOutbox(user string) string {
	return fmt.Sprintf("https://%s/u/%s/outbox", idb.Host, user)
}

func (idb *IdBuilder) UserFollowers(user string) string {
	return fmt.Sprintf("https://%s/u/%s/followers", idb.Host, user)
}

func (idb *IdBuilder) UserFollowersPage(user string, page int) string {
	return fmt.Sprintf("https://%s/u/%s/followers?page=%d", idb.Host, user, page)
}

func (idb *IdBuilder) UserFollowing(user string) string {
	return fmt.Sprintf("https://%s/u/%s/following", idb.Host, user)
}

func (idb *IdBuilder) ObjectUrl(id uint64) string {
	return fmt.Sprintf("https://%s/o/%x", idb.Host, id)
}

func (idb *IdBuilder) ActivityUrl(id uint64) string {
	return fmt.Sprintf("https://%s/activity/%x", idb.Host, id)
}

// IsLocal tells if an absolute IRI belongs to this server.
func (idb *IdBuilder) IsLocal(iri string) bool {
	return strings.HasPrefix(iri, "https://"+idb.Host+"/") || iri == idb.SiteUrl()
}

// ParseUserUrl extracts the handle from a local actor IRI. Returns false for
// anything that is not of the form https://host/u/{user}.
func (idb *IdBuilder) ParseUserUrl(iri string) (string, bool) {
	prefix := fmt.Sprintf("https://%s/u/", idb.Host)
	if !strings.HasPrefix(iri, prefix) {
		return "", false
	}
	rest := strings.TrimSuffix(iri[len(prefix):], "/")
	if rest == "" || strings.ContainsRune(rest, '/') {
		return "", false
	}
	return rest, true
}

// ParseFollowersUrl extracts the handle from a local followers collection IRI.
func (idb *IdBuilder) ParseFollowersUrl(iri string) (string, bool) {
	prefix := fmt.Sprintf("https://%s/u/", idb.Host)
	if !strings.HasPrefix(iri, prefix) {
		return "", false
	}
	rest := strings.TrimSuffix(iri[len(prefix):], "/")
	if !strings.HasSuffix(rest, "/followers") {
		return "", false
	}
	user := strings.TrimSuffix(rest, "/followers")
	if user == "" || strings.ContainsRune(user, '/') {
		return "", false
	}
	return user, true
}
