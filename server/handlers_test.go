package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"warbler/dal"
	"warbler/dto"
	"warbler/logic"
	"warbler/shared"
)

const testHost = "warbler.example"

type testLogger struct{}

func (l *testLogger) Debug(msg interface{}, keyvals ...interface{}) {}
func (l *testLogger) Debugf(format string, args ...interface{})    {}
func (l *testLogger) Info(msg interface{}, keyvals ...interface{}) {}
func (l *testLogger) Infof(format string, args ...interface{})     {}
func (l *testLogger) Warn(msg interface{}, keyvals ...interface{}) {}
func (l *testLogger) Warnf(format string, args ...interface{})     {}
func (l *testLogger) Error(msg interface{}, keyvals ...interface{}) {
}
func (l *testLogger) Errorf(format string, args ...interface{}) {}
func (l *testLogger) Printf(format string, args ...interface{}) {}

type testObserver struct{}

func (o *testObserver) Finish() {}

type testMetrics struct{}

func (m *testMetrics) StartApubRequestIn(label string) logic.IRequestObserver  { return &testObserver{} }
func (m *testMetrics) StartApubRequestOut(label string) logic.IRequestObserver { return &testObserver{} }
func (m *testMetrics) ServiceStarted()                                         {}
func (m *testMetrics) ActivityDispatched(activityType string, applied bool)    {}
func (m *testMetrics) MessageDropped(reason string)                            {}
func (m *testMetrics) RemoteFetch(outcome string)                              {}
func (m *testMetrics) DeliverySent()                                           {}
func (m *testMetrics) DeliveryFailed()                                         {}
func (m *testMetrics) InboundQueueLength(length int)                           {}

// stubRepo serves the handful of reads the handlers perform. Anything not
// overridden panics through the embedded nil interface, which is what we want:
// handlers must not touch more of the repo than these tests declare.
type stubRepo struct {
	dal.IRepo
	accounts  map[string]*dal.Account
	followers []string
	objects   map[string]*dal.StoredObject
	audiences map[string][]*dal.AudienceEntry
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		accounts:  make(map[string]*dal.Account),
		objects:   make(map[string]*dal.StoredObject),
		audiences: make(map[string][]*dal.AudienceEntry),
	}
}

func (r *stubRepo) GetAccount(handle string) (*dal.Account, error) {
	return r.accounts[handle], nil
}

func (r *stubRepo) GetFollowerPage(followeeUrl string, offset, limit int) ([]string, int, error) {
	total := len(r.followers)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit == 0 || end > total {
		end = total
	}
	return r.followers[offset:end], total, nil
}

func (r *stubRepo) GetObject(id string) (*dal.StoredObject, error) {
	return r.objects[id], nil
}

func (r *stubRepo) GetAudience(objectId string) ([]*dal.AudienceEntry, error) {
	return r.audiences[objectId], nil
}

type stubPipeline struct {
	received []*dal.IncomingMessage
}

func (p *stubPipeline) Receive(msg *dal.IncomingMessage) error {
	p.received = append(p.received, msg)
	return nil
}

func (p *stubPipeline) Start()                  {}
func (p *stubPipeline) Stop(ctx context.Context) {}

func setupApubTest() (*httptest.Server, *stubRepo, *stubPipeline) {
	cfg := &shared.Config{Host: testHost}
	repo := newStubRepo()
	pipeline := &stubPipeline{}
	hg := NewApubHandlerGroup(cfg, &testLogger{}, &testMetrics{}, repo, pipeline)
	ts := httptest.NewServer(NewMux([]IHandlerGroup{hg}))
	return ts, repo, pipeline
}

func addTestAccount(repo *stubRepo, handle string) *dal.Account {
	idb := shared.IdBuilder{Host: testHost}
	acct := &dal.Account{
		Handle:      handle,
		UserUrl:     idb.UserUrl(handle),
		Name:        "Test User",
		PubKey:      "PUB-PEM",
		CreatedAt:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		AutoAccepts: true,
	}
	repo.accounts[handle] = acct
	return acct
}

func getJson(t *testing.T, url string, wantStatus int, target interface{}) {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	assert.Equal(t, wantStatus, resp.StatusCode)
	if target == nil {
		return
	}
	body, _ := io.ReadAll(resp.Body)
	assert.Nil(t, json.Unmarshal(body, target))
}

func Test_Webfinger(t *testing.T) {

	ts, repo, _ := setupApubTest()
	defer ts.Close()
	acct := addTestAccount(repo, "alice")

	var wf dto.WebfingerResp
	getJson(t, ts.URL+"/.well-known/webfinger?resource=acct:alice@"+testHost, 200, &wf)
	assert.Equal(t, "acct:alice@"+testHost, wf.Subject)
	assert.Equal(t, 1, len(wf.Links))
	assert.Equal(t, acct.UserUrl, wf.Links[0].Href)

	// Foreign host, unknown user, malformed resource
	getJson(t, ts.URL+"/.well-known/webfinger?resource=acct:alice@elsewhere.example", 404, nil)
	getJson(t, ts.URL+"/.well-known/webfinger?resource=acct:nobody@"+testHost, 404, nil)
	getJson(t, ts.URL+"/.well-known/webfinger?resource=gibberish", 400, nil)
}

func Test_GetUser(t *testing.T) {

	ts, repo, _ := setupApubTest()
	defer ts.Close()
	acct := addTestAccount(repo, "alice")
	idb := shared.IdBuilder{Host: testHost}

	var ui dto.UserInfo
	getJson(t, ts.URL+"/u/alice", 200, &ui)
	assert.Equal(t, acct.UserUrl, ui.Id)
	assert.Equal(t, "Person", ui.Type)
	assert.Equal(t, "alice", ui.PreferredUserName)
	assert.False(t, ui.ManuallyApproves)
	assert.Equal(t, idb.UserInbox("alice"), ui.Inbox)
	assert.Equal(t, idb.SharedInbox(), ui.Endpoints.SharedInbox)
	assert.Equal(t, "PUB-PEM", ui.PublicKey.PublicKeyPem)
	assert.Equal(t, acct.UserUrl, ui.PublicKey.Owner)

	getJson(t, ts.URL+"/u/nobody", 404, nil)
}

func Test_GetFollowers(t *testing.T) {

	ts, repo, _ := setupApubTest()
	defer ts.Close()
	addTestAccount(repo, "alice")
	idb := shared.IdBuilder{Host: testHost}

	// More followers than one page holds
	for i := 0; i < followersPageSize+2; i++ {
		repo.followers = append(repo.followers, fmt.Sprintf("https://far.example/u/f%03d", i))
	}

	var summary dto.OrderedCollectionSummary
	getJson(t, ts.URL+"/u/alice/followers", 200, &summary)
	assert.Equal(t, "OrderedCollection", summary.Type)
	assert.Equal(t, uint(followersPageSize+2), summary.TotalItems)
	assert.NotNil(t, summary.First)
	assert.Equal(t, idb.UserFollowersPage("alice", 1), *summary.First)

	var page dto.OrderedCollectionPage
	getJson(t, ts.URL+"/u/alice/followers?page=1", 200, &page)
	assert.Equal(t, followersPageSize, len(page.OrderedItems))
	assert.NotNil(t, page.Next)
	assert.Nil(t, page.Prev)

	page = dto.OrderedCollectionPage{}
	getJson(t, ts.URL+"/u/alice/followers?page=2", 200, &page)
	assert.Equal(t, 2, len(page.OrderedItems))
	assert.Nil(t, page.Next)
	assert.NotNil(t, page.Prev)

	getJson(t, ts.URL+"/u/alice/followers?page=0", 400, nil)
	getJson(t, ts.URL+"/u/nobody/followers", 404, nil)
}

func Test_GetObject(t *testing.T) {

	ts, repo, _ := setupApubTest()
	defer ts.Close()
	idb := shared.IdBuilder{Host: testHost}

	objId := idb.SiteUrl() + "/o/1a2b3c"
	repo.objects[objId] = &dal.StoredObject{
		Id:           objId,
		Type:         "Note",
		IsLocal:      true,
		AttributedTo: idb.UserUrl("alice"),
		Published:    "2025-06-01T10:00:00Z",
		Content:      "<p>hello</p>",
	}
	repo.audiences[objId] = []*dal.AudienceEntry{
		{ObjectId: objId, Recipient: shared.ActivityPublic, Field: dal.AudienceFieldTo},
		{ObjectId: objId, Recipient: "https://far.example/u/open", Field: dal.AudienceFieldCc},
		{ObjectId: objId, Recipient: "https://far.example/u/secret", Field: dal.AudienceFieldBcc},
	}

	var out dto.ObjectOut
	getJson(t, ts.URL+"/o/1a2b3c", 200, &out)
	assert.Equal(t, "Note", out.Type)
	assert.Equal(t, "<p>hello</p>", out.Content)
	assert.Equal(t, []string{shared.ActivityPublic}, *out.To)
	assert.Equal(t, []string{"https://far.example/u/open"}, *out.Cc)

	getJson(t, ts.URL+"/o/no-such", 404, nil)
}

func Test_GetObject_Tombstone(t *testing.T) {

	ts, repo, _ := setupApubTest()
	defer ts.Close()
	idb := shared.IdBuilder{Host: testHost}

	when := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	objId := idb.SiteUrl() + "/o/dead"
	repo.objects[objId] = &dal.StoredObject{
		Id:         objId,
		Type:       "Tombstone",
		FormerType: "Note",
		DeletedAt:  &when,
	}

	resp, err := http.Get(ts.URL + "/o/dead")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	var out dto.ObjectOut
	body, _ := io.ReadAll(resp.Body)
	assert.Nil(t, json.Unmarshal(body, &out))
	assert.Equal(t, "Tombstone", out.Type)
	assert.Equal(t, "Note", out.FormerType)
	assert.Equal(t, "2025-06-02T12:00:00Z", out.Deleted)
	assert.Equal(t, "", out.Content)
}

func Test_PostInbox(t *testing.T) {

	ts, _, pipeline := setupApubTest()
	defer ts.Close()

	// Garbage still gets a 200; validation is the pipeline's business
	body := []byte(`{"whatever": true}`)
	req, _ := http.NewRequest("POST", ts.URL+"/u/alice/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", "Mon, 02 Jun 2025 10:00:00 GMT")
	req.Header.Set("Signature", `keyId="https://far.example/u/gully#main-key"`)
	req.Header.Set("Digest", "SHA-256=xyz")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 1, len(pipeline.received))
	msg := pipeline.received[0]
	assert.Equal(t, "/u/alice/inbox", msg.Path)
	assert.Equal(t, body, msg.Body)
	assert.Equal(t, `keyId="https://far.example/u/gully#main-key"`, msg.SignatureHeader)
	assert.Equal(t, "SHA-256=xyz", msg.DigestHeader)
	assert.False(t, msg.ClaimsLocal)

	// The shared inbox takes the same POSTs
	resp, err = http.Post(ts.URL+"/inbox", "application/activity+json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, len(pipeline.received))

	// An empty body is the one thing rejected up front
	resp, err = http.Post(ts.URL+"/inbox", "application/activity+json", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 2, len(pipeline.received))
}

type stubPublisher struct {
	accounts map[string]*dal.Account
	notes    []string
	lastAud  *logic.Audience
}

func (p *stubPublisher) CreateAccount(handle, name, summary string) (*dal.Account, bool, error) {
	idb := shared.IdBuilder{Host: testHost}
	if acct, exists := p.accounts[handle]; exists {
		return acct, false, nil
	}
	acct := &dal.Account{Handle: handle, UserUrl: idb.UserUrl(handle)}
	p.accounts[handle] = acct
	return acct, true, nil
}

func (p *stubPublisher) PublishNote(byUser, content string, aud *logic.Audience) (*dal.StoredObject, error) {
	if _, exists := p.accounts[byUser]; !exists {
		return nil, fmt.Errorf("no such local user: %s", byUser)
	}
	p.notes = append(p.notes, content)
	p.lastAud = aud
	idb := shared.IdBuilder{Host: testHost}
	return &dal.StoredObject{Id: idb.SiteUrl() + "/o/abc123", Type: "Note", Content: content}, nil
}

func setupAdminTest() (*httptest.Server, *stubPublisher) {
	cfg := &shared.Config{Host: testHost, ApiKeys: []string{"test-key"}}
	pub := &stubPublisher{accounts: make(map[string]*dal.Account)}
	hg := NewAdminHandlerGroup(cfg, &testLogger{}, pub)
	ts := httptest.NewServer(NewMux([]IHandlerGroup{hg}))
	return ts, pub
}

func postAdmin(t *testing.T, url, apiKey, body string) *http.Response {
	req, _ := http.NewRequest("POST", url, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func Test_Admin_ApiKeyRequired(t *testing.T) {

	ts, _ := setupAdminTest()
	defer ts.Close()

	resp := postAdmin(t, ts.URL+"/api/accounts", "", `{"handle": "alice"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postAdmin(t, ts.URL+"/api/accounts", "wrong-key", `{"handle": "alice"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func Test_Admin_CreateAccount(t *testing.T) {

	ts, _ := setupAdminTest()
	defer ts.Close()

	resp := postAdmin(t, ts.URL+"/api/accounts", "test-key", `{"handle": "alice", "name": "Alice"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var res createAccountResp
	body, _ := io.ReadAll(resp.Body)
	assert.Nil(t, json.Unmarshal(body, &res))
	assert.Equal(t, "alice", res.Handle)
	assert.True(t, res.IsNew)

	// Same handle again: not new
	resp2 := postAdmin(t, ts.URL+"/api/accounts", "test-key", `{"handle": "alice"}`)
	defer resp2.Body.Close()
	body, _ = io.ReadAll(resp2.Body)
	assert.Nil(t, json.Unmarshal(body, &res))
	assert.False(t, res.IsNew)

	// Missing handle
	resp3 := postAdmin(t, ts.URL+"/api/accounts", "test-key", `{"name": "No Handle"}`)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func Test_Admin_PublishNote(t *testing.T) {

	ts, pub := setupAdminTest()
	defer ts.Close()
	pub.accounts["alice"] = &dal.Account{Handle: "alice"}

	reqBody := `{
		"content": "<p>hello fediverse</p>",
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"bcc": ["https://far.example/u/secret"]
	}`
	resp := postAdmin(t, ts.URL+"/api/accounts/alice/notes", "test-key", reqBody)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var res postNoteResp
	body, _ := io.ReadAll(resp.Body)
	assert.Nil(t, json.Unmarshal(body, &res))
	assert.NotEqual(t, "", res.Id)

	assert.Equal(t, []string{"<p>hello fediverse</p>"}, pub.notes)
	assert.Equal(t, []string{"https://far.example/u/secret"}, pub.lastAud.Bcc)

	// Unknown user surfaces as a server error
	resp2 := postAdmin(t, ts.URL+"/api/accounts/nobody/notes", "test-key", `{"content": "x"}`)
	resp2.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp2.StatusCode)

	// Empty content rejected
	resp3 := postAdmin(t, ts.URL+"/api/accounts/alice/notes", "test-key", `{"content": ""}`)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}
