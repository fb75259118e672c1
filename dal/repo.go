package dal

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/spaolacci/murmur3"
	"warbler/shared"
)

const schemaVer = 1

//go:embed scripts/*
var scripts embed.FS

type IRepo interface {
	InitUpdateDb()
	GetNextId() uint64

	SaveIncomingMessage(msg *IncomingMessage) error
	MarkActivityHandled(id string, when time.Time) (alreadyHandled bool, err error)
	WasActivityHandled(id string) (bool, error)

	GetFetchRecord(iri string) (*FetchRecord, error)
	SaveFetchRecord(rec *FetchRecord) error

	UpsertRemoteActor(actor *RemoteActor) error
	GetRemoteActor(url string) (*RemoteActor, error)

	AddAccountIfNotExist(acct *Account, privKey string) (isNew bool, err error)
	DoesAccountExist(handle string) (bool, error)
	GetAccount(handle string) (*Account, error)
	GetAccountByUrl(userUrl string) (*Account, error)
	GetPrivKey(handle string) (string, error)

	AddFollowIfNotExist(edge *FollowEdge) (isNew bool, err error)
	GetFollow(followerUrl, followeeUrl string) (*FollowEdge, error)
	GetFollowByRequestId(requestId string) (*FollowEdge, error)
	SetFollowAccepted(followerUrl, followeeUrl string) error
	RemoveFollow(followerUrl, followeeUrl string) error
	GetFollowerUrls(followeeUrl string) ([]string, error)
	GetFollowerPage(followeeUrl string, offset, limit int) ([]string, int, error)
	CountLocalFollowersOf(actorUrl string) (int, error)

	SaveObject(obj *StoredObject) error
	GetObject(id string) (*StoredObject, error)
	UpdateObject(obj *StoredObject) error
	TombstoneObject(id string, when time.Time) error
	PurgeObject(id string) error

	SetAudience(objectId string, entries []*AudienceEntry) error
	GetAudience(objectId string) ([]*AudienceEntry, error)

	AddReactionIfNew(r *Reaction) (isNew bool, err error)
	RemoveReaction(actorUrl, objectId, kind string) error
}

type Repo struct {
	cfg    *shared.Config
	logger shared.ILogger
	db     *sql.DB
	muDb   sync.RWMutex
	muId   sync.Mutex
	nextId uint64
}

func NewRepo(cfg *shared.Config, logger shared.ILogger) IRepo {

	var err error
	var db *sql.DB

	// _synchronous=1 is "normal"
	cstr := "file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=1&_busy_timeout=5000"
	db, err = sql.Open("sqlite3", fmt.Sprintf(cstr, cfg.DbFile))
	if err != nil {
		logger.Errorf("Failed to open/create DB file: %s: %v", cfg.DbFile, err)
		panic(err)
	}

	repo := Repo{
		cfg:    cfg,
		logger: logger,
		db:     db,
		nextId: uint64(time.Now().UnixNano()),
	}

	return &repo
}

func iriHash(iri string) int64 {
	return int64(murmur3.Sum64([]byte(iri)))
}

func (repo *Repo) GetNextId() uint64 {
	repo.muId.Lock()
	res := repo.nextId + 1
	repo.nextId = res
	repo.muId.Unlock()
	return res
}

func (repo *Repo) InitUpdateDb() {

	dbVer := 0
	sysParamsExists := false
	var err error
	var rows *sql.Rows

	rows, err = repo.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name='sys_params'")
	if err != nil {
		repo.logger.Errorf("Failed to check if 'sys_params' table exists: %v", err)
		panic(err)
	}
	for rows.Next() {
		sysParamsExists = true
	}
	_ = rows.Close()
	if !sysParamsExists {
		repo.logger.Printf("Database appears to be empty; current schema version is %d", schemaVer)
	} else {
		row := repo.db.QueryRow("SELECT val FROM sys_params WHERE name='schema_ver'")
		if err = row.Scan(&dbVer); err != nil {
			repo.logger.Errorf("Failed to query schema version: %v", err)
			panic(err)
		}
		repo.logger.Printf("Database is at version %d; current schema version is %d", dbVer, schemaVer)
	}
	for i := dbVer; i < schemaVer; i += 1 {
		nextVer := i + 1
		fn := fmt.Sprintf("scripts/create-%02d.sql", nextVer)
		repo.logger.Printf("Running %s", fn)
		var sqlBytes []byte
		if sqlBytes, err = scripts.ReadFile(fn); err != nil {
			repo.logger.Errorf("Failed to read init script %s: %v", fn, err)
			panic(err)
		}
		sqlStr := string(sqlBytes)
		if _, err = repo.db.Exec(sqlStr); err != nil {
			repo.logger.Errorf("Failed to execute init script %s: %v", fn, err)
			panic(err)
		}
		_, err = repo.db.Exec("UPDATE sys_params SET val=? WHERE name='schema_ver'", nextVer)
		if err != nil {
			repo.logger.Errorf("Failed to update schema_ver to %d: %v", i, err)
			panic(err)
		}
	}
}

func isDupKeyError(err error) bool {
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		if sqliteErr.Code == 19 && (sqliteErr.ExtendedCode == 2067 || sqliteErr.ExtendedCode == 1555) {
			return true
		}
	}
	return false
}

func (repo *Repo) SaveIncomingMessage(msg *IncomingMessage) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	res, err := repo.db.Exec(`INSERT INTO incoming_messages
		(received_at, path, content_type, date_header, host_header, sig_header, digest_header, body, claims_local)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ReceivedAt, msg.Path, msg.ContentType, msg.DateHeader, msg.HostHeader,
		msg.SignatureHeader, msg.DigestHeader, msg.Body, msg.ClaimsLocal)
	if err != nil {
		return err
	}
	msg.Id, _ = res.LastInsertId()
	return nil
}

func (repo *Repo) MarkActivityHandled(id string, when time.Time) (alreadyHandled bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err = repo.db.Exec(`INSERT INTO handled_activities (iri_hash, iri, handled_at) VALUES(?, ?, ?)`,
		iriHash(id), id, when)
	if err == nil {
		return false, nil
	}
	if isDupKeyError(err) {
		return true, nil
	}
	return false, err
}

func (repo *Repo) WasActivityHandled(id string) (bool, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM handled_activities WHERE iri_hash=? AND iri=?`,
		iriHash(id), id)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (repo *Repo) GetFetchRecord(iri string) (*FetchRecord, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT iri, kind, result_iri, fetched_at FROM fetch_records WHERE iri_hash=? AND iri=?`,
		iriHash(iri), iri)
	var res FetchRecord
	err := row.Scan(&res.Iri, &res.Kind, &res.ResultIri, &res.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) SaveFetchRecord(rec *FetchRecord) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO fetch_records (iri_hash, iri, kind, result_iri, fetched_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(iri) DO UPDATE SET kind=excluded.kind, result_iri=excluded.result_iri, fetched_at=excluded.fetched_at`,
		iriHash(rec.Iri), rec.Iri, rec.Kind, rec.ResultIri, rec.FetchedAt)
	return err
}

func (repo *Repo) UpsertRemoteActor(actor *RemoteActor) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO remote_actors
		(url, handle, host, name, inbox, shared_inbox, pubkey, status, fetched_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			handle=excluded.handle, host=excluded.host, name=excluded.name,
			inbox=excluded.inbox, shared_inbox=excluded.shared_inbox,
			pubkey=excluded.pubkey, status=excluded.status, fetched_at=excluded.fetched_at`,
		actor.Url, actor.Handle, actor.Host, actor.Name, actor.Inbox, actor.SharedInbox,
		actor.PubKey, actor.Status, actor.FetchedAt)
	return err
}

func (repo *Repo) GetRemoteActor(url string) (*RemoteActor, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT url, handle, host, name, inbox, shared_inbox, pubkey, status, fetched_at
		FROM remote_actors WHERE url=?`, url)
	var res RemoteActor
	err := row.Scan(&res.Url, &res.Handle, &res.Host, &res.Name, &res.Inbox, &res.SharedInbox,
		&res.PubKey, &res.Status, &res.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) AddAccountIfNotExist(acct *Account, privKey string) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO accounts
		(created_at, handle, user_url, name, summary, pubkey, privkey, auto_accepts)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.CreatedAt, acct.Handle, acct.UserUrl, acct.Name, acct.Summary,
		acct.PubKey, privKey, acct.AutoAccepts)
	if err == nil {
		return
	}
	if isDupKeyError(err) {
		isNew = false
		err = nil
		return
	}
	return
}

func (repo *Repo) DoesAccountExist(handle string) (bool, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE handle=?`, handle)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (repo *Repo) GetAccount(handle string) (*Account, error) {
	repo.muDb.RLock()
	defer repo.muDb.RUnlock()
	return repo.scanAccount(repo.db.QueryRow(`SELECT id, created_at, handle, user_url, name, summary, pubkey, auto_accepts
		FROM accounts WHERE handle=?`, handle))
}

func (repo *Repo) GetAccountByUrl(userUrl string) (*Account, error) {
	repo.muDb.RLock()
	defer repo.muDb.RUnlock()
	return repo.scanAccount(repo.db.QueryRow(`SELECT id, created_at, handle, user_url, name, summary, pubkey, auto_accepts
		FROM accounts WHERE user_url=?`, userUrl))
}

func (repo *Repo) scanAccount(row *sql.Row) (*Account, error) {
	var res Account
	err := row.Scan(&res.Id, &res.CreatedAt, &res.Handle, &res.UserUrl, &res.Name,
		&res.Summary, &res.PubKey, &res.AutoAccepts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) GetPrivKey(handle string) (string, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT privkey FROM accounts WHERE handle=?`, handle)
	var res string
	err := row.Scan(&res)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no account with handle '%s'", handle)
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

func (repo *Repo) AddFollowIfNotExist(edge *FollowEdge) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO follows (request_id, follower_url, followee_url, pending, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		edge.RequestId, edge.FollowerUrl, edge.FolloweeUrl, edge.Pending, edge.CreatedAt)
	if err == nil {
		return
	}
	if isDupKeyError(err) {
		isNew = false
		err = nil
		return
	}
	return
}

func (repo *Repo) GetFollow(followerUrl, followeeUrl string) (*FollowEdge, error) {
	repo.muDb.RLock()
	defer repo.muDb.RUnlock()
	return repo.scanFollow(repo.db.QueryRow(`SELECT request_id, follower_url, followee_url, pending, created_at
		FROM follows WHERE follower_url=? AND followee_url=?`, followerUrl, followeeUrl))
}

func (repo *Repo) GetFollowByRequestId(requestId string) (*FollowEdge, error) {
	repo.muDb.RLock()
	defer repo.muDb.RUnlock()
	return repo.scanFollow(repo.db.QueryRow(`SELECT request_id, follower_url, followee_url, pending, created_at
		FROM follows WHERE request_id=?`, requestId))
}

func (repo *Repo) scanFollow(row *sql.Row) (*FollowEdge, error) {
	var res FollowEdge
	err := row.Scan(&res.RequestId, &res.FollowerUrl, &res.FolloweeUrl, &res.Pending, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) SetFollowAccepted(followerUrl, followeeUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE follows SET pending=0 WHERE follower_url=? AND followee_url=?`,
		followerUrl, followeeUrl)
	return err
}

func (repo *Repo) RemoveFollow(followerUrl, followeeUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM follows WHERE follower_url=? AND followee_url=?`,
		followerUrl, followeeUrl)
	return err
}

func (repo *Repo) GetFollowerUrls(followeeUrl string) ([]string, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT follower_url FROM follows WHERE followee_url=? AND pending=0
		ORDER BY created_at, follower_url`, followeeUrl)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var u string
		if err = rows.Scan(&u); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (repo *Repo) GetFollowerPage(followeeUrl string, offset, limit int) ([]string, int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM follows WHERE followee_url=? AND pending=0`, followeeUrl)
	var total int
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := repo.db.Query(`SELECT follower_url FROM follows WHERE followee_url=? AND pending=0
		ORDER BY created_at, follower_url LIMIT ? OFFSET ?`, followeeUrl, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var u string
		if err = rows.Scan(&u); err != nil {
			return nil, 0, err
		}
		res = append(res, u)
	}
	return res, total, rows.Err()
}

func (repo *Repo) CountLocalFollowersOf(actorUrl string) (int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM follows f
		INNER JOIN accounts a ON a.user_url = f.follower_url
		WHERE f.followee_url=? AND f.pending=0`, actorUrl)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (repo *Repo) SaveObject(obj *StoredObject) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	// An id collision here is a data-integrity problem; it propagates.
	_, err := repo.db.Exec(`INSERT INTO objects
		(id, type, is_local, attributed_to, published, in_reply_to, content, summary, name, url, stored_at, former_type, deleted_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.Id, obj.Type, obj.IsLocal, obj.AttributedTo, obj.Published, obj.InReplyTo,
		obj.Content, obj.Summary, obj.Name, obj.Url, obj.StoredAt, obj.FormerType, obj.DeletedAt)
	return err
}

func (repo *Repo) GetObject(id string) (*StoredObject, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT id, type, is_local, attributed_to, published, in_reply_to, content, summary, name, url, stored_at, former_type, deleted_at
		FROM objects WHERE id=?`, id)
	var res StoredObject
	err := row.Scan(&res.Id, &res.Type, &res.IsLocal, &res.AttributedTo, &res.Published,
		&res.InReplyTo, &res.Content, &res.Summary, &res.Name, &res.Url, &res.StoredAt,
		&res.FormerType, &res.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) UpdateObject(obj *StoredObject) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE objects SET
		attributed_to=?, published=?, in_reply_to=?, content=?, summary=?, name=?, url=?
		WHERE id=?`,
		obj.AttributedTo, obj.Published, obj.InReplyTo, obj.Content, obj.Summary,
		obj.Name, obj.Url, obj.Id)
	return err
}

func (repo *Repo) TombstoneObject(id string, when time.Time) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE objects SET
		former_type=type, type='Tombstone', deleted_at=?, content='', summary='', name=''
		WHERE id=?`, when, id)
	return err
}

func (repo *Repo) PurgeObject(id string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	if _, err := repo.db.Exec(`DELETE FROM audiences WHERE object_id=?`, id); err != nil {
		return err
	}
	_, err := repo.db.Exec(`DELETE FROM objects WHERE id=?`, id)
	return err
}

func (repo *Repo) SetAudience(objectId string, entries []*AudienceEntry) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	if _, err := repo.db.Exec(`DELETE FROM audiences WHERE object_id=?`, objectId); err != nil {
		return err
	}
	for _, e := range entries {
		_, err := repo.db.Exec(`INSERT INTO audiences (object_id, recipient, field) VALUES(?, ?, ?)`,
			objectId, e.Recipient, e.Field)
		if err != nil {
			return err
		}
	}
	return nil
}

func (repo *Repo) GetAudience(objectId string) ([]*AudienceEntry, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT object_id, recipient, field FROM audiences WHERE object_id=?`, objectId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*AudienceEntry
	for rows.Next() {
		var e AudienceEntry
		if err = rows.Scan(&e.ObjectId, &e.Recipient, &e.Field); err != nil {
			return nil, err
		}
		res = append(res, &e)
	}
	return res, rows.Err()
}

func (repo *Repo) AddReactionIfNew(r *Reaction) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO reactions (activity_id, actor_url, object_id, kind, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		r.ActivityId, r.ActorUrl, r.ObjectId, r.Kind, r.CreatedAt)
	if err == nil {
		return
	}
	if isDupKeyError(err) {
		isNew = false
		err = nil
		return
	}
	return
}

func (repo *Repo) RemoveReaction(actorUrl, objectId, kind string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM reactions WHERE actor_url=? AND object_id=? AND kind=?`,
		actorUrl, objectId, kind)
	return err
}
