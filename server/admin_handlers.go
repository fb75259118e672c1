package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"warbler/logic"
	"warbler/shared"
)

const apiKeyHeader = "X-API-KEY"
const badApiKeyStr = "401 Missing or Invalid API Key"

type adminHandlerGroup struct {
	cfg       *shared.Config
	logger    shared.ILogger
	publisher logic.IPublisher
}

func NewAdminHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	publisher logic.IPublisher,
) IHandlerGroup {
	res := adminHandlerGroup{
		cfg:       cfg,
		logger:    logger,
		publisher: publisher,
	}
	return &res
}

func (hg *adminHandlerGroup) Prefix() string {
	return "/api"
}

func (hg *adminHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"POST", "/accounts", func(w http.ResponseWriter, r *http.Request) { hg.postAccounts(w, r) }},
		{"POST", "/accounts/{user}/notes", func(w http.ResponseWriter, r *http.Request) { hg.postNotes(w, r) }},
	}
}

func (hg *adminHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hg.authMW(next)
	}
}

func (hg *adminHandlerGroup) authMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var apiKey = r.Header.Get(apiKeyHeader)
		found := false
		for _, key := range hg.cfg.ApiKeys {
			if apiKey == key {
				found = true
			}
		}
		if !found {
			keyPart := apiKey
			if len(apiKey) > 4 {
				keyPart = apiKey[:4] + "..."
			}
			hg.logger.Warnf("API request with missing or invalid key '%s': %s", keyPart, r.URL.Path)
			writeErrorResponse(w, badApiKeyStr, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createAccountReq struct {
	Handle  string `json:"handle"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

type createAccountResp struct {
	Handle  string `json:"handle"`
	UserUrl string `json:"user_url"`
	IsNew   bool   `json:"is_new"`
}

func (hg *adminHandlerGroup) postAccounts(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling account POST: %s", r.URL.Path)

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	var req createAccountReq
	if err := json.Unmarshal(bodyBytes, &req); err != nil || req.Handle == "" {
		writeErrorResponse(w, "Request body must be JSON with a non-empty 'handle'", http.StatusBadRequest)
		return
	}

	acct, isNew, err := hg.publisher.CreateAccount(req.Handle, req.Name, req.Summary)
	if err != nil {
		hg.logger.Errorf("Failed to create account '%s': %v", req.Handle, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, createAccountResp{acct.Handle, acct.UserUrl, isNew})
}

type postNoteReq struct {
	Content  string   `json:"content"`
	To       []string `json:"to"`
	Cc       []string `json:"cc"`
	Bto      []string `json:"bto"`
	Bcc      []string `json:"bcc"`
	Audience []string `json:"audience"`
}

type postNoteResp struct {
	Id string `json:"id"`
}

func (hg *adminHandlerGroup) postNotes(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling note POST: %s", r.URL.Path)
	userName := mux.Vars(r)["user"]

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	var req postNoteReq
	if err := json.Unmarshal(bodyBytes, &req); err != nil || req.Content == "" {
		writeErrorResponse(w, "Request body must be JSON with non-empty 'content'", http.StatusBadRequest)
		return
	}

	aud := &logic.Audience{
		To:       req.To,
		Cc:       req.Cc,
		Bto:      req.Bto,
		Bcc:      req.Bcc,
		Audience: req.Audience,
	}
	obj, err := hg.publisher.PublishNote(userName, req.Content, aud)
	if err != nil {
		hg.logger.Errorf("Failed to publish note by '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, postNoteResp{obj.Id})
}
