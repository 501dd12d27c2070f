package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"socialmesh/pkg/config"
	"socialmesh/pkg/fedclient"
	"socialmesh/pkg/logger"
	"socialmesh/pkg/models"
	"socialmesh/pkg/replication"
	"socialmesh/pkg/store"
)

// handlePattern: lowercase alphanumerics with inner dots/hyphens, 3-63
// characters, no leading or trailing separator.
var handlePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// PDSServer serves the personal-data-server role: accounts, profiles,
// records, the follow graph, and the inter-server replication surface.
type PDSServer struct {
	store    *store.Store
	repl     *replication.Engine
	pdsID    string
	endpoint string
}

func NewPDSServer(st *store.Store, repl *replication.Engine, pdsID, endpoint string) *PDSServer {
	return &PDSServer{store: st, repl: repl, pdsID: pdsID, endpoint: endpoint}
}

func (p *PDSServer) Router(rl config.RateLimitConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLog)
	r.Use(RateLimit(rl))

	x := r.PathPrefix("/xrpc").Subrouter()
	x.HandleFunc("/com.atproto.server.describeServer", p.describeServer).Methods(http.MethodGet)
	x.HandleFunc("/com.atproto.server.createAccount", p.createAccount).Methods(http.MethodPost)
	x.HandleFunc("/com.atproto.server.migrateAccount", p.migrateAccount).Methods(http.MethodPost)
	x.HandleFunc("/com.atproto.repo.getProfile", p.getProfile).Methods(http.MethodGet)
	x.HandleFunc("/com.atproto.repo.updateProfile", p.updateProfile).Methods(http.MethodPost)
	x.HandleFunc("/com.atproto.repo.createRecord", p.createRecord).Methods(http.MethodPost)
	x.HandleFunc("/com.atproto.repo.getRecord", p.getRecord).Methods(http.MethodGet)
	x.HandleFunc("/com.atproto.repo.listRecords", p.listRecords).Methods(http.MethodGet)
	x.HandleFunc("/com.atproto.graph.getFollows", p.getFollows).Methods(http.MethodGet)
	x.HandleFunc("/com.atproto.graph.deleteFollow", p.deleteFollow).Methods(http.MethodPost)
	x.HandleFunc("/com.atproto.actor.searchActors", p.searchActors).Methods(http.MethodGet)
	x.HandleFunc("/com.atproto.sync.getRepo", p.getRepo).Methods(http.MethodGet)
	x.HandleFunc("/com.atproto.replication.receive", p.replicationReceive).Methods(http.MethodPost)
	x.HandleFunc("/com.atproto.replication.listRecords", p.replicationListRecords).Methods(http.MethodGet)

	registerHealth(r, p.store)
	return r
}

func (p *PDSServer) describeServer(w http.ResponseWriter, r *http.Request) {
	JSONWrite(w, http.StatusOK, map[string]any{
		"pdsId":    p.pdsID,
		"endpoint": p.endpoint,
		"collections": []string{
			models.CollectionPost,
			models.CollectionFollow,
		},
		"capabilities": []string{"replication", "migration", "export"},
	})
}

func (p *PDSServer) createAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Handle   string `json:"handle"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !handlePattern.MatchString(in.Handle) {
		JSONError(w, http.StatusBadRequest, "invalid handle")
		return
	}
	if in.Password == "" {
		JSONError(w, http.StatusBadRequest, "password required")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now().Unix()
	acct := &models.Account{
		AccountID:    "acct:" + uuid.NewString(),
		Handle:       in.Handle,
		Email:        in.Email,
		PasswordHash: string(hash),
		CreatedAt:    now,
	}
	if err := p.store.CreateAccount(acct); err != nil {
		if err == store.ErrHandleTaken {
			JSONError(w, http.StatusConflict, "handle already taken")
			return
		}
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	prof := &models.Profile{AccountID: acct.AccountID, Handle: acct.Handle, CreatedAt: now}
	if err := p.store.SaveProfile(prof); err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.repl != nil {
		p.repl.ReplicateUser(acct, prof)
	}
	JSONWrite(w, http.StatusCreated, map[string]string{
		"accountId": acct.AccountID,
		"handle":    acct.Handle,
	})
}

func (p *PDSServer) getProfile(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		JSONError(w, http.StatusBadRequest, "repo parameter required")
		return
	}
	prof, ok, err := p.store.GetProfile(repo)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		// Handles resolve too, for convenience.
		if acct, found, _ := p.store.GetAccountByHandle(repo); found {
			prof, ok, err = p.store.GetProfile(acct.AccountID)
			if err != nil || !ok {
				JSONError(w, http.StatusNotFound, "profile not found")
				return
			}
		} else {
			JSONError(w, http.StatusNotFound, "profile not found")
			return
		}
	}
	out := map[string]any{
		"accountId":   prof.AccountID,
		"handle":      prof.Handle,
		"displayName": prof.DisplayName,
		"bio":         prof.Bio,
		"avatar":      prof.Avatar,
		"banner":      prof.Banner,
		"verified":    prof.Verified,
		"createdAt":   prof.CreatedAt,
		"updatedAt":   prof.UpdatedAt,
	}
	if acct, found, _ := p.store.GetAccount(prof.AccountID); found && acct.MigratedTo != "" {
		out["migratedTo"] = acct.MigratedTo
	}
	JSONWrite(w, http.StatusOK, out)
}

func (p *PDSServer) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Repo string `json:"repo"`
		models.ProfileUpdate
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	prof, ok, err := p.store.GetProfile(in.Repo)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		JSONError(w, http.StatusNotFound, "profile not found")
		return
	}
	if in.DisplayName != nil {
		prof.DisplayName = *in.DisplayName
	}
	if in.Bio != nil {
		prof.Bio = *in.Bio
	}
	if in.Avatar != nil {
		prof.Avatar = *in.Avatar
	}
	if in.Banner != nil {
		prof.Banner = *in.Banner
	}
	prof.UpdatedAt = time.Now().Unix()
	if err := p.store.SaveProfile(prof); err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.repl != nil {
		if acct, found, _ := p.store.GetAccount(prof.AccountID); found {
			p.repl.ReplicateUser(acct, prof)
		}
	}
	logger.Info("profile_updated", "account", prof.AccountID)
	JSONWrite(w, http.StatusOK, prof)
}

func (p *PDSServer) createRecord(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Repo       string          `json:"repo"`
		Collection string          `json:"collection"`
		Record     json.RawMessage `json:"record"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if in.Repo == "" || in.Collection == "" || len(in.Record) == 0 {
		JSONError(w, http.StatusBadRequest, "repo, collection and record required")
		return
	}
	if _, ok, err := p.store.GetAccount(in.Repo); err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		JSONError(w, http.StatusNotFound, "account not found")
		return
	}

	if in.Collection == models.CollectionFollow {
		var f models.Follow
		if err := json.Unmarshal(in.Record, &f); err != nil || f.Subject == "" {
			JSONError(w, http.StatusBadRequest, "follow record requires a subject")
			return
		}
		if f.Subject == in.Repo {
			JSONError(w, http.StatusBadRequest, "cannot follow self")
			return
		}
		if _, exists, _ := p.store.GetFollow(in.Repo, f.Subject); exists {
			JSONError(w, http.StatusConflict, "already following")
			return
		}
	}

	rec, err := p.store.CreateRecord(in.Repo, in.Collection, in.Record, time.Now().Unix())
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.repl != nil {
		if in.Collection == models.CollectionFollow {
			p.repl.ReplicateFollow(rec)
		} else {
			p.repl.ReplicateRecord(rec)
		}
	}
	logger.Info("record_created", "uri", rec.URI, "collection", rec.Collection)
	JSONWrite(w, http.StatusCreated, rec)
}

func (p *PDSServer) getRecord(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		JSONError(w, http.StatusBadRequest, "uri parameter required")
		return
	}
	rec, ok, err := p.store.GetRecord(uri)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		JSONError(w, http.StatusNotFound, "record not found")
		return
	}
	JSONWrite(w, http.StatusOK, rec)
}

func (p *PDSServer) listRecords(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	collection := r.URL.Query().Get("collection")
	if repo == "" || collection == "" {
		JSONError(w, http.StatusBadRequest, "repo and collection parameters required")
		return
	}
	recs, cursor, err := p.store.ListRecords(repo, collection, intParam(r, "limit", 50), r.URL.Query().Get("cursor"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, map[string]any{"records": orEmpty(recs), "cursor": cursor})
}

func (p *PDSServer) getFollows(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		JSONError(w, http.StatusBadRequest, "repo parameter required")
		return
	}
	follows, err := p.store.ListFollows(repo)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, map[string]any{"follows": orEmpty(follows)})
}

func (p *PDSServer) deleteFollow(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Repo    string `json:"repo"`
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Repo == "" || in.Subject == "" {
		JSONError(w, http.StatusBadRequest, "repo and subject required")
		return
	}
	if err := p.store.DeleteFollow(in.Repo, in.Subject); err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.repl != nil {
		p.repl.ReplicateUnfollow(in.Repo, in.Subject)
	}
	JSONWrite(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (p *PDSServer) searchActors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		JSONError(w, http.StatusBadRequest, "q parameter required")
		return
	}
	actors, err := p.store.SearchProfiles(q, intParam(r, "limit", 25))
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, map[string]any{"actors": orEmpty(actors)})
}

func (p *PDSServer) getRepo(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		JSONError(w, http.StatusBadRequest, "repo parameter required")
		return
	}
	export, err := p.store.ExportAccount(repo)
	if err != nil {
		if err == store.ErrAccountNotFound {
			JSONError(w, http.StatusNotFound, "account not found")
			return
		}
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, export)
}

func (p *PDSServer) migrateAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AccountID   string `json:"accountId"`
		NewEndpoint string `json:"newEndpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.AccountID == "" || in.NewEndpoint == "" {
		JSONError(w, http.StatusBadRequest, "accountId and newEndpoint required")
		return
	}
	now := time.Now().Unix()
	if err := p.store.MarkAccountMigrated(in.AccountID, in.NewEndpoint, now); err != nil {
		if err == store.ErrAccountNotFound {
			JSONError(w, http.StatusNotFound, "account not found")
			return
		}
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.repl != nil {
		p.repl.NotifyMigration(in.AccountID, in.NewEndpoint, now)
	}
	logger.Info("account_migrated", "account", in.AccountID, "to", in.NewEndpoint)
	JSONWrite(w, http.StatusOK, map[string]any{
		"accountId":  in.AccountID,
		"migratedTo": in.NewEndpoint,
		"migratedAt": now,
	})
}

func (p *PDSServer) replicationReceive(w http.ResponseWriter, r *http.Request) {
	var item fedclient.ReplicationItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := replication.Apply(p.store, item); err != nil {
		logger.Warn("replication_receive_failed", "type", item.Type, "error", err)
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (p *PDSServer) replicationListRecords(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	recs, cursor, err := p.store.ListRecordsSince(since, intParam(r, "limit", 100), r.URL.Query().Get("cursor"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, map[string]any{"records": orEmpty(recs), "cursor": cursor})
}
