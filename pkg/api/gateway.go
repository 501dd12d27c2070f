package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"socialmesh/pkg/aggregate"
	"socialmesh/pkg/config"
	"socialmesh/pkg/gateway"
	"socialmesh/pkg/models"
)

// GatewayServer is the thin HTTP shell over the gateway service; all
// behavior lives in pkg/gateway.
type GatewayServer struct {
	svc *gateway.Service
}

func NewGatewayServer(svc *gateway.Service) *GatewayServer {
	return &GatewayServer{svc: svc}
}

func (g *GatewayServer) Router(rl config.RateLimitConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLog)
	r.Use(RateLimit(rl))

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/feed", g.getFeed).Methods(http.MethodGet)
	v1.HandleFunc("/posts", g.createPost).Methods(http.MethodPost)
	v1.HandleFunc("/posts/{hash}", g.getPost).Methods(http.MethodGet)
	v1.HandleFunc("/follows", g.follow).Methods(http.MethodPost)
	v1.HandleFunc("/follows", g.unfollow).Methods(http.MethodDelete)
	v1.HandleFunc("/reactions", g.createReaction).Methods(http.MethodPost)
	v1.HandleFunc("/profiles/{account}", g.getProfile).Methods(http.MethodGet)
	v1.HandleFunc("/search", g.search).Methods(http.MethodGet)

	registerHealth(r, nil)
	return r
}

func (g *GatewayServer) getFeed(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		JSONError(w, http.StatusBadRequest, "account parameter required")
		return
	}
	feedType := r.URL.Query().Get("type")
	if feedType == "" {
		feedType = models.FeedChronological
	}
	if feedType != models.FeedChronological && feedType != models.FeedAlgorithmic {
		JSONError(w, http.StatusBadRequest, "unknown feed type")
		return
	}
	feed, err := g.svc.GetFeed(r.Context(), account, feedType, intParam(r, "limit", 50), r.URL.Query().Get("cursor"))
	if err != nil {
		protocolError(w, err)
		return
	}
	if feed.Posts == nil {
		feed.Posts = []models.Post{}
	}
	JSONWrite(w, http.StatusOK, feed)
}

func (g *GatewayServer) createPost(w http.ResponseWriter, r *http.Request) {
	var req gateway.CreatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := g.svc.CreatePost(r.Context(), &req)
	if err != nil {
		protocolError(w, err)
		return
	}
	JSONWrite(w, http.StatusOK, res)
}

func (g *GatewayServer) getPost(w http.ResponseWriter, r *http.Request) {
	post, err := g.svc.GetPost(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		if err == aggregate.ErrNotFound {
			JSONError(w, http.StatusNotFound, "post not found")
			return
		}
		protocolError(w, err)
		return
	}
	JSONWrite(w, http.StatusOK, post)
}

func (g *GatewayServer) follow(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Account string `json:"account"`
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Account == "" || in.Subject == "" {
		JSONError(w, http.StatusBadRequest, "account and subject required")
		return
	}
	rec, err := g.svc.Follow(r.Context(), in.Account, in.Subject)
	if err != nil {
		protocolError(w, err)
		return
	}
	JSONWrite(w, http.StatusCreated, rec)
}

func (g *GatewayServer) unfollow(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Account string `json:"account"`
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Account == "" || in.Subject == "" {
		JSONError(w, http.StatusBadRequest, "account and subject required")
		return
	}
	if err := g.svc.Unfollow(r.Context(), in.Account, in.Subject); err != nil {
		protocolError(w, err)
		return
	}
	JSONWrite(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *GatewayServer) createReaction(w http.ResponseWriter, r *http.Request) {
	var req gateway.CreateReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := g.svc.CreateReaction(r.Context(), &req)
	if err != nil {
		protocolError(w, err)
		return
	}
	JSONWrite(w, http.StatusOK, res)
}

func (g *GatewayServer) getProfile(w http.ResponseWriter, r *http.Request) {
	prof, err := g.svc.GetProfile(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		if err == aggregate.ErrNotFound {
			JSONError(w, http.StatusNotFound, "profile not found")
			return
		}
		protocolError(w, err)
		return
	}
	JSONWrite(w, http.StatusOK, prof)
}

func (g *GatewayServer) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		JSONError(w, http.StatusBadRequest, "q parameter required")
		return
	}
	out, err := g.svc.Search(r.Context(), q, r.URL.Query().Get("type"), intParam(r, "limit", 25))
	if err != nil {
		protocolError(w, err)
		return
	}
	JSONWrite(w, http.StatusOK, out)
}
