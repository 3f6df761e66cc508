package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"onlyone/pkg/audit"
	"onlyone/pkg/common"
	"onlyone/pkg/feed"
	"onlyone/pkg/logger"
	"onlyone/pkg/orchestrator"
	"onlyone/pkg/post"
	"onlyone/pkg/scoring"
)

// RetryAfterSeconds is suggested to clients after a transient failure.
const RetryAfterSeconds = 5

//go:generate mockgen -source=handlers.go -destination=mock_handlers.go -package=api

type (
	PostCreator interface {
		CreatePost(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)
	}

	PostRepo interface {
		GetById(ctx context.Context, id post.PostId) (*post.Post, error)
	}

	FeedReader interface {
		Page(ctx context.Context, ref post.Ref, page int) (*feed.Page, error)
	}

	AuditReader interface {
		Recent(ctx context.Context, limit int) ([]*audit.Entry, error)
	}

	PostHandler struct {
		Creator PostCreator
		Repo    PostRepo
		Feed    FeedReader
		// Nil when the audit log is disabled.
		Audit AuditReader
	}

	HttpPost struct {
		Content   string        `json:"content"`
		InputType string        `json:"input_type"`
		Scope     string        `json:"scope"`
		Location  post.Location `json:"location"`
	}

	HttpStoredPost struct {
		*post.Post
		DisplayText string `json:"display_text"`
	}
)

func NewPostHandler(c PostCreator, r PostRepo, f FeedReader, a AuditReader) *PostHandler {
	return &PostHandler{
		Creator: c,
		Repo:    r,
		Feed:    f,
		Audit:   a,
	}
}

func (ph *PostHandler) Routes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/posts", ph.Add).Methods("POST")
	api.HandleFunc("/post/{post_id}", ph.Get).Methods("GET")
	api.HandleFunc("/feed/{scope}", ph.GetFeed).Methods("GET")
	api.HandleFunc("/moderation/rejections", ph.Rejections).Methods("GET")
}

func (ph *PostHandler) Add(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	httpPost := new(HttpPost)
	if err := common.ParseReqBody(r.Body, httpPost); err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't parse request body as post: %v", err)
		common.WriteMsg(w, "bad request format", http.StatusBadRequest)
		return
	}

	out, err := ph.Creator.CreatePost(r.Context(), orchestrator.Request{
		Content:   httpPost.Content,
		InputType: post.InputType(strings.TrimSpace(httpPost.InputType)),
		Scope:     post.Scope(strings.ToLower(strings.TrimSpace(httpPost.Scope))),
		Location:  httpPost.Location,
	})
	if err != nil {
		if orchestrator.IsTransient(err) {
			w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
			common.WriteMsg(w, "service temporarily unavailable, please retry", http.StatusServiceUnavailable)
			return
		}
		common.WriteMsg(w, "internal error", http.StatusInternalServerError)
		return
	}

	if rej := out.Rejection; rej != nil {
		code := http.StatusUnprocessableEntity
		if rej.Kind == orchestrator.RejectedValidation {
			code = http.StatusBadRequest
		}
		w.WriteHeader(code)
		common.WriteRespJSON(w, rej)
		return
	}

	w.WriteHeader(http.StatusCreated)
	common.WriteRespJSON(w, out.Post)
}

func (ph *PostHandler) Get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := post.PostId(mux.Vars(r)["post_id"])
	p, err := ph.Repo.GetById(r.Context(), id)
	if errors.Is(err, post.ErrNotFound) {
		common.WriteMsg(w, "post not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't get post %s: %v", id, err)
		common.WriteMsg(w, "internal error", http.StatusInternalServerError)
		return
	}

	common.WriteRespJSON(w, HttpStoredPost{Post: p, DisplayText: scoring.DisplayText(p.MatchCount, p.Percentile)})
}

func (ph *PostHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	scope, err := post.ParseScope(mux.Vars(r)["scope"])
	if err != nil {
		common.WriteMsg(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	loc := post.Location{City: q.Get("city"), State: q.Get("state"), Country: q.Get("country")}
	if field := post.MissingField(scope, loc); field != "" {
		common.WriteMsg(w, field+" is required for a "+string(scope)+" feed", http.StatusBadRequest)
		return
	}
	page := 1
	if raw := q.Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			common.WriteMsg(w, "page must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	p, err := ph.Feed.Page(r.Context(), post.NewRef(scope, loc), page)
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't load feed: %v", err)
		common.WriteMsg(w, "internal error", http.StatusInternalServerError)
		return
	}
	common.WriteRespJSON(w, p)
}

func (ph *PostHandler) Rejections(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if ph.Audit == nil {
		common.WriteMsg(w, "audit log disabled", http.StatusNotFound)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			common.WriteMsg(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := ph.Audit.Recent(r.Context(), limit)
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't list rejections: %v", err)
		common.WriteMsg(w, "internal error", http.StatusInternalServerError)
		return
	}
	common.WriteRespJSON(w, entries)
}
