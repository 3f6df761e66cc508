package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gomock "github.com/golang/mock/gomock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"onlyone/pkg/audit"
	"onlyone/pkg/embedding"
	"onlyone/pkg/feed"
	"onlyone/pkg/orchestrator"
	"onlyone/pkg/post"
	"onlyone/pkg/scoring"
)

type mocks struct {
	creator *MockPostCreator
	repo    *MockPostRepo
	feed    *MockFeedReader
	audit   *MockAuditReader
}

func newRouter(ctrl *gomock.Controller) (*mux.Router, *mocks) {
	m := &mocks{
		creator: NewMockPostCreator(ctrl),
		repo:    NewMockPostRepo(ctrl),
		feed:    NewMockFeedReader(ctrl),
		audit:   NewMockAuditReader(ctrl),
	}
	r := mux.NewRouter()
	NewPostHandler(m.creator, m.repo, m.feed, m.audit).Routes(r)
	return r, m
}

func serve(r http.Handler, method, url, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, url, strings.NewReader(body)))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not a JSON object: %v (%s)", err, w.Body.String())
	}
	return out
}

func TestAdd(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, m := newRouter(ctrl)
	body := `{"content": "I meditated for 20 minutes", "input_type": "action", "scope": " World "}`
	wantReq := orchestrator.Request{
		Content:   "I meditated for 20 minutes",
		InputType: post.InputAction,
		Scope:     post.ScopeWorld,
	}

	t.Run("should create the post", func(t *testing.T) {
		m.creator.EXPECT().CreatePost(gomock.Any(), wantReq).Return(&orchestrator.Outcome{
			State: orchestrator.StateDone,
			Post: &orchestrator.Projection{
				Id:          "p1",
				Tier:        scoring.TierElite,
				DisplayText: scoring.OnlyYou,
				Percentile:  100,
			},
		}, nil)

		w := serve(r, "POST", "/api/posts", body)
		assert.Equal(t, http.StatusCreated, w.Code)
		out := decode(t, w)
		assert.Equal(t, "p1", out["id"])
		assert.Equal(t, "Only you!", out["display_text"])
		assert.Equal(t, "elite", out["tier"])
	})

	t.Run("should answer validation errors with 400", func(t *testing.T) {
		m.creator.EXPECT().CreatePost(gomock.Any(), gomock.Any()).Return(&orchestrator.Outcome{
			State: orchestrator.StateRejected,
			Rejection: &orchestrator.Rejection{
				Kind: orchestrator.RejectedValidation, Field: "content", Reason: "too_short", Message: "Posts need at least 3 characters.",
			},
		}, nil)

		w := serve(r, "POST", "/api/posts", `{"content": "hi", "input_type": "action", "scope": "world"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		out := decode(t, w)
		assert.Equal(t, "validation", out["error"])
		assert.Equal(t, "content", out["field"])
		assert.Equal(t, "too_short", out["reason"])
	})

	t.Run("should answer moderation rejections with 422", func(t *testing.T) {
		m.creator.EXPECT().CreatePost(gomock.Any(), gomock.Any()).Return(&orchestrator.Outcome{
			State: orchestrator.StateRejected,
			Rejection: &orchestrator.Rejection{
				Kind: orchestrator.RejectedModeration, Category: "toxicity", Message: "Your post was flagged as toxic.",
			},
		}, nil)

		w := serve(r, "POST", "/api/posts", body)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		out := decode(t, w)
		assert.Equal(t, "moderation", out["error"])
		assert.Equal(t, "toxicity", out["category"])
		assert.Equal(t, "Your post was flagged as toxic.", out["message"])
	})

	t.Run("should ask to retry after transient failures", func(t *testing.T) {
		m.creator.EXPECT().CreatePost(gomock.Any(), gomock.Any()).Return(nil, &orchestrator.Failure{
			Kind: orchestrator.Transient, Stage: orchestrator.StateEmbedding, Err: embedding.ErrRateLimited,
		})

		w := serve(r, "POST", "/api/posts", body)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "5", w.Header().Get("Retry-After"))
	})

	t.Run("should hide fatal failures", func(t *testing.T) {
		m.creator.EXPECT().CreatePost(gomock.Any(), gomock.Any()).Return(nil, &orchestrator.Failure{
			Kind: orchestrator.Fatal, Stage: orchestrator.StatePersisting, Err: post.ErrConstraintViolation,
		})

		w := serve(r, "POST", "/api/posts", body)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "constraint")
	})

	t.Run("bad request format", func(t *testing.T) {
		w := serve(r, "POST", "/api/posts", `{"content": "x", "author": "pike"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGet(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, m := newRouter(ctrl)

	t.Run("should return the stored post with its display text", func(t *testing.T) {
		m.repo.EXPECT().GetById(gomock.Any(), post.PostId("p1")).
			Return(&post.Post{Id: "p1", MatchCount: 3, Percentile: 12.4, Tier: scoring.TierUnique}, nil)

		w := serve(r, "GET", "/api/post/p1", "")
		assert.Equal(t, http.StatusOK, w.Code)
		out := decode(t, w)
		assert.Equal(t, "p1", out["id"])
		assert.Equal(t, "Top 12%", out["display_text"])
		_, leaked := out["embedding"]
		assert.False(t, leaked)
	})

	t.Run("post not found", func(t *testing.T) {
		m.repo.EXPECT().GetById(gomock.Any(), post.PostId("nope")).
			Return(nil, fmt.Errorf("post/repo: post nope: %w", post.ErrNotFound))

		w := serve(r, "GET", "/api/post/nope", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("repo error", func(t *testing.T) {
		m.repo.EXPECT().GetById(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down"))

		w := serve(r, "GET", "/api/post/p2", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestGetFeed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, m := newRouter(ctrl)

	t.Run("should read the requested page", func(t *testing.T) {
		ref := post.NewRef(post.ScopeState, post.Location{State: "Arizona", Country: "USA"})
		m.feed.EXPECT().Page(gomock.Any(), ref, 2).
			Return(&feed.Page{Number: 2, Posts: []*post.Post{{Id: "p1"}}}, nil)

		w := serve(r, "GET", "/api/feed/state?state=Arizona&country=USA&city=Tucson&page=2", "")
		assert.Equal(t, http.StatusOK, w.Code)
		out := decode(t, w)
		assert.Equal(t, float64(2), out["page"])
	})

	t.Run("should require the scope's location", func(t *testing.T) {
		w := serve(r, "GET", "/api/feed/city?state=Arizona&country=USA", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should reject unknown scopes and pages", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, serve(r, "GET", "/api/feed/galaxy", "").Code)
		assert.Equal(t, http.StatusBadRequest, serve(r, "GET", "/api/feed/world?page=0", "").Code)
	})

	t.Run("feed error", func(t *testing.T) {
		m.feed.EXPECT().Page(gomock.Any(), gomock.Any(), 1).Return(nil, errors.New("db down"))

		w := serve(r, "GET", "/api/feed/world", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestRejections(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, m := newRouter(ctrl)

	t.Run("should list recent rejections", func(t *testing.T) {
		m.audit.EXPECT().Recent(gomock.Any(), 10).
			Return([]*audit.Entry{{Category: "spam"}}, nil)

		w := serve(r, "GET", "/api/moderation/rejections?limit=10", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"category":"spam"`)
	})

	t.Run("should reject a bad limit", func(t *testing.T) {
		w := serve(r, "GET", "/api/moderation/rejections?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should report a disabled audit log", func(t *testing.T) {
		router := mux.NewRouter()
		NewPostHandler(m.creator, m.repo, m.feed, nil).Routes(router)

		w := serve(router, "GET", "/api/moderation/rejections", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
