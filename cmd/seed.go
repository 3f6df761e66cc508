package main

import (
	"context"
	"log"
	"math/rand"
	"strings"

	"github.com/jaswdr/faker"

	"onlyone/pkg/orchestrator"
	"onlyone/pkg/post"
)

var f = faker.New()

// A few fixed places so that scoped searches find each other.
var places = []post.Location{
	{City: "Phoenix", State: "Arizona", Country: "USA"},
	{City: "Tucson", State: "Arizona", Country: "USA"},
	{City: "Austin", State: "Texas", Country: "USA"},
	{City: "Lyon", State: "Auvergne-Rhone-Alpes", Country: "France"},
}

var scopes = []post.Scope{post.ScopeCity, post.ScopeState, post.ScopeCountry, post.ScopeWorld}

type PostCreator interface {
	CreatePost(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)
}

// seed sends n generated posts through the full pipeline, so that they are
// moderated, embedded and scored like real submissions.
func seed(ctx context.Context, creator PostCreator, n int) {
	created, rejected := 0, 0
	for i := 0; i < n; i++ {
		out, err := creator.CreatePost(ctx, genRequest())
		if err != nil {
			log.Println("seed: can't add post:", err)
			continue
		}
		if out.Rejection != nil {
			rejected++
			continue
		}
		created++
	}
	log.Printf("seed: %d posts created, %d rejected", created, rejected)
}

func genRequest() orchestrator.Request {
	inputType := post.InputAction
	content := genAction()
	if rand.Intn(4) == 0 {
		inputType = post.InputDaySummary
		content = f.Lorem().Sentence(rand.Intn(10) + 6)
	}
	return orchestrator.Request{
		Content:   content,
		InputType: inputType,
		Scope:     scopes[rand.Intn(len(scopes))],
		Location:  places[rand.Intn(len(places))],
	}
}

// genAction draws from a small vocabulary so generated actions repeat often
// enough to produce matches.
func genAction() string {
	verbs := []string{"walked", "cooked", "read", "painted", "called", "cleaned", "fixed", "planted"}
	verb := verbs[rand.Intn(len(verbs))]
	return strings.Join([]string{"I", verb, strings.ToLower(f.Lorem().Word()), "with", f.Person().FirstName()}, " ")
}
