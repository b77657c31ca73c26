package webhook

import "encoding/json"

// envelope is the subset of fields every platform webhook payload carries,
// enough to dispatch on event+action before decoding the rest (spec §9:
// "model as sum types / tagged unions over event names; validate at the
// boundary and fail closed on unknown required fields").
type envelope struct {
	Action       string          `json:"action"`
	Installation *installationRef `json:"installation"`
	Repositories []repositoryPayload `json:"repositories"`
	PullRequest  *pullRequestPayload `json:"pull_request"`
	Repository   *repositoryPayload  `json:"repository"`
	Sender       *accountPayload     `json:"sender"`
}

type installationRef struct {
	ID      int64           `json:"id"`
	Account accountPayload  `json:"account"`
}

type accountPayload struct {
	Login     string `json:"login"`
	Type      string `json:"type"` // "User" or "Organization"
	AvatarURL string `json:"avatar_url"`
}

type repositoryPayload struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

type pullRequestPayload struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	User    accountPayload `json:"user"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// parseEnvelope decodes the raw JSON body into the tagged envelope,
// failing closed (an error) on malformed JSON rather than guessing.
func parseEnvelope(body []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return envelope{}, err
	}
	return e, nil
}
