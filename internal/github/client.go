// Package github provides the GitHub issue source used by the poller and the
// command surface.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/sethvargo/go-retry"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/user/issuebot/pkg/logger"
)

const (
	maxIssueLabels = 20
	labelsPageSize = 100
	maxLabelPages  = 5
)

// Options configures a Client.
type Options struct {
	Token              string
	GraphQLURL         string
	RESTURL            string // empty means api.github.com
	IssuesPerFetch     int
	RateLimitThreshold int
	RetryBase          time.Duration
	RetryCap           time.Duration
	RetryMaxDuration   time.Duration
	RequestTimeout     time.Duration
	Transport          http.RoundTripper // base transport, mainly for tests
}

// Client wraps the GitHub GraphQL and REST clients.
type Client struct {
	gql  *githubv4.Client
	rest *github.Client
	opts Options
}

// NewClient creates a new GitHub API client authenticated with opts.Token.
func NewClient(opts Options) (*Client, error) {
	if opts.IssuesPerFetch <= 0 {
		opts.IssuesPerFetch = 50
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 30 * time.Second
	}

	rt := newRateTransport(opts.Transport, opts.RateLimitThreshold, opts.RetryCap)

	// oauth2 picks its base transport up from the context.
	base := &http.Client{Transport: rt}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = opts.RequestTimeout

	var gql *githubv4.Client
	if opts.GraphQLURL == "" {
		gql = githubv4.NewClient(hc)
	} else {
		gql = githubv4.NewEnterpriseClient(opts.GraphQLURL, hc)
	}

	rest := github.NewClient(hc)
	if opts.RESTURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.RESTURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid rest url: %w", err)
		}
		rest.BaseURL = u
	}

	return &Client{gql: gql, rest: rest, opts: opts}, nil
}

// Label is a repository label.
type Label struct {
	ID         string
	Name       string
	Color      string
	OpenIssues int
}

// Issue is an issue as returned by the issue source.
type Issue struct {
	ID        string
	Number    int
	Title     string
	URL       string
	State     string
	Labels    []Label
	CreatedAt time.Time
}

// IsOpen reports whether the issue is open.
func (i Issue) IsOpen() bool {
	return strings.EqualFold(i.State, string(githubv4.IssueStateOpen))
}

// LabelNames returns the names of the issue's labels.
func (i Issue) LabelNames() []string {
	names := make([]string, len(i.Labels))
	for n, l := range i.Labels {
		names[n] = l.Name
	}
	return names
}

// RepoInfo contains basic repository information.
type RepoInfo struct {
	ID            string
	Owner         string
	Name          string
	NameWithOwner string
	URL           string
}

// RateStatus is the GraphQL rate limit budget.
type RateStatus struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

type labelNode struct {
	ID    githubv4.ID
	Name  githubv4.String
	Color githubv4.String
}

type issueNode struct {
	ID        githubv4.ID
	Number    githubv4.Int
	Title     githubv4.String
	URL       githubv4.String
	State     githubv4.IssueState
	CreatedAt githubv4.DateTime
	Labels    struct {
		Nodes []labelNode
	} `graphql:"labels(first: $labelCount)"`
}

// Repository verifies that a repository exists and returns its identity.
func (c *Client) Repository(ctx context.Context, owner, name string) (*RepoInfo, error) {
	var q struct {
		Repository *struct {
			ID            githubv4.ID
			NameWithOwner githubv4.String
			URL           githubv4.String
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]interface{}{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(name),
	}

	if err := c.query(ctx, "repository", &q, vars); err != nil {
		return nil, err
	}
	if q.Repository == nil {
		return nil, &APIError{Kind: ErrNotFound, Message: owner + "/" + name}
	}

	nwo := string(q.Repository.NameWithOwner)
	info := &RepoInfo{
		ID:            fmt.Sprint(q.Repository.ID),
		Owner:         owner,
		Name:          name,
		NameWithOwner: nwo,
		URL:           string(q.Repository.URL),
	}
	if o, n, ok := strings.Cut(nwo, "/"); ok {
		info.Owner, info.Name = o, n
	}
	return info, nil
}

// FetchOpenIssues returns the newest open issues of a repository in one
// round trip per attempt. A non-empty labels slice narrows the query to
// issues carrying at least one of them.
func (c *Client) FetchOpenIssues(ctx context.Context, owner, name string, labels []string) ([]Issue, error) {
	var q struct {
		Repository *struct {
			Issues struct {
				Nodes []issueNode
			} `graphql:"issues(first: $first, states: $states, labels: $labels, orderBy: $orderBy)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var labelFilter *[]githubv4.String
	if len(labels) > 0 {
		names := make([]githubv4.String, len(labels))
		for i, l := range labels {
			names[i] = githubv4.String(l)
		}
		labelFilter = &names
	}

	vars := map[string]interface{}{
		"owner":      githubv4.String(owner),
		"name":       githubv4.String(name),
		"first":      githubv4.Int(c.opts.IssuesPerFetch),
		"states":     []githubv4.IssueState{githubv4.IssueStateOpen},
		"labels":     labelFilter,
		"labelCount": githubv4.Int(maxIssueLabels),
		"orderBy": githubv4.IssueOrder{
			Field:     githubv4.IssueOrderFieldCreatedAt,
			Direction: githubv4.OrderDirectionDesc,
		},
	}

	if err := c.query(ctx, "issues", &q, vars); err != nil {
		return nil, err
	}
	if q.Repository == nil {
		return nil, &APIError{Kind: ErrNotFound, Message: owner + "/" + name}
	}

	issues := make([]Issue, 0, len(q.Repository.Issues.Nodes))
	for _, n := range q.Repository.Issues.Nodes {
		issue := Issue{
			ID:        fmt.Sprint(n.ID),
			Number:    int(n.Number),
			Title:     string(n.Title),
			URL:       string(n.URL),
			State:     string(n.State),
			CreatedAt: n.CreatedAt.Time.UTC(),
		}
		for _, l := range n.Labels.Nodes {
			issue.Labels = append(issue.Labels, Label{
				ID:    fmt.Sprint(l.ID),
				Name:  string(l.Name),
				Color: string(l.Color),
			})
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

type labelsQuery struct {
	Repository *struct {
		Labels struct {
			Nodes []struct {
				ID     githubv4.ID
				Name   githubv4.String
				Color  githubv4.String
				Issues struct {
					TotalCount githubv4.Int
				} `graphql:"issues(states: OPEN)"`
			}
			PageInfo struct {
				HasNextPage githubv4.Boolean
				EndCursor   githubv4.String
			}
		} `graphql:"labels(first: $first, after: $cursor)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// Labels returns the repository's labels that have open issues, most used first.
func (c *Client) Labels(ctx context.Context, owner, name string) ([]Label, error) {
	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"first":  githubv4.Int(labelsPageSize),
		"cursor": (*githubv4.String)(nil),
	}

	var labels []Label
	for page := 0; page < maxLabelPages; page++ {
		var q labelsQuery
		if err := c.query(ctx, "labels", &q, vars); err != nil {
			return nil, err
		}
		if q.Repository == nil {
			return nil, &APIError{Kind: ErrNotFound, Message: owner + "/" + name}
		}

		for _, n := range q.Repository.Labels.Nodes {
			if n.Issues.TotalCount == 0 {
				continue
			}
			labels = append(labels, Label{
				ID:         fmt.Sprint(n.ID),
				Name:       string(n.Name),
				Color:      string(n.Color),
				OpenIssues: int(n.Issues.TotalCount),
			})
		}

		if !q.Repository.Labels.PageInfo.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(q.Repository.Labels.PageInfo.EndCursor)
	}

	sort.SliceStable(labels, func(i, j int) bool {
		return labels[i].OpenIssues > labels[j].OpenIssues
	})
	return labels, nil
}

// RateLimit returns the current GraphQL rate limit status.
func (c *Client) RateLimit(ctx context.Context) (*RateStatus, error) {
	limits, _, err := c.rest.RateLimit.Get(ctx)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if limits.GraphQL == nil {
		return nil, &APIError{Kind: ErrTransient, Message: "rate limit response without graphql budget"}
	}
	return &RateStatus{
		Limit:     limits.GraphQL.Limit,
		Remaining: limits.GraphQL.Remaining,
		Reset:     limits.GraphQL.Reset.Time,
	}, nil
}

// query runs a GraphQL query, retrying rate limited and transient failures
// with capped exponential backoff.
func (c *Client) query(ctx context.Context, op string, q interface{}, vars map[string]interface{}) error {
	b := retry.NewExponential(c.opts.RetryBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(c.opts.RetryCap, b)
	if c.opts.RetryMaxDuration > 0 {
		b = retry.WithMaxDuration(c.opts.RetryMaxDuration, b)
	} else {
		b = retry.WithMaxRetries(0, b)
	}

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := classify(ctx, c.gql.Query(ctx, q, vars))
		if err == nil {
			return nil
		}
		if retryable(err, c.opts.RetryCap) {
			logger.Debug().
				Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Msg("GitHub query failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}
