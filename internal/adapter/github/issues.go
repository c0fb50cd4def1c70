package github

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

// IssueService implements the REST-side issue and pull-request operations.
type IssueService struct {
	client *Client
}

// NewIssueService builds an issue service over an existing client.
func NewIssueService(client *Client) *IssueService {
	return &IssueService{client: client}
}

var _ domain.Issues = (*IssueService)(nil)

type restIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignee *struct {
		Login string `json:"login"`
	} `json:"assignee"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r restIssue) toWorkItem(owner, repo string, kind domain.WorkKind) domain.WorkItem {
	item := domain.WorkItem{
		Kind:      kind,
		RepoOwner: owner,
		RepoName:  repo,
		Number:    r.Number,
		Title:     r.Title,
		Body:      r.Body,
		State:     r.State,
		HTMLURL:   r.HTMLURL,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	for _, l := range r.Labels {
		item.Labels = append(item.Labels, l.Name)
	}
	if r.Assignee != nil {
		item.Assignee = r.Assignee.Login
	}
	return item
}

// GetIssue hydrates an issue's full body and metadata.
func (s *IssueService) GetIssue(ctx domain.Context, repoOwner, repoName string, number int) (domain.WorkItem, error) {
	resp, err := s.client.Get(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d", repoOwner, repoName, number))
	if err != nil {
		return domain.WorkItem{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return domain.WorkItem{}, fmt.Errorf("op=issues.GetIssue issue=%d: %w", number, domain.ErrNotFound)
	}
	if !resp.OK() {
		return domain.WorkItem{}, fmt.Errorf("op=issues.GetIssue issue=%d status=%d: %w", number, resp.StatusCode, domain.ErrInternal)
	}
	var ri restIssue
	if err := resp.JSON(&ri); err != nil {
		return domain.WorkItem{}, err
	}
	return ri.toWorkItem(repoOwner, repoName, domain.WorkKindReady), nil
}

// PostComment adds an issue (or PR conversation) comment.
func (s *IssueService) PostComment(ctx domain.Context, repoOwner, repoName string, number int, body string) error {
	resp, err := s.client.Post(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/comments", repoOwner, repoName, number),
		map[string]string{"body": body})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("op=issues.PostComment issue=%d status=%d: %w", number, resp.StatusCode, domain.ErrInternal)
	}
	return nil
}

// AddLabels attaches labels to an issue.
func (s *IssueService) AddLabels(ctx domain.Context, repoOwner, repoName string, number int, labels []string) error {
	resp, err := s.client.Post(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/labels", repoOwner, repoName, number),
		map[string][]string{"labels": labels})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("op=issues.AddLabels issue=%d status=%d: %w", number, resp.StatusCode, domain.ErrInternal)
	}
	return nil
}

// RemoveLabel detaches a label; a 404 (label absent) is not an error.
func (s *IssueService) RemoveLabel(ctx domain.Context, repoOwner, repoName string, number int, label string) error {
	resp, err := s.client.Delete(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", repoOwner, repoName, number, url.PathEscape(label)))
	if err != nil {
		return err
	}
	if !resp.OK() && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("op=issues.RemoveLabel issue=%d status=%d: %w", number, resp.StatusCode, domain.ErrInternal)
	}
	return nil
}

// AssignIssue assigns a user to an issue.
func (s *IssueService) AssignIssue(ctx domain.Context, repoOwner, repoName string, number int, assignee string) error {
	resp, err := s.client.Post(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/assignees", repoOwner, repoName, number),
		map[string][]string{"assignees": {assignee}})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("op=issues.AssignIssue issue=%d status=%d: %w", number, resp.StatusCode, domain.ErrInternal)
	}
	return nil
}

// ListOpenPRsWithLabel returns open pull requests carrying the given label.
func (s *IssueService) ListOpenPRsWithLabel(ctx domain.Context, repoOwner, repoName, label string) ([]domain.WorkItem, error) {
	var out []domain.WorkItem
	for page := 1; ; page++ {
		resp, err := s.client.Get(ctx, fmt.Sprintf("/repos/%s/%s/pulls?state=open&per_page=100&page=%d", repoOwner, repoName, page))
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, fmt.Errorf("op=issues.ListOpenPRsWithLabel status=%d: %w", resp.StatusCode, domain.ErrInternal)
		}
		var prs []restIssue
		if err := resp.JSON(&prs); err != nil {
			return nil, err
		}
		for _, pr := range prs {
			item := pr.toWorkItem(repoOwner, repoName, domain.WorkKindPRComment)
			if item.HasLabel(label) {
				out = append(out, item)
			}
		}
		if len(prs) < 100 {
			return out, nil
		}
	}
}

// ListPRReviewComments returns the inline review comments for a PR.
func (s *IssueService) ListPRReviewComments(ctx domain.Context, repoOwner, repoName string, prNumber int) ([]domain.PRCommentRef, error) {
	resp, err := s.client.Get(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%d/comments?per_page=100", repoOwner, repoName, prNumber))
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("op=issues.ListPRReviewComments pr=%d status=%d: %w", prNumber, resp.StatusCode, domain.ErrInternal)
	}
	var raw []struct {
		ID   int64  `json:"id"`
		Path string `json:"path"`
		Line int    `json:"line"`
		Side string `json:"side"`
		Body string `json:"body"`
	}
	if err := resp.JSON(&raw); err != nil {
		return nil, err
	}
	out := make([]domain.PRCommentRef, 0, len(raw))
	for _, c := range raw {
		out = append(out, domain.PRCommentRef{
			CommentID: c.ID, Path: c.Path, Line: c.Line, Side: c.Side, Body: c.Body,
		})
	}
	return out, nil
}

// GetPRHeadSHA returns the head commit of a pull request.
func (s *IssueService) GetPRHeadSHA(ctx domain.Context, repoOwner, repoName string, prNumber int) (string, error) {
	resp, err := s.client.Get(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%d", repoOwner, repoName, prNumber))
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("op=issues.GetPRHeadSHA pr=%d status=%d: %w", prNumber, resp.StatusCode, domain.ErrInternal)
	}
	var pr struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	if err := resp.JSON(&pr); err != nil {
		return "", err
	}
	return pr.Head.SHA, nil
}

// GetFileAtRef fetches a file's content at a specific ref via the contents API.
func (s *IssueService) GetFileAtRef(ctx domain.Context, repoOwner, repoName, path, ref string) (string, error) {
	resp, err := s.client.Get(ctx, fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", repoOwner, repoName, url.PathEscape(path), url.QueryEscape(ref)))
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("op=issues.GetFileAtRef path=%s: %w", path, domain.ErrNotFound)
	}
	if !resp.OK() {
		return "", fmt.Errorf("op=issues.GetFileAtRef path=%s status=%d: %w", path, resp.StatusCode, domain.ErrInternal)
	}
	var file struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := resp.JSON(&file); err != nil {
		return "", err
	}
	if file.Encoding != "base64" {
		return file.Content, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("op=issues.GetFileAtRef path=%s decode: %w", path, err)
	}
	return string(decoded), nil
}
