package github

import (
	"fmt"
	"log/slog"

	"github.com/kristinday/ace/internal/domain"
)

// Board adapts the Projects V2 GraphQL surface to the domain.Board port.
type Board struct {
	client *Client
	log    *slog.Logger
}

// NewBoard builds a board adapter over an existing client.
func NewBoard(client *Client, log *slog.Logger) *Board {
	if log == nil {
		log = slog.Default()
	}
	return &Board{client: client, log: log}
}

var _ domain.Board = (*Board)(nil)

const findProjectQuery = `
query($org: String!, $after: String) {
  organization(login: $org) {
    projectsV2(first: 20, after: $after) {
      nodes { id title }
      pageInfo { hasNextPage endCursor }
    }
  }
}`

// FindProjectID pages through the org's projects and matches by title.
func (b *Board) FindProjectID(ctx domain.Context, org, projectName string) (string, error) {
	var after *string
	for {
		var data struct {
			Organization struct {
				ProjectsV2 struct {
					Nodes []struct {
						ID    string `json:"id"`
						Title string `json:"title"`
					} `json:"nodes"`
					PageInfo pageInfo `json:"pageInfo"`
				} `json:"projectsV2"`
			} `json:"organization"`
		}
		vars := map[string]any{"org": org, "after": after}
		if err := b.client.GraphQL(ctx, findProjectQuery, vars, &data); err != nil {
			return "", fmt.Errorf("op=board.FindProjectID org=%s: %w", org, err)
		}
		for _, n := range data.Organization.ProjectsV2.Nodes {
			if n.Title == projectName {
				return n.ID, nil
			}
		}
		pi := data.Organization.ProjectsV2.PageInfo
		if !pi.HasNextPage {
			return "", fmt.Errorf("op=board.FindProjectID project=%q: %w", projectName, domain.ErrNotFound)
		}
		after = &pi.EndCursor
	}
}

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

const statusFieldQuery = `
query($project: ID!) {
  node(id: $project) {
    ... on ProjectV2 {
      fields(first: 50) {
        nodes {
          ... on ProjectV2SingleSelectField {
            id
            name
            options { id name }
          }
        }
      }
    }
  }
}`

// GetStatusField locates the "Status" single-select field and returns its id
// plus the option-name to option-id mapping.
func (b *Board) GetStatusField(ctx domain.Context, projectID string) (string, map[string]string, error) {
	var data struct {
		Node struct {
			Fields struct {
				Nodes []struct {
					ID      string `json:"id"`
					Name    string `json:"name"`
					Options []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"options"`
				} `json:"nodes"`
			} `json:"fields"`
		} `json:"node"`
	}
	if err := b.client.GraphQL(ctx, statusFieldQuery, map[string]any{"project": projectID}, &data); err != nil {
		return "", nil, fmt.Errorf("op=board.GetStatusField: %w", err)
	}
	for _, f := range data.Node.Fields.Nodes {
		if f.Name != "Status" {
			continue
		}
		options := make(map[string]string, len(f.Options))
		for _, o := range f.Options {
			options[o.Name] = o.ID
		}
		return f.ID, options, nil
	}
	return "", nil, fmt.Errorf("op=board.GetStatusField field=Status: %w", domain.ErrNotFound)
}

const listItemsQuery = `
query($project: ID!, $after: String) {
  node(id: $project) {
    ... on ProjectV2 {
      items(first: 100, after: $after) {
        nodes {
          id
          fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue { name }
          }
          content {
            __typename
            ... on Issue {
              id number title url
              labels(first: 20) { nodes { name } }
              repository { name owner { login } }
            }
            ... on PullRequest {
              id number title url
              labels(first: 20) { nodes { name } }
              repository { name owner { login } }
            }
          }
        }
        pageInfo { hasNextPage endCursor }
      }
    }
  }
}`

type boardItemNode struct {
	ID               string `json:"id"`
	FieldValueByName *struct {
		Name string `json:"name"`
	} `json:"fieldValueByName"`
	Content *struct {
		Typename string `json:"__typename"`
		ID       string `json:"id"`
		Number   int    `json:"number"`
		Title    string `json:"title"`
		URL      string `json:"url"`
		Labels   struct {
			Nodes []struct {
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"labels"`
		Repository struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
	} `json:"content"`
}

// ListItemsByStatus pages the project's items and returns those whose Status
// field equals the requested name. Items without content (archived, drafts)
// are skipped. Bodies are not hydrated here.
func (b *Board) ListItemsByStatus(ctx domain.Context, projectID, status string) ([]domain.BoardItem, error) {
	var out []domain.BoardItem
	var after *string
	for {
		var data struct {
			Node struct {
				Items struct {
					Nodes    []boardItemNode `json:"nodes"`
					PageInfo pageInfo        `json:"pageInfo"`
				} `json:"items"`
			} `json:"node"`
		}
		vars := map[string]any{"project": projectID, "after": after}
		if err := b.client.GraphQL(ctx, listItemsQuery, vars, &data); err != nil {
			return nil, fmt.Errorf("op=board.ListItemsByStatus status=%s: %w", status, err)
		}
		for _, n := range data.Node.Items.Nodes {
			if n.Content == nil || n.FieldValueByName == nil || n.FieldValueByName.Name != status {
				continue
			}
			item := domain.BoardItem{
				ItemID:      n.ID,
				ContentID:   n.Content.ID,
				ContentType: n.Content.Typename,
				Title:       n.Content.Title,
				Number:      n.Content.Number,
				RepoOwner:   n.Content.Repository.Owner.Login,
				RepoName:    n.Content.Repository.Name,
				Status:      n.FieldValueByName.Name,
				HTMLURL:     n.Content.URL,
			}
			for _, l := range n.Content.Labels.Nodes {
				item.Labels = append(item.Labels, l.Name)
			}
			out = append(out, item)
		}
		pi := data.Node.Items.PageInfo
		if !pi.HasNextPage {
			return out, nil
		}
		after = &pi.EndCursor
	}
}

const findItemQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    issue(number: $number) {
      projectItems(first: 20) {
        nodes { id project { id } }
      }
    }
  }
}`

// FindItemIDForIssue resolves the project item id for an issue number.
func (b *Board) FindItemIDForIssue(ctx domain.Context, projectID, repoOwner, repoName string, number int) (string, error) {
	var data struct {
		Repository struct {
			Issue struct {
				ProjectItems struct {
					Nodes []struct {
						ID      string `json:"id"`
						Project struct {
							ID string `json:"id"`
						} `json:"project"`
					} `json:"nodes"`
				} `json:"projectItems"`
			} `json:"issue"`
		} `json:"repository"`
	}
	vars := map[string]any{"owner": repoOwner, "repo": repoName, "number": number}
	if err := b.client.GraphQL(ctx, findItemQuery, vars, &data); err != nil {
		return "", fmt.Errorf("op=board.FindItemIDForIssue issue=%d: %w", number, err)
	}
	for _, n := range data.Repository.Issue.ProjectItems.Nodes {
		if n.Project.ID == projectID {
			return n.ID, nil
		}
	}
	return "", fmt.Errorf("op=board.FindItemIDForIssue issue=%d: %w", number, domain.ErrNotFound)
}

const updateStatusMutation = `
mutation($project: ID!, $item: ID!, $field: ID!, $option: String!) {
  updateProjectV2ItemFieldValue(input: {
    projectId: $project, itemId: $item, fieldId: $field,
    value: { singleSelectOptionId: $option }
  }) { projectV2Item { id } }
}`

// UpdateItemStatus moves a project item to the given status option.
func (b *Board) UpdateItemStatus(ctx domain.Context, projectID, itemID, fieldID, optionID string) error {
	vars := map[string]any{"project": projectID, "item": itemID, "field": fieldID, "option": optionID}
	if err := b.client.GraphQL(ctx, updateStatusMutation, vars, nil); err != nil {
		return fmt.Errorf("op=board.UpdateItemStatus item=%s: %w", itemID, err)
	}
	return nil
}

const blockersQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    issue(number: $number) {
      trackedInIssues(first: 50) {
        nodes {
          number title state
          repository { name owner { login } }
        }
      }
    }
  }
}`

// GetIssueBlockers reads the tracked-in relationship. Failures are non-fatal:
// they log and return an empty slice so the caller treats the item as
// unblocked-unknown rather than erroring the whole pass.
func (b *Board) GetIssueBlockers(ctx domain.Context, repoOwner, repoName string, number int) []domain.BlockerIssue {
	var data struct {
		Repository struct {
			Issue struct {
				TrackedInIssues struct {
					Nodes []struct {
						Number     int    `json:"number"`
						Title      string `json:"title"`
						State      string `json:"state"`
						Repository struct {
							Name  string `json:"name"`
							Owner struct {
								Login string `json:"login"`
							} `json:"owner"`
						} `json:"repository"`
					} `json:"nodes"`
				} `json:"trackedInIssues"`
			} `json:"issue"`
		} `json:"repository"`
	}
	vars := map[string]any{"owner": repoOwner, "repo": repoName, "number": number}
	if err := b.client.GraphQL(ctx, blockersQuery, vars, &data); err != nil {
		b.log.Warn("blocker lookup failed", slog.Int("issue", number), slog.String("error", err.Error()))
		return nil
	}
	var out []domain.BlockerIssue
	for _, n := range data.Repository.Issue.TrackedInIssues.Nodes {
		out = append(out, domain.BlockerIssue{
			Number:    n.Number,
			Title:     n.Title,
			State:     n.State,
			RepoOwner: n.Repository.Owner.Login,
			RepoName:  n.Repository.Name,
		})
	}
	return out
}

const issueStatusQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    issue(number: $number) {
      projectItems(first: 20) {
        nodes {
          project { id }
          fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue { name }
          }
        }
      }
    }
  }
}`

// GetIssueProjectStatus returns the issue's Status name within the project,
// or ErrNotFound when the issue has no item on that board.
func (b *Board) GetIssueProjectStatus(ctx domain.Context, projectID string, number int, repoOwner, repoName string) (string, error) {
	var data struct {
		Repository struct {
			Issue struct {
				ProjectItems struct {
					Nodes []struct {
						Project struct {
							ID string `json:"id"`
						} `json:"project"`
						FieldValueByName *struct {
							Name string `json:"name"`
						} `json:"fieldValueByName"`
					} `json:"nodes"`
				} `json:"projectItems"`
			} `json:"issue"`
		} `json:"repository"`
	}
	vars := map[string]any{"owner": repoOwner, "repo": repoName, "number": number}
	if err := b.client.GraphQL(ctx, issueStatusQuery, vars, &data); err != nil {
		return "", fmt.Errorf("op=board.GetIssueProjectStatus issue=%d: %w", number, err)
	}
	for _, n := range data.Repository.Issue.ProjectItems.Nodes {
		if n.Project.ID == projectID && n.FieldValueByName != nil {
			return n.FieldValueByName.Name, nil
		}
	}
	return "", fmt.Errorf("op=board.GetIssueProjectStatus issue=%d: %w", number, domain.ErrNotFound)
}
