// Package prompts manages the versioned system-prompt library and resolves
// the prompt text a task's VM sessions are provisioned with.
package prompts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/swcompose/operator/internal/store"
)

// ErrSystemPromptAlreadySet is returned when a task already has a system
// prompt selected; selections are never silently overwritten.
var ErrSystemPromptAlreadySet = errors.New("prompts: task already has a system prompt set")

// Service wraps prompt-library reads and writes over the store.
type Service struct {
	store store.Store
	// fallback is used when a task has no prompt selected and the library
	// has no default.
	fallback string
}

// New creates a Service. fallback may be empty, in which case tasks with no
// selection resolve to no prompt at all.
func New(st store.Store, fallback string) *Service {
	return &Service{store: st, fallback: fallback}
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderPreview renders prompt markdown to HTML for the console preview
// pane.
func RenderPreview(content string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("prompts: rendering markdown: %w", err)
	}
	return buf.String(), nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a display name into a URL-friendly slug.
func Slugify(name string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(content string) int {
	return (utf8.RuneCountInString(content) + 3) / 4
}

// latestVersion returns the highest-numbered version of a prompt, or nil.
// Versions are kept sorted newest first by the store queries.
func latestVersion(p *store.Prompt) *store.PromptVersion {
	if p == nil || len(p.Versions) == 0 {
		return nil
	}
	return &p.Versions[0]
}

// ResolveForTask returns the system prompt text for a task: the selected
// version's content, else the latest version of the selected prompt, else
// the library default prompt, else the configured fallback.
func (s *Service) ResolveForTask(ctx context.Context, taskID string) (string, error) {
	prompt, version, err := s.store.TaskSystemPrompt(ctx, taskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if version != nil {
		return version.Content, nil
	}
	if v := latestVersion(prompt); v != nil {
		return v.Content, nil
	}

	all, err := s.store.ListPrompts(ctx)
	if err != nil {
		return "", err
	}
	for i := range all {
		if all[i].IsDefault {
			if v := latestVersion(&all[i]); v != nil {
				return v.Content, nil
			}
		}
	}
	return s.fallback, nil
}

// Create adds a new prompt with its initial version in one transaction.
func (s *Service) Create(ctx context.Context, name, content string, tags []string) (promptID, versionID string, err error) {
	promptID = s.store.NewID()
	versionID = s.store.NewID()
	now := time.Now()

	err = s.store.Transact(ctx, []store.Op{
		{
			Entity: store.EntityPrompts,
			ID:     promptID,
			Set: map[string]any{
				"name":      name,
				"slug":      Slugify(name),
				"tags":      tags,
				"isActive":  true,
				"isDefault": false,
				"createdAt": now,
				"updatedAt": now,
			},
		},
		{
			Entity: store.EntityPromptVersions,
			ID:     versionID,
			Set: map[string]any{
				"version":    1,
				"content":    content,
				"isLatest":   true,
				"isDraft":    false,
				"tokenCount": EstimateTokens(content),
				"createdAt":  now,
			},
			Links: map[string]any{"prompt": promptID},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("prompts: creating %q: %w", name, err)
	}
	return promptID, versionID, nil
}

// AddVersion appends a new version to a prompt, demoting the previous
// latest in the same transaction.
func (s *Service) AddVersion(ctx context.Context, promptID, content, changelog string) (string, error) {
	prompt, err := s.store.GetPrompt(ctx, promptID)
	if err != nil {
		return "", fmt.Errorf("prompts: loading prompt %s: %w", promptID, err)
	}

	next := 1
	ops := make([]store.Op, 0, 3)
	if v := latestVersion(prompt); v != nil {
		next = v.Version + 1
		ops = append(ops, store.Op{
			Entity: store.EntityPromptVersions,
			ID:     v.ID,
			Set:    map[string]any{"isLatest": false},
		})
	}

	versionID := s.store.NewID()
	now := time.Now()
	ops = append(ops,
		store.Op{
			Entity: store.EntityPromptVersions,
			ID:     versionID,
			Set: map[string]any{
				"version":    next,
				"content":    content,
				"changelog":  changelog,
				"isLatest":   true,
				"isDraft":    false,
				"tokenCount": EstimateTokens(content),
				"createdAt":  now,
			},
			Links: map[string]any{"prompt": promptID},
		},
		store.Op{
			Entity: store.EntityPrompts,
			ID:     promptID,
			Set:    map[string]any{"updatedAt": now},
		},
	)
	if err := s.store.Transact(ctx, ops); err != nil {
		return "", fmt.Errorf("prompts: adding version to %s: %w", promptID, err)
	}
	return versionID, nil
}

// Fork copies a version's content into a brand-new prompt and records the
// lineage.
func (s *Service) Fork(ctx context.Context, originalPromptID, originalVersionID, newName, reason string) (string, error) {
	original, err := s.store.GetPrompt(ctx, originalPromptID)
	if err != nil {
		return "", fmt.Errorf("prompts: loading prompt %s: %w", originalPromptID, err)
	}
	var source *store.PromptVersion
	for i := range original.Versions {
		if original.Versions[i].ID == originalVersionID {
			source = &original.Versions[i]
			break
		}
	}
	if source == nil {
		return "", fmt.Errorf("prompts: version %s not found on prompt %s", originalVersionID, originalPromptID)
	}

	newPromptID := s.store.NewID()
	newVersionID := s.store.NewID()
	forkID := s.store.NewID()
	now := time.Now()

	err = s.store.Transact(ctx, []store.Op{
		{
			Entity: store.EntityPrompts,
			ID:     newPromptID,
			Set: map[string]any{
				"name":      newName,
				"slug":      Slugify(newName),
				"isActive":  true,
				"isDefault": false,
				"createdAt": now,
				"updatedAt": now,
			},
		},
		{
			Entity: store.EntityPromptVersions,
			ID:     newVersionID,
			Set: map[string]any{
				"version":    1,
				"content":    source.Content,
				"isLatest":   true,
				"isDraft":    false,
				"tokenCount": EstimateTokens(source.Content),
				"createdAt":  now,
			},
			Links: map[string]any{
				"prompt":     newPromptID,
				"forkedFrom": originalVersionID,
			},
		},
		{
			Entity: store.EntityPromptForks,
			ID:     forkID,
			Set: map[string]any{
				"forkReason": reason,
				"createdAt":  now,
			},
			Links: map[string]any{
				"originalPrompt":  originalPromptID,
				"originalVersion": originalVersionID,
				"newPrompt":       newPromptID,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("prompts: forking %s: %w", originalPromptID, err)
	}
	return newPromptID, nil
}

// SetTaskSystemPrompt selects a prompt and version for a task. A second
// selection is rejected; the existing one is never overwritten.
func (s *Service) SetTaskSystemPrompt(ctx context.Context, taskID, promptID, versionID string) error {
	existing, _, err := s.store.TaskSystemPrompt(ctx, taskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w (current: %s)", ErrSystemPromptAlreadySet, existing.ID)
	}

	links := map[string]any{"systemPrompt": promptID}
	if versionID != "" {
		links["systemPromptVersion"] = versionID
	}
	if err := s.store.Transact(ctx, []store.Op{{
		Entity: store.EntityTasks,
		ID:     taskID,
		Links:  links,
	}}); err != nil {
		return fmt.Errorf("prompts: setting system prompt for task %s: %w", taskID, err)
	}
	return nil
}

// List returns the prompt library.
func (s *Service) List(ctx context.Context) ([]store.Prompt, error) {
	return s.store.ListPrompts(ctx)
}

// Get returns one prompt with versions.
func (s *Service) Get(ctx context.Context, promptID string) (*store.Prompt, error) {
	return s.store.GetPrompt(ctx, promptID)
}
