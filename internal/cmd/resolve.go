package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/conductor/internal/api"
)

// resolveID expands an id prefix, as printed by the list commands, to the
// one full id it matches.
func resolveID(kind, prefix string, ids []string) (string, error) {
	var matches []string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no %s matches %q", kind, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous: %d %ss match", prefix, len(matches), kind)
	}
}

func resolveWorkspace(ctx context.Context, c *api.Client, prefix string) (string, error) {
	items, err := c.Workspaces(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return resolveID("workspace", prefix, ids)
}

func resolveTask(ctx context.Context, c *api.Client, prefix string) (string, error) {
	items, err := c.Tasks(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return resolveID("task", prefix, ids)
}

func resolveSession(ctx context.Context, c *api.Client, prefix string) (string, error) {
	items, err := c.Sessions(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return resolveID("session", prefix, ids)
}
