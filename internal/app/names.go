package app

import (
	"context"

	"circuit-trivia-bot/internal/domain"
)

// Names maps user ids to display names.
type Names map[string]string

// Name returns the display name for id, falling back to the id itself.
func (n Names) Name(id string) string {
	if name, ok := n[id]; ok && name != "" {
		return name
	}
	return id
}

// ResolveNames looks up display names in batches of at most batch ids per call,
// since the lookup endpoint limits how many ids one request may carry.
func ResolveNames(ctx context.Context, chat ChatClient, cred domain.Credential, ids []string, batch int) (Names, error) {
	if batch <= 0 {
		batch = DefaultLookupBatch
	}
	names := make(Names, len(ids))
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		users, err := chat.ListUsers(ctx, cred, ids[start:end])
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			names[u.UserID] = u.DisplayName
		}
	}
	return names, nil
}
