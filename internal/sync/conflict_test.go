package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/feedsync/internal/models"
	"github.com/pulseboard/feedsync/pkg/api"
)

func TestResolve(t *testing.T) {
	server := &models.Feedback{
		ID:          "fb-1",
		ProjectID:   "proj-1",
		Title:       "Server title",
		Description: "Server description",
		Status:      models.StatusInProgress,
		UpdatedAt:   time.Now().UTC(),
	}
	payload := map[string]any{"title": "Client title"}

	tests := []struct {
		name     string
		strategy api.ConflictStrategy
		apply    bool
		code     string
	}{
		{name: "client wins applies", strategy: api.StrategyClientWins, apply: true},
		{name: "merge applies", strategy: api.StrategyMerge, apply: true},
		{name: "server wins rejects", strategy: api.StrategyServerWins, code: api.CodeConflict},
		{name: "manual rejects with its own code", strategy: api.StrategyManual, code: api.CodeManualRequired},
		{name: "unknown falls back to server wins", strategy: "majority-vote", code: api.CodeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(server, payload, tt.strategy)

			assert.Equal(t, tt.apply, res.Apply)
			if tt.apply {
				require.NotNil(t, res.Merged)
				assert.Equal(t, "Client title", res.Merged.Title)
				// fields absent from the payload come from the server
				assert.Equal(t, "Server description", res.Merged.Description)
				assert.Equal(t, models.StatusInProgress, res.Merged.Status)
			} else {
				assert.Equal(t, tt.code, res.Code)
				assert.Nil(t, res.Merged)
			}

			// The server record itself is never touched
			assert.Equal(t, "Server title", server.Title)
		})
	}
}
