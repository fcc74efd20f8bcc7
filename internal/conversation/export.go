package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type exportRecord struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"`
	Author         string    `json:"author,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExportFileName is the name Export writes under its directory.
func ExportFileName(conversationID int64) string {
	return fmt.Sprintf("conversation_%d.json", conversationID)
}

// Export writes the whole feed as a JSON array to dir/conversation_<id>.json
// and returns the path. With a sealer configured the file holds an encrypted
// envelope of that array instead.
func (s *Service) Export(ctx context.Context, conversationID int64, dir string) (string, error) {
	if err := requireID(conversationID, "conversation id"); err != nil {
		return "", err
	}
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return "", err
	}
	feed, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return "", err
	}

	records := make([]exportRecord, 0, len(feed))
	for _, e := range feed {
		r := exportRecord{
			ID:             e.ID,
			ConversationID: e.ConversationID,
			Role:           e.Role,
			Content:        e.Content,
			CreatedAt:      e.CreatedAt,
		}
		if e.Author != nil {
			r.Author = *e.Author
		}
		records = append(records, r)
	}

	var data []byte
	if s.sealer != nil {
		data, err = s.sealer.SealJSON(records)
	} else {
		data, err = json.MarshalIndent(records, "", "  ")
	}
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}

	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, ExportFileName(conversationID))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	s.logger.Info().Int64("conversation_id", conversationID).Str("path", path).Bool("sealed", s.sealer != nil).Msg("conversation exported")
	return path, nil
}
