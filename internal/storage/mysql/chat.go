package mysql

import (
	"context"
	"database/sql"

	"inkstudio/internal/domain"
)

func (r *Repo) CreateConversation(ctx context.Context, c domain.Conversation) error {
	_, err := r.db.ExecContext(ctx, insertConversationSQL, c.ID, c.Channel, c.Flagged, valStr(c.FlagNote))
	return mapErr(err)
}

func (r *Repo) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var (
		c    domain.Conversation
		note sql.NullString
	)
	err := r.db.QueryRowContext(ctx, getConversationSQL, id).Scan(&c.ID, &c.Channel, &c.Flagged, &note, &c.CreatedAt)
	if err != nil {
		return domain.Conversation{}, mapErr(err)
	}
	c.FlagNote = strPtr(note)
	return c, nil
}

func (r *Repo) FlagConversation(ctx context.Context, id, note string) error {
	res, err := r.db.ExecContext(ctx, flagConversationSQL, note, id)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// already flagged rows report 0 affected; confirm the row exists
		_, err := r.GetConversation(ctx, id)
		return err
	}
	return nil
}

func (r *Repo) AppendMessage(ctx context.Context, m domain.ChatMessage) error {
	_, err := r.db.ExecContext(ctx, insertMessageSQL, m.ID, m.ConversationID, m.Role, m.Content, valStr(m.FinishReason))
	return mapErr(err)
}

func (r *Repo) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx, listMessagesSQL, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ChatMessage{}
	for rows.Next() {
		var (
			m      domain.ChatMessage
			finish sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &finish, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.FinishReason = strPtr(finish)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
