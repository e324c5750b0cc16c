package job

import (
	"context"
	"database/sql"
	"time"

	"github.com/threadline/threadline/errors"
)

// MessageStore handles persistence of conversation messages
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a new message store
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append inserts a message with the next order_index for its job. The
// index is assigned inside a transaction so concurrent appends to the
// same job cannot collide; the UNIQUE(job_id, order_index) constraint
// backs this up.
func (s *MessageStore) Append(ctx context.Context, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin append transaction")
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(order_index) + 1, 0) FROM messages WHERE job_id = ?`,
		m.JobID).Scan(&next)
	if err != nil {
		return errors.Wrapf(err, "failed to compute order index for job %s", m.JobID)
	}
	m.OrderIndex = next

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, job_id, role, content, response_type, agent_name,
			error_message, metadata, requires_action, order_index, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.JobID,
		string(m.Role),
		m.Content,
		nullString(m.ResponseType),
		nullString(m.AgentName),
		nullString(m.ErrorMessage),
		nullString(m.Metadata),
		m.RequiresAction,
		m.OrderIndex,
		m.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to append message to job %s", m.JobID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit message append")
	}
	return nil
}

// ListByJob returns a job's messages ordered by order_index.
func (s *MessageStore) ListByJob(ctx context.Context, jobID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, role, content, response_type, agent_name,
		       error_message, metadata, requires_action, order_index, created_at
		FROM messages
		WHERE job_id = ?
		ORDER BY order_index ASC`,
		jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list messages for job %s", jobID)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountByJob returns how many messages a job has, and how many of those
// are assistant messages. The rescuer uses this to classify stuck jobs
// without loading full message bodies.
func (s *MessageStore) CountByJob(ctx context.Context, jobID string) (total int, assistant int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN role = 'assistant' THEN 1 ELSE 0 END), 0)
		FROM messages
		WHERE job_id = ?`,
		jobID).Scan(&total, &assistant)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to count messages for job %s", jobID)
	}
	return total, assistant, nil
}

// LatestAssistantContent returns the content of a job's most recent
// assistant message, or empty string if none exists.
func (s *MessageStore) LatestAssistantContent(ctx context.Context, jobID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM messages
		WHERE job_id = ? AND role = 'assistant'
		ORDER BY order_index DESC
		LIMIT 1`,
		jobID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to get latest assistant message for job %s", jobID)
	}
	return content, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var role, createdAt string
	var responseType, agentName, errorMessage, metadata sql.NullString

	err := rows.Scan(
		&m.ID,
		&m.JobID,
		&role,
		&m.Content,
		&responseType,
		&agentName,
		&errorMessage,
		&metadata,
		&m.RequiresAction,
		&m.OrderIndex,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	m.Role = Role(role)
	if responseType.Valid {
		m.ResponseType = responseType.String
	}
	if agentName.Valid {
		m.AgentName = agentName.String
	}
	if errorMessage.Valid {
		m.ErrorMessage = errorMessage.String
	}
	if metadata.Valid {
		m.Metadata = metadata.String
	}

	m.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for message %s", m.ID)
	}

	return &m, nil
}
