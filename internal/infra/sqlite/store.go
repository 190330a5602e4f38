// Package sqlite keeps trivia records in a local SQLite file for single-instance deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	namespace  TEXT PRIMARY KEY,
	domain     TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	token      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS questions (
	namespace         TEXT NOT NULL,
	id                TEXT NOT NULL,
	conv_id           TEXT NOT NULL,
	category          TEXT NOT NULL,
	difficulty        TEXT NOT NULL,
	question          TEXT NOT NULL,
	correct_answer    TEXT NOT NULL,
	incorrect_answers TEXT NOT NULL,
	status            TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	PRIMARY KEY (namespace, id)
);
CREATE TABLE IF NOT EXISTS submissions (
	namespace    TEXT NOT NULL,
	question_id  TEXT NOT NULL,
	submitter_id TEXT NOT NULL,
	value        TEXT NOT NULL,
	correct      INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (namespace, question_id, submitter_id)
);
`

// Store is the SQLite implementation of app.Store.
type Store struct {
	db *sql.DB
	ns string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path, namespace string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer keeps INSERT ... SELECT and UPDATE serialized
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, ns: namespace}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveCredential(ctx context.Context, cred domain.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (namespace, domain, user_id, token, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace) DO UPDATE SET
			domain = excluded.domain, user_id = excluded.user_id, token = excluded.token, created_at = excluded.created_at`,
		s.ns, cred.Domain, cred.UserID, cred.Token, cred.CreatedAt.UnixNano())
	return err
}

func (s *Store) GetCredential(ctx context.Context) (domain.Credential, error) {
	var (
		cred    domain.Credential
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT domain, user_id, token, created_at FROM credentials WHERE namespace = ?`, s.ns).
		Scan(&cred.Domain, &cred.UserID, &cred.Token, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	if err != nil {
		return domain.Credential{}, err
	}
	cred.CreatedAt = fromNanos(created)
	return cred, nil
}

func (s *Store) AddQuestion(ctx context.Context, q domain.Question) error {
	incorrect, err := json.Marshal(q.IncorrectAnswers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO questions
			(namespace, id, conv_id, category, difficulty, question, correct_answer, incorrect_answers, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ns, q.ID, q.ConversationID, q.Category, q.Difficulty, q.Text, q.CorrectAnswer,
		string(incorrect), string(q.Status), q.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

const questionColumns = `id, conv_id, category, difficulty, question, correct_answer, incorrect_answers, status, created_at`

func (s *Store) GetQuestion(ctx context.Context, questionID string) (domain.Question, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE namespace = ? AND id = ?`, s.ns, questionID)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return q, err
}

func (s *Store) ExpireQuestion(ctx context.Context, questionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET status = 'expired' WHERE namespace = ? AND id = ? AND status = 'active'`,
		s.ns, questionID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetQuestion(ctx, questionID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ListQuestions(ctx context.Context) ([]domain.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE namespace = ? ORDER BY created_at, id`, s.ns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) CountQuestions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM questions WHERE namespace = ?`, s.ns).Scan(&n)
	return n, err
}

func (s *Store) HasSubmission(ctx context.Context, questionID, submitterID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE namespace = ? AND question_id = ? AND submitter_id = ?)`,
		s.ns, questionID, submitterID).Scan(&exists)
	return exists, err
}

func (s *Store) AddSubmission(ctx context.Context, sub domain.Submission) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO submissions (namespace, question_id, submitter_id, value, correct, created_at)
		SELECT namespace, id, ?, ?, ?, ? FROM questions
		WHERE namespace = ? AND id = ? AND status = 'active'`,
		sub.SubmitterID, sub.Value, sub.Correct, sub.SubmittedAt.UnixNano(), s.ns, sub.QuestionID)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	dup, err := s.HasSubmission(ctx, sub.QuestionID, sub.SubmitterID)
	if err != nil {
		return err
	}
	if dup {
		return domain.ErrDuplicateSubmission
	}
	return domain.ErrQuestionExpired
}

const submissionColumns = `question_id, submitter_id, value, correct, created_at`

func (s *Store) ListSubmissions(ctx context.Context, questionID string) ([]domain.Submission, error) {
	return s.querySubmissions(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE namespace = ? AND question_id = ? ORDER BY created_at, submitter_id`, s.ns, questionID)
}

func (s *Store) AllSubmissions(ctx context.Context) ([]domain.Submission, error) {
	return s.querySubmissions(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE namespace = ? ORDER BY created_at, submitter_id`, s.ns)
}

func (s *Store) Purge(ctx context.Context, kind string) (int, error) {
	var table string
	switch kind {
	case app.KindCredential:
		table = "credentials"
	case app.KindQuestion:
		table = "questions"
	case app.KindSubmission:
		table = "submissions"
	default:
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE namespace = ?`, s.ns)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) querySubmissions(ctx context.Context, query string, args ...any) ([]domain.Submission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Submission
	for rows.Next() {
		var (
			sub     domain.Submission
			created int64
		)
		if err := rows.Scan(&sub.QuestionID, &sub.SubmitterID, &sub.Value, &sub.Correct, &created); err != nil {
			return nil, err
		}
		sub.SubmittedAt = fromNanos(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner) (domain.Question, error) {
	var (
		q         domain.Question
		incorrect string
		status    string
		created   int64
	)
	err := row.Scan(&q.ID, &q.ConversationID, &q.Category, &q.Difficulty, &q.Text, &q.CorrectAnswer,
		&incorrect, &status, &created)
	if err != nil {
		return domain.Question{}, err
	}
	if err := json.Unmarshal([]byte(incorrect), &q.IncorrectAnswers); err != nil {
		return domain.Question{}, fmt.Errorf("decode incorrect answers of %s: %w", q.ID, err)
	}
	q.Status = domain.QuestionStatus(status)
	q.CreatedAt = fromNanos(created)
	return q, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
