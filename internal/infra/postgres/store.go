package postgres

import (
	"context"
	"errors"
	"fmt"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/domain"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

// Store is the Postgres implementation of app.Store. Every row carries the namespace so
// several deployments can share one database.
type Store struct {
	pool *pgxpool.Pool
	ns   string
}

func NewStore(pool *pgxpool.Pool, namespace string) *Store {
	return &Store{pool: pool, ns: namespace}
}

func (s *Store) SaveCredential(ctx context.Context, cred domain.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trivia_credentials (namespace, domain, user_id, token, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace) DO UPDATE
		SET domain = EXCLUDED.domain, user_id = EXCLUDED.user_id, token = EXCLUDED.token, created_at = EXCLUDED.created_at`,
		s.ns, cred.Domain, cred.UserID, cred.Token, cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context) (domain.Credential, error) {
	var cred domain.Credential
	err := s.pool.QueryRow(ctx,
		`SELECT domain, user_id, token, created_at FROM trivia_credentials WHERE namespace = $1`, s.ns).
		Scan(&cred.Domain, &cred.UserID, &cred.Token, &cred.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	if err != nil {
		return domain.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	return cred, nil
}

func (s *Store) AddQuestion(ctx context.Context, q domain.Question) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trivia_questions
			(namespace, id, conv_id, category, difficulty, question, correct_answer, incorrect_answers, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ns, q.ID, q.ConversationID, q.Category, q.Difficulty, q.Text, q.CorrectAnswer,
		q.IncorrectAnswers, string(q.Status), q.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("question %s already stored: %w", q.ID, err)
	}
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

const questionColumns = `id, conv_id, category, difficulty, question, correct_answer, incorrect_answers, status, created_at`

func (s *Store) GetQuestion(ctx context.Context, questionID string) (domain.Question, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM trivia_questions WHERE namespace = $1 AND id = $2`, s.ns, questionID)
	q, err := scanQuestion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return q, err
}

func (s *Store) ExpireQuestion(ctx context.Context, questionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trivia_questions SET status = 'expired' WHERE namespace = $1 AND id = $2 AND status = 'active'`,
		s.ns, questionID)
	if err != nil {
		return false, fmt.Errorf("expire question: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetQuestion(ctx, questionID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ListQuestions(ctx context.Context) ([]domain.Question, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+questionColumns+` FROM trivia_questions WHERE namespace = $1 ORDER BY created_at, id`, s.ns)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
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
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM trivia_questions WHERE namespace = $1`, s.ns).Scan(&n)
	return n, err
}

func (s *Store) HasSubmission(ctx context.Context, questionID, submitterID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM trivia_submissions
		WHERE namespace = $1 AND question_id = $2 AND submitter_id = $3)`,
		s.ns, questionID, submitterID).Scan(&exists)
	return exists, err
}

// AddSubmission inserts through the question row locked FOR SHARE, so a concurrent
// expiry either waits for the insert or is seen by it.
func (s *Store) AddSubmission(ctx context.Context, sub domain.Submission) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO trivia_submissions (namespace, question_id, submitter_id, value, correct, created_at)
		SELECT namespace, id, $3, $4, $5, $6 FROM trivia_questions
		WHERE namespace = $1 AND id = $2 AND status = 'active'
		FOR SHARE
		ON CONFLICT (namespace, question_id, submitter_id) DO NOTHING`,
		s.ns, sub.QuestionID, sub.SubmitterID, sub.Value, sub.Correct, sub.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	if tag.RowsAffected() == 1 {
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
	return s.querySubmissions(ctx, `
		SELECT `+submissionColumns+` FROM trivia_submissions
		WHERE namespace = $1 AND question_id = $2 ORDER BY created_at, submitter_id`, s.ns, questionID)
}

func (s *Store) AllSubmissions(ctx context.Context) ([]domain.Submission, error) {
	return s.querySubmissions(ctx, `
		SELECT `+submissionColumns+` FROM trivia_submissions
		WHERE namespace = $1 ORDER BY created_at, submitter_id`, s.ns)
}

func (s *Store) Purge(ctx context.Context, kind string) (int, error) {
	var table string
	switch kind {
	case app.KindCredential:
		table = "trivia_credentials"
	case app.KindQuestion:
		table = "trivia_questions"
	case app.KindSubmission:
		table = "trivia_submissions"
	default:
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE namespace = $1`, s.ns)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", kind, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) querySubmissions(ctx context.Context, sql string, args ...interface{}) ([]domain.Submission, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	var out []domain.Submission
	for rows.Next() {
		var sub domain.Submission
		if err := rows.Scan(&sub.QuestionID, &sub.SubmitterID, &sub.Value, &sub.Correct, &sub.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanQuestion(row pgx.Row) (domain.Question, error) {
	var (
		q      domain.Question
		status string
	)
	err := row.Scan(&q.ID, &q.ConversationID, &q.Category, &q.Difficulty, &q.Text, &q.CorrectAnswer,
		&q.IncorrectAnswers, &status, &q.CreatedAt)
	if err != nil {
		return domain.Question{}, err
	}
	q.Status = domain.QuestionStatus(status)
	return q, nil
}

// Connect opens a pool and verifies the connection.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
