package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/circuit"
	"circuit-trivia-bot/internal/domain"
	"circuit-trivia-bot/internal/infra/memory"
	pgstore "circuit-trivia-bot/internal/infra/postgres"
	pgmigrations "circuit-trivia-bot/internal/infra/postgres/migrations"
	infraredis "circuit-trivia-bot/internal/infra/redis"
	"circuit-trivia-bot/internal/opentdb"
	transport "circuit-trivia-bot/internal/transport/http"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

func TestTriviaRoundEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateDB(t, ctx, pgURL)

	pool, err := pgstore.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()
	store := pgstore.NewStore(pool, "trivia_it")

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	chatStub := newCircuitStub(map[string]string{"u1": "Alice", "u2": "Bob"})
	chatServer := httptest.NewServer(chatStub.routes())
	defer chatServer.Close()
	tdbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response_code":0,"results":[{"category":"Science: Computers","type":"multiple","difficulty":"easy",` +
			`"question":"What does CPU stand for?","correct_answer":"Central Processing Unit",` +
			`"incorrect_answers":["Central Process Unit","Computer Personal Unit","Central Processor Unit"]}]}`))
	}))
	defer tdbServer.Close()

	bot := domain.Credential{Domain: chatServer.URL, UserID: "bot", Token: "bot-token", CreatedAt: time.Now().UTC()}
	if err := store.SaveCredential(ctx, bot); err != nil {
		t.Fatalf("save credential: %v", err)
	}

	chat := circuit.NewClient(chatServer.URL, nil, nil)
	provider := opentdb.NewClient(tdbServer.URL, nil, nil)
	sched := infraredis.NewScheduler(redisClient, "trivia_it", 50*time.Millisecond, nil)
	feed := infraredis.NewFeed(redisClient, "trivia_it")

	engine := app.NewEngine(store, chat, provider, sched, app.EngineConfig{
		AnswerWindow: 3 * time.Second,
		Grace:        100 * time.Millisecond,
	}, nil).WithEvents(feed)
	router := app.NewRouter(engine, app.NewAggregator(store, chat, app.PerfectIsHundred, 0), chat,
		staticClassifier{name: app.IntentNewQuestion}, nil)
	webhook := httptest.NewServer(transport.NewWebhookHandler(router, memory.NewCredentialCache(store, time.Minute), nil))
	defer webhook.Close()

	runCtx, stopScheduler := context.WithCancel(ctx)
	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(runCtx, engine.CloseDue) }()
	defer func() {
		stopScheduler()
		<-schedDone
	}()

	events, unsubscribe, err := feed.Subscribe(ctx, "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	code, body := postWebhook(t, webhook.URL, map[string]any{
		"type": transport.EventAddItem,
		"item": map[string]any{
			"itemId":    "item-in",
			"convId":    "conv-1",
			"creatorId": "u1",
			"text":      map[string]any{"content": `<span class="mention" abbr="bot">@Trivia</span> new question`},
		},
	})
	if code != http.StatusOK {
		t.Fatalf("add item: %d %s", code, body)
	}
	questionID := chatStub.lastItemID()

	submit := func(user, value string) (int, string) {
		return postWebhook(t, webhook.URL, map[string]any{
			"type": transport.EventSubmitFormData,
			"submitFormData": map[string]any{
				"formId":      domain.FormID,
				"itemId":      questionID,
				"submitterId": user,
				"data":        []map[string]string{{"name": domain.RoleChoices, "value": value}},
			},
		})
	}
	if code, body := submit("u1", "Central Processing Unit"); code != http.StatusOK {
		t.Fatalf("submit u1: %d %s", code, body)
	}
	if code, body := submit("u2", "Central Process Unit"); code != http.StatusOK {
		t.Fatalf("submit u2: %d %s", code, body)
	}
	if code, body := submit("u1", "Central Process Unit"); code != http.StatusInternalServerError || body != "Already submitted" {
		t.Fatalf("expected duplicate rejection, got %d %q", code, body)
	}

	closed := waitForClose(t, events, questionID)
	if len(closed.Winners) != 1 || closed.Winners[0] != "Alice" || closed.Submissions != 2 {
		t.Fatalf("unexpected close event %+v", closed)
	}

	if code, body := submit("u3", "Central Processing Unit"); code != http.StatusInternalServerError || body != "Question has expired" {
		t.Fatalf("expected expired rejection, got %d %q", code, body)
	}

	form := chatStub.form(t, questionID)
	result, ok := form.Control(domain.RoleResult)
	if !ok || result.Text != "Correct answers from: <b>Alice</b>" {
		t.Fatalf("unexpected result form %+v", form)
	}
	stats, err := app.NewAggregator(store, chat, app.PerfectIsHundred, 0).ComputeStats(ctx, bot)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.QuestionCount != 1 || stats.SubmissionCount != 2 || stats.Users[0].DisplayName != "Alice" {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if n, err := store.Purge(ctx, app.KindQuestion); err != nil || n != 1 {
		t.Fatalf("purge questions: n=%d err=%v", n, err)
	}
	if subs, err := store.AllSubmissions(ctx); err != nil || len(subs) != 2 {
		t.Fatalf("purging questions must leave submissions: %d, %v", len(subs), err)
	}
}

func waitForClose(t *testing.T, events <-chan domain.RoundEvent, questionID string) domain.RoundEvent {
	t.Helper()
	timeout := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("feed closed before round %s closed", questionID)
			}
			if ev.Type == domain.EventRoundClosed && ev.QuestionID == questionID {
				return ev
			}
		case <-timeout:
			t.Fatalf("round %s was not closed", questionID)
		}
	}
}

type staticClassifier struct {
	name string
}

func (c staticClassifier) DetectIntent(_ context.Context, text, _ string) (domain.Intent, error) {
	return domain.Intent{QueryText: text, Name: c.name}, nil
}

// circuitStub keeps posted items in memory and serves the REST calls the bot makes.
type circuitStub struct {
	mu     sync.Mutex
	next   int
	last   string
	items  map[string]map[string]string
	users  map[string]string
	owners map[string]string
}

func newCircuitStub(users map[string]string) *circuitStub {
	return &circuitStub{items: make(map[string]map[string]string), users: users, owners: make(map[string]string)}
}

func (s *circuitStub) routes() http.Handler {
	mux := http.NewServeMux()
	post := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.next++
		id := fmt.Sprintf("item-%d", s.next)
		s.items[id] = body
		s.owners[id] = r.PathValue("conv")
		s.last = id
		s.mu.Unlock()
		s.writeItem(w, id)
	}
	mux.HandleFunc("POST /rest/conversations/{conv}/messages", post)
	mux.HandleFunc("POST /rest/conversations/{conv}/messages/{parent}", post)
	mux.HandleFunc("PUT /rest/conversations/{conv}/messages/{item}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		id := r.PathValue("item")
		s.mu.Lock()
		for k, v := range body {
			s.items[id][k] = v
		}
		s.mu.Unlock()
		s.writeItem(w, id)
	})
	mux.HandleFunc("GET /rest/conversations/messages/{item}", func(w http.ResponseWriter, r *http.Request) {
		s.writeItem(w, r.PathValue("item"))
	})
	mux.HandleFunc("GET /rest/users/list", func(w http.ResponseWriter, r *http.Request) {
		var users []domain.User
		for _, id := range strings.Split(r.URL.Query().Get("name"), ",") {
			if name, ok := s.users[id]; ok {
				users = append(users, domain.User{UserID: id, DisplayName: name})
			}
		}
		_ = json.NewEncoder(w).Encode(users)
	})
	return mux
}

func (s *circuitStub) writeItem(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.items[id]
	if !ok {
		http.NotFound(w, nil)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"itemId": id,
		"convId": s.owners[id],
		"text":   map[string]string{"content": body["content"], "formMetaData": body["formMetaData"]},
	})
}

func (s *circuitStub) lastItemID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *circuitStub) form(t *testing.T, id string) domain.Form {
	t.Helper()
	s.mu.Lock()
	raw := s.items[id]["formMetaData"]
	s.mu.Unlock()
	f, err := domain.ParseForm(raw)
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	return f
}

func postWebhook(t *testing.T, url string, payload any) (int, string) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read webhook response: %v", err)
	}
	return resp.StatusCode, strings.TrimSpace(string(b))
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "trivia", "POSTGRES_PASSWORD": "triviapass", "POSTGRES_DB": "triviadb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://trivia:triviapass@%s:%s/triviadb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(context.Background())
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(context.Background())
	}
}

func migrateDB(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	// postgres accepts connections on the mapped port slightly before it accepts queries
	var lastErr error
	for i := 0; i < 20; i++ {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		db := bun.NewDB(sqldb, pgdialect.New())
		migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
		lastErr = migrator.Init(ctx)
		if lastErr == nil {
			_, lastErr = migrator.Migrate(ctx)
		}
		db.Close()
		if lastErr == nil {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("migrate: %v", lastErr)
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
