package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/voltscope/api/internal/auth"
	"github.com/voltscope/api/internal/classifier"
	"github.com/voltscope/api/internal/handler"
	"github.com/voltscope/api/internal/middleware"
	"github.com/voltscope/api/internal/resilience"
	"github.com/voltscope/api/internal/service"
	"github.com/voltscope/api/internal/store"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app *fiber.App
}

// setupApp creates a Fiber app identical to main.go but with unconfigured
// external clients and no worker server, so submitted jobs stay queued.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	// Redis (localhost — must be running)
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	t.Cleanup(func() {
		redisClient.FlushDB(context.Background())
		redisClient.Close()
	})

	// Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() { asynqClient.Close() })

	validate := validator.New()

	// Stores
	jobStore := store.NewJobStore(redisClient, time.Hour)
	recordStore := store.NewRecordStore(redisClient)
	systemStore := store.NewSystemStore(redisClient)
	breakerStateStore := store.NewBreakerStateStore(redisClient)

	breakers := resilience.NewBreakerSet(breakerStateStore)
	breakers.Register("extraction", 5, time.Minute)
	breakers.Register("weather", 3, time.Minute)

	// Services
	cls := classifier.New(recordStore, nil)
	submitService := service.NewSubmitService(jobStore, cls, asynqClient)
	statusService := service.NewStatusService(jobStore)
	analysisService := service.NewAnalysisService(recordStore, nil)
	systemService := service.NewSystemService(systemStore)

	// Handlers
	snapshotHandler := handler.NewSnapshotHandler(submitService, validate)
	statusHandler := handler.NewStatusHandler(statusService, validate)
	recordHandler := handler.NewRecordHandler(analysisService)
	systemHandler := handler.NewSystemHandler(systemService, validate)
	breakerHandler := handler.NewBreakerHandler(breakers)

	// Auth handler (for /auth/verify)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)

	// Auth middleware — legacy HMAC only
	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 64 * 1024 * 1024,
	})

	// Base routes
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"extraction": false,
				"weather":    true,
				"r2":         false,
				"auth":       true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	// API routes (authenticated)
	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	api.Post("/snapshots", rateLimiter.SubmitLimit(10000), snapshotHandler.Submit)

	jobs := api.Group("/jobs", rateLimiter.StatusLimit(10000))
	jobs.Post("/status", statusHandler.Batch)
	jobs.Get("/:jobId", statusHandler.Get)

	api.Get("/records/:recordId", recordHandler.Get)

	api.Post("/systems", systemHandler.Register)
	api.Get("/systems", systemHandler.List)

	admin := api.Group("/admin", rateLimiter.AdminLimit(10000))
	admin.Get("/breakers", breakerHandler.List)
	admin.Post("/breakers/:key/reset", breakerHandler.Reset)

	return &testApp{app: app}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: "test-user-123",
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "voltscope-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// snapshotFile is one file in a multipart submission.
type snapshotFile struct {
	name        string
	content     []byte
	identityKey string
}

// doSubmit uploads snapshot files as an authenticated multipart request.
func doSubmit(t *testing.T, app *fiber.App, files []snapshotFile, force bool) (*http.Response, error) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreatePart(imagePartHeader(f.name))
		if err != nil {
			t.Fatalf("failed to create part: %v", err)
		}
		if _, err := part.Write(f.content); err != nil {
			t.Fatalf("failed to write part: %v", err)
		}
		if f.identityKey != "" {
			if err := w.WriteField("identityKeys", f.identityKey); err != nil {
				t.Fatalf("failed to write identity key: %v", err)
			}
		}
	}
	if force {
		if err := w.WriteField("force", "true"); err != nil {
			t.Fatalf("failed to write force field: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, "/api/snapshots", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+generateToken(t))

	return app.Test(req, -1)
}

// imagePartHeader builds a multipart header for one uploaded image so the
// part carries an image content type rather than application/octet-stream.
func imagePartHeader(fileName string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, fileName))
	h.Set("Content-Type", "image/jpeg")
	return h
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
