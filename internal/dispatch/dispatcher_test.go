package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/models"
	"github.com/ncol/publisher-service/internal/settings"
	"github.com/ncol/publisher-service/internal/storage"
)

type transportStub struct {
	mu        sync.Mutex
	requests  []Request
	deadlines []time.Time
	status   int
	body     string
	err      error
	delay    time.Duration
}

func (s *transportStub) Send(ctx context.Context, req Request) (*Response, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	deadline, _ := ctx.Deadline()
	s.deadlines = append(s.deadlines, deadline)
	if s.err != nil {
		return nil, s.err
	}
	return &Response{StatusCode: s.status, Body: []byte(s.body)}, nil
}

func (s *transportStub) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type harness struct {
	dispatcher *Dispatcher
	store      *storage.MemoryStorage
	settings   *settings.Store
	transport  *transportStub
	hook       *test.Hook
	metrics    *Metrics
}

func setupDispatcher(t *testing.T, policy string) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := storage.NewMemoryStorage()
	st := settings.NewStore(config.SettingsConfig{
		APIURL:  "https://gateway.example.com/prod/publish",
		APIKey:  "secret-key",
		Enabled: []string{"facebook", "twitter", "whatsapp", "instagram", "threads"},
	})
	transport := &transportStub{status: http.StatusOK}
	metrics := NewMetrics(prometheus.NewRegistry())

	d := NewDispatcher(config.DispatchConfig{
		Policy:   policy,
		Timeout:  15 * time.Second,
		LinkFrom: "https://admin.example.com",
		LinkTo:   "https://www.example.com",
	}, time.Second, Dependencies{
		Store:     store,
		Settings:  st,
		Transport: transport,
		Logger:    logger,
		Metrics:   metrics,
	})

	return &harness{dispatcher: d, store: store, settings: st, transport: transport, hook: hook, metrics: metrics}
}

func publishEvent(itemID string) models.TransitionEvent {
	return models.TransitionEvent{
		PreviousStatus: "draft",
		NewStatus:      "published",
		ItemID:         itemID,
		Item: models.ItemSnapshot{
			ID:        itemID,
			Title:     "Breaking news",
			Permalink: "https://admin.example.com/2024/05/breaking-news/",
			Excerpt:   "Something happened",
			Content:   "<p>Something happened today.</p>",
			ImageURL:  "https://cdn.example.com/breaking.jpg",
		},
	}
}

func (h *harness) request(t *testing.T, itemID string, platforms ...models.PlatformID) {
	t.Helper()
	require.NoError(t, h.store.SetRequested(context.Background(), itemID, models.NewPlatformSet(platforms...)))
}

func (h *harness) dispatched(t *testing.T, itemID string) []string {
	t.Helper()
	set, err := h.store.GetDispatched(context.Background(), itemID)
	require.NoError(t, err)
	return set.Strings()
}

func TestDispatcher_EndToEnd(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.request(t, "42", models.PlatformFacebook, models.PlatformInstagram)

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusDispatched, out.Status)
	require.Equal(t, 1, h.transport.calls())
	req := h.transport.requests[0]
	assert.Equal(t, "https://gateway.example.com/prod/publish", req.URL)
	assert.Equal(t, "secret-key", req.APIKey)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, []string{"facebook", "instagram"}, req.Payload.TargetPlatforms)
	assert.Equal(t, "42", req.Payload.PostID)
	assert.Equal(t, "https://www.example.com/2024/05/breaking-news/", req.Payload.Permalink)
	assert.Equal(t, "https://cdn.example.com/breaking.jpg", req.Payload.ImageURL)
	assert.Empty(t, req.Payload.Content)
	assert.Equal(t, []string{"facebook", "instagram"}, h.dispatched(t, "42"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Dispatches.WithLabelValues("dispatched")))
}

func TestDispatcher_NotPublishedIsNoop(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.request(t, "42", models.PlatformFacebook)
	ev := publishEvent("42")
	ev.PreviousStatus, ev.NewStatus = "draft", "pending"
	ev.Selection = models.NewPlatformSet(models.PlatformThreads)

	out := h.dispatcher.OnPublishTransition(context.Background(), ev)

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "not_published", out.Reason)
	assert.Equal(t, 0, h.transport.calls())
	requested, _ := h.store.GetRequested(context.Background(), "42")
	assert.Equal(t, []string{"facebook"}, requested.Strings(), "no side effects")
}

func TestDispatcher_AcceptsCMSPublishStatus(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.request(t, "42", models.PlatformFacebook)
	ev := publishEvent("42")
	ev.NewStatus = "publish"

	out := h.dispatcher.OnPublishTransition(context.Background(), ev)

	assert.Equal(t, StatusDispatched, out.Status)
}

func TestDispatcher_SecondDispatchHasEmptyDelta(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.request(t, "42", models.PlatformFacebook, models.PlatformThreads)

	first := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))
	second := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusDispatched, first.Status)
	assert.Equal(t, StatusEmptyDelta, second.Status)
	assert.Equal(t, 1, h.transport.calls())
}

func TestDispatcher_DeltaExcludesAlreadyDispatched(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.request(t, "42", models.PlatformFacebook, models.PlatformThreads)
	require.NoError(t, h.store.AddDispatched(context.Background(), "42", models.NewPlatformSet(models.PlatformFacebook)))

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, []string{"threads"}, out.Platforms)
	require.Equal(t, 1, h.transport.calls())
	assert.Equal(t, []string{"threads"}, h.transport.requests[0].Payload.TargetPlatforms)
	assert.Equal(t, []string{"facebook", "threads"}, h.dispatched(t, "42"))
}

func TestDispatcher_SuccessStatus204AddsExactlyDelta(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.transport.status = http.StatusNoContent
	h.request(t, "42", models.PlatformFacebook, models.PlatformWhatsApp)
	require.NoError(t, h.store.AddDispatched(context.Background(), "42", models.NewPlatformSet(models.PlatformFacebook)))

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusDispatched, out.Status)
	assert.Equal(t, http.StatusNoContent, out.StatusCode)
	assert.Equal(t, []string{"facebook", "whatsapp"}, h.dispatched(t, "42"))
}

func TestDispatcher_RemoteRejectionLeavesStateAlone(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.transport.status = http.StatusInternalServerError
	h.transport.body = `{"message":"Internal server error"}`
	h.request(t, "42", models.PlatformWhatsApp)

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusRemoteRejection, out.Status)
	var rejection *RemoteRejectionError
	require.True(t, errors.As(out.Err, &rejection))
	assert.Equal(t, http.StatusInternalServerError, rejection.StatusCode)
	assert.Empty(t, h.dispatched(t, "42"))

	entry := h.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, `{"message":"Internal server error"}`, entry.Data["response_body"])
}

func TestDispatcher_TransportFailureLeavesStateAlone(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.transport.err = errors.New("dial tcp: lookup gateway.example.com: no such host")
	h.request(t, "42", models.PlatformFacebook)

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusTransportFailure, out.Status)
	var terr *TransportError
	assert.True(t, errors.As(out.Err, &terr))
	assert.Empty(t, h.dispatched(t, "42"))
	assert.Equal(t, logrus.ErrorLevel, h.hook.LastEntry().Level)
}

func TestDispatcher_MissingAPIKeyNeverCalls(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	empty := ""
	_, err := h.settings.Apply(settings.Update{APIKey: &empty})
	require.NoError(t, err)
	h.request(t, "42", models.PlatformFacebook, models.PlatformTwitter, models.PlatformThreads)

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusConfigMissing, out.Status)
	assert.True(t, errors.Is(out.Err, ErrConfigurationMissing))
	assert.Equal(t, 0, h.transport.calls())
	assert.Empty(t, h.dispatched(t, "42"))
}

func TestDispatcher_Guards(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.TransitionEvent)
		reason string
	}{
		{"autosave", func(ev *models.TransitionEvent) { ev.Autosave = true }, "autosave"},
		{"actor without capabilities", func(ev *models.TransitionEvent) {
			ev.Actor = &models.Actor{ID: "9", Capabilities: []string{"read"}}
		}, "permission_denied"},
		{"author editing someone else's post", func(ev *models.TransitionEvent) {
			ev.Item.AuthorID = "1"
			ev.Actor = &models.Actor{ID: "9", Capabilities: []string{"edit_posts"}}
		}, "permission_denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupDispatcher(t, config.PolicyConservative)
			h.request(t, "42", models.PlatformFacebook)
			ev := publishEvent("42")
			tt.mutate(&ev)

			out := h.dispatcher.OnPublishTransition(context.Background(), ev)

			assert.Equal(t, StatusSkipped, out.Status)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, 0, h.transport.calls())
			assert.Empty(t, h.hook.AllEntries())
		})
	}
}

func TestDispatcher_AuthorisedActorDispatches(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.request(t, "42", models.PlatformFacebook)
	ev := publishEvent("42")
	ev.Item.AuthorID = "9"
	ev.Actor = &models.Actor{ID: "9", Capabilities: []string{"edit_posts"}}

	out := h.dispatcher.OnPublishTransition(context.Background(), ev)

	assert.Equal(t, StatusDispatched, out.Status)
}

func TestDispatcher_SubmittedSelectionIsStoredFirst(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.request(t, "42", models.PlatformFacebook)
	ev := publishEvent("42")
	ev.Selection = models.NewPlatformSet(models.PlatformThreads, models.PlatformWhatsApp)

	out := h.dispatcher.OnPublishTransition(context.Background(), ev)

	assert.Equal(t, StatusDispatched, out.Status)
	assert.Equal(t, []string{"whatsapp", "threads"}, h.transport.requests[0].Payload.TargetPlatforms)
	requested, _ := h.store.GetRequested(context.Background(), "42")
	assert.Equal(t, []string{"whatsapp", "threads"}, requested.Strings())
}

func TestDispatcher_DisabledPlatformsAreNotSent(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	enabled := []string{"facebook"}
	_, err := h.settings.Apply(settings.Update{Enabled: &enabled})
	require.NoError(t, err)
	h.request(t, "42", models.PlatformFacebook, models.PlatformInstagram)

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, []string{"facebook"}, out.Platforms)
	assert.Equal(t, []string{"facebook"}, h.dispatched(t, "42"))
}

func TestDispatcher_NothingRequested(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusEmptyDelta, out.Status)
	assert.Equal(t, 0, h.transport.calls())
}

func TestDispatcher_PermissiveResendsEverything(t *testing.T) {
	h := setupDispatcher(t, config.PolicyPermissive)
	h.request(t, "42", models.PlatformFacebook, models.PlatformThreads)

	first := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))
	second := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusDispatched, first.Status)
	assert.Equal(t, StatusDispatched, second.Status)
	require.Equal(t, 2, h.transport.calls())
	assert.Equal(t, []string{"facebook", "threads"}, h.transport.requests[1].Payload.TargetPlatforms)
	assert.Equal(t, []string{"facebook", "threads"}, h.dispatched(t, "42"))
	assert.Equal(t, config.PolicyPermissive, h.dispatcher.Policy())
}

func TestDispatcher_DispatchedNeverShrinks(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	var previous []string

	steps := []struct {
		requested []models.PlatformID
		status    int
	}{
		{[]models.PlatformID{models.PlatformFacebook}, http.StatusOK},
		{[]models.PlatformID{models.PlatformTwitter}, http.StatusOK},
		{[]models.PlatformID{models.PlatformInstagram}, http.StatusBadGateway},
		{nil, http.StatusOK},
		{[]models.PlatformID{models.PlatformFacebook, models.PlatformThreads}, http.StatusAccepted},
	}
	for _, step := range steps {
		h.transport.status = step.status
		h.request(t, "42", step.requested...)
		h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

		current := h.dispatched(t, "42")
		assert.Subset(t, current, previous)
		previous = current
	}
	assert.Equal(t, []string{"facebook", "twitter", "threads"}, previous)
}

func TestDispatcher_ConcurrentTransitionsDispatchOnce(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.transport.delay = 10 * time.Millisecond
	h.request(t, "42", models.PlatformFacebook)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.transport.calls())
}

func TestDispatcher_HTTPTransportEndToEnd(t *testing.T) {
	var got models.DispatchPayload
	var apiKey, contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("x-api-key")
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupDispatcher(t, config.PolicyConservative)
	h.dispatcher.deps.Transport = NewHTTPTransport(15 * time.Second)
	url := server.URL
	_, err := h.settings.Apply(settings.Update{APIURL: &url})
	require.NoError(t, err)
	h.request(t, "42", models.PlatformFacebook, models.PlatformInstagram)

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusDispatched, out.Status)
	assert.Equal(t, "secret-key", apiKey)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, []string{"facebook", "instagram"}, got.TargetPlatforms)
	assert.Equal(t, []string{"facebook", "instagram"}, h.dispatched(t, "42"))
}

func TestDispatcher_SendHasDeadline(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.request(t, "42", models.PlatformFacebook)
	start := time.Now()

	// a request context without deadline must not leave the call unbounded
	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusDispatched, out.Status)
	require.Len(t, h.transport.deadlines, 1)
	deadline := h.transport.deadlines[0]
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, start.Add(15*time.Second), deadline, time.Second)
}

func TestDispatcher_LambdaTransportWithoutURL(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	keyOnly := settings.NewStore(config.SettingsConfig{APIKey: "secret-key", Enabled: []string{"threads"}})
	h.request(t, "42", models.PlatformThreads)

	client := new(MockLambda)
	client.On("InvokeWithContext", mock.MatchedBy(func(ctx aws.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= 100*time.Millisecond
	}), mock.Anything).Return(&lambda.InvokeOutput{
		StatusCode: aws.Int64(200),
		Payload:    []byte(`{"statusCode":200,"body":"ok"}`),
	}, nil)

	d := NewDispatcher(config.DispatchConfig{Timeout: 100 * time.Millisecond}, time.Second, Dependencies{
		Store:     h.store,
		Settings:  keyOnly,
		Transport: newLambdaTransport(client, "ncol-publisher"),
		Logger:    h.dispatcher.deps.Logger,
	})

	out := d.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusDispatched, out.Status)
	assert.Equal(t, []string{"threads"}, h.dispatched(t, "42"))
	client.AssertExpectations(t)
}

func TestDispatcher_HTTPTransportStillNeedsURL(t *testing.T) {
	h := setupDispatcher(t, config.PolicyConservative)
	h.dispatcher.deps.Settings = settings.NewStore(config.SettingsConfig{APIKey: "secret-key", Enabled: []string{"facebook"}})
	h.dispatcher.deps.Transport = NewHTTPTransport(time.Second)
	h.request(t, "42", models.PlatformFacebook)

	out := h.dispatcher.OnPublishTransition(context.Background(), publishEvent("42"))

	assert.Equal(t, StatusConfigMissing, out.Status)
	assert.Empty(t, h.dispatched(t, "42"))
}
