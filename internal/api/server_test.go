package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackctl/internal/config"
	"stackctl/internal/containerizer/containerizertest"
	"stackctl/internal/orchestrator"
	"stackctl/internal/reporting"
	"stackctl/internal/services"
)

func newTestStack(t *testing.T, loader func() (config.StackDefinition, error)) (*orchestrator.Orchestrator, *Client) {
	t.Helper()
	stack := config.StackDefinition{
		Name: "shop",
		Services: []config.ServiceDefinition{
			{Name: "redis", Image: "redis:7"},
			{Name: "web", Image: "shop/web", DependsOn: config.DependencyList{"redis"}},
			{Name: "worker", Image: "shop/web", DependsOn: config.DependencyList{"redis"}},
			{Name: "nginx", Image: "nginx", DependsOn: config.DependencyList{"web"}},
		},
	}
	o, err := orchestrator.New(orchestrator.Config{
		Stack:    stack,
		Settings: config.GetDefaultSettings(),
		Runtime:  containerizertest.New(),
		Loader:   loader,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer("", stack.Name, o).Handler())
	t.Cleanup(srv.Close)
	return o, NewClient(srv.URL)
}

func TestServer_StatusAndService(t *testing.T) {
	o, client := newTestStack(t, nil)
	ctx := context.Background()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, o.RunID(), status.RunID)
	assert.Equal(t, "shop", status.Stack)
	assert.Equal(t, orchestrator.PhaseIdle, status.Phase)
	require.Len(t, status.Services, 4)
	assert.Equal(t, "redis", status.Services[0].Name)
	assert.Equal(t, services.StatePending, status.Services[0].State)

	snap, err := client.Service(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "web", snap.Name)

	_, err = client.Service(ctx, "postgres")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, "unknown service postgres", statusErr.Message)
}

func TestServer_Graph(t *testing.T) {
	_, client := newTestStack(t, nil)

	graph, err := client.Graph(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"redis"}, {"web", "worker"}, {"nginx"}}, graph.Levels)
	assert.Equal(t, "redis", graph.Startup[0])
	assert.Equal(t, "nginx", graph.Shutdown[0])
	assert.Equal(t, []string{"web"}, graph.Depends["nginx"])
	assert.Empty(t, graph.Depends["redis"])
}

func TestServer_StopIsIdempotent(t *testing.T) {
	o, client := newTestStack(t, nil)
	ctx := context.Background()

	_, err := client.Stop(ctx)
	require.NoError(t, err)
	_, err = client.Stop(ctx)
	require.NoError(t, err)

	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeInterrupted, report.Outcome)
}

func TestServer_Reload(t *testing.T) {
	var next config.StackDefinition
	var loadErr error
	o, client := newTestStack(t, func() (config.StackDefinition, error) { return next, loadErr })
	ctx := context.Background()

	next = o.Stack()
	next.Services = append([]config.ServiceDefinition{}, next.Services...)
	next.Services = append(next.Services, config.ServiceDefinition{Name: "flower", Image: "mher/flower", DependsOn: config.DependencyList{"redis"}})

	report, err := client.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"flower"}, report.Added)
	assert.Equal(t, 4, report.Unchanged)

	loadErr = errors.New("yaml: mapping values are not allowed in this context")
	_, err = client.Reload(ctx)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.Code)
	assert.Contains(t, statusErr.Message, "mapping values")
}

func TestServer_EventStream(t *testing.T) {
	o, client := newTestStack(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan reporting.Event, 16)
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- client.Events(ctx, "web", func(e reporting.Event) { received <- e })
	}()

	// Keep publishing until the subscription is in place.
	var got reporting.Event
	require.Eventually(t, func() bool {
		o.Events().Publish(reporting.NewEvent(reporting.EventTypeHealthCheck, "redis").WithDetail("ignored"))
		o.Events().Publish(reporting.NewEvent(reporting.EventTypeHealthCheck, "web").WithDetail("probe ok"))
		select {
		case got = <-received:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "web", got.Service)
	assert.Equal(t, reporting.EventTypeHealthCheck, got.Type)
	assert.Equal(t, "probe ok", got.Detail)

	cancel()
	select {
	case <-streamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end after cancel")
	}
}

func TestServer_Healthz(t *testing.T) {
	o, _ := newTestStack(t, nil)
	rec := httptest.NewRecorder()
	NewServer("", "shop", o).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestNewClient_AcceptsHostPort(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7780", NewClient("127.0.0.1:7780").base)
	assert.Equal(t, "https://stack.local", NewClient("https://stack.local/").base)
}
