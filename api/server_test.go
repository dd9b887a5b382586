package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx-taskqueue/model"
	"tx-taskqueue/queue"
	"tx-taskqueue/retry"
	"tx-taskqueue/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *queue.Engine) {
	t.Helper()
	e := queue.New(store.NewMemory(),
		queue.WithDefaultPolicy(retry.Policy{MaxAttempts: 1, Base: time.Millisecond, Cap: time.Second}))
	srv := NewServer(":0", e)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, e
}

func TestGetTask(t *testing.T) {
	ts, e := newTestServer(t)

	task, err := e.Enqueue(context.Background(), queue.EnqueueRequest{QueueName: "orders"})
	require.NoError(t, err)

	t.Run("existing task", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/tasks/" + task.ID.String())
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got model.Task
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, model.StatePending, got.State)
	})

	t.Run("non-existent task", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/tasks/4dbb2780-0f0b-4653-92e4-c0b9aafd5b1b")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("invalid ID", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/tasks/abc")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestPostTask(t *testing.T) {
	ts, _ := newTestServer(t)

	t.Run("valid request", func(t *testing.T) {
		body := []byte(`{"queue_name":"orders","partition_key":"p1","payload":{"n":42}}`)
		resp, err := http.Post(ts.URL+"/tasks", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var task model.Task
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
		assert.Equal(t, "orders", task.QueueName)
		assert.Equal(t, model.StatePending, task.State)
		assert.JSONEq(t, `{"n":42}`, string(task.Payload))
	})

	t.Run("missing queue name", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/tasks", "application/json", bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/tasks", "application/json", bytes.NewReader([]byte(`{oops}`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetTasks(t *testing.T) {
	ts, e := newTestServer(t)

	_, err := e.Enqueue(context.Background(), queue.EnqueueRequest{QueueName: "orders"})
	require.NoError(t, err)
	_, err = e.Enqueue(context.Background(), queue.EnqueueRequest{QueueName: "emails"})
	require.NoError(t, err)

	t.Run("all tasks", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/tasks")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var tasks []model.Task
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
		assert.Len(t, tasks, 2)
	})

	t.Run("filter by queue", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/tasks?queue=orders")
		require.NoError(t, err)
		defer resp.Body.Close()

		var tasks []model.Task
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
		require.Len(t, tasks, 1)
		assert.Equal(t, "orders", tasks[0].QueueName)
	})

	t.Run("filter by state with no matches returns empty array", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/tasks?state=dead_lettered")
		require.NoError(t, err)
		defer resp.Body.Close()

		var tasks []model.Task
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
		assert.Empty(t, tasks)
	})

	t.Run("invalid state value", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/tasks?state=bogus")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestReplayTask(t *testing.T) {
	ts, e := newTestServer(t)
	ctx := context.Background()

	task, err := e.Enqueue(ctx, queue.EnqueueRequest{QueueName: "orders", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)

	t.Run("pending task cannot be replayed", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/tasks/"+task.ID.String()+"/replay", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	// drive the task to dead_lettered (MaxAttempts is 1)
	claimed, err := e.Claim(ctx, "orders", "c1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, e.SettleFailure(ctx, &claimed[0], errors.New("boom")))

	t.Run("dead-lettered task replays as a fresh task", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/tasks/"+task.ID.String()+"/replay", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var fresh model.Task
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&fresh))
		assert.NotEqual(t, task.ID, fresh.ID)
		assert.Equal(t, model.StatePending, fresh.State)
		assert.JSONEq(t, `{"n":1}`, string(fresh.Payload))
	})

	t.Run("unknown task", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/tasks/4dbb2780-0f0b-4653-92e4-c0b9aafd5b1b/replay", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
