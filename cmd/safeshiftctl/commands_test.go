package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeshift/backend/internal/events"
	"github.com/safeshift/backend/internal/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScoreCommand(t *testing.T) {
	out, err := run(t, "score", "--rested", "3", "--category", "night", "--duration", "16", "--load", "15", "--strain", "9")
	require.NoError(t, err)

	var score models.RiskScore
	require.NoError(t, json.Unmarshal([]byte(out), &score))
	assert.Equal(t, 93, score.Value)
	assert.Contains(t, out, `"severe"`)
}

func TestScoreCommandRejectsBadInput(t *testing.T) {
	_, err := run(t, "score", "--strain", "11")
	assert.Error(t, err)

	_, err = run(t, "score", "--category", "swing")
	assert.Error(t, err)
}

func TestStoreCommandsNeedDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := run(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	_, err = run(t, "forecast", "--subject", "nurse-7")
	assert.Error(t, err)

	_, err = run(t, "forecast", "--subject", "nurse-7", "--horizon", "0")
	assert.ErrorContains(t, err, "--horizon")
}

func TestForecastRequiresSubject(t *testing.T) {
	_, err := run(t, "forecast")
	assert.Error(t, err)
}

func TestEventsCommandReadsStream(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("ALERT_STREAM", "test:alerts")

	client := events.NewRedisClient(mr.Addr(), "", 0)
	defer client.Close()
	p := events.NewStreamPublisher(client, "test:alerts", 0)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(ctx, events.NewEvent(events.TypeAlertCreated, models.Alert{ID: "a1", SubjectID: "nurse-7"}, at)))
	require.NoError(t, p.Publish(ctx, events.NewEvent(events.TypeAlertCreated, models.Alert{ID: "a2", SubjectID: "nurse-9"}, at)))

	out, err := run(t, "events")
	require.NoError(t, err)
	var all []events.Event
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	require.Len(t, all, 2)
	assert.NotEmpty(t, all[0].StreamID)

	out, err = run(t, "events", "--subject", "nurse-9")
	require.NoError(t, err)
	var mine []events.Event
	require.NoError(t, json.Unmarshal([]byte(out), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, "a2", mine[0].Alert.ID)

	out, err = run(t, "events", "--after", all[0].StreamID)
	require.NoError(t, err)
	var rest []events.Event
	require.NoError(t, json.Unmarshal([]byte(out), &rest))
	require.Len(t, rest, 1)
	assert.Equal(t, all[1].StreamID, rest[0].StreamID)
}

func TestEventsCommandNeedsRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	_, err := run(t, "events")
	assert.ErrorContains(t, err, "REDIS_ADDR")
}
