package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"analysis-dispatch/internal/models"
)

func newRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func enqueueAnalysis(t *testing.T, addr string) string {
	t.Helper()
	out, err := run(t, NewCmdEnqueue(),
		"--redis-addr", addr, "--prefix", "clitest",
		"--attempts", "2", "--backoff-type", "fixed", "--backoff-delay", "3s",
		"analysis", `{"userId":"u1","contextId":"c1"}`)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)
	return id
}

func TestEnqueueThenStatusJSON(t *testing.T) {
	mr := newRedis(t)
	id := enqueueAnalysis(t, mr.Addr())

	out, err := run(t, NewCmdStatus(), "--redis-addr", mr.Addr(), "--prefix", "clitest", "-o", "json", id)
	require.NoError(t, err)

	var view models.JobStatusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, id, view.ID)
	require.Equal(t, models.TypeAnalysis, view.Type)
	require.Equal(t, models.StatusWaiting, view.Status)
	require.Equal(t, 2, view.MaxAttempts)
}

func TestStatusTable(t *testing.T) {
	mr := newRedis(t)
	id := enqueueAnalysis(t, mr.Addr())

	out, err := run(t, NewCmdStatus(), "--redis-addr", mr.Addr(), "--prefix", "clitest", id)
	require.NoError(t, err)
	require.Contains(t, out, "STATUS")
	require.Contains(t, out, "waiting")
	require.Contains(t, out, "0/2")
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	mr := newRedis(t)
	base := []string{"--redis-addr", mr.Addr(), "--prefix", "clitest"}

	_, err := run(t, NewCmdEnqueue(), append(base, "video", `{}`)...)
	require.ErrorIs(t, err, models.ErrUnknownJobType)

	_, err = run(t, NewCmdEnqueue(), append(base, "analysis", `{not json`)...)
	require.ErrorContains(t, err, "not valid JSON")

	_, err = run(t, NewCmdEnqueue(), append(base, "--backoff-type", "linear", "analysis", `{}`)...)
	require.ErrorContains(t, err, "backoff-type")

	_, err = run(t, NewCmdEnqueue(), append(base, "analysis", `{"userId":"u1"}`)...)
	require.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestStatsCountsWaiting(t *testing.T) {
	mr := newRedis(t)
	enqueueAnalysis(t, mr.Addr())
	enqueueAnalysis(t, mr.Addr())

	out, err := run(t, NewCmdStats(), "--redis-addr", mr.Addr(), "--prefix", "clitest", "-o", "json", "analysis")
	require.NoError(t, err)

	var stats map[string]models.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 1)
	require.Equal(t, int64(2), stats["analysis"].Waiting)

	out, err = run(t, NewCmdStats(), "--redis-addr", mr.Addr(), "--prefix", "clitest")
	require.NoError(t, err)
	require.Contains(t, out, "QUEUE")
	require.Contains(t, out, "notification")
}

func TestEvictRemovesJob(t *testing.T) {
	mr := newRedis(t)
	id := enqueueAnalysis(t, mr.Addr())

	out, err := run(t, NewCmdEvict(), "--redis-addr", mr.Addr(), "--prefix", "clitest", id)
	require.NoError(t, err)
	require.Contains(t, out, "evicted "+id)

	_, err = run(t, NewCmdStatus(), "--redis-addr", mr.Addr(), "--prefix", "clitest", id)
	require.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestSweepReportsCounts(t *testing.T) {
	mr := newRedis(t)
	enqueueAnalysis(t, mr.Addr())

	out, err := run(t, NewCmdSweep(), "--redis-addr", mr.Addr(), "--prefix", "clitest", "-o", "json")
	require.NoError(t, err)

	var res map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, map[string]int{"recovered": 0, "evicted": 0}, res)
}

func TestAuditNeedsPostgres(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	_, err := run(t, NewCmdAudit(), "job-1")
	require.ErrorContains(t, err, "postgres-dsn")
}

func TestRejectsUnknownOutput(t *testing.T) {
	mr := newRedis(t)
	_, err := run(t, NewCmdStats(), "--redis-addr", mr.Addr(), "-o", "yaml")
	require.ErrorContains(t, err, "output must be one of")
}
