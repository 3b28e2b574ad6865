//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/victornm/codeduel/internal/api"
	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/matchmaking"
	"github.com/victornm/codeduel/internal/rpc"
)

const (
	httpAddr = "http://localhost:8080"
	grpcAddr = "localhost:8081"
)

func TestDuel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		wg    = new(sync.WaitGroup)
		users = []string{"u-" + uuid.NewString()[:8], "u-" + uuid.NewString()[:8]}
	)

	// Seed questions through the admin service
	{
		conn := makeAdminConn(t)
		for i := 0; i < 3; i++ {
			var q domain.Question
			err := rpc.Invoke(ctx, conn, "/"+api.AdminServiceName+"/CreateQuestion", &api.CreateQuestionRequest{
				Title:     fmt.Sprintf("Echo %d", i),
				TestCases: []domain.TestCase{{Input: "1", ExpectedOutput: "1"}},
			}, &q)
			require.NoError(t, err)
		}
	}

	// Prepare Redis subscribers
	rc := makeRedis(t)
	for _, u := range users {
		subscribeAsUser(t, rc, wg, u)
	}

	// Both users queue up concurrently
	{
		var eg errgroup.Group
		for _, u := range users {
			eg.Go(func() error {
				var resp api.EnqueueResponse
				if err := call(ctx, http.MethodPost, "/v1/queue", u, nil, &resp); err != nil {
					return fmt.Errorf("user %q enqueue: %w", u, err)
				}
				t.Logf("User %q enqueued: %s", u, resp.Status)
				return nil
			})
		}
		require.NoError(t, eg.Wait())
	}

	// Wait for the pairing loop
	var matchID string
	require.Eventually(t, func() bool {
		var st matchmaking.Status
		if err := call(ctx, http.MethodGet, "/v1/queue", users[0], nil, &st); err != nil {
			return false
		}
		matchID = st.MatchID
		return st.Status == matchmaking.QueueStatusInMatch
	}, 10*time.Second, 200*time.Millisecond)
	t.Logf("Match %q started", matchID)

	var m domain.Match
	require.NoError(t, call(ctx, http.MethodGet, "/v1/matches/"+matchID, users[0], nil, &m))

	// The first user submits to every question
	for _, q := range m.Questions {
		var s domain.Submission
		err := call(ctx, http.MethodPost, "/v1/matches/"+matchID+"/submissions", users[0], api.SubmitRequest{
			QuestionID: q.QuestionID,
			Code:       "print(input())",
			Language:   "python",
		}, &s)
		require.NoError(t, err)
		t.Logf("User %q submitted %q to %q", users[0], s.SubmissionID, q.QuestionID)
	}

	time.Sleep(2 * time.Second)

	// The second user gives up
	{
		var resp struct {
			Settled bool                 `json:"settled"`
			Match   domain.FinishedMatch `json:"match"`
		}
		require.NoError(t, call(ctx, http.MethodPost, "/v1/matches/"+matchID+"/finish", users[1], nil, &resp))
		require.True(t, resp.Settled)
		require.Equal(t, users[0], resp.Match.WinnerID)
	}

	var fm domain.FinishedMatch
	require.NoError(t, call(ctx, http.MethodGet, "/v1/matches/"+matchID+"/result", users[1], nil, &fm))
	for _, p := range fm.Participants {
		t.Logf("User %q: score=%d rating=%d (%+d)", p.UserID, p.Score, p.RatingAfter, p.RatingDelta)
	}

	var l domain.Leaderboard
	require.NoError(t, call(ctx, http.MethodGet, "/v1/leaderboard?limit=10", "", nil, &l))
	t.Logf("Leaderboard:\n%s", formatLeaderboard(l))

	time.Sleep(time.Second)
	wg.Wait()
}

func call(ctx context.Context, method, path, user string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, httpAddr+path, r)
	if err != nil {
		return err
	}
	if user != "" {
		req.Header.Set(api.HeaderUserID, user)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, b)
	}

	if out == nil || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

func makeAdminConn(t *testing.T) *grpc.ClientConn {
	conn, err := grpc.NewClient(grpcAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func subscribeAsUser(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, u string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("local:user:%s", u))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			t.Logf("%s received %s: %s", u, n.Event, n.Data)
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, pattern string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)

	sub := rc.PSubscribe(ctx, pattern)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(l domain.Leaderboard) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("%s: %d (%d-%d)\n", e.UserID, e.Rating, e.Wins, e.Losses)
	}
	return s
}
