package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestEventPublisher_PublishTransition(t *testing.T) {
	conn := &recordingConn{}
	p := NewEventPublisher(conn, "gov.certs", zerolog.Nop())

	p.PublishTransition(context.Background(), &TransitionEvent{
		RequestID:    "r-1",
		Action:       "approve",
		StatusBefore: "oic_review",
		StatusAfter:  "ready",
		Recipients:   []string{"u-staff"},
		OccurredAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})

	require.Equal(t, []string{"gov.certs.request.approve"}, conn.subjects)

	var ev TransitionEvent
	require.NoError(t, json.Unmarshal(conn.payloads[0], &ev))
	require.Equal(t, "certificate_request.approve", ev.EventType)
	require.Equal(t, "r-1", ev.RequestID)
	require.Equal(t, "ready", ev.StatusAfter)
}

func TestEventPublisher_FailuresAreSwallowed(t *testing.T) {
	conn := &recordingConn{err: stderrors.New("nats: connection closed")}
	p := NewEventPublisher(conn, "", zerolog.Nop())

	require.NotPanics(t, func() {
		p.PublishTransition(context.Background(), &TransitionEvent{RequestID: "r-1", Action: "reject"})
	})

	var nilPub *EventPublisher
	require.NotPanics(t, func() {
		nilPub.PublishTransition(context.Background(), &TransitionEvent{RequestID: "r-1", Action: "reject"})
	})
	require.NotPanics(t, func() {
		NewEventPublisher(nil, "", zerolog.Nop()).PublishTransition(context.Background(), &TransitionEvent{Action: "return"})
	})
}

func TestStaticRoleDirectory(t *testing.T) {
	d := StaticRoleDirectory{"staff": {"u-1", "u-2"}}

	users, err := d.UsersWithRole(context.Background(), "staff")
	require.NoError(t, err)
	require.Equal(t, []string{"u-1", "u-2"}, users)

	users[0] = "changed"
	again, _ := d.UsersWithRole(context.Background(), "staff")
	require.Equal(t, "u-1", again[0])

	users, err = d.UsersWithRole(context.Background(), "oic")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestRedisRoleDirectory(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}
	addr := os.Getenv("CERTS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CERTS_TEST_REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	d := NewRedisRoleDirectory(rdb, "test-"+uuid.NewString())
	t.Cleanup(func() { rdb.Del(ctx, d.key("oic")) })

	require.NoError(t, d.Grant(ctx, "oic", "u-b"))
	require.NoError(t, d.Grant(ctx, "oic", "u-a"))

	users, err := d.UsersWithRole(ctx, "oic")
	require.NoError(t, err)
	require.Equal(t, []string{"u-a", "u-b"}, users)

	require.NoError(t, d.Revoke(ctx, "oic", "u-b"))
	users, err = d.UsersWithRole(ctx, "oic")
	require.NoError(t, err)
	require.Equal(t, []string{"u-a"}, users)
}

// loopbackConn delivers published messages to its subscribers synchronously.
type loopbackConn struct {
	handlers map[string][]nats.MsgHandler
}

func (c *loopbackConn) Publish(subject string, data []byte) error {
	for _, h := range c.handlers[subject] {
		h(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (c *loopbackConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if c.handlers == nil {
		c.handlers = map[string][]nats.MsgHandler{}
	}
	c.handlers[subject] = append(c.handlers[subject], cb)
	return nil, nil
}

func TestWorkflowUpdates(t *testing.T) {
	conn := &loopbackConn{}

	var invalidated []string
	_, err := SubscribeWorkflowUpdates(conn, "gov.certs", zerolog.Nop(), func(certType string) {
		invalidated = append(invalidated, certType)
	})
	require.NoError(t, err)
	require.Contains(t, conn.handlers, "gov.certs.workflows.updated")

	p := NewEventPublisher(conn, "gov.certs", zerolog.Nop())
	require.NoError(t, p.PublishWorkflowUpdated("clearance", "sha256:abc"))
	require.NoError(t, conn.Publish("gov.certs.workflows.updated", []byte("{not json")))

	require.Equal(t, []string{"clearance", ""}, invalidated)

	var nilPub *EventPublisher
	require.NoError(t, nilPub.PublishWorkflowUpdated("clearance", "v"))
}

func TestPublishWorkflowUpdated_ReportsFailure(t *testing.T) {
	p := NewEventPublisher(&recordingConn{err: stderrors.New("nats: connection closed")}, "", zerolog.Nop())
	require.ErrorContains(t, p.PublishWorkflowUpdated("clearance", "v"), "certificates.workflows.updated")
}
