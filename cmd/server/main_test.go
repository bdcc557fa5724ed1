package main

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gov-certificates/internal/client"
	"github.com/pesio-ai/be-gov-certificates/internal/config"
	"github.com/pesio-ai/be-gov-certificates/internal/definition"
	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/logger"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

func TestWorkflowsValidate(t *testing.T) {
	cmd := workflowsCommand(&cli{v: config.New()})

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "../../workflows.yaml"})
	require.NoError(t, cmd.Execute())

	require.Contains(t, out.String(), "barangay_clearance")
	require.Contains(t, out.String(), "3 steps")
	require.Contains(t, out.String(), "certificate_of_indigency")
	require.Contains(t, out.String(), "4 steps")
}

func TestWorkflowsValidate_MissingFile(t *testing.T) {
	cmd := workflowsCommand(&cli{v: config.New()})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, cmd.Execute())
}

func TestOpenStorage_SQLite(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "certs.db"),
	}}

	st, err := openStorage(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer st.close()

	require.Nil(t, st.db)
	_, err = st.store.GetRequest(context.Background(), "missing")
	require.Error(t, err)
}

func TestOpenDefinitions(t *testing.T) {
	cfg := &config.Config{Workflows: config.WorkflowsConfig{Source: "database"}}
	_, err := openDefinitions(cfg, nil)
	require.ErrorContains(t, err, "requires database.driver=postgres")

	cfg.Workflows = config.WorkflowsConfig{Source: "file", File: "../../workflows.yaml"}
	src, err := openDefinitions(cfg, nil)
	require.NoError(t, err)

	def, err := src.Definition(context.Background(), "barangay_clearance")
	require.NoError(t, err)
	require.Len(t, def.Steps, 3)

	// unlisted types use the canonical workflow
	def, err = src.Definition(context.Background(), "residency")
	require.NoError(t, err)
	require.Len(t, def.Steps, 4)
}

func TestOpenRoles_Static(t *testing.T) {
	cfg := &config.Config{Roles: config.RolesConfig{
		Source: "static",
		Static: map[string][]string{"oic": {"u-oic"}},
	}}

	roles, closeRoles, err := openRoles(context.Background(), cfg)
	require.NoError(t, err)
	defer closeRoles()

	users, err := roles.UsersWithRole(context.Background(), "oic")
	require.NoError(t, err)
	require.Equal(t, []string{"u-oic"}, users)
}

// memDefinitions stands in for the postgres definition repository.
type memDefinitions struct {
	mu    sync.Mutex
	defs  map[string]*workflow.Definition
	loads int
}

func (m *memDefinitions) Save(_ context.Context, def *workflow.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.CertificateType] = def
	return nil
}

func (m *memDefinitions) Definition(_ context.Context, certType string) (*workflow.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	def, ok := m.defs[certType]
	if !ok {
		return nil, errors.NotFound("workflow definition", certType)
	}
	return def, nil
}

type loopbackBus struct {
	handlers map[string][]nats.MsgHandler
}

func (b *loopbackBus) Publish(subject string, data []byte) error {
	for _, h := range b.handlers[subject] {
		h(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (b *loopbackBus) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	b.handlers[subject] = append(b.handlers[subject], cb)
	return nil, nil
}

func TestImportInvalidatesServingCache(t *testing.T) {
	ctx := context.Background()
	bus := &loopbackBus{handlers: map[string][]nats.MsgHandler{}}

	stale := &workflow.Definition{
		CertificateType: "barangay_clearance",
		Steps: []workflow.Step{
			{Name: "Staff Review", StatusTag: workflow.StatusStaffReview, RequiresApproval: true, OfficialRole: "staff"},
		},
	}
	stale.Version = stale.Digest()
	store := &memDefinitions{defs: map[string]*workflow.Definition{"barangay_clearance": stale}}

	// serving side
	cache := definition.NewCache(store, time.Hour, 16)
	require.NoError(t, followWorkflowUpdates(bus, "certificates", cache, logger.Nop()))

	def, err := cache.Definition(ctx, "barangay_clearance")
	require.NoError(t, err)
	require.Len(t, def.Steps, 1)

	// administrative side
	src, err := definition.LoadFile("../../workflows.yaml")
	require.NoError(t, err)
	events := client.NewEventPublisher(bus, "certificates", zerolog.Nop())
	require.NoError(t, importWorkflows(ctx, src, store, events, logger.Nop()))

	def, err = cache.Definition(ctx, "barangay_clearance")
	require.NoError(t, err)
	require.Len(t, def.Steps, 3)
	require.NotEqual(t, stale.Version, def.Version)
	require.Equal(t, 2, store.loads)
}

func TestImportWithoutEvents(t *testing.T) {
	src, err := definition.LoadFile("../../workflows.yaml")
	require.NoError(t, err)

	store := &memDefinitions{defs: map[string]*workflow.Definition{}}
	require.NoError(t, importWorkflows(context.Background(), src, store, nil, logger.Nop()))
	require.Len(t, store.defs, 2)
}
