//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/libs/go/testpg"
)

// postgres stores timestamps at microsecond resolution, so fixtures truncate
// before comparing round-tripped records.
func pgNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func startRepos(t *testing.T) (*PostgresContainerRepo, *PostgresSessionRepo) {
	t.Helper()
	pg := testpg.Start(t, testpg.WithMigrations(Migrations, MigrationsDir))
	return NewPostgresContainerRepo(pg.Pool()), NewPostgresSessionRepo(pg.Pool())
}

func TestIntegrationContainerRepoSaveGetDelete(t *testing.T) {
	ctx := context.Background()
	containers, _ := startRepos(t)

	got, err := containers.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get(missing) = %+v, want nil", got)
	}

	started := pgNow()
	c := &core.Container{
		ContainerID:  "c1",
		Name:         "sandbox-ab12cd34",
		Image:        "python:3.12-slim",
		EngineStatus: "running",
		Status:       core.ContainerIdle,
		Labels:       map[string]string{"sandman.managed": "true"},
		CreatedAt:    pgNow(),
		StartedAt:    &started,
	}
	if err := containers.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err = containers.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Name != "sandbox-ab12cd34" || got.Image != "python:3.12-slim" {
		t.Fatalf("Get(c1) = %+v", got)
	}
	if got.Labels["sandman.managed"] != "true" {
		t.Errorf("labels did not round-trip: %+v", got.Labels)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, c.CreatedAt)
	}

	// Upsert by id.
	c.Status = core.ContainerBusy
	c.SessionID = "s1"
	if err := containers.Save(ctx, c); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}
	count, _ := containers.Count(ctx)
	if count != 1 {
		t.Errorf("Count after upsert = %d, want 1", count)
	}
	updated, _ := containers.Get(ctx, "c1")
	if updated.Status != core.ContainerBusy || updated.SessionID != "s1" {
		t.Errorf("upsert not applied: %+v", updated)
	}

	if err := containers.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	gone, _ := containers.Get(ctx, "c1")
	if gone != nil {
		t.Errorf("Get after Delete = %+v, want nil", gone)
	}
	if err := containers.Delete(ctx, "c1"); err != nil {
		t.Errorf("Delete is not idempotent: %v", err)
	}
}

func TestIntegrationContainerRepoNilFields(t *testing.T) {
	ctx := context.Background()
	containers, _ := startRepos(t)

	// No labels, not yet started.
	c := &core.Container{
		ContainerID: "bare",
		Status:      core.ContainerWarming,
		CreatedAt:   pgNow(),
	}
	if err := containers.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := containers.Get(ctx, "bare")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Labels != nil {
		t.Errorf("Labels = %+v, want nil", got.Labels)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}
}

func TestIntegrationContainerRepoCountByStatus(t *testing.T) {
	ctx := context.Background()
	containers, _ := startRepos(t)

	states := []core.ContainerState{
		core.ContainerIdle, core.ContainerIdle,
		core.ContainerBusy,
		core.ContainerWarming, core.ContainerWarming, core.ContainerWarming,
		core.ContainerDestroying,
	}
	for i, s := range states {
		err := containers.Save(ctx, &core.Container{
			ContainerID: string(rune('a' + i)),
			Status:      s,
			CreatedAt:   pgNow(),
		})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	counts, err := containers.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts.Idle != 2 || counts.Busy != 1 || counts.Warming != 3 || counts.Destroying != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if counts.Active() != 6 {
		t.Errorf("Active() = %d, want 6", counts.Active())
	}
}

func TestIntegrationContainerRepoFirstIdle(t *testing.T) {
	ctx := context.Background()
	containers, _ := startRepos(t)

	idle, err := containers.FirstIdle(ctx)
	if err != nil {
		t.Fatalf("FirstIdle: %v", err)
	}
	if idle != nil {
		t.Fatalf("FirstIdle on empty repo = %+v, want nil", idle)
	}

	base := pgNow()
	fixtures := []core.Container{
		{ContainerID: "busy", Status: core.ContainerBusy, CreatedAt: base},
		{ContainerID: "idle-late", Status: core.ContainerIdle, CreatedAt: base.Add(2 * time.Second)},
		{ContainerID: "idle-early", Status: core.ContainerIdle, CreatedAt: base.Add(time.Second)},
	}
	for i := range fixtures {
		if err := containers.Save(ctx, &fixtures[i]); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	idle, err = containers.FirstIdle(ctx)
	if err != nil {
		t.Fatalf("FirstIdle: %v", err)
	}
	if idle == nil || idle.ContainerID != "idle-early" {
		t.Fatalf("FirstIdle = %+v, want idle-early", idle)
	}

	all, err := containers.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 3 || all[0].ContainerID != "busy" || all[2].ContainerID != "idle-late" {
		t.Errorf("GetAll order = %+v", all)
	}
}

func TestIntegrationSessionRepoQueries(t *testing.T) {
	ctx := context.Background()
	_, sessions := startRepos(t)

	got, err := sessions.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get(missing) = %+v, want nil", got)
	}

	base := pgNow()
	fixtures := []core.Session{
		{SessionID: "active-1", Status: core.SessionActive, ContainerID: "c1", CreatedAt: base, LastActivityAt: base},
		{SessionID: "active-2", Status: core.SessionActive, ContainerID: "c2", CreatedAt: base.Add(time.Second), LastActivityAt: base},
		{SessionID: "queued-2", Status: core.SessionQueued, QueuePosition: 2, CreatedAt: base.Add(2 * time.Second), LastActivityAt: base},
		{SessionID: "queued-1", Status: core.SessionQueued, QueuePosition: 1, CreatedAt: base.Add(3 * time.Second), LastActivityAt: base},
		{SessionID: "dead", Status: core.SessionDestroyed, CreatedAt: base.Add(4 * time.Second), LastActivityAt: base},
	}
	for i := range fixtures {
		if err := sessions.Save(ctx, &fixtures[i]); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	active, err := sessions.GetAllActive(ctx)
	if err != nil {
		t.Fatalf("GetAllActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("GetAllActive returned %d sessions, want 2", len(active))
	}

	queued, err := sessions.GetQueued(ctx)
	if err != nil {
		t.Fatalf("GetQueued: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("GetQueued returned %d sessions, want 2", len(queued))
	}
	if queued[0].SessionID != "queued-1" || queued[1].SessionID != "queued-2" {
		t.Errorf("GetQueued order = %s, %s", queued[0].SessionID, queued[1].SessionID)
	}

	byContainer, err := sessions.GetByContainerID(ctx, "c2")
	if err != nil {
		t.Fatalf("GetByContainerID: %v", err)
	}
	if byContainer == nil || byContainer.SessionID != "active-2" {
		t.Fatalf("GetByContainerID(c2) = %+v", byContainer)
	}

	none, _ := sessions.GetByContainerID(ctx, "")
	if none != nil {
		t.Errorf("GetByContainerID(empty) = %+v, want nil", none)
	}

	all, _ := sessions.GetAll(ctx)
	if len(all) != 5 {
		t.Errorf("GetAll returned %d sessions, want 5", len(all))
	}
	if all[0].SessionID != "active-1" || all[4].SessionID != "dead" {
		t.Errorf("GetAll order = %+v", all)
	}
}

func TestIntegrationSessionRepoUpsert(t *testing.T) {
	ctx := context.Background()
	_, sessions := startRepos(t)

	base := pgNow()
	s := &core.Session{
		SessionID:      "s1",
		Name:           "demo",
		Status:         core.SessionQueued,
		QueuePosition:  1,
		CreatedAt:      base,
		LastActivityAt: base,
		TimeoutSeconds: 120,
	}
	if err := sessions.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Promotion rewrites the same row.
	s.Status = core.SessionActive
	s.ContainerID = "c1"
	s.QueuePosition = 0
	s.CommandCount = 3
	s.IsExecutingCommand = true
	s.LastActivityAt = base.Add(time.Minute)
	if err := sessions.Save(ctx, s); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}

	got, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != core.SessionActive || got.ContainerID != "c1" || got.QueuePosition != 0 {
		t.Errorf("upsert not applied: %+v", got)
	}
	if got.CommandCount != 3 || !got.IsExecutingCommand || got.TimeoutSeconds != 120 {
		t.Errorf("counters did not round-trip: %+v", got)
	}
	if !got.LastActivityAt.Equal(base.Add(time.Minute)) {
		t.Errorf("LastActivityAt = %v, want %v", got.LastActivityAt, base.Add(time.Minute))
	}

	if err := sessions.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	gone, _ := sessions.Get(ctx, "s1")
	if gone != nil {
		t.Errorf("Get after Delete = %+v, want nil", gone)
	}
}
