package store

import (
	"context"
	"testing"
	"time"

	"github.com/whale-net/sandman/host/core"
)

func TestContainerRepoSaveGetDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryContainerRepo()

	got, err := repo.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get(missing) = %+v, want nil", got)
	}

	c := &core.Container{
		ContainerID: "c1",
		Name:        "sandbox-ab12cd34",
		Status:      core.ContainerIdle,
		Labels:      map[string]string{"sandman.managed": "true"},
		CreatedAt:   time.Now(),
	}
	if err := repo.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err = repo.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Name != "sandbox-ab12cd34" {
		t.Fatalf("Get(c1) = %+v", got)
	}

	// Mutating the returned record must not affect the stored one.
	got.Labels["sandman.managed"] = "false"
	got.Status = core.ContainerBusy
	again, _ := repo.Get(ctx, "c1")
	if again.Labels["sandman.managed"] != "true" || again.Status != core.ContainerIdle {
		t.Errorf("stored record mutated through returned copy: %+v", again)
	}

	// Upsert by id.
	c.Status = core.ContainerBusy
	c.SessionID = "s1"
	if err := repo.Save(ctx, c); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}
	count, _ := repo.Count(ctx)
	if count != 1 {
		t.Errorf("Count after upsert = %d, want 1", count)
	}
	updated, _ := repo.Get(ctx, "c1")
	if updated.Status != core.ContainerBusy || updated.SessionID != "s1" {
		t.Errorf("upsert not applied: %+v", updated)
	}

	if err := repo.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	gone, _ := repo.Get(ctx, "c1")
	if gone != nil {
		t.Errorf("Get after Delete = %+v, want nil", gone)
	}
	if err := repo.Delete(ctx, "c1"); err != nil {
		t.Errorf("Delete is not idempotent: %v", err)
	}
}

func TestContainerRepoCountByStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryContainerRepo()

	states := []core.ContainerState{
		core.ContainerIdle, core.ContainerIdle,
		core.ContainerBusy,
		core.ContainerWarming, core.ContainerWarming, core.ContainerWarming,
		core.ContainerDestroying,
	}
	for i, s := range states {
		repo.Save(ctx, &core.Container{
			ContainerID: string(rune('a' + i)),
			Status:      s,
		})
	}

	counts, err := repo.CountByStatus(ctx)
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

func TestContainerRepoFirstIdle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryContainerRepo()

	idle, err := repo.FirstIdle(ctx)
	if err != nil {
		t.Fatalf("FirstIdle: %v", err)
	}
	if idle != nil {
		t.Fatalf("FirstIdle on empty repo = %+v, want nil", idle)
	}

	repo.Save(ctx, &core.Container{ContainerID: "busy", Status: core.ContainerBusy})
	repo.Save(ctx, &core.Container{ContainerID: "warming", Status: core.ContainerWarming})

	idle, _ = repo.FirstIdle(ctx)
	if idle != nil {
		t.Fatalf("FirstIdle with no idle containers = %+v, want nil", idle)
	}

	repo.Save(ctx, &core.Container{ContainerID: "ready", Status: core.ContainerIdle})
	idle, _ = repo.FirstIdle(ctx)
	if idle == nil || idle.ContainerID != "ready" {
		t.Fatalf("FirstIdle = %+v, want ready", idle)
	}
}

func TestSessionRepoQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepo()

	base := time.Now()
	sessions := []core.Session{
		{SessionID: "active-1", Status: core.SessionActive, ContainerID: "c1", CreatedAt: base},
		{SessionID: "active-2", Status: core.SessionActive, ContainerID: "c2", CreatedAt: base.Add(time.Second)},
		{SessionID: "queued-2", Status: core.SessionQueued, QueuePosition: 2, CreatedAt: base.Add(2 * time.Second)},
		{SessionID: "queued-1", Status: core.SessionQueued, QueuePosition: 1, CreatedAt: base.Add(3 * time.Second)},
		{SessionID: "dead", Status: core.SessionDestroyed, CreatedAt: base.Add(4 * time.Second)},
	}
	for i := range sessions {
		if err := repo.Save(ctx, &sessions[i]); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	active, err := repo.GetAllActive(ctx)
	if err != nil {
		t.Fatalf("GetAllActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("GetAllActive returned %d sessions, want 2", len(active))
	}

	queued, err := repo.GetQueued(ctx)
	if err != nil {
		t.Fatalf("GetQueued: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("GetQueued returned %d sessions, want 2", len(queued))
	}
	if queued[0].SessionID != "queued-1" || queued[1].SessionID != "queued-2" {
		t.Errorf("GetQueued order = %s, %s", queued[0].SessionID, queued[1].SessionID)
	}

	byContainer, err := repo.GetByContainerID(ctx, "c2")
	if err != nil {
		t.Fatalf("GetByContainerID: %v", err)
	}
	if byContainer == nil || byContainer.SessionID != "active-2" {
		t.Fatalf("GetByContainerID(c2) = %+v", byContainer)
	}

	none, _ := repo.GetByContainerID(ctx, "")
	if none != nil {
		t.Errorf("GetByContainerID(empty) = %+v, want nil", none)
	}

	all, _ := repo.GetAll(ctx)
	if len(all) != 5 {
		t.Errorf("GetAll returned %d sessions, want 5", len(all))
	}
}
