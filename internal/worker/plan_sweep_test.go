package worker

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"resumeforge/internal/database"
	"resumeforge/internal/tasks"
)

func newTestUsers(t *testing.T) (*database.UserStore, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&database.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database.NewUserStore(db), db
}

func TestPlanSweepDowngradesExpired(t *testing.T) {
	users, db := newTestUsers(t)
	ctx := context.Background()

	now := time.Now()
	expired := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)

	stale := database.User{GoogleID: "g-1", Email: "stale@example.com", Plan: database.PlanPro, PlanExpiresAt: &expired}
	active := database.User{GoogleID: "g-2", Email: "active@example.com", Plan: database.PlanPro, PlanExpiresAt: &future}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed stale: %v", err)
	}
	if err := db.Create(&active).Error; err != nil {
		t.Fatalf("seed active: %v", err)
	}

	task, err := tasks.NewPlanSweepTask(now)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	h := NewPlanSweepHandler(users, slog.Default())
	if err := h.ProcessTask(ctx, task); err != nil {
		t.Fatalf("process task: %v", err)
	}

	gotStale, err := users.FindByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("reload stale: %v", err)
	}
	if gotStale.Plan != database.PlanFree || gotStale.PlanExpiresAt != nil {
		t.Fatalf("stale user not swept: plan=%q expires=%v", gotStale.Plan, gotStale.PlanExpiresAt)
	}

	gotActive, err := users.FindByID(ctx, active.ID)
	if err != nil {
		t.Fatalf("reload active: %v", err)
	}
	if gotActive.Plan != database.PlanPro {
		t.Fatalf("active user swept: plan=%q", gotActive.Plan)
	}
}

func TestPlanSweepZeroAsOfUsesNow(t *testing.T) {
	users, db := newTestUsers(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	stale := database.User{GoogleID: "g-1", Email: "stale@example.com", Plan: database.PlanBusiness, PlanExpiresAt: &expired}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	task, err := tasks.NewPlanSweepTask(time.Time{})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	h := NewPlanSweepHandler(users, slog.Default())
	if err := h.ProcessTask(ctx, task); err != nil {
		t.Fatalf("process task: %v", err)
	}

	got, err := users.FindByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Plan != database.PlanFree {
		t.Fatalf("plan = %q, want free", got.Plan)
	}
}
