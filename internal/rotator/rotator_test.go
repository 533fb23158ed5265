package rotator

import (
	"testing"

	"github.com/google/uuid"

	"github.com/quantforge/quantforge/internal/models"
)

func liveRow(name string, score float64) *models.Strategy {
	return &models.Strategy{
		ID:            uuid.New(),
		Name:          name,
		Status:        models.StatusLive,
		ScoreBacktest: &score,
	}
}

func activeRow(name string, score float64) *models.Strategy {
	return &models.Strategy{
		ID:            uuid.New(),
		Name:          name,
		Status:        models.StatusActive,
		ScoreBacktest: &score,
	}
}

func TestPlanRotationPromotesTopActive(t *testing.T) {
	active := []*models.Strategy{
		activeRow("a", 80), activeRow("b", 70), activeRow("c", 60),
	}
	plan := planRotation(nil, active, 2, 0.4)
	if len(plan.promote) != 2 || len(plan.retire) != 0 {
		t.Fatalf("plan = %d promote, %d retire", len(plan.promote), len(plan.retire))
	}
	if plan.promote[0].Name != "a" || plan.promote[1].Name != "b" {
		t.Errorf("promotion order = %s, %s", plan.promote[0].Name, plan.promote[1].Name)
	}
}

func TestPlanRotationRetiresDisplacedLive(t *testing.T) {
	live := []*models.Strategy{liveRow("weak", 50)}
	active := []*models.Strategy{activeRow("strong", 90)}

	plan := planRotation(live, active, 1, 0.4)
	if len(plan.promote) != 1 || plan.promote[0].Name != "strong" {
		t.Fatalf("promote = %+v", plan.promote)
	}
	// The displaced row leaves the system; it never moves back to
	// ACTIVE, which would re-enter the pool without an admission check.
	if len(plan.retire) != 1 || plan.retire[0].row.Name != "weak" {
		t.Fatalf("retire = %+v", plan.retire)
	}
	if plan.retire[0].reason != "Rotated out: score 50.0 below live cutoff" {
		t.Errorf("reason = %q", plan.retire[0].reason)
	}
	if !models.CanTransition(models.StatusLive, models.StatusRetired) {
		t.Error("LIVE -> RETIRED must be legal")
	}
	if models.CanTransition(models.StatusLive, models.StatusActive) {
		t.Error("LIVE -> ACTIVE must not be legal")
	}
}

func TestPlanRotationRetiresDegradedLive(t *testing.T) {
	degradation := 0.5
	row := liveRow("fading", 85)
	row.LiveDegradationPct = &degradation

	plan := planRotation([]*models.Strategy{row}, nil, 5, 0.4)
	if len(plan.retire) != 1 || len(plan.promote) != 0 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.retire[0].reason != "Live degradation 50% exceeds limit 40%" {
		t.Errorf("reason = %q", plan.retire[0].reason)
	}
}

func TestPlanRotationSkipsClaimedActive(t *testing.T) {
	claimed := activeRow("claimed", 95)
	proc := "backtester-host-1"
	claimed.ProcessingBy = &proc
	active := []*models.Strategy{claimed, activeRow("free", 65)}

	plan := planRotation(nil, active, 1, 0.4)
	if len(plan.promote) != 1 || plan.promote[0].Name != "free" {
		t.Fatalf("mid-retest rows must keep their status: %+v", plan.promote)
	}
}

func TestPlanRotationKeepsTopLive(t *testing.T) {
	live := []*models.Strategy{liveRow("champion", 90)}
	active := []*models.Strategy{activeRow("challenger", 80)}

	plan := planRotation(live, active, 1, 0.4)
	if len(plan.promote) != 0 || len(plan.retire) != 0 {
		t.Fatalf("a winning live set must be left alone: %+v", plan)
	}
}
