package rules

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewDefaultEngine(WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func ts(base time.Time, offset time.Duration) *time.Time {
	v := base.Add(offset)
	return &v
}

// spread builds n transactions of amount evenly spaced over days.
func spread(n int, amount int64, days float64) *domain.DecisionDataset {
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	ds := &domain.DecisionDataset{RiskRating: "medium", TotalAmount: decimal.Zero}
	step := time.Duration(0)
	if n > 1 {
		step = time.Duration(days * 24 * float64(time.Hour) / float64(n-1))
	}
	seen := map[string]struct{}{}
	for i := 0; i < n; i++ {
		cp := fmt.Sprintf("CP-%d", i%3)
		seen[cp] = struct{}{}
		ds.Transactions = append(ds.Transactions, domain.Transaction{
			Amount:       decimal.NewFromInt(amount),
			Direction:    domain.DirectionIn,
			Counterparty: &cp,
			Timestamp:    ts(start, time.Duration(i)*step),
		})
		ds.TotalAmount = ds.TotalAmount.Add(decimal.NewFromInt(amount))
	}
	ds.PeriodDays = days
	ds.UniqueCounterparties = len(seen)
	return ds
}

func ruleIDs(ev *Evaluation) []string {
	return domain.RuleIDs(ev.Blocks)
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}

	def := newTestEngine(t)
	if def.RulesCount() != 3 {
		t.Errorf("expected 3 built-in rules, got %d", def.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	tests := []struct {
		name string
		cfg  *domain.RuleConfig
	}{
		{"Syntax", &domain.RuleConfig{ID: "bad", Expression: "this is not valid CEL !!!", Enabled: true}},
		{"NonBool", &domain.RuleConfig{ID: "num", Expression: "period_days * 2.0", Enabled: true}},
		{"UnknownVariable", &domain.RuleConfig{ID: "unk", Expression: "amount > 1.0", Enabled: true}},
		{"MissingID", &domain.RuleConfig{Expression: "has_flow", Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.LoadRule(tt.cfg); err == nil {
				t.Error("expected error")
			}
			if err := engine.ValidateRule(tt.cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not be loaded, got %d", engine.RulesCount())
	}
}

func TestStructuringRule(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		ds     *domain.DecisionDataset
		expect bool
	}{
		{"TwentyInTenDays", spread(20, 5000, 10), true},
		{"NineteenInTenDays", spread(19, 5000, 10), false},
		{"TwentyInElevenDays", spread(20, 5000, 11), false},
		{"AtCutoffDoesNotCount", spread(25, 100000, 5), false},
		{"JustBelowCutoff", spread(25, 99999, 5), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := engine.Evaluate(ctx, tt.ds)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			got := false
			for _, b := range ev.Blocks {
				if b.RuleID == RuleStructuring {
					got = true
				}
			}
			if got != tt.expect {
				t.Errorf("structuring triggered = %v, want %v (blocks %v)", got, tt.expect, ruleIDs(ev))
			}
		})
	}
}

func TestStructuringEvidence(t *testing.T) {
	engine := newTestEngine(t)
	ev, err := engine.Evaluate(context.Background(), spread(25, 5000, 5))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(ev.Blocks) != 1 {
		t.Fatalf("expected only AML-001, got %v", ruleIDs(ev))
	}

	b := ev.Blocks[0]
	want := []string{
		"25 transactions in 5.0-day window (threshold: 20)",
		"Average amount: 5000.00",
		"3 unique counterparties",
	}
	if strings.Join(b.Evidence, "|") != strings.Join(want, "|") {
		t.Errorf("evidence = %q, want %q", b.Evidence, want)
	}
	if b.ConfidenceScore != 0.82 {
		t.Errorf("confidence = %v", b.ConfidenceScore)
	}
	if b.RuleVersion != RuleVersion {
		t.Errorf("version = %s", b.RuleVersion)
	}
	if !b.TriggeredAt.Equal(fixedNow) {
		t.Errorf("triggered_at = %v, want injected clock", b.TriggeredAt)
	}
}

func TestRapidMovementRule(t *testing.T) {
	engine := newTestEngine(t)
	base := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

	flow := func(inOffsets, outOffsets []time.Duration) *domain.DecisionDataset {
		ds := &domain.DecisionDataset{TotalAmount: decimal.Zero}
		for _, o := range inOffsets {
			ds.Transactions = append(ds.Transactions, domain.Transaction{Amount: decimal.NewFromInt(100), Direction: domain.DirectionIn, Timestamp: ts(base, o)})
		}
		for _, o := range outOffsets {
			ds.Transactions = append(ds.Transactions, domain.Transaction{Amount: decimal.NewFromInt(100), Direction: domain.DirectionOut, Timestamp: ts(base, o)})
		}
		return ds
	}

	tests := []struct {
		name   string
		ds     *domain.DecisionDataset
		expect bool
	}{
		{"WithinWindow", flow([]time.Duration{0, time.Hour}, []time.Duration{3 * time.Hour}), true},
		{"ExactlySixHours", flow([]time.Duration{0}, []time.Duration{6 * time.Hour}), true},
		{"SameInstant", flow([]time.Duration{0}, []time.Duration{0}), true},
		{"TooSlow", flow([]time.Duration{0}, []time.Duration{6*time.Hour + time.Minute}), false},
		{"OutboundFirst", flow([]time.Duration{5 * time.Hour}, []time.Duration{time.Hour}), false},
		{"UsesLatestInbound", flow([]time.Duration{0, 10 * time.Hour}, []time.Duration{12 * time.Hour}), true},
		{"UsesEarliestOutbound", flow([]time.Duration{0}, []time.Duration{20 * time.Hour, 2 * time.Hour}), true},
		{"NoOutbound", flow([]time.Duration{0}, nil), false},
		{"NoInbound", flow(nil, []time.Duration{0}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := engine.Evaluate(context.Background(), tt.ds)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			got := len(ev.Blocks) == 1 && ev.Blocks[0].RuleID == RuleRapidMovement
			if got != tt.expect {
				t.Errorf("rapid movement triggered = %v, want %v (blocks %v)", got, tt.expect, ruleIDs(ev))
			}
		})
	}

	t.Run("IgnoresUntimestamped", func(t *testing.T) {
		ds := flow([]time.Duration{0}, nil)
		ds.Transactions = append(ds.Transactions, domain.Transaction{Amount: decimal.NewFromInt(1), Direction: domain.DirectionOut})
		ev, _ := engine.Evaluate(context.Background(), ds)
		if len(ev.Blocks) != 0 {
			t.Errorf("expected no trigger, got %v", ruleIDs(ev))
		}
	})

	t.Run("Evidence", func(t *testing.T) {
		ev, _ := engine.Evaluate(context.Background(), flow([]time.Duration{0}, []time.Duration{90 * time.Minute}))
		if len(ev.Blocks) != 1 {
			t.Fatalf("expected one block, got %v", ruleIDs(ev))
		}
		if ev.Blocks[0].Evidence[0] != "Immediate outbound transfer within 1.50 hours" {
			t.Errorf("evidence = %q", ev.Blocks[0].Evidence[0])
		}
	})
}

func TestHighRiskCorridorRule(t *testing.T) {
	engine := newTestEngine(t)
	ds := &domain.DecisionDataset{
		TotalAmount: decimal.NewFromInt(300),
		Transactions: []domain.Transaction{
			{Amount: decimal.NewFromInt(100), Country: "GB"},
			{Amount: decimal.NewFromInt(100), Country: "IR"},
			{Amount: decimal.NewFromInt(100), Country: "KP"},
		},
	}

	ev, err := engine.Evaluate(context.Background(), ds)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(ev.Blocks) != 1 || ev.Blocks[0].RuleID != RuleHighRiskCorridor {
		t.Fatalf("expected AML-021 only, got %v", ruleIDs(ev))
	}
	if ev.Blocks[0].Evidence[0] != "2 transactions linked to high-risk jurisdictions" {
		t.Errorf("evidence = %q", ev.Blocks[0].Evidence[0])
	}
}

func TestConfidenceSumIsUncapped(t *testing.T) {
	engine := newTestEngine(t)
	ds := spread(25, 5000, 0.1)
	ds.Transactions[24].Direction = domain.DirectionOut
	ds.Transactions[0].Country = "SY"

	ev, err := engine.Evaluate(context.Background(), ds)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(ev.Blocks) != 3 {
		t.Fatalf("expected all three rules, got %v", ruleIDs(ev))
	}
	if got := strings.Join(ruleIDs(ev), ","); got != "AML-001,AML-017,AML-021" {
		t.Errorf("blocks out of definition order: %s", got)
	}
	if ev.ConfidenceSum <= 1.0 {
		t.Errorf("expected uncapped confidence sum above 1, got %v", ev.ConfidenceSum)
	}
}

func TestEvaluateEmptyDataset(t *testing.T) {
	engine := newTestEngine(t)
	ev, err := engine.Evaluate(context.Background(), &domain.DecisionDataset{TotalAmount: decimal.Zero})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(ev.Blocks) != 0 || ev.ConfidenceSum != 0 {
		t.Errorf("expected nothing to trigger, got %v", ruleIDs(ev))
	}
}

func TestCustomRuleGetsGenericEvidence(t *testing.T) {
	engine := newTestEngine(t)
	err := engine.LoadRule(&domain.RuleConfig{
		ID:         "AML-090",
		Name:       "Elevated Rating",
		Version:    "v1",
		Expression: `risk_rating == "high"`,
		Confidence: 0.5,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ds := &domain.DecisionDataset{RiskRating: "high", TotalAmount: decimal.Zero}
	ev, _ := engine.Evaluate(context.Background(), ds)
	if len(ev.Blocks) != 1 || ev.Blocks[0].RuleID != "AML-090" {
		t.Fatalf("expected custom rule to fire, got %v", ruleIDs(ev))
	}
	if !strings.Contains(ev.Blocks[0].Evidence[0], `risk_rating == "high"`) {
		t.Errorf("unexpected evidence %q", ev.Blocks[0].Evidence)
	}
}

func TestReloadRules(t *testing.T) {
	engine := newTestEngine(t)
	subset := BuiltinRules()[:1]
	if err := engine.ReloadRules(subset); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if engine.RulesCount() != 1 || engine.GetLoadedRules()[0].ID != RuleStructuring {
		t.Errorf("unexpected rules after reload: %d", engine.RulesCount())
	}
}

func TestEvaluateHonoursCancellation(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Evaluate(ctx, spread(1, 1, 0)); err == nil {
		t.Error("expected context error")
	}
}
