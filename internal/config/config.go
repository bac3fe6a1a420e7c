package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type DensityThresholds struct {
	LowVehicles    int     `yaml:"low_vehicles"`
	MediumVehicles int     `yaml:"medium_vehicles"`
	LowScore       float64 `yaml:"low_score"`
	MediumScore    float64 `yaml:"medium_score"`
}

type Density struct {
	RetentionSeconds    int               `yaml:"retention_seconds" validate:"gte=0"`
	Thresholds          DensityThresholds `yaml:"thresholds"`
	TrendSlopeThreshold float64           `yaml:"trend_slope_threshold"`
}

type Safety struct {
	MinRedTimeS        int    `yaml:"min_red_time_s"`
	MinGreenTimeS      int    `yaml:"min_green_time_s"`
	MaxRedTimeS        int    `yaml:"max_red_time_s"`
	AllRedGraceS       int    `yaml:"all_red_grace_s"`
	FailsafePattern    string `yaml:"failsafe_pattern" validate:"omitempty,oneof=all_red blink_yellow"`
	AllowOpposingGreen bool   `yaml:"allow_opposing_green"`
}

type Watchdog struct {
	IntervalS             int `yaml:"interval_s"`
	MaxAgentLagS          int `yaml:"max_agent_lag_s"`
	MaxActuatorLagS       int `yaml:"max_actuator_lag_s"`
	CheckBudgetMs         int `yaml:"check_budget_ms"`
	EmergencyIdleRevertS  int `yaml:"emergency_idle_revert_s"`
	RejectEscalationTicks int `yaml:"reject_escalation_ticks"`
}

type Agent struct {
	LoopIntervalS  float64 `yaml:"loop_interval_s"`
	Strategy       string  `yaml:"strategy" validate:"omitempty,oneof=RL RULE_BASED MANUAL"`
	GreenDurationS int     `yaml:"green_duration_s"`
	TopKPredict    int     `yaml:"top_k_predict"`
	PolicyPath     string  `yaml:"policy_path"`
}

type Detection struct {
	BufferSize      int `yaml:"buffer_size"`
	FlushIntervalS  int `yaml:"flush_interval_s"`
	RetentionHours  int `yaml:"retention_hours"`
	QuarantineAfter int `yaml:"quarantine_after"`
}

type Prediction struct {
	Algorithm          string  `yaml:"algorithm" validate:"omitempty,oneof=MA LINEAR EXP NN RL"`
	HorizonsMin        []int   `yaml:"horizons_min"`
	Alpha              float64 `yaml:"alpha"`
	Beta               float64 `yaml:"beta"`
	Window             int     `yaml:"window"`
	BroadcastIntervalS int     `yaml:"broadcast_interval_s"`
	AlertCooldownS     int     `yaml:"alert_cooldown_s"`
	AlertLevel         string  `yaml:"alert_level" validate:"omitempty,oneof=MEDIUM HIGH JAM"`
}

type Incident struct {
	HistoryWindowMin int     `yaml:"history_window_min"`
	MaxSpeedKmh      float64 `yaml:"max_speed_kmh"`
	TopK             int     `yaml:"top_k"`
	TauS             int     `yaml:"tau_s"`
}

type Emergency struct {
	CorridorTTLS int `yaml:"corridor_ttl_s"`
}

type WS struct {
	RatePerSec float64 `yaml:"rate_per_s"`
	Burst      int     `yaml:"burst"`
}

type Emit struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	WS               WS  `yaml:"ws"`
}

type StoreBatch struct {
	AgentLogSize      int `yaml:"agent_log_size"`
	AgentLogIntervalS int `yaml:"agent_log_interval_s"`
}

type StoreBreaker struct {
	Failures int `yaml:"failures"`
	ResetS   int `yaml:"reset_s"`
}

type Store struct {
	DSN                    string       `yaml:"dsn"`
	Batch                  StoreBatch   `yaml:"batch"`
	HistorySampleIntervalS int          `yaml:"history_sample_interval_s"`
	OutboxDir              string       `yaml:"outbox_dir"`
	Breaker                StoreBreaker `yaml:"breaker"`
}

type Ops struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

type Feed struct {
	Mode        string `yaml:"mode" validate:"omitempty,oneof=sim fixture api"`
	FixturePath string `yaml:"fixture_path"`
	Seed        int64  `yaml:"seed"`
	Vehicles    int    `yaml:"vehicles"`
	GridRows    int    `yaml:"grid_rows"`
	GridCols    int    `yaml:"grid_cols"`
}

type Root struct {
	Density    Density    `yaml:"density"`
	Safety     Safety     `yaml:"safety"`
	Watchdog   Watchdog   `yaml:"watchdog"`
	Agent      Agent      `yaml:"agent"`
	Detection  Detection  `yaml:"detection"`
	Prediction Prediction `yaml:"prediction"`
	Incident   Incident   `yaml:"incident"`
	Emergency  Emergency  `yaml:"emergency"`
	Emit       Emit       `yaml:"emit"`
	Store      Store      `yaml:"store"`
	Ops        Ops        `yaml:"ops"`
	Feed       Feed       `yaml:"feed"`
}

// Default returns the config used when no file is given. Tests build on it.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := validator.New().Struct(c); err != nil {
		return c, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Density.RetentionSeconds == 0 {
		c.Density.RetentionSeconds = 600
	}
	if c.Density.Thresholds.LowVehicles == 0 {
		c.Density.Thresholds.LowVehicles = 5
	}
	if c.Density.Thresholds.MediumVehicles == 0 {
		c.Density.Thresholds.MediumVehicles = 12
	}
	if c.Density.Thresholds.LowScore == 0 {
		c.Density.Thresholds.LowScore = 40
	}
	if c.Density.Thresholds.MediumScore == 0 {
		c.Density.Thresholds.MediumScore = 70
	}
	if c.Density.TrendSlopeThreshold == 0 {
		c.Density.TrendSlopeThreshold = 5.0
	}

	if c.Safety.MinRedTimeS == 0 {
		c.Safety.MinRedTimeS = 2
	}
	if c.Safety.MinGreenTimeS == 0 {
		c.Safety.MinGreenTimeS = 10
	}
	if c.Safety.MaxRedTimeS == 0 {
		c.Safety.MaxRedTimeS = 120
	}
	if c.Safety.AllRedGraceS == 0 {
		c.Safety.AllRedGraceS = 30
	}
	if c.Safety.FailsafePattern == "" {
		c.Safety.FailsafePattern = "all_red"
	}

	if c.Watchdog.IntervalS == 0 {
		c.Watchdog.IntervalS = 2
	}
	if c.Watchdog.MaxAgentLagS == 0 {
		c.Watchdog.MaxAgentLagS = 5
	}
	if c.Watchdog.MaxActuatorLagS == 0 {
		c.Watchdog.MaxActuatorLagS = 3
	}
	if c.Watchdog.CheckBudgetMs == 0 {
		c.Watchdog.CheckBudgetMs = 500
	}
	if c.Watchdog.EmergencyIdleRevertS == 0 {
		c.Watchdog.EmergencyIdleRevertS = 60
	}
	if c.Watchdog.RejectEscalationTicks == 0 {
		c.Watchdog.RejectEscalationTicks = 10
	}

	if c.Agent.LoopIntervalS == 0 {
		c.Agent.LoopIntervalS = 1
	}
	if c.Agent.Strategy == "" {
		c.Agent.Strategy = "RULE_BASED"
	}
	if c.Agent.GreenDurationS == 0 {
		c.Agent.GreenDurationS = 30
	}
	if c.Agent.TopKPredict == 0 {
		c.Agent.TopKPredict = 3
	}

	if c.Detection.BufferSize == 0 {
		c.Detection.BufferSize = 100
	}
	if c.Detection.FlushIntervalS == 0 {
		c.Detection.FlushIntervalS = 5
	}
	if c.Detection.RetentionHours == 0 {
		c.Detection.RetentionHours = 24
	}
	if c.Detection.QuarantineAfter == 0 {
		c.Detection.QuarantineAfter = 3
	}

	if c.Prediction.Algorithm == "" {
		c.Prediction.Algorithm = "EXP"
	}
	if len(c.Prediction.HorizonsMin) == 0 {
		c.Prediction.HorizonsMin = []int{3, 5, 10}
	}
	if c.Prediction.Alpha == 0 {
		c.Prediction.Alpha = 0.3
	}
	if c.Prediction.Beta == 0 {
		c.Prediction.Beta = 0.1
	}
	if c.Prediction.Window == 0 {
		c.Prediction.Window = 30
	}
	if c.Prediction.BroadcastIntervalS == 0 {
		c.Prediction.BroadcastIntervalS = 30
	}
	if c.Prediction.AlertCooldownS == 0 {
		c.Prediction.AlertCooldownS = 120
	}
	if c.Prediction.AlertLevel == "" {
		c.Prediction.AlertLevel = "HIGH"
	}

	if c.Incident.HistoryWindowMin == 0 {
		c.Incident.HistoryWindowMin = 30
	}
	if c.Incident.MaxSpeedKmh == 0 {
		c.Incident.MaxSpeedKmh = 60
	}
	if c.Incident.TopK == 0 {
		c.Incident.TopK = 5
	}
	if c.Incident.TauS == 0 {
		c.Incident.TauS = 300
	}

	if c.Emergency.CorridorTTLS == 0 {
		c.Emergency.CorridorTTLS = 120
	}

	if c.Emit.SubscriberBuffer == 0 {
		c.Emit.SubscriberBuffer = 256
	}
	if c.Emit.WS.RatePerSec == 0 {
		c.Emit.WS.RatePerSec = 20
	}
	if c.Emit.WS.Burst == 0 {
		c.Emit.WS.Burst = 40
	}

	if c.Store.Batch.AgentLogSize == 0 {
		c.Store.Batch.AgentLogSize = 20
	}
	if c.Store.Batch.AgentLogIntervalS == 0 {
		c.Store.Batch.AgentLogIntervalS = 2
	}
	if c.Store.HistorySampleIntervalS == 0 {
		c.Store.HistorySampleIntervalS = 30
	}
	if c.Store.OutboxDir == "" {
		c.Store.OutboxDir = "data/outbox"
	}
	if c.Store.Breaker.Failures == 0 {
		c.Store.Breaker.Failures = 5
	}
	if c.Store.Breaker.ResetS == 0 {
		c.Store.Breaker.ResetS = 30
	}

	if c.Ops.Listen == "" {
		// bind to loopback to avoid firewall prompts
		c.Ops.Listen = "127.0.0.1:8095"
	}

	if c.Feed.Mode == "" {
		c.Feed.Mode = "sim"
	}
	if c.Feed.Seed == 0 {
		c.Feed.Seed = 42
	}
	if c.Feed.Vehicles == 0 {
		c.Feed.Vehicles = 120
	}
	if c.Feed.GridRows == 0 {
		c.Feed.GridRows = 3
	}
	if c.Feed.GridCols == 0 {
		c.Feed.GridCols = 3
	}
}
