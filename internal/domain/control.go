package domain

import (
	"errors"
	"strings"
	"time"
)

type ControlCategory string

const (
	CategorySegregation    ControlCategory = "segregation"
	CategoryUCC            ControlCategory = "ucc"
	CategoryMargin         ControlCategory = "margin"
	CategoryNetworth       ControlCategory = "networth"
	CategoryReconciliation ControlCategory = "reconciliation"
	CategoryDormant        ControlCategory = "dormant"
)

func (c ControlCategory) Valid() bool {
	switch c {
	case CategorySegregation, CategoryUCC, CategoryMargin, CategoryNetworth, CategoryReconciliation, CategoryDormant:
		return true
	default:
		return false
	}
}

type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyOnDemand Frequency = "on_demand"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyOnDemand:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// Control is a persisted control. YAMLConfig holds the definition text that
// every run re-parses; Version increases by one on each change to it.
type Control struct {
	ID          string
	TenantID    string
	Title       string
	Description string
	Category    ControlCategory
	Dataset     string
	Frequency   Frequency
	Severity    Severity
	YAMLConfig  string
	Version     int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CreatedBy   string
}

func (c Control) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("control id is required")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(c.Title) == "" {
		return errors.New("title is required")
	}
	if !c.Category.Valid() {
		return errors.New("category is invalid")
	}
	if strings.TrimSpace(c.YAMLConfig) == "" {
		return errors.New("yaml_config is required")
	}
	if c.Version < 1 {
		return errors.New("version must be >= 1")
	}
	return nil
}
