/*
Package settings holds the hotel's business settings: currency, tax rate,
loyalty tiers and the schedules of the inventory jobs. They persist in the
registry under "settings:hotel" and can be seeded from a YAML file.
*/
package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/hotelier/core/registry"
)

const registryKey = "hotel"

// Tier is a loyalty tier. Members reach a tier with their lifetime points.
type Tier struct {
	Name       string  `json:"name" yaml:"name"`
	MinPoints  int64   `json:"min_points" yaml:"min_points"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// Settings are the hotel's business settings
type Settings struct {
	HotelName             string  `json:"hotel_name" yaml:"hotel_name"`
	Currency              string  `json:"currency" yaml:"currency"`
	TaxRate               float64 `json:"tax_rate" yaml:"tax_rate"`
	Timezone              string  `json:"timezone" yaml:"timezone"`
	DefaultReorderLevel   int     `json:"default_reorder_level" yaml:"default_reorder_level"`
	PointsPerCurrencyUnit float64 `json:"points_per_currency_unit" yaml:"points_per_currency_unit"`
	Tiers                 []Tier  `json:"tiers" yaml:"tiers"`
	InvoiceDueDays        int     `json:"invoice_due_days" yaml:"invoice_due_days"`
	// LowStockScan and DailyReport are five field cron specs
	LowStockScan string `json:"low_stock_scan" yaml:"low_stock_scan"`
	DailyReport  string `json:"daily_report" yaml:"daily_report"`
}

// Default returns the settings used before anything was stored
func Default() Settings {
	return Settings{
		HotelName:             "Hotelier",
		Currency:              "EUR",
		TaxRate:               0.1,
		Timezone:              "UTC",
		DefaultReorderLevel:   10,
		PointsPerCurrencyUnit: 1,
		Tiers: []Tier{
			{Name: "bronze", MinPoints: 0, Multiplier: 1},
			{Name: "silver", MinPoints: 1000, Multiplier: 1.25},
			{Name: "gold", MinPoints: 5000, Multiplier: 1.5},
			{Name: "platinum", MinPoints: 10000, Multiplier: 2},
		},
		InvoiceDueDays: 14,
		LowStockScan:   "0 * * * *",
		DailyReport:    "0 6 * * *",
	}
}

// Validate checks the settings for consistency and sorts the tiers by MinPoints
func (s *Settings) Validate() error {
	if s.HotelName == "" {
		return errors.New("hotel_name must not be empty")
	}
	if len(s.Currency) != 3 {
		return fmt.Errorf("currency must be a three letter code, got '%s'", s.Currency)
	}
	if s.TaxRate < 0 || s.TaxRate >= 1 {
		return fmt.Errorf("tax_rate must be in [0,1), got %v", s.TaxRate)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid timezone '%s': %w", s.Timezone, err)
	}
	if s.DefaultReorderLevel < 0 {
		return errors.New("default_reorder_level must not be negative")
	}
	if s.PointsPerCurrencyUnit < 0 {
		return errors.New("points_per_currency_unit must not be negative")
	}
	if s.InvoiceDueDays < 0 {
		return errors.New("invoice_due_days must not be negative")
	}
	if len(s.Tiers) == 0 {
		return errors.New("at least one loyalty tier is required")
	}
	sort.SliceStable(s.Tiers, func(i, j int) bool { return s.Tiers[i].MinPoints < s.Tiers[j].MinPoints })
	if s.Tiers[0].MinPoints != 0 {
		return errors.New("the lowest loyalty tier must start at 0 points")
	}
	names := map[string]bool{}
	for _, tier := range s.Tiers {
		if tier.Name == "" || names[tier.Name] {
			return fmt.Errorf("loyalty tier names must be unique and not empty, got '%s'", tier.Name)
		}
		names[tier.Name] = true
		if tier.Multiplier <= 0 {
			return fmt.Errorf("multiplier of tier %s must be positive", tier.Name)
		}
	}
	for name, spec := range map[string]string{"low_stock_scan": s.LowStockScan, "daily_report": s.DailyReport} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule '%s': %w", name, spec, err)
		}
	}
	return nil
}

// TierFor returns the highest tier reached with the lifetime points
func (s Settings) TierFor(lifetimePoints int64) Tier {
	tier := s.Tiers[0]
	for _, t := range s.Tiers {
		if lifetimePoints >= t.MinPoints && t.MinPoints >= tier.MinPoints {
			tier = t
		}
	}
	return tier
}

// Tier returns the tier with the given name
func (s Settings) Tier(name string) (Tier, bool) {
	for _, t := range s.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// TaxRateDecimal returns the tax rate for money arithmetic
func (s Settings) TaxRateDecimal() decimal.Decimal {
	return decimal.NewFromFloat(s.TaxRate)
}

// Location returns the hotel's time zone, UTC if invalid
func (s Settings) Location() *time.Location {
	location, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return location
}

// Store persists the settings in the registry
type Store struct {
	accessor registry.Accessor
}

// NewStore returns a settings store on the registry
func NewStore(reg registry.Registry) *Store {
	return &Store{accessor: reg.Accessor("settings")}
}

// Load returns the stored settings or the defaults if nothing was stored yet
func (s *Store) Load(ctx context.Context) (Settings, error) {
	settings := Default()
	if _, err := s.accessor.Read(ctx, registryKey, &settings); err != nil {
		return Default(), err
	}
	return settings, nil
}

// Save validates and stores the settings
func (s *Store) Save(ctx context.Context, settings Settings) (Settings, error) {
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, s.accessor.Write(ctx, registryKey, settings)
}

// ParseYAML reads settings from YAML. Missing fields keep their default values.
func ParseYAML(r io.Reader) (Settings, error) {
	settings := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&settings); err != nil && err != io.EOF {
		return settings, fmt.Errorf("cannot parse settings: %w", err)
	}
	return settings, settings.Validate()
}

// ImportYAML parses settings from YAML and stores them
func (s *Store) ImportYAML(ctx context.Context, r io.Reader) (Settings, error) {
	settings, err := ParseYAML(r)
	if err != nil {
		return settings, err
	}
	return s.Save(ctx, settings)
}
